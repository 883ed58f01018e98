// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package journal

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// ErrNotFound is returned by Get for an unknown transaction ID.
var ErrNotFound = errors.New("transaction not found in journal")

// ErrClosed is returned after Close.
var ErrClosed = errors.New("journal closed")

const (
	txPrefix = "tx/"
	idPrefix = "id/"

	// nanosWidth zero-pads start times so keys sort chronologically.
	nanosWidth = 20
)

// Record is one journaled transaction outcome.
type Record struct {
	ID        string                 `msgpack:"id" json:"id"`
	Source    transaction.Source     `msgpack:"source" json:"source,omitempty"`
	Result    transaction.ResultKind `msgpack:"result" json:"result"`
	Phase     transaction.Phase      `msgpack:"phase" json:"phase,omitempty"`
	Message   string                 `msgpack:"message" json:"message,omitempty"`
	Files     []string               `msgpack:"files" json:"files"`
	StartedAt time.Time              `msgpack:"started_at" json:"started_at"`
	Duration  time.Duration          `msgpack:"duration" json:"duration"`

	// Detail is the full result as returned to the caller.
	Detail transaction.Result `msgpack:"detail" json:"detail"`
}

// NewRecord builds a Record from a finished transaction.
func NewRecord(set transaction.EditSet, res transaction.Result) Record {
	id := res.TransactionID
	if id == "" {
		id = set.ID
	}
	source := res.Source
	if source == "" {
		source = set.Source
	}
	files := res.Files
	if files == nil {
		files = set.Paths()
	}
	return Record{
		ID:        id,
		Source:    source,
		Result:    res.Kind,
		Phase:     res.Phase,
		Message:   res.Summary(),
		Files:     files,
		StartedAt: res.StartedAt,
		Duration:  res.Duration,
		Detail:    res,
	}
}

// Journal stores transaction records.
//
// # Description
//
// Records are msgpack-encoded under tx/<start nanos>/<id> so a reverse
// prefix scan yields the newest first; id/<id> maps an ID to its record
// key. Journal implements transaction.Recorder.
//
// # Thread Safety
//
// Safe for concurrent use.
type Journal struct {
	db        *badger.DB
	retention time.Duration
	inMemory  bool
	maint     *maintenance
	logger    *slog.Logger

	closeOnce sync.Once
	closed    chan struct{}
}

var _ transaction.Recorder = (*Journal)(nil)

// Open opens or creates a journal.
//
// # Inputs
//
//   - cfg: Database configuration. Path is required unless InMemory.
//
// # Outputs
//
//   - *Journal: The journal. Call Close when done.
//   - error: Non-nil if the database cannot be opened.
func Open(cfg Config) (*Journal, error) {
	db, err := openDB(cfg)
	if err != nil {
		return nil, err
	}
	j := &Journal{
		db:        db,
		retention: cfg.Retention,
		inMemory:  cfg.InMemory,
		logger:    slog.Default().With("component", "journal.Journal"),
		closed:    make(chan struct{}),
	}
	if cfg.GCInterval > 0 {
		j.maint = newMaintenance(j, cfg.GCInterval, cfg.GCDiscardRatio)
		j.maint.start()
	}
	return j, nil
}

// Close stops maintenance and closes the database. Safe to call twice.
func (j *Journal) Close() error {
	var err error
	j.closeOnce.Do(func() {
		close(j.closed)
		if j.maint != nil {
			j.maint.stop()
		}
		err = j.db.Close()
	})
	return err
}

func (j *Journal) isClosed() bool {
	select {
	case <-j.closed:
		return true
	default:
		return false
	}
}

// Record journals the outcome of set.
func (j *Journal) Record(ctx context.Context, set transaction.EditSet, res transaction.Result) error {
	return j.Put(ctx, NewRecord(set, res))
}

// Put stores rec, replacing any record with the same ID.
func (j *Journal) Put(ctx context.Context, rec Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if j.isClosed() {
		return ErrClosed
	}
	if rec.ID == "" {
		return errors.New("record ID is required")
	}

	data, err := msgpack.Marshal(&rec)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID, err)
	}
	key := recordKey(rec.StartedAt, rec.ID)

	return j.db.Update(func(txn *badger.Txn) error {
		idKey := []byte(idPrefix + rec.ID)
		if item, err := txn.Get(idKey); err == nil {
			old, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if !bytes.Equal(old, key) {
				if err := txn.Delete(old); err != nil {
					return err
				}
			}
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		return txn.Set(idKey, key)
	})
}

// Get returns the record for id, or ErrNotFound.
func (j *Journal) Get(ctx context.Context, id string) (Record, error) {
	if err := ctx.Err(); err != nil {
		return Record{}, err
	}
	if j.isClosed() {
		return Record{}, ErrClosed
	}

	var rec Record
	err := j.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(idPrefix + id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		key, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		item, err = txn.Get(key)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			return msgpack.Unmarshal(val, &rec)
		})
	})
	if err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Recent returns up to limit records, newest first. A limit <= 0
// returns every record.
func (j *Journal) Recent(ctx context.Context, limit int) ([]Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if j.isClosed() {
		return nil, ErrClosed
	}

	var out []Record
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = []byte(txPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append([]byte(txPrefix), 0xFF)
		for it.Seek(seek); it.Valid(); it.Next() {
			if limit > 0 && len(out) >= limit {
				break
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			var rec Record
			if err := it.Item().Value(func(val []byte) error {
				return msgpack.Unmarshal(val, &rec)
			}); err != nil {
				return fmt.Errorf("decode %s: %w", it.Item().Key(), err)
			}
			out = append(out, rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Prune deletes records that started before cutoff and returns how many
// were removed.
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if j.isClosed() {
		return 0, ErrClosed
	}
	return j.prune(cutoff)
}

func (j *Journal) prune(cutoff time.Time) (int, error) {
	limit := recordKey(cutoff, "")

	var keys [][]byte
	err := j.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(txPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek([]byte(txPrefix)); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if bytes.Compare(key, limit) >= 0 {
				break
			}
			keys = append(keys, key)
		}
		return nil
	})
	if err != nil || len(keys) == 0 {
		return 0, err
	}

	wb := j.db.NewWriteBatch()
	defer wb.Cancel()
	for _, key := range keys {
		if err := wb.Delete(key); err != nil {
			return 0, err
		}
		if id := idFromKey(key); id != "" {
			if err := wb.Delete([]byte(idPrefix + id)); err != nil {
				return 0, err
			}
		}
	}
	if err := wb.Flush(); err != nil {
		return 0, err
	}
	return len(keys), nil
}

// recordKey is tx/<zero-padded unix nanos>/<id>.
func recordKey(started time.Time, id string) []byte {
	nanos := started.UnixNano()
	if nanos < 0 {
		nanos = 0
	}
	s := strconv.FormatInt(nanos, 10)
	buf := make([]byte, 0, len(txPrefix)+nanosWidth+1+len(id))
	buf = append(buf, txPrefix...)
	for i := len(s); i < nanosWidth; i++ {
		buf = append(buf, '0')
	}
	buf = append(buf, s...)
	buf = append(buf, '/')
	buf = append(buf, id...)
	return buf
}

func idFromKey(key []byte) string {
	rest := key[len(txPrefix):]
	if i := bytes.IndexByte(rest, '/'); i >= 0 {
		return string(rest[i+1:])
	}
	return ""
}
