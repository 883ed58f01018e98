// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package weaverd

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/weaver/services/weaverd/transaction"
)

// Event types sent on the event stream.
const (
	EventTransition = "transition"
	EventResult     = "result"
)

const (
	subscriberBuffer = 64
	wsWriteTimeout   = 5 * time.Second
	wsPingInterval   = 30 * time.Second
)

// Event is one message on the event stream.
type Event struct {
	Type          string              `json:"type"`
	TransactionID string              `json:"transaction_id"`
	From          transaction.State   `json:"from,omitempty"`
	To            transaction.State   `json:"to,omitempty"`
	Result        *transaction.Result `json:"result,omitempty"`
	Time          time.Time           `json:"time"`
}

// EventHub fans transaction events out to subscribers.
//
// # Description
//
// EventHub is a transaction.Observer. OnTransition runs while the
// transaction holds its locks, so delivery never blocks: a subscriber
// whose buffer is full misses the event and the drop is counted.
//
// # Thread Safety
//
// Safe for concurrent use.
type EventHub struct {
	logger *slog.Logger

	mu     sync.RWMutex
	subs   map[chan Event]struct{}
	closed bool

	dropped atomic.Int64
}

var _ transaction.Observer = (*EventHub)(nil)

// NewEventHub creates an empty hub.
func NewEventHub(logger *slog.Logger) *EventHub {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventHub{
		logger: logger.With("component", "weaverd.EventHub"),
		subs:   make(map[chan Event]struct{}),
	}
}

// OnTransition implements transaction.Observer.
func (h *EventHub) OnTransition(_ context.Context, txID string, from, to transaction.State) {
	h.publish(Event{
		Type:          EventTransition,
		TransactionID: txID,
		From:          from,
		To:            to,
		Time:          time.Now(),
	})
}

// OnResult implements transaction.Observer.
func (h *EventHub) OnResult(_ context.Context, result transaction.Result) {
	r := result
	h.publish(Event{
		Type:          EventResult,
		TransactionID: result.TransactionID,
		To:            result.State,
		Result:        &r,
		Time:          time.Now(),
	})
}

func (h *EventHub) publish(ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	for ch := range h.subs {
		select {
		case ch <- ev:
		default:
			h.dropped.Add(1)
		}
	}
}

// Subscribe registers a subscriber. The returned cancel func
// unregisters it and closes the channel; it is safe to call twice.
// The channel is also closed when the hub closes.
func (h *EventHub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, subscriberBuffer)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		close(ch)
		return ch, func() {}
	}
	h.subs[ch] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if _, ok := h.subs[ch]; ok {
				delete(h.subs, ch)
				close(ch)
			}
		})
	}
}

// Subscribers returns the number of live subscribers.
func (h *EventHub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

// Dropped returns how many deliveries were skipped on full buffers.
func (h *EventHub) Dropped() int64 {
	return h.dropped.Load()
}

// Close closes every subscriber channel. Later events are discarded.
func (h *EventHub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	for ch := range h.subs {
		close(ch)
		delete(h.subs, ch)
	}
}

// =============================================================================
// WEBSOCKET
// =============================================================================

var upgrader = websocket.Upgrader{
	CheckOrigin:     checkOrigin,
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 64 * 1024,
}

func sendJSON(ws *websocket.Conn, v interface{}) error {
	_ = ws.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	err := ws.WriteJSON(v)
	if err != nil {
		slog.Warn("Failed to write WebSocket JSON", "error", err)
	}
	return err
}

// HandleEvents handles GET /v1/events.
//
// Description:
//
//	Upgrades to a websocket and streams every transaction transition and
//	result as JSON Events until the client disconnects or the hub closes.
//	Messages from the client are read and discarded.
func (h *EventHub) HandleEvents(c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Error("failed to upgrade the websocket", "error", err)
		return
	}
	defer ws.Close()

	events, cancel := h.Subscribe()
	defer cancel()
	h.logger.Info("Event stream client connected", "remote", c.ClientIP())

	gone := make(chan struct{})
	go func() {
		defer close(gone)
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(wsPingInterval)
	defer ping.Stop()

	for {
		select {
		case <-gone:
			h.logger.Info("Event stream client disconnected", "remote", c.ClientIP())
			return
		case <-ping.C:
			deadline := time.Now().Add(wsWriteTimeout)
			if err := ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				return
			}
		case ev, ok := <-events:
			if !ok {
				_ = ws.WriteControl(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"),
					time.Now().Add(wsWriteTimeout))
				return
			}
			if err := sendJSON(ws, ev); err != nil {
				return
			}
		}
	}
}
