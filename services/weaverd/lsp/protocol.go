// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package lsp

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
)

// JSONRPCVersion is the JSON-RPC version used by LSP.
const JSONRPCVersion = "2.0"

// =============================================================================
// JSON-RPC MESSAGE TYPES
// =============================================================================

// Request is an outgoing JSON-RPC request.
type Request struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      int64       `json:"id"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// Response is a JSON-RPC response to one of our requests.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// ResponseError is a JSON-RPC error object.
type ResponseError struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// Notification is a JSON-RPC notification (no ID, no response).
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params,omitempty"`
}

// incoming is any message read from the server. Server-initiated
// requests may use string IDs, so the ID stays raw.
type incoming struct {
	ID     json.RawMessage `json:"id,omitempty"`
	Method string          `json:"method,omitempty"`
	Params json.RawMessage `json:"params,omitempty"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

// outgoingResponse answers a server-initiated request.
type outgoingResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result"`
	Error   *ResponseError  `json:"error,omitempty"`
}

// NotificationHandler receives server notifications such as
// textDocument/publishDiagnostics. Called on the read goroutine.
type NotificationHandler func(method string, params json.RawMessage)

// RequestHandler answers server-initiated requests. Called on the read
// goroutine; must not block on the protocol.
type RequestHandler func(method string, params json.RawMessage) (interface{}, *ResponseError)

// =============================================================================
// PROTOCOL HANDLER
// =============================================================================

// Protocol handles JSON-RPC communication over a byte stream.
//
// Description:
//
//	Implements the LSP base protocol with Content-Length framing. Correlates
//	responses to requests, routes notifications to a handler, and answers
//	server-initiated requests so servers that wait on them do not stall.
//
// Thread Safety:
//
//	Safe for concurrent use. ReadLoop must run on a single goroutine.
type Protocol struct {
	reader    *bufio.Reader
	writer    io.Writer
	writeMu   sync.Mutex
	nextID    int64
	pending   map[int64]chan Response
	pendingMu sync.Mutex
	closed    int32

	handlerMu      sync.RWMutex
	onNotification NotificationHandler
	onRequest      RequestHandler
}

// NewProtocol creates a protocol over r (server stdout) and w (server stdin).
func NewProtocol(r io.Reader, w io.Writer) *Protocol {
	var reader *bufio.Reader
	if r != nil {
		reader = bufio.NewReader(r)
	}
	return &Protocol{
		reader:  reader,
		writer:  w,
		pending: make(map[int64]chan Response),
	}
}

// OnNotification installs the notification handler.
func (p *Protocol) OnNotification(h NotificationHandler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.onNotification = h
}

// OnRequest installs the handler for server-initiated requests. Without
// one, every server request is answered with a null result.
func (p *Protocol) OnRequest(h RequestHandler) {
	p.handlerMu.Lock()
	defer p.handlerMu.Unlock()
	p.onRequest = h
}

// SendRequest sends a request and waits for its response.
//
// Inputs:
//
//	ctx - Cancels the wait. The request itself is not retracted.
//	method - LSP method, e.g. "textDocument/diagnostic".
//	params - Marshaled to JSON.
//
// Outputs:
//
//	*Response - The response with a nil Error.
//	error - *LSPError for an error response, ErrRequestTimeout on ctx
//	  expiry, ErrServerNotRunning after Close.
func (p *Protocol) SendRequest(ctx context.Context, method string, params interface{}) (*Response, error) {
	if ctx == nil {
		return nil, ErrNilContext
	}
	if atomic.LoadInt32(&p.closed) == 1 {
		return nil, ErrServerNotRunning
	}

	id := atomic.AddInt64(&p.nextID, 1)
	respCh := make(chan Response, 1)

	p.pendingMu.Lock()
	p.pending[id] = respCh
	p.pendingMu.Unlock()

	defer func() {
		p.pendingMu.Lock()
		delete(p.pending, id)
		p.pendingMu.Unlock()
	}()

	req := Request{JSONRPC: JSONRPCVersion, ID: id, Method: method, Params: params}
	if err := p.writeMessage(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %s: %v", ErrRequestTimeout, method, ctx.Err())
	case resp := <-respCh:
		if resp.Error != nil {
			return nil, &LSPError{
				Code:    resp.Error.Code,
				Message: resp.Error.Message,
				Data:    resp.Error.Data,
			}
		}
		return &resp, nil
	}
}

// SendNotification sends a notification.
func (p *Protocol) SendNotification(method string, params interface{}) error {
	if atomic.LoadInt32(&p.closed) == 1 {
		return ErrServerNotRunning
	}
	return p.writeMessage(Notification{
		JSONRPC: JSONRPCVersion,
		Method:  method,
		Params:  params,
	})
}

// writeMessage marshals v and writes it with a Content-Length header.
func (p *Protocol) writeMessage(v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	p.writeMu.Lock()
	defer p.writeMu.Unlock()

	header := fmt.Sprintf("Content-Length: %d\r\n\r\n", len(data))
	if _, err := p.writer.Write([]byte(header)); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	if _, err := p.writer.Write(data); err != nil {
		return fmt.Errorf("write body: %w", err)
	}
	return nil
}

// ReadLoop reads and dispatches messages until the stream ends.
//
// Outputs:
//
//	error - ErrServerCrashed on unexpected EOF, nil after Close, or the
//	  read error.
func (p *Protocol) ReadLoop(ctx context.Context) error {
	if p.reader == nil {
		return fmt.Errorf("no reader configured")
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		msg, err := p.readMessage()
		if err != nil {
			if atomic.LoadInt32(&p.closed) == 1 {
				return nil
			}
			if err == io.EOF || err == io.ErrUnexpectedEOF {
				return ErrServerCrashed
			}
			return fmt.Errorf("read: %w", err)
		}

		p.handleMessage(msg)
	}
}

// readMessage reads one framed message.
func (p *Protocol) readMessage() (json.RawMessage, error) {
	var contentLength int

	for {
		line, err := p.reader.ReadString('\n')
		if err != nil {
			return nil, err
		}
		line = strings.TrimSpace(line)
		if line == "" {
			break
		}
		if strings.HasPrefix(line, "Content-Length:") {
			lenStr := strings.TrimSpace(strings.TrimPrefix(line, "Content-Length:"))
			contentLength, err = strconv.Atoi(lenStr)
			if err != nil {
				return nil, fmt.Errorf("invalid Content-Length value %q: %w", lenStr, err)
			}
			if contentLength < 0 {
				return nil, fmt.Errorf("negative Content-Length: %d", contentLength)
			}
		}
	}

	if contentLength == 0 {
		return nil, fmt.Errorf("missing or zero Content-Length header")
	}

	body := make([]byte, contentLength)
	if _, err := io.ReadFull(p.reader, body); err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// handleMessage dispatches one message by shape: response, server
// request, or notification.
func (p *Protocol) handleMessage(raw json.RawMessage) {
	var msg incoming
	if err := json.Unmarshal(raw, &msg); err != nil {
		return
	}

	hasID := len(msg.ID) > 0 && string(msg.ID) != "null"

	switch {
	case msg.Method == "" && hasID:
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			return
		}
		p.pendingMu.Lock()
		ch, ok := p.pending[id]
		p.pendingMu.Unlock()
		if ok {
			select {
			case ch <- Response{JSONRPC: JSONRPCVersion, ID: id, Result: msg.Result, Error: msg.Error}:
			default:
			}
		}

	case msg.Method != "" && hasID:
		p.handlerMu.RLock()
		h := p.onRequest
		p.handlerMu.RUnlock()

		var result interface{}
		var rerr *ResponseError
		if h != nil {
			result, rerr = h(msg.Method, msg.Params)
		}
		_ = p.writeMessage(outgoingResponse{
			JSONRPC: JSONRPCVersion,
			ID:      msg.ID,
			Result:  result,
			Error:   rerr,
		})

	case msg.Method != "":
		p.handlerMu.RLock()
		h := p.onNotification
		p.handlerMu.RUnlock()
		if h != nil {
			h(msg.Method, msg.Params)
		}
	}
}

// Close marks the protocol closed and fails all pending requests.
// It does not close the underlying streams.
func (p *Protocol) Close() {
	atomic.StoreInt32(&p.closed, 1)

	p.pendingMu.Lock()
	defer p.pendingMu.Unlock()
	for id, ch := range p.pending {
		select {
		case ch <- Response{
			JSONRPC: JSONRPCVersion,
			ID:      id,
			Error:   &ResponseError{Code: -32099, Message: "connection closed"},
		}:
		default:
		}
	}
}

// IsClosed reports whether Close has been called.
func (p *Protocol) IsClosed() bool {
	return atomic.LoadInt32(&p.closed) == 1
}
