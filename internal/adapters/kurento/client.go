// Package kurento adapts Kurento-style media servers: pipelines per
// (room, host), endpoint-per-kind negotiation and cross-host transposing.
package kurento

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
)

const requestTimeout = 10 * time.Second

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcEnvelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      *uint64         `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// serverEvent is the `onEvent` notification payload.
type serverEvent struct {
	Value struct {
		Object string          `json:"object"`
		Type   string          `json:"type"`
		Data   json.RawMessage `json:"data"`
	} `json:"value"`
}

// EventHandler consumes backend object events.
type EventHandler func(objectID, eventType string, data json.RawMessage)

// Client is one JSON-RPC-over-websocket connection to a media server host.
type Client struct {
	url  string
	conn *websocket.Conn

	writeMu sync.Mutex
	nextID  atomic.Uint64

	mu        sync.Mutex
	pending   map[uint64]chan rpcEnvelope
	sessionID string
	closed    bool

	onEvent      EventHandler
	onDisconnect func()
}

// Dial connects to a host. The caller wires OnEvent/OnDisconnect before the
// first request that can produce notifications.
func Dial(ctx context.Context, url string) (*Client, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, core.Normalize(err)
	}
	c := &Client{
		url:     url,
		conn:    conn,
		pending: make(map[uint64]chan rpcEnvelope),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) OnEvent(fn EventHandler) { c.onEvent = fn }
func (c *Client) OnDisconnect(fn func())  { c.onDisconnect = fn }

func (c *Client) readLoop() {
	defer func() {
		c.mu.Lock()
		closed := c.closed
		c.closed = true
		for id, ch := range c.pending {
			close(ch)
			delete(c.pending, id)
		}
		c.mu.Unlock()
		if !closed && c.onDisconnect != nil {
			c.onDisconnect()
		}
	}()
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			log.Warn().Str("module", "adapters.kurento").Str("url", c.url).
				Err(err).Msg("connection read error")
			return
		}
		var env rpcEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.Warn().Str("module", "adapters.kurento").Err(err).Msg("bad frame")
			continue
		}
		switch {
		case env.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*env.ID]
			delete(c.pending, *env.ID)
			c.mu.Unlock()
			if ok {
				ch <- env
			}
		case env.Method == "onEvent":
			var ev serverEvent
			if err := json.Unmarshal(env.Params, &ev); err == nil && c.onEvent != nil {
				c.onEvent(ev.Value.Object, ev.Value.Type, ev.Value.Data)
			}
		}
	}
}

// Request performs one RPC round trip with the shared request timeout.
func (c *Client) Request(ctx context.Context, method string, params map[string]any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, core.NewError(core.ErrConnectionError, "connection closed")
	}
	if c.sessionID != "" && params != nil {
		params["sessionId"] = c.sessionID
	}
	id := c.nextID.Add(1)
	ch := make(chan rpcEnvelope, 1)
	c.pending[id] = ch
	c.mu.Unlock()

	req := rpcRequest{JSONRPC: "2.0", ID: id, Method: method, Params: params}
	c.writeMu.Lock()
	err := c.conn.WriteJSON(req)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, core.Normalize(err)
	}

	select {
	case env, ok := <-ch:
		if !ok {
			return nil, core.NewError(core.ErrConnectionError, "connection closed mid-request")
		}
		if env.Error != nil {
			return nil, core.NewError(core.ErrMediaServerRequestError, env.Error.Message)
		}
		c.rememberSession(env.Result)
		return env.Result, nil
	case <-time.After(requestTimeout):
		return nil, core.NewErrorf(core.ErrRequestTimeout, "%s request timed out", method)
	case <-ctx.Done():
		return nil, core.Normalize(ctx.Err())
	}
}

func (c *Client) rememberSession(result json.RawMessage) {
	var r struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.Unmarshal(result, &r); err == nil && r.SessionID != "" {
		c.mu.Lock()
		c.sessionID = r.SessionID
		c.mu.Unlock()
	}
}

// Create instantiates a server-side object and returns its id.
func (c *Client) Create(ctx context.Context, objectType string, constructorParams map[string]any) (string, error) {
	result, err := c.Request(ctx, "create", map[string]any{
		"type":              objectType,
		"constructorParams": constructorParams,
	})
	if err != nil {
		return "", err
	}
	var r struct {
		Value string `json:"value"`
	}
	if err := json.Unmarshal(result, &r); err != nil {
		return "", core.NewError(core.ErrMediaServerRequestError, "malformed create result")
	}
	return r.Value, nil
}

// Invoke calls an operation on a server-side object.
func (c *Client) Invoke(ctx context.Context, object, operation string, operationParams map[string]any) (json.RawMessage, error) {
	return c.Request(ctx, "invoke", map[string]any{
		"object":          object,
		"operation":       operation,
		"operationParams": operationParams,
	})
}

// Release destroys a server-side object.
func (c *Client) Release(ctx context.Context, object string) error {
	_, err := c.Request(ctx, "release", map[string]any{"object": object})
	return err
}

// Subscribe registers interest in one event type of an object.
func (c *Client) Subscribe(ctx context.Context, object, eventType string) error {
	_, err := c.Request(ctx, "subscribe", map[string]any{
		"object": object,
		"type":   eventType,
	})
	return err
}

// Close tears the connection down without firing the disconnect callback.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}
