package soup

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
)

// channelTimeout bounds one request round trip on the worker channel.
const channelTimeout = 10 * time.Second

type channelRequest struct {
	ID        int64  `json:"id"`
	Method    string `json:"method"`
	HandlerID string `json:"handlerId,omitempty"`
	Data      any    `json:"data,omitempty"`
}

type channelResponse struct {
	ID       int64           `json:"id"`
	Accepted bool            `json:"accepted"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
}

type channelNotification struct {
	TargetID string          `json:"targetId"`
	Event    string          `json:"event"`
	Data     json.RawMessage `json:"data,omitempty"`
}

// channelMessage is the union the worker writes; exactly one tag set is
// populated per message.
type channelMessage struct {
	ID       *int64          `json:"id,omitempty"`
	Accepted bool            `json:"accepted,omitempty"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Reason   string          `json:"reason,omitempty"`
	TargetID string          `json:"targetId,omitempty"`
	Event    string          `json:"event,omitempty"`
}

// channel is the netstring-framed JSON control pipe to one worker process.
// Requests carry incrementing ids; the worker answers out of order.
type channel struct {
	writer  io.Writer
	reader  *bufio.Reader
	writeMu sync.Mutex

	nextID  atomic.Int64
	mu      sync.Mutex
	pending map[int64]chan channelResponse

	notify func(channelNotification)
	closed atomic.Bool
	done   chan struct{}
}

func newChannel(r io.Reader, w io.Writer) *channel {
	return &channel{
		writer:  w,
		reader:  bufio.NewReader(r),
		pending: make(map[int64]chan channelResponse),
		done:    make(chan struct{}),
	}
}

func (c *channel) OnNotification(fn func(channelNotification)) { c.notify = fn }

func (c *channel) Start() { go c.readLoop() }

func (c *channel) readLoop() {
	for {
		payload, err := c.readFrame()
		if err != nil {
			break
		}
		var msg channelMessage
		if err := json.Unmarshal(payload, &msg); err != nil {
			log.Warn().Str("module", "adapters.soup").Err(err).Msg("malformed worker message")
			continue
		}
		switch {
		case msg.ID != nil:
			c.mu.Lock()
			ch, ok := c.pending[*msg.ID]
			delete(c.pending, *msg.ID)
			c.mu.Unlock()
			if ok {
				ch <- channelResponse{ID: *msg.ID, Accepted: msg.Accepted,
					Data: msg.Data, Error: msg.Error, Reason: msg.Reason}
			}
		case msg.TargetID != "":
			if c.notify != nil {
				c.notify(channelNotification{TargetID: msg.TargetID, Event: msg.Event, Data: msg.Data})
			}
		}
	}
	c.closed.Store(true)
	close(c.done)
	c.mu.Lock()
	for id, ch := range c.pending {
		delete(c.pending, id)
		close(ch)
	}
	c.mu.Unlock()
}

// readFrame decodes one netstring: "<length>:<payload>,".
func (c *channel) readFrame() ([]byte, error) {
	header, err := c.reader.ReadString(':')
	if err != nil {
		return nil, err
	}
	length, err := strconv.Atoi(header[:len(header)-1])
	if err != nil {
		return nil, fmt.Errorf("bad frame length %q", header)
	}
	payload := make([]byte, length+1)
	if _, err := io.ReadFull(c.reader, payload); err != nil {
		return nil, err
	}
	if payload[length] != ',' {
		return nil, fmt.Errorf("missing frame terminator")
	}
	return payload[:length], nil
}

func (c *channel) writeFrame(payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := fmt.Fprintf(c.writer, "%d:%s,", len(payload), payload); err != nil {
		return core.NewError(core.ErrConnectionError, err.Error())
	}
	return nil
}

// Request performs one request and returns the response data. Worker-side
// rejections surface as command errors unless the reason maps to something
// more specific.
func (c *channel) Request(ctx context.Context, method, handlerID string, data any) (json.RawMessage, error) {
	if c.closed.Load() {
		return nil, core.NewError(core.ErrConnectionError, "worker channel is closed")
	}
	id := c.nextID.Add(1)
	payload, err := json.Marshal(channelRequest{ID: id, Method: method, HandlerID: handlerID, Data: data})
	if err != nil {
		return nil, core.NewError(core.ErrMediaServerRequestError, err.Error())
	}
	waiter := make(chan channelResponse, 1)
	c.mu.Lock()
	c.pending[id] = waiter
	c.mu.Unlock()
	if err := c.writeFrame(payload); err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, err
	}
	timer := time.NewTimer(channelTimeout)
	defer timer.Stop()
	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, core.NewError(core.ErrConnectionError, "worker channel closed mid-request")
		}
		if !resp.Accepted {
			return nil, core.NewErrorf(core.ErrMediaServerRequestError, "%s: %s %s",
				method, resp.Error, resp.Reason)
		}
		return resp.Data, nil
	case <-timer.C:
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, core.NewErrorf(core.ErrRequestTimeout, "request %s timed out", method)
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, core.Normalize(ctx.Err())
	}
}

// Notify sends a fire-and-forget message to the worker.
func (c *channel) Notify(event, handlerID string, data any) error {
	payload, err := json.Marshal(map[string]any{
		"event": event, "handlerId": handlerID, "data": data,
	})
	if err != nil {
		return core.NewError(core.ErrMediaServerRequestError, err.Error())
	}
	return c.writeFrame(payload)
}

func (c *channel) Done() <-chan struct{} { return c.done }
