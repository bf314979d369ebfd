package signal

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

const (
	sendQueueSize = 32
	writeDeadline = 5 * time.Second
)

// joinedUser is one room membership created through this connection. It is
// force-left when the connection dies.
type joinedUser struct {
	roomID domain.RoomID
	userID domain.UserID
}

// Client is one connected RPC peer.
type Client struct {
	id   uint64
	conn *websocket.Conn
	send chan []byte
	once sync.Once

	mu     sync.Mutex
	joined []joinedUser
}

func newClient(id uint64, conn *websocket.Conn) *Client {
	return &Client{
		id:   id,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
	}
}

// TrySend queues a frame without blocking. A full queue drops the frame; a
// peer that slow is beyond saving anyway.
func (c *Client) TrySend(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return core.NewError(core.ErrConnectionError, "signal send queue full")
	}
}

func (c *Client) sendJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("marshal outbound")
		return
	}
	if err := c.TrySend(b); err != nil {
		log.Warn().Str("module", "signal").Uint64("client", c.id).Msg("dropping frame, queue full")
	}
}

func (c *Client) notify(event core.EventKind, identifier string, data any) {
	c.sendJSON(notification{Method: "event", Event: event, Identifier: identifier, Data: data})
}

func (c *Client) ack(req request, result any) {
	c.sendJSON(response{TransactionID: req.TransactionID, Method: req.Method, Result: result})
}

func (c *Client) nack(req request, err error) {
	mcsErr := core.Normalize(err)
	c.sendJSON(response{
		TransactionID: req.TransactionID,
		Method:        req.Method,
		Error:         &errorBody{Code: int(mcsErr.Code), Message: mcsErr.Message},
	})
}

func (c *Client) rememberJoin(roomID domain.RoomID, userID domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.joined = append(c.joined, joinedUser{roomID: roomID, userID: userID})
}

func (c *Client) forgetJoin(userID domain.UserID) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, j := range c.joined {
		if j.userID == userID {
			c.joined = append(c.joined[:i], c.joined[i+1:]...)
			return
		}
	}
}

func (c *Client) joinedUsers() []joinedUser {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]joinedUser, len(c.joined))
	copy(out, c.joined)
	return out
}

func (c *Client) close() {
	c.once.Do(func() {
		close(c.send)
		_ = c.conn.Close()
	})
}

func (c *Client) writePump(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case data, ok := <-c.send:
			if !ok {
				return
			}
			if err := c.conn.SetWriteDeadline(time.Now().Add(writeDeadline)); err != nil {
				log.Error().Err(err).Str("module", "signal").Uint64("client", c.id).Msg("writePump set deadline")
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				log.Error().Err(err).Str("module", "signal").Uint64("client", c.id).Msg("writePump write error")
				return
			}
		}
	}
}
