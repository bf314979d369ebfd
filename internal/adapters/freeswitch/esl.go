package freeswitch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
)

// eslTimeout bounds a single command round trip on the event socket.
const eslTimeout = 10 * time.Second

// ESLEvent is one decoded event-socket message. Header values arrive
// URL-encoded and are stored decoded.
type ESLEvent struct {
	Headers map[string]string
	Body    string
}

func (e ESLEvent) Get(key string) string { return e.Headers[key] }

// ESLClient speaks the FreeSWITCH event-socket inbound protocol: MIME-style
// headers, blank line, optional Content-Length body. One client per host.
type ESLClient struct {
	conn   net.Conn
	reader *bufio.Reader

	// cmdMu serializes command round trips so replies correlate FIFO.
	cmdMu   sync.Mutex
	writeMu sync.Mutex
	replies chan ESLEvent

	onEvent      func(ESLEvent)
	onDisconnect func()
	closed       atomic.Bool
}

// DialESL connects and authenticates. The returned client is already reading
// events; callers subscribe with Subscribe before expecting any.
func DialESL(ctx context.Context, addr, password string) (*ESLClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	c := &ESLClient{
		conn:    conn,
		reader:  bufio.NewReader(conn),
		replies: make(chan ESLEvent, 4),
	}
	greeting, err := c.readMessage()
	if err != nil {
		conn.Close()
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	if greeting.Get("Content-Type") != "auth/request" {
		conn.Close()
		return nil, core.NewErrorf(core.ErrAuthentication,
			"unexpected greeting %q", greeting.Get("Content-Type"))
	}
	if err := c.write("auth " + password); err != nil {
		conn.Close()
		return nil, err
	}
	reply, err := c.readMessage()
	if err != nil {
		conn.Close()
		return nil, core.NewError(core.ErrConnectionError, err.Error())
	}
	if !strings.HasPrefix(reply.Get("Reply-Text"), "+OK") {
		conn.Close()
		return nil, core.NewError(core.ErrAuthentication, reply.Get("Reply-Text"))
	}
	go c.readLoop()
	return c, nil
}

func (c *ESLClient) OnEvent(fn func(ESLEvent)) { c.onEvent = fn }
func (c *ESLClient) OnDisconnect(fn func())    { c.onDisconnect = fn }

// Subscribe asks the socket for plain-text events of the given classes.
func (c *ESLClient) Subscribe(ctx context.Context, classes ...string) error {
	_, err := c.Command(ctx, "event plain "+strings.Join(classes, " "))
	return err
}

// Command runs one command and returns its command/reply. A -ERR reply maps
// to a command error.
func (c *ESLClient) Command(ctx context.Context, cmd string) (ESLEvent, error) {
	reply, err := c.roundTrip(ctx, cmd)
	if err != nil {
		return ESLEvent{}, err
	}
	if text := reply.Get("Reply-Text"); strings.HasPrefix(text, "-ERR") {
		return reply, core.NewError(core.ErrCommandError, text)
	}
	return reply, nil
}

// API runs an api command and returns the response body. FreeSWITCH reports
// api failures in the body, not the framing.
func (c *ESLClient) API(ctx context.Context, cmd string) (string, error) {
	reply, err := c.roundTrip(ctx, "api "+cmd)
	if err != nil {
		return "", err
	}
	if strings.HasPrefix(reply.Body, "-ERR") {
		return "", core.NewError(core.ErrCommandError, strings.TrimSpace(reply.Body))
	}
	return reply.Body, nil
}

func (c *ESLClient) roundTrip(ctx context.Context, cmd string) (ESLEvent, error) {
	c.cmdMu.Lock()
	defer c.cmdMu.Unlock()
	if c.closed.Load() {
		return ESLEvent{}, core.NewError(core.ErrConnectionError, "event socket is closed")
	}
	if err := c.write(cmd); err != nil {
		return ESLEvent{}, err
	}
	timer := time.NewTimer(eslTimeout)
	defer timer.Stop()
	select {
	case reply, ok := <-c.replies:
		if !ok {
			return ESLEvent{}, core.NewError(core.ErrConnectionError, "event socket closed mid-command")
		}
		return reply, nil
	case <-timer.C:
		return ESLEvent{}, core.NewErrorf(core.ErrRequestTimeout, "command %q timed out", cmd)
	case <-ctx.Done():
		return ESLEvent{}, core.Normalize(ctx.Err())
	}
}

func (c *ESLClient) write(cmd string) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if _, err := c.conn.Write([]byte(cmd + "\n\n")); err != nil {
		return core.NewError(core.ErrConnectionError, err.Error())
	}
	return nil
}

func (c *ESLClient) readLoop() {
	for {
		msg, err := c.readMessage()
		if err != nil {
			break
		}
		switch msg.Get("Content-Type") {
		case "command/reply", "api/response":
			select {
			case c.replies <- msg:
			default:
				log.Warn().Str("module", "adapters.freeswitch").Msg("unsolicited esl reply dropped")
			}
		case "text/event-plain":
			if c.onEvent != nil {
				c.onEvent(parseEventBody(msg.Body))
			}
		case "text/disconnect-notice":
			// The server is going away. Drop the conn and let the read
			// error below surface the disconnect to the owner.
			c.conn.Close()
		}
	}
	close(c.replies)
	if !c.closed.Swap(true) && c.onDisconnect != nil {
		c.onDisconnect()
	}
}

// readMessage reads one framed message: headers, blank line, Content-Length
// bytes of body.
func (c *ESLClient) readMessage() (ESLEvent, error) {
	msg := ESLEvent{Headers: make(map[string]string)}
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			return msg, err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if decoded, derr := url.QueryUnescape(value); derr == nil {
			value = decoded
		}
		msg.Headers[key] = value
	}
	if lengthStr := msg.Get("Content-Length"); lengthStr != "" {
		length, err := strconv.Atoi(lengthStr)
		if err != nil {
			return msg, fmt.Errorf("bad content length %q", lengthStr)
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(c.reader, body); err != nil {
			return msg, err
		}
		msg.Body = string(body)
	}
	return msg, nil
}

// parseEventBody decodes the header block FreeSWITCH nests inside a
// text/event-plain body.
func parseEventBody(body string) ESLEvent {
	ev := ESLEvent{Headers: make(map[string]string)}
	rest := body
	for len(rest) > 0 {
		line, remaining, _ := strings.Cut(rest, "\n")
		rest = remaining
		line = strings.TrimRight(line, "\r")
		if line == "" {
			// Everything after the blank line is the nested body.
			ev.Body = rest
			break
		}
		key, value, ok := strings.Cut(line, ": ")
		if !ok {
			continue
		}
		if decoded, err := url.QueryUnescape(value); err == nil {
			value = decoded
		}
		ev.Headers[key] = value
	}
	return ev
}

func (c *ESLClient) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.conn.Close()
}

func (c *ESLClient) Closed() bool { return c.closed.Load() }
