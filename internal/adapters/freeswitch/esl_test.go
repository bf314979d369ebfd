package freeswitch

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readerClient(raw string) *ESLClient {
	return &ESLClient{reader: bufio.NewReader(strings.NewReader(raw))}
}

func TestReadMessageHeadersOnly(t *testing.T) {
	c := readerClient("Content-Type: auth/request\nReply-Text: +OK%20accepted\n\n")

	msg, err := c.readMessage()
	require.NoError(t, err)
	assert.Equal(t, "auth/request", msg.Get("Content-Type"))
	// Header values arrive URL-encoded.
	assert.Equal(t, "+OK accepted", msg.Get("Reply-Text"))
	assert.Empty(t, msg.Body)
}

func TestReadMessageWithBody(t *testing.T) {
	body := "Event-Name: HEARTBEAT\nCore-UUID: abc\n"
	raw := fmt.Sprintf("Content-Type: text/event-plain\nContent-Length: %d\n\n%s", len(body), body)
	c := readerClient(raw)

	msg, err := c.readMessage()
	require.NoError(t, err)
	assert.Equal(t, "text/event-plain", msg.Get("Content-Type"))
	assert.Equal(t, body, msg.Body)
}

func TestReadMessageSkipsMalformedHeader(t *testing.T) {
	c := readerClient("Content-Type: command/reply\nnot a header line\nReply-Text: +OK\n\n")

	msg, err := c.readMessage()
	require.NoError(t, err)
	assert.Equal(t, "command/reply", msg.Get("Content-Type"))
	assert.Equal(t, "+OK", msg.Get("Reply-Text"))
}

func TestReadMessageBadContentLength(t *testing.T) {
	c := readerClient("Content-Length: nope\n\n")

	_, err := c.readMessage()
	require.Error(t, err)
}

func TestReadMessageTruncatedBody(t *testing.T) {
	c := readerClient("Content-Length: 100\n\nshort")

	_, err := c.readMessage()
	require.Error(t, err)
}

func TestParseEventBody(t *testing.T) {
	body := "Event-Name: CUSTOM\r\n" +
		"Event-Subclass: conference%3A%3Amaintenance\r\n" +
		"Action: start-talking\r\n" +
		"\r\n" +
		"payload line"

	ev := parseEventBody(body)
	assert.Equal(t, "CUSTOM", ev.Get("Event-Name"))
	assert.Equal(t, "conference::maintenance", ev.Get("Event-Subclass"))
	assert.Equal(t, "start-talking", ev.Get("Action"))
	assert.Equal(t, "payload line", ev.Body)
}

func TestParseEventBodyWithoutNestedBody(t *testing.T) {
	ev := parseEventBody("Event-Name: HEARTBEAT\n")
	assert.Equal(t, "HEARTBEAT", ev.Get("Event-Name"))
	assert.Empty(t, ev.Body)
}

// eslServer fakes the FreeSWITCH side of the inbound event socket.
type eslServer struct {
	ln net.Listener
}

func writeESL(w io.Writer, headers string, body string) error {
	msg := headers
	if body != "" {
		msg += fmt.Sprintf("Content-Length: %d\n", len(body))
	}
	msg += "\n" + body
	_, err := w.Write([]byte(msg))
	return err
}

func startESLServer(t *testing.T, password string) *eslServer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	s := &eslServer{ln: ln}
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		r := bufio.NewReader(conn)

		if writeESL(conn, "Content-Type: auth/request\n", "") != nil {
			return
		}
		cmd, err := readCommand(r)
		if err != nil || cmd != "auth "+password {
			writeESL(conn, "Content-Type: command/reply\nReply-Text: -ERR invalid\n", "")
			return
		}
		writeESL(conn, "Content-Type: command/reply\nReply-Text: +OK accepted\n", "")

		for {
			cmd, err := readCommand(r)
			if err != nil {
				return
			}
			switch {
			case strings.HasPrefix(cmd, "event plain"):
				writeESL(conn, "Content-Type: command/reply\nReply-Text: +OK event listener enabled\n", "")
				// Push one event right after the subscription settles.
				writeESL(conn, "Content-Type: text/event-plain\n", "Event-Name: HEARTBEAT\n")
			case cmd == "api status":
				writeESL(conn, "Content-Type: api/response\n", "UP 0 years")
			case cmd == "api broken":
				writeESL(conn, "Content-Type: api/response\n", "-ERR no such command")
			case cmd == "exit":
				writeESL(conn, "Content-Type: text/disconnect-notice\n", "")
				return
			}
		}
	}()
	return s
}

func readCommand(r *bufio.Reader) (string, error) {
	var lines []string
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return "", err
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			return strings.Join(lines, "\n"), nil
		}
		lines = append(lines, line)
	}
}

func TestDialESLHandshakeAndEvents(t *testing.T) {
	s := startESLServer(t, "ClueCon")
	ctx := context.Background()

	c, err := DialESL(ctx, s.ln.Addr().String(), "ClueCon")
	require.NoError(t, err)
	defer c.Close()

	events := make(chan ESLEvent, 1)
	c.OnEvent(func(ev ESLEvent) { events <- ev })

	require.NoError(t, c.Subscribe(ctx, "HEARTBEAT"))

	select {
	case ev := <-events:
		assert.Equal(t, "HEARTBEAT", ev.Get("Event-Name"))
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}

	out, err := c.API(ctx, "status")
	require.NoError(t, err)
	assert.Equal(t, "UP 0 years", out)

	_, err = c.API(ctx, "broken")
	require.Error(t, err)
}

func TestDialESLBadPassword(t *testing.T) {
	s := startESLServer(t, "ClueCon")

	_, err := DialESL(context.Background(), s.ln.Addr().String(), "wrong")
	require.Error(t, err)
}

func TestDisconnectNoticeClosesClient(t *testing.T) {
	s := startESLServer(t, "ClueCon")
	ctx := context.Background()

	c, err := DialESL(ctx, s.ln.Addr().String(), "ClueCon")
	require.NoError(t, err)

	disconnected := make(chan struct{})
	c.OnDisconnect(func() { close(disconnected) })

	// exit triggers a disconnect notice; the reply never comes.
	go c.Command(ctx, "exit")

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("disconnect callback never fired")
	}
	assert.True(t, c.Closed())
}
