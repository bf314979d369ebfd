package kurento

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/app/balancer"
	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

const audioOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 127.0.0.1\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendonly\r\n"

const fakeAnswer = "v=0\r\no=- 2 2 IN IP4 127.0.0.1\r\ns=-\r\nt=0 0\r\n"

type invokeRecord struct {
	object    string
	operation string
}

// fakeKMS speaks just enough of the JSON-RPC protocol to drive the adapter.
type fakeKMS struct {
	t   *testing.T
	srv *httptest.Server

	pipelineDelay time.Duration

	mu       sync.Mutex
	conn     *websocket.Conn
	nextObj  int
	created  map[string][]string
	releases []string
	invokes  []invokeRecord
}

func startFakeKMS(t *testing.T) *fakeKMS {
	t.Helper()
	k := &fakeKMS{t: t, created: map[string][]string{}}
	upgrader := websocket.Upgrader{}
	k.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		k.mu.Lock()
		k.conn = conn
		k.mu.Unlock()
		k.serve(conn)
	}))
	t.Cleanup(k.srv.Close)
	return k
}

func (k *fakeKMS) url() string {
	return "ws" + strings.TrimPrefix(k.srv.URL, "http")
}

func (k *fakeKMS) serve(conn *websocket.Conn) {
	for {
		var req struct {
			ID     uint64         `json:"id"`
			Method string         `json:"method"`
			Params map[string]any `json:"params"`
		}
		if err := conn.ReadJSON(&req); err != nil {
			return
		}
		var result map[string]any
		switch req.Method {
		case "create":
			objectType, _ := req.Params["type"].(string)
			if objectType == "MediaPipeline" && k.pipelineDelay > 0 {
				time.Sleep(k.pipelineDelay)
			}
			k.mu.Lock()
			k.nextObj++
			objectID := fmt.Sprintf("%s-%d", objectType, k.nextObj)
			k.created[objectType] = append(k.created[objectType], objectID)
			k.mu.Unlock()
			result = map[string]any{"value": objectID, "sessionId": "sess-1"}
		case "invoke":
			object, _ := req.Params["object"].(string)
			operation, _ := req.Params["operation"].(string)
			k.mu.Lock()
			k.invokes = append(k.invokes, invokeRecord{object: object, operation: operation})
			k.mu.Unlock()
			switch operation {
			case "processOffer", "generateOffer", "processAnswer":
				result = map[string]any{"value": fakeAnswer}
			default:
				result = map[string]any{"value": true}
			}
		case "release":
			object, _ := req.Params["object"].(string)
			k.mu.Lock()
			k.releases = append(k.releases, object)
			k.mu.Unlock()
			result = map[string]any{}
		case "subscribe":
			result = map[string]any{"value": "sub-1"}
		default:
			result = map[string]any{}
		}
		k.write(conn, map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}
}

func (k *fakeKMS) write(conn *websocket.Conn, v any) {
	k.mu.Lock()
	defer k.mu.Unlock()
	_ = conn.WriteJSON(v)
}

// push emits an onEvent notification for one server-side object.
func (k *fakeKMS) push(objectID, eventType string, data map[string]any) {
	k.mu.Lock()
	conn := k.conn
	k.mu.Unlock()
	require.NotNil(k.t, conn)
	k.write(conn, map[string]any{
		"jsonrpc": "2.0",
		"method":  "onEvent",
		"params": map[string]any{
			"value": map[string]any{"object": objectID, "type": eventType, "data": data},
		},
	})
}

func (k *fakeKMS) createdCount(objectType string) int {
	k.mu.Lock()
	defer k.mu.Unlock()
	return len(k.created[objectType])
}

func (k *fakeKMS) released(objectID string) bool {
	k.mu.Lock()
	defer k.mu.Unlock()
	for _, id := range k.releases {
		if id == objectID {
			return true
		}
	}
	return false
}

func newTestAdapter(t *testing.T, servers ...*fakeKMS) (*Adapter, *balancer.Balancer) {
	t.Helper()
	bus := core.NewEventBus()
	var a *Adapter
	connect := func(ctx context.Context, url, ip string) (balancer.Client, error) {
		return a.Dialer(context.Background())(ctx, url, ip)
	}
	b := balancer.New(bus, connect, balancer.Options{
		FailoverTimeout:   5 * time.Second,
		ReconnectInterval: time.Hour,
	})
	a = New(bus, b)
	t.Cleanup(b.Stop)
	for _, s := range servers {
		_, err := b.ConnectToHost(context.Background(), balancer.HostEntry{URL: s.url()})
		require.NoError(t, err)
	}
	return a, b
}

func TestNegotiateCoalescesPipelineCreation(t *testing.T) {
	kms := startFakeKMS(t)
	kms.pipelineDelay = 30 * time.Millisecond
	a, b := newTestAdapter(t, kms)

	const sessions = 6
	var wg sync.WaitGroup
	errs := make(chan error, sessions)
	for i := 0; i < sessions; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			medias, err := a.Negotiate(context.Background(), "room-1", "user-1",
				domain.MediaSessionID(domain.NewID()), audioOffer,
				domain.SessionTypeWebRTC, core.NegotiateOptions{})
			if err == nil && len(medias) != 1 {
				err = assert.AnError
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, kms.createdCount("MediaPipeline"))
	assert.Equal(t, sessions, kms.createdCount("WebRtcEndpoint"))

	hosts := b.Hosts()
	require.Len(t, hosts, 1)
	assert.Equal(t, sessions, hosts[0].StreamCount(domain.MediaTypeAudio))
}

func TestStopReleasesPipelineWithLastElement(t *testing.T) {
	kms := startFakeKMS(t)
	a, b := newTestAdapter(t, kms)

	medias, err := a.Negotiate(context.Background(), "room-1", "user-1",
		"ms-1", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)
	require.Len(t, medias, 1)
	assert.Equal(t, fakeAnswer, medias[0].Answer)

	require.NoError(t, a.Stop(context.Background(), "room-1", domain.SessionTypeWebRTC, medias[0].ElementID))

	kms.mu.Lock()
	endpoint := kms.created["WebRtcEndpoint"][0]
	pipe := kms.created["MediaPipeline"][0]
	kms.mu.Unlock()
	assert.True(t, kms.released(endpoint))
	assert.True(t, kms.released(pipe))
	assert.Equal(t, 0, b.Hosts()[0].StreamCount(domain.MediaTypeAudio))

	// Second stop of the same element is a no-op.
	require.NoError(t, a.Stop(context.Background(), "room-1", domain.SessionTypeWebRTC, medias[0].ElementID))

	// A fresh negotiation rebuilds the pipeline from scratch.
	_, err = a.Negotiate(context.Background(), "room-1", "user-1",
		"ms-2", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)
	assert.Equal(t, 2, kms.createdCount("MediaPipeline"))
}

func TestBackendEventsReachMedia(t *testing.T) {
	kms := startFakeKMS(t)
	a, _ := newTestAdapter(t, kms)

	medias, err := a.Negotiate(context.Background(), "room-1", "user-1",
		"ms-1", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)
	require.Len(t, medias, 1)
	require.NoError(t, a.TrackMediaState(medias[0].ElementID, domain.SessionTypeWebRTC))

	kms.mu.Lock()
	endpoint := kms.created["WebRtcEndpoint"][0]
	kms.mu.Unlock()

	kms.push(endpoint, "MediaFlowInStateChange", map[string]any{"state": "FLOWING"})
	kms.push(endpoint, "OnIceCandidate", map[string]any{
		"candidate": map[string]any{
			"candidate":     "candidate:1 1 UDP 2122252543 192.0.2.10 40000 typ host",
			"sdpMid":        "0",
			"sdpMLineIndex": 0,
		},
	})
	// mDNS candidates never leave the adapter.
	kms.push(endpoint, "OnIceCandidate", map[string]any{
		"candidate": map[string]any{
			"candidate":     "candidate:2 1 UDP 2122252543 a1b2c3.local 40002 typ host",
			"sdpMid":        "0",
			"sdpMLineIndex": 0,
		},
	})

	var mu sync.Mutex
	var states []string
	var candidates []string
	medias[0].OnEvent(core.EventMediaState, func(ev core.Event) {
		mu.Lock()
		states = append(states, ev.State)
		mu.Unlock()
	})
	medias[0].OnEvent(core.EventIceCandidate, func(ev core.Event) {
		mu.Lock()
		candidates = append(candidates, ev.Candidate.Candidate)
		mu.Unlock()
	})

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) >= 1 && len(candidates) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	// Give the filtered candidate a chance to arrive before asserting it did not.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"FLOWING"}, states)
	require.Len(t, candidates, 1)
	assert.Contains(t, candidates[0], "192.0.2.10")
}

func TestConnectSameHost(t *testing.T) {
	kms := startFakeKMS(t)
	a, _ := newTestAdapter(t, kms)

	source, err := a.Negotiate(context.Background(), "room-1", "user-1",
		"ms-1", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)
	sink, err := a.Negotiate(context.Background(), "room-1", "user-2",
		"ms-2", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)

	require.NoError(t, a.Connect(context.Background(),
		source[0].ElementID, sink[0].ElementID, domain.MediaTypeAudio))

	assert.Equal(t, 0, kms.createdCount("RtpEndpoint"))
	kms.mu.Lock()
	srcObject := kms.created["WebRtcEndpoint"][0]
	var connects int
	for _, inv := range kms.invokes {
		if inv.operation == "connect" && inv.object == srcObject {
			connects++
		}
	}
	kms.mu.Unlock()
	assert.Equal(t, 1, connects)
}

func TestConnectAcrossHostsBuildsOneRelayPair(t *testing.T) {
	kmsA := startFakeKMS(t)
	kmsB := startFakeKMS(t)
	a, _ := newTestAdapter(t, kmsA, kmsB)

	// Round-robin places consecutive negotiations on alternating hosts.
	source, err := a.Negotiate(context.Background(), "room-1", "user-1",
		"ms-1", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)
	sink, err := a.Negotiate(context.Background(), "room-1", "user-2",
		"ms-2", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)
	require.NotEqual(t, source[0].HostID, sink[0].HostID)

	const connects = 4
	var wg sync.WaitGroup
	errs := make(chan error, connects)
	for i := 0; i < connects; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- a.Connect(context.Background(),
				source[0].ElementID, sink[0].ElementID, domain.MediaTypeAudio)
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Equal(t, 1, kmsA.createdCount("RtpEndpoint"))
	assert.Equal(t, 1, kmsB.createdCount("RtpEndpoint"))
}

func TestStopRecorderLeavesHostCountersIntact(t *testing.T) {
	kms := startFakeKMS(t)
	a, b := newTestAdapter(t, kms)

	source, err := a.Negotiate(context.Background(), "room-1", "user-1",
		"ms-1", audioOffer, domain.SessionTypeWebRTC, core.NegotiateOptions{})
	require.NoError(t, err)
	require.Len(t, source, 1)

	recording, err := a.Negotiate(context.Background(), "room-1", "user-1",
		"ms-2", "/var/recordings/room-1.webm", domain.SessionTypeRecording,
		core.NegotiateOptions{SourceElement: source[0].ElementID, RecordingFormat: "WEBM"})
	require.NoError(t, err)
	require.Len(t, recording, 1)

	host := b.Hosts()[0]
	require.NoError(t, a.Stop(context.Background(), "room-1",
		domain.SessionTypeRecording, recording[0].ElementID))

	// The recorder endpoint was never charged against the host gauges, so
	// stopping it must not drain them.
	assert.Equal(t, 0, host.StreamCount(domain.MediaTypeVideo))
	assert.Equal(t, 1, host.StreamCount(domain.MediaTypeAudio))

	require.NoError(t, a.Stop(context.Background(), "room-1",
		domain.SessionTypeWebRTC, source[0].ElementID))
	assert.Equal(t, 0, host.StreamCount(domain.MediaTypeAudio))
}

func TestStopUnknownElementIsNoop(t *testing.T) {
	kms := startFakeKMS(t)
	a, _ := newTestAdapter(t, kms)
	require.NoError(t, a.Stop(context.Background(), "room-1", domain.SessionTypeWebRTC, "missing"))
}

func TestOperationsOnMissingElement(t *testing.T) {
	kms := startFakeKMS(t)
	a, _ := newTestAdapter(t, kms)

	err := a.Connect(context.Background(), "nope", "nope-2", domain.MediaTypeAudio)
	var mcsErr *core.MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, core.ErrMediaNotFound, mcsErr.Code)
}
