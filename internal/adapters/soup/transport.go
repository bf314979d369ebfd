package soup

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/metrics"
)

type transportKind string

const (
	transportWebRTC transportKind = "webrtc"
	transportPlain  transportKind = "plain"
)

type iceParameters struct {
	UsernameFragment string `json:"usernameFragment"`
	Password         string `json:"password"`
	IceLite          bool   `json:"iceLite"`
}

type iceCandidate struct {
	Foundation string `json:"foundation"`
	Priority   uint32 `json:"priority"`
	IP         string `json:"ip"`
	Protocol   string `json:"protocol"`
	Port       int    `json:"port"`
	Type       string `json:"type"`
}

type dtlsFingerprint struct {
	Algorithm string `json:"algorithm"`
	Value     string `json:"value"`
}

type dtlsParameters struct {
	Role         string            `json:"role"`
	Fingerprints []dtlsFingerprint `json:"fingerprints"`
}

type transportTuple struct {
	LocalIP   string `json:"localIp"`
	LocalPort int    `json:"localPort"`
}

type transportData struct {
	IceParameters  iceParameters  `json:"iceParameters"`
	IceCandidates  []iceCandidate `json:"iceCandidates"`
	DtlsParameters dtlsParameters `json:"dtlsParameters"`
	Tuple          transportTuple `json:"tuple"`
}

// TransportSet is the per-element transport pair state: one ICE/DTLS
// transport or one plain-RTP transport, created lazily by the element.
// ICE "completed" and a discovered remote tuple both mean "flowing";
// consumers created before that stay paused and are resumed exactly once the
// transport flows. ICE/DTLS "failed" is terminal, there is no retry.
type TransportSet struct {
	ID   string
	Kind transportKind
	Data transportData

	registry *routerRegistry
	router   *Router

	mu              sync.Mutex
	connected       bool
	failed          bool
	remoteSet       bool
	iceState        string
	dtlsState       string
	pausedConsumers []string

	// resume and the callbacks are installed by the owning element before any
	// consumer exists.
	resume    func(consumerID string)
	onFlowing func()
	onFailure func(state string)
}

func newWebRtcTransport(ctx context.Context, registry *routerRegistry, router *Router,
	listenIP, announcedIP string) (*TransportSet, error) {

	id := domain.NewID()
	raw, err := registry.Request(ctx, router, "router.createWebRtcTransport", router.ID, map[string]any{
		"transportId": id,
		"listenIps":   []map[string]any{{"ip": listenIP, "announcedIp": announcedIP}},
		"enableUdp":   true,
		"enableTcp":   false,
	})
	if err != nil {
		return nil, err
	}
	t := &TransportSet{ID: id, Kind: transportWebRTC, registry: registry, router: router}
	if err := json.Unmarshal(raw, &t.Data); err != nil {
		return nil, core.NewError(core.ErrMediaServerRequestError, "malformed transport data")
	}
	return t, nil
}

func newPlainTransport(ctx context.Context, registry *routerRegistry, router *Router,
	listenIP string, comedia bool) (*TransportSet, error) {

	id := domain.NewID()
	raw, err := registry.Request(ctx, router, "router.createPlainTransport", router.ID, map[string]any{
		"transportId": id,
		"listenIp":    map[string]any{"ip": listenIP},
		"comedia":     comedia,
		"rtcpMux":     false,
	})
	if err != nil {
		return nil, err
	}
	t := &TransportSet{ID: id, Kind: transportPlain, registry: registry, router: router}
	if err := json.Unmarshal(raw, &t.Data); err != nil {
		return nil, core.NewError(core.ErrMediaServerRequestError, "malformed transport data")
	}
	return t, nil
}

// Connect feeds the remote DTLS parameters into a WebRTC transport.
func (t *TransportSet) Connect(ctx context.Context, remote dtlsParameters) error {
	_, err := t.registry.Request(ctx, t.router, "transport.connect", t.ID, map[string]any{
		"dtlsParameters": remote,
	})
	return err
}

// ConnectPlain points a non-comedia plain transport at a remote tuple.
func (t *TransportSet) ConnectPlain(ctx context.Context, ip string, port, rtcpPort int) error {
	_, err := t.registry.Request(ctx, t.router, "transport.connect", t.ID, map[string]any{
		"ip": ip, "port": port, "rtcpPort": rtcpPort,
	})
	if err != nil {
		return err
	}
	// A non-comedia plain transport is flowing as soon as it is aimed.
	t.markFlowing()
	return nil
}

func (t *TransportSet) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *TransportSet) Failed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.failed
}

// RegisterPausedConsumer remembers a consumer to resume once the transport
// flows; if it already flows the resume happens immediately.
func (t *TransportSet) RegisterPausedConsumer(consumerID string) {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		if t.resume != nil {
			t.resume(consumerID)
		}
		return
	}
	t.pausedConsumers = append(t.pausedConsumers, consumerID)
	t.mu.Unlock()
}

func (t *TransportSet) markFlowing() {
	t.mu.Lock()
	if t.connected || t.failed {
		t.mu.Unlock()
		return
	}
	t.connected = true
	paused := t.pausedConsumers
	t.pausedConsumers = nil
	t.mu.Unlock()
	if t.onFlowing != nil {
		t.onFlowing()
	}
	for _, id := range paused {
		if t.resume != nil {
			t.resume(id)
		}
	}
}

// HandleNotification processes transport state events from the worker.
func (t *TransportSet) HandleNotification(event string, data json.RawMessage) {
	switch event {
	case "icestatechange":
		var payload struct {
			IceState string `json:"iceState"`
		}
		if json.Unmarshal(data, &payload) != nil {
			return
		}
		t.mu.Lock()
		t.iceState = payload.IceState
		t.mu.Unlock()
		switch payload.IceState {
		case "completed":
			t.markFlowing()
		case "disconnected":
			t.fail("ice " + payload.IceState)
		}
	case "dtlsstatechange":
		var payload struct {
			DtlsState string `json:"dtlsState"`
		}
		if json.Unmarshal(data, &payload) != nil {
			return
		}
		t.mu.Lock()
		t.dtlsState = payload.DtlsState
		t.mu.Unlock()
		if payload.DtlsState == "failed" || payload.DtlsState == "closed" {
			t.fail("dtls " + payload.DtlsState)
		}
	case "tuple":
		// comedia plain transport discovered its remote end.
		t.markFlowing()
	}
}

// fail is terminal: the transport never recovers and never retries; upstream
// tears the element down.
func (t *TransportSet) fail(state string) {
	t.mu.Lock()
	if t.failed {
		t.mu.Unlock()
		return
	}
	t.failed = true
	t.mu.Unlock()
	metrics.TransportFailures.WithLabelValues(AdapterName).Inc()
	log.Warn().Str("module", "adapters.soup").Str("transport", t.ID).
		Str("state", state).Msg("transport failed")
	if t.onFailure != nil {
		t.onFailure(state)
	}
}

func (t *TransportSet) Close(ctx context.Context) {
	if _, err := t.registry.Request(ctx, t.router, "transport.close", t.ID, nil); err != nil {
		log.Warn().Str("module", "adapters.soup").Str("transport", t.ID).
			Err(err).Msg("transport close failed")
	}
}
