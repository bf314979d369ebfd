package soup

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

// elementMode is the low-level shape inferred for one negotiation: what the
// transport actually has to run regardless of what the SDP direction asked
// for.
type elementMode int

const (
	modeProducerOnly elementMode = iota
	modeConsumerOnly
	modeBidirectional
)

// inferMode maps the client's declared direction onto a transport mode. A
// sendrecv request degrades to producer-only unless an upstream source with
// an existing producer is present.
func inferMode(dir domain.Direction, hasSource bool) elementMode {
	switch dir {
	case domain.DirectionSendOnly:
		return modeProducerOnly
	case domain.DirectionRecvOnly:
		return modeConsumerOnly
	default:
		if hasSource {
			return modeBidirectional
		}
		return modeProducerOnly
	}
}

// soloKey indexes the shared transport of non-split elements.
const soloKey = domain.MediaTypeMain

type consumerRef struct {
	id        string
	transport *TransportSet
}

// mediaElement is one adapter-side element: its transports (one, or one per
// kind in split mode) plus at most one producer and one consumer per kind.
type mediaElement struct {
	id          domain.ElementID
	roomID      domain.RoomID
	sessionType domain.SessionType
	router      *Router
	registry    *routerRegistry
	bus         *core.EventBus
	split       bool

	mu         sync.Mutex
	transports map[domain.MediaType]*TransportSet
	producers  map[domain.MediaType]string
	consumers  map[domain.MediaType]consumerRef
	closed     bool
}

func newElement(id domain.ElementID, roomID domain.RoomID, sessionType domain.SessionType,
	router *Router, registry *routerRegistry, bus *core.EventBus, split bool) *mediaElement {
	return &mediaElement{
		id:          id,
		roomID:      roomID,
		sessionType: sessionType,
		router:      router,
		registry:    registry,
		bus:         bus,
		split:       split,
		transports:  make(map[domain.MediaType]*TransportSet),
		producers:   make(map[domain.MediaType]string),
		consumers:   make(map[domain.MediaType]consumerRef),
	}
}

func (e *mediaElement) transportKey(kind domain.MediaType) domain.MediaType {
	if e.split {
		return kind
	}
	return soloKey
}

// transportFor lazily creates the transport serving a kind and wires its
// state plumbing: flowing republishes on the bus and resumes paused
// consumers, failure is surfaced as a terminal state event.
func (e *mediaElement) transportFor(ctx context.Context, kind domain.MediaType,
	listenIP, announcedIP string) (*TransportSet, error) {

	key := e.transportKey(kind)
	e.mu.Lock()
	if t, ok := e.transports[key]; ok {
		e.mu.Unlock()
		return t, nil
	}
	e.mu.Unlock()

	var t *TransportSet
	var err error
	if e.sessionType == domain.SessionTypeWebRTC {
		t, err = newWebRtcTransport(ctx, e.registry, e.router, listenIP, announcedIP)
	} else {
		t, err = newPlainTransport(ctx, e.registry, e.router, listenIP, true)
	}
	if err != nil {
		return nil, err
	}
	t.resume = func(consumerID string) {
		if _, err := e.registry.Request(context.Background(), e.router,
			"consumer.resume", consumerID, nil); err != nil {
			log.Warn().Str("module", "adapters.soup").Str("consumer", consumerID).
				Err(err).Msg("consumer resume failed")
		}
	}
	elementID := e.id
	bus := e.bus
	t.onFailure = func(state string) {
		bus.Emit(core.Event{Kind: core.EventMediaState, Identifier: string(elementID), State: "FAILED"})
	}
	t.onFlowing = func() {
		bus.Emit(core.Event{Kind: core.EventMediaState, Identifier: string(elementID), State: "FLOWING"})
	}

	e.mu.Lock()
	if existing, ok := e.transports[key]; ok {
		e.mu.Unlock()
		t.Close(ctx)
		return existing, nil
	}
	e.transports[key] = t
	e.mu.Unlock()
	return t, nil
}

// produce creates the element's producer for a kind. A repeat request for an
// already-producing kind returns the existing producer.
func (e *mediaElement) produce(ctx context.Context, kind domain.MediaType,
	t *TransportSet, rtpParameters map[string]any) (string, error) {

	e.mu.Lock()
	if id, ok := e.producers[kind]; ok {
		e.mu.Unlock()
		return id, nil
	}
	e.mu.Unlock()

	id := domain.NewID()
	if _, err := e.registry.Request(ctx, e.router, "transport.produce", t.ID, map[string]any{
		"producerId":    id,
		"kind":          producerKind(kind),
		"rtpParameters": rtpParameters,
		"paused":        false,
	}); err != nil {
		return "", err
	}
	e.mu.Lock()
	e.producers[kind] = id
	e.mu.Unlock()
	return id, nil
}

// consume creates the element's consumer for a kind, paused; it resumes when
// the transport flows. Repeat requests return the existing consumer.
func (e *mediaElement) consume(ctx context.Context, kind domain.MediaType,
	t *TransportSet, producerID string) (string, error) {

	e.mu.Lock()
	if ref, ok := e.consumers[kind]; ok {
		e.mu.Unlock()
		return ref.id, nil
	}
	e.mu.Unlock()

	id := domain.NewID()
	if _, err := e.registry.Request(ctx, e.router, "transport.consume", t.ID, map[string]any{
		"consumerId": id,
		"producerId": producerID,
		"paused":     true,
	}); err != nil {
		return "", err
	}
	e.mu.Lock()
	e.consumers[kind] = consumerRef{id: id, transport: t}
	e.mu.Unlock()
	t.RegisterPausedConsumer(id)
	return id, nil
}

func (e *mediaElement) producerID(kind domain.MediaType) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.producers[kind]
	return id, ok
}

func (e *mediaElement) consumerID(kind domain.MediaType) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ref, ok := e.consumers[kind]
	return ref.id, ok
}

func (e *mediaElement) dropConsumer(ctx context.Context, kind domain.MediaType) {
	e.mu.Lock()
	ref, ok := e.consumers[kind]
	delete(e.consumers, kind)
	e.mu.Unlock()
	if !ok {
		return
	}
	if _, err := e.registry.Request(ctx, e.router, "consumer.close", ref.id, nil); err != nil {
		log.Warn().Str("module", "adapters.soup").Str("consumer", ref.id).
			Err(err).Msg("consumer close failed")
	}
}

// transportList snapshots the element's transports for teardown.
func (e *mediaElement) transportList() []*TransportSet {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*TransportSet, 0, len(e.transports))
	for _, t := range e.transports {
		out = append(out, t)
	}
	return out
}

func (e *mediaElement) close(ctx context.Context) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.mu.Unlock()
	for _, t := range e.transportList() {
		t.Close(ctx)
	}
}

func producerKind(kind domain.MediaType) string {
	if kind == domain.MediaTypeAudio {
		return "audio"
	}
	return "video"
}
