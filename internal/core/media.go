package core

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/domain"
)

// Media is one negotiated media unit bound to a single backend element (one
// SDP m-line or one producer/consumer pairing). It belongs to exactly one
// MediaSession for its whole life.
type Media struct {
	ID             domain.MediaID
	RoomID         domain.RoomID
	UserID         domain.UserID
	MediaSessionID domain.MediaSessionID
	SessionType    domain.SessionType

	// ElementID is the adapter-internal element this media is bound to.
	ElementID domain.ElementID
	// HostID is the balancer host serving the element, if any.
	HostID domain.HostID
	// Answer is the negotiated descriptor produced for this unit.
	Answer string

	adapter Adapter
	bus     *EventBus

	mu      sync.Mutex
	profile domain.Profile
	muted   bool
	volume  int
	talking bool
	// subscribedTo is a weak back-reference to the source media id. It is a
	// relation, never ownership.
	subscribedTo domain.MediaID

	// Per-kind replay queues. Events arriving before a consumer subscribes
	// are held and flushed exactly once, in order, on first subscription.
	stateQueue   []Event
	iceQueue     []Event
	stateHandler Handler
	iceHandler   Handler

	busTokens []int
	stopped   bool
}

// NewMedia wires a media to the bus and starts buffering its element's
// events immediately, so nothing emitted between element creation and the
// client attaching a listener is lost.
func NewMedia(roomID domain.RoomID, userID domain.UserID, sessionID domain.MediaSessionID,
	sessionType domain.SessionType, adapter Adapter, elementID domain.ElementID,
	hostID domain.HostID, profile domain.Profile, bus *EventBus) *Media {

	m := &Media{
		ID:             domain.MediaID(domain.NewID()),
		RoomID:         roomID,
		UserID:         userID,
		MediaSessionID: sessionID,
		SessionType:    sessionType,
		ElementID:      elementID,
		HostID:         hostID,
		adapter:        adapter,
		bus:            bus,
		profile:        profile,
		volume:         50,
	}
	m.busTokens = append(m.busTokens,
		bus.Subscribe(EventMediaState, string(elementID), m.dispatchState),
		bus.Subscribe(EventIceCandidate, string(elementID), m.dispatchIce),
	)
	return m
}

func (m *Media) Adapter() Adapter { return m.adapter }

func (m *Media) Profile() domain.Profile {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := domain.Profile{}
	for k, v := range m.profile {
		p[k] = v
	}
	return p
}

// Has reports whether this media carries the given kind.
func (m *Media) Has(kind domain.MediaType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.profile.Has(kind)
}

// DirectionOf returns the negotiated direction for a kind.
func (m *Media) DirectionOf(kind domain.MediaType) (domain.Direction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.profile[kind]
	return d, ok
}

func (m *Media) SubscribedTo() domain.MediaID {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.subscribedTo
}

func (m *Media) dispatchState(ev Event) {
	ev.MediaID = m.ID
	ev.MediaSessionID = m.MediaSessionID
	m.mu.Lock()
	if m.stateHandler == nil {
		m.stateQueue = append(m.stateQueue, ev)
		m.mu.Unlock()
		return
	}
	h := m.stateHandler
	m.mu.Unlock()
	h(ev)
}

func (m *Media) dispatchIce(ev Event) {
	ev.MediaID = m.ID
	ev.MediaSessionID = m.MediaSessionID
	m.mu.Lock()
	if m.iceHandler == nil {
		m.iceQueue = append(m.iceQueue, ev)
		m.mu.Unlock()
		return
	}
	h := m.iceHandler
	m.mu.Unlock()
	h(ev)
}

// OnEvent attaches the consumer for one event kind. The replay queue is
// flushed in FIFO order exactly once, then delivery becomes live. A second
// subscription replaces the handler without replaying anything.
func (m *Media) OnEvent(kind EventKind, fn Handler) {
	m.mu.Lock()
	var backlog []Event
	switch kind {
	case EventMediaState:
		backlog, m.stateQueue = m.stateQueue, nil
		m.stateHandler = fn
	case EventIceCandidate:
		backlog, m.iceQueue = m.iceQueue, nil
		m.iceHandler = fn
	default:
		m.mu.Unlock()
		return
	}
	m.mu.Unlock()
	for _, ev := range backlog {
		fn(ev)
	}
}

// Connect wires this media as source into sink for the given kind, then
// records the relation on the sink.
func (m *Media) Connect(ctx context.Context, sink *Media, kind domain.MediaType) error {
	if err := m.adapter.Connect(ctx, m.ElementID, sink.ElementID, kind); err != nil {
		return Normalize(err)
	}
	sink.mu.Lock()
	sink.subscribedTo = m.ID
	sink.mu.Unlock()
	m.bus.Emit(Event{
		Kind:       EventSubscribedTo,
		Identifier: string(sink.ID),
		MediaID:    sink.ID,
		RoomID:     m.RoomID,
		Raw:        m.ID,
	})
	return nil
}

// Disconnect unwires this media from sink. The sink's subscribedTo relation
// is left intact; it records the last source, not a live link.
func (m *Media) Disconnect(ctx context.Context, sink *Media, kind domain.MediaType) error {
	if err := m.adapter.Disconnect(ctx, m.ElementID, sink.ElementID, kind); err != nil {
		return Normalize(err)
	}
	return nil
}

func (m *Media) Muted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.muted
}

func (m *Media) Volume() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.volume
}

// SetVolume applies the backend volume. Volume 0 mutes; a non-zero volume on
// a muted media unmutes it.
func (m *Media) SetVolume(ctx context.Context, volume int) error {
	if err := m.adapter.SetVolume(ctx, m.ElementID, volume); err != nil {
		return Normalize(err)
	}
	m.mu.Lock()
	m.volume = volume
	wasMuted := m.muted
	m.muted = volume == 0
	nowMuted := m.muted
	m.mu.Unlock()

	m.bus.Emit(Event{Kind: EventVolumeChanged, Identifier: string(m.ID), MediaID: m.ID, RoomID: m.RoomID, Volume: volume})
	if nowMuted && !wasMuted {
		m.bus.Emit(Event{Kind: EventMuted, Identifier: string(m.ID), MediaID: m.ID, RoomID: m.RoomID})
	} else if !nowMuted && wasMuted {
		m.bus.Emit(Event{Kind: EventUnmuted, Identifier: string(m.ID), MediaID: m.ID, RoomID: m.RoomID})
	}
	return nil
}

func (m *Media) Mute(ctx context.Context) error {
	if err := m.adapter.Mute(ctx, m.ElementID); err != nil {
		return Normalize(err)
	}
	m.mu.Lock()
	m.muted = true
	m.mu.Unlock()
	m.bus.Emit(Event{Kind: EventMuted, Identifier: string(m.ID), MediaID: m.ID, RoomID: m.RoomID})
	return nil
}

func (m *Media) Unmute(ctx context.Context) error {
	if err := m.adapter.Unmute(ctx, m.ElementID); err != nil {
		return Normalize(err)
	}
	m.mu.Lock()
	m.muted = false
	m.mu.Unlock()
	m.bus.Emit(Event{Kind: EventUnmuted, Identifier: string(m.ID), MediaID: m.ID, RoomID: m.RoomID})
	return nil
}

func (m *Media) DTMF(ctx context.Context, tone string) error {
	return Normalize(m.adapter.DTMF(ctx, m.ElementID, tone))
}

// Stop releases the backend element and detaches this media from the bus.
// Idempotent.
func (m *Media) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return nil
	}
	m.stopped = true
	tokens := m.busTokens
	m.busTokens = nil
	m.mu.Unlock()

	for _, t := range tokens {
		m.bus.Unsubscribe(t)
	}
	if err := m.adapter.Stop(ctx, m.RoomID, m.SessionType, m.ElementID); err != nil {
		log.Warn().Str("module", "core.media").Str("media", string(m.ID)).
			Err(err).Msg("element release failed")
		return Normalize(err)
	}
	return nil
}

// Info snapshots a read-only view for the RPC surface.
func (m *Media) Info() domain.MediaInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	p := domain.Profile{}
	for k, v := range m.profile {
		p[k] = v
	}
	return domain.MediaInfo{
		MediaID:        m.ID,
		MediaSessionID: m.MediaSessionID,
		RoomID:         m.RoomID,
		UserID:         m.UserID,
		Kind:           m.SessionType,
		Profile:        p,
		SubscribedTo:   m.subscribedTo,
		Muted:          m.muted,
		Volume:         m.volume,
		Talking:        m.talking,
	}
}

// SetTalking updates the voice-activity flag (driven by backend talk events).
func (m *Media) SetTalking(talking bool) {
	m.mu.Lock()
	m.talking = talking
	m.mu.Unlock()
	kind := EventStopTalking
	if talking {
		kind = EventStartTalking
	}
	m.bus.Emit(Event{Kind: kind, Identifier: string(m.ID), MediaID: m.ID, RoomID: m.RoomID})
}
