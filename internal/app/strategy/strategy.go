// Package strategy hosts the per-room floor-switching handlers. A handler
// reacts to floor and membership changes and re-wires sink media to the
// source the room should currently be watching.
package strategy

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

// VoiceSwitchingName is the built-in voice-activity-driven video switcher.
const VoiceSwitchingName = "voice-switching"

const sweepTimeout = 10 * time.Second

// Handler is one strategy instance bound to one room.
type Handler interface {
	Name() string
	Stop()
}

// Factory builds a handler for a freshly created room.
type Factory func(room *core.Room, bus *core.EventBus) Handler

// RoomProvider resolves live rooms. The media controller implements it.
type RoomProvider interface {
	Room(id domain.RoomID) (*core.Room, error)
}

// Manager owns the handler instances: one per configured strategy per room,
// created when the room appears and torn down when it dies.
type Manager struct {
	bus       *core.EventBus
	rooms     RoomProvider
	factories map[string]Factory
	enabled   []string

	mu       sync.Mutex
	handlers map[domain.RoomID][]Handler
	tokens   []int
}

func NewManager(bus *core.EventBus, rooms RoomProvider, enabled []string) *Manager {
	m := &Manager{
		bus:       bus,
		rooms:     rooms,
		factories: map[string]Factory{VoiceSwitchingName: NewVoiceSwitching},
		enabled:   enabled,
		handlers:  make(map[domain.RoomID][]Handler),
	}
	return m
}

// Register installs an additional strategy factory under a name.
func (m *Manager) Register(name string, f Factory) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.factories[name] = f
}

// Start begins tracking room lifecycle.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens = append(m.tokens,
		m.bus.Subscribe(core.EventRoomCreated, "", func(ev core.Event) {
			m.roomCreated(ev.RoomID)
		}),
		m.bus.Subscribe(core.EventRoomDestroyed, "", func(ev core.Event) {
			m.roomDestroyed(ev.RoomID)
		}),
	)
}

func (m *Manager) roomCreated(roomID domain.RoomID) {
	room, err := m.rooms.Room(roomID)
	if err != nil {
		// Destroyed before we got here.
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.enabled {
		f, ok := m.factories[name]
		if !ok {
			log.Warn().Str("module", "app.strategy").Str("strategy", name).
				Msg("unknown strategy configured, skipping")
			continue
		}
		m.handlers[roomID] = append(m.handlers[roomID], f(room, m.bus))
		log.Debug().Str("module", "app.strategy").Str("room", string(roomID)).
			Str("strategy", name).Msg("handler created")
	}
}

func (m *Manager) roomDestroyed(roomID domain.RoomID) {
	m.mu.Lock()
	handlers := m.handlers[roomID]
	delete(m.handlers, roomID)
	m.mu.Unlock()
	for _, h := range handlers {
		h.Stop()
	}
}

// Stop tears every handler down.
func (m *Manager) Stop() {
	m.mu.Lock()
	for _, token := range m.tokens {
		m.bus.Unsubscribe(token)
	}
	m.tokens = nil
	all := m.handlers
	m.handlers = make(map[domain.RoomID][]Handler)
	m.mu.Unlock()
	for _, handlers := range all {
		for _, h := range handlers {
			h.Stop()
		}
	}
}

// VoiceSwitching wires every tagged session's receiving video media to the
// media the room should be watching: the content floor when one is active,
// otherwise the conference floor (falling back to floor history, then to any
// available video source).
type VoiceSwitching struct {
	room *core.Room
	bus  *core.EventBus

	mu      sync.Mutex
	tokens  []int
	running bool
	queued  bool
	stopped bool
}

func NewVoiceSwitching(room *core.Room, bus *core.EventBus) Handler {
	v := &VoiceSwitching{room: room, bus: bus}
	id := string(room.ID)
	poke := func(core.Event) { v.schedule() }
	v.tokens = append(v.tokens,
		bus.Subscribe(core.EventConferenceFloorChanged, id, poke),
		bus.Subscribe(core.EventContentFloorChanged, id, poke),
		bus.Subscribe(core.EventMediaConnected, id, poke),
		bus.Subscribe(core.EventMediaDisconnected, id, poke),
	)
	return v
}

func (v *VoiceSwitching) Name() string { return VoiceSwitchingName }

func (v *VoiceSwitching) Stop() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.stopped = true
	for _, token := range v.tokens {
		v.bus.Unsubscribe(token)
	}
	v.tokens = nil
}

// schedule coalesces sweeps: one runs at a time and at most one waits. The
// sweep runs on its own goroutine because floor events are emitted while the
// room still holds its floor lock.
func (v *VoiceSwitching) schedule() {
	v.mu.Lock()
	if v.stopped {
		v.mu.Unlock()
		return
	}
	if v.running {
		v.queued = true
		v.mu.Unlock()
		return
	}
	v.running = true
	v.mu.Unlock()
	go v.run()
}

func (v *VoiceSwitching) run() {
	for {
		ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
		v.sweep(ctx)
		cancel()

		v.mu.Lock()
		if !v.queued || v.stopped {
			v.running = false
			v.mu.Unlock()
			return
		}
		v.queued = false
		v.mu.Unlock()
	}
}

// target picks the media the room should watch. Content floor overrides the
// conference floor while active; conference-floor history is left intact so
// releasing content restores the previous presenter.
func (v *VoiceSwitching) target() *core.Media {
	if m := v.room.ContentFloorMedia(); m != nil {
		return m
	}
	if m := v.room.ConferenceFloorMedia(); m != nil {
		return m
	}
	if history := v.room.ConferenceFloorHistory(); len(history) > 0 {
		return history[0]
	}
	// No floor anywhere: first available video source.
	for _, s := range v.room.Sessions() {
		for _, m := range s.Medias() {
			if d, ok := m.DirectionOf(domain.MediaTypeVideo); ok && d.Sends() {
				return m
			}
		}
	}
	return nil
}

func (v *VoiceSwitching) sweep(ctx context.Context) {
	floor := v.target()
	if floor == nil {
		return
	}
	for _, session := range v.room.Sessions() {
		if session.Options.Strategy != VoiceSwitchingName {
			continue
		}
		// Never point a session at its own output.
		if session.ID == floor.MediaSessionID {
			continue
		}
		for _, sink := range session.Medias() {
			d, ok := sink.DirectionOf(domain.MediaTypeVideo)
			if !ok || !d.Receives() {
				continue
			}
			if sink.SubscribedTo() == floor.ID {
				continue
			}
			if err := floor.Connect(ctx, sink, domain.MediaTypeVideo); err != nil {
				log.Warn().Str("module", "app.strategy").Str("room", string(v.room.ID)).
					Str("floor", string(floor.ID)).Str("sink", string(sink.ID)).
					Err(err).Msg("floor switch failed")
				continue
			}
			// One sink per session follows the floor; connecting two media
			// of the same session to the same source would double the feed.
			break
		}
	}
}
