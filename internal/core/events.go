package core

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/mconf/mcs-core/internal/domain"
)

// EventKind names one class of domain event carried by the bus.
type EventKind string

const (
	EventMediaState             EventKind = "mediaState"
	EventIceCandidate           EventKind = "onIceCandidate"
	EventMediaConnected         EventKind = "mediaConnected"
	EventMediaDisconnected      EventKind = "mediaDisconnected"
	EventMediaRenegotiated      EventKind = "mediaRenegotiated"
	EventUserJoined             EventKind = "userJoined"
	EventUserLeft               EventKind = "userLeft"
	EventRoomCreated            EventKind = "roomCreated"
	EventRoomDestroyed          EventKind = "roomDestroyed"
	EventConferenceFloorChanged EventKind = "conferenceFloorChanged"
	EventContentFloorChanged    EventKind = "contentFloorChanged"
	EventVolumeChanged          EventKind = "volumeChanged"
	EventMuted                  EventKind = "muted"
	EventUnmuted                EventKind = "unmuted"
	EventSubscribedTo           EventKind = "subscribedTo"
	EventKeyframeNeeded         EventKind = "keyframeNeeded"
	EventServerState            EventKind = "serverState"
	EventHostOffline            EventKind = "hostOffline"
	EventHostOnline             EventKind = "hostOnline"
	EventRestarted              EventKind = "restarted"
	EventStartTalking           EventKind = "startTalking"
	EventStopTalking            EventKind = "stopTalking"
)

// Event is the tagged payload union of everything the bus carries. Exactly
// the fields relevant to the Kind are populated.
type Event struct {
	Kind       EventKind
	Identifier string

	RoomID         domain.RoomID
	UserID         domain.UserID
	MediaSessionID domain.MediaSessionID
	MediaID        domain.MediaID
	HostID         domain.HostID

	// State carries the backend media-state name (flowing, not-flowing, ...).
	State string
	// Candidate carries an ICE candidate for EventIceCandidate.
	Candidate *webrtc.ICECandidateInit
	// Floor events.
	Floor         *domain.MediaInfo
	PreviousFloor []domain.MediaInfo
	// Volume for EventVolumeChanged.
	Volume int
	// Media carries the affected media view where applicable.
	Media *domain.MediaInfo
	// User carries the affected user view where applicable.
	User *domain.UserInfo
	// Raw backend payload for adapter-specific events.
	Raw any
}

// Handler consumes one event. Handlers run synchronously on the emitter's
// goroutine and must not block.
type Handler func(Event)

type subscription struct {
	kind       EventKind
	identifier string
	fn         Handler
}

// EventBus is the typed in-process pub/sub fabric between adapters, the
// entity graph and the message router. Subscribing with identifier "" matches
// every event of that kind.
type EventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]*subscription
}

func NewEventBus() *EventBus {
	return &EventBus{subs: make(map[int]*subscription)}
}

// Subscribe registers fn for (kind, identifier) and returns an unsubscribe
// token.
func (b *EventBus) Subscribe(kind EventKind, identifier string, fn Handler) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs[b.nextID] = &subscription{kind: kind, identifier: identifier, fn: fn}
	return b.nextID
}

// Unsubscribe drops a previously registered handler. Unknown tokens are a
// no-op so teardown paths can call it unconditionally.
func (b *EventBus) Unsubscribe(token int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.subs, token)
}

// Emit fans the event out to every matching handler.
func (b *EventBus) Emit(ev Event) {
	b.mu.RLock()
	matched := make([]Handler, 0, 4)
	for _, s := range b.subs {
		if s.kind != ev.Kind {
			continue
		}
		if s.identifier != "" && s.identifier != ev.Identifier {
			continue
		}
		matched = append(matched, s.fn)
	}
	b.mu.RUnlock()
	for _, fn := range matched {
		fn(ev)
	}
}
