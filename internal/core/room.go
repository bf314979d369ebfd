package core

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/domain"
)

// FloorHistoryCap bounds the previous-floor ring.
const FloorHistoryCap = 10

// FloorState is the result shape of every floor query/mutation.
type FloorState struct {
	Floor         *domain.MediaInfo  `json:"floor,omitempty"`
	PreviousFloor []domain.MediaInfo `json:"previousFloor"`
}

// Room owns the users and media sessions of one conference and arbitrates
// the conference (active presenter) and content (screen-share) floors.
type Room struct {
	ID domain.RoomID

	bus       *EventBus
	maxMedias int

	mu           sync.Mutex
	users        map[domain.UserID]*User
	sessions     map[domain.MediaSessionID]*MediaSession
	sessionOrder []domain.MediaSessionID

	// floorMu serializes floor mutation together with the emitted event so
	// no consumer observes a half-rotated history.
	floorMu           sync.Mutex
	conferenceFloor   *Media
	conferenceHistory []*Media
	contentFloor      *Media
	contentHistory    []*Media

	busTokens []int
	destroyed bool
}

func NewRoom(id domain.RoomID, bus *EventBus, maxMedias int) *Room {
	r := &Room{
		ID:        id,
		bus:       bus,
		maxMedias: maxMedias,
		users:     make(map[domain.UserID]*User),
		sessions:  make(map[domain.MediaSessionID]*MediaSession),
	}
	// A floor whose media goes away ungracefully must not stay assigned.
	r.busTokens = append(r.busTokens,
		bus.Subscribe(EventMediaDisconnected, string(id), func(ev Event) {
			r.dropFloorMedia(ev.MediaID, ev.MediaSessionID)
		}))
	bus.Emit(Event{Kind: EventRoomCreated, Identifier: string(id), RoomID: id})
	return r
}

func (r *Room) AddUser(u *User) {
	r.mu.Lock()
	r.users[u.ID] = u
	r.mu.Unlock()
	r.bus.Emit(Event{Kind: EventUserJoined, Identifier: string(r.ID), RoomID: r.ID,
		UserID: u.ID, User: ptr(u.Info())})
}

func ptr[T any](v T) *T { return &v }

// RemoveUser drops the user and reports how many remain. The caller
// destroys the room when zero.
func (r *Room) RemoveUser(id domain.UserID) int {
	r.mu.Lock()
	u, ok := r.users[id]
	delete(r.users, id)
	remaining := len(r.users)
	r.mu.Unlock()
	if ok {
		r.bus.Emit(Event{Kind: EventUserLeft, Identifier: string(r.ID), RoomID: r.ID,
			UserID: u.ID, User: ptr(u.Info())})
	}
	return remaining
}

func (r *Room) User(id domain.UserID) (*User, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[id]
	return u, ok
}

func (r *Room) Users() []*User {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*User, 0, len(r.users))
	for _, u := range r.users {
		out = append(out, u)
	}
	return out
}

func (r *Room) UserCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.users)
}

func (r *Room) AddSession(s *MediaSession) {
	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok {
		r.sessionOrder = append(r.sessionOrder, s.ID)
	}
	r.sessions[s.ID] = s
	r.mu.Unlock()
}

func (r *Room) RemoveSession(id domain.MediaSessionID) {
	r.mu.Lock()
	delete(r.sessions, id)
	for i, sid := range r.sessionOrder {
		if sid == id {
			r.sessionOrder = append(r.sessionOrder[:i], r.sessionOrder[i+1:]...)
			break
		}
	}
	r.mu.Unlock()
}

// Sessions snapshots the room's sessions in registration order.
func (r *Room) Sessions() []*MediaSession {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*MediaSession, 0, len(r.sessionOrder))
	for _, id := range r.sessionOrder {
		if s, ok := r.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FirstSession returns the earliest registered session still in the room,
// backing the "default" source sentinel.
func (r *Room) FirstSession() (*MediaSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range r.sessionOrder {
		if s, ok := r.sessions[id]; ok {
			return s, true
		}
	}
	return nil, false
}

// MediaCount counts every media in the room, backing the per-room threshold.
func (r *Room) MediaCount() int {
	n := 0
	for _, s := range r.Sessions() {
		n += len(s.Medias())
	}
	return n
}

// CheckThreshold enforces the per-room media ceiling (0 = unlimited).
func (r *Room) CheckThreshold() error {
	if r.maxMedias > 0 && r.MediaCount() >= r.maxMedias {
		return NewErrorf(ErrThresholdExceeded,
			"room %s reached the per-room media threshold (%d)", r.ID, r.maxMedias)
	}
	return nil
}

// Destroy emits room-destroyed and detaches the room from the bus.
func (r *Room) Destroy() {
	r.mu.Lock()
	if r.destroyed {
		r.mu.Unlock()
		return
	}
	r.destroyed = true
	tokens := r.busTokens
	r.busTokens = nil
	r.mu.Unlock()
	r.bus.Emit(Event{Kind: EventRoomDestroyed, Identifier: string(r.ID), RoomID: r.ID})
	for _, t := range tokens {
		r.bus.Unsubscribe(t)
	}
	log.Info().Str("module", "core.room").Str("room", string(r.ID)).Msg("room destroyed")
}

// findVideoSource looks for a sendable video media starting at the
// candidate's own session, then the owning user's other sessions.
func (r *Room) findVideoSource(candidate *Media) *Media {
	if candidate.Has(domain.MediaTypeVideo) {
		return candidate
	}
	r.mu.Lock()
	session := r.sessions[candidate.MediaSessionID]
	var owner *User
	if session != nil {
		owner = r.users[session.UserID]
	}
	r.mu.Unlock()
	if session != nil {
		for _, m := range session.Medias() {
			if d, ok := m.DirectionOf(domain.MediaTypeVideo); ok && d.Sends() {
				return m
			}
		}
	}
	if owner != nil {
		for _, s := range owner.Sessions() {
			for _, m := range s.Medias() {
				if d, ok := m.DirectionOf(domain.MediaTypeVideo); ok && d.Sends() {
					return m
				}
			}
		}
	}
	return nil
}

func historyInfos(history []*Media) []domain.MediaInfo {
	out := make([]domain.MediaInfo, 0, len(history))
	for _, m := range history {
		out = append(out, m.Info())
	}
	return out
}

// pushHistory prepends media to the ring, deduplicated by id and capped.
func pushHistory(history []*Media, media *Media) []*Media {
	out := make([]*Media, 0, len(history)+1)
	out = append(out, media)
	for _, m := range history {
		if m.ID == media.ID {
			continue
		}
		out = append(out, m)
	}
	if len(out) > FloorHistoryCap {
		out = out[:FloorHistoryCap]
	}
	return out
}

// SetConferenceFloor makes the candidate (or a discovered video media of the
// same owner) the conference floor. Candidates without any reachable video
// capability leave the floor unchanged.
func (r *Room) SetConferenceFloor(candidate *Media) FloorState {
	source := r.findVideoSource(candidate)
	r.floorMu.Lock()
	if source == nil {
		state := r.conferenceStateLocked()
		r.floorMu.Unlock()
		return state
	}
	if r.conferenceFloor != nil && r.conferenceFloor.ID != source.ID {
		r.conferenceHistory = pushHistory(r.conferenceHistory, r.conferenceFloor)
	}
	r.conferenceFloor = source
	state := r.conferenceStateLocked()
	// Emitted under floorMu so the history consumers observe is the one this
	// change produced.
	r.bus.Emit(Event{Kind: EventConferenceFloorChanged, Identifier: string(r.ID),
		RoomID: r.ID, Floor: state.Floor, PreviousFloor: state.PreviousFloor})
	r.floorMu.Unlock()
	return state
}

// ReleaseConferenceFloor pops the most recent history entry as the new
// floor. With preserve=false the outgoing floor is additionally purged from
// the remaining history.
func (r *Room) ReleaseConferenceFloor(preserve bool) FloorState {
	r.floorMu.Lock()
	outgoing := r.conferenceFloor
	if len(r.conferenceHistory) > 0 {
		r.conferenceFloor = r.conferenceHistory[0]
		r.conferenceHistory = r.conferenceHistory[1:]
	} else {
		r.conferenceFloor = nil
	}
	if !preserve && outgoing != nil {
		r.conferenceHistory = purgeHistory(r.conferenceHistory, outgoing.ID)
	}
	state := r.conferenceStateLocked()
	r.bus.Emit(Event{Kind: EventConferenceFloorChanged, Identifier: string(r.ID),
		RoomID: r.ID, Floor: state.Floor, PreviousFloor: state.PreviousFloor})
	r.floorMu.Unlock()
	return state
}

func purgeHistory(history []*Media, id domain.MediaID) []*Media {
	out := history[:0]
	for _, m := range history {
		if m.ID != id {
			out = append(out, m)
		}
	}
	return out
}

func (r *Room) conferenceStateLocked() FloorState {
	state := FloorState{PreviousFloor: historyInfos(r.conferenceHistory)}
	if r.conferenceFloor != nil {
		state.Floor = ptr(r.conferenceFloor.Info())
	}
	return state
}

// ConferenceFloor snapshots the current conference floor state.
func (r *Room) ConferenceFloor() FloorState {
	r.floorMu.Lock()
	defer r.floorMu.Unlock()
	return r.conferenceStateLocked()
}

// ConferenceFloorMedia exposes the live floor media for strategy handlers.
func (r *Room) ConferenceFloorMedia() *Media {
	r.floorMu.Lock()
	defer r.floorMu.Unlock()
	return r.conferenceFloor
}

// ConferenceFloorHistory exposes the live history, most recent first.
func (r *Room) ConferenceFloorHistory() []*Media {
	r.floorMu.Lock()
	defer r.floorMu.Unlock()
	return append([]*Media(nil), r.conferenceHistory...)
}

// ContentFloorMedia exposes the live content floor media.
func (r *Room) ContentFloorMedia() *Media {
	r.floorMu.Lock()
	defer r.floorMu.Unlock()
	return r.contentFloor
}

// SetContentFloor follows the conference push/pop pattern but takes the
// content sub-media directly, with no video fallback search.
func (r *Room) SetContentFloor(candidate *Media) FloorState {
	r.floorMu.Lock()
	if r.contentFloor != nil && r.contentFloor.ID != candidate.ID {
		r.contentHistory = pushHistory(r.contentHistory, r.contentFloor)
	}
	r.contentFloor = candidate
	state := r.contentStateLocked()
	r.bus.Emit(Event{Kind: EventContentFloorChanged, Identifier: string(r.ID),
		RoomID: r.ID, Floor: state.Floor, PreviousFloor: state.PreviousFloor})
	r.floorMu.Unlock()
	return state
}

func (r *Room) ReleaseContentFloor(preserve bool) FloorState {
	r.floorMu.Lock()
	outgoing := r.contentFloor
	if len(r.contentHistory) > 0 {
		r.contentFloor = r.contentHistory[0]
		r.contentHistory = r.contentHistory[1:]
	} else {
		r.contentFloor = nil
	}
	if !preserve && outgoing != nil {
		r.contentHistory = purgeHistory(r.contentHistory, outgoing.ID)
	}
	state := r.contentStateLocked()
	r.bus.Emit(Event{Kind: EventContentFloorChanged, Identifier: string(r.ID),
		RoomID: r.ID, Floor: state.Floor, PreviousFloor: state.PreviousFloor})
	r.floorMu.Unlock()
	return state
}

func (r *Room) contentStateLocked() FloorState {
	state := FloorState{PreviousFloor: historyInfos(r.contentHistory)}
	if r.contentFloor != nil {
		state.Floor = ptr(r.contentFloor.Info())
	}
	return state
}

func (r *Room) ContentFloor() FloorState {
	r.floorMu.Lock()
	defer r.floorMu.Unlock()
	return r.contentStateLocked()
}

// dropFloorMedia clears floors and history entries referencing a media that
// disconnected ungracefully.
func (r *Room) dropFloorMedia(mediaID domain.MediaID, sessionID domain.MediaSessionID) {
	match := func(m *Media) bool {
		return m.ID == mediaID || (sessionID != "" && m.MediaSessionID == sessionID)
	}
	r.floorMu.Lock()
	defer r.floorMu.Unlock()
	if r.conferenceFloor != nil && match(r.conferenceFloor) {
		r.conferenceFloor = nil
	}
	if r.contentFloor != nil && match(r.contentFloor) {
		r.contentFloor = nil
	}
	filter := func(history []*Media) []*Media {
		out := history[:0]
		for _, m := range history {
			if !match(m) {
				out = append(out, m)
			}
		}
		return out
	}
	r.conferenceHistory = filter(r.conferenceHistory)
	r.contentHistory = filter(r.contentHistory)
}

// Info snapshots a read-only room view.
func (r *Room) Info() domain.RoomInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	info := domain.RoomInfo{RoomID: r.ID}
	for id := range r.users {
		info.Users = append(info.Users, id)
	}
	return info
}
