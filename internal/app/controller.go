package app

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/metrics"
)

// DefaultSourceID is the sentinel clients use to subscribe to "whatever the
// room considers its primary source". It is resolved here and nowhere else.
const DefaultSourceID = "default"

// Options carries the controller-level policy knobs.
type Options struct {
	MaxMediasPerRoom   int
	MaxSessionsPerUser int
	EjectGrace         time.Duration
	DefaultAdapter     string
	// RecordingFormats maps a media profile (main, audio, content) to the
	// container format recordings of that profile use.
	RecordingFormats map[string]string
	// HeaderExtensionAllowlist is applied to negotiations that do not bring
	// their own.
	HeaderExtensionAllowlist []string
}

// MediaController is the top-level orchestrator: it owns the canonical
// indices of rooms, users, sessions and medias, and exposes the room/user/
// media lifecycle API to the message router.
type MediaController struct {
	bus      *core.EventBus
	factory  *core.MediaFactory
	adapters core.AdapterRegistry
	opts     Options

	mu       sync.RWMutex
	rooms    map[domain.RoomID]*core.Room
	users    map[domain.UserID]*core.User
	sessions map[domain.MediaSessionID]*core.MediaSession
	medias   map[domain.MediaID]*core.Media

	// locks stripes per-entity operation locks so concurrent requests for
	// the same room or user serialize without one global lock.
	locks [64]sync.Mutex
}

func NewMediaController(bus *core.EventBus, factory *core.MediaFactory,
	adapters core.AdapterRegistry, opts Options) *MediaController {
	return &MediaController{
		bus:      bus,
		factory:  factory,
		adapters: adapters,
		opts:     opts,
		rooms:    make(map[domain.RoomID]*core.Room),
		users:    make(map[domain.UserID]*core.User),
		sessions: make(map[domain.MediaSessionID]*core.MediaSession),
		medias:   make(map[domain.MediaID]*core.Media),
	}
}

// lockEntity serializes operations touching one entity id. Returns the
// unlock function.
func (c *MediaController) lockEntity(id string) func() {
	h := fnv.New32a()
	h.Write([]byte(id))
	stripe := &c.locks[h.Sum32()%uint32(len(c.locks))]
	stripe.Lock()
	return stripe.Unlock
}

func (c *MediaController) getOrCreateRoom(id domain.RoomID) *core.Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	if room, ok := c.rooms[id]; ok {
		return room
	}
	room := core.NewRoom(id, c.bus, c.opts.MaxMediasPerRoom)
	c.rooms[id] = room
	metrics.RoomsActive.Inc()
	log.Info().Str("module", "app.controller").Str("room", string(id)).Msg("room created")
	return room
}

// Room resolves an existing room.
func (c *MediaController) Room(id domain.RoomID) (*core.Room, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	room, ok := c.rooms[id]
	if !ok {
		return nil, core.NewErrorf(core.ErrRoomNotFound, "room %s not found", id)
	}
	return room, nil
}

func (c *MediaController) user(id domain.UserID) (*core.User, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	u, ok := c.users[id]
	if !ok {
		return nil, core.NewErrorf(core.ErrUserNotFound, "user %s not found", id)
	}
	return u, nil
}

func (c *MediaController) session(id domain.MediaSessionID) (*core.MediaSession, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sessions[id]
	if !ok {
		return nil, core.NewErrorf(core.ErrMediaSessionNotFound, "media session %s not found", id)
	}
	return s, nil
}

// Join registers a user in a room, creating the room on first join.
func (c *MediaController) Join(ctx context.Context, roomID domain.RoomID,
	externalUserID string, autoLeave bool) (domain.UserID, error) {

	unlock := c.lockEntity(string(roomID))
	defer unlock()

	room := c.getOrCreateRoom(roomID)
	user := core.NewUser(roomID, externalUserID, autoLeave, c.factory, c.bus,
		c.opts.MaxSessionsPerUser, c.opts.EjectGrace, func(u *core.User) {
			log.Info().Str("module", "app.controller").Str("user", string(u.ID)).
				Msg("idle grace expired, ejecting")
			if err := c.Leave(context.Background(), u.RoomID, u.ID); err != nil {
				log.Warn().Str("module", "app.controller").Str("user", string(u.ID)).
					Err(err).Msg("auto-eject leave failed")
			}
		})
	c.mu.Lock()
	c.users[user.ID] = user
	c.mu.Unlock()
	room.AddUser(user)
	metrics.UsersJoined.Inc()
	log.Info().Str("module", "app.controller").Str("room", string(roomID)).
		Str("user", string(user.ID)).Str("externalUser", user.ExternalUserID).Msg("user joined")
	return user.ID, nil
}

// Leave tears a user down: every owned session stops, the user drops out of
// the room, and an emptied room self-destructs.
func (c *MediaController) Leave(ctx context.Context, roomID domain.RoomID, userID domain.UserID) error {
	unlock := c.lockEntity(string(userID))
	defer unlock()

	user, err := c.user(userID)
	if err != nil {
		return err
	}
	room, err := c.Room(roomID)
	if err != nil {
		return err
	}

	sessions := user.Sessions()
	user.Leave(ctx)
	for _, s := range sessions {
		c.unregisterSession(room, s)
	}
	c.mu.Lock()
	delete(c.users, userID)
	c.mu.Unlock()

	if remaining := room.RemoveUser(userID); remaining == 0 {
		c.destroyRoom(room)
	}
	log.Info().Str("module", "app.controller").Str("room", string(roomID)).
		Str("user", string(userID)).Msg("user left")
	return nil
}

func (c *MediaController) destroyRoom(room *core.Room) {
	c.mu.Lock()
	delete(c.rooms, room.ID)
	c.mu.Unlock()
	room.Destroy()
	metrics.RoomsActive.Dec()
	log.Info().Str("module", "app.controller").Str("room", string(room.ID)).
		Msg("room empty, destroyed")
}

// PublishParams is the negotiation request surface shared by publish,
// subscribe and recording operations.
type PublishParams struct {
	Descriptor string
	Role       domain.NegotiationRole
	Options    core.NegotiateOptions
	// Reuse renegotiates an existing session instead of creating one.
	Reuse domain.MediaSessionID
}

func (c *MediaController) fillDefaults(p *PublishParams) {
	if p.Role == "" {
		p.Role = domain.RoleAnswerer
	}
	if p.Options.Adapter == (domain.AdapterSpec{}) {
		p.Options.Adapter = domain.SingleAdapter(c.opts.DefaultAdapter)
	}
	if len(p.Options.HeaderExtensionAllowlist) == 0 {
		p.Options.HeaderExtensionAllowlist = c.opts.HeaderExtensionAllowlist
	}
}

// Publish negotiates a new outbound session for the user. The returned media
// id is the session id; the descriptor is the local answer (or offer, for
// offerer-role sessions).
func (c *MediaController) Publish(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionType domain.SessionType, params PublishParams) (domain.MediaSessionID, string, error) {

	unlock := c.lockEntity(string(userID))
	defer unlock()

	user, err := c.user(userID)
	if err != nil {
		return "", "", err
	}
	room, err := c.Room(roomID)
	if err != nil {
		return "", "", err
	}
	c.fillDefaults(&params)
	if !params.Options.IgnoreThresholds {
		if err := room.CheckThreshold(); err != nil {
			return "", "", err
		}
	}

	session, answer, err := user.StartSession(ctx, sessionType, params.Role,
		params.Descriptor, params.Options, params.Reuse)
	if err != nil {
		metrics.NegotiationErrors.Inc()
		return "", "", err
	}
	c.registerSession(room, session)
	metrics.SessionsNegotiated.Inc()
	return session.ID, answer, nil
}

// Subscribe negotiates an inbound session fed by a source session and
// connects the two. A sourceID of "default" resolves to the room's earliest
// registered session.
func (c *MediaController) Subscribe(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sourceID string, sessionType domain.SessionType, params PublishParams) (domain.MediaSessionID, string, error) {

	room, err := c.Room(roomID)
	if err != nil {
		return "", "", err
	}
	source, err := c.resolveSource(room, sourceID)
	if err != nil {
		return "", "", err
	}
	// The backend needs the upstream element to wire consumers from.
	if params.Options.SourceElement == "" {
		if element, ok := sendingElement(source); ok {
			params.Options.SourceElement = element
		}
	}

	sessionID, answer, err := c.Publish(ctx, roomID, userID, sessionType, params)
	if err != nil {
		return "", "", err
	}
	session, err := c.session(sessionID)
	if err != nil {
		return "", "", err
	}
	if err := source.Connect(ctx, session, domain.MediaTypeAll); err != nil {
		c.teardownSession(ctx, room, userID, sessionID)
		return "", "", err
	}
	return sessionID, answer, nil
}

// PublishAndSubscribe negotiates one bidirectional session: the user
// publishes and at the same time receives the source.
func (c *MediaController) PublishAndSubscribe(ctx context.Context, roomID domain.RoomID,
	userID domain.UserID, sourceID string, sessionType domain.SessionType,
	params PublishParams) (domain.MediaSessionID, string, error) {

	if sourceID == "" {
		return c.Publish(ctx, roomID, userID, sessionType, params)
	}
	return c.Subscribe(ctx, roomID, userID, sourceID, sessionType, params)
}

// Unpublish stops one session owned by the user. Unsubscribe is the same
// operation under its other name.
func (c *MediaController) Unpublish(ctx context.Context, userID domain.UserID, sessionID domain.MediaSessionID) error {
	unlock := c.lockEntity(string(userID))
	defer unlock()

	user, err := c.user(userID)
	if err != nil {
		return err
	}
	session, err := c.session(sessionID)
	if err != nil {
		// Already stopped. Unpublish is idempotent.
		log.Debug().Str("module", "app.controller").Str("session", string(sessionID)).
			Msg("unpublish of unknown session, ignored")
		return nil
	}
	room, err := c.Room(session.RoomID)
	if err != nil {
		return err
	}
	if err := user.RemoveSession(ctx, sessionID); err != nil {
		return err
	}
	c.unregisterSession(room, session)
	return nil
}

// resolveSource maps a source id (or the default sentinel) to a session.
func (c *MediaController) resolveSource(room *core.Room, sourceID string) (*core.MediaSession, error) {
	if sourceID == DefaultSourceID {
		session, ok := room.FirstSession()
		if !ok {
			return nil, core.NewErrorf(core.ErrMediaSessionNotFound,
				"room %s has no source to subscribe to", room.ID)
		}
		return session, nil
	}
	return c.session(domain.MediaSessionID(sourceID))
}

// sendingElement returns the element id of the source's first sendable media.
func sendingElement(source *core.MediaSession) (domain.ElementID, bool) {
	for _, m := range source.Medias() {
		for _, kind := range []domain.MediaType{domain.MediaTypeVideo, domain.MediaTypeAudio, domain.MediaTypeContent} {
			if d, ok := m.DirectionOf(kind); ok && d.Sends() {
				return m.ElementID, true
			}
		}
	}
	return "", false
}

func (c *MediaController) registerSession(room *core.Room, session *core.MediaSession) {
	room.AddSession(session)
	info := session.Medias()
	live := make(map[domain.MediaID]struct{}, len(info))
	for _, m := range info {
		live[m.ID] = struct{}{}
	}
	c.mu.Lock()
	c.sessions[session.ID] = session
	// Renegotiation replaces the session's media set. Index entries for
	// medias the session no longer carries must go with it.
	for id, m := range c.medias {
		if m.MediaSessionID == session.ID {
			if _, ok := live[id]; !ok {
				delete(c.medias, id)
			}
		}
	}
	for _, m := range info {
		c.medias[m.ID] = m
	}
	c.mu.Unlock()
	var first *domain.MediaInfo
	if len(info) > 0 {
		i := info[0].Info()
		first = &i
	}
	c.bus.Emit(core.Event{
		Kind:           core.EventMediaConnected,
		Identifier:     string(room.ID),
		RoomID:         room.ID,
		UserID:         session.UserID,
		MediaSessionID: session.ID,
		Media:          first,
	})
}

func (c *MediaController) unregisterSession(room *core.Room, session *core.MediaSession) {
	room.RemoveSession(session.ID)
	c.mu.Lock()
	delete(c.sessions, session.ID)
	for _, m := range session.Medias() {
		delete(c.medias, m.ID)
	}
	c.mu.Unlock()
	c.bus.Emit(core.Event{
		Kind:           core.EventMediaDisconnected,
		Identifier:     string(room.ID),
		RoomID:         room.ID,
		UserID:         session.UserID,
		MediaSessionID: session.ID,
	})
}

// teardownSession rolls back a half-built subscribe.
func (c *MediaController) teardownSession(ctx context.Context, room *core.Room,
	userID domain.UserID, sessionID domain.MediaSessionID) {
	if user, err := c.user(userID); err == nil {
		if err := user.RemoveSession(ctx, sessionID); err != nil {
			log.Warn().Str("module", "app.controller").Str("session", string(sessionID)).
				Err(err).Msg("subscribe rollback failed")
		}
	}
	if session, err := c.session(sessionID); err == nil {
		c.unregisterSession(room, session)
	}
}

// Stop shuts down best effort: every user leaves, every room is destroyed.
// Individual failures are logged, never propagated.
func (c *MediaController) Stop(ctx context.Context) {
	c.mu.RLock()
	users := make([]*core.User, 0, len(c.users))
	for _, u := range c.users {
		users = append(users, u)
	}
	c.mu.RUnlock()
	for _, u := range users {
		if err := c.Leave(ctx, u.RoomID, u.ID); err != nil {
			log.Warn().Str("module", "app.controller").Str("user", string(u.ID)).
				Err(err).Msg("shutdown leave failed")
		}
	}
	log.Info().Str("module", "app.controller").Msg("controller stopped")
}
