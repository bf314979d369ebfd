package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/domain"
)

// User owns the media sessions of one signaling participant.
type User struct {
	ID             domain.UserID
	ExternalUserID string
	RoomID         domain.RoomID
	AutoLeave      bool

	factory     *MediaFactory
	bus         *EventBus
	maxSessions int
	ejectGrace  time.Duration

	mu         sync.Mutex
	sessions   map[domain.MediaSessionID]*MediaSession
	order      []domain.MediaSessionID
	ejectTimer *time.Timer
	left       bool

	// onEject is invoked when the idle grace period expires for an
	// autoLeave user. Installed by the controller.
	onEject func(*User)
}

// NewUser creates a user. externalID may be empty, in which case the
// generated id doubles as the external one.
func NewUser(roomID domain.RoomID, externalID string, autoLeave bool,
	factory *MediaFactory, bus *EventBus, maxSessions int, ejectGrace time.Duration, onEject func(*User)) *User {

	id := domain.UserID(domain.NewID())
	if externalID == "" {
		externalID = string(id)
	}
	return &User{
		ID:             id,
		ExternalUserID: externalID,
		RoomID:         roomID,
		AutoLeave:      autoLeave,
		factory:        factory,
		bus:            bus,
		maxSessions:    maxSessions,
		ejectGrace:     ejectGrace,
		onEject:        onEject,
		sessions:       make(map[domain.MediaSessionID]*MediaSession),
	}
}

// SessionCount returns the number of live sessions.
func (u *User) SessionCount() int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return len(u.sessions)
}

// Session resolves one owned session.
func (u *User) Session(id domain.MediaSessionID) (*MediaSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	s, ok := u.sessions[id]
	return s, ok
}

// Sessions snapshots the owned sessions in creation order.
func (u *User) Sessions() []*MediaSession {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]*MediaSession, 0, len(u.order))
	for _, id := range u.order {
		if s, ok := u.sessions[id]; ok {
			out = append(out, s)
		}
	}
	return out
}

// FirstSession returns the earliest registered session, backing the
// "default" source sentinel.
func (u *User) FirstSession() (*MediaSession, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()
	for _, id := range u.order {
		if s, ok := u.sessions[id]; ok {
			return s, true
		}
	}
	return nil, false
}

// StartSession is the uniform publish/subscribe/record path: build a session
// (or reuse one for renegotiation), start it, and on failure roll it back
// before re-throwing the original error. Rollback failures are logged; the
// original error always propagates.
func (u *User) StartSession(ctx context.Context, sessionType domain.SessionType,
	role domain.NegotiationRole, descriptor string, opts NegotiateOptions,
	reuse domain.MediaSessionID) (*MediaSession, string, error) {

	if reuse != "" {
		if existing, ok := u.Session(reuse); ok {
			answer, err := existing.Renegotiate(ctx, descriptor)
			if err != nil {
				return nil, "", err
			}
			return existing, answer, nil
		}
	}

	u.mu.Lock()
	if u.left {
		u.mu.Unlock()
		return nil, "", NewErrorf(ErrUserNotFound, "user %s already left", u.ID)
	}
	if !opts.IgnoreThresholds && u.maxSessions > 0 && len(u.sessions) >= u.maxSessions {
		u.mu.Unlock()
		return nil, "", NewErrorf(ErrThresholdExceeded,
			"user %s reached the per-user media threshold (%d)", u.ID, u.maxSessions)
	}
	u.cancelEjectionLocked()
	u.mu.Unlock()

	session, err := u.factory.CreateSession(u.RoomID, u.ID, sessionType, role, opts)
	if err != nil {
		return nil, "", Normalize(err)
	}

	u.mu.Lock()
	u.sessions[session.ID] = session
	u.order = append(u.order, session.ID)
	u.mu.Unlock()

	answer, err := session.Start(ctx, descriptor)
	if err != nil {
		if rerr := session.Stop(ctx); rerr != nil {
			log.Warn().Str("module", "core.user").Str("session", string(session.ID)).
				Err(rerr).Msg("session rollback failed")
		}
		u.RemoveSession(ctx, session.ID)
		return nil, "", err
	}
	return session, answer, nil
}

// RemoveSession stops a session and drops it from the user. Scheduling the
// idle ejection timer when the last session goes away.
func (u *User) RemoveSession(ctx context.Context, id domain.MediaSessionID) error {
	u.mu.Lock()
	session, ok := u.sessions[id]
	delete(u.sessions, id)
	remaining := len(u.sessions)
	left := u.left
	u.mu.Unlock()
	if !ok {
		return NewErrorf(ErrMediaSessionNotFound, "session %s not owned by user %s", id, u.ID)
	}
	err := session.Stop(ctx)
	if remaining == 0 && u.AutoLeave && !left {
		u.scheduleEjection()
	}
	return err
}

func (u *User) scheduleEjection() {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.ejectTimer != nil || u.left {
		return
	}
	grace := u.ejectGrace
	if grace <= 0 {
		grace = 15 * time.Second
	}
	log.Debug().Str("module", "core.user").Str("user", string(u.ID)).
		Dur("grace", grace).Msg("idle, scheduling ejection")
	u.ejectTimer = time.AfterFunc(grace, func() {
		u.mu.Lock()
		idle := len(u.sessions) == 0 && !u.left
		u.mu.Unlock()
		if idle && u.onEject != nil {
			u.onEject(u)
		}
	})
}

func (u *User) cancelEjectionLocked() {
	if u.ejectTimer != nil {
		u.ejectTimer.Stop()
		u.ejectTimer = nil
	}
}

// Leave stops every owned session sequentially so cleanup stays predictable.
// Individual stop failures are swallowed (forced local removal) so one bad
// session cannot block the rest.
func (u *User) Leave(ctx context.Context) {
	u.mu.Lock()
	if u.left {
		u.mu.Unlock()
		return
	}
	u.left = true
	u.cancelEjectionLocked()
	sessions := make([]*MediaSession, 0, len(u.order))
	for _, id := range u.order {
		if s, ok := u.sessions[id]; ok {
			sessions = append(sessions, s)
		}
	}
	u.sessions = make(map[domain.MediaSessionID]*MediaSession)
	u.order = nil
	u.mu.Unlock()

	for _, s := range sessions {
		if err := s.Stop(ctx); err != nil {
			log.Warn().Str("module", "core.user").Str("user", string(u.ID)).
				Str("session", string(s.ID)).Err(err).Msg("stop failed on leave, removed locally")
		}
	}
}

// Info snapshots a read-only view of the user and its medias.
func (u *User) Info() domain.UserInfo {
	info := domain.UserInfo{
		UserID:         u.ID,
		ExternalUserID: u.ExternalUserID,
		RoomID:         u.RoomID,
		AutoLeave:      u.AutoLeave,
	}
	for _, s := range u.Sessions() {
		for _, m := range s.Medias() {
			info.Medias = append(info.Medias, m.Info())
		}
	}
	return info
}
