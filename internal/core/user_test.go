package core

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/domain"
)

type stubRegistry struct {
	adapter Adapter
}

func (r stubRegistry) Get(name string) (Adapter, error) {
	if r.adapter == nil {
		return nil, NewErrorf(ErrAdapterNotFound, "adapter %q is not registered", name)
	}
	return r.adapter, nil
}

func newTestUser(bus *EventBus, maxSessions int) *User {
	factory := NewMediaFactory(stubRegistry{adapter: &stubAdapter{}}, bus, domain.MediaSpecs{})
	return NewUser("r1", "ext-1", false, factory, bus, maxSessions, 0, nil)
}

func startOpts() NegotiateOptions {
	return NegotiateOptions{Adapter: domain.SingleAdapter("stub")}
}

func TestUserSessionThreshold(t *testing.T) {
	bus := NewEventBus()
	u := newTestUser(bus, 2)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
		require.NoError(t, err)
	}

	_, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
	var mcsErr *MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, ErrThresholdExceeded, mcsErr.Code)
	assert.Equal(t, 2, u.SessionCount())

	opts := startOpts()
	opts.IgnoreThresholds = true
	_, _, err = u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", opts, "")
	require.NoError(t, err)
	assert.Equal(t, 3, u.SessionCount())
}

func TestUserUnlimitedSessionsWhenThresholdZero(t *testing.T) {
	bus := NewEventBus()
	u := newTestUser(bus, 0)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
		require.NoError(t, err)
	}
	assert.Equal(t, 5, u.SessionCount())
}

func TestUserStartAfterLeaveRejected(t *testing.T) {
	bus := NewEventBus()
	u := newTestUser(bus, 0)
	ctx := context.Background()

	u.Leave(ctx)
	_, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
	var mcsErr *MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, ErrUserNotFound, mcsErr.Code)
}

func TestUserSessionsKeepCreationOrder(t *testing.T) {
	bus := NewEventBus()
	u := newTestUser(bus, 0)
	ctx := context.Background()

	var ids []domain.MediaSessionID
	for i := 0; i < 3; i++ {
		s, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
		require.NoError(t, err)
		ids = append(ids, s.ID)
	}

	sessions := u.Sessions()
	require.Len(t, sessions, 3)
	for i, s := range sessions {
		assert.Equal(t, ids[i], s.ID)
	}

	first, ok := u.FirstSession()
	require.True(t, ok)
	assert.Equal(t, ids[0], first.ID)

	require.NoError(t, u.RemoveSession(ctx, ids[0]))
	first, ok = u.FirstSession()
	require.True(t, ok)
	assert.Equal(t, ids[1], first.ID)
}

func TestUserReuseRenegotiatesExistingSession(t *testing.T) {
	bus := NewEventBus()
	u := newTestUser(bus, 1)
	ctx := context.Background()

	s, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
	require.NoError(t, err)

	// Renegotiation reuses the session, so the per-user ceiling stays intact.
	reused, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer2", startOpts(), s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, reused.ID)
	assert.Equal(t, 1, u.SessionCount())
}

func TestUserRemoveUnknownSession(t *testing.T) {
	bus := NewEventBus()
	u := newTestUser(bus, 0)

	err := u.RemoveSession(context.Background(), "nope")
	var mcsErr *MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, ErrMediaSessionNotFound, mcsErr.Code)
}

func TestUserAutoEjectAfterLastSession(t *testing.T) {
	bus := NewEventBus()
	factory := NewMediaFactory(stubRegistry{adapter: &stubAdapter{}}, bus, domain.MediaSpecs{})

	ejected := make(chan domain.UserID, 1)
	u := NewUser("r1", "ext-1", true, factory, bus, 0, 20*time.Millisecond, func(u *User) {
		ejected <- u.ID
	})
	ctx := context.Background()

	s, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
	require.NoError(t, err)
	require.NoError(t, u.RemoveSession(ctx, s.ID))

	select {
	case id := <-ejected:
		assert.Equal(t, u.ID, id)
	case <-time.After(time.Second):
		t.Fatal("idle user was not ejected")
	}
}

func TestUserEjectionCancelledByNewSession(t *testing.T) {
	bus := NewEventBus()
	factory := NewMediaFactory(stubRegistry{adapter: &stubAdapter{}}, bus, domain.MediaSpecs{})

	ejected := make(chan domain.UserID, 1)
	u := NewUser("r1", "ext-1", true, factory, bus, 0, 50*time.Millisecond, func(u *User) {
		ejected <- u.ID
	})
	ctx := context.Background()

	s, _, err := u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
	require.NoError(t, err)
	require.NoError(t, u.RemoveSession(ctx, s.ID))

	// Publishing again inside the grace window keeps the user in the room.
	_, _, err = u.StartSession(ctx, domain.SessionTypeWebRTC, domain.RoleAnswerer, "offer", startOpts(), "")
	require.NoError(t, err)

	select {
	case <-ejected:
		t.Fatal("user ejected despite active session")
	case <-time.After(150 * time.Millisecond):
	}
}
