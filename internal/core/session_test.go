package core

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/domain"
)

func newStubSession(bus *EventBus, adapter *stubAdapter) *MediaSession {
	s := newMediaSession("r1", "u1", domain.SessionTypeWebRTC, domain.RoleAnswerer, NegotiateOptions{}, bus, nil)
	s.negotiate = func(ctx context.Context, descriptor string) ([]*Media, string, error) {
		m := NewMedia(s.RoomID, s.UserID, s.ID, s.Type, adapter, domain.ElementID(domain.NewID()), "",
			domain.Profile{domain.MediaTypeAudio: domain.DirectionSendRecv}, bus)
		m.Answer = "answer-for-" + descriptor
		return []*Media{m}, m.Answer, nil
	}
	return s
}

func TestSessionLifecycle(t *testing.T) {
	bus := NewEventBus()
	adapter := &stubAdapter{}
	s := newStubSession(bus, adapter)
	assert.Equal(t, StateStopped, s.Status())

	answer, err := s.Start(context.Background(), "offer")
	require.NoError(t, err)
	assert.Equal(t, "answer-for-offer", answer)
	assert.Equal(t, StateStarted, s.Status())
	assert.Len(t, s.Medias(), 1)

	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, StateStopped, s.Status())
	assert.Empty(t, s.Medias())
	assert.Equal(t, 1, adapter.stopCount())
}

func TestSessionStopIdempotent(t *testing.T) {
	bus := NewEventBus()
	adapter := &stubAdapter{}
	s := newStubSession(bus, adapter)

	_, err := s.Start(context.Background(), "offer")
	require.NoError(t, err)

	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))
	assert.Equal(t, 1, adapter.stopCount())

	// Stopping a never-started session is also a no-op.
	fresh := newStubSession(bus, adapter)
	require.NoError(t, fresh.Stop(context.Background()))
	assert.Equal(t, 1, adapter.stopCount())
}

func TestSessionDoubleStartRejected(t *testing.T) {
	bus := NewEventBus()
	s := newStubSession(bus, &stubAdapter{})

	_, err := s.Start(context.Background(), "offer")
	require.NoError(t, err)

	_, err = s.Start(context.Background(), "offer")
	var mcsErr *MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, ErrInvalidOperation, mcsErr.Code)
}

func TestSessionStopDuringStartDeferred(t *testing.T) {
	bus := NewEventBus()
	adapter := &stubAdapter{}
	s := newMediaSession("r1", "u1", domain.SessionTypeWebRTC, domain.RoleAnswerer, NegotiateOptions{}, bus, nil)
	s.negotiate = func(ctx context.Context, descriptor string) ([]*Media, string, error) {
		// Teardown request arriving mid-negotiation must not cancel it.
		require.NoError(t, s.Stop(ctx))
		m := NewMedia(s.RoomID, s.UserID, s.ID, s.Type, adapter, "el", "", domain.Profile{}, bus)
		return []*Media{m}, "answer", nil
	}

	answer, err := s.Start(context.Background(), "offer")
	require.NoError(t, err)
	assert.Equal(t, "answer", answer)
	assert.Equal(t, StateStopped, s.Status())
	assert.Equal(t, 1, adapter.stopCount())
}

func TestSessionRenegotiateRequiresStarted(t *testing.T) {
	bus := NewEventBus()
	s := newStubSession(bus, &stubAdapter{})

	_, err := s.Renegotiate(context.Background(), "offer2")
	var mcsErr *MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, ErrInvalidOperation, mcsErr.Code)
}

func TestSessionNegotiationFailureResetsState(t *testing.T) {
	bus := NewEventBus()
	s := newMediaSession("r1", "u1", domain.SessionTypeWebRTC, domain.RoleAnswerer, NegotiateOptions{}, bus, nil)
	s.negotiate = func(ctx context.Context, descriptor string) ([]*Media, string, error) {
		return nil, "", NewError(ErrNoCompatibleCodec, "no codec in common")
	}

	_, err := s.Start(context.Background(), "offer")
	var mcsErr *MCSError
	require.ErrorAs(t, err, &mcsErr)
	assert.Equal(t, ErrNoCompatibleCodec, mcsErr.Code)
	assert.Equal(t, StateStopped, s.Status())

	// A failed start does not poison the session.
	s.negotiate = func(ctx context.Context, descriptor string) ([]*Media, string, error) {
		return nil, "answer", nil
	}
	answer, err := s.Start(context.Background(), "offer")
	require.NoError(t, err)
	assert.Equal(t, "answer", answer)
}
