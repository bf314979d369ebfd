package app

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/adapters"
	"github.com/mconf/mcs-core/internal/adapters/loopback"
	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

const publisherOffer = "v=0\r\n" +
	"o=- 20518 0 IN IP4 203.0.113.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 203.0.113.1\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=sendonly\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 203.0.113.1\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=sendonly\r\n"

const subscriberOffer = "v=0\r\n" +
	"o=- 20519 0 IN IP4 203.0.113.2\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=audio 9 UDP/TLS/RTP/SAVPF 111\r\n" +
	"c=IN IP4 203.0.113.2\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=recvonly\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
	"c=IN IP4 203.0.113.2\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=recvonly\r\n"

func newTestController(t *testing.T, opts Options) (*MediaController, *core.EventBus) {
	t.Helper()
	bus := core.NewEventBus()
	registry := adapters.NewFactory()
	registry.Register(loopback.New(bus))
	factory := core.NewMediaFactory(registry, bus, domain.MediaSpecs{})
	if opts.DefaultAdapter == "" {
		opts.DefaultAdapter = loopback.AdapterName
	}
	return NewMediaController(bus, factory, registry, opts), bus
}

func errCode(t *testing.T, err error) core.ErrorCode {
	t.Helper()
	var mcsErr *core.MCSError
	require.ErrorAs(t, err, &mcsErr)
	return mcsErr.Code
}

func TestJoinPublishSubscribeLeave(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})
	ctx := context.Background()

	publisher, err := ctrl.Join(ctx, "r1", "ext-pub", false)
	require.NoError(t, err)

	pubSession, answer, err := ctrl.Publish(ctx, "r1", publisher, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)
	assert.Contains(t, answer, "a=recvonly")
	assert.NotContains(t, answer, "a=sendonly")

	viewer, err := ctrl.Join(ctx, "r1", "ext-view", false)
	require.NoError(t, err)

	subSession, subAnswer, err := ctrl.Subscribe(ctx, "r1", viewer, DefaultSourceID,
		domain.SessionTypeWebRTC, PublishParams{Descriptor: subscriberOffer})
	require.NoError(t, err)
	assert.Contains(t, subAnswer, "a=sendonly")

	medias, err := ctrl.UserMedias(publisher)
	require.NoError(t, err)
	require.Len(t, medias, 1)

	// The sink remembers which source feeds it.
	sinkMedias, err := ctrl.UserMedias(viewer)
	require.NoError(t, err)
	require.Len(t, sinkMedias, 1)
	assert.Equal(t, medias[0].MediaID, sinkMedias[0].SubscribedTo)

	require.NoError(t, ctrl.Leave(ctx, "r1", publisher))

	_, err = ctrl.UserMedias(publisher)
	assert.Equal(t, core.ErrUserNotFound, errCode(t, err))
	err = ctrl.ConnectSessions(ctx, pubSession, []domain.MediaSessionID{subSession}, domain.MediaTypeAll)
	assert.Equal(t, core.ErrMediaSessionNotFound, errCode(t, err))

	require.NoError(t, ctrl.Leave(ctx, "r1", viewer))
	assert.Empty(t, ctrl.Rooms(), "last leave destroys the room")
}

func TestPublishPerUserThreshold(t *testing.T) {
	ctrl, _ := newTestController(t, Options{MaxSessionsPerUser: 1})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)

	_, _, err = ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	_, _, err = ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	assert.Equal(t, core.ErrThresholdExceeded, errCode(t, err))

	params := PublishParams{Descriptor: publisherOffer}
	params.Options.IgnoreThresholds = true
	_, _, err = ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC, params)
	require.NoError(t, err)
}

func TestPublishPerRoomThreshold(t *testing.T) {
	ctrl, _ := newTestController(t, Options{MaxMediasPerRoom: 1})
	ctx := context.Background()

	u1, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)
	u2, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)

	_, _, err = ctrl.Publish(ctx, "r1", u1, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	_, _, err = ctrl.Publish(ctx, "r1", u2, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	assert.Equal(t, core.ErrThresholdExceeded, errCode(t, err))
}

func TestUnpublishIdempotent(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)
	session, _, err := ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	require.NoError(t, ctrl.Unpublish(ctx, user, session))
	require.NoError(t, ctrl.Unpublish(ctx, user, session))

	medias, err := ctrl.UserMedias(user)
	require.NoError(t, err)
	assert.Empty(t, medias)
}

func TestPublishUnknownUser(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})

	_, _, err := ctrl.Publish(context.Background(), "r1", "ghost", domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	assert.Equal(t, core.ErrUserNotFound, errCode(t, err))
}

func TestSubscribeWithoutSource(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)

	_, _, err = ctrl.Subscribe(ctx, "r1", user, DefaultSourceID, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: subscriberOffer})
	assert.Equal(t, core.ErrMediaSessionNotFound, errCode(t, err))
}

func TestDefaultSourceIsFirstRegistered(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})
	ctx := context.Background()

	var sessions []domain.MediaSessionID
	for i := 0; i < 8; i++ {
		user, err := ctrl.Join(ctx, "r1", "", false)
		require.NoError(t, err)
		id, _, err := ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
			PublishParams{Descriptor: publisherOffer})
		require.NoError(t, err)
		sessions = append(sessions, id)
	}

	room, err := ctrl.Room("r1")
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		source, err := ctrl.resolveSource(room, DefaultSourceID)
		require.NoError(t, err)
		require.Equal(t, sessions[0], source.ID)
	}

	// Removing the earliest session promotes the next oldest.
	first, err := ctrl.session(sessions[0])
	require.NoError(t, err)
	require.NoError(t, ctrl.Unpublish(ctx, first.UserID, sessions[0]))
	source, err := ctrl.resolveSource(room, DefaultSourceID)
	require.NoError(t, err)
	assert.Equal(t, sessions[1], source.ID)
}

func TestRenegotiationPrunesReplacedMedias(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)
	session, _, err := ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	medias, err := ctrl.UserMedias(user)
	require.NoError(t, err)
	require.Len(t, medias, 1)
	stale := medias[0].MediaID

	_, _, err = ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer, Reuse: session})
	require.NoError(t, err)

	medias, err = ctrl.UserMedias(user)
	require.NoError(t, err)
	require.Len(t, medias, 1)
	require.NotEqual(t, stale, medias[0].MediaID)

	// The replaced media must not stay resolvable.
	err = ctrl.AttachMediaListener(string(stale), core.EventMediaState, func(core.Event) {})
	assert.Equal(t, core.ErrMediaNotFound, errCode(t, err))
	require.NoError(t, ctrl.AttachMediaListener(string(medias[0].MediaID),
		core.EventMediaState, func(core.Event) {}))
}

func TestConferenceFloorThroughController(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)
	session, _, err := ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	state, err := ctrl.SetConferenceFloor("r1", string(session))
	require.NoError(t, err)
	require.NotNil(t, state.Floor)

	got, err := ctrl.GetConferenceFloor("r1")
	require.NoError(t, err)
	require.NotNil(t, got.Floor)
	assert.Equal(t, state.Floor.MediaID, got.Floor.MediaID)

	released, err := ctrl.ReleaseConferenceFloor("r1", true)
	require.NoError(t, err)
	assert.Nil(t, released.Floor)
}

func TestStartStopRecording(t *testing.T) {
	ctrl, _ := newTestController(t, Options{
		RecordingFormats: map[string]string{"main": "webm"},
	})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)
	source, _, err := ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	recording, answer, err := ctrl.StartRecording(ctx, "r1", user, string(source),
		"/var/recordings/r1.webm", PublishParams{})
	require.NoError(t, err)
	assert.Equal(t, "/var/recordings/r1.webm", answer)
	assert.NotEqual(t, source, recording)

	require.NoError(t, ctrl.StopRecording(ctx, user, recording))
	require.NoError(t, ctrl.StopRecording(ctx, user, recording))
}

func TestAttachMediaListenerReplaysBacklog(t *testing.T) {
	ctrl, _ := newTestController(t, Options{})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)
	session, _, err := ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	// The loopback backend reported FLOWING during negotiation, before any
	// listener existed. Attaching must replay it.
	var states []string
	require.NoError(t, ctrl.AttachMediaListener(string(session), core.EventMediaState,
		func(ev core.Event) { states = append(states, ev.State) }))
	assert.Equal(t, []string{"FLOWING"}, states)
}

func TestHostOfflineEvictsSessions(t *testing.T) {
	ctrl, bus := newTestController(t, Options{})
	ctx := context.Background()

	user, err := ctrl.Join(ctx, "r1", "", false)
	require.NoError(t, err)
	_, _, err = ctrl.Publish(ctx, "r1", user, domain.SessionTypeWebRTC,
		PublishParams{Descriptor: publisherOffer})
	require.NoError(t, err)

	// Loopback medias carry no host id, so an unrelated host loss must not
	// touch them.
	ctrl.evictHost("host-1")
	medias, err := ctrl.UserMedias(user)
	require.NoError(t, err)
	assert.Len(t, medias, 1)

	// An empty host id on the event is ignored outright.
	ctrl.Start()
	bus.Emit(core.Event{Kind: core.EventHostOffline, HostID: ""})
	medias, err = ctrl.UserMedias(user)
	require.NoError(t, err)
	assert.Len(t, medias, 1)
}
