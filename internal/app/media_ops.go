package app

import (
	"context"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/metrics"
)

// Start wires the controller to infrastructure events. Host losses and
// backend restarts require a structural sweep that only the owner of the
// media indices can do.
func (c *MediaController) Start() {
	c.bus.Subscribe(core.EventHostOffline, "", func(ev core.Event) {
		go c.evictHost(ev.HostID)
	})
	c.bus.Subscribe(core.EventRestarted, "", func(ev core.Event) {
		go c.evictHost(ev.HostID)
	})
}

// evictHost stops every session that had at least one media on the lost
// host. Adapters have already released their element state; this pass keeps
// the registries and rooms consistent and notifies subscribers.
func (c *MediaController) evictHost(hostID domain.HostID) {
	if hostID == "" {
		return
	}
	c.mu.RLock()
	var doomed []*core.MediaSession
	seen := make(map[domain.MediaSessionID]bool)
	for _, m := range c.medias {
		if m.HostID == hostID && !seen[m.MediaSessionID] {
			seen[m.MediaSessionID] = true
			if s, ok := c.sessions[m.MediaSessionID]; ok {
				doomed = append(doomed, s)
			}
		}
	}
	c.mu.RUnlock()
	if len(doomed) == 0 {
		return
	}
	log.Warn().Str("module", "app.controller").Str("host", string(hostID)).
		Int("sessions", len(doomed)).Msg("evicting sessions from lost host")
	for _, s := range doomed {
		if err := c.Unpublish(context.Background(), s.UserID, s.ID); err != nil {
			log.Warn().Str("module", "app.controller").Str("session", string(s.ID)).
				Err(err).Msg("host eviction stop failed")
		}
	}
}

// ConnectSessions pipes one source session into each sink for the given
// kind. Partial failure stops at the first broken sink.
func (c *MediaController) ConnectSessions(ctx context.Context, sourceID domain.MediaSessionID,
	sinkIDs []domain.MediaSessionID, kind domain.MediaType) error {

	source, err := c.session(sourceID)
	if err != nil {
		return err
	}
	for _, sinkID := range sinkIDs {
		sink, err := c.session(sinkID)
		if err != nil {
			return err
		}
		if err := source.Connect(ctx, sink, kind); err != nil {
			return err
		}
	}
	return nil
}

// DisconnectSessions undoes ConnectSessions for the given sinks.
func (c *MediaController) DisconnectSessions(ctx context.Context, sourceID domain.MediaSessionID,
	sinkIDs []domain.MediaSessionID, kind domain.MediaType) error {

	source, err := c.session(sourceID)
	if err != nil {
		return err
	}
	for _, sinkID := range sinkIDs {
		sink, err := c.session(sinkID)
		if err != nil {
			return err
		}
		if err := source.Disconnect(ctx, sink, kind); err != nil {
			return err
		}
	}
	return nil
}

func (c *MediaController) AddIceCandidate(ctx context.Context, sessionID domain.MediaSessionID,
	candidate webrtc.ICECandidateInit) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return session.AddIceCandidate(ctx, candidate)
}

// ProcessAnswer completes negotiation for an offerer-role session.
func (c *MediaController) ProcessAnswer(ctx context.Context, sessionID domain.MediaSessionID,
	answer string) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return session.ProcessAnswer(ctx, answer)
}

// StartRecording spins a recording session fed by the source session. The
// descriptor is the destination path; the returned id stops the recording.
func (c *MediaController) StartRecording(ctx context.Context, roomID domain.RoomID,
	userID domain.UserID, sourceID string, path string,
	params PublishParams) (domain.MediaSessionID, string, error) {

	room, err := c.Room(roomID)
	if err != nil {
		return "", "", err
	}
	source, err := c.resolveSource(room, sourceID)
	if err != nil {
		return "", "", err
	}
	if params.Options.SourceElement == "" {
		element, ok := sendingElement(source)
		if !ok {
			return "", "", core.NewErrorf(core.ErrInvalidOperation,
				"session %s has nothing to record", source.ID)
		}
		params.Options.SourceElement = element
	}
	params.Options.RecordingPath = path
	if params.Options.RecordingFormat == "" {
		profile := string(domain.MediaTypeMain)
		if params.Options.MediaProfile != "" {
			profile = string(params.Options.MediaProfile)
		}
		params.Options.RecordingFormat = c.opts.RecordingFormats[profile]
	}
	// Recording inherits the source's backend unless explicitly overridden.
	if params.Options.Adapter == (domain.AdapterSpec{}) {
		if medias := source.Medias(); len(medias) > 0 {
			params.Options.Adapter = domain.SingleAdapter(medias[0].Adapter().Name())
		}
	}
	id, answer, err := c.Publish(ctx, roomID, userID, domain.SessionTypeRecording, params)
	if err != nil {
		return "", "", err
	}
	metrics.RecordingsStarted.Inc()
	return id, answer, nil
}

// StopRecording stops a recording session.
func (c *MediaController) StopRecording(ctx context.Context, userID domain.UserID,
	recordingID domain.MediaSessionID) error {
	return c.Unpublish(ctx, userID, recordingID)
}

// resolveFloorMedia accepts either a media id or a session id. For a
// session, the first video-capable sending media wins, then any media.
func (c *MediaController) resolveFloorMedia(id string) (*core.Media, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if m, ok := c.medias[domain.MediaID(id)]; ok {
		return m, nil
	}
	s, ok := c.sessions[domain.MediaSessionID(id)]
	if !ok {
		return nil, core.NewErrorf(core.ErrMediaNotFound, "media %s not found", id)
	}
	medias := s.Medias()
	for _, m := range medias {
		if d, ok := m.DirectionOf(domain.MediaTypeVideo); ok && d.Sends() {
			return m, nil
		}
	}
	if len(medias) == 0 {
		return nil, core.NewErrorf(core.ErrMediaNotFound, "session %s has no media", id)
	}
	return medias[0], nil
}

func (c *MediaController) SetConferenceFloor(roomID domain.RoomID, mediaID string) (core.FloorState, error) {
	room, err := c.Room(roomID)
	if err != nil {
		return core.FloorState{}, err
	}
	media, err := c.resolveFloorMedia(mediaID)
	if err != nil {
		return core.FloorState{}, err
	}
	return room.SetConferenceFloor(media), nil
}

func (c *MediaController) ReleaseConferenceFloor(roomID domain.RoomID, preserve bool) (core.FloorState, error) {
	room, err := c.Room(roomID)
	if err != nil {
		return core.FloorState{}, err
	}
	return room.ReleaseConferenceFloor(preserve), nil
}

func (c *MediaController) GetConferenceFloor(roomID domain.RoomID) (core.FloorState, error) {
	room, err := c.Room(roomID)
	if err != nil {
		return core.FloorState{}, err
	}
	return room.ConferenceFloor(), nil
}

func (c *MediaController) SetContentFloor(roomID domain.RoomID, mediaID string) (core.FloorState, error) {
	room, err := c.Room(roomID)
	if err != nil {
		return core.FloorState{}, err
	}
	media, err := c.resolveFloorMedia(mediaID)
	if err != nil {
		return core.FloorState{}, err
	}
	return room.SetContentFloor(media), nil
}

func (c *MediaController) ReleaseContentFloor(roomID domain.RoomID, preserve bool) (core.FloorState, error) {
	room, err := c.Room(roomID)
	if err != nil {
		return core.FloorState{}, err
	}
	return room.ReleaseContentFloor(preserve), nil
}

func (c *MediaController) GetContentFloor(roomID domain.RoomID) (core.FloorState, error) {
	room, err := c.Room(roomID)
	if err != nil {
		return core.FloorState{}, err
	}
	return room.ContentFloor(), nil
}

func (c *MediaController) SetVolume(ctx context.Context, sessionID domain.MediaSessionID, volume int) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return session.SetVolume(ctx, volume)
}

func (c *MediaController) Mute(ctx context.Context, sessionID domain.MediaSessionID) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return session.Mute(ctx)
}

func (c *MediaController) Unmute(ctx context.Context, sessionID domain.MediaSessionID) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return session.Unmute(ctx)
}

func (c *MediaController) DTMF(ctx context.Context, sessionID domain.MediaSessionID, tone string) error {
	session, err := c.session(sessionID)
	if err != nil {
		return err
	}
	return session.DTMF(ctx, tone)
}

// UserRoom reports which room a user lives in.
func (c *MediaController) UserRoom(userID domain.UserID) (domain.RoomID, error) {
	user, err := c.user(userID)
	if err != nil {
		return "", err
	}
	return user.RoomID, nil
}

// AttachMediaListener binds an event consumer to a media (or to every media
// of a session), draining the replay queue so the caller observes a gapless
// stream from element creation.
func (c *MediaController) AttachMediaListener(id string, kind core.EventKind, fn core.Handler) error {
	c.mu.RLock()
	var targets []*core.Media
	if m, ok := c.medias[domain.MediaID(id)]; ok {
		targets = append(targets, m)
	} else if s, ok := c.sessions[domain.MediaSessionID(id)]; ok {
		targets = s.Medias()
	}
	c.mu.RUnlock()
	if len(targets) == 0 {
		return core.NewErrorf(core.ErrMediaNotFound, "media %s not found", id)
	}
	for _, m := range targets {
		m.OnEvent(kind, fn)
	}
	return nil
}

// Rooms snapshots every active room.
func (c *MediaController) Rooms() []domain.RoomInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]domain.RoomInfo, 0, len(c.rooms))
	for _, r := range c.rooms {
		out = append(out, r.Info())
	}
	return out
}

// Users snapshots the users of one room.
func (c *MediaController) Users(roomID domain.RoomID) ([]domain.UserInfo, error) {
	room, err := c.Room(roomID)
	if err != nil {
		return nil, err
	}
	users := room.Users()
	out := make([]domain.UserInfo, 0, len(users))
	for _, u := range users {
		out = append(out, u.Info())
	}
	return out, nil
}

// UserMedias snapshots the media units a user currently holds.
func (c *MediaController) UserMedias(userID domain.UserID) ([]domain.MediaInfo, error) {
	user, err := c.user(userID)
	if err != nil {
		return nil, err
	}
	var out []domain.MediaInfo
	for _, s := range user.Sessions() {
		for _, m := range s.Medias() {
			out = append(out, m.Info())
		}
	}
	return out, nil
}
