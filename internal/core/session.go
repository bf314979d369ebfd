package core

import (
	"context"
	"sync"

	"github.com/looplab/fsm"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/sdp"
)

// Session lifecycle states. Transitions are monotonic within one cycle and
// Stop is idempotent.
const (
	StateStopped  = "STOPPED"
	StateStarting = "STARTING"
	StateStarted  = "STARTED"
	StateStopping = "STOPPING"
)

// negotiateFunc runs the subtype-specific negotiation and returns the child
// medias plus the combined answer descriptor.
type negotiateFunc func(ctx context.Context, descriptor string) ([]*Media, string, error)

// MediaSession aggregates the Media units of one negotiation transaction
// (offer/answer). Subtype behavior (SDP, recording, URI playback) is the
// negotiate strategy installed by the MediaFactory.
type MediaSession struct {
	ID     domain.MediaSessionID
	RoomID domain.RoomID
	UserID domain.UserID
	Type   domain.SessionType
	Role   domain.NegotiationRole

	Options NegotiateOptions

	bus       *EventBus
	negotiate negotiateFunc
	status    *fsm.FSM

	mu          sync.Mutex
	medias      []*Media
	answer      string
	descriptor  string
	muted       bool
	volume      int
	pendingStop bool
}

func newMediaSession(roomID domain.RoomID, userID domain.UserID, sessionType domain.SessionType,
	role domain.NegotiationRole, opts NegotiateOptions, bus *EventBus, negotiate negotiateFunc) *MediaSession {

	s := &MediaSession{
		ID:        domain.MediaSessionID(domain.NewID()),
		RoomID:    roomID,
		UserID:    userID,
		Type:      sessionType,
		Role:      role,
		Options:   opts,
		bus:       bus,
		negotiate: negotiate,
		volume:    50,
	}
	s.status = fsm.NewFSM(StateStopped, fsm.Events{
		{Name: "start", Src: []string{StateStopped}, Dst: StateStarting},
		{Name: "started", Src: []string{StateStarting}, Dst: StateStarted},
		{Name: "stop", Src: []string{StateStarted}, Dst: StateStopping},
		{Name: "stopped", Src: []string{StateStopping, StateStarting}, Dst: StateStopped},
	}, fsm.Callbacks{})
	return s
}

func (s *MediaSession) Status() string { return s.status.Current() }

func (s *MediaSession) Medias() []*Media {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*Media(nil), s.medias...)
}

func (s *MediaSession) Answer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.answer
}

// Start runs the negotiation. A Stop issued while the session is STARTING is
// queued and executed once the start settles, instead of cancelling the
// in-flight negotiation.
func (s *MediaSession) Start(ctx context.Context, descriptor string) (string, error) {
	if err := s.status.Event(ctx, "start"); err != nil {
		return "", NewErrorf(ErrInvalidOperation, "start in state %s", s.status.Current())
	}
	s.mu.Lock()
	s.descriptor = descriptor
	s.mu.Unlock()

	medias, answer, err := s.negotiate(ctx, descriptor)
	if err != nil {
		_ = s.status.Event(ctx, "stopped")
		return "", Normalize(err)
	}

	s.mu.Lock()
	s.medias = medias
	s.answer = answer
	deferred := s.pendingStop
	s.pendingStop = false
	s.mu.Unlock()

	_ = s.status.Event(ctx, "started")
	if deferred {
		log.Debug().Str("module", "core.session").Str("session", string(s.ID)).
			Msg("executing stop queued during start")
		return answer, s.Stop(ctx)
	}
	return answer, nil
}

// Renegotiate reruns negotiation with a fresh descriptor on an already
// started session, replacing its media set.
func (s *MediaSession) Renegotiate(ctx context.Context, descriptor string) (string, error) {
	if s.status.Current() != StateStarted {
		return "", NewErrorf(ErrInvalidOperation, "renegotiate in state %s", s.status.Current())
	}
	medias, answer, err := s.negotiate(ctx, descriptor)
	if err != nil {
		return "", Normalize(err)
	}
	s.mu.Lock()
	old := s.medias
	s.medias = medias
	s.answer = answer
	s.descriptor = descriptor
	s.mu.Unlock()
	for _, m := range old {
		found := false
		for _, nm := range medias {
			if nm.ID == m.ID {
				found = true
				break
			}
		}
		if !found {
			if err := m.Stop(ctx); err != nil {
				log.Warn().Str("module", "core.session").Str("media", string(m.ID)).
					Err(err).Msg("stale media release failed during renegotiation")
			}
		}
	}
	s.bus.Emit(Event{Kind: EventMediaRenegotiated, Identifier: string(s.ID),
		MediaSessionID: s.ID, RoomID: s.RoomID, UserID: s.UserID})
	return answer, nil
}

// Stop tears the session down. No-op unless STARTED or STARTING; a stop
// during STARTING is deferred until the start settles. Child medias are
// stopped sequentially so cleanup order stays predictable; individual
// failures are logged and do not block the rest.
func (s *MediaSession) Stop(ctx context.Context) error {
	switch s.status.Current() {
	case StateStarting:
		s.mu.Lock()
		s.pendingStop = true
		s.mu.Unlock()
		return nil
	case StateStarted:
	default:
		return nil
	}
	if err := s.status.Event(ctx, "stop"); err != nil {
		return nil
	}
	s.mu.Lock()
	medias := append([]*Media(nil), s.medias...)
	s.medias = nil
	s.mu.Unlock()

	for _, m := range medias {
		if err := m.Stop(ctx); err != nil {
			log.Warn().Str("module", "core.session").Str("session", string(s.ID)).
				Str("media", string(m.ID)).Err(err).Msg("media stop failed, continuing teardown")
		}
	}
	_ = s.status.Event(ctx, "stopped")
	return nil
}

// Connect performs a best-effort positional mesh between this session's
// sendable medias and the sink session's receivable medias of the same kind.
// When the sink list is longer the source index wraps back to zero. This is
// a heuristic pairing, not a full bipartite match.
func (s *MediaSession) Connect(ctx context.Context, sink *MediaSession, kind domain.MediaType) error {
	kinds := []domain.MediaType{kind}
	if kind == domain.MediaTypeAll {
		kinds = []domain.MediaType{domain.MediaTypeAudio, domain.MediaTypeVideo, domain.MediaTypeContent}
	}
	for _, k := range kinds {
		sources := s.mediasSending(k)
		sinks := sink.mediasReceiving(k)
		if len(sources) == 0 {
			continue
		}
		for i, dst := range sinks {
			src := sources[i%len(sources)]
			if err := src.Connect(ctx, dst, k); err != nil {
				return err
			}
		}
	}
	return nil
}

// Disconnect undoes Connect with the same pairing rule.
func (s *MediaSession) Disconnect(ctx context.Context, sink *MediaSession, kind domain.MediaType) error {
	kinds := []domain.MediaType{kind}
	if kind == domain.MediaTypeAll {
		kinds = []domain.MediaType{domain.MediaTypeAudio, domain.MediaTypeVideo, domain.MediaTypeContent}
	}
	for _, k := range kinds {
		sources := s.mediasSending(k)
		sinks := sink.mediasReceiving(k)
		if len(sources) == 0 {
			continue
		}
		for i, dst := range sinks {
			src := sources[i%len(sources)]
			if err := src.Disconnect(ctx, dst, k); err != nil {
				return err
			}
		}
	}
	return nil
}

func (s *MediaSession) mediasSending(kind domain.MediaType) []*Media {
	var out []*Media
	for _, m := range s.Medias() {
		if d, ok := m.DirectionOf(kind); ok && d.Sends() {
			out = append(out, m)
		}
	}
	return out
}

func (s *MediaSession) mediasReceiving(kind domain.MediaType) []*Media {
	var out []*Media
	for _, m := range s.Medias() {
		if d, ok := m.DirectionOf(kind); ok && d.Receives() {
			out = append(out, m)
		}
	}
	return out
}

// Mute mutes every child with audio capability. On a mid-loop failure the
// session-level flag is rolled back to its pre-call value; children already
// muted stay muted (kept non-atomic deliberately, see DESIGN.md).
func (s *MediaSession) Mute(ctx context.Context) error {
	s.mu.Lock()
	prev := s.muted
	s.muted = true
	s.mu.Unlock()
	for _, m := range s.Medias() {
		if !m.Has(domain.MediaTypeAudio) {
			continue
		}
		if err := m.Mute(ctx); err != nil {
			s.mu.Lock()
			s.muted = prev
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *MediaSession) Unmute(ctx context.Context) error {
	s.mu.Lock()
	prev := s.muted
	s.muted = false
	s.mu.Unlock()
	for _, m := range s.Medias() {
		if !m.Has(domain.MediaTypeAudio) {
			continue
		}
		if err := m.Unmute(ctx); err != nil {
			s.mu.Lock()
			s.muted = prev
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

// SetVolume fans the volume out to audio children. Volume 0 implies muted;
// a non-zero volume unmutes. Same rollback semantics as Mute.
func (s *MediaSession) SetVolume(ctx context.Context, volume int) error {
	s.mu.Lock()
	prevVolume, prevMuted := s.volume, s.muted
	s.volume = volume
	s.muted = volume == 0
	s.mu.Unlock()
	for _, m := range s.Medias() {
		if !m.Has(domain.MediaTypeAudio) {
			continue
		}
		if err := m.SetVolume(ctx, volume); err != nil {
			s.mu.Lock()
			s.volume, s.muted = prevVolume, prevMuted
			s.mu.Unlock()
			return err
		}
	}
	return nil
}

func (s *MediaSession) DTMF(ctx context.Context, tone string) error {
	for _, m := range s.Medias() {
		if m.Has(domain.MediaTypeAudio) {
			return m.DTMF(ctx, tone)
		}
	}
	return NewError(ErrInvalidOperation, "session has no audio media for dtmf")
}

// AddIceCandidate forwards a remote candidate to the first WebRTC media.
// mDNS candidates are dropped silently.
func (s *MediaSession) AddIceCandidate(ctx context.Context, candidate webrtc.ICECandidateInit) error {
	if sdp.IsMDNSCandidate(candidate.Candidate) {
		log.Debug().Str("module", "core.session").Str("session", string(s.ID)).
			Msg("dropping mDNS candidate")
		return nil
	}
	for _, m := range s.Medias() {
		if m.SessionType == domain.SessionTypeWebRTC {
			if err := m.adapter.AddIceCandidate(ctx, m.ElementID, candidate); err != nil {
				return Normalize(err)
			}
		}
	}
	return nil
}

// ProcessAnswer feeds the remote answer back to the elements when this
// session played the offerer role. Multi-kind answers are split so each
// media only sees the part it negotiated.
func (s *MediaSession) ProcessAnswer(ctx context.Context, answer string) error {
	if s.Role != domain.RoleOfferer {
		return NewError(ErrInvalidOperation, "processAnswer on an answerer session")
	}
	desc, err := sdp.Parse(answer)
	if err != nil {
		return NewError(ErrAnswerProcessFailed, err.Error())
	}
	parts := desc.SplitByKind()
	for _, m := range s.Medias() {
		part := answer
		if len(parts) > 1 {
			for kind, d := range parts {
				if m.Has(kind) {
					if w, werr := d.Write(); werr == nil {
						part = w
					}
					break
				}
			}
		}
		if err := m.adapter.ProcessAnswer(ctx, m.ElementID, part); err != nil {
			return Normalize(err)
		}
	}
	return nil
}
