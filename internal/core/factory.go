package core

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/sdp"
)

// AdapterRegistry resolves adapter names to their process-wide singleton.
type AdapterRegistry interface {
	Get(name string) (Adapter, error)
}

// MediaFactory builds the concrete MediaSession subtype for a requested
// session kind and owns the composed-adapter splitting logic.
type MediaFactory struct {
	adapters     AdapterRegistry
	bus          *EventBus
	defaultSpecs domain.MediaSpecs
}

func NewMediaFactory(adapters AdapterRegistry, bus *EventBus, defaultSpecs domain.MediaSpecs) *MediaFactory {
	return &MediaFactory{adapters: adapters, bus: bus, defaultSpecs: defaultSpecs}
}

// CreateSession builds a session of the given type. The descriptor is not
// negotiated here; negotiation happens on Start.
func (f *MediaFactory) CreateSession(roomID domain.RoomID, userID domain.UserID,
	sessionType domain.SessionType, role domain.NegotiationRole, opts NegotiateOptions) (*MediaSession, error) {

	if len(opts.MediaSpecs.Audio) == 0 && len(opts.MediaSpecs.Video) == 0 && len(opts.MediaSpecs.Content) == 0 {
		opts.MediaSpecs = f.defaultSpecs
	}

	var s *MediaSession
	switch sessionType {
	case domain.SessionTypeWebRTC, domain.SessionTypeRTP:
		s = newMediaSession(roomID, userID, sessionType, role, opts, f.bus, nil)
		s.negotiate = func(ctx context.Context, descriptor string) ([]*Media, string, error) {
			return f.negotiateSDP(ctx, s, descriptor)
		}
	case domain.SessionTypeRecording:
		s = newMediaSession(roomID, userID, sessionType, role, opts, f.bus, nil)
		s.negotiate = func(ctx context.Context, _ string) ([]*Media, string, error) {
			return f.negotiateRecording(ctx, s)
		}
	case domain.SessionTypeURI:
		s = newMediaSession(roomID, userID, sessionType, role, opts, f.bus, nil)
		s.negotiate = func(ctx context.Context, _ string) ([]*Media, string, error) {
			return f.negotiateURI(ctx, s)
		}
	default:
		return nil, NewErrorf(ErrInvalidMediaType, "unsupported session type %q", sessionType)
	}
	return s, nil
}

// negotiateSDP handles both the single-adapter and composed-adapter cases.
// For composed adapters the offer is split per kind, each kind negotiates on
// its own backend and the partial answers are merged back into one SDP.
func (f *MediaFactory) negotiateSDP(ctx context.Context, s *MediaSession, descriptor string) ([]*Media, string, error) {
	if !s.Options.Adapter.Composed() {
		adapter, err := f.adapters.Get(s.Options.Adapter.Name)
		if err != nil {
			return nil, "", err
		}
		medias, err := adapter.Negotiate(ctx, s.RoomID, s.UserID, s.ID, descriptor, s.Type, s.Options)
		if err != nil {
			return nil, "", err
		}
		f.track(medias, s.Type)
		answer, err := mergeAnswers(medias)
		if err != nil {
			return nil, "", err
		}
		return medias, answer, nil
	}

	desc, err := sdp.Parse(descriptor)
	if err != nil {
		return nil, "", NewError(ErrInvalidSDP, err.Error())
	}
	parts := desc.SplitByKind()
	var all []*Media
	answers := map[domain.MediaType]*sdp.Descriptor{}
	rollback := func() {
		for _, m := range all {
			if serr := m.Stop(ctx); serr != nil {
				log.Warn().Str("module", "core.factory").Str("media", string(m.ID)).
					Err(serr).Msg("rollback stop failed")
			}
		}
	}
	for kind, part := range parts {
		name := s.Options.Adapter.ForKind(kind)
		adapter, err := f.adapters.Get(name)
		if err != nil {
			rollback()
			return nil, "", err
		}
		raw, err := part.Write()
		if err != nil {
			rollback()
			return nil, "", NewError(ErrInvalidSDP, err.Error())
		}
		opts := s.Options
		opts.MediaProfile = kind
		medias, err := adapter.Negotiate(ctx, s.RoomID, s.UserID, s.ID, raw, s.Type, opts)
		if err != nil {
			rollback()
			return nil, "", Normalize(err)
		}
		f.track(medias, s.Type)
		all = append(all, medias...)
		if len(medias) > 0 && medias[0].Answer != "" {
			if d, perr := sdp.Parse(medias[0].Answer); perr == nil {
				answers[kind] = d
			}
		}
	}
	merged, err := sdp.Merge(answers)
	if err != nil {
		rollback()
		return nil, "", NewError(ErrInvalidSDP, err.Error())
	}
	answer, err := merged.Write()
	if err != nil {
		rollback()
		return nil, "", NewError(ErrInvalidSDP, err.Error())
	}
	return all, answer, nil
}

func (f *MediaFactory) negotiateRecording(ctx context.Context, s *MediaSession) ([]*Media, string, error) {
	adapter, err := f.adapters.Get(s.Options.Adapter.ForKind(domain.MediaTypeVideo))
	if err != nil {
		return nil, "", err
	}
	medias, err := adapter.Negotiate(ctx, s.RoomID, s.UserID, s.ID,
		s.Options.RecordingPath, domain.SessionTypeRecording, s.Options)
	if err != nil {
		return nil, "", err
	}
	f.track(medias, domain.SessionTypeRecording)
	for _, m := range medias {
		if err := adapter.StartRecording(ctx, m.ElementID); err != nil {
			for _, mm := range medias {
				if serr := mm.Stop(ctx); serr != nil {
					log.Warn().Str("module", "core.factory").Str("media", string(mm.ID)).
						Err(serr).Msg("recording rollback stop failed")
				}
			}
			return nil, "", Normalize(err)
		}
	}
	return medias, s.Options.RecordingPath, nil
}

func (f *MediaFactory) negotiateURI(ctx context.Context, s *MediaSession) ([]*Media, string, error) {
	adapter, err := f.adapters.Get(s.Options.Adapter.ForKind(domain.MediaTypeVideo))
	if err != nil {
		return nil, "", err
	}
	medias, err := adapter.Negotiate(ctx, s.RoomID, s.UserID, s.ID,
		s.Options.URI, domain.SessionTypeURI, s.Options)
	if err != nil {
		return nil, "", err
	}
	f.track(medias, domain.SessionTypeURI)
	return medias, s.Options.URI, nil
}

func (f *MediaFactory) track(medias []*Media, sessionType domain.SessionType) {
	for _, m := range medias {
		if err := m.adapter.TrackMediaState(m.ElementID, sessionType); err != nil {
			log.Warn().Str("module", "core.factory").Str("element", string(m.ElementID)).
				Err(err).Msg("media state tracking unavailable")
		}
	}
}

// mergeAnswers folds the per-media answers of a single-adapter negotiation
// into one descriptor. One media, or medias sharing one answer, short
// circuit to that answer.
func mergeAnswers(medias []*Media) (string, error) {
	var withAnswers []*Media
	for _, m := range medias {
		if m.Answer != "" {
			withAnswers = append(withAnswers, m)
		}
	}
	switch len(withAnswers) {
	case 0:
		return "", nil
	case 1:
		return withAnswers[0].Answer, nil
	}
	parts := map[domain.MediaType]*sdp.Descriptor{}
	for _, m := range withAnswers {
		d, err := sdp.Parse(m.Answer)
		if err != nil {
			return "", NewError(ErrInvalidSDP, err.Error())
		}
		for kind := range d.MediaKinds() {
			parts[kind] = d
		}
	}
	merged, err := sdp.Merge(parts)
	if err != nil {
		if errors.Is(err, sdp.ErrNothingToMerge) {
			return withAnswers[0].Answer, nil
		}
		return "", NewError(ErrInvalidSDP, err.Error())
	}
	return merged.Write()
}
