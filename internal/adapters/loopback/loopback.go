// Package loopback implements the adapter contract entirely in memory. It
// backs development setups without a media server and doubles as the test
// backend for the control plane.
package loopback

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/sdp"
)

const AdapterName = "loopback"

type element struct {
	id          domain.ElementID
	roomID      domain.RoomID
	sessionType domain.SessionType
	profile     domain.Profile
	descriptor  string

	mu       sync.Mutex
	sinks    map[domain.ElementID]domain.MediaType
	muted    bool
	volume   int
	recoding bool
}

// Adapter is the loopback backend.
type Adapter struct {
	bus *core.EventBus

	mu       sync.Mutex
	elements map[domain.ElementID]*element
}

func New(bus *core.EventBus) *Adapter {
	return &Adapter{bus: bus, elements: make(map[domain.ElementID]*element)}
}

func (a *Adapter) Name() string { return AdapterName }

func (a *Adapter) Negotiate(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, descriptor string, sessionType domain.SessionType,
	opts core.NegotiateOptions) ([]*core.Media, error) {

	profile := domain.Profile{}
	answer := descriptor
	switch sessionType {
	case domain.SessionTypeWebRTC, domain.SessionTypeRTP:
		desc, err := sdp.Parse(descriptor)
		if err != nil {
			return nil, core.NewError(core.ErrInvalidSDP, err.Error())
		}
		if err := desc.FilterCodecs(opts.MediaSpecs); err != nil {
			return nil, core.NewError(core.ErrNoCompatibleCodec, err.Error())
		}
		desc.FilterHeaderExtensions(opts.HeaderExtensionAllowlist)
		desc.ReverseDirections()
		if answer, err = desc.Write(); err != nil {
			return nil, core.NewError(core.ErrInvalidSDP, err.Error())
		}
		for kind, dir := range desc.MediaKinds() {
			profile[kind] = dir.Reverse()
		}
	case domain.SessionTypeRecording:
		profile[domain.MediaTypeVideo] = domain.DirectionRecvOnly
		profile[domain.MediaTypeAudio] = domain.DirectionRecvOnly
	case domain.SessionTypeURI:
		profile[domain.MediaTypeVideo] = domain.DirectionSendOnly
		profile[domain.MediaTypeAudio] = domain.DirectionSendOnly
	default:
		return nil, core.NewErrorf(core.ErrInvalidMediaType, "loopback cannot negotiate %q", sessionType)
	}

	el := &element{
		id:          domain.ElementID(domain.NewID()),
		roomID:      roomID,
		sessionType: sessionType,
		profile:     profile,
		descriptor:  descriptor,
		sinks:       make(map[domain.ElementID]domain.MediaType),
		volume:      50,
	}
	a.mu.Lock()
	if _, dup := a.elements[el.id]; dup {
		a.mu.Unlock()
		return nil, core.NewErrorf(core.ErrIDCollision, "duplicate element id %s", el.id)
	}
	a.elements[el.id] = el
	a.mu.Unlock()

	media := core.NewMedia(roomID, userID, sessionID, sessionType, a, el.id, "", profile, a.bus)
	media.Answer = answer
	return []*core.Media{media}, nil
}

func (a *Adapter) get(id domain.ElementID) (*element, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.elements[id]
	if !ok {
		return nil, core.NewErrorf(core.ErrMediaNotFound, "element %s not found", id)
	}
	return el, nil
}

func (a *Adapter) Connect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	src, err := a.get(source)
	if err != nil {
		return err
	}
	if _, err := a.get(sink); err != nil {
		return err
	}
	src.mu.Lock()
	src.sinks[sink] = kind
	src.mu.Unlock()
	return nil
}

func (a *Adapter) Disconnect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	src, err := a.get(source)
	if err != nil {
		return err
	}
	src.mu.Lock()
	delete(src.sinks, sink)
	src.mu.Unlock()
	return nil
}

func (a *Adapter) Stop(ctx context.Context, roomID domain.RoomID, sessionType domain.SessionType, elementID domain.ElementID) error {
	a.mu.Lock()
	delete(a.elements, elementID)
	a.mu.Unlock()
	return nil
}

func (a *Adapter) AddIceCandidate(ctx context.Context, elementID domain.ElementID, candidate webrtc.ICECandidateInit) error {
	_, err := a.get(elementID)
	return err
}

func (a *Adapter) ProcessOffer(ctx context.Context, elementID domain.ElementID, offer string, opts core.NegotiateOptions) (string, error) {
	el, err := a.get(elementID)
	if err != nil {
		return "", err
	}
	desc, perr := sdp.Parse(offer)
	if perr != nil {
		return "", core.NewError(core.ErrOfferProcessFailed, perr.Error())
	}
	desc.ReverseDirections()
	el.descriptor = offer
	return desc.Write()
}

func (a *Adapter) ProcessAnswer(ctx context.Context, elementID domain.ElementID, answer string) error {
	_, err := a.get(elementID)
	return err
}

func (a *Adapter) GenerateOffer(ctx context.Context, elementID domain.ElementID) (string, error) {
	el, err := a.get(elementID)
	if err != nil {
		return "", err
	}
	return el.descriptor, nil
}

func (a *Adapter) StartRecording(ctx context.Context, elementID domain.ElementID) error {
	el, err := a.get(elementID)
	if err != nil {
		return err
	}
	el.mu.Lock()
	el.recoding = true
	el.mu.Unlock()
	return nil
}

func (a *Adapter) StopRecording(ctx context.Context, elementID domain.ElementID) error {
	el, err := a.get(elementID)
	if err != nil {
		return err
	}
	el.mu.Lock()
	el.recoding = false
	el.mu.Unlock()
	return nil
}

// TrackMediaState immediately reports the element flowing; the loopback
// backend has no asynchronous media path to wait for.
func (a *Adapter) TrackMediaState(elementID domain.ElementID, sessionType domain.SessionType) error {
	a.bus.Emit(core.Event{
		Kind:       core.EventMediaState,
		Identifier: string(elementID),
		State:      "FLOWING",
	})
	return nil
}

func (a *Adapter) SetVolume(ctx context.Context, elementID domain.ElementID, volume int) error {
	el, err := a.get(elementID)
	if err != nil {
		return err
	}
	el.mu.Lock()
	el.volume = volume
	el.muted = volume == 0
	el.mu.Unlock()
	return nil
}

func (a *Adapter) Mute(ctx context.Context, elementID domain.ElementID) error {
	el, err := a.get(elementID)
	if err != nil {
		return err
	}
	el.mu.Lock()
	el.muted = true
	el.mu.Unlock()
	return nil
}

func (a *Adapter) Unmute(ctx context.Context, elementID domain.ElementID) error {
	el, err := a.get(elementID)
	if err != nil {
		return err
	}
	el.mu.Lock()
	el.muted = false
	el.mu.Unlock()
	return nil
}

func (a *Adapter) DTMF(ctx context.Context, elementID domain.ElementID, tone string) error {
	if _, err := a.get(elementID); err != nil {
		return err
	}
	log.Debug().Str("module", "adapters.loopback").Str("element", string(elementID)).
		Str("tone", tone).Msg("dtmf swallowed")
	return nil
}
