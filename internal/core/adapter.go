package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/mconf/mcs-core/internal/domain"
)

// NegotiateOptions carries everything a backend may need to build the media
// path for one session. Adapter-specific fields are ignored by backends that
// do not implement them.
type NegotiateOptions struct {
	// Profiles is the requested per-kind direction map.
	Profiles domain.Profile
	// MediaSpecs constrains codec selection.
	MediaSpecs domain.MediaSpecs
	// MediaProfile restricts negotiation to one kind (audio-only etc).
	MediaProfile domain.MediaType
	// Adapter is the resolved adapter selection (single or composed).
	Adapter domain.AdapterSpec
	// Name is the caller-visible stream label.
	Name string
	// Strategy tags the session for floor-switching handlers.
	Strategy string
	// RecordingPath / RecordingFormat drive recording sessions.
	RecordingPath   string
	RecordingFormat string
	// URI drives playback sessions.
	URI string
	// SourceElement points a recording/consumer at its producer element.
	SourceElement domain.ElementID
	// SplitTransport asks for one transport per media kind.
	SplitTransport bool
	// DedicatedRouter bypasses router reuse (codec-exact negotiations).
	DedicatedRouter bool
	// HeaderExtensionAllowlist filters offered RTP header extensions.
	HeaderExtensionAllowlist []string
	// IgnoreThresholds opts this request out of per-user/per-room media
	// count enforcement.
	IgnoreThresholds bool
}

// Adapter is the capability contract every backend implements. Adapters are
// process-wide singletons constructed once in main and shared across rooms.
//
// Every error leaving an adapter is normalized into an *MCSError with a code
// inside the reserved range.
type Adapter interface {
	Name() string

	// Negotiate creates the backend elements for one session and returns one
	// Media per negotiated unit, answer descriptors attached.
	Negotiate(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
		sessionID domain.MediaSessionID, descriptor string,
		sessionType domain.SessionType, opts NegotiateOptions) ([]*Media, error)

	Connect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error
	Disconnect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error

	// Stop releases a single element and whatever backend resources only it
	// held. Idempotent.
	Stop(ctx context.Context, roomID domain.RoomID, sessionType domain.SessionType, elementID domain.ElementID) error

	AddIceCandidate(ctx context.Context, elementID domain.ElementID, candidate webrtc.ICECandidateInit) error

	ProcessOffer(ctx context.Context, elementID domain.ElementID, offer string, opts NegotiateOptions) (string, error)
	ProcessAnswer(ctx context.Context, elementID domain.ElementID, answer string) error
	GenerateOffer(ctx context.Context, elementID domain.ElementID) (string, error)

	StartRecording(ctx context.Context, elementID domain.ElementID) error
	StopRecording(ctx context.Context, elementID domain.ElementID) error

	// TrackMediaState subscribes to backend state changes for the element and
	// republishes them on the event bus keyed by the element id.
	TrackMediaState(elementID domain.ElementID, sessionType domain.SessionType) error

	SetVolume(ctx context.Context, elementID domain.ElementID, volume int) error
	Mute(ctx context.Context, elementID domain.ElementID) error
	Unmute(ctx context.Context, elementID domain.ElementID) error
	DTMF(ctx context.Context, elementID domain.ElementID, tone string) error
}
