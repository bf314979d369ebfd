package domain

// CodecSpec constrains one codec offered or accepted during negotiation.
type CodecSpec struct {
	Codec        string `mapstructure:"codec" json:"codec"`
	Priority     int    `mapstructure:"priority" json:"priority"`
	MaxBitrate   int    `mapstructure:"max_bitrate" json:"maxBitrate"`
	MaxFramerate int    `mapstructure:"max_framerate" json:"maxFramerate"`
}

// MediaSpecs is the codec/bandwidth policy applied to a negotiation. A nil
// entry means "no constraint" for that kind.
type MediaSpecs struct {
	Audio   []CodecSpec `mapstructure:"audio" json:"audio,omitempty"`
	Video   []CodecSpec `mapstructure:"video" json:"video,omitempty"`
	Content []CodecSpec `mapstructure:"content" json:"content,omitempty"`
}

// ForKind returns the codec list constraining the given kind.
func (s MediaSpecs) ForKind(t MediaType) []CodecSpec {
	switch t {
	case MediaTypeAudio:
		return s.Audio
	case MediaTypeVideo:
		return s.Video
	case MediaTypeContent:
		return s.Content
	default:
		return nil
	}
}

// AdapterSpec is the resolved form of the caller's adapter option, which on
// the wire is either a bare adapter name or a per-kind map. It is resolved
// exactly once at the signal boundary and never re-sniffed downstream.
type AdapterSpec struct {
	// Name is set for the single-adapter variant.
	Name string
	// Video/Audio/Content are set for the composed variant.
	Video   string
	Audio   string
	Content string
}

// Composed reports whether the spec names per-kind sub-adapters.
func (a AdapterSpec) Composed() bool { return a.Name == "" }

// ForKind returns the adapter name serving the given kind.
func (a AdapterSpec) ForKind(t MediaType) string {
	if !a.Composed() {
		return a.Name
	}
	switch t {
	case MediaTypeVideo:
		return a.Video
	case MediaTypeContent:
		return a.Content
	default:
		return a.Audio
	}
}

// SingleAdapter builds the plain-name variant.
func SingleAdapter(name string) AdapterSpec { return AdapterSpec{Name: name} }

// ComposedAdapter builds the per-kind variant.
func ComposedAdapter(video, audio, content string) AdapterSpec {
	return AdapterSpec{Video: video, Audio: audio, Content: content}
}
