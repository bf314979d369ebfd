// Package sdp wraps pion/sdp with the handful of semantic operations the
// control plane needs. SDP stays an opaque negotiable descriptor everywhere
// else; nothing outside this package touches m-line syntax.
package sdp

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"

	"github.com/mconf/mcs-core/internal/domain"
)

// Sentinel errors; callers map these onto the control-plane error taxonomy.
var (
	ErrUnparseable       = errors.New("unparseable descriptor")
	ErrNoCompatibleCodec = errors.New("no compatible codec")
	ErrNothingToMerge    = errors.New("no descriptor parts to merge")
)

// Descriptor is a parsed session description.
type Descriptor struct {
	sd *psdp.SessionDescription
}

// Parse unmarshals a raw SDP string.
func Parse(raw string) (*Descriptor, error) {
	sd := &psdp.SessionDescription{}
	if err := sd.Unmarshal([]byte(raw)); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}
	return &Descriptor{sd: sd}, nil
}

// Write marshals the descriptor back to its wire form.
func (d *Descriptor) Write() (string, error) {
	b, err := d.sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("%w: marshal failed: %v", ErrUnparseable, err)
	}
	return string(b), nil
}

// kindOf maps one m-line to a domain media type. A second video m-line (or
// one tagged content:slides) is treated as content.
func kindOf(m *psdp.MediaDescription, videoSeen bool) domain.MediaType {
	switch m.MediaName.Media {
	case "audio":
		return domain.MediaTypeAudio
	case "video":
		for _, a := range m.Attributes {
			if a.Key == "content" && strings.Contains(a.Value, "slides") {
				return domain.MediaTypeContent
			}
		}
		if videoSeen {
			return domain.MediaTypeContent
		}
		return domain.MediaTypeVideo
	case "application":
		return domain.MediaTypeApplication
	default:
		return domain.MediaTypeMessage
	}
}

// MediaKinds returns the per-kind direction profile of the descriptor.
func (d *Descriptor) MediaKinds() domain.Profile {
	profile := domain.Profile{}
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		kind := kindOf(m, videoSeen)
		if kind == domain.MediaTypeVideo {
			videoSeen = true
		}
		profile[kind] = directionOf(d.sd, m)
	}
	return profile
}

func directionOf(sd *psdp.SessionDescription, m *psdp.MediaDescription) domain.Direction {
	for _, a := range m.Attributes {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return domain.Direction(a.Key)
		}
	}
	for _, a := range sd.Attributes {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			return domain.Direction(a.Key)
		}
	}
	return domain.DirectionSendRecv
}

// SplitByKind produces one single-kind descriptor per media kind present,
// preserving session-level fields. Backends that cannot bundle heterogeneous
// kinds negotiate each part independently.
func (d *Descriptor) SplitByKind() map[domain.MediaType]*Descriptor {
	out := make(map[domain.MediaType]*Descriptor)
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		kind := kindOf(m, videoSeen)
		if kind == domain.MediaTypeVideo {
			videoSeen = true
		}
		part, ok := out[kind]
		if !ok {
			clone := *d.sd
			clone.MediaDescriptions = nil
			part = &Descriptor{sd: &clone}
			out[kind] = part
		}
		part.sd.MediaDescriptions = append(part.sd.MediaDescriptions, m)
	}
	return out
}

// Merge re-bundles per-kind answers into one descriptor. Parts are appended
// in audio, video, content order so the merged answer lines up with the
// split offer.
func Merge(parts map[domain.MediaType]*Descriptor) (*Descriptor, error) {
	order := []domain.MediaType{
		domain.MediaTypeAudio,
		domain.MediaTypeVideo,
		domain.MediaTypeContent,
		domain.MediaTypeApplication,
	}
	var base *Descriptor
	for _, kind := range order {
		part, ok := parts[kind]
		if !ok {
			continue
		}
		if base == nil {
			clone := *part.sd
			clone.MediaDescriptions = append([]*psdp.MediaDescription(nil), part.sd.MediaDescriptions...)
			base = &Descriptor{sd: &clone}
			continue
		}
		base.sd.MediaDescriptions = append(base.sd.MediaDescriptions, part.sd.MediaDescriptions...)
	}
	if base == nil {
		return nil, ErrNothingToMerge
	}
	return base, nil
}

// FilterCodecs keeps only the payloads whose codec name appears in specs,
// together with their rtpmap/fmtp/rtcp-fb attributes. Empty specs leave the
// m-line untouched. Returns NO_COMPATIBLE_CODEC when filtering would leave
// an m-line without any payload.
func (d *Descriptor) FilterCodecs(specs domain.MediaSpecs) error {
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		kind := kindOf(m, videoSeen)
		if kind == domain.MediaTypeVideo {
			videoSeen = true
		}
		wanted := specs.ForKind(kind)
		if len(wanted) == 0 {
			continue
		}
		keep := map[string]bool{}
		for _, a := range m.Attributes {
			if a.Key != "rtpmap" {
				continue
			}
			pt, name := parseRtpmap(a.Value)
			for _, spec := range wanted {
				if strings.EqualFold(name, spec.Codec) {
					keep[pt] = true
				}
			}
		}
		if len(keep) == 0 {
			return fmt.Errorf("%w: no offered %s codec matches the media specs",
				ErrNoCompatibleCodec, kind)
		}
		var formats []string
		for _, f := range m.MediaName.Formats {
			if keep[f] {
				formats = append(formats, f)
			}
		}
		m.MediaName.Formats = formats
		var attrs []psdp.Attribute
		for _, a := range m.Attributes {
			switch a.Key {
			case "rtpmap", "fmtp", "rtcp-fb":
				pt, _ := parseRtpmap(a.Value)
				if !keep[pt] {
					continue
				}
			}
			attrs = append(attrs, a)
		}
		m.Attributes = attrs
	}
	return nil
}

// parseRtpmap splits "<pt> <codec>/<clock>[/...]" into payload type and
// codec name. Works for fmtp/rtcp-fb values too since both lead with the pt.
func parseRtpmap(value string) (pt, name string) {
	fields := strings.SplitN(value, " ", 2)
	pt = fields[0]
	if len(fields) == 2 {
		name = strings.SplitN(fields[1], "/", 2)[0]
	}
	return pt, name
}

// FilterHeaderExtensions drops extmap attributes whose URI is not in the
// allowlist. A nil allowlist keeps everything.
func (d *Descriptor) FilterHeaderExtensions(allowed []string) {
	if allowed == nil {
		return
	}
	ok := func(value string) bool {
		for _, uri := range allowed {
			if strings.Contains(value, uri) {
				return true
			}
		}
		return false
	}
	for _, m := range d.sd.MediaDescriptions {
		var attrs []psdp.Attribute
		for _, a := range m.Attributes {
			if a.Key == "extmap" && !ok(a.Value) {
				continue
			}
			attrs = append(attrs, a)
		}
		m.Attributes = attrs
	}
}

// ReverseDirections flips sendonly/recvonly attributes, producing the far
// end's view of the same negotiation. Used by loopback answers.
func (d *Descriptor) ReverseDirections() {
	flip := func(attrs []psdp.Attribute) {
		for i, a := range attrs {
			switch a.Key {
			case "sendonly":
				attrs[i].Key = "recvonly"
			case "recvonly":
				attrs[i].Key = "sendonly"
			}
		}
	}
	flip(d.sd.Attributes)
	for _, m := range d.sd.MediaDescriptions {
		flip(m.Attributes)
	}
}

// IsMDNSCandidate reports whether an ICE candidate line points at an mDNS
// hostname. Those are dropped instead of forwarded to backends.
func IsMDNSCandidate(candidate string) bool {
	for _, field := range strings.Fields(candidate) {
		if strings.HasSuffix(field, ".local") {
			return true
		}
	}
	return false
}

// PortOf returns the port of the first m-line, used by plain-RTP plumbing.
func (d *Descriptor) PortOf(kind domain.MediaType) int {
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		k := kindOf(m, videoSeen)
		if k == domain.MediaTypeVideo {
			videoSeen = true
		}
		if k == kind {
			return m.MediaName.Port.Value
		}
	}
	return 0
}

// SetPort rewrites the port of every m-line of the given kind.
func (d *Descriptor) SetPort(kind domain.MediaType, port int) {
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		k := kindOf(m, videoSeen)
		if k == domain.MediaTypeVideo {
			videoSeen = true
		}
		if k == kind {
			m.MediaName.Port = psdp.RangedPort{Value: port}
		}
	}
}

// ConnectionAddress returns the session-level c= address if present.
func (d *Descriptor) ConnectionAddress() string {
	if d.sd.ConnectionInformation != nil && d.sd.ConnectionInformation.Address != nil {
		return d.sd.ConnectionInformation.Address.Address
	}
	return ""
}

// FirstPayloadType returns the leading payload type of the first m-line of
// the given kind, or -1.
func (d *Descriptor) FirstPayloadType(kind domain.MediaType) int {
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		k := kindOf(m, videoSeen)
		if k == domain.MediaTypeVideo {
			videoSeen = true
		}
		if k != kind || len(m.MediaName.Formats) == 0 {
			continue
		}
		if pt, err := strconv.Atoi(m.MediaName.Formats[0]); err == nil {
			return pt
		}
	}
	return -1
}
