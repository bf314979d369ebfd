package sdp

import (
	"fmt"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"

	"github.com/mconf/mcs-core/internal/domain"
)

// CodecInfo is one negotiated payload of an m-line.
type CodecInfo struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int
	Fmtp        string
}

// Fingerprint is a DTLS certificate fingerprint.
type Fingerprint struct {
	Algorithm string
	Value     string
}

// Candidate is one ICE candidate to advertise in an answer.
type Candidate struct {
	Foundation string
	Priority   uint32
	IP         string
	Protocol   string
	Port       int
	Type       string
}

// Codecs lists the payloads of the first m-line of a kind, in format order.
func (d *Descriptor) Codecs(kind domain.MediaType) []CodecInfo {
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		k := kindOf(m, videoSeen)
		if k == domain.MediaTypeVideo {
			videoSeen = true
		}
		if k != kind {
			continue
		}
		rtpmaps := map[string]string{}
		fmtps := map[string]string{}
		for _, a := range m.Attributes {
			pt, rest := splitValue(a.Value)
			switch a.Key {
			case "rtpmap":
				rtpmaps[pt] = rest
			case "fmtp":
				fmtps[pt] = rest
			}
		}
		var codecs []CodecInfo
		for _, f := range m.MediaName.Formats {
			entry, ok := rtpmaps[f]
			if !ok {
				continue
			}
			pt, _ := strconv.Atoi(f)
			info := CodecInfo{PayloadType: pt, Channels: 1, Fmtp: fmtps[f]}
			parts := strings.Split(entry, "/")
			info.Name = parts[0]
			if len(parts) > 1 {
				info.ClockRate, _ = strconv.Atoi(parts[1])
			}
			if len(parts) > 2 {
				info.Channels, _ = strconv.Atoi(parts[2])
			}
			codecs = append(codecs, info)
		}
		return codecs
	}
	return nil
}

func splitValue(value string) (first, rest string) {
	fields := strings.SplitN(value, " ", 2)
	first = fields[0]
	if len(fields) == 2 {
		rest = fields[1]
	}
	return first, rest
}

// DTLSFingerprint returns the remote fingerprint, media level taking
// precedence over session level.
func (d *Descriptor) DTLSFingerprint() (Fingerprint, bool) {
	parse := func(value string) (Fingerprint, bool) {
		alg, val := splitValue(value)
		if alg == "" || val == "" {
			return Fingerprint{}, false
		}
		return Fingerprint{Algorithm: alg, Value: val}, true
	}
	for _, m := range d.sd.MediaDescriptions {
		for _, a := range m.Attributes {
			if a.Key == "fingerprint" {
				return parse(a.Value)
			}
		}
	}
	for _, a := range d.sd.Attributes {
		if a.Key == "fingerprint" {
			return parse(a.Value)
		}
	}
	return Fingerprint{}, false
}

// SSRC returns the first synchronization source announced for a kind, or 0.
func (d *Descriptor) SSRC(kind domain.MediaType) uint32 {
	videoSeen := false
	for _, m := range d.sd.MediaDescriptions {
		k := kindOf(m, videoSeen)
		if k == domain.MediaTypeVideo {
			videoSeen = true
		}
		if k != kind {
			continue
		}
		for _, a := range m.Attributes {
			if a.Key != "ssrc" {
				continue
			}
			first, _ := splitValue(a.Value)
			if ssrc, err := strconv.ParseUint(first, 10, 32); err == nil {
				return uint32(ssrc)
			}
		}
	}
	return 0
}

// WebRTCAnswer carries the local transport facts embedded into an answer.
type WebRTCAnswer struct {
	IceUfrag    string
	IcePwd      string
	IceLite     bool
	Setup       string
	Fingerprint Fingerprint
	Candidates  []Candidate
}

// ApplyWebRTCAnswer rewrites this descriptor in place into the local answer:
// directions reversed, remote ICE/DTLS facts replaced by ours, candidates
// appended. Callers pass a freshly parsed copy, not the live offer.
func (d *Descriptor) ApplyWebRTCAnswer(a WebRTCAnswer) {
	d.ReverseDirections()

	strip := func(attrs []psdp.Attribute) []psdp.Attribute {
		var kept []psdp.Attribute
		for _, attr := range attrs {
			switch attr.Key {
			case "ice-ufrag", "ice-pwd", "ice-options", "ice-lite",
				"fingerprint", "setup", "candidate", "end-of-candidates":
				continue
			}
			kept = append(kept, attr)
		}
		return kept
	}
	d.sd.Attributes = strip(d.sd.Attributes)
	if a.IceLite {
		d.sd.Attributes = append(d.sd.Attributes, psdp.Attribute{Key: "ice-lite"})
	}

	setup := a.Setup
	if setup == "" {
		setup = "active"
	}
	for _, m := range d.sd.MediaDescriptions {
		m.Attributes = strip(m.Attributes)
		m.Attributes = append(m.Attributes,
			psdp.Attribute{Key: "ice-ufrag", Value: a.IceUfrag},
			psdp.Attribute{Key: "ice-pwd", Value: a.IcePwd},
			psdp.Attribute{Key: "fingerprint", Value: a.Fingerprint.Algorithm + " " + a.Fingerprint.Value},
			psdp.Attribute{Key: "setup", Value: setup},
		)
		for i, c := range a.Candidates {
			m.Attributes = append(m.Attributes, psdp.Attribute{
				Key: "candidate",
				Value: fmt.Sprintf("%s 1 %s %d %s %d typ %s",
					candidateFoundation(c, i), c.Protocol, c.Priority, c.IP, c.Port, c.Type),
			})
		}
		m.Attributes = append(m.Attributes, psdp.Attribute{Key: "end-of-candidates"})
		if len(a.Candidates) > 0 {
			m.MediaName.Port = psdp.RangedPort{Value: a.Candidates[0].Port}
			m.ConnectionInformation = &psdp.ConnectionInformation{
				NetworkType: "IN",
				AddressType: "IP4",
				Address:     &psdp.Address{Address: a.Candidates[0].IP},
			}
		}
	}
}

func candidateFoundation(c Candidate, idx int) string {
	if c.Foundation != "" {
		return c.Foundation
	}
	return strconv.Itoa(idx + 1)
}
