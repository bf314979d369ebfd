package domain

// MediaType names one negotiable media kind.
type MediaType string

const (
	MediaTypeMain        MediaType = "main"
	MediaTypeAudio       MediaType = "audio"
	MediaTypeVideo       MediaType = "video"
	MediaTypeContent     MediaType = "content"
	MediaTypeApplication MediaType = "application"
	MediaTypeMessage     MediaType = "message"
	MediaTypeAll         MediaType = "all"
)

// Direction is the negotiated flow of one media kind.
type Direction string

const (
	DirectionSendRecv Direction = "sendrecv"
	DirectionSendOnly Direction = "sendonly"
	DirectionRecvOnly Direction = "recvonly"
	DirectionInactive Direction = "inactive"
)

// Reverse maps a direction to its far-end counterpart.
func (d Direction) Reverse() Direction {
	switch d {
	case DirectionSendOnly:
		return DirectionRecvOnly
	case DirectionRecvOnly:
		return DirectionSendOnly
	default:
		return d
	}
}

// Sends reports whether a media with this direction produces outbound packets.
func (d Direction) Sends() bool {
	return d == DirectionSendRecv || d == DirectionSendOnly
}

// Receives reports whether a media with this direction accepts inbound packets.
func (d Direction) Receives() bool {
	return d == DirectionSendRecv || d == DirectionRecvOnly
}

// Profile holds per-kind directions for one media unit. A kind that is
// absent from the map has no capability at all.
type Profile map[MediaType]Direction

// Has reports whether the profile carries the given kind in any direction
// except inactive.
func (p Profile) Has(t MediaType) bool {
	d, ok := p[t]
	return ok && d != DirectionInactive
}

// SessionType tags the concrete MediaSession subtype.
type SessionType string

const (
	SessionTypeWebRTC      SessionType = "WebRtcSession"
	SessionTypeRTP         SessionType = "RtpSession"
	SessionTypeRecording   SessionType = "RecordingSession"
	SessionTypeURI         SessionType = "UriSession"
	SessionTypeUnsupported SessionType = "UnsupportedSession"
)

// NegotiationRole distinguishes who produced the SDP offer.
type NegotiationRole string

const (
	RoleOfferer  NegotiationRole = "offerer"
	RoleAnswerer NegotiationRole = "answerer"
)
