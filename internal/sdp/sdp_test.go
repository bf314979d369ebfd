package sdp

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/domain"
)

const offer = "v=0\r\n" +
	"o=- 20518 0 IN IP4 203.0.113.1\r\n" +
	"s=-\r\n" +
	"c=IN IP4 203.0.113.1\r\n" +
	"t=0 0\r\n" +
	"m=audio 5004 UDP/TLS/RTP/SAVPF 111 8\r\n" +
	"a=rtpmap:111 opus/48000/2\r\n" +
	"a=rtpmap:8 PCMA/8000\r\n" +
	"a=extmap:1 urn:ietf:params:rtp-hdrext:ssrc-audio-level\r\n" +
	"a=sendrecv\r\n" +
	"m=video 5006 UDP/TLS/RTP/SAVPF 96 97\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:97 H264/90000\r\n" +
	"a=fmtp:97 profile-level-id=42e01f\r\n" +
	"a=extmap:3 http://www.webrtc.org/experiments/rtp-hdrext/abs-send-time\r\n" +
	"a=sendonly\r\n" +
	"m=video 5008 UDP/TLS/RTP/SAVPF 96\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=content:slides\r\n" +
	"a=recvonly\r\n"

func TestParseRejectsGarbage(t *testing.T) {
	_, err := Parse("not an sdp")
	require.ErrorIs(t, err, ErrUnparseable)
}

func TestMediaKinds(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)

	assert.Equal(t, domain.Profile{
		domain.MediaTypeAudio:   domain.DirectionSendRecv,
		domain.MediaTypeVideo:   domain.DirectionSendOnly,
		domain.MediaTypeContent: domain.DirectionRecvOnly,
	}, d.MediaKinds())
}

func TestSecondVideoLineIsContent(t *testing.T) {
	raw := "v=0\r\n" +
		"o=- 1 0 IN IP4 127.0.0.1\r\n" +
		"s=-\r\n" +
		"t=0 0\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"a=rtpmap:96 VP8/90000\r\n" +
		"m=video 9 UDP/TLS/RTP/SAVPF 96\r\n" +
		"a=rtpmap:96 VP8/90000\r\n"
	d, err := Parse(raw)
	require.NoError(t, err)

	kinds := d.MediaKinds()
	assert.Contains(t, kinds, domain.MediaTypeVideo)
	assert.Contains(t, kinds, domain.MediaTypeContent)
}

func TestFilterCodecsKeepsMatching(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)

	err = d.FilterCodecs(domain.MediaSpecs{
		Audio: []domain.CodecSpec{{Codec: "opus"}},
		Video: []domain.CodecSpec{{Codec: "VP8"}},
	})
	require.NoError(t, err)

	out, err := d.Write()
	require.NoError(t, err)
	assert.Contains(t, out, "m=audio 5004 UDP/TLS/RTP/SAVPF 111\r\n")
	assert.NotContains(t, out, "PCMA")
	assert.Contains(t, out, "m=video 5006 UDP/TLS/RTP/SAVPF 96\r\n")
	assert.NotContains(t, out, "H264")
	assert.NotContains(t, out, "profile-level-id")
}

func TestFilterCodecsCaseInsensitive(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)
	err = d.FilterCodecs(domain.MediaSpecs{Video: []domain.CodecSpec{{Codec: "vp8"}}})
	require.NoError(t, err)
}

func TestFilterCodecsNoMatch(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)

	err = d.FilterCodecs(domain.MediaSpecs{Audio: []domain.CodecSpec{{Codec: "G722"}}})
	require.ErrorIs(t, err, ErrNoCompatibleCodec)
}

func TestFilterHeaderExtensions(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)

	d.FilterHeaderExtensions([]string{"ssrc-audio-level"})
	out, err := d.Write()
	require.NoError(t, err)
	assert.Contains(t, out, "ssrc-audio-level")
	assert.NotContains(t, out, "abs-send-time")

	// A nil allowlist disables filtering entirely.
	d2, err := Parse(offer)
	require.NoError(t, err)
	d2.FilterHeaderExtensions(nil)
	out2, err := d2.Write()
	require.NoError(t, err)
	assert.Contains(t, out2, "abs-send-time")
}

func TestReverseDirections(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)

	d.ReverseDirections()
	kinds := d.MediaKinds()
	assert.Equal(t, domain.DirectionSendRecv, kinds[domain.MediaTypeAudio])
	assert.Equal(t, domain.DirectionRecvOnly, kinds[domain.MediaTypeVideo])
	assert.Equal(t, domain.DirectionSendOnly, kinds[domain.MediaTypeContent])
}

func TestSplitAndMergeRoundTrip(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)

	parts := d.SplitByKind()
	require.Len(t, parts, 3)
	for kind, part := range parts {
		raw, err := part.Write()
		require.NoError(t, err)
		// Each part carries exactly its own m-line.
		assert.Equal(t, 1, strings.Count(raw, "m="), kind)
	}

	merged, err := Merge(parts)
	require.NoError(t, err)
	out, err := merged.Write()
	require.NoError(t, err)
	assert.Equal(t, 3, strings.Count(out, "m="))
	// Audio comes first in the merged answer.
	assert.Less(t, strings.Index(out, "m=audio"), strings.Index(out, "m=video"))
}

func TestMergeEmpty(t *testing.T) {
	_, err := Merge(nil)
	require.ErrorIs(t, err, ErrNothingToMerge)
}

func TestIsMDNSCandidate(t *testing.T) {
	assert.True(t, IsMDNSCandidate("candidate:1 1 UDP 2122252543 f2c36493-7812-4b11.local 40000 typ host"))
	assert.False(t, IsMDNSCandidate("candidate:1 1 UDP 2122252543 192.0.2.1 40000 typ host"))
}

func TestPortAccessors(t *testing.T) {
	d, err := Parse(offer)
	require.NoError(t, err)

	assert.Equal(t, 5004, d.PortOf(domain.MediaTypeAudio))
	assert.Equal(t, 5006, d.PortOf(domain.MediaTypeVideo))
	assert.Equal(t, 0, d.PortOf(domain.MediaTypeApplication))

	d.SetPort(domain.MediaTypeAudio, 40000)
	assert.Equal(t, 40000, d.PortOf(domain.MediaTypeAudio))

	assert.Equal(t, "203.0.113.1", d.ConnectionAddress())
	assert.Equal(t, 111, d.FirstPayloadType(domain.MediaTypeAudio))
	assert.Equal(t, -1, d.FirstPayloadType(domain.MediaTypeApplication))
}
