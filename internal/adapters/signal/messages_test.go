package signal

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mconf/mcs-core/internal/domain"
)

func TestAdapterFieldBareName(t *testing.T) {
	var p negotiationParams
	require.NoError(t, json.Unmarshal([]byte(`{"adapter":"kurento"}`), &p))
	require.NotNil(t, p.Adapter)
	assert.Equal(t, domain.SingleAdapter("kurento"), p.Adapter.spec)
	assert.False(t, p.Adapter.spec.Composed())
}

func TestAdapterFieldComposed(t *testing.T) {
	var p negotiationParams
	raw := `{"adapter":{"video":"mediasoup","audio":"freeswitch","content":"mediasoup"}}`
	require.NoError(t, json.Unmarshal([]byte(raw), &p))
	require.NotNil(t, p.Adapter)
	assert.True(t, p.Adapter.spec.Composed())
	assert.Equal(t, "mediasoup", p.Adapter.spec.ForKind(domain.MediaTypeVideo))
	assert.Equal(t, "freeswitch", p.Adapter.spec.ForKind(domain.MediaTypeAudio))
	assert.Equal(t, "mediasoup", p.Adapter.spec.ForKind(domain.MediaTypeContent))
}

func TestAdapterFieldInvalid(t *testing.T) {
	var p negotiationParams
	assert.Error(t, json.Unmarshal([]byte(`{"adapter":42}`), &p))
}

func TestDescriptorFallsBackToSDP(t *testing.T) {
	p := negotiationParams{SDP: "v=0..."}
	assert.Equal(t, "v=0...", p.descriptor())

	p.Descriptor = "v=0 preferred"
	assert.Equal(t, "v=0 preferred", p.descriptor())
}

func TestNegotiationParamsOptions(t *testing.T) {
	raw := `{
		"sdp": "v=0...",
		"profiles": {"video": "sendonly", "audio": "sendrecv"},
		"mediaProfile": "audio",
		"adapter": "loopback",
		"name": "cam-1",
		"strategy": "voice-switching",
		"headerExtensionAllowlist": ["ssrc-audio-level"],
		"ignoreThresholds": true,
		"splitTransport": true
	}`
	var p negotiationParams
	require.NoError(t, json.Unmarshal([]byte(raw), &p))

	opts := p.options()
	assert.Equal(t, domain.Profile{
		domain.MediaTypeVideo: domain.DirectionSendOnly,
		domain.MediaTypeAudio: domain.DirectionSendRecv,
	}, opts.Profiles)
	assert.Equal(t, domain.MediaTypeAudio, opts.MediaProfile)
	assert.Equal(t, domain.SingleAdapter("loopback"), opts.Adapter)
	assert.Equal(t, "cam-1", opts.Name)
	assert.Equal(t, "voice-switching", opts.Strategy)
	assert.Equal(t, []string{"ssrc-audio-level"}, opts.HeaderExtensionAllowlist)
	assert.True(t, opts.IgnoreThresholds)
	assert.True(t, opts.SplitTransport)
}

func TestOptionsWithoutAdapterLeavesSpecEmpty(t *testing.T) {
	var p negotiationParams
	require.NoError(t, json.Unmarshal([]byte(`{"sdp":"v=0..."}`), &p))
	assert.Equal(t, domain.AdapterSpec{}, p.options().Adapter)
}

func TestResponseEnvelopeShape(t *testing.T) {
	resp := response{TransactionID: "tx-1", Method: "publish", Result: map[string]string{"mediaId": "m1"}}
	data, err := json.Marshal(resp)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transactionId":"tx-1","method":"publish","result":{"mediaId":"m1"}}`, string(data))

	nack := response{TransactionID: "tx-2", Method: "publish", Error: &errorBody{Code: 2005, Message: "over limit"}}
	data, err = json.Marshal(nack)
	require.NoError(t, err)
	assert.JSONEq(t, `{"transactionId":"tx-2","method":"publish","error":{"code":2005,"message":"over limit"}}`, string(data))
}
