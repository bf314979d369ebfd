package signal

import (
	"encoding/json"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
)

// request is the inbound RPC envelope. Every request carries a caller-chosen
// transaction id that the matching response echoes back.
type request struct {
	TransactionID string          `json:"transactionId"`
	Method        string          `json:"method"`
	Params        json.RawMessage `json:"params,omitempty"`
}

type errorBody struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type response struct {
	TransactionID string     `json:"transactionId"`
	Method        string     `json:"method"`
	Result        any        `json:"result,omitempty"`
	Error         *errorBody `json:"error,omitempty"`
}

// notification is the outbound push envelope for subscribed events.
type notification struct {
	Method     string         `json:"method"`
	Event      core.EventKind `json:"event"`
	Identifier string         `json:"identifier"`
	Data       any            `json:"data,omitempty"`
}

// adapterField accepts both wire shapes of the adapter option: a bare name
// ("kurento") or a per-kind map ({"video":"mediasoup","audio":"freeswitch"}).
type adapterField struct {
	spec domain.AdapterSpec
}

func (a *adapterField) UnmarshalJSON(data []byte) error {
	var name string
	if err := json.Unmarshal(data, &name); err == nil {
		a.spec = domain.SingleAdapter(name)
		return nil
	}
	var composed struct {
		Video   string `json:"video"`
		Audio   string `json:"audio"`
		Content string `json:"content"`
	}
	if err := json.Unmarshal(data, &composed); err != nil {
		return err
	}
	a.spec = domain.ComposedAdapter(composed.Video, composed.Audio, composed.Content)
	return nil
}

// negotiationParams is the params object of publish/subscribe/recording
// requests.
type negotiationParams struct {
	Descriptor               string                   `json:"descriptor"`
	SDP                      string                   `json:"sdp"`
	MediaSpecs               domain.MediaSpecs        `json:"mediaSpecs"`
	Profiles                 map[string]string        `json:"profiles"`
	MediaProfile             string                   `json:"mediaProfile"`
	Adapter                  *adapterField            `json:"adapter"`
	Name                     string                   `json:"name"`
	Strategy                 string                   `json:"strategy"`
	URI                      string                   `json:"uri"`
	RecordingFormat          string                   `json:"recordingFormat"`
	MediaID                  domain.MediaSessionID    `json:"mediaId"`
	SourceElement            domain.ElementID         `json:"sourceElement"`
	SplitTransport           bool                     `json:"splitTransport"`
	DedicatedRouter          bool                     `json:"dedicatedRouter"`
	HeaderExtensionAllowlist []string                 `json:"headerExtensionAllowlist"`
	IgnoreThresholds         bool                     `json:"ignoreThresholds"`
	Role                     domain.NegotiationRole   `json:"role"`
}

func (p negotiationParams) descriptor() string {
	if p.Descriptor != "" {
		return p.Descriptor
	}
	return p.SDP
}

func (p negotiationParams) options() core.NegotiateOptions {
	opts := core.NegotiateOptions{
		MediaSpecs:               p.MediaSpecs,
		MediaProfile:             domain.MediaType(p.MediaProfile),
		Name:                     p.Name,
		Strategy:                 p.Strategy,
		URI:                      p.URI,
		RecordingFormat:          p.RecordingFormat,
		SourceElement:            p.SourceElement,
		SplitTransport:           p.SplitTransport,
		DedicatedRouter:          p.DedicatedRouter,
		HeaderExtensionAllowlist: p.HeaderExtensionAllowlist,
		IgnoreThresholds:         p.IgnoreThresholds,
	}
	if p.Adapter != nil {
		opts.Adapter = p.Adapter.spec
	}
	if len(p.Profiles) > 0 {
		profile := make(domain.Profile, len(p.Profiles))
		for kind, dir := range p.Profiles {
			profile[domain.MediaType(kind)] = domain.Direction(dir)
		}
		opts.Profiles = profile
	}
	return opts
}
