package kurento

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/singleflight"

	"github.com/mconf/mcs-core/internal/app/balancer"
	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/sdp"
)

const AdapterName = "kurento"

// pipeline is one MediaPipeline on one host, shared by every element of the
// same room on that host. activeElements releases the pipeline when the last
// element goes away.
type pipeline struct {
	objectID string
	host     *balancer.Host

	mu             sync.Mutex
	activeElements int
}

type element struct {
	id           domain.ElementID
	objectID     string
	endpointType string
	kind         domain.MediaType
	roomID       domain.RoomID
	hostID       domain.HostID
	pipe         *pipeline
	client       *Client
	// counted marks elements charged against the host stream gauge.
	// Recorder and player elements never are.
	counted bool
}

// relayPair is a cross-host RTP bridge: one endpoint on the source host
// wired to one on the destination host.
type relayPair struct {
	sourceRelay string
	sinkRelay   string
	sinkClient  *Client
}

// Adapter drives Kurento-style backends through the balancer's host pool.
type Adapter struct {
	bus      *core.EventBus
	balancer *balancer.Balancer

	mu          sync.Mutex
	pipelines   map[string]*pipeline
	elements    map[domain.ElementID]*element
	byObject    map[string]domain.ElementID
	transposers map[string]*relayPair

	pipelineFlight  singleflight.Group
	transposeFlight singleflight.Group
}

func New(bus *core.EventBus, b *balancer.Balancer) *Adapter {
	a := &Adapter{
		bus:         bus,
		balancer:    b,
		pipelines:   make(map[string]*pipeline),
		elements:    make(map[domain.ElementID]*element),
		byObject:    make(map[string]domain.ElementID),
		transposers: make(map[string]*relayPair),
	}
	bus.Subscribe(core.EventHostOffline, "", func(ev core.Event) {
		a.evictHost(ev.HostID)
	})
	return a
}

func (a *Adapter) Name() string { return AdapterName }

// Dialer is the balancer connect function for this backend. Event and
// disconnect plumbing is wired before the client is handed to the pool.
func (a *Adapter) Dialer(rootCtx context.Context) balancer.ConnectFunc {
	return func(ctx context.Context, url, ip string) (balancer.Client, error) {
		client, err := Dial(ctx, url)
		if err != nil {
			return nil, err
		}
		client.OnEvent(a.republish)
		client.OnDisconnect(func() {
			for _, h := range a.balancer.Hosts() {
				if h.Conn() == client {
					a.balancer.NotifyDisconnect(rootCtx, h.ID)
					return
				}
			}
		})
		return client, nil
	}
}

// republish translates backend object events into bus events keyed by the
// owning element id.
func (a *Adapter) republish(objectID, eventType string, data json.RawMessage) {
	a.mu.Lock()
	elementID, ok := a.byObject[objectID]
	a.mu.Unlock()
	if !ok {
		return
	}
	switch eventType {
	case "OnIceCandidate":
		var payload struct {
			Candidate struct {
				Candidate     string `json:"candidate"`
				SdpMid        string `json:"sdpMid"`
				SdpMLineIndex uint16 `json:"sdpMLineIndex"`
			} `json:"candidate"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		if sdp.IsMDNSCandidate(payload.Candidate.Candidate) {
			return
		}
		mid := payload.Candidate.SdpMid
		idx := payload.Candidate.SdpMLineIndex
		a.bus.Emit(core.Event{
			Kind:       core.EventIceCandidate,
			Identifier: string(elementID),
			Candidate: &webrtc.ICECandidateInit{
				Candidate:     payload.Candidate.Candidate,
				SDPMid:        &mid,
				SDPMLineIndex: &idx,
			},
		})
	case "MediaFlowInStateChange", "MediaFlowOutStateChange":
		var payload struct {
			State string `json:"state"`
		}
		if err := json.Unmarshal(data, &payload); err != nil {
			return
		}
		a.bus.Emit(core.Event{
			Kind:       core.EventMediaState,
			Identifier: string(elementID),
			State:      payload.State,
		})
	}
}

func pipelineKey(roomID domain.RoomID, hostID domain.HostID) string {
	return string(roomID) + "/" + string(hostID)
}

// getOrCreatePipeline memoizes pipelines per (room, host). Concurrent
// creators for the same key coalesce onto a single in-flight creation.
func (a *Adapter) getOrCreatePipeline(ctx context.Context, roomID domain.RoomID, host *balancer.Host) (*pipeline, error) {
	key := pipelineKey(roomID, host.ID)
	a.mu.Lock()
	if p, ok := a.pipelines[key]; ok {
		a.mu.Unlock()
		return p, nil
	}
	a.mu.Unlock()

	v, err, _ := a.pipelineFlight.Do(key, func() (any, error) {
		a.mu.Lock()
		if p, ok := a.pipelines[key]; ok {
			a.mu.Unlock()
			return p, nil
		}
		a.mu.Unlock()
		client, ok := host.Conn().(*Client)
		if !ok {
			return nil, core.NewError(core.ErrConnectionError, "host connection is not a kurento client")
		}
		objectID, err := client.Create(ctx, "MediaPipeline", nil)
		if err != nil {
			return nil, err
		}
		p := &pipeline{objectID: objectID, host: host}
		a.mu.Lock()
		a.pipelines[key] = p
		a.mu.Unlock()
		log.Debug().Str("module", "adapters.kurento").Str("room", string(roomID)).
			Str("host", string(host.ID)).Msg("pipeline created")
		return p, nil
	})
	if err != nil {
		return nil, core.Normalize(err)
	}
	return v.(*pipeline), nil
}

func endpointTypeFor(sessionType domain.SessionType) string {
	if sessionType == domain.SessionTypeWebRTC {
		return "WebRtcEndpoint"
	}
	return "RtpEndpoint"
}

// Negotiate splits a multi-kind offer into one endpoint negotiation per
// media kind; the backend cannot bundle heterogeneous kinds on one endpoint.
func (a *Adapter) Negotiate(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, descriptor string, sessionType domain.SessionType,
	opts core.NegotiateOptions) ([]*core.Media, error) {

	if sessionType == domain.SessionTypeRecording {
		return a.negotiateRecorder(ctx, roomID, userID, sessionID, descriptor, opts)
	}
	if sessionType == domain.SessionTypeURI {
		return a.negotiatePlayer(ctx, roomID, userID, sessionID, opts)
	}

	mediaType := opts.MediaProfile
	if mediaType == "" {
		mediaType = domain.MediaTypeMain
	}
	host, err := a.balancer.GetHost(mediaType)
	if err != nil {
		return nil, err
	}
	pipe, err := a.getOrCreatePipeline(ctx, roomID, host)
	if err != nil {
		return nil, err
	}

	desc, perr := sdp.Parse(descriptor)
	if perr != nil {
		return nil, core.NewError(core.ErrInvalidSDP, perr.Error())
	}
	if err := desc.FilterCodecs(opts.MediaSpecs); err != nil {
		return nil, core.NewError(core.ErrNoCompatibleCodec, err.Error())
	}
	desc.FilterHeaderExtensions(opts.HeaderExtensionAllowlist)

	var medias []*core.Media
	rollback := func() {
		for _, m := range medias {
			_ = a.Stop(ctx, roomID, sessionType, m.ElementID)
		}
	}
	for kind, part := range desc.SplitByKind() {
		offer, werr := part.Write()
		if werr != nil {
			rollback()
			return nil, core.NewError(core.ErrInvalidSDP, werr.Error())
		}
		el, answer, nerr := a.createEndpoint(ctx, roomID, pipe, sessionType, kind, offer)
		if nerr != nil {
			rollback()
			return nil, nerr
		}
		dir := part.MediaKinds()[kind]
		media := core.NewMedia(roomID, userID, sessionID, sessionType, a, el.id,
			host.ID, domain.Profile{kind: dir.Reverse()}, a.bus)
		media.Answer = answer
		medias = append(medias, media)
		el.counted = true
		a.balancer.IncrementHostStreams(host.ID, kind)
	}
	if len(medias) == 0 {
		return nil, core.NewError(core.ErrInvalidSDP, "offer carries no negotiable m-lines")
	}
	return medias, nil
}

func (a *Adapter) createEndpoint(ctx context.Context, roomID domain.RoomID, pipe *pipeline,
	sessionType domain.SessionType, kind domain.MediaType, offer string) (*element, string, error) {

	client := pipe.host.Conn().(*Client)
	objectID, err := client.Create(ctx, endpointTypeFor(sessionType), map[string]any{
		"mediaPipeline": pipe.objectID,
	})
	if err != nil {
		return nil, "", err
	}
	el := &element{
		id:           domain.ElementID(domain.NewID()),
		objectID:     objectID,
		endpointType: endpointTypeFor(sessionType),
		kind:         kind,
		roomID:       roomID,
		hostID:       pipe.host.ID,
		pipe:         pipe,
		client:       client,
	}
	a.mu.Lock()
	if _, dup := a.elements[el.id]; dup {
		a.mu.Unlock()
		_ = client.Release(ctx, objectID)
		return nil, "", core.NewErrorf(core.ErrIDCollision, "duplicate element id %s", el.id)
	}
	a.elements[el.id] = el
	a.byObject[objectID] = el.id
	a.mu.Unlock()
	pipe.mu.Lock()
	pipe.activeElements++
	pipe.mu.Unlock()

	result, err := client.Invoke(ctx, objectID, "processOffer", map[string]any{"offer": offer})
	if err != nil {
		_ = a.Stop(ctx, roomID, sessionType, el.id)
		return nil, "", core.NewError(core.ErrOfferProcessFailed, core.Normalize(err).Message)
	}
	var answer string
	if uerr := json.Unmarshal(result, &struct {
		Value *string `json:"value"`
	}{&answer}); uerr != nil {
		_ = a.Stop(ctx, roomID, sessionType, el.id)
		return nil, "", core.NewError(core.ErrOfferProcessFailed, "malformed processOffer result")
	}

	if el.endpointType == "WebRtcEndpoint" {
		if err := client.Subscribe(ctx, objectID, "OnIceCandidate"); err != nil {
			log.Warn().Str("module", "adapters.kurento").Err(err).Msg("ice subscription failed")
		}
		if _, err := client.Invoke(ctx, objectID, "gatherCandidates", nil); err != nil {
			log.Warn().Str("module", "adapters.kurento").Err(err).Msg("gatherCandidates failed")
		}
	}
	return el, answer, nil
}

func (a *Adapter) negotiateRecorder(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, recordingPath string, opts core.NegotiateOptions) ([]*core.Media, error) {

	source, err := a.element(opts.SourceElement)
	if err != nil {
		return nil, err
	}
	client := source.client
	objectID, err := client.Create(ctx, "RecorderEndpoint", map[string]any{
		"mediaPipeline": source.pipe.objectID,
		"uri":           recordingPath,
		"mediaProfile":  opts.RecordingFormat,
	})
	if err != nil {
		return nil, err
	}
	el := &element{
		id:           domain.ElementID(domain.NewID()),
		objectID:     objectID,
		endpointType: "RecorderEndpoint",
		kind:         domain.MediaTypeVideo,
		roomID:       roomID,
		hostID:       source.hostID,
		pipe:         source.pipe,
		client:       client,
	}
	a.mu.Lock()
	a.elements[el.id] = el
	a.byObject[objectID] = el.id
	a.mu.Unlock()
	source.pipe.mu.Lock()
	source.pipe.activeElements++
	source.pipe.mu.Unlock()

	if _, err := client.Invoke(ctx, source.objectID, "connect", map[string]any{"sink": objectID}); err != nil {
		_ = a.Stop(ctx, roomID, domain.SessionTypeRecording, el.id)
		return nil, core.Normalize(err)
	}
	media := core.NewMedia(roomID, userID, sessionID, domain.SessionTypeRecording, a, el.id,
		source.hostID, domain.Profile{
			domain.MediaTypeVideo: domain.DirectionRecvOnly,
			domain.MediaTypeAudio: domain.DirectionRecvOnly,
		}, a.bus)
	media.Answer = recordingPath
	return []*core.Media{media}, nil
}

func (a *Adapter) negotiatePlayer(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, opts core.NegotiateOptions) ([]*core.Media, error) {

	host, err := a.balancer.GetHost(domain.MediaTypeMain)
	if err != nil {
		return nil, err
	}
	pipe, err := a.getOrCreatePipeline(ctx, roomID, host)
	if err != nil {
		return nil, err
	}
	client := host.Conn().(*Client)
	objectID, err := client.Create(ctx, "PlayerEndpoint", map[string]any{
		"mediaPipeline": pipe.objectID,
		"uri":           opts.URI,
	})
	if err != nil {
		return nil, err
	}
	el := &element{
		id:           domain.ElementID(domain.NewID()),
		objectID:     objectID,
		endpointType: "PlayerEndpoint",
		kind:         domain.MediaTypeVideo,
		roomID:       roomID,
		hostID:       host.ID,
		pipe:         pipe,
		client:       client,
	}
	a.mu.Lock()
	a.elements[el.id] = el
	a.byObject[objectID] = el.id
	a.mu.Unlock()
	pipe.mu.Lock()
	pipe.activeElements++
	pipe.mu.Unlock()

	if _, err := client.Invoke(ctx, objectID, "play", nil); err != nil {
		_ = a.Stop(ctx, roomID, domain.SessionTypeURI, el.id)
		return nil, core.Normalize(err)
	}
	media := core.NewMedia(roomID, userID, sessionID, domain.SessionTypeURI, a, el.id,
		host.ID, domain.Profile{
			domain.MediaTypeVideo: domain.DirectionSendOnly,
			domain.MediaTypeAudio: domain.DirectionSendOnly,
		}, a.bus)
	media.Answer = opts.URI
	return []*core.Media{media}, nil
}

func (a *Adapter) element(id domain.ElementID) (*element, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.elements[id]
	if !ok {
		return nil, core.NewErrorf(core.ErrMediaNotFound, "element %s not found", id)
	}
	return el, nil
}

// Connect wires source into sink. Elements on different hosts are bridged
// through a transposing relay pair memoized per (source, destination host).
func (a *Adapter) Connect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	src, err := a.element(source)
	if err != nil {
		return err
	}
	dst, err := a.element(sink)
	if err != nil {
		return err
	}
	if src.hostID == dst.hostID {
		_, err := src.client.Invoke(ctx, src.objectID, "connect", map[string]any{
			"sink":      dst.objectID,
			"mediaType": string(kind),
		})
		return core.Normalize(err)
	}
	pair, err := a.transpose(ctx, src, dst)
	if err != nil {
		return err
	}
	if _, err := pair.sinkClient.Invoke(ctx, pair.sinkRelay, "connect", map[string]any{
		"sink":      dst.objectID,
		"mediaType": string(kind),
	}); err != nil {
		return core.Normalize(err)
	}
	return nil
}

// transpose builds (or reuses) the same-kind RTP relay pair bridging the
// source element to the destination host. Concurrent requests for the same
// pair await the in-flight creation instead of duplicating it.
func (a *Adapter) transpose(ctx context.Context, src, dst *element) (*relayPair, error) {
	key := string(src.id) + "/" + string(dst.hostID)
	a.mu.Lock()
	if pair, ok := a.transposers[key]; ok {
		a.mu.Unlock()
		return pair, nil
	}
	a.mu.Unlock()

	v, err, _ := a.transposeFlight.Do(key, func() (any, error) {
		a.mu.Lock()
		if pair, ok := a.transposers[key]; ok {
			a.mu.Unlock()
			return pair, nil
		}
		a.mu.Unlock()

		srcClient := src.client
		dstClient := dst.client
		sourceRelay, err := srcClient.Create(ctx, "RtpEndpoint", map[string]any{
			"mediaPipeline": src.pipe.objectID,
		})
		if err != nil {
			return nil, err
		}
		sinkRelay, err := dstClient.Create(ctx, "RtpEndpoint", map[string]any{
			"mediaPipeline": dst.pipe.objectID,
		})
		if err != nil {
			_ = srcClient.Release(ctx, sourceRelay)
			return nil, err
		}
		// Offer/answer between the relays, then data flows src -> sourceRelay
		// ==rtp==> sinkRelay -> (consumers on dst host).
		offerRes, err := srcClient.Invoke(ctx, sourceRelay, "generateOffer", nil)
		if err != nil {
			return nil, core.Normalize(err)
		}
		var offer string
		_ = json.Unmarshal(offerRes, &struct {
			Value *string `json:"value"`
		}{&offer})
		answerRes, err := dstClient.Invoke(ctx, sinkRelay, "processOffer", map[string]any{"offer": offer})
		if err != nil {
			return nil, core.Normalize(err)
		}
		var answer string
		_ = json.Unmarshal(answerRes, &struct {
			Value *string `json:"value"`
		}{&answer})
		if _, err := srcClient.Invoke(ctx, sourceRelay, "processAnswer", map[string]any{"answer": answer}); err != nil {
			return nil, core.Normalize(err)
		}
		if _, err := srcClient.Invoke(ctx, src.objectID, "connect", map[string]any{"sink": sourceRelay}); err != nil {
			return nil, core.Normalize(err)
		}
		pair := &relayPair{sourceRelay: sourceRelay, sinkRelay: sinkRelay, sinkClient: dstClient}
		a.mu.Lock()
		a.transposers[key] = pair
		a.mu.Unlock()
		log.Debug().Str("module", "adapters.kurento").Str("source", string(src.id)).
			Str("destHost", string(dst.hostID)).Msg("transposing relay created")
		return pair, nil
	})
	if err != nil {
		return nil, core.Normalize(err)
	}
	return v.(*relayPair), nil
}

func (a *Adapter) Disconnect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	src, err := a.element(source)
	if err != nil {
		return err
	}
	dst, err := a.element(sink)
	if err != nil {
		return err
	}
	_, err = src.client.Invoke(ctx, src.objectID, "disconnect", map[string]any{
		"sink":      dst.objectID,
		"mediaType": string(kind),
	})
	return core.Normalize(err)
}

// Stop releases one element; releasing the last element of a pipeline
// releases the pipeline itself. Idempotent.
func (a *Adapter) Stop(ctx context.Context, roomID domain.RoomID, sessionType domain.SessionType, elementID domain.ElementID) error {
	a.mu.Lock()
	el, ok := a.elements[elementID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.elements, elementID)
	delete(a.byObject, el.objectID)
	for key, pair := range a.transposers {
		if pair.sourceRelay == el.objectID || pair.sinkRelay == el.objectID {
			delete(a.transposers, key)
		}
	}
	a.mu.Unlock()

	if err := el.client.Release(ctx, el.objectID); err != nil {
		log.Warn().Str("module", "adapters.kurento").Str("element", string(elementID)).
			Err(err).Msg("endpoint release failed")
	}
	if el.counted {
		a.balancer.DecrementHostStreams(el.hostID, el.kind)
	}

	el.pipe.mu.Lock()
	el.pipe.activeElements--
	lastOut := el.pipe.activeElements <= 0
	el.pipe.mu.Unlock()
	if lastOut {
		a.mu.Lock()
		delete(a.pipelines, pipelineKey(el.roomID, el.hostID))
		a.mu.Unlock()
		if err := el.client.Release(ctx, el.pipe.objectID); err != nil {
			log.Warn().Str("module", "adapters.kurento").Str("room", string(el.roomID)).
				Err(err).Msg("pipeline release failed")
		}
	}
	return nil
}

// evictHost drops every element bound to an offline host. Flow-state goes to
// NOT_FLOWING so attached medias observe the loss; structural teardown of the
// sessions is the controller's job.
func (a *Adapter) evictHost(hostID domain.HostID) {
	a.mu.Lock()
	var evicted []*element
	for id, el := range a.elements {
		if el.hostID == hostID {
			evicted = append(evicted, el)
			delete(a.elements, id)
			delete(a.byObject, el.objectID)
		}
	}
	for key, p := range a.pipelines {
		if p.host.ID == hostID {
			delete(a.pipelines, key)
		}
	}
	a.mu.Unlock()
	for _, el := range evicted {
		log.Warn().Str("module", "adapters.kurento").Str("element", string(el.id)).
			Str("host", string(hostID)).Msg("element evicted, host offline")
		a.bus.Emit(core.Event{
			Kind:       core.EventMediaState,
			Identifier: string(el.id),
			State:      "NOT_FLOWING",
		})
	}
}

func (a *Adapter) AddIceCandidate(ctx context.Context, elementID domain.ElementID, candidate webrtc.ICECandidateInit) error {
	if sdp.IsMDNSCandidate(candidate.Candidate) {
		return nil
	}
	el, err := a.element(elementID)
	if err != nil {
		return err
	}
	payload := map[string]any{"candidate": candidate.Candidate}
	if candidate.SDPMid != nil {
		payload["sdpMid"] = *candidate.SDPMid
	}
	if candidate.SDPMLineIndex != nil {
		payload["sdpMLineIndex"] = *candidate.SDPMLineIndex
	}
	if _, err := el.client.Invoke(ctx, el.objectID, "addIceCandidate", map[string]any{
		"candidate": payload,
	}); err != nil {
		return core.NewError(core.ErrIceCandidateFailed, core.Normalize(err).Message)
	}
	return nil
}

func (a *Adapter) ProcessOffer(ctx context.Context, elementID domain.ElementID, offer string, opts core.NegotiateOptions) (string, error) {
	el, err := a.element(elementID)
	if err != nil {
		return "", err
	}
	result, ierr := el.client.Invoke(ctx, el.objectID, "processOffer", map[string]any{"offer": offer})
	if ierr != nil {
		return "", core.NewError(core.ErrOfferProcessFailed, core.Normalize(ierr).Message)
	}
	var answer string
	_ = json.Unmarshal(result, &struct {
		Value *string `json:"value"`
	}{&answer})
	return answer, nil
}

func (a *Adapter) ProcessAnswer(ctx context.Context, elementID domain.ElementID, answer string) error {
	el, err := a.element(elementID)
	if err != nil {
		return err
	}
	if _, err := el.client.Invoke(ctx, el.objectID, "processAnswer", map[string]any{"answer": answer}); err != nil {
		return core.NewError(core.ErrAnswerProcessFailed, core.Normalize(err).Message)
	}
	return nil
}

func (a *Adapter) GenerateOffer(ctx context.Context, elementID domain.ElementID) (string, error) {
	el, err := a.element(elementID)
	if err != nil {
		return "", err
	}
	result, ierr := el.client.Invoke(ctx, el.objectID, "generateOffer", nil)
	if ierr != nil {
		return "", core.Normalize(ierr)
	}
	var offer string
	_ = json.Unmarshal(result, &struct {
		Value *string `json:"value"`
	}{&offer})
	return offer, nil
}

func (a *Adapter) StartRecording(ctx context.Context, elementID domain.ElementID) error {
	el, err := a.element(elementID)
	if err != nil {
		return err
	}
	_, ierr := el.client.Invoke(ctx, el.objectID, "record", nil)
	return core.Normalize(ierr)
}

func (a *Adapter) StopRecording(ctx context.Context, elementID domain.ElementID) error {
	el, err := a.element(elementID)
	if err != nil {
		return err
	}
	_, ierr := el.client.Invoke(ctx, el.objectID, "stopAndWait", nil)
	return core.Normalize(ierr)
}

// TrackMediaState subscribes to flow-state changes; republishing happens in
// the shared event handler keyed by element id.
func (a *Adapter) TrackMediaState(elementID domain.ElementID, sessionType domain.SessionType) error {
	el, err := a.element(elementID)
	if err != nil {
		return err
	}
	ctx := context.Background()
	for _, eventType := range []string{"MediaFlowInStateChange", "MediaFlowOutStateChange"} {
		if err := el.client.Subscribe(ctx, el.objectID, eventType); err != nil {
			return core.Normalize(err)
		}
	}
	return nil
}

func (a *Adapter) SetVolume(ctx context.Context, elementID domain.ElementID, volume int) error {
	return core.NewError(core.ErrInvalidOperation,
		fmt.Sprintf("%s does not implement volume control", AdapterName))
}

func (a *Adapter) Mute(ctx context.Context, elementID domain.ElementID) error {
	return core.NewError(core.ErrInvalidOperation,
		fmt.Sprintf("%s does not implement mute", AdapterName))
}

func (a *Adapter) Unmute(ctx context.Context, elementID domain.ElementID) error {
	return core.NewError(core.ErrInvalidOperation,
		fmt.Sprintf("%s does not implement unmute", AdapterName))
}

func (a *Adapter) DTMF(ctx context.Context, elementID domain.ElementID, tone string) error {
	return core.NewError(core.ErrInvalidOperation,
		fmt.Sprintf("%s does not implement dtmf", AdapterName))
}
