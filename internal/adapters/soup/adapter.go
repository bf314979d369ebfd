package soup

import (
	"context"
	"strings"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/sdp"
)

const AdapterName = "mediasoup"

// localHostID marks elements served by the in-process worker pool rather
// than a balancer host.
const localHostID = domain.HostID("local")

// Options are the worker-pool knobs resolved from config.
type Options struct {
	WorkerBin   string
	WorkerCount int
	LogLevel    string
	ListenIP    string
	AnnouncedIP string
	RTPPortMin  int
	RTPPortMax  int
	Recorder    RecorderOptions
}

// Adapter drives a pool of local mediasoup-style worker processes.
type Adapter struct {
	bus     *core.EventBus
	pool    *WorkerPool
	routers *routerRegistry
	ports   *PortPool
	opts    Options

	mu         sync.Mutex
	elements   map[domain.ElementID]*mediaElement
	recorders  map[domain.ElementID]*recorder
	transports map[string]*TransportSet
}

func New(ctx context.Context, bus *core.EventBus, opts Options) (*Adapter, error) {
	if opts.LogLevel == "" {
		opts.LogLevel = "warn"
	}
	if opts.ListenIP == "" {
		opts.ListenIP = "127.0.0.1"
	}
	if opts.RTPPortMin == 0 {
		opts.RTPPortMin = 40000
	}
	if opts.RTPPortMax == 0 {
		opts.RTPPortMax = 49999
	}
	if opts.Recorder.ListenIP == "" {
		opts.Recorder.ListenIP = opts.ListenIP
	}
	a := &Adapter{
		bus:        bus,
		opts:       opts,
		ports:      NewPortPool(opts.RTPPortMin, opts.RTPPortMax),
		elements:   make(map[domain.ElementID]*mediaElement),
		recorders:  make(map[domain.ElementID]*recorder),
		transports: make(map[string]*TransportSet),
	}
	pool, err := NewWorkerPool(ctx, PoolSize(opts.WorkerCount), opts.WorkerBin,
		opts.LogLevel, a.handleNotification)
	if err != nil {
		return nil, err
	}
	a.pool = pool
	a.routers = newRouterRegistry(pool)

	// Routers are released when their room goes away, dedicated ones
	// included.
	bus.Subscribe(core.EventRoomDestroyed, "", func(ev core.Event) {
		a.routers.ReleaseRoom(context.Background(), ev.RoomID)
	})
	return a, nil
}

func (a *Adapter) Name() string { return AdapterName }

// handleNotification routes worker notifications to the transport they
// target.
func (a *Adapter) handleNotification(n channelNotification) {
	a.mu.Lock()
	t, ok := a.transports[n.TargetID]
	a.mu.Unlock()
	if ok {
		t.HandleNotification(n.Event, n.Data)
	}
}

// mediaCodecsFor translates the codec policy into router media codecs.
func mediaCodecsFor(specs domain.MediaSpecs) []map[string]any {
	var codecs []map[string]any
	add := func(kind string, list []domain.CodecSpec, clockRate, channels int) {
		for _, spec := range list {
			entry := map[string]any{
				"kind":      kind,
				"mimeType":  kind + "/" + spec.Codec,
				"clockRate": clockRate,
			}
			if channels > 0 {
				entry["channels"] = channels
			}
			codecs = append(codecs, entry)
		}
	}
	add("audio", specs.Audio, 48000, 2)
	add("video", specs.Video, 90000, 0)
	add("video", specs.Content, 90000, 0)
	return codecs
}

// Negotiate runs the offer against a router of the element's room. In
// split-transport mode each kind gets its own transport and sub-element;
// otherwise every kind shares one transport.
func (a *Adapter) Negotiate(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, descriptor string, sessionType domain.SessionType,
	opts core.NegotiateOptions) ([]*core.Media, error) {

	switch sessionType {
	case domain.SessionTypeRecording:
		return a.negotiateRecorder(ctx, roomID, userID, sessionID, descriptor, opts)
	case domain.SessionTypeURI:
		return nil, core.NewErrorf(core.ErrInvalidOperation, "%s does not play uris", AdapterName)
	}

	router, err := a.routers.GetOrCreate(ctx, roomID, opts.DedicatedRouter, mediaCodecsFor(opts.MediaSpecs))
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

	var source *mediaElement
	if opts.SourceElement != "" {
		if source, err = a.element(opts.SourceElement); err != nil {
			return nil, err
		}
	}

	parts := desc.SplitByKind()
	var medias []*core.Media
	var created []*mediaElement
	rollback := func() {
		for _, el := range created {
			a.removeElement(ctx, el)
		}
	}
	for kind, part := range parts {
		if kind != domain.MediaTypeAudio && kind != domain.MediaTypeVideo && kind != domain.MediaTypeContent {
			continue
		}
		el, err := a.createElement(roomID, sessionType, router, opts.SplitTransport)
		if err != nil {
			rollback()
			return nil, err
		}
		created = append(created, el)

		answer, err := a.negotiateKind(ctx, el, kind, part, source)
		if err != nil {
			rollback()
			return nil, err
		}
		dir := part.MediaKinds()[kind]
		media := core.NewMedia(roomID, userID, sessionID, sessionType, a, el.id,
			localHostID, domain.Profile{kind: dir.Reverse()}, a.bus)
		media.Answer = answer
		medias = append(medias, media)
	}
	if len(medias) == 0 {
		return nil, core.NewError(core.ErrInvalidSDP, "offer carries no negotiable m-lines")
	}
	return medias, nil
}

// createElement registers a fresh element. A duplicate generated id is a
// broken invariant and fails the call outright.
func (a *Adapter) createElement(roomID domain.RoomID, sessionType domain.SessionType,
	router *Router, split bool) (*mediaElement, error) {

	id := domain.ElementID(domain.NewID())
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, dup := a.elements[id]; dup {
		return nil, core.NewErrorf(core.ErrIDCollision, "duplicate element id %s", id)
	}
	el := newElement(id, roomID, sessionType, router, a.routers, a.bus, split)
	a.elements[id] = el
	return el, nil
}

// negotiateKind negotiates one kind on one element: transport, producer
// and/or consumer per the inferred mode, then the per-kind answer.
func (a *Adapter) negotiateKind(ctx context.Context, el *mediaElement, kind domain.MediaType,
	part *sdp.Descriptor, source *mediaElement) (string, error) {

	raw, err := part.Write()
	if err != nil {
		return "", core.NewError(core.ErrInvalidSDP, err.Error())
	}

	t, err := el.transportFor(ctx, kind, a.opts.ListenIP, a.opts.AnnouncedIP)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.transports[t.ID] = t
	a.mu.Unlock()

	if el.sessionType == domain.SessionTypeWebRTC {
		if fp, ok := part.DTLSFingerprint(); ok {
			if err := a.connectRemote(ctx, t, fp); err != nil {
				return "", err
			}
		}
	}

	dir := part.MediaKinds()[kind]
	hasSource := false
	var producerID string
	if source != nil {
		producerID, hasSource = source.producerID(kind)
	}
	mode := inferMode(dir, hasSource)

	if mode == modeProducerOnly || mode == modeBidirectional {
		params := rtpParametersFor(part, kind)
		if _, err := el.produce(ctx, kind, t, params); err != nil {
			return "", mapCreateError(err)
		}
	}
	if mode == modeConsumerOnly || mode == modeBidirectional {
		if !hasSource {
			return "", core.NewErrorf(core.ErrInvalidOperation,
				"no upstream producer for %s", kind)
		}
		if _, err := el.consume(ctx, kind, t, producerID); err != nil {
			return "", mapCreateError(err)
		}
	}

	return buildAnswer(raw, kind, el.sessionType, t)
}

// connectRemote feeds the client's DTLS parameters once per transport.
func (a *Adapter) connectRemote(ctx context.Context, t *TransportSet, fp sdp.Fingerprint) error {
	t.mu.Lock()
	if t.remoteSet {
		t.mu.Unlock()
		return nil
	}
	t.remoteSet = true
	t.mu.Unlock()
	return t.Connect(ctx, dtlsParameters{
		Role:         "server",
		Fingerprints: []dtlsFingerprint{{Algorithm: fp.Algorithm, Value: fp.Value}},
	})
}

// rtpParametersFor builds producer parameters from the offered m-line.
func rtpParametersFor(part *sdp.Descriptor, kind domain.MediaType) map[string]any {
	var codecs []map[string]any
	for _, c := range part.Codecs(kind) {
		codecs = append(codecs, map[string]any{
			"mimeType":    producerKind(kind) + "/" + c.Name,
			"payloadType": c.PayloadType,
			"clockRate":   c.ClockRate,
			"channels":    c.Channels,
		})
	}
	params := map[string]any{"codecs": codecs}
	if ssrc := part.SSRC(kind); ssrc != 0 {
		params["encodings"] = []map[string]any{{"ssrc": ssrc}}
	}
	return params
}

// buildAnswer renders the per-kind answer from the transport facts.
func buildAnswer(offerPart string, kind domain.MediaType, sessionType domain.SessionType,
	t *TransportSet) (string, error) {

	answer, err := sdp.Parse(offerPart)
	if err != nil {
		return "", core.NewError(core.ErrInvalidSDP, err.Error())
	}
	if sessionType == domain.SessionTypeWebRTC {
		var candidates []sdp.Candidate
		for _, c := range t.Data.IceCandidates {
			candidates = append(candidates, sdp.Candidate{
				Foundation: c.Foundation,
				Priority:   c.Priority,
				IP:         c.IP,
				Protocol:   c.Protocol,
				Port:       c.Port,
				Type:       c.Type,
			})
		}
		var fp sdp.Fingerprint
		if len(t.Data.DtlsParameters.Fingerprints) > 0 {
			last := t.Data.DtlsParameters.Fingerprints[len(t.Data.DtlsParameters.Fingerprints)-1]
			fp = sdp.Fingerprint{Algorithm: last.Algorithm, Value: last.Value}
		}
		answer.ApplyWebRTCAnswer(sdp.WebRTCAnswer{
			IceUfrag:    t.Data.IceParameters.UsernameFragment,
			IcePwd:      t.Data.IceParameters.Password,
			IceLite:     true,
			Setup:       "active",
			Fingerprint: fp,
			Candidates:  candidates,
		})
	} else {
		answer.ReverseDirections()
		answer.SetPort(kind, t.Data.Tuple.LocalPort)
	}
	return answer.Write()
}

// mapCreateError promotes duplicate-id rejections to the fatal collision
// class.
func mapCreateError(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "already exists") {
		return core.NewError(core.ErrIDCollision, err.Error())
	}
	return err
}

func (a *Adapter) element(id domain.ElementID) (*mediaElement, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	el, ok := a.elements[id]
	if !ok {
		return nil, core.NewErrorf(core.ErrMediaNotFound, "element %s not found", id)
	}
	return el, nil
}

func (a *Adapter) removeElement(ctx context.Context, el *mediaElement) {
	a.mu.Lock()
	delete(a.elements, el.id)
	for _, t := range el.transportList() {
		delete(a.transports, t.ID)
	}
	a.mu.Unlock()
	el.close(ctx)
}

// Connect consumes the source's producer on the sink element's transport.
func (a *Adapter) Connect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	src, err := a.element(source)
	if err != nil {
		return err
	}
	dst, err := a.element(sink)
	if err != nil {
		return err
	}
	producerID, ok := src.producerID(kind)
	if !ok {
		return core.NewErrorf(core.ErrInvalidOperation, "source %s has no %s producer", source, kind)
	}
	t, err := dst.transportFor(ctx, kind, a.opts.ListenIP, a.opts.AnnouncedIP)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.transports[t.ID] = t
	a.mu.Unlock()
	_, err = dst.consume(ctx, kind, t, producerID)
	return mapCreateError(err)
}

func (a *Adapter) Disconnect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	dst, err := a.element(sink)
	if err != nil {
		return err
	}
	dst.dropConsumer(ctx, kind)
	return nil
}

func (a *Adapter) Stop(ctx context.Context, roomID domain.RoomID, sessionType domain.SessionType, elementID domain.ElementID) error {
	a.mu.Lock()
	rec, isRecorder := a.recorders[elementID]
	if isRecorder {
		delete(a.recorders, elementID)
	}
	el, isElement := a.elements[elementID]
	a.mu.Unlock()

	if isRecorder {
		rec.stop(ctx)
		return nil
	}
	if isElement {
		a.removeElement(ctx, el)
	}
	return nil
}

// AddIceCandidate is a no-op: the worker side runs ICE lite and never needs
// remote candidates beyond the connectivity checks it answers.
func (a *Adapter) AddIceCandidate(ctx context.Context, elementID domain.ElementID, candidate webrtc.ICECandidateInit) error {
	return nil
}

// ProcessOffer renegotiates an existing element with a fresh offer.
func (a *Adapter) ProcessOffer(ctx context.Context, elementID domain.ElementID, offer string, opts core.NegotiateOptions) (string, error) {
	el, err := a.element(elementID)
	if err != nil {
		return "", err
	}
	desc, perr := sdp.Parse(offer)
	if perr != nil {
		return "", core.NewError(core.ErrInvalidSDP, perr.Error())
	}
	if err := desc.FilterCodecs(opts.MediaSpecs); err != nil {
		return "", core.NewError(core.ErrNoCompatibleCodec, err.Error())
	}
	answers := make(map[domain.MediaType]*sdp.Descriptor)
	for kind, part := range desc.SplitByKind() {
		raw, err := a.negotiateKind(ctx, el, kind, part, nil)
		if err != nil {
			return "", err
		}
		parsed, err := sdp.Parse(raw)
		if err != nil {
			return "", core.NewError(core.ErrInvalidSDP, err.Error())
		}
		answers[kind] = parsed
	}
	merged, err := sdp.Merge(answers)
	if err != nil {
		return "", core.NewError(core.ErrInvalidSDP, err.Error())
	}
	return merged.Write()
}

func (a *Adapter) ProcessAnswer(ctx context.Context, elementID domain.ElementID, answer string) error {
	return core.NewErrorf(core.ErrInvalidOperation, "%s elements answer, they do not offer", AdapterName)
}

func (a *Adapter) GenerateOffer(ctx context.Context, elementID domain.ElementID) (string, error) {
	return "", core.NewErrorf(core.ErrInvalidOperation, "%s elements answer, they do not offer", AdapterName)
}

// negotiateRecorder wires a recorder onto the source element's producer.
// Spawning waits for StartRecording.
func (a *Adapter) negotiateRecorder(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, recordingPath string, opts core.NegotiateOptions) ([]*core.Media, error) {

	source, err := a.element(opts.SourceElement)
	if err != nil {
		return nil, err
	}
	kind := domain.MediaTypeVideo
	if _, ok := source.producerID(kind); !ok {
		kind = domain.MediaTypeAudio
		if _, ok := source.producerID(kind); !ok {
			return nil, core.NewError(core.ErrInvalidOperation, "source has no producer to record")
		}
	}
	id := domain.ElementID(domain.NewID())
	rec := newRecorder(id, roomID, recordingPath, a.routers, source.router, a.ports, a.opts.Recorder)
	rec.sourceKind = kind
	rec.sourceProducer, _ = source.producerID(kind)
	rec.format = opts.RecordingFormat

	a.mu.Lock()
	if _, dup := a.recorders[id]; dup {
		a.mu.Unlock()
		return nil, core.NewErrorf(core.ErrIDCollision, "duplicate recorder id %s", id)
	}
	a.recorders[id] = rec
	a.mu.Unlock()

	media := core.NewMedia(roomID, userID, sessionID, domain.SessionTypeRecording, a, id,
		localHostID, domain.Profile{kind: domain.DirectionRecvOnly}, a.bus)
	media.Answer = recordingPath
	return []*core.Media{media}, nil
}

func (a *Adapter) StartRecording(ctx context.Context, elementID domain.ElementID) error {
	a.mu.Lock()
	rec, ok := a.recorders[elementID]
	a.mu.Unlock()
	if !ok {
		return core.NewErrorf(core.ErrMediaNotFound, "recorder %s not found", elementID)
	}
	return rec.start(ctx, rec.sourceProducer, rec.format)
}

func (a *Adapter) StopRecording(ctx context.Context, elementID domain.ElementID) error {
	a.mu.Lock()
	rec, ok := a.recorders[elementID]
	a.mu.Unlock()
	if !ok {
		return core.NewErrorf(core.ErrMediaNotFound, "recorder %s not found", elementID)
	}
	rec.stop(ctx)
	return nil
}

// TrackMediaState is satisfied by the transport notification wiring done at
// creation time.
func (a *Adapter) TrackMediaState(elementID domain.ElementID, sessionType domain.SessionType) error {
	if sessionType == domain.SessionTypeRecording {
		return nil
	}
	_, err := a.element(elementID)
	return err
}

func (a *Adapter) SetVolume(ctx context.Context, elementID domain.ElementID, volume int) error {
	return core.NewErrorf(core.ErrInvalidOperation, "%s does not implement volume control", AdapterName)
}

// Mute pauses the element's audio producer; Unmute resumes it.
func (a *Adapter) Mute(ctx context.Context, elementID domain.ElementID) error {
	return a.pauseProducer(ctx, elementID, true)
}

func (a *Adapter) Unmute(ctx context.Context, elementID domain.ElementID) error {
	return a.pauseProducer(ctx, elementID, false)
}

func (a *Adapter) pauseProducer(ctx context.Context, elementID domain.ElementID, pause bool) error {
	el, err := a.element(elementID)
	if err != nil {
		return err
	}
	producerID, ok := el.producerID(domain.MediaTypeAudio)
	if !ok {
		return core.NewErrorf(core.ErrInvalidOperation, "element %s has no audio producer", elementID)
	}
	method := "producer.resume"
	if pause {
		method = "producer.pause"
	}
	_, err = a.routers.Request(ctx, el.router, method, producerID, nil)
	return err
}

func (a *Adapter) DTMF(ctx context.Context, elementID domain.ElementID, tone string) error {
	return core.NewErrorf(core.ErrInvalidOperation, "%s does not implement dtmf", AdapterName)
}

func (a *Adapter) Shutdown() {
	log.Info().Str("module", "adapters.soup").Int("workers", a.pool.Size()).Msg("stopping workers")
	a.pool.Close()
}
