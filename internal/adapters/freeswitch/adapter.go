package freeswitch

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/app/balancer"
	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/sdp"
)

const AdapterName = "freeswitch"

const defaultProbeInterval = 10 * time.Second

// Options carries the backend-specific knobs the shared config resolves.
type Options struct {
	Password      string
	SIPPort       int
	Hostname      string
	UserAgent     string
	ProbeInterval time.Duration
}

// channel is one conference leg: a SIP dialog carrying the audio plus the
// conference member identity learned from the socket's member events.
type channel struct {
	id         domain.ElementID
	roomID     domain.RoomID
	hostID     domain.HostID
	conference string
	call       *sipCall
	client     *ESLClient

	// Filled in by the add-member event.
	memberID string
	chanUUID string

	// recordingPath marks recorder pseudo-channels.
	recordingPath string
}

// Adapter drives audio conferencing on FreeSWITCH-style backends. SDP goes
// over SIP; everything else goes over the event socket.
type Adapter struct {
	bus      *core.EventBus
	balancer *balancer.Balancer
	caller   *sipCaller
	opts     Options

	mu        sync.Mutex
	channels  map[domain.ElementID]*channel
	byCallID  map[string]domain.ElementID
	coreUUIDs map[domain.HostID]string

	stopProbe chan struct{}
	probeOnce sync.Once
}

func New(bus *core.EventBus, b *balancer.Balancer, opts Options) (*Adapter, error) {
	if opts.SIPPort == 0 {
		opts.SIPPort = 5060
	}
	if opts.ProbeInterval <= 0 {
		opts.ProbeInterval = defaultProbeInterval
	}
	if opts.UserAgent == "" {
		opts.UserAgent = "mcs-core"
	}
	caller, err := newSIPCaller(opts.UserAgent, "mcs", opts.Hostname)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		bus:       bus,
		balancer:  b,
		caller:    caller,
		opts:      opts,
		channels:  make(map[domain.ElementID]*channel),
		byCallID:  make(map[string]domain.ElementID),
		coreUUIDs: make(map[domain.HostID]string),
		stopProbe: make(chan struct{}),
	}, nil
}

func (a *Adapter) Name() string { return AdapterName }

// Dialer is the balancer connect function for this backend. Each host gets
// one authenticated, event-subscribed socket.
func (a *Adapter) Dialer(rootCtx context.Context) balancer.ConnectFunc {
	return func(ctx context.Context, url, ip string) (balancer.Client, error) {
		client, err := DialESL(ctx, url, a.opts.Password)
		if err != nil {
			return nil, err
		}
		if err := client.Subscribe(ctx, "CUSTOM", "conference::maintenance"); err != nil {
			client.Close()
			return nil, err
		}
		client.OnEvent(a.handleEvent)
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

// StartProbe polls every known host for its core instance UUID. A changed
// UUID means the process itself restarted behind a surviving or reconnected
// socket, so dependent state must be invalidated.
func (a *Adapter) StartProbe(ctx context.Context) {
	a.probeOnce.Do(func() {
		go func() {
			ticker := time.NewTicker(a.opts.ProbeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					a.probeHosts(ctx)
				case <-a.stopProbe:
					return
				case <-ctx.Done():
					return
				}
			}
		}()
	})
}

func (a *Adapter) probeHosts(ctx context.Context) {
	for _, h := range a.balancer.Hosts() {
		client, ok := h.Conn().(*ESLClient)
		if !ok || client.Closed() {
			continue
		}
		body, err := client.API(ctx, "global_getvar core_uuid")
		if err != nil {
			log.Warn().Str("module", "adapters.freeswitch").Str("host", string(h.ID)).
				Err(err).Msg("status probe failed")
			continue
		}
		uuid := strings.TrimSpace(body)
		a.mu.Lock()
		previous, seen := a.coreUUIDs[h.ID]
		a.coreUUIDs[h.ID] = uuid
		a.mu.Unlock()
		if seen && previous != uuid {
			log.Warn().Str("module", "adapters.freeswitch").Str("host", string(h.ID)).
				Str("coreUuid", uuid).Msg("backend process restarted")
			a.evictHost(h.ID)
			a.bus.Emit(core.Event{
				Kind:       core.EventRestarted,
				Identifier: string(h.ID),
				HostID:     h.ID,
			})
		}
	}
}

// handleEvent turns generic conference maintenance events into typed bus
// events keyed by the owning element.
func (a *Adapter) handleEvent(ev ESLEvent) {
	if ev.Get("Event-Name") != "CUSTOM" || ev.Get("Event-Subclass") != "conference::maintenance" {
		return
	}
	action := ev.Get("Action")
	callID := ev.Get("variable_sip_call_id")

	a.mu.Lock()
	elementID, known := a.byCallID[callID]
	var ch *channel
	if known {
		ch = a.channels[elementID]
	}
	a.mu.Unlock()

	if action == "floor-change" {
		a.bus.Emit(core.Event{
			Kind:       core.EventConferenceFloorChanged,
			Identifier: ev.Get("Conference-Name"),
			RoomID:     domain.RoomID(ev.Get("Conference-Name")),
			Raw:        ev.Headers,
		})
		return
	}
	if ch == nil {
		return
	}

	switch action {
	case "add-member":
		a.mu.Lock()
		ch.memberID = ev.Get("Member-ID")
		ch.chanUUID = ev.Get("Unique-ID")
		a.mu.Unlock()
		a.bus.Emit(core.Event{Kind: core.EventMediaState, Identifier: string(ch.id), State: "FLOWING"})
	case "del-member":
		a.bus.Emit(core.Event{Kind: core.EventMediaState, Identifier: string(ch.id), State: "NOT_FLOWING"})
	case "start-talking":
		a.bus.Emit(core.Event{Kind: core.EventStartTalking, Identifier: string(ch.id)})
	case "stop-talking":
		a.bus.Emit(core.Event{Kind: core.EventStopTalking, Identifier: string(ch.id)})
	case "mute-member":
		a.bus.Emit(core.Event{Kind: core.EventMuted, Identifier: string(ch.id)})
	case "unmute-member":
		a.bus.Emit(core.Event{Kind: core.EventUnmuted, Identifier: string(ch.id)})
	case "volume-out-member":
		a.bus.Emit(core.Event{Kind: core.EventVolumeChanged, Identifier: string(ch.id), Raw: ev.Headers})
	}
}

// Negotiate dials the offer into the room's conference. Only the audio
// m-line is negotiated; this backend carries nothing else.
func (a *Adapter) Negotiate(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, descriptor string, sessionType domain.SessionType,
	opts core.NegotiateOptions) ([]*core.Media, error) {

	if sessionType == domain.SessionTypeRecording {
		return a.negotiateRecorder(ctx, roomID, userID, sessionID, descriptor, opts)
	}

	host, err := a.balancer.GetHost(domain.MediaTypeAudio)
	if err != nil {
		return nil, err
	}
	client, ok := host.Conn().(*ESLClient)
	if !ok {
		return nil, core.NewError(core.ErrConnectionError, "host connection is not an event socket")
	}

	desc, perr := sdp.Parse(descriptor)
	if perr != nil {
		return nil, core.NewError(core.ErrInvalidSDP, perr.Error())
	}
	if err := desc.FilterCodecs(opts.MediaSpecs); err != nil {
		return nil, core.NewError(core.ErrNoCompatibleCodec, err.Error())
	}
	parts := desc.SplitByKind()
	audio, hasAudio := parts[domain.MediaTypeAudio]
	if !hasAudio {
		return nil, core.NewError(core.ErrInvalidMediaType, "offer carries no audio m-line")
	}
	offer, werr := audio.Write()
	if werr != nil {
		return nil, core.NewError(core.ErrInvalidSDP, werr.Error())
	}

	call, err := a.caller.Call(ctx, host.IP, a.opts.SIPPort, string(roomID), offer)
	if err != nil {
		return nil, err
	}
	ch := &channel{
		id:         domain.ElementID(domain.NewID()),
		roomID:     roomID,
		hostID:     host.ID,
		conference: string(roomID),
		call:       call,
		client:     client,
	}
	a.mu.Lock()
	a.channels[ch.id] = ch
	a.byCallID[call.CallID] = ch.id
	a.mu.Unlock()

	dir := audio.MediaKinds()[domain.MediaTypeAudio]
	media := core.NewMedia(roomID, userID, sessionID, sessionType, a, ch.id,
		host.ID, domain.Profile{domain.MediaTypeAudio: dir.Reverse()}, a.bus)
	media.Answer = call.Answer
	a.balancer.IncrementHostStreams(host.ID, domain.MediaTypeAudio)
	return []*core.Media{media}, nil
}

// negotiateRecorder attaches a conference recording on the host that already
// serves the source element's room.
func (a *Adapter) negotiateRecorder(ctx context.Context, roomID domain.RoomID, userID domain.UserID,
	sessionID domain.MediaSessionID, recordingPath string, opts core.NegotiateOptions) ([]*core.Media, error) {

	source, err := a.channel(opts.SourceElement)
	if err != nil {
		return nil, err
	}
	ch := &channel{
		id:            domain.ElementID(domain.NewID()),
		roomID:        roomID,
		hostID:        source.hostID,
		conference:    source.conference,
		client:        source.client,
		recordingPath: recordingPath,
	}
	a.mu.Lock()
	a.channels[ch.id] = ch
	a.mu.Unlock()
	media := core.NewMedia(roomID, userID, sessionID, domain.SessionTypeRecording, a, ch.id,
		source.hostID, domain.Profile{domain.MediaTypeAudio: domain.DirectionRecvOnly}, a.bus)
	media.Answer = recordingPath
	return []*core.Media{media}, nil
}

func (a *Adapter) channel(id domain.ElementID) (*channel, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	ch, ok := a.channels[id]
	if !ok {
		return nil, core.NewErrorf(core.ErrMediaNotFound, "channel %s not found", id)
	}
	return ch, nil
}

// Connect is a no-op inside one conference; the bridge mixes every member.
func (a *Adapter) Connect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	if _, err := a.channel(source); err != nil {
		return err
	}
	_, err := a.channel(sink)
	return err
}

func (a *Adapter) Disconnect(ctx context.Context, source, sink domain.ElementID, kind domain.MediaType) error {
	return nil
}

func (a *Adapter) Stop(ctx context.Context, roomID domain.RoomID, sessionType domain.SessionType, elementID domain.ElementID) error {
	a.mu.Lock()
	ch, ok := a.channels[elementID]
	if !ok {
		a.mu.Unlock()
		return nil
	}
	delete(a.channels, elementID)
	if ch.call != nil {
		delete(a.byCallID, ch.call.CallID)
	}
	a.mu.Unlock()

	if ch.call != nil {
		if err := ch.call.Hangup(ctx); err != nil {
			log.Warn().Str("module", "adapters.freeswitch").Str("element", string(elementID)).
				Err(err).Msg("hangup failed")
		}
		a.balancer.DecrementHostStreams(ch.hostID, domain.MediaTypeAudio)
	}
	return nil
}

func (a *Adapter) evictHost(hostID domain.HostID) {
	a.mu.Lock()
	var evicted []*channel
	for id, ch := range a.channels {
		if ch.hostID == hostID {
			evicted = append(evicted, ch)
			delete(a.channels, id)
			if ch.call != nil {
				delete(a.byCallID, ch.call.CallID)
			}
		}
	}
	delete(a.coreUUIDs, hostID)
	a.mu.Unlock()
	for _, ch := range evicted {
		a.bus.Emit(core.Event{Kind: core.EventMediaState, Identifier: string(ch.id), State: "NOT_FLOWING"})
	}
}

// AddIceCandidate is a no-op: the SIP leg negotiates its transport up front.
func (a *Adapter) AddIceCandidate(ctx context.Context, elementID domain.ElementID, candidate webrtc.ICECandidateInit) error {
	return nil
}

func (a *Adapter) ProcessOffer(ctx context.Context, elementID domain.ElementID, offer string, opts core.NegotiateOptions) (string, error) {
	return "", core.NewErrorf(core.ErrInvalidOperation, "%s does not renegotiate established dialogs", AdapterName)
}

func (a *Adapter) ProcessAnswer(ctx context.Context, elementID domain.ElementID, answer string) error {
	return core.NewErrorf(core.ErrInvalidOperation, "%s does not renegotiate established dialogs", AdapterName)
}

func (a *Adapter) GenerateOffer(ctx context.Context, elementID domain.ElementID) (string, error) {
	return "", core.NewErrorf(core.ErrInvalidOperation, "%s does not originate offers", AdapterName)
}

func (a *Adapter) StartRecording(ctx context.Context, elementID domain.ElementID) error {
	ch, err := a.channel(elementID)
	if err != nil {
		return err
	}
	_, err = ch.client.API(ctx, fmt.Sprintf("conference %s recording start %s", ch.conference, ch.recordingPath))
	return err
}

func (a *Adapter) StopRecording(ctx context.Context, elementID domain.ElementID) error {
	ch, err := a.channel(elementID)
	if err != nil {
		return err
	}
	_, err = ch.client.API(ctx, fmt.Sprintf("conference %s recording stop %s", ch.conference, ch.recordingPath))
	return err
}

// TrackMediaState is satisfied by the conference maintenance subscription
// every socket already carries.
func (a *Adapter) TrackMediaState(elementID domain.ElementID, sessionType domain.SessionType) error {
	_, err := a.channel(elementID)
	return err
}

func (a *Adapter) member(elementID domain.ElementID) (*channel, string, error) {
	ch, err := a.channel(elementID)
	if err != nil {
		return nil, "", err
	}
	a.mu.Lock()
	memberID := ch.memberID
	a.mu.Unlock()
	if memberID == "" {
		return nil, "", core.NewErrorf(core.ErrInvalidOperation, "channel %s has no conference member yet", elementID)
	}
	return ch, memberID, nil
}

// SetVolume maps the canonical 0..100 scale onto the bridge's -4..4 output
// gain steps.
func (a *Adapter) SetVolume(ctx context.Context, elementID domain.ElementID, volume int) error {
	ch, memberID, err := a.member(elementID)
	if err != nil {
		return err
	}
	level := volume/12 - 4
	if level < -4 {
		level = -4
	}
	if level > 4 {
		level = 4
	}
	_, err = ch.client.API(ctx, fmt.Sprintf("conference %s volume_out %s %d", ch.conference, memberID, level))
	return err
}

func (a *Adapter) Mute(ctx context.Context, elementID domain.ElementID) error {
	ch, memberID, err := a.member(elementID)
	if err != nil {
		return err
	}
	_, err = ch.client.API(ctx, fmt.Sprintf("conference %s mute %s", ch.conference, memberID))
	return err
}

func (a *Adapter) Unmute(ctx context.Context, elementID domain.ElementID) error {
	ch, memberID, err := a.member(elementID)
	if err != nil {
		return err
	}
	_, err = ch.client.API(ctx, fmt.Sprintf("conference %s unmute %s", ch.conference, memberID))
	return err
}

func (a *Adapter) DTMF(ctx context.Context, elementID domain.ElementID, tone string) error {
	ch, err := a.channel(elementID)
	if err != nil {
		return err
	}
	a.mu.Lock()
	chanUUID := ch.chanUUID
	a.mu.Unlock()
	if chanUUID == "" {
		return core.NewErrorf(core.ErrInvalidOperation, "channel %s has no backend uuid yet", elementID)
	}
	_, err = ch.client.API(ctx, fmt.Sprintf("uuid_send_dtmf %s %s", chanUUID, tone))
	return err
}

// Shutdown stops the probe loop and the SIP stack.
func (a *Adapter) Shutdown() {
	close(a.stopProbe)
	a.caller.Close()
}
