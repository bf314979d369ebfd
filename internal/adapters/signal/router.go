// Package signal binds RPC websocket clients to the media controller and
// fans internal events out to subscribed clients.
package signal

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/mconf/mcs-core/internal/app"
	"github.com/mconf/mcs-core/internal/core"
	"github.com/mconf/mcs-core/internal/domain"
	"github.com/mconf/mcs-core/internal/metrics"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// subscription is one {identifier, eventName, client} interest tuple.
type subscription struct {
	identifier string
	event      core.EventKind
	client     *Client
}

// forwardedEvents are the bus kinds pushed to subscribed clients. Media
// state and ICE events are not here; those attach per-media so the replay
// queue is honored.
var forwardedEvents = []core.EventKind{
	core.EventMediaConnected,
	core.EventMediaDisconnected,
	core.EventMediaRenegotiated,
	core.EventUserJoined,
	core.EventUserLeft,
	core.EventRoomCreated,
	core.EventRoomDestroyed,
	core.EventConferenceFloorChanged,
	core.EventContentFloorChanged,
	core.EventVolumeChanged,
	core.EventMuted,
	core.EventUnmuted,
	core.EventStartTalking,
	core.EventStopTalking,
	core.EventSubscribedTo,
}

// MessageRouter terminates the RPC websocket surface.
type MessageRouter struct {
	ctrl *app.MediaController
	bus  *core.EventBus

	nextID atomic.Uint64

	mu      sync.RWMutex
	clients map[uint64]*Client
	subs    []subscription
	limiter *RateLimiter
}

func NewMessageRouter(ctrl *app.MediaController, bus *core.EventBus, rateLimit int, rateInterval time.Duration) *MessageRouter {
	if rateLimit <= 0 {
		rateLimit = 100
	}
	if rateInterval <= 0 {
		rateInterval = time.Second
	}
	return &MessageRouter{
		ctrl:    ctrl,
		bus:     bus,
		clients: make(map[uint64]*Client),
		limiter: NewRateLimiter(rateLimit, rateInterval),
	}
}

// Start wires the router into the event bus.
func (r *MessageRouter) Start() {
	for _, kind := range forwardedEvents {
		kind := kind
		r.bus.Subscribe(kind, "", func(ev core.Event) { r.fanOut(ev) })
	}
	// Subscriptions die with the entity they watch.
	r.bus.Subscribe(core.EventRoomDestroyed, "", func(ev core.Event) {
		r.pruneSubs(string(ev.RoomID))
	})
	r.bus.Subscribe(core.EventMediaDisconnected, "", func(ev core.Event) {
		r.pruneSubs(string(ev.MediaSessionID))
		r.pruneSubs(string(ev.MediaID))
	})
}

// fanOut delivers one event to every matching subscription tuple.
func (r *MessageRouter) fanOut(ev core.Event) {
	r.mu.RLock()
	var targets []*Client
	for _, sub := range r.subs {
		if sub.event != ev.Kind {
			continue
		}
		if sub.identifier != "" && !identifierMatches(sub.identifier, ev) {
			continue
		}
		targets = append(targets, sub.client)
	}
	r.mu.RUnlock()
	for _, c := range targets {
		c.notify(ev.Kind, ev.Identifier, eventPayload(ev))
	}
}

func identifierMatches(id string, ev core.Event) bool {
	return id == ev.Identifier ||
		id == string(ev.RoomID) ||
		id == string(ev.UserID) ||
		id == string(ev.MediaSessionID) ||
		id == string(ev.MediaID)
}

// eventPayload shapes the notification body clients receive.
func eventPayload(ev core.Event) any {
	body := map[string]any{}
	if ev.RoomID != "" {
		body["roomId"] = ev.RoomID
	}
	if ev.UserID != "" {
		body["userId"] = ev.UserID
	}
	if ev.MediaSessionID != "" {
		body["mediaId"] = ev.MediaSessionID
	}
	if ev.State != "" {
		body["state"] = ev.State
	}
	if ev.Media != nil {
		body["media"] = ev.Media
	}
	if ev.Floor != nil {
		body["floor"] = ev.Floor
	}
	if ev.PreviousFloor != nil {
		body["previousFloor"] = ev.PreviousFloor
	}
	if ev.Kind == core.EventVolumeChanged {
		body["volume"] = ev.Volume
	}
	if ev.User != nil {
		body["user"] = ev.User
	}
	if ev.Candidate != nil {
		body["candidate"] = ev.Candidate
	}
	if ev.Raw != nil {
		body["data"] = ev.Raw
	}
	return body
}

func (r *MessageRouter) pruneSubs(identifier string) {
	if identifier == "" {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	kept := r.subs[:0]
	for _, sub := range r.subs {
		if sub.identifier != identifier {
			kept = append(kept, sub)
		}
	}
	r.subs = kept
}

// Handle upgrades one HTTP request into an RPC client connection.
func (r *MessageRouter) Handle(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "signal").Msg("ws upgrade")
		return
	}
	client := newClient(r.nextID.Add(1), ws)
	r.mu.Lock()
	r.clients[client.id] = client
	r.mu.Unlock()
	metrics.SignalClients.Inc()
	log.Info().Str("module", "signal").Uint64("client", client.id).Msg("client connected")

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		client.writePump(ctx)
		cancel()
	}()
	go r.readPump(ctx, cancel, client)
}

func (r *MessageRouter) readPump(ctx context.Context, cancel context.CancelFunc, client *Client) {
	defer func() {
		cancel()
		r.disconnect(client)
	}()
	for {
		select {
		case <-ctx.Done():
			return
		default:
			_, data, err := client.conn.ReadMessage()
			if err != nil {
				log.Info().Err(err).Str("module", "signal").Uint64("client", client.id).Msg("read closed")
				return
			}
			r.dispatch(ctx, client, data)
		}
	}
}

// disconnect cleans one client up: subscriptions dropped, joined users
// force-left. Errors are logged, never propagated.
func (r *MessageRouter) disconnect(client *Client) {
	r.mu.Lock()
	delete(r.clients, client.id)
	kept := r.subs[:0]
	for _, sub := range r.subs {
		if sub.client != client {
			kept = append(kept, sub)
		}
	}
	r.subs = kept
	r.mu.Unlock()
	client.close()
	r.limiter.Forget(client.id)
	metrics.SignalClients.Dec()

	for _, j := range client.joinedUsers() {
		if err := r.ctrl.Leave(context.Background(), j.roomID, j.userID); err != nil {
			log.Warn().Err(err).Str("module", "signal").Str("user", string(j.userID)).
				Msg("disconnect force-leave failed")
		}
	}
	log.Info().Str("module", "signal").Uint64("client", client.id).Msg("client disconnected")
}

func (r *MessageRouter) dispatch(ctx context.Context, client *Client, data []byte) {
	var req request
	if err := json.Unmarshal(data, &req); err != nil {
		log.Warn().Err(err).Str("module", "signal").Uint64("client", client.id).Msg("bad request json")
		return
	}
	if !r.limiter.Allow(client.id) {
		client.nack(req, core.NewError(core.ErrThresholdExceeded, "request rate limit exceeded"))
		return
	}
	result, err := r.invoke(ctx, client, req)
	outcome := "ok"
	if err != nil {
		outcome = "error"
		client.nack(req, err)
	} else {
		client.ack(req, result)
	}
	metrics.SignalRequests.WithLabelValues(req.Method, outcome).Inc()
}

func (r *MessageRouter) invoke(ctx context.Context, client *Client, req request) (any, error) {
	switch req.Method {
	case "join":
		return r.handleJoin(ctx, client, req)
	case "leave":
		return r.handleLeave(ctx, client, req)
	case "publish":
		return r.handlePublish(ctx, req)
	case "subscribe":
		return r.handleSubscribe(ctx, req)
	case "publishAndSubscribe":
		return r.handlePublishAndSubscribe(ctx, req)
	case "unpublish", "unsubscribe":
		return r.handleUnpublish(ctx, req)
	case "connect":
		return r.handleConnect(ctx, req, true)
	case "disconnect":
		return r.handleConnect(ctx, req, false)
	case "addIceCandidate":
		return r.handleAddIceCandidate(ctx, req)
	case "processAnswer":
		return r.handleProcessAnswer(ctx, req)
	case "startRecording":
		return r.handleStartRecording(ctx, req)
	case "stopRecording":
		return r.handleStopRecording(ctx, req)
	case "setConferenceFloor", "setContentFloor",
		"releaseConferenceFloor", "releaseContentFloor",
		"getConferenceFloor", "getContentFloor":
		return r.handleFloor(req)
	case "setVolume", "mute", "unmute", "dtmf":
		return r.handleMediaControl(ctx, req)
	case "onEvent":
		return r.handleOnEvent(client, req)
	case "getRooms":
		return r.ctrl.Rooms(), nil
	case "getUsers":
		return r.handleGetUsers(req)
	case "getUserMedias":
		return r.handleGetUserMedias(req)
	default:
		return nil, core.NewErrorf(core.ErrInvalidOperation, "unknown method %q", req.Method)
	}
}

func (r *MessageRouter) handleJoin(ctx context.Context, client *Client, req request) (any, error) {
	var p struct {
		RoomID string `json:"roomId"`
		Params struct {
			ExternalUserID string `json:"externalUserId"`
			AutoLeave      bool   `json:"autoLeave"`
		} `json:"params"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	if p.RoomID == "" {
		return nil, core.NewError(core.ErrRoomNotFound, "join requires a roomId")
	}
	userID, err := r.ctrl.Join(ctx, domain.RoomID(p.RoomID), p.Params.ExternalUserID, p.Params.AutoLeave)
	if err != nil {
		return nil, err
	}
	client.rememberJoin(domain.RoomID(p.RoomID), userID)
	return map[string]any{"userId": userID}, nil
}

func (r *MessageRouter) handleLeave(ctx context.Context, client *Client, req request) (any, error) {
	var p struct {
		RoomID string `json:"roomId"`
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	if err := r.ctrl.Leave(ctx, domain.RoomID(p.RoomID), domain.UserID(p.UserID)); err != nil {
		return nil, err
	}
	client.forgetJoin(domain.UserID(p.UserID))
	return nil, nil
}

func (r *MessageRouter) handlePublish(ctx context.Context, req request) (any, error) {
	var p struct {
		RoomID string            `json:"roomId"`
		UserID string            `json:"userId"`
		Type   string            `json:"type"`
		Params negotiationParams `json:"params"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	mediaID, descriptor, err := r.ctrl.Publish(ctx, domain.RoomID(p.RoomID), domain.UserID(p.UserID),
		domain.SessionType(p.Type), publishParams(p.Params))
	if err != nil {
		return nil, err
	}
	return map[string]any{"mediaId": mediaID, "descriptor": descriptor}, nil
}

func (r *MessageRouter) handleSubscribe(ctx context.Context, req request) (any, error) {
	var p struct {
		UserID   string            `json:"userId"`
		SourceID string            `json:"sourceId"`
		Type     string            `json:"type"`
		Params   negotiationParams `json:"params"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	roomID, err := r.ctrl.UserRoom(domain.UserID(p.UserID))
	if err != nil {
		return nil, err
	}
	mediaID, descriptor, err := r.ctrl.Subscribe(ctx, roomID, domain.UserID(p.UserID),
		p.SourceID, domain.SessionType(p.Type), publishParams(p.Params))
	if err != nil {
		return nil, err
	}
	return map[string]any{"mediaId": mediaID, "descriptor": descriptor}, nil
}

func (r *MessageRouter) handlePublishAndSubscribe(ctx context.Context, req request) (any, error) {
	var p struct {
		RoomID   string            `json:"roomId"`
		UserID   string            `json:"userId"`
		SourceID string            `json:"sourceId"`
		Type     string            `json:"type"`
		Params   negotiationParams `json:"params"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	mediaID, descriptor, err := r.ctrl.PublishAndSubscribe(ctx, domain.RoomID(p.RoomID),
		domain.UserID(p.UserID), p.SourceID, domain.SessionType(p.Type), publishParams(p.Params))
	if err != nil {
		return nil, err
	}
	return map[string]any{"mediaId": mediaID, "descriptor": descriptor}, nil
}

func (r *MessageRouter) handleUnpublish(ctx context.Context, req request) (any, error) {
	var p struct {
		UserID  string `json:"userId"`
		MediaID string `json:"mediaId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	return nil, r.ctrl.Unpublish(ctx, domain.UserID(p.UserID), domain.MediaSessionID(p.MediaID))
}

func (r *MessageRouter) handleConnect(ctx context.Context, req request, connect bool) (any, error) {
	var p struct {
		SourceID string   `json:"sourceId"`
		SinkIDs  []string `json:"sinkIds"`
		Type     string   `json:"type"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	kind := domain.MediaType(p.Type)
	if kind == "" {
		kind = domain.MediaTypeAll
	}
	sinks := make([]domain.MediaSessionID, 0, len(p.SinkIDs))
	for _, id := range p.SinkIDs {
		sinks = append(sinks, domain.MediaSessionID(id))
	}
	if connect {
		return nil, r.ctrl.ConnectSessions(ctx, domain.MediaSessionID(p.SourceID), sinks, kind)
	}
	return nil, r.ctrl.DisconnectSessions(ctx, domain.MediaSessionID(p.SourceID), sinks, kind)
}

func (r *MessageRouter) handleAddIceCandidate(ctx context.Context, req request) (any, error) {
	var p struct {
		MediaID   string `json:"mediaId"`
		Candidate struct {
			Candidate     string  `json:"candidate"`
			SDPMid        *string `json:"sdpMid"`
			SDPMLineIndex *uint16 `json:"sdpMLineIndex"`
		} `json:"candidate"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	candidate := webrtc.ICECandidateInit{
		Candidate:     p.Candidate.Candidate,
		SDPMid:        p.Candidate.SDPMid,
		SDPMLineIndex: p.Candidate.SDPMLineIndex,
	}
	return nil, r.ctrl.AddIceCandidate(ctx, domain.MediaSessionID(p.MediaID), candidate)
}

func (r *MessageRouter) handleProcessAnswer(ctx context.Context, req request) (any, error) {
	var p struct {
		MediaID string `json:"mediaId"`
		Answer  string `json:"answer"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	return nil, r.ctrl.ProcessAnswer(ctx, domain.MediaSessionID(p.MediaID), p.Answer)
}

func (r *MessageRouter) handleStartRecording(ctx context.Context, req request) (any, error) {
	var p struct {
		UserID        string            `json:"userId"`
		SourceID      string            `json:"sourceId"`
		RecordingPath string            `json:"recordingPath"`
		Options       negotiationParams `json:"options"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	roomID, err := r.ctrl.UserRoom(domain.UserID(p.UserID))
	if err != nil {
		return nil, err
	}
	recordingID, _, err := r.ctrl.StartRecording(ctx, roomID, domain.UserID(p.UserID),
		p.SourceID, p.RecordingPath, publishParams(p.Options))
	if err != nil {
		return nil, err
	}
	return map[string]any{"recordingId": recordingID}, nil
}

func (r *MessageRouter) handleStopRecording(ctx context.Context, req request) (any, error) {
	var p struct {
		UserID      string `json:"userId"`
		RecordingID string `json:"recordingId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	if err := r.ctrl.StopRecording(ctx, domain.UserID(p.UserID), domain.MediaSessionID(p.RecordingID)); err != nil {
		return nil, err
	}
	return map[string]any{"recordingId": p.RecordingID}, nil
}

func (r *MessageRouter) handleFloor(req request) (any, error) {
	var p struct {
		RoomID   string `json:"roomId"`
		MediaID  string `json:"mediaId"`
		Preserve bool   `json:"preserve"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	roomID := domain.RoomID(p.RoomID)
	var state core.FloorState
	var err error
	switch req.Method {
	case "setConferenceFloor":
		state, err = r.ctrl.SetConferenceFloor(roomID, p.MediaID)
	case "setContentFloor":
		state, err = r.ctrl.SetContentFloor(roomID, p.MediaID)
	case "releaseConferenceFloor":
		state, err = r.ctrl.ReleaseConferenceFloor(roomID, p.Preserve)
	case "releaseContentFloor":
		state, err = r.ctrl.ReleaseContentFloor(roomID, p.Preserve)
	case "getConferenceFloor":
		state, err = r.ctrl.GetConferenceFloor(roomID)
	case "getContentFloor":
		state, err = r.ctrl.GetContentFloor(roomID)
	}
	if err != nil {
		return nil, err
	}
	return state, nil
}

func (r *MessageRouter) handleMediaControl(ctx context.Context, req request) (any, error) {
	var p struct {
		MediaID string `json:"mediaId"`
		Volume  int    `json:"volume"`
		Tone    string `json:"tone"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	id := domain.MediaSessionID(p.MediaID)
	switch req.Method {
	case "setVolume":
		return nil, r.ctrl.SetVolume(ctx, id, p.Volume)
	case "mute":
		return nil, r.ctrl.Mute(ctx, id)
	case "unmute":
		return nil, r.ctrl.Unmute(ctx, id)
	default:
		return nil, r.ctrl.DTMF(ctx, id, p.Tone)
	}
}

// handleOnEvent registers one interest tuple. Media state and ICE events
// attach directly to the media so queued events replay in order.
func (r *MessageRouter) handleOnEvent(client *Client, req request) (any, error) {
	var p struct {
		EventName  string `json:"eventName"`
		Identifier string `json:"identifier"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	kind := core.EventKind(p.EventName)
	switch kind {
	case core.EventMediaState, core.EventIceCandidate:
		return nil, r.ctrl.AttachMediaListener(p.Identifier, kind, func(ev core.Event) {
			client.notify(ev.Kind, p.Identifier, eventPayload(ev))
		})
	default:
		r.mu.Lock()
		r.subs = append(r.subs, subscription{identifier: p.Identifier, event: kind, client: client})
		r.mu.Unlock()
		return nil, nil
	}
}

func (r *MessageRouter) handleGetUsers(req request) (any, error) {
	var p struct {
		RoomID string `json:"roomId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	return r.ctrl.Users(domain.RoomID(p.RoomID))
}

func (r *MessageRouter) handleGetUserMedias(req request) (any, error) {
	var p struct {
		UserID string `json:"userId"`
	}
	if err := json.Unmarshal(req.Params, &p); err != nil {
		return nil, badParams(err)
	}
	return r.ctrl.UserMedias(domain.UserID(p.UserID))
}

func badParams(err error) error {
	return core.NewErrorf(core.ErrInvalidOperation, "malformed params: %v", err)
}

func publishParams(p negotiationParams) app.PublishParams {
	return app.PublishParams{
		Descriptor: p.descriptor(),
		Role:       p.Role,
		Options:    p.options(),
		Reuse:      p.MediaID,
	}
}
