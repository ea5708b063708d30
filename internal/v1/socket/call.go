package socket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
	"github.com/pairup/match-core/internal/v1/store"
	"github.com/pairup/match-core/internal/v1/token"
)

// Call outbound/inbound event names (spec.md §6).
const (
	EventOffer           = "offer"
	EventAnswer          = "answer"
	EventAddICECandidate = "add-ice-candidate"
	EventSendOffer       = "send-offer"
	EventSignal          = "signal"
	EventLobby           = "lobby"
	EventEndCall         = "end-call"
	EventCallEnded       = "callEnded"
	EventHeartbeat       = "heartbeat"
	EventUserJoinedCall  = "userJoined"
	EventUserLeftCall    = "userLeft"
)

const callQueueKey = "call:queue"

func callRoomKey(roomID string) string       { return "call:room:" + roomID }
func callUserRoomKey(socketID string) string { return "call:user-room:" + socketID }

// CallRepository is the subset of store.CallRepository the call namespace
// needs to persist completed-call history (spec.md §4.F, S6).
type CallRepository interface {
	Create(ctx context.Context, rec store.CallRecord) error
}

// MessageRateLimiter is the subset of ratelimit.RateLimiter the call
// namespace needs to enforce the per-socket token bucket (spec.md §4.F
// "Rate limiting", ~10 actions/sec).
type MessageRateLimiter interface {
	CheckSocketMessage(ctx context.Context, socketID string) bool
}

// callRoom is the ephemeral pairing record for one active call, stored as
// JSON under call:room:<roomID> (spec.md §6 KV key layout).
type callRoom struct {
	ID          string `json:"id"`
	Initiator   string `json:"initiator"`
	Receiver    string `json:"receiver"`
	Status      string `json:"status"`
	StartTimeMs int64  `json:"startTime"`
}

func (r *callRoom) other(socketID string) string {
	if r.Initiator == socketID {
		return r.Receiver
	}
	return r.Initiator
}

// relayEnvelope is the wire shape published on bus.CallEventsChannel: a
// frame addressed to one socket id, delivered only by the worker that
// actually holds that socket (spec.md §9 "Pub/sub + local emit composition").
type relayEnvelope struct {
	TargetID string          `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}

// CallNamespace implements the /call socket namespace: queue-based anonymous
// pairing plus room-scoped relay of WebRTC signaling frames, and the
// pre-authed short-circuit for pool-matched pairs (spec.md §4.F "Call
// namespace", §9 open question ii).
type CallNamespace struct {
	bus     *bus.Service
	calls   CallRepository
	tokens  *token.Issuer
	limiter MessageRateLimiter
	friends FriendshipRepository
	notify  NotificationCreator

	mu      sync.Mutex
	clients map[string]*Client // socketID -> locally-connected client
}

// NewCallNamespace wires a CallNamespace to its collaborators. tokens,
// limiter, friends, and notify may be nil in deployments that skip those
// features.
func NewCallNamespace(svc *bus.Service, calls CallRepository, tokens *token.Issuer, limiter MessageRateLimiter, friends FriendshipRepository, notify NotificationCreator) *CallNamespace {
	return &CallNamespace{
		bus:     svc,
		calls:   calls,
		tokens:  tokens,
		limiter: limiter,
		friends: friends,
		notify:  notify,
		clients: make(map[string]*Client),
	}
}

// Subscribe starts the worker-wide subscription that turns targeted relay
// envelopes published by any worker into local emits, so a signaling frame
// addressed to a socket attached to a different worker still arrives
// (required for S6 to pass across a multi-worker deployment).
func (ns *CallNamespace) Subscribe(ctx context.Context, wg *sync.WaitGroup) {
	ns.bus.Subscribe(ctx, bus.CallEventsChannel, wg, ns.onBusRelay)
}

func (ns *CallNamespace) onBusRelay(env bus.Envelope) {
	var relay relayEnvelope
	if err := json.Unmarshal(env.Payload, &relay); err != nil {
		logging.Warn(context.Background(), "call: failed to decode relay envelope")
		return
	}
	ns.mu.Lock()
	client, ok := ns.clients[relay.TargetID]
	ns.mu.Unlock()
	if !ok {
		return
	}
	client.Emit(env.Event, relay.Payload)
}

// deliver emits event/payload to targetID, locally if this worker holds that
// socket, or via the pub/sub fabric otherwise.
func (ns *CallNamespace) deliver(ctx context.Context, targetID, event string, payload any) {
	ns.mu.Lock()
	client, ok := ns.clients[targetID]
	ns.mu.Unlock()
	if ok {
		client.Emit(event, payload)
		return
	}

	data, err := json.Marshal(payload)
	if err != nil {
		logging.Warn(ctx, "call: failed to marshal relay payload")
		return
	}
	relay := relayEnvelope{TargetID: targetID, Payload: data}
	if err := ns.bus.Publish(ctx, bus.CallEventsChannel, event, relay, ""); err != nil {
		logging.Warn(ctx, "call: failed to publish relay envelope")
	}
}

func (ns *CallNamespace) register(client *Client) {
	ns.mu.Lock()
	ns.clients[client.ID] = client
	ns.mu.Unlock()
	metrics.ActiveSocketConnections.WithLabelValues("call").Inc()
}

func (ns *CallNamespace) unregister(client *Client) {
	ns.mu.Lock()
	delete(ns.clients, client.ID)
	ns.mu.Unlock()
}

func nowMsCall() int64 { return time.Now().UnixMilli() }

// HandleConnect authenticates the handshake token, if any, and either joins
// the pre-issued room directly (pool-matched pairs) or falls into the
// anonymous queue-based pairing flow (spec.md §4.F, §9 open question ii).
func (ns *CallNamespace) HandleConnect(ctx context.Context, client *Client, authToken string) {
	ns.register(client)

	if ns.tokens != nil && authToken != "" {
		if claim := ns.tokens.Verify(authToken); !claim.IsZero() {
			ns.joinPreAuthed(ctx, client, claim)
			return
		}
	}

	ns.joinQueue(ctx, client)
}

// HandlePreAuthed is the public entry point for a connection that already
// carries a verified claim (e.g. the socket layer validated it ahead of
// calling in). Exposed separately from HandleConnect so callers that parse
// the token themselves don't need to re-serialize it.
func (ns *CallNamespace) HandlePreAuthed(ctx context.Context, client *Client, claim token.Claims) {
	ns.register(client)
	ns.joinPreAuthed(ctx, client, claim)
}

func (ns *CallNamespace) joinPreAuthed(ctx context.Context, client *Client, claim token.Claims) {
	existing, found, err := ns.loadRoom(ctx, claim.RoomID)
	if err != nil {
		logging.Warn(ctx, "call: pre-authed room load failed")
	}
	if !found {
		existing = &callRoom{
			ID:          claim.RoomID,
			Initiator:   claim.SenderID,
			Receiver:    claim.ReceiverID,
			Status:      "active",
			StartTimeMs: nowMsCall(),
		}
		if err := ns.saveRoom(ctx, existing); err != nil {
			logging.Warn(ctx, "call: pre-authed room save failed")
		}
	}
	if err := ns.bus.Set(ctx, callUserRoomKey(client.ID), existing.ID, 0); err != nil {
		logging.Warn(ctx, "call: failed to map socket to pre-authed room")
	}
	ns.deliver(ctx, existing.other(client.ID), EventUserJoinedCall, map[string]any{"userId": client.ID, "roomId": existing.ID})
}

// joinQueue implements the anonymous random-pairing connect flow (spec.md
// §4.F "Call namespace" step "On connect").
func (ns *CallNamespace) joinQueue(ctx context.Context, client *Client) {
	if err := ns.bus.LPush(ctx, callQueueKey, client.ID); err != nil {
		logging.Warn(ctx, "call: failed to enqueue socket")
		return
	}
	client.Emit(EventLobby, map[string]any{"waiting": false})

	length, err := ns.bus.LLen(ctx, callQueueKey)
	if err != nil || length < 2 {
		return
	}

	a, err := ns.bus.RPop(ctx, callQueueKey)
	if err != nil || a == "" {
		return
	}
	b, err := ns.bus.RPop(ctx, callQueueKey)
	if err != nil || b == "" {
		// No partner available after all: put the first pop back at the
		// tail so it keeps its place as the oldest waiter.
		if pushErr := ns.bus.RPush(ctx, callQueueKey, a); pushErr != nil {
			logging.Warn(ctx, "call: failed to requeue unmatched socket")
		}
		return
	}

	room := &callRoom{ID: uuid.NewString(), Initiator: a, Receiver: b, Status: "active", StartTimeMs: nowMsCall()}
	if err := ns.saveRoom(ctx, room); err != nil {
		logging.Error(ctx, "call: failed to persist call room")
		return
	}
	if err := ns.bus.Set(ctx, callUserRoomKey(a), room.ID, 0); err != nil {
		logging.Warn(ctx, "call: failed to map initiator to room")
	}
	if err := ns.bus.Set(ctx, callUserRoomKey(b), room.ID, 0); err != nil {
		logging.Warn(ctx, "call: failed to map receiver to room")
	}

	ns.deliver(ctx, a, EventSendOffer, map[string]any{"roomId": room.ID})
	ns.deliver(ctx, b, EventLobby, map[string]any{"waiting": true})
	metrics.SocketEventsTotal.WithLabelValues("call", "pair", "ok").Inc()
}

// HandleSignal forwards a signaling frame (offer/answer/ICE/send-offer or
// the generic signal event) to the caller's sole room partner, stamping the
// room id onto the payload. Events from a socket not in a room are ignored
// (spec.md §4.F "Signaling events").
func (ns *CallNamespace) HandleSignal(ctx context.Context, client *Client, event string, raw json.RawMessage) {
	if ns.limiter != nil && !ns.limiter.CheckSocketMessage(ctx, client.ID) {
		client.Emit(EventError, map[string]any{"message": "rate limit exceeded"})
		metrics.SocketEventsTotal.WithLabelValues("call", event, "rate_limited").Inc()
		return
	}

	room, found, err := ns.roomForSocket(ctx, client.ID)
	if err != nil {
		logging.Warn(ctx, "call: signal room lookup failed")
		return
	}
	if !found {
		metrics.SocketEventsTotal.WithLabelValues("call", event, "no_room").Inc()
		return
	}

	var fields map[string]any
	if err := json.Unmarshal(raw, &fields); err != nil || fields == nil {
		fields = map[string]any{}
	}
	fields["roomId"] = room.ID

	ns.deliver(ctx, room.other(client.ID), event, fields)
	metrics.SocketEventsTotal.WithLabelValues("call", event, "ok").Inc()
}

// HandleHeartbeat relays a client-originated HEARTBEAT to the peer socket
// exactly once (spec.md §4.F "Heartbeat").
func (ns *CallNamespace) HandleHeartbeat(ctx context.Context, client *Client) {
	room, found, err := ns.roomForSocket(ctx, client.ID)
	if err != nil || !found {
		return
	}
	ns.deliver(ctx, room.other(client.ID), EventHeartbeat, map[string]any{"roomId": room.ID})
}

// HandleEndCall processes an explicit END_CALL event, ending the room and
// re-queuing the remaining participant (spec.md §4.F).
func (ns *CallNamespace) HandleEndCall(ctx context.Context, client *Client) {
	ns.endCall(ctx, client, true)
}

// HandleDisconnect removes the socket from the queue (if it was never
// paired) and ends any active call it held, re-queuing the remaining
// participant (spec.md §4.F "END_CALL or disconnect").
func (ns *CallNamespace) HandleDisconnect(ctx context.Context, client *Client) {
	ns.unregister(client)
	if err := ns.bus.LRem(ctx, callQueueKey, 0, client.ID); err != nil {
		logging.Warn(ctx, "call: failed to remove socket from queue on disconnect")
	}
	ns.endCall(ctx, client, false)
}

func (ns *CallNamespace) endCall(ctx context.Context, client *Client, requeueSelf bool) {
	room, found, err := ns.roomForSocket(ctx, client.ID)
	if err != nil {
		logging.Warn(ctx, "call: end-call room lookup failed")
		return
	}
	if !found {
		return
	}

	other := room.other(client.ID)
	duration := int((nowMsCall() - room.StartTimeMs) / 1000)
	if duration < 0 {
		duration = 0
	}

	if ns.calls != nil {
		rec := store.CallRecord{
			ID:          room.ID,
			InitiatorID: room.Initiator,
			ReceiverID:  room.Receiver,
			DurationSec: duration,
			StartedAt:   time.UnixMilli(room.StartTimeMs),
			EndedAt:     time.UnixMilli(nowMsCall()),
		}
		if err := ns.calls.Create(ctx, rec); err != nil {
			logging.Warn(ctx, "call: failed to persist call history")
		}
	}

	if err := ns.bus.Del(ctx, callRoomKey(room.ID), callUserRoomKey(client.ID), callUserRoomKey(other)); err != nil {
		logging.Warn(ctx, "call: failed to clear ended room")
	}

	ns.deliver(ctx, other, EventCallEnded, map[string]any{"roomId": room.ID, "durationSec": duration})
	ns.requeue(ctx, other)

	if requeueSelf {
		client.Emit(EventCallEnded, map[string]any{"roomId": room.ID, "durationSec": duration})
	}
}

// requeue re-enqueues a participant left alone after their partner ended the
// call or disconnected, then re-runs the pairing check so they can be
// matched immediately if another waiter is already queued.
func (ns *CallNamespace) requeue(ctx context.Context, socketID string) {
	ns.mu.Lock()
	client, ok := ns.clients[socketID]
	ns.mu.Unlock()
	if ok {
		ns.joinQueue(ctx, client)
		return
	}
	// Not local to this worker: push directly and let whichever worker
	// holds the socket deliver the eventual SEND_OFFER/LOBBY via the relay.
	if err := ns.bus.LPush(ctx, callQueueKey, socketID); err != nil {
		logging.Warn(ctx, "call: failed to requeue remote socket")
		return
	}
	ns.deliver(ctx, socketID, EventLobby, map[string]any{"waiting": false})
}

func (ns *CallNamespace) roomForSocket(ctx context.Context, socketID string) (*callRoom, bool, error) {
	roomID, err := ns.bus.Get(ctx, callUserRoomKey(socketID))
	if err != nil || roomID == "" {
		return nil, false, nil
	}
	return ns.loadRoom(ctx, roomID)
}

func (ns *CallNamespace) loadRoom(ctx context.Context, roomID string) (*callRoom, bool, error) {
	raw, err := ns.bus.Get(ctx, callRoomKey(roomID))
	if err != nil || raw == "" {
		return nil, false, nil
	}
	var room callRoom
	if err := json.Unmarshal([]byte(raw), &room); err != nil {
		return nil, false, err
	}
	return &room, true, nil
}

func (ns *CallNamespace) saveRoom(ctx context.Context, room *callRoom) error {
	data, err := json.Marshal(room)
	if err != nil {
		return err
	}
	return ns.bus.Set(ctx, callRoomKey(room.ID), string(data), 0)
}

// HandleFriendRequest mirrors the chat namespace's friend_request handling
// for the call namespace's friend-request event (spec.md §6).
func (ns *CallNamespace) HandleFriendRequest(ctx context.Context, client *Client, senderUsername string, raw json.RawMessage) {
	var payload struct {
		TargetUserID string `json:"targetUserId"`
	}
	if err := json.Unmarshal(raw, &payload); err != nil || payload.TargetUserID == "" {
		client.Emit(EventError, map[string]any{"message": "invalid friend request payload"})
		return
	}
	if ns.friends == nil {
		client.Emit(EventError, map[string]any{"message": "friend requests unavailable"})
		return
	}
	if err := ns.friends.Create(ctx, client.ID, payload.TargetUserID); err != nil {
		logging.Warn(ctx, "call: friend request create failed")
		client.Emit(EventError, map[string]any{"message": "failed to send friend request"})
		return
	}
	if ns.notify != nil {
		if _, err := ns.notify.Create(ctx, payload.TargetUserID, "FRIEND_REQUEST", "New friend request",
			senderUsername+" wants to be friends", "normal",
			map[string]any{"fromUserId": client.ID, "fromUsername": senderUsername}); err != nil {
			logging.Warn(ctx, "call: friend request notification failed")
		}
	}
	client.Emit(EventFriendRequest, map[string]any{"status": "sent", "targetUserId": payload.TargetUserID})
}
