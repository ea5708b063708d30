package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
	"github.com/pairup/match-core/internal/v1/presence"
	"github.com/pairup/match-core/internal/v1/store"
)

// Chat outbound/inbound event names (spec.md §6).
const (
	EventMessage           = "message"
	EventMessageSent       = "message_sent"
	EventLeave             = "leave"
	EventUserTyping        = "user_typing"
	EventUserStoppedTyping = "user_stopped_typing"
	EventUserConnected     = "user_connected"
	EventUserDisconnected  = "user_disconnected"
	EventFriendRequest     = "friend_request"
	EventUserJoined        = "user_joined"
	EventUserLeft          = "user_left"
	EventRoomHistory       = "roomHistory"
	EventError             = "error"
)

// GeneralRoomID is the anonymous broadcast lobby (spec.md §9 "General
// lobby"): messages land only in the bounded KV list, no Room row, no
// RoomState.
const GeneralRoomID = store.GeneralRoomID

// roomIDPattern validates an explicitly-named room join (spec.md §4.F
// "Room-id validation on named joins").
var roomIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{3,50}$`)

const generalBufferKey = "global:message"
const generalBufferCap = 100
const roomMessageIDCap = 100

func roomMessageIDsKey(roomID string) string { return "chat:room:" + roomID + ":messages" }

// roomEvent is the wire shape published on bus.ChatRoomsChannel.
type roomEvent struct {
	Type      string `json:"type"`
	RoomID    string `json:"roomId"`
	ClientID  string `json:"clientId"`
	Username  string `json:"username"`
	Timestamp int64  `json:"timestamp"`
}

// MessageRepository is the subset of store.MessageRepository the chat
// namespace needs for non-general rooms.
type MessageRepository interface {
	Create(ctx context.Context, msg store.Message) (store.Message, error)
}

// FriendshipRepository is the subset of store.FriendshipRepository the
// friend_request handler needs.
type FriendshipRepository interface {
	Create(ctx context.Context, userID, friendID string) error
}

// NotificationCreator is the subset of notify.Service the friend_request
// handler needs, to publish a FRIEND_REQUEST notification to the target.
type NotificationCreator interface {
	Create(ctx context.Context, userID, typ, title, message, priority string, data map[string]any) (store.Notification, error)
}

// occupant is a connected chat socket's identity.
type occupant struct {
	client   *Client
	userID   string
	username string
}

// ChatNamespace implements the /chat socket namespace: room join, message
// relay via the pub/sub bus, typing/presence fan-out, and friend requests
// (spec.md §4.F "Chat namespace").
type ChatNamespace struct {
	bus      *bus.Service
	states   *presence.Store
	messages MessageRepository
	friends  FriendshipRepository
	notify   NotificationCreator

	mu    sync.Mutex
	rooms map[string]map[string]*occupant // roomID -> clientID -> occupant
}

// NewChatNamespace wires a ChatNamespace to its collaborators. friends and
// notify may be nil in deployments that don't wire the friendship feature.
func NewChatNamespace(svc *bus.Service, states *presence.Store, messages MessageRepository, friends FriendshipRepository, notify NotificationCreator) *ChatNamespace {
	return &ChatNamespace{
		bus:      svc,
		states:   states,
		messages: messages,
		friends:  friends,
		notify:   notify,
		rooms:    make(map[string]map[string]*occupant),
	}
}

// Subscribe starts the two worker-wide subscriptions that turn bus
// publications into local room broadcasts, so a message published by one
// worker reaches sockets attached to any other (spec.md §9 "Pub/sub + local
// emit composition" — required for S5 to pass).
func (ns *ChatNamespace) Subscribe(ctx context.Context, wg *sync.WaitGroup) {
	ns.bus.Subscribe(ctx, bus.ChatMessagesChannel, wg, ns.onBusMessage)
	ns.bus.Subscribe(ctx, bus.ChatRoomsChannel, wg, ns.onBusRoomEvent)
}

func (ns *ChatNamespace) onBusMessage(env bus.Envelope) {
	var msg store.Message
	if err := json.Unmarshal(env.Payload, &msg); err != nil {
		logging.Warn(context.Background(), "chat: failed to decode bus message")
		return
	}
	ns.broadcastLocal(msg.RoomID, EventMessage, msg, env.SenderID)
}

func (ns *ChatNamespace) onBusRoomEvent(env bus.Envelope) {
	var evt roomEvent
	if err := json.Unmarshal(env.Payload, &evt); err != nil {
		logging.Warn(context.Background(), "chat: failed to decode bus room event")
		return
	}
	ns.broadcastLocal(evt.RoomID, env.Event, evt, env.SenderID)
}

// broadcastLocal delivers payload to every socket this worker has joined to
// roomID, except the originating sender (who already has their own local
// copy or an ack).
func (ns *ChatNamespace) broadcastLocal(roomID, event string, payload any, senderID string) {
	ns.mu.Lock()
	members := ns.rooms[roomID]
	ns.mu.Unlock()
	for id, occ := range members {
		if id == senderID {
			continue
		}
		occ.client.Emit(event, payload)
	}
}

// HandleConnect joins the socket to the room named by its already-verified
// token claim. An empty roomID (no token, or one that failed verification)
// defaults to the anonymous general lobby
// (spec.md §4.F: roomId="general", senderId=socket-id, receiverId="global").
func (ns *ChatNamespace) HandleConnect(ctx context.Context, client *Client, senderID, receiverID, roomID, username string) {
	if roomID == "" {
		roomID = GeneralRoomID
		senderID = client.ID
		receiverID = "global"
	}

	ns.join(ctx, client, roomID, senderID, username)
	metrics.ActiveSocketConnections.WithLabelValues("chat").Inc()
	_ = receiverID // carried for symmetry with the token claim shape; routing needs only roomID
}

func (ns *ChatNamespace) join(ctx context.Context, client *Client, roomID, userID, username string) {
	ns.mu.Lock()
	if ns.rooms[roomID] == nil {
		ns.rooms[roomID] = make(map[string]*occupant)
	}
	ns.rooms[roomID][client.ID] = &occupant{client: client, userID: userID, username: username}
	ns.mu.Unlock()

	if roomID != GeneralRoomID && ns.states != nil {
		if _, found, err := ns.states.Get(ctx, roomID); err == nil && !found {
			// Lazily initialize RoomState for a room the matcher didn't set up
			// (e.g. a directly-joined named room), per spec.md §4.F connect step.
			if err := ns.states.Init(ctx, roomID, presence.Chat, userID, "unknown"); err != nil {
				logging.Warn(ctx, "chat: lazy room-state init failed")
			}
		}
	}

	ns.publishRoomEvent(ctx, "connected", roomID, userID, username)
	client.Emit(EventUserJoined, roomEvent{Type: "join", RoomID: roomID, ClientID: userID, Username: username, Timestamp: time.Now().UnixMilli()})
}

// HandleDisconnect removes the socket from whatever room it occupied and
// notifies the remaining occupants.
func (ns *ChatNamespace) HandleDisconnect(ctx context.Context, client *Client) {
	roomID, userID, username, ok := ns.leaveAll(client)
	if !ok {
		return
	}
	ns.publishRoomEvent(ctx, "disconnected", roomID, userID, username)
}

// HandleLeave processes an explicit `leave` event distinctly from a
// connection drop, publishing a "leave" room event instead of "disconnected".
func (ns *ChatNamespace) HandleLeave(ctx context.Context, client *Client) {
	roomID, userID, username, ok := ns.leaveAll(client)
	if !ok {
		return
	}
	ns.publishRoomEvent(ctx, "leave", roomID, userID, username)
}

func (ns *ChatNamespace) leaveAll(client *Client) (roomID, userID, username string, ok bool) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for rid, members := range ns.rooms {
		if occ, present := members[client.ID]; present {
			delete(members, client.ID)
			if len(members) == 0 {
				delete(ns.rooms, rid)
			}
			return rid, occ.userID, occ.username, true
		}
	}
	return "", "", "", false
}

func (ns *ChatNamespace) publishRoomEvent(ctx context.Context, typ, roomID, clientID, username string) {
	evt := roomEvent{Type: typ, RoomID: roomID, ClientID: clientID, Username: username, Timestamp: time.Now().UnixMilli()}
	if err := ns.bus.Publish(ctx, bus.ChatRoomsChannel, eventNameFor(typ), evt, clientID); err != nil {
		logging.Warn(ctx, "chat: failed to publish room event")
	}
}

func eventNameFor(typ string) string {
	switch typ {
	case "typing":
		return EventUserTyping
	case "stopped_typing":
		return EventUserStoppedTyping
	case "connected":
		return EventUserConnected
	case "disconnected":
		return EventUserDisconnected
	case "leave":
		return EventUserLeft
	case "join":
		return EventUserJoined
	default:
		return typ
	}
}

// messagePayload is the inbound shape of a `message` event.
type messagePayload struct {
	Content string          `json:"content"`
	Type    store.MessageType `json:"type"`
}

// HandleMessage validates, persists, and fans out a chat message. senderID
// and roomID are server-controlled (from the verified token or the
// anonymous-lobby default), never taken from the payload (spec.md §4.F).
func (ns *ChatNamespace) HandleMessage(ctx context.Context, client *Client, roomID, senderID, receiverID, senderUsername, receiverUsername string, raw json.RawMessage) {
	var payload messagePayload
	if err := json.Unmarshal(raw, &payload); err != nil || payload.Content == "" {
		client.Emit(EventError, map[string]any{"message": "invalid message payload"})
		metrics.SocketEventsTotal.WithLabelValues("chat", EventMessage, "invalid").Inc()
		return
	}
	if payload.Type == "" {
		payload.Type = store.MessageText
	}

	msg := store.Message{
		ID:               uuid.NewString(),
		Content:          payload.Content,
		SenderID:         senderID,
		ReceiverID:       receiverID,
		RoomID:           roomID,
		Type:             payload.Type,
		SenderUsername:   senderUsername,
		ReceiverUsername: receiverUsername,
		Timestamp:        time.Now().UnixMilli(),
	}

	if roomID == GeneralRoomID {
		ns.appendGeneralBuffer(ctx, msg)
	} else if ns.messages != nil {
		persisted, err := ns.messages.Create(ctx, msg)
		if err != nil {
			logging.Error(ctx, "chat: failed to persist message")
			client.Emit(EventError, map[string]any{"message": "failed to send message"})
			metrics.SocketEventsTotal.WithLabelValues("chat", EventMessage, "error").Inc()
			return
		}
		msg = persisted
	}

	ns.appendRoomMessageID(ctx, roomID, msg.ID)

	if err := ns.bus.Publish(ctx, bus.ChatMessagesChannel, EventMessage, msg, senderID); err != nil {
		logging.Warn(ctx, "chat: failed to publish message to bus")
	}

	client.Emit(EventMessageSent, map[string]any{"id": msg.ID, "timestamp": msg.Timestamp})
	metrics.SocketEventsTotal.WithLabelValues("chat", EventMessage, "ok").Inc()
}

func (ns *ChatNamespace) appendGeneralBuffer(ctx context.Context, msg store.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	if err := ns.bus.LPush(ctx, generalBufferKey, string(data)); err != nil {
		logging.Warn(ctx, "chat: failed to append general buffer")
		return
	}
	if err := ns.bus.LTrim(ctx, generalBufferKey, 0, generalBufferCap-1); err != nil {
		logging.Warn(ctx, "chat: failed to trim general buffer")
	}
}

func (ns *ChatNamespace) appendRoomMessageID(ctx context.Context, roomID, messageID string) {
	key := roomMessageIDsKey(roomID)
	if err := ns.bus.LPush(ctx, key, messageID); err != nil {
		logging.Warn(ctx, "chat: failed to append room message id")
		return
	}
	if err := ns.bus.LTrim(ctx, key, 0, roomMessageIDCap-1); err != nil {
		logging.Warn(ctx, "chat: failed to trim room message id list")
	}
}

// HandleTyping publishes an ephemeral typing/stopped_typing room event.
func (ns *ChatNamespace) HandleTyping(ctx context.Context, roomID, userID, username string, stopped bool) {
	typ := "typing"
	if stopped {
		typ = "stopped_typing"
	}
	ns.publishRoomEvent(ctx, typ, roomID, userID, username)
}

// HandleFriendRequest invokes the friendship collaborator and publishes a
// FRIEND_REQUEST notification to the target (spec.md §4.F, §9 open question
// i: the friendship schema is treated as a boolean lookup only).
func (ns *ChatNamespace) HandleFriendRequest(ctx context.Context, client *Client, senderID, senderUsername string, raw json.RawMessage) {
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

	if err := ns.friends.Create(ctx, senderID, payload.TargetUserID); err != nil {
		logging.Warn(ctx, "chat: friend request create failed")
		client.Emit(EventError, map[string]any{"message": "failed to send friend request"})
		return
	}

	if ns.notify != nil {
		_, err := ns.notify.Create(ctx, payload.TargetUserID, "FRIEND_REQUEST",
			"New friend request", fmt.Sprintf("%s wants to be friends", senderUsername),
			"normal", map[string]any{"fromUserId": senderID, "fromUsername": senderUsername})
		if err != nil {
			logging.Warn(ctx, "chat: friend request notification failed")
		}
	}

	client.Emit(EventFriendRequest, map[string]any{"status": "sent", "targetUserId": payload.TargetUserID})
}

// ValidRoomID reports whether roomID matches the named-join character class
// (spec.md §4.F "Room-id validation on named joins").
func ValidRoomID(roomID string) bool {
	return roomIDPattern.MatchString(roomID)
}
