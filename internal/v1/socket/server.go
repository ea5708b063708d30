package socket

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/pairup/match-core/internal/v1/auth"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/token"
)

// upgrader builds a websocket.Upgrader that only accepts connections from an
// allowed origin, mirroring the teacher's ServeWs CheckOrigin logic.
func upgrader() websocket.Upgrader {
	allowedOrigins := auth.GetAllowedOriginsFromEnv("ALLOWED_ORIGINS", []string{"http://localhost:3000"})
	return websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			originURL, err := url.Parse(origin)
			if err != nil {
				return false
			}
			for _, allowed := range allowedOrigins {
				allowedURL, err := url.Parse(allowed)
				if err != nil {
					continue
				}
				if originURL.Scheme == allowedURL.Scheme && originURL.Host == allowedURL.Host {
					return true
				}
			}
			return false
		},
		WriteBufferPool: &sync.Pool{
			New: func() any { return make([]byte, 4096) },
		},
	}
}

// Server wires the chat and call namespaces to their websocket upgrade
// routes (spec.md §4.F). Unlike the teacher's Auth0-gated hub, neither
// namespace requires a token up front: the pairing token (or its absence) is
// what determines whether a caller lands in a named room or the anonymous
// flow. ServeChat verifies the /chat token itself before calling the chat
// namespace; the call namespace verifies the /call token in HandleConnect.
type Server struct {
	tokens *token.Issuer
	chat   *ChatNamespace
	call   *CallNamespace
}

// NewServer returns a Server bound to its namespaces and the token issuer
// used to verify the optional pairing token on the /chat route.
func NewServer(tokens *token.Issuer, chat *ChatNamespace, call *CallNamespace) *Server {
	return &Server{tokens: tokens, chat: chat, call: call}
}

// Register mounts the websocket upgrade routes on router.
func (s *Server) Register(router gin.IRouter) {
	router.GET("/chat", s.ServeChat)
	router.GET("/call", s.ServeCall)
}

// ServeChat upgrades the connection and joins the caller to the room named
// by its pairing token, or the anonymous general lobby if none is present
// (spec.md §4.F "Chat namespace").
func (s *Server) ServeChat(c *gin.Context) {
	tokenString := c.Query("token")
	username := c.Query("username")

	conn, err := upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "socket: chat upgrade failed")
		return
	}

	claim := token.Claims{}
	if s.tokens != nil {
		claim = s.tokens.Verify(tokenString)
	}

	clientID := claim.SenderID
	senderUsername := claim.SenderUsername
	if clientID == "" {
		clientID = uuid.NewString()
		senderUsername = username
	}

	client := newClient(clientID, "chat", conn)
	ctx := c.Request.Context()

	s.chat.HandleConnect(ctx, client, claim.SenderID, claim.ReceiverID, claim.RoomID, senderUsername)

	go client.writePump()
	client.readPump(func(event string, data json.RawMessage) {
		s.dispatchChat(ctx, client, claim, senderUsername, event, data)
	}, func() {
		s.chat.HandleDisconnect(ctx, client)
	})
}

func (s *Server) dispatchChat(ctx context.Context, client *Client, claim token.Claims, senderUsername, event string, data json.RawMessage) {
	roomID := claim.RoomID
	if roomID == "" {
		roomID = GeneralRoomID
	}
	senderID := claim.SenderID
	if senderID == "" {
		senderID = client.ID
	}

	switch event {
	case EventMessage:
		s.chat.HandleMessage(ctx, client, roomID, senderID, claim.ReceiverID, senderUsername, claim.ReceiverUsername, data)
	case EventUserTyping:
		s.chat.HandleTyping(ctx, roomID, senderID, senderUsername, false)
	case EventUserStoppedTyping:
		s.chat.HandleTyping(ctx, roomID, senderID, senderUsername, true)
	case EventLeave:
		s.chat.HandleLeave(ctx, client)
	case EventFriendRequest:
		s.chat.HandleFriendRequest(ctx, client, senderID, senderUsername, data)
	default:
		client.Emit(EventError, map[string]any{"message": "unknown event: " + event})
	}
}

// ServeCall upgrades the connection and hands it to the call namespace,
// which decides between the pre-authed and anonymous-queue flows itself
// (spec.md §4.F "Call namespace", §9 open question ii).
func (s *Server) ServeCall(c *gin.Context) {
	tokenString := c.Query("token")

	conn, err := upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn(c.Request.Context(), "socket: call upgrade failed")
		return
	}

	clientID := uuid.NewString()
	client := newClient(clientID, "call", conn)
	ctx := c.Request.Context()

	s.call.HandleConnect(ctx, client, tokenString)

	go client.writePump()
	client.readPump(func(event string, data json.RawMessage) {
		s.dispatchCall(ctx, client, event, data)
	}, func() {
		s.call.HandleDisconnect(ctx, client)
	})
}

func (s *Server) dispatchCall(ctx context.Context, client *Client, event string, data json.RawMessage) {
	switch event {
	case EventOffer, EventAnswer, EventAddICECandidate, EventSendOffer, EventSignal:
		s.call.HandleSignal(ctx, client, event, data)
	case EventHeartbeat:
		s.call.HandleHeartbeat(ctx, client)
	case EventEndCall:
		s.call.HandleEndCall(ctx, client)
	case EventFriendRequest:
		s.call.HandleFriendRequest(ctx, client, client.ID, data)
	default:
		client.Emit(EventError, map[string]any{"message": "unknown event: " + event})
	}
}
