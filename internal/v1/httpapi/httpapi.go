// Package httpapi implements the search/heartbeat HTTP surface: enqueue,
// dequeue, one-shot match poll, and room-state heartbeat ingestion
// (spec.md §6).
package httpapi

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"

	"github.com/pairup/match-core/internal/v1/auth"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/middleware"
	"github.com/pairup/match-core/internal/v1/presence"
	"github.com/pairup/match-core/internal/v1/queue"
)

const claimsKey = "auth.claims"

var validate = validator.New()

// RequireAuth extracts and validates the Bearer token on every request,
// rejecting with 401 on failure and stashing the validated *auth.CustomClaims
// in gin context under claimsKey otherwise. authn is normally a *auth.JWKSValidator
// in production or *auth.MockValidator when SKIP_AUTH is set.
func RequireAuth(authn auth.Validator) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		const prefix = "Bearer "
		if len(header) <= len(prefix) || header[:len(prefix)] != prefix {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		claims, err := authn.ValidateToken(header[len(prefix):])
		if err != nil || claims.UserID() == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}

		c.Set(claimsKey, claims)
		c.Next()
	}
}

func callerID(c *gin.Context) (string, bool) {
	v, ok := c.Get(claimsKey)
	if !ok {
		return "", false
	}
	claims, ok := v.(*auth.CustomClaims)
	if !ok {
		return "", false
	}
	return claims.UserID(), true
}

// Handler binds the chat and call search pools plus the room-state store to
// their HTTP operations.
type Handler struct {
	pools  map[string]*queue.Store
	states *presence.Store
}

// NewHandler builds a Handler. pools must contain entries keyed "chat" and
// "call".
func NewHandler(pools map[string]*queue.Store, states *presence.Store) *Handler {
	return &Handler{pools: pools, states: states}
}

// Register mounts every route on router, guarded by authMiddleware.
func (h *Handler) Register(router gin.IRouter, authMiddleware gin.HandlerFunc) {
	group := router.Group("/api/v1")
	group.Use(authMiddleware)

	group.POST("/search/:pool/start-search/:userId", middleware.UserID("userId"), h.StartSearch)
	group.POST("/search/:pool/stop-search/:userId", middleware.UserID("userId"), h.StopSearch)
	group.GET("/search/:pool/:userId", middleware.UserID("userId"), h.PollMatch)
	group.POST("/heartbeat", h.Heartbeat)
}

func (h *Handler) pool(c *gin.Context) (*queue.Store, bool) {
	p, ok := h.pools[c.Param("pool")]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown pool"})
		return nil, false
	}
	return p, true
}

type startSearchRequest struct {
	Username  string   `json:"username" binding:"required"`
	Interests []string `json:"interests" validate:"max=32,dive,max=64"`
}

// StartSearch enqueues the caller into the named pool.
// POST /api/v1/search/:pool/start-search/:userId
func (h *Handler) StartSearch(c *gin.Context) {
	pool, ok := h.pool(c)
	if !ok {
		return
	}
	userID := c.Param("userId")
	if callerID, ok := callerID(c); !ok || callerID != userID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not authorize this user"})
		return
	}

	var req startSearchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := validate.Struct(req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := pool.Enqueue(c.Request.Context(), userID, req.Username, req.Interests); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to enqueue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"user": userID}})
}

// StopSearch removes the caller from the named pool.
// POST /api/v1/search/:pool/stop-search/:userId
func (h *Handler) StopSearch(c *gin.Context) {
	pool, ok := h.pool(c)
	if !ok {
		return
	}
	userID := c.Param("userId")
	if callerID, ok := callerID(c); !ok || callerID != userID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not authorize this user"})
		return
	}

	if err := pool.Dequeue(c.Request.Context(), userID); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to dequeue"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": gin.H{"user": userID}})
}

// PollMatch reads and deletes userId's pending MatchTuple, if any.
// GET /api/v1/search/:pool/:userId
func (h *Handler) PollMatch(c *gin.Context) {
	pool, ok := h.pool(c)
	if !ok {
		return
	}
	userID := c.Param("userId")
	if callerID, ok := callerID(c); !ok || callerID != userID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not authorize this user"})
		return
	}

	tuple, found, err := pool.ConsumeMatch(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to read match"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "no match pending"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"data": tuple})
}

type heartbeatRequest struct {
	RoomID   string `json:"roomId" binding:"required"`
	SenderID string `json:"senderId" binding:"required"`
}

// Heartbeat ingests a room-state heartbeat for the caller.
// POST /api/v1/heartbeat
func (h *Handler) Heartbeat(c *gin.Context) {
	var req heartbeatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if callerID, ok := callerID(c); !ok || callerID != req.SenderID {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "token does not authorize this user"})
		return
	}

	ctx := logging.WithRoomID(logging.WithUserID(c.Request.Context(), req.SenderID), req.RoomID)
	result, err := h.states.Heartbeat(ctx, req.RoomID, req.SenderID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to record heartbeat"})
		return
	}
	if !result.OK {
		c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": result.Reason})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"success": true,
		"message": "heartbeat recorded",
		"count":   result.Count,
		"state":   result.PeerState,
	})
}

