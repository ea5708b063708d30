// Package sse implements the GET /sse/events notification stream: a ping
// frame announcing total connected users, flush of any notification rows
// persisted while the caller was offline, and live fan-out of new
// notifications via the per-user Redis channel (spec.md §4.H, §6).
package sse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairup/match-core/internal/v1/auth"
	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
)

const keepAliveEvery = 30 * time.Second

// NotificationService is the subset of notify.Service the handler needs.
type NotificationService interface {
	ConnectionOpened(ctx context.Context, userID string) error
	ConnectionClosed(ctx context.Context, userID string) error
	SendUnsent(ctx context.Context, userID string) (int, error)
	TotalUsers(ctx context.Context) (int, error)
}

// Handler serves the SSE notification stream.
type Handler struct {
	bus    *bus.Service
	notify NotificationService

	mu   sync.Mutex
	subs map[string]int // per-userID counter; Stream does not use it and opens one bus.Subscribe per connection
}

// NewHandler wires a Handler to the pub/sub fabric and notification service.
func NewHandler(svc *bus.Service, notify NotificationService) *Handler {
	return &Handler{bus: svc, notify: notify, subs: make(map[string]int)}
}

// Register mounts GET /sse/events, guarded by authMiddleware.
func (h *Handler) Register(router gin.IRouter, authMiddleware gin.HandlerFunc) {
	router.GET("/sse/events", authMiddleware, h.Stream)
}

func callerID(c *gin.Context) (string, bool) {
	v, ok := c.Get("auth.claims")
	if !ok {
		return "", false
	}
	claims, ok := v.(*auth.CustomClaims)
	if !ok {
		return "", false
	}
	return claims.UserID(), true
}

// Stream handles one SSE connection end to end: registers presence, sends
// the initial ping + any flushed backlog, then relays live notification
// envelopes until the client disconnects.
func (h *Handler) Stream(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(401, gin.H{"error": "missing identity"})
		return
	}

	ctx := c.Request.Context()
	if err := h.notify.ConnectionOpened(ctx, userID); err != nil {
		logging.Warn(ctx, "sse: connection open bookkeeping failed")
	}
	defer func() {
		if err := h.notify.ConnectionClosed(context.Background(), userID); err != nil {
			logging.Warn(ctx, "sse: connection close bookkeeping failed")
		}
	}()

	c.Header("Content-Type", "text/event-stream")
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")

	total, err := h.notify.TotalUsers(ctx)
	if err != nil {
		logging.Warn(ctx, "sse: total users lookup failed")
	}
	c.SSEvent("ping", gin.H{"userId": userID, "totalUsers": total})
	c.Writer.Flush()

	if _, err := h.notify.SendUnsent(ctx, userID); err != nil {
		logging.Warn(ctx, "sse: flush of unsent notifications failed")
	}

	events := make(chan bus.Envelope, 16)
	var wg sync.WaitGroup
	subCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	h.bus.Subscribe(subCtx, bus.SSEUserChannel(userID), &wg, func(env bus.Envelope) {
		select {
		case events <- env:
		default:
			logging.Warn(ctx, "sse: dropped notification, client reading too slowly")
		}
	})

	ticker := time.NewTicker(keepAliveEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case env := <-events:
			c.SSEvent(env.Event, env.Payload)
			c.Writer.Flush()
		case <-ticker.C:
			c.SSEvent("ping", gin.H{"timestamp": fmt.Sprintf("%d", time.Now().Unix())})
			c.Writer.Flush()
		}
	}
}
