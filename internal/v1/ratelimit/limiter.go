// Package ratelimit implements rate limiting logic using Redis or local memory.
package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/pairup/match-core/internal/v1/config"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
	"github.com/pairup/match-core/internal/v1/token"
	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/ulule/limiter/v3"
	mgin "github.com/ulule/limiter/v3/drivers/middleware/gin"
	"github.com/ulule/limiter/v3/drivers/store/memory"
	sredis "github.com/ulule/limiter/v3/drivers/store/redis"
	"go.uber.org/zap"
)

// RateLimiter holds the rate limiter instances.
type RateLimiter struct {
	apiGlobal  *limiter.Limiter
	apiPublic  *limiter.Limiter
	wsIP       *limiter.Limiter
	wsUser     *limiter.Limiter
	socketMsg  *limiter.Limiter
	store      limiter.Store
	redisClient *redis.Client
}

// NewRateLimiter creates a new RateLimiter instance.
func NewRateLimiter(cfg *config.Config, redisClient *redis.Client) (*RateLimiter, error) {
	apiGlobalRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIGlobal)
	if err != nil {
		return nil, fmt.Errorf("invalid API global rate: %w", err)
	}

	apiPublicRate, err := limiter.NewRateFromFormatted(cfg.RateLimitAPIPublic)
	if err != nil {
		return nil, fmt.Errorf("invalid API public rate: %w", err)
	}

	wsIPRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsIP)
	if err != nil {
		return nil, fmt.Errorf("invalid WS IP rate: %w", err)
	}

	wsUserRate, err := limiter.NewRateFromFormatted(cfg.RateLimitWsUser)
	if err != nil {
		return nil, fmt.Errorf("invalid WS User rate: %w", err)
	}

	socketMsgRate, err := limiter.NewRateFromFormatted(cfg.RateLimitSocketMsg)
	if err != nil {
		return nil, fmt.Errorf("invalid socket message rate: %w", err)
	}

	var store limiter.Store
	if redisClient != nil {
		s, err := sredis.NewStoreWithOptions(redisClient, limiter.StoreOptions{
			Prefix: "limiter:v1:",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create redis store: %w", err)
		}
		store = s
		logging.Info(context.Background(), "rate limiter using Redis store")
	} else {
		store = memory.NewStore()
		logging.Warn(context.Background(), "rate limiter using memory store (Redis disabled or unavailable)")
	}

	return &RateLimiter{
		apiGlobal:   limiter.New(store, apiGlobalRate),
		apiPublic:   limiter.New(store, apiPublicRate),
		wsIP:        limiter.New(store, wsIPRate),
		wsUser:      limiter.New(store, wsUserRate),
		socketMsg:   limiter.New(store, socketMsgRate),
		store:       store,
		redisClient: redisClient,
	}, nil
}

// GlobalMiddleware returns a Gin middleware that enforces global rate limits:
// the user limit when a verified token claim is present in context, the
// public IP limit otherwise.
func (rl *RateLimiter) GlobalMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		var limiterInstance *limiter.Limiter
		var key string
		var limitType string

		if claim, ok := claimFromContext(c); ok {
			key = claim.SenderID
			limiterInstance = rl.apiGlobal
			limitType = "user"
		} else {
			key = c.ClientIP()
			limiterInstance = rl.apiPublic
			limitType = "ip"
		}

		ctx := c.Request.Context()
		result, err := limiterInstance.Get(ctx, key)
		if err != nil {
			// Redis failing the rate-limit check must never take down the API.
			logging.Error(ctx, "rate limiter store failed", zap.Error(err))
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.FormatInt(result.Limit, 10))
		c.Header("X-RateLimit-Remaining", strconv.FormatInt(result.Remaining, 10))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(result.Reset, 10))

		if result.Reached {
			metrics.RateLimitExceeded.WithLabelValues(c.FullPath(), limitType).Inc()
			c.Header("Retry-After", strconv.FormatInt(result.Reset-time.Now().Unix(), 10))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error":       "Too many requests",
				"retry_after": result.Reset,
			})
			return
		}

		metrics.RateLimitRequests.WithLabelValues(c.FullPath()).Inc()
		c.Next()
	}
}

// claimFromContext extracts a verified token.Claims stored in the gin context
// under the "claims" key. Returns false if absent or zero. No middleware in
// this module sets that key (httpapi.RequireAuth stores *auth.CustomClaims
// under "auth.claims"), so requests served by cmd/matchserver take the
// per-IP limit.
func claimFromContext(c *gin.Context) (token.Claims, bool) {
	v, exists := c.Get("claims")
	if !exists {
		return token.Claims{}, false
	}
	claim, ok := v.(token.Claims)
	if !ok || claim.IsZero() {
		return token.Claims{}, false
	}
	return claim, true
}

// CheckWebSocket enforces the per-IP connection limit ahead of the upgrade
// handshake. Returns true if allowed, false if the limit was exceeded (an
// error response has already been written in that case).
func (rl *RateLimiter) CheckWebSocket(c *gin.Context) bool {
	ctx := c.Request.Context()

	ip := c.ClientIP()
	ipResult, err := rl.wsIP.Get(ctx, ip)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (ip)", zap.Error(err))
		return true
	}

	if ipResult.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "ip").Inc()
		c.Header("X-RateLimit-Retry-After", strconv.FormatInt(ipResult.Reset, 10))
		c.JSON(http.StatusTooManyRequests, gin.H{"error": "Too many connections from this IP"})
		return false
	}

	return true
}

// CheckWebSocketUser enforces the per-user connection limit. Call after
// successfully authenticating the user.
func (rl *RateLimiter) CheckWebSocketUser(ctx context.Context, userID string) error {
	userResult, err := rl.wsUser.Get(ctx, userID)
	if err != nil {
		logging.Error(ctx, "ws rate limiter store failed (user)", zap.Error(err))
		return nil
	}

	if userResult.Reached {
		metrics.RateLimitExceeded.WithLabelValues("websocket_connect", "user").Inc()
		return fmt.Errorf("rate limit exceeded for user")
	}

	return nil
}

// CheckSocketMessage enforces the per-connection message rate (spec §4.F:
// 10 actions/sec). Call on every inbound socket event.
func (rl *RateLimiter) CheckSocketMessage(ctx context.Context, socketID string) bool {
	result, err := rl.socketMsg.Get(ctx, socketID)
	if err != nil {
		logging.Error(ctx, "socket message rate limiter store failed", zap.Error(err))
		return true
	}

	if result.Reached {
		metrics.RateLimitExceeded.WithLabelValues("socket_message", "connection").Inc()
		return false
	}

	metrics.RateLimitRequests.WithLabelValues("socket_message").Inc()
	return true
}

// StandardMiddleware exposes the stock ulule/limiter middleware for routes
// that only need the public IP limit.
func (rl *RateLimiter) StandardMiddleware() gin.HandlerFunc {
	return mgin.NewMiddleware(rl.apiPublic)
}
