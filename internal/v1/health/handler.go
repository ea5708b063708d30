package health

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
	"go.uber.org/zap"
)

// UserCounter is the subset of notify.Service the summary endpoint needs to
// approximate how many users are currently connected.
type UserCounter interface {
	TotalUsers(ctx context.Context) (int, error)
}

// Handler manages health check endpoints.
type Handler struct {
	redisService *bus.Service
	db           *sql.DB
	users        UserCounter
	startedAt    time.Time
}

// NewHandler creates a new health check handler. users may be nil, in which
// case Summary reports zero approximate total users.
func NewHandler(redisService *bus.Service, db *sql.DB, users UserCounter) *Handler {
	return &Handler{
		redisService: redisService,
		db:           db,
		users:        users,
		startedAt:    time.Now(),
	}
}

// LivenessResponse represents the liveness probe response.
type LivenessResponse struct {
	Status    string `json:"status"`
	Timestamp string `json:"timestamp"`
}

// ReadinessResponse represents the readiness probe response.
type ReadinessResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// Liveness handles the liveness probe endpoint.
// GET /health/live
// Returns 200 if the process is alive (no dependency checks).
func (h *Handler) Liveness(c *gin.Context) {
	response := LivenessResponse{
		Status:    "alive",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(http.StatusOK, response)
}

// Readiness handles the readiness probe endpoint.
// GET /health/ready
// Returns 200 only if all critical dependencies are healthy.
// Returns 503 if any dependency is unhealthy.
func (h *Handler) Readiness(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 3*time.Second)
	defer cancel()

	checks := make(map[string]string)
	allHealthy := true

	redisStatus := h.checkRedis(ctx)
	checks["redis"] = redisStatus
	if redisStatus != "healthy" {
		allHealthy = false
	}

	dbStatus := h.checkDatabase(ctx)
	checks["database"] = dbStatus
	if dbStatus != "healthy" {
		allHealthy = false
	}

	status := "ready"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "unavailable"
		statusCode = http.StatusServiceUnavailable
	}

	response := ReadinessResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}

	c.JSON(statusCode, response)
}

// checkRedis verifies Redis connectivity using PING.
func (h *Handler) checkRedis(ctx context.Context) string {
	if h.redisService == nil {
		return "healthy"
	}

	if err := h.redisService.Ping(ctx); err != nil {
		logging.Error(ctx, "Redis health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// checkDatabase verifies Postgres connectivity using PING.
func (h *Handler) checkDatabase(ctx context.Context) string {
	if h.db == nil {
		return "healthy"
	}

	if err := h.db.PingContext(ctx); err != nil {
		logging.Error(ctx, "database health check failed", zap.Error(err))
		return "unhealthy"
	}

	return "healthy"
}

// SummaryResponse is the literal GET /health payload (spec.md §6): enough to
// eyeball process health without scraping /metrics.
type SummaryResponse struct {
	UptimeSeconds    float64 `json:"uptimeSeconds"`
	MemoryAllocBytes uint64  `json:"memoryAllocBytes"`
	MemorySysBytes   uint64  `json:"memorySysBytes"`
	NumGoroutine     int     `json:"numGoroutine"`
	ApproxTotalUsers int     `json:"approxTotalUsers"`
}

// Summary handles the general-purpose health endpoint.
// GET /health
// Unlike Liveness/Readiness (used by an orchestrator's probes), this is a
// human/dashboard-facing snapshot and never fails: a users lookup error just
// reports zero rather than a 5xx.
func (h *Handler) Summary(c *gin.Context) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	total := 0
	if h.users != nil {
		if n, err := h.users.TotalUsers(c.Request.Context()); err == nil {
			total = n
		} else {
			logging.Warn(c.Request.Context(), "health: total users lookup failed")
		}
	}

	c.JSON(http.StatusOK, SummaryResponse{
		UptimeSeconds:    time.Since(h.startedAt).Seconds(),
		MemoryAllocBytes: mem.Alloc,
		MemorySysBytes:   mem.Sys,
		NumGoroutine:     runtime.NumGoroutine(),
		ApproxTotalUsers: total,
	})
}

// HealthCheckResponse is a generic health check response for backward compatibility.
type HealthCheckResponse struct {
	Status string         `json:"status"`
	Data   map[string]any `json:"data,omitempty"`
}

// MarshalJSON implements custom JSON marshaling for better formatting.
func (r ReadinessResponse) MarshalJSON() ([]byte, error) {
	type Alias ReadinessResponse
	return json.Marshal(&struct {
		*Alias
	}{
		Alias: (*Alias)(&r),
	})
}
