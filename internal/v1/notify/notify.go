// Package notify implements the notification create/flush pipeline: publish
// synchronously to a present recipient's SSE channel, or persist for
// at-least-once delivery on their next connect (spec.md §4.H).
package notify

import (
	"context"
	"fmt"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
	"github.com/pairup/match-core/internal/v1/store"
)

const presenceSetKey = "sse:users"
const connectionsHashKey = "sse:user:connections"

// Repository is the subset of store.NotificationRepository the service needs.
type Repository interface {
	Create(ctx context.Context, n store.Notification, isSent bool) (store.Notification, error)
	ListUnsent(ctx context.Context, userID string) ([]store.Notification, error)
	Delete(ctx context.Context, id string) error
}

// Service implements the create/flush notification pipeline.
type Service struct {
	bus  *bus.Service
	repo Repository
}

// NewService wires a Service to its pub/sub fabric and durable repository.
func NewService(svc *bus.Service, repo Repository) *Service {
	return &Service{bus: svc, repo: repo}
}

// Create persists a Notification and, if userID currently holds an open SSE
// stream, publishes it immediately. Otherwise the row stays unsent until the
// next SendUnsent flush.
func (s *Service) Create(ctx context.Context, userID, typ, title, message, priority string, data map[string]any) (store.Notification, error) {
	present, err := s.bus.SetIsMember(ctx, presenceSetKey, userID)
	if err != nil {
		logging.Warn(ctx, "notify: presence check failed, treating as offline")
		present = false
	}

	n, err := s.repo.Create(ctx, store.Notification{
		UserID: userID, Type: typ, Title: title, Message: message, Priority: priority, Data: data,
	}, present)
	if err != nil {
		return store.Notification{}, fmt.Errorf("notify: create: %w", err)
	}

	delivery := "persisted"
	if present {
		if err := s.bus.Publish(ctx, bus.SSEUserChannel(userID), "notification", n, ""); err != nil {
			logging.Warn(ctx, "notify: publish failed despite presence hit")
		} else {
			delivery = "published"
		}
	}
	metrics.NotificationsTotal.WithLabelValues(delivery).Inc()
	return n, nil
}

// SendUnsent flushes every undelivered notification for userID to their SSE
// channel, deleting each row only after a successful publish. Called on SSE
// `open` (spec.md §4.H flush path).
func (s *Service) SendUnsent(ctx context.Context, userID string) (int, error) {
	pending, err := s.repo.ListUnsent(ctx, userID)
	if err != nil {
		return 0, fmt.Errorf("notify: list unsent: %w", err)
	}

	flushed := 0
	for _, n := range pending {
		if err := s.bus.Publish(ctx, bus.SSEUserChannel(userID), "notification", n, ""); err != nil {
			metrics.SSEFlushedTotal.WithLabelValues("failed").Inc()
			continue
		}
		if err := s.repo.Delete(ctx, n.ID); err != nil {
			logging.Warn(ctx, "notify: flushed row failed to delete, will resend")
			continue
		}
		metrics.SSEFlushedTotal.WithLabelValues("ok").Inc()
		flushed++
	}
	return flushed, nil
}

// ConnectionOpened records a new SSE stream for userID, adding them to the
// presence set if this is their first concurrent connection.
func (s *Service) ConnectionOpened(ctx context.Context, userID string) error {
	client := s.bus.Client()
	if client == nil {
		return nil
	}
	n, err := client.HIncrBy(ctx, connectionsHashKey, userID, 1).Result()
	if err != nil {
		return fmt.Errorf("notify: incr connection count: %w", err)
	}
	if n == 1 {
		if err := s.bus.SetAdd(ctx, presenceSetKey, userID); err != nil {
			return fmt.Errorf("notify: add presence: %w", err)
		}
		metrics.SSEConnectionsActive.Inc()
	}
	return nil
}

// ConnectionClosed records an SSE stream closing, removing userID from the
// presence set once their last connection has gone.
func (s *Service) ConnectionClosed(ctx context.Context, userID string) error {
	client := s.bus.Client()
	if client == nil {
		return nil
	}
	n, err := client.HIncrBy(ctx, connectionsHashKey, userID, -1).Result()
	if err != nil {
		return fmt.Errorf("notify: decr connection count: %w", err)
	}
	if n <= 0 {
		client.HDel(ctx, connectionsHashKey, userID)
		if err := s.bus.SetRem(ctx, presenceSetKey, userID); err != nil {
			return fmt.Errorf("notify: remove presence: %w", err)
		}
		metrics.SSEConnectionsActive.Dec()
	}
	return nil
}

// TotalUsers returns the live pool-agnostic presence count, used for the
// SSE endpoint's first ping frame (spec.md §6).
func (s *Service) TotalUsers(ctx context.Context) (int, error) {
	members, err := s.bus.SetMembers(ctx, presenceSetKey)
	if err != nil {
		return 0, fmt.Errorf("notify: total users: %w", err)
	}
	return len(members), nil
}
