// Package bus wraps the Redis client used as both the distributed key-value
// store and the pub/sub fabric for cross-worker fan-out.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
)

// Required pub/sub channels (spec.md §4.G).
const (
	ChatMessagesChannel = "chat:messages"
	ChatRoomsChannel    = "chat:rooms"

	// CallEventsChannel carries targeted call-namespace relay frames
	// (offer/answer/ICE/lobby/callEnded) so the worker that actually holds
	// the destination socket can deliver them, the same adapter role
	// ChatMessagesChannel/ChatRoomsChannel play for the chat namespace
	// (spec.md §4.F, §9 "Pub/sub + local emit composition").
	CallEventsChannel = "call:events"
)

// SSEUserChannel returns the per-user notification channel name.
func SSEUserChannel(userID string) string {
	return "sse:user:" + userID
}

// Envelope is the standardized container for moving messages across workers.
type Envelope struct {
	Event    string          `json:"event"`
	Payload  json.RawMessage `json:"payload"`
	SenderID string          `json:"senderId,omitempty"`
}

// Service handles all interaction with the Redis cluster: pub/sub fan-out,
// sorted-set/hash/list primitives backing the Queue and Room-State stores,
// and distributed leases for the schedulers.
type Service struct {
	client *redis.Client
	cb     *gobreaker.CircuitBreaker
}

// Client returns the underlying Redis client, for callers that need raw
// pipelining (atomic multi-key writes) the circuit-breaker wrapper can't
// express one call at a time.
func (s *Service) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

// NewService creates a Redis connection guarded by a circuit breaker.
func NewService(addr, password string) (*Service, error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  10 * time.Second,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	st := gobreaker.Settings{
		Name:        "redis",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("redis").Set(stateVal)
		},
	}

	logging.Info(context.Background(), "connected to redis")
	return &Service{
		client: rdb,
		cb:     gobreaker.NewCircuitBreaker(st),
	}, nil
}

func (s *Service) degraded(ctx context.Context, op string, err error) bool {
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("redis").Inc()
		logging.Warn(ctx, "redis circuit breaker open, degrading", zap.String("op", op))
		return true
	}
	return false
}

// Publish broadcasts an envelope on an arbitrary channel.
func (s *Service) Publish(ctx context.Context, channel, event string, payload any, senderID string) error {
	if s == nil || s.client == nil {
		return nil
	}

	_, err := s.cb.Execute(func() (interface{}, error) {
		innerBytes, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal payload: %w", err)
		}
		msg := Envelope{Event: event, Payload: innerBytes, SenderID: senderID}
		data, err := json.Marshal(msg)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal envelope: %w", err)
		}
		return nil, s.client.Publish(ctx, channel, data).Err()
	})

	if err != nil {
		if s.degraded(ctx, "publish", err) {
			return nil
		}
		return fmt.Errorf("redis publish to %s failed: %w", channel, err)
	}
	return nil
}

// Subscribe starts a background goroutine delivering envelopes from a channel
// to handler until ctx is cancelled. Safe to call once per (channel, worker).
func (s *Service) Subscribe(ctx context.Context, channel string, wg *sync.WaitGroup, handler func(Envelope)) {
	if s == nil || s.client == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, channel)

	if wg != nil {
		wg.Add(1)
	}
	go func() {
		defer pubsub.Close()
		if wg != nil {
			defer wg.Done()
		}

		logging.Info(ctx, "subscribed to redis channel")
		ch := pubsub.Channel()

		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var env Envelope
				if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
					logging.Error(ctx, "failed to unmarshal redis message")
					continue
				}
				handler(env)
			}
		}
	}()
}

// Ping checks Redis connectivity.
func (s *Service) Ping(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Ping(ctx).Err()
	})
	if err != nil && !s.degraded(ctx, "ping", err) {
		return err
	}
	return nil
}

// Close gracefully shuts down the Redis connection.
func (s *Service) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// --- Set primitives (PresenceSet) ---

func (s *Service) SetAdd(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SAdd(ctx, key, member).Err()
	})
	if err != nil && !s.degraded(ctx, "sadd", err) {
		return fmt.Errorf("failed to add to set: %w", err)
	}
	return nil
}

func (s *Service) SetRem(ctx context.Context, key string, member string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.SRem(ctx, key, member).Err()
	})
	if err != nil && !s.degraded(ctx, "srem", err) {
		return fmt.Errorf("failed to remove from set: %w", err)
	}
	return nil
}

func (s *Service) SetMembers(ctx context.Context, key string) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SMembers(ctx, key).Result()
	})
	if err != nil {
		if s.degraded(ctx, "smembers", err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get set members: %w", err)
	}
	return res.([]string), nil
}

func (s *Service) SetIsMember(ctx context.Context, key, member string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SIsMember(ctx, key, member).Result()
	})
	if err != nil {
		if s.degraded(ctx, "sismember", err) {
			return false, nil
		}
		return false, err
	}
	return res.(bool), nil
}

// --- String primitives (Room-State, cooldowns, legacy detection) ---

func (s *Service) Get(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", redis.Nil
	}
	val, err := s.client.Get(ctx, key).Result()
	return val, err
}

func (s *Service) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Set(ctx, key, value, ttl).Err()
	})
	if err != nil && !s.degraded(ctx, "set", err) {
		return err
	}
	return nil
}

func (s *Service) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	res, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.SetNX(ctx, key, value, ttl).Result()
	})
	if err != nil {
		if s.degraded(ctx, "setnx", err) {
			return false, nil
		}
		return false, err
	}
	return res.(bool), nil
}

func (s *Service) Del(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil || len(keys) == 0 {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.Del(ctx, keys...).Err()
	})
	if err != nil && !s.degraded(ctx, "del", err) {
		return err
	}
	return nil
}

func (s *Service) Exists(ctx context.Context, key string) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	n, err := s.client.Exists(ctx, key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Type returns the Redis type of key ("none", "string", "set", "zset", "hash", "list").
func (s *Service) Type(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "none", nil
	}
	return s.client.Type(ctx, key).Result()
}

// --- List primitives (call queue, bounded message history) ---

func (s *Service) LPush(ctx context.Context, key string, value string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.LPush(ctx, key, value).Err()
	})
	if err != nil && !s.degraded(ctx, "lpush", err) {
		return err
	}
	return nil
}

func (s *Service) RPop(ctx context.Context, key string) (string, error) {
	if s == nil || s.client == nil {
		return "", redis.Nil
	}
	return s.client.RPop(ctx, key).Result()
}

func (s *Service) LLen(ctx context.Context, key string) (int64, error) {
	if s == nil || s.client == nil {
		return 0, nil
	}
	return s.client.LLen(ctx, key).Result()
}

func (s *Service) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	if s == nil || s.client == nil {
		return nil, nil
	}
	return s.client.LRange(ctx, key, start, stop).Result()
}

func (s *Service) LTrim(ctx context.Context, key string, start, stop int64) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.LTrim(ctx, key, start, stop).Err()
}

// RPush pushes value onto the tail of key's list — used to put a popped call
// queue entry back when its pairing partner turned out to be unavailable
// (spec.md §4.F call namespace), preserving its place as the oldest waiter.
func (s *Service) RPush(ctx context.Context, key string, value string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.RPush(ctx, key, value).Err()
	})
	if err != nil && !s.degraded(ctx, "rpush", err) {
		return err
	}
	return nil
}

// LRem removes up to count occurrences of value from key's list — used to
// drop a socket id from the call queue on disconnect before it is paired.
func (s *Service) LRem(ctx context.Context, key string, count int64, value string) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return nil, s.client.LRem(ctx, key, count, value).Err()
	})
	if err != nil && !s.degraded(ctx, "lrem", err) {
		return err
	}
	return nil
}

// --- Lease primitives (acquire-or-skip distributed mutual exclusion) ---

// AcquireLease attempts to take a named lease for ttl. Returns the opaque
// lock token and true on success; false (no error) if another worker
// already holds it — the normal, expected case in a multi-worker deployment.
func (s *Service) AcquireLease(ctx context.Context, name string, ttl time.Duration) (string, bool, error) {
	token := uuid.NewString()
	key := "lock:" + name
	ok, err := s.SetNX(ctx, key, token, ttl)
	if err != nil {
		return "", false, err
	}
	return token, ok, nil
}

var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
else
	return 0
end
`)

// ReleaseLease releases a lease previously acquired with the given token,
// only if the token still matches (guards against releasing a lease that
// expired and was re-acquired by another worker).
func (s *Service) ReleaseLease(ctx context.Context, name, token string) error {
	if s == nil || s.client == nil {
		return nil
	}
	key := "lock:" + name
	_, err := releaseLeaseScript.Run(ctx, s.client, []string{key}, token).Result()
	if err != nil && err != redis.Nil {
		logging.Warn(ctx, "lease release failed, will expire naturally")
		return nil
	}
	return nil
}

// Pipelined executes fn against a Redis pipeline and sends it atomically.
// Used for the Queue Store's multi-key writes and the Matcher's paired
// dequeue-plus-MatchTuple commit, which must succeed or fail as one unit.
func (s *Service) Pipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	if s == nil || s.client == nil {
		return nil
	}
	_, err := s.cb.Execute(func() (interface{}, error) {
		return s.client.TxPipelined(ctx, fn)
	})
	if err != nil && !s.degraded(ctx, "pipeline", err) {
		return err
	}
	return nil
}
