// Package queue implements the per-pool search queue: the sorted-set/hash
// primitives backing enqueue, dequeue, heartbeat, sweep and listing, plus the
// cooldown flag and one-shot match tuple handoff that ride on the same keys
// (spec.md §3, §4.A).
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
)

const (
	userHashTTL           = 120 * time.Second
	interestSetTTL        = 150 * time.Second
	userInterestsTTL      = 120 * time.Second
	usernameIndexTTL      = 120 * time.Second
	cooldownTTL           = 7 * time.Second
	defaultSweepThreshold = 30 * time.Second
)

// SearchUser is a live pool member, as returned by ListAvailable.
type SearchUser struct {
	ID            string
	Username      string
	Interests     []string
	JoinedAt      int64
	LastHeartbeat int64
}

// MatchTuple is the one-shot handoff record written by the matcher and
// consumed by the owning user's first poll.
type MatchTuple struct {
	PeerUserID string `json:"peerUserId"`
	Token      string `json:"token"`
	RoomID     string `json:"roomId"`
	IsFriend   bool   `json:"isFriend"`
}

// Store wraps one search pool ("chat" or "call").
type Store struct {
	bus  *bus.Service
	pool string
}

// NewStore returns a Store bound to the given pool name.
func NewStore(svc *bus.Service, pool string) *Store {
	return &Store{bus: svc, pool: pool}
}

// Bus exposes the underlying bus.Service so collaborators (the Matcher) can
// fold this pool's dequeue into a larger pipelined transaction.
func (s *Store) Bus() *bus.Service { return s.bus }

func (s *Store) poolKey() string               { return "users:" + s.pool }
func (s *Store) userKey(userID string) string  { return fmt.Sprintf("user:%s:%s", s.pool, userID) }
func (s *Store) interestKey(tag string) string { return fmt.Sprintf("interest:%s:%s", s.pool, tag) }
func (s *Store) userInterestsKey(userID string) string {
	return fmt.Sprintf("user_interests:%s:%s", s.pool, userID)
}
func (s *Store) usernameIndexKey(username string) string {
	return fmt.Sprintf("users:%s:index:username:%s", s.pool, username)
}
func (s *Store) matchKey(userID string) string { return fmt.Sprintf("match:%s:%s", s.pool, userID) }

func cooldownKey(userID string) string { return "user_prevent_match:" + userID }

func nowMs() int64 { return time.Now().UnixMilli() }

// Enqueue writes userID into the pool, its metadata hash, and every
// interest→user membership, all in one pipelined transaction. If username is
// already bound to a different id, that old id is fully removed first —
// per spec.md §4.A, the username index displaces the stale entry.
func (s *Store) Enqueue(ctx context.Context, userID, username string, interests []string) error {
	client := s.bus.Client()
	if client == nil {
		return nil
	}

	oldIDs, err := client.SMembers(ctx, s.usernameIndexKey(username)).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("queue: read username index: %w", err)
	}
	for _, oldID := range oldIDs {
		if oldID != "" && oldID != userID {
			if err := s.Dequeue(ctx, oldID); err != nil {
				logging.Warn(ctx, "queue: failed to displace stale username index entry")
			}
		}
	}

	now := nowMs()
	return s.bus.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, s.poolKey(), redis.Z{Score: float64(now), Member: userID})

		p.HSet(ctx, s.userKey(userID), map[string]interface{}{
			"username":      username,
			"timestamp":     now,
			"lastHeartbeat": now,
		})
		p.Expire(ctx, s.userKey(userID), userHashTTL)

		ik := s.userInterestsKey(userID)
		p.Del(ctx, ik)
		for idx, tag := range interests {
			p.ZAdd(ctx, ik, redis.Z{Score: float64(idx), Member: tag})
			p.ZAdd(ctx, s.interestKey(tag), redis.Z{Score: float64(now), Member: userID})
			p.Expire(ctx, s.interestKey(tag), interestSetTTL)
		}
		p.Expire(ctx, ik, userInterestsTTL)

		p.SAdd(ctx, s.usernameIndexKey(username), userID)
		p.Expire(ctx, s.usernameIndexKey(username), usernameIndexTTL)
		return nil
	})
}

// Dequeue removes userID from every container for this pool: the interest
// memberships, the pool set, the user hash, the interests list, and the
// username index — all pipelined.
func (s *Store) Dequeue(ctx context.Context, userID string) error {
	client := s.bus.Client()
	if client == nil {
		return nil
	}

	tags, err := client.ZRange(ctx, s.userInterestsKey(userID), 0, -1).Result()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("queue: read user interests: %w", err)
	}
	username, _ := client.HGet(ctx, s.userKey(userID), "username").Result()

	return s.bus.Pipelined(ctx, func(p redis.Pipeliner) error {
		for _, tag := range tags {
			p.ZRem(ctx, s.interestKey(tag), userID)
		}
		p.ZRem(ctx, s.poolKey(), userID)
		p.Del(ctx, s.userKey(userID))
		p.Del(ctx, s.userInterestsKey(userID))
		if username != "" {
			p.SRem(ctx, s.usernameIndexKey(username), userID)
		}
		return nil
	})
}

// Heartbeat refreshes lastHeartbeat on the user hash and extends its TTL so
// the record survives as long as heartbeats keep arriving.
func (s *Store) Heartbeat(ctx context.Context, userID string) error {
	client := s.bus.Client()
	if client == nil {
		return nil
	}
	key := s.userKey(userID)
	if err := client.HSet(ctx, key, "lastHeartbeat", nowMs()).Err(); err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	client.Expire(ctx, key, userHashTTL)
	return nil
}

// SweepInactive removes any pool member whose lastHeartbeat (or joinedAt, if
// no heartbeat was ever recorded) is older than threshold. Returns the
// number of users dequeued.
func (s *Store) SweepInactive(ctx context.Context, threshold time.Duration) (int, error) {
	if threshold <= 0 {
		threshold = defaultSweepThreshold
	}
	client := s.bus.Client()
	if client == nil {
		return 0, nil
	}

	members, err := client.ZRangeWithScores(ctx, s.poolKey(), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return 0, nil
		}
		return 0, fmt.Errorf("queue: sweep scan: %w", err)
	}

	cutoff := nowMs() - threshold.Milliseconds()
	swept := 0
	for _, z := range members {
		userID, _ := z.Member.(string)
		if userID == "" {
			continue
		}
		lastActivity := int64(z.Score)
		if raw, err := client.HGet(ctx, s.userKey(userID), "lastHeartbeat").Int64(); err == nil {
			lastActivity = raw
		}
		if lastActivity < cutoff {
			if err := s.Dequeue(ctx, userID); err != nil {
				logging.Warn(ctx, "queue: sweep dequeue failed")
				continue
			}
			swept++
		}
	}
	return swept, nil
}

// ListAvailable returns every live pool member, ordered by ascending
// joinedAt (the pool set's score), which is also the matcher's tie-break.
func (s *Store) ListAvailable(ctx context.Context) ([]SearchUser, error) {
	client := s.bus.Client()
	if client == nil {
		return nil, nil
	}

	members, err := client.ZRangeWithScores(ctx, s.poolKey(), 0, -1).Result()
	if err != nil {
		if err == redis.Nil {
			return nil, nil
		}
		return nil, fmt.Errorf("queue: list available: %w", err)
	}

	users := make([]SearchUser, 0, len(members))
	for _, z := range members {
		userID, _ := z.Member.(string)
		if userID == "" {
			continue
		}
		fields, err := client.HGetAll(ctx, s.userKey(userID)).Result()
		if err != nil || len(fields) == 0 {
			continue
		}
		tags, _ := client.ZRange(ctx, s.userInterestsKey(userID), 0, -1).Result()

		lastHeartbeat := int64(z.Score)
		if v, err := parseInt64(fields["lastHeartbeat"]); err == nil {
			lastHeartbeat = v
		}

		users = append(users, SearchUser{
			ID:            userID,
			Username:      fields["username"],
			Interests:     tags,
			JoinedAt:      int64(z.Score),
			LastHeartbeat: lastHeartbeat,
		})
	}

	sort.SliceStable(users, func(i, j int) bool { return users[i].JoinedAt < users[j].JoinedAt })
	return users, nil
}

func parseInt64(s string) (int64, error) {
	var v int64
	_, err := fmt.Sscanf(s, "%d", &v)
	return v, err
}

// CommonInterests returns the intersection of a and b, preserving a's order.
func CommonInterests(a, b []string) []string {
	set := make(map[string]struct{}, len(b))
	for _, tag := range b {
		set[tag] = struct{}{}
	}
	var common []string
	for _, tag := range a {
		if _, ok := set[tag]; ok {
			common = append(common, tag)
		}
	}
	return common
}

// HealLegacyPool detects a plain-set representation of the pool (predating
// the sorted-set invariant) and upgrades it in place, scoring every member
// by the current time so the sweeper can resume operating correctly.
func (s *Store) HealLegacyPool(ctx context.Context) error {
	client := s.bus.Client()
	if client == nil {
		return nil
	}

	kind, err := s.bus.Type(ctx, s.poolKey())
	if err != nil || kind != "set" {
		return nil
	}

	members, err := client.SMembers(ctx, s.poolKey()).Result()
	if err != nil {
		return fmt.Errorf("queue: heal legacy pool read: %w", err)
	}

	now := float64(nowMs())
	return s.bus.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, s.poolKey())
		for _, m := range members {
			p.ZAdd(ctx, s.poolKey(), redis.Z{Score: now, Member: m})
		}
		return nil
	})
}

// SetCooldown marks userID as recently matched, preventing immediate
// rematch for cooldownTTL (~7s).
func (s *Store) SetCooldown(ctx context.Context, userID string) error {
	return s.bus.Set(ctx, cooldownKey(userID), "1", cooldownTTL)
}

// HasCooldown reports whether userID currently has an active cooldown flag.
func (s *Store) HasCooldown(ctx context.Context, userID string) (bool, error) {
	return s.bus.Exists(ctx, cooldownKey(userID))
}

// QueueDequeueOnPipe appends this pool's dequeue of userID (interest
// memberships, pool set, user hash, interests list) to an existing pipeline;
// unlike Dequeue it leaves the username index entry to expire with its TTL.
// For use inside the matcher's atomic setMatch commit
// (spec.md §4.D.7.c: dequeue + MatchTuple write happen in ONE transaction).
func (s *Store) QueueDequeueOnPipe(ctx context.Context, p redis.Pipeliner, userID string, tags []string) {
	for _, tag := range tags {
		p.ZRem(ctx, s.interestKey(tag), userID)
	}
	p.ZRem(ctx, s.poolKey(), userID)
	p.Del(ctx, s.userKey(userID))
	p.Del(ctx, s.userInterestsKey(userID))
}

// WriteMatchTupleOnPipe appends the MatchTuple write for userID to an
// existing pipeline.
func (s *Store) WriteMatchTupleOnPipe(ctx context.Context, p redis.Pipeliner, userID string, tuple MatchTuple) error {
	data, err := json.Marshal(tuple)
	if err != nil {
		return fmt.Errorf("queue: marshal match tuple: %w", err)
	}
	p.HSet(ctx, s.matchKey(userID), "data", data)
	return nil
}

// ConsumeMatch reads and deletes the MatchTuple for userID ("once per match"
// per spec.md §6). Returns ok=false if no match is pending.
func (s *Store) ConsumeMatch(ctx context.Context, userID string) (*MatchTuple, bool, error) {
	client := s.bus.Client()
	if client == nil {
		return nil, false, nil
	}

	raw, err := client.HGet(ctx, s.matchKey(userID), "data").Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("queue: read match tuple: %w", err)
	}

	var tuple MatchTuple
	if err := json.Unmarshal([]byte(raw), &tuple); err != nil {
		return nil, false, fmt.Errorf("queue: unmarshal match tuple: %w", err)
	}

	client.Del(ctx, s.matchKey(userID))
	return &tuple, true, nil
}
