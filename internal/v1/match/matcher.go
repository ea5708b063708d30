// Package match implements the interest-weighted pairing loop: prune stale
// queuers, score candidate pairs by interest overlap, greedily commit the
// best pairs, then randomly pair what's left (spec.md §4.D).
package match

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/metrics"
	"github.com/pairup/match-core/internal/v1/presence"
	"github.com/pairup/match-core/internal/v1/queue"
	"github.com/pairup/match-core/internal/v1/roomstore"
	"github.com/pairup/match-core/internal/v1/token"
)

// idleThreshold is the default staleness window for SweepInactive (spec §4.A).
const idleThreshold = 30 * time.Second

// FriendChecker answers whether two users are already friends, consulted
// when writing a MatchTuple's isFriend flag. Backed by the relational
// friendship store, an external collaborator to this core.
type FriendChecker interface {
	IsFriend(ctx context.Context, a, b string) (bool, error)
}

// Matcher runs one pairing tick for a pool.
type Matcher struct {
	rooms   *roomstore.Store
	states  *presence.Store
	tokens  *token.Issuer
	friends FriendChecker
}

// NewMatcher wires the Matcher's collaborators.
func NewMatcher(rooms *roomstore.Store, states *presence.Store, tokens *token.Issuer, friends FriendChecker) *Matcher {
	return &Matcher{rooms: rooms, states: states, tokens: tokens, friends: friends}
}

// candidate is a scored, unordered pair of pool members.
type candidate struct {
	a, b  queue.SearchUser
	score int
}

// Tick runs one matcher pass over pool (the Queue Store bound to "chat" or
// "call"), pairing it into rooms of roomType. Returns the number of pairs
// committed.
func (m *Matcher) Tick(ctx context.Context, poolName string, pool *queue.Store, roomType roomstore.RoomType) (int, error) {
	if err := pool.HealLegacyPool(ctx); err != nil {
		logging.Warn(ctx, "matcher: heal legacy pool failed")
	}

	if _, err := pool.SweepInactive(ctx, idleThreshold); err != nil {
		logging.Warn(ctx, "matcher: sweep inactive failed")
	}

	users, err := pool.ListAvailable(ctx)
	if err != nil {
		return 0, fmt.Errorf("match: list available: %w", err)
	}
	if len(users) < 2 {
		return 0, nil
	}

	candidates := scorePairs(users)
	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return minJoinedAt(candidates[i]) < minJoinedAt(candidates[j])
	})

	matched := make(map[string]bool, len(users))
	var committed [][2]queue.SearchUser

	for _, c := range candidates {
		if matched[c.a.ID] || matched[c.b.ID] {
			continue
		}
		if m.hasCooldown(ctx, pool, c.a.ID) || m.hasCooldown(ctx, pool, c.b.ID) {
			continue
		}
		m.commitPair(ctx, pool, c.a.ID, c.b.ID, matched)
		committed = append(committed, [2]queue.SearchUser{c.a, c.b})
	}

	var leftover []queue.SearchUser
	for _, u := range users {
		if !matched[u.ID] {
			leftover = append(leftover, u)
		}
	}
	rand.Shuffle(len(leftover), func(i, j int) { leftover[i], leftover[j] = leftover[j], leftover[i] })

	for i := 0; i+1 < len(leftover); i += 2 {
		a, b := leftover[i], leftover[i+1]
		if m.hasCooldown(ctx, pool, a.ID) || m.hasCooldown(ctx, pool, b.ID) {
			continue
		}
		m.commitPair(ctx, pool, a.ID, b.ID, matched)
		committed = append(committed, [2]queue.SearchUser{a, b})
	}

	for _, pr := range committed {
		strategy := "interest"
		if len(pr[0].Interests) == 0 && len(pr[1].Interests) == 0 {
			strategy = "random"
		}
		if err := m.setMatch(ctx, pool, pr[0], pr[1], roomType); err != nil {
			logging.Error(ctx, "matcher: setMatch failed, users remain queued")
			continue
		}
		metrics.MatcherPairsTotal.WithLabelValues(poolName, strategy).Inc()
	}

	return len(committed), nil
}

func minJoinedAt(c candidate) int64 {
	if c.a.JoinedAt < c.b.JoinedAt {
		return c.a.JoinedAt
	}
	return c.b.JoinedAt
}

// scorePairs builds every unordered pair whose endpoints don't share a
// username (spec §4.D step 4 — prevents an identity from matching itself).
func scorePairs(users []queue.SearchUser) []candidate {
	var out []candidate
	for i := 0; i < len(users); i++ {
		for j := i + 1; j < len(users); j++ {
			a, b := users[i], users[j]
			if a.Username != "" && a.Username == b.Username {
				continue
			}
			out = append(out, candidate{a: a, b: b, score: len(queue.CommonInterests(a.Interests, b.Interests))})
		}
	}
	return out
}

func (m *Matcher) hasCooldown(ctx context.Context, pool *queue.Store, userID string) bool {
	ok, err := pool.HasCooldown(ctx, userID)
	if err != nil {
		logging.Warn(ctx, "matcher: cooldown check failed, treating as clear")
		return false
	}
	return ok
}

func (m *Matcher) commitPair(ctx context.Context, pool *queue.Store, a, b string, matched map[string]bool) {
	matched[a] = true
	matched[b] = true
	if err := pool.SetCooldown(ctx, a); err != nil {
		logging.Warn(ctx, "matcher: set cooldown failed")
	}
	if err := pool.SetCooldown(ctx, b); err != nil {
		logging.Warn(ctx, "matcher: set cooldown failed")
	}
}

// setMatch creates the Room and RoomState, issues two tokens, and commits
// both dequeues plus both MatchTuple writes in one pipelined transaction
// (spec §4.D step 7, §9 "ordering vs lifecycle").
func (m *Matcher) setMatch(ctx context.Context, pool *queue.Store, a, b queue.SearchUser, roomType roomstore.RoomType) error {
	room, err := m.rooms.CreateRoom(ctx,
		roomstore.Slot{AnonID: a.ID, UserID: a.ID},
		roomstore.Slot{AnonID: b.ID, UserID: b.ID},
		roomType)
	if err != nil {
		return fmt.Errorf("match: create room: %w", err)
	}

	var presenceType presence.RoomType
	switch roomType {
	case roomstore.Call:
		presenceType = presence.Call
	case roomstore.VideoCall:
		presenceType = presence.VideoCall
	default:
		presenceType = presence.Chat
	}
	if err := m.states.Init(ctx, room.ID, presenceType, a.ID, b.ID); err != nil {
		return fmt.Errorf("match: init room state: %w", err)
	}

	isFriend := false
	if m.friends != nil {
		if ok, err := m.friends.IsFriend(ctx, a.ID, b.ID); err == nil {
			isFriend = ok
		}
	}

	tokenA, err := m.tokens.Sign(token.Claims{SenderID: a.ID, ReceiverID: b.ID, RoomID: room.ID, SenderUsername: a.Username, ReceiverUsername: b.Username}, ttlFor(isFriend))
	if err != nil {
		return fmt.Errorf("match: sign token a: %w", err)
	}
	tokenB, err := m.tokens.Sign(token.Claims{SenderID: b.ID, ReceiverID: a.ID, RoomID: room.ID, SenderUsername: b.Username, ReceiverUsername: a.Username}, ttlFor(isFriend))
	if err != nil {
		return fmt.Errorf("match: sign token b: %w", err)
	}

	return pool.Bus().Pipelined(ctx, func(p redis.Pipeliner) error {
		pool.QueueDequeueOnPipe(ctx, p, a.ID, a.Interests)
		pool.QueueDequeueOnPipe(ctx, p, b.ID, b.Interests)
		if err := pool.WriteMatchTupleOnPipe(ctx, p, a.ID, queue.MatchTuple{PeerUserID: b.ID, Token: tokenA, RoomID: room.ID, IsFriend: isFriend}); err != nil {
			return err
		}
		if err := pool.WriteMatchTupleOnPipe(ctx, p, b.ID, queue.MatchTuple{PeerUserID: a.ID, Token: tokenB, RoomID: room.ID, IsFriend: isFriend}); err != nil {
			return err
		}
		return nil
	})
}

// ttlFor returns a friend-chat's effectively-non-expiring duration, or the
// default pool-matched expiry otherwise.
func ttlFor(isFriend bool) time.Duration {
	if isFriend {
		return 365 * 24 * time.Hour
	}
	return token.DefaultExpiry
}
