package match

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/presence"
	"github.com/pairup/match-core/internal/v1/queue"
	"github.com/pairup/match-core/internal/v1/roomstore"
	"github.com/pairup/match-core/internal/v1/token"
)

type noFriends struct{}

func (noFriends) IsFriend(context.Context, string, string) (bool, error) { return false, nil }

func newTestMatcher(t *testing.T) (*Matcher, *queue.Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectExec("INSERT INTO rooms").WillReturnResult(sqlmock.NewResult(1, 1)).Times(2)

	rooms := roomstore.NewStore(db, svc)
	states := presence.NewStore(svc, nil)
	tokens := token.NewIssuer("test-secret-at-least-32-bytes-long")
	m := NewMatcher(rooms, states, tokens, noFriends{})

	pool := queue.NewStore(svc, "chat")
	return m, pool, mr
}

func TestTick_PrefersHigherInterestOverlap(t *testing.T) {
	m, pool, mr := newTestMatcher(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, pool.Enqueue(ctx, "A", "alice", []string{"music", "chess"}))
	require.NoError(t, pool.Enqueue(ctx, "B", "bob", []string{"chess", "art"}))
	require.NoError(t, pool.Enqueue(ctx, "C", "carol", []string{"music", "chess"}))

	n, err := m.Tick(ctx, "chat", pool, roomstore.Chat)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	// A and C share score 2; B shares only score 1 with either and stays queued.
	tupleA, ok, err := pool.ConsumeMatch(ctx, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "C", tupleA.PeerUserID)

	remaining, err := pool.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, remaining, 1)
	assert.Equal(t, "B", remaining[0].ID)
}

func TestTick_EnqueueDisplacesStaleUsernameCollision(t *testing.T) {
	m, pool, mr := newTestMatcher(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, pool.Enqueue(ctx, "A", "dupe", []string{"music"}))
	require.NoError(t, pool.Enqueue(ctx, "B", "dupe", []string{"music"}))

	// Enqueue displaces A (stale username index entry), so only B remains,
	// and a tick finds fewer than two users to pair.
	n, err := m.Tick(ctx, "chat", pool, roomstore.Chat)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestScorePairs_ExcludesSharedUsername(t *testing.T) {
	users := []queue.SearchUser{
		{ID: "A", Username: "dupe", Interests: []string{"music"}, JoinedAt: 0},
		{ID: "B", Username: "dupe", Interests: []string{"music"}, JoinedAt: 1},
		{ID: "C", Username: "carol", Interests: []string{"music"}, JoinedAt: 2},
	}

	pairs := scorePairs(users)
	for _, p := range pairs {
		assert.False(t, p.a.Username == p.b.Username, "pair %s/%s shares a username", p.a.ID, p.b.ID)
	}
	assert.Len(t, pairs, 2) // A-C and B-C only
}

func TestTick_RandomFallbackForZeroOverlap(t *testing.T) {
	m, pool, mr := newTestMatcher(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, pool.Enqueue(ctx, "A", "alice", nil))
	require.NoError(t, pool.Enqueue(ctx, "B", "bob", nil))

	n, err := m.Tick(ctx, "chat", pool, roomstore.Chat)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, okA, err := pool.ConsumeMatch(ctx, "A")
	require.NoError(t, err)
	assert.True(t, okA)
}
