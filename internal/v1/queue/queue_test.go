package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairup/match-core/internal/v1/bus"
)

func newTestStore(t *testing.T) (*Store, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)

	return NewStore(svc, "chat"), mr
}

func TestEnqueueListAvailable(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, "u1", "alice", []string{"music", "chess"}))
	require.NoError(t, store.Enqueue(ctx, "u2", "bob", []string{"chess"}))

	users, err := store.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "u1", users[0].ID)
	assert.ElementsMatch(t, []string{"music", "chess"}, users[0].Interests)
}

func TestDequeue_RemovesAllContainers(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, "u1", "alice", []string{"music"}))
	require.NoError(t, store.Dequeue(ctx, "u1"))

	users, err := store.ListAvailable(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)

	isMember, err := store.bus.SetIsMember(ctx, store.usernameIndexKey("alice"), "u1")
	require.NoError(t, err)
	assert.False(t, isMember)
}

func TestEnqueue_DisplacesStaleUsername(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, "old-id", "alice", nil))
	require.NoError(t, store.Enqueue(ctx, "new-id", "alice", nil))

	users, err := store.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "new-id", users[0].ID)
}

func TestHeartbeat_UpdatesLastHeartbeat(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, "u1", "alice", nil))

	// Heartbeat stamps the wall clock, which FastForward does not move.
	time.Sleep(5 * time.Millisecond)
	require.NoError(t, store.Heartbeat(ctx, "u1"))

	users, err := store.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Greater(t, users[0].LastHeartbeat, users[0].JoinedAt)
}

func TestSweepInactive_RemovesStaleOnly(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, store.Enqueue(ctx, "stale", "alice", nil))

	// SweepInactive compares against the wall clock, which FastForward does
	// not move, so backdate the stale user's heartbeat directly.
	require.NoError(t, store.bus.Client().HSet(ctx, store.userKey("stale"), "lastHeartbeat", nowMs()-40_000).Err())
	require.NoError(t, store.Enqueue(ctx, "fresh", "bob", nil))

	n, err := store.SweepInactive(ctx, 30*time.Second)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	users, err := store.ListAvailable(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "fresh", users[0].ID)
}

func TestCommonInterests(t *testing.T) {
	got := CommonInterests([]string{"music", "chess", "art"}, []string{"chess", "art", "sports"})
	assert.Equal(t, []string{"chess", "art"}, got)

	assert.Empty(t, CommonInterests([]string{"music"}, []string{"chess"}))
}

func TestHealLegacyPool_UpgradesPlainSet(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, store.bus.SetAdd(ctx, store.poolKey(), "legacy-user"))

	kind, err := store.bus.Type(ctx, store.poolKey())
	require.NoError(t, err)
	require.Equal(t, "set", kind)

	require.NoError(t, store.HealLegacyPool(ctx))

	kind, err = store.bus.Type(ctx, store.poolKey())
	require.NoError(t, err)
	assert.Equal(t, "zset", kind)
}

func TestCooldown(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	has, err := store.HasCooldown(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, has)

	require.NoError(t, store.SetCooldown(ctx, "u1"))
	has, err = store.HasCooldown(ctx, "u1")
	require.NoError(t, err)
	assert.True(t, has)
}

func TestMatchTuple_WriteAndConsume(t *testing.T) {
	store, mr := newTestStore(t)
	defer mr.Close()

	ctx := context.Background()
	client := store.bus.Client()

	pipe := client.TxPipeline()
	err := store.WriteMatchTupleOnPipe(ctx, pipe, "u1", MatchTuple{
		PeerUserID: "u2",
		Token:      "tok",
		RoomID:     "room-1",
	})
	require.NoError(t, err)
	_, err = pipe.Exec(ctx)
	require.NoError(t, err)

	tuple, ok, err := store.ConsumeMatch(ctx, "u1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "u2", tuple.PeerUserID)
	assert.Equal(t, "room-1", tuple.RoomID)

	_, ok, err = store.ConsumeMatch(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, ok)
}
