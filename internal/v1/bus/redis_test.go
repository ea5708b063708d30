package bus

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	err := svc.Ping(context.Background())
	assert.NoError(t, err)
}

func TestPublish(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	sub := svc.Client().Subscribe(ctx, ChatMessagesChannel)
	defer func() { _ = sub.Close() }()

	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"foo": "bar"}
	err := svc.Publish(ctx, ChatMessagesChannel, "test-event", payload, "sender-1")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope Envelope
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)

	assert.Equal(t, "test-event", envelope.Event)
	assert.Equal(t, "sender-1", envelope.SenderID)
}

func TestPublish_SSEUserChannel(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	targetUserID := "user-target"

	sub := svc.Client().Subscribe(ctx, SSEUserChannel(targetUserID))
	defer func() { _ = sub.Close() }()
	time.Sleep(50 * time.Millisecond)

	payload := map[string]string{"msg": "direct"}
	err := svc.Publish(ctx, SSEUserChannel(targetUserID), "notification", payload, "")
	assert.NoError(t, err)

	msg, err := sub.ReceiveMessage(ctx)
	assert.NoError(t, err)

	var envelope Envelope
	err = json.Unmarshal([]byte(msg.Payload), &envelope)
	assert.NoError(t, err)
	assert.Equal(t, "notification", envelope.Event)
}

func TestSubscribe(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	wg := &sync.WaitGroup{}

	received := make(chan Envelope, 1)
	handler := func(e Envelope) {
		received <- e
	}

	svc.Subscribe(ctx, ChatRoomsChannel, wg, handler)

	time.Sleep(50 * time.Millisecond)

	payload := Envelope{Event: "hello", SenderID: "sender-2"}
	bytes, _ := json.Marshal(payload)
	svc.Client().Publish(ctx, ChatRoomsChannel, bytes)

	select {
	case e := <-received:
		assert.Equal(t, "hello", e.Event)
		assert.Equal(t, "sender-2", e.SenderID)
	case <-time.After(1 * time.Second):
		t.Fatal("timed out waiting for message")
	}

	cancel()
	wg.Wait()
}

func TestSetOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "test-set"

	require.NoError(t, svc.SetAdd(ctx, key, "m1"))
	require.NoError(t, svc.SetAdd(ctx, key, "m2"))

	members, err := svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, members)

	isMember, err := svc.SetIsMember(ctx, key, "m1")
	assert.NoError(t, err)
	assert.True(t, isMember)

	require.NoError(t, svc.SetRem(ctx, key, "m1"))

	members, err = svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.ElementsMatch(t, []string{"m2"}, members)
}

func TestStringOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	require.NoError(t, svc.Set(ctx, "k1", "v1", time.Minute))
	v, err := svc.Get(ctx, "k1")
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)

	ok, err := svc.SetNX(ctx, "k2", "v2", time.Minute)
	assert.NoError(t, err)
	assert.True(t, ok)

	ok, err = svc.SetNX(ctx, "k2", "v3", time.Minute)
	assert.NoError(t, err)
	assert.False(t, ok)

	exists, err := svc.Exists(ctx, "k2")
	assert.NoError(t, err)
	assert.True(t, exists)

	require.NoError(t, svc.Del(ctx, "k2"))
	exists, err = svc.Exists(ctx, "k2")
	assert.NoError(t, err)
	assert.False(t, exists)
}

func TestListOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "test-list"

	require.NoError(t, svc.LPush(ctx, key, "a"))
	require.NoError(t, svc.LPush(ctx, key, "b"))

	n, err := svc.LLen(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, int64(2), n)

	vals, err := svc.LRange(ctx, key, 0, -1)
	assert.NoError(t, err)
	assert.Equal(t, []string{"b", "a"}, vals)

	v, err := svc.RPop(ctx, key)
	assert.NoError(t, err)
	assert.Equal(t, "a", v)
}

func TestLease_AcquireAndRelease(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	token, ok, err := svc.AcquireLease(ctx, "match-job", 2*time.Second)
	assert.NoError(t, err)
	assert.True(t, ok)
	assert.NotEmpty(t, token)

	// A second worker should fail to acquire the same lease.
	_, ok2, err := svc.AcquireLease(ctx, "match-job", 2*time.Second)
	assert.NoError(t, err)
	assert.False(t, ok2)

	require.NoError(t, svc.ReleaseLease(ctx, "match-job", token))

	// Now it's free again.
	_, ok3, err := svc.AcquireLease(ctx, "match-job", 2*time.Second)
	assert.NoError(t, err)
	assert.True(t, ok3)
}

func TestLease_ReleaseWrongTokenIsNoop(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	token, ok, err := svc.AcquireLease(ctx, "heartbeat-job", 2*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, svc.ReleaseLease(ctx, "heartbeat-job", "not-the-real-token"))
	_ = token

	// Lease should still be held since the release token didn't match.
	_, ok2, err := svc.AcquireLease(ctx, "heartbeat-job", 2*time.Second)
	assert.NoError(t, err)
	assert.False(t, ok2)
}

func TestPipelined(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	err := svc.Pipelined(ctx, func(p redis.Pipeliner) error {
		p.ZAdd(ctx, "zs", redis.Z{Score: 1, Member: "a"})
		p.Set(ctx, "s1", "v1", 0)
		return nil
	})
	assert.NoError(t, err)

	v, err := svc.Get(ctx, "s1")
	assert.NoError(t, err)
	assert.Equal(t, "v1", v)
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)

	mr.Close()

	ctx := context.Background()

	err := svc.Ping(ctx)
	assert.Error(t, err)
}

func TestSetOperations_ErrorPaths(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "test-error-set"

	require.NoError(t, svc.SetAdd(ctx, key, "m1"))
	require.NoError(t, svc.SetAdd(ctx, key, "m2"))
	require.NoError(t, svc.SetAdd(ctx, key, "m3"))

	members, err := svc.SetMembers(ctx, key)
	assert.NoError(t, err)
	assert.Len(t, members, 3)

	mr.Close()

	err = svc.SetAdd(ctx, key, "m4")
	assert.Error(t, err)

	_, err = svc.SetMembers(ctx, key)
	assert.Error(t, err)
}

func TestPublish_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	mr.Close()

	for i := 0; i < 10; i++ {
		_ = svc.Publish(ctx, ChatMessagesChannel, "event", map[string]string{}, "sender")
	}

	err := svc.Publish(ctx, ChatMessagesChannel, "event", map[string]string{}, "sender")
	_ = err
}
