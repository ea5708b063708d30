package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/presence"
)

func newTestBus(t *testing.T) (*bus.Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	return svc, mr
}

func TestWithLease_RunsJobOnAcquire(t *testing.T) {
	svc, mr := newTestBus(t)
	defer mr.Close()

	s := &Scheduler{bus: svc}
	var ran int32
	s.withLease(context.Background(), "lease:test", time.Second, "test", func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	})
	assert.EqualValues(t, 1, ran)
}

func TestWithLease_SkipsWhenAlreadyHeld(t *testing.T) {
	svc, mr := newTestBus(t)
	defer mr.Close()

	s := &Scheduler{bus: svc}
	_, ok, err := svc.AcquireLease(context.Background(), "lease:test", 5*time.Second)
	require.NoError(t, err)
	require.True(t, ok)

	var ran int32
	s.withLease(context.Background(), "lease:test", time.Second, "test", func(ctx context.Context) {
		atomic.AddInt32(&ran, 1)
	})
	assert.EqualValues(t, 0, ran)
}

func TestWithLease_ReleasesAfterRun(t *testing.T) {
	svc, mr := newTestBus(t)
	defer mr.Close()

	s := &Scheduler{bus: svc}
	s.withLease(context.Background(), "lease:test", 5*time.Second, "test", func(ctx context.Context) {})

	_, ok, err := svc.AcquireLease(context.Background(), "lease:test", 5*time.Second)
	require.NoError(t, err)
	assert.True(t, ok, "lease should be released after the job completes")
}

func TestWithLease_RecoversPanic(t *testing.T) {
	svc, mr := newTestBus(t)
	defer mr.Close()

	s := &Scheduler{bus: svc}
	assert.NotPanics(t, func() {
		s.withLease(context.Background(), "lease:test", time.Second, "test", func(ctx context.Context) {
			panic("boom")
		})
	})
}

type fakeSubs struct {
	expired int64
	calls   int
}

func (f *fakeSubs) ExpireDue(ctx context.Context, now time.Time) (int64, error) {
	f.calls++
	return f.expired, nil
}

func TestRunSubscriptionExpiry_InvokesRepository(t *testing.T) {
	svc, mr := newTestBus(t)
	defer mr.Close()

	subs := &fakeSubs{expired: 3}
	s := &Scheduler{bus: svc, subs: subs, presenceLeaseTTL: time.Second}
	s.runSubscriptionExpiry()

	assert.Equal(t, 1, subs.calls)
}

type fakeLedger struct{}

func (fakeLedger) Credit(ctx context.Context, userID string, amount int) error { return nil }

func TestRunPresenceSweep_ExecutesAgainstStore(t *testing.T) {
	svc, mr := newTestBus(t)
	defer mr.Close()

	states := presence.NewStore(svc, fakeLedger{})
	require.NoError(t, states.Init(context.Background(), "room1", presence.Chat, "u1", "u2"))

	s := &Scheduler{bus: svc, states: states, presenceLeaseTTL: time.Second}
	assert.NotPanics(t, func() {
		s.runPresenceSweep()
	})
}
