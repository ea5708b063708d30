package notify

import (
	"context"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/store"
)

type fakeRepo struct {
	mu      sync.Mutex
	rows    map[string]store.Notification
	created int
}

func newFakeRepo() *fakeRepo { return &fakeRepo{rows: map[string]store.Notification{}} }

func (f *fakeRepo) Create(_ context.Context, n store.Notification, isSent bool) (store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created++
	n.ID = "n" + string(rune('0'+f.created))
	n.IsSent = isSent
	f.rows[n.ID] = n
	return n, nil
}

func (f *fakeRepo) ListUnsent(_ context.Context, userID string) ([]store.Notification, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.Notification
	for _, n := range f.rows {
		if n.UserID == userID && !n.IsSent {
			out = append(out, n)
		}
	}
	return out, nil
}

func (f *fakeRepo) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.rows, id)
	return nil
}

func newTestService(t *testing.T) (*Service, *fakeRepo, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	svc, err := bus.NewService(mr.Addr(), "")
	require.NoError(t, err)
	repo := newFakeRepo()
	return NewService(svc, repo), repo, mr
}

func TestCreate_PersistsAsUnsentWhenOffline(t *testing.T) {
	s, repo, mr := newTestService(t)
	defer mr.Close()

	n, err := s.Create(context.Background(), "u1", "FRIEND_REQUEST", "t", "m", "normal", nil)
	require.NoError(t, err)
	assert.False(t, n.IsSent)
	assert.Len(t, repo.rows, 1)
}

func TestCreate_MarksSentWhenPresent(t *testing.T) {
	s, _, mr := newTestService(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, s.ConnectionOpened(ctx, "u1"))

	n, err := s.Create(ctx, "u1", "FRIEND_REQUEST", "t", "m", "normal", nil)
	require.NoError(t, err)
	assert.True(t, n.IsSent)
}

func TestSendUnsent_FlushesAndDeletes(t *testing.T) {
	s, repo, mr := newTestService(t)
	defer mr.Close()

	ctx := context.Background()
	_, err := s.Create(ctx, "u1", "FRIEND_REQUEST", "t", "m", "normal", nil)
	require.NoError(t, err)
	require.Len(t, repo.rows, 1)

	flushed, err := s.SendUnsent(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 1, flushed)
	assert.Empty(t, repo.rows)
}

func TestConnectionLifecycle_TracksPresence(t *testing.T) {
	s, _, mr := newTestService(t)
	defer mr.Close()

	ctx := context.Background()
	require.NoError(t, s.ConnectionOpened(ctx, "u1"))
	require.NoError(t, s.ConnectionOpened(ctx, "u1")) // second tab

	total, err := s.TotalUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total)

	require.NoError(t, s.ConnectionClosed(ctx, "u1"))
	total, err = s.TotalUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, total) // one connection still open

	require.NoError(t, s.ConnectionClosed(ctx, "u1"))
	total, err = s.TotalUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}
