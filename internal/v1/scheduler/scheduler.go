// Package scheduler drives the matcher tick, presence sweep, and
// subscription-expiry jobs on fixed intervals, guarding each with a
// distributed lease so exactly one replica executes a given tick
// (spec.md §4.A, §4.D, §7).
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/pairup/match-core/internal/v1/bus"
	"github.com/pairup/match-core/internal/v1/logging"
	"github.com/pairup/match-core/internal/v1/match"
	"github.com/pairup/match-core/internal/v1/metrics"
	"github.com/pairup/match-core/internal/v1/presence"
	"github.com/pairup/match-core/internal/v1/queue"
	"github.com/pairup/match-core/internal/v1/roomstore"
)

// SubscriptionRepository is the subset of store.SubscriptionRepository the
// scheduler needs.
type SubscriptionRepository interface {
	ExpireDue(ctx context.Context, now time.Time) (int64, error)
}

// Pool binds a search queue to the room type the matcher should create when
// pairing its occupants.
type Pool struct {
	Name     string
	Store    *queue.Store
	RoomType roomstore.RoomType
}

// Scheduler owns the cron runtime and lease-guarded job wrappers.
type Scheduler struct {
	bus     *bus.Service
	cron    *cron.Cron
	matcher *match.Matcher
	states  *presence.Store
	subs    SubscriptionRepository
	pools   []Pool

	matchTickEvery       time.Duration
	matchLeaseTTL        time.Duration
	presenceEvery        time.Duration
	presenceLeaseTTL     time.Duration
	subscriptionCron     string
	subscriptionLeaseTTL time.Duration
}

// Config carries the tunable cadences and lease TTLs for each job.
type Config struct {
	MatchTickEvery       time.Duration
	MatchLeaseTTL        time.Duration
	PresenceEvery        time.Duration
	PresenceLeaseTTL     time.Duration
	SubscriptionCron     string
	SubscriptionLeaseTTL time.Duration
}

// New builds a Scheduler wired to every collaborator its jobs need. It does
// not start anything until Start is called.
func New(svc *bus.Service, matcher *match.Matcher, states *presence.Store, subs SubscriptionRepository, pools []Pool, cfg Config) *Scheduler {
	return &Scheduler{
		bus:                  svc,
		cron:                 cron.New(),
		matcher:              matcher,
		states:               states,
		subs:                 subs,
		pools:                pools,
		matchTickEvery:       cfg.MatchTickEvery,
		matchLeaseTTL:        cfg.MatchLeaseTTL,
		presenceEvery:        cfg.PresenceEvery,
		presenceLeaseTTL:     cfg.PresenceLeaseTTL,
		subscriptionCron:     cfg.SubscriptionCron,
		subscriptionLeaseTTL: cfg.SubscriptionLeaseTTL,
	}
}

// Start registers every job and begins the cron runtime. Returns an error if
// the subscription-expiry cron expression fails to parse.
func (s *Scheduler) Start() error {
	s.cron.Schedule(cron.Every(s.matchTickEvery), cron.FuncJob(s.runMatchTick))
	s.cron.Schedule(cron.Every(s.presenceEvery), cron.FuncJob(s.runPresenceSweep))

	if _, err := s.cron.AddFunc(s.subscriptionCron, s.runSubscriptionExpiry); err != nil {
		return fmt.Errorf("scheduler: invalid subscription cron expression %q: %w", s.subscriptionCron, err)
	}

	s.cron.Start()
	return nil
}

// Stop halts the cron runtime, waiting for any in-flight job to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
}

// Lease names as named in spec.md §4.I — kept literal so operators can
// correlate a stuck lease key in Redis back to the job that owns it.
const (
	matchLeaseName        = "match-job"
	presenceLeaseName     = "heartbeat-job"
	subscriptionLeaseName = "subscription-check-job"
)

// withLease runs fn only if the named lease is acquired, releasing it
// afterward regardless of outcome. A replica that loses the race logs
// nothing: missing a tick is normal under horizontal scaling.
func (s *Scheduler) withLease(ctx context.Context, name string, ttl time.Duration, job string, fn func(context.Context)) {
	token, ok, err := s.bus.AcquireLease(ctx, name, ttl)
	if err != nil {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(job, "error").Inc()
		logging.Warn(ctx, "scheduler: lease acquire failed")
		return
	}
	if !ok {
		metrics.LeaseAcquisitionsTotal.WithLabelValues(job, "skipped").Inc()
		return
	}
	metrics.LeaseAcquisitionsTotal.WithLabelValues(job, "acquired").Inc()
	defer func() {
		if err := s.bus.ReleaseLease(ctx, name, token); err != nil {
			// Release failing here almost always means the lease already expired
			// naturally and another worker is free to take it: not worth a warning.
			logging.Debug(ctx, "scheduler: lease release failed")
		}
	}()

	defer func() {
		if r := recover(); r != nil {
			logging.Error(ctx, fmt.Sprintf("scheduler: job %s panicked: %v", job, r))
		}
	}()

	fn(ctx)
}

func (s *Scheduler) runMatchTick() {
	ctx := context.Background()
	s.withLease(ctx, matchLeaseName, s.matchLeaseTTL, "match_tick", func(ctx context.Context) {
		for _, pool := range s.pools {
			start := time.Now()
			n, err := s.matcher.Tick(ctx, pool.Name, pool.Store, pool.RoomType)
			metrics.MatcherTickDuration.WithLabelValues(pool.Name).Observe(time.Since(start).Seconds())
			if err != nil {
				metrics.MatcherTicksTotal.WithLabelValues("error").Inc()
				logging.Error(ctx, fmt.Sprintf("scheduler: match tick failed for pool %s: %v", pool.Name, err))
				continue
			}
			metrics.MatcherTicksTotal.WithLabelValues("ok").Inc()
			if n > 0 {
				logging.Info(ctx, fmt.Sprintf("scheduler: matched %d pair(s) in pool %s", n, pool.Name))
			}
		}
	})
}

func (s *Scheduler) runPresenceSweep() {
	ctx := context.Background()
	s.withLease(ctx, presenceLeaseName, s.presenceLeaseTTL, "presence_sweep", func(ctx context.Context) {
		transitions, deleted, err := s.states.Sweep(ctx)
		if err != nil {
			logging.Error(ctx, fmt.Sprintf("scheduler: presence sweep failed: %v", err))
			return
		}
		if transitions > 0 || deleted > 0 {
			logging.Info(ctx, fmt.Sprintf("scheduler: presence sweep: %d transition(s), %d room(s) deleted", transitions, deleted))
		}
	})
}

func (s *Scheduler) runSubscriptionExpiry() {
	ctx := context.Background()
	s.withLease(ctx, subscriptionLeaseName, s.subscriptionLeaseTTL, "subscription_expiry", func(ctx context.Context) {
		n, err := s.subs.ExpireDue(ctx, time.Now())
		if err != nil {
			logging.Error(ctx, fmt.Sprintf("scheduler: subscription expiry failed: %v", err))
			return
		}
		if n > 0 {
			logging.Info(ctx, fmt.Sprintf("scheduler: expired %d subscription(s)", n))
		}
	})
}
