package scheduler

import (
	"context"
	"errors"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/sevenofnine/calsync/internal/domain"
	"github.com/sevenofnine/calsync/internal/store"
	"github.com/sevenofnine/calsync/internal/syncer"
	"github.com/sevenofnine/calsync/internal/webhook"
)

const (
	defaultRenewalSpec = "0 * * * *"
	defaultCleanupSpec = "30 * * * *"
	defaultResyncSpec  = "*/15 * * * *"

	// renewalLookahead is how far ahead of expiry the renewal sweep acts.
	renewalLookahead = 24 * time.Hour
	// resyncStagger spreads periodic resyncs so connections do not all hit
	// their providers in the same second.
	resyncStagger = 10 * time.Minute
	sweepTimeout  = 5 * time.Minute
)

// Scheduler runs the periodic maintenance sweeps: subscription renewal,
// expired-subscription cleanup, and the safety-net resync of every active
// connection.
type Scheduler struct {
	store   store.Store
	manager *webhook.Manager
	syncer  *syncer.Syncer
	log     *slog.Logger

	cron  *cron.Cron
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) bool

	mu      sync.Mutex
	started bool
}

type Options struct {
	Store   store.Store
	Manager *webhook.Manager
	Syncer  *syncer.Syncer
	Logger  *slog.Logger

	// Cron specs, standard five-field syntax. Zero values use the defaults.
	RenewalSpec string
	CleanupSpec string
	ResyncSpec  string
}

func New(opts Options) (*Scheduler, error) {
	s := &Scheduler{
		store:   opts.Store,
		manager: opts.Manager,
		syncer:  opts.Syncer,
		log:     opts.Logger,
		cron:    cron.New(),
		now:     time.Now,
		sleep:   sleepCtx,
	}

	specs := []struct {
		spec string
		def  string
		job  func()
	}{
		{opts.RenewalSpec, defaultRenewalSpec, s.runRenewalSweep},
		{opts.CleanupSpec, defaultCleanupSpec, s.runCleanupSweep},
		{opts.ResyncSpec, defaultResyncSpec, s.runResyncSweep},
	}
	for _, entry := range specs {
		spec := entry.spec
		if spec == "" {
			spec = entry.def
		}
		if _, err := s.cron.AddFunc(spec, entry.job); err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Run starts the cron loop and blocks until the context is canceled.
func (s *Scheduler) Run(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	s.cron.Start()
	s.log.Info("scheduler started")
	<-ctx.Done()
	stopped := s.cron.Stop()
	<-stopped.Done()
	s.log.Info("scheduler stopped")
	return ctx.Err()
}

func (s *Scheduler) runRenewalSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.RenewalSweep(ctx)
}

// RenewalSweep renews every active subscription expiring within the
// lookahead window. One failing renewal never blocks the rest.
func (s *Scheduler) RenewalSweep(ctx context.Context) {
	cutoff := s.now().UTC().Add(renewalLookahead)
	subs, err := s.store.ListExpiringSubscriptions(ctx, cutoff)
	if err != nil {
		s.log.Error("renewal sweep: listing subscriptions failed", "error", err)
		return
	}
	renewed := 0
	for _, sub := range subs {
		conn, err := s.store.GetConnection(ctx, sub.ConnectionID)
		if err != nil {
			s.log.Warn("renewal sweep: loading connection failed",
				"subscription_id", sub.ID, "connection_id", sub.ConnectionID, "error", err)
			continue
		}
		// Only graph subscriptions renew in place. Watch channels expire and
		// get recreated, the cleanup sweep retires them.
		if conn.Provider != domain.ProviderGraph {
			continue
		}
		if _, err := s.manager.Renew(ctx, sub.ID); err != nil {
			s.log.Warn("renewal sweep: renew failed",
				"subscription_id", sub.ID, "connection_id", sub.ConnectionID, "error", err)
			continue
		}
		renewed++
	}
	if len(subs) > 0 {
		s.log.Info("renewal sweep finished", "candidates", len(subs), "renewed", renewed)
	}
}

func (s *Scheduler) runCleanupSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()
	s.CleanupSweep(ctx)
}

// CleanupSweep flips subscriptions whose expiry already passed to inactive.
func (s *Scheduler) CleanupSweep(ctx context.Context) {
	n, err := s.store.DeactivateExpired(ctx, s.now().UTC())
	if err != nil {
		s.log.Error("cleanup sweep failed", "error", err)
		return
	}
	if n > 0 {
		s.log.Info("cleanup sweep deactivated expired subscriptions", "count", n)
	}
}

func (s *Scheduler) runResyncSweep() {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout+resyncStagger)
	defer cancel()
	s.ResyncSweep(ctx)
}

// ResyncSweep syncs every active connection as a safety net for missed
// notifications. Each connection starts at a stable per-connection offset
// inside the stagger window.
func (s *Scheduler) ResyncSweep(ctx context.Context) {
	conns, err := s.store.ListActiveConnections(ctx)
	if err != nil {
		s.log.Error("resync sweep: listing connections failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	for _, conn := range conns {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if !s.sleep(ctx, staggerDelay(id, resyncStagger)) {
				return
			}
			switch _, err := s.syncer.Sync(ctx, id, false); {
			case errors.Is(err, syncer.ErrSyncInProgress):
				// Already running, the sweep trigger folds into that run.
				s.log.Debug("resync sweep: sync already in progress", "connection_id", id)
			case err != nil:
				s.log.Warn("resync sweep: sync failed", "connection_id", id, "error", err)
			}
		}(conn.ID)
	}
	wg.Wait()
}

// staggerBuckets is the number of evenly spaced slots a connection can
// land on inside the resync window.
const staggerBuckets = 1 << 12

// staggerDelay hashes the connection id into a stable offset inside the
// window, so a given connection always resyncs at the same point in it.
// The slot width scales with the window rather than the hash's numeric range.
func staggerDelay(connectionID string, window time.Duration) time.Duration {
	if window <= 0 {
		return 0
	}
	h := fnv.New32a()
	h.Write([]byte(connectionID))
	return window * time.Duration(h.Sum32()%staggerBuckets) / staggerBuckets
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return true
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
