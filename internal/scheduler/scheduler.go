// Package scheduler runs the periodic connection jobs: the heartbeat that
// probes idle connections and the reconciliation sweep.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"session-core/internal/engine"
	"session-core/internal/reconciliation"
	"session-core/internal/session"
)

// Prober refreshes a connection's account info. A transport failure drops
// the connection as a side effect.
type Prober interface {
	AccountInfo(ctx context.Context, key session.ConnectionKey) (engine.AccountInfo, error)
}

// Reconciler checks one connection.
type Reconciler interface {
	Reconcile(ctx context.Context, key session.ConnectionKey) (*reconciliation.Report, error)
}

// Config holds job schedules. An empty schedule disables the job.
type Config struct {
	HeartbeatSchedule string
	HeartbeatIdle     time.Duration
	ReconcileSchedule string
	Concurrency       int
}

// DefaultConfig returns conservative defaults.
func DefaultConfig() Config {
	return Config{
		HeartbeatSchedule: "@every 1m",
		HeartbeatIdle:     5 * time.Minute,
		ReconcileSchedule: "@every 10m",
		Concurrency:       4,
	}
}

// Scheduler wraps a cron runner around the registry's connections.
type Scheduler struct {
	cron     *cron.Cron
	cfg      Config
	registry *session.Registry
	prober   Prober
	recon    Reconciler
	log      *zap.Logger
	now      func() time.Time
	baseCtx  context.Context
}

// New creates a scheduler. recon may be nil.
func New(cfg Config, registry *session.Registry, prober Prober, recon Reconciler, log *zap.Logger) *Scheduler {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConfig().Concurrency
	}
	if cfg.HeartbeatIdle <= 0 {
		cfg.HeartbeatIdle = DefaultConfig().HeartbeatIdle
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cron:     cron.New(),
		cfg:      cfg,
		registry: registry,
		prober:   prober,
		recon:    recon,
		log:      log.Named("scheduler"),
		now:      time.Now,
		baseCtx:  context.Background(),
	}
}

// Start registers the jobs and starts the runner. Jobs run with ctx.
func (s *Scheduler) Start(ctx context.Context) error {
	if ctx != nil {
		s.baseCtx = ctx
	}
	if s.cfg.HeartbeatSchedule != "" {
		if _, err := s.add(s.cfg.HeartbeatSchedule, func(ctx context.Context) { s.Heartbeat(ctx) }); err != nil {
			return fmt.Errorf("heartbeat schedule %q: %w", s.cfg.HeartbeatSchedule, err)
		}
	}
	if s.cfg.ReconcileSchedule != "" && s.recon != nil {
		if _, err := s.add(s.cfg.ReconcileSchedule, func(ctx context.Context) { s.ReconcileAll(ctx) }); err != nil {
			return fmt.Errorf("reconcile schedule %q: %w", s.cfg.ReconcileSchedule, err)
		}
	}
	s.cron.Start()
	s.log.Info("scheduler started",
		zap.String("heartbeat", s.cfg.HeartbeatSchedule),
		zap.String("reconcile", s.cfg.ReconcileSchedule))
	return nil
}

func (s *Scheduler) add(spec string, job func(context.Context)) (cron.EntryID, error) {
	return s.cron.AddFunc(spec, func() { job(s.baseCtx) })
}

// Stop waits for running jobs to finish.
func (s *Scheduler) Stop() {
	<-s.cron.Stop().Done()
	s.log.Info("scheduler stopped")
}

// Heartbeat probes connections idle longer than HeartbeatIdle and returns
// how many were probed.
func (s *Scheduler) Heartbeat(ctx context.Context) int {
	cutoff := s.now().Add(-s.cfg.HeartbeatIdle)
	var idle []session.ConnectionKey
	for _, c := range s.registry.Connections() {
		if c.LastActivity.Before(cutoff) {
			idle = append(idle, c.Key)
		}
	}

	s.each(ctx, idle, func(ctx context.Context, key session.ConnectionKey) {
		if _, err := s.prober.AccountInfo(ctx, key); err != nil {
			s.log.Warn("heartbeat failed",
				zap.String("connection", key.String()),
				zap.Bool("dropped", engine.IsTransport(err)),
				zap.Error(err))
		}
	})
	return len(idle)
}

// ReconcileAll reconciles every registered connection and returns the
// reports that completed.
func (s *Scheduler) ReconcileAll(ctx context.Context) []*reconciliation.Report {
	if s.recon == nil {
		return nil
	}
	conns := s.registry.Connections()
	keys := make([]session.ConnectionKey, len(conns))
	for i, c := range conns {
		keys[i] = c.Key
	}

	reports := make([]*reconciliation.Report, len(keys))
	s.eachIndexed(ctx, keys, func(ctx context.Context, i int, key session.ConnectionKey) {
		r, err := s.recon.Reconcile(ctx, key)
		if err != nil {
			s.log.Warn("reconcile failed",
				zap.String("connection", key.String()),
				zap.Error(err))
			return
		}
		reports[i] = r
	})

	out := reports[:0]
	for _, r := range reports {
		if r != nil {
			out = append(out, r)
		}
	}
	return out
}

func (s *Scheduler) each(ctx context.Context, keys []session.ConnectionKey, fn func(context.Context, session.ConnectionKey)) {
	s.eachIndexed(ctx, keys, func(ctx context.Context, _ int, key session.ConnectionKey) { fn(ctx, key) })
}

// eachIndexed runs fn per key with bounded parallelism. Failures are the
// callback's concern; the sweep always covers every key.
func (s *Scheduler) eachIndexed(ctx context.Context, keys []session.ConnectionKey, fn func(context.Context, int, session.ConnectionKey)) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.cfg.Concurrency)
	for i, key := range keys {
		g.Go(func() error {
			fn(gctx, i, key)
			return nil
		})
	}
	_ = g.Wait()
}
