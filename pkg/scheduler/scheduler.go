// Package scheduler runs the engine's periodic maintenance jobs on cron schedules:
// subscription sync, lapse expiry, stale commission reconciliation and ledger cleanup.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/mihaimyh/patronpay/pkg/patronpay"
)

// LedgerCleaner prunes expired idempotency ledger entries.
// *postgres.Storage implements it.
type LedgerCleaner interface {
	Cleanup(ctx context.Context) (int64, error)
}

// Config holds job schedules. An empty schedule disables its job.
type Config struct {
	// SyncSchedule runs SyncAll (default: "@every 6h")
	SyncSchedule string

	// ExpirySchedule runs ExpireLapsed (default: "@every 15m")
	ExpirySchedule string

	// StaleSchedule runs ReconcileStale (default: "@every 10m")
	StaleSchedule string

	// CleanupSchedule runs the ledger cleaner when one is set (default: "@hourly")
	CleanupSchedule string

	// StaleAfter is how long a commission may sit unchanged before it is reconciled (default: 30m)
	StaleAfter time.Duration

	// StaleLimit caps commissions reconciled per run (default: 100)
	StaleLimit int

	// JobTimeout bounds a single job run (default: 5m)
	JobTimeout time.Duration

	Logger patronpay.Logger
}

// DefaultConfig returns a Config with default schedules
func DefaultConfig() Config {
	return Config{
		SyncSchedule:    "@every 6h",
		ExpirySchedule:  "@every 15m",
		StaleSchedule:   "@every 10m",
		CleanupSchedule: "@hourly",
		StaleAfter:      30 * time.Minute,
		StaleLimit:      100,
		JobTimeout:      5 * time.Minute,
	}
}

// Scheduler manages the cron jobs
type Scheduler struct {
	cron    *cron.Cron
	engine  *patronpay.Engine
	cleaner LedgerCleaner
	config  Config
	logger  patronpay.Logger
}

// New creates a scheduler. cleaner may be nil.
func New(engine *patronpay.Engine, cleaner LedgerCleaner, config Config) (*Scheduler, error) {
	if engine == nil {
		return nil, fmt.Errorf("%w: engine is required", patronpay.ErrConfiguration)
	}
	if config.StaleAfter < 0 || config.StaleLimit < 0 || config.JobTimeout < 0 {
		return nil, fmt.Errorf("%w: negative scheduler setting", patronpay.ErrConfiguration)
	}
	defaults := DefaultConfig()
	if config.StaleAfter == 0 {
		config.StaleAfter = defaults.StaleAfter
	}
	if config.StaleLimit == 0 {
		config.StaleLimit = defaults.StaleLimit
	}
	if config.JobTimeout == 0 {
		config.JobTimeout = defaults.JobTimeout
	}
	if config.Logger == nil {
		config.Logger = &patronpay.NoopLogger{}
	}

	logger := cronLogger{config.Logger}
	return &Scheduler{
		cron:    cron.New(cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger))),
		engine:  engine,
		cleaner: cleaner,
		config:  config,
		logger:  config.Logger,
	}, nil
}

type job struct {
	name     string
	schedule string
	run      func(context.Context) error
}

// Start registers the jobs and starts the cron scheduler. An invalid schedule is an error
// and nothing is started.
func (s *Scheduler) Start() error {
	jobs := []job{
		{"subscription_sync", s.config.SyncSchedule, s.SyncSubscriptions},
		{"subscription_expiry", s.config.ExpirySchedule, s.ExpireLapsed},
		{"commission_reconcile", s.config.StaleSchedule, s.ReconcileStale},
	}
	if s.cleaner != nil {
		jobs = append(jobs, job{"ledger_cleanup", s.config.CleanupSchedule, s.CleanupLedger})
	}

	for _, j := range jobs {
		if j.schedule == "" {
			continue
		}
		if _, err := s.cron.AddFunc(j.schedule, s.wrap(j.name, j.run)); err != nil {
			for _, e := range s.cron.Entries() {
				s.cron.Remove(e.ID)
			}
			return fmt.Errorf("%w: schedule %q for %s: %w", patronpay.ErrConfiguration, j.schedule, j.name, err)
		}
		s.logger.Info("Scheduled job", patronpay.F("job", j.name), patronpay.F("schedule", j.schedule))
	}

	s.cron.Start()
	return nil
}

// Stop stops the scheduler. The returned context is done once running jobs finish.
func (s *Scheduler) Stop() context.Context {
	return s.cron.Stop()
}

// Jobs returns how many jobs are registered
func (s *Scheduler) Jobs() int {
	return len(s.cron.Entries())
}

func (s *Scheduler) wrap(name string, run func(context.Context) error) func() {
	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.config.JobTimeout)
		defer cancel()

		start := time.Now()
		if err := run(ctx); err != nil {
			s.logger.Error("Scheduled job failed",
				patronpay.F("job", name),
				patronpay.F("duration", time.Since(start)),
				patronpay.F("error", err),
			)
			return
		}
		s.logger.Debug("Scheduled job finished",
			patronpay.F("job", name),
			patronpay.F("duration", time.Since(start)),
		)
	}
}

// SyncSubscriptions converges every creator's tiers onto the processor
func (s *Scheduler) SyncSubscriptions(ctx context.Context) error {
	reports, err := s.engine.Subscriptions.SyncAll(ctx)
	mismatches := 0
	for _, r := range reports {
		mismatches += r.Mismatches
	}
	if mismatches > 0 {
		s.logger.Warn("Subscription sync found mismatches", patronpay.F("mismatches", mismatches))
	}
	return err
}

// ExpireLapsed expires subscriptions whose scheduled cancellation has passed
func (s *Scheduler) ExpireLapsed(ctx context.Context) error {
	_, err := s.engine.Subscriptions.ExpireLapsed(ctx)
	return err
}

// ReconcileStale re-reads stuck commissions from the processor
func (s *Scheduler) ReconcileStale(ctx context.Context) error {
	n, err := s.engine.Commissions.ReconcileStale(ctx, s.config.StaleAfter, s.config.StaleLimit)
	if err != nil {
		return err
	}
	if n > 0 {
		s.logger.Info("Reconciled stale commissions", patronpay.F("count", n))
	}
	return nil
}

// CleanupLedger prunes the idempotency ledger. It is a no-op without a cleaner.
func (s *Scheduler) CleanupLedger(ctx context.Context) error {
	if s.cleaner == nil {
		return nil
	}
	n, err := s.cleaner.Cleanup(ctx)
	if err != nil {
		return fmt.Errorf("failed to clean up ledger: %w", err)
	}
	if n > 0 {
		s.logger.Info("Cleaned up ledger entries", patronpay.F("deleted", n))
	}
	return nil
}

// cronLogger adapts patronpay.Logger to cron.Logger
type cronLogger struct {
	logger patronpay.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, fields(keysAndValues)...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(fields(keysAndValues), patronpay.F("error", err))...)
}

func fields(keysAndValues []interface{}) []patronpay.Field {
	out := make([]patronpay.Field, 0, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out = append(out, patronpay.F(fmt.Sprint(keysAndValues[i]), keysAndValues[i+1]))
	}
	return out
}
