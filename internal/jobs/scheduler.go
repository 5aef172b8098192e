// Package jobs runs the periodic maintenance work: reminder scans, erasure
// replay, audit retention and alert delivery sweeps.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-co-op/gocron/v2"
)

// ReminderScanner fires reminder_due alerts for users without a recent reading.
type ReminderScanner interface {
	ScanReminders(ctx context.Context, now time.Time) (int, error)
}

// ErasureReplayer re-runs erasures whose intent never completed.
type ErasureReplayer interface {
	ReplayPending(ctx context.Context, olderThan time.Duration) (int, error)
}

// AuditPurger deletes audit entries past retention.
type AuditPurger interface {
	PurgeBefore(ctx context.Context, before time.Time) (int64, error)
}

// AlertSweeper drains undelivered alert events.
type AlertSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config holds the job intervals. A zero interval disables its job.
type Config struct {
	ReminderScan   time.Duration
	ReplayInterval time.Duration
	ReplayAge      time.Duration
	AuditPurge     time.Duration
	AuditRetention time.Duration
	AlertSweep     time.Duration
}

// Deps are the components the jobs drive. Nil members disable their job.
type Deps struct {
	Reminders ReminderScanner
	Erasures  ErasureReplayer
	Audit     AuditPurger
	Alerts    AlertSweeper
}

// Scheduler wraps a gocron scheduler running in UTC.
type Scheduler struct {
	scheduler gocron.Scheduler
	ctx       context.Context
	cancel    context.CancelFunc
	now       func() time.Time
	logger    *slog.Logger
}

// New registers every enabled job. Call Start to begin running them.
func New(cfg Config, deps Deps, logger *slog.Logger) (*Scheduler, error) {
	scheduler, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("failed to create scheduler: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		scheduler: scheduler,
		ctx:       ctx,
		cancel:    cancel,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "jobs")),
	}

	for _, job := range s.definitions(cfg, deps) {
		if job.every <= 0 || job.run == nil {
			continue
		}
		if err := s.register(job); err != nil {
			cancel()
			_ = scheduler.Shutdown()
			return nil, err
		}
	}

	return s, nil
}

type definition struct {
	name  string
	every time.Duration
	run   func(ctx context.Context) (int64, error)
}

func (s *Scheduler) definitions(cfg Config, deps Deps) []definition {
	var defs []definition

	if deps.Reminders != nil {
		defs = append(defs, definition{
			name:  "reminder_scan",
			every: cfg.ReminderScan,
			run: func(ctx context.Context) (int64, error) {
				n, err := deps.Reminders.ScanReminders(ctx, s.now())
				return int64(n), err
			},
		})
	}

	if deps.Erasures != nil {
		age := cfg.ReplayAge
		if age <= 0 {
			age = cfg.ReplayInterval
		}
		defs = append(defs, definition{
			name:  "erasure_replay",
			every: cfg.ReplayInterval,
			run: func(ctx context.Context) (int64, error) {
				n, err := deps.Erasures.ReplayPending(ctx, age)
				return int64(n), err
			},
		})
	}

	if deps.Audit != nil && cfg.AuditRetention > 0 {
		defs = append(defs, definition{
			name:  "audit_purge",
			every: cfg.AuditPurge,
			run: func(ctx context.Context) (int64, error) {
				return deps.Audit.PurgeBefore(ctx, s.now().Add(-cfg.AuditRetention))
			},
		})
	}

	if deps.Alerts != nil {
		defs = append(defs, definition{
			name:  "alert_sweep",
			every: cfg.AlertSweep,
			run: func(ctx context.Context) (int64, error) {
				n, err := deps.Alerts.Sweep(ctx)
				return int64(n), err
			},
		})
	}

	return defs
}

func (s *Scheduler) register(def definition) error {
	_, err := s.scheduler.NewJob(
		gocron.DurationJob(def.every),
		gocron.NewTask(func() { s.runOnce(def) }),
		gocron.WithName(def.name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("failed to register job %s: %w", def.name, err)
	}
	return nil
}

func (s *Scheduler) runOnce(def definition) {
	start := time.Now()
	n, err := def.run(s.ctx)
	if err != nil {
		if s.ctx.Err() != nil {
			return
		}
		s.logger.Error("job failed",
			slog.String("job", def.name),
			slog.String("error", err.Error()),
		)
		return
	}
	if n > 0 {
		s.logger.Info("job completed",
			slog.String("job", def.name),
			slog.Int64("affected", n),
			slog.Duration("duration", time.Since(start)),
		)
	}
}

// Jobs returns the names of the registered jobs.
func (s *Scheduler) Jobs() []string {
	jobs := s.scheduler.Jobs()
	names := make([]string, 0, len(jobs))
	for _, j := range jobs {
		names = append(names, j.Name())
	}
	return names
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() {
	s.scheduler.Start()
	s.logger.Info("scheduler started", slog.Int("jobs", len(s.scheduler.Jobs())))
}

// Stop cancels running jobs and waits for them to return.
func (s *Scheduler) Stop() error {
	s.cancel()
	return s.scheduler.Shutdown()
}
