package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/stellar-build/stellar/internal/model"
)

// Pruner forgets finished jobs, implemented by build.Supervisor.
type Pruner interface {
	Prune(ctx context.Context, before time.Time) int
}

// HistoryPruner deletes stored builds, implemented by store.Store.
type HistoryPruner interface {
	DeleteBefore(ctx context.Context, t time.Time) (int, error)
}

// Retention evicts old jobs from memory and from the history.
type Retention struct {
	cfg        model.Retention
	jobs       Pruner
	history    HistoryPruner
	maxAge     time.Duration
	historyAge time.Duration
}

// NewRetention validates cfg. The history may be nil.
func NewRetention(cfg model.Retention, jobs Pruner, history HistoryPruner) (*Retention, error) {
	if jobs == nil {
		return nil, errors.New("retention needs a job pruner")
	}
	if err := cfg.Schedule.Validate(); err != nil {
		return nil, err
	}
	maxAge, historyAge, err := cfg.Ages()
	if err != nil {
		return nil, err
	}
	return &Retention{
		cfg:        cfg,
		jobs:       jobs,
		history:    history,
		maxAge:     maxAge,
		historyAge: historyAge,
	}, nil
}

// Sweep runs one eviction pass.
func (r *Retention) Sweep(ctx context.Context) error {
	now := time.Now()
	pruned := r.jobs.Prune(ctx, now.Add(-r.maxAge))

	var deleted int
	if r.history != nil {
		var err error
		deleted, err = r.history.DeleteBefore(ctx, now.Add(-r.historyAge))
		if err != nil {
			return fmt.Errorf("deleting build history: %w", err)
		}
	}
	slog.DebugContext(ctx, "retention sweep", "pruned", pruned, "deleted", deleted)
	return nil
}

// Scheduler returns a stopped scheduler running Sweep on the configured
// schedule. Sweeps never overlap.
func (r *Retention) Scheduler(ctx context.Context) (gocron.Scheduler, error) {
	return newScheduler(ctx, r.cfg.Schedule, func() {
		if err := r.Sweep(ctx); err != nil {
			slog.ErrorContext(ctx, "retention sweep failed", "error", err)
		}
	})
}

func newScheduler(ctx context.Context, cfg model.Schedule, task func()) (gocron.Scheduler, error) {
	var job gocron.JobDefinition
	switch {
	case cfg.Cron != "":
		interval, err := model.ParseCron(cfg.Cron)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.schedule.cron: %w", err)
		}
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron, "interval", interval.String())
	case cfg.Duration != "":
		d, err := model.ParseISODuration(cfg.Duration)
		if err != nil {
			return nil, fmt.Errorf("parsing retention.schedule.duration: %w", err)
		}
		if d <= 0 {
			return nil, fmt.Errorf("retention.schedule.duration must be positive, got %s", cfg.Duration)
		}
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	default:
		return nil, model.ErrEmptySchedule
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithName("retention"),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
