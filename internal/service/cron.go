package service

import (
	"context"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"

	"github.com/rcssrunner/runner/internal/model"
)

// newScheduler returns a scheduler calling task on the republish schedule,
// or nil when there is none.
func newScheduler(ctx context.Context, cfgp *model.Republish, task func()) (gocron.Scheduler, error) {
	if cfgp == nil {
		return nil, nil
	}
	cfg := *cfgp
	d, err := cfg.Validate()
	if err != nil {
		return nil, err
	}

	var job gocron.JobDefinition
	if cfg.Cron != "" {
		job = gocron.CronJob(cfg.Cron, false)
		slog.DebugContext(ctx, "successfully parsed", "cron", cfg.Cron)
	} else {
		job = gocron.DurationJob(d)
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}
