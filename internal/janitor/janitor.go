// Package janitor runs scheduled maintenance: periodic disposal queue
// draining and pruning of stale persisted playback positions.
package janitor

import (
	"context"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/reelworks/reelpool/internal/config"
	"github.com/reelworks/reelpool/internal/observability"
	"github.com/reelworks/reelpool/internal/pool"
)

// PositionPruner deletes persisted positions older than the retention
// window.
type PositionPruner interface {
	PruneStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// Janitor owns the cron scheduler for background maintenance.
type Janitor struct {
	cfg        config.JanitorConfig
	retention  time.Duration
	drainBatch int
	pool       *pool.Pool
	positions  PositionPruner
	logger     *slog.Logger
	cron       *cron.Cron
}

// New creates a janitor. positions may be nil when position persistence is
// disabled.
func New(cfg config.JanitorConfig, retention time.Duration, drainBatch int, p *pool.Pool, positions PositionPruner, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		cfg:        cfg,
		retention:  retention,
		drainBatch: drainBatch,
		pool:       p,
		positions:  positions,
		logger:     observability.WithComponent(logger, "janitor"),
		cron:       cron.New(cron.WithSeconds()),
	}
}

// Start registers the maintenance jobs and starts the scheduler.
func (j *Janitor) Start() error {
	if _, err := j.cron.AddFunc(j.cfg.DrainSchedule, j.DrainPass); err != nil {
		return err
	}
	if j.positions != nil {
		if _, err := j.cron.AddFunc(j.cfg.PruneSchedule, j.PrunePass); err != nil {
			return err
		}
	}
	j.cron.Start()
	j.logger.Info("maintenance scheduler started",
		slog.String("drain_schedule", j.cfg.DrainSchedule),
		slog.String("prune_schedule", j.cfg.PruneSchedule),
	)
	return nil
}

// DrainPass tears down one batch of pending disposals.
func (j *Janitor) DrainPass() {
	if n := j.pool.Disposals().Drain(j.drainBatch); n > 0 {
		j.logger.Debug("drained disposal batch", slog.Int("disposed", n))
	}
}

// PrunePass deletes persisted positions older than the retention window.
func (j *Janitor) PrunePass() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pruned, err := j.positions.PruneStale(ctx, j.retention)
	if err != nil {
		j.logger.Warn("position prune failed", slog.String("error", err.Error()))
		return
	}
	if pruned > 0 {
		j.logger.Info("pruned stale positions", slog.Int64("count", pruned))
	}
}

// Stop halts the scheduler and waits for running jobs to finish.
func (j *Janitor) Stop() {
	ctx := j.cron.Stop()
	<-ctx.Done()
}
