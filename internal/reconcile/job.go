package reconcile

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pixelverify/pkg/models"
)

// JobConfig schedules periodic reconciliation for a fixed set of shops
type JobConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	Interval    time.Duration `mapstructure:"interval" validate:"required_if=Enabled true"`
	WindowHours int           `mapstructure:"window_hours"`
	Shops       []string      `mapstructure:"shops"`
}

// ResultHandler receives each scheduled result
type ResultHandler func(models.ReconciliationResult)

// Job runs the engine on a ticker until its context is cancelled
type Job struct {
	engine  *Engine
	cfg     JobConfig
	logger  *zap.Logger
	handler ResultHandler
}

// NewJob creates a scheduled reconciliation job. handler may be nil.
func NewJob(engine *Engine, cfg JobConfig, logger *zap.Logger, handler ResultHandler) *Job {
	if cfg.WindowHours == 0 {
		cfg.WindowHours = DefaultWindowHours
	}
	cfg.WindowHours = ClampWindowHours(cfg.WindowHours)
	return &Job{engine: engine, cfg: cfg, logger: logger.Named("reconcile-job"), handler: handler}
}

// Run blocks, reconciling every configured shop once per interval
func (j *Job) Run(ctx context.Context) {
	ticker := time.NewTicker(j.cfg.Interval)
	defer ticker.Stop()

	j.logger.Info("Scheduled reconciliation started",
		zap.Duration("interval", j.cfg.Interval),
		zap.Int("window_hours", j.cfg.WindowHours),
		zap.Int("shops", len(j.cfg.Shops)))

	for {
		j.RunOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// RunOnce reconciles every configured shop once. A failing shop does not stop the others.
func (j *Job) RunOnce(ctx context.Context) {
	for _, shop := range j.cfg.Shops {
		if ctx.Err() != nil {
			return
		}
		result, err := j.engine.Reconcile(ctx, shop, j.cfg.WindowHours)
		if err != nil {
			j.logger.Error("Scheduled reconciliation failed", zap.String("shop_id", shop), zap.Error(err))
			continue
		}
		j.logger.Info("Scheduled reconciliation", zap.String("summary", String(result)))
		if j.handler != nil {
			j.handler(result)
		}
	}
}
