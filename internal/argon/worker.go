package argon

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/throw-if-null/catalyst/internal/telemetry"
)

// Pruner deletes finished runs.
type Pruner interface {
	PruneFinishedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

type PruneConfig struct {
	// MaxAge is how long finished runs are kept. Zero disables pruning.
	MaxAge time.Duration
	// Interval controls the polling interval. If zero, defaults to 1h.
	Interval time.Duration
	Metrics  *telemetry.Metrics
	Logger   *zap.Logger
	Now      func() time.Time
}

// StartPruneWorker starts a background goroutine that deletes runs which
// finished more than MaxAge ago. It returns a func that stops the worker and
// waits for it to exit.
func StartPruneWorker(ctx context.Context, p Pruner, cfg PruneConfig) context.CancelFunc {
	if cfg.MaxAge <= 0 {
		return func() {}
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	log = log.Named("prune")

	ctx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(cfg.Interval)
		defer ticker.Stop()
		for {
			pruneOnce(ctx, p, cfg, log)
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}()
	return func() {
		cancel()
		<-done
	}
}

func pruneOnce(ctx context.Context, p Pruner, cfg PruneConfig, log *zap.Logger) {
	cutoff := cfg.Now().Add(-cfg.MaxAge)
	n, err := p.PruneFinishedBefore(ctx, cutoff)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn("prune finished runs", zap.Error(err))
		}
		return
	}
	cfg.Metrics.AddPruned(n)
	if n > 0 {
		log.Info("pruned finished runs", zap.Int64("count", n), zap.Time("cutoff", cutoff))
	}
}
