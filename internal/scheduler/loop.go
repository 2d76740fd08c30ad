// Package scheduler drives abandonment detection and sequence steps on a
// fixed cadence. A tick only acts on persisted due state, so running it twice,
// concurrently or from several schedulers is harmless.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/imrishuroy/go-cart-recovery/internal/carts"
	"github.com/imrishuroy/go-cart-recovery/internal/sequences"
)

// Defaults for Config.
const (
	DefaultPollInterval = 2 * time.Minute
	DefaultTickTimeout  = 90 * time.Second
)

// Detector abandons carts whose debounce deadline passed.
type Detector interface {
	ProcessDue(ctx context.Context) (carts.DueSummary, error)
}

// Steps runs due sequence steps.
type Steps interface {
	ProcessPendingSteps(ctx context.Context) (sequences.StepSummary, error)
}

// Metrics receives the rollup of every tick.
type Metrics interface {
	PutCounts(ctx context.Context, counts map[string]int) error
}

// Config tunes the loop.
type Config struct {
	PollInterval time.Duration
	TickTimeout  time.Duration
}

// Rollup counts what one tick did.
type Rollup struct {
	Abandoned int `json:"abandoned"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Completed int `json:"completed"`
}

// Counts returns the rollup keyed by metric name.
func (r Rollup) Counts() map[string]int {
	return map[string]int{
		"CartsAbandoned":     r.Abandoned,
		"StepsSent":          r.Sent,
		"StepsFailed":        r.Failed,
		"StepsSkipped":       r.Skipped,
		"SequencesCompleted": r.Completed,
	}
}

// Loop runs ticks.
type Loop struct {
	detector Detector
	steps    Steps
	metrics  Metrics
	cfg      Config
	logger   *slog.Logger
}

// New creates a Loop. metrics may be nil.
func New(detector Detector, steps Steps, metrics Metrics, cfg Config, logger *slog.Logger) *Loop {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.TickTimeout <= 0 {
		cfg.TickTimeout = DefaultTickTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		detector: detector,
		steps:    steps,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With("component", "scheduler"),
	}
}

// Tick runs one detection pass and one step pass within TickTimeout. Work
// cut short by the timeout stays due and is picked up by the next tick.
func (l *Loop) Tick(ctx context.Context) (Rollup, error) {
	ctx, cancel := context.WithTimeout(ctx, l.cfg.TickTimeout)
	defer cancel()

	started := time.Now()
	var r Rollup
	var errs []error

	due, err := l.detector.ProcessDue(ctx)
	r.Abandoned = due.Abandoned
	r.Skipped += due.Skipped
	r.Failed += due.Failed
	if err != nil {
		errs = append(errs, err)
	}

	if ctx.Err() == nil {
		steps, err := l.steps.ProcessPendingSteps(ctx)
		r.Sent = steps.Sent
		r.Failed += steps.Failed
		r.Skipped += steps.Skipped
		r.Completed = steps.Completed
		if err != nil {
			errs = append(errs, err)
		}
	}

	if l.metrics != nil {
		// the tick context may be spent; metrics get their own short budget
		mctx, mcancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		if err := l.metrics.PutCounts(mctx, r.Counts()); err != nil {
			l.logger.Warn("publish tick metrics failed", "error", err)
		}
		mcancel()
	}

	err = errors.Join(errs...)
	l.logger.Info("tick finished",
		"abandoned", r.Abandoned, "sent", r.Sent, "failed", r.Failed,
		"skipped", r.Skipped, "completed", r.Completed,
		"duration", time.Since(started), "error", err)
	return r, err
}

// Run ticks immediately and then every PollInterval until ctx is done. Tick
// errors are logged and never stop the loop.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	l.logger.Info("scheduler started", "interval", l.cfg.PollInterval)
	for {
		if _, err := l.Tick(ctx); err != nil && ctx.Err() == nil {
			l.logger.Error("tick failed", "error", err)
		}
		select {
		case <-ctx.Done():
			l.logger.Info("scheduler stopped")
			return nil
		case <-ticker.C:
		}
	}
}
