package core

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/example/receiptsync/internal/metrics"
)

// Clock returns the current time. Services take one so tests can pin it.
type Clock func() time.Time

// SystemClock is the wall clock in UTC.
func SystemClock() time.Time { return time.Now().UTC() }

const maxConcurrentEffects = 4

// Effect is a best-effort side effect (audit entry, notification) collected
// during an operation and run only after its critical write succeeded.
type Effect struct {
	Name string
	Run  func(ctx context.Context) error
}

// Effects is the list collected by one operation.
type Effects []Effect

// Add queues fn under name.
func (e *Effects) Add(name string, fn func(ctx context.Context) error) {
	*e = append(*e, Effect{Name: name, Run: fn})
}

// EffectDispatcher runs collected effects. Failures are logged and counted,
// never returned.
type EffectDispatcher struct {
	logger *zap.Logger
}

// NewEffectDispatcher creates an EffectDispatcher.
func NewEffectDispatcher(logger *zap.Logger) *EffectDispatcher {
	return &EffectDispatcher{logger: logger}
}

// Dispatch runs effects concurrently and waits for all of them.
func (d *EffectDispatcher) Dispatch(ctx context.Context, effects Effects, fields ...zap.Field) {
	if len(effects) == 0 {
		return
	}
	var g errgroup.Group
	g.SetLimit(maxConcurrentEffects)
	for _, eff := range effects {
		g.Go(func() error {
			if err := eff.Run(ctx); err != nil {
				metrics.EffectFailuresTotal.WithLabelValues(eff.Name).Inc()
				logFields := append([]zap.Field{zap.String("effect", eff.Name), zap.Error(err)}, fields...)
				d.logger.Warn("Best-effort effect failed", logFields...)
			}
			return nil
		})
	}
	_ = g.Wait()
}
