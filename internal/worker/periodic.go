// Package worker runs background maintenance tasks on a fixed interval.
package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"bizdesk/internal/metrics"

	"go.uber.org/zap"
)

// Task does one pass and reports how many rows it removed or revoked.
type Task func(ctx context.Context) (int64, error)

// Periodic runs a Task every interval. A tick that arrives while the previous
// run is still in flight is skipped, so runs never stack.
type Periodic struct {
	name     string
	interval time.Duration
	task     Task
	log      *zap.Logger

	running atomic.Bool
	wg      sync.WaitGroup
}

func NewPeriodic(name string, interval time.Duration, task Task, log *zap.Logger) *Periodic {
	return &Periodic{
		name:     name,
		interval: interval,
		task:     task,
		log:      log.With(zap.String("task", name)),
	}
}

func (p *Periodic) Name() string { return p.name }

// RunOnce executes the task unless a run is already in flight. It reports
// whether the task actually ran.
func (p *Periodic) RunOnce(ctx context.Context) (bool, error) {
	if !p.running.CompareAndSwap(false, true) {
		metrics.SweepRuns.WithLabelValues(p.name, "skipped").Inc()
		p.log.Debug("previous run still in flight, skipping")
		return false, nil
	}
	defer p.running.Store(false)

	start := time.Now()
	n, err := p.task(ctx)
	metrics.SweepDuration.WithLabelValues(p.name).Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.SweepRuns.WithLabelValues(p.name, "error").Inc()
		p.log.Warn("run failed", zap.Error(err))
		return true, err
	}

	metrics.SweepRuns.WithLabelValues(p.name, "ok").Inc()
	metrics.SweepRemoved.WithLabelValues(p.name).Add(float64(n))
	if n > 0 {
		p.log.Info("run finished", zap.Int64("removed", n), zap.Duration("took", time.Since(start)))
	}
	return true, nil
}

// Run ticks until ctx is done, then waits for the in-flight run to return.
func (p *Periodic) Run(ctx context.Context) error {
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	defer p.wg.Wait()

	p.launch(ctx)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.launch(ctx)
		}
	}
}

func (p *Periodic) launch(ctx context.Context) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		_, _ = p.RunOnce(ctx)
	}()
}
