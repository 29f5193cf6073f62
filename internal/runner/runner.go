// Package runner supervises background work. Every run of every task ends
// in a log line and a background_task_runs_total sample.
package runner

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/raulk/clock"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"datagate/internal/logging"
	"datagate/internal/metrics"
)

const (
	resultOK       = "ok"
	resultError    = "error"
	resultCanceled = "canceled"
)

type Runner struct {
	g   *errgroup.Group
	ctx context.Context
	clk clock.Clock
	log *zap.Logger
	m   *metrics.Core
}

// New derives the runner context from parent. It is canceled when parent is,
// or when a task started with Go returns an error.
func New(parent context.Context, clk clock.Clock, log *zap.Logger, m *metrics.Core) *Runner {
	if clk == nil {
		clk = clock.New()
	}
	g, ctx := errgroup.WithContext(parent)
	return &Runner{g: g, ctx: ctx, clk: clk, log: logging.Component(log, "runner"), m: m}
}

// Context is canceled once the runner starts shutting down.
func (r *Runner) Context() context.Context { return r.ctx }

// Go starts a long-lived task. A non-nil error stops the whole runner.
func (r *Runner) Go(name string, fn func(ctx context.Context) error) {
	r.g.Go(func() error {
		return r.run(name, fn)
	})
}

// Every runs fn immediately and then at each interval until the runner stops.
// A failed run is reported and the schedule continues.
func (r *Runner) Every(name string, interval time.Duration, fn func(ctx context.Context) error) {
	r.g.Go(func() error {
		t := r.clk.Ticker(interval)
		defer t.Stop()
		for {
			_ = r.run(name, fn)
			select {
			case <-r.ctx.Done():
				return nil
			case <-t.C:
			}
		}
	})
}

// Spawn runs fn once on the runner context, detached from the caller. Its
// error is reported but does not stop the runner.
func (r *Runner) Spawn(name string, fn func(ctx context.Context) error) {
	r.g.Go(func() error {
		_ = r.run(name, fn)
		return nil
	})
}

// Wait blocks until every task has returned and yields the first Go error.
func (r *Runner) Wait() error {
	err := r.g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Runner) run(name string, fn func(ctx context.Context) error) (err error) {
	if r.ctx.Err() != nil {
		return nil
	}
	start := r.clk.Now()
	defer func() {
		if p := recover(); p != nil {
			err = fmt.Errorf("task %s panicked: %v", name, p)
		}
		r.report(name, start, err)
	}()
	return fn(r.ctx)
}

func (r *Runner) report(name string, start time.Time, err error) {
	fields := []zap.Field{
		zap.String("task", name),
		zap.Duration("duration_ms", r.clk.Since(start)),
	}
	switch {
	case err == nil:
		r.m.TaskRun(name, resultOK)
		r.log.Debug("task finished", append(fields, zap.String("event", "task_ok"))...)
	case errors.Is(err, context.Canceled) && r.ctx.Err() != nil:
		r.m.TaskRun(name, resultCanceled)
		r.log.Info("task canceled", append(fields, zap.String("event", "task_canceled"))...)
	default:
		r.m.TaskRun(name, resultError)
		r.log.Error("task failed", append(fields, zap.String("event", "task_failed"), zap.Error(err))...)
	}
}
