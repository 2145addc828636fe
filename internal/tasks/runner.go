// Package tasks runs fire-and-forget background work and records how each
// run ended.
package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ariefcatur/go-checkout-reconciler/internal/apperr"
	"github.com/ariefcatur/go-checkout-reconciler/internal/logx"
)

const (
	StatusRunning   = "running"
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
)

// Recorder persists task outcomes. Recording errors are logged, never fatal.
type Recorder interface {
	Started(ctx context.Context, id, name, key string, at time.Time) error
	Finished(ctx context.Context, id, status, errMsg string, at time.Time) error
}

type Runner struct {
	base    context.Context
	rec     Recorder
	timeout time.Duration
	log     *zap.Logger
	wg      sync.WaitGroup
	now     func() time.Time
}

// NewRunner detaches tasks from request contexts: they inherit base only.
// rec may be nil.
func NewRunner(base context.Context, rec Recorder, timeout time.Duration, log *zap.Logger) *Runner {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Runner{
		base:    base,
		rec:     rec,
		timeout: timeout,
		log:     logx.OrNop(log).Named("tasks"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Go starts fn in the background under the runner's default timeout and
// returns the task id.
func (r *Runner) Go(name, key string, fn func(ctx context.Context) error) string {
	return r.GoFor(name, key, r.timeout, fn)
}

// GoFor is Go with its own timeout, for runs longer than the default.
func (r *Runner) GoFor(name, key string, timeout time.Duration, fn func(ctx context.Context) error) string {
	if timeout <= 0 {
		timeout = r.timeout
	}
	id := uuid.NewString()
	log := r.log.With(zap.String("task", name), zap.String("task_id", id), zap.String("key", key))

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(r.base, timeout)
		defer cancel()

		if r.rec != nil {
			if err := r.rec.Started(ctx, id, name, key, r.now()); err != nil {
				log.Warn("record task start", zap.Error(err))
			}
		}

		err := r.safeRun(ctx, fn)
		status, msg := StatusSucceeded, ""
		if err != nil {
			status, msg = StatusFailed, logx.Truncate([]byte(err.Error()), 500)
			log.Error("task failed", zap.Error(err))
		} else {
			log.Info("task done")
		}

		if r.rec != nil {
			if err := r.rec.Finished(context.WithoutCancel(ctx), id, status, msg, r.now()); err != nil {
				log.Warn("record task end", zap.Error(err))
			}
		}
	}()
	return id
}

func (r *Runner) safeRun(ctx context.Context, fn func(context.Context) error) (err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.New(apperr.KindInternal, "tasks.run", "background task panicked", nil)
			r.log.Error("task panic", zap.Any("panic", p), zap.Stack("stack"))
		}
	}()
	return fn(ctx)
}

// Wait blocks until every started task returned or ctx is done.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
