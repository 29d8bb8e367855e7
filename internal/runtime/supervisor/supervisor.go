// Package supervisor tracks the relay's background goroutines so shutdown
// can wait for all of them with one call.
package supervisor

import (
	"context"
	"sync"
	"time"

	"tgrelay/pkg/logx"
)

// Supervisor owns a set of named goroutines bound to one context.
// Cancelling the supervisor cancels every goroutine; Wait blocks until all
// of them have returned.
type Supervisor struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    logx.Logger
}

func New(parent context.Context, log logx.Logger) *Supervisor {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Supervisor{ctx: ctx, cancel: cancel, log: log}
}

func (s *Supervisor) Context() context.Context { return s.ctx }

func (s *Supervisor) Cancel() { s.cancel() }

// Go runs fn until it returns. A panic is logged and contained; it never
// takes down the process.
func (s *Supervisor) Go(name string, fn func(ctx context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer func() {
			if p := recover(); p != nil {
				s.log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p))
			}
		}()
		s.log.Debug("goroutine started", logx.String("name", name))
		fn(s.ctx)
		s.log.Debug("goroutine stopped", logx.String("name", name))
	}()
}

// GoRestart reruns fn with exponential backoff whenever it returns while
// the supervisor is still active. Long-poll loops can exit unexpectedly;
// this makes them self-heal.
func (s *Supervisor) GoRestart(name string, fn func(ctx context.Context), min, max time.Duration) {
	if min <= 0 {
		min = 500 * time.Millisecond
	}
	if max < min {
		max = min
	}
	s.Go(name, func(ctx context.Context) {
		delay := min
		for {
			started := time.Now()
			runContained(s.log, name, ctx, fn)
			if ctx.Err() != nil {
				return
			}

			// A run that survived a while earns a fresh backoff.
			if time.Since(started) > max {
				delay = min
			}
			s.log.Warn("goroutine exited; restarting",
				logx.String("name", name),
				logx.Duration("delay", delay))

			t := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				t.Stop()
				return
			case <-t.C:
			}
			delay *= 2
			if delay > max {
				delay = max
			}
		}
	})
}

func runContained(log logx.Logger, name string, ctx context.Context, fn func(ctx context.Context)) {
	defer func() {
		if p := recover(); p != nil {
			log.Error("goroutine panicked", logx.String("name", name), logx.Any("panic", p))
		}
	}()
	fn(ctx)
}

// Wait blocks until every goroutine has returned or ctx expires.
func (s *Supervisor) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
