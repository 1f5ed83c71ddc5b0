// Package supervisor keeps long-lived background tasks running.
package supervisor

import (
	"context"
	"fmt"
	"runtime/debug"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Task is a long-lived unit of work. Returning nil or an error, or
// panicking, before ctx is done counts as a crash.
type Task func(ctx context.Context) error

// Config controls restart pacing.
type Config struct {
	// Backoff is the minimum interval between restarts (default 1s).
	Backoff time.Duration
	// Burst is the number of restarts allowed back to back (default 3).
	Burst int
	// OnRestart is called after every crash, before the task restarts.
	OnRestart func(name string)
}

// Run runs task until ctx is done, restarting it after every crash. Restarts
// are throttled by a token bucket so a persistently failing task does not
// spin.
func Run(ctx context.Context, name string, task Task, cfg Config, logger *zap.Logger) {
	if cfg.Backoff == 0 {
		cfg.Backoff = time.Second
	}
	if cfg.Burst == 0 {
		cfg.Burst = 3
	}
	limiter := rate.NewLimiter(rate.Every(cfg.Backoff), cfg.Burst)
	log := logger.With(zap.String("task", name))

	for attempt := 1; ; attempt++ {
		err := runOnce(ctx, task)
		if ctx.Err() != nil {
			log.Info("background task stopped")
			return
		}
		if err == nil {
			err = fmt.Errorf("task returned without error")
		}
		log.Error("background task crashed, restarting", zap.Int("attempt", attempt), zap.Error(err))
		if cfg.OnRestart != nil {
			cfg.OnRestart(name)
		}
		if err := limiter.Wait(ctx); err != nil {
			log.Info("background task stopped")
			return
		}
	}
}

// Go starts Run on a new goroutine and returns a channel closed when it ends.
func Go(ctx context.Context, name string, task Task, cfg Config, logger *zap.Logger) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		Run(ctx, name, task, cfg, logger)
	}()
	return done
}

func runOnce(ctx context.Context, task Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
		}
	}()
	return task(ctx)
}
