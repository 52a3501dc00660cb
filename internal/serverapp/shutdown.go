package serverapp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"pgbulk/internal/logging"
)

// cleanupStack releases resources in reverse order of acquisition, so the
// HTTP server drains in-flight bulk transactions before the pool closes.
type cleanupStack struct {
	items []cleanupItem
}

type cleanupItem struct {
	name string
	fn   func(context.Context) error
}

func (s *cleanupStack) push(name string, fn func(context.Context) error) {
	s.items = append(s.items, cleanupItem{name: name, fn: fn})
}

// run calls every cleanup even when an earlier one fails and returns the
// failures joined.
func (s *cleanupStack) run(ctx context.Context, logger *logging.Logger) error {
	var errs []error
	for i := len(s.items) - 1; i >= 0; i-- {
		item := s.items[i]
		started := time.Now()
		err := item.fn(ctx)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", item.name, err))
		}
		if logger == nil {
			continue
		}
		if err != nil {
			logger.Warn("cleanup failed", slog.String("component", item.name), slog.String("error", err.Error()))
			continue
		}
		logger.Info("stopped "+item.name, slog.Duration("duration", time.Since(started)))
	}
	return errors.Join(errs...)
}

// Shutdown stops serving and releases everything Init acquired. Only the
// first call does any work; later calls return its result.
func (a *App) Shutdown(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	a.shutdownOnce.Do(func() {
		a.stateMu.Lock()
		cleanup := a.cleanup
		a.started = false
		a.stateMu.Unlock()

		a.shutdownErr = cleanup.run(ctx, a.logger)
	})
	return a.shutdownErr
}
