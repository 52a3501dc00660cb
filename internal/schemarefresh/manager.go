// Package schemarefresh watches the entity schema file and swaps the active
// registry when its contents change.
package schemarefresh

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"pgbulk/internal/entity"
	"pgbulk/internal/logging"
	"pgbulk/internal/observability"
)

// Config controls schema refresh behavior.
type Config struct {
	Store   *entity.Store
	Logger  *logging.Logger
	Metrics *observability.SchemaRefreshMetrics
	// MinInterval of zero disables the poll loop; RefreshNow still works.
	MinInterval time.Duration
	MaxInterval time.Duration
}

// Manager polls the schema file and reloads the store on change.
type Manager struct {
	store       *entity.Store
	logger      *logging.Logger
	metrics     *observability.SchemaRefreshMetrics
	minInterval time.Duration
	maxInterval time.Duration

	mu          sync.Mutex
	fingerprint string
	wg          sync.WaitGroup
}

// NewManager records the fingerprint of the schema the store already loaded.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("schema refresh manager requires an entity store")
	}
	if cfg.Logger == nil {
		cfg.Logger = &logging.Logger{Logger: slog.Default()}
	}
	maxInterval := cfg.MaxInterval
	if maxInterval < cfg.MinInterval {
		maxInterval = cfg.MinInterval
	}

	m := &Manager{
		store:       cfg.Store,
		logger:      cfg.Logger.WithFields(slog.String("component", "schema_refresh")),
		metrics:     cfg.Metrics,
		minInterval: cfg.MinInterval,
		maxInterval: maxInterval,
	}

	if m.store.Path() != "" {
		fingerprint, err := fileFingerprint(m.store.Path())
		if err != nil {
			return nil, err
		}
		m.fingerprint = fingerprint
	}
	m.recordRefresh(0, true, "startup")
	return m, nil
}

// Start begins the background refresh loop.
func (m *Manager) Start(ctx context.Context) {
	if m.minInterval <= 0 || m.store.Path() == "" {
		m.logger.Info("schema refresh polling disabled")
		return
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.refreshLoop(ctx)
	}()
}

// Wait blocks until the refresh loop exits or the context is canceled.
func (m *Manager) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// RefreshNowContext reloads the schema file unconditionally. On error the
// previous registry stays active.
func (m *Manager) RefreshNowContext(ctx context.Context) error {
	_, span := otel.Tracer("pgbulk/schemarefresh").Start(ctx, "schema.refresh")
	defer span.End()
	span.SetAttributes(attribute.String("trigger", "manual"))

	start := time.Now()
	if err := m.reload(); err != nil {
		span.RecordError(err)
		m.recordRefresh(time.Since(start), false, "manual")
		return err
	}
	m.recordRefresh(time.Since(start), true, "manual")
	m.logger.Info("entity schema reloaded", slog.Int("entities", len(m.store.Registry().Entities())))
	return nil
}

func (m *Manager) reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var fingerprint string
	if path := m.store.Path(); path != "" {
		var err error
		if fingerprint, err = fileFingerprint(path); err != nil {
			return err
		}
	}
	if err := m.store.Reload(); err != nil {
		return err
	}
	m.fingerprint = fingerprint
	return nil
}

func (m *Manager) refreshLoop(ctx context.Context) {
	interval := m.minInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("schema refresh stopped")
			return
		case <-timer.C:
			interval = m.refreshOnce(interval)
			timer.Reset(interval)
		}
	}
}

// refreshOnce reloads when the file changed and returns the next poll interval.
func (m *Manager) refreshOnce(interval time.Duration) time.Duration {
	start := time.Now()
	fingerprint, err := fileFingerprint(m.store.Path())
	if err != nil {
		m.logger.Warn("schema fingerprint check failed", slog.String("error", err.Error()))
		m.recordRefresh(time.Since(start), false, "poll")
		return m.minInterval
	}

	m.mu.Lock()
	unchanged := fingerprint == m.fingerprint
	m.mu.Unlock()
	if unchanged {
		return nextInterval(interval, m.minInterval, m.maxInterval)
	}

	m.logger.Info("schema file changed, reloading", slog.String("fingerprint", fingerprint))
	if err := m.reload(); err != nil {
		m.logger.Error("failed to reload entity schema", slog.String("error", err.Error()))
		m.recordRefresh(time.Since(start), false, "poll")
		return m.minInterval
	}
	m.recordRefresh(time.Since(start), true, "poll")
	m.logger.Info("schema refresh complete", slog.Int("entities", len(m.store.Registry().Entities())))
	return m.minInterval
}

func fileFingerprint(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("failed to read entity schema: %w", err)
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// nextInterval backs off by half again each quiet poll, capped at maxInterval.
func nextInterval(current, minInterval, maxInterval time.Duration) time.Duration {
	if current < minInterval {
		return minInterval
	}
	next := current + current/2
	if next > maxInterval {
		return maxInterval
	}
	return next
}

func (m *Manager) recordRefresh(duration time.Duration, success bool, trigger string) {
	entities := 0
	if reg := m.store.Registry(); reg != nil {
		entities = len(reg.Entities())
	}
	m.metrics.RecordRefresh(context.Background(), duration, success, trigger, entities)
}
