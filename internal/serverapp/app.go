package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"pgbulk/internal/config"
	"pgbulk/internal/dbexec"
	"pgbulk/internal/entity"
	"pgbulk/internal/logging"
	"pgbulk/internal/nestedcreate"
	"pgbulk/internal/observability"
	"pgbulk/internal/schemarefresh"
)

// App owns runtime resources for the pgbulk server lifecycle.
type App struct {
	cfg    *config.Config
	logger *logging.Logger

	loggerProvider *observability.LoggerProvider

	effectiveDatabase string
	databaseSource    string
	dsnPresent        bool

	meterProvider  *observability.MeterProvider
	metrics        appMetrics
	tracerProvider *observability.TracerProvider

	db            *sql.DB
	dbStatsReg    interface{ Unregister() error }
	queryExecutor dbexec.QueryExecutor

	store        *entity.Store
	orchestrator *nestedcreate.Orchestrator
	manager      *schemarefresh.Manager
	schemaCancel context.CancelFunc

	graphqlHandler http.Handler
	adminHandler   http.Handler
	mux            *http.ServeMux
	handler        http.Handler

	serverAddr string
	srv        *http.Server

	cleanup cleanupStack

	stateMu      sync.Mutex
	initialized  bool
	started      bool
	serverErrors chan error

	shutdownOnce sync.Once
	shutdownErr  error
}

// New creates an App lifecycle wrapper.
func New(cfg *config.Config, logger *logging.Logger) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger is required")
	}

	effectiveDatabase, databaseSource, err := cfg.Database.EffectiveDatabaseName()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve effective database configuration: %w", err)
	}

	return &App{
		cfg:               cfg,
		logger:            logger,
		effectiveDatabase: effectiveDatabase,
		databaseSource:    databaseSource,
		dsnPresent:        strings.TrimSpace(cfg.Database.ConnectionString) != "",
	}, nil
}

// AttachLoggerProvider registers an optional logger provider for shutdown cleanup.
func (a *App) AttachLoggerProvider(provider *observability.LoggerProvider) {
	a.stateMu.Lock()
	defer a.stateMu.Unlock()
	a.loggerProvider = provider
}
