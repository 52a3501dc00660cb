package serverapp

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"pgbulk/internal/config"
	"pgbulk/internal/dbexec"
	"pgbulk/internal/entity"
	"pgbulk/internal/logging"
	"pgbulk/internal/middleware"
	"pgbulk/internal/nestedcreate"
	"pgbulk/internal/observability"
	"pgbulk/internal/resolver"
	"pgbulk/internal/schemarefresh"

	"github.com/XSAM/otelsql"
	"github.com/graphql-go/handler"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
)

const (
	graphqlPath          = "/graphql"
	healthPath           = "/health"
	metricsPath          = "/metrics"
	adminPathPrefix      = "/admin/"
	reloadEntityPath     = adminPathPrefix + "reload-entities"
	reloadOperation      = "reload_entities"
	reloadTimeout        = 15 * time.Second
	maxRetryInterval     = 30 * time.Second
	pgxDriverName        = "pgx"
	instrumentationScope = "pgbulk"
)

func InitLogger(cfg *config.Config) (*logging.Logger, *observability.LoggerProvider, error) {
	loggerCfg := logging.Config{
		Level:       cfg.Observability.Logging.Level,
		Format:      cfg.Observability.Logging.Format,
		ServiceName: instrumentationScope,
	}
	logger := logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	if !cfg.Observability.Logging.ExportsEnabled {
		return logger, nil, nil
	}

	logsConfig := cfg.Observability.GetLogsConfig()
	logger.Info("initializing OpenTelemetry logging",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
		slog.String("otlp_endpoint", logsConfig.Endpoint),
		slog.String("otlp_protocol", logsConfig.Protocol),
		slog.Bool("insecure", logsConfig.Insecure),
	)

	loggerProvider, err := observability.InitLoggerProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
		OTLPConfig:     exporterConfig(logsConfig),
	})
	if err != nil {
		return nil, nil, err
	}

	logger.Info("OpenTelemetry logging initialized successfully")

	loggerCfg.LoggerProvider = loggerProvider.Provider()
	logger = logging.NewLogger(loggerCfg)
	slog.SetDefault(logger.Logger)

	return logger, loggerProvider, nil
}

func exporterConfig(c config.OTLPConfig) observability.OTLPExporterConfig {
	return observability.OTLPExporterConfig{
		Endpoint:          c.Endpoint,
		Protocol:          c.Protocol,
		Insecure:          c.Insecure,
		TLSCertFile:       c.TLSCertFile,
		TLSClientCertFile: c.TLSClientCertFile,
		TLSClientKeyFile:  c.TLSClientKeyFile,
		Headers:           c.Headers,
		Timeout:           c.Timeout,
		Compression:       c.Compression,
		RetryEnabled:      c.RetryEnabled,
		RetryMaxAttempts:  c.RetryMaxAttempts,
	}
}

type appMetrics struct {
	bulk          *observability.BulkMetrics
	schemaRefresh *observability.SchemaRefreshMetrics
	security      *observability.SecurityMetrics
}

func initMetrics(cfg *config.Config, logger *logging.Logger) (*observability.MeterProvider, appMetrics, error) {
	if !cfg.Observability.MetricsEnabled {
		return nil, appMetrics{}, nil
	}

	logger.Info("initializing OpenTelemetry metrics",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("service_version", cfg.Observability.ServiceVersion),
		slog.String("environment", cfg.Observability.Environment),
	)

	meterProvider, err := observability.InitMeterProvider(observability.Config{
		ServiceName:    cfg.Observability.ServiceName,
		ServiceVersion: cfg.Observability.ServiceVersion,
		Environment:    cfg.Observability.Environment,
	})
	if err != nil {
		return nil, appMetrics{}, err
	}

	var m appMetrics
	if m.bulk, err = observability.InitMetrics(logger.Logger); err != nil {
		return nil, appMetrics{}, err
	}
	if m.schemaRefresh, err = observability.InitSchemaRefreshMetrics(logger.Logger); err != nil {
		return nil, appMetrics{}, err
	}
	if m.security, err = observability.InitSecurityMetrics(); err != nil {
		return nil, appMetrics{}, err
	}

	logger.Info("OpenTelemetry metrics initialized successfully")
	return meterProvider, m, nil
}

func initTracing(cfg *config.Config, logger *logging.Logger) (*observability.TracerProvider, error) {
	if !cfg.Observability.TracingEnabled {
		return nil, nil
	}

	tracesConfig := cfg.Observability.GetTracesConfig()
	logger.Info("initializing OpenTelemetry tracing",
		slog.String("service_name", cfg.Observability.ServiceName),
		slog.String("otlp_endpoint", tracesConfig.Endpoint),
		slog.String("otlp_protocol", tracesConfig.Protocol),
		slog.Float64("sample_ratio", cfg.Observability.TraceSampleRatio),
	)

	tracerProvider, err := observability.InitTracerProvider(observability.Config{
		ServiceName:      cfg.Observability.ServiceName,
		ServiceVersion:   cfg.Observability.ServiceVersion,
		Environment:      cfg.Observability.Environment,
		TraceSampleRatio: cfg.Observability.TraceSampleRatio,
		OTLPConfig:       exporterConfig(tracesConfig),
	})
	if err != nil {
		return nil, err
	}

	logger.Info("OpenTelemetry tracing initialized successfully")
	return tracerProvider, nil
}

func connectDB(cfg *config.Config, logger *logging.Logger) (*sql.DB, interface{ Unregister() error }, error) {
	dsn := cfg.Database.DSN()

	if !cfg.Observability.MetricsEnabled && !cfg.Observability.TracingEnabled {
		db, err := sql.Open(pgxDriverName, dsn)
		if err != nil {
			return nil, nil, err
		}
		return db, nil, nil
	}

	opts := []otelsql.Option{
		otelsql.WithAttributes(semconv.DBSystemPostgreSQL),
	}
	if cfg.Observability.TracingEnabled {
		opts = append(opts, otelsql.WithSpanOptions(otelsql.SpanOptions{
			DisableErrSkip: true,
		}))
	}
	sqlCommenter := cfg.Observability.SQLCommenterEnabled && cfg.Observability.TracingEnabled
	if sqlCommenter {
		opts = append(opts, otelsql.WithSQLCommenter(true))
	} else if cfg.Observability.SQLCommenterEnabled {
		logger.Warn("SQLCommenter requires tracing to be enabled - skipping SQLCommenter")
	}

	db, err := otelsql.Open(pgxDriverName, dsn, opts...)
	if err != nil {
		return nil, nil, err
	}

	var dbStatsReg interface{ Unregister() error }
	if cfg.Observability.MetricsEnabled {
		dbStatsReg, err = otelsql.RegisterDBStatsMetrics(db, otelsql.WithAttributes(semconv.DBSystemPostgreSQL))
		if err != nil {
			logger.Warn("failed to register DB stats metrics", slog.String("error", err.Error()))
		}
	}

	logger.Info("database instrumentation enabled",
		slog.Bool("metrics", cfg.Observability.MetricsEnabled),
		slog.Bool("tracing", cfg.Observability.TracingEnabled),
		slog.Bool("sqlcommenter", sqlCommenter),
	)
	return db, dbStatsReg, nil
}

func configureDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB, effectiveDatabase string, databaseSource string) error {
	db.SetMaxOpenConns(cfg.Database.Pool.MaxOpen)
	db.SetMaxIdleConns(cfg.Database.Pool.MaxIdle)
	db.SetConnMaxLifetime(cfg.Database.Pool.MaxLifetime)

	if err := waitForDatabase(ctx, cfg, logger, db); err != nil {
		return err
	}

	logger.Info("connected to database",
		slog.String("database_effective", effectiveDatabase),
		slog.String("database_source", databaseSource),
		slog.Int("pool_max_open", cfg.Database.Pool.MaxOpen),
		slog.Int("pool_max_idle", cfg.Database.Pool.MaxIdle),
		slog.Duration("pool_max_lifetime", cfg.Database.Pool.MaxLifetime),
	)
	return nil
}

// waitForDatabase pings until the database answers or the connection timeout
// passes. A zero timeout tries once.
func waitForDatabase(ctx context.Context, cfg *config.Config, logger *logging.Logger, db *sql.DB) error {
	timeout := cfg.Database.ConnectionTimeout
	interval := cfg.Database.ConnectionRetryInterval
	if interval <= 0 {
		interval = time.Second
	}

	if timeout == 0 {
		return db.PingContext(ctx)
	}

	deadline := time.Now().Add(timeout)
	for attempt := 1; ; attempt++ {
		err := db.PingContext(ctx)
		if err == nil {
			if attempt > 1 {
				logger.Info("database connection established", slog.Int("attempts", attempt))
			}
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("database not available after %v: %w", timeout, err)
		}

		logger.Warn("database not ready, retrying...",
			slog.Int("attempt", attempt),
			slog.Duration("retry_in", interval),
			slog.String("error", err.Error()),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}

		interval = min(interval*2, maxRetryInterval)
	}
}

func buildQueryExecutor(cfg *config.Config, db *sql.DB) dbexec.QueryExecutor {
	if !cfg.Server.Auth.DBRoleEnabled {
		return dbexec.NewStandardExecutor(db)
	}
	return dbexec.NewRoleExecutor(dbexec.RoleExecutorConfig{
		DB:           db,
		RoleFromCtx:  middleware.RoleFromContext,
		AllowedRoles: cfg.Server.Auth.DBRoleAllowed,
		ValidateRole: len(cfg.Server.Auth.DBRoleAllowed) > 0,
	})
}

func startSchemaManager(cfg *config.Config, logger *logging.Logger, store *entity.Store, metrics *observability.SchemaRefreshMetrics) (*schemarefresh.Manager, context.CancelFunc, error) {
	manager, err := schemarefresh.NewManager(schemarefresh.Config{
		Store:       store,
		Logger:      logger,
		Metrics:     metrics,
		MinInterval: cfg.Bulk.SchemaRefreshMinInterval,
		MaxInterval: cfg.Bulk.SchemaRefreshMaxInterval,
	})
	if err != nil {
		return nil, nil, err
	}

	schemaCtx, schemaCancel := context.WithCancel(context.Background())
	manager.Start(schemaCtx)
	return manager, schemaCancel, nil
}

func buildOrchestrator(cfg *config.Config, store *entity.Store, executor dbexec.QueryExecutor) *nestedcreate.Orchestrator {
	return nestedcreate.New(store, executor, nestedcreate.Config{
		MaxRows:    cfg.Bulk.MaxRows,
		MaxLayers:  cfg.Bulk.MaxLayers,
		ParamLimit: cfg.Bulk.ParamLimit,
	})
}

func oidcAuthConfig(cfg *config.Config) middleware.OIDCAuthConfig {
	return middleware.OIDCAuthConfig{
		Enabled:       cfg.Server.Auth.OIDCEnabled,
		IssuerURL:     cfg.Server.Auth.OIDCIssuerURL,
		Audience:      cfg.Server.Auth.OIDCAudience,
		ClockSkew:     cfg.Server.Auth.OIDCClockSkew,
		SkipTLSVerify: cfg.Server.Auth.OIDCSkipTLSVerify,
		CAFile:        cfg.Server.Auth.OIDCCAFile,
	}
}

// buildGraphQLHandler wires the schema and the request middleware. The chain is
//
//	request -> logging -> size limit -> OIDC auth -> DB role -> metrics -> tracing -> graphql
//
// DB role extraction reads the claims OIDC places in context, so it runs after it.
func buildGraphQLHandler(cfg *config.Config, logger *logging.Logger, creator resolver.Creator, entities nestedcreate.RegistrySource, metrics appMetrics) (http.Handler, error) {
	policy, err := cfg.Bulk.DefaultConflictPolicy()
	if err != nil {
		return nil, err
	}

	res := resolver.NewResolver(creator, entities, resolver.Config{
		DefaultPolicy:  policy,
		RequestTimeout: cfg.Bulk.RequestTimeout,
	})
	schema, err := res.BuildGraphQLSchema()
	if err != nil {
		return nil, fmt.Errorf("failed to build graphql schema: %w", err)
	}

	var h http.Handler = handler.New(&handler.Config{
		Schema:   &schema,
		Pretty:   true,
		GraphiQL: cfg.Server.GraphiQLEnabled,
	})
	h = middleware.GraphQLTracingMiddleware()(h)

	if metrics.bulk != nil {
		h = middleware.BulkMetricsMiddleware(metrics.bulk)(h)
		logger.Info("bulk metrics middleware enabled")
	}

	if cfg.Server.Auth.DBRoleEnabled {
		h = middleware.DBRoleMiddleware(cfg.Server.Auth.DBRoleClaimName, cfg.Server.Auth.DBRoleAllowed)(h)
		logger.Info("database role middleware enabled",
			slog.String("claim", cfg.Server.Auth.DBRoleClaimName),
			slog.Int("allowed_roles", len(cfg.Server.Auth.DBRoleAllowed)),
		)
	}

	if cfg.Server.Auth.OIDCEnabled {
		authMiddleware, err := middleware.OIDCAuthMiddleware(oidcAuthConfig(cfg), logger, metrics.security)
		if err != nil {
			return nil, err
		}
		h = authMiddleware(h)
		logger.Info("OIDC auth middleware enabled")
	}

	h = middleware.RequestSizeLimitMiddleware(cfg.Server.MaxRequestBytes)(h)
	return middleware.LoggingMiddleware(logger)(h), nil
}

func buildAdminHandler(cfg *config.Config, logger *logging.Logger, manager *schemarefresh.Manager, securityMetrics *observability.SecurityMetrics) (http.Handler, error) {
	var adminHandler http.Handler = http.HandlerFunc(entityReloadHandler(manager, securityMetrics))

	switch {
	case cfg.Server.Auth.OIDCEnabled:
		adminAuthMiddleware, err := middleware.OIDCAuthMiddleware(oidcAuthConfig(cfg), logger, securityMetrics)
		if err != nil {
			return nil, err
		}
		adminHandler = adminAuthMiddleware(adminHandler)
		logger.Info("admin endpoints require OIDC authentication")
	case cfg.Server.Admin.AuthToken != "":
		tokenMiddleware, err := middleware.AdminTokenAuthMiddleware(middleware.AdminTokenAuthConfig{
			Token:   cfg.Server.Admin.AuthToken,
			Metrics: securityMetrics,
		})
		if err != nil {
			return nil, err
		}
		adminHandler = tokenMiddleware(adminHandler)
		logger.Info("admin endpoints require an admin token")
	default:
		logger.Warn("admin endpoints are not authenticated - consider enabling OIDC or an admin token")
	}

	return middleware.LoggingMiddleware(logger)(adminHandler), nil
}

func buildRouter(cfg *config.Config, logger *logging.Logger, db *sql.DB, graphqlHandler http.Handler, adminHandler http.Handler, meterProvider *observability.MeterProvider) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle(graphqlPath, graphqlHandler)
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			http.Redirect(w, r, graphqlPath, http.StatusFound)
			return
		}
		http.NotFound(w, r)
	})

	mux.HandleFunc(healthPath, healthHandler(db, cfg.Server.HealthCheckTimeout))

	if cfg.Server.Admin.ReloadEnabled && adminHandler != nil {
		mux.Handle(reloadEntityPath, adminHandler)
		logger.Info("admin endpoint enabled", slog.String("path", reloadEntityPath))
	}

	if cfg.Observability.MetricsEnabled && meterProvider != nil {
		mux.Handle(metricsPath, promhttp.Handler())
		logger.Info("metrics endpoint enabled", slog.String("path", metricsPath))
	}

	return mux
}

func wrapHTTPHandler(cfg *config.Config, logger *logging.Logger, h http.Handler) http.Handler {
	if cfg.Observability.MetricsEnabled || cfg.Observability.TracingEnabled {
		h = otelhttp.NewHandler(h, "http.server",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				return httpRootSpanName(r)
			}),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
		)
		logger.Info("HTTP instrumentation enabled")
	}

	if cfg.Server.CORSEnabled {
		h = middleware.CORSMiddleware(middleware.CORSConfig{
			Enabled:          cfg.Server.CORSEnabled,
			AllowedOrigins:   cfg.Server.CORSAllowedOrigins,
			AllowedMethods:   cfg.Server.CORSAllowedMethods,
			AllowedHeaders:   cfg.Server.CORSAllowedHeaders,
			ExposeHeaders:    cfg.Server.CORSExposeHeaders,
			AllowCredentials: cfg.Server.CORSAllowCredentials,
			MaxAge:           cfg.Server.CORSMaxAge,
			AdminPrefix:      adminPathPrefix,
		})(h)
	}

	if cfg.Server.RateLimitEnabled {
		h = middleware.RateLimitMiddleware(middleware.RateLimitConfig{
			Enabled:     cfg.Server.RateLimitEnabled,
			RPS:         cfg.Server.RateLimitRPS,
			Burst:       cfg.Server.RateLimitBurst,
			ExemptPaths: []string{healthPath, metricsPath},
		})(h)
	}

	return h
}

func httpRootSpanName(r *http.Request) string {
	if r == nil {
		return "HTTP /*"
	}

	method := strings.TrimSpace(r.Method)
	if method == "" {
		method = "HTTP"
	}
	return method + " " + normalizeHTTPSpanRoute(r.URL.Path)
}

// normalizeHTTPSpanRoute keeps span names low-cardinality.
func normalizeHTTPSpanRoute(rawPath string) string {
	switch rawPath {
	case "/", graphqlPath, healthPath, metricsPath, reloadEntityPath:
		return rawPath
	default:
		return "/*"
	}
}

func buildServer(cfg *config.Config, handler http.Handler, serverAddr string) *http.Server {
	return &http.Server{
		Addr:         serverAddr,
		Handler:      handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}
}

func startServer(cfg *config.Config, logger *logging.Logger, srv *http.Server, serverAddr string) chan error {
	serverErrors := make(chan error, 1)
	go func() {
		logAttrs := []any{
			slog.String("address", serverAddr),
			slog.String("graphql_endpoint", graphqlPath),
			slog.String("health_endpoint", healthPath),
			slog.String("schema_file", cfg.Bulk.SchemaFile),
			slog.Int("max_rows", cfg.Bulk.MaxRows),
			slog.String("log_level", cfg.Observability.Logging.Level),
		}
		if cfg.Observability.MetricsEnabled {
			logAttrs = append(logAttrs, slog.String("metrics_endpoint", metricsPath))
		}
		if cfg.Server.RateLimitEnabled {
			logAttrs = append(logAttrs,
				slog.Float64("rate_limit_rps", cfg.Server.RateLimitRPS),
				slog.Int("rate_limit_burst", cfg.Server.RateLimitBurst),
			)
		}
		logger.Info("server starting", logAttrs...)

		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			serverErrors <- fmt.Errorf("server failed: %w", err)
		}
	}()
	return serverErrors
}

// healthHandler returns an HTTP handler for health checks
func healthHandler(db *sql.DB, timeout time.Duration) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		if db == nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"unconfigured"}`)
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		if err := db.PingContext(ctx); err != nil {
			reqLogger.Error("health check failed",
				slog.String("error", err.Error()),
				slog.String("check", "database"),
			)
			w.WriteHeader(http.StatusServiceUnavailable)
			// Generic body; ping errors can carry connection details.
			_, _ = fmt.Fprint(w, `{"status":"unhealthy","database":"failed"}`)
			return
		}

		reqLogger.Debug("health check passed")
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"healthy","database":"ok"}`)
	}
}

func entityReloadHandler(manager *schemarefresh.Manager, securityMetrics *observability.SecurityMetrics) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reqLogger := logging.FromContext(r.Context())
		w.Header().Set("Content-Type", "application/json")

		if r.Method != http.MethodPost {
			w.WriteHeader(http.StatusMethodNotAllowed)
			_, _ = fmt.Fprint(w, `{"error":"method not allowed"}`)
			return
		}

		authCtx, authenticated := middleware.AuthFromContext(r.Context())
		logAttrs := []any{
			slog.String("operation", reloadOperation),
			slog.String("remote_addr", r.RemoteAddr),
			slog.Bool("authenticated", authenticated),
		}
		if authenticated {
			logAttrs = append(logAttrs,
				slog.String("authenticated_user", authCtx.Subject),
				slog.String("issuer", authCtx.Issuer),
			)
		}
		reqLogger.Info("admin endpoint accessed", logAttrs...)

		refreshCtx, refreshCancel := context.WithTimeout(r.Context(), reloadTimeout)
		defer refreshCancel()

		if err := manager.RefreshNowContext(refreshCtx); err != nil {
			securityMetrics.RecordAdminEndpointAccess(r.Context(), reloadOperation, authenticated, false)
			reqLogger.Error("entity schema reload failed", slog.String("error", err.Error()))
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = fmt.Fprint(w, `{"status":"error","message":"entity schema reload failed"}`)
			return
		}

		securityMetrics.RecordAdminEndpointAccess(r.Context(), reloadOperation, authenticated, true)
		reqLogger.Info("entity schema reloaded", logAttrs...)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"status":"ok"}`)
	}
}
