package config

import (
	"fmt"
	"net"
	"net/url"
	"strings"

	"pgbulk/internal/bulkwrite"
)

// ValidationError represents a configuration validation error with context.
type ValidationError struct {
	Field   string
	Message string
	Hint    string
}

func (e ValidationError) Error() string {
	if e.Hint != "" {
		return fmt.Sprintf("%s: %s (hint: %s)", e.Field, e.Message, e.Hint)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidationWarning represents a non-fatal configuration issue.
type ValidationWarning struct {
	Field   string
	Message string
	Hint    string
}

// ValidationResult contains the results of configuration validation.
type ValidationResult struct {
	Errors   []ValidationError
	Warnings []ValidationWarning
}

// HasErrors returns true if there are any validation errors.
func (r *ValidationResult) HasErrors() bool {
	return len(r.Errors) > 0
}

// Error returns a combined error message if there are validation errors.
func (r *ValidationResult) Error() string {
	if !r.HasErrors() {
		return ""
	}
	var msgs []string
	for _, e := range r.Errors {
		msgs = append(msgs, e.Error())
	}
	return strings.Join(msgs, "; ")
}

func (r *ValidationResult) fail(field, message, hint string) {
	r.Errors = append(r.Errors, ValidationError{Field: field, Message: message, Hint: hint})
}

func (r *ValidationResult) warn(field, message, hint string) {
	r.Warnings = append(r.Warnings, ValidationWarning{Field: field, Message: message, Hint: hint})
}

// Validate checks the configuration for errors and returns validation results.
// It returns both errors (fatal) and warnings (non-fatal issues).
func (c *Config) Validate() *ValidationResult {
	result := &ValidationResult{}
	c.Database.validate(result)
	c.Bulk.validate(result)
	c.Server.validate(result)
	c.Observability.validate(result)
	return result
}

// DefaultConflictPolicy parses bulk.default_policy.
func (b *BulkConfig) DefaultConflictPolicy() (bulkwrite.ConflictPolicy, error) {
	action, err := bulkwrite.ParseConflictAction(b.DefaultPolicy)
	if err != nil {
		return bulkwrite.ConflictPolicy{}, err
	}
	if action == bulkwrite.ConflictUpdateColumns {
		return bulkwrite.ConflictPolicy{}, fmt.Errorf("update_columns needs a column list and cannot be the default")
	}
	return bulkwrite.ConflictPolicy{Action: action}, nil
}

func (b *BulkConfig) validate(result *ValidationResult) {
	if strings.TrimSpace(b.SchemaFile) == "" {
		result.fail("bulk.schema_file", "schema_file is required", "point it at the entity schema YAML file")
	}
	if b.MaxRows <= 0 {
		result.fail("bulk.max_rows", "max_rows must be greater than 0", "")
	}
	if b.MaxLayers <= 0 {
		result.fail("bulk.max_layers", "max_layers must be greater than 0", "")
	}
	if b.ParamLimit <= 0 || b.ParamLimit > bulkwrite.DefaultParamLimit {
		result.fail("bulk.param_limit",
			fmt.Sprintf("param_limit %d is out of valid range (1-%d)", b.ParamLimit, bulkwrite.DefaultParamLimit),
			"PostgreSQL accepts at most 65535 bind parameters per statement")
	}
	if _, err := b.DefaultConflictPolicy(); err != nil {
		result.fail("bulk.default_policy", err.Error(), "valid values are: error, ignore, replace")
	}
	if b.RequestTimeout < 0 {
		result.fail("bulk.request_timeout", "request_timeout cannot be negative", "")
	}
	if b.SchemaRefreshMinInterval < 0 || b.SchemaRefreshMaxInterval < 0 {
		result.fail("bulk.schema_refresh_min_interval", "schema refresh intervals cannot be negative", "")
	}
	if b.SchemaRefreshMinInterval > 0 && b.SchemaRefreshMaxInterval > 0 && b.SchemaRefreshMaxInterval < b.SchemaRefreshMinInterval {
		result.warn("bulk.schema_refresh_max_interval", "schema_refresh_max_interval is less than schema_refresh_min_interval",
			"the min interval is used for every poll")
	}
}

func (d *DatabaseConfig) validate(result *ValidationResult) {
	if d.ConnectionString == "" && (d.Port < 1 || d.Port > 65535) {
		result.fail("database.port", fmt.Sprintf("port %d is out of valid range (1-65535)", d.Port), "")
	}

	validSSLModes := map[string]bool{
		"": true, "disable": true, "allow": true, "prefer": true,
		"require": true, "verify-ca": true, "verify-full": true,
	}
	if !validSSLModes[d.SSLMode] {
		result.fail("database.sslmode", fmt.Sprintf("invalid sslmode %q", d.SSLMode),
			"valid values are: disable, allow, prefer, require, verify-ca, verify-full")
	}
	if (d.SSLMode == "verify-ca" || d.SSLMode == "verify-full") && d.SSLRootCert == "" && d.ConnectionString == "" {
		result.warn("database.sslrootcert", "no CA certificate configured for "+d.SSLMode,
			"the driver falls back to ~/.postgresql/root.crt")
	}

	if d.Pool.MaxOpen < 0 {
		result.fail("database.pool.max_open", "max_open cannot be negative", "")
	}
	if d.Pool.MaxIdle < 0 {
		result.fail("database.pool.max_idle", "max_idle cannot be negative", "")
	}
	if d.Pool.MaxIdle > d.Pool.MaxOpen && d.Pool.MaxOpen > 0 {
		result.warn("database.pool.max_idle", "max_idle is greater than max_open", "idle connections will be limited to max_open")
	}

	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval > d.ConnectionTimeout {
		result.warn("database.connection_retry_interval", "connection_retry_interval is greater than connection_timeout",
			"only one connection attempt will be made")
	}
	if d.ConnectionRetryInterval < 0 {
		result.fail("database.connection_retry_interval", "connection_retry_interval cannot be negative", "")
	}
	if d.ConnectionTimeout > 0 && d.ConnectionRetryInterval == 0 {
		result.fail("database.connection_retry_interval",
			"connection_retry_interval must be greater than 0 when connection_timeout is set",
			"set a retry interval such as 2s, or set connection_timeout to 0 to disable retries")
	}
	if d.ConnectionTimeout < 0 {
		result.fail("database.connection_timeout", "connection_timeout cannot be negative", "")
	}

	effectiveDatabase, _, err := resolveEffectiveDatabaseName(d.Database, d.ConnectionString)
	if err != nil {
		switch {
		case strings.HasPrefix(err.Error(), "database.dsn"):
			result.fail("database.dsn", err.Error(), "set a valid PostgreSQL connection string in database.dsn/database.dsn_file")
		case strings.Contains(err.Error(), "mismatch"):
			result.fail("database.database", err.Error(), "either remove database.database or set it to match the DSN database")
		default:
			result.fail("database.database", err.Error(), "set database.database or include a database in database.dsn")
		}
		return
	}
	d.Database = effectiveDatabase
}

func (s *ServerConfig) validate(result *ValidationResult) {
	if s.Port < 1 || s.Port > 65535 {
		result.fail("server.port", fmt.Sprintf("port %d is out of valid range (1-65535)", s.Port), "")
	}
	if s.MaxRequestBytes < 0 {
		result.fail("server.max_request_bytes", "max_request_bytes cannot be negative", "")
	}

	if s.RateLimitEnabled {
		if s.RateLimitRPS <= 0 {
			result.fail("server.rate_limit_rps", "rate_limit_rps must be greater than 0 when rate limiting is enabled", "")
		}
		if s.RateLimitBurst <= 0 {
			result.fail("server.rate_limit_burst", "rate_limit_burst must be greater than 0 when rate limiting is enabled", "")
		}
	}
	if !s.RateLimitEnabled && (s.RateLimitRPS > 0 || s.RateLimitBurst > 0) {
		result.warn("server.rate_limit_enabled", "rate limit values are set but rate limiting is disabled",
			"enable server.rate_limit_enabled to apply rate limits")
	}

	if s.CORSEnabled {
		if len(s.CORSAllowedOrigins) == 0 {
			result.fail("server.cors_allowed_origins", "CORS enabled but no allowed origins configured",
				"set cors_allowed_origins or disable CORS")
		}
		hasWildcard := false
		for _, origin := range s.CORSAllowedOrigins {
			if strings.TrimSpace(origin) == "*" {
				hasWildcard = true
				break
			}
		}
		if hasWildcard && s.CORSAllowCredentials {
			result.fail("server.cors_allowed_origins", "wildcard origin (*) cannot be used with credentials",
				"use specific origins with credentials, or wildcard without credentials")
		}
		if hasWildcard {
			result.warn("server.cors_allowed_origins", "CORS wildcard origin enabled",
				"use specific origins in production for better security")
		}
	}

	if s.Auth.DBRoleEnabled && !s.Auth.OIDCEnabled {
		result.fail("server.auth.db_role_enabled", "db_role_enabled requires OIDC to be enabled",
			"set server.auth.oidc_enabled=true or disable db_role_enabled")
	}
	if s.Auth.OIDCEnabled {
		if s.Auth.OIDCIssuerURL == "" {
			result.fail("server.auth.oidc_issuer_url", "issuer URL is required when OIDC is enabled", "")
		}
		if s.Auth.OIDCAudience == "" {
			result.fail("server.auth.oidc_audience", "audience is required when OIDC is enabled", "")
		}
	}

	if s.Admin.ReloadEnabled && !s.Auth.OIDCEnabled && strings.TrimSpace(s.Admin.AuthToken) == "" {
		result.fail("server.admin.auth_token", "admin reload endpoint needs OIDC or an auth token",
			"set server.admin.auth_token(_file) or enable OIDC")
	}
}

func (o *ObservabilityConfig) validate(result *ValidationResult) {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[o.Logging.Level] {
		result.fail("observability.logging.level", fmt.Sprintf("invalid log level %q", o.Logging.Level),
			"valid values are: debug, info, warn, error")
	}
	validLogFormats := map[string]bool{"json": true, "text": true}
	if !validLogFormats[o.Logging.Format] {
		result.fail("observability.logging.format", fmt.Sprintf("invalid log format %q", o.Logging.Format),
			"valid values are: json, text")
	}
	if o.TraceSampleRatio < 0 || o.TraceSampleRatio > 1 {
		result.fail("observability.trace_sample_ratio", "trace_sample_ratio must be between 0 and 1", "")
	}

	o.OTLP.validate("observability.otlp", result)
	if o.Traces != nil {
		o.Traces.validate("observability.traces", result)
	}
	if o.Logs != nil {
		o.Logs.validate("observability.logs", result)
	}
}

func (o *OTLPConfig) validate(prefix string, result *ValidationResult) {
	validProtocols := map[string]bool{"": true, "grpc": true, "http/protobuf": true}
	if !validProtocols[o.Protocol] {
		result.fail(prefix+".protocol", fmt.Sprintf("invalid OTLP protocol %q", o.Protocol),
			"valid values are: grpc, http/protobuf")
	}
	if o.Protocol == "http/protobuf" && !validOTLPEndpoint(o.Endpoint) {
		result.fail(prefix+".endpoint", fmt.Sprintf("invalid OTLP endpoint %q for http/protobuf", o.Endpoint),
			"use host:port or a full URL")
	}
	validCompressions := map[string]bool{"": true, "none": true, "gzip": true}
	if !validCompressions[o.Compression] {
		result.fail(prefix+".compression", fmt.Sprintf("invalid OTLP compression %q", o.Compression),
			"valid values are: none, gzip")
	}
	if o.RetryMaxAttempts < 0 {
		result.fail(prefix+".retry_max_attempts", "retry_max_attempts cannot be negative", "")
	}
}

func validOTLPEndpoint(endpoint string) bool {
	if endpoint == "" {
		return false
	}
	if strings.Contains(endpoint, "://") {
		parsed, err := url.Parse(endpoint)
		if err != nil {
			return false
		}
		return parsed.Host != ""
	}
	_, _, err := net.SplitHostPort(endpoint)
	return err == nil
}
