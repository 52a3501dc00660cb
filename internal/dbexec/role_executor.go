package dbexec

import (
	"context"
	"database/sql"
	"fmt"

	"pgbulk/internal/sqlutil"
)

// RoleExecutor opens transactions that run under a request-scoped database role.
// The role is applied with SET LOCAL ROLE, so it ends with the transaction.
type RoleExecutor struct {
	*StandardExecutor
	roleFromCtx  func(context.Context) (string, bool)
	allowedRoles map[string]struct{}
	validateRole bool
}

// RoleExecutorConfig controls role execution behavior.
type RoleExecutorConfig struct {
	DB           *sql.DB
	RoleFromCtx  func(context.Context) (string, bool)
	AllowedRoles []string
	ValidateRole bool
}

// NewRoleExecutor creates an executor that applies SET LOCAL ROLE after BEGIN.
// This lets PostgreSQL grants decide which tables a caller may write.
func NewRoleExecutor(cfg RoleExecutorConfig) *RoleExecutor {
	allowed := make(map[string]struct{}, len(cfg.AllowedRoles))
	for _, role := range cfg.AllowedRoles {
		allowed[role] = struct{}{}
	}
	return &RoleExecutor{
		StandardExecutor: NewStandardExecutor(cfg.DB),
		roleFromCtx:      cfg.RoleFromCtx,
		allowedRoles:     allowed,
		validateRole:     cfg.ValidateRole,
	}
}

// BeginTx opens a transaction and switches to the caller's role, if any.
func (e *RoleExecutor) BeginTx(ctx context.Context) (TxExecutor, error) {
	role, ok := "", false
	if e.roleFromCtx != nil {
		role, ok = e.roleFromCtx(ctx)
	}
	if ok && role != "" && e.validateRole {
		if _, allowed := e.allowedRoles[role]; !allowed {
			return nil, fmt.Errorf("role not allowed: %s", role)
		}
	}

	tx, err := e.StandardExecutor.BeginTx(ctx)
	if err != nil {
		return nil, err
	}
	if !ok || role == "" {
		return tx, nil
	}

	// SET ROLE does not take bind parameters; the identifier is quoted instead.
	setRoleSQL := fmt.Sprintf("SET LOCAL ROLE %s", sqlutil.QuoteIdentifier(role))
	if _, err := tx.ExecContext(ctx, setRoleSQL); err != nil {
		_ = tx.Rollback()
		return nil, fmt.Errorf("failed to set role %s: %w", role, err)
	}
	return tx, nil
}
