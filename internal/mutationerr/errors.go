// Package mutationerr defines the typed errors raised by the bulk-create engine.
package mutationerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// Kind classifies a failure for callers that map errors onto API payloads.
type Kind string

const (
	KindValidation      Kind = "validation"
	KindDependencyCycle Kind = "dependency_cycle"
	KindConflict        Kind = "conflict"
	KindCapability      Kind = "capability"
	KindInternal        Kind = "internal"
)

// PostgreSQL error codes
// See: https://www.postgresql.org/docs/current/errcodes-appendix.html
const (
	CodeUniqueViolation     = "23505"
	CodeForeignKeyViolation = "23503"
	CodeNotNullViolation    = "23502"
	CodeCheckViolation      = "23514"
)

// Error is a failure with enough context to map it back to an input row.
// Ordinal is 1-based within the entity's rows; zero means not row specific.
// InputOrdinal is the 1-based top-level input the failing row was nested in.
type Error struct {
	Kind         Kind
	Code         string
	Message      string
	Entity       string
	Attribute    string
	Ordinal      int
	InputOrdinal int
	SQLState     string
	Cause        error
}

func (e *Error) Error() string {
	var ctx []string
	if e.Entity != "" {
		ctx = append(ctx, "entity "+e.Entity)
	}
	if e.Attribute != "" {
		ctx = append(ctx, "attribute "+e.Attribute)
	}
	if e.Ordinal > 0 {
		ctx = append(ctx, fmt.Sprintf("row %d", e.Ordinal))
	}
	if e.InputOrdinal > 0 {
		ctx = append(ctx, fmt.Sprintf("input %d", e.InputOrdinal))
	}
	if len(ctx) == 0 {
		return e.Message
	}
	return strings.Join(ctx, ", ") + ": " + e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Extensions exposes the error classification to GraphQL clients.
func (e *Error) Extensions() map[string]interface{} {
	ext := map[string]interface{}{
		"code": e.Code,
		"kind": string(e.Kind),
	}
	if e.Entity != "" {
		ext["entity"] = e.Entity
	}
	if e.Attribute != "" {
		ext["attribute"] = e.Attribute
	}
	if e.Ordinal > 0 {
		ext["ordinal"] = e.Ordinal
	}
	if e.InputOrdinal > 0 {
		ext["inputOrdinal"] = e.InputOrdinal
	}
	if e.SQLState != "" {
		ext["sqlstate"] = e.SQLState
	}
	return ext
}

// At returns a copy of e annotated with row context. Empty values keep what
// e already carries.
func (e *Error) At(entity, attribute string, ordinal int) *Error {
	out := *e
	if entity != "" {
		out.Entity = entity
	}
	if attribute != "" {
		out.Attribute = attribute
	}
	if ordinal > 0 {
		out.Ordinal = ordinal
	}
	return &out
}

// InInput returns a copy of e tied to the top-level input at ordinal.
func (e *Error) InInput(ordinal int) *Error {
	out := *e
	out.InputOrdinal = ordinal
	return &out
}

func newf(kind Kind, code, format string, args ...any) *Error {
	return &Error{Kind: kind, Code: code, Message: fmt.Sprintf(format, args...)}
}

// Validationf reports input that can be rejected before any write.
func Validationf(format string, args ...any) *Error {
	return newf(KindValidation, "invalid_input", format, args...)
}

// Cyclef reports a link that would close a dependency cycle.
func Cyclef(format string, args ...any) *Error {
	return newf(KindDependencyCycle, "dependency_cycle", format, args...)
}

// Conflictf reports a unique-constraint collision.
func Conflictf(format string, args ...any) *Error {
	return newf(KindConflict, "unique_violation", format, args...)
}

// Capabilityf reports an operation the target table does not support.
func Capabilityf(format string, args ...any) *Error {
	return newf(KindCapability, "capability", format, args...)
}

// Internalf reports a broken engine invariant.
func Internalf(format string, args ...any) *Error {
	return newf(KindInternal, "internal", format, args...)
}

// Normalize maps driver errors onto typed errors. Errors that are already
// typed, or that carry no SQLSTATE, are returned unchanged.
func Normalize(err error, entity string) error {
	if err == nil {
		return nil
	}
	var me *Error
	if errors.As(err, &me) {
		return err
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}

	var out *Error
	switch pgErr.Code {
	case CodeUniqueViolation:
		out = Conflictf("%s", pgErr.Message)
	case CodeForeignKeyViolation:
		out = newf(KindValidation, "foreign_key_violation", "%s", pgErr.Message)
	case CodeNotNullViolation:
		out = newf(KindValidation, "not_null_violation", "%s", pgErr.Message)
	case CodeCheckViolation:
		out = newf(KindValidation, "check_violation", "%s", pgErr.Message)
	default:
		return err
	}
	out.Entity = entity
	out.Attribute = pgErr.ColumnName
	out.SQLState = pgErr.Code
	out.Cause = err
	return out
}

// KindOf returns the kind of a typed error, or KindInternal for anything else.
func KindOf(err error) Kind {
	var me *Error
	if errors.As(err, &me) {
		return me.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a typed error of the given kind.
func IsKind(err error, kind Kind) bool {
	var me *Error
	return errors.As(err, &me) && me.Kind == kind
}
