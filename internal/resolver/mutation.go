package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/graphql-go/graphql"
	"github.com/jackc/pgx/v5/pgconn"

	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/logging"
	"pgbulk/internal/mutationerr"
	"pgbulk/internal/nestedcreate"
)

// sqlStateInsufficientPrivilege is raised when the session role lacks a grant.
const sqlStateInsufficientPrivilege = "42501"

func (r *Resolver) bulkCreateField() *graphql.Field {
	return &graphql.Field{
		Type: graphql.NewNonNull(r.types.result),
		Description: fmt.Sprintf("Create rows of one entity together with related rows, in one transaction. "+
			"Input objects may carry %q to name themselves and %q to point at a named object.",
			nestedcreate.KeyField, nestedcreate.RefField),
		Args: graphql.FieldConfigArgument{
			"entity": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
			"input": &graphql.ArgumentConfig{
				Type:        graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(r.types.json))),
				Description: "One object per top-level row. Relation names nest related rows.",
			},
			"onConflict": &graphql.ArgumentConfig{
				Type:        r.types.conflictInput,
				Description: "Policy for every entity without an override.",
			},
			"conflictOverrides": &graphql.ArgumentConfig{
				Type: graphql.NewList(graphql.NewNonNull(r.types.entityConflictInput)),
			},
			"returnIdentity": &graphql.ArgumentConfig{
				Type:         graphql.Boolean,
				DefaultValue: false,
				Description:  "Read back identity values of the top-level rows.",
			},
			"countOnly": &graphql.ArgumentConfig{
				Type:         graphql.Boolean,
				DefaultValue: false,
				Description:  "Return totals only.",
			},
		},
		Resolve: r.resolveBulkCreate,
	}
}

func (r *Resolver) resolveBulkCreate(p graphql.ResolveParams) (interface{}, error) {
	entityName, _ := p.Args["entity"].(string)
	ctx, span := startBulkSpan(p.Context, entityName, p.Info.FieldName)
	defer span.End()

	if r.cfg.RequestTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.RequestTimeout)
		defer cancel()
	}

	resp, err := r.create(ctx, entityName, p.Args)
	if err != nil {
		payload, telemetry := mutationErrToPayloadAndTelemetry(err)
		if telemetry.class == mutationResultClassExecutionError {
			logging.FromContext(ctx).Error("bulk create failed",
				slog.String("entity", entityName),
				slog.String("error", err.Error()),
			)
		}
		span.failed(err, telemetry)
		return payload, nil
	}

	payload := successPayload(resp)
	span.succeeded(resp, payload["affectedCount"].(int), mutationSuccessTelemetry(r.types.success.Name()))
	return payload, nil
}

func (r *Resolver) create(ctx context.Context, entityName string, args map[string]interface{}) (*nestedcreate.Response, error) {
	reg := r.registry()
	ent, ok := reg.Entity(entityName)
	if !ok {
		return nil, mutationerr.Validationf("unknown entity %q", entityName)
	}

	req := nestedcreate.Request{
		Entity: ent.Name,
		Policy: r.cfg.DefaultPolicy,
	}
	req.ReturnIdentity, _ = args["returnIdentity"].(bool)
	req.CountOnly, _ = args["countOnly"].(bool)

	rawInputs, _ := args["input"].([]interface{})
	req.Inputs = make([]nestedcreate.EntityInput, 0, len(rawInputs))
	for i, raw := range rawInputs {
		obj, ok := raw.(map[string]interface{})
		if !ok {
			return nil, mutationerr.Validationf("input rows must be objects").At(ent.Name, "", i+1)
		}
		in, err := nestedcreate.DecodeInput(reg, ent, obj)
		if err != nil {
			var me *mutationerr.Error
			if !errors.As(err, &me) {
				return nil, err
			}
			me = me.InInput(i + 1)
			// A top-level row's own ordinal is its input position.
			if me.Entity == ent.Name && me.Ordinal == 0 {
				me = me.At("", "", i+1)
			}
			return nil, me
		}
		req.Inputs = append(req.Inputs, in)
	}

	if raw, ok := args["onConflict"].(map[string]interface{}); ok {
		policy, err := parsePolicy(raw, "")
		if err != nil {
			return nil, err
		}
		req.Policy = policy
	}

	if overrides, ok := args["conflictOverrides"].([]interface{}); ok && len(overrides) > 0 {
		req.PolicyByEntity = make(map[string]bulkwrite.ConflictPolicy, len(overrides))
		for _, item := range overrides {
			raw, _ := item.(map[string]interface{})
			name, _ := raw["entity"].(string)
			if _, known := reg.Entity(name); !known {
				return nil, mutationerr.Validationf("conflict override names unknown entity %q", name)
			}
			if _, dup := req.PolicyByEntity[name]; dup {
				return nil, mutationerr.Validationf("conflict override for %q is given twice", name).At(name, "", 0)
			}
			policy, err := parsePolicy(raw, name)
			if err != nil {
				return nil, err
			}
			req.PolicyByEntity[name] = policy
		}
	}

	return r.creator.Create(ctx, req)
}

func parsePolicy(raw map[string]interface{}, entityName string) (bulkwrite.ConflictPolicy, error) {
	action, ok := raw["action"].(bulkwrite.ConflictAction)
	if !ok {
		return bulkwrite.ConflictPolicy{}, mutationerr.Validationf("conflict action is required").At(entityName, "action", 0)
	}

	var columns []string
	if list, ok := raw["columns"].([]interface{}); ok {
		for _, item := range list {
			if name, ok := item.(string); ok {
				columns = append(columns, name)
			}
		}
	}

	switch {
	case action == bulkwrite.ConflictUpdateColumns && len(columns) == 0:
		return bulkwrite.ConflictPolicy{}, mutationerr.Validationf("UPDATE_COLUMNS needs at least one column").At(entityName, "columns", 0)
	case action != bulkwrite.ConflictUpdateColumns && len(columns) > 0:
		return bulkwrite.ConflictPolicy{}, mutationerr.Validationf("columns only apply to UPDATE_COLUMNS").At(entityName, "columns", 0)
	}
	return bulkwrite.ConflictPolicy{Action: action, Columns: columns}, nil
}

func successPayload(resp *nestedcreate.Response) map[string]interface{} {
	affected := 0
	for _, table := range resp.Tables {
		affected += table.AffectedCount
	}
	return map[string]interface{}{
		"__typename":    "BulkCreateSuccess",
		"roots":         nonNilSlice(resp.Roots),
		"affectedCount": affected,
		"layers":        resp.Layers,
		"tables":        nonNilSlice(resp.Tables),
	}
}

const (
	mutationResultClassSuccess        = "success"
	mutationResultClassTypedFailure   = "typed_failure"
	mutationResultClassExecutionError = "execution_error"

	mutationResultCodeSuccess      = "success"
	mutationResultCodeAccessDenied = "access_denied"
	mutationResultCodeTimeout      = "timeout"
	mutationResultCodeUnknown      = "unknown"

	mutationResolverOutcomeTypedFailure = "typed_failure"
)

type mutationResultTelemetry struct {
	typename string
	class    string
	code     string
	outcome  string
}

func mutationSuccessTelemetry(typename string) mutationResultTelemetry {
	return mutationResultTelemetry{
		typename: typename,
		class:    mutationResultClassSuccess,
		code:     mutationResultCodeSuccess,
		outcome:  "success",
	}
}

func mutationTypedFailureTelemetry(typename, code string) mutationResultTelemetry {
	return mutationResultTelemetry{
		typename: typename,
		class:    mutationResultClassTypedFailure,
		code:     code,
		outcome:  mutationResolverOutcomeTypedFailure,
	}
}

func mutationExecutionErrorTelemetry(code string) mutationResultTelemetry {
	return mutationResultTelemetry{
		typename: "InternalError",
		class:    mutationResultClassExecutionError,
		code:     code,
		outcome:  "error",
	}
}

func mutationErrorPayload(typename, message string, extra map[string]interface{}) map[string]interface{} {
	payload := map[string]interface{}{
		"__typename": typename,
		"message":    message,
	}
	for k, v := range extra {
		payload[k] = v
	}
	return payload
}

// errorTypenames maps engine error codes onto the union member reported to clients.
var errorTypenames = map[string]string{
	"invalid_input":         "InputValidationError",
	"dependency_cycle":      "DependencyCycleError",
	"unique_violation":      "ConflictError",
	"foreign_key_violation": "ConstraintError",
	"not_null_violation":    "ConstraintError",
	"check_violation":       "ConstraintError",
	"capability":            "CapabilityError",
}

func mutationErrToPayloadAndTelemetry(err error) (map[string]interface{}, mutationResultTelemetry) {
	var me *mutationerr.Error
	if errors.As(err, &me) {
		typename, ok := errorTypenames[me.Code]
		if !ok {
			return mutationErrorPayload("InternalError", "internal server error", map[string]interface{}{"code": me.Code}),
				mutationTypedFailureTelemetry("InternalError", me.Code)
		}
		extra := map[string]interface{}{"code": me.Code}
		if me.Entity != "" {
			extra["entity"] = me.Entity
		}
		if me.Attribute != "" {
			extra["attribute"] = me.Attribute
		}
		if me.Ordinal > 0 {
			extra["ordinal"] = me.Ordinal
		}
		if me.InputOrdinal > 0 {
			extra["inputOrdinal"] = me.InputOrdinal
		}
		return mutationErrorPayload(typename, me.Message, extra), mutationTypedFailureTelemetry(typename, me.Code)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == sqlStateInsufficientPrivilege {
		return mutationErrorPayload("PermissionError", pgErr.Message, map[string]interface{}{"code": mutationResultCodeAccessDenied}),
			mutationTypedFailureTelemetry("PermissionError", mutationResultCodeAccessDenied)
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return mutationErrorPayload("InternalError", "request timed out", map[string]interface{}{"code": mutationResultCodeTimeout}),
			mutationExecutionErrorTelemetry(mutationResultCodeTimeout)
	}
	return mutationErrorPayload("InternalError", "internal server error", map[string]interface{}{"code": mutationResultCodeUnknown}),
		mutationExecutionErrorTelemetry(mutationResultCodeUnknown)
}

var _ Creator = (*nestedcreate.Orchestrator)(nil)
