// Package nestedcreate runs a nested bulk create as one transaction.
package nestedcreate

import (
	"context"
	"fmt"
	"time"

	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/dbexec"
	"pgbulk/internal/entity"
	"pgbulk/internal/logging"
	"pgbulk/internal/mutationerr"
	"pgbulk/internal/observability"
	"pgbulk/internal/rowgraph"
)

// RegistrySource supplies the entity descriptors a request runs against.
type RegistrySource interface {
	Registry() *entity.Registry
}

// Config bounds every request.
type Config struct {
	MaxRows    int
	MaxLayers  int
	ParamLimit int
}

// Request is one nested create.
type Request struct {
	// Entity names the table of the top-level inputs.
	Entity string
	Inputs []EntityInput
	// Policy applies to every table without an entry in PolicyByEntity.
	Policy         bulkwrite.ConflictPolicy
	PolicyByEntity map[string]bulkwrite.ConflictPolicy
	// ReturnIdentity reads back the identity of the top-level rows.
	ReturnIdentity bool
	// CountOnly returns totals without per-row results.
	CountOnly bool
}

// Response lists every table touched, in the order tables first appear in
// the input, and the top-level rows in input order.
type Response struct {
	Tables []rowgraph.TableResult
	Roots  []rowgraph.RowResult
	Layers int
}

// Orchestrator owns the transaction boundary of nested creates.
type Orchestrator struct {
	entities RegistrySource
	executor dbexec.QueryExecutor
	writer   *bulkwrite.Writer
	cfg      Config
}

// New creates an orchestrator. executor opens one transaction per request.
func New(entities RegistrySource, executor dbexec.QueryExecutor, cfg Config) *Orchestrator {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = rowgraph.DefaultMaxRows
	}
	if cfg.MaxLayers <= 0 {
		cfg.MaxLayers = rowgraph.DefaultMaxLayers
	}
	return &Orchestrator{
		entities: entities,
		executor: executor,
		writer:   bulkwrite.NewWriter(cfg.ParamLimit),
		cfg:      cfg,
	}
}

// Limits returns the bounds applied to every request, after defaults.
func (o *Orchestrator) Limits() Config {
	cfg := o.cfg
	cfg.ParamLimit = o.writer.ParamLimit()
	return cfg
}

// Create validates the request, then writes every row in one transaction.
// Validation, cycle and capability errors are returned before the
// transaction opens. Any later error rolls the transaction back.
func (o *Orchestrator) Create(ctx context.Context, req Request) (resp *Response, err error) {
	ctx, span := startCreateSpan(ctx, req)
	started := time.Now()
	metrics := observability.BulkMetricsFromContext(ctx)
	defer func() {
		finishCreateSpan(span, resp, err)
		kind := ""
		if err != nil {
			kind = string(mutationerr.KindOf(err))
		}
		metrics.RecordRequest(ctx, time.Since(started), req.Entity, kind)
	}()

	reg := o.entities.Registry()
	ent, ok := reg.Entity(req.Entity)
	if !ok {
		return nil, mutationerr.Validationf("unknown entity %q", req.Entity)
	}
	if len(req.Inputs) == 0 {
		return nil, mutationerr.Validationf("input must contain at least one row").At(ent.Name, "", 0)
	}

	g, roots, err := o.buildGraph(reg, ent, req)
	if err != nil {
		return nil, err
	}
	if err := g.Validate(ctx); err != nil {
		return nil, err
	}

	tx, err := o.executor.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to start transaction: %w", err)
	}
	txn := newTransaction(tx)
	metrics.IncrementActiveRequests(ctx)
	defer metrics.DecrementActiveRequests(ctx)
	defer func() {
		if rec := recover(); rec != nil {
			txn.MarkError()
			_ = txn.Finalize()
			panic(rec)
		}
	}()

	logger := logging.FromContext(ctx)
	result, err := g.Run(ctx, tx)
	if err != nil {
		txn.MarkError()
		if rbErr := txn.Finalize(); rbErr != nil {
			logger.Error("rollback failed", "entity", ent.Name, "error", rbErr)
		}
		logger.Warn("bulk create rolled back",
			"entity", ent.Name,
			"rows", g.Len(),
			"kind", string(mutationerr.KindOf(err)),
			"error", err,
		)
		return nil, err
	}
	if err := txn.Finalize(); err != nil {
		return nil, fmt.Errorf("failed to commit bulk create: %w", err)
	}
	logger.Info("bulk create committed",
		"entity", ent.Name,
		"rows", g.Len(),
		"tables", len(result.Tables),
		"layers", result.Layers,
		"duration_ms", time.Since(started).Milliseconds(),
	)

	resp = &Response{Tables: result.Tables, Layers: result.Layers}
	if !req.CountOnly {
		resp.Roots = make([]rowgraph.RowResult, len(roots))
		for i, b := range roots {
			resp.Roots[i] = b.Row()
		}
	}
	return resp, nil
}

type pendingLink struct {
	parent *rowgraph.Builder
	child  *rowgraph.Builder
	ref    string
	rel    entity.Relation
}

// buildGraph declares a builder per input, depth first, so every table's
// rows follow the order they appear in the nested input. Links are applied
// once every input is declared so $ref may point forward.
func (o *Orchestrator) buildGraph(reg *entity.Registry, ent *entity.Entity, req Request) (*rowgraph.Graph, []*rowgraph.Builder, error) {
	cfg := rowgraph.Config{
		MaxRows:        o.cfg.MaxRows,
		MaxLayers:      o.cfg.MaxLayers,
		Policy:         req.Policy,
		PolicyByEntity: req.PolicyByEntity,
		CountOnly:      req.CountOnly,
	}
	if req.ReturnIdentity {
		cfg.EchoIdentity = []string{ent.Name}
	}
	g := rowgraph.New(o.writer, cfg)

	d := &declarer{reg: reg, graph: g, keys: make(map[string]*rowgraph.Builder)}
	roots := make([]*rowgraph.Builder, 0, len(req.Inputs))
	for _, in := range req.Inputs {
		if in.Ref != "" {
			return nil, nil, mutationerr.Validationf("top-level inputs must create rows, %s is not allowed", RefField).At(ent.Name, RefField, 0)
		}
		b, err := d.declare(ent, in)
		if err != nil {
			return nil, nil, err
		}
		roots = append(roots, b)
	}

	for _, l := range d.links {
		child := l.child
		if l.ref != "" {
			target, ok := d.keys[l.ref]
			if !ok {
				return nil, nil, mutationerr.Validationf("%s %q does not name any input", RefField, l.ref).At(l.parent.Entity().Name, l.rel.Name, l.parent.TableOrdinal())
			}
			if target.Entity().Name != l.rel.RemoteEntity {
				return nil, nil, mutationerr.Validationf("%s %q is a %s, relation %s needs a %s",
					RefField, l.ref, target.Entity().Name, l.rel.Name, l.rel.RemoteEntity).At(l.parent.Entity().Name, l.rel.Name, l.parent.TableOrdinal())
			}
			child = target
		}
		if err := g.Link(l.parent, child, l.rel); err != nil {
			return nil, nil, err
		}
	}
	return g, roots, nil
}

type declarer struct {
	reg   *entity.Registry
	graph *rowgraph.Graph
	keys  map[string]*rowgraph.Builder
	links []pendingLink
}

func (d *declarer) declare(ent *entity.Entity, in EntityInput) (*rowgraph.Builder, error) {
	b, err := d.graph.NewBuilder(ent, in.Attributes)
	if err != nil {
		return nil, err
	}
	if in.Key != "" {
		if _, dup := d.keys[in.Key]; dup {
			return nil, mutationerr.Validationf("%s %q is declared twice", KeyField, in.Key).At(ent.Name, KeyField, b.TableOrdinal())
		}
		d.keys[in.Key] = b
	}

	for name := range in.Relations {
		if _, ok := ent.Relation(name); !ok {
			return nil, mutationerr.Validationf("unknown relation").At(ent.Name, name, b.TableOrdinal())
		}
	}
	// Relations are walked in declaration order so builder ordinals are stable.
	for _, rel := range ent.Relations {
		children, ok := in.Relations[rel.Name]
		if !ok {
			continue
		}
		if rel.Referencing && len(children) != 1 {
			return nil, mutationerr.Validationf("relation %s takes exactly one row", rel.Name).At(ent.Name, rel.Name, b.TableOrdinal())
		}
		remote, ok := d.reg.Entity(rel.RemoteEntity)
		if !ok {
			return nil, mutationerr.Internalf("relation %s targets unknown entity %s", rel.Name, rel.RemoteEntity)
		}
		for _, childInput := range children {
			if childInput.Ref != "" {
				d.links = append(d.links, pendingLink{parent: b, ref: childInput.Ref, rel: rel})
				continue
			}
			child, err := d.declare(remote, childInput)
			if err != nil {
				return nil, err
			}
			d.links = append(d.links, pendingLink{parent: b, child: child, rel: rel})
		}
	}
	return b, nil
}
