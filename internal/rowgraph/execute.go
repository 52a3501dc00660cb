package rowgraph

import (
	"context"
	"errors"
	"slices"
	"time"

	"golang.org/x/sync/errgroup"

	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/dbexec"
	"pgbulk/internal/entity"
	"pgbulk/internal/logging"
	"pgbulk/internal/mutationerr"
	"pgbulk/internal/observability"
)

// batch is the ready builders of one table in one layer.
type batch struct {
	entity   *entity.Entity
	builders []*Builder
}

// Result is every table touched by a run, in the order tables were first
// declared.
type Result struct {
	Tables []TableResult
	Layers int
}

// Table returns the result for one entity.
func (r *Result) Table(name string) (TableResult, bool) {
	for _, t := range r.Tables {
		if t.Entity == name {
			return t, true
		}
	}
	return TableResult{}, false
}

// Run writes every builder through exec, one dependency layer at a time.
// exec is normally a transaction; Run never commits or rolls back.
func (g *Graph) Run(ctx context.Context, exec dbexec.Querier) (*Result, error) {
	if !g.validated {
		if err := g.Validate(ctx); err != nil {
			return nil, err
		}
	}

	logger := logging.FromContext(ctx)
	// Per-table writes of one layer run concurrently on the same connection.
	q := dbexec.Serialize(exec)
	totals := make(map[string]*TableResult, len(g.entities))
	for _, ent := range g.entities {
		totals[ent.Name] = &TableResult{Entity: ent.Name}
	}

	layers := 0
	for {
		batches, err := g.resolveOneLayer()
		if err != nil {
			return nil, err
		}
		if len(batches) == 0 {
			break
		}
		layers++
		if layers > g.depth {
			return nil, mutationerr.Internalf("run needed more than the %d layers the graph depth allows", g.depth)
		}

		start := time.Now()
		if err := g.executeLayer(ctx, q, layers, batches, totals); err != nil {
			return nil, err
		}
		logger.Debug("dependency layer written",
			"layer", layers,
			"tables", len(batches),
			"duration_ms", time.Since(start).Milliseconds(),
		)
	}
	observability.BulkMetricsFromContext(ctx).RecordLayers(ctx, int64(layers))

	res := &Result{Layers: layers}
	for _, ent := range g.entities {
		t := totals[ent.Name]
		if !g.cfg.CountOnly {
			for _, b := range g.byEntity[ent.Name] {
				t.Rows = append(t.Rows, b.Row())
			}
		}
		res.Tables = append(res.Tables, *t)
	}
	return res, nil
}

// resolveOneLayer collects every unwritten builder with no pending slots,
// grouped by table in declaration order.
func (g *Graph) resolveOneLayer() ([]batch, error) {
	var batches []batch
	remaining := 0
	for _, ent := range g.entities {
		var ready []*Builder
		for _, b := range g.byEntity[ent.Name] {
			if b.written {
				continue
			}
			remaining++
			if b.Ready() {
				ready = append(ready, b)
			}
		}
		if len(ready) > 0 {
			batches = append(batches, batch{entity: ent, builders: ready})
		}
	}
	if len(batches) == 0 && remaining > 0 {
		return nil, mutationerr.Internalf("%d rows are waiting but none is ready", remaining)
	}
	return batches, nil
}

// executeLayer writes each table's batch concurrently and then feeds the
// returned values to waiting builders.
func (g *Graph) executeLayer(ctx context.Context, q dbexec.Querier, layer int, batches []batch, totals map[string]*TableResult) (err error) {
	ctx, span := startLayerSpan(ctx, layer, len(batches))
	defer func() { finishLayerSpan(span, err) }()

	results := make([]*bulkwrite.Result, len(batches))
	group, gctx := errgroup.WithContext(ctx)
	for i, bt := range batches {
		rows := make([]bulkwrite.Row, len(bt.builders))
		for j, b := range bt.builders {
			rows[j] = b.plainRow()
		}
		opts := bulkwrite.Options{
			Policy:    g.policies[bt.entity.Name],
			Returning: g.returning(bt),
		}
		opts.CountOnly = g.cfg.CountOnly && len(opts.Returning) == 0
		group.Go(func() error {
			res, err := g.writer.Write(gctx, q, bt.entity, rows, opts)
			if err != nil {
				return tableOrdinalError(err, bt.builders)
			}
			results[i] = res
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return err
	}

	for i, bt := range batches {
		res := results[i]
		t := totals[bt.entity.Name]
		t.TotalCount += res.TotalCount
		t.AffectedCount += res.AffectedCount
		if err := onValuesResolved(bt, res); err != nil {
			return err
		}
	}
	return nil
}

// returning is the set of properties some unwritten builder waits for, plus
// the identity when the caller asked for it.
func (g *Graph) returning(bt batch) []string {
	want := make(map[string]bool)
	for _, b := range bt.builders {
		for attr, edges := range b.dependents {
			if len(edges) > 0 {
				want[attr] = true
			}
		}
	}
	if slices.Contains(g.cfg.EchoIdentity, bt.entity.Name) {
		for _, p := range bt.entity.Identity {
			want[p] = true
		}
	}
	props := make([]string, 0, len(want))
	for p := range want {
		props = append(props, p)
	}
	bt.entity.SortProperties(props)
	return props
}

// onValuesResolved marks the batch written and propagates returned values.
func onValuesResolved(bt batch, res *bulkwrite.Result) error {
	if res.Rows == nil {
		for _, b := range bt.builders {
			if len(b.dependents) > 0 {
				return mutationerr.Internalf("rows were written without reading back values other rows need").At(bt.entity.Name, "", b.tableOrdinal)
			}
			b.written = true
		}
		return nil
	}
	if len(res.Rows) != len(bt.builders) {
		return mutationerr.Internalf("write returned %d rows for %d builders", len(res.Rows), len(bt.builders)).At(bt.entity.Name, "", 0)
	}
	for i, b := range bt.builders {
		row := res.Rows[i]
		for attr := range b.dependents {
			if _, ok := row.Values[attr]; !ok {
				return mutationerr.Internalf("%s was not returned", attr).At(bt.entity.Name, attr, b.tableOrdinal)
			}
		}
		b.resolve(row, bt.builders)
	}
	return nil
}

// tableOrdinalError rewrites a batch position into the row's position among
// all rows of its table.
func tableOrdinalError(err error, builders []*Builder) error {
	var me *mutationerr.Error
	if !errors.As(err, &me) || me.Ordinal < 1 || me.Ordinal > len(builders) {
		return err
	}
	out := *me
	out.Ordinal = builders[me.Ordinal-1].tableOrdinal
	return &out
}
