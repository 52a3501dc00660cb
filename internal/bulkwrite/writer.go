package bulkwrite

import (
	"context"
	"database/sql"
	"fmt"
	"maps"
	"slices"

	"pgbulk/internal/dbexec"
	"pgbulk/internal/entity"
	"pgbulk/internal/mutationerr"
	"pgbulk/internal/observability"
)

// DefaultParamLimit is the PostgreSQL bind-parameter ceiling per statement.
const DefaultParamLimit = 65535

// Options control one Write call.
type Options struct {
	Policy ConflictPolicy
	// Returning lists properties to read back for every row.
	Returning []string
	// CountOnly skips row results and reports aggregate counts only.
	CountOnly bool
}

// ResultRow is the outcome for one input row.
type ResultRow struct {
	// Ordinal is the 1-based position of the row in the input batch.
	Ordinal int
	Action  Action
	// DuplicateOf is the ordinal of the row this one collided with, for
	// ActionDuplicate rows only.
	DuplicateOf int
	// ResolvedAction is the action taken for the DuplicateOf row.
	ResolvedAction Action
	Values         map[string]any
}

// Result is the outcome of one Write call. Rows is nil for count-only writes
// and otherwise has one entry per input row, in input order.
type Result struct {
	TotalCount    int
	AffectedCount int
	Rows          []ResultRow
}

// Writer issues batched, conflict-aware writes for one table at a time.
type Writer struct {
	paramLimit int
}

// NewWriter creates a writer. A non-positive paramLimit selects DefaultParamLimit.
func NewWriter(paramLimit int) *Writer {
	if paramLimit <= 0 {
		paramLimit = DefaultParamLimit
	}
	return &Writer{paramLimit: paramLimit}
}

// ParamLimit returns the bind-parameter ceiling per statement.
func (w *Writer) ParamLimit() int {
	return w.paramLimit
}

// rowsPerStatement keeps rows*columns within the parameter ceiling. A row is
// never split, so the minimum is one row per statement.
func (w *Writer) rowsPerStatement(columns int) int {
	if columns <= 0 {
		return w.paramLimit
	}
	n := w.paramLimit / columns
	if n < 1 {
		return 1
	}
	return n
}

// Write stores rows in ent's table and reports per-row outcomes.
//
// Under the Error policy rows are inserted as-is and any collision fails the
// statement. Every other policy first collapses rows that collide with each
// other, then inserts or matches the remaining rows against the table.
func (w *Writer) Write(ctx context.Context, exec dbexec.Querier, ent *entity.Entity, rows []Row, opts Options) (res *Result, err error) {
	ctx, span := startWriteSpan(ctx, ent.Name, len(rows), opts)
	defer func() { finishWriteSpan(span, res, err) }()

	if len(rows) == 0 {
		return &Result{}, nil
	}
	if err := validateRows(ent, rows, opts); err != nil {
		return nil, err
	}

	state := &writeState{
		ent:     ent,
		exec:    exec,
		opts:    opts,
		metrics: observability.BulkMetricsFromContext(ctx),
		counts:  make(map[Action]int),
	}
	if !opts.CountOnly {
		state.results = make([]ResultRow, len(rows))
		for i := range state.results {
			state.results[i].Ordinal = i + 1
		}
	}

	used := usedProperties(ent, rows)
	all := make([]int, len(rows))
	for i := range all {
		all[i] = i
	}

	var constraints [][]string
	if opts.Policy.Action != ConflictError {
		constraints = ent.CoveredConstraints(propertySet(used))
	}
	if len(constraints) == 0 {
		err = w.insertRows(ctx, state, rows, all, used)
	} else {
		err = w.upsertRows(ctx, state, rows, constraints)
	}
	if err != nil {
		return nil, mutationerr.Normalize(err, ent.Name)
	}

	res = &Result{
		TotalCount:    len(rows),
		AffectedCount: state.counts[ActionInserted] + state.counts[ActionUpdated],
		Rows:          state.results,
	}
	for action, n := range state.counts {
		state.metrics.RecordRows(ctx, ent.Name, string(action), int64(n))
	}
	return res, nil
}

func validateRows(ent *entity.Entity, rows []Row, opts Options) error {
	for i, row := range rows {
		for prop := range row {
			if !ent.HasProperty(prop) {
				return mutationerr.Validationf("unknown property").At(ent.Name, prop, i+1)
			}
		}
	}
	for _, prop := range opts.Returning {
		if !ent.HasProperty(prop) {
			return mutationerr.Validationf("cannot return unknown property").At(ent.Name, prop, 0)
		}
	}
	if opts.Policy.Action == ConflictUpdateColumns {
		if len(opts.Policy.Columns) == 0 {
			return mutationerr.Validationf("update_columns policy needs at least one column").At(ent.Name, "", 0)
		}
		for _, prop := range opts.Policy.Columns {
			if !ent.HasProperty(prop) {
				return mutationerr.Validationf("update_columns names unknown property").At(ent.Name, prop, 0)
			}
		}
	}
	return nil
}

type writeState struct {
	ent     *entity.Entity
	exec    dbexec.Querier
	opts    Options
	metrics *observability.BulkMetrics
	results []ResultRow
	counts  map[Action]int
}

// insertRows writes the selected rows with plain INSERT statements.
func (w *Writer) insertRows(ctx context.Context, s *writeState, rows []Row, indexes []int, props []string) error {
	size := w.rowsPerStatement(len(props))
	for start := 0; start < len(indexes); start += size {
		end := min(start+size, len(indexes))
		c := chunk{ent: s.ent, props: props, returning: s.opts.Returning}
		for _, idx := range indexes[start:end] {
			c.rows = append(c.rows, rows[idx])
			c.ordinals = append(c.ordinals, idx+1)
		}
		if err := w.insertChunk(ctx, s, c); err != nil {
			return err
		}
	}
	return nil
}

func (w *Writer) insertChunk(ctx context.Context, s *writeState, c chunk) error {
	q, err := planInsert(c, s.opts.CountOnly)
	if err != nil {
		return fmt.Errorf("failed to build insert for %s: %w", s.ent.Name, err)
	}
	s.metrics.RecordStatement(ctx, s.ent.Name, "insert")

	if s.opts.CountOnly {
		result, err := s.exec.ExecContext(ctx, q.SQL, q.Args...)
		if err != nil {
			return err
		}
		affected, err := result.RowsAffected()
		if err != nil {
			return err
		}
		if int(affected) != len(c.rows) {
			return mutationerr.Internalf("insert affected %d rows, expected %d", affected, len(c.rows)).At(s.ent.Name, "", 0)
		}
		s.counts[ActionInserted] += len(c.rows)
		return nil
	}

	rows, err := s.exec.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	n := 0
	for rows.Next() {
		if n >= len(c.rows) {
			return mutationerr.Internalf("insert returned more rows than the %d written", len(c.rows)).At(s.ent.Name, "", 0)
		}
		values, err := scanValues(rows, c.returning, nil)
		if err != nil {
			return err
		}
		r := &s.results[c.ordinals[n]-1]
		r.Action = ActionInserted
		r.Values = values
		n++
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if n != len(c.rows) {
		return mutationerr.Internalf("insert returned %d rows, expected %d", n, len(c.rows)).At(s.ent.Name, "", 0)
	}
	s.counts[ActionInserted] += n
	return nil
}

// upsertRows de-duplicates the batch, splits candidates into same-shape
// buckets and runs the insert-or-match statement per chunk.
func (w *Writer) upsertRows(ctx context.Context, s *writeState, rows []Row, constraints [][]string) error {
	roots := groupRoots(rows, constraints)

	var shapes []string
	buckets := make(map[string][]int)
	for i, root := range roots {
		if root != i {
			s.markDuplicate(i, root)
			continue
		}
		key := shapeKey(s.ent, rows[i])
		if _, ok := buckets[key]; !ok {
			shapes = append(shapes, key)
		}
		buckets[key] = append(buckets[key], i)
	}

	for _, key := range shapes {
		indexes := buckets[key]
		props := usedProperties(s.ent, []Row{rows[indexes[0]]})
		bucketConstraints := s.ent.CoveredConstraints(propertySet(props))
		if len(bucketConstraints) == 0 {
			if err := w.insertRows(ctx, s, rows, indexes, props); err != nil {
				return err
			}
			continue
		}
		set := updateProperties(s.ent, s.opts.Policy, props)
		size := w.rowsPerStatement(len(props))
		for start := 0; start < len(indexes); start += size {
			end := min(start+size, len(indexes))
			p := upsertPlan{
				chunk:       chunk{ent: s.ent, props: props, returning: s.opts.Returning},
				constraints: bucketConstraints,
				set:         set,
			}
			for _, idx := range indexes[start:end] {
				p.rows = append(p.rows, rows[idx])
				p.ordinals = append(p.ordinals, idx+1)
			}
			if err := w.upsertChunk(ctx, s, p); err != nil {
				return err
			}
		}
	}

	if s.results != nil {
		s.resolveDuplicates()
	}
	return nil
}

// updateProperties returns the properties the update clause overwrites for a
// bucket. Identity properties are never overwritten.
func updateProperties(ent *entity.Entity, policy ConflictPolicy, props []string) []string {
	var set []string
	switch policy.Action {
	case ConflictReplace:
		for _, p := range props {
			if !ent.IsIdentity(p) {
				set = append(set, p)
			}
		}
	case ConflictUpdateColumns:
		for _, p := range props {
			if !ent.IsIdentity(p) && slices.Contains(policy.Columns, p) {
				set = append(set, p)
			}
		}
	}
	return set
}

func (w *Writer) upsertChunk(ctx context.Context, s *writeState, p upsertPlan) error {
	q, err := planUpsert(p, s.opts.CountOnly)
	if err != nil {
		return fmt.Errorf("failed to build upsert for %s: %w", s.ent.Name, err)
	}
	s.metrics.RecordStatement(ctx, s.ent.Name, "upsert")

	rows, err := s.exec.QueryContext(ctx, q.SQL, q.Args...)
	if err != nil {
		return err
	}
	defer rows.Close()

	if s.opts.CountOnly {
		return s.scanCounts(rows, len(p.rows))
	}
	return s.scanUpsert(rows, p)
}

func (s *writeState) scanCounts(rows dbexec.Rows, expected int) error {
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return err
		}
		return mutationerr.Internalf("upsert returned no counts").At(s.ent.Name, "", 0)
	}
	var inserted, updated, matched, duplicates int64
	if err := rows.Scan(&inserted, &updated, &matched, &duplicates); err != nil {
		return err
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if int(inserted+matched+duplicates) != expected {
		return mutationerr.Internalf("upsert accounted for %d rows, expected %d", inserted+matched+duplicates, expected).At(s.ent.Name, "", 0)
	}
	s.counts[ActionInserted] += int(inserted)
	s.counts[ActionUpdated] += int(updated)
	s.counts[ActionExisting] += int(matched - updated)
	s.counts[ActionDuplicate] += int(duplicates)
	return nil
}

func (s *writeState) scanUpsert(rows dbexec.Rows, p upsertPlan) error {
	seen := make(map[int]bool, len(p.rows))
	for rows.Next() {
		var (
			action string
			ord    sql.NullInt64
			dupOf  sql.NullInt64
		)
		raw, err := scanRaw(rows, []any{&action, &ord, &dupOf}, len(p.returning))
		if err != nil {
			return err
		}
		if !ord.Valid || ord.Int64 < 1 || int(ord.Int64) > len(s.results) || seen[int(ord.Int64)] {
			return mutationerr.Internalf("upsert returned an unexpected ordinal for a %s row", action).At(s.ent.Name, "", 0)
		}
		seen[int(ord.Int64)] = true
		r := &s.results[ord.Int64-1]
		switch Action(action) {
		case ActionInserted, ActionUpdated, ActionExisting:
			r.Action = Action(action)
			r.Values = toValues(p.returning, raw)
			s.counts[r.Action]++
		case ActionDuplicate:
			if !dupOf.Valid || dupOf.Int64 >= ord.Int64 {
				return mutationerr.Internalf("duplicate row %d has no earlier match", ord.Int64).At(s.ent.Name, "", 0)
			}
			s.markDuplicate(int(ord.Int64)-1, int(dupOf.Int64)-1)
		default:
			return mutationerr.Internalf("upsert returned unknown action %q", action).At(s.ent.Name, "", 0)
		}
	}
	if err := rows.Err(); err != nil {
		return err
	}
	if len(seen) != len(p.ordinals) {
		return mutationerr.Internalf("upsert accounted for %d rows, expected %d", len(seen), len(p.ordinals)).At(s.ent.Name, "", 0)
	}
	for _, ord := range p.ordinals {
		if !seen[ord] {
			return mutationerr.Internalf("upsert returned nothing for row %d", ord).At(s.ent.Name, "", 0)
		}
	}
	return nil
}

func (s *writeState) markDuplicate(idx, of int) {
	s.counts[ActionDuplicate]++
	if s.results == nil {
		return
	}
	s.results[idx].Action = ActionDuplicate
	s.results[idx].DuplicateOf = of + 1
}

// resolveDuplicates points every duplicate at its group's first row and
// copies that row's action and values. DuplicateOf is always lower than the
// row's own ordinal, so one ascending pass reaches the root.
func (s *writeState) resolveDuplicates() {
	for i := range s.results {
		r := &s.results[i]
		if r.Action != ActionDuplicate {
			continue
		}
		root := &s.results[r.DuplicateOf-1]
		if root.Action == ActionDuplicate {
			r.DuplicateOf = root.DuplicateOf
			root = &s.results[r.DuplicateOf-1]
		}
		r.ResolvedAction = root.Action
		r.Values = maps.Clone(root.Values)
	}
}

func scanRaw(rows dbexec.Rows, lead []any, width int) ([]any, error) {
	raw := make([]any, width)
	dest := make([]any, 0, len(lead)+width)
	dest = append(dest, lead...)
	for i := range raw {
		dest = append(dest, &raw[i])
	}
	if err := rows.Scan(dest...); err != nil {
		return nil, err
	}
	for i, v := range raw {
		if b, ok := v.([]byte); ok {
			raw[i] = string(b)
		}
	}
	return raw, nil
}

func scanValues(rows dbexec.Rows, returning []string, lead []any) (map[string]any, error) {
	if len(returning) == 0 {
		// RETURNING 1
		var one any
		if err := rows.Scan(append(lead, &one)...); err != nil {
			return nil, err
		}
		return nil, nil
	}
	raw, err := scanRaw(rows, lead, len(returning))
	if err != nil {
		return nil, err
	}
	return toValues(returning, raw), nil
}

func toValues(returning []string, raw []any) map[string]any {
	if len(returning) == 0 {
		return nil
	}
	values := make(map[string]any, len(returning))
	for i, prop := range returning {
		values[prop] = raw[i]
	}
	return values
}
