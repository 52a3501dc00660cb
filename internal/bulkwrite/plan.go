package bulkwrite

import (
	"fmt"
	"strconv"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"pgbulk/internal/entity"
	"pgbulk/internal/sqltype"
	"pgbulk/internal/sqlutil"
)

// SQLQuery is a statement ready to run with PostgreSQL placeholders.
type SQLQuery struct {
	SQL  string
	Args []any
}

// Column aliases used inside the upsert statement.
const (
	ordColumn    = `"__ord"`
	dupOfColumn  = `"__dup_of"`
	ctidColumn   = `"__ctid"`
	actionColumn = `"__action"`
	pairColumn   = `"__pair"`
)

// unmatchedFilter keeps fresh rows that matched no table row.
const unmatchedFilter = `NOT EXISTS (SELECT 1 FROM "matched" m WHERE m.` + ordColumn + ` = f.` + ordColumn + `)`

// chunk is the slice of rows one statement writes. props is the column set
// of the statement, ordinals are 1-based positions in the caller's batch.
type chunk struct {
	ent       *entity.Entity
	props     []string
	rows      []Row
	ordinals  []int
	returning []string
}

func quotedColumns(ent *entity.Entity, props []string, alias string) []string {
	cols := make([]string, len(props))
	for i, p := range props {
		col := sqlutil.QuoteIdentifier(ent.Column(p))
		if alias != "" {
			col = alias + "." + col
		}
		cols[i] = col
	}
	return cols
}

func returningList(ent *entity.Entity, returning []string, alias string) string {
	if len(returning) == 0 {
		return "1"
	}
	return strings.Join(quotedColumns(ent, returning, alias), ", ")
}

// defaultProperty is written with DEFAULT when a batch supplies no properties.
func defaultProperty(ent *entity.Entity) string {
	if len(ent.Identity) > 0 {
		return ent.Identity[0]
	}
	return ent.Properties[0].Name
}

// planInsert builds a multi-row INSERT. Properties a row did not supply are
// written as DEFAULT. Without countOnly the statement returns the requested
// columns in VALUES order.
func planInsert(c chunk, countOnly bool) (SQLQuery, error) {
	props := c.props
	allDefault := len(props) == 0
	if allDefault {
		props = []string{defaultProperty(c.ent)}
	}

	builder := sq.Insert(sqlutil.QuoteQualified(c.ent.Table)).
		Columns(quotedColumns(c.ent, props, "")...)

	for _, row := range c.rows {
		values := make([]any, len(props))
		for i, p := range props {
			v, ok := row[p]
			if allDefault || !ok {
				values[i] = sq.Expr("DEFAULT")
				continue
			}
			values[i] = v
		}
		builder = builder.Values(values...)
	}
	if !countOnly {
		builder = builder.Suffix("RETURNING " + returningList(c.ent, c.returning, ""))
	}

	query, args, err := builder.PlaceholderFormat(sq.Dollar).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

// constraintPredicate matches two row sources on any of the constraints.
func constraintPredicate(ent *entity.Entity, constraints [][]string, left, right string) string {
	ors := make([]string, len(constraints))
	for i, props := range constraints {
		ands := make([]string, len(props))
		for j, p := range props {
			col := sqlutil.QuoteIdentifier(ent.Column(p))
			ands[j] = fmt.Sprintf("%s.%s = %s.%s", left, col, right, col)
		}
		ors[i] = "(" + strings.Join(ands, " AND ") + ")"
	}
	return strings.Join(ors, " OR ")
}

// upsertPlan describes one insert-or-match statement.
type upsertPlan struct {
	chunk
	constraints [][]string
	set         []string
}

// planUpsert builds the insert-or-match statement for a homogeneous chunk.
//
// The statement is a chain of CTEs:
//
//	input    typed VALUES list with the row ordinals
//	dedup    earliest earlier input row colliding on any constraint
//	fresh    input rows that are not duplicates
//	matched  fresh rows joined to the table on any constraint
//	updated  the update clause applied to matched rows (optional)
//	inserted fresh rows that matched nothing, in ordinal order
//
// The final projection tags each row with its action and ordinal. Inserted
// rows are joined back to the fresh rows they came from on every written
// column, so no branch depends on RETURNING order.
func planUpsert(p upsertPlan, countOnly bool) (SQLQuery, error) {
	ent := p.ent
	table := sqlutil.QuoteQualified(ent.Table)
	inputCols := quotedColumns(ent, p.props, "")

	var args []any
	tuples := make([]string, len(p.rows))
	for r, row := range p.rows {
		parts := make([]string, 0, len(p.props)+1)
		parts = append(parts, strconv.Itoa(p.ordinals[r]))
		for _, prop := range p.props {
			meta, _ := ent.Property(prop)
			parts = append(parts, "CAST(? AS "+meta.DataType+")")
			args = append(args, row[prop])
		}
		tuples[r] = "(" + strings.Join(parts, ", ") + ")"
	}

	ctes := []string{
		fmt.Sprintf(`"input" (%s, %s) AS (VALUES %s)`, ordColumn, strings.Join(inputCols, ", "), strings.Join(tuples, ", ")),
	}

	dedup, _, err := sq.Select(
		"i."+ordColumn,
		fmt.Sprintf(`(SELECT min(p.%s) FROM "input" p WHERE p.%s < i.%s AND (%s)) AS %s`,
			ordColumn, ordColumn, ordColumn, constraintPredicate(ent, p.constraints, "p", "i"), dupOfColumn),
	).From(`"input" i`).ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	ctes = append(ctes, `"dedup" AS (`+dedup+`)`)

	fresh, _, err := sq.Select("i.*").
		From(`"input" i`).
		Join(`"dedup" d ON d.` + ordColumn + ` = i.` + ordColumn).
		Where("d." + dupOfColumn + " IS NULL").
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	ctes = append(ctes, `"fresh" AS (`+fresh+`)`)

	matchedCols := []string{"f." + ordColumn, "t.ctid AS " + ctidColumn}
	matchedCols = append(matchedCols, quotedColumns(ent, p.returning, "t")...)
	matched, _, err := sq.Select(matchedCols...).
		Options("DISTINCT ON (f."+ordColumn+")").
		From(`"fresh" f`).
		Join(table+" t ON "+constraintPredicate(ent, p.constraints, "t", "f")).
		OrderBy("f."+ordColumn, "t.ctid").
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	ctes = append(ctes, `"matched" AS (`+matched+`)`)

	hasUpdate := len(p.set) > 0
	if hasUpdate {
		// Two inputs may match the same table row; only the earlier one updates it.
		update := sq.Update(table + " AS t").
			From(fmt.Sprintf(`(SELECT DISTINCT ON (m.%s) m.%s, m.%s FROM "matched" m ORDER BY m.%s, m.%s) AS m JOIN "fresh" f ON f.%s = m.%s`,
				ctidColumn, ordColumn, ctidColumn, ctidColumn, ordColumn, ordColumn, ordColumn)).
			Where("t.ctid = m." + ctidColumn)
		for _, prop := range p.set {
			col := sqlutil.QuoteIdentifier(ent.Column(prop))
			update = update.Set(col, sq.Expr("f."+col))
		}
		update = update.Suffix("RETURNING m." + ordColumn + returningTail(ent, p.returning, "t"))
		updated, _, err := update.ToSql()
		if err != nil {
			return SQLQuery{}, err
		}
		ctes = append(ctes, `"updated" AS (`+updated+`)`)
	}

	insertReturning := "RETURNING *"
	if countOnly {
		insertReturning = "RETURNING 1"
	}
	insert, _, err := sq.Insert(table).
		Columns(inputCols...).
		Select(sq.Select(quotedColumns(ent, p.props, "f")...).
			From(`"fresh" f`).
			Where(unmatchedFilter).
			OrderBy("f." + ordColumn)).
		Suffix(insertReturning).
		ToSql()
	if err != nil {
		return SQLQuery{}, err
	}
	ctes = append(ctes, `"inserted" AS (`+insert+`)`)

	var final string
	if countOnly {
		updatedCount := "0"
		if hasUpdate {
			updatedCount = `(SELECT count(*) FROM "updated")`
		}
		final = fmt.Sprintf(`SELECT (SELECT count(*) FROM "inserted"), %s, (SELECT count(*) FROM "matched"), (SELECT count(*) FROM "dedup" WHERE %s IS NOT NULL)`,
			updatedCount, dupOfColumn)
	} else {
		final = finalProjection(p, hasUpdate)
	}

	query, err := sq.Dollar.ReplacePlaceholders("WITH " + strings.Join(ctes, ", ") + " " + final)
	if err != nil {
		return SQLQuery{}, err
	}
	return SQLQuery{SQL: query, Args: args}, nil
}

func returningTail(ent *entity.Entity, returning []string, alias string) string {
	if len(returning) == 0 {
		return ""
	}
	return ", " + strings.Join(quotedColumns(ent, returning, alias), ", ")
}

// pairKeys are the expressions an inserted row and its fresh row agree on.
// json has no equality operator, so it is compared as jsonb.
func pairKeys(ent *entity.Entity, props []string, alias string) []string {
	keys := make([]string, len(props))
	for i, prop := range props {
		col := alias + "." + sqlutil.QuoteIdentifier(ent.Column(prop))
		if meta, ok := ent.Property(prop); ok && sqltype.Categorize(meta.DataType) == sqltype.CategoryJSON {
			col = "CAST(" + col + " AS jsonb)"
		}
		keys[i] = col
	}
	return keys
}

// insertedBranch projects inserted rows with the ordinal of the fresh row
// they were written from. Fresh rows with identical values are paired in
// ordinal order; they are indistinguishable inputs.
func insertedBranch(p upsertPlan) string {
	ent := p.ent
	left := pairKeys(ent, p.props, "x")
	right := pairKeys(ent, p.props, "s")
	on := make([]string, 0, len(p.props)+1)
	for i := range p.props {
		on = append(on, left[i]+" IS NOT DISTINCT FROM "+right[i])
	}
	on = append(on, "x."+pairColumn+" = s."+pairColumn)

	return fmt.Sprintf(`SELECT '%s' AS %s, s.%s AS %s, CAST(NULL AS integer) AS %s%s`+
		` FROM (SELECT i.*, row_number() OVER (PARTITION BY %s) AS %s FROM "inserted" i) x`+
		` JOIN (SELECT f.*, row_number() OVER (PARTITION BY %s ORDER BY f.%s) AS %s FROM "fresh" f WHERE %s) s`+
		` ON %s`,
		ActionInserted, actionColumn, ordColumn, ordColumn, dupOfColumn, returningTail(ent, p.returning, "x"),
		strings.Join(pairKeys(ent, p.props, "i"), ", "), pairColumn,
		strings.Join(pairKeys(ent, p.props, "f"), ", "), ordColumn, pairColumn, unmatchedFilter,
		strings.Join(on, " AND "))
}

// finalProjection yields (__action, __ord, __dup_of, returning...).
func finalProjection(p upsertPlan, hasUpdate bool) string {
	ent := p.ent
	returning := p.returning
	nulls := ""
	for range returning {
		nulls += ", NULL"
	}

	branches := []string{insertedBranch(p)}
	existingFilter := ""
	if hasUpdate {
		branches = append(branches, fmt.Sprintf(`SELECT '%s', u.%s, NULL%s FROM "updated" u`,
			ActionUpdated, ordColumn, returningTail(ent, returning, "u")))
		existingFilter = fmt.Sprintf(` WHERE NOT EXISTS (SELECT 1 FROM "updated" u WHERE u.%s = m.%s)`, ordColumn, ordColumn)
	}
	branches = append(branches,
		fmt.Sprintf(`SELECT '%s', m.%s, NULL%s FROM "matched" m%s`,
			ActionExisting, ordColumn, returningTail(ent, returning, "m"), existingFilter),
		fmt.Sprintf(`SELECT '%s', d.%s, d.%s%s FROM "dedup" d WHERE d.%s IS NOT NULL`,
			ActionDuplicate, ordColumn, dupOfColumn, nulls, dupOfColumn),
	)
	return strings.Join(branches, " UNION ALL ")
}
