//go:build integration

package nestedcreate

import (
	"context"
	"database/sql"
	"fmt"
	"testing"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"

	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/dbexec"
	"pgbulk/internal/entity"
	"pgbulk/internal/mutationerr"
	"pgbulk/internal/rowgraph"
)

const integrationDDL = `
CREATE TABLE authors (
	id bigserial PRIMARY KEY,
	name text NOT NULL UNIQUE
);
CREATE TABLE publishers (
	id bigserial PRIMARY KEY,
	name text NOT NULL UNIQUE,
	city text
);
CREATE TABLE books (
	id bigserial PRIMARY KEY,
	title text NOT NULL CHECK (title <> ''),
	author_id bigint NOT NULL REFERENCES authors(id),
	publisher_id bigint REFERENCES publishers(id)
);
CREATE TABLE tags (
	id bigserial PRIMARY KEY,
	label text NOT NULL UNIQUE
);
`

const integrationSchema = `
entities:
  - name: author
    table: public.authors
    identity: [id]
    properties:
      - {name: id, data_type: bigint}
      - {name: name, data_type: text, required: true}
    unique_constraints:
      - {name: authors_name_key, properties: [name]}
    relations:
      - {entity: book, local: [id], remote: [authorId]}
  - name: book
    table: public.books
    identity: [id]
    properties:
      - {name: id, data_type: bigint}
      - {name: title, data_type: text, required: true}
      - {name: authorId, column: author_id, data_type: bigint, required: true}
      - {name: publisherId, column: publisher_id, data_type: bigint}
    relations:
      - {entity: publisher, local: [publisherId], remote: [id], referencing: true}
  - name: publisher
    table: public.publishers
    identity: [id]
    properties:
      - {name: id, data_type: bigint}
      - {name: name, data_type: text, required: true}
      - {name: city, data_type: text}
    unique_constraints:
      - {name: publishers_name_key, properties: [name]}
  - name: tag
    table: public.tags
    identity: [id]
    properties:
      - {name: id, data_type: bigint}
      - {name: label, data_type: text, required: true}
    unique_constraints:
      - {name: tags_label_key, properties: [label]}
    capabilities: {update: false}
`

func startPostgres(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()

	ctr, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("pgbulk"),
		postgres.WithUsername("pgbulk"),
		postgres.WithPassword("pgbulk"),
		postgres.BasicWaitStrategies(),
	)
	testcontainers.CleanupContainer(t, ctr)
	require.NoError(t, err)

	dsn, err := ctr.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)
	db, err := sql.Open("pgx", dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	_, err = db.ExecContext(ctx, integrationDDL)
	require.NoError(t, err)
	return db
}

func TestIntegrationNestedCreate(t *testing.T) {
	db := startPostgres(t)
	reg, err := entity.Parse([]byte(integrationSchema))
	require.NoError(t, err)
	ctx := context.Background()

	reset := func(t *testing.T) {
		_, err := db.ExecContext(ctx, `TRUNCATE books, authors, publishers, tags RESTART IDENTITY CASCADE`)
		require.NoError(t, err)
	}
	count := func(t *testing.T, table string) int {
		var n int
		require.NoError(t, db.QueryRowContext(ctx, "SELECT count(*) FROM "+table).Scan(&n))
		return n
	}
	newOrch := func(paramLimit int) *Orchestrator {
		return New(entity.NewStaticStore(reg), dbexec.NewStandardExecutor(db), Config{ParamLimit: paramLimit})
	}

	t.Run("identities come back in input order across chunks", func(t *testing.T) {
		reset(t)
		raw := make([]map[string]any, 25)
		for i := range raw {
			raw[i] = map[string]any{"name": fmt.Sprintf("author-%02d", i)}
		}
		resp, err := newOrch(4).Create(ctx, Request{Entity: "author", Inputs: decode(t, reg, "author", raw...), ReturnIdentity: true})
		require.NoError(t, err)
		require.Len(t, resp.Roots, 25)

		for i, row := range resp.Roots {
			var name string
			require.NoError(t, db.QueryRowContext(ctx, `SELECT name FROM authors WHERE id = $1`, row.Values["id"]).Scan(&name))
			assert.Equal(t, fmt.Sprintf("author-%02d", i), name)
		}
	})

	t.Run("nested rows share a de-duplicated parent", func(t *testing.T) {
		reset(t)
		inputs := decode(t, reg, "author", map[string]any{
			"name": "Ursula",
			"books": []any{
				map[string]any{"title": "A", "publisher": map[string]any{"name": "Harper"}},
				map[string]any{"title": "B", "publisher": map[string]any{"name": "Harper"}},
			},
		})
		resp, err := newOrch(0).Create(ctx, Request{
			Entity:         "author",
			Inputs:         inputs,
			PolicyByEntity: map[string]bulkwrite.ConflictPolicy{"publisher": bulkwrite.IgnorePolicy()},
		})
		require.NoError(t, err)

		pubs, ok := tableByName(resp.Tables, "publisher")
		require.True(t, ok)
		assert.Equal(t, 2, pubs.TotalCount)
		assert.Equal(t, 1, pubs.AffectedCount)
		assert.Equal(t, bulkwrite.ActionDuplicate, pubs.Rows[1].Action)
		assert.Equal(t, 1, pubs.Rows[1].DuplicateOf)

		assert.Equal(t, 1, count(t, "publishers"))
		var distinct int
		require.NoError(t, db.QueryRowContext(ctx, `SELECT count(DISTINCT publisher_id) FROM books`).Scan(&distinct))
		assert.Equal(t, 1, distinct)
	})

	t.Run("ignore is idempotent", func(t *testing.T) {
		reset(t)
		o := newOrch(0)
		req := func() Request {
			return Request{
				Entity:         "tag",
				Inputs:         decode(t, reg, "tag", map[string]any{"label": "go"}, map[string]any{"label": "sql"}, map[string]any{"label": "go"}),
				Policy:         bulkwrite.IgnorePolicy(),
				ReturnIdentity: true,
			}
		}

		first, err := o.Create(ctx, req())
		require.NoError(t, err)
		second, err := o.Create(ctx, req())
		require.NoError(t, err)

		assert.Equal(t, 2, count(t, "tags"))
		assert.Equal(t, bulkwrite.ActionInserted, first.Roots[0].Action)
		assert.Equal(t, bulkwrite.ActionExisting, second.Roots[0].Action)
		assert.Equal(t, bulkwrite.ActionDuplicate, second.Roots[2].Action)
		assert.Equal(t, bulkwrite.ActionExisting, second.Roots[2].ResolvedAction)
		for i := range first.Roots {
			assert.Equal(t, first.Roots[i].Values["id"], second.Roots[i].Values["id"])
		}
		assert.Equal(t, 0, second.Tables[0].AffectedCount)
	})

	t.Run("replace overwrites supplied columns", func(t *testing.T) {
		reset(t)
		o := newOrch(0)
		_, err := o.Create(ctx, Request{Entity: "publisher", Inputs: decode(t, reg, "publisher", map[string]any{"name": "Harper", "city": "New York"})})
		require.NoError(t, err)

		resp, err := o.Create(ctx, Request{
			Entity:         "publisher",
			Inputs:         decode(t, reg, "publisher", map[string]any{"name": "Harper", "city": "London"}, map[string]any{"name": "Tor", "city": "New York"}),
			Policy:         bulkwrite.ReplacePolicy(),
			ReturnIdentity: true,
		})
		require.NoError(t, err)
		assert.Equal(t, bulkwrite.ActionUpdated, resp.Roots[0].Action)
		assert.Equal(t, bulkwrite.ActionInserted, resp.Roots[1].Action)

		var city string
		require.NoError(t, db.QueryRowContext(ctx, `SELECT city FROM publishers WHERE name = 'Harper'`).Scan(&city))
		assert.Equal(t, "London", city)
	})

	t.Run("replace leaves columns a row did not supply", func(t *testing.T) {
		reset(t)
		o := newOrch(0)
		_, err := o.Create(ctx, Request{Entity: "publisher", Inputs: decode(t, reg, "publisher", map[string]any{"name": "Harper", "city": "New York"})})
		require.NoError(t, err)

		resp, err := o.Create(ctx, Request{
			Entity:         "publisher",
			Inputs:         decode(t, reg, "publisher", map[string]any{"name": "Harper"}, map[string]any{"name": "Tor", "city": "Paris"}),
			Policy:         bulkwrite.ReplacePolicy(),
			ReturnIdentity: true,
		})
		require.NoError(t, err)
		assert.Equal(t, bulkwrite.ActionUpdated, resp.Roots[0].Action)
		assert.Equal(t, bulkwrite.ActionInserted, resp.Roots[1].Action)

		var city string
		require.NoError(t, db.QueryRowContext(ctx, `SELECT city FROM publishers WHERE name = 'Harper'`).Scan(&city))
		assert.Equal(t, "New York", city)
	})

	t.Run("upsert identities follow ordinals across chunks", func(t *testing.T) {
		reset(t)
		o := newOrch(3)
		_, err := o.Create(ctx, Request{Entity: "tag", Inputs: decode(t, reg, "tag", map[string]any{"label": "t-03"})})
		require.NoError(t, err)

		raw := make([]map[string]any, 9)
		for i := range raw {
			raw[i] = map[string]any{"label": fmt.Sprintf("t-%02d", 8-i)}
		}
		raw = append(raw, map[string]any{"label": "t-08"})
		resp, err := o.Create(ctx, Request{Entity: "tag", Inputs: decode(t, reg, "tag", raw...), Policy: bulkwrite.IgnorePolicy(), ReturnIdentity: true})
		require.NoError(t, err)
		require.Len(t, resp.Roots, 10)
		assert.Equal(t, 8, resp.Tables[0].AffectedCount)
		assert.Equal(t, bulkwrite.ActionExisting, resp.Roots[5].Action)
		assert.Equal(t, bulkwrite.ActionDuplicate, resp.Roots[9].Action)

		for i, row := range resp.Roots {
			var label string
			require.NoError(t, db.QueryRowContext(ctx, `SELECT label FROM tags WHERE id = $1`, row.Values["id"]).Scan(&label))
			assert.Equal(t, raw[i]["label"], label)
		}
	})

	t.Run("replace narrows to ignore without update capability", func(t *testing.T) {
		reset(t)
		o := newOrch(0)
		_, err := o.Create(ctx, Request{Entity: "tag", Inputs: decode(t, reg, "tag", map[string]any{"label": "go"})})
		require.NoError(t, err)

		resp, err := o.Create(ctx, Request{Entity: "tag", Inputs: decode(t, reg, "tag", map[string]any{"label": "go"}), Policy: bulkwrite.ReplacePolicy()})
		require.NoError(t, err)
		assert.Equal(t, bulkwrite.ActionExisting, resp.Roots[0].Action)
	})

	t.Run("error policy surfaces the collision", func(t *testing.T) {
		reset(t)
		o := newOrch(0)
		_, err := o.Create(ctx, Request{Entity: "tag", Inputs: decode(t, reg, "tag", map[string]any{"label": "go"})})
		require.NoError(t, err)

		_, err = o.Create(ctx, Request{Entity: "tag", Inputs: decode(t, reg, "tag", map[string]any{"label": "go"})})
		require.Error(t, err)
		assert.True(t, mutationerr.IsKind(err, mutationerr.KindConflict))
	})

	t.Run("a failing child rolls back the whole request", func(t *testing.T) {
		reset(t)
		inputs := decode(t, reg, "author", map[string]any{
			"name": "Ursula",
			"books": []any{
				map[string]any{"title": "A"},
				map[string]any{"title": ""},
			},
		})
		_, err := newOrch(0).Create(ctx, Request{Entity: "author", Inputs: inputs})
		require.Error(t, err)

		var me *mutationerr.Error
		require.ErrorAs(t, err, &me)
		assert.Equal(t, "check_violation", me.Code)
		assert.Equal(t, "book", me.Entity)

		assert.Zero(t, count(t, "authors"))
		assert.Zero(t, count(t, "books"))
	})
}

func tableByName(tables []rowgraph.TableResult, name string) (rowgraph.TableResult, bool) {
	for _, t := range tables {
		if t.Entity == name {
			return t, true
		}
	}
	return rowgraph.TableResult{}, false
}
