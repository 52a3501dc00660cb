package gqlrequest

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodeEnvelopeRewindsBody(t *testing.T) {
	body := `{"query":"mutation Load { bulkCreate(entity: \"book\", input: []) { __typename } }","operationName":"Load","variables":{"n":12345678901234567890}}`
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json; charset=utf-8")

	env, err := DecodeEnvelope(req)
	require.NoError(t, err)
	assert.Equal(t, "Load", env.OperationName)
	assert.Equal(t, len(env.Query), env.DocumentSizeBytes)
	assert.Equal(t, json.Number("12345678901234567890"), env.Variables["n"])

	rest, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(rest))
}

func TestDecodeEnvelopeVariants(t *testing.T) {
	get := httptest.NewRequest(http.MethodGet, `/graphql?query=%7Bentities%7Bname%7D%7D&operationName=List&variables=%7B%22a%22%3A1%7D`, nil)
	env, err := DecodeEnvelope(get)
	require.NoError(t, err)
	assert.Equal(t, "{entities{name}}", env.Query)
	assert.Equal(t, "List", env.OperationName)
	assert.Contains(t, env.Variables, "a")

	raw := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{ entities { name } }"))
	raw.Header.Set("Content-Type", "application/graphql")
	env, err = DecodeEnvelope(raw)
	require.NoError(t, err)
	assert.Equal(t, "{ entities { name } }", env.Query)

	bad := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{not json"))
	_, err = DecodeEnvelope(bad)
	assert.Error(t, err)

	put := httptest.NewRequest(http.MethodPut, "/graphql", strings.NewReader("{}"))
	env, err = DecodeEnvelope(put)
	require.NoError(t, err)
	assert.Empty(t, env.Query)

	_, err = DecodeEnvelope(nil)
	assert.Error(t, err)
}

func TestAnalyzeEnvelopeBulkCreates(t *testing.T) {
	tests := []struct {
		name      string
		env       Envelope
		wantType  string
		wantName  string
		entities  []string
		inputRows int
	}{
		{
			name: "literal arguments",
			env: Envelope{Query: `mutation {
				bulkCreate(entity: "book", input: [{title: "a"}, {title: "b"}]) { __typename }
			}`},
			wantType:  "mutation",
			wantName:  "bulkCreate(book)",
			entities:  []string{"book"},
			inputRows: 2,
		},
		{
			name: "variables",
			env: Envelope{
				Query:     `mutation Load($e: String!, $rows: [JSON!]!) { bulkCreate(entity: $e, input: $rows) { __typename } }`,
				Variables: map[string]any{"e": "author", "rows": []any{map[string]any{}, map[string]any{}, map[string]any{}}},
			},
			wantType:  "mutation",
			wantName:  "Load",
			entities:  []string{"author"},
			inputRows: 3,
		},
		{
			name: "aliased fields add up",
			env: Envelope{Query: `mutation M {
				a: bulkCreate(entity: "book", input: [{}]) { __typename }
				b: bulkCreate(entity: "tag", input: [{}, {}]) { __typename }
			}`},
			wantType:  "mutation",
			wantName:  "M",
			entities:  []string{"book", "tag"},
			inputRows: 3,
		},
		{
			name: "root fragment",
			env: Envelope{Query: `mutation F { ...load }
				fragment load on Mutation { bulkCreate(entity: "tag", input: [{}]) { __typename } }`},
			wantType:  "mutation",
			wantName:  "F",
			entities:  []string{"tag"},
			inputRows: 1,
		},
		{
			name: "selects the named operation",
			env: Envelope{
				Query:         `query A { entities { name } } mutation B { bulkCreate(entity: "tag", input: []) { __typename } }`,
				OperationName: "B",
			},
			wantType: "mutation",
			wantName: "B",
			entities: []string{"tag"},
		},
		{
			name:     "query",
			env:      Envelope{Query: `query Q { entities { name } }`},
			wantType: "query",
			wantName: "Q",
		},
		{
			name: "unnamed load is labelled by its entities",
			env: Envelope{Query: `mutation {
				a: bulkCreate(entity: "tag", input: [{}]) { __typename }
				b: bulkCreate(entity: "book", input: [{}]) { __typename }
				c: bulkCreate(entity: "tag", input: [{}]) { __typename }
			}`},
			wantType:  "mutation",
			wantName:  "bulkCreate(book,tag)",
			entities:  []string{"tag", "book", "tag"},
			inputRows: 3,
		},
		{
			name:     "unnamed query",
			env:      Envelope{Query: `{ entities { name } }`},
			wantType: "query",
			wantName: anonymousOperationName,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			a := AnalyzeEnvelope(tt.env)
			require.True(t, a.Valid())
			assert.Equal(t, tt.wantType, a.OperationType)
			assert.Equal(t, tt.wantName, a.OperationName)
			assert.Equal(t, tt.entities, a.Entities)
			assert.Equal(t, tt.inputRows, a.InputRows)
			assert.Len(t, a.OperationHash, 64)
		})
	}
}

func TestAnalyzeEnvelopeFailures(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{})
	assert.False(t, a.Valid())
	assert.NoError(t, a.ParseError)

	a = AnalyzeEnvelope(Envelope{Query: "mutation {"})
	assert.Error(t, a.ParseError)

	a = AnalyzeEnvelope(Envelope{Query: "query A { entities { name } }", OperationName: "Missing"})
	assert.EqualError(t, a.SelectionError, `unknown operation named "Missing"`)

	a = AnalyzeEnvelope(Envelope{Query: "query A { entities { name } } query B { entities { name } }"})
	assert.Error(t, a.SelectionError)

	a = AnalyzeEnvelope(Envelope{Query: "query A { ...missing }"})
	assert.Error(t, a.CanonicalizeErr)
}

func TestOperationHashIgnoresFormatting(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{Query: `mutation Load { bulkCreate(entity: "tag", input: []) { __typename } }`})
	b := AnalyzeEnvelope(Envelope{Query: "mutation Load {\n  bulkCreate(entity: \"tag\", input: []) {\n    __typename\n  }\n}"})
	c := AnalyzeEnvelope(Envelope{Query: `mutation Other { bulkCreate(entity: "tag", input: []) { __typename } }`})

	assert.Equal(t, a.OperationHash, b.OperationHash)
	assert.NotEqual(t, a.OperationHash, c.OperationHash)
}

func TestOperationHashFollowsReachableFragmentsOnly(t *testing.T) {
	base := `mutation Load { ...outer }
		fragment outer on Mutation { ...inner }
		fragment inner on Mutation { bulkCreate(entity: "tag", input: []) { __typename } }`
	a := AnalyzeEnvelope(Envelope{Query: base})
	b := AnalyzeEnvelope(Envelope{Query: base + ` fragment unused on Mutation { __typename }`})
	require.True(t, a.Valid())

	assert.Equal(t, a.OperationHash, b.OperationHash)
	assert.Contains(t, a.CanonicalOperation, "fragment inner")
	assert.NotContains(t, b.CanonicalOperation, "fragment unused")
	assert.Equal(t, []string{"tag"}, a.Entities)
}

func TestOperationHashDependsOnNameNotLabel(t *testing.T) {
	a := AnalyzeEnvelope(Envelope{
		Query:     `mutation ($e: String!) { bulkCreate(entity: $e, input: []) { __typename } }`,
		Variables: map[string]any{"e": "tag"},
	})
	b := AnalyzeEnvelope(Envelope{
		Query:     `mutation ($e: String!) { bulkCreate(entity: $e, input: []) { __typename } }`,
		Variables: map[string]any{"e": "book"},
	})

	assert.Equal(t, "bulkCreate(tag)", a.OperationName)
	assert.Equal(t, "bulkCreate(book)", b.OperationName)
	assert.Equal(t, a.OperationHash, b.OperationHash, "variables do not change the operation identity")
}

func TestAnalyzeRequestKeepsDecodeError(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/graphql", strings.NewReader("{not json"))
	a := AnalyzeRequest(req)
	assert.Error(t, a.DecodeError)
	assert.False(t, a.Valid())
}
