package scalars

import (
	"encoding/json"
	"testing"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/stretchr/testify/assert"
)

func TestJSONParseValue(t *testing.T) {
	scalar := JSON()

	got := scalar.ParseValue(map[string]interface{}{
		"id":    float64(42),
		"price": 9.5,
		"huge":  float64(1 << 60),
		"tags":  []interface{}{"a", float64(1)},
		"count": json.Number("7"),
		"ratio": json.Number("0.25"),
		"ok":    true,
		"none":  nil,
	})
	assert.Equal(t, map[string]interface{}{
		"id":    int64(42),
		"price": 9.5,
		"huge":  float64(1 << 60),
		"tags":  []interface{}{"a", int64(1)},
		"count": int64(7),
		"ratio": 0.25,
		"ok":    true,
		"none":  nil,
	}, got)

	assert.Equal(t, "text", scalar.ParseValue("text"))
	assert.Equal(t, int64(3), scalar.ParseValue(3))
}

func TestJSONParseLiteral(t *testing.T) {
	scalar := JSON()

	literal := &ast.ObjectValue{Fields: []*ast.ObjectField{
		{Name: &ast.Name{Value: "title"}, Value: &ast.StringValue{Value: "Dune"}},
		{Name: &ast.Name{Value: "pages"}, Value: &ast.IntValue{Value: "412"}},
		{Name: &ast.Name{Value: "rating"}, Value: &ast.FloatValue{Value: "4.5"}},
		{Name: &ast.Name{Value: "inPrint"}, Value: &ast.BooleanValue{Value: true}},
		{Name: &ast.Name{Value: "isbn"}, Value: &ast.IntValue{Value: "97801234567890123456"}},
		{Name: &ast.Name{Value: "authors"}, Value: &ast.ListValue{Values: []ast.Value{
			&ast.ObjectValue{Fields: []*ast.ObjectField{
				{Name: &ast.Name{Value: "name"}, Value: &ast.StringValue{Value: "Frank"}},
			}},
		}}},
	}}

	assert.Equal(t, map[string]interface{}{
		"title":   "Dune",
		"pages":   int64(412),
		"rating":  4.5,
		"inPrint": true,
		"isbn":    "97801234567890123456",
		"authors": []interface{}{map[string]interface{}{"name": "Frank"}},
	}, scalar.ParseLiteral(literal))

	assert.Equal(t, "ACTIVE", scalar.ParseLiteral(&ast.EnumValue{Value: "ACTIVE"}))
	assert.Nil(t, scalar.ParseLiteral(&ast.Variable{Name: &ast.Name{Value: "x"}}))
}

func TestJSONSerialize(t *testing.T) {
	scalar := JSON()

	assert.Equal(t, map[string]interface{}{
		"id":   int64(1),
		"blob": "raw",
		"list": []interface{}{"nested"},
	}, scalar.Serialize(map[string]interface{}{
		"id":   int64(1),
		"blob": []byte("raw"),
		"list": []interface{}{[]byte("nested")},
	}))
	assert.Nil(t, scalar.Serialize(nil))
}
