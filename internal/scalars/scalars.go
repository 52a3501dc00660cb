// Package scalars defines the custom GraphQL scalars of the bulk-create API.
package scalars

import (
	"encoding/json"
	"math"
	"strconv"

	"github.com/graphql-go/graphql"
	"github.com/graphql-go/graphql/language/ast"
)

// maxSafeInteger is the largest integer a float64 holds exactly.
const maxSafeInteger = 1 << 53

// JSON carries structured values: objects, lists, strings, numbers, booleans.
// Integral numbers are parsed to int64 so they bind as integers. Integers
// beyond the float64-exact range must be sent as strings.
func JSON() *graphql.Scalar {
	return graphql.NewScalar(graphql.ScalarConfig{
		Name:        "JSON",
		Description: "Arbitrary JSON value.",
		Serialize:   serializeJSON,
		ParseValue: func(value interface{}) interface{} {
			return normalizeJSON(value)
		},
		ParseLiteral: parseJSONLiteral,
	})
}

func serializeJSON(value interface{}) interface{} {
	switch v := value.(type) {
	case []byte:
		return string(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = serializeJSON(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = serializeJSON(item)
		}
		return out
	default:
		return v
	}
}

func normalizeJSON(value interface{}) interface{} {
	switch v := value.(type) {
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= maxSafeInteger {
			return int64(v)
		}
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return i
		}
		if f, err := v.Float64(); err == nil {
			return f
		}
		return v.String()
	case int:
		return int64(v)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for key, item := range v {
			out[key] = normalizeJSON(item)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = normalizeJSON(item)
		}
		return out
	default:
		return v
	}
}

func parseJSONLiteral(valueAST ast.Value) interface{} {
	switch v := valueAST.(type) {
	case *ast.StringValue:
		return v.Value
	case *ast.BooleanValue:
		return v.Value
	case *ast.EnumValue:
		return v.Value
	case *ast.IntValue:
		if i, err := strconv.ParseInt(v.Value, 10, 64); err == nil {
			return i
		}
		// Out of int64 range: keep the digits and let the column type decide.
		return v.Value
	case *ast.FloatValue:
		if f, err := strconv.ParseFloat(v.Value, 64); err == nil {
			return f
		}
		return nil
	case *ast.ListValue:
		out := make([]interface{}, 0, len(v.Values))
		for _, item := range v.Values {
			out = append(out, parseJSONLiteral(item))
		}
		return out
	case *ast.ObjectValue:
		out := make(map[string]interface{}, len(v.Fields))
		for _, field := range v.Fields {
			if field.Name == nil {
				continue
			}
			out[field.Name.Value] = parseJSONLiteral(field.Value)
		}
		return out
	default:
		return nil
	}
}
