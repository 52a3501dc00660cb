// Package sqltype groups PostgreSQL column types into the categories input
// values are checked against, and converts decoded JSON values into the Go
// values the driver binds for them.
package sqltype

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/shopspring/decimal"

	"pgbulk/internal/uuidutil"
)

// Category is the kind of value a column accepts.
type Category int

const (
	// CategoryText is the default for character, temporal and unknown types.
	CategoryText Category = iota
	CategoryInteger
	CategoryFloat
	// CategoryNumeric holds arbitrary precision values. They travel as the
	// canonical decimal string, so "1.50" and "1.5" bind identically.
	CategoryNumeric
	CategoryBoolean
	CategoryJSON
	CategoryUUID
	CategoryBytes
	CategoryArray
)

// Categorize maps a PostgreSQL type name to its category. The input is
// case-insensitive; modifiers like (10,2) and a "pg_catalog." prefix are ignored.
func Categorize(dataType string) Category {
	t := strings.ToLower(strings.TrimSpace(dataType))
	if strings.HasSuffix(t, "[]") || strings.HasPrefix(t, "_") {
		return CategoryArray
	}
	if idx := strings.Index(t, "("); idx != -1 {
		t = strings.TrimSpace(t[:idx])
	}
	t = strings.TrimPrefix(t, "pg_catalog.")

	switch t {
	case "smallint", "integer", "int", "bigint", "int2", "int4", "int8",
		"smallserial", "serial", "bigserial", "serial2", "serial4", "serial8":
		return CategoryInteger
	case "real", "double precision", "float", "float4", "float8":
		return CategoryFloat
	case "numeric", "decimal", "money":
		return CategoryNumeric
	case "boolean", "bool":
		return CategoryBoolean
	case "json", "jsonb":
		return CategoryJSON
	case "uuid":
		return CategoryUUID
	case "bytea":
		return CategoryBytes
	default:
		return CategoryText
	}
}

func (c Category) String() string {
	switch c {
	case CategoryInteger:
		return "integer"
	case CategoryFloat:
		return "float"
	case CategoryNumeric:
		return "numeric"
	case CategoryBoolean:
		return "boolean"
	case CategoryJSON:
		return "json"
	case CategoryUUID:
		return "uuid"
	case CategoryBytes:
		return "bytes"
	case CategoryArray:
		return "array"
	default:
		return "text"
	}
}

// Coerce converts a decoded JSON value for a column of category c. Nil stays nil.
func Coerce(c Category, value any) (any, error) {
	if value == nil {
		return nil, nil
	}
	switch c {
	case CategoryInteger:
		return coerceInteger(value)
	case CategoryFloat:
		return coerceFloat(value)
	case CategoryNumeric:
		return coerceNumeric(value)
	case CategoryBoolean:
		if b, ok := value.(bool); ok {
			return b, nil
		}
		return nil, fmt.Errorf("expected a boolean")
	case CategoryJSON:
		// Every JSON value is stored as its document, including bare strings.
		encoded, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("expected a JSON value: %w", err)
		}
		return string(encoded), nil
	case CategoryUUID:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a UUID string")
		}
		_, canonical, err := uuidutil.ParseString(s)
		if err != nil {
			return nil, err
		}
		return canonical, nil
	case CategoryBytes:
		s, ok := value.(string)
		if !ok {
			return nil, fmt.Errorf("expected a base64 string")
		}
		decoded, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("expected a base64 string")
		}
		return decoded, nil
	case CategoryArray:
		if list, ok := value.([]any); ok {
			return list, nil
		}
		return nil, fmt.Errorf("expected a list")
	default:
		return coerceText(value)
	}
}

func coerceInteger(value any) (any, error) {
	switch v := value.(type) {
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case int32:
		return int64(v), nil
	case float64:
		if v == math.Trunc(v) && math.Abs(v) <= 1<<53 {
			return int64(v), nil
		}
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return n, nil
		}
	case string:
		if n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64); err == nil {
			return n, nil
		}
	}
	return nil, fmt.Errorf("expected an integer")
}

func coerceFloat(value any) (any, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	case int:
		return float64(v), nil
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return f, nil
		}
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, nil
		}
	}
	return nil, fmt.Errorf("expected a number")
}

func coerceNumeric(value any) (any, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch v := value.(type) {
	case json.Number:
		d, err = decimal.NewFromString(v.String())
	case int64:
		d = decimal.NewFromInt(v)
	case int:
		d = decimal.NewFromInt(int64(v))
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("expected a decimal number")
		}
		d = decimal.NewFromFloat(v)
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(v))
	default:
		return nil, fmt.Errorf("expected a decimal number")
	}
	if err != nil {
		return nil, fmt.Errorf("expected a decimal number")
	}
	return d.String(), nil
}

func coerceText(value any) (any, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case json.Number:
		return v.String(), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case bool:
		return strconv.FormatBool(v), nil
	}
	return nil, fmt.Errorf("expected a string")
}
