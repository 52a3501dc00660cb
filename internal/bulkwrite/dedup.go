package bulkwrite

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"pgbulk/internal/entity"
)

// Row is one input row keyed by property name. A missing key means the
// property was not supplied and the column default applies. A nil value is
// an explicit NULL.
type Row map[string]any

// usedProperties returns the union of supplied properties in declaration order.
func usedProperties(ent *entity.Entity, rows []Row) []string {
	seen := make(map[string]bool)
	var used []string
	for _, row := range rows {
		for prop := range row {
			if !seen[prop] {
				seen[prop] = true
				used = append(used, prop)
			}
		}
	}
	ent.SortProperties(used)
	return used
}

func propertySet(props []string) map[string]bool {
	set := make(map[string]bool, len(props))
	for _, p := range props {
		set[p] = true
	}
	return set
}

// shapeKey identifies the set of properties a row supplies.
func shapeKey(ent *entity.Entity, row Row) string {
	props := make([]string, 0, len(row))
	for p := range row {
		props = append(props, p)
	}
	ent.SortProperties(props)
	return strings.Join(props, "\x00")
}

// groupRoots collapses rows that collide on any constraint into groups and
// returns, for every row, the index of its group's first row. Collisions are
// transitive. NULL and absent values never collide.
func groupRoots(rows []Row, constraints [][]string) []int {
	parent := make([]int, len(rows))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		ra, rb := find(a), find(b)
		if ra == rb {
			return
		}
		if ra < rb {
			parent[rb] = ra
		} else {
			parent[ra] = rb
		}
	}

	for ci, props := range constraints {
		firstByKey := make(map[string]int)
		for i, row := range rows {
			key, ok := constraintValueKey(ci, props, row)
			if !ok {
				continue
			}
			if first, exists := firstByKey[key]; exists {
				union(first, i)
				continue
			}
			firstByKey[key] = i
		}
	}

	roots := make([]int, len(rows))
	for i := range rows {
		roots[i] = find(i)
	}
	return roots
}

func constraintValueKey(index int, props []string, row Row) (string, bool) {
	var b strings.Builder
	b.WriteString(strconv.Itoa(index))
	for _, p := range props {
		v, present := row[p]
		if !present {
			return "", false
		}
		part, ok := valueKey(v)
		if !ok {
			return "", false
		}
		b.WriteByte('|')
		b.WriteString(strconv.Itoa(len(part)))
		b.WriteByte(':')
		b.WriteString(part)
	}
	return b.String(), true
}

// valueKey renders a value so that equal database values compare equal,
// regardless of which Go numeric type carried them.
func valueKey(v any) (string, bool) {
	switch x := v.(type) {
	case nil:
		return "", false
	case string:
		return "s" + x, true
	case []byte:
		return "s" + string(x), true
	case bool:
		return "b" + strconv.FormatBool(x), true
	case int:
		return "i" + strconv.FormatInt(int64(x), 10), true
	case int8:
		return "i" + strconv.FormatInt(int64(x), 10), true
	case int16:
		return "i" + strconv.FormatInt(int64(x), 10), true
	case int32:
		return "i" + strconv.FormatInt(int64(x), 10), true
	case int64:
		return "i" + strconv.FormatInt(x, 10), true
	case uint:
		return "i" + strconv.FormatUint(uint64(x), 10), true
	case uint8:
		return "i" + strconv.FormatUint(uint64(x), 10), true
	case uint16:
		return "i" + strconv.FormatUint(uint64(x), 10), true
	case uint32:
		return "i" + strconv.FormatUint(uint64(x), 10), true
	case uint64:
		return "i" + strconv.FormatUint(x, 10), true
	case float32:
		return floatKey(float64(x)), true
	case float64:
		return floatKey(x), true
	case json.Number:
		if n, err := x.Int64(); err == nil {
			return "i" + strconv.FormatInt(n, 10), true
		}
		if f, err := x.Float64(); err == nil {
			return floatKey(f), true
		}
		return "s" + x.String(), true
	case time.Time:
		return "t" + x.UTC().Format(time.RFC3339Nano), true
	default:
		return fmt.Sprintf("%T%v", x, x), true
	}
}

func floatKey(f float64) string {
	if f == math.Trunc(f) && math.Abs(f) < 1<<53 {
		return "i" + strconv.FormatInt(int64(f), 10)
	}
	return "f" + strconv.FormatFloat(f, 'g', -1, 64)
}
