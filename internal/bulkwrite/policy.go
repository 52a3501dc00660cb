// Package bulkwrite writes batches of rows for one table with conflict
// handling, in-batch de-duplication and input-order results.
package bulkwrite

import (
	"fmt"
	"strings"
)

// ConflictAction selects what happens when a row collides with an existing one.
type ConflictAction int

const (
	// ConflictError aborts the statement on any unique-constraint collision.
	ConflictError ConflictAction = iota
	// ConflictIgnore keeps the existing row untouched.
	ConflictIgnore
	// ConflictReplace overwrites every column the colliding row supplied.
	ConflictReplace
	// ConflictUpdateColumns overwrites only the listed properties.
	ConflictUpdateColumns
)

func (a ConflictAction) String() string {
	switch a {
	case ConflictError:
		return "error"
	case ConflictIgnore:
		return "ignore"
	case ConflictReplace:
		return "replace"
	case ConflictUpdateColumns:
		return "update_columns"
	default:
		return fmt.Sprintf("ConflictAction(%d)", int(a))
	}
}

// ParseConflictAction accepts the names produced by String, case-insensitively.
func ParseConflictAction(value string) (ConflictAction, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "error":
		return ConflictError, nil
	case "ignore":
		return ConflictIgnore, nil
	case "replace":
		return ConflictReplace, nil
	case "update_columns", "updatecolumns":
		return ConflictUpdateColumns, nil
	default:
		return ConflictError, fmt.Errorf("unknown conflict action %q (use error, ignore, replace or update_columns)", value)
	}
}

// ConflictPolicy is a conflict action plus, for ConflictUpdateColumns, the
// properties to overwrite. The zero value is the Error policy.
type ConflictPolicy struct {
	Action  ConflictAction
	Columns []string
}

// ErrorPolicy aborts on collisions.
func ErrorPolicy() ConflictPolicy { return ConflictPolicy{Action: ConflictError} }

// IgnorePolicy keeps existing rows.
func IgnorePolicy() ConflictPolicy { return ConflictPolicy{Action: ConflictIgnore} }

// ReplacePolicy overwrites supplied columns of existing rows.
func ReplacePolicy() ConflictPolicy { return ConflictPolicy{Action: ConflictReplace} }

// UpdateColumnsPolicy overwrites the named properties of existing rows.
func UpdateColumnsPolicy(properties ...string) ConflictPolicy {
	return ConflictPolicy{Action: ConflictUpdateColumns, Columns: properties}
}

// Updates reports whether the policy may modify existing rows.
func (p ConflictPolicy) Updates() bool {
	return p.Action == ConflictReplace || p.Action == ConflictUpdateColumns
}

func (p ConflictPolicy) String() string {
	if p.Action == ConflictUpdateColumns {
		return p.Action.String() + "(" + strings.Join(p.Columns, ",") + ")"
	}
	return p.Action.String()
}

// Action tags what happened to one input row.
type Action string

const (
	ActionInserted Action = "inserted"
	// ActionExisting means the row matched an existing one that was left alone.
	ActionExisting Action = "existing"
	// ActionUpdated means the row matched an existing one that was overwritten.
	ActionUpdated Action = "updated"
	// ActionDuplicate means the row collided with an earlier row of the same batch.
	ActionDuplicate Action = "duplicate"
)

// Writes reports whether the action changed the table.
func (a Action) Writes() bool {
	return a == ActionInserted || a == ActionUpdated
}
