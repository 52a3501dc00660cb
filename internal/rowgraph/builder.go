// Package rowgraph orders nested row creation by foreign-key dependencies.
//
// Each row to create is a Builder whose attributes are either constants or
// pending references to an attribute of another Builder. The Graph writes
// dependency-free builders in layers and feeds returned values (generated
// keys, defaults) into the builders waiting on them.
package rowgraph

import (
	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/entity"
)

// SlotKind tells whether an attribute is known or still waiting on another row.
type SlotKind int

const (
	SlotConstant SlotKind = iota
	SlotPending
)

// Slot is the value of one builder attribute.
type Slot struct {
	Kind  SlotKind
	Value any
	// Source and SourceAttribute name the attribute a pending slot waits for.
	Source          *Builder
	SourceAttribute string
}

// Constant returns a resolved slot.
func Constant(value any) Slot {
	return Slot{Kind: SlotConstant, Value: value}
}

// Pending returns a slot waiting for source's attribute.
func Pending(source *Builder, attribute string) Slot {
	return Slot{Kind: SlotPending, Source: source, SourceAttribute: attribute}
}

// IsPending reports whether the slot still waits on another builder.
func (s Slot) IsPending() bool {
	return s.Kind == SlotPending
}

type edge struct {
	waiter    *Builder
	attribute string
}

// Builder is one row to create.
type Builder struct {
	entity *entity.Entity
	values map[string]Slot
	// dependents lists, per attribute, the builders waiting for its value.
	dependents   map[string][]edge
	ordinal      int
	tableOrdinal int
	pending      int

	written        bool
	action         bulkwrite.Action
	duplicateOf    int
	resolvedAction bulkwrite.Action
}

// Entity returns the descriptor of the builder's table.
func (b *Builder) Entity() *entity.Entity {
	return b.entity
}

// Ordinal is the builder's creation position across the whole graph.
func (b *Builder) Ordinal() int {
	return b.ordinal
}

// TableOrdinal is the builder's 1-based creation position within its table.
func (b *Builder) TableOrdinal() int {
	return b.tableOrdinal
}

// Slot returns the slot of one attribute.
func (b *Builder) Slot(attribute string) (Slot, bool) {
	s, ok := b.values[attribute]
	return s, ok
}

// Ready reports whether every attribute is resolved.
func (b *Builder) Ready() bool {
	return b.pending == 0
}

// Written reports whether the row has been stored.
func (b *Builder) Written() bool {
	return b.written
}

// Action is what happened to the row. Empty for count-only writes.
func (b *Builder) Action() bulkwrite.Action {
	return b.action
}

// DuplicateOf is the table ordinal of the row this one duplicated, or zero.
func (b *Builder) DuplicateOf() int {
	return b.duplicateOf
}

// Values returns the resolved attribute values.
func (b *Builder) Values() map[string]any {
	out := make(map[string]any, len(b.values))
	for attr, slot := range b.values {
		if slot.Kind == SlotConstant {
			out[attr] = slot.Value
		}
	}
	return out
}

// Row returns the builder's outcome.
func (b *Builder) Row() RowResult {
	return RowResult{
		Ordinal:        b.tableOrdinal,
		Action:         b.action,
		DuplicateOf:    b.duplicateOf,
		ResolvedAction: b.resolvedAction,
		Values:         b.Values(),
	}
}

func (b *Builder) plainRow() bulkwrite.Row {
	row := make(bulkwrite.Row, len(b.values))
	for attr, slot := range b.values {
		row[attr] = slot.Value
	}
	return row
}

// resolve stores the written row's outcome and returned values, then hands
// each value to the builders waiting for it.
func (b *Builder) resolve(row bulkwrite.ResultRow, batch []*Builder) {
	b.written = true
	b.action = row.Action
	b.resolvedAction = row.ResolvedAction
	if row.DuplicateOf > 0 {
		b.duplicateOf = batch[row.DuplicateOf-1].tableOrdinal
	}
	for attr, value := range row.Values {
		b.values[attr] = Constant(value)
		for _, e := range b.dependents[attr] {
			e.waiter.values[e.attribute] = Constant(value)
			e.waiter.pending--
		}
		delete(b.dependents, attr)
	}
}

// RowResult is the outcome of one builder.
type RowResult struct {
	// Ordinal is the row's 1-based position among its table's rows.
	Ordinal        int
	Action         bulkwrite.Action
	DuplicateOf    int
	ResolvedAction bulkwrite.Action
	Values         map[string]any
}

// TableResult aggregates every write to one table.
type TableResult struct {
	Entity        string
	TotalCount    int
	AffectedCount int
	Rows          []RowResult
}
