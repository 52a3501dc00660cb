// Package entity describes the tables the bulk-create engine writes to.
// Descriptors are loaded once from a schema file and are read-only afterwards.
package entity

import (
	"slices"
)

// Property maps a logical attribute name onto a physical column.
type Property struct {
	Name     string `yaml:"name"`
	Column   string `yaml:"column"`
	DataType string `yaml:"data_type"`
	// Required marks NOT NULL columns without a server default.
	Required bool `yaml:"required"`
}

// UniqueConstraint is a set of properties that identifies at most one row.
type UniqueConstraint struct {
	Name       string   `yaml:"name"`
	Properties []string `yaml:"properties"`
}

// Relation is a foreign-key edge seen from its owning entity.
//
// When Referencing is true the owner's LocalProperties point at the remote
// entity's RemoteProperties (many-to-one). Otherwise the remote entity's
// RemoteProperties point at the owner's LocalProperties (one-to-many).
type Relation struct {
	Name             string   `yaml:"name"`
	LocalEntity      string   `yaml:"-"`
	RemoteEntity     string   `yaml:"entity"`
	LocalProperties  []string `yaml:"local"`
	RemoteProperties []string `yaml:"remote"`
	Referencing      bool     `yaml:"referencing"`
}

// Capabilities lists the write operations a table accepts.
type Capabilities struct {
	Insert bool
	Update bool
}

// Entity is the immutable descriptor of one table.
type Entity struct {
	Name              string
	Table             string
	Properties        []Property
	Identity          []string
	UniqueConstraints []UniqueConstraint
	Relations         []Relation
	Capabilities      Capabilities

	byName map[string]int
}

func (e *Entity) index() {
	e.byName = make(map[string]int, len(e.Properties))
	for i, p := range e.Properties {
		e.byName[p.Name] = i
	}
}

// Property returns the named property.
func (e *Entity) Property(name string) (Property, bool) {
	i, ok := e.byName[name]
	if !ok {
		return Property{}, false
	}
	return e.Properties[i], true
}

// HasProperty reports whether name is a declared property.
func (e *Entity) HasProperty(name string) bool {
	_, ok := e.byName[name]
	return ok
}

// Column returns the physical column of a property, or "" when unknown.
func (e *Entity) Column(name string) string {
	p, ok := e.Property(name)
	if !ok {
		return ""
	}
	return p.Column
}

// PropertyIndex returns the declaration position of a property, or -1.
func (e *Entity) PropertyIndex(name string) int {
	i, ok := e.byName[name]
	if !ok {
		return -1
	}
	return i
}

// SortProperties orders names by declaration order in place.
func (e *Entity) SortProperties(names []string) {
	slices.SortFunc(names, func(a, b string) int {
		return e.PropertyIndex(a) - e.PropertyIndex(b)
	})
}

// IsIdentity reports whether the property is part of the primary key.
func (e *Entity) IsIdentity(name string) bool {
	return slices.Contains(e.Identity, name)
}

// Relation returns the named relation.
func (e *Entity) Relation(name string) (Relation, bool) {
	for _, r := range e.Relations {
		if r.Name == name {
			return r, true
		}
	}
	return Relation{}, false
}

// CoveredConstraints returns the identity key and every unique constraint
// whose properties are all contained in used. The identity key comes first.
func (e *Entity) CoveredConstraints(used map[string]bool) [][]string {
	var covered [][]string
	seen := make(map[string]bool)
	add := func(props []string) {
		if len(props) == 0 {
			return
		}
		for _, p := range props {
			if !used[p] {
				return
			}
		}
		key := constraintKey(props)
		if seen[key] {
			return
		}
		seen[key] = true
		covered = append(covered, props)
	}
	add(e.Identity)
	for _, uc := range e.UniqueConstraints {
		add(uc.Properties)
	}
	return covered
}

func constraintKey(props []string) string {
	sorted := slices.Clone(props)
	slices.Sort(sorted)
	key := ""
	for _, p := range sorted {
		key += p + "\x00"
	}
	return key
}
