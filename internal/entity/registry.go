package entity

import (
	"bytes"
	"fmt"
	"os"
	"strings"

	"github.com/jinzhu/inflection"
	"gopkg.in/yaml.v3"
)

// Registry holds every entity descriptor known to the engine.
type Registry struct {
	entities map[string]*Entity
	order    []string
}

type schemaFile struct {
	Entities []entityDoc `yaml:"entities"`
}

type entityDoc struct {
	Name              string             `yaml:"name"`
	Table             string             `yaml:"table"`
	Identity          []string           `yaml:"identity"`
	Properties        []Property         `yaml:"properties"`
	UniqueConstraints []UniqueConstraint `yaml:"unique_constraints"`
	Relations         []Relation         `yaml:"relations"`
	Capabilities      *capabilitiesDoc   `yaml:"capabilities"`
}

type capabilitiesDoc struct {
	Insert *bool `yaml:"insert"`
	Update *bool `yaml:"update"`
}

// LoadFile reads a YAML schema file.
func LoadFile(path string) (*Registry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read entity schema %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML schema document. Unknown keys are rejected.
func Parse(data []byte) (*Registry, error) {
	var doc schemaFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode entity schema: %w", err)
	}

	entities := make([]*Entity, 0, len(doc.Entities))
	for _, d := range doc.Entities {
		ent := &Entity{
			Name:              strings.TrimSpace(d.Name),
			Table:             strings.TrimSpace(d.Table),
			Properties:        d.Properties,
			Identity:          d.Identity,
			UniqueConstraints: d.UniqueConstraints,
			Relations:         d.Relations,
			Capabilities:      Capabilities{Insert: true, Update: true},
		}
		if d.Capabilities != nil {
			if d.Capabilities.Insert != nil {
				ent.Capabilities.Insert = *d.Capabilities.Insert
			}
			if d.Capabilities.Update != nil {
				ent.Capabilities.Update = *d.Capabilities.Update
			}
		}
		if ent.Table == "" {
			ent.Table = ent.Name
		}
		for i := range ent.Properties {
			if ent.Properties[i].Column == "" {
				ent.Properties[i].Column = ent.Properties[i].Name
			}
		}
		entities = append(entities, ent)
	}
	return NewRegistry(entities...)
}

// NewRegistry validates and indexes the given descriptors.
func NewRegistry(entities ...*Entity) (*Registry, error) {
	reg := &Registry{entities: make(map[string]*Entity, len(entities))}
	for _, ent := range entities {
		if ent.Name == "" {
			return nil, fmt.Errorf("entity name is required")
		}
		if _, dup := reg.entities[ent.Name]; dup {
			return nil, fmt.Errorf("entity %q declared twice", ent.Name)
		}
		ent.index()
		if err := validateProperties(ent); err != nil {
			return nil, err
		}
		reg.entities[ent.Name] = ent
		reg.order = append(reg.order, ent.Name)
	}

	for _, name := range reg.order {
		ent := reg.entities[name]
		for i := range ent.Relations {
			rel := &ent.Relations[i]
			rel.LocalEntity = ent.Name
			if err := reg.validateRelation(ent, rel); err != nil {
				return nil, err
			}
		}
		seen := make(map[string]bool, len(ent.Relations))
		for _, rel := range ent.Relations {
			if seen[rel.Name] {
				return nil, fmt.Errorf("entity %q: relation %q declared twice", ent.Name, rel.Name)
			}
			if ent.HasProperty(rel.Name) {
				return nil, fmt.Errorf("entity %q: relation %q collides with a property name", ent.Name, rel.Name)
			}
			seen[rel.Name] = true
		}
	}
	return reg, nil
}

func validateProperties(ent *Entity) error {
	if len(ent.Properties) == 0 {
		return fmt.Errorf("entity %q has no properties", ent.Name)
	}
	if len(ent.byName) != len(ent.Properties) {
		return fmt.Errorf("entity %q declares a property twice", ent.Name)
	}
	for _, p := range ent.Properties {
		if p.Name == "" {
			return fmt.Errorf("entity %q has a property without a name", ent.Name)
		}
		if p.DataType == "" {
			return fmt.Errorf("entity %q: property %q needs a data_type", ent.Name, p.Name)
		}
	}
	for _, p := range ent.Identity {
		if !ent.HasProperty(p) {
			return fmt.Errorf("entity %q: identity property %q is not declared", ent.Name, p)
		}
	}
	for _, uc := range ent.UniqueConstraints {
		if len(uc.Properties) == 0 {
			return fmt.Errorf("entity %q: unique constraint %q has no properties", ent.Name, uc.Name)
		}
		for _, p := range uc.Properties {
			if !ent.HasProperty(p) {
				return fmt.Errorf("entity %q: unique constraint %q uses unknown property %q", ent.Name, uc.Name, p)
			}
		}
	}
	return nil
}

func (r *Registry) validateRelation(ent *Entity, rel *Relation) error {
	remote, ok := r.entities[rel.RemoteEntity]
	if !ok {
		return fmt.Errorf("entity %q: relation to unknown entity %q", ent.Name, rel.RemoteEntity)
	}
	if len(rel.LocalProperties) == 0 || len(rel.LocalProperties) != len(rel.RemoteProperties) {
		return fmt.Errorf("entity %q: relation to %q needs matching local and remote properties", ent.Name, rel.RemoteEntity)
	}
	for _, p := range rel.LocalProperties {
		if !ent.HasProperty(p) {
			return fmt.Errorf("entity %q: relation uses unknown local property %q", ent.Name, p)
		}
	}
	for _, p := range rel.RemoteProperties {
		if !remote.HasProperty(p) {
			return fmt.Errorf("entity %q: relation uses unknown property %q on %q", ent.Name, p, remote.Name)
		}
	}
	if rel.Name == "" {
		rel.Name = DefaultRelationName(rel.RemoteEntity, rel.Referencing)
	}
	return nil
}

// DefaultRelationName names a relation after its remote entity: singular for
// many-to-one edges, plural for one-to-many edges.
func DefaultRelationName(remote string, referencing bool) string {
	if referencing {
		return inflection.Singular(remote)
	}
	return inflection.Plural(remote)
}

// Entity returns the named descriptor.
func (r *Registry) Entity(name string) (*Entity, bool) {
	if r == nil {
		return nil, false
	}
	ent, ok := r.entities[name]
	return ent, ok
}

// Entities returns all descriptors in declaration order.
func (r *Registry) Entities() []*Entity {
	if r == nil {
		return nil
	}
	out := make([]*Entity, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.entities[name])
	}
	return out
}
