package nestedcreate

import (
	"pgbulk/internal/entity"
	"pgbulk/internal/mutationerr"
	"pgbulk/internal/sqltype"
)

// Reserved input keys.
const (
	// KeyField names an input so other inputs of the same request can point at it.
	KeyField = "$key"
	// RefField points at an input declared elsewhere with KeyField.
	RefField = "$ref"
)

// EntityInput is one row to create plus the related rows to create with it.
type EntityInput struct {
	Key        string
	Ref        string
	Attributes map[string]any
	// Relations maps a relation name of the entity to the rows on its other
	// side. Many-to-one relations hold exactly one input.
	Relations map[string][]EntityInput
}

// DecodeInput splits a raw object into attributes and nested relations using
// the relations declared on ent. Attribute values are converted to the Go
// type their column's data type binds as.
func DecodeInput(reg *entity.Registry, ent *entity.Entity, raw map[string]any) (EntityInput, error) {
	in := EntityInput{Attributes: make(map[string]any)}
	for key, value := range raw {
		switch key {
		case KeyField, RefField:
			s, ok := value.(string)
			if !ok || s == "" {
				return EntityInput{}, mutationerr.Validationf("%s must be a non-empty string", key).At(ent.Name, key, 0)
			}
			if key == KeyField {
				in.Key = s
			} else {
				in.Ref = s
			}
			continue
		}
		if _, isRelation := ent.Relation(key); isRelation {
			continue
		}
		if prop, ok := ent.Property(key); ok {
			coerced, err := sqltype.Coerce(sqltype.Categorize(prop.DataType), value)
			if err != nil {
				return EntityInput{}, mutationerr.Validationf("%s: %v", key, err).At(ent.Name, key, 0)
			}
			value = coerced
		}
		in.Attributes[key] = value
	}

	if in.Ref != "" {
		if len(raw) != 1 {
			return EntityInput{}, mutationerr.Validationf("a %s object cannot carry other fields", RefField).At(ent.Name, RefField, 0)
		}
		return in, nil
	}

	for _, rel := range ent.Relations {
		value, ok := raw[rel.Name]
		if !ok || value == nil {
			continue
		}
		remote, ok := reg.Entity(rel.RemoteEntity)
		if !ok {
			return EntityInput{}, mutationerr.Internalf("relation %s targets unknown entity %s", rel.Name, rel.RemoteEntity)
		}
		children, err := decodeRelation(reg, ent, remote, rel, value)
		if err != nil {
			return EntityInput{}, err
		}
		if in.Relations == nil {
			in.Relations = make(map[string][]EntityInput)
		}
		in.Relations[rel.Name] = children
	}
	return in, nil
}

func decodeRelation(reg *entity.Registry, ent, remote *entity.Entity, rel entity.Relation, value any) ([]EntityInput, error) {
	if rel.Referencing {
		obj, ok := value.(map[string]any)
		if !ok {
			return nil, mutationerr.Validationf("relation %s takes a single object", rel.Name).At(ent.Name, rel.Name, 0)
		}
		child, err := DecodeInput(reg, remote, obj)
		if err != nil {
			return nil, err
		}
		return []EntityInput{child}, nil
	}

	list, ok := value.([]any)
	if !ok {
		return nil, mutationerr.Validationf("relation %s takes a list of objects", rel.Name).At(ent.Name, rel.Name, 0)
	}
	children := make([]EntityInput, 0, len(list))
	for _, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, mutationerr.Validationf("relation %s takes a list of objects", rel.Name).At(ent.Name, rel.Name, 0)
		}
		child, err := DecodeInput(reg, remote, obj)
		if err != nil {
			return nil, err
		}
		children = append(children, child)
	}
	return children, nil
}
