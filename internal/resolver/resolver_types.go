package resolver

import (
	"github.com/graphql-go/graphql"

	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/entity"
	"pgbulk/internal/rowgraph"
)

// schemaTypes holds every named type of the schema. graphql-go requires a
// type name to map to exactly one instance.
type schemaTypes struct {
	json *graphql.Scalar

	conflictAction *graphql.Enum
	rowAction      *graphql.Enum

	conflictInput       *graphql.InputObject
	entityConflictInput *graphql.InputObject

	property         *graphql.Object
	uniqueConstraint *graphql.Object
	relation         *graphql.Object
	capabilities     *graphql.Object
	entity           *graphql.Object

	rowResult   *graphql.Object
	tableResult *graphql.Object
	success     *graphql.Object

	mutationError   *graphql.Interface
	validationError *graphql.Object
	cycleError      *graphql.Object
	conflictError   *graphql.Object
	constraintError *graphql.Object
	capabilityError *graphql.Object
	permissionError *graphql.Object
	internalError   *graphql.Object
	result          *graphql.Union
}

func newSchemaTypes(jsonScalar *graphql.Scalar) *schemaTypes {
	t := &schemaTypes{json: jsonScalar}

	t.conflictAction = graphql.NewEnum(graphql.EnumConfig{
		Name:        "ConflictAction",
		Description: "What to do when a row collides with an existing row on a unique constraint.",
		Values: graphql.EnumValueConfigMap{
			"ERROR":          &graphql.EnumValueConfig{Value: bulkwrite.ConflictError, Description: "Abort the request."},
			"IGNORE":         &graphql.EnumValueConfig{Value: bulkwrite.ConflictIgnore, Description: "Keep the existing row."},
			"REPLACE":        &graphql.EnumValueConfig{Value: bulkwrite.ConflictReplace, Description: "Overwrite every supplied column."},
			"UPDATE_COLUMNS": &graphql.EnumValueConfig{Value: bulkwrite.ConflictUpdateColumns, Description: "Overwrite only the listed columns."},
		},
	})
	t.rowAction = graphql.NewEnum(graphql.EnumConfig{
		Name: "RowAction",
		Values: graphql.EnumValueConfigMap{
			"INSERTED":  &graphql.EnumValueConfig{Value: bulkwrite.ActionInserted},
			"EXISTING":  &graphql.EnumValueConfig{Value: bulkwrite.ActionExisting},
			"UPDATED":   &graphql.EnumValueConfig{Value: bulkwrite.ActionUpdated},
			"DUPLICATE": &graphql.EnumValueConfig{Value: bulkwrite.ActionDuplicate},
		},
	})

	columns := &graphql.InputObjectFieldConfig{
		Type:        graphql.NewList(graphql.NewNonNull(graphql.String)),
		Description: "Properties to overwrite. Only valid with UPDATE_COLUMNS.",
	}
	t.conflictInput = graphql.NewInputObject(graphql.InputObjectConfig{
		Name: "ConflictInput",
		Fields: graphql.InputObjectConfigFieldMap{
			"action":  &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(t.conflictAction)},
			"columns": columns,
		},
	})
	t.entityConflictInput = graphql.NewInputObject(graphql.InputObjectConfig{
		Name:        "EntityConflictInput",
		Description: "A conflict policy for the rows of one entity.",
		Fields: graphql.InputObjectConfigFieldMap{
			"entity":  &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(graphql.String)},
			"action":  &graphql.InputObjectFieldConfig{Type: graphql.NewNonNull(t.conflictAction)},
			"columns": columns,
		},
	})

	t.buildEntityTypes()
	t.buildResultTypes()
	t.buildErrorTypes()
	return t
}

func (t *schemaTypes) buildEntityTypes() {
	stringList := graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(graphql.String)))

	t.property = graphql.NewObject(graphql.ObjectConfig{
		Name: "EntityProperty",
		Fields: graphql.Fields{
			"name": &graphql.Field{Type: graphql.NewNonNull(graphql.String), Resolve: fromProperty(func(p entity.Property) any { return p.Name })},
			"column": &graphql.Field{Type: graphql.NewNonNull(graphql.String), Resolve: fromProperty(func(p entity.Property) any {
				if p.Column == "" {
					return p.Name
				}
				return p.Column
			})},
			"dataType": &graphql.Field{Type: graphql.String, Resolve: fromProperty(func(p entity.Property) any { return p.DataType })},
			"required": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean), Resolve: fromProperty(func(p entity.Property) any { return p.Required })},
		},
	})
	t.uniqueConstraint = graphql.NewObject(graphql.ObjectConfig{
		Name: "UniqueConstraint",
		Fields: graphql.Fields{
			"name": &graphql.Field{Type: graphql.String, Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				uc, _ := p.Source.(entity.UniqueConstraint)
				return uc.Name, nil
			}},
			"properties": &graphql.Field{Type: stringList, Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				uc, _ := p.Source.(entity.UniqueConstraint)
				return nonNilStrings(uc.Properties), nil
			}},
		},
	})
	t.relation = graphql.NewObject(graphql.ObjectConfig{
		Name: "EntityRelation",
		Fields: graphql.Fields{
			"name":        &graphql.Field{Type: graphql.NewNonNull(graphql.String), Resolve: fromRelation(func(r entity.Relation) any { return r.Name })},
			"entity":      &graphql.Field{Type: graphql.NewNonNull(graphql.String), Resolve: fromRelation(func(r entity.Relation) any { return r.RemoteEntity })},
			"local":       &graphql.Field{Type: stringList, Resolve: fromRelation(func(r entity.Relation) any { return nonNilStrings(r.LocalProperties) })},
			"remote":      &graphql.Field{Type: stringList, Resolve: fromRelation(func(r entity.Relation) any { return nonNilStrings(r.RemoteProperties) })},
			"referencing": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean), Resolve: fromRelation(func(r entity.Relation) any { return r.Referencing })},
		},
	})
	t.capabilities = graphql.NewObject(graphql.ObjectConfig{
		Name: "EntityCapabilities",
		Fields: graphql.Fields{
			"insert": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean), Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				c, _ := p.Source.(entity.Capabilities)
				return c.Insert, nil
			}},
			"update": &graphql.Field{Type: graphql.NewNonNull(graphql.Boolean), Resolve: func(p graphql.ResolveParams) (interface{}, error) {
				c, _ := p.Source.(entity.Capabilities)
				return c.Update, nil
			}},
		},
	})
	t.entity = graphql.NewObject(graphql.ObjectConfig{
		Name:        "Entity",
		Description: "A table the bulk-create engine can write to.",
		Fields: graphql.Fields{
			"name":     &graphql.Field{Type: graphql.NewNonNull(graphql.String), Resolve: fromEntity(func(e *entity.Entity) any { return e.Name })},
			"table":    &graphql.Field{Type: graphql.NewNonNull(graphql.String), Resolve: fromEntity(func(e *entity.Entity) any { return e.Table })},
			"identity": &graphql.Field{Type: stringList, Resolve: fromEntity(func(e *entity.Entity) any { return nonNilStrings(e.Identity) })},
			"properties": &graphql.Field{
				Type:    graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(t.property))),
				Resolve: fromEntity(func(e *entity.Entity) any { return nonNilSlice(e.Properties) }),
			},
			"uniqueConstraints": &graphql.Field{
				Type:    graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(t.uniqueConstraint))),
				Resolve: fromEntity(func(e *entity.Entity) any { return nonNilSlice(e.UniqueConstraints) }),
			},
			"relations": &graphql.Field{
				Type:    graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(t.relation))),
				Resolve: fromEntity(func(e *entity.Entity) any { return nonNilSlice(e.Relations) }),
			},
			"capabilities": &graphql.Field{
				Type:    graphql.NewNonNull(t.capabilities),
				Resolve: fromEntity(func(e *entity.Entity) any { return e.Capabilities }),
			},
		},
	})
}

func (t *schemaTypes) buildResultTypes() {
	t.rowResult = graphql.NewObject(graphql.ObjectConfig{
		Name:        "RowResult",
		Description: "The outcome of one input row.",
		Fields: graphql.Fields{
			"ordinal": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.Int),
				Description: "1-based position among the rows of the same entity.",
				Resolve:     fromRow(func(r rowgraph.RowResult) any { return r.Ordinal }),
			},
			"action": &graphql.Field{
				Type:    graphql.NewNonNull(t.rowAction),
				Resolve: fromRow(func(r rowgraph.RowResult) any { return r.Action }),
			},
			"duplicateOf": &graphql.Field{
				Type:        graphql.Int,
				Description: "Ordinal of the earlier row this one repeated.",
				Resolve: fromRow(func(r rowgraph.RowResult) any {
					if r.DuplicateOf == 0 {
						return nil
					}
					return r.DuplicateOf
				}),
			},
			"resolvedAction": &graphql.Field{
				Type:        t.rowAction,
				Description: "For duplicates, the action of the row they repeated.",
				Resolve: fromRow(func(r rowgraph.RowResult) any {
					if r.ResolvedAction == "" {
						return nil
					}
					return r.ResolvedAction
				}),
			},
			"values": &graphql.Field{
				Type:        t.json,
				Description: "Attribute values read back from the table, including generated keys.",
				Resolve: fromRow(func(r rowgraph.RowResult) any {
					if len(r.Values) == 0 {
						return nil
					}
					return r.Values
				}),
			},
		},
	})
	t.tableResult = graphql.NewObject(graphql.ObjectConfig{
		Name: "TableResult",
		Fields: graphql.Fields{
			"entity":        &graphql.Field{Type: graphql.NewNonNull(graphql.String), Resolve: fromTable(func(r rowgraph.TableResult) any { return r.Entity })},
			"totalCount":    &graphql.Field{Type: graphql.NewNonNull(graphql.Int), Resolve: fromTable(func(r rowgraph.TableResult) any { return r.TotalCount })},
			"affectedCount": &graphql.Field{Type: graphql.NewNonNull(graphql.Int), Resolve: fromTable(func(r rowgraph.TableResult) any { return r.AffectedCount })},
			"rows": &graphql.Field{
				Type:    graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(t.rowResult))),
				Resolve: fromTable(func(r rowgraph.TableResult) any { return nonNilSlice(r.Rows) }),
			},
		},
	})
	t.success = graphql.NewObject(graphql.ObjectConfig{
		Name: "BulkCreateSuccess",
		Fields: graphql.Fields{
			"roots": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(t.rowResult))),
				Description: "Top-level rows in input order. Empty when countOnly is set.",
			},
			"affectedCount": &graphql.Field{Type: graphql.NewNonNull(graphql.Int), Description: "Rows inserted or updated across all tables."},
			"layers":        &graphql.Field{Type: graphql.NewNonNull(graphql.Int)},
			"tables":        &graphql.Field{Type: graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(t.tableResult)))},
		},
	})
}

func (t *schemaTypes) buildErrorTypes() {
	t.mutationError = graphql.NewInterface(graphql.InterfaceConfig{
		Name: "MutationError",
		Fields: graphql.Fields{
			"message": &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
			"code":    &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
		},
		ResolveType: func(p graphql.ResolveTypeParams) *graphql.Object {
			return t.resolveResultType(p)
		},
	})
	errorType := func(name, description string) *graphql.Object {
		return graphql.NewObject(graphql.ObjectConfig{
			Name:        name,
			Description: description,
			Fields: graphql.Fields{
				"message":   &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
				"code":      &graphql.Field{Type: graphql.NewNonNull(graphql.String)},
				"entity":    &graphql.Field{Type: graphql.String},
				"attribute": &graphql.Field{Type: graphql.String},
				"ordinal":   &graphql.Field{Type: graphql.Int, Description: "1-based row position within the entity's rows."},
				"inputOrdinal": &graphql.Field{
					Type:        graphql.Int,
					Description: "1-based position of the top-level input the failing row belongs to.",
				},
			},
			Interfaces: []*graphql.Interface{t.mutationError},
		})
	}
	t.validationError = errorType("InputValidationError", "The input was rejected before any write.")
	t.cycleError = errorType("DependencyCycleError", "The rows reference each other in a cycle.")
	t.conflictError = errorType("ConflictError", "A row collided on a unique constraint under the ERROR policy.")
	t.constraintError = errorType("ConstraintError", "The database rejected a row on a foreign key, not-null or check constraint.")
	t.capabilityError = errorType("CapabilityError", "The request needs an operation the table does not allow.")
	t.permissionError = errorType("PermissionError", "The database role may not write the table.")
	t.internalError = errorType("InternalError", "")

	t.result = graphql.NewUnion(graphql.UnionConfig{
		Name: "BulkCreateResult",
		Types: []*graphql.Object{
			t.success,
			t.validationError,
			t.cycleError,
			t.conflictError,
			t.constraintError,
			t.capabilityError,
			t.permissionError,
			t.internalError,
		},
		ResolveType: t.resolveResultType,
	})
}

func (t *schemaTypes) resolveResultType(p graphql.ResolveTypeParams) *graphql.Object {
	m, ok := p.Value.(map[string]interface{})
	if !ok {
		return t.success
	}
	typename, _ := m["__typename"].(string)
	switch typename {
	case "InputValidationError":
		return t.validationError
	case "DependencyCycleError":
		return t.cycleError
	case "ConflictError":
		return t.conflictError
	case "ConstraintError":
		return t.constraintError
	case "CapabilityError":
		return t.capabilityError
	case "PermissionError":
		return t.permissionError
	case "InternalError":
		return t.internalError
	default:
		return t.success
	}
}

func fromEntity(fn func(*entity.Entity) any) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		e, ok := p.Source.(*entity.Entity)
		if !ok || e == nil {
			return nil, nil
		}
		return fn(e), nil
	}
}

func fromProperty(fn func(entity.Property) any) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		prop, _ := p.Source.(entity.Property)
		return fn(prop), nil
	}
}

func fromRelation(fn func(entity.Relation) any) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		rel, _ := p.Source.(entity.Relation)
		return fn(rel), nil
	}
}

func fromRow(fn func(rowgraph.RowResult) any) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		row, _ := p.Source.(rowgraph.RowResult)
		return fn(row), nil
	}
}

func fromTable(fn func(rowgraph.TableResult) any) graphql.FieldResolveFn {
	return func(p graphql.ResolveParams) (interface{}, error) {
		table, _ := p.Source.(rowgraph.TableResult)
		return fn(table), nil
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}

func nonNilSlice[T any](values []T) []T {
	if values == nil {
		return []T{}
	}
	return values
}
