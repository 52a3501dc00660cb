// Package resolver exposes nested bulk creates over GraphQL.
//
// The schema is static: entities are named by a String argument and rows are
// JSON objects, so reloading the entity registry never rebuilds the schema.
package resolver

import (
	"context"
	"errors"
	"time"

	"github.com/graphql-go/graphql"

	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/entity"
	"pgbulk/internal/nestedcreate"
	"pgbulk/internal/scalars"
)

// Creator runs one nested create. *nestedcreate.Orchestrator implements it.
type Creator interface {
	Create(ctx context.Context, req nestedcreate.Request) (*nestedcreate.Response, error)
}

// Config controls request defaults.
type Config struct {
	// DefaultPolicy applies when a request names no conflict policy.
	DefaultPolicy bulkwrite.ConflictPolicy
	// RequestTimeout bounds one bulkCreate field. Zero means no bound.
	RequestTimeout time.Duration
}

// Resolver builds the GraphQL schema and resolves its fields.
type Resolver struct {
	creator  Creator
	entities nestedcreate.RegistrySource
	cfg      Config
	types    *schemaTypes
}

// NewResolver creates a resolver. entities must be the same source the
// creator reads, so inputs decode against the registry they will run with.
func NewResolver(creator Creator, entities nestedcreate.RegistrySource, cfg Config) *Resolver {
	return &Resolver{
		creator:  creator,
		entities: entities,
		cfg:      cfg,
	}
}

// BuildGraphQLSchema constructs the executable schema.
func (r *Resolver) BuildGraphQLSchema() (graphql.Schema, error) {
	if r.creator == nil || r.entities == nil {
		return graphql.Schema{}, errors.New("resolver requires a creator and an entity source")
	}
	r.types = newSchemaTypes(scalars.JSON())

	query := graphql.NewObject(graphql.ObjectConfig{
		Name: "Query",
		Fields: graphql.Fields{
			"entities": &graphql.Field{
				Type:        graphql.NewNonNull(graphql.NewList(graphql.NewNonNull(r.types.entity))),
				Description: "Writable entities of the active schema.",
				Resolve:     r.resolveEntities,
			},
			"entity": &graphql.Field{
				Type: r.types.entity,
				Args: graphql.FieldConfigArgument{
					"name": &graphql.ArgumentConfig{Type: graphql.NewNonNull(graphql.String)},
				},
				Resolve: r.resolveEntity,
			},
		},
	})

	mutation := graphql.NewObject(graphql.ObjectConfig{
		Name: "Mutation",
		Fields: graphql.Fields{
			"bulkCreate": r.bulkCreateField(),
		},
	})

	return graphql.NewSchema(graphql.SchemaConfig{
		Query:    query,
		Mutation: mutation,
	})
}

func (r *Resolver) registry() *entity.Registry {
	return r.entities.Registry()
}

func (r *Resolver) resolveEntities(p graphql.ResolveParams) (interface{}, error) {
	entities := r.registry().Entities()
	if entities == nil {
		entities = []*entity.Entity{}
	}
	return entities, nil
}

func (r *Resolver) resolveEntity(p graphql.ResolveParams) (interface{}, error) {
	name, _ := p.Args["name"].(string)
	ent, ok := r.registry().Entity(name)
	if !ok {
		return nil, nil
	}
	return ent, nil
}
