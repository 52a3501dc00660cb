package rowgraph

import (
	"context"
	"slices"

	"pgbulk/internal/bulkwrite"
	"pgbulk/internal/entity"
	"pgbulk/internal/logging"
	"pgbulk/internal/mutationerr"
)

// Default request ceilings.
const (
	DefaultMaxRows   = 1000
	DefaultMaxLayers = 32
)

// Config bounds one graph and selects its conflict policies.
type Config struct {
	// MaxRows caps the number of builders.
	MaxRows int
	// MaxLayers caps the dependency depth.
	MaxLayers int
	// Policy applies to every table without an entry in PolicyByEntity.
	Policy         bulkwrite.ConflictPolicy
	PolicyByEntity map[string]bulkwrite.ConflictPolicy
	// EchoIdentity lists entities whose identity properties are read back
	// even when no other row depends on them.
	EchoIdentity []string
	// CountOnly drops per-row results. Tables that feed other rows still
	// read back the values those rows need.
	CountOnly bool
}

// Graph holds the builders of one request. It is not safe for concurrent use.
type Graph struct {
	cfg      Config
	writer   *bulkwrite.Writer
	builders []*Builder
	byEntity map[string][]*Builder
	entities []*entity.Entity

	validated bool
	depth     int
	policies  map[string]bulkwrite.ConflictPolicy
}

// New creates an empty graph.
func New(writer *bulkwrite.Writer, cfg Config) *Graph {
	if cfg.MaxRows <= 0 {
		cfg.MaxRows = DefaultMaxRows
	}
	if cfg.MaxLayers <= 0 {
		cfg.MaxLayers = DefaultMaxLayers
	}
	return &Graph{
		cfg:      cfg,
		writer:   writer,
		byEntity: make(map[string][]*Builder),
	}
}

// Len returns the number of builders.
func (g *Graph) Len() int {
	return len(g.builders)
}

// NewBuilder declares a row of ent with constant attributes.
func (g *Graph) NewBuilder(ent *entity.Entity, attributes map[string]any) (*Builder, error) {
	if len(g.builders) >= g.cfg.MaxRows {
		return nil, mutationerr.Validationf("request creates more than %d rows", g.cfg.MaxRows).At(ent.Name, "", len(g.byEntity[ent.Name])+1)
	}
	b := &Builder{
		entity:       ent,
		values:       make(map[string]Slot, len(attributes)),
		dependents:   make(map[string][]edge),
		ordinal:      len(g.builders) + 1,
		tableOrdinal: len(g.byEntity[ent.Name]) + 1,
	}
	for attr, value := range attributes {
		if !ent.HasProperty(attr) {
			return nil, mutationerr.Validationf("unknown property").At(ent.Name, attr, b.tableOrdinal)
		}
		b.values[attr] = Constant(value)
	}

	if _, seen := g.byEntity[ent.Name]; !seen {
		g.entities = append(g.entities, ent)
	}
	g.byEntity[ent.Name] = append(g.byEntity[ent.Name], b)
	g.builders = append(g.builders, b)
	g.validated = false
	return b, nil
}

// SetConstant attaches a known value to an attribute, such as a foreign key
// to a row that already exists.
func (g *Graph) SetConstant(b *Builder, attribute string, value any) error {
	if !b.entity.HasProperty(attribute) {
		return mutationerr.Validationf("unknown property").At(b.entity.Name, attribute, b.tableOrdinal)
	}
	if slot, ok := b.values[attribute]; ok && slot.IsPending() {
		return mutationerr.Validationf("property is already linked to another row").At(b.entity.Name, attribute, b.tableOrdinal)
	}
	b.values[attribute] = Constant(value)
	return nil
}

// Link connects parent to child through rel, a relation of parent's entity.
//
// For a referencing relation parent holds the foreign key and waits for
// child. Otherwise child holds the foreign key and waits for parent.
func (g *Graph) Link(parent, child *Builder, rel entity.Relation) error {
	if rel.LocalEntity != parent.entity.Name || rel.RemoteEntity != child.entity.Name {
		return mutationerr.Validationf("relation %s connects %s to %s, not %s to %s",
			rel.Name, rel.LocalEntity, rel.RemoteEntity, parent.entity.Name, child.entity.Name).At(parent.entity.Name, "", parent.tableOrdinal)
	}

	waiter, source := child, parent
	waitAttrs, sourceAttrs := rel.RemoteProperties, rel.LocalProperties
	if rel.Referencing {
		waiter, source = parent, child
		waitAttrs, sourceAttrs = rel.LocalProperties, rel.RemoteProperties
	}

	if waiter == source || g.waitsOn(source, waiter) {
		return mutationerr.Cyclef("linking %s row %d to %s row %d through %s would create a dependency cycle",
			parent.entity.Name, parent.tableOrdinal, child.entity.Name, child.tableOrdinal, rel.Name).At(waiter.entity.Name, "", waiter.tableOrdinal)
	}

	for _, attr := range waitAttrs {
		if slot, ok := waiter.values[attr]; ok {
			if slot.IsPending() {
				return mutationerr.Validationf("property is linked to more than one row").At(waiter.entity.Name, attr, waiter.tableOrdinal)
			}
			return mutationerr.Validationf("property is set explicitly and through relation %s", rel.Name).At(waiter.entity.Name, attr, waiter.tableOrdinal)
		}
	}

	for i, attr := range waitAttrs {
		waiter.values[attr] = Pending(source, sourceAttrs[i])
		waiter.pending++
		source.dependents[sourceAttrs[i]] = append(source.dependents[sourceAttrs[i]], edge{waiter: waiter, attribute: attr})
	}
	g.validated = false
	return nil
}

// waitsOn reports whether b already depends, directly or transitively, on
// target. It walks the reverse edges from target.
func (g *Graph) waitsOn(b, target *Builder) bool {
	seen := map[*Builder]bool{target: true}
	stack := []*Builder{target}
	for len(stack) > 0 {
		cur := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		for _, edges := range cur.dependents {
			for _, e := range edges {
				if e.waiter == b {
					return true
				}
				if !seen[e.waiter] {
					seen[e.waiter] = true
					stack = append(stack, e.waiter)
				}
			}
		}
	}
	return false
}

// Validate checks the graph before any write: size and depth ceilings,
// required properties and table capabilities. It also settles the conflict
// policy of each table.
func (g *Graph) Validate(ctx context.Context) error {
	if len(g.builders) == 0 {
		return mutationerr.Validationf("nothing to create")
	}
	if len(g.builders) > g.cfg.MaxRows {
		return mutationerr.Validationf("request creates %d rows, limit is %d", len(g.builders), g.cfg.MaxRows)
	}

	for _, b := range g.builders {
		for _, p := range b.entity.Properties {
			if !p.Required {
				continue
			}
			slot, ok := b.values[p.Name]
			if !ok || (!slot.IsPending() && slot.Value == nil) {
				return mutationerr.Validationf("required property is missing").At(b.entity.Name, p.Name, b.tableOrdinal)
			}
		}
	}

	policies := make(map[string]bulkwrite.ConflictPolicy, len(g.entities))
	for _, ent := range g.entities {
		policy, err := g.tablePolicy(ctx, ent)
		if err != nil {
			return err
		}
		policies[ent.Name] = policy
	}

	depth := g.longestChain()
	if depth > g.cfg.MaxLayers {
		return mutationerr.Validationf("nesting needs %d dependency layers, limit is %d", depth, g.cfg.MaxLayers)
	}

	g.policies = policies
	g.depth = depth
	g.validated = true
	return nil
}

// tablePolicy applies the capability rules to the policy requested for ent.
func (g *Graph) tablePolicy(ctx context.Context, ent *entity.Entity) (bulkwrite.ConflictPolicy, error) {
	if !ent.Capabilities.Insert {
		return bulkwrite.ConflictPolicy{}, mutationerr.Capabilityf("table does not accept inserts").At(ent.Name, "", 0)
	}
	policy := g.cfg.Policy
	if p, ok := g.cfg.PolicyByEntity[ent.Name]; ok {
		policy = p
	}
	if ent.Capabilities.Update {
		return policy, nil
	}
	switch policy.Action {
	case bulkwrite.ConflictReplace:
		logging.FromContext(ctx).Debug("replace narrowed to ignore",
			"entity", ent.Name,
			"reason", "table does not accept updates",
		)
		return bulkwrite.IgnorePolicy(), nil
	case bulkwrite.ConflictUpdateColumns:
		return bulkwrite.ConflictPolicy{}, mutationerr.Capabilityf("update_columns needs a table that accepts updates").At(ent.Name, "", 0)
	}
	return policy, nil
}

// longestChain returns the number of layers needed to write every builder.
func (g *Graph) longestChain() int {
	memo := make(map[*Builder]int, len(g.builders))
	var depth func(b *Builder) int
	depth = func(b *Builder) int {
		if d, ok := memo[b]; ok {
			return d
		}
		d := 1
		for _, slot := range b.values {
			if slot.IsPending() {
				d = max(d, depth(slot.Source)+1)
			}
		}
		memo[b] = d
		return d
	}
	longest := 0
	for _, b := range g.builders {
		longest = max(longest, depth(b))
	}
	return longest
}

// Builders returns every builder of ent in creation order.
func (g *Graph) Builders(ent string) []*Builder {
	return slices.Clone(g.byEntity[ent])
}
