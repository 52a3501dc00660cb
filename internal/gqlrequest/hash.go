package gqlrequest

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/printer"
)

const anonymousOperationName = "<anonymous>"

// operationLabel names an operation for traces. Unnamed bulk loads are
// labelled by the entities they write, e.g. bulkCreate(author,book).
func operationLabel(op *ast.OperationDefinition, entities []string) string {
	if op != nil && op.Name != nil && op.Name.Value != "" {
		return op.Name.Value
	}
	if len(entities) == 0 {
		return anonymousOperationName
	}
	distinct := slices.Clone(entities)
	slices.Sort(distinct)
	return BulkCreateField + "(" + strings.Join(slices.Compact(distinct), ",") + ")"
}

// canonicalOperation prints the operation followed by the fragments it
// reaches, sorted by name, and hashes the result together with the operation
// type and name. Formatting and unrelated fragments do not change the hash.
func canonicalOperation(op *ast.OperationDefinition, fragments map[string]*ast.FragmentDefinition) (string, string, error) {
	if op == nil {
		return "", "", fmt.Errorf("operation is nil")
	}

	names, err := reachableFragments(op.SelectionSet, fragments)
	if err != nil {
		return "", "", err
	}
	definitions := make([]ast.Node, 0, 1+len(names))
	definitions = append(definitions, op)
	for _, name := range names {
		definitions = append(definitions, fragments[name])
	}

	printed, ok := printer.Print(ast.NewDocument(&ast.Document{Definitions: definitions})).(string)
	if !ok {
		return "", "", fmt.Errorf("printer returned a non-string document")
	}

	name := ""
	if op.Name != nil {
		name = op.Name.Value
	}
	return printed, framedSHA256(string(op.Operation), name, printed), nil
}

// reachableFragments returns the names of fragments spread from root,
// directly or through other fragments, in sorted order.
func reachableFragments(root *ast.SelectionSet, fragments map[string]*ast.FragmentDefinition) ([]string, error) {
	seen := map[string]bool{}
	pending := []*ast.SelectionSet{root}
	for len(pending) > 0 {
		set := pending[len(pending)-1]
		pending = pending[:len(pending)-1]
		if set == nil {
			continue
		}
		for _, selection := range set.Selections {
			switch sel := selection.(type) {
			case *ast.Field:
				pending = append(pending, sel.SelectionSet)
			case *ast.InlineFragment:
				pending = append(pending, sel.SelectionSet)
			case *ast.FragmentSpread:
				if sel.Name == nil || seen[sel.Name.Value] {
					continue
				}
				fragment, ok := fragments[sel.Name.Value]
				if !ok || fragment == nil {
					return nil, fmt.Errorf("fragment %q not found", sel.Name.Value)
				}
				seen[sel.Name.Value] = true
				pending = append(pending, fragment.SelectionSet)
			}
		}
	}

	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	slices.Sort(names)
	return names, nil
}

func framedSHA256(parts ...string) string {
	hash := sha256.New()
	for _, part := range parts {
		_, _ = fmt.Fprintf(hash, "%d:%s|", len(part), part)
	}
	return hex.EncodeToString(hash.Sum(nil))
}
