package gqlrequest

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/graphql-go/graphql/language/ast"
	"github.com/graphql-go/graphql/language/parser"
	"github.com/graphql-go/graphql/language/source"
)

// BulkCreateField is the mutation field whose arguments are summarized.
const BulkCreateField = "bulkCreate"

// Analysis is what a request asks for, derived from its document alone.
type Analysis struct {
	Envelope Envelope

	Document  *ast.Document
	Fragments map[string]*ast.FragmentDefinition
	Operation *ast.OperationDefinition

	OperationName string
	OperationType string

	// Entities lists the entity argument of each top-level bulkCreate field, in
	// document order. InputRows sums their input lists.
	Entities  []string
	InputRows int

	CanonicalOperation string
	OperationHash      string

	DecodeError     error
	ParseError      error
	SelectionError  error
	CanonicalizeErr error
}

// Valid reports whether the request decoded, parsed and selected an operation.
func (a *Analysis) Valid() bool {
	return a.DecodeError == nil && a.ParseError == nil && a.SelectionError == nil && a.Operation != nil
}

// AnalyzeRequest decodes and analyzes a GraphQL request payload.
func AnalyzeRequest(r *http.Request) *Analysis {
	envelope, err := DecodeEnvelope(r)
	analysis := AnalyzeEnvelope(envelope)
	if err != nil {
		analysis.DecodeError = err
	}
	return analysis
}

// AnalyzeEnvelope parses and analyzes a decoded request.
func AnalyzeEnvelope(env Envelope) *Analysis {
	analysis := &Analysis{
		Envelope:  env,
		Fragments: map[string]*ast.FragmentDefinition{},
	}
	if strings.TrimSpace(env.Query) == "" {
		return analysis
	}

	doc, err := parser.Parse(parser.ParseParams{
		Source: source.NewSource(&source.Source{
			Body: []byte(env.Query),
			Name: "graphql",
		}),
	})
	if err != nil {
		analysis.ParseError = err
		return analysis
	}
	analysis.Document = doc
	analysis.Fragments = buildFragmentMap(doc)

	op, err := selectOperation(doc, env.OperationName)
	if err != nil {
		analysis.SelectionError = err
		return analysis
	}
	analysis.Operation = op
	analysis.OperationType = string(op.Operation)

	analysis.summarizeBulkCreates(op.SelectionSet, map[string]bool{})
	analysis.OperationName = operationLabel(op, analysis.Entities)

	canonical, hash, err := canonicalOperation(op, analysis.Fragments)
	if err != nil {
		analysis.CanonicalizeErr = err
		return analysis
	}
	analysis.CanonicalOperation = canonical
	analysis.OperationHash = hash
	return analysis
}

// summarizeBulkCreates walks the root selection set, following fragments that
// sit at the root, and records every bulkCreate field.
func (a *Analysis) summarizeBulkCreates(set *ast.SelectionSet, visited map[string]bool) {
	if set == nil {
		return
	}
	for _, selection := range set.Selections {
		switch sel := selection.(type) {
		case *ast.Field:
			if sel.Name == nil || sel.Name.Value != BulkCreateField {
				continue
			}
			a.recordBulkCreate(sel)
		case *ast.InlineFragment:
			a.summarizeBulkCreates(sel.SelectionSet, visited)
		case *ast.FragmentSpread:
			if sel.Name == nil || visited[sel.Name.Value] {
				continue
			}
			visited[sel.Name.Value] = true
			if fragment, ok := a.Fragments[sel.Name.Value]; ok {
				a.summarizeBulkCreates(fragment.SelectionSet, visited)
			}
		}
	}
}

func (a *Analysis) recordBulkCreate(field *ast.Field) {
	for _, arg := range field.Arguments {
		if arg.Name == nil {
			continue
		}
		value := argumentValue(arg.Value, a.Envelope.Variables)
		switch arg.Name.Value {
		case "entity":
			if name, ok := value.(string); ok {
				a.Entities = append(a.Entities, name)
			}
		case "input":
			if rows, ok := value.([]any); ok {
				a.InputRows += len(rows)
			}
		}
	}
}

// argumentValue resolves the top level of an argument. List items stay
// unresolved; only their count is used.
func argumentValue(value ast.Value, variables map[string]any) any {
	switch v := value.(type) {
	case *ast.Variable:
		if v.Name == nil {
			return nil
		}
		return variables[v.Name.Value]
	case *ast.StringValue:
		return v.Value
	case *ast.ListValue:
		items := make([]any, len(v.Values))
		for i := range v.Values {
			items[i] = v.Values[i]
		}
		return items
	default:
		return nil
	}
}

func buildFragmentMap(doc *ast.Document) map[string]*ast.FragmentDefinition {
	fragments := map[string]*ast.FragmentDefinition{}
	for _, def := range doc.Definitions {
		fragment, ok := def.(*ast.FragmentDefinition)
		if !ok || fragment == nil || fragment.Name == nil || fragment.Name.Value == "" {
			continue
		}
		fragments[fragment.Name.Value] = fragment
	}
	return fragments
}

func selectOperation(doc *ast.Document, operationName string) (*ast.OperationDefinition, error) {
	var operations []*ast.OperationDefinition
	for _, def := range doc.Definitions {
		if op, ok := def.(*ast.OperationDefinition); ok && op != nil {
			operations = append(operations, op)
		}
	}

	if operationName != "" {
		for _, op := range operations {
			if op.Name != nil && op.Name.Value == operationName {
				return op, nil
			}
		}
		return nil, fmt.Errorf("unknown operation named %q", operationName)
	}

	switch len(operations) {
	case 0:
		return nil, fmt.Errorf("request does not include an operation")
	case 1:
		return operations[0], nil
	default:
		return nil, fmt.Errorf("operationName is required when request has multiple operations")
	}
}
