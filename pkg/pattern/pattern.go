// Package pattern declares the contract the engine consumes from a
// pattern-language implementation. The engine never depends on a concrete
// parser; it walks parsed patterns for their constraints and asks the return
// clause to complete bindings against the store.
package pattern

import (
	"context"

	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/storage"
)

// Parser turns pattern text into a Pattern. Parsing happens once per trigger
// registration.
type Parser interface {
	Parse(text string) (Pattern, error)
}

// Pattern is a parsed declarative pattern.
type Pattern interface {
	// Text returns the original pattern text.
	Text() string

	// Walk returns every node of the parsed pattern.
	Walk() []Node

	// ReturnClause returns the pattern's projection.
	ReturnClause() ReturnClause
}

// Node is one node of a parsed pattern. Nodes that constrain the match
// additionally implement ConstraintProvider.
type Node interface{}

// ConstraintProvider is implemented by pattern nodes that expose atomic
// constraints.
type ConstraintProvider interface {
	Constraints() []fact.Constraint
}

// ReturnClause evaluates the full pattern against a graph, seeded with the
// bindings already established, and yields one complete binding per match.
type ReturnClause interface {
	// Names returns the projected variable names in clause order.
	Names() []string

	// Evaluate completes the seed substitution into full bindings for
	// every pattern variable. Bindings in the seed are kept fixed.
	Evaluate(ctx context.Context, g Graph, seed fact.Substitution) ([]fact.Substitution, error)
}

// Graph is the read surface pattern evaluation runs against. A
// [storage.FactStore] satisfies it.
type Graph interface {
	fact.AttributeReader

	NodesWithLabel(ctx context.Context, label string) (storage.IDIterator, error)
	LabelsOf(ctx context.Context, nodeID string) (storage.IDIterator, error)
	RelationshipsWithLabel(ctx context.Context, label string) (storage.IDIterator, error)
	SourceOf(ctx context.Context, relID string) (string, error)
	TargetOf(ctx context.Context, relID string) (string, error)
	RelationshipsFrom(ctx context.Context, nodeID string) (storage.IDIterator, error)
	RelationshipsTo(ctx context.Context, nodeID string) (storage.IDIterator, error)
}
