package fact

import (
	"context"
	"fmt"
)

// ConstraintKind enumerates the closed set of constraint shapes. The first
// six match facts (any-attribute matches every node-attribute fact); the
// last two only participate in pattern evaluation and never match a fact
// directly.
type ConstraintKind int

const (
	ConstraintUnknown ConstraintKind = iota
	ConstraintNodeLabel
	ConstraintNodeAttribute
	ConstraintAnyAttribute
	ConstraintRelationshipLabel
	ConstraintRelationshipSource
	ConstraintRelationshipTarget
	ConstraintSpecificObject
	ConstraintIsTrue
)

// AttributeReader is the read surface a predicate needs to resolve attribute
// references against the store.
type AttributeReader interface {
	AttributeValue(ctx context.Context, nodeID, attribute string) (Value, error)
}

// Predicate is a boolean subtree lifted out of a pattern's WHERE clause.
type Predicate interface {
	// Holds evaluates the predicate for the given complete binding.
	Holds(ctx context.Context, r AttributeReader, binding Substitution) (bool, error)

	// String returns a stable rendering used for constraint deduplication.
	String() string
}

// Constraint is one pattern fragment a fact may satisfy, parameterized by
// pattern variable where the fact carries a concrete identifier.
type Constraint struct {
	kind ConstraintKind

	variable    string // node variable, or object variable for specific-object
	relVariable string // relationship variable for the relationship kinds
	label       string
	attribute   string
	value       Value
	objectID    string
	pred        Predicate
}

// NodeLabelConstraint requires variable to be bound to a node carrying label.
func NodeLabelConstraint(variable, label string) Constraint {
	return Constraint{kind: ConstraintNodeLabel, variable: variable, label: label}
}

// NodeAttributeConstraint requires variable to be bound to a node whose
// attribute equals value.
func NodeAttributeConstraint(variable, attribute string, value any) Constraint {
	return Constraint{kind: ConstraintNodeAttribute, variable: variable, attribute: attribute, value: ValueOf(value)}
}

// AnyAttributeConstraint matches every node-attribute fact, binding variable
// to the fact's node. Patterns emit one per node variable so that an
// attribute arriving after the node's label still re-fires evaluation: the
// pattern's labels and predicates, and the derivation function's attribute
// reads, can depend on attributes no literal constraint names.
func AnyAttributeConstraint(variable string) Constraint {
	return Constraint{kind: ConstraintAnyAttribute, variable: variable}
}

// RelationshipLabelConstraint requires relVariable to be bound to a
// relationship carrying label.
func RelationshipLabelConstraint(relVariable, label string) Constraint {
	return Constraint{kind: ConstraintRelationshipLabel, relVariable: relVariable, label: label}
}

// RelationshipSourceConstraint requires the relationship bound to relVariable
// to start at the node bound to sourceVariable.
func RelationshipSourceConstraint(sourceVariable, relVariable string) Constraint {
	return Constraint{kind: ConstraintRelationshipSource, variable: sourceVariable, relVariable: relVariable}
}

// RelationshipTargetConstraint requires the relationship bound to relVariable
// to end at the node bound to targetVariable.
func RelationshipTargetConstraint(targetVariable, relVariable string) Constraint {
	return Constraint{kind: ConstraintRelationshipTarget, variable: targetVariable, relVariable: relVariable}
}

// SpecificObjectConstraint pins variable to a concrete identifier.
func SpecificObjectConstraint(variable, objectID string) Constraint {
	return Constraint{kind: ConstraintSpecificObject, variable: variable, objectID: objectID}
}

// IsTrueConstraint wraps a WHERE-clause boolean subtree.
func IsTrueConstraint(pred Predicate) Constraint {
	return Constraint{kind: ConstraintIsTrue, pred: pred}
}

func (c Constraint) Kind() ConstraintKind { return c.kind }
func (c Constraint) Variable() string     { return c.variable }
func (c Constraint) RelVariable() string  { return c.relVariable }
func (c Constraint) Label() string        { return c.label }
func (c Constraint) Attribute() string    { return c.attribute }
func (c Constraint) Value() Value         { return c.value }
func (c Constraint) ObjectID() string     { return c.objectID }
func (c Constraint) Predicate() Predicate { return c.pred }

// Key returns a canonical rendering unique per constraint content. The
// trigger registry uses it to drop duplicate constraints gathered from
// different pattern nodes.
func (c Constraint) Key() string {
	switch c.kind {
	case ConstraintNodeLabel:
		return fmt.Sprintf("node_label(%s,%s)", c.variable, c.label)
	case ConstraintNodeAttribute:
		return fmt.Sprintf("node_attribute(%s,%s,%s)", c.variable, c.attribute, c.value.Canonical())
	case ConstraintAnyAttribute:
		return fmt.Sprintf("any_attribute(%s)", c.variable)
	case ConstraintRelationshipLabel:
		return fmt.Sprintf("relationship_label(%s,%s)", c.relVariable, c.label)
	case ConstraintRelationshipSource:
		return fmt.Sprintf("relationship_source(%s,%s)", c.variable, c.relVariable)
	case ConstraintRelationshipTarget:
		return fmt.Sprintf("relationship_target(%s,%s)", c.variable, c.relVariable)
	case ConstraintSpecificObject:
		return fmt.Sprintf("specific_object(%s,%s)", c.variable, c.objectID)
	case ConstraintIsTrue:
		return fmt.Sprintf("is_true(%s)", c.pred.String())
	default:
		return "unknown()"
	}
}

func (c Constraint) String() string { return c.Key() }
