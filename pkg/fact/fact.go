// Package fact contains the atomic graph statements the engine stores and
// derives, the pattern fragments (constraints) a statement can satisfy, and
// the pure matcher that binds one to the other.
package fact

import (
	"encoding/binary"
	"fmt"
	"strconv"

	"github.com/cespare/xxhash/v2"
)

// Kind enumerates the closed set of fact shapes.
type Kind int

const (
	KindUnknown Kind = iota

	// KindNodeLabel states that a node carries a label. A node may carry
	// any number of labels.
	KindNodeLabel

	// KindNodeAttribute states that a node carries an attribute with a
	// value. At most one value may exist per (node, attribute) pair.
	KindNodeAttribute

	// KindRelationshipLabel states that a relationship carries a label.
	KindRelationshipLabel

	// KindRelationshipSource states which node a relationship starts at.
	KindRelationshipSource

	// KindRelationshipTarget states which node a relationship ends at.
	KindRelationshipTarget
)

func (k Kind) String() string {
	switch k {
	case KindNodeLabel:
		return "node_label"
	case KindNodeAttribute:
		return "node_attribute"
	case KindRelationshipLabel:
		return "relationship_label"
	case KindRelationshipSource:
		return "relationship_source"
	case KindRelationshipTarget:
		return "relationship_target"
	default:
		return "unknown"
	}
}

// Lineage records how a fact entered the system. It is provenance only and
// never participates in equality or storage-key derivation.
type Lineage string

const (
	LineageNone        Lineage = ""
	LineageFromMapping Lineage = "from-mapping"
	LineageAppended    Lineage = "appended"
	LineageDerived     Lineage = "derived"
)

// Fact is an immutable atomic statement about the graph. Two facts are equal
// iff they have the same kind and the same literal fields; lineage is ignored.
type Fact struct {
	kind Kind

	nodeID    string
	label     string
	attribute string
	value     Value

	relID    string
	sourceID string
	targetID string

	lineage Lineage
}

// NodeLabel returns a fact stating that node nodeID carries label.
func NodeLabel(nodeID, label string) Fact {
	return Fact{kind: KindNodeLabel, nodeID: nodeID, label: label}
}

// NodeAttribute returns a fact stating that node nodeID carries attribute
// with the given value. The value is normalized through ValueOf.
func NodeAttribute(nodeID, attribute string, value any) Fact {
	return Fact{kind: KindNodeAttribute, nodeID: nodeID, attribute: attribute, value: ValueOf(value)}
}

// RelationshipLabel returns a fact stating that relationship relID carries label.
func RelationshipLabel(relID, label string) Fact {
	return Fact{kind: KindRelationshipLabel, relID: relID, label: label}
}

// RelationshipSource returns a fact stating that relationship relID starts at sourceID.
func RelationshipSource(relID, sourceID string) Fact {
	return Fact{kind: KindRelationshipSource, relID: relID, sourceID: sourceID}
}

// RelationshipTarget returns a fact stating that relationship relID ends at targetID.
func RelationshipTarget(relID, targetID string) Fact {
	return Fact{kind: KindRelationshipTarget, relID: relID, targetID: targetID}
}

func (f Fact) Kind() Kind        { return f.kind }
func (f Fact) NodeID() string    { return f.nodeID }
func (f Fact) Label() string     { return f.label }
func (f Fact) Attribute() string { return f.attribute }
func (f Fact) Value() Value      { return f.value }
func (f Fact) RelID() string     { return f.relID }
func (f Fact) SourceID() string  { return f.sourceID }
func (f Fact) TargetID() string  { return f.targetID }
func (f Fact) Lineage() Lineage  { return f.lineage }

// WithLineage returns a copy of f tagged with the given lineage.
func (f Fact) WithLineage(l Lineage) Fact {
	f.lineage = l
	return f
}

// Equal reports structural equality. Lineage is excluded.
func (f Fact) Equal(o Fact) bool {
	if f.kind != o.kind {
		return false
	}
	switch f.kind {
	case KindNodeLabel:
		return f.nodeID == o.nodeID && f.label == o.label
	case KindNodeAttribute:
		return f.nodeID == o.nodeID && f.attribute == o.attribute && f.value.Equal(o.value)
	case KindRelationshipLabel:
		return f.relID == o.relID && f.label == o.label
	case KindRelationshipSource:
		return f.relID == o.relID && f.sourceID == o.sourceID
	case KindRelationshipTarget:
		return f.relID == o.relID && f.targetID == o.targetID
	default:
		return false
	}
}

// String returns a single-line rendering of the fact for logs and
// diagnostics. It is not injective: ids containing separator characters can
// render identically. Hash and the storage keys identify facts instead.
func (f Fact) String() string {
	switch f.kind {
	case KindNodeLabel:
		return fmt.Sprintf("node_label(%s,%s)", f.nodeID, f.label)
	case KindNodeAttribute:
		return fmt.Sprintf("node_attribute(%s,%s,%s)", f.nodeID, f.attribute, f.value.Canonical())
	case KindRelationshipLabel:
		return fmt.Sprintf("relationship_label(%s,%s)", f.relID, f.label)
	case KindRelationshipSource:
		return fmt.Sprintf("relationship_source(%s,%s)", f.relID, f.sourceID)
	case KindRelationshipTarget:
		return fmt.Sprintf("relationship_target(%s,%s)", f.relID, f.targetID)
	default:
		return "unknown()"
	}
}

// Hash returns a 64-bit content hash of the fact. Lineage is excluded.
// Every field is length-prefixed before hashing so a separator character
// inside an id cannot make two distinct facts collide.
func (f Fact) Hash() uint64 {
	h := xxhash.New()
	_, _ = h.Write([]byte{byte(f.kind)})
	switch f.kind {
	case KindNodeLabel:
		hashField(h, f.nodeID)
		hashField(h, f.label)
	case KindNodeAttribute:
		hashField(h, f.nodeID)
		hashField(h, f.attribute)
		hashField(h, f.value.Canonical())
	case KindRelationshipLabel:
		hashField(h, f.relID)
		hashField(h, f.label)
	case KindRelationshipSource:
		hashField(h, f.relID)
		hashField(h, f.sourceID)
	case KindRelationshipTarget:
		hashField(h, f.relID)
		hashField(h, f.targetID)
	}
	return h.Sum64()
}

func hashField(h *xxhash.Digest, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.WriteString(s)
}

// RelationshipID derives the deterministic identifier for a relationship
// between two nodes under a label. Deriving the same relationship twice
// yields the same id, which keeps relationship derivations idempotent. The
// endpoint ids and the label are length-prefixed into the digest, so two
// different endpoint pairs cannot yield the same id by sharing a rendered
// concatenation.
func RelationshipID(sourceID, targetID, label string) string {
	h := xxhash.New()
	hashField(h, sourceID)
	hashField(h, targetID)
	hashField(h, label)
	return strconv.FormatUint(h.Sum64(), 16)
}
