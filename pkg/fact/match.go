package fact

// Match attempts to satisfy a constraint with a fact. It returns a
// single-variable substitution iff the fact's kind mirrors the constraint's
// kind and every literal field of the constraint equals the corresponding
// field of the fact. Attribute values are compared through Value.Equal, which
// unwraps the literal wrapper on both sides first.
//
// Source and target constraints carry no literal fields, so any fact of the
// mirrored kind matches; the binding produced is for the relationship
// variable. An any-attribute constraint matches every node-attribute fact
// regardless of name and value. Specific-object and is-true constraints
// mirror no fact kind and never match.
//
// Match is a pure function.
func Match(f Fact, c Constraint) (Substitution, bool) {
	switch c.kind {
	case ConstraintNodeLabel:
		if f.kind == KindNodeLabel && f.label == c.label {
			return Bind(c.variable, f.nodeID), true
		}
	case ConstraintNodeAttribute:
		if f.kind == KindNodeAttribute && f.attribute == c.attribute && f.value.Equal(c.value) {
			return Bind(c.variable, f.nodeID), true
		}
	case ConstraintAnyAttribute:
		if f.kind == KindNodeAttribute {
			return Bind(c.variable, f.nodeID), true
		}
	case ConstraintRelationshipLabel:
		if f.kind == KindRelationshipLabel && f.label == c.label {
			return Bind(c.relVariable, f.relID), true
		}
	case ConstraintRelationshipSource:
		if f.kind == KindRelationshipSource {
			return Bind(c.relVariable, f.relID), true
		}
	case ConstraintRelationshipTarget:
		if f.kind == KindRelationshipTarget {
			return Bind(c.relVariable, f.relID), true
		}
	}
	return nil, false
}
