package fact

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMatch(t *testing.T) {
	for _, tc := range []struct {
		name       string
		fact       Fact
		constraint Constraint
		want       Substitution
	}{
		{
			name:       "node label hit",
			fact:       NodeLabel("alice", "Person"),
			constraint: NodeLabelConstraint("p", "Person"),
			want:       Substitution{"p": "alice"},
		},
		{
			name:       "node label wrong label",
			fact:       NodeLabel("alice", "Admin"),
			constraint: NodeLabelConstraint("p", "Person"),
		},
		{
			name:       "node attribute hit",
			fact:       NodeAttribute("alice", "age", 30),
			constraint: NodeAttributeConstraint("p", "age", 30.0),
			want:       Substitution{"p": "alice"},
		},
		{
			name:       "node attribute wrong value",
			fact:       NodeAttribute("alice", "age", 30),
			constraint: NodeAttributeConstraint("p", "age", 31),
		},
		{
			name:       "node attribute wrong name",
			fact:       NodeAttribute("alice", "height", 30),
			constraint: NodeAttributeConstraint("p", "age", 30),
		},
		{
			name:       "any attribute matches regardless of name",
			fact:       NodeAttribute("alice", "height", 170),
			constraint: AnyAttributeConstraint("p"),
			want:       Substitution{"p": "alice"},
		},
		{
			name:       "any attribute ignores non-attribute facts",
			fact:       NodeLabel("alice", "Person"),
			constraint: AnyAttributeConstraint("p"),
		},
		{
			name:       "relationship label hit binds relationship variable",
			fact:       RelationshipLabel("r1", "knows"),
			constraint: RelationshipLabelConstraint("r", "knows"),
			want:       Substitution{"r": "r1"},
		},
		{
			name:       "relationship source binds relationship variable",
			fact:       RelationshipSource("r1", "alice"),
			constraint: RelationshipSourceConstraint("p", "r"),
			want:       Substitution{"r": "r1"},
		},
		{
			name:       "relationship target binds relationship variable",
			fact:       RelationshipTarget("r1", "bob"),
			constraint: RelationshipTargetConstraint("q", "r"),
			want:       Substitution{"r": "r1"},
		},
		{
			name:       "kind mismatch",
			fact:       NodeLabel("alice", "Person"),
			constraint: RelationshipLabelConstraint("r", "Person"),
		},
		{
			name:       "specific object never matches",
			fact:       NodeLabel("alice", "Person"),
			constraint: SpecificObjectConstraint("p", "alice"),
		},
		{
			name:       "is-true never matches",
			fact:       NodeAttribute("alice", "age", 30),
			constraint: IsTrueConstraint(nil),
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := Match(tc.fact, tc.constraint)
			if tc.want == nil {
				require.False(t, ok)
				require.Nil(t, got)
				return
			}
			require.True(t, ok)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestSubstitutionCompatible(t *testing.T) {
	a := Substitution{"p": "alice", "q": "bob"}
	b := Substitution{"q": "bob", "r": "r1"}
	c := Substitution{"q": "carol"}

	require.True(t, a.Compatible(b))
	require.False(t, a.Compatible(c))

	merged := a.Clone()
	merged["r"] = "r1"
	require.Equal(t, "r1", merged["r"])
	require.NotContains(t, a, "r")
}
