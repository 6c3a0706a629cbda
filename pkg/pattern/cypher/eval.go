package cypher

import (
	"context"
	"errors"
	"fmt"

	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/pattern"
	"github.com/factgraph/factgraph/pkg/storage"
)

// returnClause implements [pattern.ReturnClause] with a backtracking join
// over the store's label and relationship indexes: node variables are
// enumerated by label, relationship patterns then filter the candidate
// bindings, WHERE predicates run last over complete bindings.
type returnClause struct {
	q *query
}

var _ pattern.ReturnClause = (*returnClause)(nil)

func (rc *returnClause) Names() []string {
	return append([]string(nil), rc.q.names...)
}

// Evaluate see [pattern.ReturnClause].Evaluate.
func (rc *returnClause) Evaluate(ctx context.Context, g pattern.Graph, seed fact.Substitution) ([]fact.Substitution, error) {
	binding := seed.Clone()
	if binding == nil {
		binding = fact.Substitution{}
	}

	var out []fact.Substitution
	if err := rc.solveNode(ctx, g, 0, binding, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (rc *returnClause) solveNode(ctx context.Context, g pattern.Graph, idx int, binding fact.Substitution, out *[]fact.Substitution) error {
	if idx == len(rc.q.nodes) {
		return rc.solveRel(ctx, g, 0, binding, out)
	}
	node := rc.q.nodes[idx]

	if id, ok := binding[node.variable]; ok {
		ok, err := nodeSatisfied(ctx, g, node, id)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		return rc.solveNode(ctx, g, idx+1, binding, out)
	}

	if len(node.labels) == 0 {
		return fmt.Errorf("node variable %q needs a label to be enumerable", node.variable)
	}

	it, err := g.NodesWithLabel(ctx, node.labels[0])
	if err != nil {
		return err
	}
	candidates, err := storage.CollectIDs(ctx, it)
	if err != nil {
		return err
	}

	for _, id := range candidates {
		ok, err := nodeSatisfied(ctx, g, node, id)
		if err != nil {
			return err
		}
		if !ok {
			continue
		}
		binding[node.variable] = id
		if err := rc.solveNode(ctx, g, idx+1, binding, out); err != nil {
			return err
		}
		delete(binding, node.variable)
	}
	return nil
}

func (rc *returnClause) solveRel(ctx context.Context, g pattern.Graph, idx int, binding fact.Substitution, out *[]fact.Substitution) error {
	if idx == len(rc.q.rels) {
		return rc.checkPredicates(ctx, g, binding, out)
	}
	rel := rc.q.rels[idx]

	it, err := g.RelationshipsWithLabel(ctx, rel.label)
	if err != nil {
		return err
	}
	candidates, err := storage.CollectIDs(ctx, it)
	if err != nil {
		return err
	}

	for _, relID := range candidates {
		if bound, ok := binding[rel.variable]; ok && bound != relID {
			continue
		}

		src, err := g.SourceOf(ctx, relID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}
		tgt, err := g.TargetOf(ctx, relID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return err
		}

		if id, ok := binding[rel.srcVar]; !ok || id != src {
			continue
		}
		if id, ok := binding[rel.tgtVar]; !ok || id != tgt {
			continue
		}

		_, wasBound := binding[rel.variable]
		binding[rel.variable] = relID
		if err := rc.solveRel(ctx, g, idx+1, binding, out); err != nil {
			return err
		}
		if !wasBound {
			delete(binding, rel.variable)
		}
	}
	return nil
}

func (rc *returnClause) checkPredicates(ctx context.Context, g pattern.Graph, binding fact.Substitution, out *[]fact.Substitution) error {
	for _, p := range rc.q.preds {
		ok, err := p.cmp.Holds(ctx, g, binding)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
	}
	*out = append(*out, binding.Clone())
	return nil
}

func nodeSatisfied(ctx context.Context, g pattern.Graph, node *nodeNode, id string) (bool, error) {
	if len(node.labels) > 0 {
		it, err := g.LabelsOf(ctx, id)
		if err != nil {
			return false, err
		}
		labels, err := storage.CollectIDs(ctx, it)
		if err != nil {
			return false, err
		}
		have := make(map[string]struct{}, len(labels))
		for _, l := range labels {
			have[l] = struct{}{}
		}
		for _, want := range node.labels {
			if _, ok := have[want]; !ok {
				return false, nil
			}
		}
	}

	for _, p := range node.props {
		v, err := g.AttributeValue(ctx, id, p.key)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return false, nil
			}
			return false, err
		}
		if !v.Equal(p.value) {
			return false, nil
		}
	}
	return true, nil
}

// comparison is one WHERE clause comparison. It implements [fact.Predicate].
type comparison struct {
	variable  string
	attribute string
	op        string
	literal   fact.Value
}

var _ fact.Predicate = (*comparison)(nil)

// Holds see [fact.Predicate].Holds. An unbound variable or a missing
// attribute makes the predicate false rather than erroring.
func (c *comparison) Holds(ctx context.Context, r fact.AttributeReader, binding fact.Substitution) (bool, error) {
	id, ok := binding[c.variable]
	if !ok {
		return false, nil
	}

	v, err := r.AttributeValue(ctx, id, c.attribute)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return false, nil
		}
		return false, err
	}

	switch c.op {
	case "=":
		return v.Equal(c.literal), nil
	case "<>":
		return !v.Equal(c.literal), nil
	}

	cmp, comparable := compareValues(v, c.literal)
	if !comparable {
		return false, nil
	}
	switch c.op {
	case "<":
		return cmp < 0, nil
	case "<=":
		return cmp <= 0, nil
	case ">":
		return cmp > 0, nil
	case ">=":
		return cmp >= 0, nil
	default:
		return false, fmt.Errorf("unsupported comparison operator %q", c.op)
	}
}

func (c *comparison) String() string {
	return fmt.Sprintf("%s.%s %s %s", c.variable, c.attribute, c.op, c.literal.Canonical())
}

// compareValues orders two values when they are of comparable kinds: numbers
// with numbers, strings with strings.
func compareValues(a, b fact.Value) (int, bool) {
	af, aNum := numeric(a)
	bf, bNum := numeric(b)
	if aNum && bNum {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		default:
			return 0, true
		}
	}

	as, aStr := a.Any().(string)
	bs, bStr := b.Any().(string)
	if aStr && bStr {
		switch {
		case as < bs:
			return -1, true
		case as > bs:
			return 1, true
		default:
			return 0, true
		}
	}
	return 0, false
}

func numeric(v fact.Value) (float64, bool) {
	switch t := v.Any().(type) {
	case int64:
		return float64(t), true
	case float64:
		return t, true
	default:
		return 0, false
	}
}
