// Package trigger holds the registry of declarative patterns paired with
// derivation functions. A trigger fires when its pattern fully matches,
// producing derived facts that flow back into the store.
package trigger

import (
	"errors"
	"fmt"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"

	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/pattern"
)

// Kind selects what a trigger derives.
type Kind int

const (
	KindUnknown Kind = iota

	// AttributeDerivation produces one node-attribute fact per matched
	// binding.
	AttributeDerivation

	// RelationshipDerivation produces a relationship (label, source
	// and target, three facts) per matched binding.
	RelationshipDerivation
)

func (k Kind) String() string {
	switch k {
	case AttributeDerivation:
		return "attribute_derivation"
	case RelationshipDerivation:
		return "relationship_derivation"
	default:
		return "unknown"
	}
}

// ErrUnknownKind is returned at registration time for a kind outside the
// closed set. Registration is the only place this can surface.
var ErrUnknownKind = errors.New("unknown trigger kind")

// DerivationFunc computes a derived value from the arguments extracted out
// of one complete binding, in parameter order. For attribute derivations the
// returned value becomes the output attribute's value. For relationship
// derivations a false return vetoes the relationship; any other value
// creates it.
type DerivationFunc func(args ...any) (any, error)

// Output designates where a trigger's derived facts land.
type Output struct {
	// Attribute derivations: the pattern variable whose node receives the
	// attribute, and the attribute name.
	Variable  string
	Attribute string

	// Relationship derivations: the endpoint variables and the label of
	// the derived relationship.
	SourceVariable string
	TargetVariable string
	Label          string
}

// Trigger is a registered pattern plus its derivation. Immutable once
// registered.
type Trigger struct {
	id          string
	text        string
	kind        Kind
	pat         pattern.Pattern
	constraints []fact.Constraint
	fn          DerivationFunc
	paramNames  []string
	output      Output
}

func (t *Trigger) ID() string                  { return t.id }
func (t *Trigger) Text() string                { return t.text }
func (t *Trigger) Kind() Kind                  { return t.kind }
func (t *Trigger) Pattern() pattern.Pattern    { return t.pat }
func (t *Trigger) Fn() DerivationFunc          { return t.fn }
func (t *Trigger) Output() Output              { return t.output }

// ParamNames returns the variables handed to the derivation function, in
// order.
func (t *Trigger) ParamNames() []string {
	return append([]string(nil), t.paramNames...)
}

// Constraints returns the trigger's constraint set, gathered once at
// registration by walking the parsed pattern.
func (t *Trigger) Constraints() []fact.Constraint {
	return append([]fact.Constraint(nil), t.constraints...)
}

// Args extracts the ordered argument list for one complete binding: the
// value of the output attribute source for node parameters is resolved by
// the caller; here each parameter name resolves to the bound identifier.
func (t *Trigger) Args(binding fact.Substitution) ([]string, error) {
	args := make([]string, len(t.paramNames))
	for i, name := range t.paramNames {
		id, ok := binding[name]
		if !ok {
			return nil, fmt.Errorf("binding does not cover parameter %q", name)
		}
		args[i] = id
	}
	return args, nil
}

// Derive builds the derived fact(s) for one binding given the derivation
// function's result. The returned facts carry the derived lineage.
func (t *Trigger) Derive(binding fact.Substitution, result any) ([]fact.Fact, error) {
	switch t.kind {
	case AttributeDerivation:
		nodeID, ok := binding[t.output.Variable]
		if !ok {
			return nil, fmt.Errorf("binding does not cover output variable %q", t.output.Variable)
		}
		return []fact.Fact{
			fact.NodeAttribute(nodeID, t.output.Attribute, result).WithLineage(fact.LineageDerived),
		}, nil

	case RelationshipDerivation:
		if veto, ok := result.(bool); ok && !veto {
			return nil, nil
		}
		srcID, ok := binding[t.output.SourceVariable]
		if !ok {
			return nil, fmt.Errorf("binding does not cover source variable %q", t.output.SourceVariable)
		}
		tgtID, ok := binding[t.output.TargetVariable]
		if !ok {
			return nil, fmt.Errorf("binding does not cover target variable %q", t.output.TargetVariable)
		}
		relID := fact.RelationshipID(srcID, tgtID, t.output.Label)
		return []fact.Fact{
			fact.RelationshipLabel(relID, t.output.Label).WithLineage(fact.LineageDerived),
			fact.RelationshipSource(relID, srcID).WithLineage(fact.LineageDerived),
			fact.RelationshipTarget(relID, tgtID).WithLineage(fact.LineageDerived),
		}, nil

	default:
		return nil, ErrUnknownKind
	}
}

// ContentHash returns the identity of a trigger: a content hash of its
// pattern text. Re-registering identical text overwrites the prior trigger.
func ContentHash(text string) string {
	return strconv.FormatUint(xxhash.Sum64String(text), 16)
}

// Registry holds the registered triggers. Safe for concurrent use.
type Registry struct {
	parser pattern.Parser
	logger logger.Logger

	mu       sync.RWMutex
	triggers map[string]*Trigger // keyed by content hash of pattern text
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithLogger injects the registry's logger.
func WithLogger(l logger.Logger) RegistryOption {
	return func(r *Registry) { r.logger = l }
}

// NewRegistry creates an empty registry using the given pattern parser.
func NewRegistry(parser pattern.Parser, opts ...RegistryOption) *Registry {
	r := &Registry{
		parser:   parser,
		logger:   logger.NewNoopLogger(),
		triggers: make(map[string]*Trigger),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Register parses the pattern text once, gathers the constraint set by
// walking the parsed pattern and unioning each node's constraints, and
// stores the trigger under the content hash of its text. Registering the
// same text again overwrites the prior trigger (last-write-wins).
func (r *Registry) Register(text string, fn DerivationFunc, kind Kind, paramNames []string, output Output) (*Trigger, error) {
	switch kind {
	case AttributeDerivation:
		if output.Variable == "" || output.Attribute == "" {
			return nil, fmt.Errorf("attribute derivation requires an output variable and attribute")
		}
	case RelationshipDerivation:
		if output.SourceVariable == "" || output.TargetVariable == "" || output.Label == "" {
			return nil, fmt.Errorf("relationship derivation requires source, target, and label")
		}
	default:
		return nil, fmt.Errorf("trigger kind %d: %w", kind, ErrUnknownKind)
	}
	if fn == nil {
		return nil, fmt.Errorf("derivation function must not be nil")
	}

	pat, err := r.parser.Parse(text)
	if err != nil {
		return nil, err
	}

	t := &Trigger{
		id:          ContentHash(text),
		text:        text,
		kind:        kind,
		pat:         pat,
		constraints: gatherConstraints(pat),
		fn:          fn,
		paramNames:  append([]string(nil), paramNames...),
		output:      output,
	}

	r.mu.Lock()
	if _, exists := r.triggers[t.id]; exists {
		r.logger.Warn("overwriting trigger registered for identical pattern text",
			zap.String("trigger_id", t.id), zap.String("pattern", text))
	}
	r.triggers[t.id] = t
	r.mu.Unlock()

	return t, nil
}

// All returns a snapshot of the registered triggers.
func (r *Registry) All() []*Trigger {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Trigger, 0, len(r.triggers))
	for _, t := range r.triggers {
		out = append(out, t)
	}
	return out
}

// Get returns the trigger registered under the given id.
func (r *Registry) Get(id string) (*Trigger, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	t, ok := r.triggers[id]
	return t, ok
}

// Len returns the number of registered triggers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.triggers)
}

// gatherConstraints unions the constraints exposed by each pattern node,
// dropping duplicates.
func gatherConstraints(pat pattern.Pattern) []fact.Constraint {
	var out []fact.Constraint
	seen := make(map[string]struct{})
	for _, node := range pat.Walk() {
		provider, ok := node.(pattern.ConstraintProvider)
		if !ok {
			continue
		}
		for _, c := range provider.Constraints() {
			key := c.Key()
			if _, dup := seen[key]; dup {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, c)
		}
	}
	return out
}
