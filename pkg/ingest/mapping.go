// Package ingest converts raw rows into facts under declarative mapping
// rules. Concrete row transports live with their callers; this package only
// knows "row + mapping rules -> facts".
package ingest

import (
	"errors"
	"fmt"

	"github.com/factgraph/factgraph/pkg/fact"
)

// ErrMalformedRow marks a row that cannot be mapped. Malformed rows are
// dropped individually; they never abort a batch.
var ErrMalformedRow = errors.New("malformed row")

// Row is one raw record: field name to decoded value.
type Row map[string]any

// AttributeRule maps a row onto a node label plus one attribute fact.
type AttributeRule struct {
	IDKey    string `mapstructure:"id_key"`
	AttrKey  string `mapstructure:"attr_key"`
	AttrName string `mapstructure:"attr_name"`
	Label    string `mapstructure:"label"`
}

// RelationshipRule maps a row onto a labeled relationship between two nodes.
type RelationshipRule struct {
	SourceIDKey string `mapstructure:"source_id_key"`
	TargetIDKey string `mapstructure:"target_id_key"`
	SourceLabel string `mapstructure:"source_label"`
	TargetLabel string `mapstructure:"target_label"`
	RelName     string `mapstructure:"rel_name"`
}

// Mapping bundles the rules applied to every row of one source.
type Mapping struct {
	Attributes    []AttributeRule    `mapstructure:"attributes"`
	Relationships []RelationshipRule `mapstructure:"relationships"`
}

// Record pairs a row with the mapping that applies to it. It is the unit
// flowing into the first pipeline stage.
type Record struct {
	Row     Row
	Mapping Mapping
}

// Facts applies every rule to the row and returns the resulting facts,
// tagged with the from-mapping lineage. A missing required field makes the
// whole row malformed.
func (m Mapping) Facts(row Row) ([]fact.Fact, error) {
	var out []fact.Fact

	for _, rule := range m.Attributes {
		id, err := stringField(row, rule.IDKey)
		if err != nil {
			return nil, err
		}

		if rule.Label != "" {
			out = append(out, fact.NodeLabel(id, rule.Label).WithLineage(fact.LineageFromMapping))
		}

		value, ok := row[rule.AttrKey]
		if !ok || value == nil {
			return nil, fmt.Errorf("row missing attribute field %q: %w", rule.AttrKey, ErrMalformedRow)
		}
		out = append(out, fact.NodeAttribute(id, rule.AttrName, value).WithLineage(fact.LineageFromMapping))
	}

	for _, rule := range m.Relationships {
		srcID, err := stringField(row, rule.SourceIDKey)
		if err != nil {
			return nil, err
		}
		tgtID, err := stringField(row, rule.TargetIDKey)
		if err != nil {
			return nil, err
		}

		if rule.SourceLabel != "" {
			out = append(out, fact.NodeLabel(srcID, rule.SourceLabel).WithLineage(fact.LineageFromMapping))
		}
		if rule.TargetLabel != "" {
			out = append(out, fact.NodeLabel(tgtID, rule.TargetLabel).WithLineage(fact.LineageFromMapping))
		}

		relID := fact.RelationshipID(srcID, tgtID, rule.RelName)
		out = append(out,
			fact.RelationshipLabel(relID, rule.RelName).WithLineage(fact.LineageFromMapping),
			fact.RelationshipSource(relID, srcID).WithLineage(fact.LineageFromMapping),
			fact.RelationshipTarget(relID, tgtID).WithLineage(fact.LineageFromMapping),
		)
	}

	return out, nil
}

func stringField(row Row, key string) (string, error) {
	v, ok := row[key]
	if !ok || v == nil {
		return "", fmt.Errorf("row missing identifier field %q: %w", key, ErrMalformedRow)
	}
	s := fmt.Sprint(v)
	if s == "" {
		return "", fmt.Errorf("row has empty identifier field %q: %w", key, ErrMalformedRow)
	}
	return s, nil
}
