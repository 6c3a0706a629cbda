package storage

import (
	"encoding/json"
	"fmt"

	"github.com/factgraph/factgraph/pkg/fact"
)

// factRecord is the serialized form stored as the value under every index
// key. Attribute values travel in canonical string form so that numeric
// literals survive the round trip without a JSON float detour.
type factRecord struct {
	Kind      int    `json:"k"`
	NodeID    string `json:"n,omitempty"`
	Label     string `json:"l,omitempty"`
	Attribute string `json:"a,omitempty"`
	Value     string `json:"v,omitempty"`
	RelID     string `json:"r,omitempty"`
	SourceID  string `json:"s,omitempty"`
	TargetID  string `json:"t,omitempty"`
	Lineage   string `json:"g,omitempty"`
}

// EncodeFact serializes a fact for storage.
func EncodeFact(f fact.Fact) ([]byte, error) {
	rec := factRecord{
		Kind:      int(f.Kind()),
		NodeID:    f.NodeID(),
		Label:     f.Label(),
		Attribute: f.Attribute(),
		RelID:     f.RelID(),
		SourceID:  f.SourceID(),
		TargetID:  f.TargetID(),
		Lineage:   string(f.Lineage()),
	}
	if f.Kind() == fact.KindNodeAttribute {
		rec.Value = f.Value().Canonical()
	}
	return json.Marshal(rec)
}

// DecodeFact deserializes a fact stored by EncodeFact.
func DecodeFact(data []byte) (fact.Fact, error) {
	var rec factRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return fact.Fact{}, fmt.Errorf("decode fact record: %w", err)
	}

	var f fact.Fact
	switch fact.Kind(rec.Kind) {
	case fact.KindNodeLabel:
		f = fact.NodeLabel(rec.NodeID, rec.Label)
	case fact.KindNodeAttribute:
		v, err := fact.ParseValue(rec.Value)
		if err != nil {
			return fact.Fact{}, err
		}
		f = fact.NodeAttribute(rec.NodeID, rec.Attribute, v)
	case fact.KindRelationshipLabel:
		f = fact.RelationshipLabel(rec.RelID, rec.Label)
	case fact.KindRelationshipSource:
		f = fact.RelationshipSource(rec.RelID, rec.SourceID)
	case fact.KindRelationshipTarget:
		f = fact.RelationshipTarget(rec.RelID, rec.TargetID)
	default:
		return fact.Fact{}, fmt.Errorf("decode fact record: unknown kind %d", rec.Kind)
	}
	return f.WithLineage(fact.Lineage(rec.Lineage)), nil
}
