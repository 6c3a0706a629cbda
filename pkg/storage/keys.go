package storage

import (
	"strings"

	"github.com/factgraph/factgraph/pkg/fact"
)

// Key families. Each fact is stored under one primary key, shaped so that the
// query that wants it can prefix-scan for it, plus inverted-order index keys
// serving the reverse query direction.
const (
	keyNodeLabel       = "node_label"          // node_label:<label>:<nodeID>
	keyNodeLabelByNode = "node_label_by_node"  // node_label_by_node:<nodeID>:<label>
	keyNodeAttribute   = "node_attribute"      // node_attribute:<nodeID>:<attribute>:<value>
	keyRelLabel        = "relationship_label"  // relationship_label:<relID>:<label>
	keyRelLabelByLabel = "relationship_label_by_label"
	keyRelSource       = "relationship_source" // relationship_source:<relID>:<sourceID>
	keyRelSourceByNode = "relationship_source_by_node"
	keyRelTarget       = "relationship_target" // relationship_target:<relID>:<targetID>
	keyRelTargetByNode = "relationship_target_by_node"

	// keyspaceEnd sorts after every derived key; all families start with a
	// lowercase letter.
	keyspaceEnd = "~"
)

var segmentEscaper = strings.NewReplacer("%", "%25", ":", "%3a")

// escapeSegment makes an identifier safe for embedding in a composite key
// without colliding with the segment separator.
func escapeSegment(s string) string {
	return segmentEscaper.Replace(s)
}

func composite(parts ...string) string {
	escaped := make([]string, len(parts))
	for i, p := range parts {
		escaped[i] = escapeSegment(p)
	}
	return strings.Join(escaped, ":")
}

// MakeIndex derives the primary storage key for a fact. The key is a
// deterministic function of the fact's full content (lineage excluded), so
// appending the same fact twice overwrites the same key.
func MakeIndex(f fact.Fact) string {
	switch f.Kind() {
	case fact.KindNodeLabel:
		return keyNodeLabel + ":" + composite(f.Label(), f.NodeID())
	case fact.KindNodeAttribute:
		return keyNodeAttribute + ":" + composite(f.NodeID(), f.Attribute(), f.Value().Canonical())
	case fact.KindRelationshipLabel:
		return keyRelLabel + ":" + composite(f.RelID(), f.Label())
	case fact.KindRelationshipSource:
		return keyRelSource + ":" + composite(f.RelID(), f.SourceID())
	case fact.KindRelationshipTarget:
		return keyRelTarget + ":" + composite(f.RelID(), f.TargetID())
	default:
		return ""
	}
}

// IndexKeys returns every key a fact is stored under: the primary key first,
// then the inverted-order index keys.
func IndexKeys(f fact.Fact) []string {
	primary := MakeIndex(f)
	switch f.Kind() {
	case fact.KindNodeLabel:
		return []string{primary, keyNodeLabelByNode + ":" + composite(f.NodeID(), f.Label())}
	case fact.KindRelationshipLabel:
		return []string{primary, keyRelLabelByLabel + ":" + composite(f.Label(), f.RelID())}
	case fact.KindRelationshipSource:
		return []string{primary, keyRelSourceByNode + ":" + composite(f.SourceID(), f.RelID())}
	case fact.KindRelationshipTarget:
		return []string{primary, keyRelTargetByNode + ":" + composite(f.TargetID(), f.RelID())}
	default:
		return []string{primary}
	}
}

func nodesWithLabelPrefix(label string) string {
	return keyNodeLabel + ":" + escapeSegment(label) + ":"
}

func labelsOfNodePrefix(nodeID string) string {
	return keyNodeLabelByNode + ":" + escapeSegment(nodeID) + ":"
}

func attributePrefix(nodeID, attribute string) string {
	return keyNodeAttribute + ":" + escapeSegment(nodeID) + ":" + escapeSegment(attribute) + ":"
}

func nodeAttributesPrefix(nodeID string) string {
	return keyNodeAttribute + ":" + escapeSegment(nodeID) + ":"
}

func relsWithLabelPrefix(label string) string {
	return keyRelLabelByLabel + ":" + escapeSegment(label) + ":"
}

func relSourcePrefix(relID string) string {
	return keyRelSource + ":" + escapeSegment(relID) + ":"
}

func relTargetPrefix(relID string) string {
	return keyRelTarget + ":" + escapeSegment(relID) + ":"
}

func relsFromNodePrefix(nodeID string) string {
	return keyRelSourceByNode + ":" + escapeSegment(nodeID) + ":"
}

func relsToNodePrefix(nodeID string) string {
	return keyRelTargetByNode + ":" + escapeSegment(nodeID) + ":"
}

// primaryPrefixes lists the key families holding primary fact copies, one per
// fact kind. Full-store iteration walks these and skips the inverted indexes.
func primaryPrefixes() []string {
	return []string{
		keyNodeLabel + ":",
		keyNodeAttribute + ":",
		keyRelLabel + ":",
		keyRelSource + ":",
		keyRelTarget + ":",
	}
}
