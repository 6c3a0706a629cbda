package storage

import (
	"errors"
	"fmt"
)

var (
	// ErrIteratorDone is returned by iterators that have been exhausted.
	ErrIteratorDone = errors.New("iterator done")

	// ErrNotFound is returned when a lookup matches no stored fact.
	ErrNotFound = errors.New("not found")

	// ErrTransient marks a backend error worth retrying. Backends wrap
	// retriable driver errors with it; anything else fails the append
	// immediately.
	ErrTransient = errors.New("transient backend error")

	// ErrInconsistentAttribute is returned when more than one value is
	// stored for the same (node, attribute) pair. The store signals the
	// violation rather than silently picking one value.
	ErrInconsistentAttribute = errors.New("conflicting values stored for node attribute")
)

// InconsistentAttributeError reports the conflicting values found for a
// (node, attribute) pair. It unwraps to ErrInconsistentAttribute.
func InconsistentAttributeError(nodeID, attribute string, values []string) error {
	return fmt.Errorf("node %q attribute %q has %d values %v: %w",
		nodeID, attribute, len(values), values, ErrInconsistentAttribute)
}
