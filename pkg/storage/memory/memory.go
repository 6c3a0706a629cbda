// Package memory provides an ephemeral, ordered, in-memory implementation of
// the key-value backend contract.
package memory

import (
	"context"
	"strings"
	"sync"

	"github.com/emirpasic/gods/trees/redblacktree"

	"github.com/factgraph/factgraph/pkg/storage"
)

// staticEntryIterator serves a materialized snapshot of a range scan.
type staticEntryIterator struct {
	entries []storage.Entry
	mu      sync.Mutex
}

// Next see [storage.EntryIterator].Next.
func (s *staticEntryIterator) Next(ctx context.Context) (storage.Entry, error) {
	if ctx.Err() != nil {
		return storage.Entry{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.entries) == 0 {
		return storage.Entry{}, storage.ErrIteratorDone
	}

	next, rest := s.entries[0], s.entries[1:]
	s.entries = rest
	return next, nil
}

// Stop does not do anything for staticEntryIterator.
func (s *staticEntryIterator) Stop() {}

// StorageOption defines a function type used for configuring a [Backend].
type StorageOption func(b *Backend)

// Backend keeps keys in a red-black tree so range scans come back in key
// order. Instances may be safely shared by multiple goroutines.
type Backend struct {
	tree *redblacktree.Tree // GUARDED_BY(mu).
	mu   sync.RWMutex
}

// Ensures that [Backend] implements the [storage.KeyValue] contract.
var _ storage.KeyValue = (*Backend)(nil)

// New creates a new [Backend] given the options.
func New(opts ...StorageOption) *Backend {
	b := &Backend{
		tree: redblacktree.NewWithStringComparator(),
	}

	for _, opt := range opts {
		opt(b)
	}

	return b
}

// Put see [storage.KeyValue].Put.
func (b *Backend) Put(ctx context.Context, key string, value []byte) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	b.tree.Put(key, stored)
	return nil
}

// Has see [storage.KeyValue].Has.
func (b *Backend) Has(ctx context.Context, key string) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	_, ok := b.tree.Get(key)
	return ok, nil
}

// RangeScan see [storage.KeyValue].RangeScan. The snapshot is materialized
// under the read lock, so a scan never observes a partial write.
func (b *Backend) RangeScan(ctx context.Context, prefix string) (storage.EntryIterator, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	var entries []storage.Entry
	node, found := b.tree.Ceiling(prefix)
	if found {
		it := b.tree.IteratorAt(node)
		for {
			key := it.Key().(string)
			if !strings.HasPrefix(key, prefix) {
				break
			}
			entries = append(entries, storage.Entry{Key: key, Value: it.Value().([]byte)})
			if !it.Next() {
				break
			}
		}
	}

	return &staticEntryIterator{entries: entries}, nil
}

// DeleteRange see [storage.KeyValue].DeleteRange.
func (b *Backend) DeleteRange(ctx context.Context, begin, end string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	var doomed []string
	node, found := b.tree.Ceiling(begin)
	if found {
		it := b.tree.IteratorAt(node)
		for {
			key := it.Key().(string)
			if key >= end {
				break
			}
			doomed = append(doomed, key)
			if !it.Next() {
				break
			}
		}
	}

	for _, key := range doomed {
		b.tree.Remove(key)
	}
	return nil
}

// Close does not do anything for [Backend].
func (b *Backend) Close() error { return nil }
