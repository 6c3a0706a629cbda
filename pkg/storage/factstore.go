package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/logger"
)

// FactStore is a set of facts bound to one key-value backend. Instances may
// be safely shared by multiple goroutines; synchronization of the underlying
// data is the backend's concern, the store only guards its own pre-filter.
type FactStore struct {
	kv     KeyValue
	logger logger.Logger

	appendRetries uint64
	retryDelay    time.Duration

	// Optional approximate-membership pre-filter. Only ever added to, so a
	// negative answer is authoritative; positives fall through to the
	// backend. Cleared only on store reset.
	mu     sync.Mutex
	filter *bloom.BloomFilter
}

var _ fact.AttributeReader = (*FactStore)(nil)

// FactStoreOption configures a FactStore.
type FactStoreOption func(*FactStore)

// WithLogger injects the store's logger.
func WithLogger(l logger.Logger) FactStoreOption {
	return func(s *FactStore) { s.logger = l }
}

// WithAppendRetries overrides how transient backend errors are retried on
// append: up to retries extra attempts with a fixed delay between them.
func WithAppendRetries(retries uint64, delay time.Duration) FactStoreOption {
	return func(s *FactStore) {
		s.appendRetries = retries
		s.retryDelay = delay
	}
}

// WithPrefilter enables the probabilistic membership pre-filter, sized for
// the expected number of facts at the given false-positive rate.
func WithPrefilter(expectedFacts uint, falsePositiveRate float64) FactStoreOption {
	return func(s *FactStore) {
		s.filter = bloom.NewWithEstimates(expectedFacts, falsePositiveRate)
	}
}

// NewFactStore binds a store to its backend. One store exists per engine.
func NewFactStore(kv KeyValue, opts ...FactStoreOption) *FactStore {
	s := &FactStore{
		kv:            kv,
		logger:        logger.NewNoopLogger(),
		appendRetries: DefaultAppendRetries,
		retryDelay:    DefaultAppendRetryDelay * time.Millisecond,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Append persists a fact under its derived keys. Appending an identical fact
// twice overwrites the same keys and leaves the store unchanged. Transient
// backend errors are retried a bounded number of times with a fixed delay,
// then propagated; a failed append means the fact is lost unless the caller
// resubmits it.
func (s *FactStore) Append(ctx context.Context, f fact.Fact) error {
	data, err := EncodeFact(f)
	if err != nil {
		return err
	}

	for _, key := range IndexKeys(f) {
		if err := s.putWithRetry(ctx, key, data); err != nil {
			return fmt.Errorf("append %s: %w", f, err)
		}
	}

	if s.filter != nil {
		s.mu.Lock()
		s.filter.AddString(MakeIndex(f))
		s.mu.Unlock()
	}
	return nil
}

func (s *FactStore) putWithRetry(ctx context.Context, key string, data []byte) error {
	attempt := 0
	op := func() error {
		err := s.kv.Put(ctx, key, data)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrTransient) {
			attempt++
			s.logger.WarnWithContext(ctx, "transient backend error on append, retrying",
				zap.String("key", key), zap.Int("attempt", attempt), zap.Error(err))
			return err
		}
		return backoff.Permanent(err)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), s.appendRetries),
		ctx,
	)
	return backoff.Retry(op, policy)
}

// Contains reports whether the store holds the given fact. When the
// pre-filter is enabled it short-circuits facts known absent; positives fall
// through to an authoritative backend lookup.
func (s *FactStore) Contains(ctx context.Context, f fact.Fact) (bool, error) {
	key := MakeIndex(f)

	if s.filter != nil {
		s.mu.Lock()
		maybe := s.filter.TestString(key)
		s.mu.Unlock()
		if !maybe {
			return false, nil
		}
	}

	return s.kv.Has(ctx, key)
}

// IterateAll returns a lazy iterator over every stored fact. Calling it again
// restarts from the beginning. On key-value backends this is a full scan over
// all primary key families and is expensive; prefer the indexed lookups.
func (s *FactStore) IterateAll(ctx context.Context) FactIterator {
	return &chainedFactIterator{kv: s.kv, prefixes: primaryPrefixes()}
}

// NodesWithLabel returns the ids of every node carrying the label, via a
// prefix scan over the label-first index.
func (s *FactStore) NodesWithLabel(ctx context.Context, label string) (IDIterator, error) {
	scan, err := s.kv.RangeScan(ctx, nodesWithLabelPrefix(label))
	if err != nil {
		return nil, err
	}
	return &recordIDIterator{entries: scan, pick: fact.Fact.NodeID}, nil
}

// LabelsOf returns every label carried by a node, via the node-first index.
func (s *FactStore) LabelsOf(ctx context.Context, nodeID string) (IDIterator, error) {
	scan, err := s.kv.RangeScan(ctx, labelsOfNodePrefix(nodeID))
	if err != nil {
		return nil, err
	}
	return &recordIDIterator{entries: scan, pick: fact.Fact.Label}, nil
}

// AttributeValue returns the value stored for (nodeID, attribute).
// It returns ErrNotFound when no value is stored and an
// ErrInconsistentAttribute error when different values are stored for the
// same pair, rather than silently picking one.
func (s *FactStore) AttributeValue(ctx context.Context, nodeID, attribute string) (fact.Value, error) {
	scan, err := s.kv.RangeScan(ctx, attributePrefix(nodeID, attribute))
	if err != nil {
		return fact.Value{}, err
	}
	defer scan.Stop()

	var (
		found  bool
		value  fact.Value
		values []string
	)
	for {
		entry, err := scan.Next(ctx)
		if err == ErrIteratorDone {
			break
		}
		if err != nil {
			return fact.Value{}, err
		}
		f, err := DecodeFact(entry.Value)
		if err != nil {
			return fact.Value{}, err
		}
		if !found {
			found = true
			value = f.Value()
		}
		values = append(values, f.Value().Canonical())
	}

	if !found {
		return fact.Value{}, fmt.Errorf("attribute %q of node %q: %w", attribute, nodeID, ErrNotFound)
	}
	if len(values) > 1 {
		return fact.Value{}, InconsistentAttributeError(nodeID, attribute, values)
	}
	return value, nil
}

// Attributes returns every attribute stored for a node. It fails with an
// ErrInconsistentAttribute error when an attribute holds conflicting values.
func (s *FactStore) Attributes(ctx context.Context, nodeID string) (map[string]fact.Value, error) {
	scan, err := s.kv.RangeScan(ctx, nodeAttributesPrefix(nodeID))
	if err != nil {
		return nil, err
	}
	defer scan.Stop()

	out := make(map[string]fact.Value)
	for {
		entry, err := scan.Next(ctx)
		if err == ErrIteratorDone {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		f, err := DecodeFact(entry.Value)
		if err != nil {
			return nil, err
		}
		if prev, dup := out[f.Attribute()]; dup && !prev.Equal(f.Value()) {
			return nil, InconsistentAttributeError(nodeID, f.Attribute(),
				[]string{prev.Canonical(), f.Value().Canonical()})
		}
		out[f.Attribute()] = f.Value()
	}
}

// RelationshipsWithLabel returns the ids of every relationship carrying the
// label, via the label-first inverted index.
func (s *FactStore) RelationshipsWithLabel(ctx context.Context, label string) (IDIterator, error) {
	scan, err := s.kv.RangeScan(ctx, relsWithLabelPrefix(label))
	if err != nil {
		return nil, err
	}
	return &recordIDIterator{entries: scan, pick: fact.Fact.RelID}, nil
}

// SourceOf returns the source node of a relationship, or ErrNotFound.
func (s *FactStore) SourceOf(ctx context.Context, relID string) (string, error) {
	return s.firstID(ctx, relSourcePrefix(relID), fact.Fact.SourceID, relID)
}

// TargetOf returns the target node of a relationship, or ErrNotFound.
func (s *FactStore) TargetOf(ctx context.Context, relID string) (string, error) {
	return s.firstID(ctx, relTargetPrefix(relID), fact.Fact.TargetID, relID)
}

func (s *FactStore) firstID(ctx context.Context, prefix string, pick func(fact.Fact) string, relID string) (string, error) {
	scan, err := s.kv.RangeScan(ctx, prefix)
	if err != nil {
		return "", err
	}
	it := &recordIDIterator{entries: scan, pick: pick}
	defer it.Stop()

	id, err := it.Next(ctx)
	if err == ErrIteratorDone {
		return "", fmt.Errorf("relationship %q endpoint: %w", relID, ErrNotFound)
	}
	if err != nil {
		return "", err
	}
	return id, nil
}

// RelationshipsFrom returns the ids of relationships starting at a node.
func (s *FactStore) RelationshipsFrom(ctx context.Context, nodeID string) (IDIterator, error) {
	scan, err := s.kv.RangeScan(ctx, relsFromNodePrefix(nodeID))
	if err != nil {
		return nil, err
	}
	return &recordIDIterator{entries: scan, pick: fact.Fact.RelID}, nil
}

// RelationshipsTo returns the ids of relationships ending at a node.
func (s *FactStore) RelationshipsTo(ctx context.Context, nodeID string) (IDIterator, error) {
	scan, err := s.kv.RangeScan(ctx, relsToNodePrefix(nodeID))
	if err != nil {
		return nil, err
	}
	return &recordIDIterator{entries: scan, pick: fact.Fact.RelID}, nil
}

// Close erases every stored fact, resets the pre-filter, and releases the
// backend. It exists for store reset; there is no other deletion path.
func (s *FactStore) Close(ctx context.Context) error {
	if err := s.kv.DeleteRange(ctx, "", keyspaceEnd); err != nil {
		return fmt.Errorf("erase fact store: %w", err)
	}

	if s.filter != nil {
		s.mu.Lock()
		s.filter.ClearAll()
		s.mu.Unlock()
	}

	return s.kv.Close()
}
