package storage

import (
	"context"

	"github.com/factgraph/factgraph/pkg/fact"
)

// FactIterator is a lazy sequence of facts.
type FactIterator interface {
	// Next returns the next fact, or ErrIteratorDone when exhausted.
	Next(ctx context.Context) (fact.Fact, error)

	// Stop releases the underlying scan.
	Stop()
}

// IDIterator is a lazy sequence of node or relationship identifiers.
type IDIterator interface {
	Next(ctx context.Context) (string, error)
	Stop()
}

// entryFactIterator decodes facts out of a raw entry scan.
type entryFactIterator struct {
	entries EntryIterator
}

func (it *entryFactIterator) Next(ctx context.Context) (fact.Fact, error) {
	entry, err := it.entries.Next(ctx)
	if err != nil {
		return fact.Fact{}, err
	}
	return DecodeFact(entry.Value)
}

func (it *entryFactIterator) Stop() { it.entries.Stop() }

// chainedFactIterator walks several scans back to back. Full-store iteration
// uses one scan per primary key family.
type chainedFactIterator struct {
	kv       KeyValue
	prefixes []string
	current  EntryIterator
}

func (it *chainedFactIterator) Next(ctx context.Context) (fact.Fact, error) {
	for {
		if it.current == nil {
			if len(it.prefixes) == 0 {
				return fact.Fact{}, ErrIteratorDone
			}
			scan, err := it.kv.RangeScan(ctx, it.prefixes[0])
			if err != nil {
				return fact.Fact{}, err
			}
			it.prefixes = it.prefixes[1:]
			it.current = scan
		}

		entry, err := it.current.Next(ctx)
		if err == ErrIteratorDone {
			it.current.Stop()
			it.current = nil
			continue
		}
		if err != nil {
			return fact.Fact{}, err
		}
		return DecodeFact(entry.Value)
	}
}

func (it *chainedFactIterator) Stop() {
	if it.current != nil {
		it.current.Stop()
		it.current = nil
	}
	it.prefixes = nil
}

// recordIDIterator yields one identifier per scanned entry, chosen by pick.
type recordIDIterator struct {
	entries EntryIterator
	pick    func(fact.Fact) string
}

func (it *recordIDIterator) Next(ctx context.Context) (string, error) {
	entry, err := it.entries.Next(ctx)
	if err != nil {
		return "", err
	}
	f, err := DecodeFact(entry.Value)
	if err != nil {
		return "", err
	}
	return it.pick(f), nil
}

func (it *recordIDIterator) Stop() { it.entries.Stop() }

// CollectIDs drains an IDIterator into a slice.
func CollectIDs(ctx context.Context, it IDIterator) ([]string, error) {
	defer it.Stop()
	var out []string
	for {
		id, err := it.Next(ctx)
		if err == ErrIteratorDone {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, id)
	}
}

// CollectFacts drains a FactIterator into a slice. Full scans are expensive
// on key-value backends; prefer the indexed lookups where one fits.
func CollectFacts(ctx context.Context, it FactIterator) ([]fact.Fact, error) {
	defer it.Stop()
	var out []fact.Fact
	for {
		f, err := it.Next(ctx)
		if err == ErrIteratorDone {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
}
