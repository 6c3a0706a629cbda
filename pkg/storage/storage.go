// Package storage contains the key-value backend contract every physical
// backend must satisfy and the FactStore built on top of it.
package storage

import (
	"context"
)

const (
	// DefaultAppendRetries bounds how many times a transient backend error
	// is retried before an append fails loudly.
	DefaultAppendRetries = 3

	// DefaultAppendRetryDelay is the fixed delay between append retries.
	DefaultAppendRetryDelay = 50 // milliseconds
)

// Entry is one key-value pair returned by a range scan.
type Entry struct {
	Key   string
	Value []byte
}

// EntryIterator is a lazy sequence of entries in key order.
//
// The caller must either consume the iterator fully or call Stop.
type EntryIterator interface {
	// Next returns the next entry, or ErrIteratorDone when exhausted.
	Next(ctx context.Context) (Entry, error)

	// Stop releases any resources held by the iterator.
	Stop()
}

// KeyValue is the contract a physical backend must satisfy. Key derivation
// lives outside the backend (see MakeIndex); a backend only stores opaque
// ordered string keys.
//
// Backends must iterate range scans in ascending key order. Put must
// overwrite an existing key, which is what makes appends idempotent: the key
// is a deterministic function of the fact's full content, so re-appending
// rewrites the same key.
type KeyValue interface {
	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Has reports whether key exists.
	Has(ctx context.Context, key string) (bool, error)

	// RangeScan returns a lazy iterator over every entry whose key starts
	// with prefix, in ascending key order.
	RangeScan(ctx context.Context, prefix string) (EntryIterator, error)

	// DeleteRange removes every entry with begin <= key < end.
	DeleteRange(ctx context.Context, begin, end string) error

	// Close releases backend resources. It does not delete data.
	Close() error
}
