// Package sqlcommon holds the query building shared by the SQL-backed
// key-value backends. Every backend stores entries in a single graph_index
// table and relies on the database's key ordering for range scans.
package sqlcommon

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/storage"
)

const tableName = "graph_index"

// Config holds the connection pool settings shared by SQL backends.
type Config struct {
	Logger          logger.Logger
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewConfig returns a Config with the defaults applied.
func NewConfig() *Config {
	return &Config{
		Logger:       logger.NewNoopLogger(),
		MaxOpenConns: 30,
		MaxIdleConns: 10,
	}
}

// Apply sets the pool settings on an opened handle.
func (c *Config) Apply(db *sql.DB) {
	if c.MaxOpenConns != 0 {
		db.SetMaxOpenConns(c.MaxOpenConns)
	}
	if c.MaxIdleConns != 0 {
		db.SetMaxIdleConns(c.MaxIdleConns)
	}
	if c.ConnMaxLifetime != 0 {
		db.SetConnMaxLifetime(c.ConnMaxLifetime)
	}
}

// DBInfo encapsulates a database handle together with the dialect-specific
// pieces: the statement builder, the upsert suffix, and the error mapper that
// decides which driver errors count as transient.
type DBInfo struct {
	db           *sql.DB
	stbl         sq.StatementBuilderType
	upsertSuffix string
	wrapError    func(error) error
}

// NewDBInfo constructs a [DBInfo].
func NewDBInfo(db *sql.DB, stbl sq.StatementBuilderType, upsertSuffix string, wrapError func(error) error) *DBInfo {
	return &DBInfo{
		db:           db,
		stbl:         stbl,
		upsertSuffix: upsertSuffix,
		wrapError:    wrapError,
	}
}

// Put upserts a key. The primary key on the key column makes re-appending a
// fact overwrite the same row.
func (d *DBInfo) Put(ctx context.Context, key string, value []byte) error {
	_, err := d.stbl.
		Insert(tableName).
		Columns("key", "value").
		Values(key, value).
		Suffix(d.upsertSuffix).
		ExecContext(ctx)
	if err != nil {
		return d.wrapError(err)
	}
	return nil
}

// Has reports key existence.
func (d *DBInfo) Has(ctx context.Context, key string) (bool, error) {
	var one int
	err := d.stbl.
		Select("1").
		From(tableName).
		Where(sq.Eq{"key": key}).
		Limit(1).
		QueryRowContext(ctx).
		Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, d.wrapError(err)
	}
	return true, nil
}

// RangeScan streams every entry whose key starts with prefix in ascending
// key order. The iterator holds a live result set until exhausted or stopped.
func (d *DBInfo) RangeScan(ctx context.Context, prefix string) (storage.EntryIterator, error) {
	query := d.stbl.
		Select("key", "value").
		From(tableName).
		OrderBy("key")
	if prefix != "" {
		query = query.
			Where(sq.GtOrEq{"key": prefix}).
			Where(sq.Lt{"key": PrefixEnd(prefix)})
	}

	rows, err := query.QueryContext(ctx)
	if err != nil {
		return nil, d.wrapError(err)
	}
	return &rowsIterator{rows: rows, wrapError: d.wrapError}, nil
}

// DeleteRange removes every entry with begin <= key < end.
func (d *DBInfo) DeleteRange(ctx context.Context, begin, end string) error {
	_, err := d.stbl.
		Delete(tableName).
		Where(sq.GtOrEq{"key": begin}).
		Where(sq.Lt{"key": end}).
		ExecContext(ctx)
	if err != nil {
		return d.wrapError(err)
	}
	return nil
}

// PrefixEnd returns the smallest string greater than every string with the
// given prefix.
func PrefixEnd(prefix string) string {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1])
		}
	}
	// All 0xff bytes; nothing sorts after the prefix family in practice.
	return prefix + "\xff"
}

type rowsIterator struct {
	rows      *sql.Rows
	wrapError func(error) error
	mu        sync.Mutex
	done      bool
}

// Next see [storage.EntryIterator].Next.
func (it *rowsIterator) Next(ctx context.Context) (storage.Entry, error) {
	if ctx.Err() != nil {
		return storage.Entry{}, ctx.Err()
	}

	it.mu.Lock()
	defer it.mu.Unlock()

	if it.done {
		return storage.Entry{}, storage.ErrIteratorDone
	}

	if !it.rows.Next() {
		it.done = true
		if err := it.rows.Err(); err != nil {
			_ = it.rows.Close()
			return storage.Entry{}, it.wrapError(err)
		}
		_ = it.rows.Close()
		return storage.Entry{}, storage.ErrIteratorDone
	}

	var entry storage.Entry
	if err := it.rows.Scan(&entry.Key, &entry.Value); err != nil {
		return storage.Entry{}, it.wrapError(err)
	}
	return entry, nil
}

// Stop see [storage.EntryIterator].Stop.
func (it *rowsIterator) Stop() {
	it.mu.Lock()
	defer it.mu.Unlock()

	if !it.done {
		it.done = true
		_ = it.rows.Close()
	}
}
