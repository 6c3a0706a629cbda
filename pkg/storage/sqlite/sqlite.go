// Package sqlite provides a SQLite implementation of the key-value backend
// contract.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("factgraph/pkg/storage/sqlite")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "sqlite."+name)
}

// Datastore provides a SQLite based implementation of [storage.KeyValue].
type Datastore struct {
	db     *sql.DB
	dbInfo *sqlcommon.DBInfo
}

// Ensures that Datastore implements the KeyValue contract.
var _ storage.KeyValue = (*Datastore)(nil)

// PrepareDSN normalizes a raw DSN, specifying defaults for journal mode and
// busy timeout when the caller did not.
func PrepareDSN(uri string) (string, error) {
	query := url.Values{}
	var err error

	if i := strings.Index(uri, "?"); i != -1 {
		query, err = url.ParseQuery(uri[i+1:])
		if err != nil {
			return uri, fmt.Errorf("error parsing dsn: %w", err)
		}

		uri = uri[:i]
	}

	foundJournalMode := false
	foundBusyTimeout := false
	for _, val := range query["_pragma"] {
		if strings.HasPrefix(val, "journal_mode") {
			foundJournalMode = true
		} else if strings.HasPrefix(val, "busy_timeout") {
			foundBusyTimeout = true
		}
	}

	if !foundJournalMode {
		query.Add("_pragma", "journal_mode(WAL)")
	}
	if !foundBusyTimeout {
		query.Add("_pragma", "busy_timeout(100)")
	}

	if !query.Has("_txlock") {
		query.Set("_txlock", "immediate")
	}

	uri += "?" + query.Encode()

	return uri, nil
}

// New opens a SQLite backend and brings its schema up to date.
func New(ctx context.Context, uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	uri, err := PrepareDSN(uri)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize sqlite connection: %w", err)
	}
	cfg.Apply(db)

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	stbl := sq.StatementBuilder.RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl,
		"ON CONFLICT (key) DO UPDATE SET value = excluded.value", HandleSQLError)

	return &Datastore{db: db, dbInfo: dbInfo}, nil
}

// HandleSQLError marks busy/locked driver errors as transient so appends
// retry them; everything else propagates unchanged.
func HandleSQLError(err error) error {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return fmt.Errorf("%w: %s", storage.ErrTransient, err)
		}
	}
	return err
}

// Put see [storage.KeyValue].Put.
func (d *Datastore) Put(ctx context.Context, key string, value []byte) error {
	ctx, span := startTrace(ctx, "Put")
	defer span.End()

	return d.dbInfo.Put(ctx, key, value)
}

// Has see [storage.KeyValue].Has.
func (d *Datastore) Has(ctx context.Context, key string) (bool, error) {
	ctx, span := startTrace(ctx, "Has")
	defer span.End()

	return d.dbInfo.Has(ctx, key)
}

// RangeScan see [storage.KeyValue].RangeScan.
func (d *Datastore) RangeScan(ctx context.Context, prefix string) (storage.EntryIterator, error) {
	ctx, span := startTrace(ctx, "RangeScan")
	defer span.End()

	return d.dbInfo.RangeScan(ctx, prefix)
}

// DeleteRange see [storage.KeyValue].DeleteRange.
func (d *Datastore) DeleteRange(ctx context.Context, begin, end string) error {
	ctx, span := startTrace(ctx, "DeleteRange")
	defer span.End()

	return d.dbInfo.DeleteRange(ctx, begin, end)
}

// Close closes the database handle.
func (d *Datastore) Close() error {
	return d.db.Close()
}
