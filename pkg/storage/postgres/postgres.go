// Package postgres provides a PostgreSQL implementation of the key-value
// backend contract.
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	sq "github.com/Masterminds/squirrel"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // registers the pgx driver
	"github.com/pressly/goose/v3"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/factgraph/factgraph/assets"
	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/storage/sqlcommon"
)

var tracer = otel.Tracer("factgraph/pkg/storage/postgres")

func startTrace(ctx context.Context, name string) (context.Context, trace.Span) {
	return tracer.Start(ctx, "postgres."+name)
}

// Datastore provides a PostgreSQL based implementation of [storage.KeyValue].
type Datastore struct {
	db     *sql.DB
	dbInfo *sqlcommon.DBInfo
}

// Ensures that Datastore implements the KeyValue contract.
var _ storage.KeyValue = (*Datastore)(nil)

// New opens a PostgreSQL backend and brings its schema up to date.
func New(ctx context.Context, uri string, cfg *sqlcommon.Config) (*Datastore, error) {
	db, err := sql.Open("pgx", uri)
	if err != nil {
		return nil, fmt.Errorf("initialize postgres connection: %w", err)
	}
	cfg.Apply(db)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	if err := runMigrations(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}

	stbl := sq.StatementBuilder.PlaceholderFormat(sq.Dollar).RunWith(db)
	dbInfo := sqlcommon.NewDBInfo(db, stbl,
		"ON CONFLICT (key) DO UPDATE SET value = excluded.value", HandleSQLError)

	return &Datastore{db: db, dbInfo: dbInfo}, nil
}

func runMigrations(ctx context.Context, db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())

	provider, err := goose.NewProvider(goose.DialectPostgres, db, assets.MigrationsFS(assets.PostgresMigrationDir))
	if err != nil {
		return fmt.Errorf("initialize postgres migrations: %w", err)
	}

	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("run postgres migrations: %w", err)
	}
	return nil
}

// HandleSQLError marks serialization failures and deadlocks as transient so
// appends retry them; everything else propagates unchanged.
func HandleSQLError(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
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
