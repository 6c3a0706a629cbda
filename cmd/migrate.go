package cmd

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	_ "modernc.org/sqlite"

	"github.com/factgraph/factgraph/assets"
	"github.com/factgraph/factgraph/cmd/util"
)

const (
	datastoreEngineFlag = "datastore-engine"
	datastoreURIFlag    = "datastore-uri"
	timeoutFlag         = "timeout"
)

func NewMigrateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database schema migrations needed for the factgraph store",
		RunE:  runMigration,
		Args:  cobra.NoArgs,
		PreRun: func(cmd *cobra.Command, args []string) {
			flags := cmd.Flags()

			util.MustBindPFlag(datastoreEngineFlag, flags.Lookup(datastoreEngineFlag))
			util.MustBindPFlag(datastoreURIFlag, flags.Lookup(datastoreURIFlag))
			util.MustBindPFlag(timeoutFlag, flags.Lookup(timeoutFlag))
		},
	}

	flags := cmd.Flags()

	flags.String(datastoreEngineFlag, "", "(required) the datastore engine that will be used for persistence")
	flags.String(datastoreURIFlag, "", "(required) the connection uri of the database to run the migrations against")
	flags.Duration(timeoutFlag, 1*time.Minute, "a timeout after which the migration process will terminate")

	// NOTE: if you add a new flag here, add the binding in PreRun

	return cmd
}

func runMigration(_ *cobra.Command, _ []string) error {
	engine := viper.GetString(datastoreEngineFlag)
	uri := viper.GetString(datastoreURIFlag)
	timeout := viper.GetDuration(timeoutFlag)

	var driver string
	var dialect goose.Dialect
	var migrationsDir string
	switch engine {
	case "memory":
		log.Println("no migrations to run for `memory` datastore")
		return nil
	case "sqlite":
		driver = "sqlite"
		dialect = goose.DialectSQLite3
		migrationsDir = assets.SQLiteMigrationDir
	case "postgres":
		driver = "pgx"
		dialect = goose.DialectPostgres
		migrationsDir = assets.PostgresMigrationDir
	case "":
		return fmt.Errorf("missing datastore engine type")
	default:
		return fmt.Errorf("unknown datastore engine type: %s", engine)
	}

	db, err := sql.Open(driver, uri)
	if err != nil {
		return fmt.Errorf("failed to open a connection to the datastore: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			log.Printf("failed to close the datastore: %v", err)
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	policy := backoff.NewExponentialBackOff()
	policy.MaxElapsedTime = timeout
	err = backoff.Retry(func() error {
		return db.PingContext(ctx)
	}, backoff.WithContext(policy, ctx))
	if err != nil {
		return fmt.Errorf("failed to connect to the datastore within %s: %w", timeout, err)
	}

	provider, err := goose.NewProvider(dialect, db, assets.MigrationsFS(migrationsDir))
	if err != nil {
		return fmt.Errorf("failed to initialize the migrate command: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("failed to run migrations: %w", err)
	}
	for _, r := range results {
		log.Printf("applied migration %s in %s", r.Source.Path, r.Duration)
	}
	return nil
}
