// Package run contains the command to ingest rows through the derivation
// pipeline.
package run

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/factgraph/factgraph/internal/pipeline"
	"github.com/factgraph/factgraph/pkg/engine"
	"github.com/factgraph/factgraph/pkg/ingest"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/storage/memory"
	"github.com/factgraph/factgraph/pkg/storage/postgres"
	"github.com/factgraph/factgraph/pkg/storage/sqlcommon"
	"github.com/factgraph/factgraph/pkg/storage/sqlite"
)

type DatastoreConfig struct {
	// Engine is one of memory, sqlite, postgres.
	Engine string
	URI    string

	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type LogConfig struct {
	// Format is one of text, json.
	Format string

	// Level is one of none, debug, info, warn, error, panic, fatal.
	Level string
}

type MetricsConfig struct {
	Enabled bool
	Addr    string
}

type PipelineConfig struct {
	QueueCapacity     int
	PoolSize          int
	MaxWaiting        int
	MaxBufferSize     int
	BufferTimeout     time.Duration
	VisibilityTimeout time.Duration
}

type Config struct {
	// Rows is the path of the JSON-lines file to ingest, or "-" for stdin.
	Rows string

	// Mapping declares how row fields become facts. It usually comes from
	// the config file.
	Mapping ingest.Mapping

	Datastore DatastoreConfig
	Pipeline  PipelineConfig
	Metrics   MetricsConfig
	Log       LogConfig
}

// DefaultConfig returns the run command's defaults.
func DefaultConfig() Config {
	return Config{
		Rows: "-",
		Datastore: DatastoreConfig{
			Engine:       "memory",
			MaxOpenConns: 30,
			MaxIdleConns: 10,
		},
		Pipeline: PipelineConfig{
			QueueCapacity:     engine.DefaultQueueCapacity,
			PoolSize:          engine.DefaultPoolSize,
			MaxWaiting:        engine.DefaultMaxWaiting,
			MaxBufferSize:     pipeline.DefaultMaxBufferSize,
			BufferTimeout:     pipeline.DefaultBufferTimeout,
			VisibilityTimeout: pipeline.DefaultVisibilityTimeout,
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Addr:    "0.0.0.0:2112",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// ReadConfig merges the config file, environment, and flags into a Config.
// The file is looked up as config.yaml in ./ , $HOME/.factgraph, and
// /etc/factgraph, first hit wins.
func ReadConfig() (Config, error) {
	config := DefaultConfig()

	viper.SetTypeByDefaultValue(true)
	err := viper.ReadInConfig()
	if err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return config, fmt.Errorf("failed to load server config: %w", err)
		}
	}

	if err := viper.Unmarshal(&config); err != nil {
		return config, fmt.Errorf("failed to unmarshal server config: %w", err)
	}
	return config, nil
}

func NewRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the factgraph derivation pipeline over a stream of rows",
		Long:  "Run the factgraph derivation pipeline: map rows into facts, store them, match them against registered triggers, and derive until the graph quiesces.",
		Args:  cobra.NoArgs,
		RunE:  run,
	}

	defaultConfig := DefaultConfig()
	viper.SetDefault("rows", defaultConfig.Rows)
	viper.SetDefault("datastore.engine", defaultConfig.Datastore.Engine)

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.factgraph")
	viper.AddConfigPath("/etc/factgraph")
	viper.SetEnvPrefix("FACTGRAPH")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	bindRunFlags(cmd)

	return cmd
}

func run(_ *cobra.Command, _ []string) error {
	config, err := ReadConfig()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return RunPipeline(ctx, config)
}

// RunPipeline executes one full ingestion run and blocks until the pipeline
// drains or ctx is cancelled.
func RunPipeline(ctx context.Context, config Config) error {
	log := logger.MustNewLogger(config.Log.Format, config.Log.Level)

	kv, err := openDatastore(ctx, config.Datastore)
	if err != nil {
		return err
	}
	defer func() {
		if err := kv.Close(); err != nil {
			log.Error("failed to close the datastore", zap.Error(err))
		}
	}()

	store := storage.NewFactStore(kv,
		storage.WithLogger(log),
		storage.WithPrefilter(1<<20, 0.01),
	)

	opts := []engine.Option{
		engine.WithLogger(log),
		engine.WithConfig(engine.Config{
			QueueCapacity: config.Pipeline.QueueCapacity,
			PoolSize:      config.Pipeline.PoolSize,
			MaxWaiting:    config.Pipeline.MaxWaiting,
			Stage: pipeline.Config{
				MaxBufferSize:     config.Pipeline.MaxBufferSize,
				BufferTimeout:     config.Pipeline.BufferTimeout,
				VisibilityTimeout: config.Pipeline.VisibilityTimeout,
			},
		}),
	}

	var metricsServer *http.Server
	if config.Metrics.Enabled {
		registry := prometheus.NewRegistry()
		registry.MustRegister(collectors.NewGoCollector())
		opts = append(opts, engine.WithMetricsRegisterer(registry))

		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		metricsServer = &http.Server{Addr: config.Metrics.Addr, Handler: mux}
		go func() {
			log.Info("starting metrics server", zap.String("addr", config.Metrics.Addr))
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				log.Error("metrics server failed", zap.Error(err))
			}
		}()
	}

	eng, err := engine.New(store, opts...)
	if err != nil {
		return fmt.Errorf("failed to build the engine: %w", err)
	}

	if err := eng.Start(ctx); err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		eng.Stop()
	}()

	if err := feedRows(ctx, eng, config); err != nil {
		eng.Stop()
		return err
	}

	err = eng.Wait(ctx)

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if serr := metricsServer.Shutdown(shutdownCtx); serr != nil {
			log.Error("failed to shutdown the metrics server", zap.Error(serr))
		}
	}

	if err != nil {
		return err
	}
	log.Info("run complete", zap.Int("exit_code", eng.ExitCode()))
	return nil
}

func feedRows(ctx context.Context, eng *engine.Engine, config Config) error {
	var in *os.File
	if config.Rows == "-" || config.Rows == "" {
		in = os.Stdin
	} else {
		f, err := os.Open(config.Rows)
		if err != nil {
			return fmt.Errorf("failed to open the rows file: %w", err)
		}
		defer f.Close()
		in = f
	}

	source := eng.AddSource(config.Mapping)
	defer source.Done()

	return ingest.ReadJSONL(in, func(row ingest.Row, _ string) error {
		return source.Put(ctx, row)
	})
}

func openDatastore(ctx context.Context, config DatastoreConfig) (storage.KeyValue, error) {
	sqlConfig := sqlcommon.NewConfig()
	sqlConfig.MaxOpenConns = config.MaxOpenConns
	sqlConfig.MaxIdleConns = config.MaxIdleConns
	sqlConfig.ConnMaxLifetime = config.ConnMaxLifetime

	switch config.Engine {
	case "memory":
		return memory.New(), nil
	case "sqlite":
		return sqlite.New(ctx, config.URI, sqlConfig)
	case "postgres":
		return postgres.New(ctx, config.URI, sqlConfig)
	default:
		return nil, fmt.Errorf("storage engine '%s' is unsupported", config.Engine)
	}
}
