package run

import (
	"github.com/spf13/cobra"

	"github.com/factgraph/factgraph/cmd/util"
)

// bindRunFlags binds the cobra cmd flags to the equivalent config value being managed
// by viper. This bridges the config between cobra flags and viper flags.
func bindRunFlags(command *cobra.Command) {
	defaultConfig := DefaultConfig()
	flags := command.Flags()

	flags.String("rows", defaultConfig.Rows, "the path of the JSON-lines file to ingest rows from ('-' reads stdin)")
	util.MustBindPFlag("rows", flags.Lookup("rows"))
	util.MustBindEnv("rows", "FACTGRAPH_ROWS")

	flags.String("datastore-engine", defaultConfig.Datastore.Engine, "the datastore engine that will be used for persistence")
	util.MustBindPFlag("datastore.engine", flags.Lookup("datastore-engine"))
	util.MustBindEnv("datastore.engine", "FACTGRAPH_DATASTORE_ENGINE")

	flags.String("datastore-uri", defaultConfig.Datastore.URI, "the connection uri to use to connect to the datastore (for any engine other than 'memory')")
	util.MustBindPFlag("datastore.uri", flags.Lookup("datastore-uri"))
	util.MustBindEnv("datastore.uri", "FACTGRAPH_DATASTORE_URI")

	flags.Int("datastore-max-open-conns", defaultConfig.Datastore.MaxOpenConns, "the maximum number of open connections to the datastore")
	util.MustBindPFlag("datastore.maxOpenConns", flags.Lookup("datastore-max-open-conns"))
	util.MustBindEnv("datastore.maxOpenConns", "FACTGRAPH_DATASTORE_MAX_OPEN_CONNS")

	flags.Int("datastore-max-idle-conns", defaultConfig.Datastore.MaxIdleConns, "the maximum number of connections to the datastore in the idle connection pool")
	util.MustBindPFlag("datastore.maxIdleConns", flags.Lookup("datastore-max-idle-conns"))
	util.MustBindEnv("datastore.maxIdleConns", "FACTGRAPH_DATASTORE_MAX_IDLE_CONNS")

	flags.Duration("datastore-conn-max-lifetime", defaultConfig.Datastore.ConnMaxLifetime, "the maximum amount of time a connection to the datastore may be reused")
	util.MustBindPFlag("datastore.connMaxLifetime", flags.Lookup("datastore-conn-max-lifetime"))
	util.MustBindEnv("datastore.connMaxLifetime", "FACTGRAPH_DATASTORE_CONN_MAX_LIFETIME")

	flags.Int("pipeline-queue-capacity", defaultConfig.Pipeline.QueueCapacity, "the capacity of each inter-stage queue")
	util.MustBindPFlag("pipeline.queueCapacity", flags.Lookup("pipeline-queue-capacity"))
	util.MustBindEnv("pipeline.queueCapacity", "FACTGRAPH_PIPELINE_QUEUE_CAPACITY")

	flags.Int("pipeline-pool-size", defaultConfig.Pipeline.PoolSize, "the number of workers in the shared batch-processing pool")
	util.MustBindPFlag("pipeline.poolSize", flags.Lookup("pipeline-pool-size"))
	util.MustBindEnv("pipeline.poolSize", "FACTGRAPH_PIPELINE_POOL_SIZE")

	flags.Int("pipeline-max-waiting", defaultConfig.Pipeline.MaxWaiting, "the number of batches that may wait on a saturated pool before stages fall back to inline processing")
	util.MustBindPFlag("pipeline.maxWaiting", flags.Lookup("pipeline-max-waiting"))
	util.MustBindEnv("pipeline.maxWaiting", "FACTGRAPH_PIPELINE_MAX_WAITING")

	flags.Int("pipeline-max-buffer-size", defaultConfig.Pipeline.MaxBufferSize, "the number of items a stage buffers before dispatching a batch")
	util.MustBindPFlag("pipeline.maxBufferSize", flags.Lookup("pipeline-max-buffer-size"))
	util.MustBindEnv("pipeline.maxBufferSize", "FACTGRAPH_PIPELINE_MAX_BUFFER_SIZE")

	flags.Duration("pipeline-buffer-timeout", defaultConfig.Pipeline.BufferTimeout, "how long a stage holds a partial buffer before flushing it")
	util.MustBindPFlag("pipeline.bufferTimeout", flags.Lookup("pipeline-buffer-timeout"))
	util.MustBindEnv("pipeline.bufferTimeout", "FACTGRAPH_PIPELINE_BUFFER_TIMEOUT")

	flags.Duration("pipeline-visibility-timeout", defaultConfig.Pipeline.VisibilityTimeout, "how long the match stage waits for an appended fact to be readable before dropping the match")
	util.MustBindPFlag("pipeline.visibilityTimeout", flags.Lookup("pipeline-visibility-timeout"))
	util.MustBindEnv("pipeline.visibilityTimeout", "FACTGRAPH_PIPELINE_VISIBILITY_TIMEOUT")

	flags.Bool("metrics-enabled", defaultConfig.Metrics.Enabled, "enable/disable prometheus metrics on the metrics address")
	util.MustBindPFlag("metrics.enabled", flags.Lookup("metrics-enabled"))
	util.MustBindEnv("metrics.enabled", "FACTGRAPH_METRICS_ENABLED")

	flags.String("metrics-addr", defaultConfig.Metrics.Addr, "the host:port address to serve the prometheus metrics server on")
	util.MustBindPFlag("metrics.addr", flags.Lookup("metrics-addr"))
	util.MustBindEnv("metrics.addr", "FACTGRAPH_METRICS_ADDR")

	flags.String("log-format", defaultConfig.Log.Format, "the log format to output logs in ('text' or 'json')")
	util.MustBindPFlag("log.format", flags.Lookup("log-format"))
	util.MustBindEnv("log.format", "FACTGRAPH_LOG_FORMAT")

	flags.String("log-level", defaultConfig.Log.Level, "the log level to use ('none', 'debug', 'info', 'warn', 'error', 'panic', 'fatal')")
	util.MustBindPFlag("log.level", flags.Lookup("log-level"))
	util.MustBindEnv("log.level", "FACTGRAPH_LOG_LEVEL")
}
