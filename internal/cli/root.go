// Package cli provides the command-line interface for kb-ingest.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/bedrockagent"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/raphaelgruber/kbctl/internal/batch"
	"github.com/raphaelgruber/kbctl/internal/config"
	"github.com/raphaelgruber/kbctl/internal/ingest"
	"github.com/raphaelgruber/kbctl/internal/metrics"
	"github.com/raphaelgruber/kbctl/internal/retry"
	"github.com/raphaelgruber/kbctl/internal/tracking"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// Version is set at build time.
var Version = "0.1.0"

// envPrefix namespaces environment overrides: --batch-size reads KB_INGEST_BATCH_SIZE.
const envPrefix = "KB_INGEST"

// Flag names double as viper keys and config file keys.
const (
	flagConfig          = "config"
	flagKnowledgeBaseID = "knowledge-base-id"
	flagDataSourceID    = "data-source-id"
	flagBucket          = "bucket"
	flagPrefix          = "prefix"
	flagRegion          = "region"
	flagDebug           = "debug"
	flagLogFile         = "log-file"
	flagNoTracking      = "no-tracking"
	flagTrackingBackend = "tracking-backend"
	flagTrackingDir     = "tracking-dir"
	flagRedisURL        = "redis-url"
	flagPollInterval    = "poll-interval"
	flagWaitTimeout     = "wait-timeout"
	flagTrackDocuments  = "track-documents"

	flagWait          = "wait"
	flagBatchSize     = "batch-size"
	flagSkipMetadata  = "skip-metadata"
	flagForceReupload = "force-reupload"
	flagBatchDelay    = "batch-delay"
	flagMaxRetries    = "max-retries"
	flagRetryDelay    = "retry-delay"
	flagProgress      = "progress"
)

// AgentAPI is the bedrockagent surface used by the CLI.
type AgentAPI interface {
	ingest.IngestAPI
	ingest.StatusAPI
}

// Clients are the AWS clients a command needs.
type Clients struct {
	S3    s3.ListObjectsV2APIClient
	Agent AgentAPI
}

// ClientFactory builds AWS clients for a region.
type ClientFactory func(ctx context.Context, region string) (*Clients, error)

// awsClients is the production ClientFactory.
func awsClients(ctx context.Context, region string) (*Clients, error) {
	cfg, err := config.LoadAWS(ctx, region)
	if err != nil {
		return nil, err
	}
	return &Clients{
		S3:    s3.NewFromConfig(cfg),
		Agent: bedrockagent.NewFromConfig(cfg),
	}, nil
}

// settings is the resolved configuration of one invocation.
type settings struct {
	KnowledgeBaseID string
	DataSourceID    string
	Bucket          string
	Prefix          string
	Region          string
	Debug           bool
	LogFile         string

	NoTracking      bool
	TrackingBackend string
	TrackingDir     string
	RedisURL        string

	PollInterval   time.Duration
	WaitTimeout    time.Duration
	TrackDocuments bool

	Wait          bool
	BatchSize     int
	SkipMetadata  bool
	ForceReupload bool
	BatchDelay    time.Duration
	MaxRetries    int
	RetryDelay    time.Duration
	Progress      bool
}

// app carries the state shared by the commands of one invocation.
type app struct {
	v          *viper.Viper
	newClients ClientFactory
	isTerminal func() bool

	s        settings
	logger   *slog.Logger
	closeLog func() error
	metrics  *metrics.Collector
}

// NewRootCommand builds the kb-ingest command tree. A nil factory uses the default AWS
// credential chain.
func NewRootCommand(newClients ClientFactory) *cobra.Command {
	if newClients == nil {
		newClients = awsClients
	}
	a := &app{
		v:          viper.New(),
		newClients: newClients,
		isTerminal: stdoutIsTerminal,
		logger:     slog.New(slog.DiscardHandler),
		closeLog:   func() error { return nil },
		metrics:    metrics.NewCollector(),
	}

	rootCmd := &cobra.Command{
		Use:   "kb-ingest",
		Short: "Ingest S3 documents into an Amazon Bedrock knowledge base",
		Long: `kb-ingest lists the objects under an S3 prefix, submits them to a Bedrock
knowledge base data source in batches of at most 25 documents, and remembers
which files were ingested so later runs only send new ones.

Every flag can also be set through a KB_INGEST_* environment variable
(--batch-size becomes KB_INGEST_BATCH_SIZE) or a YAML file passed with --config.

Examples:
  kb-ingest --knowledge-base-id KB123 --data-source-id DS456 --bucket docs
  kb-ingest --knowledge-base-id KB123 --data-source-id DS456 --bucket docs --prefix policies/ --wait
  kb-ingest list --bucket docs --prefix policies/
  kb-ingest status --knowledge-base-id KB123 --data-source-id DS456 JOB789
  kb-ingest tracking show --knowledge-base-id KB123 --data-source-id DS456 --bucket docs`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.setup(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.closeLog()
		},
		RunE: a.runIngest,
	}

	pf := rootCmd.PersistentFlags()
	pf.String(flagConfig, "", "YAML config file with flag values")
	pf.String(flagKnowledgeBaseID, "", "knowledge base id")
	pf.String(flagDataSourceID, "", "data source id")
	pf.String(flagBucket, "", "S3 bucket containing documents")
	pf.String(flagPrefix, "", "S3 prefix (folder) containing documents")
	pf.String(flagRegion, "us-east-1", "AWS region")
	pf.Bool(flagDebug, false, "debug logging")
	pf.String(flagLogFile, "", "also write JSON logs to this file (rotated)")
	pf.Bool(flagNoTracking, false, "do not read or write the processed files record")
	pf.String(flagTrackingBackend, tracking.BackendFile, "where processed files are recorded: file, badger or redis")
	pf.String(flagTrackingDir, "", "directory for file and badger tracking (default ~/.bedrock_ingestion)")
	pf.String(flagRedisURL, "redis://localhost:6379/0", "redis URL for the redis tracking backend")
	pf.Duration(flagPollInterval, ingest.DefaultPollInterval, "pause between ingestion job status checks")
	pf.Duration(flagWaitTimeout, 0, "give up waiting for a job after this long (0 waits indefinitely)")
	pf.Bool(flagTrackDocuments, false, "follow per-document status when the job id is unknown")

	f := rootCmd.Flags()
	f.Bool(flagWait, false, "wait for each batch to complete before starting the next")
	f.Int(flagBatchSize, batch.MaxBatchSize, "documents per batch (max 25)")
	f.Bool(flagSkipMetadata, false, "skip .metadata.json files")
	f.Bool(flagForceReupload, false, "submit every file, even those already processed")
	f.Duration(flagBatchDelay, ingest.DefaultBatchDelay, "pause between batches when not waiting")
	f.Int(flagMaxRetries, retry.Ingestion().MaxAttempts, "attempts per batch while the concurrent operation limit is hit")
	f.Duration(flagRetryDelay, retry.Ingestion().InitialDelay, "first backoff delay, doubled on every retry")
	f.Bool(flagProgress, false, "show a progress view when stdout is a terminal")

	rootCmd.AddCommand(a.listCommand())
	rootCmd.AddCommand(a.statusCommand())
	rootCmd.AddCommand(a.trackingCommand())
	return rootCmd
}

// Execute runs kb-ingest with the default AWS clients.
func Execute(ctx context.Context) error {
	return NewRootCommand(nil).ExecuteContext(ctx)
}

// setup resolves settings from flags, environment and config file, then creates the logger.
func (a *app) setup(cmd *cobra.Command) error {
	if err := a.v.BindPFlags(cmd.Flags()); err != nil {
		return fmt.Errorf("bind flags: %w", err)
	}
	a.v.SetEnvPrefix(envPrefix)
	a.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	a.v.AutomaticEnv()

	if path := a.v.GetString(flagConfig); path != "" {
		a.v.SetConfigFile(path)
		if err := a.v.ReadInConfig(); err != nil {
			return fmt.Errorf("read config %s: %w", path, err)
		}
	}

	a.s = a.resolve()

	level := slog.LevelInfo
	if a.s.Debug {
		level = slog.LevelDebug
	}
	var stderr io.Writer = cmd.ErrOrStderr()
	// The progress view owns the terminal.
	if a.progressActive(cmd) {
		stderr = io.Discard
	}
	a.logger, a.closeLog = config.SetupLogger(config.LogOptions{
		File:       a.s.LogFile,
		Level:      level,
		MaxSizeMB:  20,
		MaxBackups: 3,
		Stderr:     stderr,
	})
	return nil
}

func (a *app) resolve() settings {
	v := a.v
	return settings{
		KnowledgeBaseID: v.GetString(flagKnowledgeBaseID),
		DataSourceID:    v.GetString(flagDataSourceID),
		Bucket:          v.GetString(flagBucket),
		Prefix:          v.GetString(flagPrefix),
		Region:          v.GetString(flagRegion),
		Debug:           v.GetBool(flagDebug),
		LogFile:         v.GetString(flagLogFile),

		NoTracking:      v.GetBool(flagNoTracking),
		TrackingBackend: v.GetString(flagTrackingBackend),
		TrackingDir:     v.GetString(flagTrackingDir),
		RedisURL:        v.GetString(flagRedisURL),

		PollInterval:   v.GetDuration(flagPollInterval),
		WaitTimeout:    v.GetDuration(flagWaitTimeout),
		TrackDocuments: v.GetBool(flagTrackDocuments),

		Wait:          v.GetBool(flagWait),
		BatchSize:     v.GetInt(flagBatchSize),
		SkipMetadata:  v.GetBool(flagSkipMetadata),
		ForceReupload: v.GetBool(flagForceReupload),
		BatchDelay:    v.GetDuration(flagBatchDelay),
		MaxRetries:    v.GetInt(flagMaxRetries),
		RetryDelay:    v.GetDuration(flagRetryDelay),
		Progress:      v.GetBool(flagProgress),
	}
}

func (a *app) progressActive(cmd *cobra.Command) bool {
	return cmd.Name() == "kb-ingest" && a.v.GetBool(flagProgress) && a.isTerminal()
}

// require reports flags that are still empty after flags, env and config were merged.
func (a *app) require(names ...string) error {
	var missing []string
	for _, n := range names {
		if a.v.GetString(n) == "" {
			missing = append(missing, "--"+n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required flag(s) %s not set", strings.Join(missing, ", "))
	}
	return nil
}

// openTracking returns the configured store, or nil when tracking is disabled.
func (a *app) openTracking(ctx context.Context) (tracking.Store, error) {
	if a.s.NoTracking {
		return nil, nil
	}
	id := tracking.RecordID(a.s.KnowledgeBaseID, a.s.DataSourceID, a.s.Bucket, a.s.Prefix)
	store, err := tracking.Open(ctx, tracking.Options{
		Backend:  a.s.TrackingBackend,
		Dir:      a.s.TrackingDir,
		RedisURL: a.s.RedisURL,
	}, id, a.logger)
	if err != nil {
		return nil, fmt.Errorf("open tracking: %w", err)
	}
	return store, nil
}

func (a *app) poller(api ingest.StatusAPI) *ingest.Poller {
	return ingest.NewPoller(api, ingest.PollerConfig{
		KnowledgeBaseID: a.s.KnowledgeBaseID,
		DataSourceID:    a.s.DataSourceID,
		Bucket:          a.s.Bucket,
		Interval:        a.s.PollInterval,
		Timeout:         a.s.WaitTimeout,
		TrackDocuments:  a.s.TrackDocuments,
	}, a.logger, a.metrics)
}

// logStats writes the per-operation timings at debug level.
func (a *app) logStats() {
	snap := a.metrics.Snapshot()
	for _, op := range snap.OperationNames() {
		s := snap.Operations[op]
		a.logger.Debug("operation stats",
			"op", op,
			"count", s.Count,
			"errors", s.Errors,
			"avg_ms", s.AvgTimeMs,
			"max_ms", s.MaxTimeMs)
	}
	for name, v := range snap.Counters {
		a.logger.Debug("counter", "name", name, "value", v)
	}
}

func closeStore(store tracking.Store, logger *slog.Logger) {
	if store == nil {
		return
	}
	if err := store.Close(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Warn("failed to close tracking store", "error", err)
	}
}
