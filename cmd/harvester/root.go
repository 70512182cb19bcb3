package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/Sternrassler/harvester/pkg/client"
	"github.com/Sternrassler/harvester/pkg/config"
	"github.com/Sternrassler/harvester/pkg/endpoint"
	"github.com/Sternrassler/harvester/pkg/harvest"
	"github.com/Sternrassler/harvester/pkg/logging"
	"github.com/Sternrassler/harvester/pkg/metrics"
	"github.com/Sternrassler/harvester/pkg/pagination"
	"github.com/Sternrassler/harvester/pkg/sink"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

// pushTimeout bounds the metrics push at exit.
const pushTimeout = 10 * time.Second

// flagBindings maps command-line flags to config keys.
var flagBindings = map[string]string{
	"base-url":    "base_url",
	"output-dir":  "output_dir",
	"concurrency": "concurrency_limit",
	"timeout":     "page_timeout",
	"fail-fast":   "fail_fast",
	"log-level":   "log.level",
	"pretty":      "log.pretty",
	"redis-addr":  "redis.addr",
}

func newRootCommand(stdout, stderr io.Writer) *cobra.Command {
	v := config.New()
	var cfgFile string

	cmd := &cobra.Command{
		Use:   "harvester [collections...]",
		Short: "Harvest paginated API collections into sorted JSON files",
		Long: `harvester probes each collection for its page count, fetches the remaining
pages in parallel and writes {output_dir}/{collection}.json sorted by id.
Positional arguments override the configured collections.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(v, cfgFile, args)
			if err != nil {
				return err
			}

			runID := uuid.NewString()
			logging.Setup(logging.Config{
				Level:  logging.LogLevel(cfg.Log.Level),
				Pretty: cfg.Log.Pretty,
				Output: stderr,
				RunID:  runID,
			})

			return run(cmd.Context(), cfg, runID, stdout)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&cfgFile, "config", "", "config file (default is ./harvester.yaml or ./config/harvester.yaml)")
	flags.String("base-url", config.DefaultBaseURL, "API root URL")
	flags.String("output-dir", config.DefaultOutputDir, "directory for {collection}.json files")
	flags.Int("concurrency", 0, "max in-flight page fetches per collection (0 = one per page)")
	flags.Duration("timeout", config.DefaultPageTimeout, "per-page fetch timeout")
	flags.Bool("fail-fast", false, "abort sibling collections on the first fatal error")
	flags.String("log-level", config.DefaultLogLevel, "log level (debug, info, warn, error)")
	flags.Bool("pretty", false, "human-readable log output")
	flags.String("redis-addr", "", "also publish documents to this Redis server")

	for flag, key := range flagBindings {
		// Lookup never returns nil here; every bound flag is declared above.
		_ = v.BindPFlag(key, flags.Lookup(flag))
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(stdout, "harvester version %s\n", version)
		},
	})

	return cmd
}

// loadConfig resolves flags > environment > config file > defaults.
func loadConfig(v *viper.Viper, cfgFile string, args []string) (*config.Config, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	if err := config.ReadFile(v, cfgFile); err != nil {
		return nil, err
	}
	if len(args) > 0 {
		v.Set("collections", args)
	}
	return config.Load(v)
}

// run harvests every configured collection and prints the timing lines.
// The returned error joins every fatal collection error.
func run(ctx context.Context, cfg *config.Config, runID string, stdout io.Writer) error {
	logger := logging.NewLogger("harvester")

	api, err := client.New(client.Config{
		UserAgent: cfg.UserAgent,
		Timeout:   cfg.RequestTimeout,
	})
	if err != nil {
		return fmt.Errorf("create client: %w", err)
	}

	fetcher := pagination.NewBatchFetcher(api, endpoint.New(cfg.BaseURL), pagination.Config{
		MaxConcurrency: cfg.ConcurrencyLimit,
		Timeout:        cfg.PageTimeout,
		MaxPages:       cfg.MaxPages,
	})

	out, closeSink, err := buildSink(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer closeSink()

	orchestrator := harvest.NewOrchestrator(
		harvest.NewPipeline(fetcher, out, runID),
		harvest.Options{FailFast: cfg.FailFast, Progress: stdout},
	)

	logger.Info().
		Strs("collections", cfg.Collections).
		Str("base_url", cfg.BaseURL).
		Str("version", version).
		Msg("Harvest started")

	start := time.Now()
	reports, runErr := orchestrator.RunAll(ctx, cfg.Collections)
	total := time.Since(start)
	fmt.Fprintf(stdout, "Total time: %s\n", total)

	written := 0
	for _, r := range reports {
		if r.Location != "" {
			written++
		}
	}
	logger.Info().
		Int("written", written).
		Int("collections", len(cfg.Collections)).
		Dur("duration", total).
		Msg("Harvest finished")

	if cfg.Metrics.PushgatewayURL != "" {
		pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), pushTimeout)
		if err := metrics.Push(pushCtx, cfg.Metrics.PushgatewayURL, cfg.Metrics.Job, runID); err != nil {
			logger.Warn().Err(err).Msg("Metrics push failed")
		}
		cancel()
	}

	return runErr
}

// buildSink returns the file sink, fanned out to Redis when configured, and
// a function releasing the Redis connection.
func buildSink(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (sink.Sink, func(), error) {
	files := sink.NewFileSink(cfg.OutputDir)
	if !cfg.Redis.Enabled() {
		return files, func() {}, nil
	}

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := redisClient.Ping(ctx).Err(); err != nil {
		redisClient.Close()
		return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	logger.Info().Str("addr", cfg.Redis.Addr).Msg("Connected to Redis")

	closeFn := func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn().Err(err).Msg("Failed to close Redis client")
		}
	}
	return sink.Multi(files, sink.NewRedisSink(redisClient, cfg.Redis.Prefix, cfg.Redis.TTL)), closeFn, nil
}
