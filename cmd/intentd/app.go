package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"pkt.systems/intentd"
	"pkt.systems/intentd/internal/svcfields"
	"pkt.systems/pslog"
)

func submain(ctx context.Context) int {
	baseLogger := pslog.LoggerFromEnv(context.Background(),
		pslog.WithEnvPrefix("INTENTD_LOG_"),
		pslog.WithEnvOptions(pslog.Options{Mode: pslog.ModeStructured, MinLevel: pslog.InfoLevel}),
		pslog.WithEnvWriter(os.Stderr),
	).With("app", "intentd")
	cmd := newRootCommand(baseLogger)
	ctx = withSignalCancel(ctx)
	if _, err := cmd.ExecuteContextC(ctx); err != nil {
		if err != context.Canceled {
			fmt.Fprintf(os.Stderr, "%s\n", err)
		}
		return 1
	}
	return 0
}

func humanizeBytes(n int64) string {
	return strings.ReplaceAll(humanize.Bytes(uint64(n)), " ", "")
}

func loadConfigFile() (string, error) {
	cfgPath := strings.TrimSpace(viper.GetString("config"))
	explicit := cfgPath != ""

	if cfgPath == "" {
		if dir, err := intentd.DefaultConfigDir(); err == nil {
			candidate := filepath.Join(dir, intentd.DefaultConfigFileName)
			if _, err := os.Stat(candidate); err == nil {
				cfgPath = candidate
			}
		}
	}

	if cfgPath == "" {
		return "", nil
	}

	expanded, err := expandPath(cfgPath)
	if err != nil {
		return "", fmt.Errorf("expand config path %q: %w", cfgPath, err)
	}
	info, err := os.Stat(expanded)
	if err != nil {
		if os.IsNotExist(err) && !explicit {
			return "", nil
		}
		return "", fmt.Errorf("config file %q: %w", expanded, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("config file %q is a directory", expanded)
	}

	viper.SetConfigFile(expanded)
	if err := viper.ReadInConfig(); err != nil {
		return "", fmt.Errorf("read config file %q: %w", expanded, err)
	}
	return expanded, nil
}

func expandPath(p string) (string, error) {
	if p == "" {
		return "", nil
	}
	if strings.HasPrefix(p, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		if len(p) == 1 {
			p = home
		} else if p[1] == '/' || p[1] == '\\' {
			p = filepath.Join(home, p[2:])
		}
	}
	return filepath.Abs(p)
}

func newRootCommand(baseLogger pslog.Logger) *cobra.Command {
	var cfg intentd.Config

	cmd := &cobra.Command{
		Use:           "intentd",
		Short:         "intentd is a single-binary intent verification coordination service speaking newline-delimited JSON-RPC over TCP",
		SilenceErrors: true,
		Example: `
  # In-memory storage (tests/dev)
  intentd --store mem://

  # Disk backend rooted at /var/lib/intentd
  intentd --store disk:///var/lib/intentd

  # MinIO backend (append ?insecure=1 for HTTP)
  INTENTD_STORE='s3://intentd-data?endpoint=localhost:9000&path-style=1&insecure=1' intentd

  # Require five proofs before an intent verifies
  intentd --verify-quorum 5
`,
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := baseLogger
			cliLogger := svcfields.WithSubsystem(logger, "cli.root")
			ctx := cmd.Context()
			cmd.SilenceUsage = true

			configFile, err := loadConfigFile()
			if err != nil {
				return err
			}
			if configFile != "" {
				cliLogger.Info("loaded config file", "path", configFile)
			}

			if err := bindConfig(&cfg); err != nil {
				return err
			}
			logLevel := strings.TrimSpace(viper.GetString("log-level"))
			if logLevel == "" {
				logLevel = "info"
			}
			if level, ok := pslog.ParseLevel(logLevel); ok {
				logger = logger.LogLevel(level)
				cliLogger = svcfields.WithSubsystem(logger, "cli.root")
			}

			svcfields.WithSubsystem(logger, "server.lifecycle.init").Info(
				"welcome to intentd",
				"pid", os.Getpid(),
				"uid", os.Getuid(),
				"gid", os.Getgid(),
			)

			server, err := intentd.NewServer(cfg, intentd.WithLogger(logger))
			if err != nil {
				return err
			}

			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				_ = server.Shutdown(shutdownCtx)
			}()

			go func() {
				<-ctx.Done()
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
				defer cancel()
				if err := server.Shutdown(shutdownCtx); err != nil {
					cliLogger.Error("shutdown failed", "error", err)
				}
			}()

			return server.Start()
		},
	}

	persistentFlags := cmd.PersistentFlags()
	persistentFlags.StringP("config", "c", "", "path to YAML config file (defaults to $HOME/.intentd/"+intentd.DefaultConfigFileName+")")

	flags := cmd.Flags()
	flags.String("listen", intentd.DefaultListen, "TCP listen address for the JSON-RPC endpoint")
	flags.String("store", "", "storage backend URL (mem://, disk:///path, s3://bucket[/prefix])")
	flags.Int("verify-quorum", intentd.DefaultVerifyQuorum, "number of proofs required before an intent flips to verified")
	flags.Duration("request-timeout", intentd.DefaultRequestTimeout, "per-request handling timeout")
	flags.String("max-line", humanizeBytes(intentd.DefaultMaxLineBytes), "maximum request line size on the wire")
	flags.String("evidence-max", humanizeBytes(intentd.DefaultEvidenceMaxBytes), "maximum size of a single evidence document")
	flags.String("event-log", "", "append lifecycle events as NDJSON to this path (empty disables)")
	flags.Bool("event-log-sync", false, "fsync the event log after every record")
	flags.Bool("disk-sync", false, "fsync every document written by the disk backend")
	flags.String("s3-endpoint", "", "S3 endpoint for s3:// backends (empty targets AWS)")
	flags.String("s3-region", "", "S3 region for s3:// backends")
	flags.Bool("s3-force-path-style", false, "use path-style bucket addressing")
	flags.Bool("s3-insecure", false, "disable TLS towards the S3 endpoint")
	flags.Int("storage-retry-attempts", intentd.DefaultStorageRetryMaxAttempts, "maximum storage retry attempts")
	flags.Duration("storage-retry-base-delay", intentd.DefaultStorageRetryBaseDelay, "initial backoff for storage retries")
	flags.Duration("storage-retry-max-delay", intentd.DefaultStorageRetryMaxDelay, "maximum backoff delay for storage retries")
	flags.Float64("storage-retry-multiplier", intentd.DefaultStorageRetryMultiplier, "backoff multiplier for storage retries")
	flags.String("otlp-endpoint", "", "OTLP collector endpoint (e.g. grpc://localhost:4317)")
	flags.String("metrics-listen", intentd.DefaultMetricsListen, "metrics listen address (Prometheus scrape endpoint; empty disables)")
	flags.String("pprof-listen", intentd.DefaultPprofListen, "pprof listen address (debug/pprof endpoints; empty disables)")
	flags.Bool("enable-profiling-metrics", false, "enable Go runtime profiling metrics on the Prometheus endpoint")
	flags.String("log-level", "info", "log level (trace|debug|info|warn|error)")

	bindFlag := func(name string) {
		flag := flags.Lookup(name)
		if flag == nil {
			flag = persistentFlags.Lookup(name)
		}
		if flag == nil {
			panic(fmt.Sprintf("flag %q not found", name))
		}
		if err := viper.BindPFlag(name, flag); err != nil {
			panic(err)
		}
	}

	viper.SetEnvPrefix("INTENTD")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()

	names := []string{
		"config",
		"listen", "store", "verify-quorum", "request-timeout", "max-line", "evidence-max",
		"event-log", "event-log-sync", "disk-sync",
		"s3-endpoint", "s3-region", "s3-force-path-style", "s3-insecure",
		"storage-retry-attempts", "storage-retry-base-delay", "storage-retry-max-delay", "storage-retry-multiplier",
		"otlp-endpoint", "metrics-listen", "pprof-listen", "enable-profiling-metrics",
		"log-level",
	}
	for _, name := range names {
		bindFlag(name)
	}

	clientCfg := addClientConnectionFlags(cmd)

	cmd.AddCommand(newIntentCommand(clientCfg))
	cmd.AddCommand(newAgentCommand(clientCfg))
	cmd.AddCommand(newInfoCommand(clientCfg))
	cmd.AddCommand(newEventsCommand())
	cmd.AddCommand(newConfigCommand())
	cmd.AddCommand(newVersionCommand())

	return cmd
}

func bindConfig(cfg *intentd.Config) error {
	cfg.Listen = viper.GetString("listen")
	cfg.Store = viper.GetString("store")
	cfg.VerifyQuorum = viper.GetInt("verify-quorum")
	cfg.RequestTimeout = viper.GetDuration("request-timeout")
	if maxLine := viper.GetString("max-line"); maxLine != "" {
		size, err := humanize.ParseBytes(maxLine)
		if err != nil {
			return fmt.Errorf("parse max-line: %w", err)
		}
		cfg.MaxLineBytes = int64(size)
	}
	if evidenceMax := viper.GetString("evidence-max"); evidenceMax != "" {
		size, err := humanize.ParseBytes(evidenceMax)
		if err != nil {
			return fmt.Errorf("parse evidence-max: %w", err)
		}
		cfg.EvidenceMaxBytes = int64(size)
	}
	cfg.EventLog = viper.GetString("event-log")
	cfg.EventLogSync = viper.GetBool("event-log-sync")
	cfg.DiskSync = viper.GetBool("disk-sync")
	cfg.S3Endpoint = viper.GetString("s3-endpoint")
	cfg.S3Region = viper.GetString("s3-region")
	cfg.S3ForcePathStyle = viper.GetBool("s3-force-path-style")
	cfg.S3Insecure = viper.GetBool("s3-insecure")
	cfg.StorageRetryMaxAttempts = viper.GetInt("storage-retry-attempts")
	cfg.StorageRetryBaseDelay = viper.GetDuration("storage-retry-base-delay")
	cfg.StorageRetryMaxDelay = viper.GetDuration("storage-retry-max-delay")
	cfg.StorageRetryMultiplier = viper.GetFloat64("storage-retry-multiplier")
	cfg.OTLPEndpoint = viper.GetString("otlp-endpoint")
	cfg.MetricsListen = viper.GetString("metrics-listen")
	cfg.PprofListen = viper.GetString("pprof-listen")
	cfg.EnableProfilingMetrics = viper.GetBool("enable-profiling-metrics")
	return nil
}

func withSignalCancel(ctx context.Context) context.Context {
	ctx, cancel := context.WithCancel(ctx)
	signals := make(chan os.Signal, 1)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		select {
		case <-signals:
			cancel()
		case <-ctx.Done():
		}
		signal.Stop(signals)
	}()
	return ctx
}
