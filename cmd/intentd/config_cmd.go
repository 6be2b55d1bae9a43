package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"pkt.systems/intentd"
)

func newConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage intentd configuration files",
	}
	cmd.AddCommand(newConfigGenCommand())
	return cmd
}

func newConfigGenCommand() *cobra.Command {
	var outPath string
	var force bool
	var stdout bool
	defaultOutput := "$HOME/.intentd/" + intentd.DefaultConfigFileName
	if dir, err := intentd.DefaultConfigDir(); err == nil {
		defaultOutput = filepath.Join(dir, intentd.DefaultConfigFileName)
	}

	cmd := &cobra.Command{
		Use:   "gen",
		Short: "Generate a default intentd configuration file",
		RunE: func(cmd *cobra.Command, args []string) error {
			if stdout && outPath != "" {
				return fmt.Errorf("--stdout and --out are mutually exclusive")
			}
			if outPath == "" {
				dir, err := intentd.DefaultConfigDir()
				if err != nil {
					return fmt.Errorf("resolve config dir: %w", err)
				}
				outPath = filepath.Join(dir, intentd.DefaultConfigFileName)
			}

			data, err := defaultConfigYAML()
			if err != nil {
				return err
			}

			if stdout {
				fmt.Print(string(data))
				return nil
			}

			if err := os.MkdirAll(filepath.Dir(outPath), 0o755); err != nil {
				return fmt.Errorf("create config dir: %w", err)
			}
			if !force {
				if _, err := os.Stat(outPath); err == nil {
					return fmt.Errorf("config file %s already exists (use --force to overwrite)", outPath)
				} else if !errors.Is(err, os.ErrNotExist) {
					return fmt.Errorf("stat config file: %w", err)
				}
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("write config file: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote default config to %s\n", outPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&outPath, "out", "", fmt.Sprintf("output path for generated config (defaults to %s)", defaultOutput))
	cmd.Flags().BoolVar(&force, "force", false, "overwrite the target file if it already exists")
	cmd.Flags().BoolVar(&stdout, "stdout", false, "print the config to stdout instead of writing a file")
	return cmd
}

type configDefaults struct {
	Listen                 string  `yaml:"listen"`
	Store                  string  `yaml:"store"`
	VerifyQuorum           int     `yaml:"verify-quorum"`
	RequestTimeout         string  `yaml:"request-timeout"`
	MaxLine                string  `yaml:"max-line"`
	EvidenceMax            string  `yaml:"evidence-max"`
	EventLog               string  `yaml:"event-log"`
	EventLogSync           bool    `yaml:"event-log-sync"`
	DiskSync               bool    `yaml:"disk-sync"`
	S3Endpoint             string  `yaml:"s3-endpoint"`
	S3Region               string  `yaml:"s3-region"`
	S3ForcePathStyle       bool    `yaml:"s3-force-path-style"`
	S3Insecure             bool    `yaml:"s3-insecure"`
	StorageRetryAttempts   int     `yaml:"storage-retry-attempts"`
	StorageRetryBaseDelay  string  `yaml:"storage-retry-base-delay"`
	StorageRetryMaxDelay   string  `yaml:"storage-retry-max-delay"`
	StorageRetryMultiplier float64 `yaml:"storage-retry-multiplier"`
	OTLPEndpoint           string  `yaml:"otlp-endpoint"`
	MetricsListen          string  `yaml:"metrics-listen"`
	PprofListen            string  `yaml:"pprof-listen"`
	EnableProfilingMetrics bool    `yaml:"enable-profiling-metrics"`
	LogLevel               string  `yaml:"log-level"`
}

func defaultConfigYAML() ([]byte, error) {
	defaults := configDefaults{
		Listen:                 intentd.DefaultListen,
		Store:                  intentd.DefaultStore,
		VerifyQuorum:           intentd.DefaultVerifyQuorum,
		RequestTimeout:         intentd.DefaultRequestTimeout.String(),
		MaxLine:                humanizeBytes(intentd.DefaultMaxLineBytes),
		EvidenceMax:            humanizeBytes(intentd.DefaultEvidenceMaxBytes),
		StorageRetryAttempts:   intentd.DefaultStorageRetryMaxAttempts,
		StorageRetryBaseDelay:  intentd.DefaultStorageRetryBaseDelay.String(),
		StorageRetryMaxDelay:   intentd.DefaultStorageRetryMaxDelay.String(),
		StorageRetryMultiplier: intentd.DefaultStorageRetryMultiplier,
		MetricsListen:          intentd.DefaultMetricsListen,
		PprofListen:            intentd.DefaultPprofListen,
		LogLevel:               "info",
	}
	data, err := yaml.Marshal(&defaults)
	if err != nil {
		return nil, fmt.Errorf("marshal default config: %w", err)
	}
	header := []byte("# intentd configuration. Values mirror the command-line flags;\n# environment variables use the INTENTD_ prefix (e.g. INTENTD_STORE).\n")
	return append(header, data...), nil
}
