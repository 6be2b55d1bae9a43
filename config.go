package intentd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// DefaultConfigFileName is the config file searched for when --config is
// omitted.
const DefaultConfigFileName = "config.yaml"

// DefaultConfigDir returns the default configuration directory
// ($HOME/.intentd, or INTENTD_CONFIG_DIR when set).
func DefaultConfigDir() (string, error) {
	if override := strings.TrimSpace(os.Getenv("INTENTD_CONFIG_DIR")); override != "" {
		if filepath.IsAbs(override) {
			return override, nil
		}
		return filepath.Abs(override)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".intentd"), nil
}

// Defaults applied by Config.Validate.
const (
	// DefaultListen binds the JSON-RPC listener to the loopback interface.
	DefaultListen = "127.0.0.1:3000"
	// DefaultStore points the server at the in-memory backend when no store
	// URL is provided.
	DefaultStore = "mem://"
	// DefaultVerifyQuorum is the number of proofs required before an intent
	// flips to verified.
	DefaultVerifyQuorum = 3
	// DefaultRequestTimeout bounds handling of a single request.
	DefaultRequestTimeout = 30 * time.Second
	// DefaultMaxLineBytes caps one request line on the wire.
	DefaultMaxLineBytes = int64(1 << 20)
	// DefaultEvidenceMaxBytes caps a single evidence document.
	DefaultEvidenceMaxBytes = int64(1 << 20)
	// DefaultMetricsListen is the default metrics endpoint (empty disables).
	DefaultMetricsListen = ""
	// DefaultPprofListen is the default pprof debug listener (empty disables).
	DefaultPprofListen = ""
)

// Storage retry defaults.
const (
	DefaultStorageRetryMaxAttempts = 5
	DefaultStorageRetryBaseDelay   = 50 * time.Millisecond
	DefaultStorageRetryMaxDelay    = 2 * time.Second
	DefaultStorageRetryMultiplier  = 2.0
)

// Config holds the server configuration. The zero value plus Validate yields
// a loopback server with an in-memory store.
type Config struct {
	// Listen is the TCP address for the JSON-RPC listener.
	Listen string `json:"listen" yaml:"listen"`
	// Store selects the storage backend: mem://, disk://<path>, or
	// s3://<bucket>[/<prefix>].
	Store string `json:"store" yaml:"store"`
	// VerifyQuorum is the number of proofs required to verify an intent.
	VerifyQuorum int `json:"verify_quorum" yaml:"verify_quorum"`
	// RequestTimeout bounds handling of one request.
	RequestTimeout time.Duration `json:"request_timeout" yaml:"request_timeout"`
	// MaxLineBytes caps one request line; longer lines drop the connection.
	MaxLineBytes int64 `json:"max_line_bytes" yaml:"max_line_bytes"`
	// EvidenceMaxBytes caps a single evidence document.
	EvidenceMaxBytes int64 `json:"evidence_max_bytes" yaml:"evidence_max_bytes"`

	// EventLog appends every event as NDJSON to this path (empty disables).
	EventLog string `json:"event_log" yaml:"event_log"`
	// EventLogSync fsyncs the event log after every record.
	EventLogSync bool `json:"event_log_sync" yaml:"event_log_sync"`
	// DiskSync fsyncs every document written by the disk backend.
	DiskSync bool `json:"disk_sync" yaml:"disk_sync"`

	// S3Endpoint overrides the S3 endpoint (for MinIO or other S3
	// compatibles); empty targets AWS.
	S3Endpoint string `json:"s3_endpoint" yaml:"s3_endpoint"`
	// S3Region is handed to the S3 client verbatim.
	S3Region string `json:"s3_region" yaml:"s3_region"`
	// S3ForcePathStyle uses path-style bucket addressing.
	S3ForcePathStyle bool `json:"s3_force_path_style" yaml:"s3_force_path_style"`
	// S3Insecure disables TLS towards the S3 endpoint.
	S3Insecure bool `json:"s3_insecure" yaml:"s3_insecure"`

	StorageRetryMaxAttempts int           `json:"storage_retry_max_attempts" yaml:"storage_retry_max_attempts"`
	StorageRetryBaseDelay   time.Duration `json:"storage_retry_base_delay" yaml:"storage_retry_base_delay"`
	StorageRetryMaxDelay    time.Duration `json:"storage_retry_max_delay" yaml:"storage_retry_max_delay"`
	StorageRetryMultiplier  float64       `json:"storage_retry_multiplier" yaml:"storage_retry_multiplier"`

	// OTLPEndpoint enables trace export when set; accepts host:port or a
	// grpc://, grpcs://, http://, https:// URL.
	OTLPEndpoint string `json:"otlp_endpoint" yaml:"otlp_endpoint"`
	// MetricsListen serves Prometheus metrics on /metrics when set.
	MetricsListen string `json:"metrics_listen" yaml:"metrics_listen"`
	// PprofListen serves net/http/pprof when set.
	PprofListen string `json:"pprof_listen" yaml:"pprof_listen"`
	// EnableProfilingMetrics adds Go runtime metrics to the metrics endpoint.
	EnableProfilingMetrics bool `json:"enable_profiling_metrics" yaml:"enable_profiling_metrics"`
}

// Validate normalizes cfg in place, applying defaults and rejecting
// contradictory settings.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.Listen) == "" {
		c.Listen = DefaultListen
	}
	if strings.TrimSpace(c.Store) == "" {
		c.Store = DefaultStore
	}
	if c.VerifyQuorum < 0 {
		return fmt.Errorf("config: verify quorum must be >= 0")
	}
	if c.VerifyQuorum == 0 {
		c.VerifyQuorum = DefaultVerifyQuorum
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("config: request timeout must be >= 0")
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.MaxLineBytes <= 0 {
		c.MaxLineBytes = DefaultMaxLineBytes
	}
	if c.EvidenceMaxBytes <= 0 {
		c.EvidenceMaxBytes = DefaultEvidenceMaxBytes
	}
	if c.EvidenceMaxBytes > c.MaxLineBytes {
		return fmt.Errorf("config: evidence max bytes (%d) cannot exceed max line bytes (%d)", c.EvidenceMaxBytes, c.MaxLineBytes)
	}
	if c.StorageRetryMaxAttempts <= 0 {
		c.StorageRetryMaxAttempts = DefaultStorageRetryMaxAttempts
	}
	if c.StorageRetryBaseDelay <= 0 {
		c.StorageRetryBaseDelay = DefaultStorageRetryBaseDelay
	}
	if c.StorageRetryMaxDelay <= 0 {
		c.StorageRetryMaxDelay = DefaultStorageRetryMaxDelay
	}
	if c.StorageRetryMultiplier <= 0 {
		c.StorageRetryMultiplier = DefaultStorageRetryMultiplier
	}
	if c.EnableProfilingMetrics && strings.TrimSpace(c.MetricsListen) == "" {
		return fmt.Errorf("config: profiling metrics require metrics-listen")
	}
	if _, err := parseStoreURL(c.Store); err != nil {
		return err
	}
	return nil
}
