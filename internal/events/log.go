package events

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// LogConfig controls the NDJSON log emitter.
type LogConfig struct {
	// Path is the append-only log file. Parent directories are created.
	Path string
	// Sync forces an fsync after every appended record.
	Sync bool
}

// Log appends one JSON record per line to a log file. Concurrent emitters are
// serialized; append order equals commit order at the call sites.
type Log struct {
	mu   sync.Mutex
	f    *os.File
	sync bool
	last time.Time
}

// NewLog opens (or creates) the append-only event log at cfg.Path.
func NewLog(cfg LogConfig) (*Log, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("events: log path required")
	}
	if dir := filepath.Dir(cfg.Path); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("events: create log dir: %w", err)
		}
	}
	f, err := os.OpenFile(cfg.Path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("events: open log: %w", err)
	}
	return &Log{f: f, sync: cfg.Sync}, nil
}

// Emit appends ev as a single NDJSON line. Timestamps are forced monotonic
// non-decreasing across the emitter.
func (l *Log) Emit(_ context.Context, ev Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return fmt.Errorf("events: log closed")
	}
	if ev.Timestamp.Before(l.last) {
		ev.Timestamp = l.last
	}
	l.last = ev.Timestamp
	line, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("events: marshal: %w", err)
	}
	line = append(line, '\n')
	if _, err := l.f.Write(line); err != nil {
		return fmt.Errorf("events: append: %w", err)
	}
	if l.sync {
		if err := l.f.Sync(); err != nil {
			return fmt.Errorf("events: sync: %w", err)
		}
	}
	return nil
}

// Close flushes and closes the underlying file. Emit fails afterwards.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	err := l.f.Close()
	l.f = nil
	return err
}
