// Package disk implements storage.Backend on a local directory, one JSON
// document per record. Writes go through a temp file plus rename so readers
// never observe partial documents.
package disk

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"pkt.systems/intentd/api"
	"pkt.systems/intentd/internal/storage"
)

const (
	intentsDir       = "intents"
	agentsDir        = "agents"
	verificationsDir = "verifications"
)

// Config controls the disk store.
type Config struct {
	// Root is the directory holding intents/, agents/, and verifications/.
	Root string
	// Sync fsyncs every document write before rename.
	Sync bool
}

// Store persists records under a root directory.
type Store struct {
	cfg Config

	mu     sync.Mutex
	closed bool
}

// New prepares the directory layout and returns a Store.
func New(cfg Config) (*Store, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("disk: root directory required")
	}
	for _, dir := range []string{intentsDir, agentsDir, verificationsDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("disk: create %s dir: %w", dir, err)
		}
	}
	return &Store{cfg: cfg}, nil
}

// PutIntent writes the intent document.
func (s *Store) PutIntent(ctx context.Context, intent *api.Intent) error {
	return s.writeDoc(ctx, filepath.Join(intentsDir, intent.ID+".json"), intent)
}

// GetIntent loads one intent document.
func (s *Store) GetIntent(ctx context.Context, id string) (*api.Intent, error) {
	var intent api.Intent
	if err := s.readDoc(ctx, filepath.Join(intentsDir, id+".json"), &intent); err != nil {
		return nil, err
	}
	return &intent, nil
}

// ListIntents loads every intent document in creation order.
func (s *Store) ListIntents(ctx context.Context) ([]*api.Intent, error) {
	ids, err := s.listIDs(ctx, intentsDir)
	if err != nil {
		return nil, err
	}
	out := make([]*api.Intent, 0, len(ids))
	for _, id := range ids {
		intent, err := s.GetIntent(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, intent)
	}
	sort.SliceStable(out, func(i, j int) bool { return byCreation(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

// PutAgent writes the agent document.
func (s *Store) PutAgent(ctx context.Context, agent *api.Agent) error {
	return s.writeDoc(ctx, filepath.Join(agentsDir, agent.ID+".json"), agent)
}

// GetAgent loads one agent document.
func (s *Store) GetAgent(ctx context.Context, id string) (*api.Agent, error) {
	var agent api.Agent
	if err := s.readDoc(ctx, filepath.Join(agentsDir, id+".json"), &agent); err != nil {
		return nil, err
	}
	return &agent, nil
}

// ListAgents loads every agent document in creation order.
func (s *Store) ListAgents(ctx context.Context) ([]*api.Agent, error) {
	ids, err := s.listIDs(ctx, agentsDir)
	if err != nil {
		return nil, err
	}
	out := make([]*api.Agent, 0, len(ids))
	for _, id := range ids {
		agent, err := s.GetAgent(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, agent)
	}
	sort.SliceStable(out, func(i, j int) bool { return byCreation(out[i].CreatedAt, out[j].CreatedAt, out[i].ID, out[j].ID) })
	return out, nil
}

// PutVerification writes the proof document under its intent's subdirectory.
func (s *Store) PutVerification(ctx context.Context, v *api.Verification) error {
	dir := filepath.Join(verificationsDir, v.IntentID)
	if err := os.MkdirAll(filepath.Join(s.cfg.Root, dir), 0o755); err != nil {
		return fmt.Errorf("disk: create verification dir: %w", err)
	}
	return s.writeDoc(ctx, filepath.Join(dir, v.ID+".json"), v)
}

// ListVerifications loads the proofs recorded for intentID in submission
// order (UUIDv7 ids are time-ordered).
func (s *Store) ListVerifications(ctx context.Context, intentID string) ([]*api.Verification, error) {
	dir := filepath.Join(verificationsDir, intentID)
	ids, err := s.listIDs(ctx, dir)
	if err != nil {
		return nil, err
	}
	sort.Strings(ids)
	out := make([]*api.Verification, 0, len(ids))
	for _, id := range ids {
		var v api.Verification
		if err := s.readDoc(ctx, filepath.Join(dir, id+".json"), &v); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				continue
			}
			return nil, err
		}
		out = append(out, &v)
	}
	return out, nil
}

// Close marks the store closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) guard(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return storage.ErrClosed
	}
	return nil
}

func (s *Store) writeDoc(ctx context.Context, rel string, doc any) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	payload, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("disk: marshal %s: %w", rel, err)
	}
	final := filepath.Join(s.cfg.Root, rel)
	tmp, err := os.CreateTemp(filepath.Dir(final), ".tmp-*")
	if err != nil {
		return storage.NewTransientError(fmt.Errorf("disk: temp file: %w", err))
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: write %s: %w", rel, err))
	}
	if s.cfg.Sync {
		if err := tmp.Sync(); err != nil {
			tmp.Close()
			os.Remove(tmpName)
			return storage.NewTransientError(fmt.Errorf("disk: sync %s: %w", rel, err))
		}
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: close temp: %w", err))
	}
	if err := os.Rename(tmpName, final); err != nil {
		os.Remove(tmpName)
		return storage.NewTransientError(fmt.Errorf("disk: rename %s: %w", rel, err))
	}
	return nil
}

func (s *Store) readDoc(ctx context.Context, rel string, doc any) error {
	if err := s.guard(ctx); err != nil {
		return err
	}
	payload, err := os.ReadFile(filepath.Join(s.cfg.Root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return storage.ErrNotFound
		}
		return storage.NewTransientError(fmt.Errorf("disk: read %s: %w", rel, err))
	}
	if err := json.Unmarshal(payload, doc); err != nil {
		return fmt.Errorf("disk: decode %s: %w", rel, err)
	}
	return nil
}

func (s *Store) listIDs(ctx context.Context, rel string) ([]string, error) {
	if err := s.guard(ctx); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(filepath.Join(s.cfg.Root, rel))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, storage.NewTransientError(fmt.Errorf("disk: list %s: %w", rel, err))
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".json") || strings.HasPrefix(name, ".tmp-") {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, ".json"))
	}
	return ids, nil
}

func byCreation(ti, tj time.Time, idI, idJ string) bool {
	if !ti.Equal(tj) {
		return ti.Before(tj)
	}
	return idI < idJ
}
