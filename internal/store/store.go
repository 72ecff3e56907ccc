// Package store provides the durable thread store: one append-only event log
// and one manifest per thread, a per-thread lock, and the episodic memory
// index derived from the logs.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rcliao/agent-runtime/internal/embedding"
	"github.com/rcliao/agent-runtime/internal/lock"
	"github.com/rcliao/agent-runtime/internal/memory"
	"github.com/rcliao/agent-runtime/internal/model"
)

var (
	// ErrNotFound is returned when a thread does not exist.
	ErrNotFound = errors.New("thread not found")
	// ErrCorrupt is returned when a thread's manifest or log cannot be read.
	// The thread is unusable but the store keeps working.
	ErrCorrupt = errors.New("thread data corrupt")
)

const (
	threadsDir   = "threads"
	agentsDir    = "agents"
	manifestFile = "manifest.json"
	eventsFile   = "events.jsonl"
)

// Config configures a Store. Root is required.
type Config struct {
	Root string
	// Embedder backs the memory index; nil disables search and indexing.
	Embedder embedding.Embedder
	// Locks is the process-wide lock table. A private one is used if nil.
	Locks  *lock.Manager
	Logger *slog.Logger
	Now    func() time.Time
	// OnDelete runs in its own goroutine after a thread is deleted, so the
	// caller can schedule index cleanup. agentID is empty when the owner
	// could not be read from a damaged manifest.
	OnDelete func(agentID string)
}

// Store is the thread store. Mutating calls (append, manifest update,
// delete) do not lock on their own; callers perform them inside WithLock so
// several steps of one run are atomic with respect to other callers.
type Store struct {
	root     string
	locks    *lock.Manager
	logger   *slog.Logger
	now      func() time.Time
	onDelete func(agentID string)
	index    *memory.Index
}

// New opens or creates a store under cfg.Root.
func New(cfg Config) (*Store, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("store: Root is required")
	}
	for _, dir := range []string{threadsDir, agentsDir} {
		if err := os.MkdirAll(filepath.Join(cfg.Root, dir), 0o755); err != nil {
			return nil, fmt.Errorf("create store dir: %w", err)
		}
	}

	s := &Store{
		root:     cfg.Root,
		locks:    cfg.Locks,
		logger:   cfg.Logger,
		now:      cfg.Now,
		onDelete: cfg.OnDelete,
	}
	if s.locks == nil {
		s.locks = lock.NewManager()
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.now == nil {
		s.now = time.Now
	}

	ix, err := memory.New(memory.Config{
		AgentsDir: filepath.Join(cfg.Root, agentsDir),
		Source:    s,
		Embedder:  cfg.Embedder,
		Locks:     s.locks,
		Logger:    s.logger,
		Now:       s.now,
	})
	if err != nil {
		return nil, err
	}
	s.index = ix
	return s, nil
}

// Close releases resources held by the memory index.
func (s *Store) Close() error {
	return s.index.Close()
}

// Root returns the storage root.
func (s *Store) Root() string { return s.root }

// ThreadsDir returns the directory holding one subdirectory per thread.
func (s *Store) ThreadsDir() string { return filepath.Join(s.root, threadsDir) }

// AgentDir returns the per-agent state directory.
func (s *Store) AgentDir(agentID string) string {
	return filepath.Join(s.root, agentsDir, agentID)
}

// Locks returns the lock table shared by the store and its callers.
func (s *Store) Locks() *lock.Manager { return s.locks }

// Index returns the episodic memory index.
func (s *Store) Index() *memory.Index { return s.index }

func (s *Store) threadDir(id string) string {
	return filepath.Join(s.root, threadsDir, id)
}

// WithLock runs fn while holding the thread's lock. It is the only sanctioned
// way to perform a multi-step mutation of one thread.
func (s *Store) WithLock(ctx context.Context, threadID string, fn func(ctx context.Context) error) error {
	return s.locks.WithLock(ctx, "thread:"+threadID, fn)
}

// SearchOptions scopes a recall query.
type SearchOptions struct {
	AgentID       string
	ThreadID      string
	ExcludeThread string
	Limit         int
}

// Search recalls the agent's past messages most similar to query.
func (s *Store) Search(ctx context.Context, query string, opts SearchOptions) (*memory.SearchResponse, error) {
	return s.index.Search(ctx, memory.SearchParams{
		AgentID:       opts.AgentID,
		Query:         query,
		Limit:         opts.Limit,
		ThreadID:      opts.ThreadID,
		ExcludeThread: opts.ExcludeThread,
	})
}

// Backfill reconciles the agent's memory index with its threads.
func (s *Store) Backfill(ctx context.Context, agentID string) (memory.BackfillResult, error) {
	return s.index.Backfill(ctx, agentID)
}

// Agents returns every agent id that has state under the root or owns a
// thread, sorted.
func (s *Store) Agents(ctx context.Context) ([]string, error) {
	seen := map[string]bool{}
	entries, err := os.ReadDir(filepath.Join(s.root, agentsDir))
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	for _, e := range entries {
		if e.IsDir() && model.ValidateAgentID(e.Name()) == nil {
			seen[e.Name()] = true
		}
	}
	manifests, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	for _, m := range manifests {
		seen[m.AgentID] = true
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}
