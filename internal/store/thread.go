package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/oklog/ulid/v2"
	"github.com/rcliao/agent-runtime/internal/jsonl"
	"github.com/rcliao/agent-runtime/internal/model"
)

// CreateParams holds parameters for opening a thread.
type CreateParams struct {
	AgentID string
	Channel model.Channel
	Title   string
}

// Create allocates a thread id, writes the initial manifest, and creates an
// empty event log.
func (s *Store) Create(ctx context.Context, p CreateParams) (*model.Manifest, error) {
	if err := model.ValidateAgentID(p.AgentID); err != nil {
		return nil, err
	}
	channel := p.Channel
	if channel == "" {
		channel = model.ChannelSystem
	}
	if !model.ValidChannels[channel] {
		return nil, fmt.Errorf("invalid channel %q", channel)
	}

	var id string
	for {
		id = ulid.Make().String()
		err := os.Mkdir(s.threadDir(id), 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return nil, fmt.Errorf("create thread dir: %w", err)
		}
	}

	now := s.now().UTC()
	m := &model.Manifest{
		ID:        id,
		AgentID:   p.AgentID,
		Channel:   channel,
		Title:     p.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := os.WriteFile(filepath.Join(s.threadDir(id), eventsFile), nil, 0o644); err != nil {
		return nil, fmt.Errorf("create event log: %w", err)
	}
	if err := s.writeManifest(m); err != nil {
		return nil, err
	}
	s.logger.Debug("thread created", "thread_id", id, "agent_id", p.AgentID, "channel", channel)
	return m, nil
}

// Get returns the thread's manifest.
func (s *Store) Get(ctx context.Context, threadID string) (*model.Manifest, error) {
	if err := model.ValidateThreadID(threadID); err != nil {
		return nil, err
	}
	return s.readManifest(threadID)
}

// List returns every thread owned by agentID, oldest first. Threads whose
// manifest cannot be read are logged and left out.
func (s *Store) List(ctx context.Context, agentID string) ([]model.Manifest, error) {
	if err := model.ValidateAgentID(agentID); err != nil {
		return nil, err
	}
	all, err := s.scan(ctx)
	if err != nil {
		return nil, err
	}
	var out []model.Manifest
	for _, m := range all {
		if m.AgentID == agentID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Store) scan(ctx context.Context) ([]model.Manifest, error) {
	entries, err := os.ReadDir(s.ThreadsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list threads: %w", err)
	}
	var out []model.Manifest
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || model.ValidateThreadID(e.Name()) != nil {
			continue
		}
		m, err := s.readManifest(e.Name())
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				s.logger.Warn("skipping unreadable thread", "thread_id", e.Name(), "error", err)
			}
			continue
		}
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ThreadIDs returns the ids of every thread directory that still holds a
// manifest file, whether or not the manifest can be decoded.
func (s *Store) ThreadIDs(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.ThreadsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list threads: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !e.IsDir() || model.ValidateThreadID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.threadDir(e.Name()), manifestFile)); err != nil {
			continue
		}
		ids = append(ids, e.Name())
	}
	return ids, nil
}

// Delete removes the thread's manifest and log. The memory index is not
// touched here; the OnDelete hook and the next backfill clean it up.
func (s *Store) Delete(ctx context.Context, threadID string) error {
	m, err := s.Get(ctx, threadID)
	if err != nil && !errors.Is(err, ErrCorrupt) {
		return err
	}
	dir := s.threadDir(threadID)
	// Manifest first, so concurrent listings stop seeing the thread at once.
	if err := os.Remove(filepath.Join(dir, manifestFile)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove manifest: %w", err)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("remove thread: %w", err)
	}
	var owner string
	if m != nil {
		owner = m.AgentID
	}
	s.logger.Debug("thread deleted", "thread_id", threadID, "agent_id", owner)
	if s.onDelete != nil {
		go s.onDelete(owner)
	}
	return nil
}

// UpdateManifest applies patch to the thread's manifest and returns the
// result. Concurrent updates outside WithLock are last-writer-wins.
func (s *Store) UpdateManifest(ctx context.Context, threadID string, patch model.ManifestPatch) (*model.Manifest, error) {
	m, err := s.Get(ctx, threadID)
	if err != nil {
		return nil, err
	}
	patch.Apply(m)
	if err := s.writeManifest(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *Store) readManifest(threadID string) (*model.Manifest, error) {
	data, err := os.ReadFile(filepath.Join(s.threadDir(threadID), manifestFile))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, threadID)
		}
		return nil, fmt.Errorf("%w: read manifest %s: %v", ErrCorrupt, threadID, err)
	}
	var m model.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: decode manifest %s: %v", ErrCorrupt, threadID, err)
	}
	if m.ID != threadID {
		return nil, fmt.Errorf("%w: manifest %s names thread %q", ErrCorrupt, threadID, m.ID)
	}
	return &m, nil
}

func (s *Store) writeManifest(m *model.Manifest) error {
	if err := jsonl.WriteJSON(filepath.Join(s.threadDir(m.ID), manifestFile), m); err != nil {
		return fmt.Errorf("write manifest: %w", err)
	}
	return nil
}
