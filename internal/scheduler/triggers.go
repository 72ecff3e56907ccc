package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rcliao/agent-runtime/internal/jsonl"
	"github.com/rcliao/agent-runtime/internal/lock"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/tidwall/jsonc"
)

var (
	// ErrTriggerNotFound is returned when an agent has no trigger with the id.
	ErrTriggerNotFound = errors.New("trigger not found")
	// ErrInvalidTrigger is returned for triggers with a bad cron expression,
	// time zone, or channel.
	ErrInvalidTrigger = errors.New("invalid trigger")
)

const triggersFile = "triggers.json"

// storedTrigger is the union of every shape a trigger entry has been written
// in. Pointer and raw fields tell a missing key apart from a zero value.
type storedTrigger struct {
	ID       *string         `json:"id"`
	Cron     *string         `json:"cron"`
	TZ       *string         `json:"tz"`
	Prompt   *string         `json:"prompt"`
	Channel  *string         `json:"channel"`
	ThreadID *string         `json:"thread_id"`
	LastRun  json.RawMessage `json:"last_run"`
	Enabled  *bool           `json:"enabled"`

	// Older files used camelCase keys.
	LegacyThreadID *string         `json:"threadId"`
	LegacyLastRun  json.RawMessage `json:"lastRun"`
}

// Migrate converts one stored entry to the canonical trigger shape. keep is
// false for entries that are switched off, which are dropped rather than
// retained. changed reports whether the canonical encoding differs from what
// was stored, so the caller knows to persist it back.
func Migrate(raw json.RawMessage, newID func() string) (t model.Trigger, keep, changed bool, err error) {
	var st storedTrigger
	if err := json.Unmarshal(raw, &st); err != nil {
		return t, false, false, fmt.Errorf("decode trigger: %w", err)
	}
	if st.Enabled != nil {
		if !*st.Enabled {
			return t, false, true, nil
		}
		changed = true
	}

	if st.ID != nil && *st.ID != "" {
		t.ID = *st.ID
	} else {
		t.ID = newID()
		changed = true
	}
	if st.Cron != nil {
		t.Cron = *st.Cron
	}
	if st.Prompt != nil {
		t.Prompt = *st.Prompt
	}
	if st.TZ != nil && *st.TZ != "" {
		t.TZ = *st.TZ
	} else {
		t.TZ = "UTC"
		changed = true
	}
	if st.Channel != nil && *st.Channel != "" {
		t.Channel = model.Channel(*st.Channel)
	} else {
		t.Channel = model.ChannelSystem
		changed = true
	}

	switch {
	case st.ThreadID != nil:
		t.ThreadID = *st.ThreadID
		if st.LegacyThreadID != nil {
			changed = true
		}
	case st.LegacyThreadID != nil:
		t.ThreadID = *st.LegacyThreadID
		changed = true
	}

	lastRun := st.LastRun
	switch {
	case len(st.LastRun) > 0:
		if len(st.LegacyLastRun) > 0 {
			changed = true
		}
	case len(st.LegacyLastRun) > 0:
		lastRun = st.LegacyLastRun
		changed = true
	default:
		changed = true
	}
	if len(lastRun) > 0 && !bytes.Equal(lastRun, []byte("null")) {
		var ts time.Time
		if err := json.Unmarshal(lastRun, &ts); err != nil {
			// An unreadable timestamp is treated as never run.
			changed = true
		} else {
			t.LastRun = &ts
		}
	}
	return t, true, changed, nil
}

// Validate checks the fields a trigger needs to be scheduled.
func Validate(t model.Trigger) error {
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("%w: empty prompt", ErrInvalidTrigger)
	}
	if t.Channel != "" && !model.ValidChannels[t.Channel] {
		return fmt.Errorf("%w: channel %q", ErrInvalidTrigger, t.Channel)
	}
	if t.ThreadID != "" {
		if err := model.ValidateThreadID(t.ThreadID); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTrigger, err)
		}
	}
	_, err := ParseSchedule(t.Cron, t.TZ)
	return err
}

// fileEntry is one element of a triggers file. Entries that could not be
// decoded keep their original bytes so a rewrite does not lose them.
type fileEntry struct {
	trigger *model.Trigger
	raw     json.RawMessage
}

type triggerFile struct {
	entries []fileEntry
}

func (f *triggerFile) triggers() []*model.Trigger {
	var out []*model.Trigger
	for _, e := range f.entries {
		if e.trigger != nil {
			out = append(out, e.trigger)
		}
	}
	return out
}

func (f *triggerFile) find(id string) *model.Trigger {
	for _, e := range f.entries {
		if e.trigger != nil && e.trigger.ID == id {
			return e.trigger
		}
	}
	return nil
}

func (f *triggerFile) remove(id string) bool {
	for i, e := range f.entries {
		if e.trigger != nil && e.trigger.ID == id {
			f.entries = append(f.entries[:i], f.entries[i+1:]...)
			return true
		}
	}
	return false
}

func (f *triggerFile) marshal() ([]byte, error) {
	out := make([]json.RawMessage, 0, len(f.entries))
	for _, e := range f.entries {
		if e.trigger == nil {
			out = append(out, e.raw)
			continue
		}
		data, err := json.Marshal(e.trigger)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// TriggerStore keeps each agent's triggers in <agentsDir>/<agent>/triggers.json.
// Every read-modify-write of one agent's file runs under that agent's lock.
type TriggerStore struct {
	agentsDir string
	locks     *lock.Manager
	logger    *slog.Logger
}

// NewTriggerStore returns a store rooted at agentsDir. locks may be shared
// with the rest of the process; nil gets a private manager.
func NewTriggerStore(agentsDir string, locks *lock.Manager, logger *slog.Logger) *TriggerStore {
	if locks == nil {
		locks = lock.NewManager()
	}
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &TriggerStore{agentsDir: agentsDir, locks: locks, logger: logger}
}

func (s *TriggerStore) path(agentID string) string {
	return filepath.Join(s.agentsDir, agentID, triggersFile)
}

// read loads and migrates the agent's file. migrated reports whether the
// stored form needs to be written back.
func (s *TriggerStore) read(agentID string) (f *triggerFile, migrated bool, err error) {
	f = &triggerFile{}
	data, err := os.ReadFile(s.path(agentID))
	if err != nil {
		if os.IsNotExist(err) {
			return f, false, nil
		}
		return nil, false, fmt.Errorf("read triggers: %w", err)
	}
	data = jsonc.ToJSON(data)
	if len(bytes.TrimSpace(data)) == 0 {
		return f, false, nil
	}
	var raws []json.RawMessage
	if err := json.Unmarshal(data, &raws); err != nil {
		return nil, false, fmt.Errorf("parse triggers %s: %w", s.path(agentID), err)
	}

	for i, raw := range raws {
		t, keep, changed, err := Migrate(raw, newTriggerID)
		if err != nil {
			s.logger.Warn("keeping undecodable trigger entry", "agent_id", agentID, "index", i, "error", err)
			f.entries = append(f.entries, fileEntry{raw: raw})
			continue
		}
		if changed {
			migrated = true
		}
		if !keep {
			s.logger.Info("dropped disabled trigger", "agent_id", agentID, "index", i)
			continue
		}
		f.entries = append(f.entries, fileEntry{trigger: &t})
	}
	return f, migrated, nil
}

func (s *TriggerStore) write(agentID string, f *triggerFile) error {
	data, err := f.marshal()
	if err != nil {
		return fmt.Errorf("encode triggers: %w", err)
	}
	if err := jsonl.WriteFileAtomic(s.path(agentID), data); err != nil {
		return fmt.Errorf("write triggers: %w", err)
	}
	return nil
}

// modify runs fn on the agent's triggers under the agent's lock and persists
// the file when fn or migration changed it.
func (s *TriggerStore) modify(ctx context.Context, agentID string, fn func(f *triggerFile) (bool, error)) error {
	if err := model.ValidateAgentID(agentID); err != nil {
		return err
	}
	return s.locks.WithLock(ctx, "triggers:"+agentID, func(ctx context.Context) error {
		f, migrated, err := s.read(agentID)
		if err != nil {
			return err
		}
		changed, err := fn(f)
		if err != nil {
			return err
		}
		if migrated || changed {
			if migrated {
				s.logger.Info("migrated triggers file", "agent_id", agentID)
			}
			return s.write(agentID, f)
		}
		return nil
	})
}

// List returns the agent's triggers in file order. Loading normalizes older
// shapes and persists the canonical form.
func (s *TriggerStore) List(ctx context.Context, agentID string) ([]model.Trigger, error) {
	var out []model.Trigger
	err := s.modify(ctx, agentID, func(f *triggerFile) (bool, error) {
		for _, t := range f.triggers() {
			out = append(out, *t)
		}
		return false, nil
	})
	return out, err
}

// Get returns one trigger.
func (s *TriggerStore) Get(ctx context.Context, agentID, id string) (*model.Trigger, error) {
	var out *model.Trigger
	err := s.modify(ctx, agentID, func(f *triggerFile) (bool, error) {
		t := f.find(id)
		if t == nil {
			return false, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
		}
		cp := *t
		out = &cp
		return false, nil
	})
	return out, err
}

// Add validates t, assigns an id when it has none, and stores it.
func (s *TriggerStore) Add(ctx context.Context, agentID string, t model.Trigger) (*model.Trigger, error) {
	if t.TZ == "" {
		t.TZ = "UTC"
	}
	if t.Channel == "" {
		t.Channel = model.ChannelSystem
	}
	if err := Validate(t); err != nil {
		return nil, err
	}
	if t.ID == "" {
		t.ID = newTriggerID()
	}
	err := s.modify(ctx, agentID, func(f *triggerFile) (bool, error) {
		if f.find(t.ID) != nil {
			return false, fmt.Errorf("%w: id %q already exists", ErrInvalidTrigger, t.ID)
		}
		f.entries = append(f.entries, fileEntry{trigger: &t})
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("trigger added", "agent_id", agentID, "trigger_id", t.ID, "cron", t.Cron, "tz", t.TZ)
	return &t, nil
}

// Update applies fn to the trigger and stores the result after validating it.
// The id cannot be changed.
func (s *TriggerStore) Update(ctx context.Context, agentID, id string, fn func(t *model.Trigger)) (*model.Trigger, error) {
	var out model.Trigger
	err := s.modify(ctx, agentID, func(f *triggerFile) (bool, error) {
		t := f.find(id)
		if t == nil {
			return false, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
		}
		next := *t
		fn(&next)
		next.ID = id
		if err := Validate(next); err != nil {
			return false, err
		}
		*t = next
		out = next
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return &out, nil
}

// Remove deletes a trigger.
func (s *TriggerStore) Remove(ctx context.Context, agentID, id string) error {
	return s.modify(ctx, agentID, func(f *triggerFile) (bool, error) {
		if !f.remove(id) {
			return false, fmt.Errorf("%w: %s", ErrTriggerNotFound, id)
		}
		return true, nil
	})
}

// ClaimDue marks every trigger of the agent that is due at now as run, persists
// that, and returns the claimed triggers. Recording lastRun before the run
// starts means a crash mid-run cannot cause a refire loop. Triggers with an
// invalid schedule are logged and skipped.
func (s *TriggerStore) ClaimDue(ctx context.Context, agentID string, now time.Time) ([]model.Trigger, error) {
	var due []model.Trigger
	err := s.modify(ctx, agentID, func(f *triggerFile) (bool, error) {
		for _, t := range f.triggers() {
			sched, err := ParseSchedule(t.Cron, t.TZ)
			if err != nil {
				s.logger.Warn("skipping trigger with invalid schedule", "agent_id", agentID, "trigger_id", t.ID, "error", err)
				continue
			}
			if !sched.Due(now, t.LastRun) {
				continue
			}
			at := now.UTC()
			t.LastRun = &at
			due = append(due, *t)
		}
		return len(due) > 0, nil
	})
	return due, err
}

// Agents returns the ids of agents that have a triggers file, sorted.
func (s *TriggerStore) Agents() ([]string, error) {
	entries, err := os.ReadDir(s.agentsDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if !e.IsDir() || model.ValidateAgentID(e.Name()) != nil {
			continue
		}
		if _, err := os.Stat(s.path(e.Name())); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func newTriggerID() string {
	return strings.ToLower(ulid.Make().String())
}
