package store

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rcliao/agent-runtime/internal/jsonl"
	"github.com/rcliao/agent-runtime/internal/model"
)

// AppendMessage appends one conversation turn to the thread's log. The caller
// must hold the thread's lock.
func (s *Store) AppendMessage(ctx context.Context, threadID string, msg model.Message) error {
	if msg.Role != model.RoleUser && msg.Role != model.RoleAssistant {
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now().UTC()
	}
	return s.AppendEvents(ctx, threadID, model.MessageEvent(msg))
}

// AppendEvent appends one event to the thread's log. The caller must hold the
// thread's lock.
func (s *Store) AppendEvent(ctx context.Context, threadID string, ev model.Event) error {
	return s.AppendEvents(ctx, threadID, ev)
}

// AppendEvents appends events in order with a single write and refreshes the
// manifest's activity fields. Earlier bytes of the log are never rewritten.
// The caller must hold the thread's lock.
func (s *Store) AppendEvents(ctx context.Context, threadID string, events ...model.Event) error {
	if len(events) == 0 {
		return nil
	}
	m, err := s.Get(ctx, threadID)
	if err != nil {
		return err
	}

	now := s.now().UTC()
	records := make([]any, 0, len(events))
	added := 0
	for i := range events {
		ev := events[i]
		if ev.Time.IsZero() {
			ev.Time = now
		}
		if !ev.Valid() {
			return fmt.Errorf("invalid %q event", ev.Kind)
		}
		if ev.Kind == model.EventMessage {
			if ev.Message.Timestamp.IsZero() {
				msg := *ev.Message
				msg.Timestamp = ev.Time
				ev.Message = &msg
			}
			added++
		}
		records = append(records, ev)
	}

	if err := jsonl.Append(s.eventsPath(threadID), records...); err != nil {
		return fmt.Errorf("append events %s: %w", threadID, err)
	}

	m.UpdatedAt = now
	m.MessageCount += added
	return s.writeManifest(m)
}

// LoadEvents replays the thread's full event log, oldest first. A truncated
// final line or a malformed line is skipped with a warning.
func (s *Store) LoadEvents(ctx context.Context, threadID string) ([]model.Event, error) {
	if _, err := s.Get(ctx, threadID); err != nil {
		return nil, err
	}
	events, skipped, err := jsonl.Read(s.eventsPath(threadID), model.Event.Valid)
	if err != nil {
		return nil, fmt.Errorf("%w: read events %s: %v", ErrCorrupt, threadID, err)
	}
	if skipped > 0 {
		s.logger.Warn("skipped malformed events", "thread_id", threadID, "count", skipped)
	}
	return events, nil
}

// LoadMessages returns the thread's user and assistant turns, oldest first.
func (s *Store) LoadMessages(ctx context.Context, threadID string) ([]model.Message, error) {
	events, err := s.LoadEvents(ctx, threadID)
	if err != nil {
		return nil, err
	}
	msgs := model.Messages(events)
	if msgs == nil {
		msgs = []model.Message{}
	}
	return msgs, nil
}

func (s *Store) eventsPath(threadID string) string {
	return filepath.Join(s.threadDir(threadID), eventsFile)
}
