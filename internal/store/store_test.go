package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rcliao/agent-runtime/internal/embedding"
	"github.com/rcliao/agent-runtime/internal/model"
)

// letterEmbedder maps text to a small bag-of-letters vector.
type letterEmbedder struct{}

func (letterEmbedder) Embed(_ context.Context, text string) (embedding.Vector, error) {
	v := make(embedding.Vector, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v, nil
}

func (letterEmbedder) Dims() int { return 26 }

func (letterEmbedder) Available(_ context.Context) bool { return true }

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(Config{Root: t.TempDir(), Embedder: letterEmbedder{}})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func appendLocked(t *testing.T, s *Store, threadID string, role model.Role, text string) {
	t.Helper()
	ctx := context.Background()
	err := s.WithLock(ctx, threadID, func(ctx context.Context) error {
		return s.AppendMessage(ctx, threadID, model.Message{Role: role, Text: text})
	})
	if err != nil {
		t.Fatalf("append %q: %v", text, err)
	}
}

func TestCreateAndGet(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Create(ctx, CreateParams{AgentID: "main", Channel: model.ChannelTerminal, Title: "first"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.ID == "" || m.AgentID != "main" || m.Channel != model.ChannelTerminal {
		t.Fatalf("unexpected manifest: %+v", m)
	}

	got, err := s.Get(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Title != "first" || !got.CreatedAt.Equal(m.CreatedAt) {
		t.Errorf("get returned %+v, want %+v", got, m)
	}

	msgs, err := s.LoadMessages(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 0 {
		t.Errorf("new thread has %d messages", len(msgs))
	}
}

func TestCreateDefaultsAndValidation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	m, err := s.Create(ctx, CreateParams{AgentID: "main"})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if m.Channel != model.ChannelSystem {
		t.Errorf("default channel = %q", m.Channel)
	}

	if _, err := s.Create(ctx, CreateParams{AgentID: "Bad Agent"}); !errors.Is(err, model.ErrInvalidID) {
		t.Errorf("expected ErrInvalidID, got %v", err)
	}
	if _, err := s.Create(ctx, CreateParams{AgentID: "main", Channel: "pager"}); err == nil {
		t.Error("expected error for unknown channel")
	}
}

func TestCreateUniqueIDs(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)

	var mu sync.Mutex
	seen := map[string]bool{}
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			m, err := s.Create(ctx, CreateParams{AgentID: "main"})
			if err != nil {
				t.Errorf("create: %v", err)
				return
			}
			mu.Lock()
			seen[m.ID] = true
			mu.Unlock()
		}()
	}
	wg.Wait()
	if len(seen) != 20 {
		t.Errorf("expected 20 distinct ids, got %d", len(seen))
	}
}

func TestNotFound(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	missing := "01ARZ3NDEKTSV4RRFFQ69G5FAV"

	if _, err := s.Get(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("get: expected ErrNotFound, got %v", err)
	}
	if _, err := s.LoadMessages(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("load: expected ErrNotFound, got %v", err)
	}
	err := s.AppendMessage(ctx, missing, model.Message{Role: model.RoleUser, Text: "x"})
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("append: expected ErrNotFound, got %v", err)
	}
	if err := s.Delete(ctx, missing); !errors.Is(err, ErrNotFound) {
		t.Errorf("delete: expected ErrNotFound, got %v", err)
	}
	if _, err := s.Get(ctx, "../etc"); !errors.Is(err, model.ErrInvalidID) {
		t.Errorf("get traversal: expected ErrInvalidID, got %v", err)
	}
}

func TestAppendOnly(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})

	path := s.eventsPath(m.ID)
	var prev []byte
	for i, text := range []string{"one", "two", "three", "four"} {
		role := model.RoleUser
		if i%2 == 1 {
			role = model.RoleAssistant
		}
		appendLocked(t, s, m.ID, role, text)

		data, err := os.ReadFile(path)
		if err != nil {
			t.Fatal(err)
		}
		if !strings.HasPrefix(string(data), string(prev)) {
			t.Fatalf("append %d rewrote earlier bytes", i)
		}
		prev = data
	}

	msgs, err := s.LoadMessages(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 4 {
		t.Fatalf("expected 4 messages, got %d", len(msgs))
	}
	for i, want := range []string{"one", "two", "three", "four"} {
		if msgs[i].Text != want {
			t.Errorf("msgs[%d] = %q, want %q", i, msgs[i].Text, want)
		}
	}

	got, _ := s.Get(ctx, m.ID)
	if got.MessageCount != 4 {
		t.Errorf("message_count = %d, want 4", got.MessageCount)
	}
	if got.UpdatedAt.Before(got.CreatedAt) {
		t.Errorf("updated_at %v before created_at %v", got.UpdatedAt, got.CreatedAt)
	}
}

func TestLoadDropsTruncatedTail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})
	appendLocked(t, s, m.ID, model.RoleUser, "kept")

	f, err := os.OpenFile(s.eventsPath(m.ID), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"message","ts":"2026-01-01T00:00:00Z","message":{"role":"assis`)
	f.Close()

	msgs, err := s.LoadMessages(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 1 || msgs[0].Text != "kept" {
		t.Errorf("expected only the complete message, got %+v", msgs)
	}
}

func TestAppendAfterTornTail(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})
	appendLocked(t, s, m.ID, model.RoleUser, "kept")

	f, err := os.OpenFile(s.eventsPath(m.ID), os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		t.Fatal(err)
	}
	f.WriteString(`{"type":"message","ts":"2026-01-01T00:00:00Z","message":{"role":"assis`)
	f.Close()

	appendLocked(t, s, m.ID, model.RoleAssistant, "after crash")

	msgs, err := s.LoadMessages(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Text != "kept" || msgs[1].Text != "after crash" {
		t.Fatalf("expected both complete messages, got %+v", msgs)
	}
	got, _ := s.Get(ctx, m.ID)
	if got.MessageCount != len(msgs) {
		t.Errorf("message_count = %d, log holds %d", got.MessageCount, len(msgs))
	}
}

func TestEventProjection(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})

	err := s.WithLock(ctx, m.ID, func(ctx context.Context) error {
		return s.AppendEvents(ctx, m.ID,
			model.MessageEvent(model.Message{Role: model.RoleUser, Text: "list files"}),
			model.Event{Kind: model.EventToolUse, ToolUse: &model.ToolUse{ID: "t1", Name: "ls"}},
			model.Event{Kind: model.EventToolResult, ToolResult: &model.ToolResult{ToolUseID: "t1", Output: "a.go"}},
			model.Event{Kind: model.EventAssistantText, Text: "a.go"},
			model.MessageEvent(model.Message{Role: model.RoleAssistant, Text: "a.go"}),
			model.Event{Kind: model.EventResult, Result: &model.RunResult{DurationMS: 12}},
		)
	})
	if err != nil {
		t.Fatalf("append: %v", err)
	}

	events, err := s.LoadEvents(ctx, m.ID)
	if err != nil {
		t.Fatalf("load events: %v", err)
	}
	if len(events) != 6 {
		t.Fatalf("expected 6 events, got %d", len(events))
	}
	if events[1].ToolUse.Name != "ls" || events[5].Result.DurationMS != 12 {
		t.Errorf("payloads not round-tripped: %+v", events)
	}

	msgs, _ := s.LoadMessages(ctx, m.ID)
	if len(msgs) != 2 {
		t.Errorf("expected 2 messages in projection, got %d", len(msgs))
	}
	got, _ := s.Get(ctx, m.ID)
	if got.MessageCount != 2 {
		t.Errorf("message_count = %d, want 2", got.MessageCount)
	}
}

func TestAppendRejectsInvalidEvent(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})

	if err := s.AppendEvent(ctx, m.ID, model.Event{Kind: model.EventToolUse}); err == nil {
		t.Error("expected error for tool_use without payload")
	}
	if err := s.AppendMessage(ctx, m.ID, model.Message{Role: "system", Text: "x"}); err == nil {
		t.Error("expected error for system role")
	}
	events, _ := s.LoadEvents(ctx, m.ID)
	if len(events) != 0 {
		t.Errorf("rejected events were written: %+v", events)
	}
}

func TestListAndDelete(t *testing.T) {
	ctx := context.Background()
	deleted := make(chan string, 1)
	s, err := New(Config{
		Root:     t.TempDir(),
		OnDelete: func(agentID string) { deleted <- agentID },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	a1, _ := s.Create(ctx, CreateParams{AgentID: "alpha"})
	a2, _ := s.Create(ctx, CreateParams{AgentID: "alpha"})
	s.Create(ctx, CreateParams{AgentID: "beta"})

	list, err := s.List(ctx, "alpha")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 2 || list[0].ID != a1.ID || list[1].ID != a2.ID {
		t.Fatalf("unexpected list: %+v", list)
	}

	if err := s.Delete(ctx, a1.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case agent := <-deleted:
		if agent != "alpha" {
			t.Errorf("OnDelete got %q", agent)
		}
	case <-time.After(time.Second):
		t.Error("OnDelete not called")
	}
	if _, err := os.Stat(s.threadDir(a1.ID)); !os.IsNotExist(err) {
		t.Errorf("thread dir still exists: %v", err)
	}

	list, _ = s.List(ctx, "alpha")
	if len(list) != 1 || list[0].ID != a2.ID {
		t.Errorf("after delete: %+v", list)
	}

	agents, err := s.Agents(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(agents) != 2 || agents[0] != "alpha" || agents[1] != "beta" {
		t.Errorf("agents = %v", agents)
	}
}

func TestCorruptManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	good, _ := s.Create(ctx, CreateParams{AgentID: "main"})
	bad, _ := s.Create(ctx, CreateParams{AgentID: "main"})

	if err := os.WriteFile(filepath.Join(s.threadDir(bad.ID), manifestFile), []byte("{not json"), 0o644); err != nil {
		t.Fatal(err)
	}

	if _, err := s.Get(ctx, bad.ID); !errors.Is(err, ErrCorrupt) {
		t.Errorf("expected ErrCorrupt, got %v", err)
	}
	list, err := s.List(ctx, "main")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(list) != 1 || list[0].ID != good.ID {
		t.Errorf("corrupt thread not skipped: %+v", list)
	}
	if err := s.Delete(ctx, bad.ID); err != nil {
		t.Errorf("delete corrupt thread: %v", err)
	}
}

func TestUpdateManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main", Title: "old"})

	title := "new"
	run := "run-1"
	got, err := s.UpdateManifest(ctx, m.ID, model.ManifestPatch{Title: &title, LastRunID: &run})
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Title != "new" || got.LastRunID != "run-1" || got.AgentID != "main" {
		t.Errorf("unexpected manifest: %+v", got)
	}
	reread, _ := s.Get(ctx, m.ID)
	if reread.Title != "new" {
		t.Errorf("update not persisted: %+v", reread)
	}
}

func TestWithLockSerializesAppends(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.WithLock(ctx, m.ID, func(ctx context.Context) error {
				if err := s.AppendMessage(ctx, m.ID, model.Message{Role: model.RoleUser, Text: "q"}); err != nil {
					return err
				}
				return s.AppendMessage(ctx, m.ID, model.Message{Role: model.RoleAssistant, Text: "a"})
			})
			if err != nil {
				t.Errorf("run: %v", err)
			}
		}()
	}
	wg.Wait()

	msgs, _ := s.LoadMessages(ctx, m.ID)
	if len(msgs) != 20 {
		t.Fatalf("expected 20 messages, got %d", len(msgs))
	}
	for i := 0; i < len(msgs); i += 2 {
		if msgs[i].Role != model.RoleUser || msgs[i+1].Role != model.RoleAssistant {
			t.Fatalf("runs interleaved at %d", i)
		}
	}
	got, _ := s.Get(ctx, m.ID)
	if got.MessageCount != 20 {
		t.Errorf("message_count = %d, want 20", got.MessageCount)
	}
}

func TestBackfillKeepsThreadWithCorruptManifest(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})
	appendLocked(t, s, m.ID, model.RoleUser, "remember the milk")

	res, err := s.Backfill(ctx, "main")
	if err != nil || res.Embedded != 1 {
		t.Fatalf("first backfill = %+v, %v", res, err)
	}
	if err := os.WriteFile(filepath.Join(s.threadDir(m.ID), manifestFile), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}

	res, err = s.Backfill(ctx, "main")
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if res.Cleaned != 0 {
		t.Errorf("records of an existing thread were cleaned: %+v", res)
	}

	ids, err := s.ThreadIDs(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 1 || ids[0] != m.ID {
		t.Errorf("ThreadIDs = %v, want [%s]", ids, m.ID)
	}
}

func TestDeleteCorruptThreadNotifiesUnknownOwner(t *testing.T) {
	ctx := context.Background()
	deleted := make(chan string, 1)
	s, err := New(Config{
		Root:     t.TempDir(),
		OnDelete: func(agentID string) { deleted <- agentID },
	})
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})
	if err := os.WriteFile(filepath.Join(s.threadDir(m.ID), manifestFile), []byte("{"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	select {
	case agent := <-deleted:
		if agent != "" {
			t.Errorf("OnDelete got %q, want empty owner", agent)
		}
	case <-time.After(time.Second):
		t.Error("OnDelete not called for corrupt thread")
	}
}

func TestConversationRecallEndToEnd(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t)
	m, _ := s.Create(ctx, CreateParams{AgentID: "main"})

	appendLocked(t, s, m.ID, model.RoleUser, "hello")
	appendLocked(t, s, m.ID, model.RoleAssistant, "hi")

	msgs, err := s.LoadMessages(ctx, m.ID)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(msgs) != 2 ||
		msgs[0].Role != model.RoleUser || msgs[0].Text != "hello" ||
		msgs[1].Role != model.RoleAssistant || msgs[1].Text != "hi" {
		t.Fatalf("unexpected messages: %+v", msgs)
	}

	res, err := s.Backfill(ctx, "main")
	if err != nil {
		t.Fatalf("backfill: %v", err)
	}
	if res.Embedded != 2 || res.Cleaned != 0 {
		t.Fatalf("backfill = %+v, want embedded 2", res)
	}

	resp, err := s.Search(ctx, "greeting", SearchOptions{AgentID: "main", Limit: 1})
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if resp.Unavailable {
		t.Fatal("search reported unavailable")
	}
	if len(resp.Results) != 1 {
		t.Fatalf("expected 1 result, got %d", len(resp.Results))
	}
	if r := resp.Results[0]; r.Text != "hello" && r.Text != "hi" {
		t.Errorf("unexpected result %+v", r)
	}

	res, _ = s.Backfill(ctx, "main")
	if res.Embedded != 0 || res.Cleaned != 0 {
		t.Errorf("second backfill = %+v, want zero", res)
	}

	if err := s.Delete(ctx, m.ID); err != nil {
		t.Fatal(err)
	}
	res, _ = s.Backfill(ctx, "main")
	if res.Cleaned != 2 {
		t.Errorf("backfill after delete = %+v, want cleaned 2", res)
	}
}
