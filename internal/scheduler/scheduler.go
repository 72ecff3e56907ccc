// Package scheduler fires agents' cron triggers: each tick it claims the
// triggers due in their own time zones, opens or continues a thread for each,
// and hands the prompt to the execution engine.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rcliao/agent-runtime/internal/engine"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/store"
)

const (
	defaultInterval      = time.Minute
	defaultEngineTimeout = 5 * time.Minute
)

// AgentSource resolves the agents the scheduler serves, with their policies.
type AgentSource func(ctx context.Context) ([]model.AgentConfig, error)

// Config configures a Scheduler. Store and Engine are required.
type Config struct {
	Store  *store.Store
	Engine engine.Engine
	// Triggers defaults to a TriggerStore under the store's agent directories.
	Triggers *TriggerStore
	// Agents defaults to every agent that has a triggers file.
	Agents        AgentSource
	Interval      time.Duration
	EngineTimeout time.Duration
	Logger        *slog.Logger
	Now           func() time.Time
}

// Scheduler runs trigger ticks. At most one tick is in flight at a time; a
// tick that comes due while another is running is skipped, not queued.
type Scheduler struct {
	store    *store.Store
	engine   engine.Engine
	triggers *TriggerStore
	agents   AgentSource
	interval time.Duration
	timeout  time.Duration
	logger   *slog.Logger
	now      func() time.Time

	running atomic.Bool
}

// New creates a Scheduler.
func New(cfg Config) (*Scheduler, error) {
	if cfg.Store == nil {
		return nil, errors.New("scheduler: Store is required")
	}
	if cfg.Engine == nil {
		return nil, errors.New("scheduler: Engine is required")
	}
	s := &Scheduler{
		store:    cfg.Store,
		engine:   cfg.Engine,
		triggers: cfg.Triggers,
		agents:   cfg.Agents,
		interval: cfg.Interval,
		timeout:  cfg.EngineTimeout,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
	if s.logger == nil {
		s.logger = slog.New(slog.DiscardHandler)
	}
	if s.triggers == nil {
		s.triggers = NewTriggerStore(filepath.Join(cfg.Store.Root(), "agents"), cfg.Store.Locks(), s.logger)
	}
	if s.agents == nil {
		s.agents = s.agentsWithTriggers
	}
	if s.interval <= 0 {
		s.interval = defaultInterval
	}
	if s.timeout <= 0 {
		s.timeout = defaultEngineTimeout
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s, nil
}

// Triggers returns the trigger store the scheduler reads.
func (s *Scheduler) Triggers() *TriggerStore { return s.triggers }

func (s *Scheduler) agentsWithTriggers(context.Context) ([]model.AgentConfig, error) {
	ids, err := s.triggers.Agents()
	if err != nil {
		return nil, err
	}
	out := make([]model.AgentConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, model.AgentConfig{ID: id, Name: id})
	}
	return out, nil
}

// Run ticks every interval until ctx is cancelled, then waits for the tick in
// flight to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	var wg sync.WaitGroup
	defer wg.Wait()

	s.logger.Info("scheduler started", "interval", s.interval)
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("scheduler stopping")
			return nil
		case <-ticker.C:
			wg.Add(1)
			go func() {
				defer wg.Done()
				s.Tick(ctx)
			}()
		}
	}
}

// Tick evaluates every agent's triggers once and fires the due ones
// concurrently, returning when all of them have finished. It reports false
// when another tick was still running and this one was skipped. Failures are
// logged and never fail the tick.
func (s *Scheduler) Tick(ctx context.Context) bool {
	if !s.running.CompareAndSwap(false, true) {
		s.logger.Warn("previous tick still running; skipping")
		return false
	}
	defer s.running.Store(false)

	now := s.now()
	agents, err := s.agents(ctx)
	if err != nil {
		s.logger.Error("resolve agents", "error", err)
		return true
	}

	var wg sync.WaitGroup
	for _, agent := range agents {
		if ctx.Err() != nil {
			break
		}
		due, err := s.triggers.ClaimDue(ctx, agent.ID, now)
		if err != nil {
			s.logger.Error("load triggers", "agent_id", agent.ID, "error", err)
			continue
		}
		for _, t := range due {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := s.Fire(ctx, agent, t); err != nil {
					s.logger.Error("trigger run failed", "agent_id", agent.ID, "trigger_id", t.ID, "error", err)
				}
			}()
		}
	}
	wg.Wait()
	return true
}

// FireResult describes one trigger run.
type FireResult struct {
	ThreadID string        `json:"thread_id"`
	RunID    string        `json:"run_id"`
	Reply    string        `json:"reply,omitempty"`
	Usage    model.Usage   `json:"usage"`
	Duration time.Duration `json:"duration_ns"`
}

// Fire runs one trigger now, regardless of its schedule. It opens or reuses
// the thread, then under the thread's lock appends the prompt, runs the
// engine, and records the engine's events, the reply, and a result event.
// An engine failure is recorded in the thread and returned.
func (s *Scheduler) Fire(ctx context.Context, agent model.AgentConfig, t model.Trigger) (*FireResult, error) {
	threadID, err := s.resolveThread(ctx, agent.ID, t)
	if err != nil {
		return nil, err
	}
	res := &FireResult{ThreadID: threadID, RunID: uuid.NewString()}
	log := s.logger.With("agent_id", agent.ID, "trigger_id", t.ID, "thread_id", threadID, "run_id", res.RunID)

	var runErr error
	err = s.store.WithLock(ctx, threadID, func(ctx context.Context) error {
		history, err := s.store.LoadMessages(ctx, threadID)
		if err != nil {
			return err
		}
		prompt := model.MessageEvent(model.Message{Role: model.RoleUser, Text: t.Prompt, Timestamp: s.now().UTC()})
		prompt.RunID = res.RunID
		if err := s.store.AppendEvents(ctx, threadID, prompt); err != nil {
			return err
		}

		runCtx, cancel := context.WithTimeout(ctx, s.timeout)
		start := s.now()
		var reply *engine.Reply
		reply, runErr = s.engine.Run(runCtx, engine.Request{
			Agent:    agent,
			ThreadID: threadID,
			RunID:    res.RunID,
			Prompt:   t.Prompt,
			History:  history,
		})
		cancel()
		res.Duration = s.now().Sub(start)

		events := s.replyEvents(res, reply, runErr)
		// Record the outcome even when the run was cancelled.
		return s.finishRun(context.WithoutCancel(ctx), threadID, res.RunID, events)
	})
	if err != nil {
		return res, fmt.Errorf("fire trigger %s: %w", t.ID, err)
	}
	if runErr != nil {
		return res, fmt.Errorf("fire trigger %s: engine: %w", t.ID, runErr)
	}
	log.Info("trigger fired", "duration", res.Duration)
	return res, nil
}

func (s *Scheduler) replyEvents(res *FireResult, reply *engine.Reply, runErr error) []model.Event {
	result := &model.RunResult{DurationMS: res.Duration.Milliseconds()}
	var events []model.Event
	if runErr != nil {
		result.Error = runErr.Error()
	} else if reply != nil {
		events = append(events, reply.Events...)
		if reply.Text != "" {
			events = append(events, model.MessageEvent(model.Message{
				Role:      model.RoleAssistant,
				Text:      reply.Text,
				Timestamp: s.now().UTC(),
			}))
		}
		result.Usage = reply.Usage
		res.Reply = reply.Text
		res.Usage = reply.Usage
	}
	events = append(events, model.Event{Kind: model.EventResult, Result: result})
	for i := range events {
		events[i].RunID = res.RunID
	}
	return events
}

func (s *Scheduler) finishRun(ctx context.Context, threadID, runID string, events []model.Event) error {
	if err := s.store.AppendEvents(ctx, threadID, events...); err != nil {
		return err
	}
	_, err := s.store.UpdateManifest(ctx, threadID, model.ManifestPatch{LastRunID: &runID})
	return err
}

// resolveThread returns the trigger's own thread when it still exists, and
// otherwise opens a new one on the trigger's channel.
func (s *Scheduler) resolveThread(ctx context.Context, agentID string, t model.Trigger) (string, error) {
	if t.ThreadID != "" {
		m, err := s.store.Get(ctx, t.ThreadID)
		switch {
		case err == nil && m.AgentID == agentID:
			return m.ID, nil
		case err == nil:
			s.logger.Warn("trigger thread belongs to another agent; opening a new one",
				"agent_id", agentID, "trigger_id", t.ID, "thread_id", t.ThreadID)
		case errors.Is(err, store.ErrNotFound):
			s.logger.Info("trigger thread gone; opening a new one", "agent_id", agentID, "trigger_id", t.ID, "thread_id", t.ThreadID)
		default:
			s.logger.Warn("trigger thread unreadable; opening a new one",
				"agent_id", agentID, "trigger_id", t.ID, "thread_id", t.ThreadID, "error", err)
		}
	}
	channel := t.Channel
	if channel == "" {
		channel = model.ChannelSystem
	}
	m, err := s.store.Create(ctx, store.CreateParams{AgentID: agentID, Channel: channel, Title: "trigger: " + t.ID})
	if err != nil {
		return "", fmt.Errorf("open thread: %w", err)
	}
	return m.ID, nil
}
