// Package engine defines the execution engine port: the component that turns
// a prompt, a thread's history, and an agent's policy into a reply.
package engine

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/rcliao/agent-runtime/internal/model"
)

// Request is one engine invocation.
type Request struct {
	Agent    model.AgentConfig
	ThreadID string
	RunID    string
	Prompt   string
	// History is the thread's message projection before Prompt was appended.
	History []model.Message
}

// Reply is the engine's answer. Events holds intermediate tool activity and
// text fragments in the order they happened; Text is the final assistant turn.
type Reply struct {
	Text   string
	Events []model.Event
	Usage  model.Usage
}

// Engine runs one turn of an agent. Implementations must honor ctx
// cancellation.
type Engine interface {
	Run(ctx context.Context, req Request) (*Reply, error)
}

// Func adapts a plain function to Engine.
type Func func(ctx context.Context, req Request) (*Reply, error)

// Run calls f.
func (f Func) Run(ctx context.Context, req Request) (*Reply, error) { return f(ctx, req) }

// Mock answers by echoing the prompt. It is used when no real engine is
// configured, so the scheduler and CLI can be exercised end to end.
type Mock struct {
	// Delay simulates engine latency.
	Delay time.Duration
}

// NewMock returns a Mock engine.
func NewMock() *Mock {
	return &Mock{}
}

func (m *Mock) Run(ctx context.Context, req Request) (*Reply, error) {
	if m.Delay > 0 {
		select {
		case <-time.After(m.Delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	text := fmt.Sprintf("[%s] received %q with %d prior messages", agentName(req.Agent), req.Prompt, len(req.History))
	return &Reply{
		Text: text,
		Events: []model.Event{
			{Kind: model.EventAssistantText, Text: text},
		},
		Usage: model.Usage{
			InputTokens:  countWords(req.Prompt) + historyWords(req.History),
			OutputTokens: countWords(text),
		},
	}, nil
}

func agentName(a model.AgentConfig) string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

func countWords(s string) int { return len(strings.Fields(s)) }

func historyWords(msgs []model.Message) int {
	n := 0
	for _, m := range msgs {
		n += countWords(m.Text)
	}
	return n
}
