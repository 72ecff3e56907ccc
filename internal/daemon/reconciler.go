package daemon

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/rcliao/agent-runtime/internal/memory"
	"github.com/rcliao/agent-runtime/internal/store"
)

// allAgents in a request means every known agent.
const allAgents = ""

// Reconciler keeps agents' memory indexes in step with their threads. It runs
// a full pass every interval and a targeted pass shortly after cleanup
// requests stop arriving.
type Reconciler struct {
	store    *store.Store
	agents   func(ctx context.Context) ([]string, error)
	interval time.Duration
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]bool
	timer   *time.Timer
	kick    chan struct{}
}

// NewReconciler returns a Reconciler. agents lists the ids a full pass covers.
func NewReconciler(st *store.Store, agents func(ctx context.Context) ([]string, error), interval, debounce time.Duration, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Reconciler{
		store:    st,
		agents:   agents,
		interval: interval,
		debounce: debounce,
		logger:   logger,
		pending:  make(map[string]bool),
		kick:     make(chan struct{}, 1),
	}
}

// Request schedules a pass for agentID, or for every agent when agentID is
// empty. Requests arriving within the debounce window are merged.
func (r *Reconciler) Request(agentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pending[agentID] = true
	if r.timer != nil {
		r.timer.Stop()
	}
	r.timer = time.AfterFunc(r.debounce, func() {
		select {
		case r.kick <- struct{}{}:
		default:
		}
	})
}

func (r *Reconciler) takePending() map[string]bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.pending
	r.pending = make(map[string]bool)
	return p
}

// Run serves periodic and requested passes until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	defer func() {
		r.mu.Lock()
		if r.timer != nil {
			r.timer.Stop()
		}
		r.mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			r.ReconcileAll(ctx)
		case <-r.kick:
			pending := r.takePending()
			if pending[allAgents] {
				r.ReconcileAll(ctx)
				continue
			}
			for agentID := range pending {
				r.reconcile(ctx, agentID)
			}
		}
	}
}

// ReconcileAll backfills every known agent. One agent failing does not stop
// the others.
func (r *Reconciler) ReconcileAll(ctx context.Context) map[string]memory.BackfillResult {
	ids, err := r.agents(ctx)
	if err != nil {
		r.logger.Error("list agents for reconcile", "error", err)
		return nil
	}
	out := make(map[string]memory.BackfillResult, len(ids))
	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if res, ok := r.reconcile(ctx, id); ok {
			out[id] = res
		}
	}
	return out
}

func (r *Reconciler) reconcile(ctx context.Context, agentID string) (memory.BackfillResult, bool) {
	res, err := r.store.Backfill(ctx, agentID)
	if err != nil {
		r.logger.Error("backfill failed", "agent_id", agentID, "error", err)
		return res, false
	}
	if res.Embedded > 0 || res.Cleaned > 0 {
		r.logger.Info("memory reconciled", "agent_id", agentID, "embedded", res.Embedded, "cleaned", res.Cleaned)
	}
	return res, true
}
