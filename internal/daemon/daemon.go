// Package daemon wires the long-running runtime process: the trigger
// scheduler, periodic memory reconciliation, and the thread deletion watcher.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/rcliao/agent-runtime/internal/config"
	"github.com/rcliao/agent-runtime/internal/embedding"
	"github.com/rcliao/agent-runtime/internal/engine"
	"github.com/rcliao/agent-runtime/internal/lock"
	"github.com/rcliao/agent-runtime/internal/model"
	"github.com/rcliao/agent-runtime/internal/scheduler"
	"github.com/rcliao/agent-runtime/internal/store"
)

const defaultDebounce = 2 * time.Second

// Options configures a Daemon. Config and Engine are required.
type Options struct {
	Config   *config.Config
	Embedder embedding.Embedder
	Engine   engine.Engine
	Logger   *slog.Logger
	// Debounce is how long cleanup requests settle before a pass runs.
	Debounce time.Duration
	Now      func() time.Time
}

// Daemon owns the process-wide lock table and every long-lived component.
type Daemon struct {
	cfg        *config.Config
	store      *store.Store
	scheduler  *scheduler.Scheduler
	reconciler *Reconciler
	logger     *slog.Logger
}

// New builds a Daemon over the configured storage root.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Engine == nil {
		return nil, fmt.Errorf("daemon: Config and Engine are required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	d := &Daemon{cfg: opts.Config, logger: logger}
	locks := lock.NewManager()
	st, err := store.New(store.Config{
		Root:     opts.Config.Root,
		Embedder: opts.Embedder,
		Locks:    locks,
		Logger:   logger,
		Now:      opts.Now,
		OnDelete: func(agentID string) { d.reconciler.Request(agentID) },
	})
	if err != nil {
		return nil, err
	}
	d.store = st

	d.reconciler = NewReconciler(st, d.agentIDs, time.Duration(opts.Config.ReconcileInterval), debounce, logger)

	d.scheduler, err = scheduler.New(scheduler.Config{
		Store:         st,
		Engine:        opts.Engine,
		Agents:        d.Agents,
		Interval:      time.Duration(opts.Config.TickInterval),
		EngineTimeout: time.Duration(opts.Config.EngineTimeout),
		Logger:        logger,
		Now:           opts.Now,
	})
	if err != nil {
		st.Close()
		return nil, err
	}
	return d, nil
}

// Store returns the daemon's thread store.
func (d *Daemon) Store() *store.Store { return d.store }

// Scheduler returns the daemon's trigger scheduler.
func (d *Daemon) Scheduler() *scheduler.Scheduler { return d.scheduler }

// Reconciler returns the daemon's memory reconciler.
func (d *Daemon) Reconciler() *Reconciler { return d.reconciler }

// Close releases the store.
func (d *Daemon) Close() error { return d.store.Close() }

// Agents returns the configured agents plus every agent found on disk, with
// configured policies applied.
func (d *Daemon) Agents(ctx context.Context) ([]model.AgentConfig, error) {
	ids, err := d.agentIDs(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.AgentConfig, 0, len(ids))
	for _, id := range ids {
		out = append(out, d.cfg.Agent(id))
	}
	return out, nil
}

func (d *Daemon) agentIDs(ctx context.Context) ([]string, error) {
	onDisk, err := d.store.Agents(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var ids []string
	for _, id := range append(d.cfg.AgentIDs(), onDisk...) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Run serves until ctx is cancelled and every component has stopped.
func (d *Daemon) Run(ctx context.Context) error {
	watchDone, err := watchDeletions(ctx, d.store.ThreadsDir(), d.logger, func(string) {
		// The manifest is gone with the directory, so the owner is unknown.
		d.reconciler.Request(allAgents)
	})
	if err != nil {
		return fmt.Errorf("watch threads: %w", err)
	}

	d.logger.Info("daemon started", "root", d.cfg.Root)
	d.reconciler.Request(allAgents)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		d.reconciler.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		d.scheduler.Run(ctx)
	}()
	wg.Wait()
	<-watchDone
	d.logger.Info("daemon stopped")
	return nil
}
