// Package memory maintains each agent's episodic memory index: an
// append-only file of message embeddings derived from the thread event logs,
// searchable by free-text query and reconciled against the logs by Backfill.
package memory

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rcliao/agent-runtime/internal/embedding"
	"github.com/rcliao/agent-runtime/internal/jsonl"
	"github.com/rcliao/agent-runtime/internal/lock"
	"github.com/rcliao/agent-runtime/internal/model"
)

// ErrUnavailable marks results produced while the embedding model was not
// reachable.
var ErrUnavailable = errors.New("episodic memory unavailable: embedding model not reachable")

const (
	recordsFile   = "embeddings.jsonl"
	analyticsFile = "analytics.db"

	defaultSearchLimit     = 5
	defaultAvailabilityTTL = time.Minute
)

// ThreadSource is the read-only view of the thread store the index is
// derived from.
type ThreadSource interface {
	List(ctx context.Context, agentID string) ([]model.Manifest, error)
	// ThreadIDs returns every thread still present in storage, including
	// threads List leaves out because their manifest cannot be read.
	ThreadIDs(ctx context.Context) ([]string, error)
	LoadMessages(ctx context.Context, threadID string) ([]model.Message, error)
}

// Config configures an Index. AgentsDir and Source are required.
type Config struct {
	// AgentsDir holds one directory per agent; the index lives in
	// <AgentsDir>/<agent>/memory.
	AgentsDir string
	Source    ThreadSource
	// Embedder may be nil, which disables indexing and search.
	Embedder embedding.Embedder
	// Locks serializes backfills per agent. A private manager is used if nil.
	Locks  *lock.Manager
	Logger *slog.Logger
	// AvailabilityTTL bounds how long a liveness check result is reused.
	AvailabilityTTL time.Duration
	// MaxChars is the largest text piece sent to the embedder at once.
	MaxChars int
	Now      func() time.Time
}

// Index is the episodic memory index. Backfill is the only writer of an
// agent's record file; Search may run concurrently with it.
type Index struct {
	agentsDir string
	source    ThreadSource
	embedder  embedding.Embedder
	locks     *lock.Manager
	logger    *slog.Logger
	ttl       time.Duration
	maxChars  int
	now       func() time.Time
	analytics *Analytics

	availMu       sync.Mutex
	availAt       time.Time
	availOK       bool
	warnedUnavail atomic.Bool
}

// New creates an Index.
func New(cfg Config) (*Index, error) {
	if cfg.AgentsDir == "" {
		return nil, fmt.Errorf("memory: AgentsDir is required")
	}
	if cfg.Source == nil {
		return nil, fmt.Errorf("memory: Source is required")
	}
	ix := &Index{
		agentsDir: cfg.AgentsDir,
		source:    cfg.Source,
		embedder:  cfg.Embedder,
		locks:     cfg.Locks,
		logger:    cfg.Logger,
		ttl:       cfg.AvailabilityTTL,
		maxChars:  cfg.MaxChars,
		now:       cfg.Now,
	}
	if ix.locks == nil {
		ix.locks = lock.NewManager()
	}
	if ix.logger == nil {
		ix.logger = slog.New(slog.DiscardHandler)
	}
	if ix.ttl <= 0 {
		ix.ttl = defaultAvailabilityTTL
	}
	if ix.maxChars <= 0 {
		ix.maxChars = DefaultMaxChars
	}
	if ix.now == nil {
		ix.now = time.Now
	}
	ix.analytics = newAnalytics(func(agentID string) string {
		return filepath.Join(ix.memoryDir(agentID), analyticsFile)
	})
	return ix, nil
}

// Close releases the analytics databases.
func (ix *Index) Close() error {
	return ix.analytics.Close()
}

// Analytics exposes the search log.
func (ix *Index) Analytics() *Analytics { return ix.analytics }

func (ix *Index) memoryDir(agentID string) string {
	return filepath.Join(ix.agentsDir, agentID, "memory")
}

func (ix *Index) recordsPath(agentID string) string {
	return filepath.Join(ix.memoryDir(agentID), recordsFile)
}

// Available reports whether the embedding model can be used. The answer is
// cached for the availability TTL, and the first negative answer after a
// positive one is logged.
func (ix *Index) Available(ctx context.Context) bool {
	if ix.embedder == nil {
		ix.warnUnavailable()
		return false
	}
	ix.availMu.Lock()
	defer ix.availMu.Unlock()
	now := ix.now()
	if !ix.availAt.IsZero() && now.Sub(ix.availAt) < ix.ttl {
		return ix.availOK
	}
	ix.availOK = ix.embedder.Available(ctx)
	ix.availAt = now
	if ix.availOK {
		ix.warnedUnavail.Store(false)
	} else {
		ix.warnUnavailable()
	}
	return ix.availOK
}

func (ix *Index) warnUnavailable() {
	if ix.warnedUnavail.CompareAndSwap(false, true) {
		ix.logger.Warn("embedding model unavailable; episodic memory disabled")
	}
}

// markUnavailable forces the next Available call to re-probe after the TTL
// and reports false until then.
func (ix *Index) markUnavailable() {
	ix.availMu.Lock()
	ix.availOK = false
	ix.availAt = ix.now()
	ix.availMu.Unlock()
	ix.warnUnavailable()
}

// embedText embeds text, averaging the vectors of its pieces when it is
// longer than the embedder's comfortable input size.
func (ix *Index) embedText(ctx context.Context, text string) (embedding.Vector, error) {
	pieces := splitForEmbedding(text, ix.maxChars)
	switch len(pieces) {
	case 0:
		return nil, fmt.Errorf("empty text")
	case 1:
		return ix.embedder.Embed(ctx, pieces[0])
	}
	vs := make([]embedding.Vector, 0, len(pieces))
	for _, p := range pieces {
		v, err := ix.embedder.Embed(ctx, p)
		if err != nil {
			return nil, err
		}
		vs = append(vs, v)
	}
	return embedding.Mean(vs), nil
}

func (ix *Index) loadRecords(agentID string) ([]model.EmbeddingRecord, error) {
	path := ix.recordsPath(agentID)
	records, skipped, err := jsonl.Read(path, func(r model.EmbeddingRecord) bool {
		return r.ThreadID != "" && len(r.Embedding) > 0
	})
	if err != nil {
		return nil, fmt.Errorf("read embeddings: %w", err)
	}
	if skipped > 0 {
		ix.logger.Warn("skipped malformed embedding records", "agent_id", agentID, "count", skipped)
	}
	return records, nil
}

// SearchParams holds parameters for a recall query.
type SearchParams struct {
	AgentID string
	Query   string
	Limit   int
	// ThreadID is the conversation the search was issued from. It is only
	// recorded in analytics.
	ThreadID string
	// ExcludeThread omits one thread's records from the results.
	ExcludeThread string
}

// SearchResult is a recalled message with its similarity score.
type SearchResult struct {
	ThreadID     string     `json:"thread_id"`
	MessageIndex int        `json:"message_index"`
	Role         model.Role `json:"role"`
	Text         string     `json:"text"`
	Timestamp    time.Time  `json:"timestamp"`
	Score        float64    `json:"score"`
}

// SearchResponse carries results plus whether the feature itself was
// unavailable, which distinguishes "nothing matched" from "cannot search".
type SearchResponse struct {
	Results     []SearchResult `json:"results"`
	Unavailable bool           `json:"unavailable,omitempty"`
}

// Search embeds the query and ranks every stored record of the agent by
// cosine similarity, highest first. Ties keep insertion order.
func (ix *Index) Search(ctx context.Context, p SearchParams) (*SearchResponse, error) {
	if err := model.ValidateAgentID(p.AgentID); err != nil {
		return nil, err
	}
	limit := p.Limit
	if limit <= 0 {
		limit = defaultSearchLimit
	}
	resp := &SearchResponse{Results: []SearchResult{}}
	defer ix.recordSearch(ctx, p, resp)

	if strings.TrimSpace(p.Query) == "" {
		return resp, nil
	}
	if !ix.Available(ctx) {
		resp.Unavailable = true
		return resp, nil
	}

	query, err := ix.embedText(ctx, p.Query)
	if err != nil {
		ix.logger.Error("embed query failed", "agent_id", p.AgentID, "error", err)
		ix.markUnavailable()
		resp.Unavailable = true
		return resp, nil
	}

	records, err := ix.loadRecords(p.AgentID)
	if err != nil {
		return nil, err
	}

	results := make([]SearchResult, 0, len(records))
	for _, r := range records {
		if p.ExcludeThread != "" && r.ThreadID == p.ExcludeThread {
			continue
		}
		results = append(results, SearchResult{
			ThreadID:     r.ThreadID,
			MessageIndex: r.MessageIndex,
			Role:         r.Role,
			Text:         r.Text,
			Timestamp:    r.Timestamp,
			Score:        embedding.CosineSimilarity(query, r.Embedding),
		})
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	resp.Results = results
	return resp, nil
}

func (ix *Index) recordSearch(ctx context.Context, p SearchParams, resp *SearchResponse) {
	entry := SearchLog{
		Time:        ix.now(),
		AgentID:     p.AgentID,
		ThreadID:    p.ThreadID,
		Query:       p.Query,
		ResultCount: len(resp.Results),
		Unavailable: resp.Unavailable,
	}
	if len(resp.Results) > 0 {
		entry.TopScore = resp.Results[0].Score
	}
	if err := ix.analytics.Record(ctx, entry); err != nil {
		ix.logger.Warn("record search analytics failed", "agent_id", p.AgentID, "error", err)
	}
}

// BackfillResult reports what a reconciliation pass changed.
type BackfillResult struct {
	Embedded    int  `json:"embedded"`
	Cleaned     int  `json:"cleaned"`
	Unavailable bool `json:"unavailable,omitempty"`
}

// Backfill reconciles the agent's index with its threads: records of threads
// that no longer exist are dropped by rewriting the file, and every user or
// assistant message not yet embedded is embedded and appended. A message that
// fails to embed is logged and skipped. Backfills of one agent never overlap.
func (ix *Index) Backfill(ctx context.Context, agentID string) (BackfillResult, error) {
	if err := model.ValidateAgentID(agentID); err != nil {
		return BackfillResult{}, err
	}
	return lock.Do(ctx, ix.locks, "memory:"+agentID, func(ctx context.Context) (BackfillResult, error) {
		return ix.backfill(ctx, agentID)
	})
}

func (ix *Index) backfill(ctx context.Context, agentID string) (BackfillResult, error) {
	var res BackfillResult
	log := ix.logger.With("agent_id", agentID)

	records, err := ix.loadRecords(agentID)
	if err != nil {
		return res, err
	}
	threads, err := ix.source.List(ctx, agentID)
	if err != nil {
		return res, fmt.Errorf("list threads: %w", err)
	}
	present, err := ix.source.ThreadIDs(ctx)
	if err != nil {
		return res, fmt.Errorf("list thread ids: %w", err)
	}

	live := make(map[string]bool, len(present))
	for _, id := range present {
		live[id] = true
	}
	kept := records[:0:0]
	embedded := make(map[model.RecordKey]bool, len(records))
	for _, r := range records {
		if !live[r.ThreadID] {
			res.Cleaned++
			continue
		}
		kept = append(kept, r)
		embedded[r.Key()] = true
	}
	if res.Cleaned > 0 {
		if err := jsonl.Rewrite(ix.recordsPath(agentID), kept); err != nil {
			return res, fmt.Errorf("rewrite embeddings: %w", err)
		}
		log.Info("dropped orphaned embeddings", "count", res.Cleaned)
	}

	if !ix.Available(ctx) {
		res.Unavailable = true
		return res, nil
	}

	sort.SliceStable(threads, func(i, j int) bool {
		return threads[i].CreatedAt.Before(threads[j].CreatedAt)
	})
	for _, t := range threads {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := ix.backfillThread(ctx, log, agentID, t.ID, embedded)
		res.Embedded += n
		if err != nil {
			return res, err
		}
	}
	if res.Embedded > 0 {
		log.Info("backfill embedded messages", "count", res.Embedded)
	}
	return res, nil
}

// backfillThread embeds the thread's missing messages and appends them. Only
// write failures and cancellation are returned as errors.
func (ix *Index) backfillThread(ctx context.Context, log *slog.Logger, agentID, threadID string, embedded map[model.RecordKey]bool) (int, error) {
	msgs, err := ix.source.LoadMessages(ctx, threadID)
	if err != nil {
		log.Warn("skipping unreadable thread", "thread_id", threadID, "error", err)
		return 0, nil
	}

	var batch []any
	for i, m := range msgs {
		if m.Role != model.RoleUser && m.Role != model.RoleAssistant {
			continue
		}
		key := model.RecordKey{ThreadID: threadID, MessageIndex: i, Role: m.Role}
		if embedded[key] || strings.TrimSpace(m.Text) == "" {
			continue
		}
		if err := ctx.Err(); err != nil {
			break
		}
		vec, err := ix.embedText(ctx, m.Text)
		if err != nil {
			log.Warn("embed message failed", "thread_id", threadID, "message_index", i, "error", err)
			continue
		}
		batch = append(batch, model.EmbeddingRecord{
			ThreadID:     threadID,
			MessageIndex: i,
			Role:         m.Role,
			Text:         m.Text,
			Embedding:    vec,
			Timestamp:    m.Timestamp,
		})
		embedded[key] = true
	}

	if err := jsonl.Append(ix.recordsPath(agentID), batch...); err != nil {
		return 0, fmt.Errorf("append embeddings: %w", err)
	}
	return len(batch), ctx.Err()
}
