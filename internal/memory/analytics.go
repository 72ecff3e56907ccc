package memory

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// tsLayout is fixed-width so timestamps sort lexically.
const tsLayout = "2006-01-02T15:04:05.000000000Z"

// SearchLog is one recorded search invocation.
type SearchLog struct {
	Time        time.Time `json:"ts"`
	AgentID     string    `json:"agent_id"`
	ThreadID    string    `json:"thread_id,omitempty"`
	Query       string    `json:"query"`
	ResultCount int       `json:"result_count"`
	TopScore    float64   `json:"top_score"`
	Unavailable bool      `json:"unavailable,omitempty"`
}

// AnalyticsSummary aggregates an agent's search log.
type AnalyticsSummary struct {
	Searches     int        `json:"searches"`
	Empty        int        `json:"empty"`
	Unavailable  int        `json:"unavailable"`
	AvgTopScore  float64    `json:"avg_top_score"`
	LastSearchAt *time.Time `json:"last_search_at,omitempty"`
}

// Analytics keeps one insert-only SQLite log of searches per agent.
type Analytics struct {
	path func(agentID string) string

	mu  sync.Mutex
	dbs map[string]*sql.DB
}

func newAnalytics(path func(agentID string) string) *Analytics {
	return &Analytics{path: path, dbs: make(map[string]*sql.DB)}
}

func (a *Analytics) open(agentID string) (*sql.DB, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if db, ok := a.dbs[agentID]; ok {
		return db, nil
	}

	dbPath := a.path(agentID)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create analytics dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open analytics db: %w", err)
	}
	_, err = db.Exec(`
	CREATE TABLE IF NOT EXISTS searches (
		id           INTEGER PRIMARY KEY AUTOINCREMENT,
		ts           TEXT NOT NULL,
		agent_id     TEXT NOT NULL,
		thread_id    TEXT,
		query        TEXT NOT NULL,
		result_count INTEGER NOT NULL,
		top_score    REAL NOT NULL,
		unavailable  INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_searches_ts ON searches(ts DESC);
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate analytics db: %w", err)
	}
	a.dbs[agentID] = db
	return db, nil
}

// Record appends one search invocation to the agent's log.
func (a *Analytics) Record(ctx context.Context, l SearchLog) error {
	db, err := a.open(l.AgentID)
	if err != nil {
		return err
	}
	var threadID *string
	if l.ThreadID != "" {
		threadID = &l.ThreadID
	}
	unavailable := 0
	if l.Unavailable {
		unavailable = 1
	}
	_, err = db.ExecContext(ctx,
		`INSERT INTO searches (ts, agent_id, thread_id, query, result_count, top_score, unavailable)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		l.Time.UTC().Format(tsLayout), l.AgentID, threadID, l.Query, l.ResultCount, l.TopScore, unavailable)
	if err != nil {
		return fmt.Errorf("insert search log: %w", err)
	}
	return nil
}

// Recent returns the newest searches first.
func (a *Analytics) Recent(ctx context.Context, agentID string, limit int) ([]SearchLog, error) {
	if limit <= 0 {
		limit = 20
	}
	db, err := a.open(agentID)
	if err != nil {
		return nil, err
	}
	rows, err := db.QueryContext(ctx,
		`SELECT ts, agent_id, thread_id, query, result_count, top_score, unavailable
		 FROM searches ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var logs []SearchLog
	for rows.Next() {
		var l SearchLog
		var ts string
		var threadID sql.NullString
		var unavailable int
		if err := rows.Scan(&ts, &l.AgentID, &threadID, &l.Query, &l.ResultCount, &l.TopScore, &unavailable); err != nil {
			return nil, err
		}
		l.Time, _ = time.Parse(tsLayout, ts)
		l.ThreadID = threadID.String
		l.Unavailable = unavailable != 0
		logs = append(logs, l)
	}
	return logs, rows.Err()
}

// Summary aggregates the agent's search log.
func (a *Analytics) Summary(ctx context.Context, agentID string) (*AnalyticsSummary, error) {
	db, err := a.open(agentID)
	if err != nil {
		return nil, err
	}
	s := &AnalyticsSummary{}
	var avg sql.NullFloat64
	var last sql.NullString
	err = db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN result_count = 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(unavailable), 0),
		       AVG(CASE WHEN result_count > 0 THEN top_score END),
		       MAX(ts)
		FROM searches`).Scan(&s.Searches, &s.Empty, &s.Unavailable, &avg, &last)
	if err != nil {
		return nil, err
	}
	s.AvgTopScore = avg.Float64
	if last.Valid {
		t, _ := time.Parse(tsLayout, last.String)
		s.LastSearchAt = &t
	}
	return s, nil
}

// Close closes every open analytics database.
func (a *Analytics) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	var firstErr error
	for id, db := range a.dbs {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(a.dbs, id)
	}
	return firstErr
}
