package memory

import (
	"context"
	"os"
)

// Stats holds index statistics for one agent.
type Stats struct {
	AgentID     string            `json:"agent_id"`
	IndexPath   string            `json:"index_path"`
	IndexBytes  int64             `json:"index_bytes"`
	Records     int               `json:"records"`
	Threads     int               `json:"threads_indexed"`
	Searches    *AnalyticsSummary `json:"searches,omitempty"`
	ModelOnline bool              `json:"model_online"`
}

// Stats returns index statistics for the agent.
func (ix *Index) Stats(ctx context.Context, agentID string) (*Stats, error) {
	st := &Stats{AgentID: agentID, IndexPath: ix.recordsPath(agentID)}

	if info, err := os.Stat(st.IndexPath); err == nil {
		st.IndexBytes = info.Size()
	}

	records, err := ix.loadRecords(agentID)
	if err != nil {
		return st, err
	}
	st.Records = len(records)
	threads := map[string]bool{}
	for _, r := range records {
		threads[r.ThreadID] = true
	}
	st.Threads = len(threads)

	summary, err := ix.analytics.Summary(ctx, agentID)
	if err != nil {
		return st, err
	}
	st.Searches = summary
	st.ModelOnline = ix.Available(ctx)
	return st, nil
}
