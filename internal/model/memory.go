package model

import "time"

// EmbeddingRecord is one row of an agent's episodic memory index.
type EmbeddingRecord struct {
	ThreadID     string    `json:"thread_id"`
	MessageIndex int       `json:"message_index"`
	Role         Role      `json:"role"`
	Text         string    `json:"text"`
	Embedding    []float32 `json:"embedding"`
	Timestamp    time.Time `json:"timestamp"`
}

// RecordKey identifies an embedded message.
type RecordKey struct {
	ThreadID     string
	MessageIndex int
	Role         Role
}

// Key returns the identity of the record.
func (r EmbeddingRecord) Key() RecordKey {
	return RecordKey{ThreadID: r.ThreadID, MessageIndex: r.MessageIndex, Role: r.Role}
}

// Trigger is a cron-scheduled prompt owned by an agent.
type Trigger struct {
	ID       string     `json:"id"`
	Cron     string     `json:"cron"`
	TZ       string     `json:"tz"`
	Prompt   string     `json:"prompt"`
	Channel  Channel    `json:"channel"`
	ThreadID string     `json:"thread_id,omitempty"`
	LastRun  *time.Time `json:"last_run"`
}
