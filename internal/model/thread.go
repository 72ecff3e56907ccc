// Package model defines the core conversation, memory, and scheduling data types.
package model

import "time"

// Channel is the delivery surface a thread was opened on.
type Channel string

const (
	ChannelChatBot  Channel = "chatbot"
	ChannelHTTP     Channel = "http"
	ChannelTerminal Channel = "terminal"
	ChannelSystem   Channel = "system"
)

// ValidChannels are the allowed thread channels.
var ValidChannels = map[Channel]bool{
	ChannelChatBot:  true,
	ChannelHTTP:     true,
	ChannelTerminal: true,
	ChannelSystem:   true,
}

// Manifest is the small mutable metadata record of a thread.
type Manifest struct {
	ID           string    `json:"id"`
	AgentID      string    `json:"agent_id"`
	Channel      Channel   `json:"channel"`
	Title        string    `json:"title,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
	LastRunID    string    `json:"last_run_id,omitempty"`
}

// ManifestPatch holds the mutable manifest fields. Nil fields are left unchanged.
type ManifestPatch struct {
	Title        *string
	UpdatedAt    *time.Time
	MessageCount *int
	LastRunID    *string
}

// Apply copies the set fields of p onto m.
func (p ManifestPatch) Apply(m *Manifest) {
	if p.Title != nil {
		m.Title = *p.Title
	}
	if p.UpdatedAt != nil {
		m.UpdatedAt = *p.UpdatedAt
	}
	if p.MessageCount != nil {
		m.MessageCount = *p.MessageCount
	}
	if p.LastRunID != nil {
		m.LastRunID = *p.LastRunID
	}
}

// AgentConfig is the static identity and policy of an agent. It is owned by
// the configuration layer and read-only to everything else.
type AgentConfig struct {
	ID       string   `json:"id" yaml:"id"`
	Name     string   `json:"name" yaml:"name"`
	Trust    string   `json:"trust" yaml:"trust"`
	WorkDirs []string `json:"work_dirs,omitempty" yaml:"work_dirs"`
}
