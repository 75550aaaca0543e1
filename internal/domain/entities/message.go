package entities

import (
	"time"
)

// MessageRole represents the role of a message in a conversation
type MessageRole string

const (
	RoleUser      MessageRole = "user"
	RoleAssistant MessageRole = "assistant"
	RoleSystem    MessageRole = "system"
)

// IsValid reports whether the role is one of the known roles
func (r MessageRole) IsValid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	}
	return false
}

// MessageMetrics holds generation statistics attached to an assistant message
type MessageMetrics struct {
	Tokens      int     `json:"tokens"`
	Time        float64 `json:"time,omitempty"` // seconds
	Interrupted bool    `json:"interrupted"`
}

// SearchResult is a single web-search hit attached to a message
type SearchResult struct {
	Title   string `json:"title"`
	Link    string `json:"link"`
	Snippet string `json:"snippet,omitempty"`
}

// SearchInfo carries web-search provenance for a message produced with TurboSearch
type SearchInfo struct {
	Query       string         `json:"query,omitempty"`
	Results     []SearchResult `json:"results"`
	ElapsedTime float64        `json:"elapsed_time,omitempty"`
}

// HasResults reports whether the search produced any usable hits
func (si *SearchInfo) HasResults() bool {
	return si != nil && len(si.Results) > 0
}

// RagSource describes a retrieved document snippet attached to a RAG response
type RagSource struct {
	Document   string  `json:"document"`
	Content    string  `json:"content,omitempty"`
	Score      float64 `json:"score,omitempty"`
	Collection string  `json:"collection,omitempty"`
}

// Message represents a single message in a conversation.
// Soft deletion only flips the Deleted flag; the message stays in the
// sequence so index-based addressing remains stable.
type Message struct {
	Role      MessageRole     `json:"role"`
	Content   string          `json:"content"`
	Timestamp time.Time       `json:"timestamp"`
	Metrics   *MessageMetrics `json:"metrics,omitempty"`

	Deleted         bool       `json:"deleted,omitempty"`
	DeleteTimestamp *time.Time `json:"deleteTimestamp,omitempty"`
	Recovered       bool       `json:"recovered,omitempty"`
	RecoverTime     *time.Time `json:"recoverTimestamp,omitempty"`

	Edited         bool       `json:"edited,omitempty"`
	EditTimestamp  *time.Time `json:"editTimestamp,omitempty"`
	Regenerated    bool       `json:"regenerated,omitempty"`
	RegenerateTime *time.Time `json:"regenerateTimestamp,omitempty"`

	// Provenance for retrieval-augmented and web-search responses
	UseRag         bool        `json:"useRag,omitempty"`
	RagCollection  string      `json:"ragCollection,omitempty"`
	RagSources     []RagSource `json:"ragSources,omitempty"`
	UseTurboSearch bool        `json:"useTurboSearch,omitempty"`
	SearchInfo     *SearchInfo `json:"search_info,omitempty"`

	// IsFallback marks a substituted explanatory message for an empty
	// model response that still carried sources.
	IsFallback bool `json:"isFallback,omitempty"`
}

// NewMessage creates a message with the current timestamp
func NewMessage(role MessageRole, content string) Message {
	return Message{
		Role:      role,
		Content:   content,
		Timestamp: time.Now(),
	}
}

// IsFromUser returns true if the message is from a user
func (m *Message) IsFromUser() bool {
	return m.Role == RoleUser
}

// IsFromAssistant returns true if the message is from an assistant
func (m *Message) IsFromAssistant() bool {
	return m.Role == RoleAssistant
}

// MarkDeleted soft-deletes the message
func (m *Message) MarkDeleted() {
	now := time.Now()
	m.Deleted = true
	m.DeleteTimestamp = &now
}

// MarkRecovered undoes a soft delete
func (m *Message) MarkRecovered() {
	now := time.Now()
	m.Deleted = false
	m.Recovered = true
	m.RecoverTime = &now
}

// MarkEdited stamps the edit audit flags
func (m *Message) MarkEdited() {
	now := time.Now()
	m.Edited = true
	m.EditTimestamp = &now
}

// MarkRegenerated stamps the regeneration audit flags
func (m *Message) MarkRegenerated() {
	now := time.Now()
	m.Regenerated = true
	m.RegenerateTime = &now
}
