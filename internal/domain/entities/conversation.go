package entities

import (
	"time"
)

// DefaultTitle is the placeholder title for a conversation that has not yet
// derived one from its first user message.
const DefaultTitle = "New conversation"

// ConversationRecord represents a chat conversation and its full message
// sequence. Messages is never nil; an empty conversation holds an empty slice.
type ConversationRecord struct {
	ID           string     `json:"id"`
	Title        string     `json:"title"`
	Messages     []Message  `json:"messages"`
	Date         time.Time  `json:"date"`
	LastUpdated  time.Time  `json:"lastUpdated"`
	LastAccessed *time.Time `json:"lastAccessed,omitempty"`
	AutoSaved    bool       `json:"autoSaved"`
}

// NewConversationRecord creates an empty conversation with a fresh ID
func NewConversationRecord() *ConversationRecord {
	now := time.Now()
	return &ConversationRecord{
		ID:          GenerateID(),
		Title:       DefaultTitle,
		Messages:    make([]Message, 0),
		Date:        now,
		LastUpdated: now,
	}
}

// Append adds a message to the end of the sequence
func (c *ConversationRecord) Append(msg Message) {
	c.Messages = append(c.Messages, msg)
	c.Touch()
}

// Touch updates the last-modified timestamp
func (c *ConversationRecord) Touch() {
	c.LastUpdated = time.Now()
}

// MarkAccessed stamps the last-accessed timestamp
func (c *ConversationRecord) MarkAccessed() {
	now := time.Now()
	c.LastAccessed = &now
}

// SetTitle updates the conversation title
func (c *ConversationRecord) SetTitle(title string) {
	c.Title = title
	c.Touch()
}

// MessageCount returns the number of messages, including soft-deleted ones
func (c *ConversationRecord) MessageCount() int {
	return len(c.Messages)
}

// IsEmpty returns true if the conversation has no messages
func (c *ConversationRecord) IsEmpty() bool {
	return len(c.Messages) == 0
}

// VisibleMessages returns the messages that are not soft-deleted, in order
func (c *ConversationRecord) VisibleMessages() []Message {
	visible := make([]Message, 0, len(c.Messages))
	for _, msg := range c.Messages {
		if !msg.Deleted {
			visible = append(visible, msg)
		}
	}
	return visible
}

// Clone deep-copies the record under a new ID, suffixing the title.
// The copy starts unsaved so a later mutation persists it on its own.
func (c *ConversationRecord) Clone() *ConversationRecord {
	now := time.Now()
	dup := &ConversationRecord{
		ID:          GenerateID(),
		Title:       c.Title + " (copy)",
		Messages:    make([]Message, len(c.Messages)),
		Date:        now,
		LastUpdated: now,
	}
	for i, msg := range c.Messages {
		dup.Messages[i] = cloneMessage(msg)
	}
	return dup
}

// cloneMessage copies a message including its pointer-typed fields
func cloneMessage(m Message) Message {
	out := m
	if m.Metrics != nil {
		metrics := *m.Metrics
		out.Metrics = &metrics
	}
	if m.SearchInfo != nil {
		info := *m.SearchInfo
		info.Results = append([]SearchResult(nil), m.SearchInfo.Results...)
		out.SearchInfo = &info
	}
	if len(m.RagSources) > 0 {
		out.RagSources = append([]RagSource(nil), m.RagSources...)
	}
	out.DeleteTimestamp = cloneTime(m.DeleteTimestamp)
	out.RecoverTime = cloneTime(m.RecoverTime)
	out.EditTimestamp = cloneTime(m.EditTimestamp)
	out.RegenerateTime = cloneTime(m.RegenerateTime)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	copied := *t
	return &copied
}
