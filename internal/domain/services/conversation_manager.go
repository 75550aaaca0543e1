package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/domain/ports"
	"github.com/username/turbochat/internal/pkg/logutil"
	"github.com/username/turbochat/internal/pkg/syncutil"
)

// storeTimeout bounds individual store operations issued by the manager
const storeTimeout = 5 * time.Second

// MessageUpdate carries the fields an edit may change. Nil fields are
// left untouched.
type MessageUpdate struct {
	Content    *string
	Metrics    *entities.MessageMetrics
	SearchInfo *entities.SearchInfo
	RagSources []entities.RagSource
}

// ConversationManager owns the in-memory conversation list and the
// current-conversation pointer. The pointer is an id resolved against the
// list on demand, never a second mutable copy of the record. Every
// mutation schedules a coalesced persistence write; storage failures
// surface as notifications and the in-memory state stays authoritative.
type ConversationManager struct {
	store    ports.ConversationStore
	notifier ports.Notifier
	logger   *logutil.Logger

	mu            sync.Mutex
	conversations []*entities.ConversationRecord
	currentID     string
	autoSave      bool
	maxSaved      int

	coalescer *syncutil.Coalescer
}

// NewConversationManager creates a manager persisting through store.
// debounce is the write-coalescing quiet window; maxSaved caps the
// retained conversation list.
func NewConversationManager(store ports.ConversationStore, notifier ports.Notifier, logger *logutil.Logger, maxSaved int, debounce time.Duration) *ConversationManager {
	if maxSaved < 1 {
		maxSaved = 100
	}
	m := &ConversationManager{
		store:    store,
		notifier: notifier,
		logger:   logger,
		autoSave: true,
		maxSaved: maxSaved,
	}
	m.coalescer = syncutil.NewCoalescer(debounce, m.commit, func(err error) {
		m.notifyStorageFailure(err)
	})
	return m
}

// Start loads persisted state: the conversation list, the auto-save
// toggle, and the last-active conversation pointer.
func (m *ConversationManager) Start(ctx context.Context) error {
	records, err := m.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("failed to load conversations: %w", err)
	}

	autoSave, err := m.store.AutoSaveEnabled(ctx)
	if err != nil {
		return fmt.Errorf("failed to load auto-save flag: %w", err)
	}

	activeID, err := m.store.ActiveID(ctx)
	if err != nil {
		return fmt.Errorf("failed to load active conversation id: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.conversations = records
	m.autoSave = autoSave
	m.currentID = ""
	if activeID != "" && m.findLocked(activeID) != nil {
		m.currentID = activeID
	}

	m.logger.Info("conversation state loaded", logutil.Fields{
		"conversations": len(records),
		"active":        m.currentID,
	})
	return nil
}

// Close flushes any pending persistence write and stops the coalescer
func (m *ConversationManager) Close() error {
	return m.coalescer.Close()
}

// commit snapshots and writes the full list. Runs on the coalescer
// goroutine and on explicit flushes.
func (m *ConversationManager) commit() error {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.evictLocked()
	for _, conv := range m.conversations {
		if !conv.IsEmpty() {
			conv.AutoSaved = true
		}
	}
	return m.store.Save(ctx, m.conversations)
}

// scheduleSave queues a coalesced write when auto-save is enabled
func (m *ConversationManager) scheduleSave() {
	m.mu.Lock()
	enabled := m.autoSave
	m.mu.Unlock()
	if enabled {
		m.coalescer.Schedule()
	}
}

// SaveNow bypasses coalescing and writes the list immediately
func (m *ConversationManager) SaveNow() error {
	return m.coalescer.Flush()
}

func (m *ConversationManager) notifyStorageFailure(err error) {
	m.logger.Error("conversation persistence failed", logutil.Fields{"error": err.Error()})
	if m.notifier != nil {
		m.notifier.Notify(ports.SeverityWarn, "Save failed",
			"Conversations could not be written to local storage. Changes are kept in memory.")
	}
}

// evictLocked drops the oldest-by-LastUpdated records beyond the cap
func (m *ConversationManager) evictLocked() {
	for len(m.conversations) > m.maxSaved {
		oldest := 0
		for i, conv := range m.conversations {
			if conv.LastUpdated.Before(m.conversations[oldest].LastUpdated) {
				oldest = i
			}
		}
		if m.conversations[oldest].ID == m.currentID {
			// Never evict the conversation in use; drop the next oldest
			next := -1
			for i, conv := range m.conversations {
				if i == oldest {
					continue
				}
				if next == -1 || conv.LastUpdated.Before(m.conversations[next].LastUpdated) {
					next = i
				}
			}
			if next == -1 {
				return
			}
			oldest = next
		}
		m.conversations = append(m.conversations[:oldest], m.conversations[oldest+1:]...)
	}
}

func (m *ConversationManager) findLocked(id string) *entities.ConversationRecord {
	for _, conv := range m.conversations {
		if conv.ID == id {
			return conv
		}
	}
	return nil
}

// currentLocked resolves the current pointer, which may be empty
func (m *ConversationManager) currentLocked() *entities.ConversationRecord {
	if m.currentID == "" {
		return nil
	}
	return m.findLocked(m.currentID)
}

// CreateConversation prepends a fresh empty conversation and makes it
// current.
func (m *ConversationManager) CreateConversation() *entities.ConversationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()

	conv := entities.NewConversationRecord()
	m.conversations = append([]*entities.ConversationRecord{conv}, m.conversations...)
	m.currentID = conv.ID
	m.evictLocked()

	m.persistActiveIDLocked(conv.ID)
	return conv
}

// Current returns the current conversation, nil when none is selected
func (m *ConversationManager) Current() *entities.ConversationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.currentLocked()
}

// Conversations returns the list in its display order
func (m *ConversationManager) Conversations() []*entities.ConversationRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*entities.ConversationRecord, len(m.conversations))
	copy(out, m.conversations)
	return out
}

// AddMessage validates and appends a message to the current conversation,
// implicitly creating one when none is selected. The first user message
// sets the conversation title. Invalid messages are rejected with a
// logged warning; the return reports whether the message was appended.
func (m *ConversationManager) AddMessage(msg entities.Message) bool {
	if !msg.Role.IsValid() || strings.TrimSpace(msg.Content) == "" {
		m.logger.Warn("rejected message with missing role or content", logutil.Fields{
			"role": string(msg.Role),
		})
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	m.mu.Lock()
	conv := m.currentLocked()
	if conv == nil {
		conv = entities.NewConversationRecord()
		m.conversations = append([]*entities.ConversationRecord{conv}, m.conversations...)
		m.currentID = conv.ID
		m.persistActiveIDLocked(conv.ID)
	}

	firstUser := msg.IsFromUser() && !hasUserMessage(conv)
	conv.Append(msg)
	if firstUser {
		m.refreshTitleLocked(conv)
	}
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

func hasUserMessage(conv *entities.ConversationRecord) bool {
	for i := range conv.Messages {
		if conv.Messages[i].IsFromUser() {
			return true
		}
	}
	return false
}

// refreshTitleLocked is the single source of truth for title derivation.
// It derives from the first user message in the sequence.
func (m *ConversationManager) refreshTitleLocked(conv *entities.ConversationRecord) {
	for i := range conv.Messages {
		if conv.Messages[i].IsFromUser() {
			conv.SetTitle(entities.DeriveTitle(conv.Messages[i].Content))
			return
		}
	}
}

// UpdateMessage merges updates into the message at index in the current
// conversation and stamps the edit audit flags. Editing the first message
// re-derives the title when it is a user message. Out-of-bounds indexes
// are a logged no-op.
func (m *ConversationManager) UpdateMessage(index int, updates MessageUpdate) bool {
	return m.applyUpdate(index, updates, false)
}

// RegenerateResponse replaces an assistant message's content after a
// regeneration and stamps the regeneration audit flags.
func (m *ConversationManager) RegenerateResponse(index int, updates MessageUpdate) bool {
	m.mu.Lock()
	conv := m.currentLocked()
	valid := conv != nil && index >= 0 && index < len(conv.Messages) &&
		conv.Messages[index].IsFromAssistant()
	m.mu.Unlock()

	if !valid {
		m.logger.Warn("regenerate rejected for non-assistant message", logutil.Fields{"index": index})
		return false
	}
	return m.applyUpdate(index, updates, true)
}

func (m *ConversationManager) applyUpdate(index int, updates MessageUpdate, regenerated bool) bool {
	m.mu.Lock()
	conv := m.currentLocked()
	if conv == nil || index < 0 || index >= len(conv.Messages) {
		m.mu.Unlock()
		m.logger.Warn("update rejected for out-of-range message index", logutil.Fields{"index": index})
		return false
	}

	msg := &conv.Messages[index]
	if updates.Content != nil {
		msg.Content = *updates.Content
	}
	if updates.Metrics != nil {
		msg.Metrics = updates.Metrics
	}
	if updates.SearchInfo != nil {
		msg.SearchInfo = updates.SearchInfo
	}
	if updates.RagSources != nil {
		msg.RagSources = updates.RagSources
	}
	if regenerated {
		msg.MarkRegenerated()
	} else {
		msg.MarkEdited()
	}
	conv.Touch()

	if index == 0 && msg.IsFromUser() {
		m.refreshTitleLocked(conv)
	}
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

// DeleteMessage soft-deletes the message at index in the current
// conversation.
func (m *ConversationManager) DeleteMessage(index int) bool {
	m.mu.Lock()
	conv := m.currentLocked()
	if conv == nil || index < 0 || index >= len(conv.Messages) {
		m.mu.Unlock()
		return false
	}
	conv.Messages[index].MarkDeleted()
	conv.Touch()
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

// RecoverMessage undoes a soft delete; a no-op unless the message is
// currently deleted.
func (m *ConversationManager) RecoverMessage(index int) bool {
	m.mu.Lock()
	conv := m.currentLocked()
	if conv == nil || index < 0 || index >= len(conv.Messages) || !conv.Messages[index].Deleted {
		m.mu.Unlock()
		return false
	}
	conv.Messages[index].MarkRecovered()
	conv.Touch()
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

// LoadConversation makes the conversation with id current and persists
// the active pointer. Returns nil when id is unknown.
func (m *ConversationManager) LoadConversation(id string) *entities.ConversationRecord {
	m.mu.Lock()
	conv := m.findLocked(id)
	if conv == nil {
		m.mu.Unlock()
		return nil
	}
	m.currentID = id
	conv.MarkAccessed()
	m.persistActiveIDLocked(id)
	m.mu.Unlock()

	m.scheduleSave()
	return conv
}

// persistActiveIDLocked writes the active pointer through immediately;
// it is tiny and restoring the right conversation on next start depends
// on it.
func (m *ConversationManager) persistActiveIDLocked(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.SetActiveID(ctx, id); err != nil {
		m.logger.Warn("failed to persist active conversation id", logutil.Fields{"error": err.Error()})
	}
}

// DeleteConversation removes the conversation with id. When it was
// current, a fresh empty conversation takes its place.
func (m *ConversationManager) DeleteConversation(id string) bool {
	m.mu.Lock()
	idx := -1
	for i, conv := range m.conversations {
		if conv.ID == id {
			idx = i
			break
		}
	}
	if idx == -1 {
		m.mu.Unlock()
		return false
	}

	m.conversations = append(m.conversations[:idx], m.conversations[idx+1:]...)
	if m.currentID == id {
		fresh := entities.NewConversationRecord()
		m.conversations = append([]*entities.ConversationRecord{fresh}, m.conversations...)
		m.currentID = fresh.ID
		m.persistActiveIDLocked(fresh.ID)
	}
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

// DuplicateConversation deep-copies the conversation with id under a new
// id and "(copy)" title suffix, prepending the copy to the list.
func (m *ConversationManager) DuplicateConversation(id string) *entities.ConversationRecord {
	m.mu.Lock()
	conv := m.findLocked(id)
	if conv == nil {
		m.mu.Unlock()
		return nil
	}
	dup := conv.Clone()
	m.conversations = append([]*entities.ConversationRecord{dup}, m.conversations...)
	m.evictLocked()
	m.mu.Unlock()

	m.scheduleSave()
	return dup
}

// UpdateConversationTitle renames the conversation with id. Blank titles
// are rejected with a logged warning.
func (m *ConversationManager) UpdateConversationTitle(id, title string) bool {
	title = strings.TrimSpace(title)
	if title == "" {
		m.logger.Warn("rejected blank conversation title", logutil.Fields{"id": id})
		return false
	}

	m.mu.Lock()
	conv := m.findLocked(id)
	if conv == nil {
		m.mu.Unlock()
		return false
	}
	conv.SetTitle(title)
	m.mu.Unlock()

	m.scheduleSave()
	return true
}

// ExportConversation renders the conversation with id as a markdown
// transcript.
func (m *ConversationManager) ExportConversation(id string) (string, bool) {
	m.mu.Lock()
	conv := m.findLocked(id)
	m.mu.Unlock()
	if conv == nil {
		return "", false
	}
	return entities.ExportTranscript(conv), true
}

// AutoSaveEnabled reports whether mutations schedule persistence writes
func (m *ConversationManager) AutoSaveEnabled() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.autoSave
}

// SetAutoSave toggles the auto-save behavior and persists the choice
func (m *ConversationManager) SetAutoSave(enabled bool) {
	m.mu.Lock()
	m.autoSave = enabled
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := m.store.SetAutoSaveEnabled(ctx, enabled); err != nil {
		m.logger.Warn("failed to persist auto-save flag", logutil.Fields{"error": err.Error()})
	}
}
