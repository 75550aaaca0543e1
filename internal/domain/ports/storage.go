package ports

import (
	"context"

	"github.com/username/turbochat/internal/domain/entities"
)

// ConversationStore defines the interface for the persistent local store.
// It mirrors the browser localStorage model the client grew out of: the
// full conversation list lives under one fixed key, the active-conversation
// pointer under another, and provider API keys under provider-scoped keys.
type ConversationStore interface {
	// Load reads the persisted conversation list. Malformed payloads reset
	// to an empty list rather than failing; records are repaired (missing
	// IDs generated, invalid dates coerced), sorted by LastUpdated
	// descending and truncated to the retained cap.
	Load(ctx context.Context) ([]*entities.ConversationRecord, error)

	// Save serializes and writes the full conversation list.
	Save(ctx context.Context, records []*entities.ConversationRecord) error

	// ActiveID returns the persisted id of the last active conversation,
	// empty when none is recorded.
	ActiveID(ctx context.Context) (string, error)
	SetActiveID(ctx context.Context, id string) error
	ClearActiveID(ctx context.Context) error

	// Provider-scoped API key storage
	APIKey(ctx context.Context, provider string) (string, error)
	SetAPIKey(ctx context.Context, provider, key string) error

	// AutoSaveEnabled persists the auto-save toggle across runs
	AutoSaveEnabled(ctx context.Context) (bool, error)
	SetAutoSaveEnabled(ctx context.Context, enabled bool) error

	// Health check
	Ping(ctx context.Context) error

	Close() error
}
