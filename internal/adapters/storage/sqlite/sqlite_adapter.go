package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/username/turbochat/internal/domain/entities"
	"github.com/username/turbochat/internal/pkg/constants"
	"github.com/username/turbochat/internal/pkg/dbutil"
)

// Storage keys mirror the browser localStorage layout the client migrated
// from, so an export of one maps directly onto the other.
const (
	keyConversations = "turbochat_conversations"
	keyActiveID      = "lastActiveConversation"
	keySerpAPI       = "serpapi_key"
	keyAutoSave      = "autoSaveEnabled"
)

// DefaultMaxSaved caps how many conversations Load retains.
const DefaultMaxSaved = constants.DefaultMaxSavedConversations

// Adapter implements the ConversationStore interface on a SQLite
// key/value table. Values are JSON payloads keyed the same way the
// original browser storage was.
type Adapter struct {
	db       *sql.DB
	kv       *dbutil.Wrapper
	maxSaved int
}

// NewAdapter opens (creating if needed) the store at dbPath. maxSaved
// bounds the conversation list; values below 1 fall back to
// DefaultMaxSaved.
func NewAdapter(dbPath string, maxSaved int) (*Adapter, error) {
	if dir := filepath.Dir(dbPath); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create storage directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=1")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single-writer local store; a small pool is plenty
	db.SetMaxOpenConns(constants.DatabaseMaxOpenConns)
	db.SetMaxIdleConns(constants.DatabaseMaxIdleConns)
	db.SetConnMaxLifetime(constants.DatabaseConnMaxLifetime)

	if maxSaved < 1 {
		maxSaved = DefaultMaxSaved
	}

	return &Adapter{
		db:       db,
		kv:       dbutil.NewWrapper(db, constants.DatabaseTimeout),
		maxSaved: maxSaved,
	}, nil
}

// Migrate creates the key/value table if it does not exist
func (a *Adapter) Migrate(ctx context.Context) error {
	_, err := a.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS local_store (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)
	`)
	if err != nil {
		return fmt.Errorf("failed to create local_store table: %w", err)
	}
	return nil
}

// Ping checks database connectivity
func (a *Adapter) Ping(ctx context.Context) error {
	return a.kv.Ping(ctx)
}

// Close closes the database connection
func (a *Adapter) Close() error {
	return a.db.Close()
}

// get reads a raw value; missing keys return ("", nil)
func (a *Adapter) get(ctx context.Context, key string) (string, error) {
	value, _, err := a.kv.QueryString(ctx,
		"SELECT value FROM local_store WHERE key = ?", key)
	if err != nil {
		return "", fmt.Errorf("failed to read key %s: %w", key, err)
	}
	return value, nil
}

// set upserts a raw value under key
func (a *Adapter) set(ctx context.Context, key, value string) error {
	err := a.kv.Exec(ctx, `
		INSERT INTO local_store (key, value, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = CURRENT_TIMESTAMP
	`, key, value)
	if err != nil {
		return fmt.Errorf("failed to write key %s: %w", key, err)
	}
	return nil
}

// delete removes a key; deleting an absent key is not an error
func (a *Adapter) delete(ctx context.Context, key string) error {
	if err := a.kv.Exec(ctx, "DELETE FROM local_store WHERE key = ?", key); err != nil {
		return fmt.Errorf("failed to delete key %s: %w", key, err)
	}
	return nil
}

// Load reads the persisted conversation list. A missing or malformed
// payload yields an empty list rather than an error so a corrupted store
// never blocks startup. Individual records are repaired on the way in:
// missing IDs are regenerated, zero dates are coerced to now, nil message
// slices become empty ones. The result is sorted newest-first by
// LastUpdated and truncated to the retained cap.
func (a *Adapter) Load(ctx context.Context) ([]*entities.ConversationRecord, error) {
	raw, err := a.get(ctx, keyConversations)
	if err != nil {
		return nil, err
	}
	if raw == "" {
		return []*entities.ConversationRecord{}, nil
	}

	var records []*entities.ConversationRecord
	if err := json.Unmarshal([]byte(raw), &records); err != nil {
		// Not a conversation array; start fresh
		return []*entities.ConversationRecord{}, nil
	}

	repaired := make([]*entities.ConversationRecord, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		repairRecord(rec)
		repaired = append(repaired, rec)
	}

	sort.SliceStable(repaired, func(i, j int) bool {
		return repaired[i].LastUpdated.After(repaired[j].LastUpdated)
	})

	if len(repaired) > a.maxSaved {
		repaired = repaired[:a.maxSaved]
	}

	return repaired, nil
}

// repairRecord fills in fields a hand-edited or partial payload may lack
func repairRecord(rec *entities.ConversationRecord) {
	now := time.Now()
	if rec.ID == "" {
		rec.ID = entities.GenerateID()
	}
	if rec.Title == "" {
		rec.Title = entities.DefaultTitle
	}
	if rec.Messages == nil {
		rec.Messages = make([]entities.Message, 0)
	}
	if rec.Date.IsZero() {
		rec.Date = now
	}
	if rec.LastUpdated.IsZero() {
		rec.LastUpdated = rec.Date
	}
}

// Save serializes and writes the full conversation list
func (a *Adapter) Save(ctx context.Context, records []*entities.ConversationRecord) error {
	if records == nil {
		records = []*entities.ConversationRecord{}
	}
	payload, err := json.Marshal(records)
	if err != nil {
		return fmt.Errorf("failed to serialize conversations: %w", err)
	}
	return a.set(ctx, keyConversations, string(payload))
}

// ActiveID returns the persisted last-active conversation id
func (a *Adapter) ActiveID(ctx context.Context) (string, error) {
	return a.get(ctx, keyActiveID)
}

// SetActiveID records the last-active conversation id
func (a *Adapter) SetActiveID(ctx context.Context, id string) error {
	return a.set(ctx, keyActiveID, id)
}

// ClearActiveID removes the last-active pointer
func (a *Adapter) ClearActiveID(ctx context.Context) error {
	return a.delete(ctx, keyActiveID)
}

// APIKey returns the stored key for a provider, empty when unset.
// The serpapi provider shares the table under its own fixed key.
func (a *Adapter) APIKey(ctx context.Context, provider string) (string, error) {
	return a.get(ctx, apiKeyName(provider))
}

// SetAPIKey stores a provider API key. An empty key removes the entry.
func (a *Adapter) SetAPIKey(ctx context.Context, provider, key string) error {
	name := apiKeyName(provider)
	if key == "" {
		return a.delete(ctx, name)
	}
	return a.set(ctx, name, key)
}

func apiKeyName(provider string) string {
	if provider == "serpapi" {
		return keySerpAPI
	}
	return provider + "_api_key"
}

// AutoSaveEnabled reports the persisted auto-save toggle, defaulting to true
func (a *Adapter) AutoSaveEnabled(ctx context.Context) (bool, error) {
	raw, err := a.get(ctx, keyAutoSave)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return true, nil
	}
	return raw == "true", nil
}

// SetAutoSaveEnabled persists the auto-save toggle
func (a *Adapter) SetAutoSaveEnabled(ctx context.Context, enabled bool) error {
	if enabled {
		return a.set(ctx, keyAutoSave, "true")
	}
	return a.set(ctx, keyAutoSave, "false")
}
