// Package store provides storage backends for EventTalk.
//
// This file implements the SQLite-backed store for single-host installs.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "embed"

	_ "github.com/mattn/go-sqlite3"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// Constants for SQLite store configuration
const (
	// DefaultDirPermissions defines the default permissions for database directories
	DefaultDirPermissions = 0755
)

//go:embed migrations_sqlite.sql
var sqliteMigrations string

// SQLiteStore persists records as JSON documents in a SQLite database file.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore creates a new SQLite store with the given DSN.
// The DSN should be a file path to the SQLite database file.
// If the directory doesn't exist, it will be created.
func NewSQLiteStore(opts ...Option) (*SQLiteStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("NewSQLiteStore invoked", "DSN_set", cfg.SQLiteDSN != "")

	// Determine DSN (required)
	dsn := cfg.SQLiteDSN
	if dsn == "" {
		slog.Error("SQLiteStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	// Ensure the directory exists
	dir := filepath.Dir(dsn)
	if err := os.MkdirAll(dir, DefaultDirPermissions); err != nil {
		slog.Error("Failed to create database directory", "error", err, "dir", dir)
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		slog.Error("Failed to open SQLite connection", "error", err)
		return nil, err
	}
	if err := db.Ping(); err != nil {
		slog.Error("SQLite ping failed", "error", err)
		return nil, err
	}
	// Run migrations to ensure the document tables exist
	if _, err := db.Exec(sqliteMigrations); err != nil {
		slog.Error("Failed to run SQLite migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("SQLite migrations applied successfully")
	return &SQLiteStore{db: db}, nil
}

// getDoc reads a single JSON document column, returning nil when absent.
func (s *SQLiteStore) getDoc(ctx context.Context, query string, args ...any) ([]byte, error) {
	var doc []byte
	err := s.db.QueryRowContext(ctx, query, args...).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return doc, nil
}

func (s *SQLiteStore) GetUserTracking(ctx context.Context, senderID string) (*models.UserTrackingRecord, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM user_tracking WHERE sender_id = ?`, senderID)
	if err != nil {
		slog.Error("SQLiteStore GetUserTracking failed", "error", err, "sender", senderID)
		return nil, fmt.Errorf("failed to get user tracking for %s: %w", senderID, err)
	}
	if doc == nil {
		return nil, nil
	}
	var rec models.UserTrackingRecord
	if err := unmarshalDoc(doc, &rec); err != nil {
		slog.Error("SQLiteStore GetUserTracking decode failed", "error", err, "sender", senderID)
		return nil, err
	}
	rec.SenderID = senderID
	rec.Normalize()
	return &rec, nil
}

func (s *SQLiteStore) SaveUserTracking(ctx context.Context, rec *models.UserTrackingRecord) error {
	if rec == nil || rec.SenderID == "" {
		return models.ErrEmptySenderID
	}
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO user_tracking (sender_id, doc, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`, rec.SenderID, doc)
	if err != nil {
		slog.Error("SQLiteStore SaveUserTracking failed", "error", err, "sender", rec.SenderID)
		return fmt.Errorf("failed to save user tracking for %s: %w", rec.SenderID, err)
	}
	slog.Debug("SQLiteStore SaveUserTracking succeeded", "sender", rec.SenderID, "state", rec.State)
	return nil
}

func (s *SQLiteStore) CountTrackedSenders(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_tracking`).Scan(&count); err != nil {
		slog.Error("SQLiteStore CountTrackedSenders failed", "error", err)
		return 0, fmt.Errorf("failed to count tracked senders: %w", err)
	}
	return count, nil
}

func (s *SQLiteStore) GetEventConfig(ctx context.Context, eventID string) (*models.EventConfigRecord, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM event_configs WHERE event_id = ?`, eventID)
	if err != nil {
		slog.Error("SQLiteStore GetEventConfig failed", "error", err, "event", eventID)
		return nil, fmt.Errorf("failed to get event config for %s: %w", eventID, err)
	}
	if doc == nil {
		return nil, nil
	}
	var rec models.EventConfigRecord
	if err := unmarshalDoc(doc, &rec); err != nil {
		slog.Error("SQLiteStore GetEventConfig decode failed", "error", err, "event", eventID)
		return nil, err
	}
	rec.EventID = eventID
	return &rec, nil
}

func (s *SQLiteStore) SaveEventConfig(ctx context.Context, rec *models.EventConfigRecord) error {
	if rec == nil || rec.EventID == "" {
		return models.ErrEmptyEventID
	}
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO event_configs (event_id, doc, updated_at)
		VALUES (?, ?, CURRENT_TIMESTAMP)`, rec.EventID, doc)
	if err != nil {
		slog.Error("SQLiteStore SaveEventConfig failed", "error", err, "event", rec.EventID)
		return fmt.Errorf("failed to save event config for %s: %w", rec.EventID, err)
	}
	slog.Debug("SQLiteStore SaveEventConfig succeeded", "event", rec.EventID)
	return nil
}

func (s *SQLiteStore) ListEventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id FROM event_configs ORDER BY event_id`)
	if err != nil {
		slog.Error("SQLiteStore ListEventIDs failed", "error", err)
		return nil, fmt.Errorf("failed to list event ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			slog.Error("SQLiteStore ListEventIDs scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListEventIDs rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate event ids: %w", err)
	}
	return ids, nil
}

func (s *SQLiteStore) GetParticipant(ctx context.Context, eventID, senderID string) (*models.ParticipantRecord, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM participants WHERE event_id = ? AND sender_id = ?`, eventID, senderID)
	if err != nil {
		slog.Error("SQLiteStore GetParticipant failed", "error", err, "event", eventID, "sender", senderID)
		return nil, fmt.Errorf("failed to get participant %s in %s: %w", senderID, eventID, err)
	}
	if doc == nil {
		return nil, nil
	}
	var rec models.ParticipantRecord
	if err := unmarshalDoc(doc, &rec); err != nil {
		slog.Error("SQLiteStore GetParticipant decode failed", "error", err, "event", eventID, "sender", senderID)
		return nil, err
	}
	rec.EventID = eventID
	rec.SenderID = senderID
	rec.Normalize()
	return &rec, nil
}

func (s *SQLiteStore) SaveParticipant(ctx context.Context, rec *models.ParticipantRecord) error {
	if rec == nil || rec.SenderID == "" {
		return models.ErrEmptySenderID
	}
	if rec.EventID == "" {
		return models.ErrEmptyEventID
	}
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO participants (event_id, sender_id, doc, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`, rec.EventID, rec.SenderID, doc)
	if err != nil {
		slog.Error("SQLiteStore SaveParticipant failed", "error", err, "event", rec.EventID, "sender", rec.SenderID)
		return fmt.Errorf("failed to save participant %s in %s: %w", rec.SenderID, rec.EventID, err)
	}
	return nil
}

func (s *SQLiteStore) AppendInteractions(ctx context.Context, eventID, senderID string, items ...models.Interaction) error {
	return s.TransactionalUpdateParticipant(ctx, eventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
		p.Interactions = append(p.Interactions, items...)
		return true, nil
	})
}

func (s *SQLiteStore) TransactionalUpdateParticipant(ctx context.Context, eventID, senderID string, update ParticipantUpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin participant transaction: %w", err)
	}
	defer tx.Rollback()

	work := models.NewParticipantRecord(eventID, senderID)
	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM participants WHERE event_id = ? AND sender_id = ?`,
		eventID, senderID).Scan(&doc)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		slog.Error("SQLiteStore TransactionalUpdateParticipant read failed", "error", err, "event", eventID, "sender", senderID)
		return fmt.Errorf("failed to read participant %s in %s: %w", senderID, eventID, err)
	}
	if doc != nil {
		if err := unmarshalDoc(doc, work); err != nil {
			return err
		}
		work.EventID = eventID
		work.SenderID = senderID
		work.Normalize()
	}

	commit, err := update(work)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}

	out, err := marshalDoc(work)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO participants (event_id, sender_id, doc, updated_at)
		VALUES (?, ?, ?, CURRENT_TIMESTAMP)`, eventID, senderID, out)
	if err != nil {
		slog.Error("SQLiteStore TransactionalUpdateParticipant write failed", "error", err, "event", eventID, "sender", senderID)
		return fmt.Errorf("failed to write participant %s in %s: %w", senderID, eventID, err)
	}
	return tx.Commit()
}

func (s *SQLiteStore) EventStats(ctx context.Context, eventID string) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM participants WHERE event_id = ?`, eventID)
	if err != nil {
		slog.Error("SQLiteStore EventStats failed", "error", err, "event", eventID)
		return 0, 0, fmt.Errorf("failed to read participants for %s: %w", eventID, err)
	}
	defer rows.Close()
	participants, interactions := 0, 0
	for rows.Next() {
		var doc []byte
		if err := rows.Scan(&doc); err != nil {
			return 0, 0, fmt.Errorf("failed to scan participant doc: %w", err)
		}
		var rec models.ParticipantRecord
		if err := unmarshalDoc(doc, &rec); err != nil {
			return 0, 0, err
		}
		participants++
		interactions += len(rec.Interactions) + len(rec.SecondRoundTurns)
	}
	if err := rows.Err(); err != nil {
		return 0, 0, fmt.Errorf("failed to iterate participants for %s: %w", eventID, err)
	}
	return participants, interactions, nil
}

func (s *SQLiteStore) GetDocument(ctx context.Context, collection, docID string) (map[string]any, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM documents WHERE collection = ? AND doc_id = ?`, collection, docID)
	if err != nil {
		slog.Error("SQLiteStore GetDocument failed", "error", err, "collection", collection, "doc", docID)
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, docID, err)
	}
	if doc == nil {
		return nil, nil
	}
	var out map[string]any
	if err := unmarshalDoc(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLiteStore) PutDocument(ctx context.Context, collection, docID string, data map[string]any) error {
	doc, err := marshalDoc(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO documents (collection, doc_id, doc)
		VALUES (?, ?, ?)`, collection, docID, doc)
	if err != nil {
		slog.Error("SQLiteStore PutDocument failed", "error", err, "collection", collection, "doc", docID)
		return fmt.Errorf("failed to put document %s/%s: %w", collection, docID, err)
	}
	return nil
}

func (s *SQLiteStore) ListBlockedNumbers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phone FROM blocked_numbers ORDER BY phone`)
	if err != nil {
		slog.Error("SQLiteStore ListBlockedNumbers failed", "error", err)
		return nil, fmt.Errorf("failed to list blocked numbers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			slog.Error("SQLiteStore ListBlockedNumbers scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan blocked number: %w", err)
		}
		out = append(out, phone)
	}
	if err := rows.Err(); err != nil {
		slog.Error("SQLiteStore ListBlockedNumbers rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate blocked numbers: %w", err)
	}
	return out, nil
}

func (s *SQLiteStore) AddBlockedNumber(ctx context.Context, phone string) error {
	if phone == "" {
		return models.ErrEmptySenderID
	}
	_, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO blocked_numbers (phone) VALUES (?)`, phone)
	if err != nil {
		slog.Error("SQLiteStore AddBlockedNumber failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to block %s: %w", phone, err)
	}
	slog.Debug("SQLiteStore AddBlockedNumber succeeded", "phone", phone)
	return nil
}

func (s *SQLiteStore) RemoveBlockedNumber(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_numbers WHERE phone = ?`, phone)
	if err != nil {
		slog.Error("SQLiteStore RemoveBlockedNumber failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to unblock %s: %w", phone, err)
	}
	slog.Debug("SQLiteStore RemoveBlockedNumber succeeded", "phone", phone)
	return nil
}

func (s *SQLiteStore) BlocklistCacheTTL(ctx context.Context) (time.Duration, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM system_settings WHERE key = ?`, BlocklistConfigDocID)
	if err != nil {
		slog.Error("SQLiteStore BlocklistCacheTTL failed", "error", err)
		return 0, fmt.Errorf("failed to read blocklist settings: %w", err)
	}
	if doc == nil {
		return DefaultBlocklistCacheTTL, nil
	}
	var data map[string]any
	if err := unmarshalDoc(doc, &data); err != nil {
		return 0, err
	}
	return cacheTTLFromSettings(data), nil
}

func (s *SQLiteStore) LogLimitExceeded(ctx context.Context, rec models.LimitExceededRecord) error {
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO limit_exceeded (doc) VALUES (?)`, doc)
	if err != nil {
		slog.Error("SQLiteStore LogLimitExceeded failed", "error", err, "phone", rec.Phone, "event", rec.EventID)
		return fmt.Errorf("failed to log limit exceeded for %s: %w", rec.Phone, err)
	}
	return nil
}

// Close closes the SQLite database connection.
func (s *SQLiteStore) Close() error {
	slog.Debug("Closing SQLite database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close SQLite database", "error", err)
	}
	return err
}
