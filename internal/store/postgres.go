// Package store provides storage backends for EventTalk.
//
// This file implements the PostgreSQL-backed store.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	_ "embed"

	_ "github.com/lib/pq"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// Database connection pool configuration constants
const (
	// DefaultMaxOpenConns is the default maximum number of open connections to the database
	DefaultMaxOpenConns = 25
	// DefaultMaxIdleConns is the default maximum number of idle connections in the pool
	DefaultMaxIdleConns = 25
	// DefaultConnMaxLifetime is the default maximum amount of time a connection may be reused
	DefaultConnMaxLifetime = 5 * time.Minute
)

//go:embed migrations_postgres.sql
var postgresMigrations string

// PostgresStore persists records as JSONB documents in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new Postgres store based on provided options.
func NewPostgresStore(opts ...Option) (*PostgresStore, error) {
	// Apply options
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("PostgresStore.NewPostgresStore: creating Postgres store", "DSN_set", cfg.PostgresDSN != "")
	// Determine DSN (required)
	dsn := cfg.PostgresDSN
	if dsn == "" {
		slog.Error("PostgresStore DSN not set")
		return nil, fmt.Errorf("database DSN not set")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		slog.Error("Failed to open Postgres connection", "error", err)
		return nil, err
	}

	// Configure connection pool for better performance
	db.SetMaxOpenConns(DefaultMaxOpenConns)
	db.SetMaxIdleConns(DefaultMaxIdleConns)
	db.SetConnMaxLifetime(DefaultConnMaxLifetime)

	if err := db.Ping(); err != nil {
		slog.Error("Postgres ping failed", "error", err)
		return nil, err
	}
	// Run migrations to ensure the document tables exist
	if _, err := db.Exec(postgresMigrations); err != nil {
		slog.Error("Failed to run Postgres migrations", "error", err)
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}
	slog.Debug("Postgres migrations applied successfully")
	return &PostgresStore{db: db}, nil
}

// getDoc reads a single JSON document column, returning nil when absent.
func (s *PostgresStore) getDoc(ctx context.Context, query string, args ...any) ([]byte, error) {
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

func (s *PostgresStore) GetUserTracking(ctx context.Context, senderID string) (*models.UserTrackingRecord, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM user_tracking WHERE sender_id = $1`, senderID)
	if err != nil {
		slog.Error("PostgresStore GetUserTracking failed", "error", err, "sender", senderID)
		return nil, fmt.Errorf("failed to get user tracking for %s: %w", senderID, err)
	}
	if doc == nil {
		return nil, nil
	}
	var rec models.UserTrackingRecord
	if err := unmarshalDoc(doc, &rec); err != nil {
		slog.Error("PostgresStore GetUserTracking decode failed", "error", err, "sender", senderID)
		return nil, err
	}
	rec.SenderID = senderID
	rec.Normalize()
	return &rec, nil
}

func (s *PostgresStore) SaveUserTracking(ctx context.Context, rec *models.UserTrackingRecord) error {
	if rec == nil || rec.SenderID == "" {
		return models.ErrEmptySenderID
	}
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_tracking (sender_id, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (sender_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, rec.SenderID, doc)
	if err != nil {
		slog.Error("PostgresStore SaveUserTracking failed", "error", err, "sender", rec.SenderID)
		return fmt.Errorf("failed to save user tracking for %s: %w", rec.SenderID, err)
	}
	slog.Debug("PostgresStore SaveUserTracking succeeded", "sender", rec.SenderID, "state", rec.State)
	return nil
}

func (s *PostgresStore) CountTrackedSenders(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM user_tracking`).Scan(&count); err != nil {
		slog.Error("PostgresStore CountTrackedSenders failed", "error", err)
		return 0, fmt.Errorf("failed to count tracked senders: %w", err)
	}
	return count, nil
}

func (s *PostgresStore) GetEventConfig(ctx context.Context, eventID string) (*models.EventConfigRecord, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM event_configs WHERE event_id = $1`, eventID)
	if err != nil {
		slog.Error("PostgresStore GetEventConfig failed", "error", err, "event", eventID)
		return nil, fmt.Errorf("failed to get event config for %s: %w", eventID, err)
	}
	if doc == nil {
		return nil, nil
	}
	var rec models.EventConfigRecord
	if err := unmarshalDoc(doc, &rec); err != nil {
		slog.Error("PostgresStore GetEventConfig decode failed", "error", err, "event", eventID)
		return nil, err
	}
	rec.EventID = eventID
	return &rec, nil
}

func (s *PostgresStore) SaveEventConfig(ctx context.Context, rec *models.EventConfigRecord) error {
	if rec == nil || rec.EventID == "" {
		return models.ErrEmptyEventID
	}
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO event_configs (event_id, doc, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (event_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, rec.EventID, doc)
	if err != nil {
		slog.Error("PostgresStore SaveEventConfig failed", "error", err, "event", rec.EventID)
		return fmt.Errorf("failed to save event config for %s: %w", rec.EventID, err)
	}
	slog.Debug("PostgresStore SaveEventConfig succeeded", "event", rec.EventID)
	return nil
}

func (s *PostgresStore) ListEventIDs(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT event_id FROM event_configs ORDER BY event_id`)
	if err != nil {
		slog.Error("PostgresStore ListEventIDs failed", "error", err)
		return nil, fmt.Errorf("failed to list event ids: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			slog.Error("PostgresStore ListEventIDs scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan event id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListEventIDs rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate event ids: %w", err)
	}
	return ids, nil
}

func (s *PostgresStore) GetParticipant(ctx context.Context, eventID, senderID string) (*models.ParticipantRecord, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM participants WHERE event_id = $1 AND sender_id = $2`, eventID, senderID)
	if err != nil {
		slog.Error("PostgresStore GetParticipant failed", "error", err, "event", eventID, "sender", senderID)
		return nil, fmt.Errorf("failed to get participant %s in %s: %w", senderID, eventID, err)
	}
	if doc == nil {
		return nil, nil
	}
	var rec models.ParticipantRecord
	if err := unmarshalDoc(doc, &rec); err != nil {
		slog.Error("PostgresStore GetParticipant decode failed", "error", err, "event", eventID, "sender", senderID)
		return nil, err
	}
	rec.EventID = eventID
	rec.SenderID = senderID
	rec.Normalize()
	return &rec, nil
}

func (s *PostgresStore) SaveParticipant(ctx context.Context, rec *models.ParticipantRecord) error {
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
		INSERT INTO participants (event_id, sender_id, doc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id, sender_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, rec.EventID, rec.SenderID, doc)
	if err != nil {
		slog.Error("PostgresStore SaveParticipant failed", "error", err, "event", rec.EventID, "sender", rec.SenderID)
		return fmt.Errorf("failed to save participant %s in %s: %w", rec.SenderID, rec.EventID, err)
	}
	return nil
}

func (s *PostgresStore) AppendInteractions(ctx context.Context, eventID, senderID string, items ...models.Interaction) error {
	return s.TransactionalUpdateParticipant(ctx, eventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
		p.Interactions = append(p.Interactions, items...)
		return true, nil
	})
}

func (s *PostgresStore) TransactionalUpdateParticipant(ctx context.Context, eventID, senderID string, update ParticipantUpdateFunc) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin participant transaction: %w", err)
	}
	defer tx.Rollback()

	work := models.NewParticipantRecord(eventID, senderID)
	var doc []byte
	err = tx.QueryRowContext(ctx,
		`SELECT doc FROM participants WHERE event_id = $1 AND sender_id = $2 FOR UPDATE`,
		eventID, senderID).Scan(&doc)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		slog.Error("PostgresStore TransactionalUpdateParticipant read failed", "error", err, "event", eventID, "sender", senderID)
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
		INSERT INTO participants (event_id, sender_id, doc, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (event_id, sender_id)
		DO UPDATE SET doc = EXCLUDED.doc, updated_at = NOW()`, eventID, senderID, out)
	if err != nil {
		slog.Error("PostgresStore TransactionalUpdateParticipant write failed", "error", err, "event", eventID, "sender", senderID)
		return fmt.Errorf("failed to write participant %s in %s: %w", senderID, eventID, err)
	}
	return tx.Commit()
}

func (s *PostgresStore) EventStats(ctx context.Context, eventID string) (int, int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT doc FROM participants WHERE event_id = $1`, eventID)
	if err != nil {
		slog.Error("PostgresStore EventStats failed", "error", err, "event", eventID)
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

func (s *PostgresStore) GetDocument(ctx context.Context, collection, docID string) (map[string]any, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM documents WHERE collection = $1 AND doc_id = $2`, collection, docID)
	if err != nil {
		slog.Error("PostgresStore GetDocument failed", "error", err, "collection", collection, "doc", docID)
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

func (s *PostgresStore) PutDocument(ctx context.Context, collection, docID string, data map[string]any) error {
	doc, err := marshalDoc(data)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO documents (collection, doc_id, doc)
		VALUES ($1, $2, $3)
		ON CONFLICT (collection, doc_id)
		DO UPDATE SET doc = EXCLUDED.doc`, collection, docID, doc)
	if err != nil {
		slog.Error("PostgresStore PutDocument failed", "error", err, "collection", collection, "doc", docID)
		return fmt.Errorf("failed to put document %s/%s: %w", collection, docID, err)
	}
	return nil
}

func (s *PostgresStore) ListBlockedNumbers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT phone FROM blocked_numbers ORDER BY phone`)
	if err != nil {
		slog.Error("PostgresStore ListBlockedNumbers failed", "error", err)
		return nil, fmt.Errorf("failed to list blocked numbers: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var phone string
		if err := rows.Scan(&phone); err != nil {
			slog.Error("PostgresStore ListBlockedNumbers scan failed", "error", err)
			return nil, fmt.Errorf("failed to scan blocked number: %w", err)
		}
		out = append(out, phone)
	}
	if err := rows.Err(); err != nil {
		slog.Error("PostgresStore ListBlockedNumbers rows iteration failed", "error", err)
		return nil, fmt.Errorf("failed to iterate blocked numbers: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) AddBlockedNumber(ctx context.Context, phone string) error {
	if phone == "" {
		return models.ErrEmptySenderID
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO blocked_numbers (phone) VALUES ($1)
		ON CONFLICT (phone) DO NOTHING`, phone)
	if err != nil {
		slog.Error("PostgresStore AddBlockedNumber failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to block %s: %w", phone, err)
	}
	slog.Debug("PostgresStore AddBlockedNumber succeeded", "phone", phone)
	return nil
}

func (s *PostgresStore) RemoveBlockedNumber(ctx context.Context, phone string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM blocked_numbers WHERE phone = $1`, phone)
	if err != nil {
		slog.Error("PostgresStore RemoveBlockedNumber failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to unblock %s: %w", phone, err)
	}
	slog.Debug("PostgresStore RemoveBlockedNumber succeeded", "phone", phone)
	return nil
}

func (s *PostgresStore) BlocklistCacheTTL(ctx context.Context) (time.Duration, error) {
	doc, err := s.getDoc(ctx, `SELECT doc FROM system_settings WHERE key = $1`, BlocklistConfigDocID)
	if err != nil {
		slog.Error("PostgresStore BlocklistCacheTTL failed", "error", err)
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

func (s *PostgresStore) LogLimitExceeded(ctx context.Context, rec models.LimitExceededRecord) error {
	doc, err := marshalDoc(rec)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `INSERT INTO limit_exceeded (doc) VALUES ($1)`, doc)
	if err != nil {
		slog.Error("PostgresStore LogLimitExceeded failed", "error", err, "phone", rec.Phone, "event", rec.EventID)
		return fmt.Errorf("failed to log limit exceeded for %s: %w", rec.Phone, err)
	}
	return nil
}

// Close closes the PostgreSQL database connection.
func (s *PostgresStore) Close() error {
	slog.Debug("Closing PostgreSQL database connection")
	err := s.db.Close()
	if err != nil {
		slog.Error("Failed to close PostgreSQL database", "error", err)
	}
	return err
}
