// Package store provides storage backends for EventTalk.
//
// Four implementations share one interface: Firestore (the deployment
// default, matching the document layout administration tooling writes),
// PostgreSQL and SQLite for self-hosted installs, and an in-memory store for
// tests. Records are stored document-style; the SQL backends keep each record
// as a JSON document in a keyed row so all backends agree on field names.
package store

import (
	"context"
	"strings"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// Storage layout names shared by all backends. Firestore uses them as
// collection and document ids; the SQL backends map them onto tables.
const (
	// UserTrackingCollection holds one document per normalized sender id.
	UserTrackingCollection = "user_event_tracking"
	// EventCollectionPrefix prefixes per-event collections. An event id "x"
	// lives in collection "AOI_x": an "info" document plus participant docs.
	EventCollectionPrefix = "AOI_"
	// EventInfoDocID is the reserved document id for event configuration.
	EventInfoDocID = "info"
	// BlockedNumbersCollection holds one document per blocked sender.
	BlockedNumbersCollection = "blocked_numbers"
	// SystemSettingsCollection holds operator-tunable settings documents.
	SystemSettingsCollection = "system_settings"
	// BlocklistConfigDocID is the settings document carrying the blocklist
	// cache TTL.
	BlocklistConfigDocID = "blacklist_config"
	// LimitExceededCollection logs participants who hit the interaction cap.
	LimitExceededCollection = "users_exceeding_limit"
)

// DefaultBlocklistCacheTTL applies when the settings document is absent.
const DefaultBlocklistCacheTTL = 60 * time.Second

// ParticipantUpdateFunc mutates a participant record inside a transaction.
// Returning commit=false discards the mutation without error; the transaction
// then writes nothing.
type ParticipantUpdateFunc func(p *models.ParticipantRecord) (commit bool, err error)

// Store is the persistence interface the conversation flow and the HTTP API
// depend on. Get methods return (nil, nil) when the record does not exist.
type Store interface {
	// User tracking records, keyed by normalized sender id.
	GetUserTracking(ctx context.Context, senderID string) (*models.UserTrackingRecord, error)
	SaveUserTracking(ctx context.Context, rec *models.UserTrackingRecord) error
	CountTrackedSenders(ctx context.Context) (int, error)

	// Event configuration, keyed by event id.
	GetEventConfig(ctx context.Context, eventID string) (*models.EventConfigRecord, error)
	SaveEventConfig(ctx context.Context, rec *models.EventConfigRecord) error
	ListEventIDs(ctx context.Context) ([]string, error)

	// Participant records, keyed by (event id, normalized sender id).
	GetParticipant(ctx context.Context, eventID, senderID string) (*models.ParticipantRecord, error)
	SaveParticipant(ctx context.Context, rec *models.ParticipantRecord) error
	AppendInteractions(ctx context.Context, eventID, senderID string, items ...models.Interaction) error
	TransactionalUpdateParticipant(ctx context.Context, eventID, senderID string, update ParticipantUpdateFunc) error

	// EventStats counts participants and recorded interaction entries for an
	// event, for the operator stats endpoint.
	EventStats(ctx context.Context, eventID string) (participants, interactions int, err error)

	// Free-form documents, used for report claims referenced by event configs.
	GetDocument(ctx context.Context, collection, docID string) (map[string]any, error)
	PutDocument(ctx context.Context, collection, docID string, data map[string]any) error

	// Blocklist.
	ListBlockedNumbers(ctx context.Context) ([]string, error)
	AddBlockedNumber(ctx context.Context, phone string) error
	RemoveBlockedNumber(ctx context.Context, phone string) error
	BlocklistCacheTTL(ctx context.Context) (time.Duration, error)

	// Moderation log for participants who hit the interaction cap.
	LogLimitExceeded(ctx context.Context, rec models.LimitExceededRecord) error

	Close() error
}

// Opts holds configuration options for store construction.
type Opts struct {
	PostgresDSN          string
	SQLiteDSN            string
	FirestoreProject     string
	FirestoreCredentials string
}

// Option defines a configuration option for store construction.
type Option func(*Opts)

// WithPostgresDSN sets the PostgreSQL connection string.
func WithPostgresDSN(dsn string) Option {
	return func(o *Opts) { o.PostgresDSN = dsn }
}

// WithSQLiteDSN sets the SQLite database file path.
func WithSQLiteDSN(dsn string) Option {
	return func(o *Opts) { o.SQLiteDSN = dsn }
}

// WithFirestoreProject sets the Google Cloud project id for Firestore.
func WithFirestoreProject(projectID string) Option {
	return func(o *Opts) { o.FirestoreProject = projectID }
}

// WithFirestoreCredentialsFile sets the service account key file path.
func WithFirestoreCredentialsFile(path string) Option {
	return func(o *Opts) { o.FirestoreCredentials = path }
}

// DetectDSNType classifies a database DSN as "postgres" or "sqlite".
// PostgreSQL URLs and key=value connection strings are recognized; anything
// else is treated as a SQLite file path.
func DetectDSNType(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") || strings.Contains(dsn, "host=") {
		return "postgres"
	}
	return "sqlite"
}

// NewStore constructs the store selected by the options: Firestore when
// credentials or a project are configured, then PostgreSQL, then SQLite,
// falling back to the in-memory store when nothing is configured.
func NewStore(ctx context.Context, opts ...Option) (Store, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	switch {
	case cfg.FirestoreCredentials != "" || cfg.FirestoreProject != "":
		return NewFirestoreStore(ctx, opts...)
	case cfg.PostgresDSN != "":
		return NewPostgresStore(opts...)
	case cfg.SQLiteDSN != "":
		return NewSQLiteStore(opts...)
	default:
		return NewInMemoryStore(), nil
	}
}

// eventCollection returns the per-event collection name for an event id.
func eventCollection(eventID string) string {
	return EventCollectionPrefix + eventID
}

// eventIDFromCollection strips the event collection prefix, reporting whether
// the name was an event collection at all.
func eventIDFromCollection(name string) (string, bool) {
	if !strings.HasPrefix(name, EventCollectionPrefix) {
		return "", false
	}
	return strings.TrimPrefix(name, EventCollectionPrefix), true
}
