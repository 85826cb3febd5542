// Package store provides storage backends for EventTalk.
//
// This file implements the Firestore-backed store, the deployment default.
package store

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"cloud.google.com/go/firestore"
	firebase "firebase.google.com/go/v4"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// FirestoreStore persists records in Google Cloud Firestore using the
// collection layout administration tooling writes: one user_event_tracking
// collection, one AOI_<event> collection per event (an "info" document plus
// participant documents), blocked_numbers, system_settings, and the
// users_exceeding_limit log.
type FirestoreStore struct {
	client *firestore.Client
}

// NewFirestoreStore creates a Firestore store from the provided options.
// Credentials come from the configured service account key file, or from
// application default credentials when only a project id is given.
func NewFirestoreStore(ctx context.Context, opts ...Option) (*FirestoreStore, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	slog.Debug("FirestoreStore creating client", "project_set", cfg.FirestoreProject != "", "credentials_set", cfg.FirestoreCredentials != "")

	var clientOpts []option.ClientOption
	if cfg.FirestoreCredentials != "" {
		clientOpts = append(clientOpts, option.WithCredentialsFile(cfg.FirestoreCredentials))
	}
	var fbConfig *firebase.Config
	if cfg.FirestoreProject != "" {
		fbConfig = &firebase.Config{ProjectID: cfg.FirestoreProject}
	}

	app, err := firebase.NewApp(ctx, fbConfig, clientOpts...)
	if err != nil {
		slog.Error("FirestoreStore app initialization failed", "error", err)
		return nil, fmt.Errorf("failed to initialize Firebase app: %w", err)
	}
	client, err := app.Firestore(ctx)
	if err != nil {
		slog.Error("FirestoreStore client creation failed", "error", err)
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}
	slog.Debug("FirestoreStore client ready")
	return &FirestoreStore{client: client}, nil
}

// getSnapshot fetches one document, mapping the not-found case to (nil, nil).
// Firestore reports missing documents as an error alongside a snapshot whose
// Exists method returns false.
func (s *FirestoreStore) getSnapshot(ctx context.Context, collection, docID string) (*firestore.DocumentSnapshot, error) {
	snap, err := s.client.Collection(collection).Doc(docID).Get(ctx)
	if err != nil {
		if snap != nil && !snap.Exists() {
			return nil, nil
		}
		return nil, err
	}
	return snap, nil
}

func (s *FirestoreStore) GetUserTracking(ctx context.Context, senderID string) (*models.UserTrackingRecord, error) {
	snap, err := s.getSnapshot(ctx, UserTrackingCollection, senderID)
	if err != nil {
		slog.Error("FirestoreStore GetUserTracking failed", "error", err, "sender", senderID)
		return nil, fmt.Errorf("failed to get user tracking for %s: %w", senderID, err)
	}
	if snap == nil {
		slog.Debug("FirestoreStore GetUserTracking not found", "sender", senderID)
		return nil, nil
	}
	var rec models.UserTrackingRecord
	if err := snap.DataTo(&rec); err != nil {
		slog.Error("FirestoreStore GetUserTracking decode failed", "error", err, "sender", senderID)
		return nil, fmt.Errorf("failed to decode user tracking for %s: %w", senderID, err)
	}
	rec.SenderID = senderID
	rec.Normalize()
	return &rec, nil
}

func (s *FirestoreStore) SaveUserTracking(ctx context.Context, rec *models.UserTrackingRecord) error {
	if rec == nil || rec.SenderID == "" {
		return models.ErrEmptySenderID
	}
	if _, err := s.client.Collection(UserTrackingCollection).Doc(rec.SenderID).Set(ctx, rec); err != nil {
		slog.Error("FirestoreStore SaveUserTracking failed", "error", err, "sender", rec.SenderID)
		return fmt.Errorf("failed to save user tracking for %s: %w", rec.SenderID, err)
	}
	slog.Debug("FirestoreStore SaveUserTracking succeeded", "sender", rec.SenderID, "state", rec.State)
	return nil
}

func (s *FirestoreStore) CountTrackedSenders(ctx context.Context) (int, error) {
	iter := s.client.Collection(UserTrackingCollection).Select().Documents(ctx)
	defer iter.Stop()
	count := 0
	for {
		_, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			slog.Error("FirestoreStore CountTrackedSenders failed", "error", err)
			return 0, fmt.Errorf("failed to count tracked senders: %w", err)
		}
		count++
	}
	return count, nil
}

func (s *FirestoreStore) GetEventConfig(ctx context.Context, eventID string) (*models.EventConfigRecord, error) {
	snap, err := s.getSnapshot(ctx, eventCollection(eventID), EventInfoDocID)
	if err != nil {
		slog.Error("FirestoreStore GetEventConfig failed", "error", err, "event", eventID)
		return nil, fmt.Errorf("failed to get event config for %s: %w", eventID, err)
	}
	if snap == nil {
		slog.Debug("FirestoreStore GetEventConfig not found", "event", eventID)
		return nil, nil
	}
	var rec models.EventConfigRecord
	if err := snap.DataTo(&rec); err != nil {
		slog.Error("FirestoreStore GetEventConfig decode failed", "error", err, "event", eventID)
		return nil, fmt.Errorf("failed to decode event config for %s: %w", eventID, err)
	}
	rec.EventID = eventID
	return &rec, nil
}

func (s *FirestoreStore) SaveEventConfig(ctx context.Context, rec *models.EventConfigRecord) error {
	if rec == nil || rec.EventID == "" {
		return models.ErrEmptyEventID
	}
	if _, err := s.client.Collection(eventCollection(rec.EventID)).Doc(EventInfoDocID).Set(ctx, rec); err != nil {
		slog.Error("FirestoreStore SaveEventConfig failed", "error", err, "event", rec.EventID)
		return fmt.Errorf("failed to save event config for %s: %w", rec.EventID, err)
	}
	slog.Debug("FirestoreStore SaveEventConfig succeeded", "event", rec.EventID)
	return nil
}

func (s *FirestoreStore) ListEventIDs(ctx context.Context) ([]string, error) {
	iter := s.client.Collections(ctx)
	var ids []string
	for {
		coll, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			slog.Error("FirestoreStore ListEventIDs failed", "error", err)
			return nil, fmt.Errorf("failed to list event collections: %w", err)
		}
		if id, ok := eventIDFromCollection(coll.ID); ok {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	slog.Debug("FirestoreStore ListEventIDs succeeded", "count", len(ids))
	return ids, nil
}

func (s *FirestoreStore) GetParticipant(ctx context.Context, eventID, senderID string) (*models.ParticipantRecord, error) {
	snap, err := s.getSnapshot(ctx, eventCollection(eventID), senderID)
	if err != nil {
		slog.Error("FirestoreStore GetParticipant failed", "error", err, "event", eventID, "sender", senderID)
		return nil, fmt.Errorf("failed to get participant %s in %s: %w", senderID, eventID, err)
	}
	if snap == nil {
		return nil, nil
	}
	var rec models.ParticipantRecord
	if err := snap.DataTo(&rec); err != nil {
		slog.Error("FirestoreStore GetParticipant decode failed", "error", err, "event", eventID, "sender", senderID)
		return nil, fmt.Errorf("failed to decode participant %s in %s: %w", senderID, eventID, err)
	}
	rec.EventID = eventID
	rec.SenderID = senderID
	rec.Normalize()
	return &rec, nil
}

func (s *FirestoreStore) SaveParticipant(ctx context.Context, rec *models.ParticipantRecord) error {
	if rec == nil || rec.SenderID == "" {
		return models.ErrEmptySenderID
	}
	if rec.EventID == "" {
		return models.ErrEmptyEventID
	}
	if _, err := s.client.Collection(eventCollection(rec.EventID)).Doc(rec.SenderID).Set(ctx, rec); err != nil {
		slog.Error("FirestoreStore SaveParticipant failed", "error", err, "event", rec.EventID, "sender", rec.SenderID)
		return fmt.Errorf("failed to save participant %s in %s: %w", rec.SenderID, rec.EventID, err)
	}
	slog.Debug("FirestoreStore SaveParticipant succeeded", "event", rec.EventID, "sender", rec.SenderID)
	return nil
}

func (s *FirestoreStore) AppendInteractions(ctx context.Context, eventID, senderID string, items ...models.Interaction) error {
	return s.TransactionalUpdateParticipant(ctx, eventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
		p.Interactions = append(p.Interactions, items...)
		return true, nil
	})
}

func (s *FirestoreStore) TransactionalUpdateParticipant(ctx context.Context, eventID, senderID string, update ParticipantUpdateFunc) error {
	ref := s.client.Collection(eventCollection(eventID)).Doc(senderID)
	err := s.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		work := models.NewParticipantRecord(eventID, senderID)
		snap, err := tx.Get(ref)
		if err != nil {
			if snap == nil || snap.Exists() {
				return err
			}
			// Missing participant: the update starts from a fresh record.
		} else if err := snap.DataTo(work); err != nil {
			return fmt.Errorf("failed to decode participant %s in %s: %w", senderID, eventID, err)
		}
		work.EventID = eventID
		work.SenderID = senderID
		work.Normalize()
		commit, err := update(work)
		if err != nil {
			return err
		}
		if !commit {
			return nil
		}
		return tx.Set(ref, work)
	})
	if err != nil {
		slog.Error("FirestoreStore TransactionalUpdateParticipant failed", "error", err, "event", eventID, "sender", senderID)
		return fmt.Errorf("participant transaction for %s in %s failed: %w", senderID, eventID, err)
	}
	return nil
}

func (s *FirestoreStore) EventStats(ctx context.Context, eventID string) (int, int, error) {
	iter := s.client.Collection(eventCollection(eventID)).Documents(ctx)
	defer iter.Stop()
	participants, interactions := 0, 0
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			slog.Error("FirestoreStore EventStats failed", "error", err, "event", eventID)
			return 0, 0, fmt.Errorf("failed to read participants for %s: %w", eventID, err)
		}
		if snap.Ref.ID == EventInfoDocID {
			continue
		}
		var rec models.ParticipantRecord
		if err := snap.DataTo(&rec); err != nil {
			return 0, 0, fmt.Errorf("failed to decode participant %s in %s: %w", snap.Ref.ID, eventID, err)
		}
		participants++
		interactions += len(rec.Interactions) + len(rec.SecondRoundTurns)
	}
	return participants, interactions, nil
}

func (s *FirestoreStore) GetDocument(ctx context.Context, collection, docID string) (map[string]any, error) {
	snap, err := s.getSnapshot(ctx, collection, docID)
	if err != nil {
		slog.Error("FirestoreStore GetDocument failed", "error", err, "collection", collection, "doc", docID)
		return nil, fmt.Errorf("failed to get document %s/%s: %w", collection, docID, err)
	}
	if snap == nil {
		return nil, nil
	}
	return snap.Data(), nil
}

func (s *FirestoreStore) PutDocument(ctx context.Context, collection, docID string, data map[string]any) error {
	if _, err := s.client.Collection(collection).Doc(docID).Set(ctx, data); err != nil {
		slog.Error("FirestoreStore PutDocument failed", "error", err, "collection", collection, "doc", docID)
		return fmt.Errorf("failed to put document %s/%s: %w", collection, docID, err)
	}
	return nil
}

func (s *FirestoreStore) ListBlockedNumbers(ctx context.Context) ([]string, error) {
	iter := s.client.Collection(BlockedNumbersCollection).Select().Documents(ctx)
	defer iter.Stop()
	var out []string
	for {
		snap, err := iter.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			slog.Error("FirestoreStore ListBlockedNumbers failed", "error", err)
			return nil, fmt.Errorf("failed to list blocked numbers: %w", err)
		}
		out = append(out, snap.Ref.ID)
	}
	sort.Strings(out)
	return out, nil
}

func (s *FirestoreStore) AddBlockedNumber(ctx context.Context, phone string) error {
	if phone == "" {
		return models.ErrEmptySenderID
	}
	data := map[string]any{"created_at": models.FormatTimestamp(time.Now())}
	if _, err := s.client.Collection(BlockedNumbersCollection).Doc(phone).Set(ctx, data); err != nil {
		slog.Error("FirestoreStore AddBlockedNumber failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to block %s: %w", phone, err)
	}
	slog.Debug("FirestoreStore AddBlockedNumber succeeded", "phone", phone)
	return nil
}

func (s *FirestoreStore) RemoveBlockedNumber(ctx context.Context, phone string) error {
	if _, err := s.client.Collection(BlockedNumbersCollection).Doc(phone).Delete(ctx); err != nil {
		slog.Error("FirestoreStore RemoveBlockedNumber failed", "error", err, "phone", phone)
		return fmt.Errorf("failed to unblock %s: %w", phone, err)
	}
	slog.Debug("FirestoreStore RemoveBlockedNumber succeeded", "phone", phone)
	return nil
}

func (s *FirestoreStore) BlocklistCacheTTL(ctx context.Context) (time.Duration, error) {
	snap, err := s.getSnapshot(ctx, SystemSettingsCollection, BlocklistConfigDocID)
	if err != nil {
		slog.Error("FirestoreStore BlocklistCacheTTL failed", "error", err)
		return 0, fmt.Errorf("failed to read blocklist settings: %w", err)
	}
	if snap == nil {
		return DefaultBlocklistCacheTTL, nil
	}
	return cacheTTLFromSettings(snap.Data()), nil
}

func (s *FirestoreStore) LogLimitExceeded(ctx context.Context, rec models.LimitExceededRecord) error {
	// Keyed by phone with a merge write: repeat offenders update their entry
	// instead of accumulating documents. MergeAll requires map data.
	data := map[string]any{
		"phone":              rec.Phone,
		"event_id":           rec.EventID,
		"timestamp":          rec.Timestamp,
		"total_interactions": rec.TotalInteractions,
		"limit_used":         rec.LimitUsed,
	}
	if _, err := s.client.Collection(LimitExceededCollection).Doc(rec.Phone).Set(ctx, data, firestore.MergeAll); err != nil {
		slog.Error("FirestoreStore LogLimitExceeded failed", "error", err, "phone", rec.Phone, "event", rec.EventID)
		return fmt.Errorf("failed to log limit exceeded for %s: %w", rec.Phone, err)
	}
	slog.Debug("FirestoreStore LogLimitExceeded succeeded", "phone", rec.Phone, "event", rec.EventID)
	return nil
}

// Close closes the Firestore client.
func (s *FirestoreStore) Close() error {
	slog.Debug("Closing Firestore client")
	return s.client.Close()
}
