package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// InMemoryStore keeps all records in process memory. It backs tests and
// ad-hoc runs without any external service; nothing survives a restart.
type InMemoryStore struct {
	mu           sync.RWMutex
	tracking     map[string]*models.UserTrackingRecord
	events       map[string]*models.EventConfigRecord
	participants map[string]*models.ParticipantRecord
	documents    map[string]map[string]map[string]any
	blocked      map[string]bool
	limitLog     []models.LimitExceededRecord
	cacheTTL     time.Duration
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		tracking:     make(map[string]*models.UserTrackingRecord),
		events:       make(map[string]*models.EventConfigRecord),
		participants: make(map[string]*models.ParticipantRecord),
		documents:    make(map[string]map[string]map[string]any),
		blocked:      make(map[string]bool),
		cacheTTL:     DefaultBlocklistCacheTTL,
	}
}

// copyValue deep-copies src into dst through JSON, so callers never alias
// stored records.
func copyValue(src, dst any) error {
	b, err := json.Marshal(src)
	if err != nil {
		return fmt.Errorf("failed to copy record: %w", err)
	}
	return json.Unmarshal(b, dst)
}

func participantKey(eventID, senderID string) string {
	return eventID + "/" + senderID
}

func (s *InMemoryStore) GetUserTracking(_ context.Context, senderID string) (*models.UserTrackingRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.tracking[senderID]
	if !ok {
		return nil, nil
	}
	var out models.UserTrackingRecord
	if err := copyValue(rec, &out); err != nil {
		return nil, err
	}
	out.Normalize()
	return &out, nil
}

func (s *InMemoryStore) SaveUserTracking(_ context.Context, rec *models.UserTrackingRecord) error {
	if rec == nil || rec.SenderID == "" {
		return models.ErrEmptySenderID
	}
	var stored models.UserTrackingRecord
	if err := copyValue(rec, &stored); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracking[rec.SenderID] = &stored
	return nil
}

func (s *InMemoryStore) CountTrackedSenders(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.tracking), nil
}

func (s *InMemoryStore) GetEventConfig(_ context.Context, eventID string) (*models.EventConfigRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.events[eventID]
	if !ok {
		return nil, nil
	}
	var out models.EventConfigRecord
	if err := copyValue(rec, &out); err != nil {
		return nil, err
	}
	out.EventID = eventID
	return &out, nil
}

func (s *InMemoryStore) SaveEventConfig(_ context.Context, rec *models.EventConfigRecord) error {
	if rec == nil || rec.EventID == "" {
		return models.ErrEmptyEventID
	}
	var stored models.EventConfigRecord
	if err := copyValue(rec, &stored); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[rec.EventID] = &stored
	return nil
}

func (s *InMemoryStore) ListEventIDs(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *InMemoryStore) GetParticipant(_ context.Context, eventID, senderID string) (*models.ParticipantRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.participants[participantKey(eventID, senderID)]
	if !ok {
		return nil, nil
	}
	var out models.ParticipantRecord
	if err := copyValue(rec, &out); err != nil {
		return nil, err
	}
	out.EventID = eventID
	out.SenderID = senderID
	out.Normalize()
	return &out, nil
}

func (s *InMemoryStore) SaveParticipant(_ context.Context, rec *models.ParticipantRecord) error {
	if rec == nil || rec.SenderID == "" {
		return models.ErrEmptySenderID
	}
	if rec.EventID == "" {
		return models.ErrEmptyEventID
	}
	var stored models.ParticipantRecord
	if err := copyValue(rec, &stored); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.participants[participantKey(rec.EventID, rec.SenderID)] = &stored
	return nil
}

func (s *InMemoryStore) AppendInteractions(ctx context.Context, eventID, senderID string, items ...models.Interaction) error {
	return s.TransactionalUpdateParticipant(ctx, eventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
		p.Interactions = append(p.Interactions, items...)
		return true, nil
	})
}

func (s *InMemoryStore) TransactionalUpdateParticipant(_ context.Context, eventID, senderID string, update ParticipantUpdateFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := participantKey(eventID, senderID)
	work := models.NewParticipantRecord(eventID, senderID)
	if existing, ok := s.participants[key]; ok {
		if err := copyValue(existing, work); err != nil {
			return err
		}
		work.EventID = eventID
		work.SenderID = senderID
	}
	commit, err := update(work)
	if err != nil {
		return err
	}
	if !commit {
		return nil
	}
	s.participants[key] = work
	return nil
}

func (s *InMemoryStore) EventStats(_ context.Context, eventID string) (int, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	prefix := eventID + "/"
	participants, interactions := 0, 0
	for key, rec := range s.participants {
		if !strings.HasPrefix(key, prefix) {
			continue
		}
		participants++
		interactions += len(rec.Interactions) + len(rec.SecondRoundTurns)
	}
	return participants, interactions, nil
}

func (s *InMemoryStore) GetDocument(_ context.Context, collection, docID string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	coll, ok := s.documents[collection]
	if !ok {
		return nil, nil
	}
	doc, ok := coll[docID]
	if !ok {
		return nil, nil
	}
	var out map[string]any
	if err := copyValue(doc, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *InMemoryStore) PutDocument(_ context.Context, collection, docID string, data map[string]any) error {
	var stored map[string]any
	if err := copyValue(data, &stored); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.documents[collection] == nil {
		s.documents[collection] = make(map[string]map[string]any)
	}
	s.documents[collection][docID] = stored
	return nil
}

func (s *InMemoryStore) ListBlockedNumbers(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.blocked))
	for phone := range s.blocked {
		out = append(out, phone)
	}
	sort.Strings(out)
	return out, nil
}

func (s *InMemoryStore) AddBlockedNumber(_ context.Context, phone string) error {
	if phone == "" {
		return models.ErrEmptySenderID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocked[phone] = true
	return nil
}

func (s *InMemoryStore) RemoveBlockedNumber(_ context.Context, phone string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blocked, phone)
	return nil
}

func (s *InMemoryStore) BlocklistCacheTTL(_ context.Context) (time.Duration, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cacheTTL, nil
}

// SetBlocklistCacheTTL adjusts the TTL returned to callers (for tests).
func (s *InMemoryStore) SetBlocklistCacheTTL(ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cacheTTL = ttl
}

func (s *InMemoryStore) LogLimitExceeded(_ context.Context, rec models.LimitExceededRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.limitLog = append(s.limitLog, rec)
	return nil
}

// LimitExceededLog returns a copy of the recorded limit log (for tests).
func (s *InMemoryStore) LimitExceededLog() []models.LimitExceededRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.LimitExceededRecord, len(s.limitLog))
	copy(out, s.limitLog)
	return out
}

// Close is a no-op for the in-memory store.
func (s *InMemoryStore) Close() error {
	return nil
}
