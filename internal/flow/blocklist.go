package flow

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
	"github.com/AOI-Deliberation/EventTalk/internal/store"
)

// Blocklist answers sender membership questions against the blocked-numbers
// collection. The list is cached for the operator-configured TTL so every
// inbound webhook does not cost a store round trip. Lookup failures fail
// open: a store outage must not silence every sender.
type Blocklist struct {
	store store.Store
	now   func() time.Time

	mu        sync.Mutex
	numbers   map[string]struct{}
	expiresAt time.Time
}

// NewBlocklist builds a blocklist over the given store.
func NewBlocklist(st store.Store) *Blocklist {
	return &Blocklist{store: st, now: time.Now}
}

// Blocked reports whether the sender is on the blocklist. The sender id is
// normalized the same way the conversation flow keys its records.
func (b *Blocklist) Blocked(ctx context.Context, senderID string) bool {
	id := models.NormalizeSenderID(senderID)
	if id == "" {
		return false
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.numbers == nil || !b.now().Before(b.expiresAt) {
		if err := b.refreshLocked(ctx); err != nil {
			slog.Warn("Blocklist.Blocked: refresh failed, failing open", "error", err)
			return false
		}
	}
	_, blocked := b.numbers[id]
	if blocked {
		slog.Info("Blocklist.Blocked: blocked sender detected", "sender_id", id)
	}
	return blocked
}

func (b *Blocklist) refreshLocked(ctx context.Context) error {
	numbers, err := b.store.ListBlockedNumbers(ctx)
	if err != nil {
		return err
	}
	ttl, err := b.store.BlocklistCacheTTL(ctx)
	if err != nil || ttl <= 0 {
		if err != nil {
			slog.Warn("Blocklist.refreshLocked: ttl lookup failed, using default", "error", err)
		}
		ttl = store.DefaultBlocklistCacheTTL
	}
	set := make(map[string]struct{}, len(numbers))
	for _, n := range numbers {
		set[models.NormalizeSenderID(n)] = struct{}{}
	}
	b.numbers = set
	b.expiresAt = b.now().Add(ttl)
	return nil
}
