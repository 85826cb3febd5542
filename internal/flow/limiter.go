package flow

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// checkInteractionLimit reports whether the sender already filled the event's
// interaction cap. The first refusal writes the moderation log entry and sets
// limit_reached_notified; the refusal reply itself repeats on every further
// message. A message arriving one interaction under the cap is still accepted.
func (f *ConversationFlow) checkInteractionLimit(ctx context.Context, cfg *models.EventConfigRecord, eventID, senderID string) (reply string, limited bool, err error) {
	limit := cfg.InteractionLimitOrDefault()
	p, err := f.store.GetParticipant(ctx, eventID, senderID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load participant: %w", err)
	}
	if p == nil || len(p.Interactions) < limit {
		return "", false, nil
	}

	if !p.LimitNotified {
		entry := models.LimitExceededRecord{
			Phone:             senderID,
			EventID:           eventID,
			Timestamp:         models.FormatTimestamp(f.now()),
			TotalInteractions: len(p.Interactions),
			LimitUsed:         limit,
		}
		if err := f.store.LogLimitExceeded(ctx, entry); err != nil {
			slog.Error("ConversationFlow.checkInteractionLimit: failed to log limit entry",
				"error", err, "sender_id", senderID, "event_id", eventID)
		}
		err := f.store.TransactionalUpdateParticipant(ctx, eventID, senderID, func(rec *models.ParticipantRecord) (bool, error) {
			if rec.LimitNotified {
				return false, nil
			}
			rec.LimitNotified = true
			return true, nil
		})
		if err != nil {
			slog.Error("ConversationFlow.checkInteractionLimit: failed to mark notified",
				"error", err, "sender_id", senderID, "event_id", eventID)
		}
	}

	slog.Info("ConversationFlow.checkInteractionLimit: interaction limit reached",
		"sender_id", senderID, "event_id", eventID, "count", len(p.Interactions), "limit", limit)
	return limitReachedReply(limit), true, nil
}
