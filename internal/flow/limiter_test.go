package flow

import (
	"context"
	"testing"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
	"github.com/AOI-Deliberation/EventTalk/internal/store"
)

func seedParticipantWithInteractions(t *testing.T, st store.Store, eventID, senderID string, count int) {
	t.Helper()
	p := models.NewParticipantRecord(eventID, senderID)
	for i := 0; i < count; i++ {
		p.Interactions = append(p.Interactions, models.Interaction{
			Message:   "message",
			Timestamp: models.FormatTimestamp(testNow.Add(-time.Duration(count-i) * time.Minute)),
		})
	}
	if err := st.SaveParticipant(context.Background(), p); err != nil {
		t.Fatalf("Failed to seed participant: %v", err)
	}
}

func TestCheckInteractionLimit_UnderLimit(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	cfg := &models.EventConfigRecord{EventID: "ev-a", InteractionLimit: 3}
	seedParticipantWithInteractions(t, st, "ev-a", "1555", 2)

	f := NewConversationFlow(st, &stubGenAI{}, WithClock(fixedClock(testNow)))
	reply, limited, err := f.checkInteractionLimit(ctx, cfg, "ev-a", "1555")
	if err != nil {
		t.Fatalf("checkInteractionLimit failed: %v", err)
	}
	if limited || reply != "" {
		t.Errorf("Expected no limit under the cap, got limited=%v reply=%q", limited, reply)
	}
}

func TestCheckInteractionLimit_AtLimitLogsOnce(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	cfg := &models.EventConfigRecord{EventID: "ev-a", InteractionLimit: 3}
	seedParticipantWithInteractions(t, st, "ev-a", "1555", 3)

	f := NewConversationFlow(st, &stubGenAI{}, WithClock(fixedClock(testNow)))

	reply, limited, err := f.checkInteractionLimit(ctx, cfg, "ev-a", "1555")
	if err != nil {
		t.Fatalf("checkInteractionLimit failed: %v", err)
	}
	if !limited {
		t.Fatal("Expected the cap to be enforced")
	}
	if reply != limitReachedReply(3) {
		t.Errorf("Expected limit notice, got %q", reply)
	}

	logged := st.LimitExceededLog()
	if len(logged) != 1 {
		t.Fatalf("Expected 1 limit log entry, got %d", len(logged))
	}
	entry := logged[0]
	if entry.Phone != "1555" || entry.EventID != "ev-a" || entry.TotalInteractions != 3 || entry.LimitUsed != 3 {
		t.Errorf("Unexpected limit log entry: %+v", entry)
	}

	p, err := st.GetParticipant(ctx, "ev-a", "1555")
	if err != nil {
		t.Fatalf("Failed to load participant: %v", err)
	}
	if !p.LimitNotified {
		t.Error("Expected the participant flagged as notified")
	}

	// 2. The next refusal does not log again.
	if _, limited, err = f.checkInteractionLimit(ctx, cfg, "ev-a", "1555"); err != nil || !limited {
		t.Fatalf("Expected the cap still enforced, got limited=%v err=%v", limited, err)
	}
	if len(st.LimitExceededLog()) != 1 {
		t.Errorf("Expected the limit logged once, got %d entries", len(st.LimitExceededLog()))
	}
}

func TestCheckInteractionLimit_DefaultCap(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	cfg := &models.EventConfigRecord{EventID: "ev-a"}
	seedParticipantWithInteractions(t, st, "ev-a", "1555", models.DefaultInteractionLimit-1)

	f := NewConversationFlow(st, &stubGenAI{}, WithClock(fixedClock(testNow)))
	_, limited, err := f.checkInteractionLimit(ctx, cfg, "ev-a", "1555")
	if err != nil {
		t.Fatalf("checkInteractionLimit failed: %v", err)
	}
	if limited {
		t.Error("Expected one interaction of headroom under the default cap")
	}

	seedParticipantWithInteractions(t, st, "ev-a", "1556", models.DefaultInteractionLimit)
	_, limited, err = f.checkInteractionLimit(ctx, cfg, "ev-a", "1556")
	if err != nil {
		t.Fatalf("checkInteractionLimit failed: %v", err)
	}
	if !limited {
		t.Error("Expected the default cap to be enforced")
	}
}

func TestProcessMessage_LimitBlocksGeneration(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	seedEvent(t, st, &models.EventConfigRecord{EventID: "ev-a", Mode: models.EventModeListener, InteractionLimit: 2})
	seedActiveSender(t, st, "15551112222", "ev-a", testNow.Add(-time.Hour))
	seedParticipantWithInteractions(t, st, "ev-a", "15551112222", 2)

	client := &stubGenAI{completion: "should never be used"}
	f := NewConversationFlow(st, client, WithClock(fixedClock(testNow)))

	reply, err := f.ProcessMessage(ctx, "15551112222", "one more thought", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != limitReachedReply(2) {
		t.Errorf("Expected limit notice, got %q", reply)
	}
	if client.fallbackCalls != 0 {
		t.Errorf("Expected no generation call past the cap, got %d", client.fallbackCalls)
	}
}
