package flow

import (
	"context"
	"testing"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
	"github.com/AOI-Deliberation/EventTalk/internal/store"
)

func seedIntakeSender(t *testing.T, st store.Store, senderID, eventID string) {
	t.Helper()
	rec := models.NewUserTrackingRecord(senderID)
	rec.CurrentEventID = eventID
	rec.TouchEvent(eventID, models.FormatTimestamp(testNow.Add(-time.Hour)))
	rec.SetState(models.StateExtraQuestions)
	if err := st.SaveUserTracking(context.Background(), rec); err != nil {
		t.Fatalf("Failed to seed tracking record: %v", err)
	}
}

func TestIntake_NameWithoutValueReasksSameQuestion(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	seedEvent(t, st, &models.EventConfigRecord{
		EventID: "ev-intake",
		Mode:    models.EventModeListener,
		ExtraQuestions: map[string]models.ExtraQuestion{
			"q1": {Text: "What is your name?", Enabled: true, Order: intPtr(1), FunctionID: extractorNameID},
		},
	})
	seedIntakeSender(t, st, "15551112222", "ev-intake")

	// The model finds no name in the answer.
	client := &stubGenAI{generated: []string{"None"}}
	f := NewConversationFlow(st, client, WithClock(fixedClock(testNow)))

	reply, err := f.ProcessMessage(ctx, "15551112222", "I'd rather not say", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "What is your name?" {
		t.Errorf("Expected the same question re-asked, got %q", reply)
	}

	rec := trackingFor(t, st, "15551112222")
	if rec.CurrentExtraQuestionIndex != 0 {
		t.Errorf("Expected question index unchanged, got %d", rec.CurrentExtraQuestionIndex)
	}
	if rec.InvalidAttempts != 1 {
		t.Errorf("Expected 1 invalid attempt, got %d", rec.InvalidAttempts)
	}
	if rec.State != models.StateExtraQuestions {
		t.Errorf("Expected state %s, got %s", models.StateExtraQuestions, rec.State)
	}
}

func TestIntake_NameAnswerStoredAndAdvances(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	seedEvent(t, st, &models.EventConfigRecord{
		EventID: "ev-intake",
		Mode:    models.EventModeListener,
		ExtraQuestions: map[string]models.ExtraQuestion{
			"q1": {Text: "What is your name?", Enabled: true, Order: intPtr(1), FunctionID: extractorNameID},
			"q2": {Text: "Which region are you from?", Enabled: true, Order: intPtr(2), FunctionID: extractorRegionID},
		},
	})
	seedIntakeSender(t, st, "15551112222", "ev-intake")

	client := &stubGenAI{generated: []string{"Dana"}}
	f := NewConversationFlow(st, client, WithClock(fixedClock(testNow)))

	reply, err := f.ProcessMessage(ctx, "15551112222", "people call me Dana", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "Which region are you from?" {
		t.Errorf("Expected the next question, got %q", reply)
	}

	rec := trackingFor(t, st, "15551112222")
	if rec.CurrentExtraQuestionIndex != 1 {
		t.Errorf("Expected question index 1, got %d", rec.CurrentExtraQuestionIndex)
	}
	if rec.InvalidAttempts != 0 {
		t.Errorf("Expected invalid attempts reset, got %d", rec.InvalidAttempts)
	}

	p, err := st.GetParticipant(ctx, "ev-intake", "15551112222")
	if err != nil {
		t.Fatalf("Failed to load participant: %v", err)
	}
	if p.Answers["q1"] != "Dana" || p.Answers["name"] != "Dana" {
		t.Errorf("Expected the name stored under both keys, got %v", p.Answers)
	}
	if p.Name != "Dana" {
		t.Errorf("Expected display name refreshed, got %q", p.Name)
	}
}

func TestIntake_CompletionWelcomesByName(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	seedEvent(t, st, &models.EventConfigRecord{
		EventID:        "ev-intake",
		Mode:           models.EventModeListener,
		WelcomeMessage: "Welcome to the harbor forum.",
		ExtraQuestions: map[string]models.ExtraQuestion{
			"q1": {Text: "What is your name?", Enabled: true, Order: intPtr(1), FunctionID: extractorNameID},
		},
	})
	seedIntakeSender(t, st, "15551112222", "ev-intake")

	client := &stubGenAI{generated: []string{"Dana"}}
	f := NewConversationFlow(st, client, WithClock(fixedClock(testNow)))

	reply, err := f.ProcessMessage(ctx, "15551112222", "Dana", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "Welcome Dana to the harbor forum." {
		t.Errorf("Expected personalized welcome, got %q", reply)
	}
	rec := trackingFor(t, st, "15551112222")
	if rec.State != models.StateActiveConversation {
		t.Errorf("Expected state %s, got %s", models.StateActiveConversation, rec.State)
	}
}

func TestIntake_RawAnswerFeedsSurvey(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	seedEvent(t, st, &models.EventConfigRecord{
		EventID: "ev-survey",
		Mode:    models.EventModeSurvey,
		ExtraQuestions: map[string]models.ExtraQuestion{
			"color": {Text: "Favorite color?", Enabled: true, Order: intPtr(1)},
		},
		SurveyQuestions: []models.SurveyQuestion{
			{ID: 1, Text: "How did you hear about the event?"},
		},
	})
	seedIntakeSender(t, st, "15551112222", "ev-survey")

	f := NewConversationFlow(st, &stubGenAI{}, WithClock(fixedClock(testNow)))

	// The raw intake answer is stored verbatim and the survey starts in the
	// same turn.
	reply, err := f.ProcessMessage(ctx, "15551112222", "blue", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "How did you hear about the event?" {
		t.Errorf("Expected the first survey question, got %q", reply)
	}

	p, err := st.GetParticipant(ctx, "ev-survey", "15551112222")
	if err != nil {
		t.Fatalf("Failed to load participant: %v", err)
	}
	if p.Answers["color"] != "blue" {
		t.Errorf("Expected the raw answer stored, got %v", p.Answers)
	}
	if !p.QuestionsAsked["1"] {
		t.Errorf("Expected the survey question marked asked, got %v", p.QuestionsAsked)
	}
	if models.QuestionKey(p.LastQuestionID) != "1" {
		t.Errorf("Expected the outstanding question id recorded, got %v", p.LastQuestionID)
	}
}

func TestSurvey_WalksQuestionsToCompletion(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	seedEvent(t, st, &models.EventConfigRecord{
		EventID:           "ev-survey",
		Mode:              models.EventModeSurvey,
		CompletionMessage: "All done, thank you!",
		SurveyQuestions: []models.SurveyQuestion{
			{ID: "a", Text: "Question A?"},
			{ID: "b", Text: "Question B?"},
		},
	})
	seedActiveSender(t, st, "15551112222", "ev-survey", testNow.Add(-time.Hour))

	f := NewConversationFlow(st, &stubGenAI{}, WithClock(fixedClock(testNow)))

	// 1. First contact asks the first question.
	reply, err := f.ProcessMessage(ctx, "15551112222", "hello", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "Question A?" {
		t.Errorf("Expected the first question, got %q", reply)
	}

	// 2. The answer is recorded under the outstanding question.
	reply, err = f.ProcessMessage(ctx, "15551112222", "answer to A", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "Question B?" {
		t.Errorf("Expected the second question, got %q", reply)
	}
	p, err := st.GetParticipant(ctx, "ev-survey", "15551112222")
	if err != nil {
		t.Fatalf("Failed to load participant: %v", err)
	}
	if p.Responses["a"] != "answer to A" {
		t.Errorf("Expected the answer stored under its question, got %v", p.Responses)
	}

	// 3. Answering the last question completes the survey.
	reply, err = f.ProcessMessage(ctx, "15551112222", "answer to B", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "All done, thank you!" {
		t.Errorf("Expected the completion message, got %q", reply)
	}
	p, err = st.GetParticipant(ctx, "ev-survey", "15551112222")
	if err != nil {
		t.Fatalf("Failed to load participant: %v", err)
	}
	if !p.SurveyComplete {
		t.Error("Expected the survey marked complete")
	}
	if p.Responses["b"] != "answer to B" {
		t.Errorf("Expected the final answer stored, got %v", p.Responses)
	}
	rec := trackingFor(t, st, "15551112222")
	if rec.State != models.StateCompleted {
		t.Errorf("Expected state %s, got %s", models.StateCompleted, rec.State)
	}

	// 4. Further messages repeat the completion notice without recording.
	interactions := len(p.Interactions)
	reply, err = f.ProcessMessage(ctx, "15551112222", "hello again", "")
	if err != nil {
		t.Fatalf("ProcessMessage failed: %v", err)
	}
	if reply != "All done, thank you!" {
		t.Errorf("Expected the completion message repeated, got %q", reply)
	}
	p, err = st.GetParticipant(ctx, "ev-survey", "15551112222")
	if err != nil {
		t.Fatalf("Failed to load participant: %v", err)
	}
	if len(p.Interactions) != interactions {
		t.Errorf("Expected no interactions recorded after completion, got %d", len(p.Interactions))
	}
	if len(p.Responses) != 2 {
		t.Errorf("Expected the recorded answers untouched, got %v", p.Responses)
	}
}

func TestHandleExtraQuestions_NoQuestionsConfigured(t *testing.T) {
	ctx := context.Background()
	st := store.NewInMemoryStore()
	cfg := &models.EventConfigRecord{EventID: "ev-a", EventInitialized: true, Mode: models.EventModeListener}

	rec := models.NewUserTrackingRecord("1555")
	rec.CurrentEventID = "ev-a"
	rec.SetState(models.StateExtraQuestions)

	f := NewConversationFlow(st, &stubGenAI{}, WithClock(fixedClock(testNow)))
	reply, err := f.handleExtraQuestions(ctx, cfg, rec, "1555", "hello")
	if err != nil {
		t.Fatalf("handleExtraQuestions failed: %v", err)
	}
	if reply != msgNoEventInfo {
		t.Errorf("Expected the no-event-info notice, got %q", reply)
	}
	if rec.State != models.StateActiveConversation {
		t.Errorf("Expected state %s, got %s", models.StateActiveConversation, rec.State)
	}
}
