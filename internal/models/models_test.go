package models

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeSenderID(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"bare digits", "15551112222", "15551112222"},
		{"plus prefix", "+15551112222", "15551112222"},
		{"whatsapp scheme", "whatsapp:+15551112222", "15551112222"},
		{"dashes and spaces", "+1 555-111-2222", "15551112222"},
		{"scheme with formatting", "whatsapp:+1 555 111 2222", "15551112222"},
		{"surrounding whitespace", "  +15551112222  ", "15551112222"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizeSenderID(tt.in); got != tt.want {
				t.Errorf("NormalizeSenderID(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeText(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"Hello World", "hello world"},
		{"  hello   world  ", "hello world"},
		{"Hello\n\tWorld", "hello world"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := NormalizeText(tt.in); got != tt.want {
			t.Errorf("NormalizeText(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestIsValidDisplayName(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want bool
	}{
		{"simple name", "Maria", true},
		{"quoted name", `"Maria"`, true},
		{"multi word", "Maria da Silva", true},
		{"empty", "", false},
		{"whitespace only", "   ", false},
		{"anonymous reserved", "Anonymous", false},
		{"anonymous case insensitive", "anonymous", false},
		{"digits only", "12345", false},
		{"punctuation only", "!!!", false},
		{"unicode letters", "José", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValidDisplayName(tt.in); got != tt.want {
				t.Errorf("IsValidDisplayName(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseTimestampLayouts(t *testing.T) {
	tests := []struct {
		name string
		in   string
	}{
		{"rfc3339", "2026-01-02T15:04:05Z"},
		{"rfc3339 nano", "2026-01-02T15:04:05.123456789Z"},
		{"zone-less with micros", "2026-01-02T15:04:05.123456"},
		{"zone-less seconds", "2026-01-02T15:04:05"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseTimestamp(tt.in)
			if err != nil {
				t.Fatalf("ParseTimestamp(%q) returned error: %v", tt.in, err)
			}
			if got.Year() != 2026 || got.Month() != time.January || got.Day() != 2 {
				t.Errorf("ParseTimestamp(%q) = %v, wrong date", tt.in, got)
			}
		})
	}

	if _, err := ParseTimestamp("not a timestamp"); err == nil {
		t.Error("ParseTimestamp should reject garbage input")
	}
}

func TestFormatTimestampRoundTrip(t *testing.T) {
	orig := time.Date(2026, 3, 15, 10, 30, 0, 500000000, time.UTC)
	s := FormatTimestamp(orig)
	parsed, err := ParseTimestamp(s)
	if err != nil {
		t.Fatalf("ParseTimestamp(%q) returned error: %v", s, err)
	}
	if !parsed.Equal(orig) {
		t.Errorf("round trip changed time: %v -> %v", orig, parsed)
	}
}

func TestCompareTimestamps(t *testing.T) {
	early := "2026-01-01T00:00:00Z"
	late := "2026-06-01T00:00:00Z"
	if CompareTimestamps(early, late) >= 0 {
		t.Error("early should compare before late")
	}
	if CompareTimestamps(late, early) <= 0 {
		t.Error("late should compare after early")
	}
	if CompareTimestamps(early, early) != 0 {
		t.Error("equal timestamps should compare equal")
	}
	// Mixed layouts still order chronologically once parsed.
	legacy := "2026-01-01T00:00:00.000001"
	if CompareTimestamps(legacy, late) >= 0 {
		t.Error("legacy layout should compare before late")
	}
	// Unparseable inputs fall back to lexical order.
	if CompareTimestamps("abc", "abd") >= 0 {
		t.Error("lexical fallback should order abc before abd")
	}
}

func TestDeriveStatePrecedence(t *testing.T) {
	tests := []struct {
		name   string
		record UserTrackingRecord
		want   ConversationState
	}{
		{
			name:   "fresh record",
			record: UserTrackingRecord{},
			want:   StateNew,
		},
		{
			name:   "awaiting event id",
			record: UserTrackingRecord{AwaitingEventID: true},
			want:   StateAwaitingEventID,
		},
		{
			name: "change confirmation wins over awaiting id",
			record: UserTrackingRecord{
				AwaitingEventID:                 true,
				AwaitingEventChangeConfirmation: true,
			},
			want: StateAwaitingEventChangeConfirmation,
		},
		{
			name: "inactivity prompt pending",
			record: UserTrackingRecord{
				CurrentEventID:       "ev1",
				LastInactivityPrompt: "2026-01-01T00:00:00Z",
			},
			want: StateAwaitingInactivityResponse,
		},
		{
			name: "extra questions",
			record: UserTrackingRecord{
				CurrentEventID:         "ev1",
				AwaitingExtraQuestions: true,
			},
			want: StateExtraQuestions,
		},
		{
			name:   "active conversation",
			record: UserTrackingRecord{CurrentEventID: "ev1"},
			want:   StateActiveConversation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.record.Normalize()
			if tt.record.State != tt.want {
				t.Errorf("derived state = %q, want %q", tt.record.State, tt.want)
			}
		})
	}
}

func TestNormalizeKeepsExplicitState(t *testing.T) {
	r := UserTrackingRecord{State: StateSurvey, AwaitingEventID: true}
	r.Normalize()
	if r.State != StateSurvey {
		t.Errorf("Normalize overwrote explicit state: got %q", r.State)
	}
}

func TestSetStateSyncsLegacyFlags(t *testing.T) {
	r := NewUserTrackingRecord("15551112222")

	r.SetState(StateAwaitingEventID)
	if !r.AwaitingEventID || r.AwaitingEventChangeConfirmation || r.AwaitingExtraQuestions {
		t.Error("AwaitingEventID flag not synced")
	}

	r.NewEventIDPending = "ev2"
	r.SetState(StateAwaitingEventChangeConfirmation)
	if !r.AwaitingEventChangeConfirmation || r.AwaitingEventID {
		t.Error("change confirmation flag not synced")
	}
	if r.NewEventIDPending != "ev2" {
		t.Error("pending event id should survive while confirmation is awaited")
	}

	r.SetState(StateActiveConversation)
	if r.AwaitingEventChangeConfirmation || r.NewEventIDPending != "" {
		t.Error("leaving confirmation should clear the pending event id")
	}

	r.LastInactivityPrompt = "2026-01-01T00:00:00Z"
	r.SetState(StateActiveConversation)
	if r.LastInactivityPrompt != "" {
		t.Error("leaving inactivity state should clear the prompt timestamp")
	}
}

func TestTouchEvent(t *testing.T) {
	r := NewUserTrackingRecord("15551112222")
	r.TouchEvent("ev1", "2026-01-01T00:00:00Z")
	r.TouchEvent("ev2", "2026-01-02T00:00:00Z")
	r.TouchEvent("ev1", "2026-01-03T00:00:00Z")

	if len(r.Events) != 2 {
		t.Fatalf("expected 2 event refs, got %d", len(r.Events))
	}
	if !r.HasEvent("ev1") || !r.HasEvent("ev2") || r.HasEvent("ev3") {
		t.Error("HasEvent membership wrong")
	}
	if r.Events[0].Timestamp != "2026-01-03T00:00:00Z" {
		t.Errorf("TouchEvent should update in place, got %q", r.Events[0].Timestamp)
	}

	last, ok := r.LastActivity()
	if !ok {
		t.Fatal("LastActivity should find a parseable timestamp")
	}
	want := time.Date(2026, 1, 3, 0, 0, 0, 0, time.UTC)
	if !last.Equal(want) {
		t.Errorf("LastActivity = %v, want %v", last, want)
	}
}

func TestOrderedExtraQuestions(t *testing.T) {
	one, three := 1, 3
	e := EventConfigRecord{
		ExtraQuestions: map[string]ExtraQuestion{
			"q_name":   {Text: "What is your name?", Enabled: true, Order: &one, FunctionID: "extract_name_with_llm"},
			"q_age":    {Text: "How old are you?", Enabled: true, Order: &three},
			"q_skip":   {Text: "Disabled question", Enabled: false, Order: &one},
			"q_noord":  {Text: "Unordered A", Enabled: true},
			"q_noord2": {Text: "Unordered B", Enabled: true},
		},
	}
	got := e.OrderedExtraQuestions()
	if len(got) != 4 {
		t.Fatalf("expected 4 enabled questions, got %d", len(got))
	}
	wantKeys := []string{"q_name", "q_age", "q_noord", "q_noord2"}
	for i, w := range wantKeys {
		if got[i].Key != w {
			t.Errorf("position %d: got %q, want %q", i, got[i].Key, w)
		}
	}
}

func TestIsTruthy(t *testing.T) {
	truthy := []any{true, "true", "True", " yes ", "1", "on"}
	for _, v := range truthy {
		if !IsTruthy(v) {
			t.Errorf("IsTruthy(%v) should be true", v)
		}
	}
	falsy := []any{false, "false", "", "0", "no", nil, 1, 0}
	for _, v := range falsy {
		if IsTruthy(v) {
			t.Errorf("IsTruthy(%v) should be false", v)
		}
	}
}

func TestSecondRoundEnabled(t *testing.T) {
	e := EventConfigRecord{}
	if e.SecondRoundEnabled() {
		t.Error("default config should not enable the second round")
	}
	e.SecondRoundClaimsSource = &SecondRoundSource{Enabled: "true", Collection: "reports", Document: "r1"}
	if !e.SecondRoundEnabled() {
		t.Error("truthy claims source should enable the second round")
	}
	e.SecondRoundClaimsSource = nil
	e.SecondDeliberationEnabled = true
	if !e.SecondRoundEnabled() {
		t.Error("legacy top-level flag should enable the second round")
	}
}

func TestEventConfigDefaults(t *testing.T) {
	e := EventConfigRecord{}
	if e.ModeOrDefault() != EventModeListener {
		t.Errorf("default mode = %q, want listener", e.ModeOrDefault())
	}
	if e.InteractionLimitOrDefault() != DefaultInteractionLimit {
		t.Errorf("default limit = %d, want %d", e.InteractionLimitOrDefault(), DefaultInteractionLimit)
	}
	e.Mode = EventModeSurvey
	e.InteractionLimit = 10
	if e.ModeOrDefault() != EventModeSurvey || e.InteractionLimitOrDefault() != 10 {
		t.Error("explicit mode and limit should win over defaults")
	}
}

func TestEventConfigValidate(t *testing.T) {
	e := EventConfigRecord{}
	if err := e.Validate(); err == nil {
		t.Error("Validate should reject a missing event id")
	}
	e.EventID = "conference_2026"
	if err := e.Validate(); err != nil {
		t.Errorf("Validate rejected a valid config: %v", err)
	}
	e.Mode = EventMode("broadcast")
	if err := e.Validate(); err == nil {
		t.Error("Validate should reject an unknown mode")
	}
}

func TestLastUserMessage(t *testing.T) {
	p := NewParticipantRecord("ev1", "15551112222")
	if _, ok := p.LastUserMessage(); ok {
		t.Error("empty history should have no last user message")
	}
	p.SecondRoundTurns = []Interaction{
		{Message: "first"},
		{Response: "bot reply"},
		{Message: "second"},
		{Response: "another reply"},
	}
	got, ok := p.LastUserMessage()
	if !ok || got != "second" {
		t.Errorf("LastUserMessage = %q, %v; want %q, true", got, ok, "second")
	}
}

func TestIsValidConversationState(t *testing.T) {
	for _, s := range []ConversationState{
		StateNew, StateAwaitingEventID, StateAwaitingInactivityResponse,
		StateAwaitingEventChangeConfirmation, StateExtraQuestions,
		StateActiveConversation, StateSurvey, StateCompleted,
	} {
		if !IsValidConversationState(s) {
			t.Errorf("state %q should be valid", s)
		}
	}
	if IsValidConversationState("PAUSED") {
		t.Error("unknown state should be invalid")
	}
}

func TestAPIResponseEnvelope(t *testing.T) {
	// Admin endpoints promise a {"status", "message", "result"} envelope with
	// empty fields omitted; the builders must keep that wire shape stable.
	tests := []struct {
		name string
		resp APIResponse
		want string
	}{
		{"success with result", Success([]string{"ev1"}), `{"status":"ok","result":["ev1"]}`},
		{"success with message", SuccessWithMessage("saved", "ev1"), `{"status":"ok","message":"saved","result":"ev1"}`},
		{"error", Error("boom"), `{"status":"error","message":"boom"}`},
		{"recorded", Recorded(), `{"status":"recorded"}`},
		{"recorded with message", RecordedWithMessage("queued"), `{"status":"recorded","message":"queued"}`},
	}
	for _, tt := range tests {
		data, err := json.Marshal(tt.resp)
		if err != nil {
			t.Fatalf("Failed to marshal %s response: %v", tt.name, err)
		}
		if string(data) != tt.want {
			t.Errorf("%s: marshaled %s, want %s", tt.name, data, tt.want)
		}
	}
}
