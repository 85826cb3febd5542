// Package models defines the core data structures for EventTalk.
//
// It includes the three persisted record kinds (user tracking, event
// configuration, participant), the messaging types shared across modules,
// and the validation helpers applied at the edges.
package models

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
	"unicode"
)

// Validation and policy constants shared across the conversation flow.
const (
	// DefaultInteractionLimit caps logged interactions per participant per event
	// when the event config does not set its own limit.
	DefaultInteractionLimit = 450
	// InvalidAttemptThreshold is the number of consecutive rejected inputs after
	// which the flow falls back to a fresh event-id prompt.
	InvalidAttemptThreshold = 2
	// MaxDisplayNameLength bounds participant display names.
	MaxDisplayNameLength = 100
	// AnonymousName is the reserved name for participants declining to identify.
	AnonymousName = "Anonymous"
	// DefaultExtraQuestionOrder sorts questions without an explicit order last.
	DefaultExtraQuestionOrder = 9999
)

// Error variables for better error handling and testability
var (
	ErrNotFound             = errors.New("record not found")
	ErrEventNotFound        = errors.New("event does not exist")
	ErrEmptySenderID        = errors.New("sender id cannot be empty")
	ErrEmptyMessageBody     = errors.New("message body cannot be empty")
	ErrEmptyEventID         = errors.New("event id cannot be empty")
	ErrInvalidState         = errors.New("invalid conversation state")
	ErrInvalidEventMode     = errors.New("invalid event mode")
	ErrInvalidDisplayName   = errors.New("display name is empty or implausible")
	ErrNoExtractableValue   = errors.New("no extractable value in input")
	ErrEventNotInitialized  = errors.New("event config not initialized")
	ErrUnsupportedMediaType = errors.New("unsupported media type")
)

// NormalizeSenderID strips the transport scheme prefix and phone formatting
// from a sender identifier so the same person always maps to the same key.
// "whatsapp:+1 555-111-2222" and "15551112222" normalize identically.
func NormalizeSenderID(raw string) string {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, ":"); i >= 0 && !strings.ContainsAny(s[:i], "0123456789") {
		s = s[i+1:]
	}
	replacer := strings.NewReplacer("+", "", "-", "", " ", "")
	return replacer.Replace(s)
}

// NormalizeText collapses runs of whitespace and lowercases, so trivially
// different copies of the same message compare equal.
func NormalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// IsValidDisplayName reports whether a name is usable: non-empty after
// trimming quotes, not the reserved anonymous name, contains at least one
// letter, and fits the length bound.
func IsValidDisplayName(name string) bool {
	name = strings.Trim(strings.TrimSpace(name), `"'`)
	if name == "" || len(name) > MaxDisplayNameLength {
		return false
	}
	if strings.EqualFold(name, AnonymousName) {
		return false
	}
	for _, r := range name {
		if unicode.IsLetter(r) {
			return true
		}
	}
	return false
}

// Timestamps are persisted as strings so records written by earlier software
// remain readable. New writes use RFC 3339 UTC; reads also accept the
// zone-less ISO-8601 form older records carry.

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02T15:04:05",
}

// FormatTimestamp renders t as an RFC 3339 UTC string.
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

// ParseTimestamp parses a stored timestamp, accepting both RFC 3339 and the
// zone-less ISO-8601 layout (interpreted as UTC).
func ParseTimestamp(s string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp %q", s)
}

// CompareTimestamps orders two stored timestamps. Both parseable: chronological
// order. Otherwise: lexical order, which matches chronology for uniform layouts.
func CompareTimestamps(a, b string) int {
	ta, errA := ParseTimestamp(a)
	tb, errB := ParseTimestamp(b)
	if errA == nil && errB == nil {
		return ta.Compare(tb)
	}
	return strings.Compare(a, b)
}

// EventRef associates a user with an event at a point in time.
type EventRef struct {
	EventID   string `json:"event_id" firestore:"event_id"`
	Timestamp string `json:"timestamp" firestore:"timestamp"`
}

// UserTrackingRecord holds one sender's conversation position across events.
// Keyed by normalized sender id. The State discriminant is authoritative; the
// boolean flags mirror it for documents shared with older software.
type UserTrackingRecord struct {
	SenderID                        string            `json:"sender_id,omitempty" firestore:"sender_id,omitempty"`
	State                           ConversationState `json:"state,omitempty" firestore:"state,omitempty"`
	Events                          []EventRef        `json:"events" firestore:"events"`
	CurrentEventID                  string            `json:"current_event_id,omitempty" firestore:"current_event_id,omitempty"`
	AwaitingEventID                 bool              `json:"awaiting_event_id" firestore:"awaiting_event_id"`
	AwaitingEventChangeConfirmation bool              `json:"awaiting_event_change_confirmation" firestore:"awaiting_event_change_confirmation"`
	NewEventIDPending               string            `json:"new_event_id_pending,omitempty" firestore:"new_event_id_pending,omitempty"`
	AwaitingExtraQuestions          bool              `json:"awaiting_extra_questions" firestore:"awaiting_extra_questions"`
	CurrentExtraQuestionIndex       int               `json:"current_extra_question_index" firestore:"current_extra_question_index"`
	InvalidAttempts                 int               `json:"invalid_attempts" firestore:"invalid_attempts"`
	LastInactivityPrompt            string            `json:"last_inactivity_prompt,omitempty" firestore:"last_inactivity_prompt,omitempty"`
	UpdatedAt                       string            `json:"updated_at,omitempty" firestore:"updated_at,omitempty"`
}

// NewUserTrackingRecord returns the default record for a first-time sender.
func NewUserTrackingRecord(senderID string) *UserTrackingRecord {
	return &UserTrackingRecord{
		SenderID: senderID,
		State:    StateNew,
		Events:   []EventRef{},
	}
}

// Normalize fills defaults on a freshly loaded record so documents written by
// older software (no state discriminant, missing fields) behave identically
// to new ones. Safe to call repeatedly.
func (r *UserTrackingRecord) Normalize() {
	if r.Events == nil {
		r.Events = []EventRef{}
	}
	if r.CurrentExtraQuestionIndex < 0 {
		r.CurrentExtraQuestionIndex = 0
	}
	if r.InvalidAttempts < 0 {
		r.InvalidAttempts = 0
	}
	if r.State == "" {
		r.State = r.deriveState()
	}
}

// deriveState reconstructs the discriminant from the legacy flag layout.
// Precedence mirrors the order the flags were consulted historically:
// change confirmation, then awaiting id, then a pending inactivity prompt,
// then extra questions, then plain conversation.
func (r *UserTrackingRecord) deriveState() ConversationState {
	switch {
	case r.AwaitingEventChangeConfirmation:
		return StateAwaitingEventChangeConfirmation
	case r.AwaitingEventID:
		return StateAwaitingEventID
	case r.LastInactivityPrompt != "":
		return StateAwaitingInactivityResponse
	case r.AwaitingExtraQuestions:
		return StateExtraQuestions
	case r.CurrentEventID != "":
		return StateActiveConversation
	default:
		return StateNew
	}
}

// SetState updates the discriminant and keeps the legacy flags in sync.
// StateAwaitingInactivityResponse is an overlay: the flags beneath it keep
// their values so the sender's position is restored once the menu is answered.
func (r *UserTrackingRecord) SetState(s ConversationState) {
	r.State = s
	if s == StateAwaitingInactivityResponse {
		return
	}
	r.AwaitingEventID = s == StateAwaitingEventID
	r.AwaitingEventChangeConfirmation = s == StateAwaitingEventChangeConfirmation
	r.AwaitingExtraQuestions = s == StateExtraQuestions
	if s != StateAwaitingEventChangeConfirmation {
		r.NewEventIDPending = ""
	}
	r.LastInactivityPrompt = ""
}

// ResumeFromInactivity clears a pending inactivity menu and restores the
// state the underlying flags describe.
func (r *UserTrackingRecord) ResumeFromInactivity() {
	r.LastInactivityPrompt = ""
	r.InvalidAttempts = 0
	r.State = r.deriveState()
}

// HasEvent reports whether the user is already associated with eventID.
func (r *UserTrackingRecord) HasEvent(eventID string) bool {
	for _, ev := range r.Events {
		if ev.EventID == eventID {
			return true
		}
	}
	return false
}

// TouchEvent records activity in eventID at the given timestamp, inserting
// the association if it is new.
func (r *UserTrackingRecord) TouchEvent(eventID, timestamp string) {
	for i := range r.Events {
		if r.Events[i].EventID == eventID {
			r.Events[i].Timestamp = timestamp
			return
		}
	}
	r.Events = append(r.Events, EventRef{EventID: eventID, Timestamp: timestamp})
}

// LastActivity returns the most recent event timestamp, if any parses.
func (r *UserTrackingRecord) LastActivity() (time.Time, bool) {
	var latest time.Time
	found := false
	for _, ev := range r.Events {
		t, err := ParseTimestamp(ev.Timestamp)
		if err != nil {
			continue
		}
		if !found || t.After(latest) {
			latest = t
			found = true
		}
	}
	return latest, found
}

// EventMode selects which content flow an event runs.
type EventMode string

const (
	// EventModeListener collects free-form conversation via the LLM.
	EventModeListener EventMode = "listener"
	// EventModeFollowup runs the free-form flow for a follow-up round.
	EventModeFollowup EventMode = "followup"
	// EventModeSurvey walks participants through the ordered survey questions.
	EventModeSurvey EventMode = "survey"
)

// IsValidEventMode checks if the given event mode is supported.
func IsValidEventMode(m EventMode) bool {
	switch m {
	case EventModeListener, EventModeFollowup, EventModeSurvey:
		return true
	default:
		return false
	}
}

// ExtraQuestion is one intake question inside an event config. FunctionID
// selects the structured extractor applied to the answer ("extract_name_with_llm"
// etc.); empty means the raw answer is stored.
type ExtraQuestion struct {
	Text       string `json:"text" firestore:"text"`
	Enabled    bool   `json:"enabled" firestore:"enabled"`
	Order      *int   `json:"order,omitempty" firestore:"order,omitempty"`
	FunctionID string `json:"id,omitempty" firestore:"id,omitempty"`
}

// OrderValue returns the sort order, defaulting unset orders last.
func (q ExtraQuestion) OrderValue() int {
	if q.Order == nil {
		return DefaultExtraQuestionOrder
	}
	return *q.Order
}

// SurveyQuestion is one entry of an event's ordered survey. ID is loose-typed
// because older configs store numeric ids; Key normalizes either form to the
// map key used in survey progress tracking.
type SurveyQuestion struct {
	ID   any    `json:"id" firestore:"id"`
	Text string `json:"text" firestore:"text"`
}

// Key returns the question id as a progress-map key.
func (q SurveyQuestion) Key() string {
	return QuestionKey(q.ID)
}

// QuestionKey renders a loose-typed question id as a map key. Numeric ids
// keep their integer form; nil means no id at all.
func QuestionKey(id any) string {
	switch v := id.(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case int64:
		return strconv.FormatInt(v, 10)
	case int:
		return strconv.Itoa(v)
	default:
		return fmt.Sprint(v)
	}
}

// FollowUpQuestions carries the optional preset follow-up prompts a
// followup-mode event offers the model.
type FollowUpQuestions struct {
	Enabled   bool     `json:"enabled" firestore:"enabled"`
	Questions []string `json:"questions,omitempty" firestore:"questions,omitempty"`
}

// SecondRoundSource points at the report document whose claims ground the
// second deliberation round. Enabled is deliberately loose-typed: existing
// configs carry booleans or truthy strings.
type SecondRoundSource struct {
	Enabled    any    `json:"enabled,omitempty" firestore:"enabled,omitempty"`
	Collection string `json:"collection,omitempty" firestore:"collection,omitempty"`
	Document   string `json:"document,omitempty" firestore:"document,omitempty"`
}

// SecondRoundPrompts overrides the built-in second-round prompt templates.
type SecondRoundPrompts struct {
	SystemPrompt string `json:"system_prompt,omitempty" firestore:"system_prompt,omitempty"`
	UserPrompt   string `json:"user_prompt,omitempty" firestore:"user_prompt,omitempty"`
}

// IsTruthy interprets the loose boolean encodings found in stored configs.
func IsTruthy(v any) bool {
	switch val := v.(type) {
	case bool:
		return val
	case string:
		switch strings.ToLower(strings.TrimSpace(val)) {
		case "true", "1", "yes", "on":
			return true
		}
	}
	return false
}

// EventConfigRecord is the static-ish configuration of one event. Created and
// overwritten by administration tooling; read-only to the conversation flow.
type EventConfigRecord struct {
	EventID                   string                   `json:"event_id,omitempty" firestore:"event_id,omitempty"`
	EventInitialized          bool                     `json:"event_initialized" firestore:"event_initialized"`
	Mode                      EventMode                `json:"mode,omitempty" firestore:"mode,omitempty"`
	EventName                 string                   `json:"event_name,omitempty" firestore:"event_name,omitempty"`
	EventLocation             string                   `json:"event_location,omitempty" firestore:"event_location,omitempty"`
	EventBackground           string                   `json:"event_background,omitempty" firestore:"event_background,omitempty"`
	EventDate                 string                   `json:"event_date,omitempty" firestore:"event_date,omitempty"`
	Languages                 []string                 `json:"languages,omitempty" firestore:"languages,omitempty"`
	LanguageGuidance          string                   `json:"language_guidance,omitempty" firestore:"language_guidance,omitempty"`
	WelcomeMessage            string                   `json:"welcome_message,omitempty" firestore:"welcome_message,omitempty"`
	InitialMessage            string                   `json:"initial_message,omitempty" firestore:"initial_message,omitempty"`
	CompletionMessage         string                   `json:"completion_message,omitempty" firestore:"completion_message,omitempty"`
	DefaultModel              string                   `json:"default_model,omitempty" firestore:"default_model,omitempty"`
	InteractionLimit          int                      `json:"interaction_limit,omitempty" firestore:"interaction_limit,omitempty"`
	ExtraQuestions            map[string]ExtraQuestion `json:"extra_questions,omitempty" firestore:"extra_questions,omitempty"`
	SurveyQuestions           []SurveyQuestion         `json:"questions,omitempty" firestore:"questions,omitempty"`
	BotTopic                  string                   `json:"bot_topic,omitempty" firestore:"bot_topic,omitempty"`
	BotAim                    string                   `json:"bot_aim,omitempty" firestore:"bot_aim,omitempty"`
	BotPersonality            string                   `json:"bot_personality,omitempty" firestore:"bot_personality,omitempty"`
	BotPrinciples             []string                 `json:"bot_principles,omitempty" firestore:"bot_principles,omitempty"`
	BotAdditionalPrompts      []string                 `json:"bot_additional_prompts,omitempty" firestore:"bot_additional_prompts,omitempty"`
	FollowUpQuestions         *FollowUpQuestions       `json:"follow_up_questions,omitempty" firestore:"follow_up_questions,omitempty"`
	SecondRoundClaimsSource   *SecondRoundSource       `json:"second_round_claims_source,omitempty" firestore:"second_round_claims_source,omitempty"`
	SecondRoundPrompts        *SecondRoundPrompts      `json:"second_round_prompts,omitempty" firestore:"second_round_prompts,omitempty"`
	SecondDeliberationEnabled any                      `json:"second_deliberation_enabled,omitempty" firestore:"second_deliberation_enabled,omitempty"`
}

// Validate checks an event config submitted through the administration API.
func (e *EventConfigRecord) Validate() error {
	if e.EventID == "" {
		return ErrEmptyEventID
	}
	if e.Mode != "" && !IsValidEventMode(e.Mode) {
		return ErrInvalidEventMode
	}
	return nil
}

// ModeOrDefault returns the event mode, defaulting to listener.
func (e *EventConfigRecord) ModeOrDefault() EventMode {
	if e.Mode == "" {
		return EventModeListener
	}
	return e.Mode
}

// InteractionLimitOrDefault returns the configured interaction cap.
func (e *EventConfigRecord) InteractionLimitOrDefault() int {
	if e.InteractionLimit <= 0 {
		return DefaultInteractionLimit
	}
	return e.InteractionLimit
}

// SecondRoundEnabled reports whether the second deliberation round applies,
// honoring both the claims-source flag and the legacy top-level flag.
func (e *EventConfigRecord) SecondRoundEnabled() bool {
	if e.SecondRoundClaimsSource != nil && IsTruthy(e.SecondRoundClaimsSource.Enabled) {
		return true
	}
	return IsTruthy(e.SecondDeliberationEnabled)
}

// OrderedExtraQuestions returns the enabled intake questions in traversal
// order: ascending explicit order, unset orders last, key order as tiebreak.
func (e *EventConfigRecord) OrderedExtraQuestions() []OrderedQuestion {
	var out []OrderedQuestion
	for key, q := range e.ExtraQuestions {
		if !q.Enabled {
			continue
		}
		out = append(out, OrderedQuestion{Key: key, Question: q})
	}
	sortOrderedQuestions(out)
	return out
}

// OrderedQuestion pairs an extra question with its map key.
type OrderedQuestion struct {
	Key      string
	Question ExtraQuestion
}

func sortOrderedQuestions(qs []OrderedQuestion) {
	// Insertion sort keeps the helper dependency-free; question lists are tiny.
	for i := 1; i < len(qs); i++ {
		for j := i; j > 0; j-- {
			a, b := qs[j-1], qs[j]
			if a.Question.OrderValue() < b.Question.OrderValue() {
				break
			}
			if a.Question.OrderValue() == b.Question.OrderValue() && a.Key <= b.Key {
				break
			}
			qs[j-1], qs[j] = b, a
		}
	}
}

// Interaction is one append-only entry in a participant's history. A user
// turn sets Message; the bot's turn sets Response plus the model used (or
// Fallback when the canned acknowledgement was sent).
type Interaction struct {
	Message   string `json:"message,omitempty" firestore:"message,omitempty"`
	Response  string `json:"response,omitempty" firestore:"response,omitempty"`
	Model     string `json:"model,omitempty" firestore:"model,omitempty"`
	Fallback  bool   `json:"fallback,omitempty" firestore:"fallback,omitempty"`
	Timestamp string `json:"ts,omitempty" firestore:"ts,omitempty"`
}

// ParticipantRecord is the per-(event, sender) interaction history and
// progress. Interactions are append-only; the record is never deleted here.
type ParticipantRecord struct {
	EventID              string            `json:"event_id,omitempty" firestore:"event_id,omitempty"`
	SenderID             string            `json:"sender_id,omitempty" firestore:"sender_id,omitempty"`
	Name                 string            `json:"name,omitempty" firestore:"name,omitempty"`
	Interactions         []Interaction     `json:"interactions" firestore:"interactions"`
	Answers              map[string]string `json:"answers,omitempty" firestore:"answers,omitempty"`
	QuestionsAsked       map[string]bool   `json:"questions_asked,omitempty" firestore:"questions_asked,omitempty"`
	Responses            map[string]string `json:"responses,omitempty" firestore:"responses,omitempty"`
	LastQuestionID       any               `json:"last_question_id,omitempty" firestore:"last_question_id,omitempty"`
	SurveyComplete       bool              `json:"survey_complete" firestore:"survey_complete"`
	LimitNotified        bool              `json:"limit_reached_notified" firestore:"limit_reached_notified"`
	Summary              string            `json:"summary,omitempty" firestore:"summary,omitempty"`
	AgreeableClaims      []string          `json:"agreeable_claims,omitempty" firestore:"agreeable_claims,omitempty"`
	OpposingClaims       []string          `json:"opposing_claims,omitempty" firestore:"opposing_claims,omitempty"`
	ClaimReason          string            `json:"claim_selection_reason,omitempty" firestore:"claim_selection_reason,omitempty"`
	SecondRoundTurns     []Interaction     `json:"second_round_interactions,omitempty" firestore:"second_round_interactions,omitempty"`
	SecondRoundIntroDone bool              `json:"second_round_intro_done" firestore:"second_round_intro_done"`
}

// NewParticipantRecord returns the default participant for an event.
func NewParticipantRecord(eventID, senderID string) *ParticipantRecord {
	return &ParticipantRecord{
		EventID:      eventID,
		SenderID:     senderID,
		Interactions: []Interaction{},
	}
}

// Normalize fills defaults on a loaded participant record.
func (p *ParticipantRecord) Normalize() {
	if p.Interactions == nil {
		p.Interactions = []Interaction{}
	}
}

// LastUserMessage returns the most recent second-round user turn, if any.
func (p *ParticipantRecord) LastUserMessage() (string, bool) {
	for i := len(p.SecondRoundTurns) - 1; i >= 0; i-- {
		if p.SecondRoundTurns[i].Message != "" {
			return p.SecondRoundTurns[i].Message, true
		}
	}
	return "", false
}

// LimitExceededRecord logs a participant who hit the interaction cap, for
// moderation review.
type LimitExceededRecord struct {
	Phone             string `json:"phone" firestore:"phone"`
	EventID           string `json:"event_id" firestore:"event_id"`
	Timestamp         string `json:"timestamp" firestore:"timestamp"`
	TotalInteractions int    `json:"total_interactions" firestore:"total_interactions"`
	LimitUsed         int    `json:"limit_used" firestore:"limit_used"`
}

// MessageStatus represents the delivery status of an outbound message.
type MessageStatus string

const (
	// MessageStatusSent indicates the message was sent.
	MessageStatusSent MessageStatus = "sent"
	// MessageStatusDelivered indicates the message was delivered.
	MessageStatusDelivered MessageStatus = "delivered"
	// MessageStatusRead indicates the message was read.
	MessageStatusRead MessageStatus = "read"
	// MessageStatusFailed indicates the message failed to send.
	MessageStatusFailed MessageStatus = "failed"
)

// Receipt records a delivery status change for an outbound message.
type Receipt struct {
	To     string        `json:"to"`
	Status MessageStatus `json:"status"`
	Time   int64         `json:"time"`
}

// Response represents an incoming message from a sender. MediaURL carries the
// first attachment when the transport delivered one (voice notes).
type Response struct {
	From     string `json:"from"`
	Body     string `json:"body"`
	MediaURL string `json:"media_url,omitempty"`
	Time     int64  `json:"time"`
}
