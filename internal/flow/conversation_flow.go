// Package flow implements the conversational state controller. Each inbound
// WhatsApp message is resolved against the sender's tracking record and the
// current event's configuration, the state machine advances, and exactly one
// reply comes back. The tracking record is loaded once per turn and written
// back once at the end; participant documents are updated transactionally as
// the turn progresses.
package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/openai/openai-go"

	"github.com/AOI-Deliberation/EventTalk/internal/genai"
	"github.com/AOI-Deliberation/EventTalk/internal/models"
	"github.com/AOI-Deliberation/EventTalk/internal/store"
	"github.com/AOI-Deliberation/EventTalk/internal/util"
)

// ConversationFlow routes messages through the event dialogue state machine.
type ConversationFlow struct {
	store       store.Store
	genaiClient genai.ClientInterface
	media       MediaFetcher
	now         func() time.Time
}

// Option configures optional collaborators on a ConversationFlow.
type Option func(*ConversationFlow)

// WithMediaFetcher enables voice-message transcription. Without it, messages
// carrying media are rejected as unsupported.
func WithMediaFetcher(m MediaFetcher) Option {
	return func(f *ConversationFlow) { f.media = m }
}

// WithClock overrides the time source, for tests.
func WithClock(now func() time.Time) Option {
	return func(f *ConversationFlow) { f.now = now }
}

// NewConversationFlow creates a flow backed by the given store and LLM client.
func NewConversationFlow(st store.Store, client genai.ClientInterface, opts ...Option) *ConversationFlow {
	f := &ConversationFlow{
		store:       st,
		genaiClient: client,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// ProcessMessage runs one inbound message through the state machine and
// returns the reply to send back to the sender. mediaURL is the voice
// attachment, if any; transcription replaces the body before content
// handling. An error means nothing should be sent and nothing was committed
// to the tracking record.
func (f *ConversationFlow) ProcessMessage(ctx context.Context, senderID, body, mediaURL string) (string, error) {
	if strings.TrimSpace(senderID) == "" {
		return "", models.ErrEmptySenderID
	}
	senderID = models.NormalizeSenderID(senderID)
	body = strings.TrimSpace(body)
	if body == "" && mediaURL == "" {
		return "", models.ErrEmptyMessageBody
	}

	rec, err := f.store.GetUserTracking(ctx, senderID)
	if err != nil {
		return "", fmt.Errorf("failed to load user tracking: %w", err)
	}
	if rec == nil {
		rec = models.NewUserTrackingRecord(senderID)
	}
	rec.Normalize()

	reply, err := f.processTurn(ctx, rec, senderID, body, mediaURL)
	if err != nil {
		return "", err
	}

	rec.UpdatedAt = models.FormatTimestamp(f.now())
	if err := f.store.SaveUserTracking(ctx, rec); err != nil {
		return "", fmt.Errorf("failed to save user tracking: %w", err)
	}
	return reply, nil
}

// processTurn advances the state machine for one message. Mutations to rec
// are persisted by the caller after a successful return.
func (f *ConversationFlow) processTurn(ctx context.Context, rec *models.UserTrackingRecord, senderID, body, mediaURL string) (string, error) {
	now := f.now()
	ts := models.FormatTimestamp(now)

	if events, changed := deduplicateEvents(rec.Events); changed {
		rec.Events = events
	}

	// A current event whose config vanished or was never initialized is
	// dropped before anything else can act on it.
	var cfg *models.EventConfigRecord
	if rec.CurrentEventID != "" {
		loaded, err := f.store.GetEventConfig(ctx, rec.CurrentEventID)
		if err != nil {
			return "", fmt.Errorf("failed to load event config: %w", err)
		}
		if loaded == nil || !loaded.EventInitialized {
			stale := rec.CurrentEventID
			rec.Events = removeEvent(rec.Events, stale)
			rec.CurrentEventID = ""
			rec.SetState(models.StateAwaitingEventID)
			slog.Info("ConversationFlow.processTurn: dropping stale event", "sender", senderID, "event", stale)
			return staleEventReply(stale), nil
		}
		cfg = loaded
	}

	if len(rec.Events) > 0 && userInactive(rec, now) && shouldPromptInactivity(rec.LastInactivityPrompt, now) {
		rec.LastInactivityPrompt = ts
		rec.SetState(models.StateAwaitingInactivityResponse)
		slog.Info("ConversationFlow.processTurn: sending inactivity menu", "sender", senderID, "events", len(rec.Events))
		return inactivityPrompt(rec.Events), nil
	}

	if rec.LastInactivityPrompt != "" {
		return handleInactivityChoice(rec, body, ts), nil
	}

	if mediaURL != "" {
		transcript, err := f.transcribeMedia(ctx, mediaURL)
		if err != nil {
			return "", err
		}
		body = transcript
		if body == "" {
			return "", models.ErrEmptyMessageBody
		}
		slog.Debug("ConversationFlow.processTurn: voice message transcribed", "sender", senderID, "chars", len(body))
	}

	if rec.State == models.StateAwaitingEventChangeConfirmation {
		return f.handleChangeConfirmation(ctx, rec, senderID, body)
	}

	if rec.State == models.StateAwaitingEventID {
		reply, ok, err := f.tryAssociate(ctx, rec, senderID, body)
		if err != nil {
			return "", err
		}
		if !ok {
			return msgInvalidEventID, nil
		}
		return reply, nil
	}

	if rec.CurrentEventID == "" {
		reply, ok, err := f.tryAssociate(ctx, rec, senderID, body)
		if err != nil {
			return "", err
		}
		if !ok {
			rec.SetState(models.StateAwaitingEventID)
			return msgProvideEventID, nil
		}
		return reply, nil
	}

	// cfg is non-nil from here: a set CurrentEventID was validated above.
	if cmd := parseCommand(body); cmd.kind != commandNone {
		switch cmd.kind {
		case commandFinalize:
			return f.finalizeDialogue(ctx, cfg, rec, senderID)
		case commandChangeName:
			return f.changeName(ctx, rec.CurrentEventID, senderID, cmd.arg)
		case commandChangeEvent:
			return f.requestEventChange(ctx, rec, cmd.arg)
		}
	}

	if rec.State == models.StateExtraQuestions {
		return f.handleExtraQuestions(ctx, cfg, rec, senderID, body)
	}
	if cfg.ModeOrDefault() == models.EventModeSurvey {
		if reply, limited, err := f.checkInteractionLimit(ctx, cfg, rec.CurrentEventID, senderID); err != nil || limited {
			return reply, err
		}
		return f.handleSurvey(ctx, cfg, rec, senderID, body)
	}
	return f.handleFreeForm(ctx, cfg, rec, senderID, body)
}

// tryAssociate resolves body to an initialized event and binds the sender to
// it. ok is false when no id could be recognized or the id resolves to a
// missing or uninitialized event.
func (f *ConversationFlow) tryAssociate(ctx context.Context, rec *models.UserTrackingRecord, senderID, body string) (reply string, ok bool, err error) {
	eventID := f.extractEventID(ctx, body)
	if eventID == "" {
		return "", false, nil
	}
	cfg, err := f.store.GetEventConfig(ctx, eventID)
	if err != nil {
		return "", false, fmt.Errorf("failed to load event config: %w", err)
	}
	if cfg == nil || !cfg.EventInitialized {
		slog.Info("ConversationFlow.tryAssociate: extracted id is not an active event", "sender", senderID, "event", eventID)
		return "", false, nil
	}
	opener, err := f.bindEvent(ctx, cfg, rec, senderID)
	if err != nil {
		return "", false, err
	}
	if opener != "" {
		return opener, true, nil
	}
	name, err := f.participantName(ctx, cfg.EventID, senderID)
	if err != nil {
		return "", false, err
	}
	return welcomeMessage(cfg, name, false), true, nil
}

// bindEvent points the tracking record at cfg's event, creates the
// participant document if needed, and opens the intake sequence when the
// event defines one. The returned opener is the intro plus the first intake
// question, or "" when the event has no intake questions.
func (f *ConversationFlow) bindEvent(ctx context.Context, cfg *models.EventConfigRecord, rec *models.UserTrackingRecord, senderID string) (string, error) {
	rec.CurrentEventID = cfg.EventID
	rec.TouchEvent(cfg.EventID, models.FormatTimestamp(f.now()))
	rec.CurrentExtraQuestionIndex = 0
	rec.InvalidAttempts = 0
	if cfg.ModeOrDefault() == models.EventModeSurvey {
		rec.SetState(models.StateSurvey)
	} else {
		rec.SetState(models.StateActiveConversation)
	}
	if err := f.ensureParticipant(ctx, cfg.EventID, senderID); err != nil {
		return "", err
	}
	questions := cfg.OrderedExtraQuestions()
	if len(questions) == 0 {
		return "", nil
	}
	rec.SetState(models.StateExtraQuestions)
	opener := cfg.InitialMessage
	if opener == "" {
		opener = defaultInitialMessage
	}
	return opener + "\n\n" + questions[0].Question.Text, nil
}

// handleChangeConfirmation resolves the question asked by a "change event"
// command. Anything but an explicit yes cancels.
func (f *ConversationFlow) handleChangeConfirmation(ctx context.Context, rec *models.UserTrackingRecord, senderID, body string) (string, error) {
	pending := rec.NewEventIDPending
	if !isAffirmative(body) {
		if rec.CurrentEventID == "" {
			rec.SetState(models.StateAwaitingEventID)
			return msgProvideEventID, nil
		}
		rec.SetState(models.StateActiveConversation)
		return changeCancelledReply(rec.CurrentEventID), nil
	}
	if pending == "" {
		// Confirmed a bare "change event": detach and ask for the new id.
		rec.CurrentEventID = ""
		rec.SetState(models.StateAwaitingEventID)
		return msgEnterEventID, nil
	}
	cfg, err := f.store.GetEventConfig(ctx, pending)
	if err != nil {
		return "", fmt.Errorf("failed to load event config: %w", err)
	}
	if cfg == nil || !cfg.EventInitialized {
		slog.Info("ConversationFlow.handleChangeConfirmation: pending event no longer active", "sender", senderID, "event", pending)
		rec.SetState(models.StateAwaitingEventID)
		return pendingEventStaleReply(pending), nil
	}
	opener, err := f.bindEvent(ctx, cfg, rec, senderID)
	if err != nil {
		return "", err
	}
	reply := switchedEventReply(cfg.EventID)
	if opener != "" {
		reply += "\n\n" + opener
	}
	return reply, nil
}

// changeName updates the participant's stored display name. Storage failures
// surface to the user as the generic name error rather than aborting the turn.
func (f *ConversationFlow) changeName(ctx context.Context, eventID, senderID, name string) (string, error) {
	name = strings.TrimSpace(name)
	if !models.IsValidDisplayName(name) {
		return msgNameUpdateError, nil
	}
	err := f.store.TransactionalUpdateParticipant(ctx, eventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
		p.Name = name
		return true, nil
	})
	if err != nil {
		slog.Error("ConversationFlow.changeName: failed to store name", "error", err, "sender", senderID, "event", eventID)
		return msgNameUpdateError, nil
	}
	return nameUpdatedReply(name), nil
}

// requestEventChange puts the record into the confirmation state for a
// "change event" command. With a target id the switch is validated up front;
// without one, confirming detaches the sender so a fresh id can be given.
func (f *ConversationFlow) requestEventChange(ctx context.Context, rec *models.UserTrackingRecord, target string) (string, error) {
	target = strings.TrimSpace(target)
	if target == "" {
		rec.SetState(models.StateAwaitingEventChangeConfirmation)
		rec.NewEventIDPending = ""
		return msgConfirmBareChange, nil
	}
	cfg, err := f.store.GetEventConfig(ctx, target)
	if err != nil {
		return "", fmt.Errorf("failed to load event config: %w", err)
	}
	if cfg == nil || !cfg.EventInitialized {
		return invalidChangeEventReply(target), nil
	}
	if target == rec.CurrentEventID {
		return alreadyInEventReply(target), nil
	}
	rec.SetState(models.StateAwaitingEventChangeConfirmation)
	rec.NewEventIDPending = target
	return confirmChangeReply(target), nil
}

// finalizeDialogue closes the dialogue at the user's request. Survey events
// additionally mark the participant's survey complete.
func (f *ConversationFlow) finalizeDialogue(ctx context.Context, cfg *models.EventConfigRecord, rec *models.UserTrackingRecord, senderID string) (string, error) {
	if cfg.ModeOrDefault() == models.EventModeSurvey {
		err := f.store.TransactionalUpdateParticipant(ctx, cfg.EventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
			p.SurveyComplete = true
			return true, nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to finalize survey: %w", err)
		}
		rec.SetState(models.StateCompleted)
		return msgSurveyFinalized, nil
	}
	rec.SetState(models.StateCompleted)
	if cfg.CompletionMessage != "" {
		return cfg.CompletionMessage, nil
	}
	return defaultCompletionMessage, nil
}

// handleFreeForm answers a conversational message with the LLM. The second
// deliberation round takes over first when the event enables it; generation
// failures degrade to a canned acknowledgement so the user is never left
// without a reply.
func (f *ConversationFlow) handleFreeForm(ctx context.Context, cfg *models.EventConfigRecord, rec *models.UserTrackingRecord, senderID, body string) (string, error) {
	eventID := rec.CurrentEventID

	if cfg.SecondRoundEnabled() {
		reply, handled, err := f.handleSecondRound(ctx, cfg, eventID, senderID, body)
		if err != nil {
			return "", err
		}
		if handled {
			return reply, nil
		}
	}

	if err := f.ensureParticipant(ctx, eventID, senderID); err != nil {
		return "", err
	}
	if reply, limited, err := f.checkInteractionLimit(ctx, cfg, eventID, senderID); err != nil || limited {
		return reply, err
	}

	// Instructions are built before the incoming message is recorded so the
	// follow-up history covers prior turns only.
	var instructions string
	if cfg.ModeOrDefault() == models.EventModeFollowup {
		p, err := f.store.GetParticipant(ctx, eventID, senderID)
		if err != nil {
			return "", fmt.Errorf("failed to load participant: %w", err)
		}
		instructions = followupInstructions(cfg, p)
	} else {
		instructions = listenerInstructions(cfg)
	}

	if err := f.store.AppendInteractions(ctx, eventID, senderID, models.Interaction{
		Message:   body,
		Timestamp: models.FormatTimestamp(f.now()),
	}); err != nil {
		return "", fmt.Errorf("failed to record message: %w", err)
	}

	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(instructions),
		openai.UserMessage(body),
	}
	var opts []genai.RequestOption
	if cfg.DefaultModel != "" {
		opts = append(opts, genai.WithModel(cfg.DefaultModel))
	}
	text, model, err := f.genaiClient.GenerateWithFallback(ctx, messages, opts...)
	if err != nil {
		slog.Warn("ConversationFlow.handleFreeForm: generation failed, sending canned reply", "error", err, "sender", senderID, "event", eventID)
		fallback := util.PickString(cannedFallbacks)
		if err := f.store.AppendInteractions(ctx, eventID, senderID, models.Interaction{
			Response:  fallback,
			Fallback:  true,
			Timestamp: models.FormatTimestamp(f.now()),
		}); err != nil {
			return "", fmt.Errorf("failed to record response: %w", err)
		}
		return fallback, nil
	}

	text = strings.TrimSpace(text)
	if err := f.store.AppendInteractions(ctx, eventID, senderID, models.Interaction{
		Response:  text,
		Model:     model,
		Timestamp: models.FormatTimestamp(f.now()),
	}); err != nil {
		return "", fmt.Errorf("failed to record response: %w", err)
	}
	return text, nil
}

// ensureParticipant creates the participant document on first contact with an
// event.
func (f *ConversationFlow) ensureParticipant(ctx context.Context, eventID, senderID string) error {
	p, err := f.store.GetParticipant(ctx, eventID, senderID)
	if err != nil {
		return fmt.Errorf("failed to load participant: %w", err)
	}
	if p != nil {
		return nil
	}
	if err := f.store.SaveParticipant(ctx, models.NewParticipantRecord(eventID, senderID)); err != nil {
		return fmt.Errorf("failed to create participant: %w", err)
	}
	return nil
}

// removeEvent filters eventID out of the association list.
func removeEvent(events []models.EventRef, eventID string) []models.EventRef {
	out := events[:0]
	for _, ev := range events {
		if ev.EventID != eventID {
			out = append(out, ev)
		}
	}
	return out
}
