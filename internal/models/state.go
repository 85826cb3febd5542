package models

// ConversationState is the explicit discriminant of a sender's position in
// the dialogue. It is stored on the tracking record; the legacy boolean flags
// are kept in sync for documents shared with older software.
type ConversationState string

const (
	// StateNew means the sender has never completed event registration.
	StateNew ConversationState = "NEW"
	// StateAwaitingEventID means the next message is read as an event id.
	StateAwaitingEventID ConversationState = "AWAITING_EVENT_ID"
	// StateAwaitingInactivityResponse means an inactivity menu was sent and
	// the next message is read as a numeric event selection.
	StateAwaitingInactivityResponse ConversationState = "AWAITING_INACTIVITY_RESPONSE"
	// StateAwaitingEventChangeConfirmation means an event switch was requested
	// and the next message is read as yes/no.
	StateAwaitingEventChangeConfirmation ConversationState = "AWAITING_EVENT_CHANGE_CONFIRMATION"
	// StateExtraQuestions means the sender is inside the intake question
	// sequence; the tracking record carries the question index.
	StateExtraQuestions ConversationState = "EXTRA_QUESTIONS"
	// StateActiveConversation means normal dialogue within the current event.
	StateActiveConversation ConversationState = "ACTIVE_CONVERSATION"
	// StateSurvey means the sender is answering the event's ordered survey.
	StateSurvey ConversationState = "SURVEY"
	// StateCompleted means the dialogue was finalized, by finishing the survey
	// or by the finalize command. Informational: later messages still process
	// and surveys re-send their completion notice.
	StateCompleted ConversationState = "COMPLETED"
)

// IsValidConversationState checks if the given state is known.
func IsValidConversationState(s ConversationState) bool {
	switch s {
	case StateNew, StateAwaitingEventID, StateAwaitingInactivityResponse,
		StateAwaitingEventChangeConfirmation, StateExtraQuestions,
		StateActiveConversation, StateSurvey, StateCompleted:
		return true
	default:
		return false
	}
}
