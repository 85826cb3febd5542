package flow

import (
	"fmt"
	"strings"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// Fixed reply texts of the dialogue. Deployed conversations depend on this
// wording; change it only together with the operators.
const (
	msgProvideEventID     = "Welcome! Please provide your event ID to proceed."
	msgEnterEventID       = "Please provide your event ID to proceed."
	msgInvalidEventID     = "The event ID you provided is invalid. Please re-enter the correct event ID or contact support."
	msgInvalidSelection   = "Invalid event selection. Please reply with the number corresponding to the event you'd like to continue."
	msgNoSelectionNoEvent = "No valid selection made and no current event found. Please provide your event ID to proceed."
	msgNoEventInfo        = "No event info found. You can proceed with normal conversation."
	msgNameUpdateError    = "It seems there was an error updating your name. Please try again."
	msgSurveyFinalized    = "Survey ended. Thank you for participating!"
	msgConfirmBareChange  = "You requested to change your event. Please confirm by replying 'yes' or cancel with 'no'."

	defaultWelcomeMessage          = "Welcome! You can now start sending text and audio messages."
	defaultInitialMessage          = "Thank you for agreeing to participate..."
	defaultCompletionMessage       = "Thank you. You have completed this survey!"
	defaultSurveyCompletionMessage = "You’ve completed the survey—thank you!"
)

// cannedFallbacks are sent when both completion models fail; one is chosen
// uniformly at random and logged with fallback=true.
var cannedFallbacks = []string{
	"Agreed.",
	"Please continue.",
	"That’s an interesting point, tell me more.",
	"I understand.",
	"Go on, I’m listening.",
}

func staleEventReply(eventID string) string {
	return fmt.Sprintf("The event '%s' is no longer active. Please enter a new event ID to continue.", eventID)
}

func inactivityPrompt(events []models.EventRef) string {
	var b strings.Builder
	b.WriteString("You have been inactive for more than 24 hours.\nYour events:\n")
	for i, ev := range events {
		fmt.Fprintf(&b, "%d. %s\n", i+1, ev.EventID)
	}
	b.WriteString("Please reply with the number of the event you'd like to continue.")
	return b.String()
}

func continuingEventReply(eventID string) string {
	return fmt.Sprintf("You are now continuing in event %s.", eventID)
}

func noSelectionReply(eventID string) string {
	return fmt.Sprintf("No valid selection made. Continuing with your current event '%s'.", eventID)
}

func pendingEventStaleReply(eventID string) string {
	return fmt.Sprintf("The event ID '%s' is no longer valid. Please enter a new event ID.", eventID)
}

func switchedEventReply(eventID string) string {
	return fmt.Sprintf("You have switched to event %s.", eventID)
}

func changeCancelledReply(eventID string) string {
	return fmt.Sprintf("Event change cancelled. You remain in event %s. Please continue.", eventID)
}

func nameUpdatedReply(name string) string {
	return fmt.Sprintf("Your name has been updated to %s. Please continue.", name)
}

func invalidChangeEventReply(eventID string) string {
	return fmt.Sprintf("The event ID '%s' is invalid. Please check and try again.", eventID)
}

func alreadyInEventReply(eventID string) string {
	return fmt.Sprintf("You are already in event %s.", eventID)
}

func confirmChangeReply(eventID string) string {
	return fmt.Sprintf("You requested to change to event %s. Please confirm by replying 'yes' or cancel with 'no'.", eventID)
}

func limitReachedReply(limit int) string {
	return fmt.Sprintf("You have reached your interaction limit (%d) for this event. Please contact AOI for assistance.", limit)
}
