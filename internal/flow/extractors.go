package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/AOI-Deliberation/EventTalk/internal/genai"
	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// Extractor ids stored on intake questions. Question keys named after the
// field select the same extractor when no id is configured.
const (
	extractorNameID   = "extract_name_with_llm"
	extractorAgeID    = "extract_age_with_llm"
	extractorGenderID = "extract_gender_with_llm"
	extractorRegionID = "extract_region_with_llm"
)

// Sentinel answers the extraction prompts instruct the model to return.
// Age, gender and region sentinels are stored verbatim on the participant;
// the event-id sentinel maps to "no candidate".
const (
	noEventIDFound = "No event ID found"
	noAgeFound     = "No age found"
	noGenderFound  = "No gender found"
	noRegionFound  = "No region found"
)

const eventIDExtractionPrompt = `You are to extract the event ID from the user's input. The event ID is one of the following IDs:
%s.

The user's input may contain additional text. Your task is to identify and extract the event ID from the input.

Return only the event ID. If you cannot find an event ID in the user's input, return 'No event ID found'.`

const nameExtractionPrompt = `You are to extract the participant's name from the user's input. The user is participating in %s in %s.

Instructions:
- The user's input may contain their name or a statement that they prefer to remain anonymous.
- If the user provides their name, extract only the name.
- If the user indicates they prefer to remain anonymous, return "Anonymous".
- If you cannot find a name in the user's input, return an empty string.

Examples:
- User Input: "My name is John." => Output: "John"
- User Input: "I prefer not to share my name." => Output: "Anonymous"
- User Input: "Anonymous" => Output: "Anonymous"
- User Input: "Just call me Jane Doe." => Output: "Jane Doe"
- User Input: "Hello!" => Output: ""`

const ageExtractionPrompt = `You are to extract the participant's age from the user's input. The age should be an integer representing the person's age in years.

The user's input may contain additional text. Your task is to identify and extract the age from the input.

Return only the age as a number. If you cannot find an age in the user's input, return 'No age found'.`

const genderExtractionPrompt = `You are to extract the participant's gender from the user's input.

The user's input may contain additional text. Your task is to identify and extract the gender from the input.

Return only the gender. Acceptable responses are 'Male', 'Female', 'Non-binary', or 'Other'. If you cannot find a gender in the user's input, return 'No gender found'.`

const regionExtractionPrompt = `You are to extract the participant's region or location from the user's input.

The user's input may contain additional text. Your task is to identify and extract the region from the input.

Return only the region or location. If you cannot find a region in the user's input, return 'No region found'.`

// extract runs one extraction prompt against the extraction model.
func (f *ConversationFlow) extract(ctx context.Context, system, input string, temperature float64, maxTokens int64) (string, error) {
	out, err := f.genaiClient.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(system),
			openai.UserMessage(input),
		},
		genai.WithModel(genai.ExtractionModel),
		genai.WithTemperature(temperature),
		genai.WithMaxTokens(maxTokens),
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// extractEventID pulls an event id candidate out of free text, constrained to
// the ids that exist in the store. Returns "" when there is no candidate;
// lookup or model failures also yield "" so the caller re-prompts.
func (f *ConversationFlow) extractEventID(ctx context.Context, body string) string {
	ids, err := f.store.ListEventIDs(ctx)
	if err != nil {
		slog.Error("ConversationFlow.extractEventID: failed to list event ids", "error", err)
		return ""
	}
	system := fmt.Sprintf(eventIDExtractionPrompt, strings.Join(ids, ", "))
	candidate, err := f.extract(ctx, system, body, 0.2, 20)
	if err != nil {
		slog.Error("ConversationFlow.extractEventID: extraction failed", "error", err)
		return ""
	}
	if candidate == "" || candidate == noEventIDFound {
		return ""
	}
	return candidate
}

// extractName pulls a participant name out of free text. "Anonymous" is a
// deliberate answer and kept; "" means no usable value (the intake sequencer
// re-prompts).
func (f *ConversationFlow) extractName(ctx context.Context, body string, cfg *models.EventConfigRecord) string {
	eventName, eventLocation := "the event", "the location"
	if cfg != nil {
		if cfg.EventName != "" {
			eventName = cfg.EventName
		}
		if cfg.EventLocation != "" {
			eventLocation = cfg.EventLocation
		}
	}
	system := fmt.Sprintf(nameExtractionPrompt, eventName, eventLocation)
	name, err := f.extract(ctx, system, body, 0.6, 50)
	if err != nil {
		slog.Error("ConversationFlow.extractName: extraction failed", "error", err)
		return ""
	}
	name = strings.Trim(name, `"'`)
	if name == "" || strings.EqualFold(name, "none") {
		return ""
	}
	return name
}

// extractAge never fails: any problem stores the sentinel answer verbatim.
func (f *ConversationFlow) extractAge(ctx context.Context, body string) string {
	age, err := f.extract(ctx, ageExtractionPrompt, body, 0.3, 50)
	if err != nil {
		slog.Error("ConversationFlow.extractAge: extraction failed", "error", err)
		return noAgeFound
	}
	if age == "" {
		return noAgeFound
	}
	return age
}

func (f *ConversationFlow) extractGender(ctx context.Context, body string) string {
	gender, err := f.extract(ctx, genderExtractionPrompt, body, 0.4, 60)
	if err != nil {
		slog.Error("ConversationFlow.extractGender: extraction failed", "error", err)
		return noGenderFound
	}
	if gender == "" {
		return noGenderFound
	}
	return gender
}

func (f *ConversationFlow) extractRegion(ctx context.Context, body string) string {
	region, err := f.extract(ctx, regionExtractionPrompt, body, 0.4, 60)
	if err != nil {
		slog.Error("ConversationFlow.extractRegion: extraction failed", "error", err)
		return noRegionFound
	}
	if region == "" {
		return noRegionFound
	}
	return region
}

// welcomeMessage personalizes the event's welcome text. A plausible name is
// spliced after "Welcome to" when the text carries that phrase, otherwise
// prefixed; promptForName appends the name request.
func welcomeMessage(cfg *models.EventConfigRecord, participantName string, promptForName bool) string {
	welcome := defaultWelcomeMessage
	if cfg != nil && cfg.WelcomeMessage != "" {
		welcome = cfg.WelcomeMessage
	}
	if models.IsValidDisplayName(participantName) {
		if strings.Contains(welcome, "Welcome to") {
			welcome = strings.ReplaceAll(welcome, "Welcome to", "Welcome "+participantName+" to")
		} else {
			welcome = "Welcome " + participantName + ", " + welcome
		}
	}
	if promptForName {
		welcome += " Please tell me your name."
	}
	return welcome
}
