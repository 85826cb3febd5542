package flow

import (
	"fmt"
	"strings"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// Defaults substituted into the instruction templates when the event config
// leaves a field empty.
const (
	defaultEventName        = "the event"
	defaultEventLocation    = "the location"
	defaultEventBackground  = "the background"
	defaultLanguageGuidance = "No specific language behavior was requested. The bot defaults to matching the user's language when possible."
)

const listenerInstructionsTemplate = `Bot Objective
The AI bot is primarily designed to listen and record discussions at the %[1]s in %[2]s with minimal interaction. Its responses are restricted to one or two sentences only, to maintain focus on the participants' discussions.

Event Background
%[3]s

Language Behavior
%[4]s

Bot Personality
The bot is programmed to be non-intrusive and neutral, offering no more than essential interaction required to acknowledge participants' inputs.

Listening Mode
Data Retention: The bot is in a passive listening mode, capturing important discussion points without actively participating.
Minimal Responses: The bot remains largely silent, offering brief acknowledgments if directly addressed.

Interaction Guidelines
Ultra-Brief Responses: If the bot needs to respond, it will use no more than one to two sentences, strictly adhering to this rule to prevent engaging beyond necessary acknowledgment.
Acknowledgments: For instance, if a participant makes a point or asks if the bot is recording, it might say, "Acknowledged," or, "Yes, I'm recording. or Please continue,"

Conversation Management
Directive Responses: On rare occasions where direction is required and appropriate, the bot will use concise prompts like "Please continue," or, "Could you clarify?"
Passive Engagement: The bot uses minimal phrases like "Understood" or "Noted" with professional emojis to confirm its presence and listening status without adding substance to the conversation.

Closure of Interaction
Concluding Interaction: When a dialogue concludes or a user ends the interaction, the bot responds succinctly with, "Thank you for the discussion."

Overall Management
The bot ensures it does not interfere with or distract from the human-centric discussions at the %[1]s in %[2]s. Its primary role is to support by listening and only acknowledging when absolutely necessary, ensuring that all interactions remain brief and to the point.`

const followupInstructionsTemplate = `You are an "Elicitation bot", designed to interact conversationally with individual users on WhatsApp, and help draw out their opinions towards the assigned topic. The conversation should be engaging, friendly, and sometimes humorous to keep the interaction light-hearted yet productive. You provide an experience that lets users feel better heard. You also encourage users to think from a wider perspective and help them revise their initial opinions by considering broader perspectives.

### Event Information
Event Name: %[1]s
Event Location: %[2]s
Event Background: %[3]s

Language Behavior
%[4]s

### Topic, Bot Objective, Conversation Principles, and Bot Personality
- **Topic**: %[5]s
- **Aim**: %[6]s
- **Principles**:
%[7]s
- **Personality**: %[8]s

### Past User Interactions
%[9]s

### Additional Prompts
%[10]s

### Follow-Up Questions and Instructions
%[11]s

### Conversation Management
- Be respectful and avoid sensitive topics unless they are part of the assigned topic.
- Do not provide personal opinions or biases.

### Final Notes
Your role is to facilitate a meaningful conversation that helps the user express their authentic opinions on %[5]s, while ensuring they feel heard and valued.`

const followupQuestionsEnabledHeader = `Below is a list of possible follow-up questions.
Please read the user's last response, pick (or adapt) the question that best fits their context,
and replace "X" with relevant keywords or content from the user's response.

If none of these follow-up questions seem relevant,
please create your own question or statement to deepen the conversation.

Possible Follow-up Questions:
`

const followupQuestionsDisabledText = `No specialized follow-up questions are enabled at this time.
Use your own approach to continue the conversation in a thoughtful way.`

// listenerInstructions composes the passive listening-mode system
// instructions for an event. Missing config fields fall back to neutral
// placeholders so the instructions always read coherently.
func listenerInstructions(cfg *models.EventConfigRecord) string {
	name, location, background, language := instructionFields(cfg)
	return fmt.Sprintf(listenerInstructionsTemplate, name, location, background, language)
}

// followupInstructions composes the elicitation-mode system instructions,
// folding in the participant's recent dialogue and the event's optional
// preset follow-up questions.
func followupInstructions(cfg *models.EventConfigRecord, participant *models.ParticipantRecord) string {
	name, location, background, language := instructionFields(cfg)
	var topic, aim, personality string
	var principles, additionalPrompts []string
	var followUps *models.FollowUpQuestions
	if cfg != nil {
		topic = cfg.BotTopic
		aim = cfg.BotAim
		personality = cfg.BotPersonality
		principles = cfg.BotPrinciples
		additionalPrompts = cfg.BotAdditionalPrompts
		followUps = cfg.FollowUpQuestions
	}
	return fmt.Sprintf(followupInstructionsTemplate,
		name, location, background, language,
		topic, aim,
		bulletList(principles), personality,
		pastInteractionsText(participant),
		bulletList(additionalPrompts),
		followupQuestionsText(followUps),
	)
}

func instructionFields(cfg *models.EventConfigRecord) (name, location, background, language string) {
	name, location, background = defaultEventName, defaultEventLocation, defaultEventBackground
	language = defaultLanguageGuidance
	if cfg == nil {
		return
	}
	if cfg.EventName != "" {
		name = cfg.EventName
	}
	if cfg.EventLocation != "" {
		location = cfg.EventLocation
	}
	if cfg.EventBackground != "" {
		background = cfg.EventBackground
	}
	if cfg.LanguageGuidance != "" {
		language = cfg.LanguageGuidance
	}
	return
}

// pastInteractionsText renders up to the last 30 bot/user exchange pairs as
// "Bot: …\nUser: …" lines for the followup prompt.
func pastInteractionsText(p *models.ParticipantRecord) string {
	if p == nil {
		return ""
	}
	var questions, answers []string
	for _, it := range p.Interactions {
		if it.Response != "" {
			questions = append(questions, it.Response)
		}
		if it.Message != "" {
			answers = append(answers, it.Message)
		}
	}
	const keep = 30
	if len(questions) > keep {
		questions = questions[len(questions)-keep:]
	}
	if len(answers) > keep {
		answers = answers[len(answers)-keep:]
	}
	n := min(len(questions), len(answers))
	var b strings.Builder
	for i := 0; i < n; i++ {
		fmt.Fprintf(&b, "Bot: %s\nUser: %s\n", questions[i], answers[i])
	}
	return b.String()
}

func followupQuestionsText(f *models.FollowUpQuestions) string {
	if f == nil || !f.Enabled || len(f.Questions) == 0 {
		return followupQuestionsDisabledText
	}
	var b strings.Builder
	b.WriteString(followupQuestionsEnabledHeader)
	for i, q := range f.Questions {
		fmt.Fprintf(&b, "%d. %s\n", i+1, q)
	}
	return strings.TrimRight(b.String(), "\n")
}

func bulletList(items []string) string {
	if len(items) == 0 {
		return ""
	}
	var b strings.Builder
	for i, item := range items {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(item)
	}
	return b.String()
}
