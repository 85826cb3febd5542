package flow

import (
	"context"
	"fmt"
	"strings"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// handleExtraQuestions consumes one intake answer and advances the intake
// sequence. The answer is stored on the participant under the question key;
// name answers additionally refresh the display name. A name answer without
// an extractable value re-asks the same question and counts as an invalid
// attempt. When the last question is answered the intake flag clears and the
// turn continues with the personalized welcome (listener/followup) or the
// first survey question (survey mode).
func (f *ConversationFlow) handleExtraQuestions(ctx context.Context, cfg *models.EventConfigRecord, rec *models.UserTrackingRecord, senderID, body string) (string, error) {
	if cfg == nil {
		rec.SetState(models.StateActiveConversation)
		return msgNoEventInfo, nil
	}
	questions := cfg.OrderedExtraQuestions()
	if len(questions) == 0 {
		rec.SetState(models.StateActiveConversation)
		return msgNoEventInfo, nil
	}

	idx := rec.CurrentExtraQuestionIndex
	if idx < len(questions) {
		q := questions[idx]
		value, isName, ok := f.intakeAnswer(ctx, cfg, q, body)
		if !ok {
			rec.InvalidAttempts++
			return q.Question.Text, nil
		}
		err := f.store.TransactionalUpdateParticipant(ctx, rec.CurrentEventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
			if p.Answers == nil {
				p.Answers = map[string]string{}
			}
			p.Answers[q.Key] = value
			if isName {
				p.Answers["name"] = value
				p.Name = value
			}
			return true, nil
		})
		if err != nil {
			return "", fmt.Errorf("failed to store intake answer: %w", err)
		}
		rec.CurrentExtraQuestionIndex++
		rec.InvalidAttempts = 0
		if rec.CurrentExtraQuestionIndex < len(questions) {
			return questions[rec.CurrentExtraQuestionIndex].Question.Text, nil
		}
	}

	// Intake finished (or the question list shrank under the index).
	rec.SetState(models.StateActiveConversation)
	if cfg.ModeOrDefault() == models.EventModeSurvey {
		return f.handleSurvey(ctx, cfg, rec, senderID, body)
	}
	name, err := f.participantName(ctx, rec.CurrentEventID, senderID)
	if err != nil {
		return "", err
	}
	return welcomeMessage(cfg, name, false), nil
}

// intakeAnswer resolves the extractor for one intake question and runs it.
// Questions configured with an extractor id use that; otherwise the question
// key selects the matching extractor, and unknown keys store the raw body.
// ok=false only for a name answer with no extractable value.
func (f *ConversationFlow) intakeAnswer(ctx context.Context, cfg *models.EventConfigRecord, q models.OrderedQuestion, body string) (value string, isName, ok bool) {
	id := q.Question.FunctionID
	if id == "" {
		switch strings.ToLower(q.Key) {
		case "name":
			id = extractorNameID
		case "age":
			id = extractorAgeID
		case "gender":
			id = extractorGenderID
		case "region":
			id = extractorRegionID
		}
	}
	switch id {
	case extractorNameID:
		name := f.extractName(ctx, body, cfg)
		if name == "" {
			return "", true, false
		}
		return name, true, true
	case extractorAgeID:
		return f.extractAge(ctx, body), false, true
	case extractorGenderID:
		return f.extractGender(ctx, body), false, true
	case extractorRegionID:
		return f.extractRegion(ctx, body), false, true
	default:
		return body, false, true
	}
}

// participantName returns the stored display name for the sender, "" when
// the participant does not exist yet.
func (f *ConversationFlow) participantName(ctx context.Context, eventID, senderID string) (string, error) {
	p, err := f.store.GetParticipant(ctx, eventID, senderID)
	if err != nil {
		return "", fmt.Errorf("failed to load participant: %w", err)
	}
	if p == nil {
		return "", nil
	}
	return p.Name, nil
}

// handleSurvey advances one turn of the ordered survey. The whole turn's
// participant mutation commits atomically: the previous answer is recorded
// under the outstanding question id, progress tracking is backfilled for
// questions added since initialization, and either the next unasked question
// goes out (marked asked, logged as a {response} interaction) or the survey
// completes. Completed participants receive the completion message again on
// further messages; nothing is recorded for them.
func (f *ConversationFlow) handleSurvey(ctx context.Context, cfg *models.EventConfigRecord, rec *models.UserTrackingRecord, senderID, body string) (string, error) {
	reply := ""
	completed := false
	err := f.store.TransactionalUpdateParticipant(ctx, rec.CurrentEventID, senderID, func(p *models.ParticipantRecord) (bool, error) {
		ts := models.FormatTimestamp(f.now())
		if p.LastQuestionID != nil {
			if p.Responses == nil {
				p.Responses = map[string]string{}
			}
			p.Responses[models.QuestionKey(p.LastQuestionID)] = body
			p.LastQuestionID = nil
			p.Interactions = append(p.Interactions, models.Interaction{Message: body, Timestamp: ts})
		}
		if p.QuestionsAsked == nil {
			p.QuestionsAsked = map[string]bool{}
		}
		for _, q := range cfg.SurveyQuestions {
			key := q.Key()
			if _, tracked := p.QuestionsAsked[key]; !tracked {
				p.QuestionsAsked[key] = false
			}
		}
		var next *models.SurveyQuestion
		for i := range cfg.SurveyQuestions {
			if !p.QuestionsAsked[cfg.SurveyQuestions[i].Key()] {
				next = &cfg.SurveyQuestions[i]
				break
			}
		}
		if next == nil {
			reply = cfg.CompletionMessage
			if reply == "" {
				reply = defaultSurveyCompletionMessage
			}
			p.SurveyComplete = true
			completed = true
			return true, nil
		}
		reply = next.Text
		p.QuestionsAsked[next.Key()] = true
		p.LastQuestionID = next.ID
		p.Interactions = append(p.Interactions, models.Interaction{Response: reply, Timestamp: ts})
		return true, nil
	})
	if err != nil {
		return "", fmt.Errorf("failed to advance survey: %w", err)
	}
	if completed {
		rec.SetState(models.StateCompleted)
	}
	return reply, nil
}
