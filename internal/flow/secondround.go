package flow

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/openai/openai-go"

	"github.com/AOI-Deliberation/EventTalk/internal/genai"
	"github.com/AOI-Deliberation/EventTalk/internal/models"
	"github.com/AOI-Deliberation/EventTalk/internal/util"
)

const (
	// secondRoundHistoryDepth bounds the dialogue excerpt in the prompt.
	secondRoundHistoryDepth = 6
	// secondRoundSnippetRunes bounds each quoted turn.
	secondRoundSnippetRunes = 220
	// secondRoundClaimsShown caps how many grounding claims each block carries.
	secondRoundClaimsShown = 2
)

const (
	claimBlockNone     = "(none)"
	claimBlockHidden   = "(hidden—show only if user asks)"
	defaultClaimReason = "No reason provided."
)

const defaultSecondRoundSystemPrompt = "You are a concise, context-aware *second-round deliberation* assistant.\n" +
	"Goals: keep flow natural, avoid repetition, and deepen the user's thinking with concrete contrasts.\n" +
	"Hard rules:\n" +
	"- NEVER re-introduce the whole setup after the intro.\n" +
	"- Keep replies short: 1–4 crisp sentences, <= ~400 characters total.\n" +
	"- Answer the user's exact question first; then, if helpful, add ONE brief nudge.\n" +
	"- Do not ask generic questions like 'What aspect...?'—be specific and grounded.\n" +
	"- Only restate claims if the user asks for them.\n"

const defaultSecondRoundUserPrompt = "{history_block}" +
	"User Summary: {summary}\n" +
	"Report Metadata (context only): {metadata}\n" +
	"Agreeable (grounding): {agree_block}\n" +
	"Opposing (grounding): {oppose_block}" +
	"{reason_line}\n\n" +
	"Current user message: {user_msg}\n\n" +
	"Respond now following the rules above..."

const summarySystemPrompt = "You are a neutral assistant tasked with summarizing a user's perspective. " +
	"Write a clear and concise summary in 1–2 sentences, preserving tone and core themes."

const claimSelectionSystemPrompt = "You will be given a user summary and a list of claim texts.\n" +
	"Pick 2 claims that strongly agree and 2 that strongly oppose the user's view.\n" +
	"Then add one sentence explaining why.\n" +
	"Format:\n" +
	"**Agreeable Claims:**\n- [index] text\n- [index] text\n\n" +
	"**Opposing Claims:**\n- [index] text\n- [index] text\n\n" +
	"**Reason:** <one sentence>"

// handleSecondRound runs one message through the second deliberation round.
// handled=false means the participant context could not be assembled (even
// after a warm-up pass) or the model returned nothing; the caller then
// continues with the normal free-form flow for this turn. A duplicate of the
// previous user message is handled with an empty reply so the turn ends
// silently instead of generating twice.
func (f *ConversationFlow) handleSecondRound(ctx context.Context, cfg *models.EventConfigRecord, eventID, senderID, body string) (reply string, handled bool, err error) {
	p, err := f.secondRoundContext(ctx, cfg, eventID, senderID)
	if err != nil {
		return "", false, err
	}
	if p == nil {
		slog.Warn("ConversationFlow.handleSecondRound: context unavailable, continuing with normal flow",
			"event_id", eventID, "sender_id", senderID)
		return "", false, nil
	}

	reply, genErr := f.buildSecondRoundReply(ctx, cfg, p, body)
	if genErr != nil || reply == "" {
		slog.Warn("ConversationFlow.handleSecondRound: generation failed, continuing with normal flow",
			"event_id", eventID, "error", genErr)
		return "", false, nil
	}

	duplicate := false
	err = f.store.TransactionalUpdateParticipant(ctx, eventID, senderID, func(rec *models.ParticipantRecord) (bool, error) {
		if last, ok := rec.LastUserMessage(); ok && models.NormalizeText(last) == models.NormalizeText(body) {
			duplicate = true
			return false, nil
		}
		ts := models.FormatTimestamp(f.now())
		rec.SecondRoundTurns = append(rec.SecondRoundTurns,
			models.Interaction{Message: body, Timestamp: ts},
			models.Interaction{Response: reply, Timestamp: ts},
		)
		rec.SecondRoundIntroDone = true
		return true, nil
	})
	if err != nil {
		return "", false, fmt.Errorf("failed to record second-round turn: %w", err)
	}
	if duplicate {
		slog.Info("ConversationFlow.handleSecondRound: duplicate message skipped",
			"event_id", eventID, "sender_id", senderID)
		return "", true, nil
	}
	return reply, true, nil
}

// secondRoundContext loads the participant and, when summary or claim
// selections are missing, runs the warm-up pass once before giving up.
func (f *ConversationFlow) secondRoundContext(ctx context.Context, cfg *models.EventConfigRecord, eventID, senderID string) (*models.ParticipantRecord, error) {
	for attempt := 0; ; attempt++ {
		p, err := f.store.GetParticipant(ctx, eventID, senderID)
		if err != nil {
			return nil, fmt.Errorf("failed to load participant: %w", err)
		}
		if p == nil {
			return nil, nil
		}
		if strings.TrimSpace(p.Summary) != "" && (len(p.AgreeableClaims) > 0 || len(p.OpposingClaims) > 0) {
			return p, nil
		}
		if attempt > 0 {
			return nil, nil
		}
		if err := f.warmSecondRound(ctx, cfg, eventID, senderID, p); err != nil {
			slog.Warn("ConversationFlow.secondRoundContext: warm-up failed",
				"event_id", eventID, "sender_id", senderID, "error", err)
		}
	}
}

// warmSecondRound backfills the participant's summary and claim selections.
// Each piece is written only if still missing at commit time, so concurrent
// warm-ups do not clobber each other.
func (f *ConversationFlow) warmSecondRound(ctx context.Context, cfg *models.EventConfigRecord, eventID, senderID string, p *models.ParticipantRecord) error {
	summary := strings.TrimSpace(p.Summary)
	if summary == "" {
		var err error
		summary, err = f.summarizeParticipant(ctx, p)
		if err != nil {
			return err
		}
		if summary == "" {
			// Nothing to summarize yet.
			return nil
		}
		err = f.store.TransactionalUpdateParticipant(ctx, eventID, senderID, func(rec *models.ParticipantRecord) (bool, error) {
			if strings.TrimSpace(rec.Summary) != "" {
				return false, nil
			}
			rec.Summary = summary
			return true, nil
		})
		if err != nil {
			return err
		}
	}

	if len(p.AgreeableClaims) > 0 || len(p.OpposingClaims) > 0 {
		return nil
	}
	bank, err := f.claimBank(ctx, cfg)
	if err != nil {
		return err
	}
	if len(bank) == 0 {
		slog.Warn("ConversationFlow.warmSecondRound: empty claim bank", "event_id", eventID)
		return nil
	}
	agree, oppose, reason, err := f.selectClaims(ctx, summary, bank)
	if err != nil {
		return err
	}
	return f.store.TransactionalUpdateParticipant(ctx, eventID, senderID, func(rec *models.ParticipantRecord) (bool, error) {
		if len(rec.AgreeableClaims) > 0 || len(rec.OpposingClaims) > 0 {
			return false, nil
		}
		rec.AgreeableClaims = agree
		rec.OpposingClaims = oppose
		rec.ClaimReason = reason
		return true, nil
	})
}

// summarizeParticipant condenses the participant's first-round messages into
// a 1–2 sentence perspective summary. Returns "" when there is nothing to
// summarize.
func (f *ConversationFlow) summarizeParticipant(ctx context.Context, p *models.ParticipantRecord) (string, error) {
	var lines []string
	for _, it := range p.Interactions {
		if it.Message != "" {
			lines = append(lines, "- "+it.Message)
		}
	}
	if len(lines) == 0 {
		return "", nil
	}
	input := "Here are the user's messages:\n\n" + strings.Join(lines, "\n")
	out, err := f.genaiClient.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(summarySystemPrompt),
			openai.UserMessage(input),
		},
		genai.WithModel(genai.DefaultModel),
		genai.WithTemperature(0.2),
		genai.WithMaxTokens(300),
	)
	if err != nil {
		return "", fmt.Errorf("failed to summarize participant: %w", err)
	}
	return strings.TrimSpace(out), nil
}

// claimBank reads the claim texts from the report document the event config
// points at. A missing source or report yields an empty bank, not an error.
func (f *ConversationFlow) claimBank(ctx context.Context, cfg *models.EventConfigRecord) ([]string, error) {
	src := cfg.SecondRoundClaimsSource
	if src == nil || src.Collection == "" || src.Document == "" {
		return nil, nil
	}
	doc, err := f.store.GetDocument(ctx, src.Collection, src.Document)
	if err != nil {
		return nil, fmt.Errorf("failed to load report document: %w", err)
	}
	if doc == nil {
		return nil, nil
	}
	claims, _ := doc["claims"].([]any)
	var bank []string
	for _, c := range claims {
		m, ok := c.(map[string]any)
		if !ok {
			continue
		}
		text, _ := m["text"].(string)
		if text = strings.TrimSpace(text); text != "" {
			bank = append(bank, text)
		}
	}
	return bank, nil
}

// selectClaims asks the extraction model to pick the claims that most agree
// and most oppose the participant's summarized view, with a one-sentence
// rationale.
func (f *ConversationFlow) selectClaims(ctx context.Context, summary string, bank []string) (agree, oppose []string, reason string, err error) {
	var body strings.Builder
	for i, text := range bank {
		if i > 0 {
			body.WriteString("\n\n")
		}
		fmt.Fprintf(&body, "[%d] %s", i, text)
	}
	input := fmt.Sprintf("User Summary:\n%s\n\nClaim Texts:\n%s", summary, body.String())
	out, err := f.genaiClient.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(claimSelectionSystemPrompt),
			openai.UserMessage(input),
		},
		genai.WithModel(genai.ExtractionModel),
		genai.WithTemperature(0.4),
		genai.WithMaxTokens(1200),
	)
	if err != nil {
		return nil, nil, "", fmt.Errorf("failed to select claims: %w", err)
	}
	agree, oppose, reason = parseClaimSelection(out)
	return agree, oppose, reason, nil
}

// parseClaimSelection splits the model's sectioned answer into the agreeable
// lines, the opposing lines, and the reason sentence.
func parseClaimSelection(block string) (agreeable, opposing []string, reason string) {
	section := ""
	for _, line := range strings.Split(block, "\n") {
		s := strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(s, "**Agreeable"):
			section = "agree"
		case strings.HasPrefix(s, "**Opposing"):
			section = "oppose"
		case strings.HasPrefix(s, "**Reason:**"):
			reason = strings.TrimSpace(strings.TrimPrefix(s, "**Reason:**"))
		case strings.HasPrefix(s, "- [") && strings.Contains(s, "]"):
			switch section {
			case "agree":
				agreeable = append(agreeable, s)
			case "oppose":
				opposing = append(opposing, s)
			}
		}
	}
	if reason == "" {
		reason = defaultClaimReason
	}
	return agreeable, opposing, reason
}

// buildSecondRoundReply renders the second-round prompt from the participant
// context and asks the conversation model for the next turn. The event config
// may override either prompt template; placeholders are substituted in both.
func (f *ConversationFlow) buildSecondRoundReply(ctx context.Context, cfg *models.EventConfigRecord, p *models.ParticipantRecord, body string) (string, error) {
	agreeBlock, opposeBlock := claimBlockNone, claimBlockNone
	if p.SecondRoundIntroDone {
		agreeBlock, opposeBlock = claimBlockHidden, claimBlockHidden
	} else {
		if len(p.AgreeableClaims) > 0 {
			agreeBlock = strings.Join(firstN(p.AgreeableClaims, secondRoundClaimsShown), "\n")
		}
		if len(p.OpposingClaims) > 0 {
			opposeBlock = strings.Join(firstN(p.OpposingClaims, secondRoundClaimsShown), "\n")
		}
	}
	reasonLine := ""
	if p.ClaimReason != "" && !p.SecondRoundIntroDone {
		reasonLine = "\nClaim selection note: " + p.ClaimReason
	}

	systemPrompt := defaultSecondRoundSystemPrompt
	userTemplate := defaultSecondRoundUserPrompt
	if pr := cfg.SecondRoundPrompts; pr != nil {
		if pr.SystemPrompt != "" {
			systemPrompt = pr.SystemPrompt
		}
		if pr.UserPrompt != "" {
			userTemplate = pr.UserPrompt
		}
	}
	userPrompt := strings.NewReplacer(
		"{history_block}", secondRoundHistory(p.SecondRoundTurns),
		"{summary}", p.Summary,
		"{metadata}", f.reportMetadataText(ctx, cfg),
		"{agree_block}", agreeBlock,
		"{oppose_block}", opposeBlock,
		"{reason_line}", reasonLine,
		"{user_msg}", body,
	).Replace(userTemplate)

	out, err := f.genaiClient.GenerateWithMessages(ctx,
		[]openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(systemPrompt),
			openai.UserMessage(userPrompt),
		},
		genai.WithModel(genai.DefaultModel),
		genai.WithTemperature(0.35),
		genai.WithMaxTokens(200),
	)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// secondRoundHistory renders the most recent turns as a compact dialogue
// excerpt, one whitespace-collapsed truncated line per turn.
func secondRoundHistory(turns []models.Interaction) string {
	type turn struct{ role, text string }
	var seq []turn
	for _, it := range turns {
		switch {
		case it.Message != "":
			seq = append(seq, turn{"User", it.Message})
		case it.Response != "":
			seq = append(seq, turn{"Assistant", it.Response})
		}
	}
	if len(seq) == 0 {
		return ""
	}
	if len(seq) > secondRoundHistoryDepth {
		seq = seq[len(seq)-secondRoundHistoryDepth:]
	}
	var b strings.Builder
	b.WriteString("Recent Dialogue (latest last):\n")
	for i, t := range seq {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(t.role)
		b.WriteString(": ")
		b.WriteString(util.TruncateString(strings.Join(strings.Fields(t.text), " "), secondRoundSnippetRunes))
	}
	b.WriteString("\n\n")
	return b.String()
}

// reportMetadataText renders the report document's metadata field for prompt
// context. Missing source, report, or lookup failure degrades to "".
func (f *ConversationFlow) reportMetadataText(ctx context.Context, cfg *models.EventConfigRecord) string {
	src := cfg.SecondRoundClaimsSource
	if src == nil || src.Collection == "" || src.Document == "" {
		return ""
	}
	doc, err := f.store.GetDocument(ctx, src.Collection, src.Document)
	if err != nil {
		slog.Warn("ConversationFlow.reportMetadataText: report lookup failed", "error", err)
		return ""
	}
	if doc == nil {
		return ""
	}
	meta, ok := doc["metadata"]
	if !ok || meta == nil {
		return ""
	}
	return fmt.Sprintf("%v", meta)
}

func firstN(items []string, n int) []string {
	if len(items) <= n {
		return items
	}
	return items[:n]
}
