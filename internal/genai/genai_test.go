package genai

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/openai/openai-go"
)

// mockChatService implements chatService for testing.
type mockChatService struct {
	resp    openai.ChatCompletion
	err     error
	failFor string // model name that returns err; empty fails every call
	calls   []openai.ChatCompletionNewParams
}

func (m *mockChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	m.calls = append(m.calls, params)
	if m.err != nil && (m.failFor == "" || m.failFor == string(params.Model)) {
		return openai.ChatCompletion{}, m.err
	}
	return m.resp, nil
}

// mockAudioService implements audioService for testing.
type mockAudioService struct {
	resp openai.Transcription
	err  error
}

func (m *mockAudioService) Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error) {
	return m.resp, m.err
}

func completionWith(text string) openai.ChatCompletion {
	return openai.ChatCompletion{
		Choices: []openai.ChatCompletionChoice{
			{Message: openai.ChatCompletionMessage{Content: text}},
		},
	}
}

func TestGeneratePromptWithContext_Success(t *testing.T) {
	chat := &mockChatService{resp: completionWith("Hello World")}
	client := &Client{chat: chat}
	out, err := client.GeneratePromptWithContext(context.Background(), "system prompt", "user prompt")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "Hello World" {
		t.Errorf("expected 'Hello World', got '%s'", out)
	}
	if len(chat.calls) != 1 {
		t.Fatalf("expected 1 call, got %d", len(chat.calls))
	}
	if got := string(chat.calls[0].Model); got != DefaultModel {
		t.Errorf("expected default model %s, got %s", DefaultModel, got)
	}
	if len(chat.calls[0].Messages) != 2 {
		t.Errorf("expected 2 messages, got %d", len(chat.calls[0].Messages))
	}
}

func TestGenerateWithMessages_ServiceError(t *testing.T) {
	client := &Client{chat: &mockChatService{err: errors.New("service failure")}}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err == nil || !strings.Contains(err.Error(), "service failure") {
		t.Errorf("expected service failure error, got %v", err)
	}
}

func TestGenerateWithMessages_NoChoices(t *testing.T) {
	client := &Client{chat: &mockChatService{resp: openai.ChatCompletion{}}}
	_, err := client.GenerateWithMessages(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if !errors.Is(err, ErrNoChoicesReturned) {
		t.Errorf("expected no choices returned error, got %v", err)
	}
}

func TestGenerateWithMessages_RequestOptions(t *testing.T) {
	chat := &mockChatService{resp: completionWith("ok")}
	client := &Client{chat: chat}
	_, err := client.GenerateWithMessages(context.Background(),
		[]openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")},
		WithModel("gpt-4o"), WithTemperature(0.2), WithMaxTokens(20))
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	params := chat.calls[0]
	if got := string(params.Model); got != "gpt-4o" {
		t.Errorf("expected model override gpt-4o, got %s", got)
	}
	if !params.Temperature.Valid() || params.Temperature.Value != 0.2 {
		t.Errorf("expected temperature 0.2, got %+v", params.Temperature)
	}
	if !params.MaxTokens.Valid() || params.MaxTokens.Value != 20 {
		t.Errorf("expected max tokens 20, got %+v", params.MaxTokens)
	}
}

func TestGenerateWithFallback_PrimarySucceeds(t *testing.T) {
	chat := &mockChatService{resp: completionWith("primary reply")}
	client := &Client{chat: chat}
	text, model, err := client.GenerateWithFallback(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if text != "primary reply" {
		t.Errorf("expected primary reply, got %q", text)
	}
	if model != DefaultModel {
		t.Errorf("expected model %s, got %s", DefaultModel, model)
	}
	if len(chat.calls) != 1 {
		t.Errorf("expected a single attempt, got %d", len(chat.calls))
	}
}

func TestGenerateWithFallback_FallbackUsed(t *testing.T) {
	chat := &mockChatService{
		resp:    completionWith("fallback reply"),
		err:     errors.New("rate limited"),
		failFor: DefaultModel,
	}
	client := &Client{chat: chat}
	text, model, err := client.GenerateWithFallback(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if text != "fallback reply" {
		t.Errorf("expected fallback reply, got %q", text)
	}
	if model != DefaultFallbackModel {
		t.Errorf("expected fallback model %s, got %s", DefaultFallbackModel, model)
	}
	if len(chat.calls) != 2 {
		t.Errorf("expected two attempts, got %d", len(chat.calls))
	}
}

func TestGenerateWithFallback_ClientModelDefaults(t *testing.T) {
	// 1. Client-wide defaults route both attempts.
	chat := &mockChatService{
		resp:    completionWith("tuned reply"),
		err:     errors.New("rate limited"),
		failFor: "gpt-4o",
	}
	client := &Client{chat: chat, defaultModel: "gpt-4o", fallbackModel: "gpt-4o-mini"}
	text, model, err := client.GenerateWithFallback(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err != nil {
		t.Fatalf("expected fallback to succeed, got %v", err)
	}
	if text != "tuned reply" {
		t.Errorf("expected tuned reply, got %q", text)
	}
	if model != "gpt-4o-mini" {
		t.Errorf("expected client fallback model gpt-4o-mini, got %s", model)
	}

	// 2. A request option still overrides the client default.
	chat = &mockChatService{resp: completionWith("ok")}
	client = &Client{chat: chat, defaultModel: "gpt-4o"}
	if _, err := client.GenerateWithMessages(context.Background(),
		[]openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")},
		WithModel("gpt-4.1")); err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if got := string(chat.calls[0].Model); got != "gpt-4.1" {
		t.Errorf("expected request override gpt-4.1, got %s", got)
	}
}

func TestGenerateWithFallback_BothFail(t *testing.T) {
	chat := &mockChatService{err: errors.New("service down")}
	client := &Client{chat: chat}
	_, _, err := client.GenerateWithFallback(context.Background(), []openai.ChatCompletionMessageParamUnion{openai.UserMessage("hi")})
	if err == nil || !strings.Contains(err.Error(), "service down") {
		t.Errorf("expected both-models error, got %v", err)
	}
	if len(chat.calls) != 2 {
		t.Errorf("expected two attempts, got %d", len(chat.calls))
	}
}

func TestTranscribeAudio(t *testing.T) {
	client := &Client{audio: &mockAudioService{resp: openai.Transcription{Text: "hello from a voice note"}}}
	out, err := client.TranscribeAudio(context.Background(), strings.NewReader("fake-ogg-bytes"), "note.ogg")
	if err != nil {
		t.Fatalf("expected no error, got %v", err)
	}
	if out != "hello from a voice note" {
		t.Errorf("unexpected transcription: %q", out)
	}

	client = &Client{audio: &mockAudioService{err: errors.New("bad audio")}}
	if _, err := client.TranscribeAudio(context.Background(), strings.NewReader("x"), "note.ogg"); err == nil {
		t.Error("expected transcription error, got nil")
	}
}

func TestNewClient_NoKey(t *testing.T) {
	t.Setenv("OPENAI_API_KEY", "")
	_, err := NewClient()
	if err == nil {
		t.Error("expected error when API key not provided, got nil")
	}
}

func TestNewClient_WithKey(t *testing.T) {
	cli, err := NewClient(WithAPIKey("test-key"))
	if err != nil {
		t.Fatalf("expected no error with API key, got %v", err)
	}
	if cli == nil {
		t.Error("expected client instance, got nil")
	}
}
