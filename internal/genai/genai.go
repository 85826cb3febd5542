// Package genai provides GenAI-enhanced operations using the OpenAI API.
//
// It wraps chat completions behind a small interface the conversation flow
// and the structured extractors depend on, with a primary/fallback model
// strategy and Whisper transcription for voice notes.
package genai

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// Model selection constants. Event configs may override the conversation
// model; the extraction and transcription models are fixed.
const (
	// DefaultModel drives free-form conversation replies.
	DefaultModel = "gpt-4o-mini"
	// DefaultFallbackModel is tried when the primary completion fails.
	DefaultFallbackModel = "gpt-4.1-mini"
	// ExtractionModel drives the structured field extractors.
	ExtractionModel = "gpt-4o"
)

// ErrNoChoicesReturned indicates the API response contained no completion choices.
var ErrNoChoicesReturned = errors.New("no choices returned")

// ClientInterface defines the operations the conversation flow needs.
type ClientInterface interface {
	// GeneratePromptWithContext generates a response from a system and user prompt.
	GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error)
	// GenerateWithMessages generates a response from a full message list.
	GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...RequestOption) (string, error)
	// GenerateWithFallback tries the primary model and then the fallback model,
	// returning the text and the model that produced it.
	GenerateWithFallback(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...RequestOption) (string, string, error)
	// TranscribeAudio converts a voice note to text.
	TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error)
}

// chatService abstracts the chat completion call so it can be mocked in tests.
type chatService interface {
	Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error)
}

// audioService abstracts the transcription call so it can be mocked in tests.
type audioService interface {
	Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error)
}

// openaiChatService adapts the real OpenAI client to chatService.
type openaiChatService struct {
	client *openai.Client
}

func (s *openaiChatService) Create(ctx context.Context, params openai.ChatCompletionNewParams) (openai.ChatCompletion, error) {
	resp, err := s.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return openai.ChatCompletion{}, err
	}
	return *resp, nil
}

// openaiAudioService adapts the real OpenAI client to audioService.
type openaiAudioService struct {
	client *openai.Client
}

func (s *openaiAudioService) Transcribe(ctx context.Context, params openai.AudioTranscriptionNewParams) (openai.Transcription, error) {
	resp, err := s.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return openai.Transcription{}, err
	}
	return *resp, nil
}

// Opts holds configuration options for the GenAI client.
type Opts struct {
	APIKey        string
	DefaultModel  string
	FallbackModel string
}

// Option defines a configuration option for the GenAI client.
type Option func(*Opts)

// WithAPIKey sets the OpenAI API key.
func WithAPIKey(key string) Option {
	return func(o *Opts) { o.APIKey = key }
}

// WithDefaultModel sets the client-wide primary model. Per-request and
// per-event model overrides still win.
func WithDefaultModel(model string) Option {
	return func(o *Opts) { o.DefaultModel = model }
}

// WithDefaultFallbackModel sets the client-wide fallback model.
func WithDefaultFallbackModel(model string) Option {
	return func(o *Opts) { o.FallbackModel = model }
}

// Client wraps the OpenAI API services.
type Client struct {
	chat  chatService
	audio audioService

	// Client-wide model defaults; empty fields fall back to the package
	// constants.
	defaultModel  string
	fallbackModel string
}

// Compile-time check that Client satisfies ClientInterface.
var _ ClientInterface = (*Client)(nil)

// NewClient initializes a GenAI client. The API key comes from the options or
// the OPENAI_API_KEY environment variable; model defaults fall back to
// DEFAULT_MODEL and FALLBACK_MODEL.
func NewClient(opts ...Option) (*Client, error) {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("OPENAI_API_KEY not set")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = os.Getenv("DEFAULT_MODEL")
	}
	if cfg.FallbackModel == "" {
		cfg.FallbackModel = os.Getenv("FALLBACK_MODEL")
	}
	cli := openai.NewClient(option.WithAPIKey(apiKey))
	slog.Debug("GenAI client initialized", "default_model_override", cfg.DefaultModel != "", "fallback_model_override", cfg.FallbackModel != "")
	return &Client{
		chat:          &openaiChatService{client: &cli},
		audio:         &openaiAudioService{client: &cli},
		defaultModel:  cfg.DefaultModel,
		fallbackModel: cfg.FallbackModel,
	}, nil
}

// requestOpts holds per-request tuning applied on top of the defaults.
type requestOpts struct {
	model         string
	fallbackModel string
	temperature   *float64
	maxTokens     int64
}

// RequestOption tunes a single completion request.
type RequestOption func(*requestOpts)

// WithModel overrides the model for this request.
func WithModel(model string) RequestOption {
	return func(o *requestOpts) { o.model = model }
}

// WithFallbackModel overrides the fallback model for this request.
func WithFallbackModel(model string) RequestOption {
	return func(o *requestOpts) { o.fallbackModel = model }
}

// WithTemperature sets the sampling temperature for this request.
func WithTemperature(t float64) RequestOption {
	return func(o *requestOpts) { o.temperature = &t }
}

// WithMaxTokens caps the completion length for this request.
func WithMaxTokens(n int64) RequestOption {
	return func(o *requestOpts) { o.maxTokens = n }
}

// applyRequestOptions resolves the per-request config: request options win,
// then the client-wide defaults, then the package constants.
func (c *Client) applyRequestOptions(opts []RequestOption) requestOpts {
	var cfg requestOpts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.model == "" {
		cfg.model = c.defaultModel
	}
	if cfg.model == "" {
		cfg.model = DefaultModel
	}
	if cfg.fallbackModel == "" {
		cfg.fallbackModel = c.fallbackModel
	}
	if cfg.fallbackModel == "" {
		cfg.fallbackModel = DefaultFallbackModel
	}
	return cfg
}

// complete performs one chat completion against a specific model.
func (c *Client) complete(ctx context.Context, model string, messages []openai.ChatCompletionMessageParamUnion, cfg requestOpts) (string, error) {
	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(model),
		Messages: messages,
	}
	if cfg.temperature != nil {
		params.Temperature = openai.Float(*cfg.temperature)
	}
	if cfg.maxTokens > 0 {
		params.MaxTokens = openai.Int(cfg.maxTokens)
	}
	resp, err := c.chat.Create(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoicesReturned
	}
	return resp.Choices[0].Message.Content, nil
}

// GeneratePromptWithContext generates a response based on the provided system and user prompts.
func (c *Client) GeneratePromptWithContext(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	messages := []openai.ChatCompletionMessageParamUnion{
		openai.SystemMessage(systemPrompt),
		openai.UserMessage(userPrompt),
	}
	return c.GenerateWithMessages(ctx, messages)
}

// GenerateWithMessages generates a response from a full message list using
// the configured model, without fallback.
func (c *Client) GenerateWithMessages(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...RequestOption) (string, error) {
	cfg := c.applyRequestOptions(opts)
	slog.Debug("Client.GenerateWithMessages: requesting completion", "model", cfg.model, "messages", len(messages))
	text, err := c.complete(ctx, cfg.model, messages, cfg)
	if err != nil {
		slog.Error("Client.GenerateWithMessages: completion failed", "error", err, "model", cfg.model)
		return "", fmt.Errorf("completion with %s failed: %w", cfg.model, err)
	}
	return text, nil
}

// GenerateWithFallback tries the primary model, then the fallback model.
// It returns the generated text and the model that produced it; the error is
// non-nil only when both attempts fail.
func (c *Client) GenerateWithFallback(ctx context.Context, messages []openai.ChatCompletionMessageParamUnion, opts ...RequestOption) (string, string, error) {
	cfg := c.applyRequestOptions(opts)
	slog.Debug("Client.GenerateWithFallback: requesting completion", "model", cfg.model, "fallback", cfg.fallbackModel, "messages", len(messages))
	text, err := c.complete(ctx, cfg.model, messages, cfg)
	if err == nil {
		return text, cfg.model, nil
	}
	slog.Warn("Client.GenerateWithFallback: primary model failed, trying fallback", "error", err, "model", cfg.model, "fallback", cfg.fallbackModel)
	text, fbErr := c.complete(ctx, cfg.fallbackModel, messages, cfg)
	if fbErr != nil {
		slog.Error("Client.GenerateWithFallback: fallback model failed", "error", fbErr, "model", cfg.fallbackModel)
		return "", "", fmt.Errorf("completion failed on %s (%v) and %s: %w", cfg.model, err, cfg.fallbackModel, fbErr)
	}
	return text, cfg.fallbackModel, nil
}

// TranscribeAudio converts a voice note to text using Whisper. The filename
// hints the audio container format to the API.
func (c *Client) TranscribeAudio(ctx context.Context, audio io.Reader, filename string) (string, error) {
	slog.Debug("Client.TranscribeAudio: requesting transcription", "filename", filename)
	resp, err := c.audio.Transcribe(ctx, openai.AudioTranscriptionNewParams{
		Model: openai.AudioModelWhisper1,
		File:  openai.File(audio, filename, "application/octet-stream"),
	})
	if err != nil {
		slog.Error("Client.TranscribeAudio: transcription failed", "error", err, "filename", filename)
		return "", fmt.Errorf("transcription failed: %w", err)
	}
	return resp.Text, nil
}
