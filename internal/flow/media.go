package flow

import (
	"bytes"
	"context"
	"fmt"
	"strings"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

// MediaFetcher retrieves an inbound media attachment referenced by a
// transport webhook, returning the payload and its content type.
type MediaFetcher interface {
	FetchMedia(ctx context.Context, url string) (data []byte, contentType string, err error)
}

// transcribeMedia downloads a voice-note attachment and converts it to text.
// Anything that is not audio is rejected with models.ErrUnsupportedMediaType
// so the transport can answer with a client error instead of a chat reply.
func (f *ConversationFlow) transcribeMedia(ctx context.Context, mediaURL string) (string, error) {
	if f.media == nil {
		return "", models.ErrUnsupportedMediaType
	}
	data, contentType, err := f.media.FetchMedia(ctx, mediaURL)
	if err != nil {
		return "", fmt.Errorf("failed to fetch media: %w", err)
	}
	if !strings.HasPrefix(contentType, "audio/") {
		return "", models.ErrUnsupportedMediaType
	}
	transcript, err := f.genaiClient.TranscribeAudio(ctx, bytes.NewReader(data), "file.ogg")
	if err != nil {
		return "", fmt.Errorf("failed to transcribe audio: %w", err)
	}
	return strings.TrimSpace(transcript), nil
}
