package messaging

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

const (
	// DefaultTurnTimeout bounds one conversation turn, including language
	// model calls and transcription.
	DefaultTurnTimeout = 90 * time.Second

	// processingErrorNotice is sent to a participant when their turn failed.
	processingErrorNotice = "We ran into a problem handling your message. Please try again in a moment."

	// unsupportedMediaNotice is sent when a participant sends media the bot
	// cannot process.
	unsupportedMediaNotice = "I can only listen to text and voice messages. Could you type your thoughts instead?"
)

// MessageProcessor runs one conversation turn for an inbound message and
// returns the reply to send. An empty reply with a nil error means the turn
// completed silently.
type MessageProcessor interface {
	ProcessMessage(ctx context.Context, senderID, body, mediaURL string) (string, error)
}

// ResponseAction is a custom handler for responses from a specific sender.
// It returns whether it handled the response; unhandled responses fall
// through to the default processor.
type ResponseAction func(ctx context.Context, from, body string, timestamp int64) (bool, error)

// ResponseHandler consumes the response channel of a messaging service and
// routes each inbound message: a registered per-sender hook first, then the
// default conversation processor.
type ResponseHandler struct {
	msgService  Service
	processor   MessageProcessor
	hooks       map[string]ResponseAction
	turnTimeout time.Duration
	mu          sync.RWMutex
}

// NewResponseHandler creates a response handler over the given transport and
// conversation processor.
func NewResponseHandler(msgService Service, processor MessageProcessor) *ResponseHandler {
	return &ResponseHandler{
		msgService:  msgService,
		processor:   processor,
		hooks:       make(map[string]ResponseAction),
		turnTimeout: DefaultTurnTimeout,
	}
}

// RegisterHook installs a custom handler for responses from a sender.
func (rh *ResponseHandler) RegisterHook(sender string, action ResponseAction) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(sender)
	if err != nil {
		return fmt.Errorf("failed to canonicalize sender for hook registration: %w", err)
	}
	rh.mu.Lock()
	defer rh.mu.Unlock()
	rh.hooks[canonical] = action
	slog.Debug("ResponseHandler registered hook", "sender", canonical)
	return nil
}

// UnregisterHook removes the custom handler for a sender.
func (rh *ResponseHandler) UnregisterHook(sender string) error {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(sender)
	if err != nil {
		return fmt.Errorf("failed to canonicalize sender for hook removal: %w", err)
	}
	rh.mu.Lock()
	defer rh.mu.Unlock()
	delete(rh.hooks, canonical)
	return nil
}

// IsHookRegistered reports whether a sender has a custom handler.
func (rh *ResponseHandler) IsHookRegistered(sender string) bool {
	canonical, err := rh.msgService.ValidateAndCanonicalizeRecipient(sender)
	if err != nil {
		return false
	}
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	_, ok := rh.hooks[canonical]
	return ok
}

// GetHookCount returns the number of registered hooks.
func (rh *ResponseHandler) GetHookCount() int {
	rh.mu.RLock()
	defer rh.mu.RUnlock()
	return len(rh.hooks)
}

// ProcessResponse routes one inbound response. Hook errors and processor
// errors are reported back to the participant with a generic notice; the
// original error is returned for logging.
func (rh *ResponseHandler) ProcessResponse(ctx context.Context, response models.Response) error {
	from, err := rh.msgService.ValidateAndCanonicalizeRecipient(response.From)
	if err != nil {
		return fmt.Errorf("failed to canonicalize response sender: %w", err)
	}

	rh.mu.RLock()
	hook, hasHook := rh.hooks[from]
	rh.mu.RUnlock()

	if hasHook {
		handled, hookErr := hook(ctx, from, response.Body, response.Time)
		if hookErr != nil {
			slog.Error("ResponseHandler hook failed", "error", hookErr, "from", from)
			rh.notify(ctx, from, processingErrorNotice)
			return fmt.Errorf("hook failed for %s: %w", from, hookErr)
		}
		if handled {
			return nil
		}
	}

	reply, err := rh.processor.ProcessMessage(ctx, from, response.Body, response.MediaURL)
	if err != nil {
		if errors.Is(err, models.ErrUnsupportedMediaType) {
			rh.notify(ctx, from, unsupportedMediaNotice)
			return nil
		}
		slog.Error("ResponseHandler failed to process message", "error", err, "from", from)
		rh.notify(ctx, from, processingErrorNotice)
		return fmt.Errorf("failed to process message from %s: %w", from, err)
	}
	if reply == "" {
		return nil
	}
	if err := rh.msgService.SendMessage(ctx, from, reply); err != nil {
		return fmt.Errorf("failed to send reply to %s: %w", from, err)
	}
	return nil
}

// Start launches the goroutine that consumes the response channel until the
// context is cancelled or the channel closes.
func (rh *ResponseHandler) Start(ctx context.Context) {
	go func() {
		slog.Info("ResponseHandler started")
		for {
			select {
			case <-ctx.Done():
				slog.Info("ResponseHandler stopping", "reason", ctx.Err())
				return
			case response, ok := <-rh.msgService.Responses():
				if !ok {
					slog.Info("ResponseHandler stopping: response channel closed")
					return
				}
				turnCtx, cancel := context.WithTimeout(ctx, rh.turnTimeout)
				if err := rh.ProcessResponse(turnCtx, response); err != nil {
					slog.Error("ResponseHandler turn failed", "error", err, "from", response.From)
				}
				cancel()
			}
		}
	}()
}

func (rh *ResponseHandler) notify(ctx context.Context, to, body string) {
	if err := rh.msgService.SendMessage(ctx, to, body); err != nil {
		slog.Error("ResponseHandler failed to send notice", "error", err, "to", to)
	}
}
