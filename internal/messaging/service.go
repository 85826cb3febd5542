// Package messaging bridges WhatsApp transports and the conversation flow.
//
// A Service delivers outbound replies and surfaces inbound traffic as
// channels of Response and Receipt events; the ResponseHandler consumes the
// response channel and runs each message through the conversation processor.
// Two implementations exist: Twilio (webhook driven) and whatsmeow (direct
// client).
package messaging

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

const (
	// DefaultChannelBufferSize is the buffer size of the receipt and response
	// channels.
	DefaultChannelBufferSize = 100
	// DefaultChannelTimeout bounds non-blocking channel emits before an event
	// is dropped.
	DefaultChannelTimeout = 1 * time.Second
)

// ErrServiceStopped is returned by sends attempted after Stop.
var ErrServiceStopped = errors.New("messaging service stopped")

// phoneNumberRegex strips everything but digits during canonicalization.
var phoneNumberRegex = regexp.MustCompile(`[^0-9]`)

// Service is a pluggable message transport. It supports sending messages and
// provides channels for receipt and inbound response events.
type Service interface {
	// ValidateAndCanonicalizeRecipient validates a recipient identifier and
	// returns its canonical form, so each transport can apply its own rules.
	ValidateAndCanonicalizeRecipient(recipient string) (string, error)

	// SendMessage sends a message to a recipient.
	SendMessage(ctx context.Context, to string, body string) error

	// Start begins any background processing (e.g. event polling).
	Start(ctx context.Context) error

	// Stop stops background processing and cleans up resources.
	Stop() error

	// Receipts returns a channel of delivery status events.
	Receipts() <-chan models.Receipt

	// Responses returns a channel of incoming participant messages.
	Responses() <-chan models.Response
}

// SenderGate screens inbound senders before their messages enter the
// pipeline. The flow package's blocklist satisfies it.
type SenderGate interface {
	Blocked(ctx context.Context, senderID string) bool
}

// canonicalizePhone reduces a recipient identifier to its digits and
// validates the result is a plausible phone number. Both transports share
// this rule so hook keys and flow record keys always agree.
func canonicalizePhone(recipient string) (string, error) {
	if recipient == "" {
		return "", fmt.Errorf("recipient cannot be empty")
	}
	canonical := phoneNumberRegex.ReplaceAllString(recipient, "")
	if canonical == "" {
		return "", fmt.Errorf("invalid phone number: no digits found in recipient %q", recipient)
	}
	if len(canonical) < 6 {
		return "", fmt.Errorf("invalid phone number: %q is too short (minimum 6 digits required)", canonical)
	}
	return canonical, nil
}
