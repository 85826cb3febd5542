package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
	"github.com/AOI-Deliberation/EventTalk/internal/twiliowhatsapp"
)

// TwilioService implements Service over the Twilio WhatsApp API. Inbound
// traffic arrives through WebhookHandler, which Twilio calls once per
// participant message.
type TwilioService struct {
	client    twiliowhatsapp.Sender
	gate      SenderGate
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	mu        sync.Mutex
	stopped   bool
}

// TwilioOption configures a TwilioService.
type TwilioOption func(*TwilioService)

// WithSenderGate installs a gate consulted before inbound messages are
// emitted. Blocked senders are dropped silently.
func WithSenderGate(gate SenderGate) TwilioOption {
	return func(s *TwilioService) {
		s.gate = gate
	}
}

// NewTwilioService creates a Twilio-backed messaging service.
func NewTwilioService(client twiliowhatsapp.Sender, opts ...TwilioOption) *TwilioService {
	s := &TwilioService{
		client:    client,
		receipts:  make(chan models.Receipt, DefaultChannelBufferSize),
		responses: make(chan models.Response, DefaultChannelBufferSize),
		done:      make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ValidateAndCanonicalizeRecipient reduces a recipient to its digits.
func (s *TwilioService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendMessage sends a WhatsApp message through Twilio.
func (s *TwilioService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrServiceStopped
	}
	slog.Debug("TwilioService sending message", "to", to)
	if err := s.client.SendMessage(ctx, to, body); err != nil {
		slog.Error("TwilioService failed to send message", "error", err, "to", to)
		return err
	}
	return nil
}

// Start begins processing. The Twilio transport is webhook driven, so there
// is no background work to launch.
func (s *TwilioService) Start(ctx context.Context) error {
	slog.Info("TwilioService started")
	return nil
}

// Stop stops the service and closes its channels.
func (s *TwilioService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	// Give in-flight emits a moment to observe done before the channels go
	// away.
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.receipts)
		close(s.responses)
	}()
	slog.Info("TwilioService stopped")
	return nil
}

// Receipts returns the delivery status channel.
func (s *TwilioService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the inbound message channel.
func (s *TwilioService) Responses() <-chan models.Response {
	return s.responses
}

func (s *TwilioService) safeEmitReceipt(receipt models.Receipt) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.receipts <- receipt:
	case <-s.done:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService receipt channel full, dropping receipt", "to", receipt.To)
	}
}

func (s *TwilioService) safeEmitResponse(response models.Response) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	select {
	case s.responses <- response:
	case <-s.done:
	case <-time.After(DefaultChannelTimeout):
		slog.Warn("TwilioService response channel full, dropping response", "from", response.From)
	}
}

// WebhookHandler handles inbound Twilio webhooks for incoming WhatsApp
// messages and status callbacks. Twilio posts form-encoded parameters; a
// message carries From and Body plus MediaUrl0/MediaContentType0 when the
// participant sent media, while a status callback carries MessageStatus.
//
// The handler acknowledges with 200 immediately; the actual conversation
// turn runs asynchronously off the response channel.
func (s *TwilioService) WebhookHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		slog.Error("TwilioService failed to parse webhook form", "error", err)
		http.Error(w, "Bad request", http.StatusBadRequest)
		return
	}

	if status := r.FormValue("MessageStatus"); status != "" {
		s.handleStatusCallback(r.FormValue("To"), status)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
		return
	}

	from := r.FormValue("From")
	body := strings.TrimSpace(r.FormValue("Body"))
	mediaURL := r.FormValue("MediaUrl0")
	mediaType := r.FormValue("MediaContentType0")

	if from == "" {
		http.Error(w, "Missing sender", http.StatusBadRequest)
		return
	}
	if body == "" && mediaURL == "" {
		http.Error(w, "Empty message", http.StatusBadRequest)
		return
	}
	if mediaURL != "" && mediaType != "" && !strings.HasPrefix(mediaType, "audio/") {
		slog.Debug("TwilioService rejecting non-audio media", "from", from, "mediaType", mediaType)
		http.Error(w, "Unsupported media type", http.StatusBadRequest)
		return
	}

	if s.gate != nil && s.gate.Blocked(r.Context(), from) {
		slog.Info("TwilioService dropping message from blocked sender", "from", from)
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "OK")
		return
	}

	slog.Debug("TwilioService received message", "from", from, "hasMedia", mediaURL != "")
	s.safeEmitResponse(models.Response{
		From:     from,
		Body:     body,
		MediaURL: mediaURL,
		Time:     time.Now().Unix(),
	})

	w.WriteHeader(http.StatusOK)
	fmt.Fprint(w, "OK")
}

func (s *TwilioService) handleStatusCallback(to, status string) {
	var mapped models.MessageStatus
	switch status {
	case "sent", "queued", "accepted":
		mapped = models.MessageStatusSent
	case "delivered":
		mapped = models.MessageStatusDelivered
	case "read":
		mapped = models.MessageStatusRead
	case "failed", "undelivered":
		mapped = models.MessageStatusFailed
	default:
		slog.Debug("TwilioService ignoring unknown message status", "status", status)
		return
	}
	s.safeEmitReceipt(models.Receipt{
		To:     to,
		Status: mapped,
		Time:   time.Now().Unix(),
	})
}
