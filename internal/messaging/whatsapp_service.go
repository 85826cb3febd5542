package messaging

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
	"github.com/AOI-Deliberation/EventTalk/internal/whatsapp"
)

// WhatsAppService implements Service over a direct whatsmeow client.
// Incoming messages and delivery receipts arrive as whatsmeow events and are
// translated onto the response and receipt channels.
type WhatsAppService struct {
	sender    whatsapp.WhatsAppSender
	waClient  *whatsapp.Client
	gate      SenderGate
	receipts  chan models.Receipt
	responses chan models.Response
	done      chan struct{}
	handlerID uint32
	mu        sync.Mutex
	stopped   bool
}

// WhatsAppOption configures a WhatsAppService.
type WhatsAppOption func(*WhatsAppService)

// WithWhatsAppSenderGate installs a gate consulted before inbound messages
// are emitted. Blocked senders are dropped silently.
func WithWhatsAppSenderGate(gate SenderGate) WhatsAppOption {
	return func(s *WhatsAppService) {
		s.gate = gate
	}
}

// NewWhatsAppService creates a whatsmeow-backed messaging service around an
// already-connected client.
func NewWhatsAppService(client *whatsapp.Client, opts ...WhatsAppOption) *WhatsAppService {
	s := &WhatsAppService{
		sender:    client,
		waClient:  client,
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
func (s *WhatsAppService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

// SendMessage sends a WhatsApp message through the whatsmeow client.
func (s *WhatsAppService) SendMessage(ctx context.Context, to string, body string) error {
	s.mu.Lock()
	stopped := s.stopped
	s.mu.Unlock()
	if stopped {
		return ErrServiceStopped
	}
	slog.Debug("WhatsAppService sending message", "to", to)
	if err := s.sender.SendMessage(ctx, to, body); err != nil {
		slog.Error("WhatsAppService failed to send message", "error", err, "to", to)
		return err
	}
	return nil
}

// Start registers the event handler that feeds the receipt and response
// channels.
func (s *WhatsAppService) Start(ctx context.Context) error {
	if s.waClient == nil || s.waClient.GetClient() == nil {
		return fmt.Errorf("whatsapp client is not connected")
	}
	s.handlerID = s.waClient.GetClient().AddEventHandler(s.handleEvent)
	slog.Info("WhatsAppService started")
	return nil
}

// Stop unregisters the event handler, disconnects the client and closes the
// channels.
func (s *WhatsAppService) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil
	}
	s.stopped = true
	close(s.done)
	if s.waClient != nil && s.waClient.GetClient() != nil {
		s.waClient.GetClient().RemoveEventHandler(s.handlerID)
		s.waClient.GetClient().Disconnect()
	}
	go func() {
		time.Sleep(50 * time.Millisecond)
		close(s.receipts)
		close(s.responses)
	}()
	slog.Info("WhatsAppService stopped")
	return nil
}

// Receipts returns the delivery status channel.
func (s *WhatsAppService) Receipts() <-chan models.Receipt {
	return s.receipts
}

// Responses returns the inbound message channel.
func (s *WhatsAppService) Responses() <-chan models.Response {
	return s.responses
}

func (s *WhatsAppService) handleEvent(evt interface{}) {
	switch e := evt.(type) {
	case *events.Message:
		s.handleIncomingMessage(e)
	case *events.Receipt:
		s.handleMessageReceipt(e)
	}
}

// handleIncomingMessage extracts the text of an inbound message and emits it
// as a response. Media and other non-text payloads are skipped; voice notes
// reach the pipeline only on the Twilio transport.
func (s *WhatsAppService) handleIncomingMessage(evt *events.Message) {
	if evt.Info.IsFromMe || evt.Info.IsGroup {
		return
	}
	text := evt.Message.GetConversation()
	if text == "" {
		text = evt.Message.GetExtendedTextMessage().GetText()
	}
	if text == "" {
		slog.Debug("WhatsAppService skipping non-text message", "from", evt.Info.Sender.User)
		return
	}
	from := evt.Info.Sender.User
	if s.gate != nil && s.gate.Blocked(context.Background(), from) {
		slog.Info("WhatsAppService dropping message from blocked sender", "from", from)
		return
	}
	s.safeEmitResponse(models.Response{
		From: from,
		Body: text,
		Time: evt.Info.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) handleMessageReceipt(evt *events.Receipt) {
	var status models.MessageStatus
	switch evt.Type {
	case types.ReceiptTypeDelivered:
		status = models.MessageStatusDelivered
	case types.ReceiptTypeRead:
		status = models.MessageStatusRead
	case types.ReceiptTypeReadSelf:
		return
	default:
		return
	}
	s.safeEmitReceipt(models.Receipt{
		To:     evt.MessageSource.Sender.User,
		Status: status,
		Time:   evt.Timestamp.Unix(),
	})
}

func (s *WhatsAppService) safeEmitReceipt(receipt models.Receipt) {
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
		slog.Warn("WhatsAppService receipt channel full, dropping receipt", "to", receipt.To)
	}
}

func (s *WhatsAppService) safeEmitResponse(response models.Response) {
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
		slog.Warn("WhatsAppService response channel full, dropping response", "from", response.From)
	}
}
