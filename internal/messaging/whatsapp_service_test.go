package messaging

import (
	"testing"
	"time"

	"go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	"google.golang.org/protobuf/proto"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

func newTestWhatsAppService() *WhatsAppService {
	return &WhatsAppService{
		receipts:  make(chan models.Receipt, 10),
		responses: make(chan models.Response, 10),
		done:      make(chan struct{}),
	}
}

func textMessageEvent(sender, text string) *events.Message {
	return &events.Message{
		Info: types.MessageInfo{
			MessageSource: types.MessageSource{
				Sender: types.NewJID(sender, types.DefaultUserServer),
			},
			Timestamp: time.Unix(1750000000, 0),
		},
		Message: &waE2E.Message{Conversation: proto.String(text)},
	}
}

func TestHandleIncomingMessage_EmitsText(t *testing.T) {
	svc := newTestWhatsAppService()

	svc.handleEvent(textMessageEvent("15551112222", "hello from whatsapp"))

	select {
	case resp := <-svc.Responses():
		if resp.From != "15551112222" {
			t.Errorf("Expected sender 15551112222, got %q", resp.From)
		}
		if resp.Body != "hello from whatsapp" {
			t.Errorf("Expected message text, got %q", resp.Body)
		}
		if resp.Time != 1750000000 {
			t.Errorf("Expected event timestamp, got %d", resp.Time)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a response to be emitted, got none")
	}
}

func TestHandleIncomingMessage_ExtendedText(t *testing.T) {
	svc := newTestWhatsAppService()

	evt := textMessageEvent("15551112222", "")
	evt.Message = &waE2E.Message{
		ExtendedTextMessage: &waE2E.ExtendedTextMessage{Text: proto.String("linked text")},
	}
	svc.handleEvent(evt)

	select {
	case resp := <-svc.Responses():
		if resp.Body != "linked text" {
			t.Errorf("Expected extended text, got %q", resp.Body)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a response to be emitted, got none")
	}
}

func TestHandleIncomingMessage_SkipsNonText(t *testing.T) {
	svc := newTestWhatsAppService()

	// 1. Image message with no text.
	evt := textMessageEvent("15551112222", "")
	evt.Message = &waE2E.Message{ImageMessage: &waE2E.ImageMessage{}}
	svc.handleEvent(evt)

	// 2. Own outgoing message echoed back.
	own := textMessageEvent("15551112222", "my own words")
	own.Info.MessageSource.IsFromMe = true
	svc.handleEvent(own)

	// 3. Group chatter.
	group := textMessageEvent("15551112222", "group chatter")
	group.Info.MessageSource.IsGroup = true
	svc.handleEvent(group)

	select {
	case resp := <-svc.Responses():
		t.Fatalf("Expected no response, got %q", resp.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleIncomingMessage_RespectsGate(t *testing.T) {
	svc := newTestWhatsAppService()
	svc.gate = &stubGate{blocked: map[string]bool{"15559998888": true}}

	svc.handleEvent(textMessageEvent("15559998888", "blocked chatter"))
	svc.handleEvent(textMessageEvent("15551112222", "allowed chatter"))

	select {
	case resp := <-svc.Responses():
		if resp.From != "15551112222" {
			t.Errorf("Expected only the allowed sender, got %q", resp.From)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected the allowed message to be emitted")
	}
	select {
	case resp := <-svc.Responses():
		t.Fatalf("Expected the blocked message to be dropped, got %q", resp.Body)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHandleMessageReceipt(t *testing.T) {
	svc := newTestWhatsAppService()

	svc.handleEvent(&events.Receipt{
		MessageSource: types.MessageSource{
			Sender: types.NewJID("15551112222", types.DefaultUserServer),
		},
		Timestamp: time.Unix(1750000123, 0),
		Type:      types.ReceiptTypeRead,
	})

	select {
	case receipt := <-svc.Receipts():
		if receipt.Status != models.MessageStatusRead {
			t.Errorf("Expected read status, got %s", receipt.Status)
		}
		if receipt.To != "15551112222" {
			t.Errorf("Expected receipt for 15551112222, got %q", receipt.To)
		}
	case <-time.After(time.Second):
		t.Fatal("Expected a receipt to be emitted, got none")
	}

	// Self-read receipts are noise and get skipped.
	svc.handleEvent(&events.Receipt{
		MessageSource: types.MessageSource{
			Sender: types.NewJID("15551112222", types.DefaultUserServer),
		},
		Type: types.ReceiptTypeReadSelf,
	})
	select {
	case receipt := <-svc.Receipts():
		t.Fatalf("Expected no receipt for self-read, got %s", receipt.Status)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWhatsAppService_Canonicalization(t *testing.T) {
	svc := newTestWhatsAppService()
	got, err := svc.ValidateAndCanonicalizeRecipient("+1 (555) 111-2222")
	if err != nil {
		t.Fatalf("Failed to canonicalize: %v", err)
	}
	if got != "15551112222" {
		t.Errorf("Expected 15551112222, got %q", got)
	}
}
