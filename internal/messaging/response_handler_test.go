package messaging

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/models"
)

type sentMessage struct {
	To   string
	Body string
}

type stubMsgService struct {
	mu        sync.Mutex
	sent      []sentMessage
	sendErr   error
	responses chan models.Response
	receipts  chan models.Receipt
}

func newStubMsgService() *stubMsgService {
	return &stubMsgService{
		responses: make(chan models.Response, 10),
		receipts:  make(chan models.Receipt, 10),
	}
}

func (s *stubMsgService) ValidateAndCanonicalizeRecipient(recipient string) (string, error) {
	return canonicalizePhone(recipient)
}

func (s *stubMsgService) SendMessage(ctx context.Context, to string, body string) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, sentMessage{To: to, Body: body})
	return nil
}

func (s *stubMsgService) Start(ctx context.Context) error { return nil }
func (s *stubMsgService) Stop() error                     { return nil }

func (s *stubMsgService) Receipts() <-chan models.Receipt   { return s.receipts }
func (s *stubMsgService) Responses() <-chan models.Response { return s.responses }

func (s *stubMsgService) sentMessages() []sentMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]sentMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

type processorCall struct {
	Sender   string
	Body     string
	MediaURL string
}

type stubMessageProcessor struct {
	mu    sync.Mutex
	calls []processorCall
	reply string
	err   error
}

func (p *stubMessageProcessor) ProcessMessage(ctx context.Context, senderID, body, mediaURL string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls = append(p.calls, processorCall{Sender: senderID, Body: body, MediaURL: mediaURL})
	return p.reply, p.err
}

func (p *stubMessageProcessor) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

func TestProcessResponse_DefaultPathSendsReply(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{reply: "Thanks for sharing."}
	rh := NewResponseHandler(svc, proc)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "whatsapp:+15551112222",
		Body: "I liked the workshops",
		Time: time.Now().Unix(),
	})
	if err != nil {
		t.Fatalf("Failed to process response: %v", err)
	}

	if proc.callCount() != 1 {
		t.Fatalf("Expected 1 processor call, got %d", proc.callCount())
	}
	if proc.calls[0].Sender != "15551112222" {
		t.Errorf("Expected canonicalized sender, got %q", proc.calls[0].Sender)
	}
	sent := svc.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 sent reply, got %d", len(sent))
	}
	if sent[0].To != "15551112222" || sent[0].Body != "Thanks for sharing." {
		t.Errorf("Unexpected reply %+v", sent[0])
	}
}

func TestProcessResponse_SilentTurnSendsNothing(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{reply: ""}
	rh := NewResponseHandler(svc, proc)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "whatsapp:+15551112222",
		Body: "duplicate",
	})
	if err != nil {
		t.Fatalf("Failed to process response: %v", err)
	}
	if len(svc.sentMessages()) != 0 {
		t.Errorf("Expected no reply for a silent turn, got %d", len(svc.sentMessages()))
	}
}

func TestProcessResponse_ProcessorErrorNotifiesParticipant(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{err: fmt.Errorf("model unavailable")}
	rh := NewResponseHandler(svc, proc)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From: "whatsapp:+15551112222",
		Body: "hello",
	})
	if err == nil {
		t.Fatal("Expected an error from a failing processor")
	}
	sent := svc.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 error notice, got %d messages", len(sent))
	}
	if sent[0].Body != processingErrorNotice {
		t.Errorf("Expected the processing error notice, got %q", sent[0].Body)
	}
}

func TestProcessResponse_UnsupportedMediaNotice(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{err: fmt.Errorf("fetch: %w", models.ErrUnsupportedMediaType)}
	rh := NewResponseHandler(svc, proc)

	err := rh.ProcessResponse(context.Background(), models.Response{
		From:     "whatsapp:+15551112222",
		MediaURL: "https://api.twilio.com/media/ME123",
	})
	if err != nil {
		t.Fatalf("Expected unsupported media to be handled without error, got %v", err)
	}
	sent := svc.sentMessages()
	if len(sent) != 1 {
		t.Fatalf("Expected 1 notice, got %d messages", len(sent))
	}
	if sent[0].Body != unsupportedMediaNotice {
		t.Errorf("Expected the unsupported media notice, got %q", sent[0].Body)
	}
}

func TestProcessResponse_HookTakesPrecedence(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{reply: "default reply"}
	rh := NewResponseHandler(svc, proc)

	var hookCalls int
	err := rh.RegisterHook("whatsapp:+15551112222", func(ctx context.Context, from, body string, timestamp int64) (bool, error) {
		hookCalls++
		if from != "15551112222" {
			t.Errorf("Expected canonicalized sender in hook, got %q", from)
		}
		return true, nil
	})
	if err != nil {
		t.Fatalf("Failed to register hook: %v", err)
	}

	// 1. Hook handles the response; the processor never runs.
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+15551112222", Body: "hi"}); err != nil {
		t.Fatalf("Failed to process response: %v", err)
	}
	if hookCalls != 1 {
		t.Errorf("Expected 1 hook call, got %d", hookCalls)
	}
	if proc.callCount() != 0 {
		t.Errorf("Expected handled response to skip the processor, got %d calls", proc.callCount())
	}

	// 2. Other senders still hit the default processor.
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+15553334444", Body: "hi"}); err != nil {
		t.Fatalf("Failed to process response: %v", err)
	}
	if proc.callCount() != 1 {
		t.Errorf("Expected unhooked sender to reach the processor, got %d calls", proc.callCount())
	}

	// 3. After unregistering, the hooked sender falls through too.
	if err := rh.UnregisterHook("15551112222"); err != nil {
		t.Fatalf("Failed to unregister hook: %v", err)
	}
	if rh.IsHookRegistered("whatsapp:+15551112222") {
		t.Error("Expected hook to be unregistered")
	}
	if err := rh.ProcessResponse(context.Background(), models.Response{From: "+15551112222", Body: "hi"}); err != nil {
		t.Fatalf("Failed to process response: %v", err)
	}
	if proc.callCount() != 2 {
		t.Errorf("Expected unhooked sender to reach the processor, got %d calls", proc.callCount())
	}
}

func TestProcessResponse_UnhandledHookFallsThrough(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{reply: "default reply"}
	rh := NewResponseHandler(svc, proc)

	if err := rh.RegisterHook("15551112222", func(ctx context.Context, from, body string, timestamp int64) (bool, error) {
		return false, nil
	}); err != nil {
		t.Fatalf("Failed to register hook: %v", err)
	}
	if rh.GetHookCount() != 1 {
		t.Errorf("Expected 1 registered hook, got %d", rh.GetHookCount())
	}

	if err := rh.ProcessResponse(context.Background(), models.Response{From: "15551112222", Body: "hi"}); err != nil {
		t.Fatalf("Failed to process response: %v", err)
	}
	if proc.callCount() != 1 {
		t.Errorf("Expected unhandled response to fall through to the processor, got %d calls", proc.callCount())
	}
	sent := svc.sentMessages()
	if len(sent) != 1 || sent[0].Body != "default reply" {
		t.Errorf("Expected the default reply to be sent, got %+v", sent)
	}
}

func TestProcessResponse_HookErrorNotifies(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{}
	rh := NewResponseHandler(svc, proc)

	if err := rh.RegisterHook("15551112222", func(ctx context.Context, from, body string, timestamp int64) (bool, error) {
		return false, fmt.Errorf("hook exploded")
	}); err != nil {
		t.Fatalf("Failed to register hook: %v", err)
	}

	err := rh.ProcessResponse(context.Background(), models.Response{From: "15551112222", Body: "hi"})
	if err == nil {
		t.Fatal("Expected an error from a failing hook")
	}
	if proc.callCount() != 0 {
		t.Errorf("Expected failing hook to short-circuit the processor, got %d calls", proc.callCount())
	}
	sent := svc.sentMessages()
	if len(sent) != 1 || sent[0].Body != processingErrorNotice {
		t.Errorf("Expected the processing error notice, got %+v", sent)
	}
}

func TestResponseHandler_StartConsumesChannel(t *testing.T) {
	svc := newStubMsgService()
	proc := &stubMessageProcessor{reply: "got it"}
	rh := NewResponseHandler(svc, proc)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	rh.Start(ctx)

	svc.responses <- models.Response{From: "+15551112222", Body: "first"}
	svc.responses <- models.Response{From: "+15551112222", Body: "second"}

	deadline := time.After(2 * time.Second)
	for proc.callCount() < 2 {
		select {
		case <-deadline:
			t.Fatalf("Expected 2 processed turns, got %d", proc.callCount())
		case <-time.After(10 * time.Millisecond):
		}
	}
	if len(svc.sentMessages()) != 2 {
		t.Errorf("Expected 2 replies, got %d", len(svc.sentMessages()))
	}
}
