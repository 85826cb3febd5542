package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/AOI-Deliberation/EventTalk/internal/messaging"
	"github.com/AOI-Deliberation/EventTalk/internal/store"
	"github.com/AOI-Deliberation/EventTalk/internal/testutil"
)

func newTestServer() (*Server, *store.InMemoryStore, *messaging.TwilioService) {
	msgService, st := testutil.NewTwilioFixture()
	server := NewServer(msgService, nil, st, "", msgService.WebhookHandler)
	return server, st, msgService
}

func serveRequest(s *Server, req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestNewServer_DefaultAddr(t *testing.T) {
	server, _, _ := newTestServer()
	if server.addr != DefaultAPIAddr {
		t.Errorf("Expected default addr %s, got %s", DefaultAPIAddr, server.addr)
	}

	custom := NewServer(nil, nil, store.NewInMemoryStore(), ":9999", nil)
	if custom.addr != ":9999" {
		t.Errorf("Expected custom addr :9999, got %s", custom.addr)
	}
}

func TestHandler_RoutesWebhookOnlyWhenConfigured(t *testing.T) {
	// 1. With a webhook configured, the route answers.
	server, _, _ := newTestServer()
	req := httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil)
	rec := serveRequest(server, req)
	if rec.Code == http.StatusNotFound {
		t.Error("Expected webhook route to be registered")
	}

	// 2. Without one, the route does not exist.
	bare := NewServer(nil, nil, store.NewInMemoryStore(), "", nil)
	rec = serveRequest(bare, httptest.NewRequest(http.MethodGet, "/webhook/twilio", nil))
	if rec.Code != http.StatusNotFound {
		t.Errorf("Expected 404 for unregistered webhook, got %d", rec.Code)
	}
}

func TestServer_ShutdownBeforeStart(t *testing.T) {
	server, _, _ := newTestServer()
	if err := server.Shutdown(context.Background()); err != nil {
		t.Errorf("Expected shutdown before start to be a no-op, got %v", err)
	}
}

func TestWebhookThroughRouter(t *testing.T) {
	server, _, msgService := newTestServer()

	req := httptest.NewRequest(http.MethodPost, "/webhook/twilio",
		formBody("From=whatsapp:%2B15551112222&Body=hello"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := serveRequest(server, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200 from webhook, got %d", rec.Code)
	}

	select {
	case resp := <-msgService.Responses():
		if resp.Body != "hello" {
			t.Errorf("Expected webhook message to be emitted, got %q", resp.Body)
		}
	default:
		t.Fatal("Expected a response on the messaging channel")
	}
}
