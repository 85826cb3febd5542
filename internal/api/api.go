// Package api provides the HTTP surface and the main server assembly for
// EventTalk.
//
// It exposes the Twilio inbound webhook, a health check, and operator
// endpoints for event configuration, the blocklist, and per-event statistics.
// Run wires the full service together: store, language model client,
// messaging transport, conversation flow, and the HTTP server.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/AOI-Deliberation/EventTalk/internal/flow"
	"github.com/AOI-Deliberation/EventTalk/internal/genai"
	"github.com/AOI-Deliberation/EventTalk/internal/messaging"
	"github.com/AOI-Deliberation/EventTalk/internal/store"
	"github.com/AOI-Deliberation/EventTalk/internal/twiliowhatsapp"
	"github.com/AOI-Deliberation/EventTalk/internal/whatsapp"
)

const (
	// DefaultAPIAddr is the listen address when none is configured.
	DefaultAPIAddr = ":8080"
	// DefaultShutdownTimeout bounds graceful HTTP shutdown.
	DefaultShutdownTimeout = 10 * time.Second
	// DefaultReadHeaderTimeout guards against slow-header clients.
	DefaultReadHeaderTimeout = 10 * time.Second
)

// Messaging backend names accepted by WithMessagingBackend.
const (
	BackendTwilio    = "twilio"
	BackendWhatsmeow = "whatsmeow"
)

// Opts holds configuration options for the API server.
type Opts struct {
	Addr    string
	Backend string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the API server listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithMessagingBackend selects the messaging transport: "twilio" (default)
// or "whatsmeow".
func WithMessagingBackend(backend string) Option {
	return func(o *Opts) { o.Backend = backend }
}

// Server hosts the EventTalk HTTP endpoints.
type Server struct {
	msgService  messaging.Service
	respHandler *messaging.ResponseHandler
	st          store.Store
	addr        string
	webhook     http.HandlerFunc
	httpServer  *http.Server
}

// NewServer creates an API server over the given collaborators. webhook is
// the transport's inbound handler and may be nil when the backend has none.
func NewServer(msgService messaging.Service, respHandler *messaging.ResponseHandler, st store.Store, addr string, webhook http.HandlerFunc) *Server {
	if addr == "" {
		addr = DefaultAPIAddr
	}
	return &Server{
		msgService:  msgService,
		respHandler: respHandler,
		st:          st,
		addr:        addr,
		webhook:     webhook,
	}
}

// Handler builds the route table. Exposed so tests can serve the API without
// binding a socket.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	if s.webhook != nil {
		mux.HandleFunc("/webhook/twilio", s.webhook)
	}
	mux.HandleFunc("/health", s.healthHandler)
	mux.HandleFunc("/api/v1/events", s.eventsHandler)
	mux.HandleFunc("/api/v1/events/", s.eventsHandler)
	mux.HandleFunc("/api/v1/blocklist", s.blocklistHandler)
	mux.HandleFunc("/api/v1/blocklist/", s.blocklistHandler)
	mux.HandleFunc("/api/v1/stats", s.statsHandler)
	return mux
}

// Start runs the HTTP server until it is shut down. A closed server returns
// nil.
func (s *Server) Start() error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: DefaultReadHeaderTimeout,
	}
	slog.Info("API server listening", "addr", s.addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// Run assembles the whole service from module options and blocks until a
// termination signal or a fatal server error.
func Run(waOpts []whatsapp.Option, twilioOpts []twiliowhatsapp.Option, storeOpts []store.Option, genaiOpts []genai.Option, apiOpts []Option) error {
	var cfg Opts
	for _, opt := range apiOpts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAPIAddr
	}
	if cfg.Backend == "" {
		cfg.Backend = BackendTwilio
	}
	slog.Info("Assembling EventTalk", "backend", cfg.Backend, "addr", cfg.Addr)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	st, err := store.NewStore(ctx, storeOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize store: %w", err)
	}
	defer st.Close()

	gaClient, err := genai.NewClient(genaiOpts...)
	if err != nil {
		return fmt.Errorf("failed to initialize GenAI client: %w", err)
	}

	blocklist := flow.NewBlocklist(st)

	var (
		msgService messaging.Service
		webhook    http.HandlerFunc
		flowOpts   []flow.Option
	)
	switch cfg.Backend {
	case BackendTwilio:
		client, err := twiliowhatsapp.NewClient(twilioOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize Twilio client: %w", err)
		}
		svc := messaging.NewTwilioService(client, messaging.WithSenderGate(blocklist))
		msgService = svc
		webhook = svc.WebhookHandler
		// Twilio hosts inbound voice notes; fetch them for transcription.
		flowOpts = append(flowOpts, flow.WithMediaFetcher(client))
	case BackendWhatsmeow:
		waClient, err := whatsapp.NewClient(waOpts...)
		if err != nil {
			return fmt.Errorf("failed to initialize WhatsApp client: %w", err)
		}
		msgService = messaging.NewWhatsAppService(waClient, messaging.WithWhatsAppSenderGate(blocklist))
	default:
		return fmt.Errorf("unknown messaging backend %q", cfg.Backend)
	}

	convFlow := flow.NewConversationFlow(st, gaClient, flowOpts...)
	respHandler := messaging.NewResponseHandler(msgService, convFlow)

	if err := msgService.Start(ctx); err != nil {
		return fmt.Errorf("failed to start messaging service: %w", err)
	}
	defer func() {
		if err := msgService.Stop(); err != nil {
			slog.Error("Failed to stop messaging service", "error", err)
		}
	}()
	respHandler.Start(ctx)

	server := NewServer(msgService, respHandler, st, cfg.Addr, webhook)
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	select {
	case sig := <-sigCh:
		slog.Info("Received shutdown signal", "signal", sig.String())
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("API server failed: %w", err)
		}
		return nil
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		slog.Error("API server shutdown failed", "error", err)
	}
	return nil
}
