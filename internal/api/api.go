// Package api provides the HTTP server for SpinPipe.
//
// It exposes the interaction endpoint used by external integrations, read-only views of
// the conversation log and audit trail, a health probe and, when the Twilio transport is
// active, the Twilio webhook.
package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/BTreeMap/SpinPipe/internal/models"
	"github.com/BTreeMap/SpinPipe/internal/store"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
)

// Constants for server configuration
const (
	// DefaultServerAddress is the default HTTP server address
	DefaultServerAddress = ":8080"
	// DefaultRequestTimeout bounds a single request, completion call included
	DefaultRequestTimeout = 90 * time.Second
	// DefaultShutdownTimeout bounds graceful shutdown
	DefaultShutdownTimeout = 10 * time.Second
	// MaxRequestBodyBytes limits JSON request bodies
	MaxRequestBodyBytes = 1 << 20
)

// Submitter runs one client turn (flow.Pipeline).
type Submitter interface {
	Submit(ctx context.Context, req models.InteractionRequest) (models.InteractionResult, error)
}

// Repository is the read side used by the audit endpoints.
type Repository interface {
	GetClientByExternalID(ctx context.Context, externalID string) (*models.Client, error)
	RecentMessages(ctx context.Context, clientID string, limit int) ([]models.Message, error)
	ListInteractions(ctx context.Context, clientID string) ([]models.Interaction, error)
}

// Opts holds configuration options for the API server.
type Opts struct {
	Addr           string
	RequestTimeout time.Duration
	TwilioWebhook  http.HandlerFunc
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) { o.Addr = addr }
}

// WithRequestTimeout overrides DefaultRequestTimeout.
func WithRequestTimeout(d time.Duration) Option {
	return func(o *Opts) { o.RequestTimeout = d }
}

// WithTwilioWebhook mounts the Twilio inbound webhook at POST /twilio/webhook.
func WithTwilioWebhook(h http.HandlerFunc) Option {
	return func(o *Opts) { o.TwilioWebhook = h }
}

// Server holds the dependencies of the HTTP API.
type Server struct {
	pipeline Submitter
	repo     Repository
	opts     Opts
	router   chi.Router
}

// NewServer creates a Server and builds its router.
func NewServer(pipeline Submitter, repo Repository, opts ...Option) *Server {
	cfg := Opts{Addr: DefaultServerAddress, RequestTimeout: DefaultRequestTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}
	s := &Server{pipeline: pipeline, repo: repo, opts: cfg}
	s.router = s.routes()
	return s
}

// Handler returns the HTTP handler of the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(requestLogger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(s.opts.RequestTimeout))

	r.Get("/health", s.healthHandler)

	r.Route("/api", func(r chi.Router) {
		r.Post("/interaction", s.interactionHandler)
		r.Post("/interaction/", s.interactionHandler)
		r.Get("/clients/{externalID}/interactions", s.listInteractionsHandler)
		r.Get("/clients/{externalID}/messages", s.listMessagesHandler)
	})

	if s.opts.TwilioWebhook != nil {
		r.Post("/twilio/webhook", s.opts.TwilioWebhook)
		slog.Info("Server: Twilio webhook mounted", "path", "/twilio/webhook")
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "Not found", nil)
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusMethodNotAllowed, "Method not allowed", nil)
	})
	return r
}

// requestLogger logs each request through slog.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := chiMiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		slog.Debug("Server: request served",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"requestID", chiMiddleware.GetReqID(r.Context()),
			"elapsed", time.Since(start))
	})
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.opts.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Server shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http server shutdown: %w", err)
	}
	return <-errCh
}

var _ Repository = (store.Store)(nil)
