package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/crypto/acme/autocert"

	"github.com/gembridge/gembridge/pkg/config"
	"github.com/gembridge/gembridge/pkg/conversations"
	"github.com/gembridge/gembridge/pkg/logstore"
	"github.com/gembridge/gembridge/pkg/session"
	"github.com/gembridge/gembridge/pkg/stats"
	"github.com/gembridge/gembridge/pkg/translate"
	"github.com/gembridge/gembridge/pkg/uploads"
)

// Server glues the bridge together: the OpenAI-compatible surface, the
// native and Google-style endpoints, the files API and the admin API, all
// in front of one authenticated backend session.
type Server struct {
	store      *config.Store
	sessions   *session.Manager
	translator *translate.Translator
	convs      *conversations.Store
	uploads    *uploads.Store
	stats      *stats.Collector
	logs       *logstore.Store
	admin      *AdminHandler
	logger     *log.Logger

	router     chi.Router
	httpServer *http.Server

	activeRequests atomic.Int64
	draining       atomic.Bool
}

// Option adjusts server construction; used by tests to swap the backend.
type Option func(*session.Options)

// WithSessionOptions overrides the session manager's tuning and factory.
func WithSessionOptions(o session.Options) Option {
	return func(dst *session.Options) { *dst = o }
}

func NewServer(configPath string, cfg *config.Config, logger *log.Logger, opts ...Option) (*Server, error) {
	store := config.NewStore(configPath, cfg)
	sessionOpts := session.Options{}
	for _, opt := range opts {
		opt(&sessionOpts)
	}
	sessions := session.NewManager(store, logger.With("component", "session"), sessionOpts)
	convs := conversations.NewStore()
	files := uploads.NewStore(cfg.Uploads.MaxFileMB, cfg.Uploads.TTLHours)
	translator := translate.New(sessions, convs, files, logger.With("component", "translate"), func() string {
		return store.Snapshot().DefaultModel
	})

	s := &Server{
		store:      store,
		sessions:   sessions,
		translator: translator,
		convs:      convs,
		uploads:    files,
		stats:      stats.NewCollector(),
		logs:       logstore.NewStore(cfg.Logs.MaxLines),
		logger:     logger,
	}
	s.admin = NewAdminHandler(s)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.lifecycleMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Route("/v1", func(v1 chi.Router) {
		v1.Get("/models", s.handleModels)
		v1.Post("/chat/completions", s.handleChatCompletions)
		v1.Post("/responses", s.handleResponses)
		v1.Post("/files", s.handleFileUpload)
		v1.Get("/files", s.handleFileList)
		v1.Get("/files/{id}", s.handleFileGet)
		v1.Get("/files/{id}/content", s.handleFileContent)
		v1.Delete("/files/{id}", s.handleFileDelete)
	})

	r.Post("/gemini", s.handleGemini)
	r.Post("/gemini-chat", s.handleGeminiChat)

	r.Route("/v1beta", func(beta chi.Router) {
		beta.Get("/models", s.handleBetaModels)
		beta.Post("/models/{modelAction}", s.handleBetaGenerate)
	})

	s.admin.RegisterRoutes(r)
	s.router = r

	s.httpServer = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      0,
		IdleTimeout:       120 * time.Second,
	}
	return s, nil
}

// Handler exposes the router, mostly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Store exposes the config store for the CLI layer.
func (s *Server) Store() *config.Store { return s.store }

// LogSink is the writer the process logger tees into.
func (s *Server) LogSink() *logstore.Store { return s.logs }

// Run serves until ctx is cancelled, then drains in-flight bridge requests
// before shutting down. The initial backend probe and the cookie rotation
// loop run in the background so startup never blocks on the network.
func (s *Server) Run(ctx context.Context) error {
	cfg := s.store.Snapshot()
	errCh := make(chan error, 2)

	go func() {
		initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		if err := s.sessions.Initialize(initCtx); err != nil {
			s.logger.Warn("initial backend probe failed", "err", err)
		}
	}()
	go s.sessions.RunRotation(ctx)
	go s.uploads.RunPruner(ctx.Done(), time.Hour)

	if cfg.TLS.Enabled {
		mgr := &autocert.Manager{
			Cache:      autocert.DirCache(cfg.TLS.CacheDir),
			Prompt:     autocert.AcceptTOS,
			HostPolicy: autocert.HostWhitelist(cfg.TLS.Domain),
			Email:      cfg.TLS.Email,
		}
		httpsSrv := &http.Server{
			Addr:              ":443",
			Handler:           s.httpServer.Handler,
			ReadHeaderTimeout: s.httpServer.ReadHeaderTimeout,
			ReadTimeout:       s.httpServer.ReadTimeout,
			WriteTimeout:      s.httpServer.WriteTimeout,
			IdleTimeout:       s.httpServer.IdleTimeout,
			TLSConfig:         &tls.Config{GetCertificate: mgr.GetCertificate, MinVersion: tls.VersionTLS12},
		}

		httpChallenge := &http.Server{
			Addr:              ":80",
			Handler:           mgr.HTTPHandler(http.HandlerFunc(redirectHTTPS)),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			s.logger.Info("http challenge/redirect listening", "addr", ":80")
			if err := httpChallenge.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http challenge server: %w", err)
			}
		}()
		go func() {
			s.logger.Info("https listening", "addr", ":443", "domain", cfg.TLS.Domain)
			if err := httpsSrv.ListenAndServeTLS("", ""); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("https server: %w", err)
			}
		}()

		<-ctx.Done()
		s.draining.Store(true)
		s.waitForIdle(ctx)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpChallenge.Shutdown(shutdownCtx)
		_ = httpsSrv.Shutdown(shutdownCtx)
		return firstErr(errCh)
	}

	go func() {
		s.logger.Info("bridge listening", "addr", cfg.ListenAddr)
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("bridge server: %w", err)
		}
	}()

	<-ctx.Done()
	s.draining.Store(true)
	s.waitForIdle(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(shutdownCtx)
	return firstErr(errCh)
}

func redirectHTTPS(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "https://"+r.Host+r.RequestURI, http.StatusMovedPermanently)
}

func isBridgePath(path string) bool {
	return strings.HasPrefix(path, "/v1/") ||
		strings.HasPrefix(path, "/v1beta/") ||
		strings.HasPrefix(path, "/gemini")
}

// lifecycleMiddleware tracks in-flight bridge requests for drain on
// shutdown and records per-endpoint counters.
func (s *Server) lifecycleMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !isBridgePath(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}
		if s.draining.Load() {
			w.Header().Set("Retry-After", "3")
			http.Error(w, "server shutting down", http.StatusServiceUnavailable)
			return
		}
		s.activeRequests.Add(1)
		defer s.activeRequests.Add(-1)

		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.stats.Record(statsEndpoint(r), rec.status < 400)
	})
}

// statsEndpoint collapses parameterized paths to a stable counter key.
func statsEndpoint(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if pattern := rctx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return r.URL.Path
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	wrote  bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wrote {
		r.status = status
		r.wrote = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(p []byte) (int, error) {
	r.wrote = true
	return r.ResponseWriter.Write(p)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) waitForIdle(ctx context.Context) {
	t := time.NewTicker(100 * time.Millisecond)
	defer t.Stop()
	deadline := time.Now().Add(15 * time.Second)
	for {
		if s.activeRequests.Load() <= 0 || time.Now().After(deadline) {
			return
		}
		select {
		case <-t.C:
		case <-time.After(time.Until(deadline)):
			return
		}
	}
}

func firstErr(errCh chan error) error {
	select {
	case err := <-errCh:
		return err
	default:
		return nil
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	status, lastErr := s.sessions.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"session_status": string(status),
		"session_error":  lastErr,
	})
}
