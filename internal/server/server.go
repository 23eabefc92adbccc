package server

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/civicchain/civic-gateway/internal/backend"
	"github.com/civicchain/civic-gateway/internal/engagement"
	"github.com/civicchain/civic-gateway/internal/geocode"
	"github.com/civicchain/civic-gateway/internal/identity"
	"github.com/civicchain/civic-gateway/internal/issuecache"
	"github.com/civicchain/civic-gateway/internal/model"
	"github.com/civicchain/civic-gateway/internal/store"
	"github.com/go-chi/chi/v5"
)

// Config holds server configuration.
type Config struct {
	ListenAddr     string
	DBPath         string
	BaseURL        string
	BackendURL     string
	GoogleClientID string
	GoogleSecret   string
	SessionSecret  string
	// JWTSecret signs identity tokens presented to the backend.
	JWTSecret   string
	ExplorerURL string
	// DefaultLocation is used when the caller has no location of their own.
	DefaultLocation model.Location
	DraftTTL        time.Duration
	SearchDebounce  time.Duration
	RateLimits      RateLimiterConfig
}

// Server is the HTTP front of the civic gateway.
type Server struct {
	config     Config
	store      store.Store
	backend    *backend.Client
	bridge     *identity.Bridge
	engagement *engagement.Service
	geocoder   *geocode.Geocoder
	debouncer  *geocode.Debouncer
	cache      issuecache.Cache
	rl         *RateLimiter
	reports    ReportLimiter
	drafts     *draftRegistry
	logger     *slog.Logger
	router     chi.Router
}

// NewServer creates a Server. The issue cache defaults to an in-process
// one and per-user report limits to the in-process token buckets.
func NewServer(cfg Config, s store.Store, be *backend.Client, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.RateLimits == (RateLimiterConfig{}) {
		cfg.RateLimits = DefaultRateLimiterConfig()
	}
	if !cfg.DefaultLocation.Valid() {
		cfg.DefaultLocation = model.DefaultLocation
	}
	if cfg.ExplorerURL == "" {
		cfg.ExplorerURL = model.DefaultExplorerURL
	}

	srv := &Server{
		config:    cfg,
		store:     s,
		backend:   be,
		bridge:    identity.NewBridge(cfg.JWTSecret, be),
		debouncer: geocode.NewDebouncer(cfg.SearchDebounce),
		cache:     issuecache.NewMemory(issuecache.DefaultTTL),
		rl:        NewRateLimiter(cfg.RateLimits),
		drafts:    newDraftRegistry(cfg.DraftTTL),
		logger:    logger,
	}
	srv.reports = srv.rl
	srv.engagement = engagement.NewService(cfg.ExplorerURL, invalidatorFunc(func(ctx context.Context) error {
		return srv.cache.Invalidate(ctx)
	}), logger)

	srv.router = srv.routes()
	return srv
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware(s.logger))
	r.Use(RecoveryMiddleware(s.logger))
	r.Use(SecurityHeadersMiddleware)
	r.Use(IPRateLimitMiddleware(s.rl, s.rl.config.GeneralRequestsPerMin))
	r.Use(CSRFMiddleware([]byte(s.config.SessionSecret)))
	r.Use(s.SessionMiddleware)

	reportLimit := ReportRateLimitMiddleware(s.rl, s.reports, s.logger)

	r.Get("/healthz", s.HandleHealth)

	// Identity provider.
	r.Get("/auth/google", s.HandleGoogleLogin)
	r.Get("/auth/google/callback", s.HandleGoogleCallback)
	r.Post("/auth/logout", s.HandleLogout)
	r.Get("/api/auth/session", s.HandleSession)
	r.Post("/api/auth/login", s.HandleAuthLogin)

	r.Route("/api", func(r chi.Router) {
		// Passthrough gateway.
		r.Get("/admin/dashboard", s.proxy(fixedPath("/admin/dashboard"), false))
		r.Get("/admin/issues", s.HandleAdminIssues)
		r.Get("/issues", s.HandleIssues)
		r.Get("/issue/{id}", s.proxy(idPath("/issue/", ""), false))
		r.Get("/user/{id}", s.proxy(idPath("/user/", ""), false))
		r.Post("/issues/{id}/upvote", s.proxy(idPath("/issue/", "/upvote"), true))
		r.Post("/issues/{id}/downvote", s.proxy(idPath("/issue/", "/downvote"), true))
		r.Post("/issues/classify", s.proxy(fixedPath("/issue/classify"), false))
		r.With(reportLimit).Post("/issues/report", s.proxy(fixedPath("/issues/report"), true))
		r.Post("/issue/{id}/update-status", s.HandleUpdateStatusProxy)
		r.Post("/issue/{id}/verify", s.HandleVerifyProxy)

		// Composite views.
		r.Get("/issue/{id}/view", s.HandleIssueView)

		// Engagement actions returning notices.
		r.Route("/engage/{id}", func(r chi.Router) {
			r.Use(RequireCredential)
			r.Post("/upvote", s.HandleUpvote)
			r.Post("/downvote", s.HandleDownvote)
			r.Post("/verify", s.HandleVerify)
			r.Post("/status", s.HandleStatus)
		})

		// Submission wizard.
		r.Route("/wizard", func(r chi.Router) {
			r.Use(RequireCredential)
			r.Post("/", s.HandleWizardOpen)
			r.Route("/{draftID}", func(r chi.Router) {
				r.Get("/", s.HandleWizardGet)
				r.Delete("/", s.HandleWizardCancel)
				r.Post("/upload", s.HandleWizardUpload)
				r.Post("/category", s.HandleWizardCategory)
				r.Post("/category/confirm", s.HandleWizardCategoryConfirm)
				r.Post("/description", s.HandleWizardDescription)
				r.Post("/description/confirm", s.HandleWizardDescriptionConfirm)
				r.Post("/location", s.HandleWizardLocation)
				r.Post("/location/confirm", s.HandleWizardLocationConfirm)
				r.With(reportLimit).Post("/submit", s.HandleWizardSubmit)
			})
		})

		// Geocoding.
		r.Get("/geocode/reverse", s.HandleReverseGeocode)
		r.Get("/geocode/search", s.HandleSearchGeocode)
	})

	return r
}

// Handler returns the HTTP handler for the server.
func (s *Server) Handler() http.Handler {
	return s.router
}

// SetGeocoder configures reverse and forward geocoding.
func (s *Server) SetGeocoder(g *geocode.Geocoder) {
	s.geocoder = g
}

// SetIssueCache replaces the in-process issue list cache, typically with
// a shared Redis one.
func (s *Server) SetIssueCache(c issuecache.Cache) {
	s.cache = c
}

// SetReportLimiter replaces the per-user report allowance. The router
// reads it at construction, so the routes are rebuilt.
func (s *Server) SetReportLimiter(l ReportLimiter) {
	s.reports = l
	s.router = s.routes()
}

// Run performs periodic housekeeping until ctx is cancelled.
func (s *Server) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.housekeep(ctx)
		}
	}
}

// sweeper is implemented by caches that hold expired entries until swept.
// Redis expires its own keys.
type sweeper interface {
	Sweep() int
}

func (s *Server) housekeep(ctx context.Context) {
	if n := s.drafts.sweep(); n > 0 {
		s.logger.Info("expired wizard drafts", "count", n)
	}
	if c, ok := s.cache.(sweeper); ok {
		if n := c.Sweep(); n > 0 {
			s.logger.Debug("expired issue list entries", "count", n)
		}
	}
	if err := s.store.DeleteExpiredSessions(ctx); err != nil {
		s.logger.Warn("deleting expired sessions", "error", err)
	}
}

// Stop cleans up server resources.
func (s *Server) Stop() {
	s.rl.Stop()
}

// HandleHealth reports liveness.
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// backendFor returns the backend client bound to the caller's credential.
func (s *Server) backendFor(r *http.Request) *backend.Client {
	return s.backend.WithCredentials(callerCredentials(r))
}

func (s *Server) invalidateIssues(ctx context.Context) error {
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn("invalidating issue cache", "error", err)
		return err
	}
	return nil
}

// invalidatorFunc adapts a function to engagement.Invalidator.
type invalidatorFunc func(context.Context) error

func (f invalidatorFunc) Invalidate(ctx context.Context) error { return f(ctx) }
