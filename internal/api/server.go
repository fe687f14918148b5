package api

import (
	"context"
	"crypto/tls"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/org/webguard/internal/auth"
	"github.com/org/webguard/internal/host"
	"github.com/org/webguard/internal/notify"
	"github.com/org/webguard/internal/policy"
	"github.com/org/webguard/internal/storage"
	"github.com/rs/zerolog/log"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string
	TLSCertFile   string
	TLSKeyFile    string
	DBUrl         string
	APIToken      string
	MFAPinHash    string // bcrypt hash of the admin PIN
	MFAPin        string // plaintext fallback for dev setups
	MigrationsDir string
}

// Server is the API server the browser extension talks to.
type Server struct {
	store    storage.Backend
	engine   *policy.Engine
	commands *host.CommandQueue
	notices  *notify.Buffer
	cfg      Config
	httpSrv  *http.Server
}

// NewServer creates a fully wired Server.
func NewServer(store storage.Backend, cfg Config) *Server {
	commands := host.NewCommandQueue(256)
	notices := notify.NewBuffer(256)
	dispatcher := notify.Fanout{notify.LogDispatcher{}, notices}

	var pins auth.PinVerifier
	if cfg.MFAPinHash != "" {
		pins = auth.NewBcryptVerifier(cfg.MFAPinHash)
	} else {
		pins = auth.NewStaticVerifier(cfg.MFAPin)
	}

	engine := policy.NewEngine(store, commands, dispatcher, pins)

	return &Server{
		store:    store,
		engine:   engine,
		commands: commands,
		notices:  notices,
		cfg:      cfg,
	}
}

// Engine exposes the policy engine (for startup loading and janitors).
func (s *Server) Engine() *policy.Engine {
	return s.engine
}

// BuildRouter wires up all routes and returns a chi router.
func (s *Server) BuildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(chimiddleware.Recoverer)
	r.Use(requestIDMiddleware)
	r.Use(metricsMiddleware)
	r.Use(newRateLimiter(100, 200).middleware)

	// Unauthenticated surface
	r.Get("/healthz", s.HealthHandler)
	r.Handle("/metrics", MetricsHandler())

	// Everything else requires the shared extension token
	r.Group(func(r chi.Router) {
		r.Use(authMiddleware(s.cfg.APIToken))

		// Decisions and signals
		r.Post("/v1/decide", s.DecideHandler)
		r.Post("/v1/signals", s.SignalHandler)

		// Downloads
		r.Post("/v1/downloads/created", s.DownloadCreatedHandler)
		r.Post("/v1/downloads/{id}/allow", s.DownloadAllowHandler)
		r.Get("/v1/downloads", s.DownloadsListHandler)
		r.Get("/v1/host/commands", s.HostCommandsHandler)

		// Policy state
		r.Get("/v1/settings", s.SettingsGetHandler)
		r.Patch("/v1/settings", s.SettingsPatchHandler)
		r.Put("/v1/role", s.RoleHandler)
		r.Get("/v1/whitelist", s.WhitelistListHandler)
		r.Post("/v1/whitelist", s.WhitelistAddHandler)
		r.Delete("/v1/whitelist", s.WhitelistDeleteHandler)
		r.Post("/v1/temp-allow", s.TempAllowGrantHandler)
		r.Get("/v1/temp-allow", s.TempAllowQueryHandler)
		r.Post("/v1/mfa/verify", s.MFAVerifyHandler)
		r.Post("/v1/sensors/unlock", s.SensorsUnlockHandler)
		r.Post("/v1/self-destruct", s.SelfDestructHandler)

		// Observability for the popup
		r.Get("/v1/logs", s.LogsGetHandler)
		r.Post("/v1/logs", s.LogsPostHandler)
		r.Get("/v1/stats", s.StatsHandler)
		r.Get("/v1/risk", s.RiskHandler)
		r.Get("/v1/notices", s.NoticesHandler)
	})

	return r
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": "1.0.0",
	})
}

// Start begins listening on the configured address.
func (s *Server) Start() error {
	handler := s.BuildRouter()

	s.httpSrv = &http.Server{
		Addr:         s.cfg.ListenAddr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	if s.cfg.TLSCertFile != "" && s.cfg.TLSKeyFile != "" {
		tlsCfg := &tls.Config{
			MinVersion: tls.VersionTLS12,
			CurvePreferences: []tls.CurveID{
				tls.CurveP256,
				tls.X25519,
			},
		}
		s.httpSrv.TLSConfig = tlsCfg
		log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTPS server")
		return s.httpSrv.ListenAndServeTLS(s.cfg.TLSCertFile, s.cfg.TLSKeyFile)
	}

	log.Info().Str("addr", s.cfg.ListenAddr).Msg("starting HTTP server")
	return s.httpSrv.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}
