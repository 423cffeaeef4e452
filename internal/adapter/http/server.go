// Package adapthttp implements the HTTP adapter for the application.
package adapthttp

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"bottlesync/internal/app"
	"bottlesync/internal/domain"
)

const apiPrefix = "/api"

// Coordinator is the slice of app.PollCoordinator the HTTP surface drives.
type Coordinator interface {
	Snapshot() app.Snapshot
	CurrentHistory() domain.DailyHistory
	TimeUntilNextDrink(now time.Time) (time.Duration, bool)
	Configure(ctx context.Context, cfg domain.ScheduleConfig) error
	StartPolling()
	StopPolling()
	PollOnce()
	Disconnect()
	Subscribe(buffer int) (<-chan app.Event, func())
}

// Server is the driving HTTP adapter that routes requests to application
// services.
type Server struct {
	coord       Coordinator
	drinks      *app.DrinkService
	charts      *app.ChartsService
	authSvc     *app.AuthService
	webDir      string
	oidcConfig  OIDCConfig
	sessionTTL  time.Duration
	disableAuth bool
	now         func() time.Time
	log         zerolog.Logger

	// routes holds every registered /api path; other paths share one
	// metrics label.
	routes map[string]struct{}
}

// New creates a Server wired to the given application services.
func New(coord Coordinator, drinks *app.DrinkService, charts *app.ChartsService, authSvc *app.AuthService, webDir string) *Server {
	return &Server{
		coord:      coord,
		drinks:     drinks,
		charts:     charts,
		authSvc:    authSvc,
		webDir:     webDir,
		sessionTTL: app.DefaultSessionTTL,
		now:        time.Now,
		log:        zerolog.Nop(),
	}
}

// WithoutAuth disables authentication. Used by tests and AUTH_DISABLED.
func (s *Server) WithoutAuth() *Server {
	s.disableAuth = true
	return s
}

// WithOIDC enables SSO login.
func (s *Server) WithOIDC(cfg OIDCConfig) *Server {
	s.oidcConfig = cfg
	return s
}

// WithLogger sets the access and error logger.
func (s *Server) WithLogger(l zerolog.Logger) *Server {
	s.log = l.With().Str("component", "http").Logger()
	return s
}

// WithSessionTTL sets the session cookie lifetime.
func (s *Server) WithSessionTTL(ttl time.Duration) *Server {
	if ttl > 0 {
		s.sessionTTL = ttl
	}
	return s
}

// Handler returns the root http.Handler for the application.
func (s *Server) Handler() http.Handler {
	s.routes = make(map[string]struct{})
	route := func(mux *http.ServeMux, path string, h http.HandlerFunc) {
		mux.HandleFunc(path, h)
		s.routes[apiPrefix+path] = struct{}{}
	}

	api := http.NewServeMux()
	route(api, "/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
	})

	// Public auth endpoints.
	route(api, "/login", s.handleLogin)
	route(api, "/logout", s.handleLogout)
	route(api, "/setup", s.handleSetupUser)
	route(api, "/config", s.handleConfig)
	route(api, "/sso/login", s.handleSSOLogin)
	route(api, "/sso/callback", s.handleSSOCallback)

	protected := http.NewServeMux()
	route(protected, "/history/today", s.handleHistoryToday)
	route(protected, "/reminder/next", s.handleReminderNext)
	route(protected, "/schedule", s.handleSchedule)
	route(protected, "/state", s.handleState)
	route(protected, "/poll", s.handlePoll)
	route(protected, "/polling/start", s.handlePollingStart)
	route(protected, "/polling/stop", s.handlePollingStop)
	route(protected, "/disconnect", s.handleDisconnect)
	route(protected, "/drinks/recent", s.handleDrinksRecent)
	route(protected, "/drinks/total", s.handleDrinksTotal)
	route(protected, "/charts/daily", s.handleChartsDaily)
	route(protected, "/events", s.handleEvents)
	api.Handle("/", s.authMiddleware(protected))

	root := http.NewServeMux()
	root.Handle(apiPrefix+"/", http.StripPrefix(apiPrefix, api))
	root.Handle("/metrics", promhttp.Handler())
	if s.webDir != "" {
		root.Handle("/", spaFromDisk(s.webDir))
	}

	return s.requestID(s.loggingMiddleware(withNoCache(root)))
}
