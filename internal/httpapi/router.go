// Package httpapi wires the HTTP routes of the congregation API.
package httpapi

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/congregation-app/backend/internal/announcements"
	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/github"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/manifest"
	"github.com/congregation-app/backend/internal/metrics"
	"github.com/congregation-app/backend/internal/middleware"
	"github.com/congregation-app/backend/internal/notifications"
	"github.com/congregation-app/backend/internal/supabase"
)

// Deps are the collaborators the routes need. Content and OAuth may be nil,
// in which case the GitHub routes that need them are not mounted.
type Deps struct {
	Logger        *logging.Logger
	DB            *supabase.Client
	Images        *supabase.BucketClient
	Announcements *announcements.Service
	Notifications *notifications.Service
	Content       *manifest.Synchronizer
	OAuth         *github.OAuth

	JWTSecret     []byte
	TokenTTL      time.Duration
	WebhookSecret string

	CORSOrigins []string
	RateLimiter *middleware.RateLimiter
	Version     string
}

// API holds the route handlers.
type API struct {
	logger        *logging.Logger
	db            *supabase.Client
	images        *supabase.BucketClient
	announcements *announcements.Service
	notifications *notifications.Service
	content       *manifest.Synchronizer
	oauth         *github.OAuth

	jwtSecret     []byte
	tokenTTL      time.Duration
	webhookSecret string
	version       string
	started       time.Time
}

// NewRouter builds the full handler: tracing, CORS and rate limiting wrap a
// mux router that records per-route metrics.
func NewRouter(deps Deps) http.Handler {
	logger := deps.Logger
	if logger == nil {
		logger = logging.Default()
	}
	ttl := deps.TokenTTL
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	a := &API{
		logger:        logger,
		db:            deps.DB,
		images:        deps.Images,
		announcements: deps.Announcements,
		notifications: deps.Notifications,
		content:       deps.Content,
		oauth:         deps.OAuth,
		jwtSecret:     deps.JWTSecret,
		tokenTTL:      ttl,
		webhookSecret: deps.WebhookSecret,
		version:       deps.Version,
		started:       time.Now(),
	}

	router := mux.NewRouter()
	router.Use(middleware.MetricsMiddleware)

	router.HandleFunc("/health", a.health).Methods(http.MethodGet)
	router.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	a.registerAuth(router.PathPrefix("/auth").Subrouter())
	a.registerUsers(router.PathPrefix("/users").Subrouter())
	a.registerAnnouncements(router.PathPrefix("/announcements").Subrouter())
	a.registerCommunity(router)
	a.registerAttendance(router)
	a.registerVisitation(router.PathPrefix("/visitation").Subrouter())
	a.registerNotifications(router.PathPrefix("/notifications").Subrouter())
	a.registerUploads(router.PathPrefix("/uploads").Subrouter())
	a.registerGitHub(router.PathPrefix("/github").Subrouter())

	router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.fail(w, r, notFoundRoute(r))
	})
	router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		a.fail(w, r, svcerrors.New(svcerrors.CodeValidation, "method "+r.Method+" not allowed on "+r.URL.Path, http.StatusMethodNotAllowed, nil))
	})

	var handler http.Handler = router
	if deps.RateLimiter != nil {
		handler = deps.RateLimiter.Handler(handler)
	}
	handler = middleware.NewCORSMiddleware(deps.CORSOrigins).Handler(handler)
	handler = middleware.NewTracingMiddleware(logger).Handler(handler)
	return handler
}

// requireJWT wraps h with bearer JWT authentication.
func (a *API) requireJWT(h http.HandlerFunc) http.Handler {
	return middleware.NewAuthMiddleware(a.jwtSecret, a.logger, nil).Handler(h)
}
