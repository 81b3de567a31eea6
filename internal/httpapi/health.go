package httpapi

import (
	"net/http"
	"time"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string          `json:"status"`
	Version   string          `json:"version,omitempty"`
	Uptime    string          `json:"uptime"`
	Timestamp time.Time       `json:"timestamp"`
	Features  map[string]bool `json:"features"`
}

func (a *API) health(w http.ResponseWriter, r *http.Request) {
	ok(w, HealthResponse{
		Status:    "healthy",
		Version:   a.version,
		Uptime:    time.Since(a.started).Round(time.Second).String(),
		Timestamp: time.Now().UTC(),
		Features: map[string]bool{
			"content_store": a.content != nil,
			"github_oauth":  a.oauth != nil,
			"push":          a.notifications != nil,
		},
	})
}

func notFoundRoute(r *http.Request) error {
	return svcerrors.New(svcerrors.CodeNotFound, "route "+r.Method+" "+r.URL.Path+" not found", http.StatusNotFound, nil)
}
