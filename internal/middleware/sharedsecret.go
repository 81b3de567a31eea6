package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/logging"
)

// SharedSecretHeader carries the static secret for webhook style callers.
const SharedSecretHeader = "X-Webhook-Secret"

// SharedSecretMiddleware admits requests presenting a static shared secret,
// either in SharedSecretHeader or as a "secret" query parameter.
type SharedSecretMiddleware struct {
	secret []byte
	logger *logging.Logger
}

// NewSharedSecretMiddleware creates the middleware. An empty secret rejects everything.
func NewSharedSecretMiddleware(secret string, logger *logging.Logger) *SharedSecretMiddleware {
	return &SharedSecretMiddleware{secret: []byte(secret), logger: logger}
}

// Handler returns the middleware handler.
func (m *SharedSecretMiddleware) Handler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		presented := r.Header.Get(SharedSecretHeader)
		if presented == "" {
			presented = r.URL.Query().Get("secret")
		}

		if len(m.secret) == 0 || subtle.ConstantTimeCompare([]byte(presented), m.secret) != 1 {
			m.logger.LogSecurityEvent(r.Context(), "shared_secret_rejected", map[string]interface{}{
				"path":    r.URL.Path,
				"present": presented != "",
			})
			httputil.WriteError(w, r, errors.Unauthorized("invalid shared secret"))
			return
		}

		next.ServeHTTP(w, r)
	})
}
