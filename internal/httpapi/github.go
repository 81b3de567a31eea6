package httpapi

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/manifest"
	"github.com/congregation-app/backend/internal/middleware"
)

const (
	maxWebhookBytes = 5 << 20

	oauthStateCookie = "gh_oauth_state"
	oauthStateTTL    = 10 * time.Minute
	oauthCookiePath  = "/github/oauth"
)

type fileWriteRequest struct {
	Path    string          `json:"path"`
	Content json.RawMessage `json:"content"`
	SHA     string          `json:"sha,omitempty"`
	Message string          `json:"message,omitempty"`
}

type folderRequest struct {
	Path string `json:"path"`
}

type batchRequest struct {
	IDs []string `json:"ids"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
	Login     string    `json:"login"`
	Name      string    `json:"name,omitempty"`
}

func (a *API) registerGitHub(r *mux.Router) {
	if a.oauth != nil {
		r.HandleFunc("/oauth/login", a.oauthLogin).Methods(http.MethodGet)
		r.HandleFunc("/oauth/callback", a.oauthCallback).Methods(http.MethodGet)
	}
	if a.content == nil {
		return
	}

	r.HandleFunc("/manifest", a.getManifest).Methods(http.MethodGet)
	r.Handle("/manifest/regenerate", a.requireJWT(a.regenerateManifest)).Methods(http.MethodPost)
	r.HandleFunc("/files/batch", a.resolveBatch).Methods(http.MethodPost)
	r.HandleFunc("/files/{id}", a.resolveFile).Methods(http.MethodGet)
	r.HandleFunc("/content", a.readContent).Methods(http.MethodGet)
	r.Handle("/files", a.requireJWT(a.createFile)).Methods(http.MethodPost)
	r.Handle("/files", a.requireJWT(a.updateFile)).Methods(http.MethodPut)
	r.Handle("/folders", a.requireJWT(a.createFolder)).Methods(http.MethodPost)
	r.Handle("/webhook", middleware.NewSharedSecretMiddleware(a.webhookSecret, a.logger).Handler(
		http.HandlerFunc(a.pushWebhook))).Methods(http.MethodPost)
}

// =============================================================================
// OAuth
// =============================================================================

// oauthLogin redirects to GitHub. The state is kept in a short-lived cookie
// and must come back unchanged on the callback.
func (a *API) oauthLogin(w http.ResponseWriter, r *http.Request) {
	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     oauthCookiePath,
		MaxAge:   int(oauthStateTTL / time.Second),
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	http.Redirect(w, r, a.oauth.AuthCodeURL(state), http.StatusFound)
}

// checkOAuthState consumes the state cookie and compares it with the state
// GitHub echoed back.
func checkOAuthState(w http.ResponseWriter, r *http.Request) bool {
	cookie, err := r.Cookie(oauthStateCookie)
	http.SetCookie(w, &http.Cookie{
		Name:     oauthStateCookie,
		Path:     oauthCookiePath,
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   isHTTPS(r),
		SameSite: http.SameSiteLaxMode,
	})
	if err != nil || cookie.Value == "" {
		return false
	}
	state := r.URL.Query().Get("state")
	return subtle.ConstantTimeCompare([]byte(cookie.Value), []byte(state)) == 1
}

func isHTTPS(r *http.Request) bool {
	return r.TLS != nil || strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https")
}

// oauthCallback exchanges the code for the GitHub user and issues an API token.
func (a *API) oauthCallback(w http.ResponseWriter, r *http.Request) {
	if len(a.jwtSecret) == 0 {
		a.fail(w, r, svcerrors.Internal("token signing is not configured", nil))
		return
	}
	if !checkOAuthState(w, r) {
		a.logger.LogSecurityEvent(r.Context(), "github_oauth_state_mismatch", map[string]interface{}{"remote": r.RemoteAddr})
		a.fail(w, r, svcerrors.Unauthorized("invalid oauth state"))
		return
	}
	if e := r.URL.Query().Get("error"); e != "" {
		a.fail(w, r, svcerrors.Unauthorized("github authorization denied: "+e))
		return
	}

	user, err := a.oauth.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		a.logger.LogSecurityEvent(r.Context(), "github_oauth_failed", map[string]interface{}{"error": err.Error()})
		a.fail(w, r, err)
		return
	}

	token, err := middleware.SignToken(a.jwtSecret, middleware.Claims{
		UserID:     "github:" + strconv.FormatInt(user.ID, 10),
		Login:      user.Login,
		AuthMethod: "github_oauth",
		Role:       "editor",
	}, a.tokenTTL)
	if err != nil {
		a.fail(w, r, svcerrors.Internal("failed to sign token", err))
		return
	}

	a.logger.WithContext(r.Context()).WithField("login", user.Login).Info("github login")
	ok(w, tokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(a.tokenTTL).UTC(),
		Login:     user.Login,
		Name:      user.Name,
	})
}

// =============================================================================
// Reads
// =============================================================================

func (a *API) getManifest(w http.ResponseWriter, r *http.Request) {
	m, err := a.content.Fetch(r.Context())
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, m)
}

func (a *API) resolveFile(w http.ResponseWriter, r *http.Request) {
	doc, err := a.content.Resolve(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, doc)
}

func (a *API) resolveBatch(w http.ResponseWriter, r *http.Request) {
	var req batchRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	result, err := a.content.ResolveBatch(r.Context(), req.IDs)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, result)
}

func (a *API) readContent(w http.ResponseWriter, r *http.Request) {
	doc, err := a.content.Read(r.Context(), r.URL.Query().Get("path"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, doc)
}

// =============================================================================
// Writes
// =============================================================================

func (a *API) regenerateManifest(w http.ResponseWriter, r *http.Request) {
	m, err := a.content.Regenerate(r.Context(), manifest.TriggerManual)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, m)
}

func (a *API) createFile(w http.ResponseWriter, r *http.Request) {
	req, decoded := a.decodeFileWrite(w, r)
	if !decoded {
		return
	}
	out, err := a.content.Create(r.Context(), req.Path, req.Content, req.Message)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	created(w, out)
}

func (a *API) updateFile(w http.ResponseWriter, r *http.Request) {
	req, decoded := a.decodeFileWrite(w, r)
	if !decoded {
		return
	}
	out, err := a.content.Update(r.Context(), req.Path, req.Content, req.SHA, req.Message)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, out)
}

func (a *API) createFolder(w http.ResponseWriter, r *http.Request) {
	var req folderRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	out, err := a.content.CreateFolder(r.Context(), req.Path)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	created(w, out)
}

// decodeFileWrite decodes a file write. Content may be a JSON value or a
// string holding the JSON text.
func (a *API) decodeFileWrite(w http.ResponseWriter, r *http.Request) (fileWriteRequest, bool) {
	var req fileWriteRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return req, false
	}
	if len(req.Content) == 0 || string(req.Content) == "null" {
		a.fail(w, r, svcerrors.Validation("content is required"))
		return req, false
	}
	var text string
	if err := json.Unmarshal(req.Content, &text); err == nil {
		req.Content = json.RawMessage(strings.TrimSpace(text))
	}
	return req, true
}

func (a *API) pushWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := httputil.ReadAllStrict(http.MaxBytesReader(w, r.Body, maxWebhookBytes+1), maxWebhookBytes)
	if err != nil {
		a.fail(w, r, svcerrors.Validation("payload too large"))
		return
	}
	result, err := a.content.HandlePush(r.Context(), payload)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, result)
}
