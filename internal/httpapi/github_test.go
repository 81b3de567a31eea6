package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/congregation-app/backend/internal/github"
	"github.com/congregation-app/backend/internal/manifest"
	"github.com/congregation-app/backend/internal/middleware"
)

func TestContentWritesRequireJWT(t *testing.T) {
	env := newTestEnv(t, nil)
	body := map[string]interface{}{"path": "lessons/one.json", "content": map[string]string{"title": "One"}}

	for _, tc := range []struct {
		method string
		path   string
	}{
		{http.MethodPost, "/github/files"},
		{http.MethodPut, "/github/files"},
		{http.MethodPost, "/github/folders"},
		{http.MethodPost, "/github/manifest/regenerate"},
	} {
		rec := env.do(t, tc.method, tc.path, body, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code, tc.method+" "+tc.path)
	}
	assert.Empty(t, env.repo.files)
}

func TestCreateThenResolve(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/github/files", map[string]interface{}{
		"path":    "lessons/one.json",
		"content": map[string]string{"title": "One"},
	}, bearer(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var out manifest.WriteOutcome
	decode(t, rec, &out)
	assert.Equal(t, "lessonsone", out.ID)
	assert.True(t, out.ManifestUpdated)

	rec = env.do(t, http.MethodGet, "/github/files/lessonsone", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var doc manifest.Document
	decode(t, rec, &doc)
	assert.JSONEq(t, `{"title":"One"}`, string(doc.Content))

	rec = env.do(t, http.MethodGet, "/github/manifest", nil, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var m manifest.Manifest
	decode(t, rec, &m)
	assert.Equal(t, 1, m.FileCount)
}

func TestCreateAcceptsContentAsString(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/github/files", map[string]interface{}{
		"path":    "a.json",
		"content": `{"n":1}`,
	}, bearer(t))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.JSONEq(t, `{"n":1}`, string(env.repo.files["a.json"]))
}

func TestCreateExistingPathIsConflict(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.json": `{}`})

	rec := env.do(t, http.MethodPost, "/github/files", map[string]interface{}{"path": "a.json", "content": map[string]int{"n": 2}}, bearer(t))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `{}`, string(env.repo.files["a.json"]))
}

func TestUpdateWithStaleSHAIsConflict(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.json": `{"v":1}`})

	rec := env.do(t, http.MethodPut, "/github/files", map[string]interface{}{
		"path":    "a.json",
		"content": map[string]int{"v": 2},
		"sha":     "stale",
	}, bearer(t))
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, `{"v":1}`, string(env.repo.files["a.json"]))
}

func TestUpdateWithCurrentSHA(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.json": `{"v":1}`})

	rec := env.do(t, http.MethodPut, "/github/files", map[string]interface{}{
		"path":    "a.json",
		"content": map[string]int{"v": 2},
		"sha":     shaOf([]byte(`{"v":1}`)),
	}, bearer(t))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.NoError(t, env.content.Wait(context.Background()))

	assert.JSONEq(t, `{"v":2}`, string(env.repo.files["a.json"]))
	_, hasManifest := env.repo.files[manifest.DefaultPath]
	assert.True(t, hasManifest)
}

func TestFolderCreation(t *testing.T) {
	env := newTestEnv(t, nil)

	rec := env.do(t, http.MethodPost, "/github/folders", map[string]string{"path": "year2"}, bearer(t))
	require.Equal(t, http.StatusCreated, rec.Code)
	_, ok := env.repo.files["year2/.gitkeep"]
	assert.True(t, ok)

	rec = env.do(t, http.MethodPost, "/github/folders", map[string]string{"path": "year2"}, bearer(t))
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestReadRejectsTraversal(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.json": `{}`})

	rec := env.do(t, http.MethodGet, "/github/content?path=../secrets.json", nil, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = env.do(t, http.MethodGet, "/github/content?path=a.json", nil, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBatchResolve(t *testing.T) {
	env := newTestEnv(t, map[string]string{
		"x/valid1.json": `{"n":1}`,
		"valid2.json":   `{"n":2}`,
	})
	_, err := env.content.Regenerate(context.Background(), manifest.TriggerManual)
	require.NoError(t, err)

	rec := env.do(t, http.MethodPost, "/github/files/batch", map[string]interface{}{
		"ids": []string{"xvalid1", "valid2", "doesNotExist"},
	}, nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var res manifest.BatchResult
	decode(t, rec, &res)
	assert.Len(t, res.Resolved, 2)
	assert.JSONEq(t, `{"n":2}`, string(res.Resolved["valid2"]))
	assert.Equal(t, []string{"doesNotExist"}, res.NotFound)
}

func TestWebhookRequiresSharedSecret(t *testing.T) {
	env := newTestEnv(t, map[string]string{"a.json": `{}`})
	push := `{"ref":"refs/heads/main","commits":[{"added":["a.json"],"modified":[],"removed":[]}]}`

	rec := env.do(t, http.MethodPost, "/github/webhook", push, nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = env.do(t, http.MethodPost, "/github/webhook", push, map[string]string{middleware.SharedSecretHeader: testWebhookSecret})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res manifest.PushResult
	decode(t, rec, &res)
	assert.True(t, res.Regenerated)
	assert.Equal(t, 1, res.FileCount)
}

func TestOAuthCallbackIssuesUsableToken(t *testing.T) {
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/oauth/access_token":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"gho_x","token_type":"bearer"}`))
		case "/user":
			_, _ = w.Write([]byte(`{"id":42,"login":"deacon","name":"Deacon Stephen"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer gh.Close()

	oauth := github.NewOAuth(github.OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		APIURL:       gh.URL,
		Endpoint: &oauth2.Endpoint{
			AuthURL:   gh.URL + "/login/oauth/authorize",
			TokenURL:  gh.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})
	env := newTestEnv(t, map[string]string{"a.json": `{}`}, withOAuth(oauth))

	state := oauthLoginState(t, env)
	rec := env.do(t, http.MethodGet, "/github/oauth/callback?code=abc&state="+url.QueryEscape(state), nil,
		map[string]string{"Cookie": oauthStateCookie + "=" + state})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	cleared := findCookie(rec.Result().Cookies(), oauthStateCookie)
	require.NotNil(t, cleared)
	assert.Negative(t, cleared.MaxAge)

	var tok tokenResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tok))
	assert.Equal(t, "deacon", tok.Login)
	require.NotEmpty(t, tok.Token)

	rec = env.do(t, http.MethodPost, "/github/manifest/regenerate", nil, map[string]string{"Authorization": "Bearer " + tok.Token})
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/github/oauth/login", nil, nil)
	assert.Equal(t, http.StatusFound, rec.Code)
	assert.Contains(t, rec.Header().Get("Location"), "client_id=cid")
}

func TestOAuthCallbackRejectsBadState(t *testing.T) {
	var exchanges int32
	gh := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&exchanges, 1)
		http.NotFound(w, r)
	}))
	defer gh.Close()

	oauth := github.NewOAuth(github.OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		APIURL:       gh.URL,
		Endpoint: &oauth2.Endpoint{
			AuthURL:  gh.URL + "/login/oauth/authorize",
			TokenURL: gh.URL + "/login/oauth/access_token",
		},
	})
	env := newTestEnv(t, nil, withOAuth(oauth))
	state := oauthLoginState(t, env)

	tests := []struct {
		name    string
		target  string
		headers map[string]string
	}{
		{name: "no state no cookie", target: "/github/oauth/callback?code=abc"},
		{name: "state without cookie", target: "/github/oauth/callback?code=abc&state=" + state},
		{name: "cookie without state", target: "/github/oauth/callback?code=abc", headers: map[string]string{"Cookie": oauthStateCookie + "=" + state}},
		{name: "mismatched state", target: "/github/oauth/callback?code=abc&state=attacker", headers: map[string]string{"Cookie": oauthStateCookie + "=" + state}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, tt.target, nil, tt.headers)
			assert.Equal(t, http.StatusUnauthorized, rec.Code)
			assert.Contains(t, rec.Body.String(), "invalid oauth state")
		})
	}
	assert.Zero(t, atomic.LoadInt32(&exchanges), "code must not be exchanged")
}

// oauthLoginState starts a login and returns the state bound to the cookie.
func oauthLoginState(t *testing.T, env *testEnv) string {
	t.Helper()
	rec := env.do(t, http.MethodGet, "/github/oauth/login", nil, nil)
	require.Equal(t, http.StatusFound, rec.Code)

	cookie := findCookie(rec.Result().Cookies(), oauthStateCookie)
	require.NotNil(t, cookie)
	assert.True(t, cookie.HttpOnly)
	assert.Equal(t, "/github/oauth", cookie.Path)

	location, err := url.Parse(rec.Header().Get("Location"))
	require.NoError(t, err)
	require.Equal(t, cookie.Value, location.Query().Get("state"))
	return cookie.Value
}

func findCookie(cookies []*http.Cookie, name string) *http.Cookie {
	for _, c := range cookies {
		if c.Name == name {
			return c
		}
	}
	return nil
}
