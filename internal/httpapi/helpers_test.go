package httpapi

import (
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/congregation-app/backend/internal/announcements"
	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/github"
	"github.com/congregation-app/backend/internal/idempotency"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/manifest"
	"github.com/congregation-app/backend/internal/middleware"
	"github.com/congregation-app/backend/internal/supabase"
)

var testSecret = []byte("test-secret")

const testWebhookSecret = "hook-secret"

// seen is one request received by the fake Supabase server.
type seen struct {
	Method string
	Path   string
	Query  string
	Body   string
}

// fakeSupabase records requests and answers with respond.
type fakeSupabase struct {
	mu       sync.Mutex
	requests []seen
	respond  func(w http.ResponseWriter, r *http.Request, body []byte)
}

func (f *fakeSupabase) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	f.mu.Lock()
	f.requests = append(f.requests, seen{Method: r.Method, Path: r.URL.Path, Query: r.URL.RawQuery, Body: string(body)})
	respond := f.respond
	f.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if respond == nil {
		_, _ = w.Write([]byte(`[]`))
		return
	}
	respond(w, r, body)
}

func (f *fakeSupabase) recorded() []seen {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]seen(nil), f.requests...)
}

// memRepo is an in-memory ContentAPI.
type memRepo struct {
	mu    sync.Mutex
	files map[string][]byte
}

func newMemRepo(files map[string]string) *memRepo {
	r := &memRepo{files: map[string][]byte{}}
	for p, c := range files {
		r.files[p] = []byte(c)
	}
	return r
}

func shaOf(b []byte) string {
	sum := sha1.Sum(b)
	return hex.EncodeToString(sum[:])
}

func (r *memRepo) GetFile(_ context.Context, path string) (*github.File, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.files[path]
	if !ok {
		return nil, svcerrors.NotFound("file", path)
	}
	return &github.File{Path: path, SHA: shaOf(c), Content: c}, nil
}

func (r *memRepo) PutFile(_ context.Context, w github.FileWrite) (*github.WriteResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, exists := r.files[w.Path]
	if exists && w.SHA != shaOf(current) {
		return nil, svcerrors.Conflict("sha does not match")
	}
	if !exists && w.SHA != "" {
		return nil, svcerrors.NotFound("file", w.Path)
	}
	r.files[w.Path] = append([]byte(nil), w.Content...)
	return &github.WriteResult{Path: w.Path, SHA: shaOf(w.Content), CommitSHA: "c-" + shaOf(w.Content)[:7]}, nil
}

func (r *memRepo) GetTree(_ context.Context) (*github.Tree, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	paths := make([]string, 0, len(r.files))
	for p := range r.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	tree := &github.Tree{SHA: "tree"}
	for _, p := range paths {
		tree.Entries = append(tree.Entries, github.TreeEntry{Path: p, Type: "blob", SHA: shaOf(r.files[p])})
	}
	return tree, nil
}

type testEnv struct {
	handler  http.Handler
	supabase *fakeSupabase
	repo     *memRepo
	content  *manifest.Synchronizer
}

type envOption func(*Deps)

func withOAuth(o *github.OAuth) envOption {
	return func(d *Deps) { d.OAuth = o }
}

func newTestEnv(t *testing.T, files map[string]string, opts ...envOption) *testEnv {
	t.Helper()

	fake := &fakeSupabase{}
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	db, err := supabase.New(supabase.Config{URL: server.URL, ServiceKey: "service"})
	require.NoError(t, err)

	logger := logging.NewDiscard()
	images := db.Storage().From("images")
	repo := newMemRepo(files)
	content := manifest.New(repo, manifest.Options{Logger: logger})

	deps := Deps{
		Logger:        logger,
		DB:            db,
		Images:        images,
		Announcements: announcements.NewService(db.Table("announcements"), images, nil, idempotency.NewMemoryStore(time.Hour), logger),
		Content:       content,
		JWTSecret:     testSecret,
		TokenTTL:      time.Hour,
		WebhookSecret: testWebhookSecret,
		Version:       "test",
	}
	for _, opt := range opts {
		opt(&deps)
	}

	return &testEnv{handler: NewRouter(deps), supabase: fake, repo: repo, content: content}
}

func (e *testEnv) do(t *testing.T, method, target string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		reader = bytes.NewBufferString(b)
	default:
		raw, err := json.Marshal(b)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func bearer(t *testing.T) map[string]string {
	t.Helper()
	token, err := middleware.SignToken(testSecret, middleware.Claims{UserID: "github:1", Login: "editor", AuthMethod: "github_oauth"}, time.Hour)
	require.NoError(t, err)
	return map[string]string{"Authorization": "Bearer " + token}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), v), rec.Body.String())
}
