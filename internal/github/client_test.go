package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	c, err := NewClient(Config{Owner: "church", Repo: "curriculum", Branch: "content", Token: "ghp_test", APIURL: server.URL})
	require.NoError(t, err)
	return c
}

func TestNewClient_RequiresRepo(t *testing.T) {
	_, err := NewClient(Config{Owner: "church"})
	assert.Error(t, err)

	c, err := NewClient(Config{Owner: "o", Repo: "r"})
	require.NoError(t, err)
	assert.Equal(t, "main", c.Branch())
}

func TestGetFile_DecodesBase64(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/church/curriculum/contents/year1/lesson 1.json", r.URL.Path)
		assert.Equal(t, "content", r.URL.Query().Get("ref"))
		assert.Equal(t, "Bearer ghp_test", r.Header.Get("Authorization"))
		assert.Equal(t, "application/vnd.github+json", r.Header.Get("Accept"))

		encoded := base64.StdEncoding.EncodeToString([]byte(`{"title":"Lesson 1"}`))
		_ = json.NewEncoder(w).Encode(map[string]string{
			"type":     "file",
			"path":     "year1/lesson 1.json",
			"sha":      "abc",
			"encoding": "base64",
			"content":  encoded[:8] + "\n" + encoded[8:],
		})
	})

	f, err := c.GetFile(context.Background(), "year1/lesson 1.json")
	require.NoError(t, err)
	assert.Equal(t, "abc", f.SHA)
	assert.JSONEq(t, `{"title":"Lesson 1"}`, string(f.Content))
}

func TestGetFile_LargeFileFallsBackToBlob(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/repos/church/curriculum/contents/big.json":
			_ = json.NewEncoder(w).Encode(map[string]string{"type": "file", "path": "big.json", "sha": "s1", "encoding": "none"})
		case "/repos/church/curriculum/git/blobs/s1":
			_ = json.NewEncoder(w).Encode(map[string]string{"encoding": "base64", "content": base64.StdEncoding.EncodeToString([]byte(`[1,2]`))})
		default:
			http.NotFound(w, r)
		}
	})

	f, err := c.GetFile(context.Background(), "big.json")
	require.NoError(t, err)
	assert.Equal(t, "[1,2]", string(f.Content))
}

func TestGetFile_NotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"message":"Not Found"}`))
	})

	_, err := c.GetFile(context.Background(), "missing.json")
	assert.True(t, svcerrors.Is(err, svcerrors.ErrNotFound))
}

func TestGetFile_DirectoryRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"type":"dir","path":"year1","sha":"d"}`))
	})

	_, err := c.GetFile(context.Background(), "year1")
	assert.True(t, svcerrors.Is(err, svcerrors.ErrValidation))
}

func TestGetFile_DirectoryListingRejected(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"type":"file","path":"year1/lesson1.json","sha":"a"},{"type":"dir","path":"year1/extra","sha":"b"}]`))
	})

	_, err := c.GetFile(context.Background(), "year1")
	require.Error(t, err)
	assert.True(t, svcerrors.Is(err, svcerrors.ErrValidation))
	assert.Contains(t, svcerrors.GetServiceError(err).Message, "year1 is a directory")
}

func TestPutFile_SendsShaAndBranch(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPut, r.Method)
		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "old", body["sha"])
		assert.Equal(t, "content", body["branch"])
		assert.Equal(t, "Update a.json", body["message"])
		decoded, err := base64.StdEncoding.DecodeString(body["content"])
		require.NoError(t, err)
		assert.Equal(t, `{"a":1}`, string(decoded))

		_, _ = w.Write([]byte(`{"content":{"path":"a.json","sha":"new"},"commit":{"sha":"c1"}}`))
	})

	res, err := c.PutFile(context.Background(), FileWrite{Path: "a.json", Content: []byte(`{"a":1}`), SHA: "old"})
	require.NoError(t, err)
	assert.Equal(t, &WriteResult{Path: "a.json", SHA: "new", CommitSHA: "c1"}, res)
}

func TestPutFile_StatusMapping(t *testing.T) {
	tests := []struct {
		status int
		want   *svcerrors.ServiceError
	}{
		{status: http.StatusConflict, want: svcerrors.ErrConflict},
		{status: http.StatusUnprocessableEntity, want: svcerrors.ErrConflict},
		{status: http.StatusUnauthorized, want: svcerrors.ErrUnauthorized},
		{status: http.StatusBadRequest, want: svcerrors.ErrUpstream},
		{status: http.StatusBadGateway, want: svcerrors.ErrUpstream},
	}

	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(`{"message":"does not match"}`))
			})

			_, err := c.PutFile(context.Background(), FileWrite{Path: "a.json", Content: []byte(`{}`)})
			require.Error(t, err)
			assert.True(t, svcerrors.Is(err, tt.want), "got %v", err)
			assert.Contains(t, svcerrors.GetServiceError(err).Message, "does not match")
		})
	}
}

func TestGetTree(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/repos/church/curriculum/git/trees/content", r.URL.Path)
		assert.Equal(t, "1", r.URL.Query().Get("recursive"))
		_, _ = w.Write([]byte(`{"sha":"t","truncated":true,"tree":[{"path":"a.json","type":"blob","sha":"1"},{"path":"dir","type":"tree","sha":"2"}]}`))
	})

	tree, err := c.GetTree(context.Background())
	require.NoError(t, err)
	assert.True(t, tree.Truncated)
	require.Len(t, tree.Entries, 2)
	assert.Equal(t, TreeEntry{Path: "a.json", Type: "blob", SHA: "1"}, tree.Entries[0])
}

func TestOAuth_Exchange(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/login/oauth/access_token":
			require.NoError(t, r.ParseForm())
			assert.Equal(t, "good-code", r.Form.Get("code"))
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"access_token":"gho_x","token_type":"bearer"}`))
		case "/user":
			assert.Equal(t, "Bearer gho_x", r.Header.Get("Authorization"))
			_, _ = w.Write([]byte(`{"id":7,"login":"deacon"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer server.Close()

	o := NewOAuth(OAuthConfig{
		ClientID:     "cid",
		ClientSecret: "secret",
		APIURL:       server.URL,
		Endpoint: &oauth2.Endpoint{
			AuthURL:   server.URL + "/login/oauth/authorize",
			TokenURL:  server.URL + "/login/oauth/access_token",
			AuthStyle: oauth2.AuthStyleInParams,
		},
	})
	require.NotNil(t, o)

	user, err := o.Exchange(context.Background(), "good-code")
	require.NoError(t, err)
	assert.Equal(t, "deacon", user.Login)
	assert.EqualValues(t, 7, user.ID)

	_, err = o.Exchange(context.Background(), " ")
	assert.True(t, svcerrors.Is(err, svcerrors.ErrValidation))

	assert.Contains(t, o.AuthCodeURL("st"), "state=st")
}

func TestNewOAuth_Disabled(t *testing.T) {
	assert.Nil(t, NewOAuth(OAuthConfig{}))
}
