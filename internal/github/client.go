// Package github talks to the GitHub REST API: the Contents and Git Trees
// endpoints for one configured repository and branch, plus OAuth login.
package github

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
)

// DefaultAPIURL is the public GitHub API.
const DefaultAPIURL = "https://api.github.com"

// Config identifies the repository and branch the client works on.
type Config struct {
	Owner   string
	Repo    string
	Branch  string
	Token   string
	APIURL  string
	Timeout time.Duration

	HTTPClient *http.Client
}

// File is a blob read through the Contents API.
type File struct {
	Path    string
	SHA     string
	Content []byte
}

// FileWrite describes a create (empty SHA) or update of one file.
type FileWrite struct {
	Path    string
	Content []byte
	SHA     string
	Message string
}

// WriteResult is returned after a successful commit.
type WriteResult struct {
	Path      string `json:"path"`
	SHA       string `json:"sha"`
	CommitSHA string `json:"commitSha"`
}

// TreeEntry is one entry in a recursive tree listing.
type TreeEntry struct {
	Path string `json:"path"`
	Type string `json:"type"`
	SHA  string `json:"sha"`
	Size int64  `json:"size,omitempty"`
}

// Tree is the recursive listing of the configured branch.
type Tree struct {
	SHA       string      `json:"sha"`
	Entries   []TreeEntry `json:"tree"`
	Truncated bool        `json:"truncated"`
}

// Client is a GitHub Contents API client bound to one repository branch.
type Client struct {
	api    *httputil.APIClient
	owner  string
	repo   string
	branch string
}

// NewClient creates a new GitHub client
func NewClient(cfg Config) (*Client, error) {
	if cfg.Owner == "" || cfg.Repo == "" {
		return nil, fmt.Errorf("github owner and repo are required")
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}

	headers := map[string]string{
		"Accept":               "application/vnd.github+json",
		"X-GitHub-Api-Version": "2022-11-28",
	}
	if cfg.Token != "" {
		headers["Authorization"] = "Bearer " + cfg.Token
	}

	return &Client{
		api: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL:    cfg.APIURL,
			Headers:    headers,
			Timeout:    cfg.Timeout,
			HTTPClient: cfg.HTTPClient,
		}),
		owner:  cfg.Owner,
		repo:   cfg.Repo,
		branch: cfg.Branch,
	}, nil
}

// Branch returns the branch every call targets.
func (c *Client) Branch() string {
	return c.branch
}

// GetFile reads the blob at path on the configured branch.
func (c *Client) GetFile(ctx context.Context, path string) (*File, error) {
	resp, err := c.api.Get(ctx, c.contentsURL(path)+"?ref="+url.QueryEscape(c.branch))
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}

	var raw json.RawMessage
	if err := httputil.DecodeResponse(resp, &raw); err != nil {
		return nil, mapError(err, "file", path)
	}
	// A directory listing comes back as an array of entries.
	if trimmed := strings.TrimSpace(string(raw)); strings.HasPrefix(trimmed, "[") {
		return nil, svcerrors.Validation(fmt.Sprintf("%s is a directory, not a file", path))
	}

	var body struct {
		Type     string `json:"type"`
		Path     string `json:"path"`
		SHA      string `json:"sha"`
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, svcerrors.Upstream("", fmt.Errorf("decode %s: %w", path, err))
	}
	if body.Type != "" && body.Type != "file" {
		return nil, svcerrors.Validation(fmt.Sprintf("%s is a %s, not a file", path, body.Type))
	}

	var content []byte
	switch body.Encoding {
	case "base64":
		content, err = decodeBase64(body.Content)
		if err != nil {
			return nil, svcerrors.Upstream("", fmt.Errorf("decode %s: %w", path, err))
		}
	case "none", "":
		// Files over 1MB come back without inline content.
		content, err = c.getBlob(ctx, body.SHA)
		if err != nil {
			return nil, err
		}
	default:
		return nil, svcerrors.Upstream(fmt.Sprintf("unsupported content encoding %q", body.Encoding), nil)
	}

	return &File{Path: body.Path, SHA: body.SHA, Content: content}, nil
}

// getBlob reads a blob by sha through the Git Data API.
func (c *Client) getBlob(ctx context.Context, sha string) ([]byte, error) {
	resp, err := c.api.Get(ctx, c.repoURL("/git/blobs/"+url.PathEscape(sha)))
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}

	var body struct {
		Content  string `json:"content"`
		Encoding string `json:"encoding"`
	}
	if err := httputil.DecodeResponse(resp, &body); err != nil {
		return nil, mapError(err, "blob", sha)
	}
	if body.Encoding != "base64" {
		return []byte(body.Content), nil
	}
	return decodeBase64(body.Content)
}

// PutFile creates or updates a file with one commit. A non-empty SHA makes
// the write conditional on the current blob.
func (c *Client) PutFile(ctx context.Context, w FileWrite) (*WriteResult, error) {
	message := w.Message
	if message == "" {
		message = "Update " + w.Path
	}

	payload := map[string]string{
		"message": message,
		"content": base64.StdEncoding.EncodeToString(w.Content),
		"branch":  c.branch,
	}
	if w.SHA != "" {
		payload["sha"] = w.SHA
	}

	resp, err := c.api.Put(ctx, c.contentsURL(w.Path), payload)
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}

	var body struct {
		Content struct {
			Path string `json:"path"`
			SHA  string `json:"sha"`
		} `json:"content"`
		Commit struct {
			SHA string `json:"sha"`
		} `json:"commit"`
	}
	if err := httputil.DecodeResponse(resp, &body); err != nil {
		return nil, mapError(err, "file", w.Path)
	}

	return &WriteResult{Path: body.Content.Path, SHA: body.Content.SHA, CommitSHA: body.Commit.SHA}, nil
}

// GetTree lists the configured branch recursively.
func (c *Client) GetTree(ctx context.Context) (*Tree, error) {
	resp, err := c.api.Get(ctx, c.repoURL("/git/trees/"+url.PathEscape(c.branch)+"?recursive=1"))
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}

	var tree Tree
	if err := httputil.DecodeResponse(resp, &tree); err != nil {
		return nil, mapError(err, "branch", c.branch)
	}
	return &tree, nil
}

func (c *Client) repoURL(suffix string) string {
	return "/repos/" + url.PathEscape(c.owner) + "/" + url.PathEscape(c.repo) + suffix
}

func (c *Client) contentsURL(path string) string {
	segments := strings.Split(strings.Trim(path, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return c.repoURL("/contents/" + strings.Join(segments, "/"))
}

func decodeBase64(s string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(strings.NewReplacer("\n", "", "\r", "").Replace(s))
}

// mapError converts an upstream status into the service taxonomy, keeping
// GitHub's own message.
func mapError(err error, resource, id string) error {
	var se *httputil.StatusError
	if !svcerrors.As(err, &se) {
		return svcerrors.Upstream("", err)
	}
	if se.StatusCode == http.StatusNotFound {
		nf := svcerrors.NotFound(resource, id)
		nf.Err = err
		return nf
	}
	return svcerrors.FromStatus(se.StatusCode, githubMessage(se), err)
}

func githubMessage(se *httputil.StatusError) string {
	var body struct {
		Message string `json:"message"`
	}
	if err := json.Unmarshal([]byte(se.Body), &body); err == nil && body.Message != "" {
		return "github: " + body.Message
	}
	return fmt.Sprintf("github: status %d", se.StatusCode)
}
