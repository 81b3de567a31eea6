package supabase

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is the Supabase client. Sub-clients share its HTTP client and keys.
type Client struct {
	config     Config
	httpClient *http.Client

	// Derived values
	baseURL    string
	restURL    string
	authURL    string
	storageURL string

	// Sub-clients
	auth    *AuthClient
	storage *StorageClient
}

// New creates a new Supabase client.
func New(cfg Config) (*Client, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("project URL is required")
	}
	if cfg.AnonKey == "" && cfg.ServiceKey == "" {
		return nil, fmt.Errorf("an anon or service key is required")
	}

	baseURL := strings.TrimRight(cfg.URL, "/")
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("invalid project URL: %w", err)
	}

	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: cfg.Timeout}
	}

	c := &Client{
		config:     cfg,
		httpClient: httpClient,
		baseURL:    baseURL,
		restURL:    baseURL + "/rest/v1",
		authURL:    baseURL + "/auth/v1",
		storageURL: baseURL + "/storage/v1",
	}

	c.auth = &AuthClient{client: c}
	c.storage = &StorageClient{client: c}

	return c, nil
}

// Auth returns the auth client.
func (c *Client) Auth() *AuthClient {
	return c.auth
}

// Storage returns the storage client.
func (c *Client) Storage() *StorageClient {
	return c.storage
}

// From starts a query builder for a table.
func (c *Client) From(table string) *QueryBuilder {
	return &QueryBuilder{
		client:  c,
		table:   table,
		method:  http.MethodGet,
		columns: "*",
		headers: make(map[string]string),
	}
}

// Table returns a row-level helper for table.
func (c *Client) Table(name string) *Table {
	return &Table{client: c, name: name}
}

// =============================================================================
// Internal HTTP Methods
// =============================================================================

// serverKey is the key used for table and storage calls.
func (c *Client) serverKey() string {
	if c.config.ServiceKey != "" {
		return c.config.ServiceKey
	}
	return c.config.AnonKey
}

// publicKey is the key GoTrue expects for end-user auth calls.
func (c *Client) publicKey() string {
	if c.config.AnonKey != "" {
		return c.config.AnonKey
	}
	return c.config.ServiceKey
}

// request performs an HTTP request authorized with the server key.
func (c *Client) request(ctx context.Context, method, urlStr string, body []byte, headers map[string]string) ([]byte, int, error) {
	key := c.serverKey()
	return c.do(ctx, method, urlStr, body, headers, key, key)
}

// requestWithToken performs an HTTP request on behalf of a signed-in user.
func (c *Client) requestWithToken(ctx context.Context, method, urlStr string, body []byte, headers map[string]string, accessToken string) ([]byte, int, error) {
	return c.do(ctx, method, urlStr, body, headers, c.publicKey(), accessToken)
}

func (c *Client) do(ctx context.Context, method, urlStr string, body []byte, headers map[string]string, apiKey, bearer string) ([]byte, int, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reader)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", apiKey)
	req.Header.Set("Authorization", "Bearer "+bearer)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}

	return respBody, resp.StatusCode, nil
}
