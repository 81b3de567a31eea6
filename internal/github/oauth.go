package github

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/oauth2"
	githuboauth "golang.org/x/oauth2/github"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
)

// OAuthConfig configures the GitHub OAuth app used to sign editors in.
type OAuthConfig struct {
	ClientID     string
	ClientSecret string
	APIURL       string

	// Endpoint overrides the GitHub OAuth endpoint (tests).
	Endpoint *oauth2.Endpoint

	HTTPClient *http.Client
}

// User is the GitHub account behind an OAuth token.
type User struct {
	ID    int64  `json:"id"`
	Login string `json:"login"`
	Name  string `json:"name"`
	Email string `json:"email"`
}

// OAuth exchanges authorization codes for the signed-in GitHub user.
type OAuth struct {
	config     *oauth2.Config
	apiURL     string
	httpClient *http.Client
}

// NewOAuth creates the OAuth helper. It returns nil when no client id is set.
func NewOAuth(cfg OAuthConfig) *OAuth {
	if cfg.ClientID == "" {
		return nil
	}
	endpoint := githuboauth.Endpoint
	if cfg.Endpoint != nil {
		endpoint = *cfg.Endpoint
	}
	apiURL := cfg.APIURL
	if apiURL == "" {
		apiURL = DefaultAPIURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	return &OAuth{
		config: &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			Endpoint:     endpoint,
			Scopes:       []string{"read:user"},
		},
		apiURL:     strings.TrimSuffix(apiURL, "/"),
		httpClient: httpClient,
	}
}

// AuthCodeURL returns the URL to send the browser to.
func (o *OAuth) AuthCodeURL(state string) string {
	return o.config.AuthCodeURL(state)
}

// Exchange trades code for a token and returns the user it belongs to.
func (o *OAuth) Exchange(ctx context.Context, code string) (*User, error) {
	if strings.TrimSpace(code) == "" {
		return nil, svcerrors.Validation("code is required")
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, o.httpClient)
	token, err := o.config.Exchange(ctx, code)
	if err != nil {
		return nil, svcerrors.Unauthorized("github oauth exchange failed").WithDetails("reason", err.Error())
	}

	resp, err := o.config.Client(ctx, token).Get(o.apiURL + "/user")
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}

	var user User
	if err := httputil.DecodeResponse(resp, &user); err != nil {
		return nil, mapError(err, "user", "")
	}
	if user.Login == "" {
		return nil, svcerrors.Upstream("github returned no login", fmt.Errorf("empty login"))
	}
	return &user, nil
}
