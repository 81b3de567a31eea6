package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

// AuthClient handles Supabase Auth (GoTrue) operations.
type AuthClient struct {
	client *Client
}

// SignUp creates a new user. The returned session may lack tokens when email
// confirmation is enabled on the project.
func (a *AuthClient) SignUp(ctx context.Context, req SignUpRequest) (*Session, error) {
	var raw json.RawMessage
	if err := a.call(ctx, http.MethodPost, "/signup", req, "", &raw); err != nil {
		return nil, err
	}

	var session Session
	if err := json.Unmarshal(raw, &session); err != nil {
		return nil, svcerrors.Upstream("", fmt.Errorf("unmarshal response: %w", err))
	}
	// Without auto-confirm GoTrue returns the bare user object.
	if session.User == nil {
		var user User
		if err := json.Unmarshal(raw, &user); err == nil && user.ID != "" {
			session.User = &user
		}
	}
	return &session, nil
}

// SignInWithPassword authenticates a user with email/password.
func (a *AuthClient) SignInWithPassword(ctx context.Context, email, password string) (*Session, error) {
	req := map[string]string{
		"email":    email,
		"password": password,
	}

	var session Session
	if err := a.call(ctx, http.MethodPost, "/token?grant_type=password", req, "", &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// GetUser returns the user owning accessToken.
func (a *AuthClient) GetUser(ctx context.Context, accessToken string) (*User, error) {
	if accessToken == "" {
		return nil, svcerrors.Unauthorized("access token required")
	}

	var user User
	if err := a.call(ctx, http.MethodGet, "/user", nil, accessToken, &user); err != nil {
		return nil, err
	}
	return &user, nil
}

// SignOut revokes the session owning accessToken.
func (a *AuthClient) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return svcerrors.Unauthorized("access token required")
	}
	return a.call(ctx, http.MethodPost, "/logout", nil, accessToken, nil)
}

func (a *AuthClient) call(ctx context.Context, method, path string, payload interface{}, accessToken string, dest interface{}) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	urlStr := a.client.authURL + path
	var (
		respBody   []byte
		statusCode int
		err        error
	)
	if accessToken != "" {
		respBody, statusCode, err = a.client.requestWithToken(ctx, method, urlStr, body, nil, accessToken)
	} else {
		key := a.client.publicKey()
		respBody, statusCode, err = a.client.do(ctx, method, urlStr, body, nil, key, key)
	}
	if err != nil {
		return svcerrors.Upstream("", err)
	}

	if statusCode >= 400 {
		return parseError(respBody, statusCode)
	}

	if dest == nil || len(respBody) == 0 {
		return nil
	}
	if err := json.Unmarshal(respBody, dest); err != nil {
		return svcerrors.Upstream("", fmt.Errorf("unmarshal response: %w", err))
	}
	return nil
}
