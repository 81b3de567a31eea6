// Package supabase is a small client for the Supabase REST surface:
// PostgREST tables, GoTrue auth, and object storage.
package supabase

import (
	"net/http"
	"time"
)

// =============================================================================
// Configuration
// =============================================================================

// Config holds Supabase client configuration.
type Config struct {
	// URL is the project URL (e.g., https://xxx.supabase.co)
	URL string

	// AnonKey is the public API key.
	AnonKey string

	// ServiceKey is the service role key. When set it is used for table and
	// storage calls so row level security does not hide server writes.
	ServiceKey string

	// Timeout for HTTP requests
	Timeout time.Duration

	// HTTPClient overrides the default client (tests).
	HTTPClient *http.Client
}

// Row is a database row passed through as JSON.
type Row = map[string]interface{}

// =============================================================================
// Auth Types
// =============================================================================

// User represents a Supabase auth user.
type User struct {
	ID           string                 `json:"id"`
	Aud          string                 `json:"aud,omitempty"`
	Role         string                 `json:"role,omitempty"`
	Email        string                 `json:"email"`
	Phone        string                 `json:"phone,omitempty"`
	LastSignInAt *time.Time             `json:"last_sign_in_at,omitempty"`
	UserMetadata map[string]interface{} `json:"user_metadata,omitempty"`
	CreatedAt    time.Time              `json:"created_at"`
}

// Session represents an auth session.
type Session struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int    `json:"expires_in"`
	ExpiresAt    int64  `json:"expires_at,omitempty"`
	RefreshToken string `json:"refresh_token"`
	User         *User  `json:"user,omitempty"`
}

// SignUpRequest for user registration.
type SignUpRequest struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Data     map[string]interface{} `json:"data,omitempty"`
}

// =============================================================================
// Database Types
// =============================================================================

// OrderDirection for sorting.
type OrderDirection string

const (
	OrderAsc  OrderDirection = "asc"
	OrderDesc OrderDirection = "desc"
)

// =============================================================================
// Storage Types
// =============================================================================

// FileObject describes an uploaded object.
type FileObject struct {
	Key       string `json:"key"`
	Path      string `json:"path"`
	BucketID  string `json:"bucket_id"`
	PublicURL string `json:"public_url"`
}

// UploadOptions for file uploads.
type UploadOptions struct {
	ContentType  string
	CacheControl string
	Upsert       bool
}
