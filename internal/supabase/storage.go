package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

// StorageClient handles Supabase Storage operations.
type StorageClient struct {
	client *Client
}

// From returns a client scoped to one bucket.
func (s *StorageClient) From(bucketID string) *BucketClient {
	return &BucketClient{storage: s, bucketID: bucketID}
}

// BucketClient performs object operations within a bucket.
type BucketClient struct {
	storage  *StorageClient
	bucketID string
}

// Upload stores data at filePath and returns the object with its public URL.
func (b *BucketClient) Upload(ctx context.Context, filePath string, data []byte, opts *UploadOptions) (*FileObject, error) {
	urlStr := fmt.Sprintf("%s/object/%s/%s", b.storage.client.storageURL, b.bucketID, escapePath(filePath))

	headers := map[string]string{}
	if opts != nil {
		if opts.ContentType != "" {
			headers["Content-Type"] = opts.ContentType
		}
		if opts.CacheControl != "" {
			headers["Cache-Control"] = opts.CacheControl
		}
		if opts.Upsert {
			headers["x-upsert"] = "true"
		}
	}
	if headers["Content-Type"] == "" {
		headers["Content-Type"] = "application/octet-stream"
	}

	respBody, statusCode, err := b.storage.client.request(ctx, http.MethodPost, urlStr, data, headers)
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}
	if statusCode >= 400 {
		return nil, parseError(respBody, statusCode)
	}

	var result struct {
		Key string `json:"Key"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, svcerrors.Upstream("", fmt.Errorf("unmarshal response: %w", err))
	}

	return &FileObject{
		Key:       result.Key,
		Path:      filePath,
		BucketID:  b.bucketID,
		PublicURL: b.PublicURL(filePath),
	}, nil
}

// Remove deletes objects from the bucket.
func (b *BucketClient) Remove(ctx context.Context, filePaths ...string) error {
	urlStr := fmt.Sprintf("%s/object/%s", b.storage.client.storageURL, b.bucketID)

	body, err := json.Marshal(map[string]interface{}{"prefixes": filePaths})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	respBody, statusCode, err := b.storage.client.request(ctx, http.MethodDelete, urlStr, body, nil)
	if err != nil {
		return svcerrors.Upstream("", err)
	}
	if statusCode >= 400 {
		return parseError(respBody, statusCode)
	}
	return nil
}

// PublicURL returns the public URL for an object in a public bucket.
func (b *BucketClient) PublicURL(filePath string) string {
	return fmt.Sprintf("%s/object/public/%s/%s", b.storage.client.storageURL, b.bucketID, escapePath(filePath))
}

// escapePath escapes each segment but keeps the separators.
func escapePath(p string) string {
	segments := strings.Split(strings.TrimPrefix(p, "/"), "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}
