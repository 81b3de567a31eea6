// Package announcements creates announcements as a compensated multi-step
// flow: insert the record, upload its image, attach the image URL, notify.
package announcements

import (
	"context"
	"encoding/json"
	"fmt"
	"mime"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/expo"
	"github.com/congregation-app/backend/internal/idempotency"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/notifications"
	"github.com/congregation-app/backend/internal/supabase"
)

// Records is the announcements table.
type Records interface {
	Insert(ctx context.Context, row supabase.Row) (supabase.Row, error)
	Update(ctx context.Context, id string, patch supabase.Row) (supabase.Row, error)
	Delete(ctx context.Context, id string) error
}

// Images is the bucket holding announcement images.
type Images interface {
	Upload(ctx context.Context, filePath string, data []byte, opts *supabase.UploadOptions) (*supabase.FileObject, error)
	Remove(ctx context.Context, filePaths ...string) error
}

// Notifier broadcasts a push notification.
type Notifier interface {
	Broadcast(ctx context.Context, n notifications.Notification) (*expo.SendResult, error)
}

// Image is an uploaded image attached to a new announcement.
type Image struct {
	Data        []byte
	ContentType string
	Filename    string
}

// CreateRequest describes a new announcement.
type CreateRequest struct {
	Fields supabase.Row
	Image  *Image
	Notify bool
}

// NotifyOutcome reports the best-effort notification step.
type NotifyOutcome struct {
	Sent    int    `json:"sent"`
	Failed  int    `json:"failed"`
	Skipped int    `json:"skipped"`
	Error   string `json:"error,omitempty"`
}

// CreateResult is the response of Create.
type CreateResult struct {
	Announcement supabase.Row   `json:"announcement"`
	Notification *NotifyOutcome `json:"notification,omitempty"`
	Replayed     bool           `json:"replayed,omitempty"`
}

// Service creates announcements.
type Service struct {
	records  Records
	images   Images
	notifier Notifier
	keys     idempotency.Store
	logger   *logging.Logger
	clock    func() time.Time
}

// NewService creates the service. notifier and keys may be nil.
func NewService(records Records, images Images, notifier Notifier, keys idempotency.Store, logger *logging.Logger) *Service {
	return &Service{
		records:  records,
		images:   images,
		notifier: notifier,
		keys:     keys,
		logger:   logger,
		clock:    time.Now,
	}
}

// Create runs the creation flow. When idemKey is set, a completed earlier
// result for the same key is replayed and a key still in progress is a Conflict.
func (s *Service) Create(ctx context.Context, idemKey string, req CreateRequest) (*CreateResult, error) {
	title, _ := req.Fields["title"].(string)
	if strings.TrimSpace(title) == "" {
		return nil, svcerrors.Validation("title is required")
	}
	if req.Image != nil && len(req.Image.Data) == 0 {
		return nil, svcerrors.Validation("image is empty")
	}

	if idemKey != "" && s.keys != nil {
		rec, reserved, err := s.keys.Reserve(ctx, idemKey)
		if err != nil {
			return nil, svcerrors.Internal("idempotency store unavailable", err)
		}
		if !reserved {
			return s.replay(rec)
		}
	}

	result, err := s.create(ctx, title, req)
	if idemKey == "" || s.keys == nil {
		return result, err
	}

	if err != nil {
		if rerr := s.keys.Release(context.WithoutCancel(ctx), idemKey); rerr != nil {
			s.logger.WithContext(ctx).WithError(rerr).Warn("failed to release idempotency key")
		}
		return nil, err
	}

	body, merr := json.Marshal(result)
	if merr == nil {
		merr = s.keys.Complete(context.WithoutCancel(ctx), idemKey, http.StatusCreated, body)
	}
	if merr != nil {
		s.logger.WithContext(ctx).WithError(merr).Warn("failed to record idempotent result")
	}
	return result, nil
}

func (s *Service) replay(rec *idempotency.Record) (*CreateResult, error) {
	if rec.State != idempotency.StateCompleted {
		return nil, svcerrors.Conflict("a request with this Idempotency-Key is still in progress")
	}
	var result CreateResult
	if err := json.Unmarshal(rec.Body, &result); err != nil {
		return nil, svcerrors.Internal("stored idempotent result is unreadable", err)
	}
	result.Replayed = true
	return &result, nil
}

func (s *Service) create(ctx context.Context, title string, req CreateRequest) (*CreateResult, error) {
	fields := make(supabase.Row, len(req.Fields)+1)
	for k, v := range req.Fields {
		fields[k] = v
	}
	if _, ok := fields["created_at"]; !ok {
		fields["created_at"] = s.clock().UTC().Format(time.RFC3339)
	}

	var (
		record    supabase.Row
		id        string
		imagePath string
		imageURL  string
	)

	steps := []step{{
		name: "insert-record",
		run: func(ctx context.Context) error {
			row, err := s.records.Insert(ctx, fields)
			if err != nil {
				return err
			}
			record = row
			id = fmt.Sprint(row["id"])
			return nil
		},
		compensate: func(ctx context.Context) error {
			return s.records.Delete(ctx, id)
		},
	}}

	if req.Image != nil {
		steps = append(steps,
			step{
				name: "upload-image",
				run: func(ctx context.Context) error {
					imagePath = path.Join("announcements", id, uuid.NewString()+imageExt(req.Image))
					obj, err := s.images.Upload(ctx, imagePath, req.Image.Data, &supabase.UploadOptions{
						ContentType:  req.Image.ContentType,
						CacheControl: "3600",
					})
					if err != nil {
						return err
					}
					imageURL = obj.PublicURL
					return nil
				},
				compensate: func(ctx context.Context) error {
					return s.images.Remove(ctx, imagePath)
				},
			},
			step{
				name: "attach-image-url",
				run: func(ctx context.Context) error {
					row, err := s.records.Update(ctx, id, supabase.Row{"image_url": imageURL})
					if err != nil {
						return err
					}
					record = row
					return nil
				},
			},
		)
	}

	if failed, err := runSaga(ctx, s.logger, steps); err != nil {
		se := svcerrors.GetServiceError(err)
		if se == nil {
			se = svcerrors.Upstream("", err)
		}
		return nil, se.WithDetails("step", failed)
	}

	result := &CreateResult{Announcement: record}
	if req.Notify && s.notifier != nil {
		result.Notification = s.notify(ctx, id, title, fields)
	}
	return result, nil
}

// notify is best-effort: a failure is reported, nothing is rolled back.
func (s *Service) notify(ctx context.Context, id, title string, fields supabase.Row) *NotifyOutcome {
	body, _ := fields["content"].(string)
	if r := []rune(body); len(r) > 140 {
		body = string(r[:137]) + "..."
	}

	res, err := s.notifier.Broadcast(ctx, notifications.Notification{
		Title: title,
		Body:  body,
		Data:  map[string]interface{}{"type": "announcement", "id": id},
	})

	out := &NotifyOutcome{}
	if res != nil {
		out.Sent, out.Failed, out.Skipped = res.Sent, res.Failed, res.Skipped
	}
	if err != nil {
		out.Error = err.Error()
		if se := svcerrors.GetServiceError(err); se != nil {
			out.Error = se.Message
		}
		s.logger.WithContext(ctx).WithError(err).WithField("announcement_id", id).Warn("announcement notification failed")
	}
	return out
}

func imageExt(img *Image) string {
	if ext := path.Ext(img.Filename); ext != "" {
		return strings.ToLower(ext)
	}
	if exts, err := mime.ExtensionsByType(img.ContentType); err == nil && len(exts) > 0 {
		return exts[0]
	}
	return ""
}
