// Package notifications keeps the push token registry and fans messages out
// to registered devices.
package notifications

import (
	"context"
	"strings"
	"time"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/expo"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/supabase"
)

const tokensTable = "push_tokens"

// Sender delivers push messages.
type Sender interface {
	Send(ctx context.Context, messages []expo.Message) (*expo.SendResult, error)
}

// Notification is what callers ask to broadcast.
type Notification struct {
	Title   string                 `json:"title"`
	Body    string                 `json:"body"`
	Data    map[string]interface{} `json:"data,omitempty"`
	UserIDs []string               `json:"user_ids,omitempty"`
}

// Service manages push tokens and broadcasts.
type Service struct {
	db     *supabase.Client
	sender Sender
	logger *logging.Logger
}

// NewService creates the notification service.
func NewService(db *supabase.Client, sender Sender, logger *logging.Logger) *Service {
	return &Service{db: db, sender: sender, logger: logger}
}

// RegisterToken stores token for userID, replacing any previous owner.
func (s *Service) RegisterToken(ctx context.Context, userID, token, platform string) (supabase.Row, error) {
	token = strings.TrimSpace(token)
	if !expo.IsValidToken(token) {
		return nil, svcerrors.Validation("token is not an Expo push token")
	}
	if userID == "" {
		return nil, svcerrors.Validation("user_id is required")
	}

	row := supabase.Row{
		"user_id":    userID,
		"token":      token,
		"updated_at": time.Now().UTC().Format(time.RFC3339),
	}
	if platform != "" {
		row["platform"] = platform
	}
	return s.db.Table(tokensTable).Upsert(ctx, row, "token")
}

// RemoveToken deletes a token. Unknown tokens are not an error.
func (s *Service) RemoveToken(ctx context.Context, token string) error {
	if token == "" {
		return svcerrors.Validation("token is required")
	}
	_, err := s.db.From(tokensTable).Delete().Eq("token", token).Execute(ctx)
	return err
}

// Broadcast sends n to every registered device, or to the devices of
// n.UserIDs when set.
func (s *Service) Broadcast(ctx context.Context, n Notification) (*expo.SendResult, error) {
	if strings.TrimSpace(n.Title) == "" && strings.TrimSpace(n.Body) == "" {
		return nil, svcerrors.Validation("title or body is required")
	}

	rows, err := s.db.Table(tokensTable).List(ctx, func(q *supabase.QueryBuilder) {
		q.Select("token")
		if len(n.UserIDs) > 0 {
			q.In("user_id", n.UserIDs)
		}
	})
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(rows))
	messages := make([]expo.Message, 0, len(rows))
	for _, row := range rows {
		token, _ := row["token"].(string)
		if seen[token] {
			continue
		}
		seen[token] = true
		messages = append(messages, expo.Message{
			To:    token,
			Title: n.Title,
			Body:  n.Body,
			Data:  n.Data,
			Sound: "default",
		})
	}

	result, err := s.sender.Send(ctx, messages)
	if result != nil {
		s.logger.WithContext(ctx).WithFields(map[string]interface{}{
			"sent":    result.Sent,
			"failed":  result.Failed,
			"skipped": result.Skipped,
		}).Info("push broadcast finished")
	}
	return result, err
}
