// Package expo sends push notifications through the Expo push service.
package expo

import (
	"context"
	"fmt"
	"regexp"
	"time"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/logging"
	"github.com/congregation-app/backend/internal/metrics"
)

const (
	// DefaultAPIURL is the Expo push host.
	DefaultAPIURL = "https://exp.host"

	// MaxMessagesPerRequest is the Expo limit for one send call.
	MaxMessagesPerRequest = 100

	sendPath = "/--/api/v2/push/send"
)

var tokenPattern = regexp.MustCompile(`^Expo(nent)?PushToken\[[^\[\]]+\]$`)

// IsValidToken reports whether token looks like an Expo push token.
func IsValidToken(token string) bool {
	return tokenPattern.MatchString(token)
}

// Message is one push notification.
type Message struct {
	To        string                 `json:"to"`
	Title     string                 `json:"title,omitempty"`
	Body      string                 `json:"body,omitempty"`
	Data      map[string]interface{} `json:"data,omitempty"`
	Sound     string                 `json:"sound,omitempty"`
	Badge     *int                   `json:"badge,omitempty"`
	ChannelID string                 `json:"channelId,omitempty"`
	Priority  string                 `json:"priority,omitempty"`
}

// Ticket is Expo's per-message acknowledgement.
type Ticket struct {
	Status  string                 `json:"status"`
	ID      string                 `json:"id,omitempty"`
	Message string                 `json:"message,omitempty"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// TicketError records why a token was not accepted.
type TicketError struct {
	Token   string `json:"token"`
	Message string `json:"message"`
}

// SendResult tallies a fan-out.
type SendResult struct {
	Sent    int           `json:"sent"`
	Failed  int           `json:"failed"`
	Skipped int           `json:"skipped"`
	Errors  []TicketError `json:"errors,omitempty"`
}

// Config configures the client.
type Config struct {
	APIURL      string
	AccessToken string
	Timeout     time.Duration
	Logger      *logging.Logger
}

// Client is an Expo push API client.
type Client struct {
	api    *httputil.APIClient
	logger *logging.Logger
}

// NewClient creates a new Expo client.
func NewClient(cfg Config) *Client {
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultAPIURL
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Default()
	}

	headers := map[string]string{}
	if cfg.AccessToken != "" {
		headers["Authorization"] = "Bearer " + cfg.AccessToken
	}

	return &Client{
		api: httputil.NewAPIClient(httputil.APIClientConfig{
			BaseURL: cfg.APIURL,
			Headers: headers,
			Timeout: cfg.Timeout,
		}),
		logger: cfg.Logger,
	}
}

// Send delivers messages in chunks of MaxMessagesPerRequest, one chunk at a
// time. Malformed tokens are skipped and rejected tickets counted as failed;
// neither fails the call. An error is returned only when no chunk could be
// delivered at all.
func (c *Client) Send(ctx context.Context, messages []Message) (*SendResult, error) {
	result := &SendResult{}

	valid := make([]Message, 0, len(messages))
	for _, m := range messages {
		if !IsValidToken(m.To) {
			result.Skipped++
			continue
		}
		valid = append(valid, m)
	}

	var lastErr error
	chunks := 0
	delivered := 0
	for start := 0; start < len(valid); start += MaxMessagesPerRequest {
		end := start + MaxMessagesPerRequest
		if end > len(valid) {
			end = len(valid)
		}
		chunk := valid[start:end]
		chunks++

		tickets, err := c.sendChunk(ctx, chunk)
		if err != nil {
			lastErr = err
			result.Failed += len(chunk)
			c.logger.WithContext(ctx).WithError(err).WithField("chunk_size", len(chunk)).Error("push chunk failed")
			if ctx.Err() != nil {
				break
			}
			continue
		}
		delivered++

		for i, m := range chunk {
			if i >= len(tickets) {
				result.Failed++
				result.Errors = append(result.Errors, TicketError{Token: m.To, Message: "no ticket returned"})
				continue
			}
			if tickets[i].Status == "ok" {
				result.Sent++
				continue
			}
			result.Failed++
			result.Errors = append(result.Errors, TicketError{Token: m.To, Message: tickets[i].Message})
		}
	}

	metrics.RecordPushTickets(result.Sent, result.Failed)

	if chunks > 0 && delivered == 0 {
		return result, lastErr
	}
	return result, nil
}

func (c *Client) sendChunk(ctx context.Context, chunk []Message) ([]Ticket, error) {
	resp, err := c.api.Post(ctx, sendPath, chunk)
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}

	var body struct {
		Data   []Ticket `json:"data"`
		Errors []struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := httputil.DecodeResponse(resp, &body); err != nil {
		return nil, svcerrors.Upstream(fmt.Sprintf("expo: %v", err), err)
	}
	if len(body.Errors) > 0 && len(body.Data) == 0 {
		return nil, svcerrors.Upstream("expo: "+body.Errors[0].Message, nil)
	}
	return body.Data, nil
}
