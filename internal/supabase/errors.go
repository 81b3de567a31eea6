package supabase

import (
	"encoding/json"
	"net/http"
	"strings"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

// Error represents a Supabase API error body.
type Error struct {
	Code       string `json:"code"`
	Message    string `json:"message"`
	Details    string `json:"details,omitempty"`
	Hint       string `json:"hint,omitempty"`
	StatusCode int    `json:"status_code"`
}

func (e *Error) Error() string {
	if e.Details != "" {
		return e.Message + ": " + e.Details
	}
	return e.Message
}

// parseError decodes a PostgREST/GoTrue/Storage error body and maps it onto
// the service error taxonomy. The returned error wraps *Error.
func parseError(body []byte, statusCode int) error {
	var errResp struct {
		Code             interface{} `json:"code"`
		Message          string      `json:"message"`
		Msg              string      `json:"msg"`
		Details          string      `json:"details"`
		Hint             string      `json:"hint"`
		Error            string      `json:"error"`
		ErrorDescription string      `json:"error_description"`
		ErrorCode        string      `json:"error_code"`
	}

	e := &Error{StatusCode: statusCode}
	if err := json.Unmarshal(body, &errResp); err != nil {
		e.Code = "unknown"
		e.Message = strings.TrimSpace(string(body))
	} else {
		// GoTrue sends a numeric code; only PostgREST codes are strings.
		if code, ok := errResp.Code.(string); ok {
			e.Code = code
		}
		if e.Code == "" {
			e.Code = errResp.ErrorCode
		}
		if e.Code == "" {
			e.Code = errResp.Error
		}
		e.Message = firstNonEmpty(errResp.Message, errResp.Msg, errResp.ErrorDescription, errResp.Error)
		e.Details = errResp.Details
		e.Hint = errResp.Hint
	}
	if e.Message == "" {
		e.Message = http.StatusText(statusCode)
	}

	return toServiceError(e)
}

func toServiceError(e *Error) error {
	var se *svcerrors.ServiceError
	switch {
	case e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden:
		se = svcerrors.Unauthorized(e.Message)
	case e.Code == "invalid_grant" || e.Code == "invalid_credentials":
		se = svcerrors.Unauthorized(e.Message)
	case e.Code == "PGRST116" || e.StatusCode == http.StatusNotAcceptable || e.StatusCode == http.StatusNotFound:
		se = svcerrors.New(svcerrors.CodeNotFound, e.Message, http.StatusNotFound, nil)
	case e.StatusCode == http.StatusConflict || e.Code == "23505":
		se = svcerrors.Conflict(e.Message)
	default:
		se = svcerrors.Upstream(e.Error(), nil)
	}
	se.Err = e
	return se
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
