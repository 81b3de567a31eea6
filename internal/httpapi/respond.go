package httpapi

import (
	"net/http"
	"strings"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/supabase"
)

// fail renders err and logs it when it is a server-side failure.
func (a *API) fail(w http.ResponseWriter, r *http.Request, err error) {
	se := svcerrors.GetServiceError(err)
	if se == nil || se.HTTPStatus >= http.StatusInternalServerError {
		a.logger.WithContext(r.Context()).WithError(err).
			WithField("path", r.URL.Path).Error("request failed")
	}
	httputil.WriteError(w, r, err)
}

// decodeRow decodes a JSON object body. It writes a 400 and returns false on failure.
func (a *API) decodeRow(w http.ResponseWriter, r *http.Request) (supabase.Row, bool) {
	var row supabase.Row
	if !httputil.DecodeJSON(w, r, &row) {
		return nil, false
	}
	if row == nil {
		a.fail(w, r, svcerrors.Validation("request body must be a JSON object"))
		return nil, false
	}
	return row, true
}

// requireKeys checks that each key is present and not blank.
func requireKeys(row supabase.Row, keys ...string) error {
	for _, k := range keys {
		v, ok := row[k]
		if !ok || v == nil {
			return svcerrors.Validation(k + " is required")
		}
		if s, isString := v.(string); isString && strings.TrimSpace(s) == "" {
			return svcerrors.Validation(k + " is required")
		}
	}
	return nil
}

func ok(w http.ResponseWriter, v interface{}) {
	httputil.WriteJSON(w, http.StatusOK, v)
}

func created(w http.ResponseWriter, v interface{}) {
	httputil.WriteJSON(w, http.StatusCreated, v)
}
