package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/notifications"
)

type registerTokenRequest struct {
	UserID   string `json:"user_id"`
	Token    string `json:"token"`
	Platform string `json:"platform,omitempty"`
}

func (a *API) registerNotifications(r *mux.Router) {
	r.HandleFunc("/tokens", a.registerToken).Methods(http.MethodPost)
	r.HandleFunc("/tokens/{token}", a.removeToken).Methods(http.MethodDelete)
	r.HandleFunc("/send", a.sendNotification).Methods(http.MethodPost)
}

func (a *API) registerToken(w http.ResponseWriter, r *http.Request) {
	var req registerTokenRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !httputil.RequireFields(w, map[string]string{"user_id": req.UserID, "token": req.Token}) {
		return
	}
	row, err := a.notifications.RegisterToken(r.Context(), req.UserID, req.Token, req.Platform)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, row)
}

func (a *API) removeToken(w http.ResponseWriter, r *http.Request) {
	if err := a.notifications.RemoveToken(r.Context(), mux.Vars(r)["token"]); err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, map[string]interface{}{"success": true})
}

func (a *API) sendNotification(w http.ResponseWriter, r *http.Request) {
	var n notifications.Notification
	if !httputil.DecodeJSON(w, r, &n) {
		return
	}
	result, err := a.notifications.Broadcast(r.Context(), n)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, result)
}
