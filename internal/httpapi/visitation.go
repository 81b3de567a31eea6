package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/supabase"
)

const slotsTable = "visitation_slots"

type reserveRequest struct {
	UserID string `json:"user_id"`
	Notes  string `json:"notes,omitempty"`
}

func (a *API) registerVisitation(r *mux.Router) {
	slots := a.resource(slotsTable, "date", "start_time").orderBy("date", false)
	r.HandleFunc("/slots", a.listSlots).Methods(http.MethodGet)
	r.HandleFunc("/slots", slots.create).Methods(http.MethodPost)
	r.HandleFunc("/slots/{id}", slots.remove).Methods(http.MethodDelete)
	r.HandleFunc("/slots/{id}/reserve", a.reserveSlot).Methods(http.MethodPost)
	r.HandleFunc("/slots/{id}/reserve", a.releaseSlot).Methods(http.MethodDelete)
}

// listSlots lists slots; available=true keeps only unreserved ones.
func (a *API) listSlots(w http.ResponseWriter, r *http.Request) {
	available := truthy(r.URL.Query().Get("available"))
	rows, err := a.db.Table(slotsTable).List(r.Context(), func(q *supabase.QueryBuilder) {
		if available {
			q.Eq("is_reserved", false)
		}
		q.Order("date").Order("start_time")
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, rows)
}

// reserveSlot claims a slot. The update only matches an unreserved slot, so
// of two concurrent reservations exactly one succeeds.
func (a *API) reserveSlot(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	var req reserveRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		a.fail(w, r, svcerrors.Validation("user_id is required"))
		return
	}

	patch := supabase.Row{
		"is_reserved": true,
		"reserved_by": req.UserID,
		"reserved_at": time.Now().UTC().Format(time.RFC3339),
	}
	if req.Notes != "" {
		patch["notes"] = req.Notes
	}

	var rows []supabase.Row
	err := a.db.From(slotsTable).Update(patch).
		Eq("id", id).
		Eq("is_reserved", false).
		ExecuteInto(r.Context(), &rows)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if len(rows) == 0 {
		// Tell a missing slot apart from one somebody else holds.
		if _, gerr := a.db.Table(slotsTable).Get(r.Context(), id); gerr != nil {
			a.fail(w, r, gerr)
			return
		}
		a.fail(w, r, svcerrors.Conflict("slot is already reserved"))
		return
	}
	ok(w, rows[0])
}

func (a *API) releaseSlot(w http.ResponseWriter, r *http.Request) {
	stored, err := a.db.Table(slotsTable).Update(r.Context(), mux.Vars(r)["id"], supabase.Row{
		"is_reserved": false,
		"reserved_by": nil,
		"reserved_at": nil,
		"notes":       nil,
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, stored)
}
