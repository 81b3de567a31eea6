package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/supabase"
)

const (
	attendanceTable   = "attendance"
	deaconSchoolTable = "deacon_school_progress"
)

func (a *API) registerAttendance(router *mux.Router) {
	ar := router.PathPrefix("/attendance").Subrouter()
	ar.HandleFunc("", a.recordAttendance).Methods(http.MethodPost)
	ar.HandleFunc("", a.attendanceByDate).Methods(http.MethodGet)
	ar.HandleFunc("/user/{userId}", a.attendanceByUser).Methods(http.MethodGet)

	ds := router.PathPrefix("/deacon-school").Subrouter()
	ds.HandleFunc("/progress", a.upsertProgress).Methods(http.MethodPost)
	ds.HandleFunc("/progress/{id}", a.resource(deaconSchoolTable).remove).Methods(http.MethodDelete)
	ds.HandleFunc("/{userId}", a.progressByUser).Methods(http.MethodGet)
}

// recordAttendance upserts one record per user and date.
func (a *API) recordAttendance(w http.ResponseWriter, r *http.Request) {
	a.upsert(w, r, attendanceTable, "user_id,date")
}

func (a *API) attendanceByDate(w http.ResponseWriter, r *http.Request) {
	date := strings.TrimSpace(r.URL.Query().Get("date"))
	if date == "" {
		a.fail(w, r, svcerrors.Validation("date is required"))
		return
	}
	a.listWhere(w, r, attendanceTable, "date", date, "user_id")
}

func (a *API) attendanceByUser(w http.ResponseWriter, r *http.Request) {
	a.listWhere(w, r, attendanceTable, "user_id", mux.Vars(r)["userId"], "date.desc")
}

// upsertProgress records lesson progress, one row per user and lesson.
func (a *API) upsertProgress(w http.ResponseWriter, r *http.Request) {
	a.upsert(w, r, deaconSchoolTable, "user_id,lesson_id")
}

func (a *API) progressByUser(w http.ResponseWriter, r *http.Request) {
	a.listWhere(w, r, deaconSchoolTable, "user_id", mux.Vars(r)["userId"], "lesson_id")
}

// upsert writes the body keyed by the comma separated conflict columns,
// each of which is required.
func (a *API) upsert(w http.ResponseWriter, r *http.Request, table, onConflict string) {
	row, decoded := a.decodeRow(w, r)
	if !decoded {
		return
	}
	if err := requireKeys(row, strings.Split(onConflict, ",")...); err != nil {
		a.fail(w, r, err)
		return
	}
	stored, err := a.db.Table(table).Upsert(r.Context(), row, onConflict)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, stored)
}

// listWhere lists rows with column = value. order is "column" or "column.desc".
func (a *API) listWhere(w http.ResponseWriter, r *http.Request, table, column, value, order string) {
	rows, err := a.db.Table(table).List(r.Context(), func(q *supabase.QueryBuilder) {
		q.Eq(column, value)
		if col, desc := strings.CutSuffix(order, ".desc"); desc {
			q.Order(col, supabase.OrderDesc)
		} else {
			q.Order(order)
		}
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, rows)
}
