package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	"github.com/congregation-app/backend/internal/supabase"
)

func (a *API) registerCommunity(router *mux.Router) {
	a.resource("calendar_events", "title", "start_time").
		orderBy("start_time", false).
		filter("from", "start_time", "gte").
		filter("to", "start_time", "lte").
		mount(router.PathPrefix("/calendar").Subrouter())

	diptych := a.resource("diptych", "name", "type").
		orderBy("name", false).
		filter("type", "type", "eq")
	dr := router.PathPrefix("/diptych").Subrouter()
	dr.HandleFunc("", diptych.list).Methods(http.MethodGet)
	dr.HandleFunc("", diptych.create).Methods(http.MethodPost)
	dr.HandleFunc("/{id}", diptych.remove).Methods(http.MethodDelete)

	a.resource("prayer_requests", "content").
		orderBy("created_at", true).
		filter("user_id", "user_id", "eq").
		mount(router.PathPrefix("/prayer-requests").Subrouter())

	services := a.resource("service_roles", "name").orderBy("name", false)
	sr := router.PathPrefix("/services").Subrouter()
	sr.HandleFunc("/member/{userId}", a.servicesForMember).Methods(http.MethodGet)
	services.mount(sr)
}

// servicesForMember lists the service roles whose members include the user.
func (a *API) servicesForMember(w http.ResponseWriter, r *http.Request) {
	userID := mux.Vars(r)["userId"]
	rows, err := a.db.Table("service_roles").List(r.Context(), func(q *supabase.QueryBuilder) {
		q.Contains("members", []string{userID}).Order("name")
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, rows)
}
