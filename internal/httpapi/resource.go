package httpapi

import (
	"net/http"

	"github.com/gorilla/mux"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/supabase"
)

// queryFilter maps a query string parameter onto a column filter.
type queryFilter struct {
	param  string
	column string
	op     string // eq, gte, lte
}

// resource serves the plain CRUD routes of one table.
type resource struct {
	api      *API
	table    *supabase.Table
	required []string
	order    string
	desc     bool
	filters  []queryFilter
}

func (a *API) resource(table string, required ...string) *resource {
	return &resource{api: a, table: a.db.Table(table), required: required}
}

func (res *resource) orderBy(column string, desc bool) *resource {
	res.order = column
	res.desc = desc
	return res
}

func (res *resource) filter(param, column, op string) *resource {
	res.filters = append(res.filters, queryFilter{param: param, column: column, op: op})
	return res
}

// mount registers list, create, get, update, and delete on router.
func (res *resource) mount(router *mux.Router) {
	router.HandleFunc("", res.list).Methods(http.MethodGet)
	router.HandleFunc("", res.create).Methods(http.MethodPost)
	res.mountItem(router)
}

// mountItem registers the /{id} routes only.
func (res *resource) mountItem(router *mux.Router) {
	router.HandleFunc("/{id}", res.get).Methods(http.MethodGet)
	router.HandleFunc("/{id}", res.update).Methods(http.MethodPut, http.MethodPatch)
	router.HandleFunc("/{id}", res.remove).Methods(http.MethodDelete)
}

func (res *resource) scope(r *http.Request) func(*supabase.QueryBuilder) {
	query := r.URL.Query()
	return func(q *supabase.QueryBuilder) {
		for _, f := range res.filters {
			v := query.Get(f.param)
			if v == "" {
				continue
			}
			switch f.op {
			case "gte":
				q.Gte(f.column, v)
			case "lte":
				q.Lte(f.column, v)
			default:
				q.Eq(f.column, v)
			}
		}
		if res.order != "" {
			dir := supabase.OrderAsc
			if res.desc {
				dir = supabase.OrderDesc
			}
			q.Order(res.order, dir)
		}
	}
}

func (res *resource) list(w http.ResponseWriter, r *http.Request) {
	rows, err := res.table.List(r.Context(), res.scope(r))
	if err != nil {
		res.api.fail(w, r, err)
		return
	}
	ok(w, rows)
}

func (res *resource) get(w http.ResponseWriter, r *http.Request) {
	row, err := res.table.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		res.api.fail(w, r, err)
		return
	}
	ok(w, row)
}

func (res *resource) create(w http.ResponseWriter, r *http.Request) {
	row, decoded := res.api.decodeRow(w, r)
	if !decoded {
		return
	}
	if err := requireKeys(row, res.required...); err != nil {
		res.api.fail(w, r, err)
		return
	}

	stored, err := res.table.Insert(r.Context(), row)
	if err != nil {
		res.api.fail(w, r, err)
		return
	}
	created(w, stored)
}

func (res *resource) update(w http.ResponseWriter, r *http.Request) {
	patch, decoded := res.api.decodeRow(w, r)
	if !decoded {
		return
	}
	delete(patch, "id")
	if len(patch) == 0 {
		res.api.fail(w, r, svcerrors.Validation("no fields to update"))
		return
	}

	stored, err := res.table.Update(r.Context(), mux.Vars(r)["id"], patch)
	if err != nil {
		res.api.fail(w, r, err)
		return
	}
	ok(w, stored)
}

func (res *resource) remove(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := res.table.Delete(r.Context(), id); err != nil {
		res.api.fail(w, r, err)
		return
	}
	ok(w, map[string]interface{}{"success": true, "id": id})
}
