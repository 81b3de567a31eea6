package supabase

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	svcerrors "github.com/congregation-app/backend/internal/errors"
)

// =============================================================================
// Query Builder
// =============================================================================

// QueryBuilder builds and executes PostgREST queries.
type QueryBuilder struct {
	client      *Client
	table       string
	method      string
	columns     string
	filters     []string
	orders      []string
	limitVal    *int
	onConflict  string
	body        []byte
	bodyErr     error
	headers     map[string]string
	accessToken string
}

// Select specifies columns to select.
func (q *QueryBuilder) Select(columns string) *QueryBuilder {
	q.method = http.MethodGet
	q.columns = columns
	return q
}

// Insert inserts records.
func (q *QueryBuilder) Insert(data interface{}) *QueryBuilder {
	q.method = http.MethodPost
	q.setBody(data)
	q.headers["Prefer"] = "return=representation"
	return q
}

// Upsert inserts or merges records. onConflict names the unique columns.
func (q *QueryBuilder) Upsert(data interface{}, onConflict string) *QueryBuilder {
	q.method = http.MethodPost
	q.setBody(data)
	q.headers["Prefer"] = "return=representation,resolution=merge-duplicates"
	q.onConflict = onConflict
	return q
}

// Update updates records matching the filters.
func (q *QueryBuilder) Update(data interface{}) *QueryBuilder {
	q.method = http.MethodPatch
	q.setBody(data)
	q.headers["Prefer"] = "return=representation"
	return q
}

// Delete deletes records matching the filters.
func (q *QueryBuilder) Delete() *QueryBuilder {
	q.method = http.MethodDelete
	q.headers["Prefer"] = "return=representation"
	return q
}

func (q *QueryBuilder) setBody(data interface{}) {
	q.body, q.bodyErr = json.Marshal(data)
}

// =============================================================================
// Filters
// =============================================================================

func (q *QueryBuilder) filter(column, op string, value interface{}) *QueryBuilder {
	q.filters = append(q.filters, url.QueryEscape(column)+"="+op+"."+url.QueryEscape(fmt.Sprint(value)))
	return q
}

// Eq adds an equality filter.
func (q *QueryBuilder) Eq(column string, value interface{}) *QueryBuilder {
	return q.filter(column, "eq", value)
}

// Neq adds a not-equal filter.
func (q *QueryBuilder) Neq(column string, value interface{}) *QueryBuilder {
	return q.filter(column, "neq", value)
}

// Gt adds a greater-than filter.
func (q *QueryBuilder) Gt(column string, value interface{}) *QueryBuilder {
	return q.filter(column, "gt", value)
}

// Gte adds a greater-than-or-equal filter.
func (q *QueryBuilder) Gte(column string, value interface{}) *QueryBuilder {
	return q.filter(column, "gte", value)
}

// Lt adds a less-than filter.
func (q *QueryBuilder) Lt(column string, value interface{}) *QueryBuilder {
	return q.filter(column, "lt", value)
}

// Lte adds a less-than-or-equal filter.
func (q *QueryBuilder) Lte(column string, value interface{}) *QueryBuilder {
	return q.filter(column, "lte", value)
}

// Like adds a LIKE filter.
func (q *QueryBuilder) Like(column, pattern string) *QueryBuilder {
	return q.filter(column, "like", pattern)
}

// ILike adds a case-insensitive LIKE filter.
func (q *QueryBuilder) ILike(column, pattern string) *QueryBuilder {
	return q.filter(column, "ilike", pattern)
}

// Is adds an IS filter (for null, true, false).
func (q *QueryBuilder) Is(column string, value interface{}) *QueryBuilder {
	return q.filter(column, "is", value)
}

// In adds an IN filter.
func (q *QueryBuilder) In(column string, values []string) *QueryBuilder {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return q.filter(column, "in", "("+strings.Join(quoted, ",")+")")
}

// Contains adds a contains filter for array and jsonb columns.
func (q *QueryBuilder) Contains(column string, values []string) *QueryBuilder {
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = `"` + strings.ReplaceAll(v, `"`, `\"`) + `"`
	}
	return q.filter(column, "cs", "{"+strings.Join(quoted, ",")+"}")
}

// =============================================================================
// Ordering and Pagination
// =============================================================================

// Order adds an order clause.
func (q *QueryBuilder) Order(column string, opts ...OrderDirection) *QueryBuilder {
	dir := OrderAsc
	if len(opts) > 0 {
		dir = opts[0]
	}
	q.orders = append(q.orders, fmt.Sprintf("%s.%s", column, dir))
	return q
}

// Limit sets the maximum number of rows.
func (q *QueryBuilder) Limit(n int) *QueryBuilder {
	q.limitVal = &n
	return q
}

// Single expects exactly one row; zero rows surface as NotFound.
func (q *QueryBuilder) Single() *QueryBuilder {
	q.headers["Accept"] = "application/vnd.pgrst.object+json"
	return q
}

// WithToken runs the query as the signed-in user so row level security applies.
func (q *QueryBuilder) WithToken(token string) *QueryBuilder {
	q.accessToken = token
	return q
}

// =============================================================================
// Execution
// =============================================================================

// Execute executes the query and returns the raw response body.
func (q *QueryBuilder) Execute(ctx context.Context) ([]byte, error) {
	if q.bodyErr != nil {
		return nil, svcerrors.Validation("request body is not serializable: " + q.bodyErr.Error())
	}

	urlStr := q.buildURL()

	var (
		respBody   []byte
		statusCode int
		err        error
	)
	if q.accessToken != "" {
		respBody, statusCode, err = q.client.requestWithToken(ctx, q.method, urlStr, q.body, q.headers, q.accessToken)
	} else {
		respBody, statusCode, err = q.client.request(ctx, q.method, urlStr, q.body, q.headers)
	}
	if err != nil {
		return nil, svcerrors.Upstream("", err)
	}

	if statusCode >= 400 {
		return nil, parseError(respBody, statusCode)
	}

	return respBody, nil
}

// ExecuteInto executes the query and unmarshals into dest.
func (q *QueryBuilder) ExecuteInto(ctx context.Context, dest interface{}) error {
	data, err := q.Execute(ctx)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return nil
	}

	if err := json.Unmarshal(data, dest); err != nil {
		return svcerrors.Upstream("", fmt.Errorf("unmarshal response: %w", err))
	}

	return nil
}

// buildURL builds the request URL.
func (q *QueryBuilder) buildURL() string {
	urlStr := q.client.restURL + "/" + url.PathEscape(q.table)

	params := make([]string, 0, len(q.filters)+4)

	if q.method == http.MethodGet && q.columns != "" {
		params = append(params, "select="+url.QueryEscape(q.columns))
	}

	params = append(params, q.filters...)

	if len(q.orders) > 0 {
		params = append(params, "order="+strings.Join(q.orders, ","))
	}

	if q.limitVal != nil {
		params = append(params, fmt.Sprintf("limit=%d", *q.limitVal))
	}

	if q.onConflict != "" {
		params = append(params, "on_conflict="+url.QueryEscape(q.onConflict))
	}

	if len(params) > 0 {
		urlStr += "?" + strings.Join(params, "&")
	}

	return urlStr
}

// =============================================================================
// Table helper
// =============================================================================

// Table wraps the row operations handlers use against an id-keyed table.
type Table struct {
	client *Client
	name   string
}

// Name returns the table name.
func (t *Table) Name() string {
	return t.name
}

// Query starts a select on the table.
func (t *Table) Query() *QueryBuilder {
	return t.client.From(t.name)
}

// List runs the select built by scope (may be nil).
func (t *Table) List(ctx context.Context, scope func(*QueryBuilder)) ([]Row, error) {
	q := t.client.From(t.name).Select("*")
	if scope != nil {
		scope(q)
	}
	rows := []Row{}
	if err := q.ExecuteInto(ctx, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

// Get returns the row with the given id.
func (t *Table) Get(ctx context.Context, id string) (Row, error) {
	var row Row
	err := t.client.From(t.name).Select("*").Eq("id", id).Single().ExecuteInto(ctx, &row)
	if err != nil {
		return nil, notFoundAs(err, t.name, id)
	}
	return row, nil
}

// Insert inserts one row and returns it as stored.
func (t *Table) Insert(ctx context.Context, row Row) (Row, error) {
	return t.one(ctx, t.client.From(t.name).Insert(row), "")
}

// Upsert inserts or merges one row on the onConflict columns.
func (t *Table) Upsert(ctx context.Context, row Row, onConflict string) (Row, error) {
	return t.one(ctx, t.client.From(t.name).Upsert(row, onConflict), "")
}

// Update patches the row with the given id.
func (t *Table) Update(ctx context.Context, id string, patch Row) (Row, error) {
	return t.one(ctx, t.client.From(t.name).Update(patch).Eq("id", id), id)
}

// Delete removes the row with the given id.
func (t *Table) Delete(ctx context.Context, id string) error {
	_, err := t.one(ctx, t.client.From(t.name).Delete().Eq("id", id), id)
	return err
}

// one executes a write returning representation and expects at least one row.
func (t *Table) one(ctx context.Context, q *QueryBuilder, id string) (Row, error) {
	var rows []Row
	if err := q.ExecuteInto(ctx, &rows); err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, svcerrors.NotFound(t.name, id)
	}
	return rows[0], nil
}

func notFoundAs(err error, table, id string) error {
	if svcerrors.Is(err, svcerrors.ErrNotFound) {
		return svcerrors.NotFound(table, id)
	}
	return err
}
