package httpapi

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/supabase"
)

const usersTable = "users"

type signUpRequest struct {
	Email    string                 `json:"email"`
	Password string                 `json:"password"`
	Name     string                 `json:"name"`
	Phone    string                 `json:"phone,omitempty"`
	Profile  map[string]interface{} `json:"profile,omitempty"`
}

type signInRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (a *API) registerAuth(r *mux.Router) {
	r.HandleFunc("/signup", a.signUp).Methods(http.MethodPost)
	r.HandleFunc("/signin", a.signIn).Methods(http.MethodPost)
	r.HandleFunc("/signout", a.signOut).Methods(http.MethodPost)
	r.HandleFunc("/session", a.session).Methods(http.MethodGet)
}

// signUp registers the auth user, then inserts the matching profile row.
func (a *API) signUp(w http.ResponseWriter, r *http.Request) {
	var req signUpRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	req.Email = strings.TrimSpace(req.Email)
	if !httputil.RequireFields(w, map[string]string{"email": req.Email, "password": req.Password, "name": req.Name}) {
		return
	}

	session, err := a.db.Auth().SignUp(r.Context(), supabase.SignUpRequest{
		Email:    req.Email,
		Password: req.Password,
		Data:     map[string]interface{}{"name": req.Name},
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if session.User == nil || session.User.ID == "" {
		a.fail(w, r, svcerrors.Upstream("sign up returned no user", nil))
		return
	}

	profile := supabase.Row{}
	for k, v := range req.Profile {
		profile[k] = v
	}
	profile["id"] = session.User.ID
	profile["email"] = req.Email
	profile["name"] = req.Name
	if req.Phone != "" {
		profile["phone"] = req.Phone
	}

	stored, err := a.db.Table(usersTable).Insert(r.Context(), profile)
	if err != nil {
		a.logger.WithContext(r.Context()).WithError(err).
			WithField("user_id", session.User.ID).Error("profile insert failed after sign up")
		a.fail(w, r, err)
		return
	}

	created(w, map[string]interface{}{
		"user":    session.User,
		"session": sessionOrNil(session),
		"profile": stored,
	})
}

func (a *API) signIn(w http.ResponseWriter, r *http.Request) {
	var req signInRequest
	if !httputil.DecodeJSON(w, r, &req) {
		return
	}
	if !httputil.RequireFields(w, map[string]string{"email": req.Email, "password": req.Password}) {
		return
	}

	session, err := a.db.Auth().SignInWithPassword(r.Context(), strings.TrimSpace(req.Email), req.Password)
	if err != nil {
		a.logger.LogSecurityEvent(r.Context(), "sign_in_failed", map[string]interface{}{"email": req.Email})
		a.fail(w, r, err)
		return
	}
	ok(w, session)
}

func (a *API) signOut(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		a.fail(w, r, svcerrors.Unauthorized("missing bearer token"))
		return
	}
	if err := a.db.Auth().SignOut(r.Context(), token); err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, map[string]interface{}{"success": true})
}

// session returns the user behind the bearer token and its profile row, if any.
func (a *API) session(w http.ResponseWriter, r *http.Request) {
	token := httputil.BearerToken(r)
	if token == "" {
		a.fail(w, r, svcerrors.Unauthorized("missing bearer token"))
		return
	}
	user, err := a.db.Auth().GetUser(r.Context(), token)
	if err != nil {
		a.fail(w, r, err)
		return
	}

	var profile supabase.Row
	profile, err = a.db.Table(usersTable).Get(r.Context(), user.ID)
	if err != nil && !svcerrors.Is(err, svcerrors.ErrNotFound) {
		a.fail(w, r, err)
		return
	}
	ok(w, map[string]interface{}{"user": user, "profile": profile})
}

// sessionOrNil hides the session when sign up requires email confirmation.
func sessionOrNil(s *supabase.Session) *supabase.Session {
	if s.AccessToken == "" {
		return nil
	}
	return s
}

func (a *API) registerUsers(r *mux.Router) {
	users := a.resource(usersTable).orderBy("name", false)
	r.HandleFunc("", users.list).Methods(http.MethodGet)
	r.HandleFunc("/search", a.searchUsers).Methods(http.MethodGet)
	users.mountItem(r)
}

func (a *API) searchUsers(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		a.fail(w, r, svcerrors.Validation("q is required"))
		return
	}
	rows, err := a.db.Table(usersTable).List(r.Context(), func(qb *supabase.QueryBuilder) {
		qb.ILike("name", "*"+q+"*").Order("name").Limit(50)
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	ok(w, rows)
}
