package httpapi

import (
	"mime"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"

	"github.com/congregation-app/backend/internal/announcements"
	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/httputil"
	"github.com/congregation-app/backend/internal/idempotency"
	"github.com/congregation-app/backend/internal/supabase"
)

const maxImageBytes = 10 << 20

func (a *API) registerAnnouncements(r *mux.Router) {
	res := a.resource("announcements").orderBy("created_at", true)
	r.HandleFunc("", res.list).Methods(http.MethodGet)
	r.HandleFunc("", a.createAnnouncement).Methods(http.MethodPost)
	res.mountItem(r)
}

// createAnnouncement accepts either a JSON body or a multipart form with an
// optional "image" file. A replayed Idempotency-Key answers 200 instead of 201.
func (a *API) createAnnouncement(w http.ResponseWriter, r *http.Request) {
	req, parsed := a.parseAnnouncement(w, r)
	if !parsed {
		return
	}

	result, err := a.announcements.Create(r.Context(), strings.TrimSpace(r.Header.Get(idempotency.HeaderName)), req)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if result.Replayed {
		ok(w, result)
		return
	}
	created(w, result)
}

func (a *API) parseAnnouncement(w http.ResponseWriter, r *http.Request) (announcements.CreateRequest, bool) {
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType != "multipart/form-data" {
		row, decoded := a.decodeRow(w, r)
		if !decoded {
			return announcements.CreateRequest{}, false
		}
		notify := truthy(row["notify"])
		delete(row, "notify")
		return announcements.CreateRequest{Fields: row, Notify: notify}, true
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		a.fail(w, r, svcerrors.Validation("invalid multipart form: "+err.Error()))
		return announcements.CreateRequest{}, false
	}

	req := announcements.CreateRequest{Fields: supabase.Row{}}
	for key, values := range r.MultipartForm.Value {
		if len(values) == 0 {
			continue
		}
		if key == "notify" {
			req.Notify = truthy(values[0])
			continue
		}
		req.Fields[key] = values[0]
	}

	img, err := readImage(r, "image")
	if err != nil {
		a.fail(w, r, err)
		return announcements.CreateRequest{}, false
	}
	req.Image = img
	return req, true
}

// readImage returns the uploaded file under field, or nil when absent.
func readImage(r *http.Request, field string) (*announcements.Image, error) {
	file, header, err := r.FormFile(field)
	if err == http.ErrMissingFile {
		return nil, nil
	}
	if err != nil {
		return nil, svcerrors.Validation("invalid " + field + " upload: " + err.Error())
	}
	defer file.Close()

	data, err := httputil.ReadAllStrict(file, maxImageBytes)
	if err != nil {
		return nil, svcerrors.Validation(field + " exceeds 10MB")
	}

	contentType := header.Header.Get("Content-Type")
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return nil, svcerrors.Validation(field + " must be an image")
	}
	return &announcements.Image{Data: data, ContentType: contentType, Filename: header.Filename}, nil
}

func truthy(v interface{}) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		b, _ := strconv.ParseBool(strings.TrimSpace(t))
		return b
	}
	return false
}
