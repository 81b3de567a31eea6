package httpapi

import (
	"net/http"
	"path"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	svcerrors "github.com/congregation-app/backend/internal/errors"
	"github.com/congregation-app/backend/internal/supabase"
)

var folderPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type uploadResponse struct {
	Path string `json:"path"`
	URL  string `json:"url"`
}

func (a *API) registerUploads(r *mux.Router) {
	r.HandleFunc("/images", a.uploadImage).Methods(http.MethodPost)
}

// uploadImage stores the multipart "file" under uploads/<folder>/ and returns its public URL.
func (a *API) uploadImage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxImageBytes+1<<20)
	if err := r.ParseMultipartForm(maxImageBytes); err != nil {
		a.fail(w, r, svcerrors.Validation("invalid multipart form: "+err.Error()))
		return
	}

	img, err := readImage(r, "file")
	if err != nil {
		a.fail(w, r, err)
		return
	}
	if img == nil {
		a.fail(w, r, svcerrors.Validation("file is required"))
		return
	}

	folder := strings.TrimSpace(r.FormValue("folder"))
	if folder == "" {
		folder = "general"
	}
	if !folderPattern.MatchString(folder) {
		a.fail(w, r, svcerrors.Validation("folder may only contain letters, digits, '-' and '_'"))
		return
	}

	name := uuid.NewString() + strings.ToLower(path.Ext(img.Filename))
	obj, err := a.images.Upload(r.Context(), path.Join("uploads", folder, name), img.Data, &supabase.UploadOptions{
		ContentType:  img.ContentType,
		CacheControl: "3600",
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	created(w, uploadResponse{Path: obj.Path, URL: obj.PublicURL})
}
