package handlers

import (
	"context"
	"errors"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/inkwell-cms/apiserver/internal/services"
	"github.com/inkwell-cms/apiserver/internal/storage"
	"github.com/inkwell-cms/apiserver/types"
)

const (
	maxMultipartMemory   = 32 << 20
	formFieldFile        = "file"
	formFieldStorageKey  = "storage_key"
	formFieldURL         = "url"
	formFieldDesc        = "description"
	formFieldCategory    = "category_id"
	formFieldTags        = "tag_ids"
	formFieldVersion     = "version"
	formFieldFilename    = "filename"
	formFieldContentType = "content_type"
)

// MediaService is the media use-case surface served over HTTP.
type MediaService interface {
	List(ctx context.Context, kind types.ResourceKind, offset, limit int) ([]types.MediaRecord, int, error)
	Get(ctx context.Context, kind types.ResourceKind, id int64) (types.MediaRecord, error)
	Create(ctx context.Context, kind types.ResourceKind, src *services.MediaSource, meta services.MediaMetadata) (types.MediaRecord, error)
	Update(ctx context.Context, kind types.ResourceKind, id, expectedVersion int64, src *services.MediaSource, patch services.MediaPatch) (types.MediaRecord, error)
	Delete(ctx context.Context, kind types.ResourceKind, id int64) error
	IssueUploadCredential(ctx context.Context, kind types.ResourceKind, filename, contentType string) (storage.UploadCredential, error)
}

// MediaHandler provides HTTP handlers for article covers, photos and videos.
type MediaHandler struct {
	media          MediaService
	maxUploadBytes int64
}

func NewMediaHandler(media MediaService, maxUploadBytes int64) *MediaHandler {
	return &MediaHandler{media: media, maxUploadBytes: maxUploadBytes}
}

// MediaRouter registers media routes on the given router. Reads are public,
// writes go through authMiddleware.
func MediaRouter(r chi.Router, media MediaService, maxUploadBytes int64, authMiddleware func(http.Handler) http.Handler) {
	handler := NewMediaHandler(media, maxUploadBytes)

	r.Route("/{kind}", func(r chi.Router) {
		r.Get("/", handler.ListMedia)
		r.With(authMiddleware).Post("/", handler.CreateMedia)
		r.With(authMiddleware).Post("/upload-credential", handler.IssueUploadCredential)
		r.Route("/{id}", func(r chi.Router) {
			r.Get("/", handler.GetMedia)
			r.With(authMiddleware).Put("/", handler.UpdateMedia)
			r.With(authMiddleware).Delete("/", handler.DeleteMedia)
		})
	})
}

// MediaListResponse is the paginated list response payload.
type MediaListResponse struct {
	Items []types.MediaRecord `json:"items"`
	Page  int                 `json:"page"`
	Limit int                 `json:"limit"`
	Total int                 `json:"total"`
}

func (h *MediaHandler) ListMedia(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	page, limit, offset, err := parsePagination(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	items, total, err := h.media.List(r.Context(), kind, offset, limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if items == nil {
		items = []types.MediaRecord{}
	}

	writeJSON(w, http.StatusOK, MediaListResponse{
		Items: items,
		Page:  page,
		Limit: limit,
		Total: total,
	})
}

func (h *MediaHandler) GetMedia(w http.ResponseWriter, r *http.Request) {
	kind, id, err := parseKindAndID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rec, err := h.media.Get(r.Context(), kind, id)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *MediaHandler) CreateMedia(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}

	form, err := h.parseMediaForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer form.close()

	meta := services.MediaMetadata{}
	if form.description != nil {
		meta.Description = *form.description
	}
	meta.CategoryID = form.categoryID
	meta.TagIDs = form.tagIDs

	rec, err := h.media.Create(r.Context(), kind, form.source, meta)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *MediaHandler) UpdateMedia(w http.ResponseWriter, r *http.Request) {
	kind, id, err := parseKindAndID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	form, err := h.parseMediaForm(w, r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	defer form.close()

	if form.version == nil {
		writeError(w, http.StatusBadRequest, "version is required")
		return
	}

	patch := services.MediaPatch{
		Description:   form.description,
		CategoryID:    form.categoryID,
		ClearCategory: form.clearCategory,
		TagIDs:        form.tagIDs,
	}

	rec, err := h.media.Update(r.Context(), kind, id, *form.version, form.source, patch)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *MediaHandler) DeleteMedia(w http.ResponseWriter, r *http.Request) {
	kind, id, err := parseKindAndID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.media.Delete(r.Context(), kind, id); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// UploadCredentialRequest asks for a presigned direct upload.
type UploadCredentialRequest struct {
	Filename    string `json:"filename"`
	ContentType string `json:"content_type"`
}

func (h *MediaHandler) IssueUploadCredential(w http.ResponseWriter, r *http.Request) {
	kind, err := parseKind(r)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err := r.ParseForm(); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form")
		return
	}

	req := UploadCredentialRequest{
		Filename:    strings.TrimSpace(r.FormValue(formFieldFilename)),
		ContentType: strings.TrimSpace(r.FormValue(formFieldContentType)),
	}
	if req.Filename == "" {
		writeError(w, http.StatusBadRequest, "filename is required")
		return
	}

	cred, err := h.media.IssueUploadCredential(r.Context(), kind, req.Filename, req.ContentType)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cred)
}

// mediaForm is the parsed create/update payload. Pointer and nil-slice fields
// distinguish "absent" from "set to empty".
type mediaForm struct {
	source        *services.MediaSource
	description   *string
	categoryID    *int64
	clearCategory bool
	tagIDs        []int64
	version       *int64
	file          multipart.File
}

func (f *mediaForm) close() {
	if f.file != nil {
		_ = f.file.Close()
	}
}

func (h *MediaHandler) parseMediaForm(w http.ResponseWriter, r *http.Request) (*mediaForm, error) {
	if h.maxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+maxMultipartMemory)
	}
	if err := r.ParseMultipartForm(maxMultipartMemory); err != nil {
		if !errors.Is(err, http.ErrNotMultipart) {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				return nil, errors.New("uploaded file too large")
			}
			return nil, errors.New("invalid multipart form")
		}
		if err := r.ParseForm(); err != nil {
			return nil, errors.New("invalid form")
		}
	}

	form := &mediaForm{}
	values := r.Form

	if _, ok := values[formFieldDesc]; ok {
		desc := strings.TrimSpace(values.Get(formFieldDesc))
		form.description = &desc
	}

	if _, ok := values[formFieldCategory]; ok {
		categoryID, err := parseOptionalInt64(values.Get(formFieldCategory))
		if err != nil {
			return nil, errors.New("invalid category id")
		}
		form.categoryID = categoryID
		form.clearCategory = categoryID == nil
	}

	if _, ok := values[formFieldTags]; ok {
		tagIDs, err := parseIDList(values.Get(formFieldTags))
		if err != nil {
			return nil, errors.New("invalid tag ids")
		}
		form.tagIDs = tagIDs
	}

	if raw := strings.TrimSpace(values.Get(formFieldVersion)); raw != "" {
		version, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || version < 1 {
			return nil, errors.New("invalid version")
		}
		form.version = &version
	}

	if r.MultipartForm != nil && len(r.MultipartForm.File[formFieldFile]) > 0 {
		files := r.MultipartForm.File[formFieldFile]
		if len(files) > 1 {
			return nil, errors.New("only one file is allowed")
		}
		header := files[0]
		if h.maxUploadBytes > 0 && header.Size > h.maxUploadBytes {
			return nil, errors.New("uploaded file too large")
		}
		file, err := header.Open()
		if err != nil {
			return nil, errors.New("failed to read upload")
		}
		form.file = file
		form.source = &services.MediaSource{
			Reader:   file,
			Size:     header.Size,
			Filename: header.Filename,
		}
		return form, nil
	}

	if key := strings.TrimSpace(values.Get(formFieldStorageKey)); key != "" {
		form.source = &services.MediaSource{
			StorageKey: key,
			URL:        strings.TrimSpace(values.Get(formFieldURL)),
		}
	}
	return form, nil
}

func parseKind(r *http.Request) (types.ResourceKind, error) {
	return types.ParseResourceKind(chi.URLParam(r, "kind"))
}

func parseKindAndID(r *http.Request) (types.ResourceKind, int64, error) {
	kind, err := parseKind(r)
	if err != nil {
		return "", 0, err
	}
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || id < 1 {
		return "", 0, errors.New("invalid media id")
	}
	return kind, id, nil
}

// writeServiceError maps the media error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrPresignUnsupported) {
		writeError(w, http.StatusNotImplemented, "direct uploads are not supported by this storage backend")
		return
	}

	switch services.KindOf(err) {
	case services.KindConflict:
		writeError(w, http.StatusConflict, "record changed, refresh and retry")
	case services.KindNotFound:
		writeError(w, http.StatusNotFound, "media not found")
	case services.KindResourceNotFound:
		writeError(w, http.StatusNotFound, "storage object not found")
	case services.KindInvalid:
		writeError(w, http.StatusBadRequest, err.Error())
	case services.KindUpload:
		writeError(w, http.StatusBadGateway, "upload failed")
	case services.KindLookup:
		writeError(w, http.StatusBadGateway, "storage lookup failed")
	case services.KindReconciliation:
		writeError(w, http.StatusInternalServerError, "reconciliation failed")
	default:
		writeError(w, http.StatusInternalServerError, "failed to persist media")
	}
}
