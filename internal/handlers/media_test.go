package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/inkwell-cms/apiserver/internal/services"
	"github.com/inkwell-cms/apiserver/internal/storage"
	"github.com/inkwell-cms/apiserver/internal/store"
	"github.com/inkwell-cms/apiserver/types"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret"

type stubMedia struct {
	createKind   types.ResourceKind
	createSource *services.MediaSource
	createBody   []byte
	createMeta   services.MediaMetadata

	updateVersion int64
	updatePatch   services.MediaPatch

	err error
}

func (s *stubMedia) List(ctx context.Context, kind types.ResourceKind, offset, limit int) ([]types.MediaRecord, int, error) {
	return []types.MediaRecord{{ID: 1, Kind: kind, Version: 1}}, 1, s.err
}

func (s *stubMedia) Get(ctx context.Context, kind types.ResourceKind, id int64) (types.MediaRecord, error) {
	if s.err != nil {
		return types.MediaRecord{}, s.err
	}
	return types.MediaRecord{ID: id, Kind: kind, Version: 1}, nil
}

func (s *stubMedia) Create(ctx context.Context, kind types.ResourceKind, src *services.MediaSource, meta services.MediaMetadata) (types.MediaRecord, error) {
	s.createKind = kind
	s.createSource = src
	s.createMeta = meta
	if src != nil && src.Reader != nil {
		s.createBody, _ = io.ReadAll(src.Reader)
	}
	if s.err != nil {
		return types.MediaRecord{}, s.err
	}
	return types.MediaRecord{ID: 9, Kind: kind, StorageKey: "photos/a_1", Version: 1}, nil
}

func (s *stubMedia) Update(ctx context.Context, kind types.ResourceKind, id, expectedVersion int64, src *services.MediaSource, patch services.MediaPatch) (types.MediaRecord, error) {
	s.updateVersion = expectedVersion
	s.updatePatch = patch
	if s.err != nil {
		return types.MediaRecord{}, s.err
	}
	return types.MediaRecord{ID: id, Kind: kind, Version: expectedVersion + 1}, nil
}

func (s *stubMedia) Delete(ctx context.Context, kind types.ResourceKind, id int64) error {
	return s.err
}

func (s *stubMedia) IssueUploadCredential(ctx context.Context, kind types.ResourceKind, filename, contentType string) (storage.UploadCredential, error) {
	if s.err != nil {
		return storage.UploadCredential{}, s.err
	}
	return storage.UploadCredential{Key: "videos/" + filename, URL: "https://signed.test", Method: "PUT"}, nil
}

type stubReconciler struct {
	dryRun bool
}

func (s *stubReconciler) Reconcile(ctx context.Context, kind types.ResourceKind) (types.ReconcileReport, error) {
	return types.ReconcileReport{Kind: kind, RemovedDBRows: 1}, nil
}

func (s *stubReconciler) Plan(ctx context.Context, kind types.ResourceKind) (types.ReconcileReport, error) {
	s.dryRun = true
	return types.ReconcileReport{Kind: kind, DryRun: true}, nil
}

func newTestRouter(media MediaService, reconciler Reconciler) http.Handler {
	r := chi.NewRouter()
	auth := RequireAuth(testSecret)
	r.Route("/media", func(r chi.Router) {
		MediaRouter(r, media, 1<<20, auth)
	})
	r.Route("/admin", func(r chi.Router) {
		AdminRouter(r, reconciler, auth)
	})
	return r
}

func bearer(t *testing.T, role string) string {
	t.Helper()
	token, err := IssueToken("42", role, testSecret, time.Hour)
	require.NoError(t, err)
	return "Bearer " + token
}

func multipartBody(t *testing.T, fields map[string]string, file []byte) (*bytes.Buffer, string) {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	for key, value := range fields {
		require.NoError(t, writer.WriteField(key, value))
	}
	if file != nil {
		part, err := writer.CreateFormFile("file", "beach.jpg")
		require.NoError(t, err)
		_, err = part.Write(file)
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return body, writer.FormDataContentType()
}

func TestListMedia(t *testing.T) {
	router := newTestRouter(&stubMedia{}, &stubReconciler{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/photos/?page=2&limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp MediaListResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, 2, resp.Page)
	require.Equal(t, 5, resp.Limit)
	require.Len(t, resp.Items, 1)
	require.Equal(t, types.KindPhoto, resp.Items[0].Kind)
}

func TestListUnknownKind(t *testing.T) {
	router := newTestRouter(&stubMedia{}, &stubReconciler{})

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/media/podcasts/", nil))
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCreateRequiresAuth(t *testing.T) {
	media := &stubMedia{}
	router := newTestRouter(media, &stubReconciler{})

	body, contentType := multipartBody(t, map[string]string{"description": "x"}, []byte("jpeg"))
	req := httptest.NewRequest(http.MethodPost, "/media/photos/", body)
	req.Header.Set("Content-Type", contentType)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusUnauthorized, rec.Code)
	require.Empty(t, media.createKind)
}

func TestCreateWithFile(t *testing.T) {
	media := &stubMedia{}
	router := newTestRouter(media, &stubReconciler{})

	body, contentType := multipartBody(t, map[string]string{
		"description": " sunset ",
		"category_id": "3",
		"tag_ids":     "1, 2",
	}, []byte("jpeg-bytes"))
	req := httptest.NewRequest(http.MethodPost, "/media/photos/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Equal(t, types.KindPhoto, media.createKind)
	require.Equal(t, "beach.jpg", media.createSource.Filename)
	require.Equal(t, int64(len("jpeg-bytes")), media.createSource.Size)
	require.Equal(t, []byte("jpeg-bytes"), media.createBody)
	require.Equal(t, "sunset", media.createMeta.Description)
	require.Equal(t, int64(3), *media.createMeta.CategoryID)
	require.Equal(t, []int64{1, 2}, media.createMeta.TagIDs)
}

func TestCreateFromStorageKey(t *testing.T) {
	media := &stubMedia{}
	router := newTestRouter(media, &stubReconciler{})

	form := url.Values{"storage_key": {"photos/picked"}, "url": {"https://cdn.test/photos/picked"}}
	req := httptest.NewRequest(http.MethodPost, "/media/photo/", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	require.Nil(t, media.createSource.Reader)
	require.Equal(t, "photos/picked", media.createSource.StorageKey)
	require.Nil(t, media.createMeta.TagIDs)
}

func TestCreateRejectsOversizedFile(t *testing.T) {
	media := &stubMedia{}
	router := newTestRouter(media, &stubReconciler{})

	body, contentType := multipartBody(t, nil, bytes.Repeat([]byte{1}, 2<<20))
	req := httptest.NewRequest(http.MethodPost, "/media/videos/", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Empty(t, media.createKind)
}

func TestUpdateRequiresVersion(t *testing.T) {
	router := newTestRouter(&stubMedia{}, &stubReconciler{})

	form := url.Values{"description": {"new"}}
	req := httptest.NewRequest(http.MethodPut, "/media/photos/5", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateMetadataPatch(t *testing.T) {
	media := &stubMedia{}
	router := newTestRouter(media, &stubReconciler{})

	form := url.Values{"version": {"4"}, "category_id": {""}, "tag_ids": {""}}
	req := httptest.NewRequest(http.MethodPut, "/media/photos/5", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Equal(t, int64(4), media.updateVersion)
	require.True(t, media.updatePatch.ClearCategory)
	require.NotNil(t, media.updatePatch.TagIDs)
	require.Empty(t, media.updatePatch.TagIDs)
	require.Nil(t, media.updatePatch.Description)
}

func TestServiceErrorStatuses(t *testing.T) {
	cases := []struct {
		err    error
		status int
	}{
		{&services.Error{Kind: services.KindConflict, Err: store.ErrVersionConflict}, http.StatusConflict},
		{&services.Error{Kind: services.KindNotFound, Err: store.ErrNotFound}, http.StatusNotFound},
		{&services.Error{Kind: services.KindResourceNotFound}, http.StatusNotFound},
		{&services.Error{Kind: services.KindInvalid}, http.StatusBadRequest},
		{&services.Error{Kind: services.KindUpload}, http.StatusBadGateway},
		{&services.Error{Kind: services.KindLookup}, http.StatusBadGateway},
		{&services.Error{Kind: services.KindPersist}, http.StatusInternalServerError},
		{&services.Error{Kind: services.KindUpload, Err: &storage.Error{Op: "presign", Err: storage.ErrPresignUnsupported}}, http.StatusNotImplemented},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeServiceError(rec, tc.err)
		require.Equal(t, tc.status, rec.Code, tc.err.Error())
	}
}

func TestDeleteMedia(t *testing.T) {
	router := newTestRouter(&stubMedia{}, &stubReconciler{})

	req := httptest.NewRequest(http.MethodDelete, "/media/videos/3", nil)
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	req = httptest.NewRequest(http.MethodDelete, "/media/videos/zero", nil)
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestIssueUploadCredential(t *testing.T) {
	router := newTestRouter(&stubMedia{}, &stubReconciler{})

	form := url.Values{"filename": {"clip.mp4"}, "content_type": {"video/mp4"}}
	req := httptest.NewRequest(http.MethodPost, "/media/videos/upload-credential", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var cred storage.UploadCredential
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &cred))
	require.Equal(t, "videos/clip.mp4", cred.Key)
	require.Equal(t, "PUT", cred.Method)
}

func TestAdminReconcile(t *testing.T) {
	reconciler := &stubReconciler{}
	router := newTestRouter(&stubMedia{}, reconciler)

	req := httptest.NewRequest(http.MethodPost, "/admin/reconcile/photos", nil)
	req.Header.Set("Authorization", bearer(t, "editor"))
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/admin/reconcile/photos?dry_run=true", nil)
	req.Header.Set("Authorization", bearer(t, "admin"))
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, reconciler.dryRun)

	var report types.ReconcileReport
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &report))
	require.Equal(t, types.KindPhoto, report.Kind)
	require.True(t, report.DryRun)
}

func TestRequireAuthRejectsBadTokens(t *testing.T) {
	handler := RequireAuth(testSecret)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	other, err := IssueToken("42", "admin", "other-secret", time.Hour)
	require.NoError(t, err)
	expired, err := IssueToken("42", "admin", testSecret, -time.Minute)
	require.NoError(t, err)

	for _, header := range []string{"", "Basic abc", "Bearer ", "Bearer " + other, "Bearer " + expired} {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		require.Equal(t, http.StatusUnauthorized, rec.Code, header)
	}

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.Header.Set("Authorization", bearer(t, ""))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTeapot, rec.Code)
}
