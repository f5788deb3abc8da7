package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"time"

	"github.com/inkwell-cms/apiserver/internal/logger"
	"github.com/inkwell-cms/apiserver/internal/metrics"
	"github.com/inkwell-cms/apiserver/internal/storage"
	"github.com/inkwell-cms/apiserver/internal/store"
	"github.com/inkwell-cms/apiserver/types"
	"github.com/rs/zerolog"
)

const defaultUploadTimeout = 2 * time.Minute

// MediaRepository defines persistence operations for media records.
type MediaRepository interface {
	List(ctx context.Context, kind types.ResourceKind, offset, limit int) ([]types.MediaRecord, int, error)
	Get(ctx context.Context, kind types.ResourceKind, id int64) (types.MediaRecord, error)
	FindByStorageKey(ctx context.Context, kind types.ResourceKind, key string) (types.MediaRecord, error)
	Create(ctx context.Context, rec types.MediaRecord) (types.MediaRecord, error)
	Update(ctx context.Context, rec types.MediaRecord, expectedVersion int64) (types.MediaRecord, error)
	Delete(ctx context.Context, kind types.ResourceKind, id int64) (string, error)
	DeleteIfKey(ctx context.Context, kind types.ResourceKind, id int64, key string) (bool, error)
	ListKeys(ctx context.Context, kind types.ResourceKind) ([]types.KeyRef, error)
}

// ObjectStore is the object storage surface the media engine consumes.
type ObjectStore interface {
	Upload(ctx context.Context, r io.Reader, size int64, folder, nameHint string) (storage.UploadResult, error)
	Exists(ctx context.Context, key string) (bool, error)
	IssueUploadCredential(ctx context.Context, folder, nameHint, contentType string) (storage.UploadCredential, error)
	URL(key string) string
	Prefix(folder string) string
}

// MediaSource is where a record's object comes from: either fresh bytes to
// upload, or a key that already exists in the store.
type MediaSource struct {
	Reader   io.Reader
	Size     int64
	Filename string

	StorageKey string
	URL        string
}

func (s *MediaSource) isUpload() bool {
	return s != nil && s.Reader != nil
}

func (s *MediaSource) isReference() bool {
	return s != nil && s.Reader == nil && strings.TrimSpace(s.StorageKey) != ""
}

// MediaMetadata holds the non-storage fields of a new record.
type MediaMetadata struct {
	Description string
	CategoryID  *int64
	TagIDs      []int64
}

// MediaPatch describes a metadata edit. Nil fields are left unchanged; a
// non-nil empty TagIDs clears the tags.
type MediaPatch struct {
	Description   *string
	CategoryID    *int64
	ClearCategory bool
	TagIDs        []int64
}

func (p MediaPatch) apply(rec types.MediaRecord) types.MediaRecord {
	if p.Description != nil {
		rec.Description = *p.Description
	}
	switch {
	case p.ClearCategory:
		rec.CategoryID = nil
	case p.CategoryID != nil:
		id := *p.CategoryID
		rec.CategoryID = &id
	}
	if p.TagIDs != nil {
		rec.TagIDs = append([]int64{}, p.TagIDs...)
	}
	return rec
}

// MediaOptions tunes a MediaService.
type MediaOptions struct {
	// UploadTimeouts bounds uploads per kind. Videos usually need far more
	// than the ordinary request budget.
	UploadTimeouts       map[types.ResourceKind]time.Duration
	DefaultUploadTimeout time.Duration
}

// MediaService runs the upload, persist and compensate saga for every
// media kind.
type MediaService struct {
	repo        MediaRepository
	objects     ObjectStore
	compensator *Compensator
	opts        MediaOptions
	log         zerolog.Logger
}

func NewMediaService(repo MediaRepository, objects ObjectStore, compensator *Compensator, opts MediaOptions, log zerolog.Logger) *MediaService {
	if opts.DefaultUploadTimeout <= 0 {
		opts.DefaultUploadTimeout = defaultUploadTimeout
	}
	return &MediaService{
		repo:        repo,
		objects:     objects,
		compensator: compensator,
		opts:        opts,
		log:         logger.Component(log, "media"),
	}
}

func (s *MediaService) List(ctx context.Context, kind types.ResourceKind, offset, limit int) ([]types.MediaRecord, int, error) {
	if err := checkKind("list", kind); err != nil {
		return nil, 0, err
	}
	if limit <= 0 {
		limit = 10
	}
	if limit > 100 {
		limit = 100
	}
	records, total, err := s.repo.List(ctx, kind, offset, limit)
	if err != nil {
		return nil, 0, s.persistError("list", kind, 0, "", err)
	}
	return records, total, nil
}

func (s *MediaService) Get(ctx context.Context, kind types.ResourceKind, id int64) (types.MediaRecord, error) {
	if err := checkKind("get", kind); err != nil {
		return types.MediaRecord{}, err
	}
	rec, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return types.MediaRecord{}, s.persistError("get", kind, id, "", err)
	}
	return rec, nil
}

// Create uploads src (if it carries bytes) and then inserts the record. If the
// insert fails the fresh object is compensated and the insert error returned.
func (s *MediaService) Create(ctx context.Context, kind types.ResourceKind, src *MediaSource, meta MediaMetadata) (types.MediaRecord, error) {
	if err := checkKind("create", kind); err != nil {
		return types.MediaRecord{}, err
	}

	rec := types.MediaRecord{
		Kind:        kind,
		Description: meta.Description,
		CategoryID:  meta.CategoryID,
		TagIDs:      meta.TagIDs,
	}

	var uploadedKey string
	switch {
	case src.isUpload():
		res, err := s.upload(ctx, "create", kind, 0, src)
		if err != nil {
			return types.MediaRecord{}, err
		}
		uploadedKey = res.Key
		applyUpload(&rec, res)
	case src.isReference():
		if err := s.checkReference(ctx, "create", kind, 0, strings.TrimSpace(src.StorageKey)); err != nil {
			return types.MediaRecord{}, err
		}
		s.applyReference(&rec, src)
	}

	created, err := s.repo.Create(ctx, rec)
	if err != nil {
		if uploadedKey != "" {
			s.compensator.SafeDelete(ctx, kind, uploadedKey, ReasonPersistFailed)
		}
		return types.MediaRecord{}, s.persistError("create", kind, 0, rec.StorageKey, err)
	}

	s.log.Info().
		Str("kind", string(kind)).
		Int64("id", created.ID).
		Str("storage_key", created.StorageKey).
		Msg("media created")
	return created, nil
}

// Update applies patch and, when src is given, repoints the record at a new
// object. The write only lands if the stored version still equals
// expectedVersion. On success the replaced object is compensated; on failure
// the object uploaded by this call is.
func (s *MediaService) Update(ctx context.Context, kind types.ResourceKind, id, expectedVersion int64, src *MediaSource, patch MediaPatch) (types.MediaRecord, error) {
	if err := checkKind("update", kind); err != nil {
		return types.MediaRecord{}, err
	}

	current, err := s.repo.Get(ctx, kind, id)
	if err != nil {
		return types.MediaRecord{}, s.persistError("update", kind, id, "", err)
	}
	if current.Version != expectedVersion {
		metrics.RecordConflict(string(kind))
		return types.MediaRecord{}, &Error{
			Kind:     KindConflict,
			Op:       "update",
			Resource: kind,
			ID:       id,
			Err:      store.ErrVersionConflict,
		}
	}

	next := patch.apply(current)
	oldKey := current.StorageKey

	var uploadedKey string
	switch {
	case src.isUpload():
		res, err := s.upload(ctx, "update", kind, id, src)
		if err != nil {
			return types.MediaRecord{}, err
		}
		uploadedKey = res.Key
		applyUpload(&next, res)
	case src.isReference() && strings.TrimSpace(src.StorageKey) != oldKey:
		if err := s.checkReference(ctx, "update", kind, id, strings.TrimSpace(src.StorageKey)); err != nil {
			return types.MediaRecord{}, err
		}
		s.applyReference(&next, src)
	}

	updated, err := s.repo.Update(ctx, next, expectedVersion)
	if err != nil {
		if uploadedKey != "" {
			s.compensator.SafeDelete(ctx, kind, uploadedKey, ReasonPersistFailed)
		}
		return types.MediaRecord{}, s.persistError("update", kind, id, next.StorageKey, err)
	}

	if oldKey != "" && oldKey != updated.StorageKey && s.ownsKey(kind, oldKey) {
		s.compensator.SafeDelete(ctx, kind, oldKey, ReasonReplaced)
	}

	s.log.Info().
		Str("kind", string(kind)).
		Int64("id", updated.ID).
		Int64("version", updated.Version).
		Str("storage_key", updated.StorageKey).
		Msg("media updated")
	return updated, nil
}

// Delete removes the record and then, best effort, its object. A failed
// object delete leaves an orphan for the reconciler, never a dangling row.
func (s *MediaService) Delete(ctx context.Context, kind types.ResourceKind, id int64) error {
	if err := checkKind("delete", kind); err != nil {
		return err
	}

	key, err := s.repo.Delete(ctx, kind, id)
	if err != nil {
		return s.persistError("delete", kind, id, "", err)
	}
	switch {
	case key == "":
	case s.ownsKey(kind, key):
		s.compensator.SafeDelete(ctx, kind, key, ReasonDeleted)
	default:
		s.log.Warn().
			Str("kind", string(kind)).
			Int64("id", id).
			Str("storage_key", key).
			Msg("object outside kind folder left in place")
	}

	s.log.Info().
		Str("kind", string(kind)).
		Int64("id", id).
		Str("storage_key", key).
		Msg("media deleted")
	return nil
}

// IssueUploadCredential signs a direct upload into kind's folder for the
// client-side uploader.
func (s *MediaService) IssueUploadCredential(ctx context.Context, kind types.ResourceKind, filename, contentType string) (storage.UploadCredential, error) {
	if err := checkKind("issue_credential", kind); err != nil {
		return storage.UploadCredential{}, err
	}
	cred, err := s.objects.IssueUploadCredential(ctx, kind.Folder(), filename, contentType)
	if err != nil {
		return storage.UploadCredential{}, &Error{Kind: KindUpload, Op: "issue_credential", Resource: kind, Err: err}
	}
	return cred, nil
}

func (s *MediaService) upload(ctx context.Context, op string, kind types.ResourceKind, id int64, src *MediaSource) (storage.UploadResult, error) {
	ctx, cancel := context.WithTimeout(ctx, s.uploadTimeout(kind))
	defer cancel()

	res, err := s.objects.Upload(ctx, src.Reader, src.Size, kind.Folder(), src.Filename)
	metrics.RecordUpload(string(kind), metrics.Status(err), res.Bytes)
	if err != nil {
		s.log.Warn().
			Err(err).
			Str("kind", string(kind)).
			Str("filename", src.Filename).
			Msg("upload failed")
		return storage.UploadResult{}, &Error{Kind: KindUpload, Op: op, Resource: kind, ID: id, Err: err}
	}
	return res, nil
}

// checkReference verifies that key lives under kind's folder, exists in the
// store and is not already claimed by another record of the same kind.
func (s *MediaService) checkReference(ctx context.Context, op string, kind types.ResourceKind, id int64, key string) error {
	if !s.ownsKey(kind, key) {
		return &Error{
			Kind:     KindInvalid,
			Op:       op,
			Resource: kind,
			ID:       id,
			Key:      key,
			Err:      fmt.Errorf("storage key must live under %q", s.objects.Prefix(kind.Folder())),
		}
	}

	exists, err := s.objects.Exists(ctx, key)
	if err != nil {
		return &Error{Kind: KindLookup, Op: op, Resource: kind, ID: id, Key: key, Err: err}
	}
	if !exists {
		return &Error{Kind: KindResourceNotFound, Op: op, Resource: kind, ID: id, Key: key, Err: storage.ErrObjectNotFound}
	}

	owner, err := s.repo.FindByStorageKey(ctx, kind, key)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return nil
	case err != nil:
		return &Error{Kind: KindPersist, Op: op, Resource: kind, ID: id, Key: key, Err: err}
	default:
		return &Error{Kind: KindConflict, Op: op, Resource: kind, ID: owner.ID, Key: key, Err: store.ErrDuplicateKey}
	}
}

// ownsKey reports whether key sits under kind's folder. Only such keys may be
// referenced or compensated by this kind.
func (s *MediaService) ownsKey(kind types.ResourceKind, key string) bool {
	return strings.HasPrefix(key, s.objects.Prefix(kind.Folder()))
}

func (s *MediaService) applyReference(rec *types.MediaRecord, src *MediaSource) {
	rec.StorageKey = strings.TrimSpace(src.StorageKey)
	rec.URL = strings.TrimSpace(src.URL)
	if rec.URL == "" {
		rec.URL = s.objects.URL(rec.StorageKey)
	}
	rec.ContentType = ""
	rec.Bytes = 0
}

func applyUpload(rec *types.MediaRecord, res storage.UploadResult) {
	rec.StorageKey = res.Key
	rec.URL = res.URL
	rec.ContentType = res.ContentType
	rec.Bytes = res.Bytes
}

func (s *MediaService) uploadTimeout(kind types.ResourceKind) time.Duration {
	if d, ok := s.opts.UploadTimeouts[kind]; ok && d > 0 {
		return d
	}
	return s.opts.DefaultUploadTimeout
}

func (s *MediaService) persistError(op string, kind types.ResourceKind, id int64, key string, err error) error {
	e := &Error{Op: op, Resource: kind, ID: id, Key: key, Err: err}
	switch {
	case errors.Is(err, store.ErrVersionConflict), errors.Is(err, store.ErrDuplicateKey):
		metrics.RecordConflict(string(kind))
		e.Kind = KindConflict
	case errors.Is(err, store.ErrNotFound):
		e.Kind = KindNotFound
	default:
		e.Kind = KindPersist
	}
	return e
}

func checkKind(op string, kind types.ResourceKind) error {
	if !slices.Contains(types.ResourceKinds, kind) {
		return &Error{Kind: KindInvalid, Op: op, Resource: kind, Err: fmt.Errorf("unknown resource kind %q", kind)}
	}
	return nil
}
