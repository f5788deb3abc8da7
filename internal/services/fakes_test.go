package services

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/inkwell-cms/apiserver/internal/storage"
	"github.com/inkwell-cms/apiserver/internal/store"
	"github.com/inkwell-cms/apiserver/types"
)

// fakeRepo is an in-memory MediaRepository with the same version semantics
// as the SQL one.
type fakeRepo struct {
	mu      sync.Mutex
	nextID  int64
	records map[types.ResourceKind]map[int64]types.MediaRecord

	createErr error
	updateErr error
	listErr   error
	getHook   func()
	writes    int
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: map[types.ResourceKind]map[int64]types.MediaRecord{}}
}

func (r *fakeRepo) table(kind types.ResourceKind) map[int64]types.MediaRecord {
	t, ok := r.records[kind]
	if !ok {
		t = map[int64]types.MediaRecord{}
		r.records[kind] = t
	}
	return t
}

func (r *fakeRepo) seed(rec types.MediaRecord) types.MediaRecord {
	r.mu.Lock()
	defer r.mu.Unlock()
	if rec.ID == 0 {
		r.nextID++
		rec.ID = r.nextID
	} else if rec.ID > r.nextID {
		r.nextID = rec.ID
	}
	if rec.Version == 0 {
		rec.Version = 1
	}
	r.table(rec.Kind)[rec.ID] = rec
	return rec
}

func (r *fakeRepo) count(kind types.ResourceKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.records[kind])
}

func (r *fakeRepo) List(ctx context.Context, kind types.ResourceKind, offset, limit int) ([]types.MediaRecord, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []types.MediaRecord
	for _, rec := range r.table(kind) {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	total := len(out)
	if offset > len(out) {
		offset = len(out)
	}
	out = out[offset:]
	if len(out) > limit {
		out = out[:limit]
	}
	return out, total, nil
}

func (r *fakeRepo) Get(ctx context.Context, kind types.ResourceKind, id int64) (types.MediaRecord, error) {
	r.mu.Lock()
	rec, ok := r.table(kind)[id]
	hook := r.getHook
	r.mu.Unlock()
	if hook != nil {
		hook()
	}
	if !ok {
		return types.MediaRecord{}, store.ErrNotFound
	}
	return rec, nil
}

func (r *fakeRepo) FindByStorageKey(ctx context.Context, kind types.ResourceKind, key string) (types.MediaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range r.table(kind) {
		if rec.StorageKey == key {
			return rec, nil
		}
	}
	return types.MediaRecord{}, store.ErrNotFound
}

func (r *fakeRepo) Create(ctx context.Context, rec types.MediaRecord) (types.MediaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return types.MediaRecord{}, r.createErr
	}
	for _, existing := range r.table(rec.Kind) {
		if rec.StorageKey != "" && existing.StorageKey == rec.StorageKey {
			return types.MediaRecord{}, store.ErrDuplicateKey
		}
	}
	r.nextID++
	rec.ID = r.nextID
	rec.Version = 1
	rec.CreatedAt = time.Now()
	rec.UpdatedAt = rec.CreatedAt
	if rec.TagIDs == nil {
		rec.TagIDs = []int64{}
	}
	r.table(rec.Kind)[rec.ID] = rec
	r.writes++
	return rec, nil
}

func (r *fakeRepo) Update(ctx context.Context, rec types.MediaRecord, expectedVersion int64) (types.MediaRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return types.MediaRecord{}, r.updateErr
	}
	current, ok := r.table(rec.Kind)[rec.ID]
	if !ok {
		return types.MediaRecord{}, store.ErrNotFound
	}
	if current.Version != expectedVersion {
		return types.MediaRecord{}, store.ErrVersionConflict
	}
	rec.Version = current.Version + 1
	rec.CreatedAt = current.CreatedAt
	rec.UpdatedAt = time.Now()
	r.table(rec.Kind)[rec.ID] = rec
	r.writes++
	return rec, nil
}

func (r *fakeRepo) Delete(ctx context.Context, kind types.ResourceKind, id int64) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.table(kind)[id]
	if !ok {
		return "", store.ErrNotFound
	}
	delete(r.table(kind), id)
	r.writes++
	return rec.StorageKey, nil
}

func (r *fakeRepo) DeleteIfKey(ctx context.Context, kind types.ResourceKind, id int64, key string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.table(kind)[id]
	if !ok || rec.StorageKey != key {
		return false, nil
	}
	delete(r.table(kind), id)
	r.writes++
	return true, nil
}

func (r *fakeRepo) ListKeys(ctx context.Context, kind types.ResourceKind) ([]types.KeyRef, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.listErr != nil {
		return nil, r.listErr
	}
	var refs []types.KeyRef
	for _, rec := range r.table(kind) {
		if rec.StorageKey != "" {
			refs = append(refs, types.KeyRef{ID: rec.ID, StorageKey: rec.StorageKey})
		}
	}
	sort.Slice(refs, func(i, j int) bool { return refs[i].ID < refs[j].ID })
	return refs, nil
}

// fakeObjects is an in-memory object store that records every delete.
type fakeObjects struct {
	mu      sync.Mutex
	objects map[string]int64
	deletes []string
	seq     int

	uploadErr error
	deleteErr error
	existsErr error
	listErr   error
	// listStalls makes ListKeys block until its context ends.
	listStalls bool
}

func newFakeObjects(keys ...string) *fakeObjects {
	o := &fakeObjects{objects: map[string]int64{}}
	for _, key := range keys {
		o.objects[key] = 1
	}
	return o
}

func (o *fakeObjects) has(key string) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	_, ok := o.objects[key]
	return ok
}

func (o *fakeObjects) keys() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []string
	for key := range o.objects {
		out = append(out, key)
	}
	slices.Sort(out)
	return out
}

func (o *fakeObjects) deleted() []string {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]string{}, o.deletes...)
}

func (o *fakeObjects) Upload(ctx context.Context, r io.Reader, size int64, folder, nameHint string) (storage.UploadResult, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return storage.UploadResult{}, err
	}
	if err := ctx.Err(); err != nil {
		return storage.UploadResult{}, &storage.Error{Op: "upload", Err: err}
	}

	o.mu.Lock()
	defer o.mu.Unlock()
	if o.uploadErr != nil {
		return storage.UploadResult{}, &storage.Error{Op: "upload", Err: o.uploadErr}
	}
	o.seq++
	name := strings.TrimSuffix(nameHint, ".jpg")
	key := fmt.Sprintf("%s/%s_%d", folder, name, o.seq)
	o.objects[key] = int64(len(data))
	return storage.UploadResult{
		Key:         key,
		URL:         "https://cdn.test/" + key,
		ContentType: "image/jpeg",
		Bytes:       int64(len(data)),
	}, nil
}

func (o *fakeObjects) Delete(ctx context.Context, key string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.deletes = append(o.deletes, key)
	if o.deleteErr != nil {
		return &storage.Error{Op: "delete", Key: key, Err: o.deleteErr}
	}
	delete(o.objects, key)
	return nil
}

func (o *fakeObjects) Exists(ctx context.Context, key string) (bool, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.existsErr != nil {
		return false, &storage.Error{Op: "exists", Key: key, Err: o.existsErr}
	}
	_, ok := o.objects[key]
	return ok, nil
}

func (o *fakeObjects) ListKeys(ctx context.Context, folder string, pageLimit int) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if o.listErr != nil {
			yield("", o.listErr)
			return
		}
		if o.listStalls {
			<-ctx.Done()
			yield("", ctx.Err())
			return
		}
		for _, key := range o.keys() {
			if !strings.HasPrefix(key, folder+"/") {
				continue
			}
			if !yield(key, nil) {
				return
			}
		}
	}
}

func (o *fakeObjects) Prefix(folder string) string {
	return folder + "/"
}

func (o *fakeObjects) IssueUploadCredential(ctx context.Context, folder, nameHint, contentType string) (storage.UploadCredential, error) {
	return storage.UploadCredential{Key: folder + "/" + nameHint, URL: "https://signed.test/" + nameHint, Method: "PUT"}, nil
}

func (o *fakeObjects) URL(key string) string {
	return "https://cdn.test/" + key
}

type fakePublisher struct {
	mu       sync.Mutex
	channels []string
	payloads [][]byte
	err      error
}

func (p *fakePublisher) Publish(ctx context.Context, channel string, data []byte, attrs map[string]string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.channels = append(p.channels, channel)
	p.payloads = append(p.payloads, data)
	return "msg", p.err
}

var errQuota = errors.New("quota exceeded")
