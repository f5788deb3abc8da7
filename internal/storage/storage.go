package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"path"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/inkwell-cms/apiserver/internal/metrics"
	"github.com/oklog/ulid/v2"
)

// ErrObjectNotFound is returned by backends when a key does not exist.
var ErrObjectNotFound = errors.New("object not found")

// ErrPresignUnsupported is returned by backends that cannot sign uploads.
var ErrPresignUnsupported = errors.New("presigned uploads are not supported by this backend")

const (
	sniffLen        = 3072
	maxSlugLen      = 48
	defaultPageSize = 1000
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ObjectStorage defines common object operations across backends.
type ObjectStorage interface {
	EnsureBucket(ctx context.Context) error
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	// Stat returns ErrObjectNotFound when the key does not exist.
	Stat(ctx context.Context, key string) (ObjectInfo, error)
	// Delete may return ErrObjectNotFound; Storage remaps it to success.
	Delete(ctx context.Context, key string) error
	// List yields every object under prefix, following continuation tokens.
	// pageSize bounds a single backend request, not the total.
	List(ctx context.Context, prefix string, pageSize int) iter.Seq2[ObjectInfo, error]
	PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error)
	URL(key string) string
	Bucket() string
}

// Error is returned by every Storage operation that fails for a reason
// other than a missing object.
type Error struct {
	Op  string
	Key string
	Err error
}

func (e *Error) Error() string {
	if e.Key == "" {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s %q: %v", e.Op, e.Key, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// UploadResult is what the store assigned to a freshly uploaded object.
type UploadResult struct {
	Key         string
	URL         string
	ContentType string
	Bytes       int64
}

// UploadCredential lets a client upload directly to the store.
type UploadCredential struct {
	Key       string    `json:"key"`
	URL       string    `json:"upload_url"`
	Method    string    `json:"method"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Options configures a Storage wrapper.
type Options struct {
	// RootPrefix is prepended to every folder, e.g. "inkwell".
	RootPrefix string
	// PublicBaseURL, when set, replaces the backend's own URL scheme.
	PublicBaseURL string
	// OpTimeout bounds Delete, Exists and IssueUploadCredential. Upload is
	// bounded by the caller because its budget depends on the resource kind.
	OpTimeout time.Duration
	// ListTimeout bounds a whole ListKeys iteration, across every page.
	ListTimeout   time.Duration
	CredentialTTL time.Duration
}

// Storage wraps an ObjectStorage backend with a stable API.
type Storage struct {
	backend ObjectStorage
	opts    Options
	now     func() time.Time
}

// NewStorage constructs a Storage wrapper for the provided backend.
func NewStorage(backend ObjectStorage, opts Options) *Storage {
	opts.RootPrefix = strings.Trim(opts.RootPrefix, "/")
	opts.PublicBaseURL = strings.TrimSuffix(strings.TrimSpace(opts.PublicBaseURL), "/")
	if opts.CredentialTTL <= 0 {
		opts.CredentialTTL = 15 * time.Minute
	}
	return &Storage{backend: backend, opts: opts, now: time.Now}
}

// EnsureBucket ensures the configured bucket exists.
func (s *Storage) EnsureBucket(ctx context.Context) error {
	return s.backend.EnsureBucket(ctx)
}

// Bucket returns the configured bucket name.
func (s *Storage) Bucket() string {
	return s.backend.Bucket()
}

// Close releases the backend's client when it holds one.
func (s *Storage) Close() error {
	if c, ok := s.backend.(io.Closer); ok {
		return c.Close()
	}
	return nil
}

// Prefix returns the full key prefix of a folder, with a trailing slash.
func (s *Storage) Prefix(folder string) string {
	folder = strings.Trim(folder, "/")
	if s.opts.RootPrefix == "" {
		return folder + "/"
	}
	return s.opts.RootPrefix + "/" + folder + "/"
}

// URL derives the display URL for a key.
func (s *Storage) URL(key string) string {
	if key == "" {
		return ""
	}
	if s.opts.PublicBaseURL != "" {
		return s.opts.PublicBaseURL + "/" + strings.TrimPrefix(key, "/")
	}
	return s.backend.URL(key)
}

// Upload stores a new object under folder. The final key is derived from
// nameHint but always carries a unique suffix, so callers must use the
// returned key rather than guessing it.
func (s *Storage) Upload(ctx context.Context, r io.Reader, size int64, folder, nameHint string) (UploadResult, error) {
	start := time.Now()

	head := make([]byte, sniffLen)
	n, err := io.ReadFull(r, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return UploadResult{}, &Error{Op: "upload", Err: fmt.Errorf("read upload: %w", err)}
	}
	head = head[:n]
	if n == 0 {
		return UploadResult{}, &Error{Op: "upload", Err: errors.New("empty upload")}
	}

	detected := mimetype.Detect(head)
	key := s.newKey(folder, nameHint, extensionFor(detected, nameHint))
	body := &countingReader{r: io.MultiReader(bytes.NewReader(head), r)}

	err = s.backend.Put(ctx, key, body, size, detected.String())
	metrics.RecordStorageOperation("upload", metrics.Status(err), time.Since(start).Seconds())
	if err != nil {
		return UploadResult{}, &Error{Op: "upload", Key: key, Err: err}
	}

	return UploadResult{
		Key:         key,
		URL:         s.URL(key),
		ContentType: detected.String(),
		Bytes:       body.n,
	}, nil
}

// Delete removes an object. Deleting a missing key succeeds.
func (s *Storage) Delete(ctx context.Context, key string) error {
	if strings.TrimSpace(key) == "" {
		return nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	err := s.backend.Delete(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		err = nil
	}
	metrics.RecordStorageOperation("delete", metrics.Status(err), time.Since(start).Seconds())
	if err != nil {
		return &Error{Op: "delete", Key: key, Err: err}
	}
	return nil
}

// Exists reports whether key exists. A missing object is not an error.
func (s *Storage) Exists(ctx context.Context, key string) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, nil
	}
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	_, err := s.backend.Stat(ctx, key)
	if errors.Is(err, ErrObjectNotFound) {
		metrics.RecordStorageOperation("exists", "success", time.Since(start).Seconds())
		return false, nil
	}
	metrics.RecordStorageOperation("exists", metrics.Status(err), time.Since(start).Seconds())
	if err != nil {
		return false, &Error{Op: "exists", Key: key, Err: err}
	}
	return true, nil
}

// ListKeys lazily yields every key under folder (resolved below the root
// prefix). pageLimit is the per-request page size.
func (s *Storage) ListKeys(ctx context.Context, folder string, pageLimit int) iter.Seq2[string, error] {
	if pageLimit <= 0 {
		pageLimit = defaultPageSize
	}
	prefix := s.Prefix(folder)
	return func(yield func(string, error) bool) {
		ctx, cancel := s.withListTimeout(ctx)
		defer cancel()

		start := time.Now()
		var listErr error
		defer func() {
			metrics.RecordStorageOperation("list", metrics.Status(listErr), time.Since(start).Seconds())
		}()

		for obj, err := range s.backend.List(ctx, prefix, pageLimit) {
			if err != nil {
				listErr = &Error{Op: "list", Key: prefix, Err: err}
				yield("", listErr)
				return
			}
			if strings.HasSuffix(obj.Key, "/") {
				continue
			}
			if !yield(obj.Key, nil) {
				return
			}
		}
	}
}

// IssueUploadCredential reserves a key under folder and signs a direct upload to it.
func (s *Storage) IssueUploadCredential(ctx context.Context, folder, nameHint, contentType string) (UploadCredential, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	ext := path.Ext(nameHint)
	if contentType != "" {
		if m := mimetype.Lookup(contentType); m != nil && m.Extension() != "" {
			ext = m.Extension()
		}
	}
	key := s.newKey(folder, nameHint, strings.ToLower(ext))

	start := time.Now()
	signed, err := s.backend.PresignPut(ctx, key, contentType, s.opts.CredentialTTL)
	metrics.RecordStorageOperation("presign", metrics.Status(err), time.Since(start).Seconds())
	if err != nil {
		return UploadCredential{}, &Error{Op: "presign", Key: key, Err: err}
	}

	return UploadCredential{
		Key:       key,
		URL:       signed,
		Method:    "PUT",
		ExpiresAt: s.now().Add(s.opts.CredentialTTL),
	}, nil
}

func (s *Storage) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.OpTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.OpTimeout)
}

func (s *Storage) withListTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if s.opts.ListTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, s.opts.ListTimeout)
}

func (s *Storage) newKey(folder, nameHint, ext string) string {
	id := strings.ToLower(ulid.Make().String())
	return s.Prefix(folder) + slugify(nameHint) + "_" + id + ext
}

func extensionFor(detected *mimetype.MIME, nameHint string) string {
	if detected != nil && !detected.Is("application/octet-stream") && detected.Extension() != "" {
		return detected.Extension()
	}
	return strings.ToLower(path.Ext(nameHint))
}

// slugify reduces a file name hint to [a-z0-9-].
func slugify(hint string) string {
	base := path.Base(strings.ReplaceAll(hint, `\`, "/"))
	base = strings.TrimSuffix(base, path.Ext(base))

	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(base) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			dash = false
		case !dash && b.Len() > 0:
			b.WriteByte('-')
			dash = true
		}
		if b.Len() >= maxSlugLen {
			break
		}
	}
	slug := strings.Trim(b.String(), "-")
	if slug == "" {
		return "file"
	}
	return slug
}

type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}
