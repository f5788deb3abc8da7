package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/inkwell-cms/apiserver/config"
)

// LocalClient stores objects as files below a base directory. It is meant
// for development and tests.
type LocalClient struct {
	basePath string
}

// NewLocalClient constructs a filesystem backend rooted at cfg.BasePath.
func NewLocalClient(cfg config.LocalConfig) (*LocalClient, error) {
	base := strings.TrimSpace(cfg.BasePath)
	if base == "" {
		return nil, errors.New("local storage path is required")
	}
	abs, err := filepath.Abs(base)
	if err != nil {
		return nil, err
	}
	return &LocalClient{basePath: abs}, nil
}

// EnsureBucket creates the base directory.
func (l *LocalClient) EnsureBucket(ctx context.Context) error {
	return os.MkdirAll(l.basePath, 0o755)
}

// Put writes the object to disk through a temp file so readers never see a
// partial object.
func (l *LocalClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	fullPath, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(fullPath), 0o755); err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create file: %w", err)
	}
	defer func() {
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, contextReader{ctx: ctx, r: r}); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}
	return os.Rename(tmp.Name(), fullPath)
}

// Stat reads file metadata.
func (l *LocalClient) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	fullPath, err := l.resolve(key)
	if err != nil {
		return ObjectInfo{}, err
	}
	info, err := os.Stat(fullPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, err
	}
	if info.IsDir() {
		return ObjectInfo{}, ErrObjectNotFound
	}
	return ObjectInfo{Key: key, Size: info.Size(), LastModified: info.ModTime()}, nil
}

// Delete removes the file.
func (l *LocalClient) Delete(ctx context.Context, key string) error {
	fullPath, err := l.resolve(key)
	if err != nil {
		return err
	}
	if err := os.Remove(fullPath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrObjectNotFound
		}
		return err
	}
	return nil
}

// List walks the directory tree under prefix. pageSize is ignored.
func (l *LocalClient) List(ctx context.Context, prefix string, pageSize int) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		dir := strings.TrimSuffix(prefix, "/")
		root, err := l.resolve(dir)
		if err != nil {
			yield(ObjectInfo{}, err)
			return
		}
		if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
			return
		}

		stopped := false
		walkErr := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if ctxErr := ctx.Err(); ctxErr != nil {
				return ctxErr
			}
			if d.IsDir() || strings.HasPrefix(d.Name(), ".upload-") {
				return nil
			}
			rel, err := filepath.Rel(l.basePath, p)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			obj := ObjectInfo{
				Key:          filepath.ToSlash(rel),
				Size:         info.Size(),
				LastModified: info.ModTime(),
			}
			if !yield(obj, nil) {
				stopped = true
				return fs.SkipAll
			}
			return nil
		})
		if walkErr != nil && !stopped {
			yield(ObjectInfo{}, walkErr)
		}
	}
}

// PresignPut is not supported for local storage.
func (l *LocalClient) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	return "", ErrPresignUnsupported
}

// URL returns a file:// URL for the object.
func (l *LocalClient) URL(key string) string {
	u := url.URL{Scheme: "file", Path: filepath.ToSlash(filepath.Join(l.basePath, filepath.FromSlash(key)))}
	return u.String()
}

// Bucket returns the base directory.
func (l *LocalClient) Bucket() string {
	return l.basePath
}

func (l *LocalClient) resolve(key string) (string, error) {
	normalized := strings.ReplaceAll(key, `\`, "/")
	if slices.Contains(strings.Split(normalized, "/"), "..") {
		return "", fmt.Errorf("invalid object key %q", key)
	}
	clean := path.Clean("/" + normalized)
	return filepath.Join(l.basePath, filepath.FromSlash(clean)), nil
}

type contextReader struct {
	ctx context.Context
	r   io.Reader
}

func (c contextReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
