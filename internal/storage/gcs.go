package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/inkwell-cms/apiserver/config"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

// GCSClient wraps the Google Cloud Storage SDK client and bucket name.
type GCSClient struct {
	client      *storage.Client
	bucket      string
	projectID   string
	signerEmail string
	signerKey   []byte
}

// NewGCSClient constructs a GCS client from config.
func NewGCSClient(ctx context.Context, cfg config.GCSConfig) (*GCSClient, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}

	var opts []option.ClientOption
	if strings.TrimSpace(cfg.CredentialsFile) != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}

	var signerKey []byte
	if strings.TrimSpace(cfg.SignerKeyFile) != "" {
		key, err := os.ReadFile(cfg.SignerKeyFile)
		if err != nil {
			return nil, err
		}
		signerKey = key
	}

	client, err := storage.NewClient(ctx, opts...)
	if err != nil {
		return nil, err
	}

	return &GCSClient{
		client:      client,
		bucket:      cfg.Bucket,
		projectID:   cfg.ProjectID,
		signerEmail: strings.TrimSpace(cfg.SignerEmail),
		signerKey:   signerKey,
	}, nil
}

// EnsureBucket ensures the configured bucket exists.
func (g *GCSClient) EnsureBucket(ctx context.Context) error {
	_, err := g.client.Bucket(g.bucket).Attrs(ctx)
	if err == nil {
		return nil
	}
	if !errors.Is(err, storage.ErrBucketNotExist) {
		return err
	}
	if strings.TrimSpace(g.projectID) == "" {
		return errors.New("gcs project id is required to create bucket")
	}
	return g.client.Bucket(g.bucket).Create(ctx, g.projectID, nil)
}

// Put uploads an object to the configured bucket.
func (g *GCSClient) Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error {
	writer := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	if strings.TrimSpace(contentType) != "" {
		writer.ContentType = contentType
	}
	if _, err := io.Copy(writer, r); err != nil {
		_ = writer.Close()
		return err
	}
	return writer.Close()
}

// Stat fetches object attributes.
func (g *GCSClient) Stat(ctx context.Context, key string) (ObjectInfo, error) {
	attrs, err := g.client.Bucket(g.bucket).Object(key).Attrs(ctx)
	if err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return ObjectInfo{}, ErrObjectNotFound
		}
		return ObjectInfo{}, err
	}
	return ObjectInfo{
		Key:          attrs.Name,
		Size:         attrs.Size,
		ContentType:  attrs.ContentType,
		LastModified: attrs.Updated,
	}, nil
}

// Delete removes an object from the configured bucket.
func (g *GCSClient) Delete(ctx context.Context, key string) error {
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrObjectNotFound
	}
	return err
}

// List yields objects under prefix, one page of pageSize at a time.
func (g *GCSClient) List(ctx context.Context, prefix string, pageSize int) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		it := g.client.Bucket(g.bucket).Objects(ctx, &storage.Query{Prefix: prefix})
		it.PageInfo().MaxSize = pageSize
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(ObjectInfo{}, err)
				return
			}
			info := ObjectInfo{
				Key:          attrs.Name,
				Size:         attrs.Size,
				ContentType:  attrs.ContentType,
				LastModified: attrs.Updated,
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// PresignPut returns a V4 signed URL for a direct PUT upload.
func (g *GCSClient) PresignPut(ctx context.Context, key, contentType string, ttl time.Duration) (string, error) {
	opts := &storage.SignedURLOptions{
		Method:      "PUT",
		Expires:     time.Now().Add(ttl),
		ContentType: contentType,
		Scheme:      storage.SigningSchemeV4,
	}
	if g.signerEmail != "" && len(g.signerKey) > 0 {
		opts.GoogleAccessID = g.signerEmail
		opts.PrivateKey = g.signerKey
	}
	return g.client.Bucket(g.bucket).SignedURL(key, opts)
}

// URL returns the public storage.googleapis.com URL of an object.
func (g *GCSClient) URL(key string) string {
	u := url.URL{
		Scheme: "https",
		Host:   "storage.googleapis.com",
		Path:   "/" + g.bucket + "/" + strings.TrimPrefix(key, "/"),
	}
	return u.String()
}

// Bucket returns the configured bucket name.
func (g *GCSClient) Bucket() string {
	return g.bucket
}

// Close releases the underlying SDK client.
func (g *GCSClient) Close() error {
	return g.client.Close()
}
