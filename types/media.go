package types

import (
	"fmt"
	"strings"
	"time"
)

// ResourceKind identifies which family of media records a record belongs to.
// Each kind has its own table and its own folder in object storage.
type ResourceKind string

const (
	// KindArticle is the cover image attached to an article.
	KindArticle ResourceKind = "article"

	// KindPhoto is a gallery photo.
	KindPhoto ResourceKind = "photo"

	// KindVideo is an uploaded video file.
	KindVideo ResourceKind = "video"
)

// ResourceKinds lists every supported kind in a stable order.
var ResourceKinds = []ResourceKind{KindArticle, KindPhoto, KindVideo}

// ParseResourceKind validates a kind name. Plural forms ("photos") are accepted.
func ParseResourceKind(raw string) (ResourceKind, error) {
	value := strings.ToLower(strings.TrimSpace(raw))
	value = strings.TrimSuffix(value, "s")
	for _, kind := range ResourceKinds {
		if string(kind) == value {
			return kind, nil
		}
	}
	return "", fmt.Errorf("unknown resource kind %q", raw)
}

// Folder is the object-storage folder that holds objects of this kind.
func (k ResourceKind) Folder() string {
	return string(k) + "s"
}

// MediaRecord is the metadata row behind an article cover, photo or video.
// The database is authoritative for everything here; the object store is
// authoritative for the bytes addressed by StorageKey.
type MediaRecord struct {
	// ID is assigned by the database at insert and never changes.
	ID int64 `json:"id" db:"id"`

	// Kind is the resource family the record belongs to.
	Kind ResourceKind `json:"kind" db:"-"`

	// StorageKey identifies the object in the remote store. Empty means the
	// record currently points at no object.
	StorageKey string `json:"storage_key" db:"storage_key"`

	// URL is the display pointer derived from StorageKey. It is recomputed
	// whenever StorageKey changes and is never authoritative.
	URL string `json:"url" db:"url"`

	// ContentType is the MIME type detected when the object was uploaded.
	ContentType string `json:"content_type" db:"content_type"`

	// Bytes is the object size recorded at upload.
	Bytes int64 `json:"bytes" db:"bytes"`

	// Description is free text carried through unchanged.
	Description string `json:"description" db:"description"`

	// CategoryID optionally references a category.
	CategoryID *int64 `json:"category_id,omitempty" db:"category_id"`

	// TagIDs references zero or more tags through the kind's junction table.
	TagIDs []int64 `json:"tag_ids" db:"-"`

	// Version is the optimistic concurrency token. It starts at 1 and is
	// incremented by every successful write.
	Version int64 `json:"version" db:"version"`

	// CreatedAt is the timestamp at which the record was inserted.
	CreatedAt time.Time `json:"created_at" db:"created_at"`

	// UpdatedAt is the timestamp of the most recent successful write.
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

// HasObject reports whether the record points at an object.
func (r MediaRecord) HasObject() bool {
	return strings.TrimSpace(r.StorageKey) != ""
}

// KeyRef is the (id, storage key) pair used by reconciliation scans.
type KeyRef struct {
	ID         int64  `json:"id"`
	StorageKey string `json:"storage_key"`
}
