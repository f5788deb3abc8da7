package services

import (
	"errors"
	"fmt"

	"github.com/inkwell-cms/apiserver/types"
)

// ErrorKind classifies a failed media operation so callers can decide
// between retrying, refreshing or giving up.
type ErrorKind string

const (
	// KindUpload means the object store rejected or timed out the upload.
	// Nothing was written to the database.
	KindUpload ErrorKind = "upload"
	// KindPersist means the database write failed for a reason other than a
	// version conflict.
	KindPersist ErrorKind = "persist"
	// KindConflict means the record changed since it was read. Refresh and retry.
	KindConflict ErrorKind = "conflict"
	// KindResourceNotFound means a referenced storage key has no object.
	KindResourceNotFound ErrorKind = "resource_not_found"
	// KindNotFound means the record id is unknown.
	KindNotFound ErrorKind = "not_found"
	// KindLookup means an existence check against the object store failed.
	KindLookup ErrorKind = "lookup"
	KindInvalid ErrorKind = "invalid"
	// KindReconciliation means a reconciliation fetch failed and the pass was
	// aborted before any deletion.
	KindReconciliation ErrorKind = "reconciliation"
)

// Error is returned by MediaService and Reconciler.
type Error struct {
	Kind     ErrorKind
	Op       string
	Resource types.ResourceKind
	ID       int64
	Key      string
	Err      error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s %s", e.Resource, e.Op)
	if e.ID != 0 {
		msg += fmt.Sprintf(" id=%d", e.ID)
	}
	if e.Key != "" {
		msg += fmt.Sprintf(" key=%q", e.Key)
	}
	msg += ": " + string(e.Kind)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsKind reports whether err is a *Error of the given kind.
func IsKind(err error, kind ErrorKind) bool {
	var svcErr *Error
	return errors.As(err, &svcErr) && svcErr.Kind == kind
}

// KindOf returns the kind of err, or "" when err is not a *Error.
func KindOf(err error) ErrorKind {
	var svcErr *Error
	if errors.As(err, &svcErr) {
		return svcErr.Kind
	}
	return ""
}
