package store

import (
	"errors"

	"github.com/lib/pq"
)

// ErrNotFound is returned when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrVersionConflict is returned when a write carries a stale version.
var ErrVersionConflict = errors.New("version conflict")

// ErrDuplicateKey is returned when a storage key is already claimed by
// another record of the same kind.
var ErrDuplicateKey = errors.New("storage key already in use")

const uniqueViolation = "23505"

func mapWriteError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
		return ErrDuplicateKey
	}
	return err
}
