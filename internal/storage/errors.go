package storage

import (
	"errors"

	"github.com/lib/pq"
	"gorm.io/gorm"
)

var (
	// ErrNotFound is returned when a natural-key lookup matches no row.
	ErrNotFound = errors.New("not found")

	// ErrAmbiguous is returned when a natural-key lookup matches more than
	// one row; the caller must not guess which one was meant.
	ErrAmbiguous = errors.New("ambiguous lookup")

	// ErrDuplicate is returned when a write violates a uniqueness
	// constraint.
	ErrDuplicate = errors.New("duplicate entry")
)

// IsDuplicate reports whether err is a uniqueness violation, either as
// translated by gorm or as the raw postgres error.
func IsDuplicate(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, ErrDuplicate) || errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code == "23505" // unique_violation
	}
	return false
}

// IsConnectionFailure reports whether err looks like a lost or unusable
// connection rather than a statement-level failure. These are the errors
// worth a reconnect and retry.
func IsConnectionFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrInvalidDB) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		// class 08 is connection exceptions, 57P01 is admin shutdown
		return pqErr.Code.Class() == "08" || pqErr.Code == "57P01"
	}
	return false
}
