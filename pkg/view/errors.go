package view

import "errors"

var (
	ErrInvalidUpdate      = errors.New("view: invalid update")
	ErrTimestampMismatch  = errors.New("view: timestamp mismatch")
	ErrOutOfOrderDelete   = errors.New("view: insert after delete of the same row")
	ErrConflictingUpdate  = errors.New("view: row both inserted and deleted")
	ErrNonContiguousMerge = errors.New("view: non contiguous merge")
)

// IsInvariantBreach reports errors that leave a view unusable.
func IsInvariantBreach(err error) bool {
	return errors.Is(err, ErrConflictingUpdate) || errors.Is(err, ErrNonContiguousMerge)
}
