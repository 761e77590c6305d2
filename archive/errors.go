package archive

import (
	"errors"
	"fmt"
)

// ErrArchiveWrite is matched by errors.Is for any failure to persist a unit
var ErrArchiveWrite = errors.New("archive write failed")

// WriteError describes a unit that could not be written to the store
type WriteError struct {
	// Key is the storage key of the unit
	Key string
	// Records is the number of records in the unit
	Records int
	// Dropped is true when the unit was discarded rather than retained for
	// another attempt
	Dropped bool
	// Err is the underlying store error
	Err error
}

// Error implements the error interface
func (e *WriteError) Error() string {

	action := "retained for retry"

	if e.Dropped {
		action = "dropped"
	}

	return fmt.Sprintf("error writing archive unit %s (%d records, %s): %v",
		e.Key, e.Records, action, e.Err)
}

// Unwrap returns the store error
func (e *WriteError) Unwrap() error {
	return e.Err
}

// Is reports a match against ErrArchiveWrite
func (e *WriteError) Is(target error) bool {
	return target == ErrArchiveWrite
}
