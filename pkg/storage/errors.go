package storage

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	// ErrClosed is returned by writes on a closed log.
	ErrClosed = errors.New("storage: log closed")

	// ErrCorrupt marks a record that cannot be a torn write.
	ErrCorrupt = errors.New("storage: corrupt record")

	// ErrLogFailed is returned by every append after a write or fsync error,
	// since the tail of the active segment is no longer known.
	ErrLogFailed = errors.New("storage: log failed")

	// ErrInvalidSequence is returned when rotating to a sequence that is not
	// newer than the active one.
	ErrInvalidSequence = errors.New("storage: invalid segment sequence")
)

// CorruptError describes a malformed record inside a log segment or snapshot.
type CorruptError struct {
	Path   string
	Offset int64
	Reason string
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("storage: corrupt record in %s at offset %d: %s", e.Path, e.Offset, e.Reason)
}

func (e *CorruptError) Is(target error) bool {
	return target == ErrCorrupt
}
