package worker

import (
	"errors"
	"fmt"

	"github.com/yuya-takeyama/s3-watch-sync/internal/logging"
)

var (
	// ErrInsufficientQuota is returned when a batch does not fit in the free
	// remote space.
	ErrInsufficientQuota = errors.New("insufficient storage space")

	// ErrMaxRetriesExceeded is returned when every attempt of an upload failed.
	ErrMaxRetriesExceeded = errors.New("max retries exceeded")

	// ErrCancelled is returned for uploads stopped by Cancel.
	ErrCancelled = errors.New("upload cancelled")
)

// InsufficientQuotaError reports the free and required space of a rejected
// batch.
type InsufficientQuotaError struct {
	Free     int64
	Required int64
}

func (e *InsufficientQuotaError) Error() string {
	return fmt.Sprintf("Insufficient storage space. Free: %s, Required: %s",
		logging.FormatBytes(e.Free), logging.FormatBytes(e.Required))
}

func (e *InsufficientQuotaError) Unwrap() error {
	return ErrInsufficientQuota
}

// BackendError wraps a failure returned by the remote backend.
type BackendError struct {
	Op  string
	Err error
}

func (e *BackendError) Error() string {
	return fmt.Sprintf("backend %s: %v", e.Op, e.Err)
}

func (e *BackendError) Unwrap() error {
	return e.Err
}
