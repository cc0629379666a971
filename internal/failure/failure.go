package failure

import (
	"errors"
	"fmt"
)

// Kind classifies where a message failed in the dispatch pipeline.
type Kind int

const (
	// KindNone indicates no failure occurred.
	KindNone Kind = iota
	// KindMalformed is a tag/data mismatch or an envelope that could not be decoded.
	// It is a programmer error and is never retried.
	KindMalformed
	// KindUnhandled means no processor was registered for the tag. The message counts as consumed.
	KindUnhandled
	// KindProcessing is a side-effect failure raised by a processor. It drives a retry.
	KindProcessing
	// KindBatchIsolated is a processing failure contained inside a settle-all batch.
	KindBatchIsolated
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindMalformed:
		return "malformed"
	case KindUnhandled:
		return "unhandled"
	case KindProcessing:
		return "processing"
	case KindBatchIsolated:
		return "batch_isolated"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

var (
	ErrTagMismatch       = errors.New("envelope type does not match processor")
	ErrMalformedEnvelope = errors.New("malformed envelope")
	ErrBatchTooLarge     = errors.New("batch exceeds transport limit")
	ErrUnknownAction     = errors.New("unknown task action")
)

// RetryableError indicates the operation should be retried
type RetryableError struct {
	Err error
}

func (e *RetryableError) Error() string {
	return fmt.Sprintf("retryable error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// PermanentError indicates the operation should not be retried
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string {
	return fmt.Sprintf("permanent error: %v", e.Err)
}

func (e *PermanentError) Unwrap() error {
	return e.Err
}

// Permanent wraps err so that consumers drop the message instead of retrying it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &PermanentError{Err: err}
}

// Retryable wraps err as a transient failure.
func Retryable(err error) error {
	if err == nil {
		return nil
	}
	return &RetryableError{Err: err}
}

// IsRetryable checks if error is retryable
func IsRetryable(err error) bool {
	var retryableErr *RetryableError
	return errors.As(err, &retryableErr)
}

// IsPermanent checks if error is permanent
func IsPermanent(err error) bool {
	var permanentErr *PermanentError
	return errors.As(err, &permanentErr)
}

// Classify maps a processing error to its Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrTagMismatch), errors.Is(err, ErrMalformedEnvelope):
		return KindMalformed
	default:
		return KindProcessing
	}
}
