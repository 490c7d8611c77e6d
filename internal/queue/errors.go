package queue

import (
	"errors"
	"fmt"
	"strings"
)

// ErrJobNotFound is returned when a job id does not exist in storage
var ErrJobNotFound = errors.New("job not found")

// DeliveryError classifies a transport failure. Temporary failures are
// retried per the backoff schedule; permanent failures terminate the job.
type DeliveryError struct {
	Err       error
	Permanent bool
}

func (e *DeliveryError) Error() string {
	if e.Permanent {
		return fmt.Sprintf("permanent delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("transient delivery failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// Temporary implements the conventional temporary-error interface
func (e *DeliveryError) Temporary() bool { return !e.Permanent }

// TransientError wraps err as a retryable delivery failure
func TransientError(err error) error {
	return &DeliveryError{Err: err}
}

// PermanentError wraps err as a terminal delivery failure
func PermanentError(err error) error {
	return &DeliveryError{Err: err, Permanent: true}
}

// IsTemporaryFailure reports whether a delivery error should be retried.
// Unclassified errors default to temporary, capped by max attempts;
// 5xx-style responses and hard bounces are permanent.
func IsTemporaryFailure(err error) bool {
	if err == nil {
		return false
	}

	var de *DeliveryError
	if errors.As(err, &de) {
		return de.Temporary()
	}

	if tempErr, ok := err.(interface{ Temporary() bool }); ok {
		return tempErr.Temporary()
	}

	errStr := err.Error()
	lower := strings.ToLower(errStr)

	// SMTP-style permanent rejections
	for _, code := range []string{"550", "551", "553", "554"} {
		if strings.HasPrefix(errStr, code) || strings.Contains(errStr, " "+code+" ") {
			return false
		}
	}
	if strings.Contains(lower, "hard bounce") ||
		strings.Contains(lower, "invalid recipient") ||
		strings.Contains(lower, "no such user") ||
		strings.Contains(lower, "mailbox does not exist") {
		return false
	}

	return true
}
