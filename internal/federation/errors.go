package federation

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation indicates a malformed or semantically invalid event.
	// Validation failures are rejected synchronously and never retried.
	ErrValidation = errors.New("invalid federation event")
	// ErrAuthorization indicates the sender is not allowed to assert the
	// event, e.g. mutating a video owned by another pod.
	ErrAuthorization = errors.New("federation authorization failed")
)

// DeliveryError wraps a failed delivery attempt. Transient failures
// (timeouts, 5xx, connection errors) are retried with backoff; permanent
// failures (the remote reported the request malformed or unauthorized)
// drop the delivery unit immediately.
type DeliveryError struct {
	Transient bool
	Err       error
}

func (e *DeliveryError) Error() string {
	if e.Transient {
		return fmt.Sprintf("transient delivery failure: %v", e.Err)
	}
	return fmt.Sprintf("permanent delivery failure: %v", e.Err)
}

func (e *DeliveryError) Unwrap() error {
	return e.Err
}

// TransientDelivery marks err as a retryable delivery failure.
func TransientDelivery(err error) error {
	return &DeliveryError{Transient: true, Err: err}
}

// PermanentDelivery marks err as a terminal delivery failure.
func PermanentDelivery(err error) error {
	return &DeliveryError{Transient: false, Err: err}
}

// IsTransientDelivery reports whether err is a retryable delivery failure.
func IsTransientDelivery(err error) bool {
	var de *DeliveryError
	return errors.As(err, &de) && de.Transient
}
