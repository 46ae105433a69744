package gateway

import (
	"errors"
	"fmt"
)

// ErrUnexpectedFrame is returned when the gateway answers a bootstrap step
// with a frame the engine cannot interpret.
var ErrUnexpectedFrame = errors.New("unexpected gateway frame")

// FatalError ends the event streams when recovering from a failure fails
// itself. The client must be restarted by its owner.
type FatalError struct {
	// Cause is the failure that triggered recovery.
	Cause error
	// Recovery is the failure of the recovery attempt.
	Recovery error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("gateway: recovery failed: %v (while handling: %v)", e.Recovery, e.Cause)
}

func (e *FatalError) Unwrap() []error {
	return []error{e.Cause, e.Recovery}
}
