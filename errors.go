package loralink

import (
	"errors"
	"fmt"
)

// Sentinel errors for the kinds surfaced at the Device boundary.
var (
	ErrTooBigFrame       = errors.New("loralink: frame exceeds maximum length")
	ErrTooBigFirstFrame  = errors.New("loralink: headers and acknowledgements do not fit in the first slot")
	ErrTooManyAcks       = errors.New("loralink: more pending acknowledgements than a single frame can carry")
	ErrBusyDevice        = errors.New("loralink: radio is already transmitting")
	ErrBusyChannel       = errors.New("loralink: channel activity detected, channel is busy")
	ErrDutyCycleConsumed = errors.New("loralink: duty cycle budget exhausted for channel")
	ErrMinChannelDelay   = errors.New("loralink: minimum inter-transmit delay not yet elapsed")
	ErrOutOfSync         = errors.New("loralink: radio missed a slot deadline")
	ErrInvalidRecipients = errors.New("loralink: invalid recipient list")
	ErrFrameError        = errors.New("loralink: malformed frame")
	ErrIoError           = errors.New("loralink: radio I/O error")
	ErrInternalRadio     = errors.New("loralink: internal radio error")
)

// QueueError wraps an error returned by Driver.Queue, distinguishing
// errors the caller can recover from by draining the pending frame with
// Transmit and retrying (Recoverable() == true) from fatal device errors.
type QueueError struct {
	err         error
	recoverable bool
}

func newQueueError(err error, recoverable bool) *QueueError {
	return &QueueError{err: err, recoverable: recoverable}
}

func (e *QueueError) Error() string {
	return e.err.Error()
}

// Unwrap exposes the underlying sentinel error for errors.Is/errors.As.
func (e *QueueError) Unwrap() error {
	return e.err
}

// Recoverable reports whether the caller may drain the queue with
// Transmit and retry the same Queue call, versus a fatal device error.
func (e *QueueError) Recoverable() bool {
	return e.recoverable
}

func wrapf(sentinel error, format string, args ...any) error {
	return fmt.Errorf("%w: %s", sentinel, fmt.Sprintf(format, args...))
}
