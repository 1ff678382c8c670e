package protocol

import (
	"errors"
)

// Error exposes methods useful for categorizing errors.
type Error interface {
	error

	// Temporary returns true if the Error might be the result of a transient condition. For
	// example, a write can fail because the link layer is momentarily congested, and a receiver
	// that stopped signaling may resume after it drains its buffer. Restarting the transfer may
	// succeed in those cases.
	Temporary() bool
}

var (
	// ErrInvalidEndpoint indicates a send was attempted on an endpoint that supports neither
	// write variant. No transport call is made.
	ErrInvalidEndpoint = NewError("endpoint does not support writes", false)
	// ErrNoWritableMode indicates neither write-with-response nor write-without-response is
	// available for an endpoint.
	ErrNoWritableMode = NewError("endpoint has no writable mode", false)
	// ErrTransportWriteFailed indicates the transport could not write a chunk. The transfer is
	// not retried; the caller may send again to restart from offset 0.
	ErrTransportWriteFailed = NewError("transport write failed", true)
	// ErrInvalidChunkSize indicates the transport reported a maximum write size that cannot
	// carry any payload.
	ErrInvalidChunkSize = NewError("endpoint maximum write size must be positive", false)
	// ErrChunkTooLarge indicates a chunk exceeded the endpoint's maximum write size.
	ErrChunkTooLarge = NewError("chunk exceeds endpoint maximum write size", false)
	// ErrStalled indicates the receiver did not send a ready token before the stall timeout.
	ErrStalled = NewError("receiver did not signal ready before the stall timeout", true)
	// ErrClosed indicates the engine was closed.
	ErrClosed = NewError("engine closed", false)
	// ErrInvalidReadyToken indicates an empty ready token was configured.
	ErrInvalidReadyToken = errors.New("ready token must not be empty")
	// ErrUnknownEndpoint indicates a transport was given an endpoint it did not create.
	ErrUnknownEndpoint = errors.New("endpoint does not belong to this transport")
)

type FlowError struct {
	Err               error
	PossibleTemporary bool
}

func NewError(message string, temporary bool) error {
	return &FlowError{Err: errors.New(message), PossibleTemporary: temporary}
}

func (e *FlowError) Error() string {
	return e.Err.Error()
}

func (e *FlowError) Unwrap() error {
	return e.Err
}

func (e *FlowError) Temporary() bool {
	return e.PossibleTemporary
}

// Temporary returns true if err, or an error it wraps, indicates a failure due to possibly
// transient conditions that do not require user action to resolve.
func Temporary(err error) bool {
	var flowErr Error
	if errors.As(err, &flowErr) && flowErr.Temporary() {
		return true
	}
	return false
}

// ShouldRetry returns true if the client should restart the transfer that triggered an error.
func ShouldRetry(err error) bool {
	if err == nil {
		return false
	}
	return Temporary(err)
}
