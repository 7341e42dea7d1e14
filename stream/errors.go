package stream

import (
	"errors"
	"fmt"
)

// Sentinels for errors.Is. Each struct error below matches its sentinel.
var (
	ErrTransport  = errors.New("stream: transport failure")
	ErrRead       = errors.New("stream: read failed")
	ErrWrite      = errors.New("stream: write rejected")
	ErrValidation = errors.New("stream: validation failed")
	ErrDiverged   = errors.New("stream: stored collection is not a prefix of the target")
)

// TransportFailure is a network error or a non-200 status.
type TransportFailure struct {
	Method   string
	Endpoint string
	Status   int // 0 when the request did not complete
	Err      error
}

func (e *TransportFailure) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("stream: %s %s: status %d", e.Method, e.Endpoint, e.Status)
	}
	return fmt.Sprintf("stream: %s %s: %v", e.Method, e.Endpoint, e.Err)
}

func (e *TransportFailure) Unwrap() error        { return e.Err }
func (e *TransportFailure) Is(target error) bool { return target == ErrTransport }

// ReadFailed means the commit list of a stream could not be obtained or
// folded. Writes depending on the read abort.
type ReadFailed struct {
	StreamID string
	Reason   string
	Err      error
}

func (e *ReadFailed) Error() string {
	msg := fmt.Sprintf("stream: read %s: %s", e.StreamID, e.Reason)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ReadFailed) Unwrap() error        { return e.Err }
func (e *ReadFailed) Is(target error) bool { return target == ErrRead }

// WriteRejected means a create, append or pin was not accepted. The
// stream's chain is unchanged at the store.
type WriteRejected struct {
	Op       string // "create", "append", "pin", "unpin"
	StreamID string
	Status   int
	Reason   string
	Err      error
}

func (e *WriteRejected) Error() string {
	msg := fmt.Sprintf("stream: %s rejected", e.Op)
	if e.StreamID != "" {
		msg += " for " + e.StreamID
	}
	if e.Status != 0 {
		msg += fmt.Sprintf(" (status %d)", e.Status)
	}
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *WriteRejected) Unwrap() error        { return e.Err }
func (e *WriteRejected) Is(target error) bool { return target == ErrWrite }

// ValidationError means a request was refused before anything was sent.
type ValidationError struct {
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("stream: invalid %s: %v", e.Reason, e.Err)
	}
	return "stream: invalid " + e.Reason
}

func (e *ValidationError) Unwrap() error        { return e.Err }
func (e *ValidationError) Is(target error) bool { return target == ErrValidation }
