// Package pregelerr defines the error taxonomy shared by every layer of the
// engine: coordination-store failures, log failures, user compute failures
// and internal invariant violations.
package pregelerr

import "golang.org/x/xerrors"

// CoordinationError wraps a failure to read from or write to the
// coordination store (lost connection, missing barrier path, shared-value
// decode failure).
type CoordinationError struct {
	Op    string
	Cause error
}

func (e *CoordinationError) Error() string {
	return xerrors.Errorf("coordination store: %s: %w", e.Op, e.Cause).Error()
}

func (e *CoordinationError) Unwrap() error { return e.Cause }

// NewCoordinationError wraps cause as a CoordinationError for operation op.
func NewCoordinationError(op string, cause error) error {
	if cause == nil {
		return nil
	}
	return &CoordinationError{Op: op, Cause: cause}
}

// LogError wraps a non-retriable producer send failure or a consumer fetch
// failure. It is fatal for the task that observed it; the task may be
// restarted because the inbox/active-set it held is reconstructible.
type LogError struct {
	Topic string
	Cause error
}

func (e *LogError) Error() string {
	return xerrors.Errorf("log %q: %w", e.Topic, e.Cause).Error()
}

func (e *LogError) Unwrap() error { return e.Cause }

// NewLogError wraps cause as a LogError for the given topic.
func NewLogError(topic string, cause error) error {
	if cause == nil {
		return nil
	}
	return &LogError{Topic: topic, Cause: cause}
}

// UserComputeError wraps an error returned by a user-supplied ComputeFunc,
// annotated with the vertex it was running against. A panic inside the
// ComputeFunc is not recovered and is not converted into this error.
type UserComputeError struct {
	VertexID  string
	Superstep int
	Cause     error
}

func (e *UserComputeError) Error() string {
	return xerrors.Errorf("compute(vertex=%q, superstep=%d): %w", e.VertexID, e.Superstep, e.Cause).Error()
}

func (e *UserComputeError) Unwrap() error { return e.Cause }

// NewUserComputeError wraps cause as a UserComputeError.
func NewUserComputeError(vertexID string, superstep int, cause error) error {
	if cause == nil {
		return nil
	}
	return &UserComputeError{VertexID: vertexID, Superstep: superstep, Cause: cause}
}

// InvariantViolation indicates a bug: a state transition or precondition
// that must never happen was observed (e.g. SEND entered with an
// unsynchronised work-set topic). Callers should fail fast rather than try
// to recover.
type InvariantViolation struct {
	Msg string
}

func (e *InvariantViolation) Error() string { return "invariant violation: " + e.Msg }

// NewInvariantViolation constructs an InvariantViolation with the given
// message, formatted like xerrors.Errorf.
func NewInvariantViolation(format string, args ...interface{}) error {
	return &InvariantViolation{Msg: xerrors.Errorf(format, args...).Error()}
}
