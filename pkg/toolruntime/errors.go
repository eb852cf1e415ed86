// Package toolruntime registers, validates, and executes tools on
// behalf of a turn. Every call produces a result that can be handed
// back to the model; only fatal failures and cancellation escape the
// runtime as errors.
package toolruntime

import (
	"errors"
	"fmt"
)

// FailureKind classifies how a tool call went wrong.
type FailureKind string

const (
	// FailureRespond is a recoverable failure. The error text becomes
	// the tool output so the model can react to it.
	FailureRespond FailureKind = "respond"
	// FailureDenied is a policy denial. Handled like FailureRespond at
	// the protocol level but audited separately.
	FailureDenied FailureKind = "denied"
	// FailureRetriable is a transient failure worth exactly one
	// transparent retry.
	FailureRetriable FailureKind = "retriable"
	// FailureFatal ends the turn.
	FailureFatal FailureKind = "fatal"
	// FailureAborted means the turn was cancelled while the call ran.
	FailureAborted FailureKind = "aborted"
)

// Failure wraps an error with its classification. Handlers return it
// to steer the runtime; bare errors classify as FailureRespond.
type Failure struct {
	Kind FailureKind
	Err  error
}

func (f *Failure) Error() string {
	return f.Err.Error()
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// Respondf builds a recoverable failure the model will see as output.
func Respondf(format string, args ...interface{}) error {
	return &Failure{Kind: FailureRespond, Err: fmt.Errorf(format, args...)}
}

// Deniedf builds a policy-denial failure.
func Deniedf(format string, args ...interface{}) error {
	return &Failure{Kind: FailureDenied, Err: fmt.Errorf(format, args...)}
}

// Retriable marks an error as transient.
func Retriable(err error) error {
	return &Failure{Kind: FailureRetriable, Err: err}
}

// Fatal marks an error as turn-ending.
func Fatal(err error) error {
	return &Failure{Kind: FailureFatal, Err: err}
}

// Classify maps an error from a handler to its failure kind. Bare
// errors are recoverable; the model sees their text and moves on.
func Classify(err error) FailureKind {
	var failure *Failure
	if errors.As(err, &failure) {
		return failure.Kind
	}
	return FailureRespond
}
