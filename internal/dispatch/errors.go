package dispatch

import (
	"errors"
	"fmt"

	"Bitvault/internal/conversation"
	"Bitvault/internal/protocol"
)

var (
	// ErrQuorumNotMet is returned when the quorum evaluator decided an operation FAILED.
	ErrQuorumNotMet = errors.New("quorum not met")

	// ErrTimedOut is returned when no decision was reached within the wait bound.
	ErrTimedOut = errors.New("operation timed out")

	// ErrRetrievalFailed is returned when a single-pillar read did not complete.
	ErrRetrievalFailed = errors.New("retrieval failed")

	// ErrLocalIO is returned for staging and download file-system errors, raised before or after dispatch.
	ErrLocalIO = errors.New("local I/O error")

	// ErrInvalidArgument is returned for caller input that cannot be dispatched.
	ErrInvalidArgument = errors.New("invalid argument")
)

// OperationError is the single error an unsuccessful operation surfaces.
// It carries the per-pillar diagnostics the decision was made on.
type OperationError struct {
	Kind       protocol.Kind        // Kind is the request kind
	Collection string               // Collection is the addressed collection
	FileID     string               // FileID is the file concerned, if any
	Outcome    conversation.Outcome // Outcome holds the status, deciding rule and events

	errs []error // errs are the sentinels the error matches
}

// newOperationError classifies an unsuccessful outcome. Single-pillar reads are retrieval failures.
func newOperationError(op conversation.Operation, out conversation.Outcome) *OperationError {
	e := &OperationError{Kind: op.Kind, Collection: op.Collection, FileID: op.FileID, Outcome: out}

	if op.Kind == protocol.KindGet {
		e.errs = append(e.errs, ErrRetrievalFailed)
	}

	if out.Status == conversation.StatusTimedOut {
		e.errs = append(e.errs, ErrTimedOut)
	} else if op.Kind != protocol.KindGet {
		e.errs = append(e.errs, ErrQuorumNotMet)
	}

	return e
}

// Error renders "<kind> <file> in <collection>: <status> (<rule>): <diagnostics>".
func (e *OperationError) Error() string {
	subject := e.Kind.String()
	if e.FileID != "" {
		subject += " " + e.FileID
	}

	msg := fmt.Sprintf("%s in %s: %s (%s)", subject, e.Collection, e.Outcome.Status, e.Outcome.Rule)
	if d := e.Diagnostics(); d != "" {
		msg += ": " + d
	}

	return msg
}

// Unwrap exposes the matching sentinels to errors.Is.
func (e *OperationError) Unwrap() []error {
	return e.errs
}

// Diagnostics returns the per-pillar failure lines, including synthesized timeouts.
func (e *OperationError) Diagnostics() string {
	return e.Outcome.Diagnostics()
}

// Pillars returns the ids of the pillars that reported FAILED or never replied.
func (e *OperationError) Pillars() []string {
	var out []string

	for _, ev := range e.Outcome.Events {
		if ev.Status == protocol.StatusFailed {
			out = append(out, ev.Contributor)
		}
	}

	return out
}
