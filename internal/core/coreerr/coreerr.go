// Package coreerr implements the error taxonomy from spec.md §7.
//
// Handler-level errors bubble up unchanged to the mutation/working-copy
// services, which wrap them with the affected nodeId; everything crossing
// the facade boundary (internal/core/engine) is a *CoreError carrying one of
// the closed set of Codes below, never a raw store or encoding error.
package coreerr

import "fmt"

// Code is the closed taxonomy surfaced as {success:false, code, message}.
type Code string

const (
	// Validation
	InvalidEnvelope      Code = "InvalidEnvelope"
	UnknownCommandKind   Code = "UnknownCommandKind"
	UnknownNodeType      Code = "UnknownNodeType"
	NameValidationFailed Code = "NameValidationFailed"
	MaxChildrenExceeded  Code = "MaxChildrenExceeded"

	// Topology
	ParentNotFound Code = "ParentNotFound"
	NodeNotFound   Code = "NodeNotFound"
	CycleDetected  Code = "CycleDetected"
	WrongTree      Code = "WrongTree"

	// Concurrency
	VersionConflict   Code = "VersionConflict"
	NameConflict      Code = "NameConflict"
	WorkingCopyExists Code = "WorkingCopyExists"
	StoreConflict     Code = "StoreConflict"

	// State
	NotInTrash    Code = "NotInTrash"
	AlreadyInTrash Code = "AlreadyInTrash"
	DuplicatePeer Code = "DuplicatePeer"

	// Resource
	UnsupportedStoreVersion Code = "UnsupportedStoreVersion"
	Aborted                 Code = "Aborted"
)

// CoreError is the structured result returned across the RPC boundary for
// every expected failure. Unexpected failures (bugs, OOM) are left as plain
// errors and propagate as a generic transport error, per spec.md §7.
type CoreError struct {
	Code    Code
	Message string
	NodeID  string // affected node, when applicable
	Cause   error
}

func (e *CoreError) Error() string {
	if e.NodeID != "" {
		return fmt.Sprintf("%s: %s (node %s)", e.Code, e.Message, e.NodeID)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *CoreError) Unwrap() error { return e.Cause }

// New creates a CoreError with no wrapped cause.
func New(code Code, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a CoreError wrapping an underlying cause.
func Wrap(code Code, cause error, format string, args ...any) *CoreError {
	return &CoreError{Code: code, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithNode returns a copy of e annotated with the affected node id, matching
// the propagation policy in spec.md §7 ("C5/C6 wrap [C4 errors] with the
// affected nodeId").
func (e *CoreError) WithNode(nodeID string) *CoreError {
	clone := *e
	clone.NodeID = nodeID
	return &clone
}

// Is reports whether err is a *CoreError carrying the given code.
func Is(err error, code Code) bool {
	var ce *CoreError
	if ok := asCoreError(err, &ce); ok {
		return ce.Code == code
	}
	return false
}

func asCoreError(err error, target **CoreError) bool {
	for err != nil {
		if ce, ok := err.(*CoreError); ok {
			*target = ce
			return true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = u.Unwrap()
	}
	return false
}

// CodeOf returns the code of err if it is (or wraps) a *CoreError, or "" if not.
func CodeOf(err error) Code {
	var ce *CoreError
	if asCoreError(err, &ce) {
		return ce.Code
	}
	return ""
}
