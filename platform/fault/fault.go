// Package fault defines the error taxonomy shared by every runtime component.
//
// Errors carry a Kind so callers can branch on failure class without string
// matching, and a RequestID so every surfaced error can be tied back to the
// originating request.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a runtime failure.
type Kind string

const (
	// KindConfiguration is a boot-time configuration failure. Fatal to the process.
	KindConfiguration Kind = "configuration_error"
	// KindBundleIntegrity is a manifest/bundle hash mismatch at boot. Fatal to the process.
	KindBundleIntegrity Kind = "bundle_integrity_error"
	// KindUnauthorized is a denied authorization check. Rendered opaquely.
	KindUnauthorized Kind = "unauthorized"
	// KindUnknownTool is an invocation of a tool not declared in the manifest.
	KindUnknownTool Kind = "unknown_tool"
	// KindArgumentValidation is a tool argument schema violation.
	KindArgumentValidation Kind = "argument_validation_error"
	// KindNotFound is a missing secret, draft, or version.
	KindNotFound Kind = "not_found"
	// KindDeadlineExceeded is a request deadline elapse.
	KindDeadlineExceeded Kind = "deadline_exceeded"
	// KindRecursionLimit is a graph exceeding its node-visit ceiling.
	KindRecursionLimit Kind = "recursion_limit_exceeded"
	// KindUnroutableState is a decision label with no matching edge and no catch-all.
	KindUnroutableState Kind = "unroutable_state"
	// KindAmbiguousEdge is a process/tool node with more than one unconditional edge.
	KindAmbiguousEdge Kind = "ambiguous_edge"
	// KindWorkerQuorum is zero successful workers where the supervisor required one.
	KindWorkerQuorum Kind = "worker_quorum_failure"
	// KindRetriable is a transient failure the tool client retries internally.
	KindRetriable Kind = "retriable_error"
	// KindFatal is a tool failure that retrying cannot fix.
	KindFatal Kind = "fatal_error"
	// KindTimeout is a single-attempt timeout inside the tool client.
	KindTimeout Kind = "timeout"
	// KindInternal is an unrecoverable invariant violation.
	KindInternal Kind = "internal_error"
)

// Error is the concrete error carried across component boundaries.
type Error struct {
	Kind      Kind
	Message   string
	RequestID string
	Cause     error
}

func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches errors by Kind so errors.Is(err, &Error{Kind: k}) works.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind
}

// New creates a fault of the given kind with a formatted message.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates a fault of the given kind around an underlying cause.
func Wrap(kind Kind, cause error, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// WithRequest returns a copy of the fault tagged with the request id.
func (e *Error) WithRequest(requestID string) *Error {
	dup := *e
	dup.RequestID = requestID
	return &dup
}

// KindOf extracts the Kind from err, unwrapping as needed.
// Returns KindInternal for non-fault errors and "" for nil.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	return KindInternal
}

// IsKind reports whether err is a fault of the given kind.
func IsKind(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// IsRetriable reports whether the tool client may retry after err.
func IsRetriable(err error) bool {
	k := KindOf(err)
	return k == KindRetriable || k == KindTimeout
}

// RequestIDOf extracts the request id from err, if any.
func RequestIDOf(err error) string {
	var fe *Error
	if errors.As(err, &fe) {
		return fe.RequestID
	}
	return ""
}
