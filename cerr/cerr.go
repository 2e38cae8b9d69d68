// Package cerr defines the structured error kinds shared across the core.
// Every error that crosses a component boundary carries a Kind; the RPC
// surface serialises the kind as the error code and the message verbatim.
package cerr

import (
	"errors"
	"fmt"
)

// Kind identifies the class of a core error.
type Kind string

const (
	KindSessionIsolation   Kind = "session.isolation"
	KindSessionNotFound    Kind = "session.not-found"
	KindTabNotFound        Kind = "tab.not-found"
	KindQueueTimeout       Kind = "queue.timeout"
	KindQueueCancelled     Kind = "queue.cancelled"
	KindCDPTimeout         Kind = "cdp.timeout"
	KindCDPProtocol        Kind = "cdp.protocol"
	KindSnapshotNonAtomic  Kind = "profile.snapshot-non-atomic"
	KindPortUnreachable    Kind = "launcher.port-unreachable"
	KindFinderNoMatch      Kind = "finder.no-match"
	KindFinderLowConfidence Kind = "finder.low-confidence"
	KindRefStale           Kind = "ref.stale"
	KindConfigCorrupted    Kind = "config.corrupted"
)

// Error is a structured core error: a kind plus a human-readable message.
// The wrapped cause, if any, is preserved for errors.Is/As chains.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Kind)
	}
	return string(e.Kind) + ": " + e.Message
}

func (e *Error) Unwrap() error { return e.cause }

// New creates an Error of the given kind.
func New(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap creates an Error of the given kind that wraps a cause. The cause's
// message is surfaced verbatim, matching the CDP error policy.
func Wrap(kind Kind, cause error) *Error {
	if cause == nil {
		return &Error{Kind: kind}
	}
	return &Error{Kind: kind, Message: cause.Error(), cause: cause}
}

// KindOf extracts the kind from err, or "" if err carries none.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return ""
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}
