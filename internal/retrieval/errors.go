package retrieval

import (
	"errors"
	"fmt"
)

// ErrTimeout is returned when a connection attempt exceeds its per-attempt deadline.
var ErrTimeout = errors.New("connection timed out")

// ErrHeadUnsupported is returned when a server rejects HEAD and the caller forbids GET fallback.
var ErrHeadUnsupported = errors.New("HEAD method not supported")

// BlockedError means the domain is unusable for the rest of the run.
type BlockedError struct {
	Domain string
}

func (e *BlockedError) Error() string {
	return fmt.Sprintf("domain blocked: %s", e.Domain)
}

// UnreachableError is the catch-all failure for a record or candidate link.
type UnreachableError struct {
	Reason string
}

func (e *UnreachableError) Error() string {
	return "unreachable: " + e.Reason
}

// Unreachable builds an UnreachableError with a formatted reason.
func Unreachable(format string, args ...any) error {
	return &UnreachableError{Reason: fmt.Sprintf(format, args...)}
}

// AlreadyResolvedError short-circuits a lookup that hit an already resolved target.
// It is not a failure; callers log it as a re-cross.
type AlreadyResolvedError struct {
	URL   string
	Entry TargetEntry
}

func (e *AlreadyResolvedError) Error() string {
	return fmt.Sprintf("already resolved: %s (source %s)", e.URL, e.Entry.SourceURL)
}

// IsBlocked reports whether err carries a BlockedError.
func IsBlocked(err error) bool {
	var be *BlockedError
	return errors.As(err, &be)
}

// IsAlreadyResolved extracts an AlreadyResolvedError from err.
func IsAlreadyResolved(err error) (*AlreadyResolvedError, bool) {
	var ar *AlreadyResolvedError
	if errors.As(err, &ar) {
		return ar, true
	}
	return nil, false
}

// Reason renders err as the human readable cause written to the output sink.
func Reason(err error) string {
	if err == nil {
		return ""
	}
	var ue *UnreachableError
	if errors.As(err, &ue) {
		return ue.Reason
	}
	var be *BlockedError
	if errors.As(err, &be) {
		return "blocked domain: " + be.Domain
	}
	if errors.Is(err, ErrTimeout) {
		return "timeout"
	}
	return err.Error()
}
