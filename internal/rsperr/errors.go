// Package rsperr defines the structured error kinds shared by every layer
// of the RSP core (transport, framing, client, controller, orchestrator).
package rsperr

import (
	"errors"
	"fmt"

	pkgerrors "github.com/pkg/errors"
)

// Kind is the small, closed set of error categories a caller of the Core
// can usefully branch on. It intentionally does not distinguish every
// possible failure mode — just the ones spec.md §7 assigns distinct
// propagation/policy rules to.
type Kind string

const (
	KindIO              Kind = "io"
	KindTimeout         Kind = "timeout"
	KindProtocol        Kind = "protocol"
	KindServerError     Kind = "server_error"
	KindUnsupported     Kind = "unsupported"
	KindCancelled       Kind = "cancelled"
	KindInvalidArgument Kind = "invalid_argument"
	KindOutOfMemory     Kind = "out_of_memory"
)

// Error is the structured error type returned by every Core operation that
// can fail. It follows the Op/Kind/Inner shape of go-ublk's errors.Error,
// generalized with a Channel field (most Core failures are channel-scoped)
// and a Code field for the server_error(nn) case.
type Error struct {
	Op      string // operation that failed, e.g. "controller.ReadMemory"
	Channel int    // channel index, -1 if not channel-scoped
	Kind    Kind
	Code    int   // populated only when Kind == KindServerError ("E nn")
	Err     error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	base := fmt.Sprintf("%s: %s", e.Op, e.Kind)
	if e.Kind == KindServerError {
		base = fmt.Sprintf("%s: %s(%02x)", e.Op, e.Kind, e.Code)
	}
	if e.Channel >= 0 {
		base = fmt.Sprintf("%s [channel %d]", base, e.Channel)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", base, e.Err)
	}
	return base
}

func (e *Error) Unwrap() error { return e.Err }

// Is supports errors.Is comparisons against a bare Kind sentinel created
// with New("", kind, nil), matching on Kind alone.
func (e *Error) Is(target error) bool {
	var te *Error
	if errors.As(target, &te) {
		return e.Kind == te.Kind
	}
	return false
}

// New builds an unchanneled Error.
func New(op string, kind Kind, cause error) *Error {
	return &Error{Op: op, Channel: -1, Kind: kind, Err: cause}
}

// NewOnChannel builds a channel-scoped Error.
func NewOnChannel(op string, channel int, kind Kind, cause error) *Error {
	return &Error{Op: op, Channel: channel, Kind: kind, Err: cause}
}

// NewServerError builds the server_error(nn) variant from an "E nn" reply.
func NewServerError(op string, channel int, code int) *Error {
	return &Error{Op: op, Channel: channel, Kind: KindServerError, Code: code}
}

// Wrap attaches op/kind context to an arbitrary cause using pkg/errors so
// the original stack trace (when one exists) survives for diagnostics.
func Wrap(op string, kind Kind, cause error) error {
	if cause == nil {
		return nil
	}
	return &Error{Op: op, Channel: -1, Kind: kind, Err: pkgerrors.Wrap(cause, op)}
}

// Of reports whether err (or anything it wraps) carries the given Kind.
func Of(err error, kind Kind) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// Code extracts the server error code from an "E nn" failure, if any.
func Code(err error) (int, bool) {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindServerError {
		return e.Code, true
	}
	return 0, false
}
