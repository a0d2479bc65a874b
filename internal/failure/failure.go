package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

type Kind string

const (
	KindAlreadyInProgress Kind = "already_in_progress"
	KindForbidden         Kind = "forbidden"
	KindRegionRestricted  Kind = "region_restricted"
	KindUnavailable       Kind = "unavailable"
	KindNoContentFound    Kind = "no_content_found"
	KindTimeout           Kind = "timeout"
	KindCancelled         Kind = "cancelled"
	KindTransport         Kind = "transport_error"
)

var (
	ErrAlreadyInProgress = errors.New("acquisition already in progress")
	ErrForbidden         = errors.New("access forbidden")
	ErrRegionRestricted  = errors.New("not available in this region")
	ErrUnavailable       = errors.New("video unavailable")
	ErrNoContentFound    = errors.New("no media found")
	ErrTimeout           = errors.New("timed out")
	ErrCancelled         = errors.New("cancelled")
	ErrTransport         = errors.New("transfer failed")
)

func (k Kind) sentinel() error {
	switch k {
	case KindAlreadyInProgress:
		return ErrAlreadyInProgress
	case KindForbidden:
		return ErrForbidden
	case KindRegionRestricted:
		return ErrRegionRestricted
	case KindUnavailable:
		return ErrUnavailable
	case KindNoContentFound:
		return ErrNoContentFound
	case KindTimeout:
		return ErrTimeout
	case KindCancelled:
		return ErrCancelled
	default:
		return ErrTransport
	}
}

// Retryable reports whether the orchestrator should move on to the next
// strategy after a failure of this kind.
func (k Kind) Retryable() bool {
	switch k {
	case KindCancelled, KindAlreadyInProgress:
		return false
	default:
		return true
	}
}

// Record is the structured observation a strategy makes when it fails.
// ExitCode is -1 when no subprocess was involved, HTTPStatus is 0 when no
// response was received.
type Record struct {
	ExitCode   int
	Stderr     string
	HTTPStatus int
	Err        error
}

func (r Record) String() string {
	parts := make([]string, 0, 3)
	if r.HTTPStatus > 0 {
		parts = append(parts, fmt.Sprintf("http %d", r.HTTPStatus))
	}
	if r.ExitCode > 0 {
		parts = append(parts, fmt.Sprintf("exit %d", r.ExitCode))
	}
	if r.Err != nil {
		parts = append(parts, r.Err.Error())
	}
	if line := lastLine(r.Stderr); line != "" {
		parts = append(parts, line)
	}
	return strings.Join(parts, ": ")
}

type Error struct {
	Kind     Kind
	Strategy string
	Record   Record
	Msg      string
}

func (e *Error) Error() string {
	msg := e.Kind.sentinel().Error()
	if e.Msg != "" {
		msg = e.Msg
	}
	detail := e.Record.String()
	switch {
	case e.Strategy != "" && detail != "":
		return fmt.Sprintf("%s: %s (%s)", e.Strategy, msg, detail)
	case e.Strategy != "":
		return fmt.Sprintf("%s: %s", e.Strategy, msg)
	case detail != "":
		return fmt.Sprintf("%s (%s)", msg, detail)
	default:
		return msg
	}
}

func (e *Error) Unwrap() error {
	return e.Record.Err
}

func (e *Error) Is(target error) bool {
	return target == e.Kind.sentinel()
}

func New(kind Kind, msg string) *Error {
	return &Error{Kind: kind, Record: Record{ExitCode: -1}, Msg: msg}
}

// Classify turns a failure record into a typed error for the named strategy.
func Classify(strategy string, rec Record) *Error {
	return &Error{Kind: classifyRecord(rec), Strategy: strategy, Record: rec}
}

// KindOf extracts the failure kind from any error returned by this module.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var agg *AcquireError
	if errors.As(err, &agg) {
		if cause := agg.Cause(); cause != nil {
			return cause.Kind
		}
	}
	var fe *Error
	if errors.As(err, &fe) {
		return fe.Kind
	}
	switch {
	case errors.Is(err, context.Canceled):
		return KindCancelled
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	}
	return KindTransport
}

// From wraps a plain error into a classified one, keeping it untouched when it
// already carries a kind.
func From(strategy string, err error) *Error {
	if err == nil {
		return nil
	}
	var fe *Error
	if errors.As(err, &fe) {
		if fe.Strategy == "" {
			cp := *fe
			cp.Strategy = strategy
			return &cp
		}
		return fe
	}
	return Classify(strategy, Record{ExitCode: -1, Err: err})
}

func lastLine(s string) string {
	lines := strings.Split(strings.TrimSpace(s), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if l := strings.TrimSpace(lines[i]); l != "" {
			if len(l) > 300 {
				l = l[:300]
			}
			return l
		}
	}
	return ""
}
