package failure

import (
	"fmt"
	"strings"
)

// Higher is more informative for the final user-visible message.
var causeRank = map[Kind]int{
	KindTransport:        1,
	KindTimeout:          2,
	KindNoContentFound:   3,
	KindUnavailable:      4,
	KindForbidden:        5,
	KindRegionRestricted: 6,
	KindCancelled:        7,
}

type Attempt struct {
	Strategy string
	Err      *Error
}

// AcquireError is returned when every strategy in a chain failed, or when the
// chain was cut short by cancellation.
type AcquireError struct {
	ResourceID string
	Attempts   []Attempt
}

func (e *AcquireError) Add(strategy string, err *Error) {
	e.Attempts = append(e.Attempts, Attempt{Strategy: strategy, Err: err})
}

func (e *AcquireError) Strategies() []string {
	out := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		out = append(out, a.Strategy)
	}
	return out
}

// Cause returns the most informative failure across attempts. Ties go to the
// latest attempt.
func (e *AcquireError) Cause() *Error {
	var best *Error
	bestRank := -1
	for _, a := range e.Attempts {
		if a.Err == nil {
			continue
		}
		if r := causeRank[a.Err.Kind]; r >= bestRank {
			best, bestRank = a.Err, r
		}
	}
	return best
}

func (e *AcquireError) Error() string {
	cause := e.Cause()
	if cause == nil {
		return fmt.Sprintf("acquire %s: no strategies attempted", e.ResourceID)
	}
	return fmt.Sprintf(
		"acquire %s: %s (tried: %s): %s",
		e.ResourceID, cause.Kind.sentinel().Error(), strings.Join(e.Strategies(), ", "), cause.Error(),
	)
}

// UserMessage is the short text shown to observers.
func (e *AcquireError) UserMessage() string {
	cause := e.Cause()
	if cause == nil {
		return "download failed"
	}
	return fmt.Sprintf("%s (tried %s)", cause.Kind.sentinel().Error(), strings.Join(e.Strategies(), ", "))
}

func (e *AcquireError) Unwrap() error {
	if cause := e.Cause(); cause != nil {
		return cause
	}
	return nil
}
