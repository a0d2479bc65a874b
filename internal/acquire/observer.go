package acquire

import (
	"time"

	"clip-acquirer/internal/failure"
)

// Observer receives job lifecycle events, typically for metrics.
type Observer interface {
	JobRejected(reason string)
	JobStarted()
	CacheHit()
	StrategyFinished(strategy string, kind failure.Kind, took time.Duration)
	JobFinished(status string, took time.Duration)
}

type nopObserver struct{}

func (nopObserver) JobRejected(string)                                   {}
func (nopObserver) JobStarted()                                          {}
func (nopObserver) CacheHit()                                            {}
func (nopObserver) StrategyFinished(string, failure.Kind, time.Duration) {}
func (nopObserver) JobFinished(string, time.Duration)                    {}
