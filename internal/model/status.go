package model

import "fmt"

const (
	StatusQueued      = "queued"
	StatusDownloading = "downloading"
	StatusMerging     = "merging"
	StatusFinalizing  = "finalizing"
	StatusCompleted   = "completed"
	StatusError       = "error"
	StatusCancelled   = "cancelled"
)

var allowedTransitions = map[string]map[string]bool{
	"": {
		StatusQueued: true,
	},
	StatusQueued: {
		StatusQueued:      true,
		StatusDownloading: true,
		StatusMerging:     true,
		StatusFinalizing:  true,
		StatusCompleted:   true, // cache hit
		StatusError:       true,
		StatusCancelled:   true,
	},
	StatusDownloading: {
		StatusDownloading: true,
		StatusMerging:     true,
		StatusFinalizing:  true,
		StatusCompleted:   true,
		StatusError:       true,
		StatusCancelled:   true,
	},
	StatusMerging: {
		StatusMerging:     true,
		StatusDownloading: true, // next strategy after a failed merge
		StatusFinalizing:  true,
		StatusCompleted:   true,
		StatusError:       true,
		StatusCancelled:   true,
	},
	StatusFinalizing: {
		StatusFinalizing:  true,
		StatusDownloading: true,
		StatusCompleted:   true,
		StatusError:       true,
		StatusCancelled:   true,
	},
	StatusCompleted: {
		StatusQueued: true, // new job for the same resource
	},
	StatusError: {
		StatusQueued: true,
	},
	StatusCancelled: {
		StatusQueued: true,
	},
}

func IsKnownStatus(status string) bool {
	_, ok := allowedTransitions[status]
	return ok && status != ""
}

func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusError, StatusCancelled:
		return true
	default:
		return false
	}
}

func CanTransition(from, to string) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	return next[to]
}

func TransitionRecord(rec *ProgressRecord, toStatus string) error {
	from := rec.Status
	if !CanTransition(from, toStatus) {
		return fmt.Errorf("invalid progress status transition: %q -> %q (resource_id=%s)", from, toStatus, rec.ResourceID)
	}
	rec.Status = toStatus
	return nil
}
