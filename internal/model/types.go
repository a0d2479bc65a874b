package model

import "time"

// Request is the payload accepted by the trigger surface.
type Request struct {
	ResourceID     string `json:"resourceId"`
	URL            string `json:"url"`
	Quality        string `json:"quality,omitempty"`
	UseAuthCookies bool   `json:"useAuthCookies,omitempty"`
}

// DownloadJob is the in-flight state of one acquisition. At most one
// non-terminal job exists per resource id.
type DownloadJob struct {
	ResourceID          string    `json:"resource_id"`
	SourceURL           string    `json:"source_url"`
	RequestedQuality    string    `json:"requested_quality,omitempty"`
	UseAuthCookies      bool      `json:"use_auth_cookies,omitempty"`
	StrategiesAttempted []string  `json:"strategies_attempted,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
}

func NewDownloadJob(req Request, now time.Time) *DownloadJob {
	return &DownloadJob{
		ResourceID:       req.ResourceID,
		SourceURL:        req.URL,
		RequestedQuality: req.Quality,
		UseAuthCookies:   req.UseAuthCookies,
		CreatedAt:        now.UTC(),
	}
}

type ProgressRecord struct {
	ResourceID string `json:"resourceId"`
	Progress   int    `json:"progress"`
	Status     string `json:"status"`
	Phase      string `json:"phase,omitempty"`
	Timestamp  int64  `json:"timestamp"`
	Error      string `json:"error,omitempty"`
	Strategy   string `json:"strategy,omitempty"`
}

type VideoInfo struct {
	Title         string   `json:"title,omitempty"`
	CandidateURLs []string `json:"candidate_urls"`
	Width         int      `json:"width,omitempty"`
	Height        int      `json:"height,omitempty"`
	Duration      float64  `json:"duration,omitempty"`
}

type Result struct {
	Path         string `json:"path"`
	StrategyUsed string `json:"strategyUsed"`
	Cached       bool   `json:"cached,omitempty"`
}

func Millis(t time.Time) int64 {
	return t.UnixMilli()
}
