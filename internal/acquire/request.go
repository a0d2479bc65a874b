package acquire

import (
	"errors"
	"fmt"
	"strings"

	"clip-acquirer/internal/model"
	"clip-acquirer/internal/strategy"
)

var ErrInvalidRequest = errors.New("invalid acquisition request")

var allowedQualities = map[string]bool{
	"":      true,
	"best":  true,
	"1080p": true,
	"720p":  true,
	"480p":  true,
	"audio": true,
}

// normalizeRequest trims and validates req. The returned error wraps
// ErrInvalidRequest.
func normalizeRequest(req model.Request) (model.Request, error) {
	req.ResourceID = strings.TrimSpace(req.ResourceID)
	req.URL = strings.TrimSpace(req.URL)
	req.Quality = strings.ToLower(strings.TrimSpace(req.Quality))

	if req.ResourceID == "" {
		return req, fmt.Errorf("%w: resourceId is required", ErrInvalidRequest)
	}
	if len(req.ResourceID) > 200 {
		return req, fmt.Errorf("%w: resourceId is longer than 200 characters", ErrInvalidRequest)
	}
	if _, err := strategy.ParseSourceURL(req.URL); err != nil {
		return req, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	if !allowedQualities[req.Quality] {
		return req, fmt.Errorf("%w: unsupported quality %q (use best, 1080p, 720p, 480p or audio)", ErrInvalidRequest, req.Quality)
	}
	if req.Quality == "" {
		req.Quality = "best"
	}
	return req, nil
}
