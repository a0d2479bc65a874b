package failure

import (
	"context"
	"errors"
	"net"
	"strings"
)

type predicate struct {
	kind  Kind
	match func(Record) bool
}

// Evaluated in order; the first match wins.
var classifiers = []predicate{
	{KindCancelled, func(r Record) bool {
		return errors.Is(r.Err, context.Canceled) || errors.Is(r.Err, ErrCancelled)
	}},
	{KindTimeout, func(r Record) bool {
		if errors.Is(r.Err, context.DeadlineExceeded) || errors.Is(r.Err, ErrTimeout) {
			return true
		}
		var ne net.Error
		return errors.As(r.Err, &ne) && ne.Timeout()
	}},
	{KindNoContentFound, func(r Record) bool {
		return errors.Is(r.Err, ErrNoContentFound)
	}},
	{KindRegionRestricted, func(r Record) bool {
		return r.HTTPStatus == 451 || stderrHas(r, regionHints)
	}},
	{KindForbidden, func(r Record) bool {
		return r.HTTPStatus == 401 || r.HTTPStatus == 403 || stderrHas(r, forbiddenHints)
	}},
	{KindUnavailable, func(r Record) bool {
		return r.HTTPStatus == 404 || r.HTTPStatus == 410 || stderrHas(r, unavailableHints)
	}},
	{KindNoContentFound, func(r Record) bool {
		return stderrHas(r, noContentHints)
	}},
	{KindTimeout, func(r Record) bool {
		return r.HTTPStatus == 408 || r.HTTPStatus == 504 || stderrHas(r, timeoutHints)
	}},
}

var (
	regionHints = []string{
		"not available in your country",
		"not available in your region",
		"not available in your location",
		"geo restricted",
		"geo-restricted",
		"georestricted",
		"blocked it in your country",
	}
	forbiddenHints = []string{
		"http error 403",
		"http error 401",
		"403 forbidden",
		"sign in to confirm",
		"login required",
		"log in to",
		"requires authentication",
		"cookies are needed",
	}
	unavailableHints = []string{
		"video unavailable",
		"private video",
		"this video is private",
		"account is private",
		"has been removed",
		"has been deleted",
		"http error 404",
		"does not exist",
		"http error 410",
	}
	noContentHints = []string{
		"no video formats found",
		"requested format is not available",
		"unable to extract",
		"unsupported url",
	}
	timeoutHints = []string{
		"timed out",
		"timeout",
	}
)

func classifyRecord(r Record) Kind {
	for _, p := range classifiers {
		if p.match(r) {
			return p.kind
		}
	}
	return KindTransport
}

func stderrHas(r Record, hints []string) bool {
	text := strings.ToLower(r.Stderr)
	if text == "" {
		return false
	}
	for _, h := range hints {
		if strings.Contains(text, h) {
			return true
		}
	}
	return false
}
