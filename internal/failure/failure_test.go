package failure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

func TestClassify_OrderedPredicates(t *testing.T) {
	cases := []struct {
		name string
		rec  Record
		want Kind
	}{
		{"cancel beats stderr", Record{ExitCode: -1, Err: context.Canceled, Stderr: "HTTP Error 403"}, KindCancelled},
		{"deadline", Record{ExitCode: -1, Err: fmt.Errorf("wait: %w", context.DeadlineExceeded)}, KindTimeout},
		{"http 403", Record{ExitCode: -1, HTTPStatus: 403}, KindForbidden},
		{"http 451", Record{ExitCode: -1, HTTPStatus: 451}, KindRegionRestricted},
		{"http 404", Record{ExitCode: -1, HTTPStatus: 404}, KindUnavailable},
		{"http 500", Record{ExitCode: -1, HTTPStatus: 500}, KindTransport},
		{"geo stderr", Record{ExitCode: 1, Stderr: "ERROR: This video is not available in your country"}, KindRegionRestricted},
		{"private stderr", Record{ExitCode: 1, Stderr: "ERROR: [TikTok] 123: Private video"}, KindUnavailable},
		{"formats stderr", Record{ExitCode: 1, Stderr: "ERROR: No video formats found!"}, KindNoContentFound},
		{"sentinel no content", Record{ExitCode: -1, Err: ErrNoContentFound}, KindNoContentFound},
		{"plain exit", Record{ExitCode: 2, Stderr: "connection reset by peer"}, KindTransport},
		{"timeout stderr", Record{ExitCode: 1, Stderr: "Read timed out."}, KindTimeout},
	}
	for _, tc := range cases {
		if got := Classify("s", tc.rec).Kind; got != tc.want {
			t.Fatalf("%s: got %s want %s", tc.name, got, tc.want)
		}
	}
}

func TestKindRetryable(t *testing.T) {
	for _, k := range []Kind{KindForbidden, KindRegionRestricted, KindUnavailable, KindNoContentFound, KindTimeout, KindTransport} {
		if !k.Retryable() {
			t.Fatalf("expected %s to be retryable", k)
		}
	}
	if KindCancelled.Retryable() {
		t.Fatalf("cancelled must not be retryable")
	}
}

func TestAcquireError_CausePrefersInformativeKind(t *testing.T) {
	agg := &AcquireError{ResourceID: "v1"}
	agg.Add("primary", Classify("primary", Record{ExitCode: -1, HTTPStatus: 403}))
	agg.Add("minimal", Classify("minimal", Record{ExitCode: 1, Stderr: "connection reset"}))
	agg.Add("browser", New(KindNoContentFound, ""))

	if got := agg.Cause().Kind; got != KindForbidden {
		t.Fatalf("expected forbidden cause, got %s", got)
	}
	if KindOf(agg) != KindForbidden {
		t.Fatalf("KindOf should follow the cause")
	}
	if !errors.Is(agg, ErrForbidden) {
		t.Fatalf("expected errors.Is to match forbidden sentinel")
	}
	msg := agg.Error()
	for _, s := range []string{"primary", "minimal", "browser"} {
		if !strings.Contains(msg, s) {
			t.Fatalf("expected %q in %q", s, msg)
		}
	}
}

func TestFrom_KeepsExistingKind(t *testing.T) {
	fe := From("browser", New(KindNoContentFound, "page had no media"))
	if fe.Kind != KindNoContentFound || fe.Strategy != "browser" {
		t.Fatalf("unexpected error: %+v", fe)
	}
	if got := From("x", context.Canceled).Kind; got != KindCancelled {
		t.Fatalf("got %s", got)
	}
}
