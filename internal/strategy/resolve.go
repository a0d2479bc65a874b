package strategy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"clip-acquirer/internal/failure"
)

const maxShortLinkHops = 10

func defaultResolver() *http.Client {
	return &http.Client{
		Timeout: 20 * time.Second,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxShortLinkHops {
				return fmt.Errorf("resolve short link: stopped after %d redirects", len(via))
			}
			return nil
		},
	}
}

// resolveShortLink walks the redirect chain of a short link and returns the
// canonical URL. HEAD is tried first; some hosts only redirect on GET.
func resolveShortLink(client *http.Client) func(ctx context.Context, raw string) (string, error) {
	return func(ctx context.Context, raw string) (string, error) {
		var lastErr error
		for _, method := range []string{http.MethodHead, http.MethodGet} {
			req, err := http.NewRequestWithContext(ctx, method, raw, nil)
			if err != nil {
				return "", fmt.Errorf("build %s request: %w", method, err)
			}
			req.Header.Set("User-Agent", mobileUserAgent)
			resp, err := client.Do(req)
			if err != nil {
				if ctx.Err() != nil {
					return "", ctx.Err()
				}
				lastErr = err
				continue
			}
			_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
			_ = resp.Body.Close()
			if resp.StatusCode >= 400 {
				lastErr = failure.Classify("", failure.Record{
					ExitCode:   -1,
					HTTPStatus: resp.StatusCode,
					Err:        fmt.Errorf("%s %s: status %d", method, raw, resp.StatusCode),
				})
				continue
			}
			final := resp.Request.URL.String()
			if final == raw || IsShortLink(final) {
				lastErr = errors.New("short link did not redirect to a canonical URL")
				continue
			}
			return final, nil
		}
		return "", fmt.Errorf("resolve short link %s: %w", raw, lastErr)
	}
}
