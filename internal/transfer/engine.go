package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"clip-acquirer/internal/cookies"
	"clip-acquirer/internal/failure"
)

const (
	DefaultMaxRedirects = 5
	chunkSize           = 32 * 1024
)

var ErrTooManyRedirects = errors.New("too many redirects")

type Options struct {
	MaxRedirects  int
	LimitMBps     float64
	HeaderTimeout time.Duration
	ProxyURL      string
	// Cookies are the auth cookies; a request only carries them when it opts in.
	Cookies   []*http.Cookie
	UserAgent string
	Logger    *slog.Logger
}

// Engine streams direct media URLs to disk.
type Engine struct {
	client    *http.Client
	cookies   []*http.Cookie
	limiter   *rate.Limiter
	userAgent string
	logger    *slog.Logger
}

// Request describes one transfer. Report receives raw progress 0-100 for the
// transfer alone; the caller's phase policy decides its share of the overall
// value. Attach, when set, registers an abort func for the lifetime of the
// request.
type Request struct {
	URL        string
	Dest       string
	ResourceID string
	Headers    http.Header
	Report     func(raw int)
	Attach     func(abort func()) (detach func())
	// UseAuthCookies seeds the request's cookie jar with the auth cookies.
	UseAuthCookies bool
}

func New(opts Options) (*Engine, error) {
	maxRedirects := opts.MaxRedirects
	if maxRedirects <= 0 {
		maxRedirects = DefaultMaxRedirects
	}
	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.HeaderTimeout > 0 {
		transport.ResponseHeaderTimeout = opts.HeaderTimeout
	}
	if p := strings.TrimSpace(opts.ProxyURL); p != "" {
		u, err := url.Parse(p)
		if err != nil {
			return nil, fmt.Errorf("parse proxy url %s: %w", p, err)
		}
		transport.Proxy = http.ProxyURL(u)
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return fmt.Errorf("%w after %d hops", ErrTooManyRedirects, len(via))
				}
				return nil
			},
		},
		cookies:   opts.Cookies,
		userAgent: opts.UserAgent,
		logger:    logger,
	}
	if opts.LimitMBps > 0 {
		bps := opts.LimitMBps * 1024 * 1024
		burst := int(bps)
		if burst < chunkSize {
			burst = chunkSize
		}
		e.limiter = rate.NewLimiter(rate.Limit(bps), burst)
	}
	return e, nil
}

// Stream downloads req.URL into req.Dest through a temporary file. On
// cancellation the partial file is removed and a Cancelled failure returned.
func (e *Engine) Stream(ctx context.Context, req Request) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if req.Attach != nil {
		detach := req.Attach(cancel)
		defer detach()
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return failure.Classify("", failure.Record{ExitCode: -1, Err: fmt.Errorf("build request: %w", err)})
	}
	for k, vs := range req.Headers {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	if e.userAgent != "" && httpReq.Header.Get("User-Agent") == "" {
		httpReq.Header.Set("User-Agent", e.userAgent)
	}

	report := req.Report
	if report == nil {
		report = func(int) {}
	}

	client, err := e.clientFor(req.UseAuthCookies)
	if err != nil {
		return failure.Classify("", failure.Record{ExitCode: -1, Err: err})
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return classifyIOError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return failure.Classify("", failure.Record{
			ExitCode:   -1,
			HTTPStatus: resp.StatusCode,
			Err:        fmt.Errorf("GET %s: unexpected status %d", redact(req.URL), resp.StatusCode),
		})
	}

	if err := os.MkdirAll(filepath.Dir(req.Dest), 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", req.Dest, err)
	}
	tmp := req.Dest + ".part"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", req.Dest, err)
	}
	discard := func() {
		_ = f.Close()
		_ = os.Remove(tmp)
	}

	total := resp.ContentLength
	report(0)
	written, err := e.copy(ctx, f, resp.Body, total, report)
	if err != nil {
		discard()
		return classifyIOError(ctx, err)
	}
	if total > 0 && written < total {
		discard()
		return failure.Classify("", failure.Record{ExitCode: -1, Err: fmt.Errorf("short body: %d of %d bytes", written, total)})
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("close temp file for %s: %w", req.Dest, err)
	}
	if err := os.Rename(tmp, req.Dest); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("finalize %s: %w", req.Dest, err)
	}
	report(100)
	e.logger.Debug("transfer finished", slog.String("resource_id", req.ResourceID), slog.Int64("bytes", written))
	return nil
}

// clientFor returns a client whose cookie jar lives only as long as one
// request, so nothing set by one job's responses reaches another job.
func (e *Engine) clientFor(useAuth bool) (*http.Client, error) {
	var seed []*http.Cookie
	if useAuth {
		seed = e.cookies
	}
	jar, err := cookies.Jar(seed)
	if err != nil {
		return nil, fmt.Errorf("build cookie jar: %w", err)
	}
	c := *e.client
	c.Jar = jar
	return &c, nil
}

func (e *Engine) copy(ctx context.Context, dst io.Writer, src io.Reader, total int64, report func(int)) (int64, error) {
	buf := make([]byte, chunkSize)
	var written int64
	lastPct := 0
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}
		n, readErr := src.Read(buf)
		if n > 0 {
			if e.limiter != nil {
				if err := e.limiter.WaitN(ctx, n); err != nil {
					return written, err
				}
			}
			if _, err := dst.Write(buf[:n]); err != nil {
				return written, fmt.Errorf("write chunk: %w", err)
			}
			written += int64(n)
			if total > 0 {
				pct := int(written * 100 / total)
				if pct >= 100 {
					pct = 99
				}
				if pct > lastPct {
					lastPct = pct
					report(pct)
				}
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}

func classifyIOError(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		if errors.Is(ctxErr, context.DeadlineExceeded) {
			return failure.Classify("", failure.Record{ExitCode: -1, Err: ctxErr})
		}
		return failure.Classify("", failure.Record{ExitCode: -1, Err: context.Canceled})
	}
	return failure.Classify("", failure.Record{ExitCode: -1, Err: err})
}

func redact(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	u.RawQuery = ""
	return u.String()
}
