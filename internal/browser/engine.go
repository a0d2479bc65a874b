package browser

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/model"
)

type Options struct {
	Headless        bool
	Bin             string
	ProxyURL        string
	UserAgent       string
	Cookies         []*http.Cookie
	MinFreeMemoryMB uint64
	Timeouts        Timeouts
	Selectors       *Selectors
	Logger          *slog.Logger
}

// Engine extracts candidate media URLs from source pages using one shared
// browser. Pages are job scoped; the browser and its contexts are not.
type Engine struct {
	session   *Session
	timeouts  Timeouts
	selectors Selectors
	logger    *slog.Logger
}

type Request struct {
	URL            string
	UseAuthCookies bool
	// Attach registers an abort func for as long as the page is open.
	Attach  func(abort func()) (detach func())
	OnState func(State)
}

func New(opts Options) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return newEngine(rodLauncher(opts), opts, logger)
}

func newEngine(launch launchFunc, opts Options, logger *slog.Logger) *Engine {
	selectors := DefaultSelectors
	if opts.Selectors != nil {
		selectors = *opts.Selectors
	}
	return &Engine{
		session:   newSession(launch, logger),
		timeouts:  opts.Timeouts.withDefaults(),
		selectors: selectors,
		logger:    logger,
	}
}

// Extract loads req.URL and returns the ranked candidate URLs. Errors are
// classified failures.
func (e *Engine) Extract(ctx context.Context, req Request) (model.VideoInfo, error) {
	if strings.TrimSpace(req.URL) == "" {
		return model.VideoInfo{}, failure.New(failure.KindNoContentFound, "source URL is required")
	}
	started := time.Now()

	src, err := e.session.source(ctx, req.UseAuthCookies)
	if err != nil {
		return model.VideoInfo{}, classify(ctx, err)
	}
	page, err := src.NewPage(ctx)
	if err != nil {
		if ctx.Err() == nil {
			e.logger.Warn("open page failed, resetting browser", slog.String("error", err.Error()))
			e.session.invalidate()
		}
		return model.VideoInfo{}, classify(ctx, err)
	}
	if req.Attach != nil {
		detach := req.Attach(func() { _ = page.Close() })
		defer detach()
	}

	a := newAttempt(page, req.URL, e.timeouts, e.selectors, e.logger)
	a.onState = req.OnState
	info, err := a.run(ctx)
	if err != nil {
		e.logger.Debug("extraction failed", slog.String("url", req.URL), slog.String("state", string(a.state)), slog.String("error", err.Error()))
		return model.VideoInfo{}, classify(ctx, err)
	}
	e.logger.Debug("extraction finished",
		slog.String("url", req.URL),
		slog.Int("candidates", len(info.CandidateURLs)),
		slog.Duration("took", time.Since(started)),
	)
	return info, nil
}

func (e *Engine) Close() error {
	return e.session.Close()
}

func (e *Engine) Launched() bool {
	return e.session.Launched()
}

func classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failure.Classify("", failure.Record{ExitCode: -1, Err: ctxErr})
	}
	return failure.From("", err)
}
