package browser

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/model"
)

type State string

const (
	StateNavigating        State = "navigating"
	StateDismissingOverlay State = "dismissing-overlay"
	StateWaitingForMedia   State = "waiting-for-media"
	StateHarvesting        State = "harvesting"
	StateDone              State = "done"
	StateFailed            State = "failed"
)

const (
	defaultWidth  = 720
	defaultHeight = 1280
)

type WaitMode string

const (
	WaitDOMReady       WaitMode = "dom-ready"
	WaitNetworkSettled WaitMode = "network-settled"
)

var errWaitTimeout = fmt.Errorf("page wait: %w", failure.ErrTimeout)

// pageDriver is one job-scoped browser tab.
type pageDriver interface {
	Navigate(ctx context.Context, url string, mode WaitMode, timeout time.Duration) error
	WaitSettled(ctx context.Context, timeout time.Duration) error
	ClickSelector(ctx context.Context, selector string, timeout time.Duration) (bool, error)
	ClickAt(ctx context.Context, x, y float64) error
	PressEscape(ctx context.Context) error
	WaitAny(ctx context.Context, selectors []string, timeout time.Duration) (string, error)
	MediaElements(ctx context.Context) ([]MediaElement, error)
	NetworkMedia() []string
	HTML(ctx context.Context) (string, error)
	Title(ctx context.Context) (string, error)
	Close() error
}

type Point struct {
	X float64
	Y float64
}

// Timeouts bound each state of an extraction attempt.
type Timeouts struct {
	Navigation time.Duration
	Overlay    time.Duration
	Media      time.Duration
	Harvest    time.Duration
}

func (t Timeouts) withDefaults() Timeouts {
	if t.Navigation <= 0 {
		t.Navigation = 30 * time.Second
	}
	if t.Overlay <= 0 {
		t.Overlay = 1500 * time.Millisecond
	}
	if t.Media <= 0 {
		t.Media = 15 * time.Second
	}
	if t.Harvest <= 0 {
		t.Harvest = 10 * time.Second
	}
	return t
}

// Selectors lists the probes used while driving a page.
type Selectors struct {
	Overlay      []string
	OverlayClick []Point
	Media        []string
}

var DefaultSelectors = Selectors{
	Overlay: []string{
		`[data-e2e="modal-close-inner-button"]`,
		`div[role="dialog"] button[aria-label="Close"]`,
		`button[aria-label="Close"]`,
		`[data-testid="close-button"]`,
		`div[class*="login-modal"] [class*="close"]`,
		`svg[aria-label="Close"]`,
	},
	OverlayClick: []Point{
		{X: 20, Y: 20},
		{X: 360, Y: 40},
		{X: 10, Y: 400},
	},
	Media: []string{
		"video[src]",
		"video source[src]",
		"video",
		`[data-e2e="browse-video"] video`,
		`div[class*="VideoPlayer"] video`,
	},
}

// attempt is one extraction run over a single page. Each state has its own
// bound so failures are attributable to the state that caused them.
type attempt struct {
	page      pageDriver
	url       string
	timeouts  Timeouts
	selectors Selectors
	logger    *slog.Logger
	onState   func(State)

	state      State
	mediaReady bool
	info       model.VideoInfo
	err        error
}

func newAttempt(page pageDriver, url string, timeouts Timeouts, selectors Selectors, logger *slog.Logger) *attempt {
	if logger == nil {
		logger = slog.Default()
	}
	return &attempt{
		page:      page,
		url:       url,
		timeouts:  timeouts.withDefaults(),
		selectors: selectors,
		logger:    logger,
		state:     StateNavigating,
	}
}

// run drives the state machine to completion. The page is closed on every
// exit path.
func (a *attempt) run(ctx context.Context) (model.VideoInfo, error) {
	defer func() {
		if err := a.page.Close(); err != nil {
			a.logger.Debug("close page failed", slog.String("error", err.Error()))
		}
	}()

	for a.state != StateDone && a.state != StateFailed {
		if a.onState != nil {
			a.onState(a.state)
		}
		if err := ctx.Err(); err != nil {
			a.fail(err)
			break
		}
		switch a.state {
		case StateNavigating:
			a.navigate(ctx)
		case StateDismissingOverlay:
			a.dismissOverlay(ctx)
		case StateWaitingForMedia:
			a.waitForMedia(ctx)
		case StateHarvesting:
			a.harvest(ctx)
		default:
			a.fail(fmt.Errorf("unknown extraction state %q", a.state))
		}
	}
	if a.onState != nil {
		a.onState(a.state)
	}
	if a.state == StateFailed {
		return model.VideoInfo{}, a.err
	}
	return a.info, nil
}

func (a *attempt) fail(err error) {
	a.state = StateFailed
	a.err = err
}

func (a *attempt) navigate(ctx context.Context) {
	err := a.page.Navigate(ctx, a.url, WaitDOMReady, a.timeouts.Navigation)
	if err == nil {
		a.state = StateDismissingOverlay
		return
	}
	if ctx.Err() != nil || !isWaitTimeout(err) {
		a.fail(fmt.Errorf("navigate %s: %w", a.url, err))
		return
	}
	a.logger.Debug("dom ready wait timed out, waiting for network to settle", slog.String("url", a.url))
	if err := a.page.WaitSettled(ctx, a.timeouts.Navigation); err != nil {
		a.fail(fmt.Errorf("navigate %s: %w", a.url, err))
		return
	}
	a.state = StateDismissingOverlay
}

// dismissOverlay is best effort: nothing here fails the attempt.
func (a *attempt) dismissOverlay(ctx context.Context) {
	a.state = StateWaitingForMedia
	for _, sel := range a.selectors.Overlay {
		clicked, err := a.page.ClickSelector(ctx, sel, a.timeouts.Overlay)
		if err != nil {
			a.logger.Debug("overlay probe failed", slog.String("selector", sel), slog.String("error", err.Error()))
			continue
		}
		if clicked {
			a.logger.Debug("dismissed overlay", slog.String("selector", sel))
			return
		}
	}
	for _, p := range a.selectors.OverlayClick {
		if ctx.Err() != nil {
			return
		}
		if err := a.page.ClickAt(ctx, p.X, p.Y); err != nil {
			a.logger.Debug("overlay click failed", slog.Float64("x", p.X), slog.Float64("y", p.Y), slog.String("error", err.Error()))
		}
	}
	if err := a.page.PressEscape(ctx); err != nil {
		a.logger.Debug("escape press failed", slog.String("error", err.Error()))
	}
}

func (a *attempt) waitForMedia(ctx context.Context) {
	a.state = StateHarvesting
	sel, err := a.page.WaitAny(ctx, a.selectors.Media, a.timeouts.Media)
	if err != nil {
		if ctx.Err() != nil {
			a.fail(err)
			return
		}
		a.logger.Debug("no media element appeared, falling back to markup scan", slog.String("error", err.Error()))
		return
	}
	a.mediaReady = true
	a.logger.Debug("media element ready", slog.String("selector", sel))
}

func (a *attempt) harvest(ctx context.Context) {
	hctx, cancel := context.WithTimeout(ctx, a.timeouts.Harvest)
	defer cancel()

	var (
		cands    []candidate
		elements []MediaElement
	)
	if a.mediaReady {
		var err error
		elements, err = a.page.MediaElements(hctx)
		if err != nil {
			a.logger.Debug("read media elements failed", slog.String("error", err.Error()))
		}
		for _, src := range filterElementSources(elements) {
			cands = append(cands, candidate{url: src, source: sourceElement, order: len(cands)})
		}
	}
	for _, u := range a.page.NetworkMedia() {
		if !isNonContent(u) {
			cands = append(cands, candidate{url: u, source: sourceNetwork, order: len(cands)})
		}
	}

	markup, err := a.page.HTML(hctx)
	if err != nil && ctx.Err() != nil {
		a.fail(err)
		return
	}
	st := extractPageState(markup)
	for _, c := range st.cands {
		c.order = len(cands)
		cands = append(cands, c)
	}
	for _, u := range scanMarkup(markup) {
		cands = append(cands, candidate{url: u, source: sourceMarkup, order: len(cands)})
	}

	ranked := rankCandidates(cands)
	if len(ranked) == 0 {
		a.fail(failure.New(failure.KindNoContentFound, "page exposed no media URLs"))
		return
	}

	title := st.title
	if t, err := a.page.Title(hctx); err == nil && strings.TrimSpace(t) != "" && title == "" {
		title = strings.TrimSpace(t)
	}
	width, height, duration := dimensions(elements, st)
	a.info = model.VideoInfo{
		Title:         title,
		CandidateURLs: ranked,
		Width:         width,
		Height:        height,
		Duration:      duration,
	}
	a.state = StateDone
}

// dimensions prefers what the element reports, then page state, then the
// portrait default used by short-form sources.
func dimensions(elements []MediaElement, st pageState) (int, int, float64) {
	width, height, duration := 0, 0, 0.0
	for _, el := range elements {
		if el.Width > 0 && el.Height > 0 {
			width, height = el.Width, el.Height
			if el.Duration > 0 {
				duration = el.Duration
			}
			break
		}
	}
	if width == 0 || height == 0 {
		width, height = st.width, st.height
	}
	if width == 0 || height == 0 {
		width, height = defaultWidth, defaultHeight
	}
	if duration == 0 {
		duration = st.duration
	}
	return width, height, duration
}

func isWaitTimeout(err error) bool {
	return errors.Is(err, errWaitTimeout) || errors.Is(err, context.DeadlineExceeded)
}
