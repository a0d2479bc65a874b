package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"clip-acquirer/internal/browser"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/progress"
	"clip-acquirer/internal/transfer"
)

const (
	NamePrimary   = "primary"
	NameAlternate = "alternate"
	NameShortURL  = "short-url"
	NameMinimal   = "minimal"
	NameBrowser   = "browser"
)

const (
	desktopUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36"
	mobileUserAgent  = "Mozilla/5.0 (iPhone; CPU iPhone OS 17_5 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.5 Mobile/15E148 Safari/604.1"
)

// Env is what a strategy may touch while it runs. Report and SetPolicy write
// through to the progress store; Attach registers the abort func for whatever
// the strategy currently has in flight.
type Env struct {
	Report    func(raw int, status, phase string)
	SetPolicy func(policy progress.Policy)
	Attach    func(abort func()) (detach func())
	Logger    *slog.Logger
}

// Outcome is a finished file produced by a strategy.
type Outcome struct {
	Path  string
	Video model.VideoInfo
}

// Strategy is one way of obtaining media bytes. Run returns a classified
// *failure.Error on failure.
type Strategy interface {
	Name() string
	Policy() progress.Policy
	Run(ctx context.Context, job *model.DownloadJob, env Env) (Outcome, error)
}

// Extractor is the browser extraction surface used by the browser strategy.
type Extractor interface {
	Extract(ctx context.Context, req browser.Request) (model.VideoInfo, error)
}

// Streamer is the direct transfer surface used by the browser strategy.
type Streamer interface {
	Stream(ctx context.Context, req transfer.Request) error
}

// FetchConfig configures every fetch-tool profile.
type FetchConfig struct {
	Binary      string
	Fragments   int
	CookiesPath string
	ProxyURL    string
	LimitMBps   float64
	// Timeout bounds one fetch-tool run; zero means no bound beyond the job.
	Timeout       time.Duration
	SocketTimeout time.Duration
}

type Deps struct {
	Media    *mediastore.Store
	Fetch    FetchConfig
	Browser  Extractor
	Transfer Streamer
	// Resolver follows short-link redirects. Defaults to a client with a
	// bounded redirect walk.
	Resolver *http.Client
	// MaxCandidates bounds how many extracted URLs the browser strategy
	// tries before giving up.
	MaxCandidates int
	Logger        *slog.Logger
}

func (env Env) report(raw int, status, phase string) {
	if env.Report != nil {
		env.Report(raw, status, phase)
	}
}

func (env Env) setPolicy(p progress.Policy) {
	if env.SetPolicy != nil {
		env.SetPolicy(p)
	}
}

func (env Env) attach(abort func()) func() {
	if env.Attach == nil {
		return func() {}
	}
	return env.Attach(abort)
}

func (env Env) logger() *slog.Logger {
	if env.Logger == nil {
		return slog.Default()
	}
	return env.Logger
}
