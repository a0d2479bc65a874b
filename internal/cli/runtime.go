package cli

import (
	"fmt"
	"log/slog"
	"net/http"

	"clip-acquirer/internal/acquire"
	"clip-acquirer/internal/browser"
	"clip-acquirer/internal/config"
	"clip-acquirer/internal/cookies"
	"clip-acquirer/internal/doctor"
	"clip-acquirer/internal/jobs"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/metrics"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/progress"
	"clip-acquirer/internal/strategy"
	"clip-acquirer/internal/transfer"
)

// runtime is the assembled acquisition stack shared by serve and acquire.
type runtime struct {
	orch    *acquire.Orchestrator
	store   *progress.Store
	media   *mediastore.Store
	browser *browser.Engine
	metrics *metrics.Metrics
	logger  *slog.Logger
}

type runtimeOptions struct {
	Publisher progress.Publisher
	// Connections feeds the progress connection gauge; nil disables metrics.
	Connections func() int
}

type publishFunc func(model.ProgressRecord)

func (f publishFunc) Publish(rec model.ProgressRecord) { f(rec) }

func newRuntime(cfg config.Config, logger *slog.Logger, opts runtimeOptions) (*runtime, error) {
	media, err := mediastore.New(cfg.OutputDir)
	if err != nil {
		return nil, err
	}

	var authCookies []*http.Cookie
	if cfg.CookiesFile != "" {
		authCookies, err = cookies.LoadNetscape(cfg.CookiesFile)
		if err != nil {
			return nil, fmt.Errorf("load cookies: %w", err)
		}
	}
	streamer, err := transfer.New(transfer.Options{
		MaxRedirects:  cfg.Transfer.MaxRedirects,
		LimitMBps:     cfg.Transfer.LimitMBps,
		HeaderTimeout: cfg.Transfer.HeaderTimeout,
		ProxyURL:      cfg.Proxy,
		Cookies:       authCookies,
		Logger:        logger.With(slog.String("component", "transfer")),
	})
	if err != nil {
		return nil, err
	}

	deps := strategy.Deps{
		Media: media,
		Fetch: strategy.FetchConfig{
			Binary:        cfg.YTDLP.Path,
			Fragments:     cfg.YTDLP.Fragments,
			CookiesPath:   cfg.CookiesFile,
			ProxyURL:      cfg.Proxy,
			LimitMBps:     cfg.Transfer.LimitMBps,
			Timeout:       cfg.YTDLP.Timeout,
			SocketTimeout: cfg.YTDLP.SocketTimeout,
		},
		Transfer: streamer,
		Logger:   logger.With(slog.String("component", "strategy")),
	}

	rt := &runtime{media: media, logger: logger}
	if cfg.Browser.Enabled {
		rt.browser = browser.New(browser.Options{
			Headless:        cfg.Browser.Headless,
			Bin:             cfg.Browser.Bin,
			ProxyURL:        cfg.Proxy,
			Cookies:         authCookies,
			MinFreeMemoryMB: cfg.Browser.MinFreeMemMB,
			Timeouts: browser.Timeouts{
				Navigation: cfg.Browser.NavTimeout,
				Overlay:    cfg.Browser.OverlayTimeout,
				Media:      cfg.Browser.MediaTimeout,
				Harvest:    cfg.Browser.HarvestTimeout,
			},
			Logger: logger.With(slog.String("component", "browser")),
		})
		deps.Browser = rt.browser
	}

	registry := jobs.NewRegistry()
	rt.store = progress.NewStore(opts.Publisher)

	var observer acquire.Observer
	if opts.Connections != nil {
		rt.metrics = metrics.New(metrics.Gauges{
			ActiveJobs:  registry.Len,
			Connections: opts.Connections,
		})
		observer = rt.metrics
	}

	rt.orch, err = acquire.New(acquire.Options{
		Registry:      registry,
		Store:         rt.store,
		Media:         media,
		Planner:       strategy.NewPlanner(deps),
		MaxConcurrent: cfg.MaxConcurrent,
		Observer:      observer,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}
	return rt, nil
}

func (rt *runtime) Close() error {
	if rt.browser == nil {
		return nil
	}
	return rt.browser.Close()
}

func doctorOptions(cfg config.Config) doctor.Options {
	return doctor.Options{
		OutputDir:      cfg.OutputDir,
		YTDLPBinary:    cfg.YTDLP.Path,
		BrowserEnabled: cfg.Browser.Enabled,
		BrowserBin:     cfg.Browser.Bin,
		CookiesFile:    cfg.CookiesFile,
		MinFreeMemMB:   cfg.Browser.MinFreeMemMB,
	}
}
