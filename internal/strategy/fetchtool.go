package strategy

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"strings"

	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/progress"
	"clip-acquirer/internal/ytdlp"
)

// profile is one option set for the fetch tool.
type profile struct {
	name      string
	userAgent string
	format    func(quality string) string
	headers   []ytdlp.Header
	minimal   bool
	// resolve rewrites the source URL before the tool runs.
	resolve func(ctx context.Context, raw string) (string, error)
}

type fetchTool struct {
	profile profile
	source  Source
	media   *mediastore.Store
	cfg     FetchConfig
}

func primaryProfile() profile {
	return profile{
		name:      NamePrimary,
		userAgent: desktopUserAgent,
		format:    ytdlp.FormatFor,
	}
}

func alternateProfile() profile {
	return profile{
		name:      NameAlternate,
		userAgent: mobileUserAgent,
		format: func(quality string) string {
			if strings.EqualFold(strings.TrimSpace(quality), "audio") {
				return ytdlp.FormatFor(quality)
			}
			return "best[ext=mp4]/best"
		},
		headers: []ytdlp.Header{
			{Name: "Accept-Language", Value: "en-US,en;q=0.9"},
			{Name: "Sec-Fetch-Mode", Value: "navigate"},
		},
	}
}

func shortURLProfile(resolve func(ctx context.Context, raw string) (string, error)) profile {
	p := primaryProfile()
	p.name = NameShortURL
	p.resolve = resolve
	return p
}

func minimalProfile() profile {
	return profile{name: NameMinimal, minimal: true}
}

func (f *fetchTool) Name() string { return f.profile.name }

// Policy starts single-phase; the tool announces merged downloads before
// its first destination line and the policy is switched then.
func (f *fetchTool) Policy() progress.Policy { return progress.Single }

func (f *fetchTool) Run(ctx context.Context, job *model.DownloadJob, env Env) (Outcome, error) {
	logger := env.logger().With(slog.String("strategy", f.profile.name))

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if f.cfg.Timeout > 0 {
		var tcancel context.CancelFunc
		runCtx, tcancel = context.WithTimeout(runCtx, f.cfg.Timeout)
		defer tcancel()
	}
	detach := env.attach(cancel)
	defer detach()

	videoURL := job.SourceURL
	if f.profile.resolve != nil {
		resolved, err := f.profile.resolve(runCtx, videoURL)
		if err != nil {
			return Outcome{}, f.classify(ctx, err)
		}
		logger.Debug("resolved short link", slog.String("from", videoURL), slog.String("to", resolved))
		videoURL = resolved
	}

	tracker := ytdlp.NewTracker(func(u ytdlp.Update) {
		env.report(u.Raw, u.Stage, u.Phase)
	})
	tracker.OnFormats = func(merged bool) {
		if merged {
			env.setPolicy(progress.Merged)
		} else {
			env.setPolicy(progress.Single)
		}
	}

	opts := ytdlp.DownloadOptions{
		Binary:            f.cfg.Binary,
		VideoURL:          videoURL,
		OutputTemplate:    f.media.OutputTemplate(job.ResourceID),
		Minimal:           f.profile.minimal,
		Fragments:         f.cfg.Fragments,
		DownloadLimitMBps: f.cfg.LimitMBps,
		ProxyURL:          f.cfg.ProxyURL,
		SocketTimeout:     f.cfg.SocketTimeout,
		Logger:            logger,
		Progress:          tracker.Handle,
	}
	if !f.profile.minimal {
		if f.profile.format != nil {
			opts.Format = f.profile.format(job.RequestedQuality)
		}
		opts.UserAgent = f.profile.userAgent
		opts.Referer = referer(f.source)
		opts.Headers = f.profile.headers
		if job.UseAuthCookies {
			opts.CookiesPath = f.cfg.CookiesPath
		}
	}

	env.report(0, model.StatusDownloading, progress.PhasePrimaryFetch)
	if _, err := ytdlp.Download(runCtx, opts); err != nil {
		f.media.Cleanup(job.ResourceID)
		return Outcome{}, f.classify(ctx, err)
	}

	path := tracker.Path()
	if !fileReady(path) {
		found, ok := f.media.Lookup(job.ResourceID)
		if !ok {
			return Outcome{}, failure.New(failure.KindNoContentFound, "fetch tool exited cleanly without producing a file")
		}
		path = found
	}
	return Outcome{Path: path, Video: model.VideoInfo{Title: titleFromPath(path, job.ResourceID)}}, nil
}

// classify prefers the job context's error so a user cancel is never
// reported as the per-run timeout.
func (f *fetchTool) classify(ctx context.Context, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return failure.Classify(f.profile.name, failure.Record{ExitCode: -1, Err: ctxErr})
	}
	var runErr *ytdlp.RunError
	if errors.As(err, &runErr) {
		return failure.Classify(f.profile.name, failure.Record{
			ExitCode: runErr.ExitCode,
			Stderr:   runErr.Stderr,
			Err:      runErr.Err,
		})
	}
	return failure.From(f.profile.name, err)
}

func fileReady(path string) bool {
	if strings.TrimSpace(path) == "" {
		return false
	}
	st, err := os.Stat(path)
	return err == nil && !st.IsDir() && st.Size() > 0
}

// titleFromPath recovers the title part of "<id>__<title>.<ext>".
func titleFromPath(path, resourceID string) string {
	base := path
	if i := strings.LastIndexAny(base, `/\`); i >= 0 {
		base = base[i+1:]
	}
	if i := strings.LastIndex(base, "."); i > 0 {
		base = base[:i]
	}
	prefix := mediastore.SafeID(resourceID) + "__"
	if !strings.HasPrefix(base, prefix) {
		return ""
	}
	return strings.ReplaceAll(strings.TrimPrefix(base, prefix), "_", " ")
}
