package strategy

import (
	"context"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"

	"clip-acquirer/internal/browser"
	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/progress"
	"clip-acquirer/internal/transfer"
)

const defaultMaxCandidates = 4

// extractProgress is the raw extract-phase progress reported on entering each
// state.
var extractProgress = map[browser.State]int{
	browser.StateNavigating:        5,
	browser.StateDismissingOverlay: 30,
	browser.StateWaitingForMedia:   50,
	browser.StateHarvesting:        80,
	browser.StateDone:              100,
}

type browserStrategy struct {
	source        Source
	extractor     Extractor
	streamer      Streamer
	media         *mediastore.Store
	maxCandidates int
}

func (b *browserStrategy) Name() string { return NameBrowser }

func (b *browserStrategy) Policy() progress.Policy { return progress.Browser }

func (b *browserStrategy) Run(ctx context.Context, job *model.DownloadJob, env Env) (Outcome, error) {
	logger := env.logger().With(slog.String("strategy", NameBrowser))

	env.report(0, model.StatusDownloading, progress.PhaseExtract)
	info, err := b.extractor.Extract(ctx, browser.Request{
		URL:            job.SourceURL,
		UseAuthCookies: job.UseAuthCookies,
		Attach:         env.Attach,
		OnState: func(s browser.State) {
			if raw, ok := extractProgress[s]; ok {
				env.report(raw, model.StatusDownloading, progress.PhaseExtract)
			}
		},
	})
	if err != nil {
		return Outcome{}, failure.From(NameBrowser, err)
	}

	headers := http.Header{}
	headers.Set("User-Agent", desktopUserAgent)
	if ref := referer(b.source); ref != "" {
		headers.Set("Referer", ref)
	}

	var last *failure.Error
	tried := 0
	for _, candidate := range info.CandidateURLs {
		ext, ok := candidateExt(candidate)
		if !ok {
			logger.Debug("skipping streaming manifest", slog.String("url", candidate))
			continue
		}
		if tried >= b.maxCandidates {
			break
		}
		tried++

		dest := b.media.Reserve(job.ResourceID, info.Title, ext)
		err := b.streamer.Stream(ctx, browserTransfer(job, candidate, dest, headers, env))
		if err == nil {
			return Outcome{Path: dest, Video: info}, nil
		}
		last = failure.From(NameBrowser, err)
		if !last.Kind.Retryable() || ctx.Err() != nil {
			return Outcome{}, last
		}
		logger.Info("candidate transfer failed",
			slog.String("resource_id", job.ResourceID),
			slog.String("kind", string(last.Kind)),
			slog.Int("candidate", tried),
		)
	}
	if last == nil {
		return Outcome{}, &failure.Error{Kind: failure.KindNoContentFound, Strategy: NameBrowser, Record: failure.Record{ExitCode: -1}, Msg: "no directly fetchable media URL was extracted"}
	}
	return Outcome{}, last
}

func browserTransfer(job *model.DownloadJob, candidate, dest string, headers http.Header, env Env) transfer.Request {
	return transfer.Request{
		URL:        candidate,
		Dest:       dest,
		ResourceID: job.ResourceID,
		Headers:    headers,
		Report: func(raw int) {
			env.report(raw, model.StatusDownloading, progress.PhasePrimaryFetch)
		},
		Attach:         env.Attach,
		UseAuthCookies: job.UseAuthCookies,
	}
}

// candidateExt returns the file extension for a candidate; streaming
// manifests are rejected since nothing here assembles segments.
func candidateExt(raw string) (string, bool) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", false
	}
	ext := strings.TrimPrefix(strings.ToLower(path.Ext(u.Path)), ".")
	switch ext {
	case "m3u8", "mpd":
		return "", false
	case "mp4", "webm", "m4v", "mov":
		return ext, true
	}
	if strings.Contains(strings.ToLower(u.Query().Get("mime_type")), "webm") {
		return "webm", true
	}
	return "mp4", true
}
