package strategy

import (
	"fmt"
	"log/slog"

	"clip-acquirer/internal/model"
)

// Planner builds the ordered strategy chain for a job.
type Planner struct {
	deps Deps
}

func NewPlanner(deps Deps) *Planner {
	if deps.Resolver == nil {
		deps.Resolver = defaultResolver()
	}
	if deps.MaxCandidates <= 0 {
		deps.MaxCandidates = defaultMaxCandidates
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	return &Planner{deps: deps}
}

// Chain lists strategy names for a source in priority order.
func Chain(src Source) []string {
	switch src {
	case SourceTikTok, SourceDouyin:
		return []string{NamePrimary, NameAlternate, NameShortURL, NameMinimal, NameBrowser}
	case SourceYouTube:
		return []string{NamePrimary, NameAlternate, NameMinimal}
	default:
		return []string{NamePrimary, NameMinimal, NameBrowser}
	}
}

// Plan returns the strategies to try for job. The short-link variant is only
// included for short links and the browser strategy only when an extractor
// and a streamer are configured.
func (p *Planner) Plan(job *model.DownloadJob) ([]Strategy, error) {
	if p.deps.Media == nil {
		return nil, fmt.Errorf("strategy planner has no media store")
	}
	src, err := DetectSource(job.SourceURL)
	if err != nil {
		return nil, err
	}
	out := make([]Strategy, 0, 5)
	for _, name := range Chain(src) {
		switch name {
		case NamePrimary:
			out = append(out, p.fetch(src, primaryProfile()))
		case NameAlternate:
			out = append(out, p.fetch(src, alternateProfile()))
		case NameShortURL:
			if IsShortLink(job.SourceURL) {
				out = append(out, p.fetch(src, shortURLProfile(resolveShortLink(p.deps.Resolver))))
			}
		case NameMinimal:
			out = append(out, p.fetch(src, minimalProfile()))
		case NameBrowser:
			if p.deps.Browser != nil && p.deps.Transfer != nil {
				out = append(out, &browserStrategy{
					source:        src,
					extractor:     p.deps.Browser,
					streamer:      p.deps.Transfer,
					media:         p.deps.Media,
					maxCandidates: p.deps.MaxCandidates,
				})
			}
		}
	}
	return out, nil
}

func (p *Planner) fetch(src Source, prof profile) Strategy {
	return &fetchTool{profile: prof, source: src, media: p.deps.Media, cfg: p.deps.Fetch}
}
