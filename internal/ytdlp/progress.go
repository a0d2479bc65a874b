package ytdlp

import (
	"regexp"
	"strconv"
	"strings"
	"sync"
)

const (
	PhasePrimary   = "primary-fetch"
	PhaseSecondary = "secondary-fetch"
	PhaseMerge     = "merge"

	StageDownloading = "downloading"
	StageMerging     = "merging"
	StageFinalizing  = "finalizing"
)

var (
	rePct       = regexp.MustCompile(`([0-9]+(?:\.[0-9]+)?)%`)
	reSpeed     = regexp.MustCompile(`\bat\s+([^\s]+)`)
	reETA       = regexp.MustCompile(`\bETA\s+([0-9:]+)`)
	reOf        = regexp.MustCompile(`\bof\s+~?\s*([^\s]+)`)
	reDest      = regexp.MustCompile(`^\[download\] Destination:\s+(.+)$`)
	reAlready   = regexp.MustCompile(`^\[download\]\s+(.+?) has already been downloaded`)
	reMerger    = regexp.MustCompile(`^\[Merger\] Merging formats into "(.+)"$`)
	reFormats   = regexp.MustCompile(`Downloading [0-9]+ format\(s\):\s*(\S+)`)
	reMoveFiles = regexp.MustCompile(`^\[MoveFiles\] Moving file "[^"]+" to "(.+)"$`)
)

// Update is one progress observation: raw 0-100 within phase.
type Update struct {
	Raw   int
	Stage string
	Phase string
}

// Stats is the last transfer rate information seen.
type Stats struct {
	Speed string
	ETA   string
	Size  string
}

// Tracker turns the fetch tool's line-oriented output into phase updates.
// The first destination is the primary fetch, the second the secondary fetch,
// and a merger line starts the merge phase.
type Tracker struct {
	mu           sync.Mutex
	destinations int
	phase        string
	lastRaw      int
	path         string
	stats        Stats

	OnUpdate  func(Update)
	OnFormats func(merged bool)
}

func NewTracker(onUpdate func(Update)) *Tracker {
	return &Tracker{phase: PhasePrimary, lastRaw: -1, OnUpdate: onUpdate}
}

func (t *Tracker) Handle(stream OutputStream, line string) {
	l := strings.TrimSpace(line)
	if l == "" {
		return
	}

	t.mu.Lock()
	var (
		ups       []Update
		formatsCb func(bool)
		merged    bool
	)
	switch {
	case strings.HasPrefix(l, "[info]") && reFormats.MatchString(l):
		m := reFormats.FindStringSubmatch(l)
		merged = strings.Contains(m[1], "+")
		formatsCb = t.OnFormats
	case reDest.MatchString(l):
		t.destinations++
		t.path = reDest.FindStringSubmatch(l)[1]
		if t.destinations >= 2 {
			t.phase = PhaseSecondary
		} else {
			t.phase = PhasePrimary
		}
		t.lastRaw = -1
		ups = append(ups, t.emitLocked(0, StageDownloading))
	case reAlready.MatchString(l):
		t.path = reAlready.FindStringSubmatch(l)[1]
		ups = append(ups, t.emitLocked(100, StageDownloading))
	case reMerger.MatchString(l):
		t.path = reMerger.FindStringSubmatch(l)[1]
		t.phase = PhaseMerge
		t.lastRaw = -1
		ups = append(ups, t.emitLocked(0, StageMerging))
	case reMoveFiles.MatchString(l):
		t.path = reMoveFiles.FindStringSubmatch(l)[1]
	case strings.HasPrefix(l, "[Fixup") || strings.HasPrefix(l, "[VideoConvertor]") || strings.HasPrefix(l, "[ExtractAudio]"):
		t.phase = PhaseMerge
		ups = append(ups, t.emitLocked(50, StageFinalizing))
	case strings.HasPrefix(l, "[download]"):
		if m := reSpeed.FindStringSubmatch(l); len(m) > 1 {
			t.stats.Speed = m[1]
		}
		if m := reETA.FindStringSubmatch(l); len(m) > 1 {
			t.stats.ETA = m[1]
		}
		if m := reOf.FindStringSubmatch(l); len(m) > 1 {
			t.stats.Size = m[1]
		}
		if m := rePct.FindStringSubmatch(l); len(m) > 1 {
			if f, err := strconv.ParseFloat(m[1], 64); err == nil {
				raw := int(f)
				if raw != t.lastRaw {
					ups = append(ups, t.emitLocked(raw, StageDownloading))
				}
			}
		}
	}
	onUpdate := t.OnUpdate
	t.mu.Unlock()

	if formatsCb != nil {
		formatsCb(merged)
	}
	if onUpdate != nil {
		for _, u := range ups {
			onUpdate(u)
		}
	}
}

func (t *Tracker) emitLocked(raw int, stage string) Update {
	t.lastRaw = raw
	return Update{Raw: raw, Stage: stage, Phase: t.phase}
}

// Path is the most recent output file the tool reported.
func (t *Tracker) Path() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.path
}

func (t *Tracker) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}
