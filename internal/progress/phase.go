package progress

const (
	PhaseExtract        = "extract"
	PhasePrimaryFetch   = "primary-fetch"
	PhaseSecondaryFetch = "secondary-fetch"
	PhaseMerge          = "merge"
	PhaseCompleted      = "completed"
)

// Span maps a phase's raw 0-100 onto [Start, End] of the overall value.
type Span struct {
	Phase string
	Start int
	End   int
}

// Policy folds named phases into one overall percentage. A policy without
// spans maps raw progress 1:1.
type Policy struct {
	Name  string
	Spans []Span
}

var (
	// Merged is used by the fetch tool when video and audio are fetched
	// separately and then muxed.
	Merged = Policy{
		Name: "merged",
		Spans: []Span{
			{Phase: PhasePrimaryFetch, Start: 0, End: 50},
			{Phase: PhaseSecondaryFetch, Start: 50, End: 90},
			{Phase: PhaseMerge, Start: 90, End: 100},
		},
	}
	// Browser covers page extraction followed by a direct transfer.
	Browser = Policy{
		Name: "browser",
		Spans: []Span{
			{Phase: PhaseExtract, Start: 0, End: 30},
			{Phase: PhasePrimaryFetch, Start: 30, End: 100},
		},
	}
	Single = Policy{Name: "single"}
)

func (p Policy) span(phase string) (Span, bool) {
	for _, s := range p.Spans {
		if s.Phase == phase {
			return s, true
		}
	}
	return Span{}, false
}

// Overall converts raw progress within phase to the overall value.
func (p Policy) Overall(phase string, raw int) int {
	raw = clamp(raw)
	if phase == PhaseCompleted {
		return 100
	}
	s, ok := p.span(phase)
	if !ok {
		return raw
	}
	return s.Start + (s.End-s.Start)*raw/100
}

// Weight is the share of the overall value owned by phase.
func (p Policy) Weight(phase string) int {
	s, ok := p.span(phase)
	if !ok {
		return 100
	}
	return s.End - s.Start
}

func clamp(v int) int {
	if v < 0 {
		return 0
	}
	if v > 100 {
		return 100
	}
	return v
}
