package progress

import (
	"sort"
	"sync"
	"time"

	"clip-acquirer/internal/model"
)

// Publisher receives every accepted record. Publish is called with the store
// lock held so it must not block.
type Publisher interface {
	Publish(rec model.ProgressRecord)
}

type tracked struct {
	rec    model.ProgressRecord
	policy Policy
}

// Store is the single source of truth for job progress; observers only learn
// about progress through the records it publishes.
type Store struct {
	mu      sync.Mutex
	records map[string]*tracked
	pub     Publisher
	now     func() time.Time
}

func NewStore(pub Publisher) *Store {
	return &Store{
		records: map[string]*tracked{},
		pub:     pub,
		now:     time.Now,
	}
}

// Begin starts tracking a new job for resourceID at {0, queued}, discarding
// whatever a previous job left behind.
func (s *Store) Begin(resourceID string, policy Policy) model.ProgressRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &tracked{
		rec: model.ProgressRecord{
			ResourceID: resourceID,
			Progress:   0,
			Status:     model.StatusQueued,
			Timestamp:  model.Millis(s.now()),
		},
		policy: policy,
	}
	s.records[resourceID] = t
	s.publishLocked(t.rec)
	return t.rec
}

// UsePolicy swaps the weighting policy when the orchestrator moves to a
// strategy with a different phase layout.
func (s *Store) UsePolicy(resourceID string, policy Policy, strategy string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.records[resourceID]; ok && !model.IsTerminal(t.rec.Status) {
		t.policy = policy
		t.rec.Strategy = strategy
	}
}

// Set records raw progress within phase. It returns false when the update was
// rejected (illegal transition or terminal record) or changed nothing.
func (s *Store) Set(resourceID string, raw int, status, phase string) (model.ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(resourceID, raw, status, phase, "")
}

func (s *Store) Complete(resourceID string) (model.ProgressRecord, bool) {
	return s.Set(resourceID, 100, model.StatusCompleted, PhaseCompleted)
}

func (s *Store) Cancel(resourceID string) (model.ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(resourceID, -1, model.StatusCancelled, "", "")
}

func (s *Store) Fail(resourceID, message string) (model.ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.setLocked(resourceID, -1, model.StatusError, "", message)
}

func (s *Store) setLocked(resourceID string, raw int, status, phase, errMsg string) (model.ProgressRecord, bool) {
	t, ok := s.records[resourceID]
	if !ok {
		t = &tracked{
			rec:    model.ProgressRecord{ResourceID: resourceID, Status: model.StatusQueued},
			policy: Single,
		}
		s.records[resourceID] = t
	}
	prev := t.rec
	next := prev
	if status == model.StatusQueued && model.IsTerminal(prev.Status) {
		next = model.ProgressRecord{ResourceID: resourceID, Status: prev.Status, Strategy: prev.Strategy}
	}
	if err := model.TransitionRecord(&next, status); err != nil {
		return prev, false
	}
	if next.Status == model.StatusQueued && model.IsTerminal(prev.Status) {
		next.Progress = 0
		next.Error = ""
	}

	switch {
	case status == model.StatusCompleted || phase == PhaseCompleted:
		next.Progress = 100
		next.Phase = PhaseCompleted
		t.policy = Single
	case raw >= 0:
		if overall := t.policy.Overall(phase, raw); overall > next.Progress {
			next.Progress = overall
		}
		next.Phase = phase
	}
	if errMsg != "" {
		next.Error = errMsg
	}

	if next.Progress == prev.Progress && next.Status == prev.Status && next.Phase == prev.Phase && next.Error == prev.Error {
		return prev, false
	}
	next.Timestamp = model.Millis(s.now())
	t.rec = next
	s.publishLocked(next)
	return next, true
}

func (s *Store) publishLocked(rec model.ProgressRecord) {
	if s.pub != nil {
		s.pub.Publish(rec)
	}
}

func (s *Store) Get(resourceID string) (model.ProgressRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[resourceID]
	if !ok {
		return model.ProgressRecord{}, false
	}
	return t.rec, true
}

func (s *Store) All() []model.ProgressRecord {
	s.mu.Lock()
	out := make([]model.ProgressRecord, 0, len(s.records))
	for _, t := range s.records {
		out = append(out, t.rec)
	}
	s.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ResourceID < out[j].ResourceID })
	return out
}
