package jobs

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Lock records who holds a resource and since when.
type Lock struct {
	ResourceID string    `json:"resource_id"`
	OwnerTag   string    `json:"owner_tag"`
	AcquiredAt time.Time `json:"acquired_at"`
}

// Handle aborts whatever a job is currently blocked on: a subprocess, a
// browser page or an HTTP request.
type Handle interface {
	Abort()
}

type HandleFunc func()

func (f HandleFunc) Abort() { f() }

type handleSlot struct {
	h Handle
}

type entry struct {
	lock      Lock
	ctx       context.Context
	cancel    context.CancelFunc
	current   *handleSlot
	cancelled bool
}

// Registry is the single arbiter of one live job per resource id.
type Registry struct {
	mu      sync.Mutex
	entries map[string]*entry
	now     func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		entries: map[string]*entry{},
		now:     time.Now,
	}
}

// Lease is the holder's view of an acquired lock.
type Lease struct {
	r *Registry
	e *entry
}

// TryAcquire never blocks. It returns false when a live lock for resourceID
// already exists. An empty owner gets a generated tag.
func (r *Registry) TryAcquire(parent context.Context, resourceID, owner string) (*Lease, bool) {
	id := strings.TrimSpace(resourceID)
	if id == "" {
		return nil, false
	}
	if strings.TrimSpace(owner) == "" {
		owner = newOwnerTag()
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, held := r.entries[id]; held {
		return nil, false
	}
	ctx, cancel := context.WithCancel(parent)
	e := &entry{
		lock: Lock{
			ResourceID: id,
			OwnerTag:   owner,
			AcquiredAt: r.now().UTC(),
		},
		ctx:    ctx,
		cancel: cancel,
	}
	r.entries[id] = e
	return &Lease{r: r, e: e}, true
}

// Release drops the lock for resourceID regardless of owner.
func (r *Registry) Release(resourceID string) {
	r.mu.Lock()
	e, ok := r.entries[resourceID]
	if ok {
		delete(r.entries, resourceID)
	}
	r.mu.Unlock()
	if ok {
		e.cancel()
	}
}

// AttachCancellationHandle installs h as the live handle of the job holding
// resourceID. It returns false when no job is active.
func (r *Registry) AttachCancellationHandle(resourceID string, h Handle) bool {
	r.mu.Lock()
	e, ok := r.entries[resourceID]
	r.mu.Unlock()
	if !ok {
		return false
	}
	(&Lease{r: r, e: e}).Attach(h)
	return true
}

// Cancel aborts the live job for resourceID. It returns true only for the call
// that moved the job into the cancelled state; a missing job or a repeated
// cancel returns false and changes nothing.
func (r *Registry) Cancel(resourceID string) bool {
	r.mu.Lock()
	e, ok := r.entries[resourceID]
	if !ok || e.cancelled {
		r.mu.Unlock()
		return false
	}
	e.cancelled = true
	var h Handle
	if e.current != nil {
		h = e.current.h
	}
	r.mu.Unlock()

	e.cancel()
	if h != nil {
		h.Abort()
	}
	return true
}

func (r *Registry) Active(resourceID string) (Lock, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[resourceID]
	if !ok {
		return Lock{}, false
	}
	return e.lock, true
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

func (l *Lease) Lock() Lock {
	return l.e.lock
}

// Context is cancelled by Cancel or Release.
func (l *Lease) Context() context.Context {
	return l.e.ctx
}

func (l *Lease) Cancelled() bool {
	l.r.mu.Lock()
	defer l.r.mu.Unlock()
	return l.e.cancelled
}

// Attach replaces the live handle. The returned func detaches it again if it
// is still the current one. A handle attached after cancellation is aborted
// straight away.
func (l *Lease) Attach(h Handle) (detach func()) {
	slot := &handleSlot{h: h}
	l.r.mu.Lock()
	cancelled := l.e.cancelled
	l.e.current = slot
	l.r.mu.Unlock()
	if cancelled {
		h.Abort()
	}
	return func() {
		l.r.mu.Lock()
		if l.e.current == slot {
			l.e.current = nil
		}
		l.r.mu.Unlock()
	}
}

// Release frees the lock if this lease still owns it.
func (l *Lease) Release() {
	l.r.mu.Lock()
	owned := l.r.entries[l.e.lock.ResourceID] == l.e
	if owned {
		delete(l.r.entries, l.e.lock.ResourceID)
	}
	l.e.current = nil
	l.r.mu.Unlock()
	l.e.cancel()
}

func newOwnerTag() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
