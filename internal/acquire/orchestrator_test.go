package acquire

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/jobs"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/progress"
	"clip-acquirer/internal/strategy"
)

type fakeStrategy struct {
	name   string
	policy progress.Policy
	run    func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error)
	calls  atomic.Int32
}

func (f *fakeStrategy) Name() string            { return f.name }
func (f *fakeStrategy) Policy() progress.Policy { return f.policy }
func (f *fakeStrategy) Run(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
	f.calls.Add(1)
	return f.run(ctx, job, env)
}

type planFunc func(job *model.DownloadJob) ([]strategy.Strategy, error)

func (f planFunc) Plan(job *model.DownloadJob) ([]strategy.Strategy, error) { return f(job) }

type recordingPublisher struct {
	mu   sync.Mutex
	recs []model.ProgressRecord
}

func (p *recordingPublisher) Publish(rec model.ProgressRecord) {
	p.mu.Lock()
	p.recs = append(p.recs, rec)
	p.mu.Unlock()
}

func (p *recordingPublisher) snapshot() []model.ProgressRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]model.ProgressRecord(nil), p.recs...)
}

func (p *recordingPublisher) count(status string) int {
	n := 0
	for _, r := range p.snapshot() {
		if r.Status == status {
			n++
		}
	}
	return n
}

type harness struct {
	orch     *Orchestrator
	registry *jobs.Registry
	store    *progress.Store
	media    *mediastore.Store
	pub      *recordingPublisher
}

func newHarness(t *testing.T, planner Planner, maxConcurrent int) *harness {
	t.Helper()
	media, err := mediastore.New(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	pub := &recordingPublisher{}
	h := &harness{
		registry: jobs.NewRegistry(),
		store:    progress.NewStore(pub),
		media:    media,
		pub:      pub,
	}
	h.orch, err = New(Options{
		Registry:      h.registry,
		Store:         h.store,
		Media:         media,
		Planner:       planner,
		MaxConcurrent: maxConcurrent,
		Logger:        slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func chainOf(list ...strategy.Strategy) Planner {
	return planFunc(func(*model.DownloadJob) ([]strategy.Strategy, error) { return list, nil })
}

func writeOutput(media *mediastore.Store, job *model.DownloadJob) (strategy.Outcome, error) {
	dest := media.Reserve(job.ResourceID, "clip", "mp4")
	if err := os.WriteFile(dest, []byte("video"), 0o644); err != nil {
		return strategy.Outcome{}, err
	}
	return strategy.Outcome{Path: dest, Video: model.VideoInfo{Title: "clip"}}, nil
}

func request(id string) model.Request {
	return model.Request{ResourceID: id, URL: "https://www.tiktok.com/@u/video/1"}
}

func TestAcquire_FallsBackAfterForbidden(t *testing.T) {
	var h *harness
	first := &fakeStrategy{name: "primary", policy: progress.Single, run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		env.Report(40, model.StatusDownloading, progress.PhasePrimaryFetch)
		return strategy.Outcome{}, failure.Classify("primary", failure.Record{ExitCode: 1, Stderr: "ERROR: HTTP Error 403: Forbidden"})
	}}
	second := &fakeStrategy{name: "alternate", policy: progress.Merged, run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		env.Report(100, model.StatusDownloading, progress.PhasePrimaryFetch)
		env.Report(50, model.StatusDownloading, progress.PhaseSecondaryFetch)
		return writeOutput(h.media, job)
	}}
	h = newHarness(t, chainOf(first, second), 0)

	res, err := h.orch.Acquire(context.Background(), request("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if res.StrategyUsed != "alternate" || res.Cached {
		t.Fatalf("unexpected result: %+v", res)
	}
	rec, _ := h.store.Get("v1")
	if rec.Status != model.StatusCompleted || rec.Progress != 100 {
		t.Fatalf("unexpected final record: %+v", rec)
	}

	recs := h.pub.snapshot()
	sawFirst := false
	last := -1
	for _, r := range recs {
		if r.Strategy == "primary" && r.Progress == 40 {
			sawFirst = true
		}
		if r.Progress < last {
			t.Fatalf("progress went backwards: %v", recs)
		}
		last = r.Progress
	}
	if !sawFirst {
		t.Fatalf("first strategy progress was not published: %+v", recs)
	}
	if h.pub.count(model.StatusCompleted) != 1 {
		t.Fatalf("expected exactly one completed publish")
	}
	info, err := h.media.ReadInfo(res.Path)
	if err != nil || info.StrategyUsed != "alternate" {
		t.Fatalf("unexpected sidecar: %+v %v", info, err)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("lock not released")
	}
}

func TestAcquire_ConcurrentSameResource(t *testing.T) {
	release := make(chan struct{})
	var h *harness
	slow := &fakeStrategy{name: "primary", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		<-release
		return writeOutput(h.media, job)
	}}
	h = newHarness(t, chainOf(slow), 0)

	const callers = 16
	results := make(chan error, callers)
	for i := 0; i < callers; i++ {
		go func() {
			_, err := h.orch.Acquire(context.Background(), request("same"))
			results <- err
		}()
	}
	for i := 0; i < callers-1; i++ {
		select {
		case err := <-results:
			if !errors.Is(err, failure.ErrAlreadyInProgress) {
				t.Fatalf("expected already in progress, got %v", err)
			}
			if !IsRejected(err) {
				t.Fatalf("rejection not recognised: %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("rejections did not arrive")
		}
	}
	close(release)
	if err := <-results; err != nil {
		t.Fatalf("winner failed: %v", err)
	}
	if got := slow.calls.Load(); got != 1 {
		t.Fatalf("strategy ran %d times", got)
	}
}

func TestCancel_LiveJobOnce(t *testing.T) {
	var aborts atomic.Int32
	started := make(chan struct{})
	blocking := &fakeStrategy{name: "primary", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		detach := env.Attach(func() { aborts.Add(1) })
		defer detach()
		env.Report(10, model.StatusDownloading, progress.PhasePrimaryFetch)
		close(started)
		<-ctx.Done()
		env.Report(20, model.StatusDownloading, progress.PhasePrimaryFetch)
		return strategy.Outcome{}, failure.Classify("primary", failure.Record{Err: ctx.Err()})
	}}
	never := &fakeStrategy{name: "alternate", run: func(context.Context, *model.DownloadJob, strategy.Env) (strategy.Outcome, error) {
		t.Error("chain continued after cancel")
		return strategy.Outcome{}, nil
	}}
	h := newHarness(t, chainOf(blocking, never), 0)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Acquire(context.Background(), request("v1"))
		done <- err
	}()
	<-started

	var wins atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.orch.Cancel("v1") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	err := <-done
	if failure.KindOf(err) != failure.KindCancelled {
		t.Fatalf("expected cancelled, got %v", err)
	}
	if wins.Load() != 1 || aborts.Load() != 1 {
		t.Fatalf("expected one winning cancel and one abort, got %d/%d", wins.Load(), aborts.Load())
	}
	if h.pub.count(model.StatusCancelled) != 1 || h.pub.count(model.StatusError) != 0 {
		t.Fatalf("unexpected terminal publishes: %+v", h.pub.snapshot())
	}
	rec, _ := h.store.Get("v1")
	if rec.Status != model.StatusCancelled || rec.Progress != 10 {
		t.Fatalf("unexpected final record: %+v", rec)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("lock not released")
	}
}

func TestCancel_NoJob(t *testing.T) {
	h := newHarness(t, chainOf(), 0)
	if h.orch.Cancel("missing") {
		t.Fatalf("cancel without job must return false")
	}
	if _, ok := h.store.Get("missing"); ok {
		t.Fatalf("cancel left residual state")
	}
}

func TestAcquire_CacheHitSkipsStrategies(t *testing.T) {
	h := newHarness(t, planFunc(func(*model.DownloadJob) ([]strategy.Strategy, error) {
		t.Error("planner called for a cached resource")
		return nil, nil
	}), 0)
	if err := os.WriteFile(filepath.Join(h.media.Dir(), "v1__Old_Title.mp4"), []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	res, err := h.orch.Acquire(context.Background(), request("v1"))
	if err != nil {
		t.Fatal(err)
	}
	if !res.Cached || res.StrategyUsed != strategyCache {
		t.Fatalf("unexpected result: %+v", res)
	}
	rec, _ := h.store.Get("v1")
	if rec.Status != model.StatusCompleted || rec.Progress != 100 {
		t.Fatalf("unexpected record: %+v", rec)
	}
}

func TestAcquire_OnDiskLockHeldElsewhere(t *testing.T) {
	h := newHarness(t, planFunc(func(*model.DownloadJob) ([]strategy.Strategy, error) {
		t.Error("planner called while another process holds the resource")
		return nil, nil
	}), 0)
	held, err := h.media.LockResource("v1")
	if err != nil {
		t.Fatal(err)
	}

	_, err = h.orch.Acquire(context.Background(), request("v1"))
	if !errors.Is(err, failure.ErrAlreadyInProgress) {
		t.Fatalf("expected already in progress, got %v", err)
	}
	if _, ok := h.store.Get("v1"); ok {
		t.Fatalf("a rejected job must not publish progress")
	}
	if _, busy := h.registry.Active("v1"); busy {
		t.Fatalf("in-memory lock must be released after the on-disk lock fails")
	}

	if err := held.Release(); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(h.media.Dir(), "v1__Clip.mp4"), []byte("video"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := h.orch.Acquire(context.Background(), request("v1")); err != nil {
		t.Fatalf("acquire after release: %v", err)
	}
}

func TestAcquire_ExhaustionAggregates(t *testing.T) {
	timeout := &fakeStrategy{name: "primary", run: func(context.Context, *model.DownloadJob, strategy.Env) (strategy.Outcome, error) {
		return strategy.Outcome{}, failure.New(failure.KindTimeout, "timed out")
	}}
	region := &fakeStrategy{name: "minimal", run: func(context.Context, *model.DownloadJob, strategy.Env) (strategy.Outcome, error) {
		return strategy.Outcome{}, failure.Classify("", failure.Record{HTTPStatus: 451})
	}}
	empty := &fakeStrategy{name: "browser", run: func(context.Context, *model.DownloadJob, strategy.Env) (strategy.Outcome, error) {
		return strategy.Outcome{}, failure.New(failure.KindNoContentFound, "nothing")
	}}
	h := newHarness(t, chainOf(timeout, region, empty), 0)

	_, err := h.orch.Acquire(context.Background(), request("v1"))
	var agg *failure.AcquireError
	if !errors.As(err, &agg) {
		t.Fatalf("expected aggregated error, got %v", err)
	}
	if got := strings.Join(agg.Strategies(), ","); got != "primary,minimal,browser" {
		t.Fatalf("unexpected strategies: %s", got)
	}
	if failure.KindOf(err) != failure.KindRegionRestricted {
		t.Fatalf("expected region restricted cause, got %s", failure.KindOf(err))
	}
	rec, _ := h.store.Get("v1")
	if rec.Status != model.StatusError || !strings.Contains(rec.Error, "primary, minimal, browser") {
		t.Fatalf("unexpected record: %+v", rec)
	}
	if h.registry.Len() != 0 {
		t.Fatalf("lock not released")
	}
}

func TestAcquire_InvalidRequest(t *testing.T) {
	h := newHarness(t, chainOf(), 0)
	for _, req := range []model.Request{
		{ResourceID: "", URL: "https://example.com/v"},
		{ResourceID: "v1", URL: "nope"},
		{ResourceID: "v1", URL: "https://example.com/v", Quality: "4k"},
	} {
		_, err := h.orch.Acquire(context.Background(), req)
		if !errors.Is(err, ErrInvalidRequest) {
			t.Fatalf("expected invalid request for %+v, got %v", req, err)
		}
	}
	if len(h.store.All()) != 0 {
		t.Fatalf("rejected requests must not create records")
	}
}

func waitStatus(t *testing.T, store *progress.Store, id, status string) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if rec, ok := store.Get(id); ok && rec.Status == status {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	rec, _ := store.Get(id)
	t.Fatalf("timed out waiting for %s to reach %s, last %+v", id, status, rec)
}

func TestSubmit_GateKeepsExtraJobsQueued(t *testing.T) {
	release := make(chan struct{})
	var h *harness
	gated := &fakeStrategy{name: "primary", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		env.Report(5, model.StatusDownloading, progress.PhasePrimaryFetch)
		if job.ResourceID == "a" {
			<-release
		}
		return writeOutput(h.media, job)
	}}
	h = newHarness(t, chainOf(gated), 1)

	if err := h.orch.Submit(request("a")); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, h.store, "a", model.StatusDownloading)
	if err := h.orch.Submit(request("b")); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Submit(request("b")); !errors.Is(err, failure.ErrAlreadyInProgress) {
		t.Fatalf("queued job must still hold its lock, got %v", err)
	}
	time.Sleep(30 * time.Millisecond)
	if rec, _ := h.store.Get("b"); rec.Status != model.StatusQueued {
		t.Fatalf("expected b queued behind the gate, got %+v", rec)
	}

	close(release)
	waitStatus(t, h.store, "a", model.StatusCompleted)
	waitStatus(t, h.store, "b", model.StatusCompleted)
}

func TestShutdown_CancelsBackgroundJobs(t *testing.T) {
	blocking := &fakeStrategy{name: "primary", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		env.Report(1, model.StatusDownloading, progress.PhasePrimaryFetch)
		<-ctx.Done()
		return strategy.Outcome{}, failure.Classify("primary", failure.Record{Err: ctx.Err()})
	}}
	h := newHarness(t, chainOf(blocking), 0)
	if err := h.orch.Submit(request("v1")); err != nil {
		t.Fatal(err)
	}
	waitStatus(t, h.store, "v1", model.StatusDownloading)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if rec, _ := h.store.Get("v1"); rec.Status != model.StatusCancelled {
		t.Fatalf("expected cancelled after shutdown, got %+v", rec)
	}
}

func TestAcquire_ForeignCancellationFallsThrough(t *testing.T) {
	var h *harness
	first := &fakeStrategy{name: "browser", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		return strategy.Outcome{}, failure.Classify("", failure.Record{ExitCode: -1, Err: fmt.Errorf("create browsing context: %w", context.Canceled)})
	}}
	second := &fakeStrategy{name: "alternate", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		return writeOutput(h.media, job)
	}}
	h = newHarness(t, chainOf(first, second), 0)

	res, err := h.orch.Acquire(context.Background(), request("v1"))
	if err != nil {
		t.Fatalf("job that nobody cancelled failed: %v", err)
	}
	if res.StrategyUsed != "alternate" || second.calls.Load() != 1 {
		t.Fatalf("expected fallback to alternate, got %+v", res)
	}
	if h.pub.count(model.StatusCancelled) != 0 {
		t.Fatalf("cancelled status leaked: %+v", h.pub.snapshot())
	}
}

func TestAcquire_ForeignCancellationAloneIsAFailure(t *testing.T) {
	only := &fakeStrategy{name: "browser", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		return strategy.Outcome{}, context.Canceled
	}}
	h := newHarness(t, chainOf(only), 0)

	_, err := h.orch.Acquire(context.Background(), request("v1"))
	if got := failure.KindOf(err); got != failure.KindTransport {
		t.Fatalf("expected transport failure, got %s (%v)", got, err)
	}
	rec, _ := h.store.Get("v1")
	if rec.Status != model.StatusError {
		t.Fatalf("expected error status, got %+v", rec)
	}
}

// pausingHandler blocks the goroutine that logs msg until release is closed.
type pausingHandler struct {
	slog.Handler
	msg     string
	reached chan struct{}
	release chan struct{}
}

func (h *pausingHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Message == h.msg {
		close(h.reached)
		<-h.release
	}
	return nil
}

func (h *pausingHandler) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *pausingHandler) WithGroup(string) slog.Handler      { return h }

func TestCancel_AfterCompletionReportsFalse(t *testing.T) {
	var h *harness
	ok := &fakeStrategy{name: "primary", run: func(ctx context.Context, job *model.DownloadJob, env strategy.Env) (strategy.Outcome, error) {
		return writeOutput(h.media, job)
	}}
	h = newHarness(t, chainOf(ok), 0)
	pause := &pausingHandler{
		Handler: slog.NewTextHandler(io.Discard, nil),
		msg:     "acquisition completed",
		reached: make(chan struct{}),
		release: make(chan struct{}),
	}
	h.orch.logger = slog.New(pause)

	done := make(chan error, 1)
	go func() {
		_, err := h.orch.Acquire(context.Background(), request("v1"))
		done <- err
	}()
	<-pause.reached
	cancelled := h.orch.Cancel("v1")
	close(pause.release)

	if err := <-done; err != nil {
		t.Fatal(err)
	}
	if cancelled {
		t.Fatalf("cancel reported success for a completed job")
	}
	rec, _ := h.store.Get("v1")
	if rec.Status != model.StatusCompleted || h.pub.count(model.StatusCancelled) != 0 {
		t.Fatalf("unexpected final state: %+v", rec)
	}
}
