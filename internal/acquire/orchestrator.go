package acquire

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"clip-acquirer/internal/failure"
	"clip-acquirer/internal/jobs"
	"clip-acquirer/internal/mediastore"
	"clip-acquirer/internal/model"
	"clip-acquirer/internal/progress"
	"clip-acquirer/internal/strategy"
)

const (
	DefaultMaxConcurrent = 3
	strategyCache        = "cache"
)

// Planner returns the ordered strategies for a job.
type Planner interface {
	Plan(job *model.DownloadJob) ([]strategy.Strategy, error)
}

type Options struct {
	Registry      *jobs.Registry
	Store         *progress.Store
	Media         *mediastore.Store
	Planner       Planner
	MaxConcurrent int
	Observer      Observer
	Logger        *slog.Logger
}

// Orchestrator runs acquisitions: one job per resource id, strategies in
// priority order, every transition written to the progress store.
type Orchestrator struct {
	registry *jobs.Registry
	store    *progress.Store
	media    *mediastore.Store
	planner  Planner
	gate     *semaphore.Weighted
	observer Observer
	logger   *slog.Logger
	now      func() time.Time

	base     context.Context
	stopBase context.CancelFunc
	wg       sync.WaitGroup
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Registry == nil || opts.Store == nil || opts.Media == nil || opts.Planner == nil {
		return nil, fmt.Errorf("orchestrator requires registry, store, media and planner")
	}
	limit := opts.MaxConcurrent
	if limit <= 0 {
		limit = DefaultMaxConcurrent
	}
	observer := opts.Observer
	if observer == nil {
		observer = nopObserver{}
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &Orchestrator{
		registry: opts.Registry,
		store:    opts.Store,
		media:    opts.Media,
		planner:  opts.Planner,
		gate:     semaphore.NewWeighted(int64(limit)),
		observer: observer,
		logger:   logger,
		now:      time.Now,
		base:     base,
		stopBase: stop,
	}, nil
}

// Acquire runs an acquisition to completion. It fails fast with a
// failure.ErrAlreadyInProgress error when the resource is already busy.
func (o *Orchestrator) Acquire(ctx context.Context, req model.Request) (model.Result, error) {
	t, err := o.start(ctx, req)
	if err != nil {
		return model.Result{}, err
	}
	return o.run(t)
}

// Submit validates req and takes the resource lock synchronously, then runs
// the acquisition in the background. The outcome is observable through the
// progress store.
func (o *Orchestrator) Submit(req model.Request) error {
	t, err := o.start(o.base, req)
	if err != nil {
		return err
	}
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if _, err := o.run(t); err != nil {
			o.logger.Debug("background acquisition ended", slog.String("resource_id", t.job.ResourceID), slog.String("error", err.Error()))
		}
	}()
	return nil
}

// Cancel aborts the live job for resourceID and publishes the cancelled
// status. Only the first call for a live job returns true, and only when the
// job had not already reached a terminal status.
func (o *Orchestrator) Cancel(resourceID string) bool {
	if !o.registry.Cancel(resourceID) {
		return false
	}
	if _, ok := o.store.Cancel(resourceID); !ok {
		o.logger.Debug("cancel arrived after the job finished", slog.String("resource_id", resourceID))
		return false
	}
	o.logger.Info("acquisition cancelled", slog.String("resource_id", resourceID))
	return true
}

func (o *Orchestrator) Status(resourceID string) (model.ProgressRecord, bool) {
	return o.store.Get(resourceID)
}

func (o *Orchestrator) Jobs() []model.ProgressRecord {
	return o.store.All()
}

// Shutdown cancels background jobs and waits for them to unwind.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.stopBase()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("wait for running acquisitions: %w", ctx.Err())
	}
}

// ticket is an accepted job together with the locks it holds.
type ticket struct {
	lease *jobs.Lease
	disk  mediastore.ResourceLock
	job   *model.DownloadJob
}

func (o *Orchestrator) start(ctx context.Context, req model.Request) (*ticket, error) {
	req, err := normalizeRequest(req)
	if err != nil {
		o.observer.JobRejected("invalid")
		return nil, err
	}
	lease, ok := o.registry.TryAcquire(ctx, req.ResourceID, "")
	if !ok {
		o.observer.JobRejected(string(failure.KindAlreadyInProgress))
		return nil, &failure.Error{
			Kind:   failure.KindAlreadyInProgress,
			Record: failure.Record{ExitCode: -1},
			Msg:    fmt.Sprintf("acquisition for %s is already in progress", req.ResourceID),
		}
	}
	disk, err := o.media.LockResource(req.ResourceID)
	if err != nil {
		lease.Release()
		o.observer.JobRejected(string(failure.KindAlreadyInProgress))
		return nil, &failure.Error{
			Kind:   failure.KindAlreadyInProgress,
			Record: failure.Record{ExitCode: -1, Err: err},
			Msg:    err.Error(),
		}
	}
	job := model.NewDownloadJob(req, o.now())
	o.store.Begin(job.ResourceID, progress.Single)
	o.observer.JobStarted()
	o.logger.Info("acquisition accepted",
		slog.String("resource_id", job.ResourceID),
		slog.String("url", job.SourceURL),
		slog.String("owner", lease.Lock().OwnerTag),
	)
	return &ticket{lease: lease, disk: disk, job: job}, nil
}

func (o *Orchestrator) run(t *ticket) (result model.Result, err error) {
	lease, job := t.lease, t.job
	started := o.now()
	ctx := lease.Context()
	logger := o.logger.With(slog.String("resource_id", job.ResourceID))
	defer func() {
		if err := t.disk.Release(); err != nil {
			logger.Warn("release resource lock failed", slog.String("error", err.Error()))
		}
		lease.Release()
		rec, _ := o.store.Get(job.ResourceID)
		o.observer.JobFinished(rec.Status, o.now().Sub(started))
	}()

	if path, ok := o.media.Lookup(job.ResourceID); ok {
		return o.cached(job, path, logger)
	}

	chain, err := o.planner.Plan(job)
	if err != nil {
		o.store.Fail(job.ResourceID, err.Error())
		return model.Result{}, fmt.Errorf("plan %s: %w", job.ResourceID, err)
	}

	if err := o.gate.Acquire(ctx, 1); err != nil {
		o.store.Cancel(job.ResourceID)
		return model.Result{}, failure.Classify("", failure.Record{ExitCode: -1, Err: err})
	}
	defer o.gate.Release(1)

	agg := &failure.AcquireError{ResourceID: job.ResourceID}
	for _, s := range chain {
		out, err := o.attempt(ctx, lease, job, s, logger)
		if err == nil {
			return o.complete(job, s.Name(), out, logger)
		}
		agg.Add(s.Name(), err)
		if !err.Kind.Retryable() || ctx.Err() != nil {
			break
		}
	}

	if lease.Cancelled() || ctx.Err() != nil && failure.KindOf(agg) == failure.KindCancelled {
		o.store.Cancel(job.ResourceID)
		logger.Info("acquisition stopped", slog.Any("tried", agg.Strategies()))
		return model.Result{}, agg
	}
	o.store.Fail(job.ResourceID, agg.UserMessage())
	logger.Warn("acquisition failed",
		slog.String("kind", string(failure.KindOf(agg))),
		slog.Any("tried", agg.Strategies()),
		slog.String("error", agg.Error()),
	)
	return model.Result{}, agg
}

func (o *Orchestrator) attempt(ctx context.Context, lease *jobs.Lease, job *model.DownloadJob, s strategy.Strategy, logger *slog.Logger) (strategy.Outcome, *failure.Error) {
	name := s.Name()
	job.StrategiesAttempted = append(job.StrategiesAttempted, name)
	o.store.UsePolicy(job.ResourceID, s.Policy(), name)
	logger.Info("trying strategy", slog.String("strategy", name), slog.Int("attempt", len(job.StrategiesAttempted)))

	env := strategy.Env{
		Report: func(raw int, status, phase string) {
			o.store.Set(job.ResourceID, raw, status, phase)
		},
		SetPolicy: func(p progress.Policy) {
			o.store.UsePolicy(job.ResourceID, p, name)
		},
		Attach: func(abort func()) func() {
			return lease.Attach(jobs.HandleFunc(abort))
		},
		Logger: logger,
	}

	began := o.now()
	out, err := s.Run(ctx, job, env)
	took := o.now().Sub(began)
	if err == nil {
		o.observer.StrategyFinished(name, "", took)
		return out, nil
	}

	fe := failure.From(name, err)
	if ctxErr := ctx.Err(); ctxErr != nil && fe.Kind != failure.KindCancelled {
		fe = failure.Classify(name, failure.Record{ExitCode: -1, Err: ctxErr})
	}
	if fe.Kind == failure.KindCancelled && ctx.Err() == nil && !lease.Cancelled() {
		// Nobody cancelled this job; a context that ended elsewhere broke the attempt.
		fe = &failure.Error{Kind: failure.KindTransport, Strategy: name, Record: fe.Record, Msg: fe.Msg}
	}
	o.observer.StrategyFinished(name, fe.Kind, took)
	logger.Info("strategy failed",
		slog.String("strategy", name),
		slog.String("kind", string(fe.Kind)),
		slog.String("error", fe.Error()),
	)
	return strategy.Outcome{}, fe
}

func (o *Orchestrator) complete(job *model.DownloadJob, name string, out strategy.Outcome, logger *slog.Logger) (model.Result, error) {
	info := mediastore.Info{
		ResourceID:   job.ResourceID,
		SourceURL:    job.SourceURL,
		StrategyUsed: name,
		Video:        out.Video,
	}
	if err := o.media.WriteInfo(out.Path, info); err != nil {
		logger.Warn("write sidecar info failed", slog.String("error", err.Error()))
	}
	if _, ok := o.store.Complete(job.ResourceID); !ok {
		if rec, _ := o.store.Get(job.ResourceID); rec.Status == model.StatusCancelled {
			logger.Info("finished after cancellation, keeping cancelled status", slog.String("path", out.Path))
			return model.Result{}, failure.New(failure.KindCancelled, "acquisition was cancelled")
		}
	}
	logger.Info("acquisition completed", slog.String("strategy", name), slog.String("path", out.Path))
	return model.Result{Path: out.Path, StrategyUsed: name}, nil
}

func (o *Orchestrator) cached(job *model.DownloadJob, path string, logger *slog.Logger) (model.Result, error) {
	used := strategyCache
	if info, err := o.media.ReadInfo(path); err == nil && info.StrategyUsed != "" {
		used = info.StrategyUsed
	}
	o.store.UsePolicy(job.ResourceID, progress.Single, strategyCache)
	o.store.Complete(job.ResourceID)
	o.observer.CacheHit()
	logger.Info("served from output directory", slog.String("path", path))
	return model.Result{Path: path, StrategyUsed: used, Cached: true}, nil
}

// IsRejected reports whether err means the request never started a job.
func IsRejected(err error) bool {
	return errors.Is(err, ErrInvalidRequest) || errors.Is(err, failure.ErrAlreadyInProgress)
}
