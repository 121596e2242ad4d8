// Package jobs runs background work as cancellable tasks whose progress is
// persisted on a job record clients can poll.
package jobs

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/sells-group/docvault/internal/model"
	"github.com/sells-group/docvault/internal/store"
)

// Func processes one item of a job.
type Func func(ctx context.Context, h *Handle, item string) error

// SkipFunc settles an item the job stopped before processing. Its context is
// not cancelled with the job.
type SkipFunc func(ctx context.Context, h *Handle, item string)

// SubmitOption configures a submitted job.
type SubmitOption func(*submitOptions)

type submitOptions struct {
	onSkip SkipFunc
}

// OnSkip registers fn for every item left unprocessed by a cancellation.
func OnSkip(fn SkipFunc) SubmitOption {
	return func(o *submitOptions) { o.onSkip = fn }
}

// Runner executes jobs on a bounded pool.
type Runner struct {
	jobs  store.JobStore
	limit int

	mu      sync.Mutex
	handles map[string]*Handle
	wg      sync.WaitGroup
}

// NewRunner creates a Runner that processes at most limit items at a time
// per job.
func NewRunner(jobs store.JobStore, limit int) *Runner {
	if limit < 1 {
		limit = 1
	}
	return &Runner{jobs: jobs, limit: limit, handles: make(map[string]*Handle)}
}

// Handle is the in-process side of a running job.
type Handle struct {
	ID    string
	Kind  string
	Total int

	jobs      store.JobStore
	ctx       context.Context
	cancel    context.CancelFunc
	processed atomic.Int64
	failed    atomic.Int64
	cancelled atomic.Bool
	done      chan struct{}

	errMu   sync.Mutex
	lastErr error
}

// Progress returns the processed and failed counters.
func (h *Handle) Progress() (processed, failed int) {
	return int(h.processed.Load()), int(h.failed.Load())
}

// Done is closed when the job has stopped.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the job stops or ctx ends.
func (h *Handle) Wait(ctx context.Context) error {
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancelled reports whether the job was cancelled, here or through the store
// by another process. It must be checked before every side-effecting write.
func (h *Handle) Cancelled(ctx context.Context) (bool, error) {
	if h.cancelled.Load() {
		return true, nil
	}
	ok, err := h.jobs.IsJobCancelled(ctx, h.ID)
	if err != nil {
		return false, err
	}
	if ok {
		h.markCancelled()
	}
	return ok, nil
}

func (h *Handle) markCancelled() {
	h.cancelled.Store(true)
	h.cancel()
}

// Submit persists a job for items and starts processing it in the
// background. The job outlives ctx; use Cancel to stop it.
func (r *Runner) Submit(ctx context.Context, kind string, items []string, fn Func, opts ...SubmitOption) (*Handle, error) {
	var o submitOptions
	for _, opt := range opts {
		opt(&o)
	}

	rec, err := r.jobs.CreateJob(ctx, kind, len(items))
	if err != nil {
		return nil, eris.Wrapf(err, "jobs: create %s", kind)
	}

	jctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		ID:     rec.ID,
		Kind:   kind,
		Total:  len(items),
		jobs:   r.jobs,
		ctx:    jctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	r.mu.Lock()
	r.handles[h.ID] = h
	r.mu.Unlock()

	r.wg.Add(1)
	go r.run(h, items, fn, o.onSkip)
	return h, nil
}

func (r *Runner) run(h *Handle, items []string, fn Func, onSkip SkipFunc) {
	defer r.wg.Done()
	defer close(h.done)
	defer func() {
		r.mu.Lock()
		delete(r.handles, h.ID)
		r.mu.Unlock()
		h.cancel()
	}()

	log := zap.L().With(zap.String("job_id", h.ID), zap.String("kind", h.Kind))
	bg := context.WithoutCancel(h.ctx)

	if _, err := r.jobs.SetJobStatus(bg, h.ID, model.JobRunning, ""); err != nil {
		log.Error("jobs: mark running", zap.Error(err))
	}

	skip := func(item string) {
		if onSkip == nil {
			return
		}
		onSkip(bg, h, item)
	}

	g := new(errgroup.Group)
	g.SetLimit(r.limit)
	for i, item := range items {
		if h.ctx.Err() != nil {
			for _, rest := range items[i:] {
				skip(rest)
			}
			break
		}
		g.Go(func() error {
			if h.ctx.Err() != nil {
				skip(item)
				return nil
			}
			if err := fn(h.ctx, h, item); err != nil {
				h.failed.Add(1)
				h.errMu.Lock()
				h.lastErr = err
				h.errMu.Unlock()
				log.Warn("jobs: item failed", zap.String("item", item), zap.Error(err))
			}
			h.processed.Add(1)
			p, f := h.Progress()
			if err := r.jobs.UpdateJobProgress(bg, h.ID, p, f); err != nil {
				log.Error("jobs: persist progress", zap.Error(err))
			}
			return nil
		})
	}
	_ = g.Wait()

	processed, failed := h.Progress()
	status, msg := model.JobCompleted, ""
	switch {
	case h.cancelled.Load():
		status, msg = model.JobCancelled, "cancelled"
	case failed > 0 && failed == h.Total:
		h.errMu.Lock()
		status, msg = model.JobFailed, h.lastErr.Error()
		h.errMu.Unlock()
	}
	if _, err := r.jobs.SetJobStatus(bg, h.ID, status, msg); err != nil {
		log.Error("jobs: mark finished", zap.Error(err))
	}
	log.Info("jobs: finished",
		zap.String("status", string(status)),
		zap.Int("processed", processed),
		zap.Int("failed", failed),
	)
}

// Cancel marks the job cancelled and stops its in-process handle, if any.
// It reports false when the job had already stopped.
func (r *Runner) Cancel(ctx context.Context, jobID string) (bool, error) {
	ok, err := r.jobs.SetJobStatus(ctx, jobID, model.JobCancelled, "cancelled")
	if err != nil {
		return false, eris.Wrapf(err, "jobs: cancel %s", jobID)
	}

	r.mu.Lock()
	h := r.handles[jobID]
	r.mu.Unlock()
	if h != nil && ok {
		h.markCancelled()
	}
	return ok, nil
}

// Get returns the persisted job record.
func (r *Runner) Get(ctx context.Context, jobID string) (*model.Job, error) {
	return r.jobs.GetJob(ctx, jobID)
}

// Wait blocks until every submitted job has stopped or ctx ends.
func (r *Runner) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
