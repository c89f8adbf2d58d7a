package generation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go"

	"github.com/motoplan/motoplan/ai"
	"github.com/motoplan/motoplan/core"
	"github.com/motoplan/motoplan/route"
)

// settleTimeout bounds terminal bookkeeping once a job outcome is
// known. Settlement runs on its own context so a pool shutdown cannot
// strand a taken job in running.
const settleTimeout = 10 * time.Second

// WorkerPool drains the queue and drives accepted jobs through the
// invoker. Concurrency is bounded by the configured worker count; jobs
// beyond it stay pending in FIFO order. Each job gets a wall-clock
// deadline measured from record creation and a watcher that surfaces
// cancellation requests into the job context.
type WorkerPool struct {
	store     Store
	queue     Queue
	notes     core.NoteSource
	prefs     core.PreferenceSource
	invoker   ai.Invoker
	cfg       core.GenerationConfig
	logger    core.Logger
	telemetry core.Telemetry
	now       func() time.Time

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// WorkerPoolConfig wires the pool's collaborators.
type WorkerPoolConfig struct {
	Store       Store
	Queue       Queue
	Notes       core.NoteSource
	Preferences core.PreferenceSource
	Invoker     ai.Invoker
	Generation  core.GenerationConfig
	Logger      core.Logger
	Telemetry   core.Telemetry
}

// NewWorkerPool creates a worker pool.
func NewWorkerPool(config WorkerPoolConfig) (*WorkerPool, error) {
	if config.Store == nil || config.Queue == nil || config.Invoker == nil {
		return nil, fmt.Errorf("%w: store, queue, and invoker are required", core.ErrMissingConfiguration)
	}
	if config.Notes == nil || config.Preferences == nil {
		return nil, fmt.Errorf("%w: note and preference sources are required", core.ErrMissingConfiguration)
	}
	logger := config.Logger
	if logger == nil {
		logger = &core.NoOpLogger{}
	}
	telemetry := config.Telemetry
	if telemetry == nil {
		telemetry = &core.NoOpTelemetry{}
	}
	cfg := config.Generation
	if cfg.WorkerCount < 1 {
		cfg.WorkerCount = 1
	}
	if cfg.DequeueTimeout <= 0 {
		cfg.DequeueTimeout = 5 * time.Second
	}
	if cfg.CancelPollInterval <= 0 {
		cfg.CancelPollInterval = 500 * time.Millisecond
	}
	return &WorkerPool{
		store:     config.Store,
		queue:     config.Queue,
		notes:     config.Notes,
		prefs:     config.Preferences,
		invoker:   config.Invoker,
		cfg:       cfg,
		logger:    core.ComponentLogger(logger, "generation/worker"),
		telemetry: telemetry,
		now:       time.Now,
	}, nil
}

// Start launches the workers. Returns core.ErrAlreadyStarted when the
// pool is already running.
func (p *WorkerPool) Start(ctx context.Context) error {
	if !p.running.CompareAndSwap(false, true) {
		return core.ErrAlreadyStarted
	}
	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.run(runCtx, i)
	}
	p.logger.Info("Worker pool started", map[string]interface{}{
		"workers": p.cfg.WorkerCount,
	})
	return nil
}

// Stop signals the workers and waits up to the shutdown timeout for
// in-flight jobs to settle.
func (p *WorkerPool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	p.cancel()

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	timeout := p.cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	select {
	case <-done:
		p.logger.Info("Worker pool stopped", nil)
	case <-time.After(timeout):
		p.logger.Warn("Worker pool stop timed out", map[string]interface{}{
			"timeout": timeout.String(),
		})
	}
}

func (p *WorkerPool) run(ctx context.Context, id int) {
	defer p.wg.Done()
	for ctx.Err() == nil {
		itineraryID, err := p.queue.Dequeue(ctx, p.cfg.DequeueTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			p.logger.Error("Dequeue failed", map[string]interface{}{
				"worker": id,
				"error":  err.Error(),
			})
			continue
		}
		if itineraryID == "" {
			continue
		}
		p.safeProcess(ctx, itineraryID)
	}
}

// safeProcess isolates a panicking job; the record is failed rather
// than taking the worker down.
func (p *WorkerPool) safeProcess(ctx context.Context, itineraryID string) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("Job panicked", map[string]interface{}{
				"itinerary_id": itineraryID,
				"panic":        fmt.Sprintf("%v", r),
			})
			fctx, cancel := context.WithTimeout(context.Background(), settleTimeout)
			defer cancel()
			p.finish(fctx, itineraryID, StatusFailed, StatusUpdate{
				Error: &RecordError{Kind: core.KindServerError, Message: "generation failed"},
			})
		}
	}()
	p.process(ctx, itineraryID)
}

func (p *WorkerPool) process(ctx context.Context, itineraryID string) {
	start := p.now()

	rec, err := p.store.Get(ctx, itineraryID)
	if errors.Is(err, core.ErrRecordNotFound) {
		p.logger.Warn("Dequeued unknown record", map[string]interface{}{
			"itinerary_id": itineraryID,
		})
		return
	}
	if err != nil {
		p.logger.Error("Record read failed", map[string]interface{}{
			"itinerary_id": itineraryID,
			"error":        err.Error(),
		})
		return
	}
	if rec.Status != StatusPending {
		return
	}

	// From here on the job is taken: terminal writes go on a detached
	// context so Stop cancelling the run context mid-job cannot leave
	// the record running forever.
	settleCtx, cancelSettle := context.WithTimeout(context.Background(), settleTimeout)
	defer cancelSettle()

	// A cancel that lands before the job is picked up skips the run
	// entirely.
	if rec.CancelRequested {
		now := p.now().UTC()
		p.finish(settleCtx, itineraryID, StatusCancelled, StatusUpdate{CancelledAt: &now})
		p.count(StatusCancelled, start)
		return
	}

	progress := 0
	if err := p.store.UpdateStatus(ctx, itineraryID, StatusPending, StatusRunning,
		StatusUpdate{Progress: &progress}); err != nil {
		var conflict *StatusConflictError
		if !errors.As(err, &conflict) {
			p.logger.Error("Start transition failed", map[string]interface{}{
				"itinerary_id": itineraryID,
				"error":        err.Error(),
			})
		}
		return
	}

	note, profile, ferr := p.fetchInputs(ctx, rec)
	if ferr != nil {
		p.finish(settleCtx, itineraryID, StatusFailed, StatusUpdate{Error: ferr})
		p.count(StatusFailed, start)
		return
	}
	prompt := BuildPrompt(note, profile)

	// The deadline is wall clock since creation, so time spent queued
	// counts against the job.
	jobCtx, cancelJob := context.WithDeadline(ctx, rec.CreatedAt.Add(p.cfg.JobDeadline))
	defer cancelJob()

	var cancelSeen atomic.Bool
	watcherDone := p.watchCancel(jobCtx, itineraryID, &cancelSeen, cancelJob)

	var lastProgress atomic.Int32
	onProgress := func(percent int) {
		if percent > int(lastProgress.Load()) {
			lastProgress.Store(int32(percent))
			_ = p.store.SetProgress(jobCtx, itineraryID, percent)
		}
	}

	doc, failure := p.invoke(jobCtx, prompt, onProgress)
	cancelJob()
	<-watcherDone

	now := p.now().UTC()
	switch {
	case doc != nil:
		// A completed document beats a late cancel or deadline.
		p.settleDocument(settleCtx, rec, doc, start)
	case failure != nil && failure.Kind == ai.FailCancelled && cancelSeen.Load():
		update := StatusUpdate{CancelledAt: &now}
		// Cost was still incurred for the aborted call, proportional to
		// how far it got.
		if partial := p.cfg.CostPerCall * float64(lastProgress.Load()) / 100; partial > 0 {
			update.CostEstimate = &partial
			p.recordCost(settleCtx, rec, partial, now)
		}
		p.finish(settleCtx, itineraryID, StatusCancelled, update)
		p.count(StatusCancelled, start)
	case failure != nil && (failure.Kind == ai.FailTimeout || failure.Kind == ai.FailCancelled):
		// The deadline elapsed, or the pool is shutting down under a
		// job that nobody cancelled.
		recErr := &RecordError{Kind: core.KindTimeout, Message: "generation exceeded its deadline"}
		if failure.Kind == ai.FailCancelled && jobCtx.Err() != context.DeadlineExceeded {
			recErr = &RecordError{Kind: core.KindServerError, Message: "generation was interrupted"}
		}
		p.finish(settleCtx, itineraryID, StatusFailed, StatusUpdate{Error: recErr})
		p.count(StatusFailed, start)
	case failure != nil:
		p.finish(settleCtx, itineraryID, StatusFailed, StatusUpdate{
			Error: &RecordError{Kind: failureKind(failure.Kind), Message: failure.Message},
		})
		p.count(StatusFailed, start)
	default:
		p.finish(settleCtx, itineraryID, StatusFailed, StatusUpdate{
			Error: &RecordError{Kind: core.KindServerError, Message: "generation produced no result"},
		})
		p.count(StatusFailed, start)
	}
}

// invoke calls the model, retrying once on transient failures while the
// job context is still live.
func (p *WorkerPool) invoke(ctx context.Context, prompt ai.Prompt, onProgress ai.ProgressFunc) (*route.Document, *ai.Failure) {
	var doc *route.Document
	var failure *ai.Failure

	err := retry.Do(
		func() error {
			d, f := p.invoker.Generate(ctx, prompt, onProgress)
			doc, failure = d, f
			if f != nil {
				return f
			}
			return nil
		},
		retry.Attempts(2),
		retry.Delay(p.cfg.RetryDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var f *ai.Failure
			return errors.As(err, &f) && f.Transient() && ctx.Err() == nil
		}),
		retry.Context(ctx),
	)
	if err != nil && failure == nil {
		// Context aborted between attempts.
		failure = &ai.Failure{Kind: ai.FailCancelled, Message: "generation aborted"}
	}
	if err == nil {
		failure = nil
	}
	return doc, failure
}

// settleDocument validates and stores a produced document. The ledger
// entry is written from the record the job started with; owner and
// itinerary ids are immutable, so no re-read is needed.
func (p *WorkerPool) settleDocument(ctx context.Context, rec *Record, doc *route.Document, start time.Time) {
	if err := doc.Validate(); err != nil {
		p.logger.Warn("Model output failed validation", map[string]interface{}{
			"itinerary_id": rec.ItineraryID,
			"error":        err.Error(),
		})
		p.finish(ctx, rec.ItineraryID, StatusFailed, StatusUpdate{
			Error: &RecordError{Kind: core.KindInvalidRoute, Message: "generated route failed validation"},
		})
		p.count(StatusFailed, start)
		return
	}

	encoded, err := doc.MarshalJSON()
	if err != nil {
		p.finish(ctx, rec.ItineraryID, StatusFailed, StatusUpdate{
			Error: &RecordError{Kind: core.KindServerError, Message: "could not store route"},
		})
		p.count(StatusFailed, start)
		return
	}

	progress := 100
	cost := p.cfg.CostPerCall
	p.finish(ctx, rec.ItineraryID, StatusCompleted, StatusUpdate{
		Progress:     &progress,
		Route:        encoded,
		CostEstimate: &cost,
	})
	p.recordCost(ctx, rec, cost, p.now().UTC())
	p.count(StatusCompleted, start)
}

// watchCancel polls the record for a cancellation request and aborts
// the job context when one appears. The returned channel closes when
// the watcher exits.
func (p *WorkerPool) watchCancel(ctx context.Context, itineraryID string, seen *atomic.Bool, abort context.CancelFunc) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(p.cfg.CancelPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rec, err := p.store.Get(ctx, itineraryID)
				if err != nil {
					continue
				}
				if rec.CancelRequested {
					seen.Store(true)
					abort()
					return
				}
			}
		}
	}()
	return done
}

func (p *WorkerPool) fetchInputs(ctx context.Context, rec *Record) (*core.Note, *core.RidePreferences, *RecordError) {
	note, err := p.notes.Get(ctx, rec.OwnerID, rec.NoteID)
	if err != nil || note == nil {
		return nil, nil, &RecordError{Kind: core.KindNotFound, Message: "note is no longer available"}
	}
	profile, err := p.prefs.Get(ctx, rec.OwnerID)
	if err != nil {
		return nil, nil, &RecordError{Kind: core.KindServerError, Message: "preferences unavailable"}
	}
	return note, profile, nil
}

// finish applies the terminal transition; CAS misses are logged, not
// retried, since a miss means somebody else already settled the record.
func (p *WorkerPool) finish(ctx context.Context, itineraryID string, to Status, update StatusUpdate) {
	if err := p.store.UpdateStatus(ctx, itineraryID, StatusRunning, to, update); err != nil {
		var conflict *StatusConflictError
		if errors.As(err, &conflict) && conflict.Current == StatusPending {
			// Cancelled before the running transition ever happened.
			err = p.store.UpdateStatus(ctx, itineraryID, StatusPending, to, update)
		}
		if err != nil {
			p.logger.Error("Terminal transition failed", map[string]interface{}{
				"itinerary_id": itineraryID,
				"to":           string(to),
				"error":        err.Error(),
			})
		}
	}
}

func (p *WorkerPool) recordCost(ctx context.Context, rec *Record, amount float64, at time.Time) {
	err := p.store.RecordCost(ctx, CostEntry{
		OwnerID:     rec.OwnerID,
		ItineraryID: rec.ItineraryID,
		Amount:      amount,
		RecordedAt:  at,
	})
	if err != nil {
		p.logger.Error("Cost entry failed", map[string]interface{}{
			"itinerary_id": rec.ItineraryID,
			"error":        err.Error(),
		})
	}
	p.telemetry.RecordMetric("motoplan.generation.cost", amount, nil)
}

func (p *WorkerPool) count(status Status, start time.Time) {
	labels := map[string]string{"status": string(status)}
	p.telemetry.RecordMetric("motoplan.generation.finished", 1, labels)
	p.telemetry.RecordMetric("motoplan.generation.duration_seconds", p.now().Sub(start).Seconds(), labels)
}

func failureKind(kind ai.FailureKind) core.Kind {
	switch kind {
	case ai.FailRateLimited:
		return core.KindRateLimited
	case ai.FailModelError:
		return core.KindModelError
	case ai.FailNetwork:
		return core.KindNetwork
	case ai.FailTimeout:
		return core.KindTimeout
	case ai.FailInvalidOutput:
		return core.KindInvalidRoute
	default:
		return core.KindServerError
	}
}
