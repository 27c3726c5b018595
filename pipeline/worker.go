// Package pipeline runs queued ingestion jobs through their processing
// stages: validating originals, extracting metadata and EXIF, rendering
// thumbnails, resolving places, and linking live photo videos.
//
// Workers claim jobs from the durable queue with a lease and heartbeat while
// processing. A worker that dies mid-job stops heartbeating and another
// worker takes the job over once the lease goes stale.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/oklog/ulid/v2"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/lumaframe/lumaframe"
	"github.com/lumaframe/lumaframe/database"
	"github.com/lumaframe/lumaframe/perf"
	"github.com/lumaframe/lumaframe/safeguards"
)

// WorkerConfig tunes the claim/heartbeat loop.
type WorkerConfig struct {
	// LeaseTimeout is how long a claimed job may go without a heartbeat
	// before other workers may take it over.
	LeaseTimeout time.Duration

	// HeartbeatInterval is how often an in-flight job's lease is renewed.
	HeartbeatInterval time.Duration

	// StageTimeout bounds a single stage handler.
	StageTimeout time.Duration

	// StageWarnThreshold marks stages slow enough to warn about.
	StageWarnThreshold time.Duration

	// IdlePollMaxInterval caps the backoff between polls of an empty queue.
	IdlePollMaxInterval time.Duration

	// MaxConcurrent bounds in-process concurrent jobs.
	MaxConcurrent int
}

// DefaultWorkerConfig returns production defaults.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		LeaseTimeout:        5 * time.Minute,
		HeartbeatInterval:   30 * time.Second,
		StageTimeout:        2 * time.Minute,
		StageWarnThreshold:  10 * time.Second,
		IdlePollMaxInterval: 15 * time.Second,
		MaxConcurrent:       4,
	}
}

// Worker claims and processes pipeline jobs until its context is cancelled.
type Worker struct {
	id        string
	db        *database.DB
	processor *Processor
	guard     *safeguards.OperationGuard
	metrics   *Metrics
	tracer    trace.Tracer
	logger    logrus.FieldLogger
	cfg       WorkerConfig
}

// NewWorker creates a worker with a unique owner ID. metrics may be nil.
func NewWorker(db *database.DB, processor *Processor, metrics *Metrics, logger logrus.FieldLogger, cfg WorkerConfig) *Worker {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	if cfg.LeaseTimeout <= 0 {
		cfg = DefaultWorkerConfig()
	}
	id := "worker-" + ulid.Make().String()
	return &Worker{
		id:        id,
		db:        db,
		processor: processor,
		guard: safeguards.NewOperationGuard(safeguards.GuardConfig{
			MaxConcurrent: cfg.MaxConcurrent,
			Logger:        logger,
		}),
		metrics: metrics,
		tracer:  otel.Tracer("lumaframe/pipeline"),
		logger:  logger.WithField("worker_id", id),
		cfg:     cfg,
	}
}

// ID returns the worker's queue owner identifier.
func (w *Worker) ID() string { return w.id }

// Run polls the queue and processes jobs until ctx is cancelled. An empty
// queue is polled with exponential backoff; a processed job resets the
// backoff so bursts drain quickly.
func (w *Worker) Run(ctx context.Context) error {
	w.logger.Info("pipeline worker started")

	poll := backoff.NewExponentialBackOff()
	poll.InitialInterval = 250 * time.Millisecond
	poll.MaxInterval = w.cfg.IdlePollMaxInterval
	poll.MaxElapsedTime = 0
	poll.Reset()

	for {
		if err := ctx.Err(); err != nil {
			w.logger.Info("pipeline worker stopping")
			return err
		}

		job, err := w.db.ClaimNext(ctx, w.id, w.cfg.LeaseTimeout)
		if err != nil {
			w.logger.WithField("error", err).Error("failed to claim job")
		}
		if job == nil {
			select {
			case <-ctx.Done():
				w.logger.Info("pipeline worker stopping")
				return ctx.Err()
			case <-time.After(poll.NextBackOff()):
			}
			continue
		}
		poll.Reset()

		if w.metrics != nil {
			w.metrics.JobsClaimed.Inc()
		}
		w.processJob(ctx, job)
	}
}

// ProcessOne claims and processes at most one job. Returns false when the
// queue had nothing claimable. Used by tests and one-shot CLI runs.
func (w *Worker) ProcessOne(ctx context.Context) (bool, error) {
	job, err := w.db.ClaimNext(ctx, w.id, w.cfg.LeaseTimeout)
	if err != nil {
		return false, err
	}
	if job == nil {
		return false, nil
	}
	if w.metrics != nil {
		w.metrics.JobsClaimed.Inc()
	}
	w.processJob(ctx, job)
	return true, nil
}

// lockKey is the per-photo serialization key for a job.
func lockKey(payload lumaframe.JobPayload) string {
	if payload.Kind == lumaframe.JobKindPhotoReverseGeocoding {
		return payload.PhotoID
	}
	return lumaframe.DerivePhotoID(payload.StorageKey)
}

func (w *Worker) processJob(ctx context.Context, job *database.PipelineJob) {
	logger := w.logger.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_kind": string(job.Payload.Kind),
		"attempt":  job.Attempts,
	})

	ctx, span := w.tracer.Start(ctx, "pipeline.job",
		trace.WithAttributes(
			attribute.Int64("job.id", job.ID),
			attribute.String("job.kind", string(job.Payload.Kind)),
			attribute.Int("job.attempt", job.Attempts),
		))
	defer span.End()

	if span.SpanContext().HasTraceID() {
		traceID := span.SpanContext().TraceID().String()
		if err := w.db.SetJobTraceID(ctx, job.ID, traceID); err != nil {
			logger.WithField("error", err).Warn("failed to record job trace ID")
		}
		logger = logger.WithField("trace_id", traceID)
	}

	// Same-photo jobs are serialized: in-process via the guard, across
	// processes via the photo lock table. Contention is a retryable failure
	// rather than a wait, so the worker stays free for other photos.
	key := lockKey(job.Payload)
	if err := w.guard.Acquire(ctx, key); err != nil {
		w.fail(ctx, job, logger, fmt.Sprintf("failed to acquire operation slot: %v", err))
		return
	}
	defer w.guard.Release(key)

	if err := w.db.AcquirePhotoLock(ctx, key, w.id, w.cfg.LeaseTimeout); err != nil {
		if errors.Is(err, database.ErrPhotoLocked) {
			w.fail(ctx, job, logger, fmt.Sprintf("photo %s is locked by another worker", key))
			return
		}
		w.fail(ctx, job, logger, fmt.Sprintf("failed to acquire photo lock: %v", err))
		return
	}
	defer func() {
		if err := w.db.ReleasePhotoLock(context.WithoutCancel(ctx), key); err != nil {
			logger.WithField("error", err).Warn("failed to release photo lock")
		}
	}()

	stopHeartbeat := w.startHeartbeat(ctx, job.ID, logger)
	defer stopHeartbeat()

	timings := perf.NewJobTimings()
	jobStart := time.Now()
	state := &jobState{job: job, payload: job.Payload}
	if job.Payload.Kind == lumaframe.JobKindPhotoReverseGeocoding {
		state.photoID = job.Payload.PhotoID
	} else {
		state.photoID = lumaframe.DerivePhotoID(job.Payload.StorageKey)
	}

	plan := stagePlan(job.Payload.Kind)
	for i, stage := range plan {
		if i > 0 {
			if err := w.db.AdvanceStage(ctx, job.ID, w.id, stage); err != nil {
				if isConflict(err) {
					// Lease taken over; the new claimant owns the job now.
					logger.WithField("stage", string(stage)).Warn("job lease lost, abandoning job")
					return
				}
				w.fail(ctx, job, logger, fmt.Sprintf("failed to advance to stage %s: %v", stage, err))
				return
			}
		}

		if err := w.runStageGuarded(ctx, state, stage, timings); err != nil {
			failure := &lumaframe.StageFailure{Stage: stage, Err: err}
			logger.WithFields(logrus.Fields{
				"stage": string(stage),
				"error": err,
			}).Error("stage failed")
			span.RecordError(failure)
			w.fail(ctx, job, logger, failure.Error())
			return
		}
	}

	timings.Total = time.Since(jobStart)
	if err := w.db.Complete(ctx, job.ID, w.id); err != nil {
		if isConflict(err) {
			logger.Warn("job lease lost before completion, abandoning job")
		} else {
			logger.WithField("error", err).Error("failed to mark job completed")
		}
		return
	}
	if w.metrics != nil {
		w.metrics.JobsCompleted.Inc()
	}
	logger.WithFields(timings.Fields()).Info("job completed")
}

// runStageGuarded runs one stage under its timeout with panic recovery, and
// records its duration.
func (w *Worker) runStageGuarded(ctx context.Context, state *jobState, stage lumaframe.Stage, timings *perf.JobTimings) error {
	stageCtx := ctx
	if w.cfg.StageTimeout > 0 {
		var cancel context.CancelFunc
		stageCtx, cancel = context.WithTimeout(ctx, w.cfg.StageTimeout)
		defer cancel()
	}

	timer := perf.Start("stage "+string(stage), w.logger)
	err := safeguards.RecoverableOperation(w.logger, string(stage), func() error {
		return w.processor.runStage(stageCtx, state, stage)
	})
	duration := timer.StopWithThreshold(w.cfg.StageWarnThreshold)

	timings.RecordStage(string(stage), duration)
	if w.metrics != nil {
		w.metrics.StageDuration.WithLabelValues(string(stage)).Observe(duration.Seconds())
	}
	return err
}

// fail records a job failure and classifies the outcome for metrics: jobs
// with attempts left return to pending, exhausted jobs park as failed.
func (w *Worker) fail(ctx context.Context, job *database.PipelineJob, logger logrus.FieldLogger, message string) {
	// Use a detached context so a cancelled job still records its failure.
	ctx = context.WithoutCancel(ctx)
	if err := w.db.Fail(ctx, job.ID, w.id, message); err != nil {
		if isConflict(err) {
			logger.Warn("job lease lost, failure not recorded")
		} else {
			logger.WithField("error", err).Error("failed to record job failure")
		}
		return
	}
	if w.metrics == nil {
		return
	}
	after, err := w.db.GetJob(ctx, job.ID)
	if err != nil || after == nil {
		return
	}
	switch after.Status {
	case database.JobStatusFailed:
		w.metrics.JobsFailed.Inc()
	case database.JobStatusPending:
		w.metrics.JobsRetried.Inc()
	}
}

func isConflict(err error) bool {
	var conflict *lumaframe.ConflictError
	return errors.As(err, &conflict)
}

// startHeartbeat renews the job lease until the returned stop function is
// called. Heartbeat failures are logged but do not abort the job; the usual
// cause is the job having been completed or reassigned already.
func (w *Worker) startHeartbeat(ctx context.Context, jobID int64, logger logrus.FieldLogger) func() {
	done := make(chan struct{})
	stopped := make(chan struct{})

	go func() {
		defer close(stopped)
		ticker := time.NewTicker(w.cfg.HeartbeatInterval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := w.db.Heartbeat(ctx, jobID, w.id); err != nil {
					logger.WithField("error", err).Warn("heartbeat failed")
				}
			}
		}
	}()

	return func() {
		close(done)
		<-stopped
	}
}
