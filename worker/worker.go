// Package worker runs a stage pipeline against one queue: payload
// validation, the health admission gate, sequential action execution,
// classification-driven retry, and terminal status reporting.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/awehrman/peas-sub008/action"
	"github.com/awehrman/peas-sub008/model"
	"github.com/awehrman/peas-sub008/queue"
)

const defaultConcurrency = 3

// HealthMonitor gates job admission. An unhealthy service fails jobs
// retryably so they come back once the service recovers.
type HealthMonitor interface {
	IsHealthy(ctx context.Context) bool
}

// Metrics receives terminal job outcomes.
type Metrics interface {
	TrackJobMetrics(jobID string, duration time.Duration, success bool, queueName, workerName, errMsg string)
}

// Validator checks stage-specific required fields on the raw payload.
// A validation failure is terminal, never retried.
type Validator func(payload json.RawMessage) error

// Decoder turns the raw payload into the stage's typed input for the
// first action.
type Decoder func(payload json.RawMessage) (any, error)

// Worker binds one queue to a composed action pipeline.
type Worker struct {
	queueName   string
	name        string
	broker      queue.Broker
	pipeline    []action.Action
	deps        *action.Dependencies
	concurrency int
	retry       queue.RetryOptions
	health      HealthMonitor
	metrics     Metrics
	validate    Validator
	decode      Decoder
	logger      *slog.Logger

	consumer queue.Consumer
}

// Option configures a Worker.
type Option func(*Worker)

// WithConcurrency sets the parallel job limit (default 3).
func WithConcurrency(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.concurrency = n
		}
	}
}

// WithRetryPolicy overrides the default retry policy.
func WithRetryPolicy(opts queue.RetryOptions) Option {
	return func(w *Worker) { w.retry = opts }
}

// WithHealthMonitor wires the admission gate.
func WithHealthMonitor(h HealthMonitor) Option {
	return func(w *Worker) { w.health = h }
}

// WithMetrics wires terminal-outcome metrics.
func WithMetrics(m Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithValidator sets the stage payload validator.
func WithValidator(v Validator) Option {
	return func(w *Worker) { w.validate = v }
}

// WithDecoder sets the stage payload decoder. Without one, actions
// receive the raw JSON payload.
func WithDecoder(d Decoder) Option {
	return func(w *Worker) { w.decode = d }
}

// New composes a worker from the pipeline the factory produced.
func New(queueName, name string, pipeline []action.Action, deps *action.Dependencies, opts ...Option) (*Worker, error) {
	if queueName == "" {
		return nil, fmt.Errorf("worker queue name cannot be empty")
	}
	if len(pipeline) == 0 {
		return nil, fmt.Errorf("worker %s: pipeline cannot be empty", name)
	}
	if deps == nil || deps.Logger == nil {
		return nil, fmt.Errorf("worker %s: dependencies with logger required", name)
	}
	if deps.Broker == nil {
		return nil, fmt.Errorf("worker %s: broker required", name)
	}
	w := &Worker{
		queueName:   queueName,
		name:        name,
		broker:      deps.Broker,
		pipeline:    pipeline,
		deps:        deps,
		concurrency: defaultConcurrency,
		retry:       queue.DefaultRetryOptions(),
		logger:      deps.Logger.With("worker", name, "queue", queueName),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start subscribes the worker to its queue.
func (w *Worker) Start(ctx context.Context) error {
	consumer, err := w.broker.Consume(ctx, w.queueName, w.handle, w.concurrency)
	if err != nil {
		return fmt.Errorf("start worker %s: %w", w.name, err)
	}
	w.consumer = consumer
	w.logger.Info("worker started", "concurrency", w.concurrency)
	return nil
}

// Stop unsubscribes. In-flight jobs finish.
func (w *Worker) Stop() error {
	if w.consumer == nil {
		return nil
	}
	err := w.consumer.Stop()
	w.consumer = nil
	w.logger.Info("worker stopped")
	return err
}

// payloadIDs pulls the identity fields every stage payload carries.
type payloadIDs struct {
	ImportID string `json:"importId"`
	NoteID   string `json:"noteId"`
}

func (w *Worker) handle(ctx context.Context, d queue.Delivery) {
	job := d.Job()
	defer func() {
		if r := recover(); r != nil {
			qerr := queue.NewQueueError(queue.ErrorTypeUnknown, queue.SeverityCritical,
				fmt.Sprintf("worker panic: %v", r), nil)
			qerr.JobError.JobID = job.ID
			qerr.JobError.QueueName = w.queueName
			qerr.JobError.Context = map[string]any{"operation": "worker_error", "queueName": w.queueName}
			queue.LogJobError(w.logger, qerr.JobError)
			w.finishFailed(ctx, d, qerr)
		}
	}()

	actx := &action.Context{
		JobID:         job.ID,
		AttemptNumber: job.AttemptNumber,
		RetryCount:    job.RetryCount(),
		QueueName:     job.QueueName,
		WorkerName:    w.name,
		StartTime:     time.Now(),
	}

	if w.validate != nil {
		if err := w.validate(job.Payload); err != nil {
			qerr := queue.NewQueueError(queue.ErrorTypeValidation, queue.SeverityMedium, err.Error(), err)
			w.stamp(qerr, job)
			queue.LogJobError(w.logger, qerr.JobError)
			w.finishFailed(ctx, d, qerr)
			return
		}
	}

	if w.health != nil && !w.health.IsHealthy(ctx) {
		qerr := queue.NewQueueError(queue.ErrorTypeExternalService, queue.SeverityHigh,
			"service unhealthy, deferring job", nil)
		w.stamp(qerr, job)
		w.retryOrFail(ctx, d, qerr)
		return
	}

	var payload any = job.Payload
	if w.decode != nil {
		decoded, err := w.decode(job.Payload)
		if err != nil {
			qerr := queue.NewQueueError(queue.ErrorTypeValidation, queue.SeverityMedium,
				fmt.Sprintf("decode payload: %v", err), err)
			w.stamp(qerr, job)
			queue.LogJobError(w.logger, qerr.JobError)
			w.finishFailed(ctx, d, qerr)
			return
		}
		payload = decoded
	}

	for _, act := range w.pipeline {
		actx.Operation = string(act.Name())
		next, err := act.Execute(ctx, payload, w.deps, actx)
		if err != nil {
			qerr := w.asQueueError(err, job, act.Name())
			w.retryOrFail(ctx, d, qerr)
			return
		}
		payload = next
	}

	w.finishCompleted(ctx, d, payload, actx)
}

// asQueueError preserves an existing QueueError and classifies anything
// else, stamping job context either way.
func (w *Worker) asQueueError(err error, job *queue.Job, name action.Name) *queue.QueueError {
	var qerr *queue.QueueError
	if errors.As(err, &qerr) {
		// keep the action's own classification
	} else {
		qerr = &queue.QueueError{JobError: queue.Classify(err)}
	}
	w.stamp(qerr, job)
	if qerr.JobError.Context == nil {
		qerr.JobError.Context = map[string]any{}
	}
	qerr.JobError.Context["action"] = string(name)
	return qerr
}

func (w *Worker) stamp(qerr *queue.QueueError, job *queue.Job) {
	qerr.JobError.JobID = job.ID
	qerr.JobError.QueueName = w.queueName
	qerr.JobError.RetryCount = job.RetryCount()
}

func (w *Worker) retryOrFail(ctx context.Context, d queue.Delivery, qerr *queue.QueueError) {
	job := d.Job()
	if queue.ShouldRetry(qerr.JobError, job.RetryCount(), w.retry.MaxRetries) {
		delay := queue.BackoffDuration(job.RetryCount(), w.retry)
		w.logger.Warn("job failed, scheduling retry",
			"job_id", job.ID, "retry_count", job.RetryCount(), "delay", delay,
			"error_type", string(qerr.JobError.Type), "error", qerr)
		if err := d.Nak(delay); err != nil {
			w.logger.Error("failed to nak job", "job_id", job.ID, "error", err)
		}
		return
	}
	queue.LogJobError(w.logger, qerr.JobError)
	w.finishFailed(ctx, d, qerr)
}

// finishFailed resolves a job terminally: best-effort FAILED status
// event, failure metric, ack.
func (w *Worker) finishFailed(ctx context.Context, d queue.Delivery, qerr *queue.QueueError) {
	job := d.Job()

	var ids payloadIDs
	_ = json.Unmarshal(job.Payload, &ids)
	if ids.NoteID != "" && w.deps.StatusBroadcaster != nil {
		if _, err := w.deps.StatusBroadcaster.AddStatusEventAndBroadcast(ctx, model.StatusEvent{
			ImportID: ids.ImportID,
			NoteID:   ids.NoteID,
			Status:   model.StatusFailed,
			Message:  qerr.Error(),
			Context:  "job_failure",
		}); err != nil {
			w.logger.Error("failed to broadcast job failure", "job_id", job.ID, "error", err)
		}
	}

	if w.metrics != nil {
		w.metrics.TrackJobMetrics(job.ID, time.Since(job.EnqueuedAt), false, w.queueName, w.name, qerr.Error())
	}
	if err := d.Ack(); err != nil {
		w.logger.Error("failed to ack terminal job", "job_id", job.ID, "error", err)
	}
}

func (w *Worker) finishCompleted(ctx context.Context, d queue.Delivery, result any, actx *action.Context) {
	job := d.Job()
	duration := time.Since(actx.StartTime)

	if w.metrics != nil {
		w.metrics.TrackJobMetrics(job.ID, duration, true, w.queueName, w.name, "")
	}
	if err := d.Ack(); err != nil {
		w.logger.Error("failed to ack completed job", "job_id", job.ID, "error", err)
	}
	w.logger.Info("job completed", "job_id", job.ID, "duration", duration)

	if carrier, ok := result.(action.FollowOnCarrier); ok {
		for _, fo := range carrier.FollowOns() {
			if _, err := w.broker.Enqueue(ctx, fo.QueueName, fo.Payload, fo.Opts); err != nil {
				w.logger.Error("failed to enqueue follow-on job",
					"job_id", job.ID, "follow_on_queue", fo.QueueName, "error", err)
			}
		}
	}
}
