// Package queue defines the broker contract the workers consume, the job
// envelope that travels on it, and the error classification and retry
// policy applied to failed jobs. Two brokers are provided: a JetStream
// broker for production and an in-process broker for tests and the
// embedded mode.
package queue

import (
	"context"
	"encoding/json"
	"time"
)

// Job is the immutable envelope delivered to a worker. Only the control
// fields (AttemptNumber, VisibleAt) change between deliveries.
type Job struct {
	ID            string          `json:"id"`
	QueueName     string          `json:"queueName"`
	Payload       json.RawMessage `json:"payload"`
	AttemptNumber int             `json:"attemptNumber"`
	EnqueuedAt    time.Time       `json:"enqueuedAt"`
	VisibleAt     time.Time       `json:"visibleAt"`
}

// RetryCount is the number of prior failed attempts.
func (j *Job) RetryCount() int {
	if j.AttemptNumber < 1 {
		return 0
	}
	return j.AttemptNumber - 1
}

// BackoffSpec configures broker-side retry backoff for a job.
type BackoffSpec struct {
	Type  string        `json:"type"` // "exponential"
	Delay time.Duration `json:"delay"`
}

// EnqueueOptions carries per-job broker options.
type EnqueueOptions struct {
	JobID            string
	RemoveOnComplete int
	RemoveOnFail     int
	Attempts         int
	Backoff          *BackoffSpec
}

// Delivery is a single in-flight delivery of a job. The worker must
// resolve every delivery with exactly one of Ack or Nak.
type Delivery interface {
	Job() *Job
	// Ack marks the job resolved; the broker will not redeliver it.
	Ack() error
	// Nak schedules a redelivery after the given delay.
	Nak(delay time.Duration) error
}

// Handler processes one delivery. Handlers must not panic; the worker
// runtime owns classification and retry.
type Handler func(ctx context.Context, d Delivery)

// Consumer is a running subscription returned by Consume.
type Consumer interface {
	Stop() error
}

// Broker is the queue transport contract. Implementations must deliver a
// job to at most one consumer at a time and honor the Nak delay.
type Broker interface {
	Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (jobID string, err error)
	Consume(ctx context.Context, queueName string, handler Handler, concurrency int) (Consumer, error)
}
