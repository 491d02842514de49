package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	// StreamName holds every stage queue; queues map to subjects under
	// the "jobs." prefix.
	StreamName    = "JOBS"
	subjectPrefix = "jobs."
)

// SubjectFor returns the stream subject backing a queue.
func SubjectFor(queueName string) string {
	return subjectPrefix + queueName
}

// JetStreamBroker implements Broker on a NATS JetStream stream with one
// durable consumer per queue.
type JetStreamBroker struct {
	js         jetstream.JetStream
	logger     *slog.Logger
	maxDeliver int
	ackWait    time.Duration
}

// JetStreamOption customizes broker construction.
type JetStreamOption func(*JetStreamBroker)

// WithMaxDeliver overrides the per-consumer delivery ceiling.
func WithMaxDeliver(n int) JetStreamOption {
	return func(b *JetStreamBroker) { b.maxDeliver = n }
}

// WithAckWait overrides the redelivery window for unacknowledged jobs.
func WithAckWait(d time.Duration) JetStreamOption {
	return func(b *JetStreamBroker) { b.ackWait = d }
}

// NewJetStreamBroker connects the broker to a NATS connection, creating
// the jobs stream if it does not exist.
func NewJetStreamBroker(ctx context.Context, nc *nats.Conn, logger *slog.Logger, opts ...JetStreamOption) (*JetStreamBroker, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("create jetstream context: %w", err)
	}

	b := &JetStreamBroker{
		js:         js,
		logger:     logger,
		maxDeliver: DefaultRetryOptions().MaxRetries + 1,
		ackWait:    2 * time.Minute,
	}
	for _, opt := range opts {
		opt(b)
	}

	if _, err := js.Stream(ctx, StreamName); err != nil {
		if _, err := js.CreateStream(ctx, jetstream.StreamConfig{
			Name:      StreamName,
			Subjects:  []string{subjectPrefix + ">"},
			Retention: jetstream.WorkQueuePolicy,
		}); err != nil {
			return nil, fmt.Errorf("create stream %s: %w", StreamName, err)
		}
	}

	return b, nil
}

// Enqueue publishes a job envelope to the queue subject.
func (b *JetStreamBroker) Enqueue(ctx context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}

	job := Job{
		ID:            jobID,
		QueueName:     queueName,
		Payload:       payload,
		AttemptNumber: 1,
		EnqueuedAt:    time.Now(),
		VisibleAt:     time.Now(),
	}
	data, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job envelope: %w", err)
	}

	// Msg ID gives broker-side dedup within the stream's dedup window.
	if _, err := b.js.Publish(ctx, SubjectFor(queueName), data, jetstream.WithMsgID(jobID)); err != nil {
		return "", fmt.Errorf("publish job to %s: %w", queueName, err)
	}

	b.logger.Debug("job enqueued", "queue", queueName, "job_id", jobID)
	return jobID, nil
}

// Consume binds a durable consumer to the queue subject and dispatches
// deliveries to the handler with bounded concurrency.
func (b *JetStreamBroker) Consume(ctx context.Context, queueName string, handler Handler, concurrency int) (Consumer, error) {
	if concurrency <= 0 {
		concurrency = 3
	}

	stream, err := b.js.Stream(ctx, StreamName)
	if err != nil {
		return nil, fmt.Errorf("get stream %s: %w", StreamName, err)
	}

	consumer, err := stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:       queueName + "-worker",
		FilterSubject: SubjectFor(queueName),
		AckPolicy:     jetstream.AckExplicitPolicy,
		AckWait:       b.ackWait,
		MaxDeliver:    b.maxDeliver,
		MaxAckPending: concurrency,
	})
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", queueName, err)
	}

	subCtx, cancel := context.WithCancel(ctx)
	c := &jetStreamConsumer{cancel: cancel, done: make(chan struct{})}

	go func() {
		defer close(c.done)
		b.consumeLoop(subCtx, queueName, consumer, handler, concurrency)
	}()

	return c, nil
}

// consumeLoop fetches messages until the context is cancelled, running up
// to concurrency handlers at a time.
func (b *JetStreamBroker) consumeLoop(ctx context.Context, queueName string, consumer jetstream.Consumer, handler Handler, concurrency int) {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msgs, err := consumer.Fetch(concurrency, jetstream.FetchMaxWait(5*time.Second))
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			b.logger.Debug("fetch timeout or error", "queue", queueName, "error", err)
			continue
		}

		for msg := range msgs.Messages() {
			select {
			case sem <- struct{}{}:
			case <-ctx.Done():
				// Let the broker redeliver after AckWait.
				return
			}
			wg.Add(1)
			go func(m jetstream.Msg) {
				defer wg.Done()
				defer func() { <-sem }()
				b.dispatch(ctx, queueName, m, handler)
			}(msg)
		}
	}
}

func (b *JetStreamBroker) dispatch(ctx context.Context, queueName string, msg jetstream.Msg, handler Handler) {
	var job Job
	if err := json.Unmarshal(msg.Data(), &job); err != nil {
		b.logger.Error("malformed job envelope, dropping", "queue", queueName, "error", err)
		if termErr := msg.Term(); termErr != nil {
			b.logger.Warn("failed to terminate malformed message", "error", termErr)
		}
		return
	}

	// Attempt number comes from the broker's delivery count so retries
	// survive process restarts.
	if meta, err := msg.Metadata(); err == nil {
		job.AttemptNumber = int(meta.NumDelivered)
	}
	job.QueueName = queueName

	handler(ctx, &jetStreamDelivery{job: &job, msg: msg})
}

type jetStreamConsumer struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func (c *jetStreamConsumer) Stop() error {
	c.cancel()
	<-c.done
	return nil
}

type jetStreamDelivery struct {
	job *Job
	msg jetstream.Msg
}

func (d *jetStreamDelivery) Job() *Job { return d.job }

func (d *jetStreamDelivery) Ack() error { return d.msg.Ack() }

func (d *jetStreamDelivery) Nak(delay time.Duration) error {
	if delay <= 0 {
		return d.msg.Nak()
	}
	return d.msg.NakWithDelay(delay)
}
