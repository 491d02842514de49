package queue

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryBroker is an in-process Broker used by tests and the embedded
// single-binary mode. Delivery semantics match the JetStream broker:
// at-most-one consumer per job, Nak redelivers after the delay with an
// incremented attempt number.
type MemoryBroker struct {
	mu     sync.Mutex
	queues map[string]chan *Job
}

// NewMemoryBroker returns an empty in-process broker.
func NewMemoryBroker() *MemoryBroker {
	return &MemoryBroker{queues: make(map[string]chan *Job)}
}

func (b *MemoryBroker) queue(name string) chan *Job {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		q = make(chan *Job, 1024)
		b.queues[name] = q
	}
	return q
}

// Enqueue places a job on the named queue.
func (b *MemoryBroker) Enqueue(_ context.Context, queueName string, payload json.RawMessage, opts EnqueueOptions) (string, error) {
	jobID := opts.JobID
	if jobID == "" {
		jobID = uuid.New().String()
	}
	job := &Job{
		ID:            jobID,
		QueueName:     queueName,
		Payload:       payload,
		AttemptNumber: 1,
		EnqueuedAt:    time.Now(),
		VisibleAt:     time.Now(),
	}
	b.queue(queueName) <- job
	return jobID, nil
}

// Depth reports the number of waiting jobs on a queue.
func (b *MemoryBroker) Depth(queueName string) int {
	return len(b.queue(queueName))
}

// Consume starts concurrency goroutines draining the queue.
func (b *MemoryBroker) Consume(ctx context.Context, queueName string, handler Handler, concurrency int) (Consumer, error) {
	if concurrency <= 0 {
		concurrency = 3
	}
	q := b.queue(queueName)
	subCtx, cancel := context.WithCancel(ctx)
	c := &memoryConsumer{cancel: cancel}
	c.wg.Add(concurrency)

	for i := 0; i < concurrency; i++ {
		go func() {
			defer c.wg.Done()
			for {
				select {
				case <-subCtx.Done():
					return
				case job := <-q:
					handler(subCtx, &memoryDelivery{job: job, broker: b})
				}
			}
		}()
	}
	return c, nil
}

type memoryConsumer struct {
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func (c *memoryConsumer) Stop() error {
	c.cancel()
	c.wg.Wait()
	return nil
}

type memoryDelivery struct {
	job    *Job
	broker *MemoryBroker
	once   sync.Once
}

func (d *memoryDelivery) Job() *Job { return d.job }

func (d *memoryDelivery) Ack() error {
	d.once.Do(func() {})
	return nil
}

func (d *memoryDelivery) Nak(delay time.Duration) error {
	d.once.Do(func() {
		redelivered := *d.job
		redelivered.AttemptNumber++
		redelivered.VisibleAt = time.Now().Add(delay)
		go func() {
			if delay > 0 {
				time.Sleep(delay)
			}
			d.broker.queue(redelivered.QueueName) <- &redelivered
		}()
	})
	return nil
}
