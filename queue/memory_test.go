package queue

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryBrokerDeliversJobs(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	received := map[string]int{}
	done := make(chan struct{}, 3)

	consumer, err := b.Consume(ctx, "note", func(_ context.Context, d Delivery) {
		mu.Lock()
		received[d.Job().ID] = d.Job().AttemptNumber
		mu.Unlock()
		require.NoError(t, d.Ack())
		done <- struct{}{}
	}, 2)
	require.NoError(t, err)
	defer consumer.Stop()

	for i := 0; i < 3; i++ {
		_, err := b.Enqueue(ctx, "note", json.RawMessage(`{}`), EnqueueOptions{})
		require.NoError(t, err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for deliveries")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, received, 3)
	for id, attempt := range received {
		assert.Equal(t, 1, attempt, "job %s", id)
	}
}

func TestMemoryBrokerNakRedelivers(t *testing.T) {
	b := NewMemoryBroker()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	attempts := make(chan int, 4)
	consumer, err := b.Consume(ctx, "ingredient", func(_ context.Context, d Delivery) {
		attempts <- d.Job().AttemptNumber
		if d.Job().AttemptNumber < 3 {
			require.NoError(t, d.Nak(5*time.Millisecond))
			return
		}
		require.NoError(t, d.Ack())
	}, 1)
	require.NoError(t, err)
	defer consumer.Stop()

	_, err = b.Enqueue(ctx, "ingredient", json.RawMessage(`{}`), EnqueueOptions{JobID: "j1"})
	require.NoError(t, err)

	var seen []int
	for len(seen) < 3 {
		select {
		case a := <-attempts:
			seen = append(seen, a)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out after attempts %v", seen)
		}
	}
	assert.Equal(t, []int{1, 2, 3}, seen)
}

func TestMemoryBrokerHonorsJobID(t *testing.T) {
	b := NewMemoryBroker()
	id, err := b.Enqueue(context.Background(), "categorization", json.RawMessage(`{}`), EnqueueOptions{JobID: "categorization-n1-123"})
	require.NoError(t, err)
	assert.Equal(t, "categorization-n1-123", id)
	assert.Equal(t, 1, b.Depth("categorization"))
}
