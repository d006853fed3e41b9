package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type chanReader struct {
	msgs <-chan kafka.Message

	mu        sync.Mutex
	committed []int64
	closed    bool
}

func (r *chanReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case msg := <-r.msgs:
		return msg, nil
	}
}

func (r *chanReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, msg := range msgs {
		r.committed = append(r.committed, msg.Offset)
	}
	return nil
}

func (r *chanReader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	return nil
}

func (r *chanReader) snapshot() (int, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.committed), r.closed
}

func TestKafkaConsumerRetriesHandler(t *testing.T) {
	c := &KafkaConsumer{
		logger:      zerolog.Nop(),
		maxAttempts: 3,
		retryDelay:  time.Millisecond,
	}

	calls := 0
	err := c.handleWithRetry(context.Background(), ProcessImagePayload{JobID: 1}, func(context.Context, ProcessImagePayload) error {
		calls++
		if calls < 2 {
			return errors.New("store unavailable")
		}
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestKafkaConsumerGivesUp(t *testing.T) {
	c := &KafkaConsumer{
		logger:      zerolog.Nop(),
		maxAttempts: 2,
		retryDelay:  time.Millisecond,
	}

	cause := errors.New("store unavailable")
	calls := 0
	err := c.handleWithRetry(context.Background(), ProcessImagePayload{JobID: 1}, func(context.Context, ProcessImagePayload) error {
		calls++
		return cause
	})
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, 2, calls)
}

func TestKafkaConsumerHandlesWithEveryMember(t *testing.T) {
	const members = 3

	msgs := make(chan kafka.Message, members)
	for i := range members {
		body, err := ProcessImagePayload{JobID: int64(i + 1), BatchID: "b1", InputURL: "http://x/a.jpg"}.Marshal()
		require.NoError(t, err)
		msgs <- kafka.Message{Offset: int64(i), Value: body}
	}

	var (
		mu      sync.Mutex
		readers []*chanReader
	)
	c := &KafkaConsumer{
		topic: "image-jobs",
		newReader: func() messageReader {
			mu.Lock()
			defer mu.Unlock()
			r := &chanReader{msgs: msgs}
			readers = append(readers, r)
			return r
		},
		concurrency: members,
		logger:      zerolog.Nop(),
		maxAttempts: 1,
		retryDelay:  time.Millisecond,
	}

	started := make(chan int64, members)
	release := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- c.Run(ctx, func(_ context.Context, payload ProcessImagePayload) error {
			started <- payload.JobID
			<-release
			return nil
		})
	}()

	// Every message is in flight at once only if each member handles one.
	for range members {
		select {
		case <-started:
		case <-time.After(2 * time.Second):
			t.Fatal("messages were not handled concurrently")
		}
	}
	close(release)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, r := range readers {
			n, _ := r.snapshot()
			total += n
		}
		return total == members
	}, 2*time.Second, 5*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer did not stop")
	}

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, readers, members)
	for _, r := range readers {
		_, closed := r.snapshot()
		assert.True(t, closed)
	}
}

func TestKafkaConsumerCommitsMalformedMessage(t *testing.T) {
	msgs := make(chan kafka.Message, 1)
	msgs <- kafka.Message{Offset: 7, Value: []byte("not json")}
	reader := &chanReader{msgs: msgs}

	c := &KafkaConsumer{
		newReader:   func() messageReader { return reader },
		concurrency: 1,
		logger:      zerolog.Nop(),
		maxAttempts: 1,
		retryDelay:  time.Millisecond,
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	called := false
	go func() {
		done <- c.Run(ctx, func(context.Context, ProcessImagePayload) error {
			called = true
			return nil
		})
	}()

	require.Eventually(t, func() bool {
		n, _ := reader.snapshot()
		return n == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, <-done)
	assert.False(t, called)
}

func TestTaskIDIsStablePerJob(t *testing.T) {
	assert.Equal(t, TaskID(42), TaskID(42))
	assert.NotEqual(t, TaskID(42), TaskID(43))
}
