package kafka

import (
	"context"
	"fmt"
	"sync"

	kafka "github.com/segmentio/kafka-go"
)

// MockWriter is an in-memory Writer for tests.
type MockWriter struct {
	mu                sync.RWMutex
	Written           []kafka.Message
	WriteMessagesFunc func(ctx context.Context, msgs ...kafka.Message) error
	FailCount         int
	failureCounter    int
	calls             int
}

func NewMockWriter() *MockWriter {
	return &MockWriter{}
}

func (m *MockWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++

	if m.WriteMessagesFunc != nil {
		return m.WriteMessagesFunc(ctx, msgs...)
	}
	if m.FailCount > 0 {
		m.failureCounter++
		if m.failureCounter <= m.FailCount {
			return fmt.Errorf("simulated write failure %d", m.failureCounter)
		}
	}
	m.Written = append(m.Written, msgs...)
	return nil
}

func (m *MockWriter) Close() error { return nil }

func (m *MockWriter) Messages() []kafka.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]kafka.Message, len(m.Written))
	copy(out, m.Written)
	return out
}

// Calls reports how many WriteMessages calls were made.
func (m *MockWriter) Calls() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.calls
}

// MockReader serves queued messages and records commits.
type MockReader struct {
	mu        sync.Mutex
	queue     chan kafka.Message
	committed []kafka.Message
	CommitErr error
}

func NewMockReader(msgs ...kafka.Message) *MockReader {
	r := &MockReader{queue: make(chan kafka.Message, len(msgs)+64)}
	for _, m := range msgs {
		r.queue <- m
	}
	return r
}

func (r *MockReader) Push(msg kafka.Message) {
	r.queue <- msg
}

func (r *MockReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	select {
	case <-ctx.Done():
		return kafka.Message{}, ctx.Err()
	case m := <-r.queue:
		return m, nil
	}
}

func (r *MockReader) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.CommitErr != nil {
		return r.CommitErr
	}
	r.committed = append(r.committed, msgs...)
	return nil
}

func (r *MockReader) Close() error { return nil }

func (r *MockReader) Committed() []kafka.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]kafka.Message, len(r.committed))
	copy(out, r.committed)
	return out
}
