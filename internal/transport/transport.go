package transport

import (
	"context"
	"time"

	"go-dispatch/pkg/models"
)

// Options tune a single enqueue.
type Options struct {
	// Delay postpones the first delivery. Transports without delayed delivery ignore it.
	Delay time.Duration
	// Key is the partitioning key where the transport has one (Kafka message key).
	Key string
}

// Entry is one element of a batch enqueue.
type Entry struct {
	Envelope *models.Envelope
	Options  Options
}

// Publisher is the producer side of a transport. Send and SendBatch each map to exactly
// one call against the backing broker.
type Publisher interface {
	Send(ctx context.Context, env *models.Envelope, opts Options) error
	SendBatch(ctx context.Context, entries []Entry) error
	Close() error
}

// Delivery is one delivered message. Ack and Retry are idempotent; the first call wins.
//
// Deliveries of one batch may be settled in any order. On offset-based transports (Kafka)
// each settle commits that message's offset, so a later offset can be committed before an
// earlier one still in flight; if the process dies in between, the earlier message is not
// redelivered. Queue-based transports (SQS, Redis streams, memory) settle per message and
// are unaffected.
type Delivery interface {
	// ID is the transport message identifier, stable across redeliveries where the transport allows it.
	ID() string
	// Attempt is the zero-based delivery attempt.
	Attempt() int
	// Envelope returns the decoded envelope, or an error wrapping failure.ErrMalformedEnvelope.
	Envelope() (*models.Envelope, error)
	// Ack marks the message as consumed; it is never redelivered.
	Ack(ctx context.Context) error
	// Retry schedules redelivery after delay, subject to the transport's own retry budget.
	// It must not block for delay.
	Retry(ctx context.Context, delay time.Duration) error
}

// Source is the consumer side of a transport.
type Source interface {
	// Receive blocks until at least one message is available, the transport's wait time
	// elapses (empty batch), or ctx is done.
	Receive(ctx context.Context) ([]Delivery, error)
	Close() error
}

// SleepContext waits for d or until ctx is done.
func SleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
