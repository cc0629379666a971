package memory

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"go-dispatch/internal/codec"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

// ErrClosed is returned by operations on a closed transport.
var ErrClosed = errors.New("memory transport is closed")

// Config controls memory transport behavior.
type Config struct {
	// BufferSize is the queue capacity (default: 1024).
	BufferSize int
	// BatchSize caps the number of deliveries per Receive (default: 10).
	BatchSize int
	// MaxWait bounds how long Receive waits for the first message (default: 1s).
	MaxWait time.Duration
	// MaxRetries is the number of redeliveries before a message is dead-lettered
	// (default: 3, negative: dead-letter on the first failure).
	MaxRetries int
	Metrics    observability.MetricsCollector
	Codec      *codec.Codec
}

// DeadLetter is a message that exhausted its retries.
type DeadLetter struct {
	ID       string
	Body     []byte
	Attempts int
}

// Transport is an in-process queue implementing both transport.Publisher and transport.Source.
// Messages go through the wire codec so delivery sees exactly what a broker would carry.
type Transport struct {
	cfg   Config
	queue chan *record

	closed  atomic.Bool
	done    chan struct{}
	closeMu sync.Mutex
	timers  sync.WaitGroup

	mu   sync.Mutex
	dead []DeadLetter
}

type record struct {
	id      string
	body    []byte
	attempt int
}

var (
	_ transport.Publisher = (*Transport)(nil)
	_ transport.Source    = (*Transport)(nil)
)

func New(cfg Config) *Transport {
	if cfg.BufferSize < 1 {
		cfg.BufferSize = 1024
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	} else if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}
	return &Transport{
		cfg:   cfg,
		queue: make(chan *record, cfg.BufferSize),
		done:  make(chan struct{}),
	}
}

// Send encodes env and enqueues it, honoring opts.Delay.
func (t *Transport) Send(ctx context.Context, env *models.Envelope, opts transport.Options) error {
	if t.closed.Load() {
		return ErrClosed
	}
	body, err := t.cfg.Codec.Encode(env)
	if err != nil {
		t.cfg.Metrics.IncPublishFailed()
		return err
	}
	rec := &record{id: uuid.NewString(), body: body}
	if err := t.enqueue(ctx, rec, opts.Delay); err != nil {
		t.cfg.Metrics.IncPublishFailed()
		return err
	}
	t.cfg.Metrics.IncPublished()
	return nil
}

// SendBatch encodes every entry before enqueueing any, so a bad entry rejects the whole batch.
func (t *Transport) SendBatch(ctx context.Context, entries []transport.Entry) error {
	if t.closed.Load() {
		return ErrClosed
	}
	recs := make([]*record, len(entries))
	for i, e := range entries {
		body, err := t.cfg.Codec.Encode(e.Envelope)
		if err != nil {
			t.cfg.Metrics.IncPublishFailed()
			return err
		}
		recs[i] = &record{id: uuid.NewString(), body: body}
	}
	for i, rec := range recs {
		if err := t.enqueue(ctx, rec, entries[i].Options.Delay); err != nil {
			t.cfg.Metrics.IncPublishFailed()
			return err
		}
		t.cfg.Metrics.IncPublished()
	}
	return nil
}

// Receive waits up to MaxWait for the first message, then drains up to BatchSize.
func (t *Transport) Receive(ctx context.Context) ([]transport.Delivery, error) {
	if t.closed.Load() {
		return nil, ErrClosed
	}

	timer := time.NewTimer(t.cfg.MaxWait)
	defer timer.Stop()

	var first *record
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-t.done:
		return nil, ErrClosed
	case <-timer.C:
		return nil, nil
	case first = <-t.queue:
	}

	batch := []transport.Delivery{t.newDelivery(first)}
	for len(batch) < t.cfg.BatchSize {
		select {
		case rec := <-t.queue:
			batch = append(batch, t.newDelivery(rec))
		default:
			return batch, nil
		}
	}
	return batch, nil
}

// Close stops pending delayed redeliveries. Queued messages are discarded.
func (t *Transport) Close() error {
	t.closeMu.Lock()
	if t.closed.Swap(true) {
		t.closeMu.Unlock()
		return nil
	}
	close(t.done)
	t.closeMu.Unlock()
	t.timers.Wait()
	return nil
}

// Pending reports the number of queued messages.
func (t *Transport) Pending() int {
	return len(t.queue)
}

// DeadLetters returns the messages that exhausted their retries.
func (t *Transport) DeadLetters() []DeadLetter {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]DeadLetter, len(t.dead))
	copy(out, t.dead)
	return out
}

func (t *Transport) enqueue(ctx context.Context, rec *record, delay time.Duration) error {
	if delay <= 0 {
		select {
		case t.queue <- rec:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-t.done:
			return ErrClosed
		}
	}

	t.closeMu.Lock()
	if t.closed.Load() {
		t.closeMu.Unlock()
		return ErrClosed
	}
	t.timers.Add(1)
	t.closeMu.Unlock()
	go func() {
		defer t.timers.Done()
		timer := time.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
			select {
			case t.queue <- rec:
			case <-t.done:
			}
		case <-t.done:
		}
	}()
	return nil
}

func (t *Transport) deadLetter(rec *record) {
	t.mu.Lock()
	t.dead = append(t.dead, DeadLetter{ID: rec.id, Body: rec.body, Attempts: rec.attempt + 1})
	t.mu.Unlock()
	t.cfg.Metrics.IncSentToDLQ()
}

func (t *Transport) newDelivery(rec *record) *delivery {
	t.cfg.Metrics.IncReceived()
	env, err := t.cfg.Codec.Decode(rec.body)
	return &delivery{t: t, rec: rec, env: env, decodeErr: err}
}

type delivery struct {
	t         *Transport
	rec       *record
	env       *models.Envelope
	decodeErr error
	once      sync.Once
}

func (d *delivery) ID() string   { return d.rec.id }
func (d *delivery) Attempt() int { return d.rec.attempt }

func (d *delivery) Envelope() (*models.Envelope, error) {
	return d.env, d.decodeErr
}

func (d *delivery) Ack(_ context.Context) error {
	d.once.Do(func() {
		d.t.cfg.Metrics.IncAcked()
	})
	return nil
}

// Retry requeues the message with the next attempt number, or dead-letters it once
// MaxRetries redeliveries have been used.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	var err error
	d.once.Do(func() {
		if d.rec.attempt >= d.t.cfg.MaxRetries {
			d.t.deadLetter(d.rec)
			return
		}
		d.t.cfg.Metrics.IncRetried()
		next := &record{id: d.rec.id, body: d.rec.body, attempt: d.rec.attempt + 1}
		err = d.t.enqueue(ctx, next, delay)
	})
	return err
}
