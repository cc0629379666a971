package redisstream

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/codec"
	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

// Stream entry fields.
const (
	fieldID      = "id"
	fieldType    = "type"
	fieldPayload = "payload"
	fieldAttempt = "attempt"
	fieldError   = "error"
	fieldOrigin  = "orig_stream"
)

type Config struct {
	Stream   string
	Group    string
	Consumer string
	// DeadLetter is the stream that receives messages past MaxRetries. Empty drops them.
	DeadLetter string
	// BatchSize is the XREADGROUP COUNT (default: 10).
	BatchSize int
	// Block is the XREADGROUP BLOCK timeout (default: 1s).
	Block time.Duration
	// MaxRetries is the number of redeliveries before dead-lettering (default: 3).
	MaxRetries   int
	MaxLenApprox int64
	Metrics      observability.MetricsCollector
	Logger       *logrus.Logger
	Codec        *codec.Codec
}

// Transport publishes to and consumes from one Redis stream through a consumer group.
// Options.Delay is not supported on publish; Retry honors its delay by re-adding the
// entry in the background once the delay has passed. Until then the original entry stays
// in the group's pending list.
type Transport struct {
	client   redis.UniversalClient
	cfg      Config
	deferred *transport.Deferred

	groupMu    sync.Mutex
	groupReady bool
}

var (
	_ transport.Publisher     = (*Transport)(nil)
	_ transport.Source        = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)

func New(client redis.UniversalClient, cfg Config) (*Transport, error) {
	if client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.Stream == "" {
		return nil, errors.New("redis stream is required")
	}
	if cfg.Group == "" {
		cfg.Group = "dispatch"
	}
	if cfg.Consumer == "" {
		cfg.Consumer = "dispatch-" + uuid.NewString()[:8]
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 10
	}
	if cfg.Block <= 0 {
		cfg.Block = time.Second
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 3
	} else if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}
	return &Transport{client: client, cfg: cfg, deferred: transport.NewDeferred()}, nil
}

func (t *Transport) Send(ctx context.Context, env *models.Envelope, _ transport.Options) error {
	args, err := t.entry(env)
	if err != nil {
		t.cfg.Metrics.IncPublishFailed()
		return err
	}
	if err := t.client.XAdd(ctx, args).Err(); err != nil {
		t.cfg.Metrics.IncPublishFailed()
		return fmt.Errorf("xadd %s: %w", t.cfg.Stream, err)
	}
	t.cfg.Metrics.IncPublished()
	return nil
}

// SendBatch pipelines one XADD per entry into a single round trip.
func (t *Transport) SendBatch(ctx context.Context, entries []transport.Entry) error {
	args := make([]*redis.XAddArgs, 0, len(entries))
	for _, e := range entries {
		a, err := t.entry(e.Envelope)
		if err != nil {
			t.cfg.Metrics.IncPublishFailed()
			return err
		}
		args = append(args, a)
	}

	pipe := t.client.Pipeline()
	for _, a := range args {
		pipe.XAdd(ctx, a)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		for range args {
			t.cfg.Metrics.IncPublishFailed()
		}
		return fmt.Errorf("xadd batch of %d to %s: %w", len(args), t.cfg.Stream, err)
	}
	for range args {
		t.cfg.Metrics.IncPublished()
	}
	return nil
}

// Receive reads new entries for this consumer, creating the group on first use.
func (t *Transport) Receive(ctx context.Context) ([]transport.Delivery, error) {
	if err := t.ensureGroup(ctx); err != nil {
		return nil, err
	}
	res, err := t.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    t.cfg.Group,
		Consumer: t.cfg.Consumer,
		Streams:  []string{t.cfg.Stream, ">"},
		Count:    int64(t.cfg.BatchSize),
		Block:    t.cfg.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", t.cfg.Stream, err)
	}

	var batch []transport.Delivery
	for _, stream := range res {
		for _, msg := range stream.Messages {
			t.cfg.Metrics.IncReceived()
			batch = append(batch, t.newDelivery(msg))
		}
	}
	return batch, nil
}

// Close requeues any retries still waiting out their delay, then closes the client.
func (t *Transport) Close() error {
	t.deferred.Flush()
	return t.client.Close()
}

func (t *Transport) HealthCheck(ctx context.Context) error {
	if err := t.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

func (t *Transport) ensureGroup(ctx context.Context) error {
	t.groupMu.Lock()
	defer t.groupMu.Unlock()
	if t.groupReady {
		return nil
	}
	// "0" so entries added before the group existed are still delivered.
	err := t.client.XGroupCreateMkStream(ctx, t.cfg.Stream, t.cfg.Group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create group %s on %s: %w", t.cfg.Group, t.cfg.Stream, err)
	}
	t.groupReady = true
	return nil
}

func (t *Transport) entry(env *models.Envelope) (*redis.XAddArgs, error) {
	body, err := t.cfg.Codec.Encode(env)
	if err != nil {
		return nil, err
	}
	return t.xadd(t.cfg.Stream, map[string]any{
		fieldID:      uuid.NewString(),
		fieldType:    string(env.Type()),
		fieldPayload: body,
		fieldAttempt: 0,
	}), nil
}

func (t *Transport) xadd(stream string, values map[string]any) *redis.XAddArgs {
	args := &redis.XAddArgs{Stream: stream, ID: "*", Values: values}
	if t.cfg.MaxLenApprox > 0 {
		args.MaxLen = t.cfg.MaxLenApprox
		args.Approx = true
	}
	return args
}

func (t *Transport) newDelivery(msg redis.XMessage) *delivery {
	d := &delivery{t: t, entryID: msg.ID, id: asString(msg.Values[fieldID])}
	if d.id == "" {
		d.id = msg.ID
	}
	if n, err := strconv.Atoi(asString(msg.Values[fieldAttempt])); err == nil && n > 0 {
		d.attempt = n
	}
	raw, ok := msg.Values[fieldPayload]
	if !ok {
		d.decodeErr = failure.Permanent(fmt.Errorf("%w: entry %s has no payload", failure.ErrMalformedEnvelope, msg.ID))
		return d
	}
	d.payload = asString(raw)
	d.env, d.decodeErr = t.cfg.Codec.Decode([]byte(d.payload))
	return d
}

type delivery struct {
	t         *Transport
	entryID   string
	id        string
	attempt   int
	payload   string
	env       *models.Envelope
	decodeErr error
	once      sync.Once
}

func (d *delivery) ID() string   { return d.id }
func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Envelope() (*models.Envelope, error) {
	return d.env, d.decodeErr
}

func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		err = d.t.client.XAck(ctx, d.t.cfg.Stream, d.t.cfg.Group, d.entryID).Err()
		if err != nil {
			err = fmt.Errorf("xack %s: %w", d.entryID, err)
			return
		}
		d.t.cfg.Metrics.IncAcked()
	})
	return err
}

// Retry re-adds the entry with attempt+1 and acks the original in one MULTI. Past
// MaxRetries the entry moves to the dead-letter stream instead. A positive delay is
// waited out in the background and Retry returns at once; a failed delayed requeue is
// logged and leaves the original pending.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	var err error
	d.once.Do(func() {
		switch {
		case d.attempt >= d.t.cfg.MaxRetries:
			err = d.deadLetter(ctx)
		case delay > 0:
			ctx := context.WithoutCancel(ctx)
			d.t.deferred.After(delay, func() {
				if err := d.requeue(ctx); err != nil {
					d.t.cfg.Logger.WithError(err).WithField("message_id", d.id).Warn("Delayed retry failed, entry left pending")
				}
			})
		default:
			err = d.requeue(ctx)
		}
	})
	return err
}

func (d *delivery) requeue(ctx context.Context) error {
	_, err := d.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, d.t.xadd(d.t.cfg.Stream, d.values(d.attempt+1)))
		pipe.XAck(ctx, d.t.cfg.Stream, d.t.cfg.Group, d.entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("requeue %s: %w", d.entryID, err)
	}
	d.t.cfg.Metrics.IncRetried()
	return nil
}

func (d *delivery) deadLetter(ctx context.Context) error {
	logger := d.t.cfg.Logger.WithFields(logrus.Fields{"message_id": d.id, "attempt": d.attempt})
	if d.t.cfg.DeadLetter == "" {
		logger.Warn("Retries exhausted and no dead-letter stream configured, dropping message")
		return d.t.client.XAck(ctx, d.t.cfg.Stream, d.t.cfg.Group, d.entryID).Err()
	}
	values := d.values(d.attempt)
	values[fieldOrigin] = d.t.cfg.Stream
	values[fieldError] = fmt.Sprintf("retries exhausted after %d attempts", d.attempt+1)

	_, err := d.t.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.XAdd(ctx, &redis.XAddArgs{Stream: d.t.cfg.DeadLetter, ID: "*", Values: values})
		pipe.XAck(ctx, d.t.cfg.Stream, d.t.cfg.Group, d.entryID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("dead-letter %s: %w", d.entryID, err)
	}
	d.t.cfg.Metrics.IncSentToDLQ()
	logger.WithField("stream", d.t.cfg.DeadLetter).Info("Message sent to dead-letter stream")
	return nil
}

func (d *delivery) values(attempt int) map[string]any {
	v := map[string]any{
		fieldID:      d.id,
		fieldPayload: d.payload,
		fieldAttempt: attempt,
	}
	if d.env != nil {
		v[fieldType] = string(d.env.Type())
	}
	return v
}

func asString(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	case []byte:
		return string(s)
	default:
		return fmt.Sprintf("%v", s)
	}
}
