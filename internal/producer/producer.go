package producer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/observability"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

// Clock supplies envelope timestamps. xclock.Clock satisfies it.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// Producer builds envelopes and hands them to a transport. It never retries or buffers.
type Producer struct {
	pub      transport.Publisher
	clock    Clock
	observer observability.Observer
	logger   *logrus.Logger
}

type Option func(*Producer)

func WithClock(c Clock) Option {
	return func(p *Producer) {
		if c != nil {
			p.clock = c
		}
	}
}

func WithObserver(o observability.Observer) Option {
	return func(p *Producer) {
		if o != nil {
			p.observer = o
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(p *Producer) {
		if l != nil {
			p.logger = l
		}
	}
}

func New(pub transport.Publisher, opts ...Option) (*Producer, error) {
	if pub == nil {
		return nil, errors.New("producer requires a publisher")
	}
	p := &Producer{
		pub:      pub,
		clock:    systemClock{},
		observer: observability.Nop,
		logger:   observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Send enqueues one envelope with a single transport call.
func (p *Producer) Send(ctx context.Context, env *models.Envelope, opts ...transport.Options) error {
	if env == nil {
		return errors.New("send: nil envelope")
	}
	var o transport.Options
	if len(opts) > 0 {
		o = opts[0]
	}

	start := time.Now()
	err := p.pub.Send(ctx, env, o)
	p.emit(env.Type(), start, err, nil)
	if err != nil {
		p.logger.WithError(err).WithField("type", env.Type()).Error("Failed to send message")
		return fmt.Errorf("send %s message: %w", env.Type(), err)
	}
	return nil
}

// SendBatch enqueues entries in order with a single transport call. An empty batch is a no-op.
func (p *Producer) SendBatch(ctx context.Context, entries []transport.Entry) error {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()
	err := p.pub.SendBatch(ctx, entries)
	p.emit("", start, err, map[string]any{"batch_size": len(entries)})
	if err != nil {
		p.logger.WithError(err).WithField("batch_size", len(entries)).Error("Failed to send batch")
		return fmt.Errorf("send batch of %d: %w", len(entries), err)
	}
	return nil
}

func (p *Producer) SendWebhook(ctx context.Context, data models.WebhookData, metadata map[string]string, opts ...transport.Options) error {
	return p.sendPayload(ctx, data, metadata, opts)
}

func (p *Producer) SendEmail(ctx context.Context, data models.EmailData, metadata map[string]string, opts ...transport.Options) error {
	return p.sendPayload(ctx, data, metadata, opts)
}

func (p *Producer) SendNotification(ctx context.Context, data models.NotificationData, metadata map[string]string, opts ...transport.Options) error {
	return p.sendPayload(ctx, data, metadata, opts)
}

func (p *Producer) SendTask(ctx context.Context, data models.TaskData, metadata map[string]string, opts ...transport.Options) error {
	return p.sendPayload(ctx, data, metadata, opts)
}

func (p *Producer) SendAnalytics(ctx context.Context, data models.AnalyticsData, metadata map[string]string, opts ...transport.Options) error {
	return p.sendPayload(ctx, data, metadata, opts)
}

func (p *Producer) SendCustom(ctx context.Context, data models.CustomData, metadata map[string]string, opts ...transport.Options) error {
	return p.sendPayload(ctx, data, metadata, opts)
}

func (p *Producer) sendPayload(ctx context.Context, payload models.Payload, metadata map[string]string, opts []transport.Options) error {
	env, err := models.NewEnvelope(payload, p.clock.Now(), metadata)
	if err != nil {
		return err
	}
	return p.Send(ctx, env, opts...)
}

func (p *Producer) emit(tag models.Tag, start time.Time, err error, fields map[string]any) {
	outcome := observability.OutcomePublished
	if err != nil {
		outcome = observability.OutcomePublishFailed
	}
	p.observer.OnEvent(observability.Event{
		Component: observability.ComponentProducer,
		Tag:       tag,
		Outcome:   outcome,
		Latency:   time.Since(start),
		Err:       err,
		Fields:    fields,
	})
}
