package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

// Writer is the subset of *kafka.Writer the transport uses.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher writes encoded envelopes to a topic. Delivery retries are left to the
// writer's MaxAttempts; Options.Delay is not supported by Kafka and is ignored.
type Publisher struct {
	writer Writer
	cfg    ProducerConfig
}

var _ transport.Publisher = (*Publisher)(nil)

func NewPublisher(cfg ProducerConfig) (*Publisher, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid producer config: %w", err)
	}

	writer := &kafka.Writer{
		Addr:                   kafka.TCP(cfg.Brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequiredAcks(cfg.Acks),
		MaxAttempts:            cfg.Retries,
		WriteTimeout:           10 * time.Second,
		ReadTimeout:            10 * time.Second,
		AllowAutoTopicCreation: false,
		Async:                  false,
	}
	if cfg.Idempotent {
		writer.RequiredAcks = kafka.RequireAll
		writer.MaxAttempts = 10
	}
	return newPublisher(writer, cfg), nil
}

func newPublisher(w Writer, cfg ProducerConfig) *Publisher {
	cfg.setDefaults()
	return &Publisher{writer: w, cfg: cfg}
}

func (p *Publisher) Send(ctx context.Context, env *models.Envelope, opts transport.Options) error {
	msg, err := p.encode(env, opts)
	if err != nil {
		p.cfg.Metrics.IncPublishFailed()
		return err
	}
	return p.write(ctx, msg)
}

// SendBatch writes all entries with a single WriteMessages call. Encoding failures reject
// the batch before anything is written.
func (p *Publisher) SendBatch(ctx context.Context, entries []transport.Entry) error {
	msgs := make([]kafka.Message, 0, len(entries))
	for _, e := range entries {
		msg, err := p.encode(e.Envelope, e.Options)
		if err != nil {
			p.cfg.Metrics.IncPublishFailed()
			return err
		}
		msgs = append(msgs, msg)
	}
	return p.write(ctx, msgs...)
}

func (p *Publisher) Close() error {
	p.cfg.Logger.Info("Closing producer")
	if err := p.writer.Close(); err != nil {
		return fmt.Errorf("failed to close producer: %w", err)
	}
	return nil
}

func (p *Publisher) encode(env *models.Envelope, opts transport.Options) (kafka.Message, error) {
	body, err := p.cfg.Codec.Encode(env)
	if err != nil {
		return kafka.Message{}, err
	}
	msg := kafka.Message{
		Topic: p.cfg.Topic,
		Value: body,
		Time:  time.Now(),
		Headers: toHeaders(map[string]string{
			models.HeaderMessageID:    uuid.NewString(),
			models.HeaderRetryCount:   "0",
			models.HeaderEnvelopeType: string(env.Type()),
		}),
	}
	if opts.Key != "" {
		msg.Key = []byte(opts.Key)
	}
	return msg, nil
}

func (p *Publisher) write(ctx context.Context, msgs ...kafka.Message) error {
	if err := p.writer.WriteMessages(ctx, msgs...); err != nil {
		for range msgs {
			p.cfg.Metrics.IncPublishFailed()
		}
		p.cfg.Logger.WithError(err).WithField("count", len(msgs)).Error("Failed to publish messages")
		return fmt.Errorf("failed to publish %d message(s): %w", len(msgs), err)
	}
	for _, m := range msgs {
		p.cfg.Metrics.IncPublished()
		p.cfg.Logger.WithFields(logrus.Fields{
			"topic":      m.Topic,
			"message_id": headerValue(m.Headers, models.HeaderMessageID),
		}).Debug("Message published successfully")
	}
	return nil
}

func toHeaders(h map[string]string) []kafka.Header {
	out := make([]kafka.Header, 0, len(h))
	for k, v := range h {
		out = append(out, kafka.Header{Key: k, Value: []byte(v)})
	}
	return out
}

func headerMap(headers []kafka.Header) map[string]string {
	out := make(map[string]string, len(headers))
	for _, h := range headers {
		out[h.Key] = string(h.Value)
	}
	return out
}

func headerValue(headers []kafka.Header, key string) string {
	for _, h := range headers {
		if h.Key == key {
			return string(h.Value)
		}
	}
	return ""
}

// retryCount reads the retry-count header; a missing or invalid value counts as zero.
func retryCount(headers map[string]string) int {
	if v, ok := headers[models.HeaderRetryCount]; ok {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			return n
		}
	}
	return 0
}
