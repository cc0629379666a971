package kafka

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	kafka "github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

// Reader is the subset of *kafka.Reader the transport uses.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source consumes a topic through a consumer group with manual commits. Retries are
// republished to RetryTopic with an incremented retry-count header; messages past
// RetryMax go to DLQTopic.
//
// Each delivery commits its own offset when it is settled, so offsets within a partition
// are committed in completion order rather than offset order. A crash after a later
// offset was committed but before an earlier one was can lose the earlier message on
// restart.
type Source struct {
	reader   Reader
	pub      *Publisher
	cfg      ConsumerConfig
	deferred *transport.Deferred
}

var _ transport.Source = (*Source)(nil)

func NewSource(cfg ConsumerConfig, pub *Publisher) (*Source, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid consumer config: %w", err)
	}
	if pub == nil {
		return nil, errors.New("kafka source requires a publisher for retries")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.FetchMinBytes,
		MaxBytes:       cfg.FetchMaxBytes,
		CommitInterval: 0,
		StartOffset:    kafka.LastOffset,
	})
	return newSource(reader, pub, cfg), nil
}

func newSource(r Reader, pub *Publisher, cfg ConsumerConfig) *Source {
	cfg.setDefaults()
	return &Source{reader: r, pub: pub, cfg: cfg, deferred: transport.NewDeferred()}
}

// Receive fetches up to BatchSize messages. It waits MaxWait for the first one and Linger
// for each further one.
func (s *Source) Receive(ctx context.Context) ([]transport.Delivery, error) {
	first, err := s.fetch(ctx, s.cfg.MaxWait)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, nil
		}
		return nil, err
	}

	batch := []transport.Delivery{s.newDelivery(first)}
	for len(batch) < s.cfg.BatchSize {
		msg, err := s.fetch(ctx, s.cfg.Linger)
		if err != nil {
			break
		}
		batch = append(batch, s.newDelivery(msg))
	}
	return batch, nil
}

// Close republishes any retries still waiting out their delay, then closes the reader.
func (s *Source) Close() error {
	s.cfg.Logger.Info("Closing consumer")
	s.deferred.Flush()
	if err := s.reader.Close(); err != nil {
		return fmt.Errorf("failed to close consumer: %w", err)
	}
	return nil
}

func (s *Source) fetch(ctx context.Context, wait time.Duration) (kafka.Message, error) {
	fctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	return s.reader.FetchMessage(fctx)
}

func (s *Source) newDelivery(msg kafka.Message) *delivery {
	s.cfg.Metrics.IncReceived()
	headers := headerMap(msg.Headers)
	id := headers[models.HeaderMessageID]
	if id == "" {
		id = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	env, err := s.cfg.Codec.Decode(msg.Value)
	return &delivery{
		src:       s,
		msg:       msg,
		headers:   headers,
		id:        id,
		attempt:   retryCount(headers),
		env:       env,
		decodeErr: err,
	}
}

func (s *Source) commit(ctx context.Context, msg kafka.Message) error {
	if err := s.reader.CommitMessages(ctx, msg); err != nil {
		s.cfg.Logger.WithError(err).Error("Failed to commit message")
		return fmt.Errorf("commit offset %d: %w", msg.Offset, err)
	}
	return nil
}

type delivery struct {
	src       *Source
	msg       kafka.Message
	headers   map[string]string
	id        string
	attempt   int
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
		if err = d.src.commit(ctx, d.msg); err == nil {
			d.src.cfg.Metrics.IncAcked()
		}
	})
	return err
}

// Retry republishes the message with retry-count+1 (or to the DLQ once RetryMax is
// reached) and commits the original. The original stays uncommitted when the republish
// fails. A positive delay is waited out in the background and Retry returns at once;
// errors from that delayed republish are logged only.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	var err error
	d.once.Do(func() {
		switch {
		case d.attempt >= d.src.cfg.RetryMax:
			err = d.settle(ctx, d.sendToDLQ)
		case delay > 0:
			ctx := context.WithoutCancel(ctx)
			d.src.deferred.After(delay, func() {
				if err := d.settle(ctx, d.sendToRetry); err != nil {
					d.src.cfg.Logger.WithError(err).WithField("message_id", d.id).Warn("Delayed retry failed, offset left uncommitted")
				}
			})
		default:
			err = d.settle(ctx, d.sendToRetry)
		}
	})
	return err
}

func (d *delivery) settle(ctx context.Context, send func(context.Context) error) error {
	if err := send(ctx); err != nil {
		return err
	}
	return d.src.commit(ctx, d.msg)
}

func (d *delivery) sendToRetry(ctx context.Context) error {
	next := d.attempt + 1
	headers := copyHeaders(d.headers)
	headers[models.HeaderMessageID] = d.id
	headers[models.HeaderRetryCount] = strconv.Itoa(next)

	logger := d.src.cfg.Logger.WithFields(logrus.Fields{
		"topic":       d.src.cfg.RetryTopic,
		"retry_count": next,
		"message_id":  d.id,
	})
	err := d.src.pub.write(ctx, kafka.Message{
		Topic:   d.src.cfg.RetryTopic,
		Key:     d.msg.Key,
		Value:   d.msg.Value,
		Headers: toHeaders(headers),
		Time:    time.Now(),
	})
	if err != nil {
		logger.WithError(err).Error("Failed to send message to retry topic")
		return err
	}
	d.src.cfg.Metrics.IncRetried()
	logger.Info("Message sent to retry topic")
	return nil
}

func (d *delivery) sendToDLQ(ctx context.Context) error {
	if d.src.cfg.DLQTopic == "" {
		d.src.cfg.Logger.WithField("message_id", d.id).Warn("Retries exhausted and no DLQ configured, dropping message")
		return nil
	}
	headers := copyHeaders(d.headers)
	headers[models.HeaderMessageID] = d.id
	headers[models.HeaderOriginalTopic] = d.msg.Topic
	headers[models.HeaderProcessedAt] = time.Now().Format(time.RFC3339)
	if headers[models.HeaderFailureReason] == "" {
		headers[models.HeaderFailureReason] = fmt.Sprintf("retries exhausted after %d attempts", d.attempt+1)
	}

	err := d.src.pub.write(ctx, kafka.Message{
		Topic:   d.src.cfg.DLQTopic,
		Key:     d.msg.Key,
		Value:   d.msg.Value,
		Headers: toHeaders(headers),
		Time:    time.Now(),
	})
	if err != nil {
		d.src.cfg.Logger.WithError(err).WithField("topic", d.src.cfg.DLQTopic).Error("Failed to send message to DLQ")
		return err
	}
	d.src.cfg.Metrics.IncSentToDLQ()
	d.src.cfg.Logger.WithField("topic", d.src.cfg.DLQTopic).Info("Message sent to DLQ")
	return nil
}

func copyHeaders(in map[string]string) map[string]string {
	out := make(map[string]string, len(in)+3)
	for k, v := range in {
		out[k] = v
	}
	return out
}
