package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/observability"
	"go-dispatch/pkg/models"
)

// AnalyticsSink records one analytics event. at is the envelope timestamp.
type AnalyticsSink interface {
	Track(ctx context.Context, event models.AnalyticsData, at string) error
}

// LogSink records the event in the log and succeeds.
type LogSink struct {
	Logger *logrus.Logger
}

func (s LogSink) Track(_ context.Context, event models.AnalyticsData, at string) error {
	logger := s.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.WithFields(logrus.Fields{
		"event":      event.Event,
		"user_id":    event.UserID,
		"properties": event.Properties,
		"timestamp":  at,
	}).Info("Tracking analytics event")
	return nil
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaSink writes each event as JSON to an analytics topic, keyed by user so a
// user's events stay on one partition.
type KafkaSink struct {
	writer messageWriter
}

type analyticsRecord struct {
	Event      string         `json:"event"`
	Properties map[string]any `json:"properties"`
	UserID     string         `json:"userId,omitempty"`
	Timestamp  string         `json:"timestamp"`
}

func NewKafkaSink(brokers []string, topic string) *KafkaSink {
	return &KafkaSink{writer: &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Topic:                  topic,
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
	}}
}

func (s *KafkaSink) Track(ctx context.Context, event models.AnalyticsData, at string) error {
	value, err := json.Marshal(analyticsRecord{
		Event:      event.Event,
		Properties: event.Properties,
		UserID:     event.UserID,
		Timestamp:  at,
	})
	if err != nil {
		return fmt.Errorf("encode analytics event: %w", err)
	}
	msg := kafka.Message{Value: value, Time: time.Now()}
	if event.UserID != "" {
		msg.Key = []byte(event.UserID)
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write analytics event: %w", err)
	}
	return nil
}

func (s *KafkaSink) Close() error {
	return s.writer.Close()
}

// Analytics hands analytics envelopes to an AnalyticsSink.
type Analytics struct {
	base
	sink AnalyticsSink
}

func NewAnalytics(sink AnalyticsSink, opts ...Option) *Analytics {
	a := &Analytics{base: newBase(models.TagAnalytics, opts), sink: sink}
	if a.sink == nil {
		a.sink = LogSink{Logger: a.logger}
	}
	return a
}

func (a *Analytics) Process(ctx context.Context, env *models.Envelope) (err error) {
	if err := a.check(env); err != nil {
		return err
	}
	data, ok := env.Data().(models.AnalyticsData)
	if !ok {
		return a.mismatch(env)
	}
	start := time.Now()
	defer func() { a.done(start, err, map[string]any{"event": data.Event}) }()
	return a.sink.Track(ctx, data, env.Timestamp())
}
