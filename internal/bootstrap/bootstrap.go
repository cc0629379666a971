// Package bootstrap wires configuration into transports and router dependencies.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/config"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/processor"
	"go-dispatch/internal/router"
	"go-dispatch/internal/transport"
	"go-dispatch/internal/transport/kafka"
	"go-dispatch/internal/transport/memory"
	"go-dispatch/internal/transport/redisstream"
	"go-dispatch/internal/transport/sqs"
)

// Endpoint is an opened transport. Source is nil when opened for publishing only;
// Health is nil for the memory transport.
type Endpoint struct {
	Publisher transport.Publisher
	Source    transport.Source
	Health    transport.HealthChecker

	closers []func() error
}

// Close releases resources in reverse order of acquisition.
func (e *Endpoint) Close() error {
	var errs []error
	for i := len(e.closers) - 1; i >= 0; i-- {
		if err := e.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	e.closers = nil
	return errors.Join(errs...)
}

func (e *Endpoint) onClose(fn func() error) {
	e.closers = append(e.closers, fn)
}

// OpenPublisher opens the configured transport for publishing.
func OpenPublisher(ctx context.Context, cfg *config.Config, metrics observability.MetricsCollector, logger *logrus.Logger) (*Endpoint, error) {
	return open(ctx, cfg, metrics, logger, false)
}

// OpenSource opens the configured transport for consuming. The endpoint's Publisher is the
// one retries are republished through, where the transport needs one.
func OpenSource(ctx context.Context, cfg *config.Config, metrics observability.MetricsCollector, logger *logrus.Logger) (*Endpoint, error) {
	return open(ctx, cfg, metrics, logger, true)
}

func open(ctx context.Context, cfg *config.Config, metrics observability.MetricsCollector, logger *logrus.Logger, consume bool) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	if logger == nil {
		logger = observability.GetLogger()
	}

	e := &Endpoint{}
	var err error
	switch cfg.Transport {
	case config.TransportMemory:
		err = openMemory(e, cfg, metrics)
	case config.TransportKafka:
		err = openKafka(e, cfg, metrics, logger, consume)
	case config.TransportSQS:
		err = openSQS(ctx, e, cfg, metrics, logger)
	case config.TransportRedis:
		err = openRedis(e, cfg, metrics, logger)
	default:
		err = fmt.Errorf("unknown transport %q", cfg.Transport)
	}
	if err != nil {
		_ = e.Close()
		return nil, err
	}
	if !consume {
		e.Source = nil
	}
	logger.WithFields(logrus.Fields{"transport": cfg.Transport, "consume": consume}).Info("Transport opened")
	return e, nil
}

func openMemory(e *Endpoint, cfg *config.Config, metrics observability.MetricsCollector) error {
	t := memory.New(memory.Config{
		BatchSize:  cfg.Consumer.BatchSize,
		MaxWait:    cfg.Consumer.MaxWait,
		MaxRetries: cfg.Consumer.RetryMax,
		Metrics:    metrics,
	})
	e.Publisher, e.Source = t, t
	e.onClose(t.Close)
	return nil
}

func openKafka(e *Endpoint, cfg *config.Config, metrics observability.MetricsCollector, logger *logrus.Logger, consume bool) error {
	pub, err := kafka.NewPublisher(kafka.ProducerConfig{
		Brokers:    cfg.Kafka.Brokers,
		Topic:      cfg.Kafka.Topic,
		Acks:       cfg.Kafka.Acks,
		Idempotent: cfg.Kafka.Idempotent,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		return err
	}
	e.Publisher = pub
	e.Health = kafka.NewClient(cfg.Kafka.Brokers)
	e.onClose(pub.Close)
	if !consume {
		return nil
	}

	src, err := kafka.NewSource(kafka.ConsumerConfig{
		Brokers:       cfg.Kafka.Brokers,
		Topic:         cfg.Kafka.Topic,
		GroupID:       cfg.Kafka.GroupID,
		DLQTopic:      cfg.Kafka.DLQTopic,
		RetryMax:      cfg.Kafka.RetryMax,
		BatchSize:     cfg.Consumer.BatchSize,
		MaxWait:       cfg.Consumer.MaxWait,
		FetchMinBytes: cfg.Kafka.FetchMinBytes,
		FetchMaxBytes: cfg.Kafka.FetchMaxBytes,
		Metrics:       metrics,
		Logger:        logger,
	}, pub)
	if err != nil {
		return err
	}
	e.Source = src
	e.onClose(src.Close)
	return nil
}

func openSQS(ctx context.Context, e *Endpoint, cfg *config.Config, metrics observability.MetricsCollector, logger *logrus.Logger) error {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return fmt.Errorf("load aws config: %w", err)
	}
	t, err := sqs.New(awssqs.NewFromConfig(awsCfg), sqs.Config{
		QueueURL:    cfg.SQS.QueueURL,
		MaxMessages: int32(cfg.SQS.MaxMessages),
		WaitSeconds: int32(cfg.SQS.WaitSeconds),
		Metrics:     metrics,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	e.Publisher, e.Source, e.Health = t, t, t
	e.onClose(t.Close)
	return nil
}

func openRedis(e *Endpoint, cfg *config.Config, metrics observability.MetricsCollector, logger *logrus.Logger) error {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	t, err := redisstream.New(client, redisstream.Config{
		Stream:     cfg.Redis.Stream,
		Group:      cfg.Redis.Group,
		Consumer:   cfg.Redis.Consumer,
		DeadLetter: cfg.Redis.DeadLetterStream,
		BatchSize:  cfg.Consumer.BatchSize,
		Block:      cfg.Consumer.MaxWait,
		MaxRetries: cfg.Consumer.RetryMax,
		Metrics:    metrics,
		Logger:     logger,
	})
	if err != nil {
		_ = client.Close()
		return err
	}
	e.Publisher, e.Source, e.Health = t, t, t
	e.onClose(t.Close)
	return nil
}

// Router builds the router with the processor integrations the configuration enables.
// Integrations left unconfigured fall back to the log-only implementations.
func Router(cfg *config.Config, metrics *observability.InMemoryMetrics, logger *logrus.Logger) (*router.Router, func() error) {
	if metrics == nil {
		metrics = observability.NewInMemoryMetrics()
	}
	if logger == nil {
		logger = observability.GetLogger()
	}
	p := cfg.Processors
	var closers []func() error

	opts := []router.Option{
		router.WithHTTPClient(&http.Client{Timeout: p.WebhookTimeout}),
		router.WithObserver(observability.Multi(metrics, observability.LogObserver{Logger: logger})),
		router.WithMetrics(metrics),
		router.WithLogger(logger),
	}
	if p.SMTPHost != "" {
		opts = append(opts, router.WithMailer(processor.NewSMTPMailer(p.SMTPHost, p.SMTPPort, p.SMTPUsername, p.SMTPPassword)))
	}
	if p.NotifyRedisAddr != "" {
		client := redis.NewClient(&redis.Options{Addr: p.NotifyRedisAddr})
		closers = append(closers, client.Close)
		opts = append(opts, router.WithNotifier(processor.NewRedisNotifier(client, p.NotifyChannelPrefix)))
	}
	if p.AnalyticsTopic != "" {
		sink := processor.NewKafkaSink(cfg.Kafka.Brokers, p.AnalyticsTopic)
		closers = append(closers, sink.Close)
		opts = append(opts, router.WithAnalyticsSink(sink))
	}

	closeAll := func() error {
		var errs []error
		for _, c := range closers {
			if err := c(); err != nil {
				errs = append(errs, err)
			}
		}
		return errors.Join(errs...)
	}
	return router.New(opts...), closeAll
}
