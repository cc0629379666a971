package kafka

import (
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/codec"
	"go-dispatch/internal/observability"
)

type ProducerConfig struct {
	Brokers []string
	Topic   string
	// Acks is -1 for all, 0 for none, 1 for leader.
	Acks       int
	Retries    int
	Idempotent bool
	Metrics    observability.MetricsCollector
	Logger     *logrus.Logger
	Codec      *codec.Codec
}

type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// RetryTopic receives redeliveries (default: Topic).
	RetryTopic string
	// DLQTopic receives messages past RetryMax. Empty drops them after logging.
	DLQTopic string
	RetryMax int
	// BatchSize caps deliveries per Receive (default: 10).
	BatchSize int
	// MaxWait bounds the wait for the first message of a batch (default: 1s).
	MaxWait time.Duration
	// Linger bounds the wait for each further message of a batch (default: 50ms).
	Linger        time.Duration
	FetchMinBytes int
	FetchMaxBytes int
	Metrics       observability.MetricsCollector
	Logger        *logrus.Logger
	Codec         *codec.Codec
}

func (c *ProducerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if c.Retries < 0 {
		return errors.New("retries cannot be negative")
	}
	return nil
}

func (c *ConsumerConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("brokers cannot be empty")
	}
	if c.Topic == "" {
		return errors.New("topic cannot be empty")
	}
	if c.GroupID == "" {
		return errors.New("groupID cannot be empty")
	}
	if c.RetryMax < 0 {
		return errors.New("retryMax cannot be negative")
	}
	if c.MaxWait < 0 {
		return errors.New("maxWait cannot be negative")
	}
	return nil
}

func (c *ProducerConfig) setDefaults() {
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
	if c.Logger == nil {
		c.Logger = observability.GetLogger()
	}
	if c.Codec == nil {
		c.Codec = codec.Default()
	}
}

func (c *ConsumerConfig) setDefaults() {
	if c.RetryTopic == "" {
		c.RetryTopic = c.Topic
	}
	if c.BatchSize < 1 {
		c.BatchSize = 10
	}
	if c.MaxWait == 0 {
		c.MaxWait = time.Second
	}
	if c.Linger <= 0 {
		c.Linger = 50 * time.Millisecond
	}
	if c.Metrics == nil {
		c.Metrics = observability.NewInMemoryMetrics()
	}
	if c.Logger == nil {
		c.Logger = observability.GetLogger()
	}
	if c.Codec == nil {
		c.Codec = codec.Default()
	}
}
