package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"go-dispatch/internal/observability"
)

// Transport names accepted by TRANSPORT.
const (
	TransportMemory = "memory"
	TransportKafka  = "kafka"
	TransportSQS    = "sqs"
	TransportRedis  = "redis"
)

type Config struct {
	Transport  string
	Kafka      KafkaConfig
	SQS        SQSConfig
	Redis      RedisConfig
	Logging    LoggingConfig
	Consumer   ConsumerConfig
	Processors ProcessorConfig
}

type KafkaConfig struct {
	Brokers       []string
	Topic         string
	GroupID       string
	DLQTopic      string
	RetryMax      int
	Acks          int
	Idempotent    bool
	FetchMinBytes int
	FetchMaxBytes int
}

type SQSConfig struct {
	QueueURL    string
	MaxMessages int
	WaitSeconds int
}

type RedisConfig struct {
	Addr             string
	Password         string
	DB               int
	Stream           string
	Group            string
	Consumer         string
	DeadLetterStream string
}

type LoggingConfig struct {
	Level string
}

type ConsumerConfig struct {
	BatchSize         int
	Workers           int
	ProcessingTimeout time.Duration
	MaxWait           time.Duration
	RetryMax          int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	DedupeTTL         time.Duration
}

type ProcessorConfig struct {
	WebhookTimeout      time.Duration
	SMTPHost            string
	SMTPPort            int
	SMTPUsername        string
	SMTPPassword        string
	NotifyRedisAddr     string
	NotifyChannelPrefix string
	AnalyticsTopic      string
}

// Load reads .env when present and then the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		observability.GetLogger().Warn("Warning: .env file not found, using process environment")
	}

	cfg := &Config{
		Transport: strings.ToLower(getEnv("TRANSPORT", TransportKafka)),
		Kafka: KafkaConfig{
			Brokers:       parseBrokers(getEnv("KAFKA_BROKERS", "localhost:9092")),
			Topic:         getEnv("KAFKA_TOPIC", "events"),
			GroupID:       getEnv("KAFKA_CONSUMER_GROUP_ID", "event-processor-group"),
			DLQTopic:      getEnv("KAFKA_DLQ_TOPIC", "events-dlq"),
			RetryMax:      getEnvInt("KAFKA_RETRY_MAX", 3),
			Acks:          parseAcks(getEnv("KAFKA_PRODUCER_ACKS", "all")),
			Idempotent:    getEnvBool("KAFKA_PRODUCER_IDEMPOTENT", true),
			FetchMinBytes: getEnvInt("KAFKA_FETCH_MIN_BYTES", 1024),
			FetchMaxBytes: getEnvInt("KAFKA_FETCH_MAX_BYTES", 10485760),
		},
		SQS: SQSConfig{
			QueueURL:    getEnv("SQS_QUEUE_URL", ""),
			MaxMessages: getEnvInt("SQS_MAX_MESSAGES", 10),
			WaitSeconds: getEnvInt("SQS_WAIT_SECONDS", 10),
		},
		Redis: RedisConfig{
			Addr:             getEnv("REDIS_ADDR", "localhost:6379"),
			Password:         getEnv("REDIS_PASSWORD", ""),
			DB:               getEnvInt("REDIS_DB", 0),
			Stream:           getEnv("REDIS_STREAM", "events"),
			Group:            getEnv("REDIS_GROUP", "dispatch"),
			Consumer:         getEnv("REDIS_CONSUMER", ""),
			DeadLetterStream: getEnv("REDIS_DEAD_LETTER_STREAM", "events-dead"),
		},
		Logging: LoggingConfig{
			Level: getEnv("LOG_LEVEL", "info"),
		},
		Consumer: ConsumerConfig{
			BatchSize:         getEnvInt("CONSUMER_BATCH_SIZE", 10),
			Workers:           getEnvInt("CONSUMER_WORKERS", 5),
			ProcessingTimeout: getEnvDuration("CONSUMER_PROCESSING_TIMEOUT", 30*time.Second),
			MaxWait:           getEnvDuration("CONSUMER_MAX_WAIT", time.Second),
			RetryMax:          getEnvInt("CONSUMER_RETRY_MAX", 3),
			InitialBackoff:    getEnvDuration("CONSUMER_RETRY_INITIAL_BACKOFF", time.Second),
			MaxBackoff:        getEnvDuration("CONSUMER_RETRY_MAX_BACKOFF", 30*time.Second),
			DedupeTTL:         getEnvDuration("CONSUMER_DEDUPE_TTL", time.Hour),
		},
		Processors: ProcessorConfig{
			WebhookTimeout:      getEnvDuration("WEBHOOK_TIMEOUT", 30*time.Second),
			SMTPHost:            getEnv("SMTP_HOST", ""),
			SMTPPort:            getEnvInt("SMTP_PORT", 587),
			SMTPUsername:        getEnv("SMTP_USERNAME", ""),
			SMTPPassword:        getEnv("SMTP_PASSWORD", ""),
			NotifyRedisAddr:     getEnv("NOTIFY_REDIS_ADDR", ""),
			NotifyChannelPrefix: getEnv("NOTIFY_CHANNEL_PREFIX", "notifications:"),
			AnalyticsTopic:      getEnv("ANALYTICS_KAFKA_TOPIC", ""),
		},
	}
	return cfg, nil
}

// Validate reports missing or invalid values for the selected transport.
func (c *Config) Validate() error {
	var errs []error
	switch c.Transport {
	case TransportMemory:
	case TransportKafka:
		if len(c.Kafka.Brokers) == 0 {
			errs = append(errs, errors.New("KAFKA_BROKERS cannot be empty"))
		}
		if c.Kafka.Topic == "" {
			errs = append(errs, errors.New("KAFKA_TOPIC cannot be empty"))
		}
		if c.Kafka.GroupID == "" {
			errs = append(errs, errors.New("KAFKA_CONSUMER_GROUP_ID cannot be empty"))
		}
		if c.Kafka.RetryMax < 0 {
			errs = append(errs, errors.New("KAFKA_RETRY_MAX cannot be negative"))
		}
	case TransportSQS:
		if c.SQS.QueueURL == "" {
			errs = append(errs, errors.New("SQS_QUEUE_URL cannot be empty"))
		}
		if c.SQS.MaxMessages < 1 || c.SQS.MaxMessages > 10 {
			errs = append(errs, fmt.Errorf("SQS_MAX_MESSAGES must be between 1 and 10, got %d", c.SQS.MaxMessages))
		}
		if c.SQS.WaitSeconds < 0 || c.SQS.WaitSeconds > 20 {
			errs = append(errs, fmt.Errorf("SQS_WAIT_SECONDS must be between 0 and 20, got %d", c.SQS.WaitSeconds))
		}
	case TransportRedis:
		if c.Redis.Addr == "" {
			errs = append(errs, errors.New("REDIS_ADDR cannot be empty"))
		}
		if c.Redis.Stream == "" {
			errs = append(errs, errors.New("REDIS_STREAM cannot be empty"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown TRANSPORT %q", c.Transport))
	}

	if c.Consumer.Workers < 0 {
		errs = append(errs, errors.New("CONSUMER_WORKERS cannot be negative"))
	}
	if c.Consumer.RetryMax < 0 {
		errs = append(errs, errors.New("CONSUMER_RETRY_MAX cannot be negative"))
	}
	if c.Consumer.MaxBackoff < c.Consumer.InitialBackoff {
		errs = append(errs, errors.New("CONSUMER_RETRY_MAX_BACKOFF cannot be less than the initial backoff"))
	}
	return errors.Join(errs...)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("1500ms") or plain seconds ("30").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if secs, err := strconv.Atoi(value); err == nil {
		return time.Duration(secs) * time.Second
	}
	return defaultValue
}

func parseBrokers(brokers string) []string {
	parts := strings.Split(brokers, ",")
	result := make([]string, 0, len(parts))
	for _, broker := range parts {
		if trimmed := strings.TrimSpace(broker); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

func parseAcks(acks string) int {
	switch strings.ToLower(acks) {
	case "all", "-1":
		return -1
	case "0":
		return 0
	case "1":
		return 1
	default:
		return -1 // default to all
	}
}
