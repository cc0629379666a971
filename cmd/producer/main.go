package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/trickstertwo/xclock"

	"go-dispatch/internal/bootstrap"
	"go-dispatch/internal/config"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/producer"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

type metadataFlag map[string]string

func (m metadataFlag) String() string {
	parts := make([]string, 0, len(m))
	for k, v := range m {
		parts = append(parts, k+"="+v)
	}
	return strings.Join(parts, ",")
}

func (m metadataFlag) Set(s string) error {
	k, v, ok := strings.Cut(s, "=")
	if !ok || k == "" {
		return fmt.Errorf("metadata must be key=value, got %q", s)
	}
	m[k] = v
	return nil
}

func main() {
	tag := flag.String("tag", string(models.TagAnalytics), "envelope type: webhook|email|notification|task|analytics|custom")
	data := flag.String("data", "", "payload JSON (a sample payload is used when empty)")
	key := flag.String("key", "", "partition / message group key")
	delay := flag.Duration("delay", 0, "delivery delay, where the transport supports it")
	metadata := metadataFlag{}
	flag.Var(metadata, "meta", "metadata key=value (repeatable)")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	observability.InitLogger(cfg.Logging.Level)
	logger := observability.GetLogger()

	payload, err := buildPayload(models.Tag(*tag), *data)
	if err != nil {
		logger.WithError(err).Fatal("Invalid payload")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	metrics := observability.NewInMemoryMetrics()
	endpoint, err := bootstrap.OpenPublisher(ctx, cfg, metrics, logger)
	if err != nil {
		logger.WithError(err).Fatal("Failed to open transport")
	}
	defer endpoint.Close()

	p, err := producer.New(endpoint.Publisher,
		producer.WithClock(xclock.Default()),
		producer.WithObserver(observability.LogObserver{Logger: logger}),
		producer.WithLogger(logger),
	)
	if err != nil {
		logger.WithError(err).Fatal("Failed to create producer")
	}

	if err := send(ctx, p, payload, metadata, transport.Options{Key: *key, Delay: *delay}); err != nil {
		logger.WithError(err).Error("Send message failed")
		endpoint.Close()
		os.Exit(1)
	}
	logger.WithField("type", payload.Tag()).Info("Send message success")
}

func send(ctx context.Context, p *producer.Producer, payload models.Payload, metadata map[string]string, opts transport.Options) error {
	switch d := payload.(type) {
	case models.WebhookData:
		return p.SendWebhook(ctx, d, metadata, opts)
	case models.EmailData:
		return p.SendEmail(ctx, d, metadata, opts)
	case models.NotificationData:
		return p.SendNotification(ctx, d, metadata, opts)
	case models.TaskData:
		return p.SendTask(ctx, d, metadata, opts)
	case models.AnalyticsData:
		return p.SendAnalytics(ctx, d, metadata, opts)
	case models.CustomData:
		return p.SendCustom(ctx, d, metadata, opts)
	}
	return fmt.Errorf("unsupported payload %T", payload)
}

func buildPayload(tag models.Tag, data string) (models.Payload, error) {
	if !tag.Valid() {
		return nil, fmt.Errorf("unknown tag %q", tag)
	}
	if data != "" {
		return models.ParsePayload(tag, []byte(data))
	}
	return samplePayload(tag), nil
}

func samplePayload(tag models.Tag) models.Payload {
	switch tag {
	case models.TagWebhook:
		return models.WebhookData{
			URL:     "https://httpbin.org/post",
			Method:  "POST",
			Headers: map[string]string{"Content-Type": "application/json"},
			Body:    `{"order_id":"ORD-2025-001234","status":"pending"}`,
		}
	case models.TagEmail:
		return models.EmailData{
			To:      "customer@example.com",
			From:    "orders@example.com",
			Subject: "Order ORD-2025-001234 received",
			Body:    "Thanks for your order.",
		}
	case models.TagNotification:
		return models.NotificationData{
			UserID:   "CUST-567890",
			Title:    "Order shipped",
			Message:  "Your order is on its way.",
			Priority: models.PriorityMedium,
		}
	case models.TagTask:
		return models.TaskData{
			TaskID:  uuid.NewString(),
			Action:  "generate_invoice",
			Payload: map[string]any{"order_id": "ORD-2025-001234"},
		}
	case models.TagCustom:
		return models.CustomData{"event_type": "order_created", "order_id": "ORD-2025-001234"}
	default:
		return models.AnalyticsData{
			Event:      "order_created",
			Properties: map[string]any{"total_amount": "51890.00", "currency": "THB"},
			UserID:     "CUST-567890",
		}
	}
}
