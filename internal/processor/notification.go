package processor

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/observability"
	"go-dispatch/pkg/models"
)

// DefaultChannelPrefix namespaces per-user notification channels.
const DefaultChannelPrefix = "notifications:"

// Notifier delivers a push notification to one user.
type Notifier interface {
	Notify(ctx context.Context, n models.NotificationData) error
}

// LogNotifier records the notification and succeeds.
type LogNotifier struct {
	Logger *logrus.Logger
}

func (n LogNotifier) Notify(_ context.Context, data models.NotificationData) error {
	logger := n.Logger
	if logger == nil {
		logger = observability.GetLogger()
	}
	logger.WithFields(logrus.Fields{
		"user_id":  data.UserID,
		"title":    data.Title,
		"priority": data.Priority,
	}).Info("Sending notification")
	return nil
}

// redisPublisher is the subset of redis.UniversalClient used for pub/sub.
type redisPublisher interface {
	Publish(ctx context.Context, channel string, message interface{}) *redis.IntCmd
}

// RedisNotifier publishes each notification as JSON on the channel <prefix><userId>.
type RedisNotifier struct {
	client redisPublisher
	prefix string
	logger *logrus.Logger
}

func NewRedisNotifier(client redis.UniversalClient, prefix string) *RedisNotifier {
	return newRedisNotifier(client, prefix)
}

func newRedisNotifier(client redisPublisher, prefix string) *RedisNotifier {
	if prefix == "" {
		prefix = DefaultChannelPrefix
	}
	return &RedisNotifier{client: client, prefix: prefix, logger: observability.GetLogger()}
}

func (n *RedisNotifier) Notify(ctx context.Context, data models.NotificationData) error {
	body, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("encode notification: %w", err)
	}
	channel := n.prefix + data.UserID
	receivers, err := n.client.Publish(ctx, channel, body).Result()
	if err != nil {
		return fmt.Errorf("publish notification to %s: %w", channel, err)
	}
	if receivers == 0 {
		n.logger.WithField("channel", channel).Debug("Notification published with no subscribers")
	}
	return nil
}

// Notification hands notification envelopes to a Notifier.
type Notification struct {
	base
	notifier Notifier
}

func NewNotification(notifier Notifier, opts ...Option) *Notification {
	n := &Notification{base: newBase(models.TagNotification, opts), notifier: notifier}
	if n.notifier == nil {
		n.notifier = LogNotifier{Logger: n.logger}
	}
	return n
}

func (n *Notification) Process(ctx context.Context, env *models.Envelope) (err error) {
	if err := n.check(env); err != nil {
		return err
	}
	data, ok := env.Data().(models.NotificationData)
	if !ok {
		return n.mismatch(env)
	}
	start := time.Now()
	defer func() {
		n.done(start, err, map[string]any{"user_id": data.UserID, "priority": string(data.Priority)})
	}()
	return n.notifier.Notify(ctx, data)
}
