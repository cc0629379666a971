package transport

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/failure"
)

// HealthChecker verifies connectivity to the backing broker.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// HealthMonitor runs a HealthChecker periodically and reconnects with exponential backoff.
type HealthMonitor struct {
	checker    HealthChecker
	logger     *logrus.Logger
	maxRetries int
	policy     failure.RetryPolicy
}

func NewHealthMonitor(checker HealthChecker, maxRetries int, logger *logrus.Logger) *HealthMonitor {
	if maxRetries <= 0 {
		maxRetries = 5
	}
	return &HealthMonitor{
		checker:    checker,
		logger:     logger,
		maxRetries: maxRetries,
		policy: failure.RetryPolicy{
			InitialBackoff: time.Second,
			MaxBackoff:     30 * time.Second,
			BackoffFactor:  2,
		},
	}
}

// Loop checks health every interval until ctx is done. onReconnect, when set, runs after
// a failed check recovers.
func (m *HealthMonitor) Loop(ctx context.Context, interval time.Duration, onReconnect func() error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info("Health check loop stopped")
			return
		case <-ticker.C:
			if err := m.checker.HealthCheck(ctx); err != nil {
				m.logger.WithError(err).Warn("Health check failed, attempting reconnection")
				if err := m.reconnect(ctx, onReconnect); err != nil {
					m.logger.WithError(err).Error("Reconnection failed")
				}
			}
		}
	}
}

func (m *HealthMonitor) reconnect(ctx context.Context, onReconnect func() error) error {
	for attempt := 0; attempt < m.maxRetries; attempt++ {
		backoff := failure.Backoff(m.policy, attempt)
		m.logger.WithFields(logrus.Fields{
			"attempt": attempt + 1,
			"backoff": backoff.String(),
		}).Info("Attempting reconnection")

		if err := SleepContext(ctx, backoff); err != nil {
			return err
		}
		if err := m.checker.HealthCheck(ctx); err != nil {
			m.logger.WithError(err).Warn("Reconnection attempt failed")
			continue
		}
		if onReconnect != nil {
			if err := onReconnect(); err != nil {
				m.logger.WithError(err).Warn("Reconnect callback failed")
				continue
			}
		}
		m.logger.Info("Reconnection successful")
		return nil
	}
	return fmt.Errorf("failed to reconnect after %d attempts", m.maxRetries)
}
