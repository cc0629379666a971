package kafka

import (
	"context"
	"errors"
	"fmt"

	kafka "github.com/segmentio/kafka-go"
)

// Client checks broker connectivity.
type Client struct {
	brokers []string
}

func NewClient(brokers []string) *Client {
	return &Client{brokers: brokers}
}

// HealthCheck dials the first broker and reads partition metadata.
func (c *Client) HealthCheck(ctx context.Context) error {
	if len(c.brokers) == 0 {
		return errors.New("no brokers configured")
	}
	conn, err := kafka.DialContext(ctx, "tcp", c.brokers[0])
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ReadPartitions(); err != nil {
		return fmt.Errorf("failed to read partitions: %w", err)
	}
	return nil
}

func (c *Client) Brokers() []string {
	return c.brokers
}
