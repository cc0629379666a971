package processor

import (
	"context"
	"errors"
	"time"

	"go-dispatch/pkg/models"
)

// Custom wraps an application handler for custom envelopes. The tag check still applies.
type Custom struct {
	base
	handler Processor
}

func NewCustom(handler Processor, opts ...Option) (*Custom, error) {
	if handler == nil {
		return nil, errors.New("custom processor requires a handler")
	}
	return &Custom{base: newBase(models.TagCustom, opts), handler: handler}, nil
}

func (c *Custom) Process(ctx context.Context, env *models.Envelope) (err error) {
	if err := c.check(env); err != nil {
		return err
	}
	start := time.Now()
	defer func() { c.done(start, err, nil) }()
	return c.handler.Process(ctx, env)
}
