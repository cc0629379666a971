package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/pkg/models"
)

// Processor performs the side effect for one envelope tag. Errors are returned to the
// caller untouched; retry and drop decisions belong to the consumer loop.
type Processor interface {
	Process(ctx context.Context, env *models.Envelope) error
}

// Func adapts a plain function to Processor.
type Func func(ctx context.Context, env *models.Envelope) error

func (f Func) Process(ctx context.Context, env *models.Envelope) error { return f(ctx, env) }

// Option configures the observability shared by every concrete processor.
type Option func(*base)

func WithObserver(o observability.Observer) Option {
	return func(b *base) {
		if o != nil {
			b.observer = o
		}
	}
}

func WithLogger(l *logrus.Logger) Option {
	return func(b *base) {
		if l != nil {
			b.logger = l
		}
	}
}

type base struct {
	tag      models.Tag
	observer observability.Observer
	logger   *logrus.Logger
}

func newBase(tag models.Tag, opts []Option) base {
	b := base{
		tag:      tag,
		observer: observability.Nop,
		logger:   observability.GetLogger(),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b
}

// check rejects envelopes routed to the wrong processor. The error is permanent:
// redelivering a mis-wired message cannot fix it.
func (b base) check(env *models.Envelope) error {
	if env == nil {
		err := failure.Permanent(fmt.Errorf("%w: nil envelope", failure.ErrMalformedEnvelope))
		b.observer.OnEvent(observability.Event{
			Component: observability.ComponentProcessor,
			Tag:       b.tag,
			Outcome:   observability.OutcomeMismatch,
			Err:       err,
		})
		return err
	}
	if env.Type() != b.tag {
		err := failure.Permanent(fmt.Errorf("%w: %s processor received %s envelope",
			failure.ErrTagMismatch, b.tag, env.Type()))
		b.observer.OnEvent(observability.Event{
			Component: observability.ComponentProcessor,
			Tag:       env.Type(),
			Outcome:   observability.OutcomeMismatch,
			Err:       err,
			Fields:    map[string]any{"processor": string(b.tag)},
		})
		return err
	}
	return nil
}

func (b base) mismatch(env *models.Envelope) error {
	return failure.Permanent(fmt.Errorf("%w: %s processor cannot read %T payload",
		failure.ErrTagMismatch, b.tag, env.Data()))
}

func (b base) done(start time.Time, err error, fields map[string]any) {
	outcome := observability.OutcomeSuccess
	if err != nil {
		outcome = observability.OutcomeFailure
	}
	b.observer.OnEvent(observability.Event{
		Component: observability.ComponentProcessor,
		Tag:       b.tag,
		Outcome:   outcome,
		Latency:   time.Since(start),
		Err:       err,
		Fields:    fields,
	})
}
