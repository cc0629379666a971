package consumer

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

const (
	// receiveBackoff is the pause after a failed Receive.
	receiveBackoff      = 2 * time.Second
	dedupeSweepInterval = time.Minute
)

// Dispatcher routes one envelope to its processor. *router.Router implements it.
type Dispatcher interface {
	ProcessMessage(ctx context.Context, env *models.Envelope) error
}

type Config struct {
	// Workers bounds concurrent deliveries within a batch (0: one goroutine per delivery).
	Workers int
	// ProcessingTimeout bounds each dispatch (default: 30s).
	ProcessingTimeout time.Duration
	RetryPolicy       failure.RetryPolicy
	DedupeStore       DedupeStore
	Metrics           observability.MetricsCollector
	Observer          observability.Observer
	Logger            *logrus.Logger
}

// BatchOutcome counts what happened to each delivery of a batch.
type BatchOutcome struct {
	Acked   int
	Retried int
	Dropped int
}

// Consumer pulls deliveries from a Source and dispatches them one message at a time.
// Successful and permanently failed messages are acked; everything else is retried.
type Consumer struct {
	src      transport.Source
	dispatch Dispatcher
	cfg      Config

	// ownDedupe is set when New created the dedupe store; Run sweeps it and closes it on exit.
	ownDedupe *InMemoryDedupeStore
}

func New(src transport.Source, d Dispatcher, cfg Config) (*Consumer, error) {
	if src == nil {
		return nil, errors.New("consumer requires a source")
	}
	if d == nil {
		return nil, errors.New("consumer requires a dispatcher")
	}
	if cfg.ProcessingTimeout <= 0 {
		cfg.ProcessingTimeout = 30 * time.Second
	}
	if cfg.RetryPolicy.MaxRetries == 0 && cfg.RetryPolicy.InitialBackoff == 0 {
		cfg.RetryPolicy = failure.DefaultRetryPolicy()
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Observer == nil {
		cfg.Observer = observability.Nop
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	c := &Consumer{src: src, dispatch: d, cfg: cfg}
	if cfg.DedupeStore == nil {
		c.ownDedupe = newDedupeStore(time.Hour, time.Now)
		c.cfg.DedupeStore = c.ownDedupe
	}
	return c, nil
}

// Run polls the source until ctx is cancelled. A batch in flight when ctx is cancelled is
// settled before Run returns.
func (c *Consumer) Run(ctx context.Context) error {
	c.cfg.Logger.Info("Starting consumer")
	defer c.logFinalMetrics()

	if c.ownDedupe != nil {
		go c.ownDedupe.cleanup(dedupeSweepInterval)
		defer c.ownDedupe.Close()
	}

	for {
		if ctx.Err() != nil {
			return nil
		}

		batch, err := c.src.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			c.cfg.Logger.WithError(err).Error("Failed to receive messages")
			if err := transport.SleepContext(ctx, receiveBackoff); err != nil {
				return nil
			}
			continue
		}
		if len(batch) > 0 {
			c.HandleBatch(ctx, batch)
		}
	}
}

// HandleBatch settles every delivery in the batch and reports the tally. Acks and retries
// still go through after ctx is cancelled.
func (c *Consumer) HandleBatch(ctx context.Context, deliveries []transport.Delivery) BatchOutcome {
	ctx = context.WithoutCancel(ctx)
	var (
		wg  sync.WaitGroup
		mu  sync.Mutex
		out BatchOutcome
		sem chan struct{}
	)
	if c.cfg.Workers > 0 {
		sem = make(chan struct{}, c.cfg.Workers)
	}

	for _, d := range deliveries {
		if sem != nil {
			sem <- struct{}{}
		}
		wg.Add(1)
		go func(d transport.Delivery) {
			defer wg.Done()
			if sem != nil {
				defer func() { <-sem }()
			}
			result := c.handle(ctx, d)
			mu.Lock()
			switch result {
			case observability.OutcomeAcked:
				out.Acked++
			case observability.OutcomeRetried:
				out.Retried++
			case observability.OutcomeDropped:
				out.Dropped++
			}
			mu.Unlock()
		}(d)
	}
	wg.Wait()

	c.cfg.Logger.WithFields(logrus.Fields{
		"size":    len(deliveries),
		"acked":   out.Acked,
		"retried": out.Retried,
		"dropped": out.Dropped,
	}).Debug("Batch settled")
	return out
}

func (c *Consumer) handle(ctx context.Context, d transport.Delivery) observability.Outcome {
	logger := c.cfg.Logger.WithFields(logrus.Fields{
		"message_id": d.ID(),
		"attempt":    d.Attempt(),
	})

	env, err := d.Envelope()
	if err != nil {
		logger.WithError(err).Warn("Dropping malformed message")
		return c.drop(ctx, d, "", err, logger)
	}
	logger = logger.WithField("type", env.Type())

	if c.cfg.DedupeStore.Exists(d.ID()) {
		logger.Info("Duplicate message detected, skipping")
		return c.ack(ctx, d, env.Type(), 0, logger)
	}

	start := time.Now()
	err = c.dispatchSafely(env)
	latency := time.Since(start)

	if err == nil {
		if err := c.cfg.DedupeStore.Add(d.ID()); err != nil {
			logger.WithError(err).Warn("Failed to record message id")
		}
		return c.ack(ctx, d, env.Type(), latency, logger)
	}

	if failure.IsPermanent(err) {
		logger.WithError(err).WithField("kind", failure.Classify(err).String()).Warn("Dropping message after permanent failure")
		return c.drop(ctx, d, env.Type(), err, logger)
	}

	delay := failure.Backoff(c.cfg.RetryPolicy, d.Attempt())
	logger.WithError(err).WithField("retry_in", delay.String()).Error("Message processing failed")
	if rerr := d.Retry(ctx, delay); rerr != nil {
		logger.WithError(rerr).Error("Failed to schedule retry")
	}
	c.cfg.Observer.OnEvent(observability.Event{
		Component: observability.ComponentConsumer,
		Tag:       env.Type(),
		Outcome:   observability.OutcomeRetried,
		Latency:   latency,
		Err:       err,
		Fields:    map[string]any{"attempt": d.Attempt(), "delay_ms": delay.Milliseconds()},
	})
	return observability.OutcomeRetried
}

// dispatchSafely runs the dispatcher on a context detached from shutdown so in-flight
// work is bounded only by ProcessingTimeout. Panics become errors.
func (c *Consumer) dispatchSafely(env *models.Envelope) (err error) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ProcessingTimeout)
	defer cancel()
	defer func() {
		if r := recover(); r != nil {
			c.cfg.Logger.WithField("stack", string(debug.Stack())).Error("Processor panicked")
			err = fmt.Errorf("processor panic: %v", r)
		}
	}()
	return c.dispatch.ProcessMessage(ctx, env)
}

func (c *Consumer) ack(ctx context.Context, d transport.Delivery, tag models.Tag, latency time.Duration, logger *logrus.Entry) observability.Outcome {
	if err := d.Ack(ctx); err != nil {
		logger.WithError(err).Error("Failed to ack message")
	}
	c.cfg.Observer.OnEvent(observability.Event{
		Component: observability.ComponentConsumer,
		Tag:       tag,
		Outcome:   observability.OutcomeAcked,
		Latency:   latency,
	})
	return observability.OutcomeAcked
}

func (c *Consumer) drop(ctx context.Context, d transport.Delivery, tag models.Tag, cause error, logger *logrus.Entry) observability.Outcome {
	if err := d.Ack(ctx); err != nil {
		logger.WithError(err).Error("Failed to ack dropped message")
	}
	c.cfg.Metrics.IncDropped()
	c.cfg.Observer.OnEvent(observability.Event{
		Component: observability.ComponentConsumer,
		Tag:       tag,
		Outcome:   observability.OutcomeDropped,
		Err:       cause,
	})
	return observability.OutcomeDropped
}

func (c *Consumer) logFinalMetrics() {
	m, ok := c.cfg.Metrics.(*observability.InMemoryMetrics)
	if !ok {
		c.cfg.Logger.Info("Consumer stopped")
		return
	}
	c.cfg.Logger.WithFields(logrus.Fields{
		"received":  m.GetReceived(),
		"processed": m.GetProcessed(),
		"failed":    m.GetFailed(),
		"retried":   m.GetRetried(),
		"dropped":   m.GetDropped(),
		"dlq":       m.GetSentToDLQ(),
		"unhandled": m.GetUnhandled(),
	}).Info("Consumer stopped")
}
