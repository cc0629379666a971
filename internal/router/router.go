package router

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/internal/observability"
	"go-dispatch/internal/processor"
	"go-dispatch/pkg/models"
)

// Router maps envelope tags to processors.
type Router struct {
	mu         sync.RWMutex
	processors map[models.Tag]processor.Processor

	observer observability.Observer
	metrics  observability.MetricsCollector
	logger   *logrus.Logger
}

// BatchResult summarizes a ProcessBatch call.
type BatchResult struct {
	Failures int
	Total    int
}

type options struct {
	httpClient *http.Client
	mailer     processor.Mailer
	notifier   processor.Notifier
	runner     processor.TaskRunner
	sink       processor.AnalyticsSink
	observer   observability.Observer
	metrics    observability.MetricsCollector
	logger     *logrus.Logger
}

// Option configures the default processors and the router's observability.
type Option func(*options)

func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.httpClient = c } }

func WithMailer(m processor.Mailer) Option { return func(o *options) { o.mailer = m } }

func WithNotifier(n processor.Notifier) Option { return func(o *options) { o.notifier = n } }

func WithTaskRunner(r processor.TaskRunner) Option { return func(o *options) { o.runner = r } }

func WithAnalyticsSink(s processor.AnalyticsSink) Option { return func(o *options) { o.sink = s } }

func WithObserver(obs observability.Observer) Option { return func(o *options) { o.observer = obs } }

func WithMetrics(m observability.MetricsCollector) Option { return func(o *options) { o.metrics = m } }

func WithLogger(l *logrus.Logger) Option { return func(o *options) { o.logger = l } }

// New builds a router with processors registered for webhook, email, notification, task
// and analytics. Custom envelopes stay unhandled until a processor is registered.
func New(opts ...Option) *Router {
	o := options{}
	for _, opt := range opts {
		opt(&o)
	}
	if o.observer == nil {
		o.observer = observability.Nop
	}
	if o.metrics == nil {
		o.metrics = observability.NewInMemoryMetrics()
	}
	if o.logger == nil {
		o.logger = observability.GetLogger()
	}

	r := &Router{
		processors: make(map[models.Tag]processor.Processor),
		observer:   o.observer,
		metrics:    o.metrics,
		logger:     o.logger,
	}

	popts := []processor.Option{processor.WithObserver(o.observer), processor.WithLogger(o.logger)}
	r.RegisterProcessor(models.TagWebhook, processor.NewWebhook(o.httpClient, popts...))
	r.RegisterProcessor(models.TagEmail, processor.NewEmail(o.mailer, popts...))
	r.RegisterProcessor(models.TagNotification, processor.NewNotification(o.notifier, popts...))
	r.RegisterProcessor(models.TagTask, processor.NewTask(o.runner, popts...))
	r.RegisterProcessor(models.TagAnalytics, processor.NewAnalytics(o.sink, popts...))
	return r
}

// RegisterProcessor binds p to tag. A later registration for the same tag replaces the earlier one.
func (r *Router) RegisterProcessor(tag models.Tag, p processor.Processor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.processors[tag] = p
}

// Processor returns the processor registered for tag.
func (r *Router) Processor(tag models.Tag) (processor.Processor, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.processors[tag]
	return p, ok
}

// ProcessMessage dispatches env to its processor. An envelope with no registered processor
// is dropped with an unhandled event and nil error. A processor error is returned as is.
func (r *Router) ProcessMessage(ctx context.Context, env *models.Envelope) error {
	if env == nil {
		return fmt.Errorf("process message: nil envelope")
	}
	p, ok := r.Processor(env.Type())
	if !ok {
		r.metrics.IncUnhandled()
		r.observer.OnEvent(observability.Event{
			Component: observability.ComponentRouter,
			Tag:       env.Type(),
			Outcome:   observability.OutcomeUnhandled,
		})
		r.logger.WithField("type", env.Type()).Warn("No processor registered for message type")
		return nil
	}

	err := p.Process(ctx, env)
	if err != nil {
		r.metrics.IncFailed()
		return err
	}
	r.metrics.IncProcessed()
	return nil
}

// ProcessBatch runs every envelope concurrently and waits for all of them. One failure
// never aborts the others; the result counts them.
func (r *Router) ProcessBatch(ctx context.Context, envs []*models.Envelope) BatchResult {
	start := time.Now()
	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		failures int
	)
	for _, env := range envs {
		wg.Add(1)
		go func(env *models.Envelope) {
			defer wg.Done()
			if err := r.safeProcess(ctx, env); err != nil {
				mu.Lock()
				failures++
				mu.Unlock()
				entry := r.logger.WithError(err)
				if env != nil {
					entry = entry.WithField("type", env.Type())
				}
				entry.Error("Batch message failed")
			}
		}(env)
	}
	wg.Wait()

	res := BatchResult{Failures: failures, Total: len(envs)}
	r.observer.OnEvent(observability.Event{
		Component: observability.ComponentRouter,
		Outcome:   observability.OutcomeBatch,
		Latency:   time.Since(start),
		Fields:    map[string]any{"failures": res.Failures, "total": res.Total},
	})
	r.logger.WithFields(logrus.Fields{
		"failures": res.Failures,
		"total":    res.Total,
	}).Info("Batch processed")
	return res
}

func (r *Router) safeProcess(ctx context.Context, env *models.Envelope) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("processor panic: %v", rec)
		}
	}()
	return r.ProcessMessage(ctx, env)
}
