package observability

import (
	"time"

	"github.com/sirupsen/logrus"

	"go-dispatch/pkg/models"
)

// Outcome is the result recorded for one step of the pipeline.
type Outcome string

const (
	OutcomeSuccess       Outcome = "success"
	OutcomeFailure       Outcome = "failure"
	OutcomeUnhandled     Outcome = "unhandled"
	OutcomeMismatch      Outcome = "mismatch"
	OutcomeAcked         Outcome = "acked"
	OutcomeRetried       Outcome = "retried"
	OutcomeDropped       Outcome = "dropped"
	OutcomePublished     Outcome = "published"
	OutcomePublishFailed Outcome = "publish_failed"
	OutcomeBatch         Outcome = "batch"
)

// Component names used in events.
const (
	ComponentProducer  = "producer"
	ComponentRouter    = "router"
	ComponentProcessor = "processor"
	ComponentConsumer  = "consumer"
)

// Event is a structured record of one dispatch step.
type Event struct {
	Component string
	Tag       models.Tag
	Outcome   Outcome
	Latency   time.Duration
	Err       error
	Fields    map[string]any
}

// Observer receives pipeline events. Implementations must be safe for concurrent use
// and should not block.
type Observer interface {
	OnEvent(e Event)
}

// ObserverFunc lets a plain function satisfy Observer.
type ObserverFunc func(e Event)

func (f ObserverFunc) OnEvent(e Event) { f(e) }

type multiObserver []Observer

func (m multiObserver) OnEvent(e Event) {
	for _, o := range m {
		o.OnEvent(e)
	}
}

// Multi fans an event out to every non-nil observer.
func Multi(observers ...Observer) Observer {
	out := make(multiObserver, 0, len(observers))
	for _, o := range observers {
		if o != nil {
			out = append(out, o)
		}
	}
	return out
}

// Nop discards events.
var Nop Observer = ObserverFunc(func(Event) {})

// LogObserver writes every event as a structured logrus entry.
type LogObserver struct {
	Logger *logrus.Logger
}

func (o LogObserver) OnEvent(e Event) {
	l := o.Logger
	if l == nil {
		l = GetLogger()
	}
	entry := l.WithFields(logrus.Fields{
		"component":  e.Component,
		"tag":        string(e.Tag),
		"outcome":    string(e.Outcome),
		"latency_ms": e.Latency.Milliseconds(),
	})
	if len(e.Fields) > 0 {
		entry = entry.WithFields(logrus.Fields(e.Fields))
	}
	if e.Err != nil {
		entry = entry.WithError(e.Err)
	}

	switch e.Outcome {
	case OutcomeFailure, OutcomeMismatch, OutcomePublishFailed, OutcomeRetried:
		entry.Warn("dispatch event")
	case OutcomeUnhandled, OutcomeDropped:
		entry.Info("dispatch event")
	default:
		entry.Debug("dispatch event")
	}
}
