package observability

import (
	"sync"
	"sync/atomic"
	"time"

	"go-dispatch/pkg/models"
)

// MetricsCollector provides hooks for metrics collection
// Can be implemented to integrate with Prometheus, StatsD, etc.
type MetricsCollector interface {
	IncPublished()
	IncPublishFailed()
	IncReceived()
	IncProcessed()
	IncFailed()
	IncRetried()
	IncSentToDLQ()
	IncUnhandled()
	IncDropped()
	IncAcked()
}

// InMemoryMetrics is a simple in-memory implementation for testing/demo.
// It also implements Observer and keeps a counter per tag and outcome.
type InMemoryMetrics struct {
	Published     atomic.Int64
	PublishFailed atomic.Int64
	Received      atomic.Int64
	Processed     atomic.Int64
	Failed        atomic.Int64
	Retried       atomic.Int64
	SentToDLQ     atomic.Int64
	Unhandled     atomic.Int64
	Dropped       atomic.Int64
	Acked         atomic.Int64

	mu       sync.RWMutex
	outcomes map[outcomeKey]int64
	latency  map[models.Tag]time.Duration
}

type outcomeKey struct {
	tag     models.Tag
	outcome Outcome
}

func NewInMemoryMetrics() *InMemoryMetrics {
	return &InMemoryMetrics{
		outcomes: make(map[outcomeKey]int64),
		latency:  make(map[models.Tag]time.Duration),
	}
}

func (m *InMemoryMetrics) IncPublished() {
	m.Published.Add(1)
}

func (m *InMemoryMetrics) IncPublishFailed() {
	m.PublishFailed.Add(1)
}

func (m *InMemoryMetrics) IncReceived() {
	m.Received.Add(1)
}

func (m *InMemoryMetrics) IncProcessed() {
	m.Processed.Add(1)
}

func (m *InMemoryMetrics) IncFailed() {
	m.Failed.Add(1)
}

func (m *InMemoryMetrics) IncRetried() {
	m.Retried.Add(1)
}

func (m *InMemoryMetrics) IncSentToDLQ() {
	m.SentToDLQ.Add(1)
}

func (m *InMemoryMetrics) IncUnhandled() {
	m.Unhandled.Add(1)
}

func (m *InMemoryMetrics) IncDropped() {
	m.Dropped.Add(1)
}

func (m *InMemoryMetrics) IncAcked() {
	m.Acked.Add(1)
}

func (m *InMemoryMetrics) GetPublished() int64 {
	return m.Published.Load()
}

func (m *InMemoryMetrics) GetPublishFailed() int64 {
	return m.PublishFailed.Load()
}

func (m *InMemoryMetrics) GetReceived() int64 {
	return m.Received.Load()
}

func (m *InMemoryMetrics) GetProcessed() int64 {
	return m.Processed.Load()
}

func (m *InMemoryMetrics) GetFailed() int64 {
	return m.Failed.Load()
}

func (m *InMemoryMetrics) GetRetried() int64 {
	return m.Retried.Load()
}

func (m *InMemoryMetrics) GetSentToDLQ() int64 {
	return m.SentToDLQ.Load()
}

func (m *InMemoryMetrics) GetUnhandled() int64 {
	return m.Unhandled.Load()
}

func (m *InMemoryMetrics) GetDropped() int64 {
	return m.Dropped.Load()
}

func (m *InMemoryMetrics) GetAcked() int64 {
	return m.Acked.Load()
}

// OnEvent counts the event under its tag and outcome and accumulates latency per tag.
func (m *InMemoryMetrics) OnEvent(e Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.outcomes == nil {
		m.outcomes = make(map[outcomeKey]int64)
		m.latency = make(map[models.Tag]time.Duration)
	}
	m.outcomes[outcomeKey{tag: e.Tag, outcome: e.Outcome}]++
	m.latency[e.Tag] += e.Latency
}

// Count returns how many events were observed for tag with outcome.
func (m *InMemoryMetrics) Count(tag models.Tag, outcome Outcome) int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.outcomes[outcomeKey{tag: tag, outcome: outcome}]
}

// TotalLatency returns the summed latency of all events for tag.
func (m *InMemoryMetrics) TotalLatency(tag models.Tag) time.Duration {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.latency[tag]
}

var (
	_ MetricsCollector = (*InMemoryMetrics)(nil)
	_ Observer         = (*InMemoryMetrics)(nil)
)
