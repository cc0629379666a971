package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

func newEnvelope(t *testing.T, p models.Payload) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(p, time.Now(), nil)
	require.NoError(t, err)
	return env
}

func TestTransport_SendAndReceive(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	tr := New(Config{MaxWait: 50 * time.Millisecond, Metrics: metrics})
	defer tr.Close()

	ctx := context.Background()
	env := newEnvelope(t, models.AnalyticsData{Event: "signup", Properties: map[string]any{"plan": "pro"}, UserID: "u1"})
	require.NoError(t, tr.Send(ctx, env, transport.Options{}))

	batch, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	got, err := batch[0].Envelope()
	require.NoError(t, err)
	assert.Equal(t, models.TagAnalytics, got.Type())
	assert.Equal(t, env.Data(), got.Data())
	assert.Equal(t, 0, batch[0].Attempt())
	assert.NotEmpty(t, batch[0].ID())

	require.NoError(t, batch[0].Ack(ctx))
	require.NoError(t, batch[0].Ack(ctx))
	assert.Equal(t, int64(1), metrics.GetAcked())
	assert.Equal(t, int64(1), metrics.GetPublished())
}

func TestTransport_SendBatchPreservesOrder(t *testing.T) {
	tr := New(Config{MaxWait: 50 * time.Millisecond, BatchSize: 10})
	defer tr.Close()
	ctx := context.Background()

	entries := []transport.Entry{
		{Envelope: newEnvelope(t, models.TaskData{TaskID: "1", Action: "a", Payload: map[string]any{}})},
		{Envelope: newEnvelope(t, models.TaskData{TaskID: "2", Action: "a", Payload: map[string]any{}})},
		{Envelope: newEnvelope(t, models.TaskData{TaskID: "3", Action: "a", Payload: map[string]any{}})},
	}
	require.NoError(t, tr.SendBatch(ctx, entries))

	batch, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 3)
	for i, d := range batch {
		env, err := d.Envelope()
		require.NoError(t, err)
		assert.Equal(t, entries[i].Envelope.Data(), env.Data())
	}
}

func TestTransport_SendBatchRejectsNilEnvelope(t *testing.T) {
	tr := New(Config{})
	defer tr.Close()

	err := tr.SendBatch(context.Background(), []transport.Entry{
		{Envelope: newEnvelope(t, models.CustomData{})},
		{Envelope: nil},
	})
	assert.True(t, failure.IsPermanent(err))
	assert.Equal(t, 0, tr.Pending())
}

func TestTransport_ReceiveTimesOutEmpty(t *testing.T) {
	tr := New(Config{MaxWait: 10 * time.Millisecond})
	defer tr.Close()

	batch, err := tr.Receive(context.Background())
	assert.NoError(t, err)
	assert.Empty(t, batch)
}

func TestTransport_RetryRedeliversThenDeadLetters(t *testing.T) {
	metrics := observability.NewInMemoryMetrics()
	tr := New(Config{MaxWait: 50 * time.Millisecond, MaxRetries: 1, Metrics: metrics})
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, newEnvelope(t, models.CustomData{"k": "v"}), transport.Options{}))

	first, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, first, 1)
	require.NoError(t, first[0].Retry(ctx, 0))

	second, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, second, 1)
	assert.Equal(t, 1, second[0].Attempt())
	assert.Equal(t, first[0].ID(), second[0].ID())

	require.NoError(t, second[0].Retry(ctx, 0))
	dead := tr.DeadLetters()
	require.Len(t, dead, 1)
	assert.Equal(t, 2, dead[0].Attempts)
	assert.Equal(t, int64(1), metrics.GetRetried())
	assert.Equal(t, int64(1), metrics.GetSentToDLQ())
	assert.Equal(t, 0, tr.Pending())
}

func TestTransport_DelayedRetry(t *testing.T) {
	tr := New(Config{MaxWait: 200 * time.Millisecond})
	defer tr.Close()
	ctx := context.Background()

	require.NoError(t, tr.Send(ctx, newEnvelope(t, models.CustomData{}), transport.Options{}))
	batch, err := tr.Receive(ctx)
	require.NoError(t, err)
	require.NoError(t, batch[0].Retry(ctx, 20*time.Millisecond))
	assert.Equal(t, 0, tr.Pending())

	batch, err = tr.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, 1, batch[0].Attempt())
}

func TestTransport_MalformedBodySurfacesOnDelivery(t *testing.T) {
	tr := New(Config{MaxWait: 50 * time.Millisecond})
	defer tr.Close()

	tr.queue <- &record{id: "bad", body: []byte(`{"type":"sms"}`)}

	batch, err := tr.Receive(context.Background())
	require.NoError(t, err)
	require.Len(t, batch, 1)
	_, err = batch[0].Envelope()
	assert.ErrorIs(t, err, failure.ErrMalformedEnvelope)
}

func TestTransport_Closed(t *testing.T) {
	tr := New(Config{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close())

	err := tr.Send(context.Background(), newEnvelope(t, models.CustomData{}), transport.Options{})
	assert.ErrorIs(t, err, ErrClosed)

	_, err = tr.Receive(context.Background())
	assert.ErrorIs(t, err, ErrClosed)
}
