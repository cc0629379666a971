package producer

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"go-dispatch/internal/observability"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

type mockPublisher struct {
	mock.Mock
}

func (m *mockPublisher) Send(ctx context.Context, env *models.Envelope, opts transport.Options) error {
	return m.Called(ctx, env, opts).Error(0)
}

func (m *mockPublisher) SendBatch(ctx context.Context, entries []transport.Entry) error {
	return m.Called(ctx, entries).Error(0)
}

func (m *mockPublisher) Close() error {
	return m.Called().Error(0)
}

type fixedClock time.Time

func (c fixedClock) Now() time.Time { return time.Time(c) }

var frozen = time.Date(2026, 3, 4, 5, 6, 7, 890_000_000, time.UTC)

func newProducer(t *testing.T, pub transport.Publisher, opts ...Option) *Producer {
	t.Helper()
	opts = append([]Option{
		WithClock(fixedClock(frozen)),
		WithLogger(observability.NewLogger("error", &bytes.Buffer{})),
	}, opts...)
	p, err := New(pub, opts...)
	require.NoError(t, err)
	return p
}

func TestNew_RequiresPublisher(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}

func TestSendEmail_BuildsEnvelopeAndCallsTransportOnce(t *testing.T) {
	pub := &mockPublisher{}
	data := models.EmailData{To: "a@b.c", From: "f@b.c", Subject: "s", Body: "b"}
	pub.On("Send", mock.Anything, mock.MatchedBy(func(env *models.Envelope) bool {
		return env.Type() == models.TagEmail &&
			env.Data() == data &&
			env.Timestamp() == "2026-03-04T05:06:07.890Z" &&
			env.Metadata()["source"] == "signup"
	}), transport.Options{}).Return(nil).Once()

	p := newProducer(t, pub)
	err := p.SendEmail(context.Background(), data, map[string]string{"source": "signup"})

	require.NoError(t, err)
	pub.AssertExpectations(t)
	pub.AssertNumberOfCalls(t, "Send", 1)
}

func TestSendHelpers_TagFollowsPayload(t *testing.T) {
	ctx := context.Background()
	cases := []struct {
		tag  models.Tag
		send func(p *Producer) error
	}{
		{models.TagWebhook, func(p *Producer) error {
			return p.SendWebhook(ctx, models.WebhookData{URL: "https://x.io", Method: "POST"}, nil)
		}},
		{models.TagNotification, func(p *Producer) error {
			return p.SendNotification(ctx, models.NotificationData{UserID: "u", Title: "t", Message: "m", Priority: models.PriorityLow}, nil)
		}},
		{models.TagTask, func(p *Producer) error {
			return p.SendTask(ctx, models.TaskData{TaskID: "1", Action: "a"}, nil)
		}},
		{models.TagAnalytics, func(p *Producer) error {
			return p.SendAnalytics(ctx, models.AnalyticsData{Event: "e"}, nil)
		}},
		{models.TagCustom, func(p *Producer) error {
			return p.SendCustom(ctx, models.CustomData{"k": 1}, nil)
		}},
	}
	for _, tc := range cases {
		t.Run(string(tc.tag), func(t *testing.T) {
			pub := &mockPublisher{}
			pub.On("Send", mock.Anything, mock.MatchedBy(func(env *models.Envelope) bool {
				return env.Type() == tc.tag
			}), mock.Anything).Return(nil).Once()

			require.NoError(t, tc.send(newProducer(t, pub)))
			pub.AssertExpectations(t)
		})
	}
}

func TestSend_PassesOptions(t *testing.T) {
	pub := &mockPublisher{}
	opts := transport.Options{Delay: 5 * time.Second, Key: "user-1"}
	pub.On("Send", mock.Anything, mock.Anything, opts).Return(nil).Once()

	p := newProducer(t, pub)
	require.NoError(t, p.SendTask(context.Background(), models.TaskData{TaskID: "1", Action: "a"}, nil, opts))
	pub.AssertExpectations(t)
}

func TestSend_PropagatesTransportError(t *testing.T) {
	sendErr := errors.New("broker unavailable")
	pub := &mockPublisher{}
	pub.On("Send", mock.Anything, mock.Anything, mock.Anything).Return(sendErr)

	var events []observability.Event
	p := newProducer(t, pub, WithObserver(observability.ObserverFunc(func(e observability.Event) {
		events = append(events, e)
	})))
	err := p.SendAnalytics(context.Background(), models.AnalyticsData{Event: "e"}, nil)

	assert.ErrorIs(t, err, sendErr)
	require.Len(t, events, 1)
	assert.Equal(t, observability.OutcomePublishFailed, events[0].Outcome)
	assert.Equal(t, models.TagAnalytics, events[0].Tag)
}

func TestSend_NilEnvelope(t *testing.T) {
	pub := &mockPublisher{}
	p := newProducer(t, pub)
	assert.Error(t, p.Send(context.Background(), nil))
	pub.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendBatch_SingleCallInOrder(t *testing.T) {
	env := func(id string) *models.Envelope {
		e, err := models.NewEnvelope(models.TaskData{TaskID: id, Action: "a"}, frozen, nil)
		require.NoError(t, err)
		return e
	}
	entries := []transport.Entry{{Envelope: env("1")}, {Envelope: env("2")}, {Envelope: env("3")}}

	pub := &mockPublisher{}
	pub.On("SendBatch", mock.Anything, entries).Return(nil).Once()

	p := newProducer(t, pub)
	require.NoError(t, p.SendBatch(context.Background(), entries))
	pub.AssertExpectations(t)
	pub.AssertNotCalled(t, "Send", mock.Anything, mock.Anything, mock.Anything)
}

func TestSendBatch_EmptyIsNoop(t *testing.T) {
	pub := &mockPublisher{}
	p := newProducer(t, pub)
	require.NoError(t, p.SendBatch(context.Background(), nil))
	pub.AssertNotCalled(t, "SendBatch", mock.Anything, mock.Anything)
}

func TestSendBatch_PropagatesError(t *testing.T) {
	batchErr := errors.New("throttled")
	pub := &mockPublisher{}
	pub.On("SendBatch", mock.Anything, mock.Anything).Return(batchErr)

	p := newProducer(t, pub)
	e, err := models.NewEnvelope(models.CustomData{}, frozen, nil)
	require.NoError(t, err)
	assert.ErrorIs(t, p.SendBatch(context.Background(), []transport.Entry{{Envelope: e}}), batchErr)
}
