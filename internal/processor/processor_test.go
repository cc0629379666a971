package processor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/smtp"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/pkg/models"
)

func envelope(t *testing.T, p models.Payload) *models.Envelope {
	t.Helper()
	env, err := models.NewEnvelope(p, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), nil)
	require.NoError(t, err)
	return env
}

type recorder struct {
	mu     sync.Mutex
	events []observability.Event
}

func (r *recorder) OnEvent(e observability.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) Events() []observability.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]observability.Event(nil), r.events...)
}

func TestWebhook_Success(t *testing.T) {
	var gotMethod, gotHeader, gotBody string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotHeader = r.Header.Get("X-Test")
		b, _ := io.ReadAll(r.Body)
		gotBody = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	rec := &recorder{}
	p := NewWebhook(srv.Client(), WithObserver(rec))
	err := p.Process(context.Background(), envelope(t, models.WebhookData{
		URL:     srv.URL,
		Method:  http.MethodPost,
		Headers: map[string]string{"X-Test": "1"},
		Body:    `{"a":1}`,
	}))

	require.NoError(t, err)
	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "1", gotHeader)
	assert.Equal(t, `{"a":1}`, gotBody)

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, observability.OutcomeSuccess, events[0].Outcome)
	assert.Equal(t, models.TagWebhook, events[0].Tag)
	assert.Equal(t, http.StatusOK, events[0].Fields["status"])
}

func TestWebhook_Non2xxCarriesStatusAndBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("boom"))
	}))
	defer srv.Close()

	rec := &recorder{}
	p := NewWebhook(srv.Client(), WithObserver(rec))
	err := p.Process(context.Background(), envelope(t, models.WebhookData{
		URL:    srv.URL,
		Method: http.MethodGet,
	}))

	require.Error(t, err)
	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 500, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
	assert.NoError(t, statusErr.ReadErr)
	assert.Contains(t, err.Error(), "500")
	assert.Contains(t, err.Error(), "boom")
	assert.False(t, failure.IsPermanent(err))

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, observability.OutcomeFailure, events[0].Outcome)
}

func TestWebhook_TruncatedErrorBodyIsReported(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		conn, buf, err := w.(http.Hijacker).Hijack()
		if err != nil {
			return
		}
		defer conn.Close()
		_, _ = buf.WriteString("HTTP/1.1 502 Bad Gateway\r\nContent-Length: 100\r\n\r\nboom")
		_ = buf.Flush()
	}))
	defer srv.Close()

	p := NewWebhook(srv.Client())
	err := p.Process(context.Background(), envelope(t, models.WebhookData{URL: srv.URL, Method: http.MethodGet}))

	var statusErr *HTTPStatusError
	require.True(t, errors.As(err, &statusErr))
	assert.Equal(t, 502, statusErr.StatusCode)
	assert.Equal(t, "boom", statusErr.Body)
	assert.ErrorIs(t, statusErr.ReadErr, io.ErrUnexpectedEOF)
	assert.Contains(t, err.Error(), "reading body")
}

func TestWebhook_NetworkFailureIsWrapped(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	addr := srv.URL
	srv.Close()

	p := NewWebhook(&http.Client{Timeout: time.Second})
	err := p.Process(context.Background(), envelope(t, models.WebhookData{URL: addr, Method: http.MethodPost}))

	require.Error(t, err)
	var urlErr *url.Error
	assert.True(t, errors.As(err, &urlErr))
}

func TestWebhook_RejectsOtherTags(t *testing.T) {
	rec := &recorder{}
	p := NewWebhook(nil, WithObserver(rec))
	err := p.Process(context.Background(), envelope(t, models.EmailData{To: "a@b.c"}))

	assert.ErrorIs(t, err, failure.ErrTagMismatch)
	assert.True(t, failure.IsPermanent(err))

	events := rec.Events()
	require.Len(t, events, 1)
	assert.Equal(t, observability.OutcomeMismatch, events[0].Outcome)
	assert.Equal(t, models.TagEmail, events[0].Tag)
}

func TestProcessors_TagCheck(t *testing.T) {
	custom, err := NewCustom(Func(func(context.Context, *models.Envelope) error { return nil }))
	require.NoError(t, err)

	processors := map[models.Tag]Processor{
		models.TagWebhook:      NewWebhook(nil),
		models.TagEmail:        NewEmail(nil),
		models.TagNotification: NewNotification(nil),
		models.TagTask:         NewTask(nil),
		models.TagAnalytics:    NewAnalytics(nil),
		models.TagCustom:       custom,
	}
	foreign := envelope(t, models.CustomData{})
	for tag, p := range processors {
		if tag == models.TagCustom {
			continue
		}
		t.Run(string(tag), func(t *testing.T) {
			assert.ErrorIs(t, p.Process(context.Background(), foreign), failure.ErrTagMismatch)
		})
	}
	t.Run("custom", func(t *testing.T) {
		err := custom.Process(context.Background(), envelope(t, models.TaskData{TaskID: "1", Action: "a"}))
		assert.ErrorIs(t, err, failure.ErrTagMismatch)
	})
	t.Run("nil envelope", func(t *testing.T) {
		err := NewTask(nil).Process(context.Background(), nil)
		assert.ErrorIs(t, err, failure.ErrMalformedEnvelope)
	})
}

type stubMailer struct {
	got models.EmailData
	err error
}

func (m *stubMailer) Send(_ context.Context, msg models.EmailData) error {
	m.got = msg
	return m.err
}

func TestEmail_DelegatesAndPropagatesErrors(t *testing.T) {
	mailErr := errors.New("relay down")
	mailer := &stubMailer{err: mailErr}
	p := NewEmail(mailer)

	data := models.EmailData{To: "to@x.io", From: "from@x.io", Subject: "hi", Body: "hello"}
	err := p.Process(context.Background(), envelope(t, data))

	assert.ErrorIs(t, err, mailErr)
	assert.Equal(t, data, mailer.got)
}

func TestSMTPMailer_BuildsMultipartMessage(t *testing.T) {
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	m := NewSMTPMailer("smtp.local", 2525, "", "")
	m.sendMail = func(addr string, _ smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		return nil
	}

	err := m.Send(context.Background(), models.EmailData{
		To: "to@x.io", From: "from@x.io", Subject: "Welcome", Body: "plain", HTML: "<b>rich</b>",
	})
	require.NoError(t, err)

	assert.Equal(t, "smtp.local:2525", gotAddr)
	assert.Equal(t, "from@x.io", gotFrom)
	assert.Equal(t, []string{"to@x.io"}, gotTo)
	msg := string(gotMsg)
	assert.Contains(t, msg, "Subject: Welcome\r\n")
	assert.Contains(t, msg, "multipart/alternative; boundary=")
	assert.Contains(t, msg, "text/plain; charset=UTF-8")
	assert.Contains(t, msg, "<b>rich</b>")
}

func TestSMTPMailer_PlainText(t *testing.T) {
	var gotMsg []byte
	m := NewSMTPMailer("smtp.local", 25, "user", "secret")
	assert.NotNil(t, m.Auth)
	m.sendMail = func(_ string, _ smtp.Auth, _ string, _ []string, msg []byte) error {
		gotMsg = msg
		return errors.New("454 try later")
	}

	err := m.Send(context.Background(), models.EmailData{To: "to@x.io", From: "f@x.io", Subject: "s", Body: "line1\nline2"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "454")
	assert.Contains(t, string(gotMsg), "Content-Type: text/plain; charset=UTF-8\r\n\r\nline1\r\nline2")
}

type fakePublisher struct {
	channel string
	message []byte
	err     error
}

func (f *fakePublisher) Publish(_ context.Context, channel string, message interface{}) *redis.IntCmd {
	f.channel = channel
	f.message, _ = message.([]byte)
	return redis.NewIntResult(1, f.err)
}

func TestRedisNotifier_PublishesToUserChannel(t *testing.T) {
	pub := &fakePublisher{}
	n := newRedisNotifier(pub, "")
	p := NewNotification(n)

	data := models.NotificationData{UserID: "u42", Title: "t", Message: "m", Priority: models.PriorityHigh}
	require.NoError(t, p.Process(context.Background(), envelope(t, data)))

	assert.Equal(t, "notifications:u42", pub.channel)
	var got models.NotificationData
	require.NoError(t, json.Unmarshal(pub.message, &got))
	assert.Equal(t, data, got)
}

func TestRedisNotifier_PublishError(t *testing.T) {
	pub := &fakePublisher{err: errors.New("connection refused")}
	n := newRedisNotifier(pub, "push.")

	err := n.Notify(context.Background(), models.NotificationData{UserID: "u1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "push.u1")
}

func TestActionRunner(t *testing.T) {
	runner := NewActionRunner()
	var gotID string
	var gotPayload map[string]any
	runner.Register("resize", func(_ context.Context, taskID string, payload map[string]any) error {
		gotID, gotPayload = taskID, payload
		return nil
	})
	p := NewTask(runner)

	require.NoError(t, p.Process(context.Background(), envelope(t, models.TaskData{
		TaskID: "t-1", Action: "resize", Payload: map[string]any{"w": 100.0},
	})))
	assert.Equal(t, "t-1", gotID)
	assert.Equal(t, map[string]any{"w": 100.0}, gotPayload)

	err := p.Process(context.Background(), envelope(t, models.TaskData{TaskID: "t-2", Action: "explode"}))
	assert.ErrorIs(t, err, failure.ErrUnknownAction)
	assert.True(t, failure.IsPermanent(err))
}

type captureSink struct {
	events []models.AnalyticsData
	at     []string
}

func (s *captureSink) Track(_ context.Context, e models.AnalyticsData, at string) error {
	s.events = append(s.events, e)
	s.at = append(s.at, at)
	return nil
}

func TestAnalytics_PassesExactFields(t *testing.T) {
	sink := &captureSink{}
	p := NewAnalytics(sink)

	data := models.AnalyticsData{Event: "signup", Properties: map[string]any{"plan": "pro"}, UserID: "u1"}
	env := envelope(t, data)
	require.NoError(t, p.Process(context.Background(), env))

	require.Len(t, sink.events, 1)
	assert.Equal(t, data, sink.events[0])
	assert.Equal(t, env.Timestamp(), sink.at[0])
}

type fakeWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.msgs = append(w.msgs, msgs...)
	return w.err
}

func (w *fakeWriter) Close() error { return nil }

func TestKafkaSink_WritesKeyedRecord(t *testing.T) {
	w := &fakeWriter{}
	sink := &KafkaSink{writer: w}

	err := sink.Track(context.Background(), models.AnalyticsData{
		Event: "click", Properties: map[string]any{"button": "buy"}, UserID: "u9",
	}, "2026-01-02T03:04:05.000Z")
	require.NoError(t, err)

	require.Len(t, w.msgs, 1)
	assert.Equal(t, []byte("u9"), w.msgs[0].Key)
	assert.JSONEq(t,
		`{"event":"click","properties":{"button":"buy"},"userId":"u9","timestamp":"2026-01-02T03:04:05.000Z"}`,
		string(w.msgs[0].Value))
}

func TestKafkaSink_WriteError(t *testing.T) {
	sink := &KafkaSink{writer: &fakeWriter{err: errors.New("leader not available")}}
	err := sink.Track(context.Background(), models.AnalyticsData{Event: "x"}, "")
	require.Error(t, err)
	assert.True(t, strings.HasPrefix(err.Error(), "write analytics event"))
}

func TestCustom(t *testing.T) {
	_, err := NewCustom(nil)
	assert.Error(t, err)

	called := false
	p, err := NewCustom(Func(func(_ context.Context, env *models.Envelope) error {
		called = true
		assert.Equal(t, models.CustomData{"k": "v"}, env.Data())
		return nil
	}))
	require.NoError(t, err)
	require.NoError(t, p.Process(context.Background(), envelope(t, models.CustomData{"k": "v"})))
	assert.True(t, called)
}
