package models

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewEnvelope_DerivesTagFromPayload(t *testing.T) {
	at := time.Date(2025, 11, 7, 10, 30, 45, 123000000, time.UTC)

	tests := []struct {
		name    string
		payload Payload
		want    Tag
	}{
		{"webhook", WebhookData{URL: "https://example.com", Method: "POST"}, TagWebhook},
		{"email", EmailData{To: "a@example.com", From: "b@example.com", Subject: "hi", Body: "x"}, TagEmail},
		{"notification", NotificationData{UserID: "u1", Title: "t", Message: "m", Priority: PriorityHigh}, TagNotification},
		{"task", TaskData{TaskID: "t1", Action: "resize"}, TagTask},
		{"analytics", AnalyticsData{Event: "signup"}, TagAnalytics},
		{"custom", CustomData{"k": "v"}, TagCustom},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env, err := NewEnvelope(tt.payload, at, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, env.Type())
			assert.Equal(t, "2025-11-07T10:30:45.123Z", env.Timestamp())

			parsed, err := env.Time()
			require.NoError(t, err)
			assert.True(t, parsed.Equal(at))
		})
	}
}

func TestNewEnvelope_NilPayload(t *testing.T) {
	_, err := NewEnvelope(nil, time.Now(), nil)
	assert.ErrorIs(t, err, ErrInvalidEnvelope)
}

func TestEnvelope_MetadataIsCopied(t *testing.T) {
	meta := map[string]string{"trace": "abc"}
	env, err := NewEnvelope(AnalyticsData{Event: "signup"}, time.Now(), meta)
	require.NoError(t, err)

	meta["trace"] = "changed"
	got := env.Metadata()
	assert.Equal(t, "abc", got["trace"])

	got["trace"] = "mutated"
	assert.Equal(t, "abc", env.Metadata()["trace"])
}

func TestEnvelope_JSONRoundTripKeepsShape(t *testing.T) {
	at := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	env, err := NewEnvelope(WebhookData{
		URL:     "https://hooks.example.com/in",
		Method:  "PUT",
		Headers: map[string]string{"X-Token": "t"},
		Body:    `{"ok":true}`,
	}, at, map[string]string{"source": "billing"})
	require.NoError(t, err)

	raw, err := json.Marshal(env)
	require.NoError(t, err)
	assert.JSONEq(t, `{
		"type": "webhook",
		"timestamp": "2024-01-02T03:04:05.000Z",
		"data": {"url": "https://hooks.example.com/in", "method": "PUT", "headers": {"X-Token": "t"}, "body": "{\"ok\":true}"},
		"metadata": {"source": "billing"}
	}`, string(raw))

	var decoded Envelope
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, TagWebhook, decoded.Type())
	assert.Equal(t, env.Timestamp(), decoded.Timestamp())
	assert.Equal(t, env.Data(), decoded.Data())
	assert.Equal(t, "billing", decoded.Metadata()["source"])
}

func TestEnvelope_UnmarshalSelectsPayloadByType(t *testing.T) {
	raw := `{"type":"notification","timestamp":"2024-01-02T03:04:05.000Z",
		"data":{"userId":"u1","title":"Hello","message":"World","priority":"low"}}`

	var env Envelope
	require.NoError(t, json.Unmarshal([]byte(raw), &env))

	data, ok := env.Data().(NotificationData)
	require.True(t, ok)
	assert.Equal(t, "u1", data.UserID)
	assert.Equal(t, PriorityLow, data.Priority)
	assert.Nil(t, env.Metadata())
}

func TestEnvelope_UnmarshalRejectsMalformed(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr error
	}{
		{"unknown type", `{"type":"sms","timestamp":"2024-01-02T03:04:05Z","data":{}}`, ErrUnknownTag},
		{"missing timestamp", `{"type":"task","data":{"taskId":"1","action":"a","payload":{}}}`, ErrInvalidEnvelope},
		{"missing data", `{"type":"task","timestamp":"2024-01-02T03:04:05Z"}`, ErrInvalidEnvelope},
		{"wrong data shape", `{"type":"email","timestamp":"2024-01-02T03:04:05Z","data":{"to":5}}`, ErrInvalidEnvelope},
		{"bad priority", `{"type":"notification","timestamp":"2024-01-02T03:04:05Z","data":{"userId":"u","title":"t","message":"m","priority":"urgent"}}`, ErrInvalidEnvelope},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var env Envelope
			err := json.Unmarshal([]byte(tt.raw), &env)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestTag_Valid(t *testing.T) {
	for _, tag := range Tags() {
		assert.True(t, tag.Valid(), tag)
	}
	assert.False(t, Tag("sms").Valid())
	assert.Len(t, Tags(), 6)
}

func TestParsePayload(t *testing.T) {
	p, err := ParsePayload(TagTask, []byte(`{"taskId":"t1","action":"resize","payload":{"w":10}}`))
	require.NoError(t, err)
	assert.Equal(t, TaskData{TaskID: "t1", Action: "resize", Payload: map[string]any{"w": 10.0}}, p)

	_, err = ParsePayload(TagNotification, []byte(`{"userId":"u","priority":"urgent"}`))
	assert.Error(t, err)

	_, err = ParsePayload(Tag("fax"), []byte(`{}`))
	assert.ErrorIs(t, err, ErrUnknownTag)
}
