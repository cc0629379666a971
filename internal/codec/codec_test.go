package codec

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"go-dispatch/internal/failure"
	"go-dispatch/pkg/models"
)

func TestNew_InvalidSchema(t *testing.T) {
	_, err := New(`{"type": "invalid"`)
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "invalid envelope schema")
}

func TestCodec_EncodeDecode(t *testing.T) {
	c := Default()
	env, err := models.NewEnvelope(models.TaskData{
		TaskID:  "t-1",
		Action:  "resize",
		Payload: map[string]any{"width": float64(640)},
	}, time.Date(2024, 5, 6, 7, 8, 9, 0, time.UTC), map[string]string{"tenant": "acme"})
	require.NoError(t, err)

	raw, err := c.Encode(env)
	require.NoError(t, err)

	decoded, err := c.Decode(raw)
	require.NoError(t, err)
	assert.Equal(t, models.TagTask, decoded.Type())
	assert.Equal(t, env.Timestamp(), decoded.Timestamp())
	assert.Equal(t, env.Data(), decoded.Data())
	assert.Equal(t, "acme", decoded.Metadata()["tenant"])
}

func TestCodec_DecodeRejectsInvalid(t *testing.T) {
	c := Default()

	tests := []struct {
		name string
		raw  string
	}{
		{"not json", `{"type":`},
		{"unknown type", `{"type":"sms","timestamp":"2024-01-02T03:04:05Z","data":{}}`},
		{"bad timestamp", `{"type":"custom","timestamp":"yesterday","data":{}}`},
		{"webhook missing url", `{"type":"webhook","timestamp":"2024-01-02T03:04:05Z","data":{"method":"GET","headers":{}}}`},
		{"email missing subject", `{"type":"email","timestamp":"2024-01-02T03:04:05Z","data":{"to":"a","from":"b","body":"c"}}`},
		{"bad priority", `{"type":"notification","timestamp":"2024-01-02T03:04:05Z","data":{"userId":"u","title":"t","message":"m","priority":"urgent"}}`},
		{"non string metadata", `{"type":"custom","timestamp":"2024-01-02T03:04:05Z","data":{},"metadata":{"n":1}}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode([]byte(tt.raw))
			require.Error(t, err)
			assert.ErrorIs(t, err, failure.ErrMalformedEnvelope)
		})
	}
}

func TestCodec_EncodeNil(t *testing.T) {
	_, err := Default().Encode(nil)
	assert.True(t, failure.IsPermanent(err))
	assert.ErrorIs(t, err, failure.ErrMalformedEnvelope)
}
