package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Tag selects the payload shape of an envelope and the processor that handles it.
type Tag string

const (
	TagWebhook      Tag = "webhook"
	TagEmail        Tag = "email"
	TagNotification Tag = "notification"
	TagTask         Tag = "task"
	TagAnalytics    Tag = "analytics"
	TagCustom       Tag = "custom"
)

// TimestampLayout is the ISO-8601 form stamped on new envelopes (UTC, millisecond precision).
const TimestampLayout = "2006-01-02T15:04:05.000Z07:00"

var (
	// ErrUnknownTag is returned when decoding an envelope whose type is outside the closed set.
	ErrUnknownTag = errors.New("unknown envelope type")
	// ErrInvalidEnvelope is returned when the envelope JSON cannot be mapped onto a payload shape.
	ErrInvalidEnvelope = errors.New("invalid envelope")
)

// Tags lists every tag in declaration order.
func Tags() []Tag {
	return []Tag{TagWebhook, TagEmail, TagNotification, TagTask, TagAnalytics, TagCustom}
}

// Valid reports whether t is one of the six known tags.
func (t Tag) Valid() bool {
	switch t {
	case TagWebhook, TagEmail, TagNotification, TagTask, TagAnalytics, TagCustom:
		return true
	}
	return false
}

func (t Tag) String() string { return string(t) }

// Envelope is the tagged message carried from producer to processor.
// The tag is derived from the payload, so a type/data mismatch cannot be constructed.
type Envelope struct {
	tag       Tag
	timestamp string
	data      Payload
	metadata  map[string]string
}

// NewEnvelope builds an envelope around payload. The timestamp is formatted once here and
// never changes afterwards. metadata may be nil.
func NewEnvelope(payload Payload, at time.Time, metadata map[string]string) (*Envelope, error) {
	if payload == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidEnvelope)
	}
	return &Envelope{
		tag:       payload.Tag(),
		timestamp: at.UTC().Format(TimestampLayout),
		data:      payload,
		metadata:  copyMetadata(metadata),
	}, nil
}

// Type returns the envelope tag.
func (e *Envelope) Type() Tag { return e.tag }

// Timestamp returns the ISO-8601 creation timestamp exactly as stamped or received.
func (e *Envelope) Timestamp() string { return e.timestamp }

// Time parses the timestamp.
func (e *Envelope) Time() (time.Time, error) {
	return time.Parse(time.RFC3339Nano, e.timestamp)
}

// Data returns the tag-specific payload.
func (e *Envelope) Data() Payload { return e.data }

// Metadata returns a copy of the caller-supplied metadata. It is nil when none was attached.
func (e *Envelope) Metadata() map[string]string { return copyMetadata(e.metadata) }

type wireEnvelope struct {
	Type      Tag               `json:"type"`
	Timestamp string            `json:"timestamp"`
	Data      json.RawMessage   `json:"data"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (e *Envelope) MarshalJSON() ([]byte, error) {
	if e.data == nil {
		return nil, fmt.Errorf("%w: nil payload", ErrInvalidEnvelope)
	}
	data, err := json.Marshal(e.data)
	if err != nil {
		return nil, fmt.Errorf("marshal %s payload: %w", e.tag, err)
	}
	return json.Marshal(wireEnvelope{
		Type:      e.tag,
		Timestamp: e.timestamp,
		Data:      data,
		Metadata:  e.metadata,
	})
}

// UnmarshalJSON decodes the payload into the struct selected by the "type" field.
func (e *Envelope) UnmarshalJSON(b []byte) error {
	var w wireEnvelope
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if !w.Type.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTag, w.Type)
	}
	if w.Timestamp == "" {
		return fmt.Errorf("%w: missing timestamp", ErrInvalidEnvelope)
	}
	if len(w.Data) == 0 || bytes.Equal(w.Data, []byte("null")) {
		return fmt.Errorf("%w: missing data for %s", ErrInvalidEnvelope, w.Type)
	}

	payload, err := decodePayload(w.Type, w.Data)
	if err != nil {
		return fmt.Errorf("%w: %s data: %v", ErrInvalidEnvelope, w.Type, err)
	}

	e.tag = w.Type
	e.timestamp = w.Timestamp
	e.data = payload
	e.metadata = w.Metadata
	return nil
}

// ParsePayload decodes raw JSON as the payload shape of tag.
func ParsePayload(tag Tag, raw []byte) (Payload, error) {
	return decodePayload(tag, raw)
}

func decodePayload(tag Tag, raw json.RawMessage) (Payload, error) {
	switch tag {
	case TagWebhook:
		var p WebhookData
		err := json.Unmarshal(raw, &p)
		return p, err
	case TagEmail:
		var p EmailData
		err := json.Unmarshal(raw, &p)
		return p, err
	case TagNotification:
		var p NotificationData
		if err := json.Unmarshal(raw, &p); err != nil {
			return nil, err
		}
		if !p.Priority.Valid() {
			return nil, fmt.Errorf("invalid priority %q", p.Priority)
		}
		return p, nil
	case TagTask:
		var p TaskData
		err := json.Unmarshal(raw, &p)
		return p, err
	case TagAnalytics:
		var p AnalyticsData
		err := json.Unmarshal(raw, &p)
		return p, err
	case TagCustom:
		var p CustomData
		err := json.Unmarshal(raw, &p)
		return p, err
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownTag, tag)
}

func copyMetadata(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
