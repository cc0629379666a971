package codec

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"go-dispatch/internal/failure"
	"go-dispatch/pkg/models"
)

// Codec encodes envelopes for the wire and validates them on the way back.
type Codec struct {
	schema *gojsonschema.Schema
}

// New compiles schema and returns a codec that validates against it.
func New(schema string) (*Codec, error) {
	compiled, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("invalid envelope schema: %w", err)
	}
	return &Codec{schema: compiled}, nil
}

var (
	defaultOnce  sync.Once
	defaultCodec *Codec
)

// Default returns the codec for EnvelopeSchema.
func Default() *Codec {
	defaultOnce.Do(func() {
		c, err := New(EnvelopeSchema)
		if err != nil {
			panic(err)
		}
		defaultCodec = c
	})
	return defaultCodec
}

// Encode serializes env.
func (c *Codec) Encode(env *models.Envelope) ([]byte, error) {
	if env == nil {
		return nil, failure.Permanent(fmt.Errorf("%w: nil envelope", failure.ErrMalformedEnvelope))
	}
	b, err := json.Marshal(env)
	if err != nil {
		return nil, failure.Permanent(fmt.Errorf("encode %s envelope: %w", env.Type(), err))
	}
	return b, nil
}

// Decode validates raw against the schema and decodes it. Every error wraps
// failure.ErrMalformedEnvelope.
func (c *Codec) Decode(raw []byte) (*models.Envelope, error) {
	result, err := c.schema.Validate(gojsonschema.NewBytesLoader(raw))
	if validationErr := formatSchemaError(result, err); validationErr != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrMalformedEnvelope, validationErr)
	}

	var env models.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", failure.ErrMalformedEnvelope, err)
	}
	return &env, nil
}

func formatSchemaError(result *gojsonschema.Result, err error) error {
	if err != nil {
		return fmt.Errorf("schema validation system error: %v", err)
	}
	if result.Valid() {
		return nil
	}
	var sb strings.Builder
	for _, desc := range result.Errors() {
		fmt.Fprintf(&sb, "- %s; ", desc)
	}
	return fmt.Errorf("schema validation failed: %s", sb.String())
}
