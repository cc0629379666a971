package processor

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go-dispatch/pkg/models"
)

// maxErrorBody caps how much of a failed response is kept for diagnostics.
const maxErrorBody = 64 << 10

// DefaultWebhookTimeout applies when no client is supplied.
const DefaultWebhookTimeout = 30 * time.Second

// HTTPStatusError is returned for any non-2xx webhook response.
// ReadErr is set when the response body could not be read in full.
type HTTPStatusError struct {
	StatusCode int
	Body       string
	ReadErr    error
}

func (e *HTTPStatusError) Error() string {
	if e.ReadErr != nil {
		return fmt.Sprintf("webhook returned HTTP %d: %s (reading body: %v)", e.StatusCode, e.Body, e.ReadErr)
	}
	return fmt.Sprintf("webhook returned HTTP %d: %s", e.StatusCode, e.Body)
}

// Webhook issues the outbound HTTP request described by a webhook envelope.
type Webhook struct {
	base
	client *http.Client
}

func NewWebhook(client *http.Client, opts ...Option) *Webhook {
	if client == nil {
		client = &http.Client{Timeout: DefaultWebhookTimeout}
	}
	return &Webhook{base: newBase(models.TagWebhook, opts), client: client}
}

// Process succeeds only on a 2xx response. Transport errors are wrapped so errors.Is
// still reaches the underlying cause.
func (w *Webhook) Process(ctx context.Context, env *models.Envelope) (err error) {
	if err := w.check(env); err != nil {
		return err
	}
	data, ok := env.Data().(models.WebhookData)
	if !ok {
		return w.mismatch(env)
	}

	start := time.Now()
	fields := map[string]any{"url": data.URL, "method": data.Method}
	defer func() { w.done(start, err, fields) }()

	var body io.Reader
	if data.Body != "" {
		body = strings.NewReader(data.Body)
	}
	req, err := http.NewRequestWithContext(ctx, data.Method, data.URL, body)
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	for k, v := range data.Headers {
		req.Header.Set(k, v)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("webhook %s %s: %w", data.Method, data.URL, err)
	}
	defer resp.Body.Close()
	fields["status"] = resp.StatusCode

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		b, rerr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &HTTPStatusError{StatusCode: resp.StatusCode, Body: string(b), ReadErr: rerr}
	}
	_, _ = io.Copy(io.Discard, resp.Body)

	w.logger.WithFields(fields).Debug("Webhook delivered")
	return nil
}
