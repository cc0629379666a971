package sqs

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"go-dispatch/internal/codec"
	"go-dispatch/internal/failure"
	"go-dispatch/internal/observability"
	"go-dispatch/internal/transport"
	"go-dispatch/pkg/models"
)

const (
	// maxBatchEntries is the SendMessageBatch limit.
	maxBatchEntries = 10
	// maxDelay is the SendMessage DelaySeconds limit.
	maxDelay = 15 * time.Minute
	// maxVisibility is the ChangeMessageVisibility limit.
	maxVisibility = 12 * time.Hour
	// deleteTimeout bounds the DeleteMessage call.
	deleteTimeout = 5 * time.Second

	attrEnvelopeType  = "envelope-type"
	attrReceiveCount  = "ApproximateReceiveCount"
	defaultGroupID    = "dispatch"
	fifoSuffix        = ".fifo"
	stringDataType    = "String"
	defaultMaxMessage = 10
	defaultWaitSecond = 10
)

// Client is the subset of *sqs.Client the transport uses.
type Client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	SendMessageBatch(ctx context.Context, params *sqs.SendMessageBatchInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageBatchOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	GetQueueAttributes(ctx context.Context, params *sqs.GetQueueAttributesInput, optFns ...func(*sqs.Options)) (*sqs.GetQueueAttributesOutput, error)
}

type Config struct {
	QueueURL string
	// MaxMessages per ReceiveMessage call, 1..10 (default: 10).
	MaxMessages int32
	// WaitSeconds enables long polling, 0..20 (default: 10).
	WaitSeconds int32
	Metrics     observability.MetricsCollector
	Logger      *logrus.Logger
	Codec       *codec.Codec
}

// Transport publishes to and consumes from one SQS queue. Retry hides the message for the
// backoff delay; the queue's redrive policy decides when it moves to a dead-letter queue.
type Transport struct {
	client Client
	cfg    Config
	fifo   bool
}

var (
	_ transport.Publisher     = (*Transport)(nil)
	_ transport.Source        = (*Transport)(nil)
	_ transport.HealthChecker = (*Transport)(nil)
)

func New(client Client, cfg Config) (*Transport, error) {
	if client == nil {
		return nil, errors.New("sqs client is required")
	}
	if cfg.QueueURL == "" {
		return nil, errors.New("sqs queue url is required")
	}
	if cfg.MaxMessages < 1 || cfg.MaxMessages > 10 {
		cfg.MaxMessages = defaultMaxMessage
	}
	if cfg.WaitSeconds < 0 || cfg.WaitSeconds > 20 {
		cfg.WaitSeconds = defaultWaitSecond
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewInMemoryMetrics()
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.GetLogger()
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}
	return &Transport{client: client, cfg: cfg, fifo: strings.HasSuffix(cfg.QueueURL, fifoSuffix)}, nil
}

func (t *Transport) Send(ctx context.Context, env *models.Envelope, opts transport.Options) error {
	body, err := t.cfg.Codec.Encode(env)
	if err != nil {
		t.cfg.Metrics.IncPublishFailed()
		return err
	}
	in := &sqs.SendMessageInput{
		QueueUrl:          aws.String(t.cfg.QueueURL),
		MessageBody:       aws.String(string(body)),
		DelaySeconds:      delaySeconds(opts.Delay),
		MessageAttributes: envelopeAttributes(env),
	}
	if t.fifo {
		in.MessageGroupId = aws.String(groupID(opts.Key))
		in.MessageDeduplicationId = aws.String(uuid.NewString())
		in.DelaySeconds = 0
	}
	out, err := t.client.SendMessage(ctx, in)
	if err != nil {
		t.cfg.Metrics.IncPublishFailed()
		return fmt.Errorf("sqs send message: %w", err)
	}
	t.cfg.Metrics.IncPublished()
	t.cfg.Logger.WithField("message_id", aws.ToString(out.MessageId)).Debug("Message sent")
	return nil
}

// SendBatch issues one SendMessageBatch call. Partial failures are reported as an error
// naming the failed entries; successful entries stay enqueued.
func (t *Transport) SendBatch(ctx context.Context, entries []transport.Entry) error {
	if len(entries) > maxBatchEntries {
		return failure.Permanent(fmt.Errorf("%w: %d entries, sqs allows %d", failure.ErrBatchTooLarge, len(entries), maxBatchEntries))
	}

	reqs := make([]types.SendMessageBatchRequestEntry, 0, len(entries))
	index := make(map[string]int, len(entries))
	for i, e := range entries {
		body, err := t.cfg.Codec.Encode(e.Envelope)
		if err != nil {
			t.cfg.Metrics.IncPublishFailed()
			return err
		}
		id := uuid.NewString()
		index[id] = i
		req := types.SendMessageBatchRequestEntry{
			Id:                aws.String(id),
			MessageBody:       aws.String(string(body)),
			DelaySeconds:      delaySeconds(e.Options.Delay),
			MessageAttributes: envelopeAttributes(e.Envelope),
		}
		if t.fifo {
			req.MessageGroupId = aws.String(groupID(e.Options.Key))
			req.MessageDeduplicationId = aws.String(id)
			req.DelaySeconds = 0
		}
		reqs = append(reqs, req)
	}

	out, err := t.client.SendMessageBatch(ctx, &sqs.SendMessageBatchInput{
		QueueUrl: aws.String(t.cfg.QueueURL),
		Entries:  reqs,
	})
	if err != nil {
		for range entries {
			t.cfg.Metrics.IncPublishFailed()
		}
		return fmt.Errorf("sqs send message batch: %w", err)
	}

	for range out.Successful {
		t.cfg.Metrics.IncPublished()
	}
	if len(out.Failed) == 0 {
		return nil
	}
	failed := make([]string, 0, len(out.Failed))
	for _, f := range out.Failed {
		t.cfg.Metrics.IncPublishFailed()
		failed = append(failed, fmt.Sprintf("entry %d: %s %s",
			index[aws.ToString(f.Id)], aws.ToString(f.Code), aws.ToString(f.Message)))
	}
	return fmt.Errorf("sqs send message batch: %d of %d entries failed: %s",
		len(out.Failed), len(entries), strings.Join(failed, "; "))
}

// Receive long-polls the queue once.
func (t *Transport) Receive(ctx context.Context) ([]transport.Delivery, error) {
	out, err := t.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(t.cfg.QueueURL),
		MaxNumberOfMessages:         t.cfg.MaxMessages,
		WaitTimeSeconds:             t.cfg.WaitSeconds,
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
		MessageAttributeNames:       []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("sqs receive message: %w", err)
	}

	batch := make([]transport.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		t.cfg.Metrics.IncReceived()
		batch = append(batch, t.newDelivery(m))
	}
	return batch, nil
}

func (t *Transport) Close() error { return nil }

// HealthCheck reads a queue attribute to confirm the queue is reachable.
func (t *Transport) HealthCheck(ctx context.Context) error {
	_, err := t.client.GetQueueAttributes(ctx, &sqs.GetQueueAttributesInput{
		QueueUrl:       aws.String(t.cfg.QueueURL),
		AttributeNames: []types.QueueAttributeName{types.QueueAttributeNameApproximateNumberOfMessages},
	})
	if err != nil {
		return fmt.Errorf("sqs get queue attributes: %w", err)
	}
	return nil
}

func (t *Transport) newDelivery(m types.Message) *delivery {
	d := &delivery{
		t:             t,
		id:            aws.ToString(m.MessageId),
		receiptHandle: aws.ToString(m.ReceiptHandle),
	}
	if n, err := strconv.Atoi(m.Attributes[attrReceiveCount]); err == nil && n > 0 {
		d.attempt = n - 1
	}
	if m.Body == nil {
		d.decodeErr = failure.Permanent(fmt.Errorf("%w: empty body", failure.ErrMalformedEnvelope))
		return d
	}
	d.env, d.decodeErr = t.cfg.Codec.Decode([]byte(*m.Body))
	return d
}

type delivery struct {
	t             *Transport
	id            string
	receiptHandle string
	attempt       int
	env           *models.Envelope
	decodeErr     error
	once          sync.Once
}

func (d *delivery) ID() string   { return d.id }
func (d *delivery) Attempt() int { return d.attempt }

func (d *delivery) Envelope() (*models.Envelope, error) {
	return d.env, d.decodeErr
}

func (d *delivery) Ack(ctx context.Context) error {
	var err error
	d.once.Do(func() {
		dctx, cancel := context.WithTimeout(ctx, deleteTimeout)
		defer cancel()
		_, err = d.t.client.DeleteMessage(dctx, &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(d.t.cfg.QueueURL),
			ReceiptHandle: aws.String(d.receiptHandle),
		})
		if err != nil {
			err = fmt.Errorf("sqs delete message %s: %w", d.id, err)
			return
		}
		d.t.cfg.Metrics.IncAcked()
	})
	return err
}

// Retry makes the message visible again after delay.
func (d *delivery) Retry(ctx context.Context, delay time.Duration) error {
	var err error
	d.once.Do(func() {
		_, err = d.t.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
			QueueUrl:          aws.String(d.t.cfg.QueueURL),
			ReceiptHandle:     aws.String(d.receiptHandle),
			VisibilityTimeout: visibilitySeconds(delay),
		})
		if err != nil {
			err = fmt.Errorf("sqs change visibility %s: %w", d.id, err)
			return
		}
		d.t.cfg.Metrics.IncRetried()
	})
	return err
}

func envelopeAttributes(env *models.Envelope) map[string]types.MessageAttributeValue {
	return map[string]types.MessageAttributeValue{
		attrEnvelopeType: {
			DataType:    aws.String(stringDataType),
			StringValue: aws.String(string(env.Type())),
		},
	}
}

func groupID(key string) string {
	if key == "" {
		return defaultGroupID
	}
	return key
}

func delaySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxDelay {
		d = maxDelay
	}
	return int32(math.Ceil(d.Seconds()))
}

func visibilitySeconds(d time.Duration) int32 {
	if d <= 0 {
		return 0
	}
	if d > maxVisibility {
		d = maxVisibility
	}
	return int32(math.Ceil(d.Seconds()))
}
