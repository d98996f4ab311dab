// Package queue wraps the SQS work queues the runner polls and feeds. Each
// queue has an optional dead-letter companion for payloads that can never be
// processed.
package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// API is the slice of the SQS client the work queue uses. Tests substitute a
// fake.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Message is one received work item. ReceiptHandle is needed to finish or
// release it.
type Message struct {
	Body          string
	ReceiptHandle string
}

// WorkQueue is a long-poll SQS consumer/producer for one queue URL.
type WorkQueue struct {
	client     API
	queueURL   string
	dlqURL     string
	waitTime   time.Duration
	visibility time.Duration
}

// Option configures a WorkQueue.
type Option func(*WorkQueue)

// WithDeadLetter attaches a dead-letter queue URL.
func WithDeadLetter(url string) Option {
	return func(q *WorkQueue) { q.dlqURL = url }
}

// WithWaitTime sets the long-poll duration for receives.
func WithWaitTime(d time.Duration) Option {
	return func(q *WorkQueue) { q.waitTime = d }
}

// WithVisibility sets the visibility timeout applied to received messages.
// It should cover worst-case processing time; expiry causes at-least-once
// redelivery, not an error.
func WithVisibility(d time.Duration) Option {
	return func(q *WorkQueue) { q.visibility = d }
}

// New creates a work queue for the given URL.
func New(client API, queueURL string, opts ...Option) *WorkQueue {
	q := &WorkQueue{
		client:     client,
		queueURL:   queueURL,
		waitTime:   10 * time.Second,
		visibility: 20 * time.Minute,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Receive long-polls for up to maxMessages work items. An empty slice means
// the queue had nothing within the wait window.
func (q *WorkQueue) Receive(ctx context.Context, maxMessages int) ([]Message, error) {
	if maxMessages <= 0 || maxMessages > 10 {
		maxMessages = 10
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.queueURL),
		MaxNumberOfMessages: int32(maxMessages),
		WaitTimeSeconds:     int32(q.waitTime.Seconds()),
		VisibilityTimeout:   int32(q.visibility.Seconds()),
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.queueURL, err)
	}
	msgs := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msgs = append(msgs, Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		})
	}
	return msgs, nil
}

// Finish deletes a processed message.
func (q *WorkQueue) Finish(ctx context.Context, msg Message) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(msg.ReceiptHandle),
	})
	if err != nil {
		return fmt.Errorf("delete message: %w", err)
	}
	return nil
}

// Release makes the message immediately visible again so another worker can
// pick it up. Used for retryable failures and self-throttled regions.
func (q *WorkQueue) Release(ctx context.Context, msg Message) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(msg.ReceiptHandle),
		VisibilityTimeout: 0,
	})
	if err != nil {
		return fmt.Errorf("release message: %w", err)
	}
	return nil
}

// Send enqueues a payload.
func (q *WorkQueue) Send(ctx context.Context, body string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("send to %s: %w", q.queueURL, err)
	}
	return nil
}

// SendDelayed enqueues a payload that becomes visible after the delay. The
// async tile poller uses this to schedule its fallback ticks.
func (q *WorkQueue) SendDelayed(ctx context.Context, body string, delay time.Duration) error {
	seconds := int32(delay.Seconds())
	if seconds > 900 {
		seconds = 900 // SQS cap
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:     aws.String(q.queueURL),
		MessageBody:  aws.String(body),
		DelaySeconds: seconds,
	})
	if err != nil {
		return fmt.Errorf("send delayed to %s: %w", q.queueURL, err)
	}
	return nil
}

// DeadLetter forwards the verbatim body to the dead-letter queue and deletes
// the original. Dead-lettering the same payload twice is harmless; consumers
// of the DLQ deduplicate by job id.
func (q *WorkQueue) DeadLetter(ctx context.Context, msg Message, reason string) error {
	if q.dlqURL == "" {
		slog.Warn("no dead-letter queue configured, dropping message", "reason", reason)
		return q.Finish(ctx, msg)
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.dlqURL),
		MessageBody: aws.String(msg.Body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"deadLetterReason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("dead-letter message: %w", err)
	}
	slog.Info("message dead-lettered", "reason", reason)
	return q.Finish(ctx, msg)
}

// DeadLetterBody dead-letters a payload without an original receipt, used
// when an outstanding-jobs record is exhausted and its stored payload must be
// surfaced.
func (q *WorkQueue) DeadLetterBody(ctx context.Context, body, reason string) error {
	if q.dlqURL == "" {
		slog.Warn("no dead-letter queue configured, dropping payload", "reason", reason)
		return nil
	}
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.dlqURL),
		MessageBody: aws.String(body),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"deadLetterReason": {
				DataType:    aws.String("String"),
				StringValue: aws.String(reason),
			},
		},
	})
	if err != nil {
		return fmt.Errorf("dead-letter payload: %w", err)
	}
	return nil
}
