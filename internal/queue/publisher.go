// Package queue moves delivery work between the ingest path and the worker
// fleet over SQS, and runs the retry scheduler that feeds deferred
// deliveries back in.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

// DeliveryJob is the queue message for one delivery attempt. The payload is
// just the id; workers re-read everything else from the store so a stale
// message can never deliver stale data.
type DeliveryJob struct {
	DeliveryID string    `json:"delivery_id"`
	EnqueuedAt time.Time `json:"enqueued_at"`
}

// SQSAPI is the slice of the SQS client the queue package uses.
type SQSAPI interface {
	SendMessage(ctx context.Context, in *sqs.SendMessageInput, opts ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, in *sqs.ReceiveMessageInput, opts ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, in *sqs.DeleteMessageInput, opts ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Publisher puts delivery jobs on the queue. Publishing is synchronous: a
// failed enqueue must surface so the caller can leave the delivery for the
// scheduler instead of losing it.
type Publisher struct {
	client   SQSAPI
	queueURL string
}

// NewPublisher creates a delivery job publisher.
func NewPublisher(client SQSAPI, queueURL string) *Publisher {
	return &Publisher{client: client, queueURL: queueURL}
}

// EnqueueDelivery publishes one delivery job.
func (p *Publisher) EnqueueDelivery(ctx context.Context, deliveryID uuid.UUID) error {
	body, err := json.Marshal(DeliveryJob{
		DeliveryID: deliveryID.String(),
		EnqueuedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal delivery job: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	_, err = p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("publish delivery job: %w", err)
	}
	return nil
}
