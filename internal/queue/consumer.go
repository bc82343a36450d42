package queue

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/google/uuid"
)

// Executor runs one delivery attempt. Implemented by the dispatcher.
type Executor interface {
	Execute(ctx context.Context, deliveryID uuid.UUID) error
}

// Consumer pulls delivery jobs off the queue and hands them to a worker
// pool. Messages are deleted only after the attempt was recorded; a worker
// crash leaves the message for redelivery, which the claim column and the
// attempt dedup in the store make harmless.
type Consumer struct {
	client   SQSAPI
	queueURL string
	exec     Executor
	workers  int

	done      chan struct{}
	wg        sync.WaitGroup
	processed atomic.Int64
	failed    atomic.Int64
}

// NewConsumer creates a delivery job consumer.
func NewConsumer(client SQSAPI, queueURL string, exec Executor, workers int) *Consumer {
	if workers < 1 {
		workers = 1
	}
	return &Consumer{
		client:   client,
		queueURL: queueURL,
		exec:     exec,
		workers:  workers,
		done:     make(chan struct{}),
	}
}

type job struct {
	deliveryID    uuid.UUID
	receiptHandle *string
}

// Start launches the poll loop and the worker pool.
func (c *Consumer) Start(ctx context.Context) {
	log.Printf("[Queue] Delivery consumer started (queue=%s workers=%d)", c.queueURL, c.workers)

	jobs := make(chan job)
	for i := 0; i < c.workers; i++ {
		c.wg.Add(1)
		go c.worker(ctx, jobs)
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer close(jobs)
		c.poll(ctx, jobs)
	}()
}

// Stop signals shutdown and waits for in-flight work to finish.
func (c *Consumer) Stop() {
	close(c.done)
	c.wg.Wait()
	log.Printf("[Queue] Delivery consumer stopped (processed=%d failed=%d)",
		c.processed.Load(), c.failed.Load())
}

func (c *Consumer) poll(ctx context.Context, jobs chan<- job) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.done:
			return
		default:
		}

		out, err := c.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
			QueueUrl:            aws.String(c.queueURL),
			MaxNumberOfMessages: 10,
			WaitTimeSeconds:     20,
		})
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[Queue] Receive error: %v", err)
			time.Sleep(5 * time.Second)
			continue
		}

		for _, msg := range out.Messages {
			var dj DeliveryJob
			if err := json.Unmarshal([]byte(*msg.Body), &dj); err != nil {
				log.Printf("[Queue] Dropping malformed message: %v", err)
				c.deleteMessage(ctx, msg.ReceiptHandle)
				continue
			}
			id, err := uuid.Parse(dj.DeliveryID)
			if err != nil {
				log.Printf("[Queue] Dropping job with bad delivery id %q: %v", dj.DeliveryID, err)
				c.deleteMessage(ctx, msg.ReceiptHandle)
				continue
			}

			select {
			case jobs <- job{deliveryID: id, receiptHandle: msg.ReceiptHandle}:
			case <-ctx.Done():
				return
			case <-c.done:
				return
			}
		}
	}
}

func (c *Consumer) worker(ctx context.Context, jobs <-chan job) {
	defer c.wg.Done()
	for j := range jobs {
		if err := c.exec.Execute(ctx, j.deliveryID); err != nil {
			// Leave the message; visibility timeout redelivers it.
			c.failed.Add(1)
			log.Printf("[Queue] Execute %s: %v", j.deliveryID, err)
			continue
		}
		c.processed.Add(1)
		c.deleteMessage(ctx, j.receiptHandle)
	}
}

func (c *Consumer) deleteMessage(ctx context.Context, handle *string) {
	_, err := c.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: handle,
	})
	if err != nil {
		log.Printf("[Queue] Delete message: %v", err)
	}
}
