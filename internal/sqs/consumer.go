// Package sqs consumes domain events from the platform's SQS event queue
// and feeds them to the ingestor.
package sqs

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	awssqs "github.com/aws/aws-sdk-go-v2/service/sqs"
	"go.uber.org/zap"
)

// Config holds SQS configuration.
type Config struct {
	Region   string
	QueueURL string
}

// Handler processes one raw event body. A nil return (including handled
// drops) deletes the message; an error leaves it for redelivery.
type Handler interface {
	HandleRaw(ctx context.Context, body []byte) error
}

// Consumer long-polls the event queue and dispatches each message to the
// handler.
type Consumer struct {
	client   *awssqs.Client
	queueURL string
	handler  Handler
	logger   *zap.Logger
}

// NewConsumer creates a new SQS consumer.
func NewConsumer(ctx context.Context, cfg Config, handler Handler, logger *zap.Logger) (*Consumer, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := awssqs.NewFromConfig(awsCfg)

	logger.Info("sqs consumer initialized",
		zap.String("queue_url", cfg.QueueURL),
	)

	return &Consumer{
		client:   client,
		queueURL: cfg.QueueURL,
		handler:  handler,
		logger:   logger,
	}, nil
}

// Start runs the receive loop until the context is cancelled.
func (c *Consumer) Start(ctx context.Context) {
	c.logger.Info("sqs consumer started")

	for {
		if ctx.Err() != nil {
			c.logger.Info("sqs consumer stopped")
			return
		}

		if err := c.poll(ctx); err != nil && ctx.Err() == nil {
			c.logger.Error("sqs receive failed", zap.Error(err))
			// Back off so a broken queue doesn't spin the loop.
			select {
			case <-ctx.Done():
			case <-time.After(5 * time.Second):
			}
		}
	}
}

func (c *Consumer) poll(ctx context.Context) error {
	input := &awssqs.ReceiveMessageInput{
		QueueUrl:            aws.String(c.queueURL),
		MaxNumberOfMessages: 10,
		WaitTimeSeconds:     20,
		VisibilityTimeout:   60,
	}

	result, err := c.client.ReceiveMessage(ctx, input)
	if err != nil {
		return fmt.Errorf("sqs receive failed: %w", err)
	}

	for _, msg := range result.Messages {
		if msg.Body == nil {
			c.delete(ctx, msg.ReceiptHandle)
			continue
		}

		if err := c.handler.HandleRaw(ctx, []byte(*msg.Body)); err != nil {
			// Leave the message in flight; SQS redelivers it after the
			// visibility timeout expires.
			c.logger.Error("event handling failed, message left for redelivery",
				zap.Error(err),
			)
			continue
		}

		c.delete(ctx, msg.ReceiptHandle)
	}

	return nil
}

func (c *Consumer) delete(ctx context.Context, receiptHandle *string) {
	if receiptHandle == nil {
		return
	}

	_, err := c.client.DeleteMessage(ctx, &awssqs.DeleteMessageInput{
		QueueUrl:      aws.String(c.queueURL),
		ReceiptHandle: receiptHandle,
	})
	if err != nil {
		c.logger.Warn("sqs delete failed", zap.Error(err))
	}
}
