package worker

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"bloomers/domain"
)

const defaultPollInterval = time.Second

// Queue is the part of the azqueue client the consumer uses.
type Queue interface {
	DequeueMessage(ctx context.Context, o *azqueue.DequeueMessageOptions) (azqueue.DequeueMessagesResponse, error)
	DeleteMessage(ctx context.Context, messageID string, popReceipt string, o *azqueue.DeleteMessageOptions) (azqueue.DeleteMessageResponse, error)
}

// Consumer pulls classification jobs off the queue and hands them to a
// Processor. Messages are deleted only after Process accepts them, so a
// transient failure leaves the message for redelivery after its visibility
// timeout expires.
type Consumer struct {
	queue        Queue
	processor    *Processor
	pollInterval time.Duration
}

func NewConsumer(queue Queue, processor *Processor) *Consumer {
	return &Consumer{
		queue:        queue,
		processor:    processor,
		pollInterval: defaultPollInterval,
	}
}

// Run consumes until ctx is cancelled.
func (c *Consumer) Run(ctx context.Context) {
	for {
		if ctx.Err() != nil {
			return
		}
		resp, err := c.queue.DequeueMessage(ctx, nil)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Errorf("dequeue: %v", err)
			c.sleep(ctx)
			continue
		}
		if len(resp.Messages) == 0 {
			c.sleep(ctx)
			continue
		}

		msg := resp.Messages[0]
		if msg.MessageText == nil || msg.MessageID == nil || msg.PopReceipt == nil {
			continue
		}

		var env domain.ClassifyJobEnvelope
		if err := sonic.ConfigStd.Unmarshal([]byte(*msg.MessageText), &env); err != nil {
			// Poison message, drop it.
			log.Warnf("discarding malformed job message %s: %v", *msg.MessageID, err)
			c.delete(ctx, *msg.MessageID, *msg.PopReceipt)
			continue
		}

		if err := c.processor.Process(ctx, env); err != nil {
			log.Errorf("job for run %s failed, leaving for redelivery: %v", env.Job.RunID, err)
			continue
		}
		c.delete(ctx, *msg.MessageID, *msg.PopReceipt)
	}
}

func (c *Consumer) delete(ctx context.Context, messageID, popReceipt string) {
	if _, err := c.queue.DeleteMessage(ctx, messageID, popReceipt, nil); err != nil {
		log.Errorf("delete message %s: %v", messageID, err)
	}
}

func (c *Consumer) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(c.pollInterval):
	}
}
