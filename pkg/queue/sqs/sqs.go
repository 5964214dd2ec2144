// Package sqs implements queue.Transport on Amazon SQS. Queue names are
// queue URLs.
package sqs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

const (
	maxBatch    = 10
	maxWaitTime = 20 * time.Second
	fifoSuffix  = ".fifo"

	// defaultGroupID orders unkeyed messages on FIFO queues.
	defaultGroupID = "default"
)

// API is the subset of the SQS client the transport uses.
type API interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Transport implements queue.Transport on SQS
type Transport struct {
	client API
}

var _ queue.Transport = (*Transport)(nil)

// New wraps an SQS client
func New(client API) *Transport {
	return &Transport{client: client}
}

// NewFromEnv builds an SQS client from the default AWS credential chain.
func NewFromEnv(ctx context.Context, region string) (*Transport, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return New(sqs.NewFromConfig(cfg)), nil
}

// Publish implements queue.Transport
func (t *Transport) Publish(ctx context.Context, queueURL string, body []byte, opts queue.PublishOptions) (string, error) {
	in := &sqs.SendMessageInput{
		QueueUrl:    aws.String(queueURL),
		MessageBody: aws.String(string(body)),
	}
	// Standard queues reject group and deduplication ids; FIFO queues
	// require a group id.
	if IsFIFO(queueURL) {
		group := opts.GroupID
		if group == "" {
			group = defaultGroupID
		}
		in.MessageGroupId = aws.String(group)
		if opts.DeduplicationID != "" {
			in.MessageDeduplicationId = aws.String(opts.DeduplicationID)
		}
	}
	out, err := t.client.SendMessage(ctx, in)
	if err != nil {
		return "", fmt.Errorf("sqs send: %w", err)
	}
	return aws.ToString(out.MessageId), nil
}

// IsFIFO reports whether queueURL names a FIFO queue.
func IsFIFO(queueURL string) bool {
	return strings.HasSuffix(queueURL, fifoSuffix)
}

// Receive implements queue.Transport
func (t *Transport) Receive(ctx context.Context, queueURL string, opts queue.ReceiveOptions) ([]queue.Message, error) {
	n := opts.MaxMessages
	if n <= 0 {
		n = 1
	}
	if n > maxBatch {
		n = maxBatch
	}
	wait := opts.WaitTime
	if wait > maxWaitTime {
		wait = maxWaitTime
	}
	in := &sqs.ReceiveMessageInput{
		QueueUrl:                    aws.String(queueURL),
		MaxNumberOfMessages:         int32(n),
		WaitTimeSeconds:             int32(wait / time.Second),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{types.MessageSystemAttributeNameApproximateReceiveCount},
	}
	if opts.VisibilityTimeout > 0 {
		in.VisibilityTimeout = int32(opts.VisibilityTimeout / time.Second)
	}

	out, err := t.client.ReceiveMessage(ctx, in)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("sqs receive: %w", err)
	}

	msgs := make([]queue.Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		count, _ := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)])
		msgs = append(msgs, queue.Message{
			ID:           aws.ToString(m.MessageId),
			Body:         []byte(aws.ToString(m.Body)),
			Handle:       aws.ToString(m.ReceiptHandle),
			ReceiveCount: count,
		})
	}
	return msgs, nil
}

// Delete implements queue.Transport
func (t *Transport) Delete(ctx context.Context, queueURL, handle string) error {
	if handle == "" {
		return queue.ErrInvalidHandle
	}
	_, err := t.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(queueURL),
		ReceiptHandle: aws.String(handle),
	})
	if err != nil {
		return fmt.Errorf("sqs delete: %w", err)
	}
	return nil
}
