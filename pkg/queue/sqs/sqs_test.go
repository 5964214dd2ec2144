package sqs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vikram2000b/sage-billing-engine/pkg/queue"
)

const (
	queueURL         = "https://sqs.us-east-1.amazonaws.com/123456789012/usage-events.fifo"
	standardQueueURL = "https://sqs.us-east-1.amazonaws.com/123456789012/billing-events"
)

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	received []*sqs.ReceiveMessageInput
	deleted  []*sqs.DeleteMessageInput
	messages []types.Message
	err      error
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	// Mirror the SendMessage contract for queue types.
	if strings.HasSuffix(aws.ToString(in.QueueUrl), ".fifo") {
		if in.MessageGroupId == nil {
			return nil, errors.New("InvalidParameterValue: MessageGroupId is required for FIFO queues")
		}
	} else if in.MessageGroupId != nil || in.MessageDeduplicationId != nil {
		return nil, errors.New("InvalidParameterValue: standard queues do not accept group or deduplication ids")
	}
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{MessageId: aws.String("msg-1")}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, in *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.received = append(f.received, in)
	return &sqs.ReceiveMessageOutput{Messages: f.messages}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.deleted = append(f.deleted, in)
	return &sqs.DeleteMessageOutput{}, nil
}

func TestTransport_Publish(t *testing.T) {
	fake := &fakeSQS{}
	tr := New(fake)

	id, err := tr.Publish(context.Background(), queueURL, []byte(`{"a":1}`), queue.PublishOptions{
		GroupID:         "ws_1",
		DeduplicationID: "evt_1",
	})
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	require.Len(t, fake.sent, 1)
	in := fake.sent[0]
	assert.Equal(t, queueURL, aws.ToString(in.QueueUrl))
	assert.Equal(t, `{"a":1}`, aws.ToString(in.MessageBody))
	assert.Equal(t, "ws_1", aws.ToString(in.MessageGroupId))
	assert.Equal(t, "evt_1", aws.ToString(in.MessageDeduplicationId))
}

func TestTransport_PublishStandardQueue(t *testing.T) {
	fake := &fakeSQS{}
	tr := New(fake)

	_, err := tr.Publish(context.Background(), standardQueueURL, []byte("x"), queue.PublishOptions{})
	require.NoError(t, err)

	// Ordering hints are dropped rather than rejected.
	_, err = tr.Publish(context.Background(), standardQueueURL, []byte("y"), queue.PublishOptions{
		GroupID:         "ws_1",
		DeduplicationID: "evt_1",
	})
	require.NoError(t, err)

	require.Len(t, fake.sent, 2)
	for _, in := range fake.sent {
		assert.Nil(t, in.MessageGroupId)
		assert.Nil(t, in.MessageDeduplicationId)
	}
}

func TestTransport_PublishFIFOWithoutGroup(t *testing.T) {
	fake := &fakeSQS{}
	_, err := New(fake).Publish(context.Background(), queueURL, []byte("x"), queue.PublishOptions{})
	require.NoError(t, err)

	require.Len(t, fake.sent, 1)
	assert.Equal(t, defaultGroupID, aws.ToString(fake.sent[0].MessageGroupId))
	assert.Nil(t, fake.sent[0].MessageDeduplicationId)
}

func TestIsFIFO(t *testing.T) {
	assert.True(t, IsFIFO(queueURL))
	assert.False(t, IsFIFO(standardQueueURL))
}

func TestTransport_Receive(t *testing.T) {
	fake := &fakeSQS{messages: []types.Message{{
		MessageId:     aws.String("m1"),
		Body:          aws.String(`{"b":2}`),
		ReceiptHandle: aws.String("rh-1"),
		Attributes:    map[string]string{"ApproximateReceiveCount": "3"},
	}}}
	tr := New(fake)

	msgs, err := tr.Receive(context.Background(), queueURL, queue.ReceiveOptions{
		MaxMessages:       25,
		WaitTime:          time.Minute,
		VisibilityTimeout: 60 * time.Second,
	})
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, queue.Message{ID: "m1", Body: []byte(`{"b":2}`), Handle: "rh-1", ReceiveCount: 3}, msgs[0])

	in := fake.received[0]
	assert.Equal(t, int32(10), in.MaxNumberOfMessages)
	assert.Equal(t, int32(20), in.WaitTimeSeconds)
	assert.Equal(t, int32(60), in.VisibilityTimeout)
}

func TestTransport_Delete(t *testing.T) {
	fake := &fakeSQS{}
	tr := New(fake)

	require.NoError(t, tr.Delete(context.Background(), queueURL, "rh-1"))
	assert.Equal(t, "rh-1", aws.ToString(fake.deleted[0].ReceiptHandle))
	assert.ErrorIs(t, tr.Delete(context.Background(), queueURL, ""), queue.ErrInvalidHandle)
}

func TestTransport_Errors(t *testing.T) {
	boom := errors.New("throttled")
	tr := New(&fakeSQS{err: boom})
	ctx := context.Background()

	_, err := tr.Publish(ctx, queueURL, []byte("x"), queue.PublishOptions{})
	assert.ErrorIs(t, err, boom)
	_, err = tr.Receive(ctx, queueURL, queue.ReceiveOptions{})
	assert.ErrorIs(t, err, boom)
	assert.ErrorIs(t, tr.Delete(ctx, queueURL, "rh"), boom)
}
