package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSQS struct {
	sent     []*sqs.SendMessageInput
	deleted  []string
	received []types.Message
}

func (f *fakeSQS) SendMessage(_ context.Context, in *sqs.SendMessageInput, _ ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.sent = append(f.sent, in)
	return &sqs.SendMessageOutput{}, nil
}

func (f *fakeSQS) ReceiveMessage(_ context.Context, _ *sqs.ReceiveMessageInput, _ ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	return &sqs.ReceiveMessageOutput{Messages: f.received}, nil
}

func (f *fakeSQS) DeleteMessage(_ context.Context, in *sqs.DeleteMessageInput, _ ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.deleted = append(f.deleted, aws.ToString(in.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func TestSQSQueueClampsDelay(t *testing.T) {
	client := &fakeSQS{}
	q := NewSQSQueue(client, "https://sqs.local/reconcile")

	require.NoError(t, q.Send(context.Background(), "a", 40*time.Second))
	require.NoError(t, q.Send(context.Background(), "b", time.Hour))

	require.Len(t, client.sent, 2)
	assert.Equal(t, int32(40), client.sent[0].DelaySeconds)
	assert.Equal(t, int32(900), client.sent[1].DelaySeconds)
	assert.Equal(t, "https://sqs.local/reconcile", aws.ToString(client.sent[0].QueueUrl))
}

func TestSQSQueueReceiveAndDelete(t *testing.T) {
	client := &fakeSQS{received: []types.Message{
		{MessageId: aws.String("m1"), Body: aws.String("{}"), ReceiptHandle: aws.String("r1")},
	}}
	q := NewSQSQueue(client, "https://sqs.local/reconcile")

	msgs, err := q.Receive(context.Background(), 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, Message{ID: "m1", Body: "{}", ReceiptHandle: "r1"}, msgs[0])

	require.NoError(t, q.Delete(context.Background(), "r1"))
	require.NoError(t, q.Delete(context.Background(), ""))
	assert.Equal(t, []string{"r1"}, client.deleted)
}

func TestMemoryQueueBatchesAndTimesOut(t *testing.T) {
	q := NewMemoryQueue(4)
	ctx := context.Background()
	require.NoError(t, q.Send(ctx, "one", 0))
	require.NoError(t, q.Send(ctx, "two", 0))

	msgs, err := q.Receive(ctx, 5, 1)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "one", msgs[0].Body)

	start := time.Now()
	msgs, err = q.Receive(ctx, 5, 1)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	assert.GreaterOrEqual(t, time.Since(start), 900*time.Millisecond)
}

func TestMemoryQueueDelayedSend(t *testing.T) {
	q := NewMemoryQueue(4)
	defer q.Close()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	require.NoError(t, q.Send(ctx, "later", 50*time.Millisecond))
	msgs, err := q.Receive(ctx, 1, 0)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "later", msgs[0].Body)
}

func TestMemoryQueueReceiveCancelled(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Receive(ctx, 1, 0)
	assert.ErrorIs(t, err, context.Canceled)
}
