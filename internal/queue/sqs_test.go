package queue

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqstypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahirjain10/video-workers/internal/types"
)

type fakeSQS struct {
	mu       sync.Mutex
	inbox    []sqstypes.Message
	deleted  []string
	delayed  []string
	sent     []string
	sendErr  error
	received int
}

func (f *fakeSQS) ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.received++
	n := int(params.MaxNumberOfMessages)
	if n > len(f.inbox) {
		n = len(f.inbox)
	}
	out := f.inbox[:n]
	f.inbox = f.inbox[n:]
	return &sqs.ReceiveMessageOutput{Messages: out}, nil
}

func (f *fakeSQS) DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, aws.ToString(params.ReceiptHandle))
	return &sqs.DeleteMessageOutput{}, nil
}

func (f *fakeSQS) ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delayed = append(f.delayed, aws.ToString(params.ReceiptHandle))
	return &sqs.ChangeMessageVisibilityOutput{}, nil
}

func (f *fakeSQS) SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return nil, f.sendErr
	}
	f.sent = append(f.sent, aws.ToString(params.MessageBody))
	return &sqs.SendMessageOutput{MessageId: aws.String("m-1")}, nil
}

func message(receipt, body string) sqstypes.Message {
	return sqstypes.Message{MessageId: aws.String(receipt), ReceiptHandle: aws.String(receipt), Body: aws.String(body)}
}

func TestSqsReceiveDeletesAcceptedAndPoisonMessages(t *testing.T) {
	client := &fakeSQS{inbox: []sqstypes.Message{
		message("ok", `{"version":1,"source_id":"video-1","display_name":"a.mp4"}`),
		message("poison", `not json`),
	}}
	d := &fakeDispatcher{}
	svc := NewSqsService(hclog.NewNullLogger(), client, SqsConfig{UploadsURL: "uploads", ResultsURL: "results"},
		NewUploadHandler(hclog.NewNullLogger(), d, nil))

	require.NoError(t, svc.receiveOnce(context.Background(), hclog.NewNullLogger()))
	require.NoError(t, svc.receiveOnce(context.Background(), hclog.NewNullLogger()))

	assert.Equal(t, []string{"ok", "poison"}, client.deleted)
	assert.Empty(t, client.delayed)
	require.Len(t, d.dispatched(), 1)
	assert.Equal(t, "video-1", d.dispatched()[0].SourceID)
}

func TestSqsReceiveLeavesTransientFailuresForRedelivery(t *testing.T) {
	client := &fakeSQS{inbox: []sqstypes.Message{message("retry", `{"version":1,"source_id":"video-1"}`)}}
	d := &fakeDispatcher{err: context.DeadlineExceeded}
	svc := NewSqsService(hclog.NewNullLogger(), client, SqsConfig{UploadsURL: "uploads"},
		NewUploadHandler(hclog.NewNullLogger(), d, nil))

	require.NoError(t, svc.receiveOnce(context.Background(), hclog.NewNullLogger()))
	assert.Empty(t, client.deleted)
	assert.Equal(t, []string{"retry"}, client.delayed)
}

func TestSqsPublishResult(t *testing.T) {
	client := &fakeSQS{}
	svc := NewSqsService(hclog.NewNullLogger(), client, SqsConfig{ResultsURL: "results"}, nil)

	msg := types.ResultMessage{Version: 1, Event: types.VideoProcessedEvent, JobID: "video-1", Resolutions: map[string]string{"720p": "a"}}
	require.NoError(t, svc.PublishResult(context.Background(), msg))
	require.Len(t, client.sent, 1)
	assert.JSONEq(t, `{"version":1,"event":"video_processed","job_id":"video-1","file_name":"","transcript_file_id":"","resolutions":{"720p":"a"},"timed_out":false}`, client.sent[0])

	client.sendErr = errors.New("throttled")
	assert.Error(t, svc.PublishResult(context.Background(), msg))
}

func TestSqsStartStopsOnCancel(t *testing.T) {
	client := &fakeSQS{}
	svc := NewSqsService(hclog.NewNullLogger(), client, SqsConfig{UploadsURL: "uploads", Workers: 2, WaitTime: time.Second},
		NewUploadHandler(hclog.NewNullLogger(), &fakeDispatcher{}, nil))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = svc.Start(ctx)
		close(done)
	}()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after cancel")
	}
}
