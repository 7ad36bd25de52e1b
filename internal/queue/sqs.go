package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/types"
	"github.com/mahirjain10/video-workers/internal/utils"
)

// SQSAPI is the part of the SQS client the adapter uses.
type SQSAPI interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

type SqsConfig struct {
	UploadsURL string
	ResultsURL string
	Workers    int
	// WaitTime is the long-poll duration of one receive call, at most 20s.
	WaitTime time.Duration
	// RetryDelay is how long a requeued message stays invisible.
	RetryDelay time.Duration
}

// SqsService is the SQS event channel: uploads are long-polled, results are sent.
type SqsService struct {
	logger  hclog.Logger
	client  SQSAPI
	config  SqsConfig
	handler *UploadHandler
}

func NewSqsService(logger hclog.Logger, client SQSAPI, config SqsConfig, handler *UploadHandler) *SqsService {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.WaitTime <= 0 || config.WaitTime > 20*time.Second {
		config.WaitTime = 20 * time.Second
	}
	if config.RetryDelay <= 0 {
		config.RetryDelay = 30 * time.Second
	}
	return &SqsService{
		logger:  logger.Named("sqs"),
		client:  client,
		config:  config,
		handler: handler,
	}
}

// PublishResult sends msg to the results queue.
func (s *SqsService) PublishResult(ctx context.Context, msg types.ResultMessage) error {
	body, err := utils.SerializeJSON(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	_, err = s.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(s.config.ResultsURL),
		MessageBody: aws.String(string(body)),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	s.logger.Debug("sent to results queue", "job_id", msg.JobID)
	return nil
}

// Start runs the receive loops until ctx is cancelled.
func (s *SqsService) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.poll(ctx, s.logger.With("worker", worker+1))
		}(i)
	}
	<-ctx.Done()
	s.logger.Info("shutting down all consumers gracefully")
	wg.Wait()
	return nil
}

func (s *SqsService) poll(ctx context.Context, log hclog.Logger) {
	for ctx.Err() == nil {
		if err := s.receiveOnce(ctx, log); err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error("receive message error", "error", err)
			sleep(ctx, reconnectDelay)
		}
	}
}

// receiveOnce long-polls for one batch and handles every message in it.
func (s *SqsService) receiveOnce(ctx context.Context, log hclog.Logger) error {
	out, err := s.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(s.config.UploadsURL),
		MaxNumberOfMessages: 1,
		WaitTimeSeconds:     int32(s.config.WaitTime / time.Second),
	})
	if err != nil {
		return err
	}

	for _, m := range out.Messages {
		body := aws.ToString(m.Body)
		err := s.handler.Handle(ctx, []byte(body))
		if err != nil && shouldRequeue(err) {
			log.Error("error processing message, leaving it for redelivery", "error", err, "message_id", aws.ToString(m.MessageId))
			s.retryLater(ctx, log, m.ReceiptHandle)
			continue
		}
		if err != nil {
			log.Error("dropping message", "error", err, "message_id", aws.ToString(m.MessageId))
		}
		// delete accepted and poisoned messages alike
		if _, delErr := s.client.DeleteMessage(context.WithoutCancel(ctx), &sqs.DeleteMessageInput{
			QueueUrl:      aws.String(s.config.UploadsURL),
			ReceiptHandle: m.ReceiptHandle,
		}); delErr != nil {
			log.Warn("failed to delete message", "error", delErr)
		}
	}
	return nil
}

func (s *SqsService) retryLater(ctx context.Context, log hclog.Logger, receipt *string) {
	_, err := s.client.ChangeMessageVisibility(context.WithoutCancel(ctx), &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(s.config.UploadsURL),
		ReceiptHandle:     receipt,
		VisibilityTimeout: int32(s.config.RetryDelay / time.Second),
	})
	if err != nil {
		log.Warn("failed to change message visibility", "error", err)
	}
}
