package queue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/mahirjain10/video-workers/internal/types"
	"github.com/mahirjain10/video-workers/internal/utils"
)

const (
	reconnectDelay = 5 * time.Second
	// broker or credential failures are not fixed by hammering the broker
	fatalReconnectDelay = 30 * time.Second
	publishTimeout      = 5 * time.Second
)

type RabbitMqConfig struct {
	URL          string
	UploadsQueue string
	ResultsQueue string
	Workers      int
}

// RabbitMqService consumes upload events and publishes result messages over RabbitMQ.
type RabbitMqService struct {
	logger  hclog.Logger
	config  RabbitMqConfig
	handler *UploadHandler

	mu        sync.Mutex
	conn      *amqp.Connection
	publishCh *amqp.Channel
}

func NewRabbitMqService(logger hclog.Logger, conn *amqp.Connection, config RabbitMqConfig, handler *UploadHandler) *RabbitMqService {
	if config.Workers < 1 {
		config.Workers = 1
	}
	return &RabbitMqService{
		logger:  logger.Named("rabbitmq"),
		config:  config,
		handler: handler,
		conn:    conn,
	}
}

// connection returns a live connection, dialing again if the broker dropped the old one.
func (s *RabbitMqService) connection() (*amqp.Connection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn, nil
	}
	conn, err := NewRabbitMQClient(s.config.URL)
	if err != nil {
		return nil, err
	}
	s.conn = conn
	s.publishCh = nil
	return conn, nil
}

// Declare creates both queues so producers and consumers can start in any order.
func (s *RabbitMqService) Declare() error {
	conn, err := s.connection()
	if err != nil {
		return err
	}
	ch, err := NewChannel(conn)
	if err != nil {
		return err
	}
	defer ch.Close()
	for _, name := range []string{s.config.UploadsQueue, s.config.ResultsQueue} {
		if _, err := NewQueue(ch, name); err != nil {
			return err
		}
		s.logger.Info("queue declared", "queue", name)
	}
	return nil
}

// PublishResult sends msg to the results queue as persistent JSON.
func (s *RabbitMqService) PublishResult(ctx context.Context, msg types.ResultMessage) error {
	body, err := utils.SerializeJSON(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize message: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	ch, err := s.publishChannel()
	if err != nil {
		return err
	}
	err = ch.PublishWithContext(ctx,
		"",
		s.config.ResultsQueue,
		false,
		false,
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			MessageId:    msg.JobID,
			Timestamp:    time.Now(),
			Body:         body,
		})
	if err != nil {
		s.dropPublishChannel(ch)
		return fmt.Errorf("failed to publish message: %w", err)
	}
	s.logger.Debug("pushed to results queue", "job_id", msg.JobID)
	return nil
}

func (s *RabbitMqService) publishChannel() (*amqp.Channel, error) {
	conn, err := s.connection()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishCh != nil && !s.publishCh.IsClosed() {
		return s.publishCh, nil
	}
	ch, err := NewChannel(conn)
	if err != nil {
		return nil, err
	}
	if _, err := NewQueue(ch, s.config.ResultsQueue); err != nil {
		ch.Close()
		return nil, err
	}
	s.publishCh = ch
	return ch, nil
}

func (s *RabbitMqService) dropPublishChannel(ch *amqp.Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishCh == ch {
		s.publishCh.Close()
		s.publishCh = nil
	}
}

// Start runs the configured number of upload consumers until ctx is cancelled.
func (s *RabbitMqService) Start(ctx context.Context) error {
	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			s.consume(ctx, s.logger.With("queue", s.config.UploadsQueue, "worker", worker+1))
		}(i)
	}
	<-ctx.Done()
	s.logger.Info("shutting down all consumers gracefully")
	wg.Wait()
	return nil
}

func (s *RabbitMqService) consume(ctx context.Context, log hclog.Logger) {
	var consumerCh *amqp.Channel
	defer func() {
		if consumerCh != nil {
			consumerCh.Close()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		if consumerCh == nil || consumerCh.IsClosed() {
			conn, err := s.connection()
			if err != nil {
				log.Error("failed to connect to RabbitMQ", "error", err, "fatal", utils.IsFatalError(err))
				sleep(ctx, backoffFor(err))
				continue
			}
			consumerCh, err = NewChannel(conn)
			if err != nil {
				log.Error("failed to create channel", "error", err)
				sleep(ctx, backoffFor(err))
				continue
			}
			if _, err := NewQueue(consumerCh, s.config.UploadsQueue); err != nil {
				log.Error("failed to declare queue", "error", err)
				consumerCh.Close()
				consumerCh = nil
				sleep(ctx, backoffFor(err))
				continue
			}
		}

		msgs, err := NewQueueConsumer(consumerCh, s.config.UploadsQueue, 1)
		if err != nil {
			log.Error("failed to start consumer", "error", err)
			consumerCh.Close()
			consumerCh = nil
			sleep(ctx, backoffFor(err))
			continue
		}
		log.Info("worker started, waiting for messages")

		if !s.drain(ctx, log, msgs) {
			return
		}
		// a channel that failed an ack may still look open
		consumerCh.Close()
		consumerCh = nil
		sleep(ctx, 2*time.Second)
	}
}

// drain handles deliveries until the channel closes or fails (true) or ctx ends (false).
func (s *RabbitMqService) drain(ctx context.Context, log hclog.Logger, msgs <-chan amqp.Delivery) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case d, ok := <-msgs:
			if !ok {
				log.Warn("channel closed, will recreate")
				return true
			}
			if err := s.handler.Handle(ctx, d.Body); err != nil {
				// a redelivered message that fails again is dropped unless we are shutting down
				requeue := shouldRequeue(err) && (!d.Redelivered || ctx.Err() != nil)
				log.Error("error processing message", "error", err, "requeue", requeue)
				if nackErr := d.Nack(false, requeue); nackErr != nil {
					log.Warn("nack failed", "error", nackErr)
					if utils.IsFatalError(nackErr) {
						return true
					}
				}
				continue
			}
			if err := d.Ack(false); err != nil {
				log.Warn("ack failed", "error", err)
				if utils.IsFatalError(err) {
					log.Warn("channel unusable, will recreate")
					return true
				}
			}
		}
	}
}

// Close releases the publishing channel and the connection.
func (s *RabbitMqService) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishCh != nil {
		s.publishCh.Close()
		s.publishCh = nil
	}
	if s.conn != nil && !s.conn.IsClosed() {
		return s.conn.Close()
	}
	return nil
}

func backoffFor(err error) time.Duration {
	if utils.IsFatalError(err) {
		return fatalReconnectDelay
	}
	return reconnectDelay
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
