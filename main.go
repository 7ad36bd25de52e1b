package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/config"
	"github.com/mahirjain10/video-workers/internal/aws"
	"github.com/mahirjain10/video-workers/internal/blob"
	"github.com/mahirjain10/video-workers/internal/logger"
	"github.com/mahirjain10/video-workers/internal/pipeline"
	"github.com/mahirjain10/video-workers/internal/queue"
	"github.com/mahirjain10/video-workers/internal/resources"
	"github.com/mahirjain10/video-workers/internal/status"
	"github.com/mahirjain10/video-workers/internal/transcode"
	"github.com/mahirjain10/video-workers/internal/transcription"
	"github.com/mahirjain10/video-workers/internal/types"
)

const shutdownGrace = 30 * time.Second

// consumer is an event channel transport that feeds uploads to the dispatcher.
type consumer interface {
	Start(ctx context.Context) error
	PublishResult(ctx context.Context, msg types.ResultMessage) error
}

type App struct {
	config     *config.Config
	logger     hclog.Logger
	aggregator *pipeline.Aggregator
	consumer   consumer
	closers    []func() error
}

// NewApp creates and initializes a new App instance with all dependencies
func NewApp(ctx context.Context, log hclog.Logger, envConfig *config.Config) (*App, error) {
	app := &App{config: envConfig, logger: log}

	var store pipeline.BlobStore
	var sqsClient *sqs.Client
	if envConfig.NeedsAws() {
		awsConfig, err := config.InitializeAws(ctx, envConfig.AwsRegion)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize AWS config: %w", err)
		}
		if envConfig.BlobBackend == config.BlobS3 {
			store = aws.NewS3Service(aws.NewS3Client(awsConfig, envConfig.S3PathStyle), envConfig.AwsBucketName, log)
		}
		if envConfig.EventTransport == config.TransportSQS {
			sqsClient = sqs.NewFromConfig(awsConfig)
		}
	}
	if store == nil {
		if err := os.MkdirAll(envConfig.LocalBlobRoot, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create blob root: %w", err)
		}
		store = blob.LocalFS{Root: envConfig.LocalBlobRoot}
		log.Info("using local blob store", "root", envConfig.LocalBlobRoot)
	}

	worker := transcode.NewWorker(envConfig.FFmpegPath, envConfig.FFprobePath, store, log)
	transcriber := transcription.NewClient(log, envConfig.TranscriptionURL, envConfig.TranscriptionTimeout)
	notifier := status.NewNotifier(log, envConfig.StatusURL, envConfig.StatusTimeout)

	// the dispatcher and the transport reference each other through the aggregator's publisher
	publisher := &lazyPublisher{}
	app.aggregator = pipeline.NewAggregator(log, publisher, notifier, envConfig.JobTimeout)
	dispatcher := pipeline.NewDispatcher(pipeline.DispatcherConfig{
		Resolutions:     envConfig.Resolutions,
		WorkDir:         envConfig.WorkDir,
		BurnSubtitles:   envConfig.BurnSubtitles,
		ThumbnailWidth:  envConfig.ThumbnailWidth,
		ThumbnailHeight: envConfig.ThumbnailHeight,
	}, log, app.aggregator, store, transcriber, worker)
	guard := resources.NewGuard(log, envConfig.WorkDir, resources.Limits{
		MinFreeDiskBytes: uint64(envConfig.MinFreeDiskMB) << 20,
		MaxMemoryPercent: envConfig.MaxMemoryPercent,
	})
	handler := queue.NewUploadHandler(log, dispatcher, guard)

	switch envConfig.EventTransport {
	case config.TransportSQS:
		app.consumer = queue.NewSqsService(log, sqsClient, queue.SqsConfig{
			UploadsURL: envConfig.SqsUploadsURL,
			ResultsURL: envConfig.SqsResultsURL,
			Workers:    envConfig.ConsumerWorkers,
		}, handler)
	case config.TransportDir:
		dirService := queue.NewDirService(log, queue.DirConfig{
			InboxDir:  envConfig.InboxDir,
			OutboxDir: envConfig.OutboxDir,
		}, handler)
		if err := dirService.Prepare(); err != nil {
			return nil, err
		}
		app.consumer = dirService
	default:
		conn, err := queue.NewRabbitMQClient(envConfig.RabbitMqURL)
		if err != nil {
			return nil, err
		}
		rabbitMqService := queue.NewRabbitMqService(log, conn, queue.RabbitMqConfig{
			URL:          envConfig.RabbitMqURL,
			UploadsQueue: envConfig.UploadsQueue,
			ResultsQueue: envConfig.ResultsQueue,
			Workers:      envConfig.ConsumerWorkers,
		}, handler)
		if err := rabbitMqService.Declare(); err != nil {
			rabbitMqService.Close()
			return nil, err
		}
		app.consumer = rabbitMqService
		app.closers = append(app.closers, rabbitMqService.Close)
	}
	publisher.set(app.consumer)

	log.Info("application initialized",
		"transport", envConfig.EventTransport,
		"blob", envConfig.BlobBackend,
		"resolutions", len(envConfig.Resolutions),
		"job_timeout", envConfig.JobTimeout,
		"burn_subtitles", envConfig.BurnSubtitles)
	return app, nil
}

// Run consumes until ctx ends, then flushes every in-flight job.
func (a *App) Run(ctx context.Context) error {
	err := a.consumer.Start(ctx)

	a.logger.Info("draining in-flight jobs", "jobs", a.aggregator.InFlight())
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if shutdownErr := a.aggregator.Shutdown(shutdownCtx); shutdownErr != nil {
		a.logger.Error("in-flight jobs did not drain", "error", shutdownErr)
	}

	for _, closeFn := range a.closers {
		if closeErr := closeFn(); closeErr != nil {
			a.logger.Warn("close failed", "error", closeErr)
		}
	}
	return err
}

func main() {
	boot := logger.New("video-workers", os.Getenv("LOG_LEVEL"), os.Getenv("LOG_FORMAT"))

	envConfig, err := config.InitializeEnvs(boot)
	if err != nil {
		boot.Error("failed to initialize environment config", "error", err)
		os.Exit(1)
	}
	log := logger.New("video-workers", envConfig.LogLevel, envConfig.LogFormat)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	app, err := NewApp(ctx, log, envConfig)
	if err != nil {
		log.Error("failed to initialize application", "error", err)
		os.Exit(1)
	}

	if err := app.Run(ctx); err != nil {
		log.Error("application stopped with error", "error", err)
		os.Exit(1)
	}
	log.Info("shutdown complete")
}
