package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
	godotenv "github.com/joho/godotenv"

	"github.com/mahirjain10/video-workers/internal/types"
)

const (
	TransportRabbitMQ = "rabbitmq"
	TransportSQS      = "sqs"
	TransportDir      = "dir"

	BlobS3    = "s3"
	BlobLocal = "local"
)

// DefaultResolutions is the ladder used when RESOLUTIONS is unset.
const DefaultResolutions = "720p=1280x720,480p=640x480,360p=480x360"

type Config struct {
	EventTransport string

	RabbitMqURL     string
	UploadsQueue    string
	ResultsQueue    string
	ConsumerWorkers int
	SqsUploadsURL   string
	SqsResultsURL   string
	InboxDir        string
	OutboxDir       string

	BlobBackend   string
	AwsRegion     string
	AwsBucketName string
	S3PathStyle   bool
	LocalBlobRoot string
	WorkDir       string

	TranscriptionURL     string
	TranscriptionTimeout time.Duration
	StatusURL            string
	StatusTimeout        time.Duration

	FFmpegPath      string
	FFprobePath     string
	BurnSubtitles   bool
	JobTimeout      time.Duration
	Resolutions     []types.ResolutionSpec
	ThumbnailWidth  int
	ThumbnailHeight int

	// MinFreeDiskMB and MaxMemoryPercent hold uploads back under pressure; 0 disables.
	MinFreeDiskMB    int
	MaxMemoryPercent float64

	LogLevel  string
	LogFormat string
}

// loadEnvFiles overlays .env files picked by APP_ENV onto the process environment.
func loadEnvFiles(logger hclog.Logger) {
	switch env := os.Getenv("APP_ENV"); env {
	case "docker":
		if err := godotenv.Overload(".env.docker"); err == nil {
			logger.Info("loaded env file", "file", ".env.docker")
		} else {
			logger.Info(".env.docker not found, using existing environment")
		}
	case "dev", "":
		if err := godotenv.Overload(".env.dev"); err == nil {
			logger.Info("loaded env file", "file", ".env.dev")
		} else if err := godotenv.Overload(".env"); err == nil {
			logger.Info("loaded env file", "file", ".env")
		} else {
			logger.Info("no .env.dev or .env found, using system environment variables")
		}
	default:
		fname := ".env." + env
		if err := godotenv.Overload(fname); err == nil {
			logger.Info("loaded env file", "file", fname)
		} else if err := godotenv.Overload(".env"); err == nil {
			logger.Info("loaded env file", "file", ".env")
		} else {
			logger.Info("no env file found, using system environment variables", "tried", fname)
		}
	}
}

// InitializeEnvs loads env files and builds a validated Config from the environment.
func InitializeEnvs(logger hclog.Logger) (*Config, error) {
	loadEnvFiles(logger)
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from a lookup function. Missing optional keys fall back to defaults.
func FromEnv(getenv func(string) string) (*Config, error) {
	get := func(key, fallback string) string {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			return v
		}
		return fallback
	}

	var errs []string
	duration := func(key, fallback string) time.Duration {
		d, err := time.ParseDuration(get(key, fallback))
		if err != nil || d <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be a positive duration", key))
		}
		return d
	}
	integer := func(key, fallback string) int {
		n, err := strconv.Atoi(get(key, fallback))
		if err != nil || n <= 0 {
			errs = append(errs, fmt.Sprintf("%s must be a positive integer", key))
		}
		return n
	}

	nonNegative := func(key, fallback string) int {
		n, err := strconv.Atoi(get(key, fallback))
		if err != nil || n < 0 {
			errs = append(errs, fmt.Sprintf("%s must be zero or a positive integer", key))
		}
		return n
	}
	maxMem, err := strconv.ParseFloat(get("MAX_MEMORY_PERCENT", "0"), 64)
	if err != nil || maxMem < 0 || maxMem > 100 {
		errs = append(errs, "MAX_MEMORY_PERCENT must be between 0 and 100")
	}

	boolean := func(key, fallback string) bool {
		b, err := strconv.ParseBool(get(key, fallback))
		if err != nil {
			errs = append(errs, fmt.Sprintf("%s must be a boolean", key))
		}
		return b
	}

	resolutions, err := ParseResolutions(get("RESOLUTIONS", DefaultResolutions))
	if err != nil {
		errs = append(errs, err.Error())
	}

	cfg := &Config{
		EventTransport:       strings.ToLower(get("EVENT_TRANSPORT", TransportRabbitMQ)),
		RabbitMqURL:          get("RABBITMQ_URL", ""),
		UploadsQueue:         get("UPLOADS_QUEUE", "video_uploads"),
		ResultsQueue:         get("RESULTS_QUEUE", "video_results"),
		ConsumerWorkers:      integer("CONSUMER_WORKERS", "2"),
		SqsUploadsURL:        get("SQS_UPLOADS_QUEUE_URL", ""),
		SqsResultsURL:        get("SQS_RESULTS_QUEUE_URL", ""),
		InboxDir:             get("INBOX_DIR", "inbox"),
		OutboxDir:            get("OUTBOX_DIR", "outbox"),
		BlobBackend:          strings.ToLower(get("BLOB_BACKEND", BlobS3)),
		AwsRegion:            get("AWS_REGION", ""),
		AwsBucketName:        get("AWS_BUCKET_NAME", ""),
		S3PathStyle:          boolean("S3_PATH_STYLE", "false"),
		LocalBlobRoot:        get("LOCAL_BLOB_ROOT", "blobs"),
		WorkDir:              get("WORK_DIR", os.TempDir()),
		TranscriptionURL:     get("TRANSCRIPTION_URL", ""),
		TranscriptionTimeout: duration("TRANSCRIPTION_TIMEOUT", "30s"),
		StatusURL:            get("STATUS_URL", ""),
		StatusTimeout:        duration("STATUS_TIMEOUT", "5s"),
		FFmpegPath:           get("FFMPEG_PATH", "ffmpeg"),
		FFprobePath:          get("FFPROBE_PATH", "ffprobe"),
		BurnSubtitles:        boolean("BURN_SUBTITLES", "false"),
		JobTimeout:           duration("JOB_TIMEOUT", "10m"),
		Resolutions:          resolutions,
		ThumbnailWidth:       integer("THUMBNAIL_WIDTH", "640"),
		ThumbnailHeight:      integer("THUMBNAIL_HEIGHT", "360"),
		MinFreeDiskMB:        nonNegative("MIN_FREE_DISK_MB", "1024"),
		MaxMemoryPercent:     maxMem,
		LogLevel:             get("LOG_LEVEL", "info"),
		LogFormat:            get("LOG_FORMAT", "text"),
	}

	switch cfg.EventTransport {
	case TransportRabbitMQ:
		if cfg.RabbitMqURL == "" {
			errs = append(errs, "RABBITMQ_URL is missing")
		}
	case TransportSQS:
		if cfg.SqsUploadsURL == "" || cfg.SqsResultsURL == "" {
			errs = append(errs, "SQS_UPLOADS_QUEUE_URL or SQS_RESULTS_QUEUE_URL is missing")
		}
	case TransportDir:
	default:
		errs = append(errs, fmt.Sprintf("unsupported EVENT_TRANSPORT %q", cfg.EventTransport))
	}

	switch cfg.BlobBackend {
	case BlobS3:
		if cfg.AwsBucketName == "" {
			errs = append(errs, "AWS_BUCKET_NAME is missing")
		}
	case BlobLocal:
	default:
		errs = append(errs, fmt.Sprintf("unsupported BLOB_BACKEND %q", cfg.BlobBackend))
	}

	if cfg.TranscriptionURL == "" {
		errs = append(errs, "TRANSCRIPTION_URL is missing")
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid configuration: %s", strings.Join(errs, "; "))
	}
	return cfg, nil
}

// NeedsAws reports whether any configured backend talks to AWS.
func (c *Config) NeedsAws() bool {
	return c.BlobBackend == BlobS3 || c.EventTransport == TransportSQS
}

// ParseResolutions parses an ordered "label=WxH,label=WxH" list.
func ParseResolutions(raw string) ([]types.ResolutionSpec, error) {
	parts := strings.Split(raw, ",")
	specs := make([]types.ResolutionSpec, 0, len(parts))
	seen := make(map[string]bool, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		label, dims, ok := strings.Cut(part, "=")
		if !ok {
			return nil, fmt.Errorf("resolution %q must look like label=WIDTHxHEIGHT", part)
		}
		w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(dims)), "x")
		if !ok {
			return nil, fmt.Errorf("resolution %q must look like label=WIDTHxHEIGHT", part)
		}
		width, err := strconv.Atoi(strings.TrimSpace(w))
		if err != nil {
			return nil, fmt.Errorf("resolution %q has invalid width: %w", part, err)
		}
		height, err := strconv.Atoi(strings.TrimSpace(h))
		if err != nil {
			return nil, fmt.Errorf("resolution %q has invalid height: %w", part, err)
		}
		spec := types.ResolutionSpec{Label: strings.TrimSpace(label), Width: width, Height: height}
		if err := spec.Validate(); err != nil {
			return nil, err
		}
		if seen[spec.Label] {
			return nil, fmt.Errorf("resolution %s is listed twice", spec.Label)
		}
		seen[spec.Label] = true
		specs = append(specs, spec)
	}
	if len(specs) == 0 {
		return nil, fmt.Errorf("at least one resolution is required")
	}
	return specs, nil
}
