package queue

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/pipeline"
	"github.com/mahirjain10/video-workers/internal/types"
	"github.com/mahirjain10/video-workers/internal/utils"
)

// ProcessingError tells a consumer whether the delivery should come back.
type ProcessingError struct {
	Err     error
	Requeue bool
}

func (p ProcessingError) Error() string {
	return p.Err.Error()
}

func (p ProcessingError) Unwrap() error {
	return p.Err
}

// Dispatcher accepts decoded upload events.
type Dispatcher interface {
	Dispatch(ctx context.Context, event types.UploadEvent) (*pipeline.JobHandle, error)
}

// Admitter blocks until the host can take another job.
type Admitter interface {
	Wait(ctx context.Context) error
}

// UploadHandler turns raw upload message bodies into dispatched jobs. It is shared by
// every transport.
type UploadHandler struct {
	logger     hclog.Logger
	dispatcher Dispatcher
	admitter   Admitter
}

// NewUploadHandler builds a handler; admitter may be nil.
func NewUploadHandler(logger hclog.Logger, dispatcher Dispatcher, admitter Admitter) *UploadHandler {
	return &UploadHandler{
		logger:     logger.Named("uploads"),
		dispatcher: dispatcher,
		admitter:   admitter,
	}
}

// DecodeUploadEvent parses an upload message body. Unknown future versions are rejected.
func DecodeUploadEvent(body []byte) (types.UploadEvent, error) {
	var event types.UploadEvent
	if err := utils.ParseJSON(body, &event); err != nil {
		return types.UploadEvent{}, types.NewError(types.KindInvalidEvent, "decode", err)
	}
	if event.Version > types.EventVersion {
		return types.UploadEvent{}, types.NewError(types.KindInvalidEvent, "decode",
			fmt.Errorf("unsupported event version %d", event.Version))
	}
	return event, nil
}

// Handle decodes body and dispatches it. A nil return means the message can be acknowledged:
// the job is either running or already in flight from an earlier delivery.
func (h *UploadHandler) Handle(ctx context.Context, body []byte) error {
	event, err := DecodeUploadEvent(body)
	if err != nil {
		h.logger.Warn("malformed upload message", "error", err, "body", truncate(body, 256))
		return ProcessingError{Err: err, Requeue: false}
	}

	if h.admitter != nil {
		if err := h.admitter.Wait(ctx); err != nil {
			return ProcessingError{Err: fmt.Errorf("not admitted: %w", err), Requeue: true}
		}
	}
	if err := ctx.Err(); err != nil {
		return ProcessingError{Err: err, Requeue: true}
	}

	if _, err := h.dispatcher.Dispatch(ctx, event); err != nil {
		if errors.Is(err, types.ErrInvalidEvent) {
			return ProcessingError{Err: err, Requeue: false}
		}
		return ProcessingError{Err: err, Requeue: utils.IsTransientError(err)}
	}
	h.logger.Debug("upload accepted", "job_id", event.SourceID)
	return nil
}

// shouldRequeue reports whether a failed delivery is worth another attempt.
func shouldRequeue(err error) bool {
	var procErr ProcessingError
	if errors.As(err, &procErr) {
		return procErr.Requeue
	}
	return utils.IsTransientError(err)
}

func truncate(body []byte, n int) string {
	if len(body) <= n {
		return string(body)
	}
	return string(body[:n]) + "..."
}
