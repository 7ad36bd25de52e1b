package queue

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahirjain10/video-workers/internal/pipeline"
	"github.com/mahirjain10/video-workers/internal/types"
)

type fakeDispatcher struct {
	mu     sync.Mutex
	events []types.UploadEvent
	err    error
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, event types.UploadEvent) (*pipeline.JobHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	if f.err != nil {
		return nil, f.err
	}
	if err := pipeline.ValidateEvent(event); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeDispatcher) dispatched() []types.UploadEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]types.UploadEvent(nil), f.events...)
}

func TestDecodeUploadEvent(t *testing.T) {
	event, err := DecodeUploadEvent([]byte(`{"version":1,"source_id":"video-1","display_name":"clip.mp4"}`))
	require.NoError(t, err)
	assert.Equal(t, types.UploadEvent{Version: 1, SourceID: "video-1", DisplayName: "clip.mp4"}, event)

	_, err = DecodeUploadEvent([]byte(`clip.mp4,video-1`))
	assert.True(t, errors.Is(err, types.ErrInvalidEvent))

	_, err = DecodeUploadEvent([]byte(`{"version":99,"source_id":"video-1"}`))
	assert.True(t, errors.Is(err, types.ErrInvalidEvent))
}

func TestUploadHandlerClassifiesFailures(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		dispatchErr error
		wantErr     bool
		requeue     bool
	}{
		{name: "accepted", body: `{"version":1,"source_id":"video-1","display_name":"a.mp4"}`},
		{name: "malformed json", body: `{"source_id":`, wantErr: true},
		{name: "invalid source id", body: `{"version":1,"source_id":"../etc/passwd"}`, wantErr: true},
		{name: "transient", body: `{"version":1,"source_id":"video-1"}`, dispatchErr: context.DeadlineExceeded, wantErr: true, requeue: true},
		{name: "permanent", body: `{"version":1,"source_id":"video-1"}`, dispatchErr: errors.New("aggregator is shutting down"), wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDispatcher{err: tt.dispatchErr}
			h := NewUploadHandler(hclog.NewNullLogger(), d, nil)
			err := h.Handle(context.Background(), []byte(tt.body))
			if !tt.wantErr {
				require.NoError(t, err)
				require.Len(t, d.dispatched(), 1)
				return
			}
			require.Error(t, err)
			var procErr ProcessingError
			require.ErrorAs(t, err, &procErr)
			assert.Equal(t, tt.requeue, procErr.Requeue)
			assert.Equal(t, tt.requeue, shouldRequeue(err))
		})
	}
}

func TestShouldRequeuePlainErrors(t *testing.T) {
	assert.True(t, shouldRequeue(errors.New("read tcp: connection reset by peer")))
	assert.False(t, shouldRequeue(errors.New("bad payload")))
}

type blockedAdmitter struct{ err error }

func (b blockedAdmitter) Wait(ctx context.Context) error { return b.err }

func TestUploadHandlerRequeuesWhenNotAdmitted(t *testing.T) {
	d := &fakeDispatcher{}
	h := NewUploadHandler(hclog.NewNullLogger(), d, blockedAdmitter{err: context.Canceled})
	err := h.Handle(context.Background(), []byte(`{"version":1,"source_id":"video-1"}`))
	require.Error(t, err)
	assert.True(t, shouldRequeue(err))
	assert.Empty(t, d.dispatched())

	// malformed bodies are rejected without waiting for admission
	err = h.Handle(context.Background(), []byte(`nope`))
	assert.False(t, shouldRequeue(err))
}
