package status

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahirjain10/video-workers/internal/types"
)

type recorded struct {
	path string
	body []byte
}

func recordingServer(t *testing.T, code int) (*httptest.Server, func() []recorded) {
	var mu sync.Mutex
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		body, err := io.ReadAll(r.Body)
		assert.NoError(t, err)
		mu.Lock()
		calls = append(calls, recorded{path: r.URL.Path, body: body})
		mu.Unlock()
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)
	return srv, func() []recorded {
		mu.Lock()
		defer mu.Unlock()
		return append([]recorded(nil), calls...)
	}
}

func manifest() types.CompletionManifest {
	return types.CompletionManifest{
		JobID:                "job-1",
		TranscriptArtifactID: "srt-1",
		Resolutions:          map[string]string{"720p": "", "480p": "a-480", "360p": "a-360"},
		Order:                []string{"720p", "480p", "360p"},
	}
}

func TestNotifyStartAndEnd(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusOK)
	n := NewNotifier(hclog.NewNullLogger(), srv.URL, time.Second)

	n.NotifyStart(context.Background(), "job-1")
	n.NotifyEnd(context.Background(), "job-1", manifest())

	got := calls()
	require.Len(t, got, 2)
	assert.Equal(t, "/video-processing-start/job-1", got[0].path)
	assert.Equal(t, "/video-processing-end/job-1", got[1].path)

	var body types.StatusEndBody
	require.NoError(t, json.Unmarshal(got[1].body, &body))
	assert.Equal(t, types.StatusEndBody{
		ProcessedVideoID:      "a-480",
		TranscriptionID:       "srt-1",
		VideoProcessingStatus: types.PARTIAL,
		Status:                types.DONE,
	}, body)
}

func TestNotifierFailuresAreSwallowed(t *testing.T) {
	srv, calls := recordingServer(t, http.StatusInternalServerError)
	n := NewNotifier(hclog.NewNullLogger(), srv.URL, time.Second)
	n.NotifyEnd(context.Background(), "job-1", manifest())
	assert.Len(t, calls(), 1, "single attempt, no retry")

	unreachable := NewNotifier(hclog.NewNullLogger(), "http://127.0.0.1:1", 100*time.Millisecond)
	assert.NotPanics(t, func() { unreachable.NotifyStart(context.Background(), "job-1") })
}

func TestDisabledNotifier(t *testing.T) {
	n := NewNotifier(hclog.NewNullLogger(), "", time.Second)
	assert.NotPanics(t, func() {
		n.NotifyStart(context.Background(), "job-1")
		n.NotifyEnd(context.Background(), "job-1", manifest())
	})
}

func TestEndBodyStatuses(t *testing.T) {
	m := manifest()
	m.Resolutions = map[string]string{"720p": "a", "480p": "b"}
	assert.Equal(t, types.DONE, EndBody(m).VideoProcessingStatus)

	m.Resolutions = map[string]string{"720p": "", "480p": ""}
	body := EndBody(m)
	assert.Equal(t, types.FAILED, body.VideoProcessingStatus)
	assert.Empty(t, body.ProcessedVideoID)
}
