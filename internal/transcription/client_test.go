package transcription

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mahirjain10/video-workers/internal/types"
)

func TestTranscribeSuccess(t *testing.T) {
	var gotID, gotMethod string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod = r.Method
		gotID = r.URL.Query().Get("video_id")
		assert.Equal(t, "/audio", r.URL.Path)
		w.Write([]byte(`{"transcription":[{"timestamp":[2.5,4.0],"text":" second "},{"timestamp":[0.0,2.5],"text":"first"}]}`))
	}))
	defer srv.Close()

	c := NewClient(hclog.NewNullLogger(), srv.URL+"/", time.Second)
	res := c.Transcribe(context.Background(), "65a1f0c2")

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "65a1f0c2", gotID)
	require.True(t, res.Available)
	assert.Equal(t, []types.Segment{
		{Start: 0, End: 2.5, Text: "first"},
		{Start: 2.5, End: 4, Text: "second"},
	}, res.Segments)
}

func TestTranscribeNonSuccessIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not loaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var logs bytes.Buffer
	logger := hclog.New(&hclog.LoggerOptions{Output: &logs, Level: hclog.Debug})
	res := NewClient(logger, srv.URL, time.Second).Transcribe(context.Background(), "abc")
	assert.False(t, res.Available)
	assert.Empty(t, res.Segments)
	assert.Contains(t, logs.String(), "kind="+string(types.KindTranscriptionUnavailable))
}

func TestTranscribeTimeoutIsUnavailable(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	start := time.Now()
	res := NewClient(hclog.NewNullLogger(), srv.URL, 50*time.Millisecond).Transcribe(context.Background(), "abc")
	assert.False(t, res.Available)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestTranscribeMalformedIsUnavailable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"transcription": "oops"}`))
	}))
	defer srv.Close()

	res := NewClient(hclog.NewNullLogger(), srv.URL, time.Second).Transcribe(context.Background(), "abc")
	assert.False(t, res.Available)
}

func TestParseSegmentsVariants(t *testing.T) {
	segs, err := ParseSegments([]byte(`[{"timestamp":[0,1.2],"text":"hi"},{"timestamp":[1.2,null],"text":"bye"},{"timestamp":[3,4],"text":"  "}]`))
	require.NoError(t, err)
	assert.Equal(t, []types.Segment{
		{Start: 0, End: 1.2, Text: "hi"},
		{Start: 1.2, End: 1.2, Text: "bye"},
	}, segs)

	_, err = ParseSegments([]byte(`{"text":"no field"}`))
	assert.Error(t, err)
	_, err = ParseSegments([]byte(`{"transcription":[{"timestamp":[3,1],"text":"backwards"}]}`))
	assert.Error(t, err)
	_, err = ParseSegments([]byte(`{"transcription":[{"timestamp":[1],"text":"short"}]}`))
	assert.Error(t, err)

	segs, err = ParseSegments([]byte(`{"transcription":[]}`))
	require.NoError(t, err)
	assert.Empty(t, segs)
}

func TestRenderSRT(t *testing.T) {
	srt := RenderSRT([]types.Segment{
		{Start: 0, End: 1.5, Text: "Hello"},
		{Start: 3661.25, End: 3662.004, Text: "World"},
	})
	assert.Equal(t, "1\n00:00:00,000 --> 00:00:01,500\nHello\n\n2\n01:01:01,250 --> 01:01:02,004\nWorld\n", srt)
	assert.Equal(t, "", RenderSRT(nil))
}
