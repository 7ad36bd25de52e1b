package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/mahirjain10/video-workers/internal/transcode"
	"github.com/mahirjain10/video-workers/internal/types"
)

type fakePublisher struct {
	mu       sync.Mutex
	messages []types.ResultMessage
	err      error
}

func (p *fakePublisher) PublishResult(ctx context.Context, msg types.ResultMessage) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.messages = append(p.messages, msg)
	return p.err
}

func (p *fakePublisher) published() []types.ResultMessage {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]types.ResultMessage(nil), p.messages...)
}

func (p *fakePublisher) countFor(jobID string) int {
	n := 0
	for _, m := range p.published() {
		if m.JobID == jobID {
			n++
		}
	}
	return n
}

type fakeNotifier struct {
	// startDelay holds NotifyStart back, like a slow status service.
	startDelay time.Duration

	mu     sync.Mutex
	starts []string
	ends   []string
	calls  []string
}

func (n *fakeNotifier) NotifyStart(ctx context.Context, jobID string) {
	time.Sleep(n.startDelay)
	n.mu.Lock()
	defer n.mu.Unlock()
	n.starts = append(n.starts, jobID)
	n.calls = append(n.calls, "start:"+jobID)
}

func (n *fakeNotifier) NotifyEnd(ctx context.Context, jobID string, manifest types.CompletionManifest) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.ends = append(n.ends, jobID)
	n.calls = append(n.calls, "end:"+jobID)
}

func (n *fakeNotifier) counts() (int, int) {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.starts), len(n.ends)
}

func (n *fakeNotifier) order() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.calls...)
}

type memStore struct {
	mu          sync.Mutex
	objects     map[string][]byte
	deleted     []string
	downloadErr error
	seq         int
}

func newMemStore() *memStore {
	return &memStore{objects: map[string][]byte{}}
}

func (s *memStore) put(id string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[id] = data
}

func (s *memStore) Upload(ctx context.Context, name string, body io.Reader, metadata map[string]string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	data, err := io.ReadAll(body)
	if err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("artifacts/%d/%s", s.seq, name)
	s.objects[id] = data
	return id, nil
}

func (s *memStore) Download(ctx context.Context, id string, w io.Writer) error {
	if s.downloadErr != nil {
		return s.downloadErr
	}
	s.mu.Lock()
	data, ok := s.objects[id]
	s.mu.Unlock()
	if !ok {
		return errors.New("no such object")
	}
	_, err := w.Write(data)
	return err
}

func (s *memStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, id)
	s.deleted = append(s.deleted, id)
	return nil
}

func (s *memStore) get(id string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[id]
	return data, ok
}

func (s *memStore) deletedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.deleted...)
}

type fakeTranscriber struct {
	result types.TranscriptionResult
	// hang makes Transcribe block until its context ends.
	hang bool
}

func (f *fakeTranscriber) Transcribe(ctx context.Context, sourceID string) types.TranscriptionResult {
	if f.hang {
		<-ctx.Done()
		return types.TranscriptionResult{}
	}
	return f.result
}

// fakeTranscoder mirrors the real worker's no-upscale rule and stores a fake rendition.
type fakeTranscoder struct {
	width, height int
	probeErr      error
	store         *memStore
	// block lists labels whose transcode waits until the job context ends.
	block map[string]bool

	mu        sync.Mutex
	subtitles map[string]string
	cancelled []string
	frameErr  error
}

func (f *fakeTranscoder) Probe(ctx context.Context, path string) (int, int, error) {
	if f.probeErr != nil {
		return 0, 0, f.probeErr
	}
	if _, err := os.Stat(path); err != nil {
		return 0, 0, err
	}
	return f.width, f.height, nil
}

func (f *fakeTranscoder) ExtractFrame(ctx context.Context, srcPath, outPath string) error {
	if f.frameErr != nil {
		return f.frameErr
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, f.width, f.height))); err != nil {
		return err
	}
	return os.WriteFile(outPath, buf.Bytes(), 0o644)
}

func (f *fakeTranscoder) Transcode(ctx context.Context, src transcode.Source, spec types.ResolutionSpec, opts transcode.Options) types.TranscodeResult {
	f.mu.Lock()
	if f.subtitles == nil {
		f.subtitles = map[string]string{}
	}
	f.subtitles[spec.Label] = opts.SubtitlesPath
	f.mu.Unlock()

	if f.block[spec.Label] {
		<-ctx.Done()
		f.mu.Lock()
		f.cancelled = append(f.cancelled, spec.Label)
		f.mu.Unlock()
		return types.TranscodeResult{ResolutionLabel: spec.Label, Error: types.KindTranscodeFailed}
	}
	if !transcode.CanProduce(src, spec) {
		return types.TranscodeResult{ResolutionLabel: spec.Label, Error: types.KindResolutionTooHigh}
	}
	id, err := f.store.Upload(ctx, fmt.Sprintf("%s_%s.mp4", opts.BaseName, spec.Label), strings.NewReader("rendition"), nil)
	if err != nil {
		return types.TranscodeResult{ResolutionLabel: spec.Label, Error: types.KindTranscodeFailed}
	}
	return types.TranscodeResult{ResolutionLabel: spec.Label, ArtifactID: id}
}

func (f *fakeTranscoder) startedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subtitles)
}

func (f *fakeTranscoder) cancelledLabels() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.cancelled...)
}

func (f *fakeTranscoder) subtitlesFor(label string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subtitles[label]
}

var ladder = []types.ResolutionSpec{
	{Label: "720p", Width: 1280, Height: 720},
	{Label: "480p", Width: 640, Height: 480},
	{Label: "360p", Width: 480, Height: 360},
}

func testJob(id string) types.Job {
	return types.Job{ID: id, DisplayName: id + ".mp4", TargetResolutions: ladder}
}

func requireDone(t *testing.T, h *JobHandle) types.CompletionManifest {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	m, err := h.Wait(ctx)
	require.NoError(t, err, "job %s did not finish", h.ID())
	return m
}
