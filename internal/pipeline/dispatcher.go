package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/thumbnail"
	"github.com/mahirjain10/video-workers/internal/transcode"
	"github.com/mahirjain10/video-workers/internal/transcription"
	"github.com/mahirjain10/video-workers/internal/types"
	"github.com/mahirjain10/video-workers/internal/utils"
)

const maxSourceIDLength = 1024

var sourceIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._:/=+-]*$`)

// BlobStore fetches sources and stores artifacts.
type BlobStore interface {
	Upload(ctx context.Context, name string, body io.Reader, metadata map[string]string) (string, error)
	Download(ctx context.Context, id string, w io.Writer) error
	Delete(ctx context.Context, id string) error
}

// Transcriber obtains timed text for a source.
type Transcriber interface {
	Transcribe(ctx context.Context, sourceID string) types.TranscriptionResult
}

// Transcoder probes sources and renders resolutions.
type Transcoder interface {
	Probe(ctx context.Context, path string) (int, int, error)
	ExtractFrame(ctx context.Context, srcPath, outPath string) error
	Transcode(ctx context.Context, src transcode.Source, spec types.ResolutionSpec, opts transcode.Options) types.TranscodeResult
}

type DispatcherConfig struct {
	Resolutions     []types.ResolutionSpec
	WorkDir         string
	BurnSubtitles   bool
	ThumbnailWidth  int
	ThumbnailHeight int
}

// Dispatcher turns upload events into tracked jobs and fans their work out.
type Dispatcher struct {
	cfg         DispatcherConfig
	logger      hclog.Logger
	aggregator  *Aggregator
	store       BlobStore
	transcriber Transcriber
	transcoder  Transcoder
	now         func() time.Time
}

func NewDispatcher(cfg DispatcherConfig, logger hclog.Logger, aggregator *Aggregator, store BlobStore,
	transcriber Transcriber, transcoder Transcoder) *Dispatcher {
	return &Dispatcher{
		cfg:         cfg,
		logger:      logger.Named("dispatcher"),
		aggregator:  aggregator,
		store:       store,
		transcriber: transcriber,
		transcoder:  transcoder,
		now:         time.Now,
	}
}

// ValidateEvent checks that the event names a resolvable source.
func ValidateEvent(event types.UploadEvent) error {
	id := event.SourceID
	switch {
	case id == "":
		return types.NewError(types.KindInvalidEvent, "validate", errors.New("source_id is empty"))
	case len(id) > maxSourceIDLength:
		return types.NewError(types.KindInvalidEvent, "validate", fmt.Errorf("source_id longer than %d", maxSourceIDLength))
	case !sourceIDPattern.MatchString(id):
		return types.NewError(types.KindInvalidEvent, "validate", fmt.Errorf("source_id %q is not a valid id", id))
	}
	for _, part := range strings.Split(id, "/") {
		if part == ".." || part == "" {
			return types.NewError(types.KindInvalidEvent, "validate", fmt.Errorf("source_id %q is not a valid id", id))
		}
	}
	return nil
}

// Dispatch creates the job for event and starts one transcription task and one
// transcode task per configured resolution. A redelivered event for a job still in
// flight returns the existing handle without starting new work.
func (d *Dispatcher) Dispatch(ctx context.Context, event types.UploadEvent) (*JobHandle, error) {
	if err := ValidateEvent(event); err != nil {
		d.logger.Warn("dropping invalid upload event", "error", err)
		return nil, err
	}

	job := types.Job{
		ID:                event.SourceID,
		DisplayName:       event.DisplayName,
		TargetResolutions: append([]types.ResolutionSpec(nil), d.cfg.Resolutions...),
		StartedAt:         d.now(),
	}
	log := d.logger.With("job_id", job.ID, "file_name", job.DisplayName)

	// the job outlives the delivery; only the aggregator ends it
	handle, err := d.aggregator.Track(context.WithoutCancel(ctx), job)
	if errors.Is(err, ErrJobInFlight) {
		log.Info("job already in flight, ignoring redelivered event")
		return handle, nil
	}
	if err != nil {
		return nil, err
	}

	jobCtx := handle.Context()
	workDir, err := os.MkdirTemp(d.cfg.WorkDir, "job-*")
	if err != nil {
		log.Error("failed to create work dir", "error", err)
		workDir = ""
	}
	go func() {
		<-handle.Done()
		utils.RemoveWorkDir(log, workDir)
	}()

	subs := newSubtitleFuture()
	go d.runTranscription(jobCtx, log, job, workDir, subs)
	go d.runTranscodes(jobCtx, log, job, workDir, subs)

	log.Info("job dispatched", "resolutions", len(job.TargetResolutions))
	return handle, nil
}

func (d *Dispatcher) runTranscription(ctx context.Context, log hclog.Logger, job types.Job, workDir string, subs *subtitleFuture) {
	var subtitlesPath string
	defer func() { subs.resolve(subtitlesPath) }()

	res := d.transcriber.Transcribe(ctx, job.ID)
	if res.Available && len(res.Segments) > 0 {
		srt := transcription.RenderSRT(res.Segments)
		name := utils.SafeBaseName(job.DisplayName) + ".srt"
		id, err := d.store.Upload(ctx, name, strings.NewReader(srt), map[string]string{"job_id": job.ID, "kind": "subtitles"})
		if err != nil {
			log.Error("failed to store subtitles", "error", err)
		} else {
			res.ArtifactID = id
		}

		if d.cfg.BurnSubtitles && workDir != "" {
			p := filepath.Join(workDir, "subtitles.srt")
			if err := os.WriteFile(p, []byte(srt), 0o644); err != nil {
				log.Warn("failed to write subtitles for burn-in", "error", err)
			} else {
				subtitlesPath = p
			}
		}
	}
	d.report(log, job.ID, TranscriptionSlot, res)
}

func (d *Dispatcher) runTranscodes(ctx context.Context, log hclog.Logger, job types.Job, workDir string, subs *subtitleFuture) {
	src, err := d.prepareSource(ctx, job, workDir)
	if err != nil {
		log.Error("source unavailable, failing every resolution", "error", err)
		for _, spec := range job.TargetResolutions {
			d.report(log, job.ID, TranscodeSlot(spec.Label), types.TranscodeResult{
				ResolutionLabel: spec.Label,
				Error:           types.KindTranscodeFailed,
			})
		}
		return
	}
	log.Info("source ready", "width", src.Width, "height", src.Height)

	go d.makePoster(ctx, log, job, src, workDir)

	opts := transcode.Options{
		JobID:     job.ID,
		BaseName:  utils.SafeBaseName(job.DisplayName),
		OutputDir: workDir,
	}
	for _, spec := range job.TargetResolutions {
		go func(spec types.ResolutionSpec) {
			o := opts
			if d.cfg.BurnSubtitles {
				o.SubtitlesPath = subs.wait(ctx)
			}
			res := d.transcoder.Transcode(ctx, src, spec, o)
			d.report(log, job.ID, TranscodeSlot(spec.Label), res)
		}(spec)
	}
}

// prepareSource downloads the source next to the job's outputs and probes it.
func (d *Dispatcher) prepareSource(ctx context.Context, job types.Job, workDir string) (transcode.Source, error) {
	if workDir == "" {
		return transcode.Source{}, errors.New("no work dir")
	}
	srcPath := filepath.Join(workDir, "source"+filepath.Ext(job.DisplayName))
	f, err := os.Create(srcPath)
	if err != nil {
		return transcode.Source{}, fmt.Errorf("failed to create source file: %w", err)
	}
	if err := d.store.Download(ctx, job.ID, f); err != nil {
		f.Close()
		return transcode.Source{}, fmt.Errorf("failed to download source: %w", err)
	}
	if err := f.Close(); err != nil {
		return transcode.Source{}, err
	}

	width, height, err := d.transcoder.Probe(ctx, srcPath)
	if err != nil {
		return transcode.Source{}, err
	}
	return transcode.Source{Path: srcPath, Width: width, Height: height}, nil
}

// makePoster is best-effort: any failure only leaves the thumbnail out of the manifest.
func (d *Dispatcher) makePoster(ctx context.Context, log hclog.Logger, job types.Job, src transcode.Source, workDir string) {
	framePath := filepath.Join(workDir, "frame.jpg")
	if err := d.transcoder.ExtractFrame(ctx, src.Path, framePath); err != nil {
		log.Warn("poster frame extraction failed", "error", err)
		return
	}
	raw, err := os.ReadFile(framePath)
	if err != nil {
		log.Warn("poster frame unreadable", "error", err)
		return
	}
	poster, err := thumbnail.Poster(raw, d.cfg.ThumbnailWidth, d.cfg.ThumbnailHeight)
	if err != nil {
		log.Warn("poster scaling failed", "error", err)
		return
	}
	id, err := d.store.Upload(ctx, utils.SafeBaseName(job.DisplayName)+"_poster.jpg", bytes.NewReader(poster),
		map[string]string{"job_id": job.ID, "kind": "poster"})
	if err != nil {
		log.Warn("failed to store poster", "error", err)
		return
	}
	if err := d.aggregator.AttachThumbnail(job.ID, id); err != nil {
		log.Info("poster finished after job", "error", err)
		utils.DeleteOrphan(context.WithoutCancel(ctx), log, d.store, id)
	}
}

// report hands a result to the aggregator and drops artifacts that arrive too late to be referenced.
func (d *Dispatcher) report(log hclog.Logger, jobID string, slot SlotID, result types.Result) {
	err := d.aggregator.ReportResult(jobID, slot, result)
	if err == nil {
		return
	}
	if !errors.Is(err, types.ErrUnknownJob) {
		log.Warn("result not recorded", "slot", slot, "error", err)
		return
	}

	var artifact string
	switch r := result.(type) {
	case types.TranscodeResult:
		artifact = r.ArtifactID
	case types.TranscriptionResult:
		artifact = r.ArtifactID
	}
	log.Warn("result arrived after job finished", "slot", slot)
	utils.DeleteOrphan(context.Background(), log, d.store, artifact)
}

// subtitleFuture hands the burn-in subtitle path from the transcription task to transcodes.
type subtitleFuture struct {
	done chan struct{}
	path string
}

func newSubtitleFuture() *subtitleFuture {
	return &subtitleFuture{done: make(chan struct{})}
}

func (f *subtitleFuture) resolve(path string) {
	f.path = path
	close(f.done)
}

func (f *subtitleFuture) wait(ctx context.Context) string {
	select {
	case <-f.done:
		return f.path
	case <-ctx.Done():
		return ""
	}
}
