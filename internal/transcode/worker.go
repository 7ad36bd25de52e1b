// Package transcode renders a source video into fixed resolutions with ffmpeg
// and stores each rendition in the blob store.
package transcode

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/types"
	"github.com/mahirjain10/video-workers/internal/utils"
)

// BlobUploader stores produced artifacts.
type BlobUploader interface {
	Upload(ctx context.Context, name string, body io.Reader, metadata map[string]string) (string, error)
}

// Source is a locally available source video and its native dimensions.
type Source struct {
	Path   string
	Width  int
	Height int
}

// Options carries per-job settings for one rendition.
type Options struct {
	JobID     string
	BaseName  string
	OutputDir string
	// SubtitlesPath, when set, is burned into the rendition.
	SubtitlesPath string
}

// Worker runs ffmpeg/ffprobe. It holds no per-job state and is safe for concurrent use.
type Worker struct {
	ffmpegPath  string
	ffprobePath string
	runner      commandRunner
	store       BlobUploader
	logger      hclog.Logger
	stat        func(name string) (os.FileInfo, error)
}

func NewWorker(ffmpegPath, ffprobePath string, store BlobUploader, logger hclog.Logger) *Worker {
	return newWorker(ffmpegPath, ffprobePath, &execRunner{}, store, logger)
}

func newWorker(ffmpegPath, ffprobePath string, runner commandRunner, store BlobUploader, logger hclog.Logger) *Worker {
	return &Worker{
		ffmpegPath:  ffmpegPath,
		ffprobePath: ffprobePath,
		runner:      runner,
		store:       store,
		logger:      logger.Named("transcode"),
		stat:        os.Stat,
	}
}

// CanProduce reports whether spec fits inside the source in both axes. Upscaling is never done.
func CanProduce(src Source, spec types.ResolutionSpec) bool {
	return src.Width >= spec.Width && src.Height >= spec.Height
}

// Transcode produces one rendition. Every failure is reported in the result, never returned.
func (w *Worker) Transcode(ctx context.Context, src Source, spec types.ResolutionSpec, opts Options) types.TranscodeResult {
	result := types.TranscodeResult{ResolutionLabel: spec.Label}
	log := w.logger.With("job_id", opts.JobID, "resolution", spec.Label)

	if !CanProduce(src, spec) {
		log.Info("skipping resolution, source is smaller than target",
			"source", fmt.Sprintf("%dx%d", src.Width, src.Height), "target", fmt.Sprintf("%dx%d", spec.Width, spec.Height))
		result.Error = types.KindResolutionTooHigh
		return result
	}

	outPath, err := utils.PathUtil(opts.OutputDir, fmt.Sprintf("%s_%s.mp4", opts.BaseName, spec.Label))
	if err != nil {
		log.Error("cannot prepare output path", "error", err)
		result.Error = types.KindTranscodeFailed
		return result
	}
	defer func() {
		if err := utils.RemoveLocal(outPath); err != nil {
			log.Warn("failed to remove local rendition", "error", err)
		}
	}()

	if err := w.render(ctx, log, src.Path, outPath, spec, opts.SubtitlesPath); err != nil {
		log.Error("transcode failed", "error", err)
		result.Error = types.KindTranscodeFailed
		return result
	}

	f, err := os.Open(outPath)
	if err != nil {
		log.Error("rendition missing after ffmpeg", "error", err)
		result.Error = types.KindTranscodeFailed
		return result
	}
	defer f.Close()

	id, err := w.store.Upload(ctx, filepath.Base(outPath), f, map[string]string{
		"job_id":     opts.JobID,
		"resolution": spec.Label,
	})
	if err != nil {
		log.Error("failed to store rendition", "error", err)
		result.Error = types.KindTranscodeFailed
		return result
	}

	log.Info("rendition stored", "artifact_id", id)
	result.ArtifactID = id
	return result
}

// render runs ffmpeg, retrying once without subtitles when the burn-in attempt fails.
// A failed attempt's partial output is removed before returning or retrying.
func (w *Worker) render(ctx context.Context, log hclog.Logger, srcPath, outPath string, spec types.ResolutionSpec, subtitlesPath string) error {
	if subtitlesPath != "" {
		err := w.runFFmpeg(ctx, buildTranscodeArgs(srcPath, outPath, spec, subtitlesPath))
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		log.Warn("subtitle burn-in failed, retrying without subtitles", "error", err)
	}
	return w.runFFmpeg(ctx, buildTranscodeArgs(srcPath, outPath, spec, ""))
}

func (w *Worker) runFFmpeg(ctx context.Context, args []string) error {
	outPath := args[len(args)-1]
	res, err := w.runner.Run(ctx, w.ffmpegPath, args...)
	if err == nil && res.ExitCode == 0 {
		if _, statErr := w.stat(outPath); statErr != nil {
			return fmt.Errorf("ffmpeg completed but output file is missing: %w", statErr)
		}
		return nil
	}
	if rmErr := utils.RemoveLocal(outPath); rmErr != nil {
		w.logger.Warn("failed to remove partial output", "path", outPath, "error", rmErr)
	}
	if err == nil {
		err = fmt.Errorf("exit code %d", res.ExitCode)
	}
	return fmt.Errorf("ffmpeg failed (exit=%d): %w: %s", res.ExitCode, err, strings.TrimSpace(tail(res.Stderr, 512)))
}

func buildTranscodeArgs(srcPath, outPath string, spec types.ResolutionSpec, subtitlesPath string) []string {
	args := []string{"-y", "-i", srcPath}
	if subtitlesPath != "" {
		args = append(args, "-vf", "subtitles="+escapeFilterPath(subtitlesPath))
	}
	return append(args,
		"-s", fmt.Sprintf("%dx%d", spec.Width, spec.Height),
		"-c:v", "libx264",
		"-c:a", "aac",
		outPath,
	)
}

// escapeFilterPath escapes characters that are special inside an ffmpeg filtergraph argument.
func escapeFilterPath(p string) string {
	r := strings.NewReplacer(`\`, `\\`, `:`, `\:`, `'`, `\'`, `,`, `\,`, `[`, `\[`, `]`, `\]`)
	return r.Replace(p)
}

type probeOutput struct {
	Streams []struct {
		Width  int `json:"width"`
		Height int `json:"height"`
	} `json:"streams"`
}

// Probe returns the dimensions of the first video stream.
func (w *Worker) Probe(ctx context.Context, path string) (int, int, error) {
	res, err := w.runner.Run(ctx, w.ffprobePath,
		"-v", "error",
		"-select_streams", "v:0",
		"-show_entries", "stream=width,height",
		"-of", "json",
		path,
	)
	if err != nil {
		return 0, 0, fmt.Errorf("ffprobe failed: %w: %s", err, strings.TrimSpace(tail(res.Stderr, 512)))
	}

	var out probeOutput
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return 0, 0, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}
	if len(out.Streams) == 0 || out.Streams[0].Width <= 0 || out.Streams[0].Height <= 0 {
		return 0, 0, fmt.Errorf("no video stream found in %s", filepath.Base(path))
	}
	return out.Streams[0].Width, out.Streams[0].Height, nil
}

// ExtractFrame writes one JPEG frame from around two seconds in, falling back to the first frame
// for very short clips.
func (w *Worker) ExtractFrame(ctx context.Context, srcPath, outPath string) error {
	for _, offset := range []string{"00:00:02", "00:00:00"} {
		args := []string{"-y", "-ss", offset, "-i", srcPath, "-vframes", "1", "-q:v", "2", outPath}
		res, err := w.runner.Run(ctx, w.ffmpegPath, args...)
		if err != nil {
			return fmt.Errorf("frame extraction failed: %w: %s", err, strings.TrimSpace(tail(res.Stderr, 512)))
		}
		if _, err := w.stat(outPath); err == nil {
			return nil
		}
	}
	return fmt.Errorf("ffmpeg produced no frame for %s", filepath.Base(srcPath))
}
