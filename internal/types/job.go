package types

import (
	"fmt"
	"strings"
	"time"
)

// ResolutionSpec is one rung of the configured output ladder.
type ResolutionSpec struct {
	Label  string `json:"label"`
	Width  int    `json:"width"`
	Height int    `json:"height"`
}

// Validate rejects empty or path-like labels and non-positive dimensions.
func (r ResolutionSpec) Validate() error {
	if r.Label == "" {
		return fmt.Errorf("resolution label is empty")
	}
	if strings.ContainsAny(r.Label, `/\ `) {
		return fmt.Errorf("resolution label %q must not contain separators", r.Label)
	}
	if r.Width <= 0 || r.Height <= 0 {
		return fmt.Errorf("resolution %s has invalid dimensions %dx%d", r.Label, r.Width, r.Height)
	}
	return nil
}

func (r ResolutionSpec) String() string {
	return fmt.Sprintf("%s(%dx%d)", r.Label, r.Width, r.Height)
}

// Job is one orchestration run for a single uploaded video.
type Job struct {
	ID                string
	DisplayName       string
	TargetResolutions []ResolutionSpec
	StartedAt         time.Time
}

// Result is a value that can fill a job slot.
type Result interface {
	isResult()
}

// TranscodeResult is the outcome of one resolution slot.
type TranscodeResult struct {
	ResolutionLabel string
	ArtifactID      string
	Error           ErrorKind
}

func (TranscodeResult) isResult() {}

// Succeeded reports whether an artifact was produced.
func (r TranscodeResult) Succeeded() bool {
	return r.Error == "" && r.ArtifactID != ""
}

// Segment is one timed span of recognized speech, in seconds.
type Segment struct {
	Start float64 `json:"start"`
	End   float64 `json:"end"`
	Text  string  `json:"text"`
}

// TranscriptionResult is the outcome of the transcription slot.
type TranscriptionResult struct {
	Segments   []Segment
	Available  bool
	ArtifactID string
}

func (TranscriptionResult) isResult() {}

// ManifestState records how a job finished.
type ManifestState string

const (
	StateComplete ManifestState = "complete"
	StateTimedOut ManifestState = "timed_out"
)

// CompletionManifest aggregates every slot outcome of a job.
type CompletionManifest struct {
	JobID                string
	DisplayName          string
	TranscriptArtifactID string
	// Resolutions holds one entry per configured label; "" means not produced.
	Resolutions         map[string]string
	Errors              map[string]ErrorKind
	ThumbnailArtifactID string
	State               ManifestState
	// Order is the configured label order, used to pick the primary rendition.
	Order []string
}

// PrimaryArtifact returns the first produced rendition in configured order.
func (m CompletionManifest) PrimaryArtifact() string {
	for _, label := range m.Order {
		if id := m.Resolutions[label]; id != "" {
			return id
		}
	}
	return ""
}

// ProducedCount returns how many renditions have an artifact.
func (m CompletionManifest) ProducedCount() int {
	n := 0
	for _, id := range m.Resolutions {
		if id != "" {
			n++
		}
	}
	return n
}

// ToMessage converts the manifest to its published wire form.
func (m CompletionManifest) ToMessage() ResultMessage {
	resolutions := make(map[string]string, len(m.Resolutions))
	for label, id := range m.Resolutions {
		resolutions[label] = id
	}
	var errs map[string]ErrorKind
	if len(m.Errors) > 0 {
		errs = make(map[string]ErrorKind, len(m.Errors))
		for label, kind := range m.Errors {
			errs[label] = kind
		}
	}
	return ResultMessage{
		Version:          EventVersion,
		Event:            VideoProcessedEvent,
		JobID:            m.JobID,
		FileName:         m.DisplayName,
		TranscriptFileID: m.TranscriptArtifactID,
		Resolutions:      resolutions,
		Errors:           errs,
		ThumbnailFileID:  m.ThumbnailArtifactID,
		TimedOut:         m.State == StateTimedOut,
	}
}
