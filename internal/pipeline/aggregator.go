package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/types"
)

// ErrJobInFlight is returned by Track when the job id is already being aggregated.
var ErrJobInFlight = errors.New("job already in flight")

// publishTimeout bounds how long finalization waits on the results channel.
const publishTimeout = 30 * time.Second

// startNotifyWait bounds how long the end notification waits behind the start one.
const startNotifyWait = 10 * time.Second

// SlotID names one expected result of a job.
type SlotID string

// TranscriptionSlot is the single transcription slot of every job.
const TranscriptionSlot SlotID = "transcription"

const transcodeSlotPrefix = "transcode:"

// TranscodeSlot names the slot of one resolution.
func TranscodeSlot(label string) SlotID {
	return SlotID(transcodeSlotPrefix + label)
}

// JobState is the aggregation state of a job.
type JobState string

const (
	StatePending           JobState = "pending"
	StatePartiallyComplete JobState = "partially_complete"
	StateComplete          JobState = "complete"
	StateTimedOut          JobState = "timed_out"
)

// Publisher delivers completion manifests to downstream consumers.
type Publisher interface {
	PublishResult(ctx context.Context, msg types.ResultMessage) error
}

// StatusNotifier receives best-effort lifecycle notifications.
type StatusNotifier interface {
	NotifyStart(ctx context.Context, jobID string)
	NotifyEnd(ctx context.Context, jobID string, manifest types.CompletionManifest)
}

// JobHandle lets callers observe a tracked job.
type JobHandle struct {
	id   string
	ctx  context.Context
	done chan struct{}

	mu       sync.Mutex
	state    JobState
	manifest *types.CompletionManifest
}

func (h *JobHandle) ID() string { return h.id }

// Context is cancelled once the job's manifest has been built.
func (h *JobHandle) Context() context.Context { return h.ctx }

// Done is closed after the manifest has been published (or publishing failed).
func (h *JobHandle) Done() <-chan struct{} { return h.done }

func (h *JobHandle) State() JobState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Manifest returns the final manifest once the job is done.
func (h *JobHandle) Manifest() (types.CompletionManifest, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.manifest == nil {
		return types.CompletionManifest{}, false
	}
	return *h.manifest, true
}

// Wait blocks until the job is done or ctx ends.
func (h *JobHandle) Wait(ctx context.Context) (types.CompletionManifest, error) {
	select {
	case <-h.done:
		m, _ := h.Manifest()
		return m, nil
	case <-ctx.Done():
		return types.CompletionManifest{}, ctx.Err()
	}
}

func (h *JobHandle) setState(s JobState) {
	h.mu.Lock()
	h.state = s
	h.mu.Unlock()
}

type jobEntry struct {
	mu            sync.Mutex
	job           types.Job
	transcodes    map[string]*types.TranscodeResult
	transcription *types.TranscriptionResult
	thumbnail     string
	filled        int
	expected      int
	finalized     bool
	complete      chan struct{}
	started       chan struct{}
	cancel        context.CancelFunc
	handle        *JobHandle
}

// Aggregator owns the per-job result slots. It is the only writer of manifests.
type Aggregator struct {
	logger    hclog.Logger
	publisher Publisher
	notifier  StatusNotifier
	timeout   time.Duration

	mu   sync.Mutex
	jobs map[string]*jobEntry

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

func NewAggregator(logger hclog.Logger, publisher Publisher, notifier StatusNotifier, timeout time.Duration) *Aggregator {
	return &Aggregator{
		logger:    logger.Named("aggregator"),
		publisher: publisher,
		notifier:  notifier,
		timeout:   timeout,
		jobs:      make(map[string]*jobEntry),
		stop:      make(chan struct{}),
	}
}

// Track registers every slot of job and starts its deadline. All slots exist before
// Track returns, so no worker can report into a missing slot.
func (a *Aggregator) Track(parent context.Context, job types.Job) (*JobHandle, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if existing, ok := a.jobs[job.ID]; ok {
		return existing.handle, ErrJobInFlight
	}
	select {
	case <-a.stop:
		return nil, errors.New("aggregator is shutting down")
	default:
	}

	ctx, cancel := context.WithCancel(parent)
	entry := &jobEntry{
		job:        job,
		transcodes: make(map[string]*types.TranscodeResult, len(job.TargetResolutions)),
		expected:   len(job.TargetResolutions) + 1,
		complete:   make(chan struct{}),
		started:    make(chan struct{}),
		cancel:     cancel,
		handle: &JobHandle{
			id:    job.ID,
			ctx:   ctx,
			done:  make(chan struct{}),
			state: StatePending,
		},
	}
	for _, spec := range job.TargetResolutions {
		entry.transcodes[spec.Label] = nil
	}
	a.jobs[job.ID] = entry

	a.wg.Add(1)
	go a.await(entry)
	a.notifyStart(context.WithoutCancel(parent), entry)

	a.logger.Info("tracking job", "job_id", job.ID, "slots", entry.expected, "timeout", a.timeout)
	return entry.handle, nil
}

// notifyStart must be called with a.mu held.
func (a *Aggregator) notifyStart(ctx context.Context, entry *jobEntry) {
	if a.notifier == nil {
		close(entry.started)
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		defer close(entry.started)
		a.notifier.NotifyStart(ctx, entry.job.ID)
	}()
}

// notifyEnd sends the end notification once the start notification has been sent,
// or after startNotifyWait if it is still outstanding.
func (a *Aggregator) notifyEnd(entry *jobEntry, manifest types.CompletionManifest) {
	defer a.wg.Done()

	timer := time.NewTimer(startNotifyWait)
	defer timer.Stop()
	select {
	case <-entry.started:
	case <-timer.C:
		a.logger.Warn("start notification still pending, sending end", "job_id", entry.job.ID)
	}
	a.notifier.NotifyEnd(context.Background(), entry.job.ID, manifest)
}

// InFlight returns the number of jobs still being aggregated.
func (a *Aggregator) InFlight() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.jobs)
}

func (a *Aggregator) lookup(jobID string) *jobEntry {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.jobs[jobID]
}

// ReportResult fills one slot. A slot is written at most once; later writes are ignored
// and reported as DuplicateResult. Reports for unknown or finished jobs return UnknownJob.
func (a *Aggregator) ReportResult(jobID string, slot SlotID, result types.Result) error {
	entry := a.lookup(jobID)
	if entry == nil {
		return types.NewError(types.KindUnknownJob, fmt.Sprintf("report %s/%s", jobID, slot), nil)
	}

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.finalized {
		a.logger.Warn("late result for finished job", "job_id", jobID, "slot", slot)
		return types.NewError(types.KindUnknownJob, fmt.Sprintf("report %s/%s", jobID, slot), errors.New("job already finished"))
	}

	switch r := result.(type) {
	case types.TranscodeResult:
		label, ok := strings.CutPrefix(string(slot), transcodeSlotPrefix)
		if !ok || label != r.ResolutionLabel {
			return fmt.Errorf("slot %s does not accept transcode result for %q", slot, r.ResolutionLabel)
		}
		current, ok := entry.transcodes[label]
		if !ok {
			return fmt.Errorf("job %s has no slot %s", jobID, slot)
		}
		if current != nil {
			a.logger.Warn("duplicate result ignored", "job_id", jobID, "slot", slot, "kind", types.KindDuplicateResult)
			return types.NewError(types.KindDuplicateResult, fmt.Sprintf("report %s/%s", jobID, slot), nil)
		}
		stored := r
		entry.transcodes[label] = &stored
	case types.TranscriptionResult:
		if slot != TranscriptionSlot {
			return fmt.Errorf("slot %s does not accept a transcription result", slot)
		}
		if entry.transcription != nil {
			a.logger.Warn("duplicate result ignored", "job_id", jobID, "slot", slot, "kind", types.KindDuplicateResult)
			return types.NewError(types.KindDuplicateResult, fmt.Sprintf("report %s/%s", jobID, slot), nil)
		}
		stored := r
		entry.transcription = &stored
	default:
		return fmt.Errorf("unsupported result type %T", result)
	}

	entry.filled++
	a.logger.Debug("slot filled", "job_id", jobID, "slot", slot, "filled", entry.filled, "expected", entry.expected)
	if entry.filled == entry.expected {
		entry.handle.setState(StateComplete)
		close(entry.complete)
	} else {
		entry.handle.setState(StatePartiallyComplete)
	}
	return nil
}

// AttachThumbnail records the poster artifact of a job. It is not a slot and never
// delays completion.
func (a *Aggregator) AttachThumbnail(jobID, artifactID string) error {
	entry := a.lookup(jobID)
	if entry == nil {
		return types.NewError(types.KindUnknownJob, "attach thumbnail "+jobID, nil)
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.finalized {
		return types.NewError(types.KindUnknownJob, "attach thumbnail "+jobID, errors.New("job already finished"))
	}
	entry.thumbnail = artifactID
	return nil
}

func (a *Aggregator) await(entry *jobEntry) {
	defer a.wg.Done()

	timer := time.NewTimer(a.timeout)
	defer timer.Stop()

	select {
	case <-entry.complete:
		a.finalize(entry, types.StateComplete)
	case <-timer.C:
		a.finalize(entry, types.StateTimedOut)
	case <-a.stop:
		a.finalize(entry, types.StateTimedOut)
	}
}

// finalize builds and publishes the manifest. It runs once per job, from await.
func (a *Aggregator) finalize(entry *jobEntry, state types.ManifestState) {
	entry.mu.Lock()
	if entry.finalized {
		entry.mu.Unlock()
		return
	}
	entry.finalized = true
	manifest := entry.buildManifest(state)
	entry.mu.Unlock()

	jobID := entry.job.ID
	log := a.logger.With("job_id", jobID)
	if state == types.StateTimedOut {
		entry.handle.setState(StateTimedOut)
		log.Warn("job timed out, publishing partial manifest", "errors", manifest.Errors)
	} else {
		entry.handle.setState(StateComplete)
	}

	// stop any worker still running for this job
	entry.cancel()

	ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
	if err := a.publisher.PublishResult(ctx, manifest.ToMessage()); err != nil {
		log.Error("failed to publish manifest", "error", err)
	} else {
		log.Info("manifest published", "state", state, "produced", manifest.ProducedCount(), "transcript", manifest.TranscriptArtifactID != "")
	}
	cancel()

	a.mu.Lock()
	delete(a.jobs, jobID)
	a.mu.Unlock()

	entry.handle.mu.Lock()
	entry.handle.manifest = &manifest
	entry.handle.mu.Unlock()
	close(entry.handle.done)

	if a.notifier != nil {
		a.wg.Add(1)
		go a.notifyEnd(entry, manifest)
	}
}

// buildManifest must be called with entry.mu held.
func (e *jobEntry) buildManifest(state types.ManifestState) types.CompletionManifest {
	m := types.CompletionManifest{
		JobID:               e.job.ID,
		DisplayName:         e.job.DisplayName,
		Resolutions:         make(map[string]string, len(e.transcodes)),
		Errors:              make(map[string]types.ErrorKind),
		ThumbnailArtifactID: e.thumbnail,
		State:               state,
		Order:               make([]string, 0, len(e.job.TargetResolutions)),
	}
	for _, spec := range e.job.TargetResolutions {
		m.Order = append(m.Order, spec.Label)
		r := e.transcodes[spec.Label]
		switch {
		case r == nil:
			m.Resolutions[spec.Label] = ""
			m.Errors[spec.Label] = types.KindTimeout
		case !r.Succeeded():
			m.Resolutions[spec.Label] = ""
			m.Errors[spec.Label] = r.Error
			if r.Error == "" {
				m.Errors[spec.Label] = types.KindTranscodeFailed
			}
		default:
			m.Resolutions[spec.Label] = r.ArtifactID
		}
	}
	if e.transcription != nil && e.transcription.Available {
		m.TranscriptArtifactID = e.transcription.ArtifactID
	}
	return m
}

// Shutdown finalizes every tracked job as timed out and waits for publication.
func (a *Aggregator) Shutdown(ctx context.Context) error {
	a.stopOnce.Do(func() {
		a.mu.Lock()
		close(a.stop)
		a.mu.Unlock()
	})

	done := make(chan struct{})
	go func() {
		a.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
