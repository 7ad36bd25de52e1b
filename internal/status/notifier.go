package status

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/types"
)

// Notifier reports job start and end to the status service. Every call is a single
// best-effort attempt; failures are logged and never returned.
type Notifier struct {
	logger     hclog.Logger
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

// NewNotifier returns a notifier; an empty baseURL yields one that does nothing.
func NewNotifier(logger hclog.Logger, baseURL string, timeout time.Duration) *Notifier {
	return &Notifier{
		logger:     logger.Named("status"),
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
	}
}

func (n *Notifier) NotifyStart(ctx context.Context, jobID string) {
	n.post(ctx, jobID, fmt.Sprintf("%s/video-processing-start/%s", n.baseURL, url.PathEscape(jobID)), nil)
}

func (n *Notifier) NotifyEnd(ctx context.Context, jobID string, manifest types.CompletionManifest) {
	body, err := json.Marshal(EndBody(manifest))
	if err != nil {
		n.logger.Warn("failed to encode status body", "job_id", jobID, "error", err)
		return
	}
	n.post(ctx, jobID, fmt.Sprintf("%s/video-processing-end/%s", n.baseURL, url.PathEscape(jobID)), body)
}

// EndBody summarizes a manifest for the status service.
func EndBody(m types.CompletionManifest) types.StatusEndBody {
	processing := types.FAILED
	switch produced := m.ProducedCount(); {
	case produced > 0 && produced == len(m.Resolutions):
		processing = types.DONE
	case produced > 0:
		processing = types.PARTIAL
	}
	return types.StatusEndBody{
		ProcessedVideoID:      m.PrimaryArtifact(),
		TranscriptionID:       m.TranscriptArtifactID,
		VideoProcessingStatus: processing,
		Status:                types.DONE,
	}
}

func (n *Notifier) post(ctx context.Context, jobID, endpoint string, body []byte) {
	if n.baseURL == "" {
		return
	}
	log := n.logger.With("job_id", jobID, "endpoint", endpoint)

	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		log.Warn("failed to create status request", "kind", types.KindNotifierUnreachable, "error", err)
		return
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		log.Warn("status service unreachable", "kind", types.KindNotifierUnreachable, "error", err)
		return
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		log.Warn("status service rejected update", "kind", types.KindNotifierUnreachable, "status", resp.StatusCode)
		return
	}
	log.Debug("status updated")
}
