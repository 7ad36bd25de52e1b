package transcription

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mahirjain10/video-workers/internal/types"
)

// maxResponseBytes caps how much of an ASR response is read.
const maxResponseBytes = 16 << 20

// Client calls the ASR service. A failed call yields an unavailable result, never an error.
type Client struct {
	logger     hclog.Logger
	httpClient *http.Client
	baseURL    string
	timeout    time.Duration
}

func NewClient(logger hclog.Logger, baseURL string, timeout time.Duration) *Client {
	return &Client{
		logger:     logger.Named("transcription"),
		httpClient: &http.Client{},
		baseURL:    strings.TrimRight(baseURL, "/"),
		timeout:    timeout,
	}
}

type chunk struct {
	Timestamp []*float64 `json:"timestamp"`
	Text      string     `json:"text"`
}

type response struct {
	Transcription []chunk `json:"transcription"`
}

// Transcribe asks the ASR service for timed segments of the given source.
func (c *Client) Transcribe(ctx context.Context, sourceID string) types.TranscriptionResult {
	log := c.logger.With("job_id", sourceID)
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/audio?video_id=%s", c.baseURL, url.QueryEscape(sourceID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		log.Warn("failed to create transcription request", "kind", types.KindTranscriptionUnavailable, "error", err)
		return types.TranscriptionResult{}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		log.Warn("transcription request failed, continuing without subtitles", "kind", types.KindTranscriptionUnavailable, "error", err)
		return types.TranscriptionResult{}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warn("transcription service returned non-success, continuing without subtitles", "kind", types.KindTranscriptionUnavailable, "status", resp.StatusCode)
		return types.TranscriptionResult{}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		log.Warn("failed to read transcription response", "kind", types.KindTranscriptionUnavailable, "error", err)
		return types.TranscriptionResult{}
	}

	segments, err := ParseSegments(body)
	if err != nil {
		log.Warn("malformed transcription response", "kind", types.KindTranscriptionUnavailable, "error", err)
		return types.TranscriptionResult{}
	}

	log.Info("got subtitles", "segments", len(segments))
	return types.TranscriptionResult{Segments: segments, Available: true}
}

// ParseSegments normalizes an ASR payload into ordered segments. Both the wrapped
// {"transcription": [...]} form and a bare chunk array are accepted.
func ParseSegments(body []byte) ([]types.Segment, error) {
	trimmed := bytes.TrimSpace(body)
	var chunks []chunk
	if len(trimmed) > 0 && trimmed[0] == '[' {
		if err := json.Unmarshal(trimmed, &chunks); err != nil {
			return nil, fmt.Errorf("failed to decode chunks: %w", err)
		}
	} else {
		var r response
		if err := json.Unmarshal(trimmed, &r); err != nil {
			return nil, fmt.Errorf("failed to decode response: %w", err)
		}
		if r.Transcription == nil {
			return nil, fmt.Errorf("response has no transcription field")
		}
		chunks = r.Transcription
	}

	segments := make([]types.Segment, 0, len(chunks))
	for i, ch := range chunks {
		if len(ch.Timestamp) != 2 || ch.Timestamp[0] == nil {
			return nil, fmt.Errorf("chunk %d has invalid timestamp", i)
		}
		start := *ch.Timestamp[0]
		end := start
		// the final chunk of a stream may be open-ended
		if ch.Timestamp[1] != nil {
			end = *ch.Timestamp[1]
		}
		if start < 0 || end < start || math.IsNaN(start) || math.IsNaN(end) {
			return nil, fmt.Errorf("chunk %d has invalid range [%v, %v]", i, start, end)
		}
		text := strings.TrimSpace(ch.Text)
		if text == "" {
			continue
		}
		segments = append(segments, types.Segment{Start: start, End: end, Text: text})
	}
	sort.SliceStable(segments, func(i, j int) bool { return segments[i].Start < segments[j].Start })
	return segments, nil
}
