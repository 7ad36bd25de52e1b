package types

// StatusEndBody is the payload sent to the status service when a job ends.
type StatusEndBody struct {
	ProcessedVideoID      string `json:"processed_video_id"`
	TranscriptionID       string `json:"transcription_id"`
	VideoProcessingStatus string `json:"video_processing_status"`
	Status                string `json:"status"`
}

const DONE = "done"
const PARTIAL = "partial"
const FAILED = "failed"
