package types

// EventVersion is the schema version written into every message this worker produces.
const EventVersion = 1

// VideoProcessedEvent tags result messages on the results topic.
const VideoProcessedEvent = "video_processed"

// UploadEvent announces a newly uploaded source video.
type UploadEvent struct {
	Version     int    `json:"version"`
	SourceID    string `json:"source_id"`
	DisplayName string `json:"display_name"`
}

// ResultMessage is the wire form of a CompletionManifest.
type ResultMessage struct {
	Version          int                  `json:"version"`
	Event            string               `json:"event"`
	JobID            string               `json:"job_id"`
	FileName         string               `json:"file_name"`
	TranscriptFileID string               `json:"transcript_file_id"`
	Resolutions      map[string]string    `json:"resolutions"`
	Errors           map[string]ErrorKind `json:"errors,omitempty"`
	ThumbnailFileID  string               `json:"thumbnail_file_id,omitempty"`
	TimedOut         bool                 `json:"timed_out"`
}
