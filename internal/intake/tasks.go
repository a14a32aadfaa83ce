package intake

import (
	"path"
	"strings"
	"time"
)

// AnalysisTask is the durable work item handed to the analysis queue for each
// accepted piece of evidence. Delivery is at-least-once; the consumer must
// tolerate duplicates.
type AnalysisTask struct {
	ObjectKey      string    `json:"object_key"`
	CaseID         string    `json:"case_id"`
	ContentHash    string    `json:"content_hash"`
	OriginalName   string    `json:"original_name"`
	Classification string    `json:"classification_hint"`
	UploadedBy     string    `json:"uploaded_by"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
}

// classifyFilename derives the classification hint the analysis worker uses
// to pick a parser.
func classifyFilename(name string) string {
	lower := strings.ToLower(path.Base(name))
	switch {
	case strings.HasSuffix(lower, ".evtx"):
		return "windows_event_log"
	case strings.Contains(lower, "logcat"):
		return "android_logcat"
	case strings.HasSuffix(lower, ".pcap"), strings.HasSuffix(lower, ".pcapng"):
		return "network_capture"
	case strings.HasSuffix(lower, ".mp3"), strings.HasSuffix(lower, ".wav"), strings.HasSuffix(lower, ".m4a"):
		return "audio_recording"
	default:
		return "unknown"
	}
}
