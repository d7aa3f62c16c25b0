package domain

// JobStatus is the logical state of a generation job as seen by the caller.
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusExecuting JobStatus = "executing"
	StatusCompleted JobStatus = "completed"
	StatusError     JobStatus = "error"
)

// Terminal reports whether the status ends the progress stream for a job.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusError
}

// JobHandle identifies one generation request. The prompt ID is issued by
// the compute backend at submission time; the client ID correlates channel
// messages to the session that submitted the job.
type JobHandle struct {
	PromptID string
	ClientID string
	Number   int
}

// Artifact is the composite key of a produced output file on the backend.
type Artifact struct {
	Filename  string `json:"filename"`
	Subfolder string `json:"subfolder"`
	Type      string `json:"type"`
}

// ProgressEvent is the normalized view of a single job update delivered to
// the caller's progress callback.
//
// Once an event with a terminal status has been delivered for a prompt ID,
// no further events are delivered for that ID.
type ProgressEvent struct {
	PromptID    string
	Status      JobStatus
	Progress    int
	MaxProgress int
	Percentage  float64
	CurrentNode string
	NodeState   string
	Message     string
	Images      []Artifact
	Error       string
}

// QueueStatus is a point-in-time view of the backend execution queue.
type QueueStatus struct {
	Running int
	Pending int
}

// HistoryStatus is the completion record the backend keeps per prompt.
type HistoryStatus struct {
	StatusStr string `json:"status_str"`
	Completed bool   `json:"completed"`
}

// HistoryResult is the backend's history entry for a finished prompt,
// used as the polling fallback when the real-time channel missed the
// terminal event.
type HistoryResult struct {
	PromptID string
	Status   HistoryStatus
	Outputs  map[string][]Artifact
}
