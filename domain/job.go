package domain

// ClassifyJob is the queue message that asks the worker to classify one
// uploaded document.
type ClassifyJob struct {
	RunID    string `json:"runId"`
	Filename string `json:"filename"`
	Path     string `json:"path"`
	Enqueued int64  `json:"enqueued"`
}

// ClassifyJobEnvelope wraps a job with the user that owns the run.
type ClassifyJobEnvelope struct {
	UserID string      `json:"userId"`
	Job    ClassifyJob `json:"job"`
}

// RunEvent is published to the run-status channel whenever a run changes
// state, so connected clients can refresh without polling.
type RunEvent struct {
	RunID          string    `json:"runId"`
	Status         RunStatus `json:"status"`
	TotalQuestions int       `json:"totalQuestions,omitempty"`
	Error          string    `json:"error,omitempty"`
	Timestamp      int64     `json:"timestamp"`
}
