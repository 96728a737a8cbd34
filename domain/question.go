package domain

// Question represents a single classified item within a run.
type Question struct {
	ID                 string   `json:"id"`
	Number             int      `json:"number"`
	Text               string   `json:"text"`
	Category           Category `json:"category"`
	Confidence         float64  `json:"confidence"`
	ManuallyClassified bool     `json:"manuallyClassified,omitempty"`
	PreviousCategory   Category `json:"previousCategory,omitempty"`
}

// RunStatus tracks a run through the classification pipeline.
type RunStatus string

const (
	RunPending    RunStatus = "pending"
	RunProcessing RunStatus = "processing"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
)

// Run represents one uploaded document's full classification.
type Run struct {
	ID                string    `json:"id"`
	Filename          string    `json:"filename"`
	FileSize          int64     `json:"fileSize"`
	FileHash          string    `json:"fileHash,omitempty"`
	Status            RunStatus `json:"status"`
	TotalQuestions    int       `json:"totalQuestions"`
	Counts            Counts    `json:"counts"`
	ErrorMessage      string    `json:"errorMessage,omitempty"`
	CreatedAt         int64     `json:"createdAt"`
	ProcessingSeconds int       `json:"processingSeconds,omitempty"`
}

// HasResults reports whether the run finished with at least one question.
func (r Run) HasResults() bool {
	return r.Status == RunCompleted && r.TotalQuestions > 0
}
