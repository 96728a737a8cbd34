package api

import (
	"bloomers/board"
	"bloomers/domain"
)

const (
	uploadMaxSize       = 10 << 20 // 10 MiB
	labelRequestMaxSize = 4 * 1024
	bulkDeleteMaxSize   = 64 * 1024
)

// GET /api/runs response body
type runsResponse struct {
	Runs          []domain.Run `json:"runs"`
	NextPageToken string       `json:"nextPageToken,omitempty"`
}

// GET /api/runs/:id response body
type runDetailResponse struct {
	Run      domain.Run     `json:"run"`
	Snapshot board.Snapshot `json:"snapshot"`
}

// POST /api/uploads response body
type uploadResponse struct {
	RunID     string           `json:"runId"`
	Status    domain.RunStatus `json:"status"`
	Duplicate bool             `json:"duplicate,omitempty"`
}

// POST /api/runs/:id/questions/:qid/label request body
type labelRequest struct {
	Category       domain.Category `json:"category"`
	IdempotencyKey string          `json:"idempotencyKey,omitempty"`
}

// POST /api/runs/:id/questions/:qid/label response body: the commit outcome
// plus the refreshed committed aggregates the chart re-renders from.
type labelResponse struct {
	QuestionID       string                      `json:"questionId"`
	Committed        domain.Category             `json:"committed"`
	CategoryName     string                      `json:"categoryName"`
	Pending          domain.Category             `json:"pending,omitempty"`
	Counts           domain.Counts               `json:"counts"`
	Total            int                         `json:"total"`
	LowerOrderCount  int                         `json:"lowerOrderCount"`
	HigherOrderCount int                         `json:"higherOrderCount"`
	HighestCategory  domain.Category             `json:"highestCategory,omitempty"`
	Distribution     map[domain.Category]float64 `json:"distribution"`
}

// GET /api/runs/:id/questions/:qid response body
type questionDetailResponse struct {
	board.QuestionView
	CategoryName        string `json:"categoryName"`
	CategoryDescription string `json:"categoryDescription"`
}

// POST /api/runs/bulk-delete request and response bodies
type bulkDeleteRequest struct {
	RunIDs []string `json:"runIds"`
}

type bulkDeleteResponse struct {
	Deleted int `json:"deleted"`
}

// GET /api/stats response body
type statsResponse struct {
	TotalRuns        int                         `json:"totalRuns"`
	TotalQuestions   int                         `json:"totalQuestions"`
	Counts           domain.Counts               `json:"counts"`
	LowerOrderCount  int                         `json:"lowerOrderCount"`
	HigherOrderCount int                         `json:"higherOrderCount"`
	Distribution     map[domain.Category]float64 `json:"distribution"`
	AverageQuestions float64                     `json:"averageQuestions"`
}

type errorResponse struct {
	Error     string `json:"error"`
	Retryable bool   `json:"retryable,omitempty"`
}
