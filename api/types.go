package api

import (
	"context"
	"errors"

	"bloomers/domain"
)

// Storage abstracts persistence for handlers.
type Storage interface {
	FetchRuns(ctx context.Context, userID, continuationToken string, limit int) ([]domain.Run, string, error)
	FetchRun(ctx context.Context, userID, runID string) (domain.Run, error)
	FindRunByHash(ctx context.Context, userID, hash string) (domain.Run, bool, error)
	InsertRun(ctx context.Context, userID string, run domain.Run, uploadPath string) error
	DeleteRun(ctx context.Context, userID, runID string) error
	FetchQuestions(ctx context.Context, userID, runID string) ([]domain.Question, error)
	SubmitLabel(ctx context.Context, userID, runID, questionID string, category domain.Category) (domain.Category, error)
	EnqueueClassifyJob(ctx context.Context, userID string, job domain.ClassifyJob) error
}

// InvalidContinuationTokenError is returned when a supplied pagination token is malformed or expired.
type InvalidContinuationTokenError interface {
	error
	InvalidContinuationToken()
}

// RejectedError marks a persistence failure the client must not retry
// verbatim: the request itself was invalid (unknown entity, bad value).
type RejectedError interface {
	error
	Rejected()
}

func isRejected(err error) bool {
	var rej RejectedError
	return errors.As(err, &rej)
}

// Authenticator is implemented by types able to extract user IDs from headers.
type Authenticator interface {
	UserIDFromAuthHeader(string) (string, error)
}

// Deduper prevents reprocessing of duplicate label commits.
type Deduper interface {
	// Add records the idempotency key and returns true if it was newly added.
	Add(ctx context.Context, userID, key string) (bool, error)
	// Remove deletes a previously added key, used when the commit fails so the
	// client may retry.
	Remove(ctx context.Context, userID, key string) error
}
