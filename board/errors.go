package board

import "errors"

// Validation failures indicate caller misuse and are never retried by the
// board. ErrCommitInProgress is a concurrency-control signal: safe to retry
// once the in-flight commit resolves.
var (
	ErrInvalidInput     = errors.New("invalid question input")
	ErrUnknownQuestion  = errors.New("unknown question")
	ErrInvalidCategory  = errors.New("invalid category")
	ErrOutOfRange       = errors.New("index out of range")
	ErrNoPendingEdit    = errors.New("no pending edit")
	ErrCommitInProgress = errors.New("commit already in progress")
)
