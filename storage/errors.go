package storage

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
)

// RejectedError marks a persistence failure the caller must not retry:
// the request itself was invalid (unknown entity, bad category, conflict).
// Everything else surfaced by this package is transient and retry-safe.
type RejectedError interface {
	error
	Rejected()
}

// InvalidContinuationTokenError is returned when a supplied pagination token
// is malformed or expired.
type InvalidContinuationTokenError interface {
	error
	InvalidContinuationToken()
}

type rejectedError struct {
	msg string
}

func (e rejectedError) Error() string { return e.msg }
func (e rejectedError) Rejected()     {}

type notFoundError struct {
	kind string
	id   string
}

func (e notFoundError) Error() string { return fmt.Sprintf("%s %s not found", e.kind, e.id) }
func (e notFoundError) Rejected()     {}

type invalidTokenError struct {
	cause error
}

func (e invalidTokenError) Error() string            { return "invalid continuation token: " + e.cause.Error() }
func (e invalidTokenError) Unwrap() error            { return e.cause }
func (e invalidTokenError) InvalidContinuationToken() {}

// IsRejected reports whether err is a non-retryable persistence failure.
// Azure responses with a 4xx status are rejected, except for 408 and 429
// which the service uses for throttling.
func IsRejected(err error) bool {
	var rej RejectedError
	if errors.As(err, &rej) {
		return true
	}
	var respErr *azcore.ResponseError
	if errors.As(err, &respErr) {
		switch respErr.StatusCode {
		case http.StatusRequestTimeout, http.StatusTooManyRequests:
			return false
		}
		return respErr.StatusCode >= 400 && respErr.StatusCode < 500
	}
	return false
}

func isNotFoundResponse(err error) bool {
	var respErr *azcore.ResponseError
	return errors.As(err, &respErr) && respErr.StatusCode == http.StatusNotFound
}
