package store

import (
	"errors"
	"fmt"
	"net/http"
)

// Common errors returned by the client.
var (
	// ErrTransport matches failures to reach the media service at all.
	ErrTransport = errors.New("transport error")

	// ErrRemoteService matches error responses from the media service.
	ErrRemoteService = errors.New("remote service error")

	// ErrNotFound matches 404 responses, e.g. an image deleted mid-run.
	ErrNotFound = errors.New("resource not found")

	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors other than 404 and throttling.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 420/429 throttling responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassNotFound represents 404 responses.
	ErrorClassNotFound ErrorClass = "not_found"
)

// StoreError is a failed media service call with its classification.
type StoreError struct {
	Op         string
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *StoreError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("%s: %s error: %v", e.Op, e.Class, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s error (status %d): %s: %v",
			e.Op, e.Class, e.StatusCode, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s error (status %d): %s",
		e.Op, e.Class, e.StatusCode, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StoreError) Unwrap() error {
	return e.Err
}

// Is maps the error class onto the package sentinels.
func (e *StoreError) Is(target error) bool {
	switch target {
	case ErrTransport:
		return e.Class == ErrorClassNetwork
	case ErrNotFound:
		return e.Class == ErrorClassNotFound
	case ErrRemoteService:
		return e.Class == ErrorClassClient || e.Class == ErrorClassServer || e.Class == ErrorClassRateLimit
	}
	return false
}

// ClassOf returns the class of err, or "" if it is not a StoreError.
func ClassOf(err error) ErrorClass {
	var se *StoreError
	if errors.As(err, &se) {
		return se.Class
	}
	return ""
}

// classifyStatus categorizes an HTTP error status.
func classifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusNotFound:
		return ErrorClassNotFound
	case status == http.StatusTooManyRequests || status == 420:
		return ErrorClassRateLimit
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(class ErrorClass) bool {
	switch class {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// client errors and 404s will not change on retry
		return false
	}
}
