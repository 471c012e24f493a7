package store

import (
	"errors"
	"fmt"
	"testing"
)

func TestShouldRetry(t *testing.T) {
	tests := []struct {
		name       string
		errorClass ErrorClass
		expected   bool
	}{
		{"client error should not retry", ErrorClassClient, false},
		{"not found should not retry", ErrorClassNotFound, false},
		{"server error should retry", ErrorClassServer, true},
		{"rate limit should retry", ErrorClassRateLimit, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shouldRetry(tt.errorClass); got != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, got, tt.expected)
			}
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		want   ErrorClass
	}{
		{400, ErrorClassClient},
		{401, ErrorClassClient},
		{404, ErrorClassNotFound},
		{420, ErrorClassRateLimit},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
		{200, ""},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprint(tt.status), func(t *testing.T) {
			if got := classifyStatus(tt.status); got != tt.want {
				t.Errorf("classifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
			}
		})
	}
}

func TestStoreError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *StoreError
		expected string
	}{
		{
			name: "status with wrapped error",
			err: &StoreError{Op: OpList, StatusCode: 500, Class: ErrorClassServer,
				Message: "General Error", Err: errors.New("eof")},
			expected: "list: server error (status 500): General Error: eof",
		},
		{
			name:     "status without wrapped error",
			err:      &StoreError{Op: OpFetch, StatusCode: 404, Class: ErrorClassNotFound, Message: "404 Not Found"},
			expected: "fetch: not_found error (status 404): 404 Not Found",
		},
		{
			name:     "network error",
			err:      &StoreError{Op: OpReplace, Class: ErrorClassNetwork, Err: errors.New("connection refused")},
			expected: "replace: network error: connection refused",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.expected {
				t.Errorf("Error() = %q, want %q", got, tt.expected)
			}
		})
	}
}

func TestStoreError_IsSentinels(t *testing.T) {
	tests := []struct {
		class     ErrorClass
		transport bool
		remote    bool
		notFound  bool
	}{
		{ErrorClassNetwork, true, false, false},
		{ErrorClassServer, false, true, false},
		{ErrorClassClient, false, true, false},
		{ErrorClassRateLimit, false, true, false},
		{ErrorClassNotFound, false, false, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.class), func(t *testing.T) {
			err := fmt.Errorf("wrapped: %w", &StoreError{Op: OpFetch, Class: tt.class})

			if got := errors.Is(err, ErrTransport); got != tt.transport {
				t.Errorf("Is(ErrTransport) = %v, want %v", got, tt.transport)
			}
			if got := errors.Is(err, ErrRemoteService); got != tt.remote {
				t.Errorf("Is(ErrRemoteService) = %v, want %v", got, tt.remote)
			}
			if got := errors.Is(err, ErrNotFound); got != tt.notFound {
				t.Errorf("Is(ErrNotFound) = %v, want %v", got, tt.notFound)
			}
		})
	}
}

func TestStoreError_Unwrap(t *testing.T) {
	inner := errors.New("wrapped error")
	err := &StoreError{Op: OpList, Class: ErrorClassServer, Err: inner}

	if err.Unwrap() != inner {
		t.Errorf("Unwrap() = %v, want %v", err.Unwrap(), inner)
	}
	if !errors.Is(err, inner) {
		t.Error("errors.Is should work with wrapped error")
	}
	if ClassOf(fmt.Errorf("ctx: %w", err)) != ErrorClassServer {
		t.Error("ClassOf should see through wrapping")
	}
	if ClassOf(inner) != "" {
		t.Error("ClassOf of a plain error should be empty")
	}
}
