package client

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
		{"auth error should not retry", ErrorClassAuth, false},
		{"server error should retry", ErrorClassServer, true},
		{"rate limit should retry", ErrorClassRateLimit, true},
		{"network error should retry", ErrorClassNetwork, true},
		{"empty error class should not retry", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if result := shouldRetry(tt.errorClass); result != tt.expected {
				t.Errorf("shouldRetry(%q) = %v, want %v", tt.errorClass, result, tt.expected)
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
		{401, ErrorClassAuth},
		{403, ErrorClassAuth},
		{404, ErrorClassClient},
		{422, ErrorClassClient},
		{429, ErrorClassRateLimit},
		{500, ErrorClassServer},
		{503, ErrorClassServer},
		{302, ErrorClassClient},
	}
	for _, tt := range tests {
		if got := ClassifyStatus(tt.status); got != tt.want {
			t.Errorf("ClassifyStatus(%d) = %q, want %q", tt.status, got, tt.want)
		}
	}
}

func TestHTTPError_Error(t *testing.T) {
	tests := []struct {
		name     string
		err      *HTTPError
		expected string
	}{
		{
			name: "status error",
			err: &HTTPError{
				Method:     "GET",
				Endpoint:   "/v0/d/stores",
				StatusCode: 404,
				Class:      ErrorClassClient,
				Message:    "Not Found",
			},
			expected: "newstore client error (status 404): GET /v0/d/stores: Not Found",
		},
		{
			name: "network error",
			err: &HTTPError{
				Endpoint: "/v0/c/shops",
				Class:    ErrorClassNetwork,
				Err:      errors.New("connection refused"),
			},
			expected: "newstore network error: /v0/c/shops: connection refused",
		},
		{
			name: "status with cause",
			err: &HTTPError{
				Method:     "POST",
				Endpoint:   "/v0/availabilities",
				StatusCode: 500,
				Class:      ErrorClassServer,
				Message:    "Internal Server Error",
				Err:        errors.New("boom"),
			},
			expected: "newstore server error (status 500): POST /v0/availabilities: Internal Server Error: boom",
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

func TestErrorPredicates(t *testing.T) {
	permanent := fmt.Errorf("fetch: %w", &HTTPError{StatusCode: 404, Class: ErrorClassClient})
	transient := fmt.Errorf("%w after 3 attempts: %w", ErrRetryExhausted, &HTTPError{StatusCode: 503, Class: ErrorClassServer})
	auth := &HTTPError{StatusCode: 403, Class: ErrorClassAuth}
	plain := errors.New("plain")

	tests := []struct {
		name                         string
		err                          error
		isTransient, isPerm, isAuthd bool
	}{
		{"permanent", permanent, false, true, false},
		{"transient exhausted", transient, true, false, false},
		{"auth", auth, false, false, true},
		{"plain", plain, false, false, false},
		{"nil", nil, false, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTransient(tt.err); got != tt.isTransient {
				t.Errorf("IsTransient = %v, want %v", got, tt.isTransient)
			}
			if got := IsPermanent(tt.err); got != tt.isPerm {
				t.Errorf("IsPermanent = %v, want %v", got, tt.isPerm)
			}
			if got := IsAuth(tt.err); got != tt.isAuthd {
				t.Errorf("IsAuth = %v, want %v", got, tt.isAuthd)
			}
		})
	}
}

func TestHTTPError_Unwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := &HTTPError{Class: ErrorClassNetwork, Err: cause}
	if !errors.Is(err, cause) {
		t.Error("errors.Is should find the wrapped cause")
	}
}
