package client

import (
	"errors"
	"fmt"
)

// Common errors returned by the client.
var (
	// ErrRetryExhausted is returned when all retry attempts are exhausted.
	ErrRetryExhausted = errors.New("retry attempts exhausted")

	// ErrContextCancelled is returned when the context is cancelled during retry.
	ErrContextCancelled = errors.New("context cancelled")
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassAuth represents 401/403 responses that survived a credential
	// refresh, and failed credential exchanges.
	ErrorClassAuth ErrorClass = "auth"

	// ErrorClassClient represents other 4xx responses. These are permanent.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// ClassifyStatus maps a non-2xx status code to its class.
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == 401 || status == 403:
		return ErrorClassAuth
	case status == 429:
		return ErrorClassRateLimit
	case status >= 500:
		return ErrorClassServer
	default:
		return ErrorClassClient
	}
}

// HTTPError is a non-2xx response or a failed request.
type HTTPError struct {
	Method     string
	Endpoint   string
	StatusCode int
	Class      ErrorClass
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *HTTPError) Error() string {
	target := e.Endpoint
	if e.Method != "" {
		target = e.Method + " " + e.Endpoint
	}
	if e.StatusCode == 0 {
		return fmt.Sprintf("newstore %s error: %s: %v", e.Class, target, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("newstore %s error (status %d): %s: %s: %v",
			e.Class, e.StatusCode, target, e.Message, e.Err)
	}
	return fmt.Sprintf("newstore %s error (status %d): %s: %s",
		e.Class, e.StatusCode, target, e.Message)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *HTTPError) Unwrap() error {
	return e.Err
}

// Transient reports whether the request may succeed when repeated.
func (e *HTTPError) Transient() bool {
	return shouldRetry(e.Class)
}

// IsTransient reports whether err is a 429, 5xx or network failure.
func IsTransient(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Transient()
}

// IsPermanent reports whether err is a 4xx other than 401, 403 and 429.
// Permanent failures end the current branch but not the run.
func IsPermanent(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Class == ErrorClassClient
}

// IsAuth reports whether err is an authentication failure.
func IsAuth(err error) bool {
	var he *HTTPError
	return errors.As(err, &he) && he.Class == ErrorClassAuth
}

// shouldRetry determines if an error should be retried based on its classification.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassNetwork:
		return true
	default:
		// 4xx and auth failures repeat deterministically
		return false
	}
}
