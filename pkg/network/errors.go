package network

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// ErrorClass represents a classification of fetch failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors (other than 408 and 429).
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 Too Many Requests.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassTimeout represents an expired fetch timeout (or 408).
	ErrorClassTimeout ErrorClass = "timeout"

	// ErrorClassNetwork represents transport failures (DNS, refused, reset).
	ErrorClassNetwork ErrorClass = "network"
)

// NetworkError describes a failed fetch.
type NetworkError struct {
	Class      ErrorClass
	StatusCode int
	URL        string
	Err        error
}

// Error implements the error interface.
func (e *NetworkError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: %s error (status %d)", e.URL, e.Class, e.StatusCode)
	}
	if e.Err != nil {
		return fmt.Sprintf("fetch %s: %s error: %v", e.URL, e.Class, e.Err)
	}
	return fmt.Sprintf("fetch %s: %s error", e.URL, e.Class)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsConnectivity reports whether the failure means the origin could not
// produce an answer (as opposed to an authoritative client error).
func (e *NetworkError) IsConnectivity() bool {
	return e.Class != ErrorClassClient
}

// ClassifyStatus categorizes a response status. It returns "" for statuses
// that are not failures (1xx, 2xx, 3xx).
func ClassifyStatus(status int) ErrorClass {
	switch {
	case status == http.StatusTooManyRequests:
		return ErrorClassRateLimit
	case status == http.StatusRequestTimeout:
		return ErrorClassTimeout
	case status >= 400 && status < 500:
		return ErrorClassClient
	case status >= 500:
		return ErrorClassServer
	default:
		return ""
	}
}

// ClassifyError categorizes a transport error.
func ClassifyError(err error) ErrorClass {
	if err == nil {
		return ""
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.Class
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrorClassTimeout
	}
	var te interface{ Timeout() bool }
	if errors.As(err, &te) && te.Timeout() {
		return ErrorClassTimeout
	}
	return ErrorClassNetwork
}

// IsConnectivityError reports whether err is a fetch failure that should be
// resolved from the store or the fallback generator.
func IsConnectivityError(err error) bool {
	if err == nil {
		return false
	}
	var ne *NetworkError
	if errors.As(err, &ne) {
		return ne.IsConnectivity()
	}
	return true
}

// shouldRetry determines if a failure class is worth retrying.
func shouldRetry(errorClass ErrorClass) bool {
	switch errorClass {
	case ErrorClassClient:
		// 4xx answers do not change on retry
		return false
	case ErrorClassServer, ErrorClassRateLimit, ErrorClassTimeout, ErrorClassNetwork:
		return true
	default:
		return false
	}
}
