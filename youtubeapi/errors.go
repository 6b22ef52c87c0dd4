package youtubeapi

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"golang.org/x/oauth2"
	"google.golang.org/api/googleapi"
)

// ErrorClass partitions Platform API failures by how callers must react.
type ErrorClass int

const (
	// ClassTransient covers network faults, timeouts and 5xx responses; the
	// per-call retry policy handles these.
	ClassTransient ErrorClass = iota
	// ClassUnauthorized ends the current operation; the refresh loop picks the
	// user up on its next tick.
	ClassUnauthorized
	// ClassQuotaExceeded covers 429 and daily-quota 403 responses.
	ClassQuotaExceeded
	// ClassNotFound covers deleted videos/playlists (404) and gone topics (410).
	ClassNotFound
	// ClassMalformed covers 400s and undecodable responses.
	ClassMalformed
)

func (c ErrorClass) String() string {
	switch c {
	case ClassTransient:
		return "transient"
	case ClassUnauthorized:
		return "unauthorized"
	case ClassQuotaExceeded:
		return "quota_exceeded"
	case ClassNotFound:
		return "not_found"
	case ClassMalformed:
		return "malformed"
	default:
		return "unknown"
	}
}

// APIError wraps a Platform failure with its class so loops can branch without
// string matching.
type APIError struct {
	Class ErrorClass
	Op    string
	Err   error
}

func (e *APIError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Class, e.Err)
}

func (e *APIError) Unwrap() error { return e.Err }

// ClassOf extracts the error class, defaulting to transient for unknown
// failures so they stay retryable.
func ClassOf(err error) ErrorClass {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Class
	}
	return classify(err)
}

// IsClass reports whether err carries the given class.
func IsClass(err error, class ErrorClass) bool {
	return err != nil && ClassOf(err) == class
}

// wrap annotates err with its class and the failed operation.
func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &APIError{Class: classify(err), Op: op, Err: err}
}

var quotaReasons = map[string]bool{
	"quotaExceeded":         true,
	"dailyLimitExceeded":    true,
	"rateLimitExceeded":     true,
	"userRateLimitExceeded": true,
}

func classify(err error) ErrorClass {
	var gerr *googleapi.Error
	if errors.As(err, &gerr) {
		switch {
		case gerr.Code == 429:
			return ClassQuotaExceeded
		case gerr.Code == 403:
			for _, item := range gerr.Errors {
				if quotaReasons[item.Reason] {
					return ClassQuotaExceeded
				}
			}
			return ClassUnauthorized
		case gerr.Code == 401:
			return ClassUnauthorized
		case gerr.Code == 404 || gerr.Code == 410:
			return ClassNotFound
		case gerr.Code >= 400 && gerr.Code < 500:
			return ClassMalformed
		default:
			return ClassTransient
		}
	}

	var rerr *oauth2.RetrieveError
	if errors.As(err, &rerr) {
		if rerr.Response != nil && rerr.Response.StatusCode >= 500 {
			return ClassTransient
		}
		// invalid_grant and friends: the refresh token is dead.
		return ClassUnauthorized
	}

	var nerr net.Error
	if errors.As(err, &nerr) {
		return ClassTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ClassTransient
	}
	if strings.Contains(err.Error(), "invalid character") || strings.Contains(err.Error(), "unexpected EOF") {
		return ClassMalformed
	}
	return ClassTransient
}
