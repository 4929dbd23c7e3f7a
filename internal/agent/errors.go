package agent

import "strings"

// errorClass buckets completion failures for the retry loop.
type errorClass string

const (
	classRateLimit   errorClass = "rate_limit"
	classOverloaded  errorClass = "overloaded"
	classTimeout     errorClass = "timeout"
	classServerError errorClass = "server_error"
	classConnection  errorClass = "connection"
	classAuth        errorClass = "auth"
	classInvalid     errorClass = "invalid_request"
	classUnknown     errorClass = "unknown"
)

// retryable reports whether a completion attempt with this failure class
// is worth repeating.
func (c errorClass) retryable() bool {
	switch c {
	case classRateLimit, classOverloaded, classTimeout, classServerError, classConnection:
		return true
	default:
		return false
	}
}

// classifyError buckets an error by its message content. The SDK does
// not expose a stable error taxonomy across transports, so string
// matching is the common denominator.
func classifyError(err error) errorClass {
	if err == nil {
		return classUnknown
	}
	msg := strings.ToLower(err.Error())

	switch {
	case strings.Contains(msg, "rate limit"),
		strings.Contains(msg, "rate_limit"),
		strings.Contains(msg, "too many requests"),
		strings.Contains(msg, "429"):
		return classRateLimit
	case strings.Contains(msg, "overloaded"),
		strings.Contains(msg, "529"):
		return classOverloaded
	case strings.Contains(msg, "timeout"),
		strings.Contains(msg, "deadline exceeded"):
		return classTimeout
	case strings.Contains(msg, "internal server"),
		strings.Contains(msg, "server error"),
		strings.Contains(msg, "bad gateway"),
		strings.Contains(msg, "service unavailable"),
		strings.Contains(msg, "500"),
		strings.Contains(msg, "502"),
		strings.Contains(msg, "503"),
		strings.Contains(msg, "504"):
		return classServerError
	case strings.Contains(msg, "connection reset"),
		strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "no such host"),
		strings.Contains(msg, "broken pipe"):
		return classConnection
	case strings.Contains(msg, "unauthorized"),
		strings.Contains(msg, "invalid api key"),
		strings.Contains(msg, "authentication"),
		strings.Contains(msg, "401"),
		strings.Contains(msg, "403"):
		return classAuth
	case strings.Contains(msg, "invalid"),
		strings.Contains(msg, "bad request"),
		strings.Contains(msg, "400"):
		return classInvalid
	default:
		return classUnknown
	}
}
