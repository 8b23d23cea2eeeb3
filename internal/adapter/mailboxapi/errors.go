package mailboxapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
)

// APIError is a non-2xx response, or a 2xx response whose body could not be
// decoded where a decoded body was required. Body always holds the raw
// response.
type APIError struct {
	Method     string
	Path       string
	StatusCode int
	Message    string
	Body       string
	// ParseFailure marks a successful status with an undecodable body.
	ParseFailure bool
}

func (err *APIError) Error() string {
	msg := err.Message
	if msg == "" {
		msg = http.StatusText(err.StatusCode)
	}
	if err.ParseFailure {
		return fmt.Sprintf("mailboxapi: %s %s: HTTP %d: undecodable body: %s", err.Method, err.Path, err.StatusCode, msg)
	}
	return fmt.Sprintf("mailboxapi: %s %s: HTTP %d: %s", err.Method, err.Path, err.StatusCode, msg)
}

// IsNotFound reports whether err is a 404 response.
func IsNotFound(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusNotFound
}

// IsRateLimited reports whether err is a 429 response.
func IsRateLimited(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.StatusCode == http.StatusTooManyRequests
}

// IsParseFailure reports whether err is a 2xx response with a body that was
// not the expected JSON.
func IsParseFailure(err error) bool {
	var apiError *APIError
	return errors.As(err, &apiError) && apiError.ParseFailure
}

// parseAPIError builds an APIError from a non-2xx response. The message is
// taken from a JSON object body when one of the usual keys is present.
func parseAPIError(method, path string, status int, body []byte) *APIError {
	apiError := &APIError{
		Method:     method,
		Path:       path,
		StatusCode: status,
		Body:       string(body),
	}

	var parsed map[string]any
	if err := json.Unmarshal(body, &parsed); err == nil {
		for _, key := range []string{"message", "error", "detail"} {
			if s, ok := parsed[key].(string); ok && s != "" {
				apiError.Message = s
				break
			}
		}
	}
	if apiError.Message == "" {
		apiError.Message = truncate(strings.TrimSpace(string(body)), 200)
	}
	return apiError
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
