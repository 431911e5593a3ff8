package icr

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// ErrForbidden matches any registry error that signals missing authorization.
// Use errors.Is(err, icr.ErrForbidden).
var ErrForbidden = errors.New("icr: forbidden")

// APIError is a non-2xx response from the registry. The registry replies with
// {"statusCode": 403, "message": "..." | ["...", ...], "error": "Forbidden"}.
type APIError struct {
	Op         string
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	msg := e.Message
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("icr: %s: %d %s", e.Op, e.StatusCode, msg)
}

// Forbidden reports whether the registry rejected the credentials or their scope
func (e *APIError) Forbidden() bool {
	switch e.Code {
	case "Forbidden", "Unauthorized":
		return true
	}
	return e.StatusCode == http.StatusForbidden || e.StatusCode == http.StatusUnauthorized
}

// Is lets errors.Is(err, ErrForbidden) classify registry errors
func (e *APIError) Is(target error) bool {
	return target == ErrForbidden && e.Forbidden()
}

// IsForbidden reports whether err is an authorization failure from the registry
func IsForbidden(err error) bool {
	return errors.Is(err, ErrForbidden)
}

// RemoteMessage returns the registry's own message when err carries one
func RemoteMessage(err error) (string, bool) {
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.Message != "" {
		return apiErr.Message, true
	}
	return "", false
}

type errorBody struct {
	StatusCode int             `json:"statusCode"`
	Message    json.RawMessage `json:"message"`
	Error      string          `json:"error"`
}

// firstMessage accepts both a string and a list of strings, keeping the first entry.
func firstMessage(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}

const maxErrorBody = 64 << 10

func newAPIError(op string, resp *http.Response) *APIError {
	apiErr := &APIError{Op: op, StatusCode: resp.StatusCode}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(data) == 0 {
		return apiErr
	}
	var body errorBody
	if err := json.Unmarshal(data, &body); err != nil {
		return apiErr
	}
	apiErr.Code = body.Error
	apiErr.Message = firstMessage(body.Message)
	return apiErr
}
