package stream

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// StatusError is returned for a non-2xx response
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("request failed with status %d", e.StatusCode)
	}
	return e.Message
}

// StatusCode extracts the HTTP status carried by err, or 0
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.StatusCode
	}
	var coded interface{ HTTPStatus() int }
	if errors.As(err, &coded) {
		return coded.HTTPStatus()
	}
	return 0
}

// IsUnauthorized reports whether err signals an expired login
func IsUnauthorized(err error) bool {
	return StatusCode(err) == http.StatusUnauthorized
}

// newStatusError reads the {"error": "..."} body the backend sends on failure
func newStatusError(resp *http.Response) *StatusError {
	se := &StatusError{StatusCode: resp.StatusCode}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	if err == nil {
		var payload struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(body, &payload) == nil && payload.Error != "" {
			se.Message = payload.Error
			return se
		}
	}

	se.Message = "Request failed"
	if text := http.StatusText(resp.StatusCode); text != "" {
		se.Message += ": " + strings.ToLower(text)
	}
	return se
}
