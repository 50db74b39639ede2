package tts

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// Sentinel errors for common error conditions.
var (
	// ErrNoAPIKey is returned when the API key is missing.
	ErrNoAPIKey = errors.New("tts: API key required")

	// ErrNoVoiceID is returned when no voice is configured or requested.
	ErrNoVoiceID = errors.New("tts: voice ID required")
)

// APIError represents an error response from a TTS API.
type APIError struct {
	// StatusCode is the HTTP status code.
	StatusCode int

	// Message is the error message from the API.
	Message string

	// Provider identifies which provider returned the error.
	Provider string
}

// Error implements the error interface.
func (e *APIError) Error() string {
	return fmt.Sprintf("tts [%s]: API error %d: %s", e.Provider, e.StatusCode, e.Message)
}

// IsUnauthorized returns true if this is an authentication error (HTTP 401).
func (e *APIError) IsUnauthorized() bool {
	return e.StatusCode == http.StatusUnauthorized
}

// IsRetryable returns true for rate limiting and server-side errors.
func (e *APIError) IsRetryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || (e.StatusCode >= 500 && e.StatusCode < 600)
}

// parseAPIError reads an error response body. It understands
// {"detail":{"message":...}}, {"detail":"..."}, {"error":"..."} and
// {"error":{"message":...}} shapes.
func parseAPIError(provider string, resp *http.Response) *APIError {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 8<<10))

	message := string(body)

	var detailObj struct {
		Detail struct {
			Message string `json:"message"`
		} `json:"detail"`
	}
	var detailStr struct {
		Detail string `json:"detail"`
		Error  string `json:"error"`
	}
	var errorObj struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}

	switch {
	case json.Unmarshal(body, &detailObj) == nil && detailObj.Detail.Message != "":
		message = detailObj.Detail.Message
	case json.Unmarshal(body, &detailStr) == nil && detailStr.Detail != "":
		message = detailStr.Detail
	case detailStr.Error != "":
		message = detailStr.Error
	case json.Unmarshal(body, &errorObj) == nil && errorObj.Error.Message != "":
		message = errorObj.Error.Message
	}

	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}

	return &APIError{
		StatusCode: resp.StatusCode,
		Message:    message,
		Provider:   provider,
	}
}
