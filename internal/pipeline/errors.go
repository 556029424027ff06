package pipeline

import (
	"context"
	"errors"
	"fmt"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// Stage names, used for health entries, metrics labels and tracing.
const (
	ProviderSTT        = "stt"
	ProviderLLM        = "llm"
	ProviderTTS        = "tts"
	ProviderAutomation = "automation"
)

// ErrorKind drives the retry policy.
type ErrorKind string

const (
	KindTimeout         ErrorKind = "timeout"
	KindRateLimited     ErrorKind = "rate_limited"
	KindInvalidResponse ErrorKind = "invalid_response"
	KindUnavailable     ErrorKind = "unavailable"
)

// Error is a classified provider failure.
type Error struct {
	Provider   string
	Kind       ErrorKind
	RetryAfter time.Duration
	Err        error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s provider %s: %v", e.Provider, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Classify maps a raw adapter error to the provider error taxonomy.
func Classify(provider string, err error) *Error {
	var perr *Error
	if errors.As(err, &perr) {
		return perr
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Kind: KindTimeout, Err: err}
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch {
		case apiErr.HTTPStatusCode == 429:
			return &Error{Provider: provider, Kind: KindRateLimited, Err: err}
		case apiErr.HTTPStatusCode >= 500:
			return &Error{Provider: provider, Kind: KindUnavailable, Err: err}
		default:
			// 4xx other than 429 means we sent something the provider
			// rejects; retrying the same payload cannot help.
			return &Error{Provider: provider, Kind: KindInvalidResponse, Err: err}
		}
	}

	// Transport-level failures (connection refused, DNS, reset).
	return &Error{Provider: provider, Kind: KindUnavailable, Err: err}
}
