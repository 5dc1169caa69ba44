package reverie

import (
	"fmt"
	"time"
)

// ErrLLM wraps a failure from an LLM backend.
type ErrLLM struct {
	Provider string
	Message  string
	Err      error
}

func (e *ErrLLM) Error() string {
	return fmt.Sprintf("%s: %s", e.Provider, e.Message)
}

func (e *ErrLLM) Unwrap() error { return e.Err }

// ErrHTTP is a non-2xx response from an upstream HTTP API.
type ErrHTTP struct {
	Status     int
	Body       string
	RetryAfter time.Duration
}

func (e *ErrHTTP) Error() string {
	return fmt.Sprintf("http %d: %s", e.Status, e.Body)
}

// ErrEmbedding wraps a failure from an embedding backend.
type ErrEmbedding struct {
	Provider string
	Err      error
}

func (e *ErrEmbedding) Error() string {
	return fmt.Sprintf("embedding %s: %v", e.Provider, e.Err)
}

func (e *ErrEmbedding) Unwrap() error { return e.Err }

// ErrMalformedOutput means the scoring LLM returned output that does not
// match the structured extraction schema. The whole response is rejected.
type ErrMalformedOutput struct {
	Snippet string
}

func (e *ErrMalformedOutput) Error() string {
	return fmt.Sprintf("malformed extraction output: %s", e.Snippet)
}

// ErrDimensionMismatch means a partition already holds vectors of a
// different dimension than the bound embedding provider produces.
// Switching embedding models on an existing partition is refused.
type ErrDimensionMismatch struct {
	Want int // dimension recorded in the partition
	Got  int // dimension of the bound provider
}

func (e *ErrDimensionMismatch) Error() string {
	return fmt.Sprintf("embedding dimension mismatch: partition holds %d-dim vectors, provider produces %d", e.Want, e.Got)
}

// ErrConfig is a startup configuration failure. Fatal.
type ErrConfig struct {
	Field  string
	Reason string
}

func (e *ErrConfig) Error() string {
	return fmt.Sprintf("config %s: %s", e.Field, e.Reason)
}

// Auth error kinds.
const (
	AuthMissing = "missing"
	AuthInvalid = "invalid"
)

// ErrAuth is an API-key authentication failure at the HTTP boundary.
type ErrAuth struct {
	Kind string // "missing" or "invalid"
}

func (e *ErrAuth) Error() string {
	return fmt.Sprintf("auth %s: api key", e.Kind)
}

// ErrUnknownUser means the user id does not resolve to a stored record.
type ErrUnknownUser struct {
	ID string
}

func (e *ErrUnknownUser) Error() string {
	return fmt.Sprintf("unknown user: %s", e.ID)
}

// ErrUnknownSession means the session id does not resolve to a stored record.
type ErrUnknownSession struct {
	ID string
}

func (e *ErrUnknownSession) Error() string {
	return fmt.Sprintf("unknown session: %s", e.ID)
}

// ErrInvalidRole means the role id is not present in the role registry.
type ErrInvalidRole struct {
	ID string
}

func (e *ErrInvalidRole) Error() string {
	return fmt.Sprintf("invalid role: %s", e.ID)
}

// ErrStoreUnavailable means the memory store cannot serve requests.
type ErrStoreUnavailable struct {
	Err error
}

func (e *ErrStoreUnavailable) Error() string {
	return fmt.Sprintf("store unavailable: %v", e.Err)
}

func (e *ErrStoreUnavailable) Unwrap() error { return e.Err }
