// Package providers is the uniform transport layer over heterogeneous LLM
// APIs. Adapters carry text and token counts only; they never interpret the
// response and never retry. Retry policy belongs to the agent runner.
package providers

import (
	"context"
	"errors"
	"fmt"
)

// ErrKind classifies a transport failure.
type ErrKind string

const (
	KindRateLimited    ErrKind = "rate_limited"
	KindTimeout        ErrKind = "timeout"
	KindInvalidRequest ErrKind = "invalid_request"
	KindUpstream       ErrKind = "upstream_error"
	KindNetwork        ErrKind = "network"
)

// Error is a typed transport failure from a provider adapter.
type Error struct {
	Provider string
	Kind     ErrKind
	Status   int // HTTP status when applicable
	Err      error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Provider, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Provider, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Transient reports whether an error should be retried by the runner.
// Invalid requests are programmer errors and fail immediately.
func Transient(err error) bool {
	var pe *Error
	if !errors.As(err, &pe) {
		return false
	}
	switch pe.Kind {
	case KindRateLimited, KindTimeout, KindUpstream, KindNetwork:
		return true
	}
	return false
}

// Kind extracts the error kind, or "" for non-provider errors.
func Kind(err error) ErrKind {
	var pe *Error
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return ""
}

// Params are the per-call generation knobs.
type Params struct {
	Model       string
	Temperature float64
	MaxTokens   int
	Stop        []string
}

// Result is the raw outcome of one provider call.
type Result struct {
	Text      string
	TokensIn  int
	TokensOut int
	ModelID   string
}

// Adapter is the single-operation provider contract.
type Adapter interface {
	// Invoke sends one system+user prompt pair and returns the raw text and
	// token usage. The context deadline is the per-call deadline; exceeding it
	// yields a KindTimeout error.
	Invoke(ctx context.Context, systemPrompt, userPrompt string, params Params) (*Result, error)

	// Name returns the provider name ("openai", "anthropic", ...).
	Name() string
}

// kindForStatus maps an HTTP status to an error kind.
func kindForStatus(status int) ErrKind {
	switch {
	case status == 429:
		return KindRateLimited
	case status == 408 || status == 504:
		return KindTimeout
	case status >= 500:
		return KindUpstream
	case status >= 400:
		return KindInvalidRequest
	}
	return KindUpstream
}

// wrapCtxErr converts a context error on a call into a typed provider error.
func wrapCtxErr(provider string, err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Provider: provider, Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.Canceled) {
		return &Error{Provider: provider, Kind: KindTimeout, Err: err}
	}
	return &Error{Provider: provider, Kind: KindNetwork, Err: err}
}
