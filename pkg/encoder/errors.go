package encoder

import (
	"errors"
	"fmt"
	"log/slog"
)

var (
	// ErrBackend marks a failed remote call: network, auth, rate limit or
	// timeout. Match it with errors.Is.
	ErrBackend = errors.New("encoder: backend failure")

	// ErrOversizeInput marks content rejected by the backend for exceeding its
	// token or size limit. It is fatal for the batch; no bisection is attempted.
	ErrOversizeInput = errors.New("encoder: input exceeds backend size limit")
)

// BackendError wraps a failed remote call with the provider name and, when
// the backend answered over HTTP, its status code.
type BackendError struct {
	Provider   string
	StatusCode int
	Err        error
}

func (e *BackendError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: backend failure (status %d): %v", e.Provider, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s: backend failure: %v", e.Provider, e.Err)
}

// Unwrap exposes both ErrBackend and the underlying cause.
func (e *BackendError) Unwrap() []error { return []error{ErrBackend, e.Err} }

// OversizeInputError reports that a request was rejected for size. Index
// points at the largest text of the rejected request, which is the most likely
// offender; Bytes and Tokens describe it.
type OversizeInputError struct {
	Provider string
	Index    int
	Bytes    int
	Tokens   int
	Err      error
}

func (e *OversizeInputError) Error() string {
	return fmt.Sprintf("%s: input exceeds size limit (largest text at index %d: %d bytes, ~%d tokens): %v",
		e.Provider, e.Index, e.Bytes, e.Tokens, e.Err)
}

// Unwrap exposes both ErrOversizeInput and the underlying cause.
func (e *OversizeInputError) Unwrap() []error { return []error{ErrOversizeInput, e.Err} }

// NewOversizeInputError locates the largest text in texts, logs it and returns
// an *OversizeInputError describing it. Adapters call this when the backend
// rejects a request for size.
func NewOversizeInputError(provider string, texts []string, cause error) *OversizeInputError {
	idx := LargestIndex(texts)
	e := &OversizeInputError{Provider: provider, Index: idx, Err: cause}
	if idx >= 0 {
		e.Bytes = len(texts[idx])
		e.Tokens = EstimateTokens(texts[idx])
	}
	slog.Warn("encoder rejected oversize input",
		"provider", provider,
		"index", e.Index,
		"bytes", e.Bytes,
		"est_tokens", e.Tokens,
		"batch_len", len(texts),
	)
	return e
}

// LargestIndex returns the index of the longest text (by bytes), or -1 for an
// empty slice. Ties resolve to the first occurrence.
func LargestIndex(texts []string) int {
	idx := -1
	maxLen := -1
	for i, t := range texts {
		if len(t) > maxLen {
			idx, maxLen = i, len(t)
		}
	}
	return idx
}
