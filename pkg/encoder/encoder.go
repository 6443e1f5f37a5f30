// Package encoder defines the Provider contract for remote text-encoding
// backends.
//
// A Provider turns a list of raw texts into a list of dense float32 vectors of
// a fixed dimension. It performs network I/O and nothing else: caching,
// chunking and concurrency are owned by the caller (see internal/encode), which
// keeps every Provider stateless and trivially replaceable by a fake.
//
// Implementations must be safe for concurrent use.
package encoder

import (
	"context"
	"strings"
	"unicode/utf8"
)

// Provider is the abstraction over any text-encoding backend.
//
// All vectors returned by a single Provider instance share the same length
// (returned by Dimensions). Together, ModelID and Dimensions identify the cache
// namespace the vectors belong to.
type Provider interface {
	// EncodeRaw computes one vector per input text in a single backend call.
	// texts must be non-empty and no longer than the backend's maximum batch
	// size. The returned slice has the same length as texts and the i-th
	// element corresponds to texts[i].
	//
	// Failures are reported as *BackendError (network, auth, rate limit,
	// timeout) or *OversizeInputError (content rejected for size). Partial
	// results are never returned.
	EncodeRaw(ctx context.Context, texts []string) ([][]float32, error)

	// CountTokens returns an estimate of the number of tokens texts would
	// consume. It is meant for progress reporting and diagnostics only.
	CountTokens(texts []string) int

	// Dimensions returns the fixed length of every vector produced.
	Dimensions() int

	// ModelID returns the backend model identifier (e.g. "text-embedding-3-large").
	ModelID() string
}

// BatchLimiter is implemented by providers whose backend caps the number of
// texts per EncodeRaw call.
type BatchLimiter interface {
	// MaxBatchSize returns the largest accepted len(texts), or a
	// non-positive value for no limit.
	MaxBatchSize() int
}

// MaxBatchSize returns p's batch limit, or 0 when p does not declare one.
func MaxBatchSize(p Provider) int {
	if l, ok := p.(BatchLimiter); ok && l.MaxBatchSize() > 0 {
		return l.MaxBatchSize()
	}
	return 0
}

// EstimateTokens is a backend-independent token estimate: one token per
// whitespace separated word plus one per non-ASCII rune, so CJK text is not
// undercounted. Non-empty text always counts as at least one token.
func EstimateTokens(text string) int {
	count := 0
	if !isASCII(text) {
		for _, r := range text {
			if r >= utf8.RuneSelf {
				count++
			}
		}
	}
	count += len(strings.Fields(text))
	if count == 0 && len(text) > 0 {
		return 1
	}
	return count
}

// EstimateTokensAll sums [EstimateTokens] over texts. Adapters use it to
// implement CountTokens.
func EstimateTokensAll(texts []string) int {
	total := 0
	for _, t := range texts {
		total += EstimateTokens(t)
	}
	return total
}

func isASCII(s string) bool {
	for i := 0; i < len(s); i++ {
		if s[i] >= utf8.RuneSelf {
			return false
		}
	}
	return true
}
