package encode

import (
	"errors"
	"fmt"
)

// ErrInvariant marks a broken internal contract: a length mismatch between
// texts and vectors, a vector of the wrong dimension or an unfilled result
// slot. It is a programming error and is never recovered.
var ErrInvariant = errors.New("encode: invariant violation")

// ChunkError reports the failure of one chunk with enough context to locate
// the offending input.
type ChunkError struct {
	// Chunk is the zero-based chunk index.
	Chunk int
	// Start and End delimit the chunk's input range [Start, End).
	Start, End int
	// Position is the absolute input index of the text most likely
	// responsible for the failure, or -1 when unknown. It is set for
	// oversize-input rejections.
	Position int
	Err      error
}

func (e *ChunkError) Error() string {
	if e.Position >= 0 {
		return fmt.Sprintf("encode: chunk %d [%d,%d) failed at input %d: %v", e.Chunk, e.Start, e.End, e.Position, e.Err)
	}
	return fmt.Sprintf("encode: chunk %d [%d,%d) failed: %v", e.Chunk, e.Start, e.End, e.Err)
}

func (e *ChunkError) Unwrap() error { return e.Err }

// positionError attaches the batch-relative index of an offending text to an
// error surfaced by the reconciler.
type positionError struct {
	pos int
	err error
}

func (e *positionError) Error() string { return e.err.Error() }
func (e *positionError) Unwrap() error { return e.err }

func invariantf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvariant, fmt.Sprintf(format, args...))
}
