package encode

import (
	"context"
	"errors"
	"time"

	"github.com/MrWong99/textenc/internal/observe"
	"github.com/MrWong99/textenc/pkg/encoder"
)

// callRemote runs one EncodeRaw call, records its metrics and verifies the
// shape of the result.
func callRemote(ctx context.Context, enc encoder.Provider, m *observe.Metrics, dims int, texts []string) ([][]float32, error) {
	start := time.Now()
	vecs, err := enc.EncodeRaw(ctx, texts)
	elapsed := time.Since(start).Seconds()

	status := "ok"
	switch {
	case err == nil:
	case errors.Is(err, encoder.ErrOversizeInput):
		status = "oversize"
	case ctx.Err() != nil:
		status = "cancelled"
	default:
		status = "error"
	}
	m.RecordRemoteRequest(ctx, enc.ModelID(), status, len(texts), elapsed)
	if err != nil {
		return nil, err
	}

	if len(vecs) != len(texts) {
		return nil, invariantf("encoder returned %d vectors for %d texts", len(vecs), len(texts))
	}
	for i, v := range vecs {
		if len(v) != dims {
			return nil, invariantf("encoder returned vector %d with %d dims, want %d", i, len(v), dims)
		}
	}
	observe.Logger(ctx).Debug("remote encode done",
		"texts", len(texts),
		"est_tokens", enc.CountTokens(texts),
		"duration", time.Duration(elapsed*float64(time.Second)),
	)
	return vecs, nil
}
