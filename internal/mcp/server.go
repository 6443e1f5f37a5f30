// Package mcp serves the encode pipeline over the Model Context Protocol
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk).
//
// Two tools are registered:
//
//   - encode_texts: encodes a list of texts and returns one vector per text,
//     in input order. Cached texts are served from the configured cache.
//   - describe_encoder: reports the model, dimensions and cache of the
//     running encoder so that clients can check vector compatibility.
//
// Typical usage from a command:
//
//	srv := mcp.NewServer(orch, ns, mcp.WithCacheLabel("pgvector"))
//	err := srv.Run(ctx, &mcpsdk.StdioTransport{})
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/MrWong99/textenc/internal/encode"
	"github.com/MrWong99/textenc/pkg/cache"
)

// DefaultMaxTexts caps the texts accepted by one encode_texts call.
const DefaultMaxTexts = 2048

// Tool names.
const (
	ToolEncodeTexts     = "encode_texts"
	ToolDescribeEncoder = "describe_encoder"
)

// Encoder is the subset of [encode.Orchestrator] used by the server.
type Encoder interface {
	Encode(ctx context.Context, texts []string) ([][]float32, error)
	EncodeParallel(ctx context.Context, texts []string) ([][]float32, error)
}

var _ Encoder = (*encode.Orchestrator)(nil)

// EncodeInput is the argument object of encode_texts.
type EncodeInput struct {
	Texts    []string `json:"texts" jsonschema:"texts to encode, one vector is returned per text"`
	Parallel bool     `json:"parallel,omitempty" jsonschema:"encode chunks concurrently"`
}

// EncodeOutput is the result object of encode_texts.
type EncodeOutput struct {
	Model      string      `json:"model"`
	Dimensions int         `json:"dimensions"`
	Vectors    [][]float32 `json:"vectors"`
}

// DescribeOutput is the result object of describe_encoder.
type DescribeOutput struct {
	Model      string `json:"model"`
	Dimensions int    `json:"dimensions"`
	Namespace  string `json:"namespace"`
	Cache      string `json:"cache"`
	MaxTexts   int    `json:"max_texts"`
}

// Server wraps an MCP server exposing one [Encoder].
type Server struct {
	sdk        *mcpsdk.Server
	enc        Encoder
	ns         cache.Namespace
	maxTexts   int
	cacheLabel string
}

// Option is a functional option for [NewServer].
type Option func(*Server)

// WithMaxTexts overrides [DefaultMaxTexts]. Non-positive values are ignored.
func WithMaxTexts(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.maxTexts = n
		}
	}
}

// WithCacheLabel sets the cache description reported by describe_encoder.
func WithCacheLabel(label string) Option {
	return func(s *Server) {
		s.cacheLabel = label
	}
}

// NewServer builds a Server for enc, whose vectors belong to ns.
func NewServer(enc Encoder, ns cache.Namespace, opts ...Option) *Server {
	s := &Server{
		enc:        enc,
		ns:         ns,
		maxTexts:   DefaultMaxTexts,
		cacheLabel: "off",
	}
	for _, o := range opts {
		o(s)
	}

	s.sdk = mcpsdk.NewServer(&mcpsdk.Implementation{Name: "textenc", Version: "1.0.0"}, nil)
	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        ToolEncodeTexts,
		Description: fmt.Sprintf("Encode up to %d texts into %d-dimensional %s vectors.", s.maxTexts, ns.Dimensions, ns.Model),
	}, s.encodeTexts)
	mcpsdk.AddTool(s.sdk, &mcpsdk.Tool{
		Name:        ToolDescribeEncoder,
		Description: "Describe the encoder model, vector size and cache.",
	}, s.describe)
	return s
}

// Run serves MCP on t until ctx is cancelled or the client disconnects.
func (s *Server) Run(ctx context.Context, t mcpsdk.Transport) error {
	slog.Info("mcp server starting", "namespace", s.ns.String(), "cache", s.cacheLabel)
	return s.sdk.Run(ctx, t)
}

// Connect serves a single session on t without blocking.
func (s *Server) Connect(ctx context.Context, t mcpsdk.Transport) (*mcpsdk.ServerSession, error) {
	return s.sdk.Connect(ctx, t, nil)
}

func (s *Server) encodeTexts(ctx context.Context, _ *mcpsdk.CallToolRequest, in EncodeInput) (*mcpsdk.CallToolResult, EncodeOutput, error) {
	if len(in.Texts) > s.maxTexts {
		return nil, EncodeOutput{}, fmt.Errorf("too many texts: %d exceeds the limit of %d", len(in.Texts), s.maxTexts)
	}

	run := s.enc.Encode
	if in.Parallel {
		run = s.enc.EncodeParallel
	}
	vecs, err := run(ctx, in.Texts)
	if err != nil {
		var ce *encode.ChunkError
		if errors.As(err, &ce) && ce.Position >= 0 {
			return nil, EncodeOutput{}, fmt.Errorf("text %d rejected: %w", ce.Position, err)
		}
		return nil, EncodeOutput{}, err
	}
	if vecs == nil {
		vecs = [][]float32{}
	}
	return nil, EncodeOutput{Model: s.ns.Model, Dimensions: s.ns.Dimensions, Vectors: vecs}, nil
}

func (s *Server) describe(_ context.Context, _ *mcpsdk.CallToolRequest, _ struct{}) (*mcpsdk.CallToolResult, DescribeOutput, error) {
	return nil, DescribeOutput{
		Model:      s.ns.Model,
		Dimensions: s.ns.Dimensions,
		Namespace:  s.ns.UUID().String(),
		Cache:      s.cacheLabel,
		MaxTexts:   s.maxTexts,
	}, nil
}
