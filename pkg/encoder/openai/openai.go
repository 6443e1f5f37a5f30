// Package openai provides an encoder backed by the OpenAI embeddings API.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/packages/param"

	"github.com/MrWong99/textenc/pkg/encoder"
)

const providerName = "openai"

// DefaultModel is the default OpenAI embeddings model.
const DefaultModel = oai.EmbeddingModelTextEmbedding3Large

// DefaultDimensions is the reduced output dimension requested when none is
// configured.
const DefaultDimensions = 1024

// MaxBatchSize is the largest number of inputs the embeddings endpoint accepts
// in one request.
const MaxBatchSize = 2048

// Ensure Provider implements the encoder.Provider interface.
var (
	_ encoder.Provider     = (*Provider)(nil)
	_ encoder.BatchLimiter = (*Provider)(nil)
)

// Provider implements encoder.Provider using the OpenAI API.
type Provider struct {
	client     oai.Client
	model      string
	dimensions int
	sendDims   bool
}

// config holds optional configuration for the provider.
type config struct {
	baseURL      string
	organization string
	timeout      time.Duration
	dimensions   int
	maxRetries   int
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the default OpenAI API base URL.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithOrganization sets the OpenAI organization ID on all requests.
func WithOrganization(org string) Option {
	return func(c *config) {
		c.organization = org
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions requests vectors of length d. Only the text-embedding-3
// family supports shortened outputs; for other models d must equal the
// model's native dimension.
func WithDimensions(d int) Option {
	return func(c *config) {
		c.dimensions = d
	}
}

// WithMaxRetries overrides the SDK's retry count for 408/409/429/5xx answers.
// A negative value keeps the SDK default.
func WithMaxRetries(n int) Option {
	return func(c *config) {
		c.maxRetries = n
	}
}

// New constructs a new OpenAI encoder.
// If model is empty, DefaultModel (text-embedding-3-large) is used.
func New(apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("openai encoder: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}

	cfg := &config{maxRetries: -1}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.dimensions < 0 {
		return nil, fmt.Errorf("openai encoder: dimensions must not be negative, got %d", cfg.dimensions)
	}

	reqOpts := []option.RequestOption{
		option.WithAPIKey(apiKey),
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(cfg.baseURL))
	}
	if cfg.organization != "" {
		reqOpts = append(reqOpts, option.WithOrganization(cfg.organization))
	}
	if cfg.timeout > 0 {
		reqOpts = append(reqOpts, option.WithHTTPClient(&http.Client{
			Timeout: cfg.timeout,
		}))
	}
	if cfg.maxRetries >= 0 {
		reqOpts = append(reqOpts, option.WithMaxRetries(cfg.maxRetries))
	}

	p := &Provider{
		client:     oai.NewClient(reqOpts...),
		model:      model,
		dimensions: cfg.dimensions,
	}
	switch {
	case p.dimensions > 0:
		p.sendDims = supportsDimensions(model)
	case supportsDimensions(model):
		p.dimensions = DefaultDimensions
		p.sendDims = true
	default:
		p.dimensions = modelDimensions(model)
	}
	return p, nil
}

// EncodeRaw implements encoder.Provider.
func (p *Provider) EncodeRaw(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("openai encoder: empty input")
	}
	if len(texts) > MaxBatchSize {
		return nil, fmt.Errorf("openai encoder: %d inputs exceed the request limit of %d", len(texts), MaxBatchSize)
	}

	params := oai.EmbeddingNewParams{
		Model: p.model,
		Input: oai.EmbeddingNewParamsInputUnion{
			OfArrayOfStrings: texts,
		},
	}
	if p.sendDims {
		params.Dimensions = param.NewOpt(int64(p.dimensions))
	}

	resp, err := p.client.Embeddings.New(ctx, params)
	if err != nil {
		return nil, classify(texts, err)
	}
	if len(resp.Data) != len(texts) {
		return nil, &encoder.BackendError{
			Provider: providerName,
			Err:      fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data)),
		}
	}

	result := make([][]float32, len(texts))
	for _, e := range resp.Data {
		if e.Index < 0 || int(e.Index) >= len(texts) {
			return nil, &encoder.BackendError{
				Provider: providerName,
				Err:      fmt.Errorf("unexpected index %d", e.Index),
			}
		}
		result[e.Index] = float64ToFloat32(e.Embedding)
	}
	return result, nil
}

// CountTokens implements encoder.Provider.
func (p *Provider) CountTokens(texts []string) int {
	return encoder.EstimateTokensAll(texts)
}

// Dimensions implements encoder.Provider.
func (p *Provider) Dimensions() int {
	return p.dimensions
}

// ModelID implements encoder.Provider.
func (p *Provider) ModelID() string {
	return p.model
}

// MaxBatchSize implements encoder.BatchLimiter.
func (p *Provider) MaxBatchSize() int { return MaxBatchSize }

// classify maps an SDK error onto the encoder error taxonomy.
func classify(texts []string, err error) error {
	var apiErr *oai.Error
	if errors.As(err, &apiErr) {
		if isOversize(apiErr) {
			return encoder.NewOversizeInputError(providerName, texts, err)
		}
		return &encoder.BackendError{Provider: providerName, StatusCode: apiErr.StatusCode, Err: err}
	}
	return &encoder.BackendError{Provider: providerName, Err: err}
}

// isOversize reports whether the API rejected the request because an input
// exceeded the model's context length.
func isOversize(apiErr *oai.Error) bool {
	if apiErr.StatusCode != http.StatusBadRequest {
		return false
	}
	if apiErr.Code == "context_length_exceeded" {
		return true
	}
	msg := strings.ToLower(apiErr.Message)
	return strings.Contains(msg, "maximum context length") ||
		strings.Contains(msg, "maximum input length") ||
		strings.Contains(msg, "too many tokens")
}

// supportsDimensions reports whether model accepts the dimensions parameter.
func supportsDimensions(model string) bool {
	return strings.Contains(strings.ToLower(model), "text-embedding-3")
}

// modelDimensions returns the native embedding dimensions for known OpenAI models.
func modelDimensions(model string) int {
	lower := strings.ToLower(model)
	switch {
	case strings.Contains(lower, "text-embedding-3-large"):
		return 3072
	case strings.Contains(lower, "text-embedding-3-small"):
		return 1536
	case strings.Contains(lower, "text-embedding-ada-002"):
		return 1536
	default:
		return 1536
	}
}

func float64ToFloat32(in []float64) []float32 {
	out := make([]float32, len(in))
	for i, v := range in {
		out[i] = float32(v)
	}
	return out
}
