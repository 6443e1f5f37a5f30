// Package gemini provides an encoder backed by the Gemini embeddings API via
// google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/MrWong99/textenc/pkg/encoder"
)

const providerName = "gemini"

// DefaultModel is the default Gemini embedding model.
const DefaultModel = "gemini-embedding-001"

// DefaultDimensions is the output dimensionality requested when none is
// configured.
const DefaultDimensions = 1024

// MaxBatchSize is the largest number of contents accepted by one
// batchEmbedContents request.
const MaxBatchSize = 100

// Ensure Provider implements the encoder.Provider interface.
var (
	_ encoder.Provider     = (*Provider)(nil)
	_ encoder.BatchLimiter = (*Provider)(nil)
)

// Provider implements encoder.Provider using the Gemini API.
type Provider struct {
	client     *genai.Client
	model      string
	dimensions int
	taskType   string
}

type config struct {
	baseURL    string
	timeout    time.Duration
	dimensions int
	taskType   string
}

// Option is a functional option for Provider.
type Option func(*config)

// WithBaseURL overrides the Gemini API endpoint.
func WithBaseURL(url string) Option {
	return func(c *config) {
		c.baseURL = url
	}
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *config) {
		c.timeout = d
	}
}

// WithDimensions sets the requested output dimensionality.
func WithDimensions(d int) Option {
	return func(c *config) {
		c.dimensions = d
	}
}

// WithTaskType sets the embedding task type, e.g. "RETRIEVAL_DOCUMENT".
func WithTaskType(t string) Option {
	return func(c *config) {
		c.taskType = t
	}
}

// New constructs a Gemini encoder. If model is empty, DefaultModel is used.
func New(ctx context.Context, apiKey string, model string, opts ...Option) (*Provider, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("gemini encoder: apiKey must not be empty")
	}
	if model == "" {
		model = DefaultModel
	}
	cfg := &config{dimensions: DefaultDimensions}
	for _, o := range opts {
		o(cfg)
	}
	if cfg.dimensions <= 0 {
		return nil, fmt.Errorf("gemini encoder: dimensions must be positive, got %d", cfg.dimensions)
	}

	cc := &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.baseURL != "" {
		cc.HTTPOptions.BaseURL = cfg.baseURL
	}
	if cfg.timeout > 0 {
		cc.HTTPClient = &http.Client{Timeout: cfg.timeout}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("gemini encoder: create client: %w", err)
	}
	return &Provider{
		client:     client,
		model:      model,
		dimensions: cfg.dimensions,
		taskType:   cfg.taskType,
	}, nil
}

// EncodeRaw implements encoder.Provider.
func (p *Provider) EncodeRaw(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("gemini encoder: empty input")
	}
	if len(texts) > MaxBatchSize {
		return nil, fmt.Errorf("gemini encoder: %d inputs exceed the request limit of %d", len(texts), MaxBatchSize)
	}

	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}
	dims := int32(p.dimensions)
	cfg := &genai.EmbedContentConfig{
		TaskType:             p.taskType,
		OutputDimensionality: &dims,
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, cfg)
	if err != nil {
		return nil, classify(texts, err)
	}
	if resp == nil || len(resp.Embeddings) != len(texts) {
		got := 0
		if resp != nil {
			got = len(resp.Embeddings)
		}
		return nil, &encoder.BackendError{
			Provider: providerName,
			Err:      fmt.Errorf("expected %d embeddings, got %d", len(texts), got),
		}
	}

	out := make([][]float32, len(texts))
	for i, e := range resp.Embeddings {
		if e == nil {
			return nil, &encoder.BackendError{Provider: providerName, Err: fmt.Errorf("missing embedding at index %d", i)}
		}
		out[i] = e.Values
	}
	return out, nil
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

// classify maps a genai error onto the encoder error taxonomy. The SDK returns
// APIError by value; the pointer form is accepted as well.
func classify(texts []string, err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return &encoder.BackendError{Provider: providerName, Err: err}
	}
	if apiErr.Code == http.StatusBadRequest && isOversizeMessage(apiErr.Message) {
		return encoder.NewOversizeInputError(providerName, texts, err)
	}
	return &encoder.BackendError{Provider: providerName, StatusCode: apiErr.Code, Err: err}
}

func isOversizeMessage(msg string) bool {
	msg = strings.ToLower(msg)
	return strings.Contains(msg, "token") && (strings.Contains(msg, "exceed") || strings.Contains(msg, "too long") || strings.Contains(msg, "limit"))
}
