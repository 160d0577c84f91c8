package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"

	openai "github.com/sashabaranov/go-openai"

	"github.com/cloo-solutions/regaudit/internal/embedder"
)

const (
	// DefaultEmbeddingModel is the OpenAI model used for generating embeddings
	DefaultEmbeddingModel = openai.SmallEmbedding3
	// DefaultEmbeddingDimensions is the dimension of the vector column
	DefaultEmbeddingDimensions = 1536
)

var (
	// ErrEmptyText is returned when a batch contains empty text
	ErrEmptyText = errors.New("text cannot be empty")
	// ErrWrongDimensions is returned when an embedding has unexpected dimensions
	ErrWrongDimensions = errors.New("embedding has wrong dimensions")
	// ErrShortResponse is returned when fewer embeddings come back than were requested
	ErrShortResponse = errors.New("provider returned fewer embeddings than requested")
)

// EmbeddingAPI defines the interface for batch embedding generation
type EmbeddingAPI interface {
	CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error)
}

// Client wraps the OpenAI API client
type Client struct {
	api        EmbeddingAPI
	model      string
	dimensions int
}

type OpenAIAdapter struct {
	client     *openai.Client
	model      openai.EmbeddingModel
	dimensions int
}

func NewOpenAIAdapter(apiKey, baseURL string, model openai.EmbeddingModel, dimensions int) *OpenAIAdapter {
	if model == "" {
		model = DefaultEmbeddingModel
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIAdapter{
		client:     openai.NewClientWithConfig(cfg),
		model:      model,
		dimensions: dimensions,
	}
}

// CreateEmbeddings calls the OpenAI API with one request for the whole batch
func (a *OpenAIAdapter) CreateEmbeddings(ctx context.Context, texts []string) ([][]float32, error) {
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: a.model,
	}
	if a.model != openai.AdaEmbeddingV2 {
		req.Dimensions = a.dimensions
	}

	resp, err := a.client.CreateEmbeddings(ctx, req)
	if err != nil {
		return nil, err
	}

	data := resp.Data
	sort.Slice(data, func(i, j int) bool { return data[i].Index < data[j].Index })

	out := make([][]float32, len(data))
	for i, d := range data {
		out[i] = d.Embedding
	}
	return out, nil
}

type Config struct {
	APIKey              string
	BaseURL             string
	EmbeddingModel      openai.EmbeddingModel
	EmbeddingDimensions int
}

// NewClient creates a new OpenAI client using defaults.
func NewClient(apiKey string) *Client {
	return NewClientWithConfig(Config{APIKey: apiKey})
}

// NewClientWithConfig creates a new OpenAI client with explicit configuration.
func NewClientWithConfig(cfg Config) *Client {
	dimensions := cfg.EmbeddingDimensions
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	model := cfg.EmbeddingModel
	if model == "" {
		model = DefaultEmbeddingModel
	}
	return &Client{
		api:        NewOpenAIAdapter(cfg.APIKey, cfg.BaseURL, model, dimensions),
		model:      string(model),
		dimensions: dimensions,
	}
}

// NewClientWithAPI creates a client around an existing EmbeddingAPI.
func NewClientWithAPI(api EmbeddingAPI, model string, dimensions int) *Client {
	if dimensions <= 0 {
		dimensions = DefaultEmbeddingDimensions
	}
	return &Client{api: api, model: model, dimensions: dimensions}
}

// Model returns the embedding model name used as the cache key namespace
func (c *Client) Model() string {
	return c.model
}

// EmbedBatch generates one embedding per text, in input order.
// Failures are classified into embedder error types.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	for _, t := range texts {
		if t == "" {
			return nil, &embedder.ProviderError{Err: ErrEmptyText}
		}
	}

	vectors, err := c.api.CreateEmbeddings(ctx, texts)
	if err != nil {
		return nil, Classify(err)
	}

	if len(vectors) != len(texts) {
		return nil, &embedder.ProviderError{Temporary: true, Err: fmt.Errorf("%w: got %d, want %d", ErrShortResponse, len(vectors), len(texts))}
	}

	for _, v := range vectors {
		if len(v) != c.dimensions {
			return nil, &embedder.ProviderError{Err: fmt.Errorf("%w: got %d, want %d", ErrWrongDimensions, len(v), c.dimensions)}
		}
	}

	return vectors, nil
}

// Classify maps go-openai errors onto embedder error types: 429 is rate
// limiting, 5xx and transport failures are temporary, other 4xx are permanent.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &embedder.ProviderError{Temporary: true, Err: err}
	}

	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == http.StatusTooManyRequests:
		return &embedder.RateLimitedError{Err: err}
	case status == 0, status >= 500, status == http.StatusRequestTimeout:
		return &embedder.ProviderError{StatusCode: status, Temporary: true, Err: err}
	default:
		return &embedder.ProviderError{StatusCode: status, Err: err}
	}
}
