package embedding

import (
	"context"
	"errors"
	"net/http"
)

const (
	defaultOpenAIURL   = "https://api.openai.com/v1"
	defaultOpenAIModel = "text-embedding-3-small"
	defaultOpenAIDims  = 1536
)

// OpenAIEmbedder uses any OpenAI-compatible embedding API.
type OpenAIEmbedder struct {
	api   apiClient
	model string
	dims  int
}

type openaiEmbedRequest struct {
	Input string `json:"input"`
	Model string `json:"model"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

func newOpenAI(cfg Config) *OpenAIEmbedder {
	if cfg.URL == "" {
		cfg.URL = defaultOpenAIURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOpenAIModel
	}
	if cfg.Dims == 0 {
		cfg.Dims = defaultOpenAIDims
	}
	return &OpenAIEmbedder{
		api:   newAPIClient("openai", cfg.URL, cfg.APIKey, cfg.Timeout),
		model: cfg.Model,
		dims:  cfg.Dims,
	}
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	var out openaiEmbedResponse
	err := e.api.call(ctx, http.MethodPost, "/embeddings", openaiEmbedRequest{Input: text, Model: e.model}, &out)
	if err != nil {
		return nil, err
	}
	if len(out.Data) == 0 {
		return nil, errors.New("openai: no embedding returned")
	}
	return out.Data[0].Embedding, nil
}

func (e *OpenAIEmbedder) Dims() int { return e.dims }

// Available checks that the models endpoint answers with our credentials.
func (e *OpenAIEmbedder) Available(ctx context.Context) bool {
	return e.api.probe(ctx, "/models", nil)
}
