package embedding

import (
	"context"
	"net/http"
)

const (
	defaultOllamaURL   = "http://localhost:11434"
	defaultOllamaModel = "nomic-embed-text"
)

// ollamaDims are the vector sizes of common Ollama embedding models.
var ollamaDims = map[string]int{
	"nomic-embed-text":  768,
	"all-minilm":        384,
	"mxbai-embed-large": 1024,
}

// OllamaEmbedder uses a local Ollama instance for embeddings.
type OllamaEmbedder struct {
	api   apiClient
	model string
	dims  int
}

type ollamaRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
}

type ollamaResponse struct {
	Embedding []float32 `json:"embedding"`
}

type ollamaTags struct {
	Models []struct {
		Name string `json:"name"`
	} `json:"models"`
}

func newOllama(cfg Config) *OllamaEmbedder {
	if cfg.URL == "" {
		cfg.URL = defaultOllamaURL
	}
	if cfg.Model == "" {
		cfg.Model = defaultOllamaModel
	}
	dims := cfg.Dims
	if dims == 0 {
		dims = ollamaDims[cfg.Model]
	}
	if dims == 0 {
		dims = ollamaDims[defaultOllamaModel]
	}
	return &OllamaEmbedder{
		api:   newAPIClient("ollama", cfg.URL, "", cfg.Timeout),
		model: cfg.Model,
		dims:  dims,
	}
}

func (e *OllamaEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	var out ollamaResponse
	err := e.api.call(ctx, http.MethodPost, "/api/embeddings", ollamaRequest{Model: e.model, Prompt: text}, &out)
	if err != nil {
		return nil, err
	}
	return out.Embedding, nil
}

func (e *OllamaEmbedder) Dims() int { return e.dims }

// Available checks that Ollama answers and has the model pulled.
func (e *OllamaEmbedder) Available(ctx context.Context) bool {
	var tags ollamaTags
	if !e.api.probe(ctx, "/api/tags", &tags) {
		return false
	}
	for _, m := range tags.Models {
		if m.Name == e.model || m.Name == e.model+":latest" {
			return true
		}
	}
	return false
}
