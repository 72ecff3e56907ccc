// Package embedding turns message text into vectors through a remote model.
package embedding

import (
	"context"
	"fmt"
	"math"
	"os"
	"time"
)

// Vector is a float32 embedding vector.
type Vector = []float32

// Embedder generates embedding vectors from text.
type Embedder interface {
	Embed(ctx context.Context, text string) (Vector, error)
	Dims() int
	// Available reports whether the backing model can currently serve
	// requests. Callers check it before indexing or searching.
	Available(ctx context.Context) bool
}

// Provider names a supported embedding backend.
type Provider string

const (
	ProviderNone   Provider = ""
	ProviderOllama Provider = "ollama"
	ProviderOpenAI Provider = "openai"
)

// Environment variables read by FromEnv.
const (
	EnvProvider   = "AGENT_RUNTIME_EMBED_PROVIDER"
	EnvModel      = "AGENT_RUNTIME_EMBED_MODEL"
	EnvURL        = "AGENT_RUNTIME_EMBED_URL"
	EnvOpenAIKey  = "OPENAI_API_KEY"
	EnvOllamaHost = "OLLAMA_HOST"
)

const defaultTimeout = 30 * time.Second

// Config selects and tunes an embedding backend. The zero value disables
// embeddings.
type Config struct {
	Provider Provider      `yaml:"provider"`
	Model    string        `yaml:"model"`
	URL      string        `yaml:"url"`
	APIKey   string        `yaml:"-"`
	Dims     int           `yaml:"dims"`
	Timeout  time.Duration `yaml:"-"`
}

// FromEnv returns base with any embedding environment variables applied.
func FromEnv(base Config) Config {
	if v := os.Getenv(EnvProvider); v != "" {
		base.Provider = Provider(v)
	}
	if v := os.Getenv(EnvModel); v != "" {
		base.Model = v
	}
	if v := os.Getenv(EnvURL); v != "" {
		base.URL = v
	}
	switch base.Provider {
	case ProviderOpenAI:
		if v := os.Getenv(EnvOpenAIKey); v != "" {
			base.APIKey = v
		}
	case ProviderOllama:
		if v := os.Getenv(EnvOllamaHost); v != "" && base.URL == "" {
			base.URL = v
		}
	}
	return base
}

// New builds the configured embedder. It returns a nil Embedder when
// embeddings are disabled.
func New(cfg Config) (Embedder, error) {
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	switch cfg.Provider {
	case ProviderNone:
		return nil, nil
	case ProviderOllama:
		return newOllama(cfg), nil
	case ProviderOpenAI:
		return newOpenAI(cfg), nil
	default:
		return nil, fmt.Errorf("embedding: unknown provider %q", cfg.Provider)
	}
}

// NewFromEnv builds an embedder from the environment alone. Unknown
// providers disable embeddings.
func NewFromEnv() Embedder {
	e, err := New(FromEnv(Config{}))
	if err != nil {
		return nil
	}
	return e
}

// CosineSimilarity computes cosine similarity between two vectors. Vectors of
// different length, empty vectors, and zero vectors score 0.
func CosineSimilarity(a, b Vector) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}

// Mean returns the element-wise average of vs. Vectors whose length differs
// from the first are ignored.
func Mean(vs []Vector) Vector {
	if len(vs) == 0 {
		return nil
	}
	out := make(Vector, len(vs[0]))
	n := 0
	for _, v := range vs {
		if len(v) != len(out) {
			continue
		}
		for i := range v {
			out[i] += v[i]
		}
		n++
	}
	for i := range out {
		out[i] /= float32(n)
	}
	return out
}
