// Package ollama provides an embedder backed by a local Ollama server,
// usable in place of the hash placeholder when one is running.
package ollama

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/ollama/ollama/api"

	"github.com/relay-llm/relay/memory"
)

// DefaultModel is a reasonable local embedding model.
const DefaultModel = "mxbai-embed-large"

// Embedder asks an Ollama server for embeddings.
type Embedder struct {
	client *api.Client
	model  string
}

// NewEmbedder creates an Ollama-backed embedder. An empty host falls back
// to OLLAMA_HOST or the default localhost endpoint; an empty model uses
// DefaultModel.
func NewEmbedder(host, model string) (memory.Embedder, error) {
	if model == "" {
		model = DefaultModel
	}

	var client *api.Client
	if host != "" {
		baseURL, err := parseHost(host)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama host %q: %w", host, err)
		}
		client = api.NewClient(baseURL, &http.Client{})
	} else {
		var err error
		client, err = api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to create ollama client: %w", err)
		}
	}
	return &Embedder{client: client, model: model}, nil
}

func parseHost(host string) (*url.URL, error) {
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "http://" + host
	}
	return url.Parse(host)
}

// Embed implements memory.Embedder.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embed(ctx, &api.EmbedRequest{
		Model: e.model,
		Input: text,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to embed text: %w", err)
	}
	if len(resp.Embeddings) == 0 {
		return nil, fmt.Errorf("embed response contained no vectors")
	}
	return resp.Embeddings[0], nil
}
