// Package embed selects the guideline embedding backend from configuration.
package embed

import (
	"fmt"

	vc "github.com/linnemanlabs/frontdesk/internal/cfg"
	"github.com/linnemanlabs/frontdesk/internal/embed/ollama"
	"github.com/linnemanlabs/frontdesk/internal/embed/openai"
	"github.com/linnemanlabs/frontdesk/internal/guideline"
)

// FromConfig returns the embedder named by c.EmbedProvider.
func FromConfig(c *vc.Config) (guideline.Embedder, error) {
	switch c.EmbedProvider {
	case vc.ProviderOpenAI:
		return openai.New(c.OpenAIAPIKey, c.OpenAIBaseURL, c.EmbedModel, c.EmbedDimension), nil
	case vc.ProviderOllama:
		return ollama.New(c.OllamaHost, c.EmbedModel, c.EmbedDimension), nil
	default:
		return nil, fmt.Errorf("unknown embed provider %q", c.EmbedProvider)
	}
}

// Identity names the embedding space c selects: provider, resolved model and
// enforced dimension. Vectors from different identities are not comparable.
func Identity(c *vc.Config) string {
	model := c.EmbedModel
	if model == "" {
		switch c.EmbedProvider {
		case vc.ProviderOpenAI:
			model = openai.DefaultModel
		case vc.ProviderOllama:
			model = ollama.DefaultModel
		}
	}
	return fmt.Sprintf("%s/%s/%d", c.EmbedProvider, model, c.EmbedDimension)
}
