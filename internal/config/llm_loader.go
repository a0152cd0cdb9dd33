package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"

	"github.com/retrograph/retrograph/internal/llm"
)

// LoadLLMConfig loads LLM configuration from Viper and environment variables.
// Precedence: explicit Viper config > environment variables > defaults.
func LoadLLMConfig() (llm.Config, error) {
	provider := viper.GetString("llm.provider")
	if provider == "" {
		provider = DefaultProvider
	}

	llmProvider, err := llm.ValidateProvider(provider)
	if err != nil {
		return llm.Config{}, fmt.Errorf("invalid provider: %w", err)
	}

	model := viper.GetString("llm.model")
	if model == "" {
		model = DefaultModelForProvider(string(llmProvider))
	}

	// Missing API key is not an error here: Ollama needs none, and the CLI
	// layer may still prompt for one.
	apiKey := ResolveAPIKey(llmProvider)

	baseURL := viper.GetString("llm.baseURL")
	if baseURL == "" && llmProvider == llm.ProviderOllama {
		baseURL = DefaultOllamaURL
	}

	return llm.Config{
		Provider: llmProvider,
		Model:    model,
		APIKey:   apiKey,
		BaseURL:  baseURL,
	}, nil
}

// ResolveAPIKey returns the best API key for the given provider using
// per-provider config keys, provider-specific env vars, then legacy config.
func ResolveAPIKey(provider llm.Provider) string {
	keyFromViper := func(path string) string {
		if viper.IsSet(path) {
			return strings.TrimSpace(viper.GetString(path))
		}
		return ""
	}

	if key := keyFromViper(fmt.Sprintf("llm.apiKeys.%s", provider)); key != "" {
		return key
	}

	if provider == llm.ProviderOpenAI {
		if key := keyFromViper("llm.apiKey"); key != "" {
			return key
		}
		return strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	}
	return ""
}
