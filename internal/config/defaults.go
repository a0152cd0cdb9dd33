// Package config provides centralized configuration constants and types for
// Retrograph. All default values should be defined here to ensure a single
// source of truth.
package config

// Engine pool and budget defaults.
const (
	// DefaultExecWorkers bounds the per-brief execution pool.
	DefaultExecWorkers = 4

	// DefaultRetroWorkers bounds the per-brief slow-path verification pool.
	DefaultRetroWorkers = 2

	// DefaultRetryBudget is the attempts allowed per step when a contract
	// declares no budget of its own.
	DefaultRetryBudget = 3

	// DefaultRetryDelayMS is the base wait in milliseconds before a step is
	// re-dispatched after a transient failure. Attempt N waits N-1 times this.
	DefaultRetryDelayMS = 100

	// DefaultMaxChainDepth caps how many plan revisions a brief may chain
	// before the run fails.
	DefaultMaxChainDepth = 16
)

// Store backend constants.
const (
	// StoreSQLite persists run state in a SQLite database.
	StoreSQLite = "sqlite"

	// StoreFile persists run state in a single flock-guarded file.
	StoreFile = "file"

	// DefaultStoreBackend is the backend used when none is configured.
	DefaultStoreBackend = StoreSQLite
)

// LLM provider constants for the generative planner.
const (
	// DefaultProvider is the default LLM provider
	DefaultProvider = "openai"

	// ProviderOpenAI represents the OpenAI provider
	ProviderOpenAI = "openai"

	// ProviderOllama represents the Ollama provider
	ProviderOllama = "ollama"
)

// Default model constants for each provider
const (
	// DefaultOpenAIModel is the default model for OpenAI provider
	DefaultOpenAIModel = "gpt-5-mini-2025-08-07"

	// DefaultOllamaModel is the default model for Ollama provider
	DefaultOllamaModel = "llama3.2"
)

// DefaultOllamaURL is the default URL for Ollama server
const DefaultOllamaURL = "http://localhost:11434"

// DefaultModelForProvider returns the default model for a given provider string.
func DefaultModelForProvider(provider string) string {
	switch provider {
	case ProviderOpenAI:
		return DefaultOpenAIModel
	case ProviderOllama:
		return DefaultOllamaModel
	default:
		return ""
	}
}
