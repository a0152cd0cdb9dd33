package config

// AppConfig is the root configuration, populated by Viper from the config
// file, environment variables, and flags.
type AppConfig struct {
	Verbose bool   `mapstructure:"verbose"`
	Config  string `mapstructure:"config"`

	Project   ProjectConfig   `mapstructure:"project"`
	Store     StoreConfig     `mapstructure:"store"`
	Engine    EngineConfig    `mapstructure:"engine"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// ProjectConfig locates the per-project state directory and its children.
type ProjectConfig struct {
	RootDir        string `mapstructure:"rootDir" validate:"required"`
	ResolutionsDir string `mapstructure:"resolutionsDir" validate:"required"`
	PoliciesDir    string `mapstructure:"policiesDir"`
}

// StoreConfig selects and locates the run store.
type StoreConfig struct {
	Backend string `mapstructure:"backend" validate:"oneof=sqlite file"`
	Path    string `mapstructure:"path"`
}

// EngineConfig bounds the coordinator.
type EngineConfig struct {
	ExecWorkers   int  `mapstructure:"execWorkers" validate:"min=1"`
	RetroWorkers  int  `mapstructure:"retroWorkers" validate:"min=1"`
	RetryBudget   int  `mapstructure:"retryBudget" validate:"min=1"`
	RetryDelayMS  int  `mapstructure:"retryDelayMs" validate:"min=1"`
	MaxChainDepth int  `mapstructure:"maxChainDepth" validate:"min=1"`
	Optimistic    bool `mapstructure:"optimistic"`
}

// LLMConfig configures the generative planner. Empty provider means the
// template planner only.
type LLMConfig struct {
	Provider string `mapstructure:"provider"`
	Model    string `mapstructure:"model"`
	APIKey   string `mapstructure:"apiKey"`
	BaseURL  string `mapstructure:"baseURL"`
}

// TelemetryConfig controls anonymous usage reporting.
type TelemetryConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	APIKey      string `mapstructure:"apiKey"`
	AnonymousID string `mapstructure:"anonymousId"`
}
