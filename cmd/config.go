package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/retrograph/retrograph/internal/config"
	"github.com/retrograph/retrograph/store"
)

const (
	configName = ".retrograph"
	envPrefix  = "RETROGRAPH"
)

// GlobalAppConfig holds the global application configuration instance.
var GlobalAppConfig config.AppConfig

// validate is a single instance; it caches struct info.
var validate = validator.New()

// InitConfig reads in config file and ENV variables if set.
func InitConfig() {
	// Load .env first if present; absence is fine.
	_ = godotenv.Load()

	// Env handling must be set up before reading the config file so env
	// vars can influence where config is loaded from.
	viper.SetEnvPrefix(envPrefix) // e.g., RETROGRAPH_VERBOSE
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	cfgFileFlag := viper.GetString("config")

	projectConfigDir := viper.GetString("project.rootDir")
	if projectConfigDir == "" {
		projectConfigDir = ".retrograph"
	}

	if cfgFileFlag != "" {
		viper.SetConfigFile(cfgFileFlag)
	} else if _, err := os.Stat(projectConfigDir); !os.IsNotExist(err) {
		// Project-specific config directory exists; prioritize it.
		viper.AddConfigPath(projectConfigDir)
		viper.SetConfigName(configName)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)
		viper.AddConfigPath(home) // $HOME/.retrograph.yaml
		viper.AddConfigPath(".")  // ./.retrograph.yaml
		viper.SetConfigName(configName)
	}

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "Using config file:", viper.ConfigFileUsed())
		}
	} else if _, ok := err.(viper.ConfigFileNotFoundError); ok {
		if cfgFileFlag != "" {
			fmt.Fprintln(os.Stderr, "Error: specified config file not found:", cfgFileFlag)
		} else if viper.GetBool("verbose") {
			fmt.Fprintln(os.Stderr, "No config file found. Using defaults and environment variables.")
		}
	} else {
		fmt.Fprintln(os.Stderr, "Error reading config file:", viper.ConfigFileUsed(), "-", err)
	}

	viper.SetDefault("project.rootDir", ".retrograph")
	viper.SetDefault("project.resolutionsDir", "resolutions")
	viper.SetDefault("project.policiesDir", "policies")

	viper.SetDefault("store.backend", config.DefaultStoreBackend)
	viper.SetDefault("store.path", "")

	viper.SetDefault("engine.execWorkers", config.DefaultExecWorkers)
	viper.SetDefault("engine.retroWorkers", config.DefaultRetroWorkers)
	viper.SetDefault("engine.retryBudget", config.DefaultRetryBudget)
	viper.SetDefault("engine.retryDelayMs", config.DefaultRetryDelayMS)
	viper.SetDefault("engine.maxChainDepth", config.DefaultMaxChainDepth)
	viper.SetDefault("engine.optimistic", false)

	viper.SetDefault("llm.provider", "")
	viper.SetDefault("llm.model", "")
	viper.SetDefault("llm.apiKey", "")

	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.apiKey", "")

	if err := viper.Unmarshal(&GlobalAppConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Error unmarshaling config: %s\n", err)
		os.Exit(1)
	}

	// Guard against a config file that sets these to empty strings.
	if GlobalAppConfig.Project.RootDir == "" {
		GlobalAppConfig.Project.RootDir = viper.GetString("project.rootDir")
	}
	if GlobalAppConfig.Project.ResolutionsDir == "" {
		GlobalAppConfig.Project.ResolutionsDir = viper.GetString("project.resolutionsDir")
	}

	if err := validate.Struct(&GlobalAppConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration validation error: %s\n", err)
		os.Exit(1)
	}
}

// GetConfig returns a pointer to the global config.AppConfig instance.
func GetConfig() *config.AppConfig {
	return &GlobalAppConfig
}

// openStore opens the configured run store under the state directory.
func openStore(cfg *config.AppConfig) (store.RunStore, error) {
	base := config.GetStateBasePath()
	switch cfg.Store.Backend {
	case config.StoreFile:
		return store.NewFileRunStore(filepath.Join(base, "runs.json"))
	case config.StoreSQLite, "":
		return store.NewSQLiteStore(base)
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Store.Backend)
	}
}
