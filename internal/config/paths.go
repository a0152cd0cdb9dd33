package config

import (
	"os"
	"path/filepath"

	"github.com/spf13/viper"
)

// GetGlobalConfigDir returns the path to the global configuration directory
// (~/.retrograph). This is the source of truth for where global config lives.
// It's a variable to allow overriding in tests.
var GetGlobalConfigDir = func() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(home, ".retrograph"), nil
}

// GetStateBasePath returns the directory holding run state (store files).
// Resolution order (first match wins):
// 1. Explicit config via "store.path" (Viper/env/flag)
// 2. Local project directory: .retrograph/state (if exists)
// 3. XDG_DATA_HOME/retrograph/state (if XDG_DATA_HOME is set)
// 4. Global fallback: ~/.retrograph/state
func GetStateBasePath() string {
	if path := viper.GetString("store.path"); path != "" {
		return path
	}

	// Per-project isolation when running from within a project.
	localState := filepath.Join(".retrograph", "state")
	if info, err := os.Stat(localState); err == nil && info.IsDir() {
		return localState
	}

	if xdgData := os.Getenv("XDG_DATA_HOME"); xdgData != "" {
		return filepath.Join(xdgData, "retrograph", "state")
	}

	dir, err := GetGlobalConfigDir()
	if err != nil {
		return "./state"
	}
	return filepath.Join(dir, "state")
}

// GetResolutionsDir returns the directory watched for operator resolution
// files, relative to the project root dir unless configured absolute.
func GetResolutionsDir(cfg *AppConfig) string {
	dir := cfg.Project.ResolutionsDir
	if dir == "" {
		dir = "resolutions"
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(cfg.Project.RootDir, dir)
}

// GetPoliciesDir returns the directory holding auto-resolution policies, or
// empty when none is configured.
func GetPoliciesDir(cfg *AppConfig) string {
	dir := cfg.Project.PoliciesDir
	if dir == "" {
		return ""
	}
	if filepath.IsAbs(dir) {
		return dir
	}
	return filepath.Join(cfg.Project.RootDir, dir)
}
