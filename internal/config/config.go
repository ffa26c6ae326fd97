// Package config provides application configuration and file locations.
//
// Configuration is read from an optional TOML file in the per-user
// config directory, overlaid with environment variables. A .env file in
// the working directory is honored for development.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const (
	appDirName = "devtimr"

	defaultAPIBaseURL    = "https://api.devtimr.dev"
	defaultDashboardPort = 4727
)

// Config holds all application configuration.
type Config struct {
	// APIBaseURL is the sync service endpoint.
	APIBaseURL string `toml:"api_base_url"`

	// DashboardPort is where the local dashboard server listens.
	DashboardPort int `toml:"dashboard_port"`

	// LogFile receives background activity logs. Empty means stderr.
	LogFile string `toml:"log_file"`
}

// Load reads the config file if present and applies env overrides.
func Load() (*Config, error) {
	// Development convenience; a missing .env is not an error.
	_ = godotenv.Load()

	cfg := &Config{
		APIBaseURL:    defaultAPIBaseURL,
		DashboardPort: defaultDashboardPort,
		LogFile:       defaultLogFile(),
	}

	path, err := Path()
	if err == nil {
		if _, statErr := os.Stat(path); statErr == nil {
			if _, decodeErr := toml.DecodeFile(path, cfg); decodeErr != nil {
				return nil, fmt.Errorf("failed to parse config file %s: %w", path, decodeErr)
			}
		}
	}

	if v := os.Getenv("DEVTIMR_API_URL"); v != "" {
		cfg.APIBaseURL = v
	}
	if v := os.Getenv("DEVTIMR_DASHBOARD_PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid DEVTIMR_DASHBOARD_PORT %q: %w", v, err)
		}
		cfg.DashboardPort = port
	}
	if v := os.Getenv("DEVTIMR_LOG_FILE"); v != "" {
		cfg.LogFile = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks that all configuration fields are usable.
func (c *Config) Validate() error {
	u, err := url.Parse(c.APIBaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("api_base_url %q is not an absolute URL", c.APIBaseURL)
	}
	if c.DashboardPort < 0 || c.DashboardPort > 65535 {
		return fmt.Errorf("dashboard_port %d out of range", c.DashboardPort)
	}
	return nil
}

// Dir returns the per-user configuration directory for this tool.
func Dir() (string, error) {
	base, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to locate user config directory: %w", err)
	}
	return filepath.Join(base, appDirName), nil
}

// Path returns the config file location.
func Path() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.toml"), nil
}

// CredentialPath returns the per-user encrypted credential file.
func CredentialPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "credentials.json"), nil
}

// QueuePath returns the per-user encrypted queue journal.
func QueuePath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "queue.json"), nil
}

func defaultLogFile() string {
	dir, err := Dir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "activity.log")
}

// LedgerPath returns the session ledger location for the repository
// containing dir: <root>/.devtimr/ledger.json, where root is the
// nearest ancestor holding a .git directory, or dir itself when none is
// found.
func LedgerPath(dir string) (string, error) {
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("failed to resolve %s: %w", dir, err)
	}
	root := findRepoRoot(abs)
	return filepath.Join(root, ".devtimr", "ledger.json"), nil
}

// findRepoRoot walks up from dir looking for a .git entry.
func findRepoRoot(dir string) string {
	current := dir
	for {
		if _, err := os.Stat(filepath.Join(current, ".git")); err == nil {
			return current
		}
		parent := filepath.Dir(current)
		if parent == current {
			return dir
		}
		current = parent
	}
}
