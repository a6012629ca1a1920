package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/viper"

	rerrors "github.com/agentpkg/npmresolver/pkg/errors"
)

const (
	// LocalConfigFile is the project-local config filename.
	LocalConfigFile = "npmresolver.local.toml"
	// GlobalConfigFile lives in GlobalConfigDir.
	GlobalConfigFile = "config.toml"

	globalDirName = ".npmresolver"
	envPrefix     = "NPMRESOLVER"
)

// Backends.
const (
	BackendNPM  = "npm"
	BackendHTTP = "http"
)

// Config holds the resolver settings.
type Config struct {
	// Backend selects how the registry is reached: "npm" drives the npm
	// binary, "http" talks to the registry API directly.
	Backend string `toml:"backend" mapstructure:"backend"`
	// NPM is the npm binary for the npm backend.
	NPM string `toml:"npm,omitempty" mapstructure:"npm"`
	// Registry overrides the registry URL.
	Registry string `toml:"registry,omitempty" mapstructure:"registry"`
	// CacheDir overrides the cache root.
	CacheDir string `toml:"cache_dir,omitempty" mapstructure:"cache_dir"`
	// Token authenticates the http backend.
	Token string `toml:"token,omitempty" mapstructure:"token"`
	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level,omitempty" mapstructure:"log_level"`
}

var defaults = map[string]string{
	"backend":   BackendNPM,
	"npm":       "npm",
	"registry":  "",
	"cache_dir": "",
	"token":     "",
	"log_level": "info",
}

// Load resolves configuration. Non-empty fields of flags take highest
// precedence.
func Load(flags Config) (*Config, error) {
	dir, err := globalDir()
	if err != nil {
		return nil, rerrors.Wrap(rerrors.CodeConfig, err, "locating config")
	}
	return load(flags, filepath.Join(dir, GlobalConfigFile), LocalConfigFile)
}

// load accepts explicit paths, so tests need not touch the home directory.
func load(flags Config, globalPath, localPath string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("toml")
	for k, d := range defaults {
		v.SetDefault(k, d)
	}

	// Lowest priority: global config, ignored if missing.
	if _, err := os.Stat(globalPath); err == nil {
		v.SetConfigFile(globalPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, rerrors.Wrap(rerrors.CodeConfig, err, "reading %s", globalPath)
		}
	}

	if _, err := os.Stat(localPath); err == nil {
		v.SetConfigFile(localPath)
		if err := v.MergeInConfig(); err != nil {
			return nil, rerrors.Wrap(rerrors.CodeConfig, err, "reading %s", localPath)
		}
	}

	v.SetEnvPrefix(envPrefix)
	v.AutomaticEnv()

	// Highest priority: CLI flags
	for k, val := range flags.values() {
		if val != "" {
			v.Set(k, val)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, rerrors.Wrap(rerrors.CodeConfig, err, "unmarshaling config")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c Config) values() map[string]string {
	return map[string]string{
		"backend":   c.Backend,
		"npm":       c.NPM,
		"registry":  c.Registry,
		"cache_dir": c.CacheDir,
		"token":     c.Token,
		"log_level": c.LogLevel,
	}
}

// Validate checks the backend choice.
func (c *Config) Validate() error {
	switch c.Backend {
	case BackendNPM, BackendHTTP:
		return nil
	default:
		return rerrors.New(rerrors.CodeConfig, "unknown backend %q (want %s or %s)", c.Backend, BackendNPM, BackendHTTP)
	}
}

// ResolvedCacheDir returns CacheDir, defaulting to ~/.npmresolver/cache.
// The npm backend leaves an empty CacheDir to npm itself, so callers only
// need this for the http backend.
func (c *Config) ResolvedCacheDir() (string, error) {
	if c.CacheDir != "" {
		return c.CacheDir, nil
	}
	dir, err := globalDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "cache"), nil
}

func globalDir() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("determining home directory: %w", err)
	}
	return filepath.Join(home, globalDirName), nil
}

// GlobalConfigDir returns the path to ~/.npmresolver, creating it if
// necessary.
func GlobalConfigDir() (string, error) {
	dir, err := globalDir()
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating %s: %w", dir, err)
	}
	return dir, nil
}

// WriteGlobalConfig persists cfg to ~/.npmresolver/config.toml and returns
// the path written.
func WriteGlobalConfig(cfg *Config) (string, error) {
	dir, err := GlobalConfigDir()
	if err != nil {
		return "", err
	}
	path := filepath.Join(dir, GlobalConfigFile)
	return path, writeConfig(path, cfg)
}

// WriteLocalConfig persists cfg to npmresolver.local.toml in projectDir.
func WriteLocalConfig(projectDir string, cfg *Config) error {
	return writeConfig(filepath.Join(projectDir, LocalConfigFile), cfg)
}

func writeConfig(path string, cfg *Config) error {
	data, err := toml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling config: %w", err)
	}
	// may hold a token
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
