// Package config loads ralph's layered configuration: built-in defaults,
// a YAML file, a .env file, RALPH_* environment variables and finally
// command-line flags.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/joho/godotenv"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"

	"github.com/leapmux/ralph/internal/logging"
)

const (
	appName    = "ralph"
	fileName   = "config.yaml"
	envPrefix  = "RALPH_"
	keyDelim   = "."
	dotEnvFile = ".env"
)

// Config holds ralph's runtime configuration.
type Config struct {
	Claude     ClaudeConfig     `koanf:"claude"`
	Paths      PathsConfig      `koanf:"paths"`
	Behavior   BehaviorConfig   `koanf:"behavior"`
	Logging    LoggingConfig    `koanf:"logging"`
	History    HistoryConfig    `koanf:"history"`
	Transcript TranscriptConfig `koanf:"transcript"`
	Server     ServerConfig     `koanf:"server"`
}

type ClaudeConfig struct {
	Path string `koanf:"path"`
}

type PathsConfig struct {
	Prompt string `koanf:"prompt"`
	Specs  string `koanf:"specs"`
}

type BehaviorConfig struct {
	// Iterations is the budget: negative for unlimited, 0 disables
	// running, positive is a countdown.
	Iterations int32 `koanf:"iterations"`
}

type LoggingConfig struct {
	Level string `koanf:"level"`
	File  string `koanf:"file"`
}

type HistoryConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path"`
}

type TranscriptConfig struct {
	Enabled bool   `koanf:"enabled"`
	Dir     string `koanf:"dir"`
}

type ServerConfig struct {
	// Addr is the status server listen address. Empty disables it.
	Addr string `koanf:"addr"`
}

// Defaults returns the built-in configuration as a flat key map.
func Defaults() map[string]any {
	data := DataDir()
	return map[string]any{
		"claude.path":         "~/.claude/local/claude",
		"paths.prompt":        "./PROMPT.md",
		"paths.specs":         "./specs",
		"behavior.iterations": -1,
		"logging.level":       "info",
		"logging.file":        filepath.Join(data, "ralph.log"),
		"history.enabled":     true,
		"history.path":        filepath.Join(data, "history.db"),
		"transcript.enabled":  false,
		"transcript.dir":      filepath.Join(data, "transcripts"),
		"server.addr":         "",
	}
}

// Options controls Load.
type Options struct {
	// Path is the YAML config file. Empty means DefaultPath().
	Path string
	// CreateIfMissing writes the defaults to Path when it does not exist.
	CreateIfMissing bool
	// EnvFile is loaded into the environment before RALPH_* variables are
	// read. Empty means ".env" in the working directory.
	EnvFile string
	// Overrides are applied last, e.g. from command-line flags.
	Overrides map[string]any
}

// Load builds the configuration from all layers.
func Load(opts Options) (*Config, error) {
	path := opts.Path
	if path == "" {
		path = DefaultPath()
	}

	k := koanf.New(keyDelim)
	if err := k.Load(confmap.Provider(Defaults(), keyDelim), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if opts.CreateIfMissing {
		created, err := ensureFile(path, k)
		if err != nil {
			slog.Warn("could not write default config", "path", path, "error", err)
		} else if created {
			slog.Info("created default config", "path", path)
		}
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", path, err)
		}
	}

	envFile := opts.EnvFile
	if envFile == "" {
		envFile = dotEnvFile
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	if err := k.Load(env.Provider(envPrefix, keyDelim, envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	if len(opts.Overrides) > 0 {
		if err := k.Load(confmap.Provider(opts.Overrides, keyDelim), nil); err != nil {
			return nil, fmt.Errorf("load overrides: %w", err)
		}
	}

	var c Config
	if err := k.Unmarshal("", &c); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	return &c, nil
}

// envAliases keeps the variable names older ralph versions understood.
var envAliases = map[string]string{
	"RALPH_PROMPT_PATH": "paths.prompt",
	"RALPH_SPECS_DIR":   "paths.specs",
	"RALPH_LOG":         "logging.level",
}

// envKey maps RALPH_CLAUDE_PATH to claude.path.
func envKey(s string) string {
	if k, ok := envAliases[s]; ok {
		return k
	}
	return strings.ReplaceAll(strings.ToLower(strings.TrimPrefix(s, envPrefix)), "_", keyDelim)
}

// ensureFile writes the current koanf state as YAML to path if no file is
// there yet.
func ensureFile(path string, k *koanf.Koanf) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, err
	}

	data, err := k.Marshal(yaml.Parser())
	if err != nil {
		return false, fmt.Errorf("marshal defaults: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return false, fmt.Errorf("create config dir: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return false, fmt.Errorf("write config: %w", err)
	}
	return true, nil
}

// Validate checks the configuration and ensures data directories exist.
func (c *Config) Validate() error {
	if c.Claude.Path == "" {
		return fmt.Errorf("claude.path is required")
	}
	if c.Paths.Prompt == "" {
		return fmt.Errorf("paths.prompt is required")
	}
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	if c.History.Enabled {
		if err := os.MkdirAll(filepath.Dir(ExpandTilde(c.History.Path)), 0o750); err != nil {
			return fmt.Errorf("create history dir: %w", err)
		}
	}
	if c.Transcript.Enabled {
		if err := os.MkdirAll(ExpandTilde(c.Transcript.Dir), 0o750); err != nil {
			return fmt.Errorf("create transcript dir: %w", err)
		}
	}
	return nil
}

// ClaudePath returns the expanded path of the claude executable.
func (c *Config) ClaudePath() string {
	return ExpandTilde(c.Claude.Path)
}

// PromptPath returns the expanded prompt file path.
func (c *Config) PromptPath() string {
	return ExpandTilde(c.Paths.Prompt)
}

// SpecsPath returns the expanded specs directory.
func (c *Config) SpecsPath() string {
	return ExpandTilde(c.Paths.Specs)
}

// ExpandTilde replaces a leading "~/" with the user's home directory.
func ExpandTilde(p string) string {
	rest, ok := strings.CutPrefix(p, "~/")
	if !ok {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return p
	}
	return filepath.Join(home, rest)
}

// DefaultPath returns $XDG_CONFIG_HOME/ralph/config.yaml, falling back to
// the platform's user config directory.
func DefaultPath() string {
	return filepath.Join(configDir(), fileName)
}

func configDir() string {
	if dir := os.Getenv("XDG_CONFIG_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	if dir, err := os.UserConfigDir(); err == nil {
		return filepath.Join(dir, appName)
	}
	return filepath.Join(".config", appName)
}

// DataDir returns $XDG_DATA_HOME/ralph, falling back to
// ~/.local/share/ralph.
func DataDir() string {
	if dir := os.Getenv("XDG_DATA_HOME"); dir != "" {
		return filepath.Join(dir, appName)
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".local", "share", appName)
	}
	return filepath.Join(home, ".local", "share", appName)
}
