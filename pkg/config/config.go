// Package config implements layered configuration resolution for the agent
// core. Precedence, highest first: environment variables, system file,
// workspace file, user file, built-in defaults. Unknown keys are preserved
// verbatim so host-specific settings survive a load/save round trip.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
	goyaml "gopkg.in/yaml.v3"
)

const (
	delim = "."

	// RiskThresholdSafe..Critical order risk levels for confirmation gating.
	DefaultConfirmThreshold = "medium"
)

// Scope identifies which layer an explicit Save targets.
type Scope string

const (
	ScopeUser      Scope = "user"
	ScopeWorkspace Scope = "workspace"
)

// Config is the resolved, read-mostly configuration. Writes only occur via
// an explicit Save from an interactive command.
type Config struct {
	k *koanf.Koanf

	userPath      string
	workspacePath string
}

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"model":                     "gemini-2.5-flash",
		"max_turns":                 8,
		"debug":                     false,
		"auto_execute":              false,
		"allow_dangerous":           false,
		"compression.threshold":     0.7,
		"compression.context_window": 128000,
		"scheduler.fan_out":          4,
		"scheduler.confirm_threshold": DefaultConfirmThreshold,
		"scheduler.grace_period":      "5s",
		"tools.default_timeout":       "60s",
		"llm.timeout":                 "120s",
		"llm.max_retries":             5,
		"llm.retry_delay":             "2s",
		"workspace.root":              ".",
		"logging.path":                "",
		"logging.level":               "info",
	}
}

// Option customizes loading, mostly for tests.
type Option func(*loadOptions)

type loadOptions struct {
	userPath      string
	workspacePath string
	systemPath    string
	skipEnvFiles  bool
}

func WithUserPath(path string) Option {
	return func(o *loadOptions) { o.userPath = path }
}

func WithWorkspacePath(path string) Option {
	return func(o *loadOptions) { o.workspacePath = path }
}

func WithSystemPath(path string) Option {
	return func(o *loadOptions) { o.systemPath = path }
}

func WithoutEnvFiles() Option {
	return func(o *loadOptions) { o.skipEnvFiles = true }
}

// Load resolves the configuration layers. Files that do not exist are
// skipped; files that exist but fail to parse fail loudly.
func Load(opts ...Option) (*Config, error) {
	o := &loadOptions{
		userPath:      UserConfigPath(),
		workspacePath: "dbrheo.yaml",
		systemPath:    "/etc/dbrheo/config.yaml",
	}
	for _, opt := range opts {
		opt(o)
	}

	if !o.skipEnvFiles {
		if err := LoadEnvFiles(); err != nil {
			return nil, WrapConfigError("failed to load env files", err)
		}
	}

	k := koanf.New(delim)

	if err := k.Load(confmap.Provider(defaults(), delim), nil); err != nil {
		return nil, WrapConfigError("failed to load defaults", err)
	}

	for _, path := range []string{o.userPath, o.workspacePath, o.systemPath} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			continue
		}
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, WrapConfigError(fmt.Sprintf("failed to parse %s", path), err)
		}
	}

	if err := loadEnvLayer(k); err != nil {
		return nil, err
	}

	expanded := ExpandEnvVarsInData(k.Raw()).(map[string]interface{})
	k = koanf.New(delim)
	if err := k.Load(confmap.Provider(expanded, delim), nil); err != nil {
		return nil, WrapConfigError("failed to re-load expanded config", err)
	}

	return &Config{
		k:             k,
		userPath:      o.userPath,
		workspacePath: o.workspacePath,
	}, nil
}

// loadEnvLayer maps recognized environment variables onto config keys. This
// is the highest-precedence layer.
func loadEnvLayer(k *koanf.Koanf) error {
	direct := map[string]string{
		"GOOGLE_API_KEY":        "credentials.google_api_key",
		"GEMINI_API_KEY":        "credentials.google_api_key",
		"ANTHROPIC_API_KEY":     "credentials.anthropic_api_key",
		"OPENAI_API_KEY":        "credentials.openai_api_key",
		"OPENAI_API_BASE":       "credentials.openai_api_base",
		"DBRHEO_MODEL":          "model",
		"DBRHEO_MAX_TURNS":      "max_turns",
		"DBRHEO_AUTO_EXECUTE":   "auto_execute",
		"DBRHEO_ALLOW_DANGEROUS": "allow_dangerous",
		"DBRHEO_DEBUG":          "debug",
		"DATABASE_URL":          "default_connection.url",
	}

	overlay := map[string]interface{}{}
	for envKey, confKey := range direct {
		if val := os.Getenv(envKey); val != "" {
			overlay[confKey] = parseValue(val)
		}
	}
	if len(overlay) > 0 {
		if err := k.Load(confmap.Provider(overlay, delim), nil); err != nil {
			return WrapConfigError("failed to load environment overlay", err)
		}
	}

	// DBRHEO_<SECTION>__<KEY> style variables map onto dotted paths for
	// anything without a dedicated variable.
	provider := env.Provider("DBRHEO_", delim, func(s string) string {
		s = strings.TrimPrefix(s, "DBRHEO_")
		s = strings.ToLower(s)
		return strings.ReplaceAll(s, "__", delim)
	})
	if err := k.Load(provider, nil); err != nil {
		return WrapConfigError("failed to load DBRHEO_ environment variables", err)
	}
	return nil
}

// UserConfigPath returns ~/.dbrheo/config.yaml.
func UserConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dbrheo", "config.yaml")
}

// ConnectionsPath returns ~/.dbrheo/connections.yaml.
func ConnectionsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".dbrheo", "connections.yaml")
}

// Get returns the raw value at a dotted path, or def when absent.
func (c *Config) Get(key string, def interface{}) interface{} {
	if !c.k.Exists(key) {
		return def
	}
	return c.k.Get(key)
}

func (c *Config) GetString(key, def string) string {
	if !c.k.Exists(key) {
		return def
	}
	return c.k.String(key)
}

func (c *Config) GetInt(key string, def int) int {
	if !c.k.Exists(key) {
		return def
	}
	return c.k.Int(key)
}

func (c *Config) GetBool(key string, def bool) bool {
	if !c.k.Exists(key) {
		return def
	}
	return c.k.Bool(key)
}

func (c *Config) GetFloat(key string, def float64) float64 {
	if !c.k.Exists(key) {
		return def
	}
	return c.k.Float64(key)
}

func (c *Config) GetStrings(key string) []string {
	return c.k.Strings(key)
}

// GetDuration parses the value at key as a time.Duration string, falling
// back to def when absent or malformed.
func (c *Config) GetDuration(key string, def time.Duration) time.Duration {
	if !c.k.Exists(key) {
		return def
	}
	d, err := time.ParseDuration(c.k.String(key))
	if err != nil {
		return def
	}
	return d
}

// Set overrides a key in the resolved view. It does not persist; use Save.
func (c *Config) Set(key string, value interface{}) error {
	return c.k.Set(key, value)
}

// Typed conveniences.

func (c *Config) Model() string        { return c.GetString("model", "gemini-2.5-flash") }
func (c *Config) MaxTurns() int        { return c.GetInt("max_turns", 8) }
func (c *Config) Debug() bool          { return c.GetBool("debug", false) }
func (c *Config) AllowsDangerous() bool { return c.GetBool("allow_dangerous", false) }
func (c *Config) AutoExecute() bool    { return c.GetBool("auto_execute", false) }

// CompressionThreshold is clamped into (0, 1].
func (c *Config) CompressionThreshold() float64 {
	t := c.GetFloat("compression.threshold", 0.7)
	if t <= 0 || t > 1 {
		return 0.7
	}
	return t
}

func (c *Config) ContextWindow() int      { return c.GetInt("compression.context_window", 128000) }
func (c *Config) SchedulerFanOut() int    { return c.GetInt("scheduler.fan_out", 4) }
func (c *Config) ConfirmThreshold() string {
	return c.GetString("scheduler.confirm_threshold", DefaultConfirmThreshold)
}

func (c *Config) WorkspaceRoot() string {
	root := c.GetString("workspace.root", ".")
	abs, err := filepath.Abs(root)
	if err != nil {
		return root
	}
	return abs
}

// Save persists the resolved configuration to the file backing the scope.
func (c *Config) Save(scope Scope) error {
	var path string
	switch scope {
	case ScopeUser:
		path = c.userPath
	case ScopeWorkspace:
		path = c.workspacePath
	default:
		return NewConfigError(fmt.Sprintf("unknown config scope %q", scope))
	}
	if path == "" {
		return NewConfigError("no file path for scope " + string(scope))
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return WrapConfigError("failed to create config directory", err)
	}
	data, err := goyaml.Marshal(c.k.Raw())
	if err != nil {
		return WrapConfigError("failed to marshal config", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return WrapConfigError("failed to write config", err)
	}
	return nil
}
