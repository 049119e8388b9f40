package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/tidwall/jsonc"
)

// Config is the full switchboard configuration.
type Config struct {
	Server   ServerConfig              `json:"server"`
	Log      LogConfig                 `json:"log"`
	EventLog EventLogConfig            `json:"eventLog"`
	Backend  BackendConfig             `json:"backend"`
	History  HistoryConfig             `json:"history"`
	Plugin   PluginConfig              `json:"plugin"`
	Policy   PolicyConfig              `json:"policy"`
	Provider map[string]ProviderConfig `json:"provider"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr        string   `json:"addr"`
	CORSOrigins []string `json:"corsOrigins"`
}

// LogConfig configures the global logger.
type LogConfig struct {
	Level  string `json:"level"`
	Pretty bool   `json:"pretty"`
}

// EventLogConfig selects the event log driver.
type EventLogConfig struct {
	// Kind is "memory" (default) or "redis".
	Kind  string      `json:"kind"`
	Redis RedisConfig `json:"redis"`
}

// RedisConfig configures the Redis stream log.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	Stream   string `json:"stream"`
}

// BackendConfig selects the backend driver for new sessions.
type BackendConfig struct {
	// Driver is "process" (default), "model" or "mock".
	Driver  string   `json:"driver"`
	Command string   `json:"command"`
	Args    []string `json:"args"`
	WorkDir string   `json:"workDir"`
	// Model is "provider/model" for the model driver.
	Model        string `json:"model"`
	MaxTokens    int    `json:"maxTokens"`
	SystemPrompt string `json:"systemPrompt"`
}

// HistoryConfig configures the event archive.
type HistoryConfig struct {
	Disabled bool   `json:"disabled"`
	Dir      string `json:"dir"`
}

// PluginConfig configures the plugin host. An empty command disables the
// dispatcher.
type PluginConfig struct {
	Command []string `json:"command"`
}

// PolicyConfig configures the permission auto-responder. An empty rules
// path disables it.
type PolicyConfig struct {
	Rules string `json:"rules"`
}

// ProviderConfig carries the credentials for one model vendor.
type ProviderConfig struct {
	APIKey  string `json:"apiKey"`
	BaseURL string `json:"baseURL"`
}

// Load assembles configuration from every source, in priority order:
//
//  1. Home config (~/.switchboard/)
//  2. XDG config (~/.config/switchboard/)
//  3. Project config (switchboard.json[c], .switchboard/switchboard.json[c])
//  4. SWITCHBOARD_CONFIG file
//  5. SWITCHBOARD_CONFIG_CONTENT inline JSON
//  6. Environment variables
//
// Later sources override earlier ones field by field, and defaults fill
// whatever remains empty.
func Load(directory string) (*Config, error) {
	config := &Config{
		Provider: make(map[string]ProviderConfig),
	}

	loaded := make(map[string]bool)
	loadOnce := func(path, baseDir string) {
		absPath, err := filepath.Abs(path)
		if err != nil {
			return
		}
		if loaded[absPath] {
			return
		}
		if loadFile(path, config, baseDir) == nil {
			loaded[absPath] = true
		}
	}

	if home := os.Getenv("HOME"); home != "" {
		homeDir := filepath.Join(home, ".switchboard")
		loadOnce(filepath.Join(homeDir, "switchboard.json"), homeDir)
		loadOnce(filepath.Join(homeDir, "switchboard.jsonc"), homeDir)
	}

	globalDir := GetPaths().Config
	loadOnce(filepath.Join(globalDir, "switchboard.json"), globalDir)
	loadOnce(filepath.Join(globalDir, "switchboard.jsonc"), globalDir)

	if directory != "" {
		projectDir := filepath.Join(directory, ".switchboard")
		loadOnce(filepath.Join(directory, "switchboard.json"), directory)
		loadOnce(filepath.Join(directory, "switchboard.jsonc"), directory)
		loadOnce(filepath.Join(projectDir, "switchboard.json"), projectDir)
		loadOnce(filepath.Join(projectDir, "switchboard.jsonc"), projectDir)
	}

	if path := os.Getenv("SWITCHBOARD_CONFIG"); path != "" {
		loadOnce(path, filepath.Dir(path))
	}

	if content := os.Getenv("SWITCHBOARD_CONFIG_CONTENT"); content != "" {
		var inline Config
		if err := json.Unmarshal(jsonc.ToJSON([]byte(content)), &inline); err != nil {
			return nil, fmt.Errorf("parse SWITCHBOARD_CONFIG_CONTENT: %w", err)
		}
		merge(config, &inline)
	}

	applyEnvOverrides(config)
	applyDefaults(config)
	return config, nil
}

// loadFile loads one config file with comment stripping and interpolation.
func loadFile(path string, config *Config, baseDir string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}

	data = jsonc.ToJSON(data)
	data = interpolate(data, baseDir)

	var fileConfig Config
	if err := json.Unmarshal(data, &fileConfig); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	merge(config, &fileConfig)
	return nil
}

var (
	envPattern  = regexp.MustCompile(`\{env:([^}]+)\}`)
	filePattern = regexp.MustCompile(`\{file:([^}]+)\}`)
)

// interpolate expands {env:VAR} and {file:path} placeholders. File
// contents are escaped so they stay a single JSON string.
func interpolate(data []byte, baseDir string) []byte {
	str := string(data)

	str = envPattern.ReplaceAllStringFunc(str, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		return os.Getenv(name)
	})

	str = filePattern.ReplaceAllStringFunc(str, func(match string) string {
		path := filePattern.FindStringSubmatch(match)[1]
		if strings.HasPrefix(path, "~/") {
			path = filepath.Join(os.Getenv("HOME"), path[2:])
		} else if !filepath.IsAbs(path) {
			path = filepath.Join(baseDir, path)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			// Keep the placeholder; a later source may not need it.
			return match
		}
		escaped := strings.ReplaceAll(string(content), `\`, `\\`)
		escaped = strings.ReplaceAll(escaped, `"`, `\"`)
		escaped = strings.ReplaceAll(escaped, "\n", `\n`)
		escaped = strings.ReplaceAll(escaped, "\r", `\r`)
		escaped = strings.ReplaceAll(escaped, "\t", `\t`)
		return escaped
	})

	return []byte(str)
}

// merge folds source into target. Non-zero scalars win, maps merge per
// key, slices replace.
func merge(target, source *Config) {
	if source.Server.Addr != "" {
		target.Server.Addr = source.Server.Addr
	}
	if source.Server.CORSOrigins != nil {
		target.Server.CORSOrigins = source.Server.CORSOrigins
	}
	if source.Log.Level != "" {
		target.Log.Level = source.Log.Level
	}
	if source.Log.Pretty {
		target.Log.Pretty = true
	}
	if source.EventLog.Kind != "" {
		target.EventLog.Kind = source.EventLog.Kind
	}
	if source.EventLog.Redis.Addr != "" {
		target.EventLog.Redis.Addr = source.EventLog.Redis.Addr
	}
	if source.EventLog.Redis.Password != "" {
		target.EventLog.Redis.Password = source.EventLog.Redis.Password
	}
	if source.EventLog.Redis.DB != 0 {
		target.EventLog.Redis.DB = source.EventLog.Redis.DB
	}
	if source.EventLog.Redis.Stream != "" {
		target.EventLog.Redis.Stream = source.EventLog.Redis.Stream
	}
	if source.Backend.Driver != "" {
		target.Backend.Driver = source.Backend.Driver
	}
	if source.Backend.Command != "" {
		target.Backend.Command = source.Backend.Command
	}
	if source.Backend.Args != nil {
		target.Backend.Args = source.Backend.Args
	}
	if source.Backend.WorkDir != "" {
		target.Backend.WorkDir = source.Backend.WorkDir
	}
	if source.Backend.Model != "" {
		target.Backend.Model = source.Backend.Model
	}
	if source.Backend.MaxTokens != 0 {
		target.Backend.MaxTokens = source.Backend.MaxTokens
	}
	if source.Backend.SystemPrompt != "" {
		target.Backend.SystemPrompt = source.Backend.SystemPrompt
	}
	if source.History.Disabled {
		target.History.Disabled = true
	}
	if source.History.Dir != "" {
		target.History.Dir = source.History.Dir
	}
	if source.Plugin.Command != nil {
		target.Plugin.Command = source.Plugin.Command
	}
	if source.Policy.Rules != "" {
		target.Policy.Rules = source.Policy.Rules
	}
	if source.Provider != nil {
		if target.Provider == nil {
			target.Provider = make(map[string]ProviderConfig)
		}
		for name, p := range source.Provider {
			base := target.Provider[name]
			if p.APIKey != "" {
				base.APIKey = p.APIKey
			}
			if p.BaseURL != "" {
				base.BaseURL = p.BaseURL
			}
			target.Provider[name] = base
		}
	}
}

// applyEnvOverrides applies environment variables, the highest-priority
// source.
func applyEnvOverrides(config *Config) {
	if addr := os.Getenv("SWITCHBOARD_ADDR"); addr != "" {
		config.Server.Addr = addr
	}
	if level := os.Getenv("SWITCHBOARD_LOG_LEVEL"); level != "" {
		config.Log.Level = level
	}
	if pretty := os.Getenv("SWITCHBOARD_LOG_PRETTY"); pretty == "true" || pretty == "1" {
		config.Log.Pretty = true
	}
	if kind := os.Getenv("SWITCHBOARD_EVENTLOG"); kind != "" {
		config.EventLog.Kind = kind
	}
	if addr := os.Getenv("SWITCHBOARD_REDIS_ADDR"); addr != "" {
		config.EventLog.Redis.Addr = addr
	}
	if driver := os.Getenv("SWITCHBOARD_BACKEND"); driver != "" {
		config.Backend.Driver = driver
	}
	if model := os.Getenv("SWITCHBOARD_MODEL"); model != "" {
		config.Backend.Model = model
	}
	if dir := os.Getenv("SWITCHBOARD_DATA_DIR"); dir != "" {
		config.History.Dir = dir
	}
	if rules := os.Getenv("SWITCHBOARD_POLICY_RULES"); rules != "" {
		config.Policy.Rules = rules
	}

	// Vendor API keys fill in only where the files left them empty.
	providerEnv := map[string]string{
		"anthropic": "ANTHROPIC_API_KEY",
		"openai":    "OPENAI_API_KEY",
	}
	for name, envVar := range providerEnv {
		key := os.Getenv(envVar)
		if key == "" {
			continue
		}
		if config.Provider == nil {
			config.Provider = make(map[string]ProviderConfig)
		}
		p := config.Provider[name]
		if p.APIKey == "" {
			p.APIKey = key
			config.Provider[name] = p
		}
	}
}

func applyDefaults(config *Config) {
	if config.Server.Addr == "" {
		config.Server.Addr = "127.0.0.1:8080"
	}
	if config.Log.Level == "" {
		config.Log.Level = "info"
	}
	if config.EventLog.Kind == "" {
		config.EventLog.Kind = "memory"
	}
	if config.EventLog.Redis.Addr == "" {
		config.EventLog.Redis.Addr = "localhost:6379"
	}
	if config.EventLog.Redis.Stream == "" {
		config.EventLog.Redis.Stream = "switchboard:events"
	}
	if config.Backend.Driver == "" {
		config.Backend.Driver = "process"
	}
	if config.History.Dir == "" {
		config.History.Dir = GetPaths().Data
	}
}

// Validate rejects values no subsystem could act on.
func (c *Config) Validate() error {
	switch c.EventLog.Kind {
	case "memory", "redis":
	default:
		return fmt.Errorf("unknown event log kind %q", c.EventLog.Kind)
	}
	switch c.Backend.Driver {
	case "process", "model", "mock":
	default:
		return fmt.Errorf("unknown backend driver %q", c.Backend.Driver)
	}
	return nil
}
