// Package config handles Vemorize configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/vemorize/config.yaml, /etc/vemorize/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "vemorize", "config.yaml"))
	}

	paths = append(paths, "/etc/vemorize/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Vemorize configuration.
type Config struct {
	Listen    ListenConfig   `yaml:"listen"`
	DataDir   string         `yaml:"data_dir"`
	LogLevel  string         `yaml:"log_level"`
	LogFormat string         `yaml:"log_format"` // text or json
	UserID    string         `yaml:"user_id"`
	LLM       LLMConfig      `yaml:"llm"`
	TTS       TTSConfig      `yaml:"tts"`
	Voice     VoiceConfig    `yaml:"voice"`
	MQTT      MQTTConfig     `yaml:"mqtt"`
	Commands  CommandsConfig `yaml:"commands"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the API server binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// LLM provider names.
const (
	ProviderAPI       = "api"
	ProviderOllama    = "ollama"
	ProviderOpenAI    = "openai"
	ProviderAnthropic = "anthropic"
)

// ProviderConfig selects and addresses one LLM backend.
type ProviderConfig struct {
	Provider string `yaml:"provider"` // api, ollama, openai, anthropic
	BaseURL  string `yaml:"base_url"`
	Path     string `yaml:"path"` // api provider only; default /api/conversation
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
}

// LLMConfig is the primary backend plus optional fallbacks tried in
// order when it fails.
type LLMConfig struct {
	ProviderConfig `yaml:",inline"`
	Timeout        time.Duration    `yaml:"timeout"`
	Fallback       []ProviderConfig `yaml:"fallback"`
}

// TTSConfig configures cloud speech synthesis. An empty CloudURL
// disables it; the device's local synthesizer is used instead.
type TTSConfig struct {
	CloudURL string        `yaml:"cloud_url"`
	Token    string        `yaml:"token"`
	Timeout  time.Duration `yaml:"timeout"`
}

// Wake-word sources.
const (
	WakeWordDevice = "device"
	WakeWordMQTT   = "mqtt"
)

// VoiceConfig configures the listening lifecycle.
type VoiceConfig struct {
	Language          string        `yaml:"language"`
	InactivityTimeout time.Duration `yaml:"inactivity_timeout"`
	WakeWordSource    string        `yaml:"wake_word_source"` // device or mqtt
}

// MQTTConfig configures the broker connection used for wake-word
// satellites and Home Assistant state publishing.
type MQTTConfig struct {
	Broker          string `yaml:"broker"` // e.g. mqtt://localhost:1883
	Username        string `yaml:"username"`
	Password        string `yaml:"password"`
	DeviceName      string `yaml:"device_name"`
	DiscoveryPrefix string `yaml:"discovery_prefix"`
	WakeTopic       string `yaml:"wake_topic"` // default vemorize/<device_name>/wake
	WakeRateLimit   int    `yaml:"wake_rate_limit"`
}

// Configured reports whether a broker is set.
func (c MQTTConfig) Configured() bool {
	return c.Broker != ""
}

// CommandsConfig extends the built-in voice commands.
type CommandsConfig struct {
	// ExtraPatterns maps a command name to additional patterns, tried
	// after the built-in ones.
	ExtraPatterns map[string][]string `yaml:"extra_patterns"`
}

// Load reads configuration from a YAML file. Environment variables in
// the file are expanded and unset fields keep their defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:    ListenConfig{Port: 8080},
		DataDir:   "./data",
		LogLevel:  "info",
		LogFormat: "text",
		UserID:    "local",
		LLM: LLMConfig{
			ProviderConfig: ProviderConfig{
				Provider: ProviderOllama,
				Model:    "qwen3:4b",
			},
			Timeout: 30 * time.Second,
		},
		TTS: TTSConfig{Timeout: 10 * time.Second},
		Voice: VoiceConfig{
			Language:          "en-US",
			InactivityTimeout: 60 * time.Second,
			WakeWordSource:    WakeWordDevice,
		},
		MQTT: MQTTConfig{
			DeviceName:      "vemorize",
			DiscoveryPrefix: "homeassistant",
			WakeRateLimit:   30,
		},
	}
}

// Validate checks enumerations and durations.
func (c *Config) Validate() error {
	if c.Listen.Port <= 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if strings.TrimSpace(c.UserID) == "" {
		return fmt.Errorf("user_id is required")
	}
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if c.LogFormat != "" && c.LogFormat != "text" && c.LogFormat != "json" {
		return fmt.Errorf("log_format %q (valid: text, json)", c.LogFormat)
	}
	if err := c.LLM.ProviderConfig.validate("llm"); err != nil {
		return err
	}
	for i, fb := range c.LLM.Fallback {
		if err := fb.validate(fmt.Sprintf("llm.fallback[%d]", i)); err != nil {
			return err
		}
	}
	if c.LLM.Timeout <= 0 {
		return fmt.Errorf("llm.timeout must be positive")
	}
	if c.Voice.InactivityTimeout <= 0 {
		return fmt.Errorf("voice.inactivity_timeout must be positive")
	}
	switch c.Voice.WakeWordSource {
	case WakeWordDevice:
	case WakeWordMQTT:
		if !c.MQTT.Configured() {
			return fmt.Errorf("voice.wake_word_source is mqtt but mqtt.broker is not set")
		}
	default:
		return fmt.Errorf("voice.wake_word_source %q (valid: device, mqtt)", c.Voice.WakeWordSource)
	}
	return nil
}

func (p ProviderConfig) validate(field string) error {
	switch p.Provider {
	case ProviderAPI:
		if p.BaseURL == "" {
			return fmt.Errorf("%s.base_url is required for the api provider", field)
		}
	case ProviderOllama, ProviderOpenAI, ProviderAnthropic:
	default:
		return fmt.Errorf("%s.provider %q (valid: api, ollama, openai, anthropic)", field, p.Provider)
	}
	if p.Provider != ProviderAPI && p.Model == "" {
		return fmt.Errorf("%s.model is required for the %s provider", field, p.Provider)
	}
	return nil
}

// WakeTopicOrDefault returns the topic wake-word detections arrive on.
func (c MQTTConfig) WakeTopicOrDefault() string {
	if c.WakeTopic != "" {
		return c.WakeTopic
	}
	return "vemorize/" + c.DeviceName + "/wake"
}
