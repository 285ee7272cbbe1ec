package client

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/saveenergy/latbench/internal/emitter"
)

type ServerConfig struct {
	URL  string `yaml:"url"`
	Name string `yaml:"name"`
}

// ConfigFile is ~/.config/latbench/config.yaml. Durations are Go duration
// strings ("4m", "200ms").
type ConfigFile struct {
	DefaultServer string                  `yaml:"default_server,omitempty"`
	Servers       map[string]ServerConfig `yaml:"servers,omitempty"`

	ServerURL    string `yaml:"server_url,omitempty"`
	Label        string `yaml:"label,omitempty"`
	Identity     string `yaml:"identity,omitempty"`
	Duration     string `yaml:"duration,omitempty"`
	PingInterval string `yaml:"ping_interval,omitempty"`
	LoadInterval string `yaml:"load_interval,omitempty"`
	PayloadBytes int    `yaml:"payload_bytes,omitempty"`
	JSON         bool   `yaml:"json,omitempty"`
	Plain        bool   `yaml:"plain,omitempty"`
	Verbose      bool   `yaml:"verbose,omitempty"`
	Quiet        bool   `yaml:"quiet,omitempty"`
	NoColor      bool   `yaml:"no_color,omitempty"`
	NoProgress   bool   `yaml:"no_progress,omitempty"`
}

func getConfigPath() string {
	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(home, ".config")
	}
	return filepath.Join(configDir, "latbench", "config.yaml")
}

// loadConfigFile returns nil, nil when there is no config file.
func loadConfigFile() (*ConfigFile, error) {
	configPath := getConfigPath()
	if configPath == "" {
		return nil, nil
	}
	data, err := os.ReadFile(configPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return parseConfigFile(data)
}

func parseConfigFile(data []byte) (*ConfigFile, error) {
	var config ConfigFile
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}
	if err := validateConfigFile(&config); err != nil {
		return nil, fmt.Errorf("invalid config file: %w", err)
	}
	return &config, nil
}

func resolveServerURL(configFile *ConfigFile, alias string) string {
	if configFile == nil {
		return ""
	}
	if alias == "" {
		alias = configFile.DefaultServer
	}
	if server, ok := configFile.Servers[alias]; ok && alias != "" {
		return server.URL
	}
	return configFile.ServerURL
}

// mergeConfig layers defaults < config file < LATBENCH_* env < flags. Only
// flags present in flagsSet override.
func mergeConfig(flagConfig *Config, configFile *ConfigFile, flagsSet map[string]bool) *Config {
	defaults := emitter.DefaultConfig()
	result := &Config{
		ServerURL:    defaultServerURL,
		Duration:     defaults.TotalDuration,
		PingInterval: defaults.PingInterval,
		LoadInterval: defaults.LoadInterval,
		PayloadBytes: defaults.PayloadBytes,
	}

	if configFile != nil {
		if serverURL := resolveServerURL(configFile, ""); serverURL != "" {
			result.ServerURL = serverURL
		}
		if configFile.Label != "" {
			result.Label = configFile.Label
		}
		if configFile.Identity != "" {
			result.Identity = configFile.Identity
		}
		// validateConfigFile already rejected unparsable durations
		if d, err := time.ParseDuration(configFile.Duration); err == nil {
			result.Duration = d
		}
		if d, err := time.ParseDuration(configFile.PingInterval); err == nil {
			result.PingInterval = d
		}
		if d, err := time.ParseDuration(configFile.LoadInterval); err == nil {
			result.LoadInterval = d
		}
		if configFile.PayloadBytes > 0 {
			result.PayloadBytes = configFile.PayloadBytes
		}
		result.JSON = configFile.JSON
		result.Plain = configFile.Plain
		result.Verbose = configFile.Verbose
		result.Quiet = configFile.Quiet
		result.NoColor = configFile.NoColor
		result.NoProgress = configFile.NoProgress
	}

	if val := os.Getenv("LATBENCH_SERVER_URL"); val != "" {
		result.ServerURL = val
	}
	if val := os.Getenv("LATBENCH_LABEL"); val != "" {
		result.Label = val
	}
	if val := os.Getenv("LATBENCH_IDENTITY"); val != "" {
		result.Identity = val
	}
	envDuration("LATBENCH_DURATION", &result.Duration)
	envDuration("LATBENCH_PING_INTERVAL", &result.PingInterval)
	envDuration("LATBENCH_LOAD_INTERVAL", &result.LoadInterval)
	if val := os.Getenv("LATBENCH_PAYLOAD_BYTES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			result.PayloadBytes = n
		} else {
			fmt.Fprintf(os.Stderr, "latbench client: warning: invalid LATBENCH_PAYLOAD_BYTES value '%s' (must be integer), ignoring\n", val)
		}
	}
	if os.Getenv("NO_COLOR") != "" {
		result.NoColor = true
	}

	if flagsSet["server"] && flagConfig.ServerURL != "" {
		if serverURL := resolveAlias(configFile, flagConfig.ServerURL); serverURL != "" {
			result.ServerURL = serverURL
		} else {
			result.ServerURL = flagConfig.ServerURL
		}
	}
	if flagsSet["label"] {
		result.Label = flagConfig.Label
	}
	if flagsSet["identity"] {
		result.Identity = flagConfig.Identity
	}
	if flagsSet["duration"] && flagConfig.Duration > 0 {
		result.Duration = flagConfig.Duration
	}
	if flagsSet["ping-interval"] && flagConfig.PingInterval > 0 {
		result.PingInterval = flagConfig.PingInterval
	}
	if flagsSet["load-interval"] && flagConfig.LoadInterval > 0 {
		result.LoadInterval = flagConfig.LoadInterval
	}
	if flagsSet["payload-bytes"] && flagConfig.PayloadBytes > 0 {
		result.PayloadBytes = flagConfig.PayloadBytes
	}
	if flagsSet["export"] {
		result.Export = flagConfig.Export
	}
	if flagsSet["json"] {
		result.JSON = flagConfig.JSON
	}
	if flagsSet["plain"] {
		result.Plain = flagConfig.Plain
	}
	if flagsSet["verbose"] {
		result.Verbose = flagConfig.Verbose
	}
	if flagsSet["quiet"] {
		result.Quiet = flagConfig.Quiet
	}
	if flagsSet["no-color"] {
		result.NoColor = flagConfig.NoColor
	}
	if flagsSet["no-progress"] {
		result.NoProgress = flagConfig.NoProgress
	}

	return result
}

func resolveAlias(configFile *ConfigFile, alias string) string {
	if configFile == nil {
		return ""
	}
	if server, ok := configFile.Servers[alias]; ok {
		return server.URL
	}
	return ""
}

func envDuration(key string, dst *time.Duration) {
	val := os.Getenv(key)
	if val == "" {
		return
	}
	d, err := time.ParseDuration(val)
	if err != nil || d <= 0 {
		fmt.Fprintf(os.Stderr, "latbench client: warning: invalid %s value '%s' (must be a positive duration), ignoring\n", key, val)
		return
	}
	*dst = d
}

func validateConfigFile(config *ConfigFile) error {
	for name, value := range map[string]string{
		"duration":      config.Duration,
		"ping_interval": config.PingInterval,
		"load_interval": config.LoadInterval,
	} {
		if value == "" {
			continue
		}
		if d, err := time.ParseDuration(value); err != nil || d <= 0 {
			return fmt.Errorf("invalid %s: %q (must be a positive duration)", name, value)
		}
	}
	if config.PayloadBytes < 0 {
		return fmt.Errorf("invalid payload_bytes: %d (must be positive)", config.PayloadBytes)
	}
	if config.DefaultServer != "" {
		if _, ok := config.Servers[config.DefaultServer]; !ok {
			return fmt.Errorf("default_server %q is not in servers", config.DefaultServer)
		}
	}
	return nil
}

func validateConfig(config *Config) error {
	u, err := url.Parse(config.ServerURL)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid server URL %q", config.ServerURL)
	}
	switch u.Scheme {
	case "http", "https":
	default:
		return fmt.Errorf("invalid server URL %q: scheme must be http or https", config.ServerURL)
	}
	if config.JSON && config.Plain {
		return fmt.Errorf("--json and --plain are mutually exclusive")
	}
	if config.Duration > time.Hour {
		return fmt.Errorf("invalid duration: %s (at most 1h)", config.Duration)
	}
	if config.PayloadBytes > 1<<20 {
		return fmt.Errorf("invalid payload size: %d (at most 1 MiB)", config.PayloadBytes)
	}
	return config.emitterConfig().Validate()
}
