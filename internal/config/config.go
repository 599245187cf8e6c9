package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/BurntSushi/toml"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/shaunagostinho/neorv32-upload/internal/logging"
)

// DefaultPath is where the CLI looks for a config file when none is given.
const DefaultPath = "/etc/neoupload/config.yaml"

// Config holds all uploader configuration.
type Config struct {
	mu sync.RWMutex

	// Serial port
	Serial SerialConfig `yaml:"serial" toml:"serial" json:"serial"`

	// Image and attempt policy
	Upload UploadConfig `yaml:"upload" toml:"upload" json:"upload"`

	// Session transcripts
	Transcript TranscriptConfig `yaml:"transcript" toml:"transcript" json:"transcript"`

	// Logging
	Logging logging.Config `yaml:"logging" toml:"logging" json:"logging"`

	// Web front end
	Server ServerConfig `yaml:"server" toml:"server" json:"server"`

	path string // file path for save/load
}

type SerialConfig struct {
	Driver   string `yaml:"driver" toml:"driver" json:"driver"`          // "serial", "tarm" or "sim"
	PortPath string `yaml:"port_path" toml:"port_path" json:"portPath"` // e.g. /dev/ttyUSB0 or COM5
}

type UploadConfig struct {
	File     string `yaml:"file" toml:"file" json:"file"`             // path to neorv32_exe.bin
	Attempts int    `yaml:"attempts" toml:"attempts" json:"attempts"` // whole attempts, not per-read retries
}

type TranscriptConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled" json:"enabled"`
	Path    string `yaml:"path" toml:"path" json:"path"`
}

type ServerConfig struct {
	ListenAddr string `yaml:"listen_addr" toml:"listen_addr" json:"listenAddr"`
}

// Default returns a config with sensible defaults.
func Default() *Config {
	return &Config{
		Serial: SerialConfig{
			Driver:   "serial",
			PortPath: "/dev/ttyUSB0",
		},
		Upload: UploadConfig{
			File:     "neorv32_exe.bin",
			Attempts: 1,
		},
		Transcript: TranscriptConfig{
			Enabled: false,
			Path:    "/var/log/neoupload",
		},
		Logging: logging.Config{
			Level: "info",
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
		},
	}
}

// Load reads config from a YAML or TOML file (chosen by extension), then
// applies .env and environment variable overrides. Falls back to defaults if
// the file is missing or invalid.
func Load(path string) *Config {
	cfg := Default()
	cfg.path = path

	data, err := os.ReadFile(path)
	if err != nil {
		log.Debug().Str("component", "config").Str("path", path).Msg("no config file, using defaults")
	} else if err := decode(path, data, cfg); err != nil {
		log.Warn().Str("component", "config").Str("path", path).Err(err).Msg("parse failed, using defaults")
		cfg = Default()
		cfg.path = path
	} else {
		log.Debug().Str("component", "config").Str("path", path).Msg("loaded")
	}

	// .env next to the config, then in CWD
	envPaths := []string{
		filepath.Join(filepath.Dir(path), ".env"),
		".env",
	}
	for _, ep := range envPaths {
		loadEnvFile(ep)
	}

	cfg.applyEnvOverrides()
	return cfg
}

// Path returns the file the config was loaded from.
func (c *Config) Path() string {
	return c.path
}

func isTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

func decode(path string, data []byte, cfg *Config) error {
	if isTOML(path) {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

// loadEnvFile reads a simple KEY=VALUE .env file and sets os env vars.
func loadEnvFile(path string) {
	data, err := os.ReadFile(path)
	if err != nil {
		return
	}
	log.Debug().Str("component", "config").Str("path", path).Msg("loading .env")
	for _, line := range strings.Split(string(data), "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `"'`)
		// Real env takes precedence
		if os.Getenv(key) == "" {
			os.Setenv(key, val)
		}
	}
}

// applyEnvOverrides reads environment variables and overrides config values.
// Supported: UPLOAD_PORT, UPLOAD_DRIVER, UPLOAD_FILE, UPLOAD_ATTEMPTS,
// LISTEN_ADDR, LOG_LEVEL, TRANSCRIPT_ENABLED, TRANSCRIPT_PATH
func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("UPLOAD_PORT"); v != "" {
		c.Serial.PortPath = v
	}
	if v := os.Getenv("UPLOAD_DRIVER"); v != "" {
		c.Serial.Driver = v
	}
	if v := os.Getenv("UPLOAD_FILE"); v != "" {
		c.Upload.File = v
	}
	if v := os.Getenv("UPLOAD_ATTEMPTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Upload.Attempts = n
		}
	}
	if v := os.Getenv("LISTEN_ADDR"); v != "" {
		c.Server.ListenAddr = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("TRANSCRIPT_ENABLED"); v != "" {
		c.Transcript.Enabled = v == "1" || v == "true" || v == "yes"
	}
	if v := os.Getenv("TRANSCRIPT_PATH"); v != "" {
		c.Transcript.Path = v
	}
}

// SerialSettings returns the serial section, safe to call while the web API
// is applying an update.
func (c *Config) SerialSettings() SerialConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Serial
}

// TranscriptSettings returns the transcript section.
func (c *Config) TranscriptSettings() TranscriptConfig {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.Transcript
}

// Save writes the config to its file, in the format its extension names.
func (c *Config) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.path == "" {
		c.path = DefaultPath
	}

	var (
		data []byte
		err  error
	)
	if isTOML(c.path) {
		var buf bytes.Buffer
		err = toml.NewEncoder(&buf).Encode(c)
		data = buf.Bytes()
	} else {
		data, err = yaml.Marshal(c)
	}
	if err != nil {
		return fmt.Errorf("config: encode %s: %w", c.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(c.path), 0755); err != nil {
		return fmt.Errorf("config: mkdir: %w", err)
	}
	return os.WriteFile(c.path, data, 0644)
}

// ToJSON serializes config for the API.
func (c *Config) ToJSON() ([]byte, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return json.Marshal(c)
}

// UpdateFromJSON applies a partial JSON config update by deep-merging
// incoming fields into the existing config. Fields not present in the
// incoming JSON are preserved.
func (c *Config) UpdateFromJSON(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	currentBytes, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal current config: %w", err)
	}
	var base map[string]interface{}
	if err := json.Unmarshal(currentBytes, &base); err != nil {
		return fmt.Errorf("unmarshal current config: %w", err)
	}

	var patch map[string]interface{}
	if err := json.Unmarshal(data, &patch); err != nil {
		return fmt.Errorf("unmarshal patch: %w", err)
	}

	deepMerge(base, patch)

	merged, err := json.Marshal(base)
	if err != nil {
		return fmt.Errorf("marshal merged config: %w", err)
	}
	return json.Unmarshal(merged, c)
}

// deepMerge recursively merges src into dst. For nested maps, values are
// merged rather than replaced. For all other types, src overwrites dst.
func deepMerge(dst, src map[string]interface{}) {
	for key, srcVal := range src {
		if srcMap, ok := srcVal.(map[string]interface{}); ok {
			if dstMap, ok := dst[key].(map[string]interface{}); ok {
				deepMerge(dstMap, srcMap)
				continue
			}
		}
		dst[key] = srcVal
	}
}
