package logging

import (
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	EnvLogLevel   = "NEOUPLOAD_LOG_LEVEL"
	EnvLogNoColor = "NEOUPLOAD_LOG_NOCOLOR"
	EnvLogJSON    = "NEOUPLOAD_LOG_JSON"
)

// Config holds logger configuration.
type Config struct {
	Level   string `yaml:"level" toml:"level" json:"level"`
	NoColor bool   `yaml:"no_color" toml:"no_color" json:"noColor"`
	JSON    bool   `yaml:"json" toml:"json" json:"json"`
}

// New builds the process logger, applies environment overrides and installs
// it as the zerolog global logger.
func New(cfg Config, out io.Writer) zerolog.Logger {
	applyEnvOverrides(&cfg)

	level, ok := ParseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}

	var w io.Writer = out
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: time.RFC3339,
			NoColor:    cfg.NoColor,
		}
	}

	logger := zerolog.New(w).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// Component returns a child logger tagged with the component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}

// ParseLevel accepts zerolog level names plus a few common aliases.
func ParseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "disable", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(EnvLogLevel); v != "" {
		cfg.Level = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogJSON)); ok {
		cfg.JSON = v
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
