package logging

import (
	"context"
	"log/slog"
	"os"
	"strings"
)

// Environment types
const (
	EnvDevelopment = "development"
	EnvProduction  = "production"
	EnvTest        = "test"
)

// ApplyEnv overlays environment settings on config. ENVIRONMENT selects a
// preset; MARKETSYNC_LOG_LEVEL and MARKETSYNC_LOG_FORMAT take precedence over
// LOG_LEVEL and LOG_FORMAT.
func ApplyEnv(config Config) Config {
	if env := os.Getenv("ENVIRONMENT"); env != "" {
		config.Environment = strings.ToLower(env)
		switch config.Environment {
		case EnvTest:
			config.Format = "text"
			config.Level = "debug"
			config.AddSource = false
		case EnvDevelopment:
			config.Format = "text"
			config.Level = "debug"
			config.AddSource = true
		}
	}

	if level := firstEnv("MARKETSYNC_LOG_LEVEL", "LOG_LEVEL"); level != "" {
		config.Level = strings.ToLower(level)
	}
	if format := firstEnv("MARKETSYNC_LOG_FORMAT", "LOG_FORMAT"); format != "" {
		config.Format = strings.ToLower(format)
	}
	if addSource := os.Getenv("LOG_ADD_SOURCE"); addSource != "" {
		config.AddSource = strings.ToLower(addSource) == "true"
	}
	return config
}

func firstEnv(keys ...string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return ""
}

// CustomLevel defines a custom log level between existing ones
type CustomLevel slog.Level

const (
	LevelTrace CustomLevel = CustomLevel(slog.LevelDebug - 4)
)

// String returns the string representation of the custom level
func (l CustomLevel) String() string {
	if l == LevelTrace {
		return "TRACE"
	}
	return slog.Level(l).String()
}

// Trace logs at trace level. Used for per-operation queue chatter.
func (l *Logger) Trace(ctx context.Context, msg string, args ...any) {
	l.Log(ctx, slog.Level(LevelTrace), msg, args...)
}
