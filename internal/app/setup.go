package app

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// SetupEnvironment loads .env file and configures zerolog output and log level.
func SetupEnvironment() {
	// Load .env file if it exists
	err := godotenv.Load()

	if os.Getenv("ENV") == "production" {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		log.Logger = log.Output(os.Stderr)
		zerolog.SetGlobalLevel(envLevel(zerolog.WarnLevel))
	} else {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
		zerolog.SetGlobalLevel(envLevel(zerolog.InfoLevel))
	}

	// wait until now to report on the .env file so we have the chance to set up logging first
	if err == nil {
		log.Debug().Msg("Loaded environment variables from .env file.")
	} else {
		log.Debug().Msg("No .env file found or error loading .env file; proceeding with existing environment variables.")
	}
}

// ConfigureLogging applies the logging section of the config. LOGLEVEL in
// the environment wins over the configured level. The returned closer
// flushes the log file, if any.
func ConfigureLogging(cfg LoggingConfig) (io.Closer, error) {
	var console io.Writer = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	if cfg.Format == "json" || os.Getenv("ENV") == "production" {
		console = os.Stderr
	}

	var closer io.Closer = nopCloser{}
	writer := console
	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return nil, err
		}
		file := &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			LocalTime:  true,
		}
		writer = zerolog.MultiLevelWriter(console, file)
		closer = file
	}
	log.Logger = zerolog.New(writer).With().Timestamp().Logger()

	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
		log.Warn().Msgf("Unknown log level '%s', defaulting to info.", cfg.Level)
	}
	zerolog.SetGlobalLevel(envLevel(level))

	log.Debug().
		Str("format", cfg.Format).
		Str("file", cfg.File).
		Str("level", zerolog.GlobalLevel().String()).
		Msg("Logging configured")
	return closer, nil
}

// envLevel returns the LOGLEVEL level, or fallback when it is unset.
func envLevel(fallback zerolog.Level) zerolog.Level {
	levelStr := strings.ToLower(os.Getenv("LOGLEVEL"))
	if levelStr == "" {
		return fallback
	}
	level, ok := parseLevel(levelStr)
	if !ok {
		log.Warn().Msgf("Unknown LOGLEVEL '%s', defaulting to info.", levelStr)
		return zerolog.InfoLevel
	}
	return level
}

func parseLevel(s string) (zerolog.Level, bool) {
	switch strings.ToLower(s) {
	case "debug":
		return zerolog.DebugLevel, true
	case "info", "":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "fatal":
		return zerolog.FatalLevel, true
	case "panic":
		return zerolog.PanicLevel, true
	case "disabled":
		return zerolog.Disabled, true
	}
	return zerolog.InfoLevel, false
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
