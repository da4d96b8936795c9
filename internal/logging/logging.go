// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package logging configures the process-wide zerolog logger.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/jeranaias/comhra/internal/config"
)

// Settings mirrors the [logging] config section.
type Settings struct {
	Level  string
	Format string
	File   string
}

// FromConfig extracts the logging settings of cfg.
func FromConfig(cfg *config.Config) Settings {
	return Settings{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		File:   cfg.Logging.File,
	}
}

// Init points log.Logger at stderr (or the rotated log file) and sets the
// global level. It returns the writer in use.
func Init(s Settings) io.Writer {
	w := Writer(s, os.Stderr)
	log.Logger = zerolog.New(w).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(ParseLevel(s.Level))
	return w
}

// Writer builds the output for s. A configured file replaces stderr so
// the REPL's streamed text stays clean.
func Writer(s Settings, stderr io.Writer) io.Writer {
	var out io.Writer = stderr
	if s.File != "" {
		out = &lumberjack.Logger{
			Filename:   s.File,
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
		}
	}

	if strings.EqualFold(s.Format, "json") {
		return out
	}
	return zerolog.ConsoleWriter{
		Out:        out,
		NoColor:    s.File != "",
		TimeFormat: time.RFC3339,
	}
}

// ParseLevel maps a config level name to a zerolog level. Unknown names
// fall back to info.
func ParseLevel(level string) zerolog.Level {
	switch strings.ToLower(level) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}
