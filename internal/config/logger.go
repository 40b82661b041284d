package config

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ParseLevel maps a log_level value to a zerolog level.
func ParseLevel(s string) (zerolog.Level, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(s))
	if err != nil {
		return zerolog.NoLevel, fmt.Errorf("log_level: %w", err)
	}
	return lvl, nil
}

// NewLogger builds the process logger from LogLevel and LogFormat.
func (c Config) NewLogger(w io.Writer) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if c.LogLevel != "" {
		var err error
		if lvl, err = ParseLevel(c.LogLevel); err != nil {
			return zerolog.Nop(), err
		}
	}
	if c.LogFormat != "json" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger(), nil
}

// ExpandHome expands a leading '~' to the user's home directory.
func ExpandHome(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("home dir: %w", err)
	}
	if path == "~" {
		return home, nil
	}
	return filepath.Join(home, strings.TrimPrefix(path, "~/")), nil
}

// SearchPaths are tried in order by Find.
var SearchPaths = []string{
	"minerd.yaml",
	"minerd.toml",
	"minerd.json",
	"~/.config/minerd/minerd.yaml",
	"/etc/minerd/minerd.yaml",
}

// Find returns the first of SearchPaths that exists, or "".
func Find() string {
	for _, p := range SearchPaths {
		full, err := ExpandHome(p)
		if err != nil {
			continue
		}
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}
	return ""
}
