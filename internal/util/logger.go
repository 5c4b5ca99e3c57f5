// Package util holds process-level helpers shared by the shard binary:
// logger setup, host statistics and TLS material for the admin API.
package util

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/energizer-project/shard/internal/config"
)

const logPrefix = "shard_"

// InitLogger configures the global zerolog logger to write JSON to a
// dated file in cfg.Directory and, when console is set, human-readable
// lines to stdout.
func InitLogger(cfg config.LoggingConfig, console bool) error {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if err := os.MkdirAll(cfg.Directory, 0755); err != nil {
		return fmt.Errorf("failed to create log directory %s: %w", cfg.Directory, err)
	}

	logFilePath := filepath.Join(cfg.Directory, logPrefix+time.Now().Format("2006-01-02")+".log")
	logFile, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", logFilePath, err)
	}

	writers := []io.Writer{logFile}
	if console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}

	log.Logger = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		With().
		Timestamp().
		Caller().
		Str("app", "shard").
		Logger()

	log.Info().
		Str("level", level.String()).
		Str("log_file", logFilePath).
		Msg("logger initialized")

	go CleanOldLogs(cfg.Directory, cfg.MaxBackups)
	return nil
}

// CleanOldLogs keeps the newest maxBackups shard log files in directory
// and removes the rest. File names carry the date, so name order is age
// order. It returns the number of files removed.
func CleanOldLogs(directory string, maxBackups int) int {
	entries, err := os.ReadDir(directory)
	if err != nil || maxBackups < 1 {
		return 0
	}

	var names []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasPrefix(e.Name(), logPrefix) && filepath.Ext(e.Name()) == ".log" {
			names = append(names, e.Name())
		}
	}
	if len(names) <= maxBackups {
		return 0
	}
	sort.Strings(names)

	removed := 0
	for _, name := range names[:len(names)-maxBackups] {
		path := filepath.Join(directory, name)
		if err := os.Remove(path); err == nil {
			removed++
			log.Debug().Str("file", path).Msg("removed old log file")
		}
	}
	return removed
}

// ComponentLogger creates a logger with a component name field.
func ComponentLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
