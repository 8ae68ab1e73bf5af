// Package logger holds the process-wide slog logger and its printf helpers.
package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	level   slog.LevelVar
	current atomic.Pointer[slog.Logger]

	fileMu sync.Mutex
	file   *lumberjack.Logger
)

func init() {
	level.Set(slog.LevelInfo)
	SetOutput(os.Stdout)
}

// SetOutput sends all log records to w.
func SetOutput(w io.Writer) {
	if w == nil {
		w = os.Stdout
	}
	current.Store(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level})))
}

// FileOptions controls rotation of the log file.
type FileOptions struct {
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// SetFile tees log output to stdout and a size-rotated file. An empty path
// keeps stdout only. Closing the returned closer releases the file.
func SetFile(opts FileOptions) (io.Closer, error) {
	path := strings.TrimSpace(opts.Path)
	if path == "" {
		return nopCloser{}, nil
	}
	lj := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    opts.MaxSizeMB,
		MaxBackups: opts.MaxBackups,
		MaxAge:     opts.MaxAgeDays,
		Compress:   opts.Compress,
	}
	fileMu.Lock()
	defer fileMu.Unlock()
	if file != nil {
		_ = file.Close()
	}
	file = lj
	SetOutput(io.MultiWriter(os.Stdout, lj))
	return lj, nil
}

// ParseLevel maps debug, info, warn(ing) and error onto slog levels.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
}

// SetLevel falls back to info for names ParseLevel rejects.
func SetLevel(s string) {
	lvl, _ := ParseLevel(s)
	level.Set(lvl)
}

// L exposes the active logger for structured call sites.
func L() *slog.Logger { return current.Load() }

func Debugf(format string, v ...any) { L().Debug(fmt.Sprintf(format, v...)) }

func Infof(format string, v ...any) { L().Info(fmt.Sprintf(format, v...)) }

func Warnf(format string, v ...any) { L().Warn(fmt.Sprintf(format, v...)) }

func Errorf(format string, v ...any) { L().Error(fmt.Sprintf(format, v...)) }
