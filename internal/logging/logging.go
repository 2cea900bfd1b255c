// Package logging configures structured logging for the relay and provides
// helpers for redacting peer identities from log output.
package logging

import (
	"fmt"
	"io"
	"log"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options controls how the relay emits logs.
type Options struct {
	Level    string `toml:"level" yaml:"level"`
	Format   string `toml:"format" yaml:"format"`
	File     string `toml:"file" yaml:"file"`
	SafeMode bool   `toml:"safe_mode" yaml:"safe_mode"`
}

// DefaultOptions returns JSON logging at info level on stderr with safe mode on.
func DefaultOptions() Options {
	return Options{
		Level:    "info",
		Format:   "json",
		SafeMode: true,
	}
}

// New builds a logger writing to w. The returned logger always carries the
// service attribute.
func New(service string, opts Options, w io.Writer) (*slog.Logger, error) {
	level, err := parseLevel(opts.Level)
	if err != nil {
		return nil, err
	}

	handlerOpts := &slog.HandlerOptions{
		Level: level,
		ReplaceAttr: func(_ []string, attr slog.Attr) slog.Attr {
			if attr.Key == slog.TimeKey {
				return slog.Attr{Key: "timestamp", Value: attr.Value}
			}
			if attr.Key == slog.LevelKey {
				return slog.String("severity", strings.ToUpper(attr.Value.String()))
			}
			return attr
		},
	}

	var handler slog.Handler
	switch strings.ToLower(strings.TrimSpace(opts.Format)) {
	case "", "json":
		handler = slog.NewJSONHandler(w, handlerOpts)
	case "text":
		handler = slog.NewTextHandler(w, handlerOpts)
	default:
		return nil, fmt.Errorf("unknown log format %q", opts.Format)
	}

	SetSafeMode(opts.SafeMode)
	return slog.New(handler).With(slog.String("service", strings.TrimSpace(service))), nil
}

// console is where Setup writes when no file is configured, and alongside it
// when one is.
var console io.Writer = os.Stderr

// Setup configures the process-wide logger. When opts.File is set, output goes
// to stderr and to a size-rotated file. The returned closer releases the file.
func Setup(service string, opts Options) (*slog.Logger, io.Closer, error) {
	var (
		out    io.Writer = console
		closer io.Closer = nopCloser{}
	)
	if opts.File != "" {
		rotating := &lumberjack.Logger{
			Filename:   opts.File,
			MaxSize:    50,
			MaxBackups: 5,
			MaxAge:     28,
		}
		out = io.MultiWriter(console, rotating)
		closer = rotating
	}

	logger, err := New(service, opts, out)
	if err != nil {
		return nil, nil, err
	}
	slog.SetDefault(logger)

	// Bridge the standard library logger so stray log.Printf calls stay structured.
	log.SetOutput(slog.NewLogLogger(logger.Handler(), slog.LevelInfo).Writer())
	log.SetFlags(0)
	log.SetPrefix("")

	return logger, closer, nil
}

func parseLevel(value string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", value)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
