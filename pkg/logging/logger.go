// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package logging builds the structured loggers used across keyforge.
//
// Built on Go's standard slog package with two extensions: JSON or
// text output selection, and optional file logging alongside stderr.
// Every component takes a *slog.Logger; this package only decides how
// that logger is constructed.
//
// Basic usage:
//
//	logger, closeFn, err := logging.New(logging.Config{
//	    Level:   "info",
//	    Format:  "json",
//	    Service: "forged",
//	})
//	defer closeFn()
//	logger.Info("starting", "workers", 8)
//
// # Thread Safety
//
// The returned *slog.Logger is safe for concurrent use.
//
// # Security Considerations
//
// This package does NOT automatically redact sensitive data. Callers
// must ensure key material and secrets are never logged:
//
//	// BAD: logs key material
//	logger.Info("key ready", "key", string(keyBytes))
//
//	// GOOD: log metadata only
//	logger.Info("key ready", "key_ref", ref, "bytes", len(keyBytes))
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Config controls logger construction.
type Config struct {
	// Level is the minimum severity: "debug", "info", "warn", "error".
	// Unknown values fall back to "info".
	Level string

	// Format selects the encoding: "json" or "text". Unknown values
	// fall back to "json".
	Format string

	// Service is attached to every record and names the log file.
	Service string

	// LogDir, when non-empty, enables file logging alongside stderr.
	// The directory is created if needed; "~" expands to the home
	// directory. Files are named {service}_{date}.log in JSON format.
	LogDir string

	// Output overrides the default stderr destination. Used by tests.
	Output io.Writer
}

// ParseLevel maps a level name onto slog's scale.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New constructs a logger from the config.
//
// Outputs:
//   - *slog.Logger: ready to use, never nil.
//   - func() error: closes the log file if one was opened. Safe to
//     call when file logging is disabled.
//   - error: non-nil only when file logging was requested and the file
//     could not be opened; the returned logger still works on stderr.
func New(cfg Config) (*slog.Logger, func() error, error) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: ParseLevel(cfg.Level)}

	var handler slog.Handler
	if strings.ToLower(cfg.Format) == "text" {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}

	closeFn := func() error { return nil }
	if cfg.LogDir != "" {
		file, err := openLogFile(cfg.LogDir, cfg.Service)
		if err != nil {
			return finish(handler, cfg.Service), closeFn, fmt.Errorf("open log file: %w", err)
		}
		handler = &teeHandler{
			handlers: []slog.Handler{handler, slog.NewJSONHandler(file, opts)},
		}
		closeFn = file.Close
	}

	return finish(handler, cfg.Service), closeFn, nil
}

// Default returns a stderr JSON logger at info level.
func Default() *slog.Logger {
	logger, _, _ := New(Config{Service: "keyforge"})
	return logger
}

func finish(handler slog.Handler, service string) *slog.Logger {
	logger := slog.New(handler)
	if service != "" {
		logger = logger.With("service", service)
	}
	return logger
}

func openLogFile(dir, service string) (*os.File, error) {
	dir = expandPath(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	if service == "" {
		service = "keyforge"
	}
	name := fmt.Sprintf("%s_%s.log", service, time.Now().Format("2006-01-02"))
	return os.OpenFile(filepath.Join(dir, name), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
}

// expandPath resolves a leading ~ to the user's home directory.
func expandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}

// teeHandler fans one record out to multiple destinations, enabling
// simultaneous stderr and file output with different formats.
type teeHandler struct {
	handlers []slog.Handler
}

// Enabled returns true if any handler is enabled for the level.
func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	for _, inner := range h.handlers {
		if inner.Enabled(ctx, level) {
			return true
		}
	}
	return false
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	var firstErr error
	for _, inner := range h.handlers {
		if !inner.Enabled(ctx, r.Level) {
			continue
		}
		if err := inner.Handle(ctx, r.Clone()); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, inner := range h.handlers {
		next[i] = inner.WithAttrs(attrs)
	}
	return &teeHandler{handlers: next}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	next := make([]slog.Handler, len(h.handlers))
	for i, inner := range h.handlers {
		next[i] = inner.WithGroup(name)
	}
	return &teeHandler{handlers: next}
}
