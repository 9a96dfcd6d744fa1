package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	homedir "github.com/mitchellh/go-homedir"

	"github.com/tunnelvision/tunnelvision/server/internal/config"
)

// newLogger builds the process logger from cfg. Output goes to cfg.File when
// set (created if missing, appended otherwise), else stdout. The returned
// closer releases the file and is never nil.
func newLogger(cfg config.LogConfig, level *slog.LevelVar) (*slog.Logger, io.Closer, error) {
	level.Set(cfg.SlogLevel())

	var out io.Writer = os.Stdout
	var closer io.Closer = io.NopCloser(nil)
	if cfg.File != "" {
		path, err := homedir.Expand(cfg.File)
		if err != nil {
			return nil, nil, fmt.Errorf("log file %q: %w", cfg.File, err)
		}
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, nil, fmt.Errorf("log file %q: %w", path, err)
		}
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("log file %q: %w", path, err)
		}
		out, closer = f, f
	}

	opts := &slog.HandlerOptions{Level: level}
	var h slog.Handler
	if strings.EqualFold(cfg.Format, "text") {
		h = slog.NewTextHandler(out, opts)
	} else {
		h = slog.NewJSONHandler(out, opts)
	}
	return slog.New(h), closer, nil
}
