package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Log formats.
const (
	FormatText = "text"
	FormatJSON = "json"
	// FormatAuto writes text to a terminal and JSON otherwise.
	FormatAuto = "auto"
)

// LogConfig selects the handler built by NewLogger.
type LogConfig struct {
	Level  string
	Format string
}

func (l LogConfig) level() (slog.Level, error) {
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(strings.ToLower(l.Level))); err != nil {
		return slog.LevelInfo, fmt.Errorf("unknown level %q", l.Level)
	}
	return lv, nil
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// NewLogger returns a logger writing to w.
func (l LogConfig) NewLogger(w io.Writer) *slog.Logger {
	lv, err := l.level()
	if err != nil {
		lv = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: lv}
	format := l.Format
	if format == "" || format == FormatAuto {
		format = FormatJSON
		if isTerminal(w) {
			format = FormatText
		}
	}
	if format == FormatJSON {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// NewLogger builds the configured logger on stderr.
func (c Config) NewLogger() *slog.Logger {
	return c.Log.NewLogger(os.Stderr)
}
