package logging

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/mattn/go-colorable"
	"golang.org/x/term"
)

const (
	ansiReset  = "\x1b[0m"
	ansiGray   = "\x1b[90m"
	ansiCyan   = "\x1b[36m"
	ansiYellow = "\x1b[33m"
	ansiRed    = "\x1b[31m"
)

type Options struct {
	Level  string
	Format string
	Color  bool
}

func ParseLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q (use debug, info, warn, error)", raw)
	}
}

// New builds a logger writing to w. Color only applies to the text format.
func New(w io.Writer, opts Options) (*slog.Logger, error) {
	level, err := ParseLevel(opts.Level)
	if err != nil {
		return nil, err
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(strings.TrimSpace(opts.Format), "json") {
		return slog.New(slog.NewJSONHandler(w, handlerOpts)), nil
	}
	if opts.Color {
		w = levelColorWriter{w: w}
	}
	return slog.New(slog.NewTextHandler(w, handlerOpts)), nil
}

// NewStderr colors levels when stderr is a terminal. colorable translates
// the escapes on Windows consoles.
func NewStderr(level, format string) (*slog.Logger, error) {
	color := term.IsTerminal(int(os.Stderr.Fd()))
	return New(colorable.NewColorableStderr(), Options{Level: level, Format: format, Color: color})
}

// Discard is used by tests and library callers that pass no logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var levelColors = []struct {
	plain   []byte
	colored []byte
}{
	{[]byte("level=DEBUG"), []byte("level=" + ansiGray + "DEBUG" + ansiReset)},
	{[]byte("level=INFO"), []byte("level=" + ansiCyan + "INFO" + ansiReset)},
	{[]byte("level=WARN"), []byte("level=" + ansiYellow + "WARN" + ansiReset)},
	{[]byte("level=ERROR"), []byte("level=" + ansiRed + "ERROR" + ansiReset)},
}

// levelColorWriter colors the level field after formatting; the text
// handler would quote escape codes returned from ReplaceAttr.
type levelColorWriter struct {
	w io.Writer
}

func (c levelColorWriter) Write(p []byte) (int, error) {
	out := p
	for _, lc := range levelColors {
		if bytes.Contains(out, lc.plain) {
			out = bytes.Replace(out, lc.plain, lc.colored, 1)
			break
		}
	}
	if _, err := c.w.Write(out); err != nil {
		return 0, err
	}
	return len(p), nil
}
