// Package logutil builds the slog loggers used by cloud-backend and
// local-agent.
//
// Lines are JSON. INFO/DEBUG go to stdout and WARN/ERROR to stderr. When
// stdout is a terminal, stdout lines are re-indented for reading.
package logutil

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"os"
	"strings"
)

var isTTY bool

func init() {
	stat, err := os.Stdout.Stat()
	if err == nil {
		isTTY = (stat.Mode() & os.ModeCharDevice) != 0
	}
}

// IsTTY reports whether stdout appears to be a terminal.
func IsTTY() bool {
	return isTTY
}

// New returns a JSON logger at the given level ("debug", "info", "warn",
// "error"; anything else is info) tagged with the binary name.
func New(service, level string) *slog.Logger {
	h := slog.NewJSONHandler(Output(), &slog.HandlerOptions{Level: ParseLevel(level)})
	return slog.New(h).With("service", service)
}

// ParseLevel maps a LOG_LEVEL value to a slog.Level.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Output returns the level-routing writer for the process's stdout/stderr.
func Output() io.Writer {
	var stdout io.Writer = os.Stdout
	if isTTY {
		stdout = &prettyJSONWriter{w: os.Stdout}
	}
	return NewRoutingWriter(stdout, os.Stderr)
}

// NewRoutingWriter sends JSON log lines at WARN or above to errOut and the
// rest to out. Lines that aren't JSON go to errOut.
func NewRoutingWriter(out, errOut io.Writer) io.Writer {
	return &levelRoutingWriter{stdout: out, stderr: errOut}
}

type levelRoutingWriter struct {
	stdout io.Writer
	stderr io.Writer
}

func (lw *levelRoutingWriter) Write(p []byte) (int, error) {
	var line struct {
		Level string `json:"level"`
	}
	if err := json.Unmarshal(p, &line); err != nil {
		return lw.stderr.Write(p)
	}
	switch line.Level {
	case "WARN", "ERROR":
		return lw.stderr.Write(p)
	default:
		return lw.stdout.Write(p)
	}
}

// prettyJSONWriter re-indents each JSON line written to it.
type prettyJSONWriter struct {
	w io.Writer
}

func (pw *prettyJSONWriter) Write(p []byte) (int, error) {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimRight(p, "\n"), "", "  "); err != nil {
		return pw.w.Write(p)
	}
	buf.WriteByte('\n')
	_, err := pw.w.Write(buf.Bytes())
	return len(p), err
}
