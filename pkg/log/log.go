package log

import (
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
)

const timeFormat = "2006-01-02T15:04:05.999Z07:00"

// New returns a logger writing to stderr.
func New(level slog.Leveler) *slog.Logger {
	return slog.New(NewHandler(os.Stderr, level))
}

// NewHandler writes colored text when w is a terminal and JSON otherwise.
// Inside Kubernetes it always writes JSON.
func NewHandler(w io.Writer, level slog.Leveler) slog.Handler {
	if terminal(w) && os.Getenv("KUBERNETES_SERVICE_HOST") == "" {
		return tint.NewHandler(w, &tint.Options{Level: level, TimeFormat: timeFormat})
	}
	return slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level})
}

func terminal(w io.Writer) bool {
	f, ok := w.(interface{ Fd() uintptr })
	if !ok {
		return false
	}
	return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
}

// ParseLevel accepts debug, info, warn and error in any case.
func ParseLevel(s string) (slog.Level, error) {
	var l slog.Level
	err := l.UnmarshalText([]byte(strings.TrimSpace(s)))
	return l, err
}
