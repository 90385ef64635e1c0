// Package logger provides a compact slog handler for diagnostic output. User
// facing output goes through internal/report, not here.
package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"
)

// Init installs a Handler writing to out as the default slog logger.
func Init(out io.Writer, level slog.Level) *slog.Logger {
	l := slog.New(NewHandler(out, level))
	slog.SetDefault(l)
	return l
}

// LevelFromVerbosity maps the CLI -v count: warnings by default, info at
// -vvv and debug at -vvvv.
func LevelFromVerbosity(count int) slog.Level {
	switch {
	case count >= 4:
		return slog.LevelDebug
	case count == 3:
		return slog.LevelInfo
	default:
		return slog.LevelWarn
	}
}

// Handler writes one line per record:
// 2026-01-15 14:30:45.123 [INF] message key=value
type Handler struct {
	out   io.Writer
	level slog.Leveler
	mu    *sync.Mutex
	attrs []slog.Attr
	group string
}

func NewHandler(out io.Writer, level slog.Leveler) *Handler {
	return &Handler{out: out, level: level, mu: &sync.Mutex{}}
}

func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level.Level()
}

func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	ts := r.Time.Format("2006-01-02 15:04:05.000")

	h.mu.Lock()
	defer h.mu.Unlock()

	fmt.Fprintf(h.out, "%s [%s] %s", ts, levelString(r.Level), r.Message)

	for _, a := range h.attrs {
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
	}
	r.Attrs(func(a slog.Attr) bool {
		a.Key = h.qualify(a.Key)
		fmt.Fprintf(h.out, " %s=%v", a.Key, a.Value)
		return true
	})

	fmt.Fprintln(h.out)
	return nil
}

func (h *Handler) qualify(key string) string {
	if h.group == "" {
		return key
	}
	return h.group + "." + key
}

// WithAttrs binds attrs under the current group.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.attrs = append([]slog.Attr(nil), h.attrs...)
	for _, a := range attrs {
		a.Key = h.qualify(a.Key)
		next.attrs = append(next.attrs, a)
	}
	return &next
}

func (h *Handler) WithGroup(name string) slog.Handler {
	next := *h
	if next.group != "" {
		name = next.group + "." + name
	}
	next.group = name
	return &next
}

func levelString(l slog.Level) string {
	switch l {
	case slog.LevelDebug:
		return "DBG"
	case slog.LevelInfo:
		return "INF"
	case slog.LevelWarn:
		return "WRN"
	case slog.LevelError:
		return "ERR"
	default:
		return "???"
	}
}

// Timed returns elapsed time since start for logging duration.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
