package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ConsoleHandler is a human-friendly log handler for terminal runs.
type ConsoleHandler struct {
	mu     *sync.Mutex
	out    io.Writer
	level  slog.Level
	attrs  []slog.Attr
	groups []string
}

// NewConsoleHandler creates a new human-friendly log handler.
func NewConsoleHandler(out io.Writer, level slog.Level) *ConsoleHandler {
	return &ConsoleHandler{
		mu:    &sync.Mutex{},
		out:   out,
		level: level,
	}
}

func (h *ConsoleHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

func (h *ConsoleHandler) Handle(_ context.Context, r slog.Record) error {
	var buf strings.Builder

	buf.WriteString(r.Time.Format("15:04:05"))
	buf.WriteString(" ")
	buf.WriteString(levelMarker(r.Level))
	buf.WriteString(" ")
	buf.WriteString(r.Message)

	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	var attrs []string
	for _, a := range h.attrs {
		if s := formatAttr(a); s != "" {
			attrs = append(attrs, s)
		}
	}
	r.Attrs(func(a slog.Attr) bool {
		a.Key = prefix + a.Key
		if s := formatAttr(a); s != "" {
			attrs = append(attrs, s)
		}
		return true
	})

	if len(attrs) > 0 {
		buf.WriteString(" (")
		buf.WriteString(strings.Join(attrs, ", "))
		buf.WriteString(")")
	}

	buf.WriteString("\n")

	h.mu.Lock()
	defer h.mu.Unlock()
	_, err := io.WriteString(h.out, buf.String())
	return err
}

func (h *ConsoleHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	prefix := ""
	if len(h.groups) > 0 {
		prefix = strings.Join(h.groups, ".") + "."
	}

	h2 := &ConsoleHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  make([]slog.Attr, 0, len(h.attrs)+len(attrs)),
		groups: h.groups,
	}
	h2.attrs = append(h2.attrs, h.attrs...)
	for _, a := range attrs {
		a.Key = prefix + a.Key
		h2.attrs = append(h2.attrs, a)
	}
	return h2
}

func (h *ConsoleHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	groups := make([]string, 0, len(h.groups)+1)
	groups = append(groups, h.groups...)
	return &ConsoleHandler{
		mu:     h.mu,
		out:    h.out,
		level:  h.level,
		attrs:  h.attrs,
		groups: append(groups, name),
	}
}

func levelMarker(level slog.Level) string {
	switch {
	case level >= slog.LevelError:
		return "ERR"
	case level >= slog.LevelWarn:
		return "WRN"
	case level >= slog.LevelInfo:
		return "INF"
	default:
		return "DBG"
	}
}

func formatAttr(a slog.Attr) string {
	key := a.Key
	val := a.Value.Resolve()

	if val.Kind() == slog.KindString && val.String() == "" {
		return ""
	}

	switch val.Kind() {
	case slog.KindDuration:
		d := val.Duration()
		if d < time.Second {
			return fmt.Sprintf("%s=%dms", key, d.Milliseconds())
		}
		return fmt.Sprintf("%s=%s", key, d.Round(time.Millisecond))
	case slog.KindTime:
		return fmt.Sprintf("%s=%s", key, val.Time().Format("15:04:05"))
	case slog.KindInt64:
		return fmt.Sprintf("%s=%d", key, val.Int64())
	case slog.KindString:
		s := val.String()
		if !strings.Contains(s, " ") && !strings.Contains(s, ",") {
			return fmt.Sprintf("%s=%s", key, s)
		}
		return fmt.Sprintf("%s=%q", key, s)
	default:
		return fmt.Sprintf("%s=%v", key, val.Any())
	}
}
