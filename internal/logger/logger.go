package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"
)

var installed sync.Once

// Init installs the process logger on stdout. Daemons use it.
func Init(level string) {
	InitWriter(os.Stdout, level)
}

// InitWriter installs the process logger on w. Only the first Init or
// InitWriter call has an effect.
func InitWriter(w io.Writer, level string) {
	installed.Do(func() {
		slog.SetDefault(slog.New(NewHandler(w, ParseLevel(level))))
	})
}

// ParseLevel maps a level name to a slog level, defaulting to info.
func ParseLevel(name string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(name)) {
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

// Handler is a slog handler printing one line per record with millisecond timestamps.
type Handler struct {
	out   io.Writer   // out is the destination writer
	level slog.Level  // level is the minimum level written
	attrs []slog.Attr // attrs are attributes bound with WithAttrs
	group string      // group prefixes attribute keys bound after WithGroup
	mu    *sync.Mutex // mu serializes writes shared by derived handlers
}

// NewHandler creates a handler writing records at or above level to out.
func NewHandler(out io.Writer, level slog.Level) *Handler {
	return &Handler{out: out, level: level, mu: &sync.Mutex{}}
}

// Enabled reports whether records at the given level are written.
func (h *Handler) Enabled(_ context.Context, l slog.Level) bool {
	return l >= h.level
}

// Handle formats and writes a log record.
func (h *Handler) Handle(_ context.Context, r slog.Record) error {
	// 2026-01-15 14:30:45.123 [INF] message key=value
	var b strings.Builder

	fmt.Fprintf(&b, "%s [%s] %s", r.Time.Format("2006-01-02 15:04:05.000"), levelString(r.Level), r.Message)

	for _, a := range h.attrs {
		writeAttr(&b, "", a)
	}

	r.Attrs(func(a slog.Attr) bool {
		writeAttr(&b, h.group, a)
		return true
	})

	b.WriteByte('\n')

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err := io.WriteString(h.out, b.String())

	return err
}

// WithAttrs returns a handler that prints the given attributes on every record.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}

	clone := *h
	clone.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	clone.attrs = append(clone.attrs, h.attrs...)

	for _, a := range attrs {
		if h.group != "" {
			a.Key = h.group + "." + a.Key
		}
		clone.attrs = append(clone.attrs, a)
	}

	return &clone
}

// WithGroup returns a handler prefixing later attribute keys with name.
func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}

	clone := *h
	if clone.group != "" {
		clone.group += "." + name
	} else {
		clone.group = name
	}

	return &clone
}

// writeAttr appends " key=value" to b.
func writeAttr(b *strings.Builder, group string, a slog.Attr) {
	if a.Equal(slog.Attr{}) {
		return
	}

	key := a.Key
	if group != "" {
		key = group + "." + key
	}

	fmt.Fprintf(b, " %s=%v", key, a.Value.Resolve())
}

// levelString returns the three-letter tag printed between brackets.
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

// Info records normal progress: pillars started, files stored.
func Info(msg string, args ...any) {
	slog.Info(msg, args...)
}

// Debug records per-message detail.
func Debug(msg string, args ...any) {
	slog.Debug(msg, args...)
}

// Warn records refused or dropped traffic.
func Warn(msg string, args ...any) {
	slog.Warn(msg, args...)
}

// Error records failures nobody else will report.
func Error(msg string, args ...any) {
	slog.Error(msg, args...)
}

// With returns a logger carrying args on every record, e.g. an operation id.
func With(args ...any) *slog.Logger {
	return slog.Default().With(args...)
}

// Timed returns an "elapsed" attribute measured from start.
func Timed(start time.Time) slog.Attr {
	return slog.Duration("elapsed", time.Since(start))
}
