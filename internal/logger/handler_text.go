package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"
	"time"
)

// ANSI color codes
const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorGray   = "\033[90m"
)

// textHandler is a slog.Handler rendering one record per line:
//
//	[2006-01-02 15:04:05] [INFO] message key=value group.key=value
//
// Attrs bound with WithAttrs are rendered once and reused; WithGroup
// qualifies subsequent attr keys with a dotted prefix.
type textHandler struct {
	w     io.Writer
	mu    *sync.Mutex
	level slog.Leveler
	color bool

	bound  []byte // attrs fixed by WithAttrs, already rendered
	prefix string // dotted key prefix from WithGroup
}

func newTextHandler(w io.Writer, opts *slog.HandlerOptions, color bool) *textHandler {
	h := &textHandler{
		w:     w,
		mu:    &sync.Mutex{},
		color: color,
	}
	if opts != nil {
		h.level = opts.Level
	}
	return h
}

// Enabled reports whether the handler handles records at the given level.
func (h *textHandler) Enabled(_ context.Context, level slog.Level) bool {
	minLevel := slog.LevelInfo
	if h.level != nil {
		minLevel = h.level.Level()
	}
	return level >= minLevel
}

// Handle formats and writes a log record. Only the write itself is under the
// lock; the line is assembled in a local buffer.
func (h *textHandler) Handle(_ context.Context, r slog.Record) error {
	buf := make([]byte, 0, 256)
	buf = append(buf, '[')
	buf = r.Time.AppendFormat(buf, "2006-01-02 15:04:05")
	buf = append(buf, "] ["...)
	buf = h.appendLevel(buf, r.Level)
	buf = append(buf, "] "...)
	buf = append(buf, r.Message...)
	buf = append(buf, h.bound...)
	r.Attrs(func(a slog.Attr) bool {
		buf = h.appendAttr(buf, h.prefix, a)
		return true
	})
	buf = append(buf, '\n')

	h.mu.Lock()
	_, err := h.w.Write(buf)
	h.mu.Unlock()
	return err
}

func (h *textHandler) appendLevel(buf []byte, level slog.Level) []byte {
	name, color := "ERROR", colorRed
	switch {
	case level < slog.LevelInfo:
		name, color = "DEBUG", colorGray
	case level < slog.LevelWarn:
		name, color = "INFO", colorGreen
	case level < slog.LevelError:
		name, color = "WARN", colorYellow
	}
	if !h.color {
		return append(buf, name...)
	}
	buf = append(buf, color...)
	buf = append(buf, name...)
	return append(buf, colorReset...)
}

// appendAttr renders one attr as " key=value", flattening group values into
// their members with the group name joined onto the prefix.
func (h *textHandler) appendAttr(buf []byte, prefix string, a slog.Attr) []byte {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return buf
	}
	if a.Value.Kind() == slog.KindGroup {
		p := joinKey(prefix, a.Key)
		for _, member := range a.Value.Group() {
			buf = h.appendAttr(buf, p, member)
		}
		return buf
	}

	key := joinKey(prefix, a.Key)
	buf = append(buf, ' ')
	if h.color {
		buf = append(buf, colorCyan...)
		buf = append(buf, key...)
		buf = append(buf, colorReset...)
	} else {
		buf = append(buf, key...)
	}
	buf = append(buf, '=')
	return appendValue(buf, a.Value)
}

func joinKey(prefix, key string) string {
	switch {
	case prefix == "":
		return key
	case key == "":
		return prefix
	default:
		return prefix + "." + key
	}
}

func appendValue(buf []byte, v slog.Value) []byte {
	switch v.Kind() {
	case slog.KindString:
		return append(buf, v.String()...)
	case slog.KindInt64:
		return strconv.AppendInt(buf, v.Int64(), 10)
	case slog.KindUint64:
		return strconv.AppendUint(buf, v.Uint64(), 10)
	case slog.KindFloat64:
		return strconv.AppendFloat(buf, v.Float64(), 'f', 3, 64)
	case slog.KindBool:
		return strconv.AppendBool(buf, v.Bool())
	case slog.KindDuration:
		return append(buf, v.Duration().String()...)
	case slog.KindTime:
		return v.Time().AppendFormat(buf, time.RFC3339)
	default:
		return fmt.Appendf(buf, "%v", v.Any())
	}
}

// WithAttrs returns a handler with the attrs pre-rendered under the current
// group prefix.
func (h *textHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	if len(attrs) == 0 {
		return h
	}
	h2 := h.clone()
	for _, a := range attrs {
		h2.bound = h2.appendAttr(h2.bound, h2.prefix, a)
	}
	return h2
}

// WithGroup returns a handler qualifying subsequent attr keys with name.
func (h *textHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	h2 := h.clone()
	h2.prefix = joinKey(h2.prefix, name)
	return h2
}

func (h *textHandler) clone() *textHandler {
	return &textHandler{
		w:      h.w,
		mu:     h.mu, // share the write lock with the parent
		level:  h.level,
		color:  h.color,
		bound:  append([]byte(nil), h.bound...),
		prefix: h.prefix,
	}
}
