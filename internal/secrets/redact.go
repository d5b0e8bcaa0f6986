package secrets

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"
)

// Mask replaces secret values wherever the redactor finds them
const Mask = "***"

// Redactor masks a registered set of secret values in strings. The set only
// grows: once a value has been resolved for any lease it stays masked for
// the lifetime of the worker.
type Redactor struct {
	mu     sync.RWMutex
	values []string
}

// NewRedactor creates a redactor over the given secret values
func NewRedactor(values ...string) *Redactor {
	r := &Redactor{}
	r.Add(values...)
	return r
}

// Add registers more secret values. Empty and single-character values are
// ignored; masking them would shred unrelated output.
func (r *Redactor) Add(values ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, v := range values {
		if len(v) < 2 {
			continue
		}
		r.values = append(r.values, v)
	}
	// Longest first, so overlapping secrets mask completely
	sort.Slice(r.values, func(i, j int) bool { return len(r.values[i]) > len(r.values[j]) })
}

// Redact replaces every registered secret value in s with the mask
func (r *Redactor) Redact(s string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, v := range r.values {
		s = strings.ReplaceAll(s, v, Mask)
	}
	return s
}

// RedactValue walks a native value tree and masks secrets in every string
// leaf. Used on outbound output variables before they are encoded for the
// engine.
func (r *Redactor) RedactValue(v any) any {
	switch n := v.(type) {
	case string:
		return r.Redact(n)
	case map[string]any:
		out := make(map[string]any, len(n))
		for k, e := range n {
			out[k] = r.RedactValue(e)
		}
		return out
	case []any:
		out := make([]any, len(n))
		for i, e := range n {
			out[i] = r.RedactValue(e)
		}
		return out
	default:
		return v
	}
}

// RedactingHandler is a slog.Handler that masks registered secrets in every
// record before it reaches the wrapped handler: the message and every
// string-valued attribute, including grouped ones.
type RedactingHandler struct {
	inner    slog.Handler
	redactor *Redactor
}

// NewRedactingHandler wraps inner so nothing it emits can leak a value known
// to the redactor.
func NewRedactingHandler(inner slog.Handler, redactor *Redactor) *RedactingHandler {
	return &RedactingHandler{inner: inner, redactor: redactor}
}

// Enabled implements slog.Handler
func (h *RedactingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

// Handle implements slog.Handler
func (h *RedactingHandler) Handle(ctx context.Context, record slog.Record) error {
	clean := slog.NewRecord(record.Time, record.Level, h.redactor.Redact(record.Message), record.PC)
	record.Attrs(func(a slog.Attr) bool {
		clean.AddAttrs(h.redactAttr(a))
		return true
	})
	return h.inner.Handle(ctx, clean)
}

// WithAttrs implements slog.Handler
func (h *RedactingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	clean := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		clean[i] = h.redactAttr(a)
	}
	return &RedactingHandler{inner: h.inner.WithAttrs(clean), redactor: h.redactor}
}

// WithGroup implements slog.Handler
func (h *RedactingHandler) WithGroup(name string) slog.Handler {
	return &RedactingHandler{inner: h.inner.WithGroup(name), redactor: h.redactor}
}

func (h *RedactingHandler) redactAttr(a slog.Attr) slog.Attr {
	switch a.Value.Kind() {
	case slog.KindString:
		return slog.String(a.Key, h.redactor.Redact(a.Value.String()))
	case slog.KindGroup:
		group := a.Value.Group()
		clean := make([]any, 0, len(group))
		for _, g := range group {
			clean = append(clean, h.redactAttr(g))
		}
		return slog.Group(a.Key, clean...)
	default:
		return a
	}
}
