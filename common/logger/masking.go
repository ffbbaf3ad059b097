package logger

import (
	"context"
	"log/slog"

	"github.com/lyzr/stateflow/common/masking"
)

// maskingHandler masks PII in records before the wrapped handler emits
// them. Masking happens at the logger boundary so state and outputs
// stay intact while log sinks never see raw values.
type maskingHandler struct {
	inner slog.Handler
}

func newMaskingHandler(inner slog.Handler) *maskingHandler {
	return &maskingHandler{inner: inner}
}

func (h *maskingHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *maskingHandler) Handle(ctx context.Context, rec slog.Record) error {
	masked := slog.NewRecord(rec.Time, rec.Level, masking.Mask(rec.Message), rec.PC)
	rec.Attrs(func(a slog.Attr) bool {
		masked.AddAttrs(maskAttr(a))
		return true
	})
	return h.inner.Handle(ctx, masked)
}

func (h *maskingHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	maskedAttrs := make([]slog.Attr, len(attrs))
	for i, a := range attrs {
		maskedAttrs[i] = maskAttr(a)
	}
	return &maskingHandler{inner: h.inner.WithAttrs(maskedAttrs)}
}

func (h *maskingHandler) WithGroup(name string) slog.Handler {
	return &maskingHandler{inner: h.inner.WithGroup(name)}
}

// maskAttr masks string values, recursing into groups. Non-string
// values pass through untouched.
func maskAttr(a slog.Attr) slog.Attr {
	v := a.Value.Resolve()
	switch v.Kind() {
	case slog.KindString:
		return slog.String(a.Key, masking.Mask(v.String()))
	case slog.KindGroup:
		grouped := v.Group()
		maskedGroup := make([]any, 0, len(grouped))
		for _, ga := range grouped {
			maskedGroup = append(maskedGroup, maskAttr(ga))
		}
		return slog.Group(a.Key, maskedGroup...)
	}
	// Error values carry free text too, often provider responses
	if err, ok := v.Any().(error); ok && err != nil {
		return slog.String(a.Key, masking.Mask(err.Error()))
	}
	return slog.Attr{Key: a.Key, Value: v}
}
