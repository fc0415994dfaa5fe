package jotter

import (
	"context"
	"io"
	"log/slog"
)

// SlogHandler is a slog.Handler that writes records to the console (via
// TextHandler) and mirrors INFO and above into the jotter ring, so the
// on-device log file carries the same events the serial console shows.
type SlogHandler struct {
	textHandler slog.Handler
	jot         *Jotter
	group       string
}

// NewSlogHandler creates a handler writing to w (typically the serial
// console) and jotting to j.
func NewSlogHandler(w io.Writer, j *Jotter, opts *slog.HandlerOptions) *SlogHandler {
	if opts == nil {
		opts = &slog.HandlerOptions{}
	}
	return &SlogHandler{
		textHandler: slog.NewTextHandler(w, opts),
		jot:         j,
	}
}

// Enabled reports whether the handler handles records at the given level.
func (h *SlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.textHandler.Enabled(ctx, level)
}

// Handle writes the record to the console and jots it when INFO or above.
// DEBUG stays off the ring to save space for events worth persisting.
func (h *SlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.textHandler.Handle(ctx, r)

	if h.jot != nil && r.Level >= slog.LevelInfo {
		source := h.group
		if source == "" {
			source = "mainloop"
		}
		h.jot.Jot(source, buildJotMessage(r))
	}

	return err
}

// WithAttrs returns a new Handler with the given attributes added.
func (h *SlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &SlogHandler{
		textHandler: h.textHandler.WithAttrs(attrs),
		jot:         h.jot,
		group:       h.group,
	}
}

// WithGroup returns a new Handler with the given group name. The group is
// used as the jot source, so loggers per component land in the log file
// under their own name.
func (h *SlogHandler) WithGroup(name string) slog.Handler {
	newGroup := name
	if h.group != "" {
		newGroup = h.group + "." + name
	}
	return &SlogHandler{
		textHandler: h.textHandler.WithGroup(name),
		jot:         h.jot,
		group:       newGroup,
	}
}

// buildJotMessage builds a compact "msg key=val key2=val2" string, capped
// to what an Entry can hold.
func buildJotMessage(r slog.Record) string {
	var buf [msgMax]byte
	pos := copyToBuffer(buf[:], 0, r.Message)

	attrCount := 0
	r.Attrs(func(a slog.Attr) bool {
		if attrCount >= 4 || pos >= len(buf)-8 {
			return false
		}
		if pos < len(buf) {
			buf[pos] = ' '
			pos++
		}
		pos = copyToBuffer(buf[:], pos, a.Key)
		if pos < len(buf) {
			buf[pos] = '='
			pos++
		}
		pos = copyToBuffer(buf[:], pos, a.Value.String())
		attrCount++
		return true
	})

	return string(buf[:pos])
}

func copyToBuffer(buf []byte, pos int, s string) int {
	for i := 0; i < len(s) && pos < len(buf); i++ {
		buf[pos] = s[i]
		pos++
	}
	return pos
}
