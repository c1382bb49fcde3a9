package logging

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

const recentCapacity = 64

var recent = newRing(recentCapacity)

// Entry is a captured warning or error, reported by the detailed health
// endpoint.
type Entry struct {
	Time    time.Time      `json:"time"`
	Level   string         `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Recent returns up to limit captured warnings and errors, newest first.
// limit <= 0 returns everything held.
func Recent(limit int) []Entry {
	return recent.entries(limit)
}

// ring is a fixed-size circular buffer of entries.
type ring struct {
	mu   sync.Mutex
	buf  []Entry
	next int
	n    int
}

func newRing(size int) *ring {
	return &ring{buf: make([]Entry, size)}
}

func (r *ring) add(e Entry) {
	r.mu.Lock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
	r.mu.Unlock()
}

func (r *ring) entries(limit int) []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.n {
		limit = r.n
	}
	out := make([]Entry, 0, limit)
	for i := 0; i < limit; i++ {
		out = append(out, r.buf[(r.next-1-i+len(r.buf))%len(r.buf)])
	}
	return out
}

// captureHandler forwards every record to the wrapped handler and keeps a
// copy of those at or above min.
type captureHandler struct {
	slog.Handler
	ring   *ring
	min    slog.Level
	attrs  []slog.Attr
	prefix string
}

func (h *captureHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= h.min {
		attrs := make(map[string]any, len(h.attrs)+r.NumAttrs())
		for _, a := range h.attrs {
			attrs[a.Key] = a.Value.Any()
		}
		r.Attrs(func(a slog.Attr) bool {
			attrs[h.prefix+a.Key] = a.Value.Any()
			return true
		})
		h.ring.add(Entry{
			Time:    r.Time,
			Level:   r.Level.String(),
			Message: r.Message,
			Attrs:   attrs,
		})
	}
	return h.Handler.Handle(ctx, r)
}

func (h *captureHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	next := *h
	next.Handler = h.Handler.WithAttrs(attrs)
	next.attrs = make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	next.attrs = append(next.attrs, h.attrs...)
	for _, a := range attrs {
		next.attrs = append(next.attrs, slog.Attr{Key: h.prefix + a.Key, Value: a.Value})
	}
	return &next
}

func (h *captureHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	next := *h
	next.Handler = h.Handler.WithGroup(name)
	next.prefix = h.prefix + name + "."
	return &next
}
