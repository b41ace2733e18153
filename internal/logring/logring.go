// Package logring keeps a bounded in-memory window of recent log records
// so the admin listener can serve them without touching log files.
package logring

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Record is one captured log record.
type Record struct {
	Time    time.Time      `json:"time"`
	Level   slog.Level     `json:"level"`
	Message string         `json:"message"`
	Attrs   map[string]any `json:"attrs,omitempty"`
}

// Ring is a fixed-capacity circular buffer of records.
type Ring struct {
	mu      sync.RWMutex
	records []Record
	head    int
	full    bool
}

// NewRing creates a ring holding up to capacity records.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 1
	}
	return &Ring{records: make([]Record, capacity)}
}

// Add stores a record, overwriting the oldest when full.
func (r *Ring) Add(rec Record) {
	r.mu.Lock()
	r.records[r.head] = rec
	r.head = (r.head + 1) % len(r.records)
	if r.head == 0 {
		r.full = true
	}
	r.mu.Unlock()
}

// Recent returns up to limit records at or above minLevel, newest first.
// limit <= 0 means no limit.
func (r *Ring) Recent(limit int, minLevel slog.Level) []Record {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := r.head
	if r.full {
		n = len(r.records)
	}

	var out []Record
	for i := 0; i < n && (limit <= 0 || len(out) < limit); i++ {
		idx := (r.head - 1 - i + len(r.records)) % len(r.records)
		rec := r.records[idx]
		if rec.Level < minLevel {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Len returns the number of records currently stored.
func (r *Ring) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.full {
		return len(r.records)
	}
	return r.head
}

// Handler is a slog.Handler that captures records into a Ring and forwards
// them to an inner handler.
type Handler struct {
	inner slog.Handler
	ring  *Ring
	attrs []slog.Attr
	group string
}

// NewHandler wraps inner so every record it handles also lands in ring.
func NewHandler(inner slog.Handler, ring *Ring) *Handler {
	return &Handler{inner: inner, ring: ring}
}

func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.inner.Enabled(ctx, level)
}

func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	rec := Record{Time: r.Time, Level: r.Level, Message: r.Message}

	attrs := make(map[string]any, r.NumAttrs()+len(h.attrs))
	for _, a := range h.attrs {
		attrs[h.group+a.Key] = a.Value.Any()
	}
	r.Attrs(func(a slog.Attr) bool {
		attrs[h.group+a.Key] = a.Value.Any()
		return true
	})
	if len(attrs) > 0 {
		rec.Attrs = attrs
	}
	h.ring.Add(rec)

	return h.inner.Handle(ctx, r)
}

func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)
	return &Handler{inner: h.inner.WithAttrs(attrs), ring: h.ring, attrs: merged, group: h.group}
}

func (h *Handler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &Handler{inner: h.inner.WithGroup(name), ring: h.ring, attrs: h.attrs, group: h.group + name + "."}
}
