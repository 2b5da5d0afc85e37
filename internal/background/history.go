package background

import (
	"sync"

	"github.com/google/uuid"
)

// History keeps a bounded, append-only series per sandbox. When a series
// grows past limit its oldest drop entries are discarded at once.
// Readers take a read lock; Append and Retain take the write lock.
type History[T any] struct {
	limit int
	drop  int

	mu     sync.RWMutex
	series map[uuid.UUID][]T
}

// NewHistory creates a History. drop is clamped to [1, limit].
func NewHistory[T any](limit, drop int) *History[T] {
	drop = max(1, min(drop, limit))
	return &History[T]{limit: limit, drop: drop, series: make(map[uuid.UUID][]T)}
}

// Append adds one entry per sandbox.
func (h *History[T]) Append(entries map[uuid.UUID]T) {
	if len(entries) == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, v := range entries {
		s := append(h.series[id], v)
		if len(s) > h.limit {
			s = append([]T(nil), s[h.drop:]...)
		}
		h.series[id] = s
	}
}

// Retain drops the series of every sandbox not in keep and returns how many
// series were dropped.
func (h *History[T]) Retain(keep map[uuid.UUID]struct{}) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	dropped := 0
	for id := range h.series {
		if _, ok := keep[id]; !ok {
			delete(h.series, id)
			dropped++
		}
	}
	return dropped
}

// Recent returns up to limit entries of a sandbox, newest first.
// limit <= 0 returns the whole series.
func (h *History[T]) Recent(id uuid.UUID, limit int) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[id]
	if limit <= 0 || limit > len(s) {
		limit = len(s)
	}
	out := make([]T, 0, limit)
	for i := len(s) - 1; i >= len(s)-limit; i-- {
		out = append(out, s[i])
	}
	return out
}

// All returns a copy of a sandbox series, oldest first.
func (h *History[T]) All(id uuid.UUID) []T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]T(nil), h.series[id]...)
}

// Latest returns the newest entry of a sandbox.
func (h *History[T]) Latest(id uuid.UUID) (T, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s := h.series[id]
	if len(s) == 0 {
		var zero T
		return zero, false
	}
	return s[len(s)-1], true
}

// LatestAll returns the newest entry of every tracked sandbox.
func (h *History[T]) LatestAll() map[uuid.UUID]T {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make(map[uuid.UUID]T, len(h.series))
	for id, s := range h.series {
		if len(s) > 0 {
			out[id] = s[len(s)-1]
		}
	}
	return out
}

// Len returns the number of entries kept for a sandbox.
func (h *History[T]) Len(id uuid.UUID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.series[id])
}
