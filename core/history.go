package core

import (
	"sync"
	"time"
)

const defaultHistoryCapacity = 100

// Settlement captures one finished task for debugging and status displays.
// For retained tasks the record is added at release time, so Duration covers
// the full slot occupancy.
type Settlement struct {
	TaskID     TaskID
	Label      string
	StartedAt  time.Time
	FinishedAt time.Time
	Duration   time.Duration
	Failed     bool
	Retained   bool
	TimedOut   bool
}

type settlementHistory struct {
	mu    sync.Mutex
	items []Settlement
	head  int
	count int
}

func newSettlementHistory(capacity int) *settlementHistory {
	if capacity < 1 {
		capacity = defaultHistoryCapacity
	}
	return &settlementHistory{items: make([]Settlement, capacity)}
}

func (h *settlementHistory) Add(record Settlement) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.items[h.head] = record
	h.head = (h.head + 1) % len(h.items)
	if h.count < len(h.items) {
		h.count++
	}
}

// Recent returns up to limit settlements, newest first.
func (h *settlementHistory) Recent(limit int) []Settlement {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return nil
	}

	if limit <= 0 || limit > h.count {
		limit = h.count
	}

	out := make([]Settlement, 0, limit)
	for i := 0; i < limit; i++ {
		idx := (h.head - 1 - i + len(h.items)) % len(h.items)
		out = append(out, h.items[idx])
	}
	return out
}

func (h *settlementHistory) Last() (Settlement, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.count == 0 {
		return Settlement{}, false
	}

	idx := (h.head - 1 + len(h.items)) % len(h.items)
	return h.items[idx], true
}
