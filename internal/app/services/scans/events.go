package scans

import (
	"sync"

	"github.com/formscan/formscan/internal/app/domain/scan"
)

// Hub fans scan progress events out to subscribers. Slow subscribers drop
// events rather than stall a running scan.
type Hub struct {
	mu   sync.Mutex
	subs map[string]map[chan scan.Progress]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{subs: make(map[string]map[chan scan.Progress]struct{})}
}

// Subscribe registers for a scan's progress events. The returned cancel
// function must be called when the subscriber is done.
func (h *Hub) Subscribe(scanID string) (<-chan scan.Progress, func()) {
	ch := make(chan scan.Progress, 16)

	h.mu.Lock()
	set, ok := h.subs[scanID]
	if !ok {
		set = make(map[chan scan.Progress]struct{})
		h.subs[scanID] = set
	}
	set[ch] = struct{}{}
	h.mu.Unlock()

	cancel := func() {
		h.mu.Lock()
		if set, ok := h.subs[scanID]; ok {
			if _, present := set[ch]; present {
				delete(set, ch)
				close(ch)
			}
			if len(set) == 0 {
				delete(h.subs, scanID)
			}
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

// Publish delivers an event to every subscriber of the scan.
func (h *Hub) Publish(p scan.Progress) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for ch := range h.subs[p.ScanID] {
		select {
		case ch <- p:
		default:
		}
	}
}
