// Package telemetry fans gateway events out to an optional dashboard sink
// and exposes prometheus metrics. Absence of a sink is never an error.
package telemetry

import (
	"sync"
	"time"
)

// Emitter is the process-wide event contract. Payloads are augmented with a
// capture timestamp before delivery.
type Emitter interface {
	Emit(event string, payload map[string]any)
}

// SinkFunc receives the augmented payload. It must not retain the map.
type SinkFunc func(event string, payload map[string]any)

type Hub struct {
	mu   sync.RWMutex
	sink SinkFunc
	now  func() time.Time
}

func NewHub() *Hub {
	return &Hub{now: time.Now}
}

func (h *Hub) SetSink(sink SinkFunc) {
	if h == nil {
		return
	}
	h.mu.Lock()
	h.sink = sink
	h.mu.Unlock()
}

func (h *Hub) Emit(event string, payload map[string]any) {
	if h == nil {
		return
	}
	h.mu.RLock()
	sink := h.sink
	now := h.now
	h.mu.RUnlock()
	if sink == nil {
		return
	}
	if now == nil {
		now = time.Now
	}

	out := make(map[string]any, len(payload)+1)
	for k, v := range payload {
		out[k] = v
	}
	out["ts"] = now().UTC().Format(time.RFC3339Nano)
	sink(event, out)
}
