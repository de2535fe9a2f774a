package registry

import (
	"context"
	"log/slog"
	"time"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/telemetry"
)

// Sweeper periodically evicts sessions whose deadline has passed. Closing an
// evicted transport makes the session's own read loop unwind and finish its
// teardown; the sweeper only forces the close and clears the map slot.
type Sweeper struct {
	Registry *Registry
	Interval time.Duration
	Logger   *slog.Logger
	Emitter  telemetry.Emitter

	now func() time.Time
}

func NewSweeper(reg *Registry, interval time.Duration, logger *slog.Logger, emitter telemetry.Emitter) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	return &Sweeper{Registry: reg, Interval: interval, Logger: logger, Emitter: emitter, now: time.Now}
}

// Run blocks, sweeping every Interval until ctx is done.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(s.now())
		}
	}
}

// Sweep evicts every entry expired as of now. One entry's faulty transport
// must not abort the rest of the pass, so each close runs under a recover.
func (s *Sweeper) Sweep(now time.Time) int {
	expired := s.Registry.expired(now)
	evicted := 0
	for _, entry := range expired {
		if !s.Registry.RemoveOwned(entry.ContactKey, entry) {
			continue
		}
		s.closeEntry(entry)
		s.Registry.MarkInactive(entry.ContactKey)
		telemetry.RecordSweepEviction()
		if s.Emitter != nil {
			s.Emitter.Emit("call:expired", map[string]any{"phoneNumber": entry.ContactKey})
		}
		s.Logger.Info("session expired", "contact", entry.ContactKey, "voice", entry.Voice)
		evicted++
	}
	return evicted
}

func (s *Sweeper) closeEntry(entry *Entry) {
	defer func() {
		if rec := recover(); rec != nil {
			s.Logger.Error("panic closing expired session", "contact", entry.ContactKey, "panic", rec)
		}
	}()
	if entry.Transport != nil {
		if err := entry.Transport.Close(); err != nil {
			s.Logger.Warn("close expired session transport", "contact", entry.ContactKey, "err", err)
		}
	}
}
