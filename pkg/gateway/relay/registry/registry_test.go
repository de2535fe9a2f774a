package registry

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeTransport struct {
	closed atomic.Int32
}

func (f *fakeTransport) Close() error {
	f.closed.Add(1)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestUpsert_ReturnsDisplacedEntry(t *testing.T) {
	reg := New()
	first := &Entry{ContactKey: "+15551234567", Transport: &fakeTransport{}}
	second := &Entry{ContactKey: "+15551234567", Transport: &fakeTransport{}}

	if prev := reg.Upsert(first); prev != nil {
		t.Fatalf("first Upsert returned %v, want nil", prev)
	}
	if prev := reg.Upsert(second); prev != first {
		t.Fatalf("second Upsert returned %v, want the first entry", prev)
	}
	got, ok := reg.Get("+15551234567")
	if !ok || got != second {
		t.Fatalf("Get()=%v,%v, want the replacement entry", got, ok)
	}
	if reg.Len() != 1 {
		t.Fatalf("Len()=%d, want 1", reg.Len())
	}
}

func TestRemoveOwned_IgnoresDisplacedEntry(t *testing.T) {
	reg := New()
	first := &Entry{ContactKey: "+15551234567"}
	second := &Entry{ContactKey: "+15551234567"}
	reg.Upsert(first)
	reg.Upsert(second)

	if reg.RemoveOwned("+15551234567", first) {
		t.Fatalf("displaced entry removed the live one")
	}
	if _, ok := reg.Get("+15551234567"); !ok {
		t.Fatalf("live entry vanished")
	}
	if !reg.RemoveOwned("+15551234567", second) {
		t.Fatalf("owner could not remove its own entry")
	}
	if reg.Len() != 0 {
		t.Fatalf("Len()=%d after removal, want 0", reg.Len())
	}
}

func TestRemove_IsIdempotent(t *testing.T) {
	reg := New()
	reg.Upsert(&Entry{ContactKey: "+15551234567"})
	reg.Remove("+15551234567")
	reg.Remove("+15551234567") // absent key, no-op
	reg.Remove("+19990000000")
	if reg.Len() != 0 {
		t.Fatalf("Len()=%d, want 0", reg.Len())
	}
}

func TestActivityLedger_SurvivesRemoval(t *testing.T) {
	reg := New()
	fixed := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	reg.now = func() time.Time { return fixed }

	entry := &Entry{ContactKey: "+15551234567"}
	reg.Upsert(entry)
	reg.RemoveOwned("+15551234567", entry)
	reg.MarkInactive("+15551234567")

	snap := reg.ActivitySnapshot()
	if len(snap) != 1 {
		t.Fatalf("snapshot len=%d, want 1", len(snap))
	}
	if snap[0].Active {
		t.Fatalf("activity still marked active after removal")
	}
	if !snap[0].LastActivity.Equal(fixed) {
		t.Fatalf("LastActivity=%v, want %v", snap[0].LastActivity, fixed)
	}
}

func TestEntry_ExtendMovesDeadline(t *testing.T) {
	entry := &Entry{ContactKey: "+15551234567"}
	until := time.Now().Add(30 * time.Minute)
	entry.Extend(until)
	if !entry.Deadline().Equal(until) {
		t.Fatalf("Deadline()=%v, want %v", entry.Deadline(), until)
	}
}

func TestSweep_EvictsOnlyExpired(t *testing.T) {
	reg := New()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	fresh := &Entry{ContactKey: "+15550000001", Transport: &fakeTransport{}}
	fresh.Extend(now.Add(10 * time.Minute))
	stale := &Entry{ContactKey: "+15550000002", Transport: &fakeTransport{}}
	stale.Extend(now.Add(-time.Minute))
	reg.Upsert(fresh)
	reg.Upsert(stale)

	sweeper := NewSweeper(reg, time.Minute, testLogger(), nil)
	if n := sweeper.Sweep(now); n != 1 {
		t.Fatalf("Sweep()=%d, want 1", n)
	}
	if _, ok := reg.Get("+15550000001"); !ok {
		t.Fatalf("fresh entry was evicted")
	}
	if _, ok := reg.Get("+15550000002"); ok {
		t.Fatalf("stale entry survived the sweep")
	}
	if stale.Transport.(*fakeTransport).closed.Load() != 1 {
		t.Fatalf("stale transport not closed")
	}
	if fresh.Transport.(*fakeTransport).closed.Load() != 0 {
		t.Fatalf("fresh transport was closed")
	}
}

type panickyTransport struct{}

func (panickyTransport) Close() error { panic("broken transport") }

func TestSweep_PanicInOneCloseDoesNotAbortPass(t *testing.T) {
	reg := New()
	now := time.Now()

	bad := &Entry{ContactKey: "+15550000001", Transport: panickyTransport{}}
	bad.Extend(now.Add(-time.Minute))
	good := &Entry{ContactKey: "+15550000002", Transport: &fakeTransport{}}
	good.Extend(now.Add(-time.Minute))
	reg.Upsert(bad)
	reg.Upsert(good)

	sweeper := NewSweeper(reg, time.Minute, testLogger(), nil)
	if n := sweeper.Sweep(now); n != 2 {
		t.Fatalf("Sweep()=%d, want 2", n)
	}
	if reg.Len() != 0 {
		t.Fatalf("Len()=%d after sweep, want 0", reg.Len())
	}
}

func activeSessionsGauge(t *testing.T) float64 {
	t.Helper()
	families, err := prometheus.DefaultGatherer.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	for _, mf := range families {
		if mf.GetName() == "emma_relay_active_sessions" {
			return mf.GetMetric()[0].GetGauge().GetValue()
		}
	}
	return 0
}

func TestActiveSessionsGauge_TracksRegistryMembership(t *testing.T) {
	reg := New()
	now := time.Now()
	base := activeSessionsGauge(t)

	voice := &Entry{ContactKey: "+15550000001", Transport: &fakeTransport{}}
	voice.Extend(now.Add(10 * time.Minute))
	text := &Entry{ContactKey: "+15550000002", Transport: &fakeTransport{}}
	text.Extend(now.Add(-time.Minute))
	reg.Upsert(voice)
	reg.Upsert(text)
	if got := activeSessionsGauge(t); got != base+2 {
		t.Fatalf("gauge=%v after two upserts, want %v", got, base+2)
	}

	// Displacement swaps an entry, so membership and the gauge stay flat.
	replacement := &Entry{ContactKey: "+15550000001", Transport: &fakeTransport{}}
	replacement.Extend(now.Add(10 * time.Minute))
	reg.Upsert(replacement)
	if got := activeSessionsGauge(t); got != base+2 {
		t.Fatalf("gauge=%v after displacement, want %v", got, base+2)
	}

	sweeper := NewSweeper(reg, time.Minute, testLogger(), nil)
	if n := sweeper.Sweep(now); n != 1 {
		t.Fatalf("Sweep()=%d, want 1", n)
	}
	if got := activeSessionsGauge(t); got != base+1 {
		t.Fatalf("gauge=%v after sweep eviction, want %v", got, base+1)
	}

	reg.CloseAll()
	if got := activeSessionsGauge(t); got != base {
		t.Fatalf("gauge=%v after CloseAll, want %v", got, base)
	}
}

func TestCloseAll_DrainsAndCloses(t *testing.T) {
	reg := New()
	tr := &fakeTransport{}
	reg.Upsert(&Entry{ContactKey: "+15551234567", Transport: tr})

	reg.CloseAll()
	if reg.Len() != 0 {
		t.Fatalf("Len()=%d after CloseAll, want 0", reg.Len())
	}
	if tr.closed.Load() != 1 {
		t.Fatalf("transport not closed")
	}
}
