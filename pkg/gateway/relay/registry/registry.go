// Package registry tracks live conversation sessions keyed by contact number.
// One entry exists per contact regardless of how many transport legs (voice,
// text) touch it; a newer leg replaces the older one.
package registry

import (
	"sync"
	"time"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/telemetry"
)

// Transport is the closable connection a session owns. For voice sessions it
// is the WebSocket; text sessions carry a no-op transport.
type Transport interface {
	Close() error
}

// Entry is one registered session. Deadline is the wall-clock instant after
// which the sweeper may evict it; handlers refresh it on every turn.
type Entry struct {
	ContactKey   string
	CallSID      string
	Voice        bool
	Transport    Transport
	Engine       engine.Engine
	TargetWorker string

	mu       sync.Mutex
	deadline time.Time
	turnMu   sync.Mutex
}

func (e *Entry) Deadline() time.Time {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.deadline
}

func (e *Entry) Extend(until time.Time) {
	e.mu.Lock()
	e.deadline = until
	e.mu.Unlock()
}

// RunTurn serializes engine turns across legs sharing this entry. A voice
// read loop and an SMS handler may both drive the same engine; only one turn
// runs at a time.
func (e *Entry) RunTurn(fn func()) {
	e.turnMu.Lock()
	defer e.turnMu.Unlock()
	fn()
}

// Activity is the externally visible trace of a contact's recent sessions.
type Activity struct {
	ContactKey   string    `json:"phoneNumber"`
	LastActivity time.Time `json:"lastActivity"`
	Active       bool      `json:"isActive"`
}

// Registry is a mutex-guarded session map plus a recent-activity ledger.
// Activity records outlive their session entries so dashboards can show
// recently ended conversations.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Entry
	activity map[string]*Activity
	now      func() time.Time
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]*Entry),
		activity: make(map[string]*Activity),
		now:      time.Now,
	}
}

// Upsert installs entry under its contact key and returns the entry it
// displaced, if any. The caller owns closing the displaced entry's transport;
// the registry never touches transports while holding its lock.
func (r *Registry) Upsert(entry *Entry) *Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	prev := r.sessions[entry.ContactKey]
	r.sessions[entry.ContactKey] = entry
	r.activity[entry.ContactKey] = &Activity{
		ContactKey:   entry.ContactKey,
		LastActivity: r.now(),
		Active:       true,
	}
	telemetry.RecordEntryAdded()
	if prev != nil {
		telemetry.RecordEntryRemoved()
	}
	return prev
}

func (r *Registry) Get(contactKey string) (*Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.sessions[contactKey]
	return entry, ok
}

// Touch refreshes the activity ledger for a contact that just produced a turn.
func (r *Registry) Touch(contactKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.activity[contactKey]; ok {
		a.LastActivity = r.now()
		return
	}
	r.activity[contactKey] = &Activity{ContactKey: contactKey, LastActivity: r.now(), Active: true}
}

// Remove deletes the entry for contactKey. Removing an absent key is a no-op.
func (r *Registry) Remove(contactKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[contactKey]; !ok {
		return
	}
	delete(r.sessions, contactKey)
	telemetry.RecordEntryRemoved()
}

// RemoveOwned deletes the entry for contactKey only if it is still the given
// entry. A session that was displaced by a newer leg must not tear down its
// replacement on the way out.
func (r *Registry) RemoveOwned(contactKey string, entry *Entry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	current, ok := r.sessions[contactKey]
	if !ok || current != entry {
		return false
	}
	delete(r.sessions, contactKey)
	telemetry.RecordEntryRemoved()
	return true
}

func (r *Registry) MarkInactive(contactKey string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if a, ok := r.activity[contactKey]; ok {
		a.Active = false
		a.LastActivity = r.now()
	}
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// ActivitySnapshot returns a copy of the recent-activity ledger.
func (r *Registry) ActivitySnapshot() []Activity {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Activity, 0, len(r.activity))
	for _, a := range r.activity {
		out = append(out, *a)
	}
	return out
}

// expired snapshots the entries whose deadline has passed.
func (r *Registry) expired(now time.Time) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, entry := range r.sessions {
		if entry.Deadline().Before(now) {
			out = append(out, entry)
		}
	}
	return out
}

// CloseAll drains the registry at shutdown, closing every transport. Closes
// happen outside the lock.
func (r *Registry) CloseAll() {
	r.mu.Lock()
	entries := make([]*Entry, 0, len(r.sessions))
	for key, entry := range r.sessions {
		entries = append(entries, entry)
		delete(r.sessions, key)
		telemetry.RecordEntryRemoved()
		if a, ok := r.activity[key]; ok {
			a.Active = false
		}
	}
	r.mu.Unlock()

	for _, entry := range entries {
		if entry.Transport != nil {
			_ = entry.Transport.Close()
		}
	}
}
