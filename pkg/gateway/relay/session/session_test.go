package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/registry"
)

type fakeConn struct {
	in chan []byte

	// writeDelay throttles WriteMessage to simulate a slow transport.
	writeDelay time.Duration

	mu     sync.Mutex
	writes [][]byte

	closeOnce sync.Once
	closed    chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case data, ok := <-c.in:
		if !ok {
			return 0, nil, io.EOF
		}
		return websocket.TextMessage, data, nil
	case <-c.closed:
		return 0, nil, errors.New("use of closed connection")
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	if c.writeDelay > 0 {
		time.Sleep(c.writeDelay)
	}
	c.mu.Lock()
	c.writes = append(c.writes, append([]byte(nil), data...))
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) frames(t *testing.T) []map[string]any {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]map[string]any, 0, len(c.writes))
	for _, raw := range c.writes {
		var m map[string]any
		if err := json.Unmarshal(raw, &m); err != nil {
			t.Fatalf("non-JSON frame on wire: %s", raw)
		}
		out = append(out, m)
	}
	return out
}

// waitFrames polls until at least n frames hit the wire.
func (c *fakeConn) waitFrames(t *testing.T, n int) []map[string]any {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if frames := c.frames(t); len(frames) >= n {
			return frames
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d frames, have %v", n, c.frames(t))
	return nil
}

// fakeEngine plays back one scripted action per Run invocation.
type fakeEngine struct {
	mu       sync.Mutex
	obs      engine.Observer
	script   []func(engine.Observer)
	runs     int
	messages []engine.Message
	callCtx  []string
}

func (f *fakeEngine) SetCallContext(_ context.Context, originator, destination, direction, sessionID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.callCtx = []string{originator, destination, direction, sessionID}
	return nil
}

func (f *fakeEngine) NotifyInitialCallParams(ctx context.Context) error { return f.Run(ctx) }

func (f *fakeEngine) AddMessage(role, content string) {
	f.mu.Lock()
	f.messages = append(f.messages, engine.Message{Role: role, Content: content})
	f.mu.Unlock()
}

func (f *fakeEngine) Run(context.Context) error {
	f.mu.Lock()
	var fn func(engine.Observer)
	if f.runs < len(f.script) {
		fn = f.script[f.runs]
	}
	f.runs++
	obs := f.obs
	f.mu.Unlock()
	if fn != nil && obs != nil {
		fn(obs)
	}
	return nil
}

func (f *fakeEngine) Subscribe(o engine.Observer) {
	f.mu.Lock()
	f.obs = o
	f.mu.Unlock()
}

func (f *fakeEngine) Unsubscribe() {
	f.mu.Lock()
	f.obs = nil
	f.mu.Unlock()
}

func (f *fakeEngine) runCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.runs
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testConfig() Config {
	return Config{
		PingInterval:         time.Minute,
		WriteTimeout:         time.Second,
		CallSessionTTL:       30 * time.Minute,
		OutboundQueueSize:    16,
		DefaultHandoffTarget: "WKdefault",
	}
}

func startRelay(t *testing.T, conn *fakeConn, reg *registry.Registry, eng *fakeEngine) chan error {
	t.Helper()
	relay, err := New(Dependencies{
		Conn:     conn,
		Registry: reg,
		NewEngine: func(contactKey string, voice bool) (engine.Engine, error) {
			return eng, nil
		},
		Logger: testLogger(),
		Config: testConfig(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- relay.Run() }()
	return done
}

func setupFrame() []byte {
	return []byte(`{"type":"setup","sessionId":"VX1","callSid":"CA1","from":"+15551234567","to":"+15550000001","direction":"inbound"}`)
}

func TestRun_SetupStreamsGreeting(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New()
	eng := &fakeEngine{script: []func(engine.Observer){
		func(o engine.Observer) {
			o.OnText("Hi, this is Emma", false)
			o.OnText("", true)
		},
	}}
	done := startRelay(t, conn, reg, eng)

	conn.in <- setupFrame()
	frames := conn.waitFrames(t, 2)

	if frames[0]["type"] != "text" || frames[0]["token"] != "Hi, this is Emma" || frames[0]["last"] != false {
		t.Fatalf("first frame = %v", frames[0])
	}
	if frames[1]["last"] != true {
		t.Fatalf("second frame = %v, want closing marker", frames[1])
	}
	if _, ok := reg.Get("+15551234567"); !ok {
		t.Fatalf("setup did not register the session")
	}
	if eng.callCtx[2] != "inbound" {
		t.Fatalf("call context = %v", eng.callCtx)
	}

	close(conn.in)
	if err := <-done; err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if reg.Len() != 0 {
		t.Fatalf("teardown left %d registry entries", reg.Len())
	}
}

func TestRun_PromptFeedsEngine(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New()
	eng := &fakeEngine{script: []func(engine.Observer){
		nil, // greeting turn
		func(o engine.Observer) {
			o.OnText("Let me check", false)
			o.OnText("", true)
		},
	}}
	done := startRelay(t, conn, reg, eng)

	conn.in <- setupFrame()
	conn.in <- []byte(`{"type":"prompt","voicePrompt":"where is my claim"}`)
	conn.waitFrames(t, 2)

	eng.mu.Lock()
	var gotUser bool
	for _, m := range eng.messages {
		if m.Role == engine.RoleUser && m.Content == "where is my claim" {
			gotUser = true
		}
	}
	eng.mu.Unlock()
	if !gotUser {
		t.Fatalf("prompt text never reached the engine: %v", eng.messages)
	}

	close(conn.in)
	<-done
}

func TestRun_DTMFBecomesPrefixedTurn(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New()
	eng := &fakeEngine{}
	done := startRelay(t, conn, reg, eng)

	conn.in <- setupFrame()
	conn.in <- []byte(`{"type":"dtmf","digit":"5"}`)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if eng.runCount() >= 2 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	eng.mu.Lock()
	var gotDTMF bool
	for _, m := range eng.messages {
		if m.Role == engine.RoleUser && m.Content == "DTMF: 5" {
			gotDTMF = true
		}
	}
	eng.mu.Unlock()
	if !gotDTMF {
		t.Fatalf("dtmf turn missing: %v", eng.messages)
	}

	close(conn.in)
	<-done
}

func TestRun_TurnBeforeSetupIsDropped(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New()
	eng := &fakeEngine{}
	done := startRelay(t, conn, reg, eng)

	conn.in <- []byte(`{"type":"prompt","voicePrompt":"anyone there"}`)
	time.Sleep(20 * time.Millisecond)
	if eng.runCount() != 0 {
		t.Fatalf("engine ran before setup")
	}

	close(conn.in)
	<-done
}

func TestRun_HandoffEmitsEndFrameAndBlocksFurtherTurns(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New()
	eng := &fakeEngine{script: []func(engine.Observer){
		nil, // greeting turn
		func(o engine.Observer) {
			o.OnHandoff(map[string]any{"reasonCode": "live-agent", "reason": "asked for human"})
		},
	}}
	done := startRelay(t, conn, reg, eng)

	conn.in <- setupFrame()
	conn.in <- []byte(`{"type":"prompt","voicePrompt":"give me a person"}`)
	frames := conn.waitFrames(t, 1)

	var end map[string]any
	for _, f := range frames {
		if f["type"] == "end" {
			end = f
		}
	}
	if end == nil {
		t.Fatalf("no end frame on wire: %v", frames)
	}
	var handoff map[string]any
	if err := json.Unmarshal([]byte(end["handoffData"].(string)), &handoff); err != nil {
		t.Fatalf("handoffData not JSON: %v", err)
	}
	if handoff["targetWorker"] != "WKdefault" {
		t.Fatalf("handoff=%v, want default target filled in", handoff)
	}

	// Post-handoff turns must not reach the engine.
	before := eng.runCount()
	conn.in <- []byte(`{"type":"prompt","voicePrompt":"hello?"}`)
	time.Sleep(20 * time.Millisecond)
	if eng.runCount() != before {
		t.Fatalf("engine ran after handoff")
	}

	close(conn.in)
	<-done
}

func TestRun_SlowTransportGetsEveryTokenInOrder(t *testing.T) {
	conn := newFakeConn()
	conn.writeDelay = 3 * time.Millisecond
	reg := registry.New()

	const tokens = 40
	eng := &fakeEngine{script: []func(engine.Observer){
		func(o engine.Observer) {
			for i := 0; i < tokens; i++ {
				o.OnText(fmt.Sprintf("tok-%02d", i), false)
			}
			o.OnText("", true)
		},
	}}

	cfg := testConfig()
	cfg.OutboundQueueSize = 2
	relay, err := New(Dependencies{
		Conn:     conn,
		Registry: reg,
		NewEngine: func(string, bool) (engine.Engine, error) {
			return eng, nil
		},
		Logger: testLogger(),
		Config: cfg,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	done := make(chan error, 1)
	go func() { done <- relay.Run() }()

	conn.in <- setupFrame()
	frames := conn.waitFrames(t, tokens+1)

	for i := 0; i < tokens; i++ {
		want := fmt.Sprintf("tok-%02d", i)
		if frames[i]["token"] != want || frames[i]["last"] != false {
			t.Fatalf("frame %d = %v, want token %q", i, frames[i], want)
		}
	}
	if frames[tokens]["last"] != true {
		t.Fatalf("closing frame = %v, want final flag", frames[tokens])
	}

	close(conn.in)
	<-done
}

func TestHandleSetup_ReplacesExistingSession(t *testing.T) {
	conn := newFakeConn()
	reg := registry.New()
	old := newFakeConn()
	reg.Upsert(&registry.Entry{ContactKey: "+15551234567", Transport: old})

	eng := &fakeEngine{}
	done := startRelay(t, conn, reg, eng)

	conn.in <- setupFrame()
	select {
	case <-old.closed:
	case <-time.After(2 * time.Second):
		t.Fatalf("displaced transport was not closed")
	}
	entry, ok := reg.Get("+15551234567")
	if !ok || entry.Transport != registry.Transport(conn) {
		t.Fatalf("registry does not hold the new session")
	}

	close(conn.in)
	<-done
}
