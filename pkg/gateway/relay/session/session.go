// Package session drives one relay WebSocket connection: decode inbound
// frames, feed the dialogue engine, and stream its output back to the
// transport. A session begins awaiting setup, binds to a registry entry on
// setup, and ends when the socket closes, the engine hands off, or the
// sweeper evicts it.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/protocol"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/registry"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/sidechannel"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/telemetry"
)

type sessionState int

const (
	stateAwaitingSetup sessionState = iota
	stateActive
	stateEnded
)

var errBackpressure = errors.New("outbound queue full")

// Conn is the subset of *websocket.Conn the relay needs; a fake satisfies it
// in tests.
type Conn interface {
	ReadMessage() (messageType int, data []byte, err error)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

type Config struct {
	PingInterval      time.Duration
	WriteTimeout      time.Duration
	ReadTimeout       time.Duration
	CallSessionTTL    time.Duration
	OutboundQueueSize int

	// DefaultHandoffTarget routes end frames when the engine's handoff
	// payload names no worker.
	DefaultHandoffTarget string
}

type Dependencies struct {
	Conn      Conn
	Registry  *registry.Registry
	NewEngine engine.Factory
	Analyzer  *sidechannel.Analyzer
	Emitter   telemetry.Emitter
	Logger    *slog.Logger
	Config    Config
}

// Relay is one live connection. It implements engine.Observer so engine
// output flows straight onto the outbound queues.
type Relay struct {
	deps Dependencies
	log  *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame

	mu          sync.Mutex
	state       sessionState
	contactKey  string
	entry       *registry.Entry
	eng         engine.Engine
	handoffSent bool
	reply       strings.Builder

	endOnce sync.Once
}

func New(deps Dependencies) (*Relay, error) {
	if deps.Conn == nil {
		return nil, fmt.Errorf("session: conn is required")
	}
	if deps.Registry == nil {
		return nil, fmt.Errorf("session: registry is required")
	}
	if deps.NewEngine == nil {
		return nil, fmt.Errorf("session: engine factory is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	queueSize := deps.Config.OutboundQueueSize
	if queueSize <= 0 {
		queueSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		deps:             deps,
		log:              deps.Logger,
		ctx:              ctx,
		cancel:           cancel,
		outboundPriority: make(chan outboundFrame, 8),
		outboundNormal:   make(chan outboundFrame, queueSize),
	}, nil
}

// Run blocks until the connection is done. The writer goroutine owns the
// socket for writes and closes it on the way out.
func (r *Relay) Run() error {
	writer := &outboundWriter{
		ws:       r.deps.Conn,
		ctx:      r.ctx,
		cfg:      r.deps.Config,
		priority: r.outboundPriority,
		normal:   r.outboundNormal,
	}
	writerDone := make(chan error, 1)
	go func() {
		err := writer.Run()
		// A dead writer must release any engine turn blocked on the queue.
		r.cancel()
		writerDone <- err
	}()

	r.installReadDeadline()

	readErr := r.readLoop()
	r.teardown("read loop exit")
	<-writerDone

	if readErr != nil && !errors.Is(readErr, io.EOF) &&
		!websocket.IsCloseError(readErr, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return readErr
	}
	return nil
}

func (r *Relay) installReadDeadline() {
	timeout := r.deps.Config.ReadTimeout
	if timeout <= 0 {
		return
	}
	_ = r.deps.Conn.SetReadDeadline(time.Now().Add(timeout))
	r.deps.Conn.SetPongHandler(func(string) error {
		return r.deps.Conn.SetReadDeadline(time.Now().Add(timeout))
	})
}

func (r *Relay) readLoop() error {
	for {
		select {
		case <-r.ctx.Done():
			return nil
		default:
		}

		messageType, data, err := r.deps.Conn.ReadMessage()
		if err != nil {
			return err
		}
		if messageType != websocket.TextMessage {
			r.log.Warn("dropping non-text frame", "messageType", messageType)
			continue
		}

		decoded, err := protocol.DecodeInbound(data)
		if err != nil {
			r.log.Warn("dropping malformed frame", "err", err)
			continue
		}
		r.dispatch(decoded)

		r.mu.Lock()
		ended := r.state == stateEnded
		r.mu.Unlock()
		if ended {
			return nil
		}
	}
}

func (r *Relay) dispatch(decoded any) {
	switch msg := decoded.(type) {
	case protocol.Setup:
		r.handleSetup(msg)
	case protocol.Prompt:
		r.handleUserTurn(msg.VoicePrompt, true)
	case protocol.UserMessage:
		r.handleUserTurn(msg.Text(), true)
	case protocol.DTMF:
		r.handleUserTurn("DTMF: "+msg.Digit, false)
	case protocol.Interrupt:
		r.handleInterrupt()
	case protocol.Info:
		r.log.Debug("transport info frame")
	case protocol.ErrorMessage:
		r.log.Warn("transport reported error", "description", msg.Description)
	case protocol.Unknown:
		r.log.Warn("dropping unknown frame type", "type", msg.Type)
	}
}

func (r *Relay) handleSetup(msg protocol.Setup) {
	r.mu.Lock()
	if r.state != stateAwaitingSetup {
		r.mu.Unlock()
		r.log.Warn("duplicate setup frame ignored", "contact", msg.ContactKey())
		return
	}
	r.mu.Unlock()

	contactKey := msg.ContactKey()
	if contactKey == "" {
		r.log.Error("setup frame resolves to no contact, closing")
		r.teardown("setup without contact")
		return
	}
	log := r.log.With("contact", contactKey, "callSid", msg.CallSID)

	eng, err := r.deps.NewEngine(contactKey, true)
	if err != nil {
		log.Error("engine construction failed", "err", err)
		r.teardown("engine construction failed")
		return
	}
	if err := eng.SetCallContext(r.ctx, msg.From, msg.To, msg.Direction, msg.SessionID); err != nil {
		log.Error("set call context failed", "err", err)
		r.teardown("set call context failed")
		return
	}

	entry := &registry.Entry{
		ContactKey:   contactKey,
		CallSID:      msg.CallSID,
		Voice:        true,
		Transport:    r.deps.Conn,
		Engine:       eng,
		TargetWorker: r.deps.Config.DefaultHandoffTarget,
	}
	entry.Extend(time.Now().Add(r.deps.Config.CallSessionTTL))

	if replaced := r.deps.Registry.Upsert(entry); replaced != nil {
		log.Info("replacing existing session for contact")
		if replaced.Transport != nil {
			_ = replaced.Transport.Close()
		}
	}

	r.mu.Lock()
	r.state = stateActive
	r.contactKey = contactKey
	r.entry = entry
	r.eng = eng
	r.mu.Unlock()

	eng.Subscribe(r)
	telemetry.RecordSessionStart("voice")
	if r.deps.Emitter != nil {
		r.deps.Emitter.Emit("call:start", map[string]any{
			"phoneNumber": contactKey,
			"callSid":     msg.CallSID,
			"direction":   msg.Direction,
		})
	}
	log.Info("session established", "direction", msg.Direction)

	r.runTurn(entry, func(ctx context.Context) error { return eng.NotifyInitialCallParams(ctx) })
}

func (r *Relay) handleUserTurn(text string, analyze bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}

	r.mu.Lock()
	if r.state != stateActive || r.eng == nil {
		r.mu.Unlock()
		r.log.Warn("dropping user turn before setup")
		return
	}
	if r.handoffSent {
		r.mu.Unlock()
		r.log.Warn("dropping user turn after handoff")
		return
	}
	contactKey, entry, eng := r.contactKey, r.entry, r.eng
	r.mu.Unlock()

	if analyze && r.deps.Analyzer != nil {
		r.deps.Analyzer.Record("user", text)
		r.deps.Analyzer.Analyze(contactKey, text)
	}

	eng.AddMessage(engine.RoleUser, text)
	entry.Extend(time.Now().Add(r.deps.Config.CallSessionTTL))
	r.deps.Registry.Touch(contactKey)

	r.runTurn(entry, eng.Run)
}

// handleInterrupt re-runs the engine so it can pick the conversation back up
// after barge-in. The in-flight turn is not cancelled; the transport already
// stopped playing its audio.
func (r *Relay) handleInterrupt() {
	r.mu.Lock()
	if r.state != stateActive || r.eng == nil || r.handoffSent {
		r.mu.Unlock()
		r.log.Debug("interrupt ignored")
		return
	}
	entry, eng := r.entry, r.eng
	r.mu.Unlock()

	r.log.Info("interrupt received", "contact", entry.ContactKey)
	r.runTurn(entry, eng.Run)
}

// runTurn serializes engine execution through the registry entry so a text
// leg sharing the engine cannot interleave. Turn errors are logged and the
// connection stays up.
func (r *Relay) runTurn(entry *registry.Entry, fn func(context.Context) error) {
	entry.RunTurn(func() {
		err := fn(r.ctx)
		telemetry.RecordEngineTurn(err)
		if err != nil && r.ctx.Err() == nil {
			r.log.Error("engine turn failed", "contact", entry.ContactKey, "err", err)
		}
	})
}

// OnText implements engine.Observer. Streamed text must reach the transport
// complete and in order, final flag included, so a full queue applies
// backpressure to the engine rather than dropping chunks; the send aborts
// only when the session ends.
func (r *Relay) OnText(token string, last bool) {
	if err := r.sendText(token, last); err != nil {
		r.log.Warn("text token not delivered", "last", last, "err", err)
	}

	r.mu.Lock()
	if token != "" {
		r.reply.WriteString(token)
	}
	var full string
	if last {
		full = r.reply.String()
		r.reply.Reset()
	}
	r.mu.Unlock()

	if last && full != "" && r.deps.Analyzer != nil {
		r.deps.Analyzer.Record("assistant", full)
	}
}

// OnHandoff implements engine.Observer. The end frame rides the priority
// queue so it overtakes any queued text.
func (r *Relay) OnHandoff(data map[string]any) {
	r.mu.Lock()
	if r.handoffSent {
		r.mu.Unlock()
		return
	}
	r.handoffSent = true
	entry := r.entry
	contactKey := r.contactKey
	r.mu.Unlock()

	payload := make(map[string]any, len(data)+1)
	for k, v := range data {
		payload[k] = v
	}
	if _, ok := payload["targetWorker"]; !ok {
		target := r.deps.Config.DefaultHandoffTarget
		if entry != nil && entry.TargetWorker != "" {
			target = entry.TargetWorker
		}
		if target != "" {
			payload["targetWorker"] = target
		}
	}

	end, err := protocol.NewEnd(payload)
	if err != nil {
		r.log.Error("encode handoff failed", "err", err)
		return
	}
	if err := r.enqueuePriority(end); err != nil {
		r.log.Error("enqueue handoff failed", "err", err)
		return
	}

	telemetry.RecordHandoff()
	if r.deps.Emitter != nil {
		r.deps.Emitter.Emit("call:handoff", map[string]any{
			"phoneNumber":  contactKey,
			"targetWorker": payload["targetWorker"],
		})
	}
	r.log.Info("handoff issued", "contact", contactKey, "targetWorker", payload["targetWorker"])
}

// OnLanguage implements engine.Observer.
func (r *Relay) OnLanguage(ttsLanguage, transcriptionLanguage string) {
	if err := r.enqueueNormal(protocol.NewLanguage(ttsLanguage, transcriptionLanguage)); err != nil {
		r.log.Warn("dropping language switch", "err", err)
	}
}

func (r *Relay) sendText(token string, last bool) error {
	payload, err := protocol.EncodeOutbound(protocol.NewTextToken(token, last))
	if err != nil {
		return err
	}
	select {
	case r.outboundNormal <- outboundFrame{payload: payload}:
		return nil
	case <-r.ctx.Done():
		return r.ctx.Err()
	}
}

func (r *Relay) enqueueNormal(v any) error {
	payload, err := protocol.EncodeOutbound(v)
	if err != nil {
		return err
	}
	select {
	case r.outboundNormal <- outboundFrame{payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

func (r *Relay) enqueuePriority(v any) error {
	payload, err := protocol.EncodeOutbound(v)
	if err != nil {
		return err
	}
	select {
	case r.outboundPriority <- outboundFrame{payload: payload}:
		return nil
	default:
		return errBackpressure
	}
}

// teardown runs exactly once: unhook the engine, release the registry slot,
// and cancel the writer, which closes the socket.
func (r *Relay) teardown(reason string) {
	r.endOnce.Do(func() {
		r.mu.Lock()
		wasActive := r.state == stateActive
		r.state = stateEnded
		contactKey := r.contactKey
		entry := r.entry
		eng := r.eng
		r.mu.Unlock()

		if eng != nil {
			eng.Unsubscribe()
		}
		if entry != nil {
			if r.deps.Registry.RemoveOwned(contactKey, entry) {
				r.deps.Registry.MarkInactive(contactKey)
			}
		}
		if wasActive {
			if r.deps.Emitter != nil {
				r.deps.Emitter.Emit("call:ended", map[string]any{"phoneNumber": contactKey, "reason": reason})
			}
			r.log.Info("session ended", "contact", contactKey, "reason", reason)
		}
		r.cancel()
	})
}
