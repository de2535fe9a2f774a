package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/config"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/registry"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/sidechannel"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/telemetry"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/twilio"
)

const emptyTwiML = `<?xml version="1.0" encoding="UTF-8"?><Response></Response>`

// Messenger sends the engine's reply back out as a message. Satisfied by
// *twilio.Client.
type Messenger interface {
	Configured() bool
	Send(ctx context.Context, msg twilio.Message) (twilio.SendResult, error)
}

// SMSHandler is the inbound message webhook. A text from a contact with a
// live voice session is injected into that call's conversation; otherwise a
// text-only session is created (or resumed) and the reply goes back over SMS.
type SMSHandler struct {
	Config    config.Config
	Registry  *registry.Registry
	NewEngine engine.Factory
	Analyzer  *sidechannel.Analyzer
	Emitter   telemetry.Emitter
	Messenger Messenger
	Logger    *slog.Logger
}

// textTransport is the placeholder transport for sessions with no socket.
type textTransport struct{}

func (textTransport) Close() error { return nil }

// smsCollector buffers streamed tokens into the single reply message.
type smsCollector struct {
	mu sync.Mutex
	b  strings.Builder
}

func (c *smsCollector) OnText(token string, last bool) {
	c.mu.Lock()
	c.b.WriteString(token)
	c.mu.Unlock()
}

func (c *smsCollector) OnHandoff(map[string]any)  {}
func (c *smsCollector) OnLanguage(string, string) {}

func (c *smsCollector) Text() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return strings.TrimSpace(c.b.String())
}

func (h SMSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, "bad form", http.StatusBadRequest)
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}

	from := strings.TrimSpace(r.PostFormValue("From"))
	to := strings.TrimSpace(r.PostFormValue("To"))
	body := strings.TrimSpace(r.PostFormValue("Body"))
	mediaURL := strings.TrimSpace(r.PostFormValue("MediaUrl0"))
	mediaType := strings.TrimSpace(r.PostFormValue("MediaContentType0"))

	if from == "" {
		http.Error(w, "missing From", http.StatusBadRequest)
		return
	}
	logger = logger.With("contact", from)

	if mediaURL != "" && strings.HasPrefix(mediaType, "image/") && h.Analyzer != nil {
		h.Analyzer.AnalyzeDamageImage(from, mediaURL, h.Config.TwilioAccountSID, h.Config.TwilioAuthToken, h.Config.VisionModel)
		if body == "" {
			body = "I just sent you a photo of the damage."
		}
	}

	// Twilio retries on non-2xx; always hand back empty TwiML once the form
	// parsed, and do the conversational work before responding so tests and
	// the transport see a settled state.
	defer func() {
		w.Header().Set("Content-Type", "text/xml")
		_, _ = w.Write([]byte(emptyTwiML))
	}()

	if body == "" {
		return
	}

	if h.Analyzer != nil {
		h.Analyzer.Record("user", body)
		h.Analyzer.Analyze(from, body)
	}

	entry, ok := h.Registry.Get(from)
	if ok && entry.Voice {
		// Live call in progress: the text becomes a turn in the call and the
		// reply is spoken, not texted.
		logger.Info("routing sms into live voice session")
		entry.Engine.AddMessage(engine.RoleUser, body)
		entry.Extend(time.Now().Add(h.Config.CallSessionTTL))
		h.Registry.Touch(from)
		entry.RunTurn(func() {
			err := entry.Engine.Run(r.Context())
			telemetry.RecordEngineTurn(err)
			if err != nil {
				logger.Error("engine turn failed", "err", err)
			}
		})
		return
	}

	if !ok {
		eng, err := h.NewEngine(from, false)
		if err != nil {
			logger.Error("engine construction failed", "err", err)
			return
		}
		if err := eng.SetCallContext(r.Context(), from, to, "inbound", ""); err != nil {
			logger.Error("set call context failed", "err", err)
			return
		}
		entry = &registry.Entry{
			ContactKey:   from,
			Voice:        false,
			Transport:    textTransport{},
			Engine:       eng,
			TargetWorker: h.Config.DefaultHandoffTarget,
		}
		if replaced := h.Registry.Upsert(entry); replaced != nil && replaced.Transport != nil {
			_ = replaced.Transport.Close()
		}
		telemetry.RecordSessionStart("text")
		if h.Emitter != nil {
			h.Emitter.Emit("text:start", map[string]any{"phoneNumber": from})
		}
	}

	entry.Extend(time.Now().Add(h.Config.TextSessionTTL))
	h.Registry.Touch(from)

	// Observer wiring rides the turn lock: an overlapping webhook for the same
	// contact must not detach the collector an in-flight turn is streaming into.
	collector := &smsCollector{}
	entry.RunTurn(func() {
		entry.Engine.Subscribe(collector)
		entry.Engine.AddMessage(engine.RoleUser, body)
		err := entry.Engine.Run(r.Context())
		telemetry.RecordEngineTurn(err)
		if err != nil {
			logger.Error("engine turn failed", "err", err)
		}
		entry.Engine.Unsubscribe()
	})

	reply := collector.Text()
	if reply == "" {
		return
	}
	if h.Analyzer != nil {
		h.Analyzer.Record("assistant", reply)
	}
	if h.Messenger == nil || !h.Messenger.Configured() {
		logger.Warn("no messenger configured, dropping sms reply")
		return
	}
	if _, err := h.Messenger.Send(r.Context(), twilio.Message{
		To:   from,
		From: h.Config.TwilioNumber,
		Body: reply,
	}); err != nil {
		logger.Error("send sms reply failed", "err", err)
	}
}
