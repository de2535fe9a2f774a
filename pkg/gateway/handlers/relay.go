// Package handlers wires the gateway's HTTP surface: the relay WebSocket,
// the inbound SMS webhook, the activity feed, and health.
package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/config"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/mw"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/registry"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/session"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/sidechannel"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/telemetry"
)

// RelayHandler upgrades /conversation-relay requests and runs one session per
// connection until the transport hangs up.
type RelayHandler struct {
	Config    config.Config
	Registry  *registry.Registry
	NewEngine engine.Factory
	Analyzer  *sidechannel.Analyzer
	Emitter   telemetry.Emitter
	Logger    *slog.Logger
}

func (h RelayHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	upgrader := websocket.Upgrader{
		// The transport is a server-side telephony platform, not a browser.
		CheckOrigin: func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	if h.Config.MaxJSONMessageBytes > 0 {
		conn.SetReadLimit(h.Config.MaxJSONMessageBytes)
	}

	reqID, _ := mw.RequestIDFrom(r.Context())
	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("request_id", reqID)

	s, err := session.New(session.Dependencies{
		Conn:      conn,
		Registry:  h.Registry,
		NewEngine: h.NewEngine,
		Analyzer:  h.Analyzer,
		Emitter:   h.Emitter,
		Logger:    logger,
		Config: session.Config{
			PingInterval:         h.Config.WSPingInterval,
			WriteTimeout:         h.Config.WSWriteTimeout,
			ReadTimeout:          h.Config.WSReadTimeout,
			CallSessionTTL:       h.Config.CallSessionTTL,
			OutboundQueueSize:    h.Config.OutboundQueueSize,
			DefaultHandoffTarget: h.Config.DefaultHandoffTarget,
		},
	})
	if err != nil {
		logger.Error("session init failed", "err", err)
		_ = conn.Close()
		return
	}

	if err := s.Run(); err != nil {
		logger.Warn("relay session ended with error", "err", err)
	}
}
