// Package server assembles the gateway: configuration in, a fully wired
// http.Handler plus the background sweeper out.
package server

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/config"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine/openai"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/handlers"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/mw"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/relay/registry"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/sidechannel"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/telemetry"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/templatedata"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/tools"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/twilio"
)

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	registry *registry.Registry
	sweeper  *registry.Sweeper
	analyzer *sidechannel.Analyzer
	hub      *telemetry.Hub
	template templatedata.Data
}

func New(cfg config.Config, logger *slog.Logger) (*Server, error) {
	if logger == nil {
		logger = slog.Default()
	}

	template, err := templatedata.Load(cfg.TemplateDataPath)
	if err != nil {
		return nil, fmt.Errorf("server: %w", err)
	}
	// Environment credentials back-fill whatever the template file left out.
	if template.Tools.TwilioAccountSID == "" {
		template.Tools.TwilioAccountSID = cfg.TwilioAccountSID
	}
	if template.Tools.TwilioAuthToken == "" {
		template.Tools.TwilioAuthToken = cfg.TwilioAuthToken
	}
	if template.Tools.TwilioNumber == "" {
		template.Tools.TwilioNumber = cfg.TwilioNumber
	}
	if template.Tools.TwilioContentSID == "" {
		template.Tools.TwilioContentSID = cfg.TwilioContentSID
	}
	if template.Tools.TwilioMessagingServiceSID == "" {
		template.Tools.TwilioMessagingServiceSID = cfg.TwilioMessagingServiceSID
	}

	hub := telemetry.NewHub()
	telemetry.RegisterMetrics()

	analyzer := sidechannel.New(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL, cfg.AnalyzerModel, logger, hub)
	messenger := twilio.New(cfg.TwilioAccountSID, cfg.TwilioAuthToken, cfg.TwilioBaseURL)
	toolRegistry := tools.NewRegistry(
		tools.TCPACompliance{},
		tools.ClaimProfile{},
		tools.SendRCS{Client: messenger},
	)

	newEngine := func(contactKey string, voice bool) (engine.Engine, error) {
		e, err := openai.New(openai.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.EngineModel,
			Voice:   voice,
		}, toolRegistry, template, logger.With("contact", contactKey))
		if err != nil {
			return nil, err
		}
		return e, nil
	}

	reg := registry.New()
	s := &Server{
		cfg:      cfg,
		logger:   logger,
		mux:      http.NewServeMux(),
		registry: reg,
		sweeper:  registry.NewSweeper(reg, cfg.SweepInterval, logger, hub),
		analyzer: analyzer,
		hub:      hub,
		template: template,
	}
	s.routes(newEngine, messenger)
	return s, nil
}

func (s *Server) routes(newEngine engine.Factory, messenger handlers.Messenger) {
	s.mux.Handle("/health", handlers.HealthHandler{})
	s.mux.Handle("/metrics", promhttp.Handler())

	s.mux.Handle("/conversation-relay", handlers.RelayHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		NewEngine: newEngine,
		Analyzer:  s.analyzer,
		Emitter:   s.hub,
		Logger:    s.logger,
	})
	s.mux.Handle("/sms", handlers.SMSHandler{
		Config:    s.cfg,
		Registry:  s.registry,
		NewEngine: newEngine,
		Analyzer:  s.analyzer,
		Emitter:   s.hub,
		Messenger: messenger,
		Logger:    s.logger,
	})
	s.mux.Handle("/v1/activity", handlers.ActivityHandler{Registry: s.registry})
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.CORS(s.cfg.CORSAllowedOrigins, h)
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, h)
	h = mw.RequestID(h)
	return h
}

// Registry exposes the session registry for shutdown draining.
func (s *Server) Registry() *registry.Registry { return s.registry }

// Sweeper exposes the TTL sweeper; the caller owns its goroutine.
func (s *Server) Sweeper() *registry.Sweeper { return s.sweeper }

// Telemetry exposes the event hub so a dashboard sink can be attached.
func (s *Server) Telemetry() *telemetry.Hub { return s.hub }

// Analyzer exposes the side-channel analyzer for shutdown draining.
func (s *Server) Analyzer() *sidechannel.Analyzer { return s.analyzer }
