package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr string

	// Session lifetimes. Voice calls and store-and-forward text threads get
	// different TTLs; the sweeper interval is independent of both.
	CallSessionTTL time.Duration
	TextSessionTTL time.Duration
	SweepInterval  time.Duration

	// Relay WebSocket tuning.
	WSPingInterval      time.Duration
	WSWriteTimeout      time.Duration
	WSReadTimeout       time.Duration
	MaxJSONMessageBytes int64
	OutboundQueueSize   int

	// Default destination for live-agent handoffs when a session carries no
	// routing metadata of its own (e.g. a Flex worker SID).
	DefaultHandoffTarget string

	// Dialogue engine + side-channel analysis backends.
	OpenAIAPIKey  string
	OpenAIBaseURL string
	EngineModel   string
	AnalyzerModel string
	VisionModel   string

	// Twilio REST credentials for outbound messaging (RCS/SMS).
	TwilioAccountSID          string
	TwilioAuthToken           string
	TwilioNumber              string
	TwilioContentSID          string
	TwilioMessagingServiceSID string
	TwilioBaseURL             string

	// Agent persona/tool data overlay, TOML. Empty means built-in defaults.
	TemplateDataPath string

	// CORS. Empty => disabled.
	CORSAllowedOrigins map[string]struct{}

	// Operational defaults.
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                      envOr("EMMA_ADDR", ":3000"),
		CallSessionTTL:            envDurationOr("EMMA_CALL_SESSION_TTL", 30*time.Minute),
		TextSessionTTL:            envDurationOr("EMMA_TEXT_SESSION_TTL", 60*time.Minute),
		SweepInterval:             envDurationOr("EMMA_SWEEP_INTERVAL", 10*time.Minute),
		WSPingInterval:            envDurationOr("EMMA_WS_PING_INTERVAL", 20*time.Second),
		WSWriteTimeout:            envDurationOr("EMMA_WS_WRITE_TIMEOUT", 5*time.Second),
		WSReadTimeout:             envDurationOr("EMMA_WS_READ_TIMEOUT", 0),
		MaxJSONMessageBytes:       envInt64Or("EMMA_MAX_JSON_MESSAGE_BYTES", 64*1024),
		OutboundQueueSize:         envIntOr("EMMA_OUTBOUND_QUEUE_SIZE", 64),
		DefaultHandoffTarget:      envOr("EMMA_HANDOFF_TARGET_WORKER", ""),
		OpenAIAPIKey:              envOr("OPENAI_API_KEY", ""),
		OpenAIBaseURL:             envOr("EMMA_OPENAI_BASE_URL", "https://api.openai.com/v1"),
		EngineModel:               envOr("EMMA_ENGINE_MODEL", "gpt-4o"),
		AnalyzerModel:             envOr("EMMA_ANALYZER_MODEL", "gpt-4o-mini"),
		VisionModel:               envOr("EMMA_VISION_MODEL", "gpt-4o"),
		TwilioAccountSID:          envOr("TWILIO_ACCOUNT_SID", ""),
		TwilioAuthToken:           envOr("TWILIO_AUTH_TOKEN", ""),
		TwilioNumber:              envOr("TWILIO_CONVERSATION_NUMBER", ""),
		TwilioContentSID:          envOr("TWILIO_CONTENT_SID", ""),
		TwilioMessagingServiceSID: envOr("TWILIO_MESSAGING_SERVICE_SID", ""),
		TwilioBaseURL:             envOr("EMMA_TWILIO_BASE_URL", "https://api.twilio.com"),
		TemplateDataPath:          envOr("EMMA_TEMPLATE_DATA_PATH", ""),
		CORSAllowedOrigins:        make(map[string]struct{}),
		ReadHeaderTimeout:         envDurationOr("EMMA_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod:       envDurationOr("EMMA_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
	}

	for _, origin := range splitCSV(os.Getenv("EMMA_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	if cfg.CallSessionTTL <= 0 {
		return Config{}, fmt.Errorf("EMMA_CALL_SESSION_TTL must be > 0")
	}
	if cfg.TextSessionTTL <= 0 {
		return Config{}, fmt.Errorf("EMMA_TEXT_SESSION_TTL must be > 0")
	}
	if cfg.SweepInterval <= 0 {
		return Config{}, fmt.Errorf("EMMA_SWEEP_INTERVAL must be > 0")
	}
	if cfg.WSPingInterval <= 0 {
		return Config{}, fmt.Errorf("EMMA_WS_PING_INTERVAL must be > 0")
	}
	if cfg.WSWriteTimeout <= 0 {
		return Config{}, fmt.Errorf("EMMA_WS_WRITE_TIMEOUT must be > 0")
	}
	if cfg.WSReadTimeout < 0 {
		return Config{}, fmt.Errorf("EMMA_WS_READ_TIMEOUT must be >= 0")
	}
	if cfg.MaxJSONMessageBytes <= 0 {
		return Config{}, fmt.Errorf("EMMA_MAX_JSON_MESSAGE_BYTES must be > 0")
	}
	if cfg.OutboundQueueSize <= 0 {
		return Config{}, fmt.Errorf("EMMA_OUTBOUND_QUEUE_SIZE must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("EMMA_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("EMMA_SHUTDOWN_GRACE_PERIOD must be > 0")
	}
	if strings.TrimSpace(cfg.OpenAIBaseURL) == "" {
		return Config{}, fmt.Errorf("EMMA_OPENAI_BASE_URL must not be empty")
	}
	if strings.TrimSpace(cfg.TwilioBaseURL) == "" {
		return Config{}, fmt.Errorf("EMMA_TWILIO_BASE_URL must not be empty")
	}

	return cfg, nil
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envIntOr(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
