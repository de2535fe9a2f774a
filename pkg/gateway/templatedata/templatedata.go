// Package templatedata loads the agent persona and per-tool configuration
// from a TOML file, overlaying built-in defaults so a partial file is enough.
package templatedata

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
)

// ToolData is the read-only configuration snapshot handed to tool executors.
type ToolData struct {
	TwilioAccountSID          string `toml:"twilio_account_sid"`
	TwilioAuthToken           string `toml:"twilio_auth_token"`
	TwilioNumber              string `toml:"twilio_number"`
	TwilioContentSID          string `toml:"twilio_content_sid"`
	TwilioMessagingServiceSID string `toml:"twilio_messaging_service_sid"`
	AdjusterPhone             string `toml:"adjuster_phone"`

	// Set per session at runtime, never from the file. Outbound messaging
	// tools always address the actual caller, whatever the model asked for.
	CallerPhoneNumber string `toml:"-"`
}

type Data struct {
	AgentName             string `toml:"agent_name"`
	Persona               string `toml:"persona"`
	Greeting              string `toml:"greeting"`
	TTSLanguage           string `toml:"tts_language"`
	TranscriptionLanguage string `toml:"transcription_language"`

	Tools ToolData `toml:"tools"`
}

func Default() Data {
	return Data{
		AgentName: "Emma",
		Persona: "You are Emma, a warm and efficient virtual claims agent for an insurance carrier. " +
			"Help the claimant check claim status, schedule inspections, and answer coverage questions. " +
			"Keep answers short and conversational. Use tools when you need claim data, compliance checks, " +
			"or to send the claimant a message.",
		Greeting:              "Hi, this is Emma with claims support. How can I help you today?",
		TTSLanguage:           "en-US",
		TranscriptionLanguage: "en-US",
	}
}

// Load reads the TOML file at path and overlays it onto Default. An empty
// path returns the defaults unchanged.
func Load(path string) (Data, error) {
	data := Default()
	if strings.TrimSpace(path) == "" {
		return data, nil
	}

	var raw Data
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return Data{}, fmt.Errorf("load template data: %w", err)
	}

	if meta.IsDefined("agent_name") {
		data.AgentName = strings.TrimSpace(raw.AgentName)
	}
	if meta.IsDefined("persona") {
		data.Persona = strings.TrimSpace(raw.Persona)
	}
	if meta.IsDefined("greeting") {
		data.Greeting = strings.TrimSpace(raw.Greeting)
	}
	if meta.IsDefined("tts_language") {
		data.TTSLanguage = strings.TrimSpace(raw.TTSLanguage)
	}
	if meta.IsDefined("transcription_language") {
		data.TranscriptionLanguage = strings.TrimSpace(raw.TranscriptionLanguage)
	}
	if meta.IsDefined("tools") {
		overlayTools(&data.Tools, raw.Tools, meta)
	}

	if data.Persona == "" {
		return Data{}, fmt.Errorf("template data: persona must not be empty")
	}
	return data, nil
}

func overlayTools(dst *ToolData, raw ToolData, meta toml.MetaData) {
	if meta.IsDefined("tools", "twilio_account_sid") {
		dst.TwilioAccountSID = strings.TrimSpace(raw.TwilioAccountSID)
	}
	if meta.IsDefined("tools", "twilio_auth_token") {
		dst.TwilioAuthToken = strings.TrimSpace(raw.TwilioAuthToken)
	}
	if meta.IsDefined("tools", "twilio_number") {
		dst.TwilioNumber = strings.TrimSpace(raw.TwilioNumber)
	}
	if meta.IsDefined("tools", "twilio_content_sid") {
		dst.TwilioContentSID = strings.TrimSpace(raw.TwilioContentSID)
	}
	if meta.IsDefined("tools", "twilio_messaging_service_sid") {
		dst.TwilioMessagingServiceSID = strings.TrimSpace(raw.TwilioMessagingServiceSID)
	}
	if meta.IsDefined("tools", "adjuster_phone") {
		dst.AdjusterPhone = strings.TrimSpace(raw.AdjusterPhone)
	}
}
