package protocol

import (
	"encoding/json"
	"strings"
	"testing"
)

func TestDecodeInbound_Setup(t *testing.T) {
	raw := `{"type":"setup","sessionId":"VX1","callSid":"CA1","from":"+15551234567","to":"+15557654321","direction":"inbound"}`
	decoded, err := DecodeInbound([]byte(raw))
	if err != nil {
		t.Fatalf("DecodeInbound() error = %v", err)
	}
	setup, ok := decoded.(Setup)
	if !ok {
		t.Fatalf("decoded type = %T, want Setup", decoded)
	}
	if setup.CallSID != "CA1" || setup.From != "+15551234567" {
		t.Fatalf("setup = %+v", setup)
	}
	if got := setup.ContactKey(); got != "+15551234567" {
		t.Fatalf("ContactKey()=%q, want caller for inbound leg", got)
	}
}

func TestSetup_ContactKeyOutbound(t *testing.T) {
	setup := Setup{From: "+15550000001", To: "+15551234567", Direction: "outbound-api"}
	if got := setup.ContactKey(); got != "+15551234567" {
		t.Fatalf("ContactKey()=%q, want remote party for outbound leg", got)
	}
}

func TestDecodeInbound_UserTurnVariants(t *testing.T) {
	decoded, err := DecodeInbound([]byte(`{"type":"prompt","voicePrompt":"where is my claim"}`))
	if err != nil {
		t.Fatalf("prompt decode error = %v", err)
	}
	if p := decoded.(Prompt); p.VoicePrompt != "where is my claim" {
		t.Fatalf("prompt = %+v", p)
	}

	decoded, err = DecodeInbound([]byte(`{"type":"message","message":"legacy body"}`))
	if err != nil {
		t.Fatalf("message decode error = %v", err)
	}
	if m := decoded.(UserMessage); m.Text() != "legacy body" {
		t.Fatalf("Text()=%q, want legacy body", m.Text())
	}

	decoded, err = DecodeInbound([]byte(`{"type":"message","content":"new body","message":"legacy body"}`))
	if err != nil {
		t.Fatalf("message decode error = %v", err)
	}
	if m := decoded.(UserMessage); m.Text() != "new body" {
		t.Fatalf("Text()=%q, want content to win", m.Text())
	}
}

func TestDecodeInbound_DTMFRequiresDigit(t *testing.T) {
	if _, err := DecodeInbound([]byte(`{"type":"dtmf"}`)); err == nil {
		t.Fatalf("expected error for dtmf without digit")
	}
	decoded, err := DecodeInbound([]byte(`{"type":"dtmf","digit":"5"}`))
	if err != nil {
		t.Fatalf("dtmf decode error = %v", err)
	}
	if d := decoded.(DTMF); d.Digit != "5" {
		t.Fatalf("digit=%q, want 5", d.Digit)
	}
}

func TestDecodeInbound_Failures(t *testing.T) {
	cases := []struct {
		name string
		raw  string
	}{
		{"not json", "{nope"},
		{"missing type", `{"voicePrompt":"hi"}`},
		{"setup without identity", `{"type":"setup","direction":"inbound"}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := DecodeInbound([]byte(tc.raw)); err == nil {
				t.Fatalf("DecodeInbound(%q) = nil error", tc.raw)
			}
		})
	}
}

func TestDecodeInbound_UnknownTypeIsDroppable(t *testing.T) {
	decoded, err := DecodeInbound([]byte(`{"type":"frobnicate"}`))
	if err != nil {
		t.Fatalf("unknown type should decode, got error %v", err)
	}
	u, ok := decoded.(Unknown)
	if !ok || u.Type != "frobnicate" {
		t.Fatalf("decoded = %#v, want Unknown{frobnicate}", decoded)
	}
}

func TestNewEnd_SerializesHandoffData(t *testing.T) {
	end, err := NewEnd(map[string]any{"reason": "live-agent", "targetWorker": "WK123"})
	if err != nil {
		t.Fatalf("NewEnd() error = %v", err)
	}
	if end.Type != "end" {
		t.Fatalf("type=%q, want end", end.Type)
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(end.HandoffData), &payload); err != nil {
		t.Fatalf("handoffData is not JSON: %v", err)
	}
	if payload["targetWorker"] != "WK123" {
		t.Fatalf("handoffData=%v, missing targetWorker", payload)
	}
}

func TestNewEnd_NilPayload(t *testing.T) {
	end, err := NewEnd(nil)
	if err != nil {
		t.Fatalf("NewEnd(nil) error = %v", err)
	}
	if end.HandoffData != "{}" {
		t.Fatalf("HandoffData=%q, want {}", end.HandoffData)
	}
}

func TestEncodeOutbound_Shapes(t *testing.T) {
	raw, err := EncodeOutbound(NewTextToken("hel", false))
	if err != nil {
		t.Fatalf("EncodeOutbound() error = %v", err)
	}
	if !strings.Contains(string(raw), `"type":"text"`) || !strings.Contains(string(raw), `"last":false`) {
		t.Fatalf("text frame = %s", raw)
	}

	raw, err = EncodeOutbound(NewLanguage("es-MX", "es-MX"))
	if err != nil {
		t.Fatalf("EncodeOutbound() error = %v", err)
	}
	if !strings.Contains(string(raw), `"ttsLanguage":"es-MX"`) {
		t.Fatalf("language frame = %s", raw)
	}
}
