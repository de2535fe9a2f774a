// Package protocol implements the conversation-relay wire vocabulary: the
// discrete JSON message types exchanged with the telephony transport over one
// persistent WebSocket per call.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

type DecodeError struct {
	Code    string
	Message string
}

func (e *DecodeError) Error() string {
	if e == nil {
		return ""
	}
	return e.Message
}

func badRequest(message string) *DecodeError {
	return &DecodeError{Code: "bad_request", Message: message}
}

// Setup is the first message on a connection and binds it to a call leg.
// For outbound calls the contact is the remote "to" party; for inbound calls
// it is the originating "from" party.
type Setup struct {
	Type      string `json:"type"`
	SessionID string `json:"sessionId,omitempty"`
	CallSID   string `json:"callSid,omitempty"`
	From      string `json:"from"`
	To        string `json:"to"`
	Direction string `json:"direction,omitempty"`
}

func (s Setup) ContactKey() string {
	if strings.Contains(strings.ToLower(s.Direction), "outbound") {
		return strings.TrimSpace(s.To)
	}
	return strings.TrimSpace(s.From)
}

// Prompt carries a finalized voice utterance from the transport's recognizer.
type Prompt struct {
	Type        string `json:"type"`
	VoicePrompt string `json:"voicePrompt"`
	Lang        string `json:"lang,omitempty"`
}

// UserMessage carries a typed user turn. Some transport versions use
// "content", older ones "message"; Text resolves whichever is present.
type UserMessage struct {
	Type    string `json:"type"`
	Content string `json:"content,omitempty"`
	Message string `json:"message,omitempty"`
}

func (m UserMessage) Text() string {
	if m.Content != "" {
		return m.Content
	}
	return m.Message
}

type Interrupt struct {
	Type                    string `json:"type"`
	UtteranceUntilInterrupt string `json:"utteranceUntilInterrupt,omitempty"`
}

type DTMF struct {
	Type  string `json:"type"`
	Digit string `json:"digit"`
}

// Info messages are heartbeat/status frames; observed, never acted on.
type Info struct {
	Type string `json:"type"`
	Raw  json.RawMessage
}

// ErrorMessage surfaces a transport-side fault. It does not close the
// connection by itself.
type ErrorMessage struct {
	Type        string `json:"type"`
	Description string `json:"description,omitempty"`
}

// Unknown is returned for unrecognized type discriminators so callers can
// drop the frame with a diagnostic instead of failing the connection.
type Unknown struct {
	Type string
}

// DecodeInbound parses one inbound frame into its typed message. Malformed
// frames and missing discriminators return a *DecodeError.
func DecodeInbound(data []byte) (any, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		return nil, badRequest("invalid json frame")
	}
	typ := strings.TrimSpace(envelope.Type)
	if typ == "" {
		return nil, badRequest("missing type")
	}

	switch typ {
	case "setup":
		var msg Setup
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid setup frame")
		}
		if strings.TrimSpace(msg.From) == "" && strings.TrimSpace(msg.To) == "" {
			return nil, badRequest("setup requires from or to")
		}
		return msg, nil
	case "prompt":
		var msg Prompt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid prompt frame")
		}
		return msg, nil
	case "message":
		var msg UserMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid message frame")
		}
		return msg, nil
	case "interrupt":
		var msg Interrupt
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid interrupt frame")
		}
		return msg, nil
	case "dtmf":
		var msg DTMF
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid dtmf frame")
		}
		if strings.TrimSpace(msg.Digit) == "" {
			return nil, badRequest("dtmf.digit is required")
		}
		return msg, nil
	case "info":
		return Info{Type: typ, Raw: append(json.RawMessage(nil), data...)}, nil
	case "error":
		var msg ErrorMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			return nil, badRequest("invalid error frame")
		}
		return msg, nil
	default:
		return Unknown{Type: typ}, nil
	}
}

// TextToken is one streamed chunk of assistant speech/text. Last marks the
// end of the utterance and must be propagated exactly as the engine set it.
type TextToken struct {
	Type  string `json:"type"`
	Token string `json:"token"`
	Last  bool   `json:"last"`
}

func NewTextToken(token string, last bool) TextToken {
	return TextToken{Type: "text", Token: token, Last: last}
}

// Language switches the transport's synthesis and recognition languages.
type Language struct {
	Type                  string `json:"type"`
	TTSLanguage           string `json:"ttsLanguage"`
	TranscriptionLanguage string `json:"transcriptionLanguage"`
}

func NewLanguage(ttsLanguage, transcriptionLanguage string) Language {
	return Language{Type: "language", TTSLanguage: ttsLanguage, TranscriptionLanguage: transcriptionLanguage}
}

// End terminates the relay's duties and hands the call off. HandoffData is an
// opaquely serialized JSON object consumed by the transport's connect step.
type End struct {
	Type        string `json:"type"`
	HandoffData string `json:"handoffData"`
}

func NewEnd(handoffData map[string]any) (End, error) {
	if handoffData == nil {
		handoffData = map[string]any{}
	}
	raw, err := json.Marshal(handoffData)
	if err != nil {
		return End{}, fmt.Errorf("encode handoff data: %w", err)
	}
	return End{Type: "end", HandoffData: string(raw)}, nil
}

// EncodeOutbound serializes an outbound message for the wire.
func EncodeOutbound(v any) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode outbound frame: %w", err)
	}
	return data, nil
}
