package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/templatedata"
)

// optOutPhrases trigger a do-not-contact flag when found in a message the
// agent is about to send or has just received.
var optOutPhrases = []string{
	"stop",
	"stopall",
	"unsubscribe",
	"cancel",
	"end",
	"quit",
	"opt out",
	"opt-out",
	"do not contact",
	"do not text",
	"remove me",
}

// TCPACompliance screens message text for consent issues before any outbound
// messaging and files a tracking ticket for the check.
type TCPACompliance struct{}

func (TCPACompliance) Name() string { return "checkTcpaCompliance" }

func (TCPACompliance) Description() string {
	return "Check a message for TCPA compliance and opt-out language before sending it to the customer. Returns a compliance ticket id."
}

func (TCPACompliance) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "The message text to screen.",
			},
		},
		"required": []string{"message"},
	}
}

func (TCPACompliance) Execute(_ context.Context, args map[string]any, _ templatedata.ToolData) Result {
	message := strings.TrimSpace(stringArg(args, "message"))
	if message == "" {
		return Fail("message is required")
	}

	lowered := strings.ToLower(message)
	var flags []string
	for _, phrase := range optOutPhrases {
		if containsPhrase(lowered, phrase) {
			flags = append(flags, phrase)
		}
	}

	ticket := fmt.Sprintf("TCPA-2026-%s", strings.ToUpper(uuid.NewString()[:8]))
	data := map[string]any{
		"compliant":      len(flags) == 0,
		"optOutDetected": len(flags) > 0,
		"ticketId":       ticket,
	}
	if len(flags) > 0 {
		data["flaggedPhrases"] = flags
	}
	return OK(data)
}

// containsPhrase matches multi-word phrases as substrings and single words as
// whole tokens, so "stop" does not flag "bus stop schedule... nonstop".
func containsPhrase(lowered, phrase string) bool {
	if strings.ContainsAny(phrase, " -") {
		return strings.Contains(lowered, phrase)
	}
	for _, tok := range strings.FieldsFunc(lowered, func(r rune) bool {
		return !('a' <= r && r <= 'z') && !('0' <= r && r <= '9')
	}) {
		if tok == phrase {
			return true
		}
	}
	return false
}
