package tools

import (
	"context"
	"strings"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/templatedata"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/twilio"
)

// Sender is the messaging surface SendRCS needs; satisfied by *twilio.Client.
type Sender interface {
	Configured() bool
	Send(ctx context.Context, msg twilio.Message) (twilio.SendResult, error)
}

// SendRCS pushes a rich card (or plain-text fallback) to the caller. The
// destination is always the session's caller number; a model-supplied "to"
// argument is ignored.
type SendRCS struct {
	Client Sender
}

func (SendRCS) Name() string { return "sendRCS" }

func (SendRCS) Description() string {
	return "Send the customer an RCS rich card (falls back to SMS) with claim details or next steps. Run checkTcpaCompliance first."
}

func (SendRCS) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"message": map[string]any{
				"type":        "string",
				"description": "Body text for the card or SMS fallback.",
			},
			"title": map[string]any{
				"type":        "string",
				"description": "Optional card title.",
			},
		},
		"required": []string{"message"},
	}
}

func (s SendRCS) Execute(ctx context.Context, args map[string]any, data templatedata.ToolData) Result {
	if s.Client == nil || !s.Client.Configured() {
		return Fail("messaging is not configured")
	}
	body := strings.TrimSpace(stringArg(args, "message"))
	if body == "" {
		return Fail("message is required")
	}
	to := strings.TrimSpace(data.CallerPhoneNumber)
	if to == "" {
		return Fail("no caller number on this session")
	}

	msg := twilio.Message{To: to}
	channel := "sms"
	if data.TwilioContentSID != "" && data.TwilioMessagingServiceSID != "" {
		// Content-template path renders as RCS where the handset supports it.
		msg.ContentSID = data.TwilioContentSID
		msg.MessagingServiceSID = data.TwilioMessagingServiceSID
		msg.ContentVariables = map[string]string{
			"1": strings.TrimSpace(stringArg(args, "title")),
			"2": body,
		}
		channel = "rcs"
	} else {
		msg.From = data.TwilioNumber
		if title := strings.TrimSpace(stringArg(args, "title")); title != "" {
			msg.Body = title + "\n" + body
		} else {
			msg.Body = body
		}
	}

	result, err := s.Client.Send(ctx, msg)
	if err != nil {
		return Fail("send message: %v", err)
	}
	return OK(map[string]any{
		"messageSid": result.SID,
		"status":     result.Status,
		"channel":    channel,
		"to":         to,
	})
}
