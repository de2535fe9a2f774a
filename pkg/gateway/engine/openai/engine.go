// Package openai implements the dialogue engine contract against an
// OpenAI-compatible chat-completions endpoint with streaming responses and
// tool use.
package openai

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/engine"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/templatedata"
	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/tools"
)

// Directive pseudo-tools are resolved by the engine itself instead of the
// tool registry; they translate into relay actions.
const (
	handoffTool  = "transfer_to_agent"
	languageTool = "set_language"
)

// maxToolRounds bounds the tool-call loop within one Run so a confused model
// cannot spin forever.
const maxToolRounds = 5

type Config struct {
	APIKey  string
	BaseURL string
	Model   string

	// Voice sessions get speech-friendly output guidance.
	Voice bool
}

// Engine is one conversation's model-backed dialogue state. All exported
// methods are safe for concurrent use; Run itself is serialized by callers.
type Engine struct {
	cfg      Config
	client   *streamClient
	registry *tools.Registry
	template templatedata.Data
	logger   *slog.Logger

	mu       sync.Mutex
	history  []chatMessage
	observer engine.Observer
	toolData templatedata.ToolData
}

func New(cfg Config, registry *tools.Registry, template templatedata.Data, logger *slog.Logger) (*Engine, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai engine: api key is required")
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("openai engine: model is required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	e := &Engine{
		cfg:      cfg,
		client:   newStreamClient(cfg.APIKey, cfg.BaseURL),
		registry: registry,
		template: template,
		logger:   logger,
		toolData: template.Tools,
	}
	e.history = append(e.history, chatMessage{Role: engine.RoleSystem, Content: e.systemPrompt()})
	return e, nil
}

func (e *Engine) systemPrompt() string {
	var b strings.Builder
	b.WriteString(e.template.Persona)
	if e.cfg.Voice {
		b.WriteString("\nYou are on a live phone call. Keep replies brief and speakable; never use markdown, lists, or emoji.")
	} else {
		b.WriteString("\nYou are texting with the customer. Keep replies short; one message per turn.")
	}
	b.WriteString("\nWhen the customer asks for a human, call transfer_to_agent. To switch languages, call set_language.")
	return b.String()
}

func (e *Engine) SetCallContext(_ context.Context, originator, destination, direction, sessionID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolData.CallerPhoneNumber = originator
	if strings.Contains(strings.ToLower(direction), "outbound") {
		e.toolData.CallerPhoneNumber = destination
	}
	e.history = append(e.history, chatMessage{
		Role: engine.RoleSystem,
		Content: fmt.Sprintf("Call context: from=%s to=%s direction=%s session=%s. The customer's number is %s.",
			originator, destination, direction, sessionID, e.toolData.CallerPhoneNumber),
	})
	return nil
}

func (e *Engine) NotifyInitialCallParams(ctx context.Context) error {
	e.mu.Lock()
	greeting := e.template.Greeting
	e.history = append(e.history, chatMessage{
		Role:    engine.RoleSystem,
		Content: fmt.Sprintf("The line is now live. Greet the customer. Suggested greeting: %q", greeting),
	})
	e.mu.Unlock()
	return e.Run(ctx)
}

func (e *Engine) AddMessage(role, content string) {
	e.mu.Lock()
	e.history = append(e.history, chatMessage{Role: role, Content: content})
	e.mu.Unlock()
}

func (e *Engine) Subscribe(o engine.Observer) {
	e.mu.Lock()
	e.observer = o
	e.mu.Unlock()
}

func (e *Engine) Unsubscribe() {
	e.mu.Lock()
	e.observer = nil
	e.mu.Unlock()
}

func (e *Engine) currentObserver() engine.Observer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.observer
}

// Run executes one turn: stream a completion, resolve any tool calls, repeat
// until the model produces plain text, then signal the utterance end.
func (e *Engine) Run(ctx context.Context) error {
	var spoke bool

	for round := 0; round < maxToolRounds; round++ {
		e.mu.Lock()
		messages := append([]chatMessage(nil), e.history...)
		toolData := e.toolData
		e.mu.Unlock()

		reply, err := e.client.stream(ctx, e.cfg.Model, messages, e.declarations(), func(token string) {
			spoke = true
			if o := e.currentObserver(); o != nil {
				o.OnText(token, false)
			}
		})
		if err != nil {
			return fmt.Errorf("engine turn: %w", err)
		}

		if reply.content != "" {
			e.AddMessage(engine.RoleAssistant, reply.content)
		}
		if len(reply.toolCalls) == 0 {
			break
		}

		e.mu.Lock()
		e.history = append(e.history, chatMessage{Role: engine.RoleAssistant, ToolCalls: reply.toolCalls})
		e.mu.Unlock()

		handedOff := false
		for _, call := range reply.toolCalls {
			result, stop := e.dispatch(ctx, call, toolData)
			if stop {
				handedOff = true
				break
			}
			e.mu.Lock()
			e.history = append(e.history, chatMessage{Role: "tool", ToolCallID: call.ID, Content: result})
			e.mu.Unlock()
		}
		if handedOff {
			return nil
		}
	}

	if o := e.currentObserver(); o != nil {
		if !spoke {
			e.logger.Debug("engine turn produced no text")
		}
		o.OnText("", true)
	}
	return nil
}

// dispatch resolves one tool call. stop reports that the turn should end
// without a closing text marker, which only handoff does.
func (e *Engine) dispatch(ctx context.Context, call toolCall, toolData templatedata.ToolData) (string, bool) {
	args := call.ParsedArguments()
	switch call.Name() {
	case handoffTool:
		data := map[string]any{"reasonCode": "live-agent"}
		if reason, _ := args["reason"].(string); reason != "" {
			data["reason"] = reason
		}
		if summary, _ := args["summary"].(string); summary != "" {
			data["conversationSummary"] = summary
		}
		if o := e.currentObserver(); o != nil {
			o.OnHandoff(data)
		}
		return "", true
	case languageTool:
		tts, _ := args["ttsLanguage"].(string)
		transcription, _ := args["transcriptionLanguage"].(string)
		if transcription == "" {
			transcription = tts
		}
		if o := e.currentObserver(); o != nil {
			o.OnLanguage(tts, transcription)
		}
		return tools.OK(map[string]any{"ttsLanguage": tts, "transcriptionLanguage": transcription}).JSON(), false
	default:
		if e.registry == nil {
			return tools.Fail("no tools available").JSON(), false
		}
		result := e.registry.Execute(ctx, call.Name(), args, toolData)
		e.logger.Info("tool executed", "tool", call.Name(), "success", result.Success)
		return result.JSON(), false
	}
}

// declarations builds the model-facing tool list: registry tools plus the
// relay directives.
func (e *Engine) declarations() []map[string]any {
	var decls []map[string]any
	if e.registry != nil {
		for _, t := range e.registry.List() {
			decls = append(decls, map[string]any{
				"type": "function",
				"function": map[string]any{
					"name":        t.Name(),
					"description": t.Description(),
					"parameters":  t.Parameters(),
				},
			})
		}
	}
	decls = append(decls,
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        handoffTool,
				"description": "Transfer the customer to a live agent. Use when the customer asks for a human or the conversation needs escalation.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"reason":  map[string]any{"type": "string"},
						"summary": map[string]any{"type": "string", "description": "One-paragraph summary of the conversation so far."},
					},
					"required": []string{"reason"},
				},
			},
		},
		map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        languageTool,
				"description": "Switch the conversation's speech synthesis and transcription language.",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"ttsLanguage":           map[string]any{"type": "string", "description": "BCP-47 tag, e.g. es-MX."},
						"transcriptionLanguage": map[string]any{"type": "string"},
					},
					"required": []string{"ttsLanguage"},
				},
			},
		},
	)
	return decls
}
