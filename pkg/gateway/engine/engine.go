// Package engine defines the dialogue engine contract the relay drives. A
// concrete engine owns conversation history and tool use; the relay only
// feeds it turns and watches for streamed output.
package engine

import "context"

// Message roles mirror chat-completion conventions.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

type Message struct {
	Role    string
	Content string
}

// Observer receives engine output as it is produced. Callbacks arrive on the
// engine's goroutine; implementations must not block for long.
type Observer interface {
	// OnText delivers one streamed chunk. last marks the end of the
	// utterance and may carry an empty token.
	OnText(token string, last bool)

	// OnHandoff signals that the engine wants the call transferred to a
	// live agent. data is the handoff payload as the engine assembled it.
	OnHandoff(data map[string]any)

	// OnLanguage signals a synthesis/recognition language switch.
	OnLanguage(ttsLanguage, transcriptionLanguage string)
}

// Engine is one conversation's dialogue state.
type Engine interface {
	// SetCallContext primes the engine with the call's identity before the
	// first turn. Must be called exactly once, before Run.
	SetCallContext(ctx context.Context, originator, destination, direction, sessionID string) error

	// NotifyInitialCallParams tells the engine the transport is live so it
	// can produce the opening utterance. Implies a Run.
	NotifyInitialCallParams(ctx context.Context) error

	// AddMessage appends a turn to history without running the engine.
	AddMessage(role, content string)

	// Run executes one engine turn over the accumulated history. Output is
	// delivered to the subscribed observer.
	Run(ctx context.Context) error

	// Subscribe attaches the single observer; Unsubscribe detaches it.
	// An engine with no observer discards output.
	Subscribe(o Observer)
	Unsubscribe()
}

// Factory builds an engine for one contact. voice distinguishes call legs
// from text-message legs so the engine can tune its output style.
type Factory func(contactKey string, voice bool) (Engine, error)
