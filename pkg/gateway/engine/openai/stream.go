package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const defaultBaseURL = "https://api.openai.com/v1"

type chatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content,omitempty"`
	ToolCalls  []toolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

type toolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

func (c toolCall) Name() string { return c.Function.Name }

// ParsedArguments decodes the accumulated arguments JSON; malformed payloads
// come back empty so tool executors can report the missing fields themselves.
func (c toolCall) ParsedArguments() map[string]any {
	out := map[string]any{}
	if c.Function.Arguments != "" {
		_ = json.Unmarshal([]byte(c.Function.Arguments), &out)
	}
	return out
}

// reply is one completed stream: the concatenated text plus any tool calls
// the model requested.
type reply struct {
	content   string
	toolCalls []toolCall
}

type streamClient struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func newStreamClient(apiKey, baseURL string) *streamClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &streamClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		// No overall timeout; streams are bounded by the caller's ctx.
		httpClient: &http.Client{Timeout: 0},
	}
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content   string `json:"content"`
			ToolCalls []struct {
				Index    int    `json:"index"`
				ID       string `json:"id"`
				Type     string `json:"type"`
				Function struct {
					Name      string `json:"name"`
					Arguments string `json:"arguments"`
				} `json:"function"`
			} `json:"tool_calls"`
		} `json:"delta"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

// stream runs one streaming completion, invoking onToken for every content
// delta and accumulating tool calls across chunks.
func (c *streamClient) stream(ctx context.Context, model string, messages []chatMessage, decls []map[string]any, onToken func(string)) (reply, error) {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
		"stream":   true,
	}
	if len(decls) > 0 {
		payload["tools"] = decls
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return reply{}, fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return reply{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return reply{}, fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return reply{}, fmt.Errorf("model status %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}

	var (
		content strings.Builder
		calls   []toolCall
	)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if data == "[DONE]" {
			break
		}

		var chunk streamChunk
		if err := json.Unmarshal([]byte(data), &chunk); err != nil {
			return reply{}, fmt.Errorf("decode stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			content.WriteString(delta.Content)
			if onToken != nil {
				onToken(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			for len(calls) <= tc.Index {
				calls = append(calls, toolCall{Type: "function"})
			}
			if tc.ID != "" {
				calls[tc.Index].ID = tc.ID
			}
			if tc.Function.Name != "" {
				calls[tc.Index].Function.Name = tc.Function.Name
			}
			calls[tc.Index].Function.Arguments += tc.Function.Arguments
		}
	}
	if err := scanner.Err(); err != nil {
		return reply{}, fmt.Errorf("read stream: %w", err)
	}

	return reply{content: content.String(), toolCalls: calls}, nil
}
