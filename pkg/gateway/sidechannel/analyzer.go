// Package sidechannel runs conversational intelligence off the hot path. The
// analyzer watches turns, asks a small model for sentiment and intent, and
// publishes results over telemetry. It never blocks or fails a live turn.
package sidechannel

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/SaumilBapat/assured-emma-demo/pkg/gateway/telemetry"
)

const (
	historyLimit  = 20
	contextTurns  = 6
	minAnalyzeLen = 3
)

type turn struct {
	Role string `json:"role"`
	Text string `json:"text"`
}

// Analyzer keeps a rolling window of recent turns and scores the latest user
// utterance against them.
type Analyzer struct {
	APIKey  string
	BaseURL string
	Model   string
	Logger  *slog.Logger
	Emitter telemetry.Emitter

	HTTPClient *http.Client

	mu      sync.Mutex
	history []turn
	wg      sync.WaitGroup
}

func New(apiKey, baseURL, model string, logger *slog.Logger, emitter telemetry.Emitter) *Analyzer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		APIKey:     apiKey,
		BaseURL:    strings.TrimRight(baseURL, "/"),
		Model:      model,
		Logger:     logger,
		Emitter:    emitter,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Record appends a turn to the rolling window.
func (a *Analyzer) Record(role, text string) {
	if a == nil || strings.TrimSpace(text) == "" {
		return
	}
	a.mu.Lock()
	a.history = append(a.history, turn{Role: role, Text: text})
	if len(a.history) > historyLimit {
		a.history = a.history[len(a.history)-historyLimit:]
	}
	a.mu.Unlock()
}

// Analyze scores text in a detached goroutine. Errors are logged and
// swallowed; the caller gets nothing back by design of the side channel.
func (a *Analyzer) Analyze(contactKey, text string) {
	if a == nil || a.APIKey == "" {
		return
	}
	if len(strings.TrimSpace(text)) < minAnalyzeLen {
		return
	}

	a.mu.Lock()
	recent := make([]turn, 0, contextTurns)
	start := len(a.history) - contextTurns
	if start < 0 {
		start = 0
	}
	recent = append(recent, a.history[start:]...)
	a.mu.Unlock()

	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := a.analyze(ctx, contactKey, text, recent); err != nil {
			a.Logger.Warn("conversation analysis failed", "contact", contactKey, "err", err)
		}
	}()
}

// Wait blocks until in-flight analyses finish. Shutdown only.
func (a *Analyzer) Wait() {
	a.wg.Wait()
}

type insight struct {
	Sentiment string   `json:"sentiment"`
	Score     float64  `json:"score"`
	Intents   []string `json:"intents"`
	Entities  []string `json:"entities"`
	Flags     []string `json:"flags"`
}

func (a *Analyzer) analyze(ctx context.Context, contactKey, text string, recent []turn) error {
	var b strings.Builder
	for _, t := range recent {
		fmt.Fprintf(&b, "%s: %s\n", t.Role, t.Text)
	}

	system := "You analyze insurance-claim call transcripts. Respond with JSON only: " +
		`{"sentiment":"positive|neutral|negative","score":0.0,"intents":[],"entities":[],"flags":[]}. ` +
		"Flags may include escalation, churn_risk, compliance."
	user := fmt.Sprintf("Recent turns:\n%s\nLatest customer utterance: %s", b.String(), text)

	raw, err := a.complete(ctx, []map[string]any{
		{"role": "system", "content": system},
		{"role": "user", "content": user},
	}, true)
	if err != nil {
		return err
	}

	var result insight
	if err := json.Unmarshal([]byte(raw), &result); err != nil {
		return fmt.Errorf("decode insight: %w", err)
	}
	if a.Emitter != nil {
		a.Emitter.Emit("ci:update", map[string]any{
			"phoneNumber": contactKey,
			"sentiment":   result.Sentiment,
			"score":       result.Score,
			"intents":     result.Intents,
			"entities":    result.Entities,
			"flags":       result.Flags,
		})
	}
	return nil
}

// AnalyzeDamageImage fetches an MMS attachment and asks a vision model to
// describe the damage. Fire-and-forget like Analyze.
func (a *Analyzer) AnalyzeDamageImage(contactKey, mediaURL, fetchUser, fetchPass, visionModel string) {
	if a == nil || a.APIKey == "" || mediaURL == "" {
		return
	}
	a.wg.Add(1)
	go func() {
		defer a.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
		defer cancel()
		if err := a.analyzeImage(ctx, contactKey, mediaURL, fetchUser, fetchPass, visionModel); err != nil {
			a.Logger.Warn("damage image analysis failed", "contact", contactKey, "err", err)
		}
	}()
}

func (a *Analyzer) analyzeImage(ctx context.Context, contactKey, mediaURL, fetchUser, fetchPass, visionModel string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return fmt.Errorf("build media request: %w", err)
	}
	if fetchUser != "" {
		req.SetBasicAuth(fetchUser, fetchPass)
	}
	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("fetch media: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("fetch media: status %d", resp.StatusCode)
	}
	img, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("read media: %w", err)
	}
	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "image/jpeg"
	}
	dataURL := fmt.Sprintf("data:%s;base64,%s", contentType, base64.StdEncoding.EncodeToString(img))

	model := visionModel
	if model == "" {
		model = a.Model
	}
	raw, err := a.completeWithModel(ctx, model, []map[string]any{
		{"role": "system", "content": "You assess vehicle damage photos for an insurance claim. Respond with JSON only: " +
			`{"severity":"minor|moderate|severe","areas":[],"description":"","estimateHint":""}.`},
		{"role": "user", "content": []map[string]any{
			{"type": "text", "text": "Assess the damage in this photo."},
			{"type": "image_url", "image_url": map[string]any{"url": dataURL}},
		}},
	}, true)
	if err != nil {
		return err
	}

	var assessment map[string]any
	if err := json.Unmarshal([]byte(raw), &assessment); err != nil {
		return fmt.Errorf("decode assessment: %w", err)
	}
	if a.Emitter != nil {
		assessment["phoneNumber"] = contactKey
		a.Emitter.Emit("damage:analysis", assessment)
	}
	return nil
}

func (a *Analyzer) complete(ctx context.Context, messages []map[string]any, jsonMode bool) (string, error) {
	return a.completeWithModel(ctx, a.Model, messages, jsonMode)
}

func (a *Analyzer) completeWithModel(ctx context.Context, model string, messages []map[string]any, jsonMode bool) (string, error) {
	payload := map[string]any{
		"model":    model,
		"messages": messages,
	}
	if jsonMode {
		payload["response_format"] = map[string]any{"type": "json_object"}
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.BaseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+a.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.HTTPClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("call model: %w", err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("model status %d", resp.StatusCode)
	}

	var parsed struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("model returned no choices")
	}
	return parsed.Choices[0].Message.Content, nil
}
