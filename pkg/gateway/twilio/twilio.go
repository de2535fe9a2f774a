// Package twilio is a minimal REST client for the Messages endpoint: enough
// to send SMS, MMS, and RCS/content-template messages.
package twilio

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultBaseURL = "https://api.twilio.com"

type Client struct {
	accountSID string
	authToken  string
	baseURL    string
	httpClient *http.Client
}

// New builds a client. baseURL overrides the public API host for tests; pass
// "" for production.
func New(accountSID, authToken, baseURL string) *Client {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	return &Client{
		accountSID: accountSID,
		authToken:  authToken,
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *Client) Configured() bool {
	return c != nil && c.accountSID != "" && c.authToken != ""
}

// Message is the outbound message request. Exactly one of Body or ContentSID
// must be set; From and MessagingServiceSID are alternatives for the sender.
type Message struct {
	To                  string
	From                string
	MessagingServiceSID string
	Body                string
	MediaURL            string
	ContentSID          string
	ContentVariables    map[string]string
}

// SendResult carries the fields of the create-message response we care about.
type SendResult struct {
	SID    string `json:"sid"`
	Status string `json:"status"`
}

type apiError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Send posts the message to the Messages endpoint.
func (c *Client) Send(ctx context.Context, msg Message) (SendResult, error) {
	if !c.Configured() {
		return SendResult{}, fmt.Errorf("twilio: client not configured")
	}
	if msg.To == "" {
		return SendResult{}, fmt.Errorf("twilio: message requires To")
	}
	if msg.Body == "" && msg.ContentSID == "" {
		return SendResult{}, fmt.Errorf("twilio: message requires Body or ContentSid")
	}

	form := url.Values{}
	form.Set("To", msg.To)
	if msg.From != "" {
		form.Set("From", msg.From)
	}
	if msg.MessagingServiceSID != "" {
		form.Set("MessagingServiceSid", msg.MessagingServiceSID)
	}
	if msg.Body != "" {
		form.Set("Body", msg.Body)
	}
	if msg.MediaURL != "" {
		form.Set("MediaUrl", msg.MediaURL)
	}
	if msg.ContentSID != "" {
		form.Set("ContentSid", msg.ContentSID)
		vars := msg.ContentVariables
		if vars == nil {
			vars = map[string]string{}
		}
		raw, err := json.Marshal(vars)
		if err != nil {
			return SendResult{}, fmt.Errorf("twilio: encode content variables: %w", err)
		}
		form.Set("ContentVariables", string(raw))
	}

	endpoint := fmt.Sprintf("%s/2010-04-01/Accounts/%s/Messages.json", c.baseURL, c.accountSID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return SendResult{}, fmt.Errorf("twilio: build request: %w", err)
	}
	req.SetBasicAuth(c.accountSID, c.authToken)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return SendResult{}, fmt.Errorf("twilio: send message: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return SendResult{}, fmt.Errorf("twilio: read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr apiError
		if json.Unmarshal(body, &apiErr) == nil && apiErr.Message != "" {
			return SendResult{}, fmt.Errorf("twilio: %d %s (code %d)", resp.StatusCode, apiErr.Message, apiErr.Code)
		}
		return SendResult{}, fmt.Errorf("twilio: unexpected status %d", resp.StatusCode)
	}

	var result SendResult
	if err := json.Unmarshal(body, &result); err != nil {
		return SendResult{}, fmt.Errorf("twilio: decode response: %w", err)
	}
	return result, nil
}
