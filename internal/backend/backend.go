// Package backend talks to an OpenAI-compatible chat-completions endpoint.
// The orchestrator consumes whole replies, so requests are non-streaming.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"albert/internal/domain"
	"albert/internal/ledger"
)

// Model sends one prompt pair and returns the reply text plus usage counts.
// Implementations must not retry; a transport failure aborts the sequence.
type Model interface {
	Send(ctx context.Context, systemPrompt, userPrompt string) (string, domain.UsageStats, error)
}

// Client is the production Model implementation.
type Client struct {
	BaseURL     string
	ModelName   string
	APIKey      string
	Temperature float64
	ProjectRoot string
	HTTPClient  *http.Client
	Ledger      *ledger.Ledger
	Log         *slog.Logger
	Now         func() time.Time
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("model backend error: status=%d body=%s", e.StatusCode, e.Body)
}

// LoadAPIKey reads the key file under the project root and checks its shape.
func LoadAPIKey(projectRoot, keyFile string) (string, error) {
	path := filepath.Join(projectRoot, keyFile)
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("api key not found at %s: %w", path, err)
	}
	key := strings.TrimSpace(string(data))
	if !strings.HasPrefix(key, "sk-") {
		return "", fmt.Errorf("invalid api key format in %s (must start with sk-)", path)
	}
	return key, nil
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

// Send performs one chat-completions call. Every call, successful or not, is
// attributable: the raw exchange is persisted under the session directory and
// an api_response event is appended on success.
func (c *Client) Send(ctx context.Context, systemPrompt, userPrompt string) (string, domain.UsageStats, error) {
	requestID := uuid.New().String()
	messages := []chatMessage{
		{Role: "system", Content: systemPrompt},
		{Role: "user", Content: userPrompt},
	}
	body, err := json.Marshal(chatRequest{
		Model:       c.ModelName,
		Messages:    messages,
		Temperature: c.Temperature,
	})
	if err != nil {
		return "", domain.UsageStats{}, err
	}

	url := strings.TrimRight(c.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", domain.UsageStats{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.APIKey)

	c.Log.Info("requesting model", "model", c.ModelName, "request_id", requestID)

	httpClient := c.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 5 * time.Minute}
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", domain.UsageStats{}, fmt.Errorf("model backend unreachable: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", domain.UsageStats{}, fmt.Errorf("read model response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return "", domain.UsageStats{}, &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	var decoded chatResponse
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return "", domain.UsageStats{}, fmt.Errorf("decode model response: %w", err)
	}
	if len(decoded.Choices) == 0 {
		return "", domain.UsageStats{}, fmt.Errorf("model response has no choices")
	}
	content := decoded.Choices[0].Message.Content
	usage := domain.UsageStats{
		PromptTokens:     decoded.Usage.PromptTokens,
		CompletionTokens: decoded.Usage.CompletionTokens,
		TotalTokens:      decoded.Usage.TotalTokens,
	}

	payloadRef := c.logRawExchange(requestID, messages, usage, raw)
	if c.Ledger != nil {
		if _, err := c.Ledger.AppendEvent(domain.ActorModel, domain.ActionAPIResponse, payloadRef, nil); err != nil {
			c.Log.Warn("ledger append failed", "error", err)
		}
	}
	return content, usage, nil
}

// logRawExchange persists the full request/response pair under
// sessions/<date>/raw_exchanges/<uuid>.json and returns its root-relative
// ref, or "" when persisting failed (the call itself still succeeds).
func (c *Client) logRawExchange(requestID string, messages []chatMessage, usage domain.UsageStats, rawResponse []byte) string {
	if c.ProjectRoot == "" {
		return ""
	}
	day := c.now().Format("2006-01-02")
	dir := filepath.Join(c.ProjectRoot, "sessions", day, "raw_exchanges")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		c.Log.Warn("cannot create raw exchange dir", "dir", dir, "error", err)
		return ""
	}
	record := map[string]any{
		"request_id":     requestID,
		"timestamp":      c.now().Format(time.RFC3339),
		"model_used":     c.ModelName,
		"input_messages": messages,
		"usage_stats":    usage,
		"raw_response":   json.RawMessage(rawResponse),
	}
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return ""
	}
	path := filepath.Join(dir, requestID+".json")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		c.Log.Warn("cannot write raw exchange", "path", path, "error", err)
		return ""
	}
	return filepath.ToSlash(filepath.Join("sessions", day, "raw_exchanges", requestID+".json"))
}
