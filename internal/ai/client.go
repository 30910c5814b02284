// Package ai talks to an OpenAI-compatible chat completion endpoint. The
// default configuration points at the Gemini OpenAI compatibility layer, but
// any server speaking the same protocol works.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Chat roles understood by the completion endpoint.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single chat turn.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Client issues chat completion requests.
type Client struct {
	httpc   *http.Client
	baseURL string
	apiKey  string
	model   string
	logger  *zap.Logger
}

// New builds a client for the given endpoint. baseURL must point at the root
// of an OpenAI-compatible API (the path ending in /openai/ for Gemini).
func New(baseURL, apiKey, model string, timeout time.Duration, logger *zap.Logger) *Client {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		httpc:   &http.Client{Timeout: timeout},
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		logger:  logger,
	}
}

type completionRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	N        int       `json:"n"`
}

type completionResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

// Complete sends the conversation and returns the model's reply. A non-empty
// systemPrompt is prepended as the system turn.
func (c *Client) Complete(ctx context.Context, messages []Message, systemPrompt string) (string, error) {
	turns := make([]Message, 0, len(messages)+1)
	if systemPrompt != "" {
		turns = append(turns, Message{Role: RoleSystem, Content: systemPrompt})
	}
	turns = append(turns, messages...)

	body, err := json.Marshal(completionRequest{Model: c.model, Messages: turns, N: 1})
	if err != nil {
		return "", fmt.Errorf("encode completion request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build completion request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	c.logger.Debug("sending completion request",
		zap.String("model", c.model), zap.Int("messages", len(turns)))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("completion request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", fmt.Errorf("read completion response: %w", err)
	}

	var parsed completionResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", fmt.Errorf("decode completion response (status %d): %w", resp.StatusCode, err)
	}
	if parsed.Error != nil {
		return "", fmt.Errorf("completion api error (status %d): %s", resp.StatusCode, parsed.Error.Message)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("completion api returned status %d", resp.StatusCode)
	}
	if len(parsed.Choices) == 0 || parsed.Choices[0].Message.Content == "" {
		return "", fmt.Errorf("completion api returned no content")
	}
	return parsed.Choices[0].Message.Content, nil
}
