// Package openai is a completion backend for OpenAI-compatible
// /chat/completions endpoints.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"research/backend/internal/config"
	"research/backend/internal/llm"
)

const (
	backendName       = "openai"
	maxErrorBodyBytes = 8 * 1024
)

var ErrMissingAPIKey = errors.New("openai api key is not configured")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatAPIRequest struct {
	Model          string          `json:"model"`
	Messages       []Message       `json:"messages"`
	Temperature    *float64        `json:"temperature,omitempty"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type responseFormat struct {
	Type       string      `json:"type"`
	JSONSchema *jsonSchema `json:"json_schema,omitempty"`
}

type jsonSchema struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
	Strict bool           `json:"strict"`
}

type chatAPIResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
			Refusal string `json:"refusal"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

type Client struct {
	apiKey     string
	baseURL    string
	httpClient *http.Client
}

func NewClient(cfg config.Config, httpClient *http.Client) Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return Client{
		apiKey:     strings.TrimSpace(cfg.OpenAIAPIKey),
		baseURL:    strings.TrimRight(strings.TrimSpace(cfg.OpenAIBaseURL), "/"),
		httpClient: httpClient,
	}
}

// Complete sends one chat completion. Structured requests use the
// json_schema response format so compatible servers constrain the reply.
func (c Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return "", ErrMissingAPIKey
	}
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("prompt is required")
	}

	messages := make([]Message, 0, 2)
	if system := strings.TrimSpace(req.System); system != "" {
		messages = append(messages, Message{Role: "system", Content: system})
	}
	messages = append(messages, Message{Role: "user", Content: req.Prompt})

	temperature := req.Temperature
	apiReq := chatAPIRequest{
		Model:       strings.TrimSpace(req.Model),
		Messages:    messages,
		Temperature: &temperature,
	}
	if req.Schema != nil {
		apiReq.ResponseFormat = &responseFormat{
			Type: "json_schema",
			JSONSchema: &jsonSchema{
				Name:   req.Schema.Name,
				Schema: req.Schema.Definition,
				Strict: true,
			},
		}
	}

	payload, err := json.Marshal(apiReq)
	if err != nil {
		return "", fmt.Errorf("marshal openai request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("build openai request: %w", err)
	}
	httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", &llm.TransportError{Backend: backendName, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyBytes))
		return "", &llm.TransportError{
			Backend:    backendName,
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}

	var parsed chatAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return "", &llm.TransportError{Backend: backendName, StatusCode: resp.StatusCode, Err: fmt.Errorf("decode openai response: %w", err)}
	}
	if parsed.Error != nil && strings.TrimSpace(parsed.Error.Message) != "" {
		return "", &llm.TransportError{Backend: backendName, StatusCode: resp.StatusCode, Body: strings.TrimSpace(parsed.Error.Message)}
	}
	if len(parsed.Choices) == 0 {
		return "", &llm.TransportError{Backend: backendName, StatusCode: resp.StatusCode, Err: errors.New("response contained no choices")}
	}

	choice := parsed.Choices[0]
	if refusal := strings.TrimSpace(choice.Message.Refusal); refusal != "" {
		return "", fmt.Errorf("openai refused request: %s", refusal)
	}
	return choice.Message.Content, nil
}
