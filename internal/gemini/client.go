// Package gemini is a completion backend for the Gemini API.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"research/backend/internal/llm"

	"google.golang.org/genai"
)

const backendName = "gemini"

var ErrMissingAPIKey = errors.New("gemini api key is not configured")

type generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

type Client struct {
	models generator
}

func NewClient(ctx context.Context, apiKey string) (*Client, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, ErrMissingAPIKey
	}
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  strings.TrimSpace(apiKey),
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}
	return &Client{models: client.Models}, nil
}

func (c *Client) Complete(ctx context.Context, req llm.Request) (string, error) {
	if strings.TrimSpace(req.Model) == "" {
		return "", errors.New("model is required")
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("prompt is required")
	}

	cfg := &genai.GenerateContentConfig{
		Temperature: genai.Ptr(float32(req.Temperature)),
	}
	if system := strings.TrimSpace(req.System); system != "" {
		cfg.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.Schema != nil {
		cfg.ResponseMIMEType = "application/json"
	}

	resp, err := c.models.GenerateContent(ctx, strings.TrimSpace(req.Model), genai.Text(req.Prompt), cfg)
	if err != nil {
		return "", transportError(err)
	}
	if resp == nil || len(resp.Candidates) == 0 {
		return "", &llm.TransportError{Backend: backendName, Err: errors.New("response contained no candidates")}
	}
	return resp.Text(), nil
}

func transportError(err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		return &llm.TransportError{Backend: backendName, StatusCode: apiErr.Code, Body: apiErr.Message, Err: err}
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) {
		return &llm.TransportError{Backend: backendName, StatusCode: apiErrPtr.Code, Body: apiErrPtr.Message, Err: err}
	}
	return &llm.TransportError{Backend: backendName, Err: err}
}
