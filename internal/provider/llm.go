package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
)

// LLMClient talks to an OpenAI compatible chat completions endpoint.
type LLMClient struct {
	BaseURL    string
	APIKey     string
	Model      string
	HTTPClient *http.Client
}

func NewLLMClient(baseURL, apiKey, model string, client *http.Client) *LLMClient {
	return &LLMClient{BaseURL: baseURL, APIKey: apiKey, Model: model, HTTPClient: client}
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Complete returns the model's answer to prompt.
func (c *LLMClient) Complete(ctx context.Context, system, prompt string) (string, error) {
	req := chatRequest{Model: c.Model}
	if system != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: system})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: prompt})
	var resp chatResponse
	call := caller{name: "llm", baseURL: c.BaseURL, apiKey: c.APIKey, client: c.HTTPClient}
	if err := call.post(ctx, "chat/completions", req, &resp); err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 || strings.TrimSpace(resp.Choices[0].Message.Content) == "" {
		return "", &Error{Provider: "llm", Err: errors.New("empty completion")}
	}
	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}
