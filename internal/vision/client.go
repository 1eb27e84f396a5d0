// Markmill is a document to Markdown conversion service.
// Copyright (C) 2025 Matthew Burns
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <https://www.gnu.org/licenses/>.

// Package vision implements the describe.VisionClient port against an
// OpenAI-compatible chat-completions endpoint. Each Describe call makes
// exactly one upstream attempt; the describer owns all retry policy.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"markmill/internal/describe"
)

const systemPrompt = `You are an expert at describing images in documents.
Your task is to provide a clear, concise description of the image that helps
someone understand what the image shows and how it relates to the surrounding text.

Keep descriptions factual and focused. If the image contains text, include the
key textual content. If it's a diagram, chart, or figure, describe what it shows.
For photos, describe the subject matter.`

// Config controls the client.
type Config struct {
	// APIKey authenticates against the endpoint.
	APIKey string

	// BaseURL is the API root, e.g. "https://api.openai.com/v1".
	BaseURL string

	// Model is the vision-capable model identifier.
	Model string

	// RequestTimeout bounds one Describe call. Defaults to 60s.
	RequestTimeout time.Duration
}

// Client talks to a chat-completions endpoint with image_url content parts.
type Client struct {
	cfg        Config
	httpClient *http.Client
	logger     *log.Logger
}

// New constructs a Client.
func New(cfg Config, logger *log.Logger) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.openai.com/v1"
	}
	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout},
		logger:     logger,
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content any    `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// Describe sends the image plus its surrounding text to the model and
// returns the description. Non-2xx responses come back as a
// *describe.APIError so the describer can classify them for retry.
func (c *Client) Describe(ctx context.Context, req describe.Request) (string, error) {
	body, err := json.Marshal(c.buildRequest(req))
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	url := strings.TrimSuffix(c.cfg.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &describe.APIError{
			StatusCode: resp.StatusCode,
			Message:    errorMessage(respBody),
		}
	}

	var parsed chatResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(parsed.Choices) == 0 {
		return "", fmt.Errorf("response contained no choices")
	}

	description := strings.TrimSpace(parsed.Choices[0].Message.Content)
	if description == "" {
		c.logf("model returned an empty description")
		return "No description available", nil
	}
	return description, nil
}

func (c *Client) logf(format string, args ...any) {
	if c.logger != nil {
		c.logger.Printf("[vision] "+format, args...)
	}
}

// buildRequest assembles the chat messages: the fixed system prompt, then a
// user message carrying the context windows and the image as a data URL.
func (c *Client) buildRequest(req describe.Request) chatRequest {
	var contextPrompt strings.Builder
	if req.ContextBefore != "" {
		fmt.Fprintf(&contextPrompt, "Text before the image: %s\n\n", req.ContextBefore)
	}
	if req.ContextAfter != "" {
		fmt.Fprintf(&contextPrompt, "Text after the image: %s\n\n", req.ContextAfter)
	}

	userPrompt := fmt.Sprintf(
		"Please describe this image from a document.\n\n%sProvide a clear, concise description of what the image shows.",
		contextPrompt.String(),
	)

	dataURL := fmt.Sprintf("data:%s;base64,%s", req.MediaType, base64.StdEncoding.EncodeToString(req.Image))

	return chatRequest{
		Model:     c.cfg.Model,
		MaxTokens: 500,
		Messages: []chatMessage{
			{Role: "system", Content: systemPrompt},
			{Role: "user", Content: []contentPart{
				{Type: "text", Text: userPrompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURL, Detail: "auto"}},
			}},
		},
	}
}

// errorMessage pulls the API error message out of a failure body, falling
// back to the raw body when it is not the usual JSON envelope.
func errorMessage(body []byte) string {
	var envelope struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		return envelope.Error.Message
	}
	msg := strings.TrimSpace(string(body))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}
