package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Stream is a live, cancellable token sequence. Tokens closes when the
// reply is complete; Err carries at most one mid-stream failure. Cancel
// aborts the request and is how barge-in stops an in-flight generation.
type Stream struct {
	Tokens <-chan string
	Err    <-chan error
	Cancel context.CancelFunc
}

type CerebrasClient struct {
	HTTPClient *http.Client
	APIKey     string
	Model      string
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
	Stream   bool          `json:"stream,omitempty"`
}

type streamDelta struct {
	Content string `json:"content"`
}

type streamChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Delta        streamDelta `json:"delta"`
}

type streamChunk struct {
	Choices []streamChoice `json:"choices"`
}

const endpoint = "https://api.cerebras.ai/v1/chat/completions"

func NewCerebrasClient(apiKey, model string) *CerebrasClient {
	return &CerebrasClient{
		// No client-level timeout: a streaming response stays open for the
		// whole reply and is bounded by the caller's context instead.
		HTTPClient: &http.Client{},
		APIKey:     apiKey,
		Model:      model,
	}
}

// GenerateStream opens a streaming completion for the prompt. The request
// runs until the server finishes, the stream is cancelled, or an error
// surfaces on Err.
func (c *CerebrasClient) GenerateStream(ctx context.Context, prompt string) (*Stream, error) {
	if c.APIKey == "" {
		return nil, fmt.Errorf("cerebras api key missing")
	}

	ctx, cancel := context.WithCancel(ctx)

	messages := []chatMessage{
		{Role: "system", Content: "You are a helpful, concise voice AI agent. Answer clearly and briefly."},
		{Role: "user", Content: prompt},
	}
	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: c.Model, Messages: messages, Stream: true})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, fmt.Errorf("cerebras error: status=%d body=%s", resp.StatusCode, string(b))
	}

	tokens := make(chan string, 64)
	errCh := make(chan error, 1)
	go func() {
		defer close(errCh)
		defer close(tokens)
		defer resp.Body.Close()
		if err := readSSE(ctx, resp.Body, tokens); err != nil && ctx.Err() == nil {
			errCh <- err
		}
	}()

	return &Stream{Tokens: tokens, Err: errCh, Cancel: cancel}, nil
}

// readSSE forwards delta content from data: lines until [DONE].
func readSSE(ctx context.Context, body io.Reader, tokens chan<- string) error {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			return nil
		}
		var chunk streamChunk
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return fmt.Errorf("cerebras: bad stream chunk: %w", err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		tok := chunk.Choices[0].Delta.Content
		if tok == "" {
			continue
		}
		select {
		case tokens <- tok:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("cerebras: stream read: %w", err)
	}
	return nil
}

// Generate collects a full reply in one call, for callers that do not need
// incremental synthesis.
func (c *CerebrasClient) Generate(ctx context.Context, prompt string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()
	stream, err := c.GenerateStream(ctx, prompt)
	if err != nil {
		return "", err
	}
	defer stream.Cancel()
	var b strings.Builder
	for tok := range stream.Tokens {
		b.WriteString(tok)
	}
	if err := <-stream.Err; err != nil {
		return "", err
	}
	return strings.TrimSpace(b.String()), nil
}
