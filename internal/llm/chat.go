// Package llm generates the avatar's replies with a chat-completions API.
package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gillesmich/avatarai/internal/failure"
)

const providerName = "openai"

// Message is one chat turn in the provider's wire form.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a reply to produce: prior turns plus the new user text.
type Request struct {
	History     []Message
	NewUserText string
	ModelID     string
}

// ChatClient streams replies from any OpenAI-compatible endpoint.
type ChatClient struct {
	HTTPClient   *http.Client
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	// RevealStep paces the word-by-word reveal used when the endpoint
	// answers without streaming.
	RevealStep time.Duration
}

type chatCompletionsRequest struct {
	Model    string    `json:"model"`
	Messages []Message `json:"messages"`
	Stream   bool      `json:"stream,omitempty"`
}

type chatCompletionsResponse struct {
	Choices []struct {
		Message Message `json:"message"`
	} `json:"choices"`
}

type chatChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

func NewChatClient(baseURL, apiKey, model, systemPrompt string, timeout time.Duration) *ChatClient {
	if timeout <= 0 {
		timeout = 45 * time.Second
	}
	return &ChatClient{
		HTTPClient:   &http.Client{Timeout: timeout},
		BaseURL:      strings.TrimRight(baseURL, "/"),
		APIKey:       apiKey,
		Model:        model,
		SystemPrompt: systemPrompt,
		RevealStep:   30 * time.Millisecond,
	}
}

// Stream asks for a reply and calls onDelta with each text fragment as it
// arrives. It returns the complete reply.
func (c *ChatClient) Stream(ctx context.Context, req Request, onDelta func(string)) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("openai api key missing")
	}
	if strings.TrimSpace(req.NewUserText) == "" {
		return "", errors.New("llm: empty user text")
	}
	model := req.ModelID
	if model == "" {
		model = c.Model
	}
	messages := make([]Message, 0, len(req.History)+2)
	if c.SystemPrompt != "" {
		messages = append(messages, Message{Role: "system", Content: c.SystemPrompt})
	}
	messages = append(messages, req.History...)
	messages = append(messages, Message{Role: "user", Content: req.NewUserText})

	reqBody, _ := json.Marshal(chatCompletionsRequest{Model: model, Messages: messages, Stream: true})
	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/chat/completions", bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	hreq.Header.Set("Authorization", "Bearer "+c.APIKey)
	hreq.Header.Set("Content-Type", "application/json")
	hreq.Header.Set("Accept", "text/event-stream")

	resp, err := c.HTTPClient.Do(hreq)
	if err != nil {
		return "", fmt.Errorf("openai http error: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return "", &failure.ProviderError{Provider: providerName, StatusCode: resp.StatusCode, RawBody: strings.TrimSpace(string(b))}
	}
	if strings.HasPrefix(resp.Header.Get("Content-Type"), "text/event-stream") {
		return consumeStream(resp.Body, onDelta)
	}
	return c.reveal(ctx, resp.Body, onDelta)
}

func consumeStream(body io.Reader, onDelta func(string)) (string, error) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)

	var out strings.Builder
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if line == "[DONE]" {
			break
		}
		var chunk chatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil || len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}
		out.WriteString(delta)
		if onDelta != nil {
			onDelta(delta)
		}
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("openai stream read: %w", err)
	}
	answer := strings.TrimSpace(out.String())
	if answer == "" {
		return "", fmt.Errorf("openai: empty reply")
	}
	return answer, nil
}

// reveal handles a non-streamed answer by replaying it word by word so the
// partial reply still grows progressively.
func (c *ChatClient) reveal(ctx context.Context, body io.Reader, onDelta func(string)) (string, error) {
	var cr chatCompletionsResponse
	if err := json.NewDecoder(body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("openai: empty choices")
	}
	answer := strings.TrimSpace(cr.Choices[0].Message.Content)
	if answer == "" {
		return "", fmt.Errorf("openai: empty reply")
	}
	if onDelta == nil {
		return answer, nil
	}
	for i, w := range strings.Fields(answer) {
		if i > 0 {
			w = " " + w
			select {
			case <-ctx.Done():
				return answer, ctx.Err()
			case <-time.After(c.RevealStep):
			}
		}
		onDelta(w)
	}
	return answer, nil
}
