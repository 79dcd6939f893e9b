package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/chadiek/avatar-runtime/internal/agent"
	"github.com/chadiek/avatar-runtime/internal/language"
)

// ChatClient talks to any OpenAI-compatible chat completions endpoint.
type ChatClient struct {
	HTTPClient   *http.Client
	BaseURL      string
	APIKey       string
	Model        string
	SystemPrompt string
	Temperature  float64
	MaxTokens    int
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatCompletionsRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Stream      bool          `json:"stream,omitempty"`
}

type chatChoice struct {
	Index        int         `json:"index"`
	FinishReason string      `json:"finish_reason"`
	Message      chatMessage `json:"message"`
}

type chatCompletionsResponse struct {
	ID      string       `json:"id"`
	Model   string       `json:"model"`
	Choices []chatChoice `json:"choices"`
}

func NewChatClient(baseURL, apiKey, model string) *ChatClient {
	return &ChatClient{
		HTTPClient:  &http.Client{Timeout: 30 * time.Second},
		BaseURL:     strings.TrimRight(baseURL, "/"),
		APIKey:      apiKey,
		Model:       model,
		Temperature: 0.7,
		MaxTokens:   150,
	}
}

// Respond implements agent.Responder. The system prompt is extended with an instruction
// to answer in the turn's language, and history is replayed as alternating messages.
func (c *ChatClient) Respond(ctx context.Context, text string, history []agent.Exchange, lang string) (string, error) {
	if c.APIKey == "" {
		return "", fmt.Errorf("llm api key missing")
	}
	endpoint := c.BaseURL + "/chat/completions"

	reqBody, err := json.Marshal(chatCompletionsRequest{
		Model:       c.Model,
		Messages:    c.messages(text, history, lang),
		Temperature: c.Temperature,
		MaxTokens:   c.MaxTokens,
	})
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(reqBody))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("llm error: status=%d body=%s", resp.StatusCode, string(b))
	}
	var cr chatCompletionsResponse
	if err := json.NewDecoder(resp.Body).Decode(&cr); err != nil {
		return "", err
	}
	if len(cr.Choices) == 0 {
		return "", fmt.Errorf("llm: empty choices")
	}
	return strings.TrimSpace(cr.Choices[0].Message.Content), nil
}

func (c *ChatClient) messages(text string, history []agent.Exchange, lang string) []chatMessage {
	system := c.SystemPrompt
	if system == "" {
		system = "You are a helpful, concise avatar assistant. Answer clearly and briefly."
	}
	if name := language.Name(lang); name != "" {
		system += " Always respond in " + name + "."
	}
	msgs := make([]chatMessage, 0, 2+2*len(history))
	msgs = append(msgs, chatMessage{Role: "system", Content: system})
	for _, ex := range history {
		msgs = append(msgs,
			chatMessage{Role: "user", Content: ex.User},
			chatMessage{Role: "assistant", Content: ex.Assistant},
		)
	}
	return append(msgs, chatMessage{Role: "user", Content: text})
}

// Echo answers without a model. It is the fallback when no LLM key is configured.
type Echo struct{}

func (Echo) Respond(ctx context.Context, text string, history []agent.Exchange, lang string) (string, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return "", nil
	}
	return "You said: " + text, nil
}
