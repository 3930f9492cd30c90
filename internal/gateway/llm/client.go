// Package llm implements gateway.Generator over an OpenAI-compatible chat
// completions API. Without an API key it degrades to a deterministic local
// template so follow-ups keep flowing in development setups.
package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"sellerbot/internal/gateway"
	logx "sellerbot/pkg/logx"
)

const defaultBaseURL = "https://api.openai.com/v1"

type Config struct {
	BaseURL string
	APIKey  string
	Model   string
}

// modelAliases maps logical model names to provider model ids.
var modelAliases = map[string]string{
	"fast":     "gpt-4o-mini",
	"balanced": "gpt-4o",
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) *Client {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if strings.TrimSpace(cfg.Model) == "" {
		cfg.Model = "fast"
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: 60 * time.Second},
		log:  log,
	}
}

func (c *Client) resolveModel() string {
	if m, ok := modelAliases[c.cfg.Model]; ok {
		return m
	}
	return c.cfg.Model
}

const systemPrompt = "You write short, polite follow-up messages from a " +
	"marketplace seller to a buyer who showed interest but went quiet. " +
	"Answer with the message text only, in the buyer's language, no quotes."

// Generate produces the outgoing follow-up text from the step instructions
// and conversation metadata.
func (c *Client) Generate(ctx context.Context, instruction string, meta gateway.GenerateMeta) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if c.cfg.APIKey == "" {
		// Local fallback: echo the instruction so the pipeline stays testable
		// without provider credentials.
		c.log.Debug("llm generate (local fallback)",
			logx.String("model", c.resolveModel()), logx.Int64("tenant", meta.TenantID))
		return localFollowup(instruction), nil
	}

	payload := map[string]any{
		"model": c.resolveModel(),
		"messages": []map[string]string{
			{"role": "system", "content": systemPrompt},
			{"role": "user", "content": fmt.Sprintf("Step instructions: %s\nConversation: %s",
				strings.TrimSpace(instruction), meta.ConversationID)},
		},
		"max_tokens": 300,
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.cfg.BaseURL+"/chat/completions", strings.NewReader(string(b)))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("llm request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusTooManyRequests {
		return "", &gateway.RateLimitedError{}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return "", fmt.Errorf("llm status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var body struct {
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("llm decode: %w", err)
	}
	if len(body.Choices) == 0 {
		return "", fmt.Errorf("llm response has no choices")
	}
	text := strings.TrimSpace(body.Choices[0].Message.Content)
	if text == "" {
		return "", fmt.Errorf("llm returned empty content")
	}
	return text, nil
}

func localFollowup(instruction string) string {
	instruction = strings.TrimSpace(instruction)
	if instruction == "" {
		return "Здравствуйте! Вы интересовались объявлением — могу ли я чем-то помочь?"
	}
	return instruction
}
