// Package openainarration talks to OpenAI-compatible chat completion APIs.
package openainarration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/tinyland-inc/taleclaw/pkg/narration"
)

const (
	defaultBaseURL   = "https://api.openai.com/v1/"
	defaultModel     = "gpt-4o-mini"
	defaultMaxTokens = 1024
	providerName     = "openai"
)

type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

type Client struct {
	client  openai.Client
	baseURL string
	opts    Options
}

var _ narration.Client = (*Client)(nil)

func NewClient(apiKey, apiBase string, opts Options) *Client {
	baseURL := normalizeBaseURL(apiBase)
	return &Client{
		client: openai.NewClient(
			option.WithAPIKey(apiKey),
			option.WithBaseURL(baseURL),
			option.WithMaxRetries(0),
		),
		baseURL: baseURL,
		opts:    opts,
	}
}

func (c *Client) Complete(ctx context.Context, prompt narration.Prompt) (string, error) {
	resp, err := c.client.Chat.Completions.New(ctx, buildParams(prompt, c.opts))
	if err != nil {
		return "", narration.Wrap(providerName, fmt.Errorf("chat completion: %w", err))
	}
	if len(resp.Choices) == 0 {
		return "", narration.Wrap(providerName, errors.New("response contained no choices"))
	}
	text := resp.Choices[0].Message.Content
	if strings.TrimSpace(text) == "" {
		return "", narration.Wrap(providerName, errors.New("response contained no text"))
	}
	return text, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func buildParams(prompt narration.Prompt, opts Options) openai.ChatCompletionNewParams {
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(defaultMaxTokens)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	var messages []openai.ChatCompletionMessageParamUnion
	if prompt.System != "" {
		messages = append(messages, openai.SystemMessage(prompt.System))
	}
	messages = append(messages, openai.UserMessage(prompt.UserText()))

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(model),
		Messages:            messages,
		MaxCompletionTokens: openai.Int(maxTokens),
	}
	if opts.Temperature != nil {
		params.Temperature = openai.Float(*opts.Temperature)
	}
	return params
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/") + "/"
}
