package anthropicnarration

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/tinyland-inc/taleclaw/pkg/narration"
)

const (
	defaultBaseURL   = "https://api.anthropic.com"
	defaultModel     = "claude-sonnet-4-5"
	defaultMaxTokens = 1024
	providerName     = "anthropic"
)

// Options tune every request the client issues.
type Options struct {
	Model       string
	MaxTokens   int
	Temperature *float64
}

type Client struct {
	client      *anthropic.Client
	tokenSource func() (string, error)
	baseURL     string
	opts        Options
}

var _ narration.Client = (*Client)(nil)

func NewClient(apiKey string, opts Options) *Client {
	return NewClientWithBaseURL(apiKey, "", opts)
}

func NewClientWithBaseURL(apiKey, apiBase string, opts Options) *Client {
	baseURL := normalizeBaseURL(apiBase)
	client := anthropic.NewClient(
		option.WithAPIKey(apiKey),
		option.WithBaseURL(baseURL),
		option.WithMaxRetries(0),
	)
	return &Client{
		client:  &client,
		baseURL: baseURL,
		opts:    opts,
	}
}

// NewClientWithTokenSource authenticates each request with a bearer token
// fetched from tokenSource instead of a static API key.
func NewClientWithTokenSource(tokenSource func() (string, error), apiBase string, opts Options) *Client {
	c := NewClientWithBaseURL("", apiBase, opts)
	c.tokenSource = tokenSource
	return c
}

func (c *Client) Complete(ctx context.Context, prompt narration.Prompt) (string, error) {
	var reqOpts []option.RequestOption
	if c.tokenSource != nil {
		tok, err := c.tokenSource()
		if err != nil {
			return "", narration.Wrap(providerName, fmt.Errorf("refreshing token: %w", err))
		}
		reqOpts = append(reqOpts, option.WithAuthToken(tok))
	}

	resp, err := c.client.Messages.New(ctx, buildParams(prompt, c.opts), reqOpts...)
	if err != nil {
		return "", narration.Wrap(providerName, fmt.Errorf("messages API call: %w", err))
	}

	text := parseResponse(resp)
	if strings.TrimSpace(text) == "" {
		return "", narration.Wrap(providerName, errors.New("response contained no text"))
	}
	return text, nil
}

func (c *Client) BaseURL() string {
	return c.baseURL
}

func (c *Client) Model() string {
	if c.opts.Model != "" {
		return c.opts.Model
	}
	return defaultModel
}

func buildParams(prompt narration.Prompt, opts Options) anthropic.MessageNewParams {
	model := opts.Model
	if model == "" {
		model = defaultModel
	}
	maxTokens := int64(defaultMaxTokens)
	if opts.MaxTokens > 0 {
		maxTokens = int64(opts.MaxTokens)
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: maxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt.UserText())),
		},
	}
	if prompt.System != "" {
		params.System = []anthropic.TextBlockParam{{Text: prompt.System}}
	}
	if opts.Temperature != nil {
		params.Temperature = anthropic.Float(*opts.Temperature)
	}
	return params
}

func parseResponse(resp *anthropic.Message) string {
	var sb strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			sb.WriteString(block.AsText().Text)
		}
	}
	return sb.String()
}

func normalizeBaseURL(apiBase string) string {
	base := strings.TrimSpace(apiBase)
	if base == "" {
		return defaultBaseURL
	}

	base = strings.TrimRight(base, "/")
	if b, ok := strings.CutSuffix(base, "/v1"); ok {
		base = b
	}
	if base == "" {
		return defaultBaseURL
	}

	return base
}
