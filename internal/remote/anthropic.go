package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"go.uber.org/zap"

	"fortknox/internal/fault"
	"fortknox/internal/logger"
	"fortknox/internal/pack"
)

const anthropicMaxTokens = 4096

// AnthropicClient compiles through the Anthropic Messages API.
type AnthropicClient struct {
	client  anthropic.Client
	model   string
	engine  string
	timeout time.Duration
	log     *logger.Logger
}

// NewAnthropic returns an AnthropicClient. An empty endpoint uses the SDK
// default base URL. SDK retries are disabled; use WithRetry instead.
func NewAnthropic(endpoint, apiKey, model, engineID string, timeout time.Duration, hc *http.Client, log *logger.Logger) *AnthropicClient {
	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(0),
	}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimRight(endpoint, "/")))
	}
	if hc != nil {
		opts = append(opts, option.WithHTTPClient(hc))
	}
	if log == nil {
		log = logger.Nop()
	}
	return &AnthropicClient{
		client:  anthropic.NewClient(opts...),
		model:   model,
		engine:  engineID,
		timeout: timeout,
		log:     log,
	}
}

func (c *AnthropicClient) EngineID() string { return c.engine }

func (c *AnthropicClient) Compile(ctx context.Context, p *pack.Pack, policy pack.Policy) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	system, user := buildPrompt(p, policy)
	msg, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:       anthropic.Model(c.model),
		MaxTokens:   anthropicMaxTokens,
		Temperature: anthropic.Float(0.2),
		System:      []anthropic.TextBlockParam{{Text: system}},
		Messages:    []anthropic.MessageParam{anthropic.NewUserMessage(anthropic.NewTextBlock(user))},
	})
	if err != nil {
		ferr := anthropicError(ctx, err)
		c.log.Warn("remote_call", "messages request failed", zap.String("engine", c.engine), zap.Strings("reasons", fault.ReasonsOf(ferr)))
		return nil, ferr
	}

	var text strings.Builder
	for _, block := range msg.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	c.log.Debug("remote_call", "message received",
		zap.String("engine", c.engine),
		zap.String("stop_reason", string(msg.StopReason)))

	if msg.StopReason == "refusal" {
		return nil, fault.New(fault.RemoteRejected, "refusal")
	}
	s, err := summaryFromText(text.String())
	if err != nil {
		return nil, err
	}
	return &Result{Summary: s}, nil
}

func anthropicError(ctx context.Context, err error) error {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) && apiErr.StatusCode != 0 {
		return statusError(apiErr.StatusCode)
	}
	return transportError(ctx, err)
}
