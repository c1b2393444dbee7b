package remote

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"
	"go.uber.org/zap"

	"fortknox/internal/fault"
	"fortknox/internal/logger"
	"fortknox/internal/pack"
)

// OpenAIClient compiles through an OpenAI-compatible chat completion API
// (llama.cpp server, Ollama, vLLM or OpenAI itself).
type OpenAIClient struct {
	client  *openai.Client
	model   string
	engine  string
	timeout time.Duration
	log     *logger.Logger
}

// NewOpenAI returns an OpenAIClient. endpoint is the API base URL including
// the /v1 suffix; apiKey may be empty for local servers.
func NewOpenAI(endpoint, apiKey, model, engineID string, timeout time.Duration, hc *http.Client, log *logger.Logger) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if endpoint != "" {
		cfg.BaseURL = strings.TrimRight(endpoint, "/")
	}
	if hc != nil {
		cfg.HTTPClient = hc
	}
	if log == nil {
		log = logger.Nop()
	}
	return &OpenAIClient{
		client:  openai.NewClientWithConfig(cfg),
		model:   model,
		engine:  engineID,
		timeout: timeout,
		log:     log,
	}
}

func (c *OpenAIClient) EngineID() string { return c.engine }

func (c *OpenAIClient) Compile(ctx context.Context, p *pack.Pack, policy pack.Policy) (*Result, error) {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	system, user := buildPrompt(p, policy)
	req := openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: system},
			{Role: openai.ChatMessageRoleUser, Content: user},
		},
		Temperature:    0.2,
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		ferr := openAIError(ctx, err)
		c.log.Warn("remote_call", "chat completion failed", zap.String("engine", c.engine), zap.Strings("reasons", fault.ReasonsOf(ferr)))
		return nil, ferr
	}
	if len(resp.Choices) == 0 {
		return nil, fault.New(fault.RemoteError, ReasonInvalidJSON)
	}
	c.log.Debug("remote_call", "chat completion received",
		zap.String("engine", c.engine),
		zap.String("finish_reason", string(resp.Choices[0].FinishReason)))

	s, err := summaryFromText(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: s}, nil
}

func openAIError(ctx context.Context, err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) && apiErr.HTTPStatusCode != 0 {
		return statusError(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) && reqErr.HTTPStatusCode != 0 {
		return statusError(reqErr.HTTPStatusCode)
	}
	return transportError(ctx, err)
}
