package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"fortknox/internal/fault"
	"fortknox/internal/logger"
	"fortknox/internal/pack"
)

// maxResponseBytes bounds the body read from a compile service.
const maxResponseBytes = 4 << 20

// compileRequest is the wire form of a pack. Only masked text is sent.
type compileRequest struct {
	Policy           wirePolicy `json:"policy"`
	TemplateID       string     `json:"template_id"`
	InputFingerprint string     `json:"input_fingerprint"`
	Items            []wireItem `json:"items"`
	Bytes            int        `json:"bytes"`
}

type wirePolicy struct {
	ID         string `json:"policy_id"`
	MinLevel   string `json:"sanitize_min_level"`
	QuoteLimit int    `json:"quote_limit_words"`
}

type wireItem struct {
	Kind string `json:"kind"`
	ID   string `json:"id"`
	Text string `json:"text"`
}

func newCompileRequest(p *pack.Pack, policy pack.Policy) compileRequest {
	items := make([]wireItem, len(p.Items))
	for i, it := range p.Items {
		items[i] = wireItem{Kind: it.Kind, ID: it.ID, Text: it.Text}
	}
	return compileRequest{
		Policy:           wirePolicy{ID: policy.ID, MinLevel: policy.MinLevel.String(), QuoteLimit: policy.QuoteLimit},
		TemplateID:       p.TemplateID,
		InputFingerprint: p.Fingerprint,
		Items:            items,
		Bytes:            p.Bytes,
	}
}

// HTTPClient posts packs to a compile service at {endpoint}/compile.
type HTTPClient struct {
	endpoint string
	engine   string
	timeout  time.Duration
	hc       *http.Client
	log      *logger.Logger
}

// NewHTTP returns an HTTPClient. hc may be nil.
func NewHTTP(endpoint, engineID string, timeout time.Duration, hc *http.Client, log *logger.Logger) *HTTPClient {
	if hc == nil {
		hc = &http.Client{}
	}
	if log == nil {
		log = logger.Nop()
	}
	return &HTTPClient{
		endpoint: strings.TrimRight(endpoint, "/"),
		engine:   engineID,
		timeout:  timeout,
		hc:       hc,
		log:      log,
	}
}

func (c *HTTPClient) EngineID() string { return c.engine }

func (c *HTTPClient) Compile(ctx context.Context, p *pack.Pack, policy pack.Policy) (*Result, error) {
	body, err := json.Marshal(newCompileRequest(p, policy))
	if err != nil {
		return nil, fmt.Errorf("encode compile request: %w", err)
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/compile", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build compile request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	c.log.Info("remote_call", "posting pack",
		zap.String("engine", c.engine),
		zap.String("fingerprint", p.Fingerprint),
		zap.Int("items", len(p.Items)))

	resp, err := c.hc.Do(req)
	if err != nil {
		ferr := transportError(ctx, err)
		c.log.Warn("remote_call", "compile service unreachable", zap.Strings("reasons", fault.ReasonsOf(ferr)))
		return nil, ferr
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes)) //nolint:errcheck // drain for reuse
		c.log.Warn("remote_call", "compile service returned error status", zap.Int("status", resp.StatusCode))
		return nil, statusError(resp.StatusCode)
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, transportError(ctx, err)
	}
	res, err := decodeResponse(raw)
	if err != nil {
		c.log.Warn("remote_call", "compile response refused",
			zap.String("kind", string(fault.KindOf(err))),
			zap.Strings("reasons", fault.ReasonsOf(err)))
		return nil, err
	}
	return res, nil
}
