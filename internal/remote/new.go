package remote

import (
	"fmt"
	"time"

	"fortknox/internal/logger"
)

// Client kinds accepted by New.
const (
	KindHTTP      = "http"
	KindOpenAI    = "openai"
	KindAnthropic = "anthropic"
	KindFixture   = "fixture"
)

// Options selects and configures a Client.
type Options struct {
	Kind      string
	Endpoint  string
	APIKey    string
	Model     string
	EngineID  string
	Timeout   time.Duration
	Retries   uint64
	RetryBase time.Duration
	TestMode  bool // forces the fixture client
}

// New returns the configured Client. Test mode wins over everything; an
// empty endpoint yields Offline, except for anthropic which has a default
// base URL.
func New(opts Options, log *logger.Logger) (Client, error) {
	if opts.TestMode || opts.Kind == KindFixture {
		return NewFixture(opts.EngineID), nil
	}
	hc, err := newHTTPClient()
	if err != nil {
		return nil, fmt.Errorf("configure transport: %w", err)
	}
	var c Client
	switch opts.Kind {
	case KindHTTP, "":
		if opts.Endpoint == "" {
			return Offline{Engine: opts.EngineID}, nil
		}
		c = NewHTTP(opts.Endpoint, opts.EngineID, opts.Timeout, hc, log)
	case KindOpenAI:
		if opts.Endpoint == "" {
			return Offline{Engine: opts.EngineID}, nil
		}
		c = NewOpenAI(opts.Endpoint, opts.APIKey, opts.Model, opts.EngineID, opts.Timeout, hc, log)
	case KindAnthropic:
		if opts.APIKey == "" {
			return Offline{Engine: opts.EngineID}, nil
		}
		c = NewAnthropic(opts.Endpoint, opts.APIKey, opts.Model, opts.EngineID, opts.Timeout, hc, log)
	default:
		return nil, fmt.Errorf("unknown remote kind %q", opts.Kind)
	}
	return WithRetry(c, opts.Retries, opts.RetryBase), nil
}
