// Package remote talks to the external text-generation engines that compile
// a content pack into a report.
//
// Every client maps its failures onto the fault taxonomy:
//
//   - OFFLINE: no endpoint configured.
//   - REMOTE_ERROR: no usable result (timeout, network, HTTP status,
//     malformed or schema-invalid body). Safe to retry.
//   - REMOTE_REJECTED: the engine answered and explicitly declined.
//
// No partial result is ever returned alongside an error.
package remote

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"

	"github.com/go-playground/validator/v10"

	"fortknox/internal/fault"
	"fortknox/internal/pack"
)

// REMOTE_ERROR reasons.
const (
	ReasonTimeout          = "timeout"
	ReasonNetwork          = "network_error"
	ReasonInvalidJSON      = "invalid_json_response"
	ReasonSchemaValidation = "schema_validation_failed"
)

// Client compiles a pack into a result.
type Client interface {
	// EngineID identifies the model and version; it is part of the report key.
	EngineID() string
	Compile(ctx context.Context, p *pack.Pack, policy pack.Policy) (*Result, error)
}

// Result is a successful engine response.
type Result struct {
	Summary *Summary // structured result; nil when Text is set
	Text    string   // unstructured result, used verbatim
}

// Summary is the structured report schema engines must return.
type Summary struct {
	TemplateID       string   `json:"template_id" validate:"required"`
	Language         string   `json:"language" validate:"required,oneof=sv en"`
	Title            string   `json:"title" validate:"required"`
	ExecutiveSummary string   `json:"executive_summary"`
	Themes           []Theme  `json:"themes" validate:"dive"`
	Timeline         []string `json:"timeline_high_level"`
	Risks            []Risk   `json:"risks" validate:"dive"`
	OpenQuestions    []string `json:"open_questions"`
	NextSteps        []string `json:"next_steps"`
	Confidence       string   `json:"confidence" validate:"required,oneof=low medium high"`
}

// Theme is one thematic section.
type Theme struct {
	Name    string   `json:"name" validate:"required"`
	Bullets []string `json:"bullets"`
}

// Risk is one risk with its mitigation.
type Risk struct {
	Risk       string `json:"risk" validate:"required"`
	Mitigation string `json:"mitigation"`
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks s against the schema.
func (s *Summary) Validate() error {
	return validate.Struct(s)
}

// Offline is the Client used when no endpoint is configured.
type Offline struct {
	Engine string
}

func (o Offline) EngineID() string { return o.Engine }

func (o Offline) Compile(context.Context, *pack.Pack, pack.Policy) (*Result, error) {
	return nil, fault.New(fault.Offline)
}

// IsOffline reports whether c never reaches an engine.
func IsOffline(c Client) bool {
	_, ok := c.(Offline)
	return ok
}

// transportError classifies a failed round trip.
func transportError(ctx context.Context, err error) error {
	var ne net.Error
	switch {
	case errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, os.ErrDeadlineExceeded),
		errors.As(err, &ne) && ne.Timeout():
		return fault.Wrap(fault.RemoteError, err, ReasonTimeout)
	case ctx.Err() != nil:
		return fault.Wrap(fault.RemoteError, ctx.Err(), ReasonNetwork)
	default:
		return fault.Wrap(fault.RemoteError, err, ReasonNetwork)
	}
}

func statusError(code int) error {
	return fault.New(fault.RemoteError, fmt.Sprintf("http_status_%d", code))
}
