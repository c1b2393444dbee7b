package remote

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"strings"

	"fortknox/internal/fault"
)

// envelope is the loose view of a compile service response.
type envelope struct {
	Status  string   `json:"status"`
	Reasons []string `json:"reasons"`
	Text    string   `json:"text"`
}

// decodeResponse turns a compile service body into a Result. A
// {"status":"rejected"} body is REMOTE_REJECTED; {"status":"ok","text":...}
// is an unstructured result; anything else must be a valid Summary with no
// unknown fields.
func decodeResponse(body []byte) (*Result, error) {
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, fault.Wrap(fault.RemoteError, err, ReasonInvalidJSON)
	}
	switch env.Status {
	case "rejected":
		return nil, fault.New(fault.RemoteRejected, env.Reasons...)
	case "ok":
		if env.Text == "" {
			return nil, fault.New(fault.RemoteError, ReasonSchemaValidation)
		}
		return &Result{Text: env.Text}, nil
	}
	s, err := decodeSummary(body)
	if err != nil {
		return nil, err
	}
	return &Result{Summary: s}, nil
}

func decodeSummary(body []byte) (*Summary, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.DisallowUnknownFields()
	var s Summary
	if err := dec.Decode(&s); err != nil {
		var syn *json.SyntaxError
		if errors.As(err, &syn) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fault.Wrap(fault.RemoteError, err, ReasonInvalidJSON)
		}
		return nil, fault.Wrap(fault.RemoteError, err, ReasonSchemaValidation)
	}
	if err := s.Validate(); err != nil {
		return nil, fault.Wrap(fault.RemoteError, err, ReasonSchemaValidation)
	}
	return &s, nil
}

// summaryFromText extracts a Summary from model output that may wrap the
// JSON object in prose or a ```json fence.
func summaryFromText(text string) (*Summary, error) {
	if i := strings.Index(text, "```json"); i >= 0 {
		rest := text[i+len("```json"):]
		if j := strings.Index(rest, "```"); j >= 0 {
			text = rest[:j]
		}
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return nil, fault.New(fault.RemoteError, ReasonInvalidJSON)
	}
	return decodeSummary([]byte(text[start : end+1]))
}
