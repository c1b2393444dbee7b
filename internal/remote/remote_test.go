package remote

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fortknox/internal/fault"
	"fortknox/internal/pack"
	"fortknox/internal/pii"
)

const validSummary = `{
  "template_id": "weekly",
  "language": "sv",
  "title": "Veckobrief",
  "executive_summary": "Kort.",
  "themes": [{"name": "Tema", "bullets": ["a"]}],
  "timeline_high_level": ["tidigt i veckan"],
  "risks": [{"risk": "r", "mitigation": "m"}],
  "open_questions": [],
  "next_steps": ["steg"],
  "confidence": "high"
}`

func testPack() (*pack.Pack, pack.Policy) {
	p := &pack.Pack{
		PolicyID:    pack.PolicyInternal,
		TemplateID:  "weekly",
		Fingerprint: "fp123",
		Items: []pack.Item{
			{Kind: "document", ID: "d1", Level: pii.Normal, Text: "mail [EMAIL]"},
		},
		Bytes: 100,
	}
	return p, pack.DefaultPolicies()[pack.PolicyInternal]
}

func compileService(t *testing.T, h http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTP_Success(t *testing.T) {
	var got compileRequest
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/compile", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		io.WriteString(w, validSummary) //nolint:errcheck
	})
	p, pol := testPack()
	c := NewHTTP(srv.URL+"/", "e1", time.Second, nil, nil)

	res, err := c.Compile(context.Background(), p, pol)
	require.NoError(t, err)
	require.NotNil(t, res.Summary)
	assert.Equal(t, "Veckobrief", res.Summary.Title)
	assert.Equal(t, "e1", c.EngineID())

	assert.Equal(t, "fp123", got.InputFingerprint)
	assert.Equal(t, "normal", got.Policy.MinLevel)
	assert.Equal(t, 8, got.Policy.QuoteLimit)
	assert.Equal(t, []wireItem{{Kind: "document", ID: "d1", Text: "mail [EMAIL]"}}, got.Items)
}

func TestHTTP_UnstructuredText(t *testing.T) {
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"status":"ok","text":"# Rapport\n\nInnehåll"}`) //nolint:errcheck
	})
	p, pol := testPack()
	res, err := NewHTTP(srv.URL, "e1", time.Second, nil, nil).Compile(context.Background(), p, pol)
	require.NoError(t, err)
	assert.Nil(t, res.Summary)
	assert.Equal(t, "# Rapport\n\nInnehåll", res.Text)
}

func TestHTTP_Failures(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		kind   fault.Kind
		reason string
	}{
		{"status", http.StatusBadGateway, `{}`, fault.RemoteError, "http_status_502"},
		{"invalid json", http.StatusOK, `{"title": `, fault.RemoteError, ReasonInvalidJSON},
		{"not json", http.StatusOK, `<html>`, fault.RemoteError, ReasonInvalidJSON},
		{"unknown field", http.StatusOK, strings.Replace(validSummary, `"title"`, `"extra": 1, "title"`, 1), fault.RemoteError, ReasonSchemaValidation},
		{"bad confidence", http.StatusOK, strings.Replace(validSummary, `"high"`, `"certain"`, 1), fault.RemoteError, ReasonSchemaValidation},
		{"missing title", http.StatusOK, strings.Replace(validSummary, `"title": "Veckobrief",`, ``, 1), fault.RemoteError, ReasonSchemaValidation},
		{"empty ok", http.StatusOK, `{"status":"ok"}`, fault.RemoteError, ReasonSchemaValidation},
		{"rejected", http.StatusOK, `{"status":"rejected","reasons":["policy_violation"]}`, fault.RemoteRejected, "policy_violation"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(c.status)
				io.WriteString(w, c.body) //nolint:errcheck
			})
			p, pol := testPack()
			res, err := NewHTTP(srv.URL, "e1", time.Second, nil, nil).Compile(context.Background(), p, pol)
			assert.Nil(t, res)
			assert.Equal(t, c.kind, fault.KindOf(err))
			assert.Equal(t, []string{c.reason}, fault.ReasonsOf(err))
		})
	}
}

func TestHTTP_Timeout(t *testing.T) {
	release := make(chan struct{})
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	})
	defer close(release)
	p, pol := testPack()

	_, err := NewHTTP(srv.URL, "e1", 30*time.Millisecond, nil, nil).Compile(context.Background(), p, pol)
	assert.Equal(t, fault.RemoteError, fault.KindOf(err))
	assert.Equal(t, []string{ReasonTimeout}, fault.ReasonsOf(err))
	assert.True(t, fault.Transient(fault.KindOf(err)))
}

func TestHTTP_NetworkError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()
	p, pol := testPack()

	_, err := NewHTTP(url, "e1", time.Second, nil, nil).Compile(context.Background(), p, pol)
	assert.Equal(t, fault.RemoteError, fault.KindOf(err))
	assert.Equal(t, []string{ReasonNetwork}, fault.ReasonsOf(err))
}

func TestOffline(t *testing.T) {
	p, pol := testPack()
	c := Offline{Engine: "e1"}
	_, err := c.Compile(context.Background(), p, pol)
	assert.Equal(t, fault.Offline, fault.KindOf(err))
	assert.True(t, IsOffline(c))
}

func TestOpenAI_Success(t *testing.T) {
	var body map[string]any
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		content, _ := json.Marshal("```json\n" + validSummary + "\n```")
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"local",`+ //nolint:errcheck
			`"choices":[{"index":0,"message":{"role":"assistant","content":`+string(content)+`},"finish_reason":"stop"}]}`)
	})
	p, pol := testPack()
	c := NewOpenAI(srv.URL+"/v1", "", "local", "llama-local", time.Second, nil, nil)

	res, err := c.Compile(context.Background(), p, pol)
	require.NoError(t, err)
	assert.Equal(t, "Veckobrief", res.Summary.Title)
	assert.Equal(t, "local", body["model"])
	assert.Contains(t, body["messages"].([]any)[1].(map[string]any)["content"], "mail [EMAIL]")
}

func TestOpenAI_StatusError(t *testing.T) {
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusTooManyRequests)
		io.WriteString(w, `{"error":{"message":"slow down","type":"rate_limit"}}`) //nolint:errcheck
	})
	p, pol := testPack()
	_, err := NewOpenAI(srv.URL+"/v1", "k", "m", "e", time.Second, nil, nil).Compile(context.Background(), p, pol)
	assert.Equal(t, fault.RemoteError, fault.KindOf(err))
	assert.Equal(t, []string{"http_status_429"}, fault.ReasonsOf(err))
}

func TestOpenAI_ProseWithoutJSON(t *testing.T) {
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, `{"id":"c1","object":"chat.completion","created":1,"model":"m",`+ //nolint:errcheck
			`"choices":[{"index":0,"message":{"role":"assistant","content":"I cannot do that."},"finish_reason":"stop"}]}`)
	})
	p, pol := testPack()
	_, err := NewOpenAI(srv.URL+"/v1", "k", "m", "e", time.Second, nil, nil).Compile(context.Background(), p, pol)
	assert.Equal(t, []string{ReasonInvalidJSON}, fault.ReasonsOf(err))
}

func anthropicReply(text, stop string) string {
	t, _ := json.Marshal(text)
	return `{"id":"msg_1","type":"message","role":"assistant","model":"claude-test",` +
		`"content":[{"type":"text","text":` + string(t) + `}],` +
		`"stop_reason":"` + stop + `","stop_sequence":null,"usage":{"input_tokens":1,"output_tokens":1}}`
}

func TestAnthropic_Success(t *testing.T) {
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "k", r.Header.Get("X-Api-Key"))
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, anthropicReply("Här är rapporten:\n"+validSummary, "end_turn")) //nolint:errcheck
	})
	p, pol := testPack()
	res, err := NewAnthropic(srv.URL, "k", "claude-test", "claude-test@1", time.Second, nil, nil).Compile(context.Background(), p, pol)
	require.NoError(t, err)
	assert.Equal(t, "Veckobrief", res.Summary.Title)
}

func TestAnthropic_Refusal(t *testing.T) {
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		io.WriteString(w, anthropicReply("", "refusal")) //nolint:errcheck
	})
	p, pol := testPack()
	_, err := NewAnthropic(srv.URL, "k", "m", "e", time.Second, nil, nil).Compile(context.Background(), p, pol)
	assert.Equal(t, fault.RemoteRejected, fault.KindOf(err))
	assert.False(t, fault.Transient(fault.KindOf(err)))
}

func TestAnthropic_StatusError(t *testing.T) {
	srv := compileService(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(529)
		io.WriteString(w, `{"type":"error","error":{"type":"overloaded_error","message":"busy"}}`) //nolint:errcheck
	})
	p, pol := testPack()
	_, err := NewAnthropic(srv.URL, "k", "m", "e", time.Second, nil, nil).Compile(context.Background(), p, pol)
	assert.Equal(t, []string{"http_status_529"}, fault.ReasonsOf(err))
}

func TestFixture(t *testing.T) {
	p, _ := testPack()
	f := NewFixture("fixture@1")
	ps := pack.DefaultPolicies()

	in, err := f.Compile(context.Background(), p, ps[pack.PolicyInternal])
	require.NoError(t, err)
	assert.Equal(t, "medium", in.Summary.Confidence)

	ex, err := f.Compile(context.Background(), p, ps[pack.PolicyExternal])
	require.NoError(t, err)
	assert.Equal(t, "2025-01-15: Händelse 1", ex.Summary.Timeline[0])
	assert.EqualValues(t, 2, f.Calls())
}

type flaky struct {
	fails int32
	calls atomic.Int32
	kind  fault.Kind
}

func (f *flaky) EngineID() string { return "flaky" }

func (f *flaky) Compile(context.Context, *pack.Pack, pack.Policy) (*Result, error) {
	if f.calls.Add(1) <= f.fails {
		return nil, fault.New(f.kind, "x")
	}
	return &Result{Text: "ok"}, nil
}

func TestWithRetry(t *testing.T) {
	p, pol := testPack()

	f := &flaky{fails: 2, kind: fault.RemoteError}
	res, err := WithRetry(f, 3, time.Millisecond).Compile(context.Background(), p, pol)
	require.NoError(t, err)
	assert.Equal(t, "ok", res.Text)
	assert.EqualValues(t, 3, f.calls.Load())

	f = &flaky{fails: 10, kind: fault.RemoteError}
	_, err = WithRetry(f, 2, time.Millisecond).Compile(context.Background(), p, pol)
	assert.Equal(t, fault.RemoteError, fault.KindOf(err))
	assert.EqualValues(t, 3, f.calls.Load())

	f = &flaky{fails: 10, kind: fault.RemoteRejected}
	_, err = WithRetry(f, 5, time.Millisecond).Compile(context.Background(), p, pol)
	assert.Equal(t, fault.RemoteRejected, fault.KindOf(err))
	assert.EqualValues(t, 1, f.calls.Load())

	assert.Equal(t, "flaky", WithRetry(f, 1, 0).EngineID())
	assert.Same(t, f, WithRetry(f, 0, 0))
}

func TestBudget(t *testing.T) {
	assert.Equal(t, 10*time.Second, Budget(10*time.Second, 0, time.Second))
	// three attempts, backoff 1s + 2s
	assert.Equal(t, 33*time.Second, Budget(10*time.Second, 2, time.Second))
	// four attempts, backoff 1s + 2s + 3s
	assert.Equal(t, 46*time.Second, Budget(10*time.Second, 3, time.Second))
	assert.Equal(t, 2*time.Minute+500*time.Millisecond, Budget(time.Minute, 1, 0))
}

func TestNew(t *testing.T) {
	c, err := New(Options{Kind: KindHTTP, EngineID: "e"}, nil)
	require.NoError(t, err)
	assert.True(t, IsOffline(c))

	c, err = New(Options{Kind: KindHTTP, Endpoint: "http://x", EngineID: "e", TestMode: true}, nil)
	require.NoError(t, err)
	assert.IsType(t, &FixtureClient{}, c)

	c, err = New(Options{Kind: KindOpenAI, Endpoint: "http://x/v1", EngineID: "e", Retries: 2}, nil)
	require.NoError(t, err)
	assert.IsType(t, &retrying{}, c)

	c, err = New(Options{Kind: KindAnthropic, EngineID: "e"}, nil)
	require.NoError(t, err)
	assert.True(t, IsOffline(c))

	_, err = New(Options{Kind: "grpc"}, nil)
	assert.Error(t, err)
}

func TestBuildPrompt_ExternalRules(t *testing.T) {
	p, _ := testPack()
	_, user := buildPrompt(p, pack.DefaultPolicies()[pack.PolicyExternal])
	assert.Contains(t, user, "no exact dates")
	assert.Contains(t, user, "9 or more consecutive words")
	assert.Contains(t, user, "mail [EMAIL]")
}

func TestNewHTTPClient_NegotiatesH2(t *testing.T) {
	hc, err := newHTTPClient()
	require.NoError(t, err)
	tr, ok := hc.Transport.(*http.Transport)
	require.True(t, ok)
	assert.Contains(t, tr.TLSNextProto, "h2")
}
