package remote

import (
	"context"
	"sync/atomic"

	"fortknox/internal/pack"
)

// FixtureClient returns fixed results per policy without any network I/O.
// The internal policy gets a clean report; the external policy gets one
// with exact dates and a long verbatim passage so the egress gates can be
// exercised end to end.
type FixtureClient struct {
	engine string
	calls  atomic.Int64
}

// NewFixture returns a FixtureClient reporting engineID.
func NewFixture(engineID string) *FixtureClient {
	return &FixtureClient{engine: engineID}
}

func (f *FixtureClient) EngineID() string { return f.engine }

// Calls returns the number of Compile invocations.
func (f *FixtureClient) Calls() int64 { return f.calls.Load() }

func (f *FixtureClient) Compile(_ context.Context, p *pack.Pack, policy pack.Policy) (*Result, error) {
	f.calls.Add(1)
	var s Summary
	if policy.ID == pack.PolicyExternal {
		s = externalFixture(p.TemplateID)
	} else {
		s = internalFixture(p.TemplateID)
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return &Result{Summary: &s}, nil
}

func internalFixture(templateID string) Summary {
	return Summary{
		TemplateID:       templateID,
		Language:         "sv",
		Title:            "Testrapport - Intern",
		ExecutiveSummary: "Detta är en testrapport för intern användning.",
		Themes:           []Theme{{Name: "Tema 1", Bullets: []string{"Punkt 1", "Punkt 2"}}},
		Timeline:         []string{"Vecka 1: Händelse 1", "Vecka 2: Händelse 2"},
		Risks:            []Risk{{Risk: "Risk 1", Mitigation: "Åtgärd 1"}},
		OpenQuestions:    []string{"Fråga 1", "Fråga 2"},
		NextSteps:        []string{"Steg 1", "Steg 2"},
		Confidence:       "medium",
	}
}

func externalFixture(templateID string) Summary {
	return Summary{
		TemplateID:       templateID,
		Language:         "sv",
		Title:            "Testrapport - Extern",
		ExecutiveSummary: "Detta är en testrapport för extern användning med långt citat som kommer att trigga quote detection.",
		Themes: []Theme{{Name: "Tema 1", Bullets: []string{
			"Detta är ett mycket långt citat från källan som kommer att trigga quote detection " +
				"eftersom det är för många ord i följd som matchar input texten",
		}}},
		Timeline:      []string{"2025-01-15: Händelse 1", "2025-01-16: Händelse 2"},
		Risks:         []Risk{{Risk: "Risk 1", Mitigation: "Åtgärd 1"}},
		OpenQuestions: []string{"Fråga 1"},
		NextSteps:     []string{"Steg 1"},
		Confidence:    "low",
	}
}
