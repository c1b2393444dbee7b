package render

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"fortknox/internal/remote"
)

func TestMarkdown_Full(t *testing.T) {
	s := &remote.Summary{
		TemplateID:       "weekly",
		Language:         "sv",
		Title:            "Veckobrief",
		ExecutiveSummary: "Kort läge.",
		Themes:           []remote.Theme{{Name: "Drift", Bullets: []string{"stabil", "två incidenter"}}},
		Timeline:         []string{"tidigt i veckan: release"},
		Risks:            []remote.Risk{{Risk: "Kapacitet", Mitigation: "skala ut"}},
		OpenQuestions:    []string{"budget?"},
		NextSteps:        []string{"planera"},
		Confidence:       "medium",
	}
	want := `# Veckobrief

## Sammanfattning

Kort läge.

## Teman

### Drift
- stabil
- två incidenter

## Tidslinje

- tidigt i veckan: release

## Risker och åtgärder

### Kapacitet
Åtgärd: skala ut

## Öppna frågor

- budget?

## Nästa steg

- planera

*Förtroende: medium*
`
	assert.Equal(t, want, Markdown(s))
}

func TestMarkdown_OmitsEmptySections(t *testing.T) {
	got := Markdown(&remote.Summary{Confidence: "low"})
	assert.Equal(t, "# Rapport\n\n*Förtroende: low*\n", got)
}

func TestMarkdown_Deterministic(t *testing.T) {
	s := &remote.Summary{Title: "T", NextSteps: []string{"a", "b"}}
	assert.Equal(t, Markdown(s), Markdown(s))
}

func TestContent(t *testing.T) {
	assert.Equal(t, "raw body", Content(&remote.Result{Text: "raw body"}))
	assert.Equal(t, "# T\n", Content(&remote.Result{Summary: &remote.Summary{Title: "T"}}))
}
