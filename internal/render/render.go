// Package render turns structured compile results into markdown.
package render

import (
	"strings"

	"fortknox/internal/remote"
)

// Markdown renders s deterministically. Empty sections are omitted; the
// template id does not change the structure.
func Markdown(s *remote.Summary) string {
	var b strings.Builder
	title := s.Title
	if title == "" {
		title = "Rapport"
	}
	line(&b, "# "+title)
	line(&b, "")

	if s.ExecutiveSummary != "" {
		section(&b, "Sammanfattning")
		line(&b, s.ExecutiveSummary)
		line(&b, "")
	}
	if len(s.Themes) > 0 {
		section(&b, "Teman")
		for _, t := range s.Themes {
			line(&b, "### "+t.Name)
			for _, bullet := range t.Bullets {
				line(&b, "- "+bullet)
			}
			line(&b, "")
		}
	}
	list(&b, "Tidslinje", s.Timeline)
	if len(s.Risks) > 0 {
		section(&b, "Risker och åtgärder")
		for _, r := range s.Risks {
			line(&b, "### "+r.Risk)
			line(&b, "Åtgärd: "+r.Mitigation)
			line(&b, "")
		}
	}
	list(&b, "Öppna frågor", s.OpenQuestions)
	list(&b, "Nästa steg", s.NextSteps)
	if s.Confidence != "" {
		line(&b, "*Förtroende: "+s.Confidence+"*")
		line(&b, "")
	}
	return strings.TrimSuffix(b.String(), "\n")
}

// Content returns the report body for a compile result: rendered markdown
// for structured results, the text verbatim otherwise.
func Content(r *remote.Result) string {
	if r.Summary != nil {
		return Markdown(r.Summary)
	}
	return r.Text
}

func section(b *strings.Builder, heading string) {
	line(b, "## "+heading)
	line(b, "")
}

func list(b *strings.Builder, heading string, items []string) {
	if len(items) == 0 {
		return
	}
	section(b, heading)
	for _, it := range items {
		line(b, "- "+it)
	}
	line(b, "")
}

func line(b *strings.Builder, s string) {
	b.WriteString(s)
	b.WriteByte('\n')
}
