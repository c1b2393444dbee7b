package remote

import (
	"fmt"
	"strings"

	"fortknox/internal/pack"
)

const systemPrompt = `You are a senior investigative editor. You write structured editorial briefs from already anonymized material.
Placeholders such as [EMAIL], [PHONE], [PNR], [DATE] or [NAME] stand for removed personal data. Never guess what they hide and never invent personal data.
Answer with a single JSON object and nothing else.`

const schemaHint = `{
  "template_id": "%s",
  "language": "sv",
  "title": "report title",
  "executive_summary": "two or three sentences",
  "themes": [{"name": "theme", "bullets": ["fact", "angle", "verify", "contacts by role, no names"]}],
  "timeline_high_level": ["relative time and event, no exact dates"],
  "risks": [{"risk": "publication risk", "mitigation": "how to reduce it"}],
  "open_questions": ["question"],
  "next_steps": ["role + action + reason"],
  "confidence": "low|medium|high"
}`

// buildPrompt returns the system and user messages for an LLM engine.
func buildPrompt(p *pack.Pack, policy pack.Policy) (string, string) {
	var b strings.Builder
	fmt.Fprintf(&b, "Policy: %s. Template: %s. Write in Swedish.\n", policy.ID, p.TemplateID)
	if policy.ID == pack.PolicyExternal {
		b.WriteString("External brief: no exact dates or times, no personal data or identifying details.\n")
	}
	fmt.Fprintf(&b, "Never reproduce %d or more consecutive words from the material. Paraphrase and do not use quotation marks.\n\n", policy.MinSpan())

	for _, it := range p.Items {
		fmt.Fprintf(&b, "--- %s %s ---\n%s\n\n", it.Kind, it.ID, it.Text)
	}
	b.WriteString("Respond with JSON in exactly this shape:\n")
	fmt.Fprintf(&b, schemaHint, p.TemplateID)
	return systemPrompt, b.String()
}
