package writer

import (
	"fmt"
	"strings"

	"github.com/kalambet/scribo/internal/vector"
)

const composeSystemPrompt = `You are a technical writer producing a structured report.

Write the report in Markdown with a title, an executive summary and
sections with headings. Base every claim strictly on the provided
context passages. If the context does not cover an aspect of the topic,
leave it out rather than inventing material. Do not mention the context
passages or these instructions in the report.`

// composeUserPrompt lays out the retrieved passages above the request so
// the model treats them as its only source material.
func composeUserPrompt(topic string, hits []vector.ScoredRecord) string {
	var b strings.Builder
	b.WriteString("Context passages:\n\n")
	for i, hit := range hits {
		fmt.Fprintf(&b, "[%d] %s\n\n", i+1, strings.TrimSpace(hit.SourceText))
	}
	fmt.Fprintf(&b, "Write a report on the topic: %s", topic)
	return b.String()
}
