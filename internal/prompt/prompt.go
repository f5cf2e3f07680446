// Package prompt assembles the per-row user prompt: placeholder
// substitution, worked examples and the retrieved documents block.
package prompt

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/Global-Witness/augmenta/internal/config"
)

// Document is a fetched page ready for inclusion in a prompt.
type Document struct {
	Source  string
	Content string
}

// Substitute replaces {{column}} placeholders in template with the row's
// values. Placeholders are literal, they never match across columns.
func Substitute(template string, row map[string]string) string {
	out := template
	for column, value := range row {
		placeholder := "{{" + column + "}}"
		if strings.Contains(out, placeholder) {
			out = strings.ReplaceAll(out, placeholder, value)
		}
	}
	return out
}

// FormatExamples renders worked input/output pairs as an XML block under
// a "## Examples" heading. Returns "" when there are no examples.
func FormatExamples(examples []config.Example) (string, error) {
	if len(examples) == 0 {
		return "", nil
	}

	var sb strings.Builder
	for _, example := range examples {
		output, err := json.Marshal(example.Output)
		if err != nil {
			return "", fmt.Errorf("marshal example output: %w", err)
		}
		sb.WriteString("<example>")
		sb.WriteString("<input>")
		sb.WriteString(escapeXML(example.Input))
		sb.WriteString("</input>")
		sb.WriteString("<ideal_output>")
		sb.WriteString(escapeXML(string(output)))
		sb.WriteString("</ideal_output>")
		sb.WriteString("</example>")
	}
	return "## Examples\n<examples>\n" + sb.String() + "\n</examples>", nil
}

// FormatDocuments renders fetched pages as a <documents> XML block.
// Documents with empty content are skipped; indexes start at 1.
func FormatDocuments(docs []Document) string {
	var sb strings.Builder
	index := 0
	for _, doc := range docs {
		if doc.Content == "" {
			continue
		}
		index++
		fmt.Fprintf(&sb, `<document index="%d">`, index)
		sb.WriteString("<source>")
		sb.WriteString(escapeXML(doc.Source))
		sb.WriteString("</source>")
		sb.WriteString("<document_content>")
		sb.WriteString(escapeXML(doc.Content))
		sb.WriteString("</document_content>")
		sb.WriteString("</document>")
	}
	return "<documents>" + sb.String() + "</documents>"
}

// BuildUserPrompt produces the final user prompt for one row.
func BuildUserPrompt(prompt config.PromptConfig, row map[string]string, docs []Document) (string, error) {
	out := Substitute(prompt.User, row)

	examples, err := FormatExamples(prompt.Examples)
	if err != nil {
		return "", err
	}
	if examples != "" {
		out = out + "\n\n" + examples
	}

	return out + "\n\n## Documents\n\n" + FormatDocuments(docs), nil
}

var xmlReplacer = strings.NewReplacer(
	"&", "&amp;",
	"<", "&lt;",
	">", "&gt;",
)

func escapeXML(s string) string {
	return xmlReplacer.Replace(s)
}
