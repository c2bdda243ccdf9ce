package dispatch

import (
	"fmt"
	"strings"
	"text/template"

	"github.com/helixir/docdigest-service/internal/domain"
)

// promptData is the input to the per-kind prompt templates.
type promptData struct {
	Title       string
	ChunkNumber int
	TotalChunks int
	Text        string
}

var (
	mainPromptTmpl = template.Must(template.New("main").Parse(strings.TrimSpace(`
Summarize the following section of the document "{{.Title}}".
This is part {{.ChunkNumber}} of {{.TotalChunks}}. Produce a concise summary
that preserves key facts, names, and figures.

{{.Text}}
`)))

	subPromptTmpl = template.Must(template.New("sub").Parse(strings.TrimSpace(`
Summarize the following related document "{{.Title}}" in a few sentences,
focusing on how it relates to the main topic.
This is part {{.ChunkNumber}} of {{.TotalChunks}}.

{{.Text}}
`)))
)

// BuildPrompt renders the summarization prompt for one chunk of an item.
// Chunk numbering in the prompt is 1-based.
func BuildPrompt(kind domain.ItemKind, title string, chunkIndex, totalChunks int, text string) (string, error) {
	data := promptData{
		Title:       title,
		ChunkNumber: chunkIndex + 1,
		TotalChunks: totalChunks,
		Text:        text,
	}

	var tmpl *template.Template
	switch kind {
	case domain.ItemKindMain:
		tmpl = mainPromptTmpl
	case domain.ItemKindSub:
		tmpl = subPromptTmpl
	default:
		return "", fmt.Errorf("unknown item kind: %s", kind)
	}

	var b strings.Builder
	if err := tmpl.Execute(&b, data); err != nil {
		return "", fmt.Errorf("render %s prompt: %w", kind, err)
	}
	return b.String(), nil
}
