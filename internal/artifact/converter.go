package artifact

import (
	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/JohannesKaufmann/html-to-markdown/plugin"
)

// Converter renders HTML-formatted result submissions (e.g. from an
// external planner or reviewer UI) down to the markdown this kernel
// persists as AgentResult/WorkflowResult artifacts. Grounded on the
// teacher's web-ingester HTML-to-markdown converter, trimmed to a plain
// passthrough since artifact submissions don't need the ingester's
// main-content extraction heuristics.
type Converter struct {
	converter *md.Converter
}

// NewConverter builds a Converter with GitHub-flavored markdown output
// (tables, strikethrough, task lists) enabled.
func NewConverter() *Converter {
	c := md.NewConverter("", true, nil)
	c.Use(plugin.GitHubFlavored())
	return &Converter{converter: c}
}

// Convert renders html to markdown text.
func (c *Converter) Convert(html string) (string, error) {
	out, err := c.converter.ConvertString(html)
	if err != nil {
		return "", err
	}
	return out, nil
}
