package ticket

import "strings"

// ContextSource is one item folded into a ticket's aggregated context on
// phase exit: a task result, a discovery, or a validation review summary.
type ContextSource struct {
	Kind string // "task_result" | "discovery" | "review"
	Text string
}

// Aggregate concatenates relevant context sources into a single block.
// Pure function: same input always yields the same output, per spec §4.5
// ("the aggregator is pure").
func Aggregate(sources []ContextSource) string {
	var b strings.Builder
	for _, s := range sources {
		b.WriteString("## ")
		b.WriteString(s.Kind)
		b.WriteString("\n")
		b.WriteString(s.Text)
		b.WriteString("\n\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

// Summarizer reduces an aggregated context block to a bounded summary. The
// default TruncatingSummarizer below is a pluggable placeholder; production
// deployments wire an LLM-backed summarizer here instead (see
// SPEC_FULL.md — context passing), but the kernel itself is indifferent to
// which implementation is in use.
type Summarizer interface {
	Summarize(aggregated string, maxBytes int) (string, error)
}

// TruncatingSummarizer is the aggregator's built-in fallback: it keeps the
// head of the aggregated text up to maxBytes, which bounds context_summary
// size (default 4 kB) without requiring any external dependency.
type TruncatingSummarizer struct{}

func (TruncatingSummarizer) Summarize(aggregated string, maxBytes int) (string, error) {
	if maxBytes <= 0 || len(aggregated) <= maxBytes {
		return aggregated, nil
	}
	const ellipsis = "\n...[truncated]"
	cut := maxBytes - len(ellipsis)
	if cut < 0 {
		cut = 0
	}
	return aggregated[:cut] + ellipsis, nil
}
