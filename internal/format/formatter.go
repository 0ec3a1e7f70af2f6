// Package format renders aggregated operation results as display text.
// Pure functions of the result record, no I/O.
package format

import (
	"fmt"
	"strings"

	"pagenerd/internal/intent"
	"pagenerd/internal/orchestrator"
)

const (
	excerptLimit = 120
	contentLimit = 1500
)

// Render turns one operation result into user-facing text. The output
// is never empty: empty result sets and failures all get explicit
// messages with a next step.
func Render(res *orchestrator.OperationResult) string {
	if res == nil {
		return "Nothing to show."
	}

	if len(res.Candidates) > 0 {
		return renderCandidates(res)
	}

	if len(res.Items) == 0 {
		return renderEmpty(res)
	}

	switch res.Kind {
	case intent.KindGet:
		return renderPage(res)
	case intent.KindSummarizePage:
		return renderPageSummary(res)
	case intent.KindSummarizeSearch:
		return renderAggregateSummary(res)
	case intent.KindSpaceOverview:
		return renderSpaceOverview(res)
	default: // search, list-space
		return renderItemList(res)
	}
}

func renderEmpty(res *orchestrator.OperationResult) string {
	if len(res.Failures) > 0 {
		var b strings.Builder
		b.WriteString("The operation could not be completed:\n")
		for _, f := range res.Failures {
			b.WriteString("- ")
			if f.Title != "" {
				fmt.Fprintf(&b, "%s: ", f.Title)
			}
			b.WriteString(f.Reason)
			b.WriteByte('\n')
		}
		b.WriteString("\nCheck that the server is reachable and your credentials are valid, then try again.")
		return b.String()
	}

	if res.Kind == intent.KindGet || res.Kind == intent.KindSummarizePage {
		msg := "No page found"
		if res.Label != "" {
			msg = fmt.Sprintf("No page titled %q found", res.Label)
		}
		return msg + ".\nCheck the title for typos, or search for it first."
	}
	msg := "No pages found"
	if res.Label != "" {
		msg += fmt.Sprintf(" for %q", res.Label)
	}
	return msg + ".\nTry different keywords or broader search terms."
}

func renderCandidates(res *orchestrator.OperationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Multiple pages match %q:\n\n", res.Label)
	for i, c := range res.Candidates {
		fmt.Fprintf(&b, "%d. %s (Space: %s, ID: %s)\n", i+1, c.Title, c.SpaceKey, c.ID)
		if c.URL != "" {
			fmt.Fprintf(&b, "   %s\n", c.URL)
		}
	}
	b.WriteString("\nSpecify the exact title or a page ID to pick one.")
	return b.String()
}

func renderItemList(res *orchestrator.OperationResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Found %d %s", res.TotalFound, plural(res.TotalFound, "page", "pages"))
	if res.Label != "" {
		fmt.Fprintf(&b, " for %q", res.Label)
	}
	if res.Shown < res.TotalFound {
		fmt.Fprintf(&b, ", showing %d", res.Shown)
	}
	b.WriteString(":\n\n")

	writeItemList(&b, res.Items)
	writeFailures(&b, res.Failures)
	return strings.TrimRight(b.String(), "\n")
}

func renderPage(res *orchestrator.OperationResult) string {
	it := res.Items[0]
	var b strings.Builder
	fmt.Fprintf(&b, "%s (Space: %s)\n", it.Title, spaceLabel(it))
	if it.URL != "" {
		fmt.Fprintf(&b, "%s\n", it.URL)
	}
	b.WriteByte('\n')

	if it.Content == "" {
		b.WriteString("No content available.")
		return b.String()
	}
	if len(it.Content) > contentLimit {
		b.WriteString(it.Content[:contentLimit])
		b.WriteString("\n\n[Content truncated. Ask for a summary to cover the whole page.]")
	} else {
		b.WriteString(it.Content)
	}
	return b.String()
}

func renderPageSummary(res *orchestrator.OperationResult) string {
	it := res.Items[0]
	var b strings.Builder

	if res.SummaryFailed {
		fmt.Fprintf(&b, "%s (Space: %s)\n\n", it.Title, spaceLabel(it))
		fmt.Fprintf(&b, "Summarization failed (%s); showing the raw content instead.\n\n", res.SummaryError)
		if it.Content == "" {
			b.WriteString("No content available.")
		} else if len(it.Content) > contentLimit {
			b.WriteString(it.Content[:contentLimit])
			b.WriteString("\n\n[Content truncated.]")
		} else {
			b.WriteString(it.Content)
		}
		return b.String()
	}

	fmt.Fprintf(&b, "Summary of %s (Space: %s)\n\n%s", it.Title, spaceLabel(it), res.Summary)
	if it.URL != "" {
		fmt.Fprintf(&b, "\n\n%s", it.URL)
	}
	return b.String()
}

func renderAggregateSummary(res *orchestrator.OperationResult) string {
	var b strings.Builder

	if res.SummaryFailed {
		fmt.Fprintf(&b, "Could not summarize pages about %q (%s); listing them instead.\n\n",
			res.Label, res.SummaryError)
		writeItemList(&b, res.Items)
		writeFailures(&b, res.Failures)
		return strings.TrimRight(b.String(), "\n")
	}

	fmt.Fprintf(&b, "Summary of %d %s about %q",
		res.Shown, plural(res.Shown, "page", "pages"), res.Label)
	if res.Shown < res.TotalFound {
		fmt.Fprintf(&b, " (top %d of %d found)", res.Shown, res.TotalFound)
	}
	fmt.Fprintf(&b, ":\n\n%s\n", res.Summary)

	writeSources(&b, res.Items)
	writeFailures(&b, res.Failures)
	return strings.TrimRight(b.String(), "\n")
}

func renderSpaceOverview(res *orchestrator.OperationResult) string {
	var b strings.Builder

	if res.SummaryFailed {
		fmt.Fprintf(&b, "Could not generate an overview of space %q (%s); listing its pages instead.\n\n",
			res.Label, res.SummaryError)
		writeItemList(&b, res.Items)
		return strings.TrimRight(b.String(), "\n")
	}

	analyzed := res.Shown
	if res.Truncated {
		fmt.Fprintf(&b, "Executive summary for space %q (based on %d of %d pages):\n\n",
			res.Label, analyzed, res.TotalFound)
	} else {
		fmt.Fprintf(&b, "Executive summary for space %q (%d %s):\n\n",
			res.Label, res.TotalFound, plural(res.TotalFound, "page", "pages"))
	}
	b.WriteString(res.Summary)
	return b.String()
}

func writeItemList(b *strings.Builder, items []orchestrator.Item) {
	for i, it := range items {
		fmt.Fprintf(b, "%d. %s (Space: %s, ID: %s)\n", i+1, it.Title, spaceLabel(it), it.ID)
		if excerpt := clampText(it.Excerpt, excerptLimit); excerpt != "" {
			fmt.Fprintf(b, "   %s\n", excerpt)
		}
		if it.URL != "" {
			fmt.Fprintf(b, "   %s\n", it.URL)
		}
		b.WriteByte('\n')
	}
}

func writeSources(b *strings.Builder, items []orchestrator.Item) {
	if len(items) == 0 {
		return
	}
	b.WriteString("\nSources:\n")
	for _, it := range items {
		fmt.Fprintf(b, "- %s", it.Title)
		if it.URL != "" {
			fmt.Fprintf(b, " (%s)", it.URL)
		}
		b.WriteByte('\n')
	}
}

func writeFailures(b *strings.Builder, failures []orchestrator.ItemFailure) {
	if len(failures) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%d %s could not be retrieved:\n",
		len(failures), plural(len(failures), "page", "pages"))
	for _, f := range failures {
		name := f.Title
		if name == "" {
			name = f.ID
		}
		if name == "" {
			name = "unknown page"
		}
		fmt.Fprintf(b, "- %s: %s\n", name, f.Reason)
	}
	b.WriteString("Retry in a moment if the server was slow to respond.\n")
}

func spaceLabel(it orchestrator.Item) string {
	if it.SpaceName != "" {
		return it.SpaceName
	}
	if it.SpaceKey != "" {
		return it.SpaceKey
	}
	return "unknown"
}

func clampText(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func plural(n int, one, many string) string {
	if n == 1 {
		return one
	}
	return many
}
