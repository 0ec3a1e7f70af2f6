package llm

import (
	"context"
	"fmt"
)

// Summarizer condenses page content. SummarizePage works on one page,
// SummarizeCorpus on concatenated content from several pages.
type Summarizer interface {
	SummarizePage(ctx context.Context, title, content string) (string, error)
	SummarizeCorpus(ctx context.Context, label, corpus string) (string, error)
}

// GeminiSummarizer implements Summarizer over a Completer.
type GeminiSummarizer struct {
	completer Completer
}

func NewGeminiSummarizer(c Completer) *GeminiSummarizer {
	return &GeminiSummarizer{completer: c}
}

const pageSummarySystem = `You summarize wiki page content. Provide a concise,
well-structured summary covering the main points, key facts, and any
action items. Respond with the summary text only.`

// SummarizePage produces a summary of one page's content.
func (s *GeminiSummarizer) SummarizePage(ctx context.Context, title, content string) (string, error) {
	user := fmt.Sprintf("Page title: %s\n\nPage content:\n%s", title, content)
	out, err := s.completer.Complete(ctx, pageSummarySystem, user)
	if err != nil {
		return "", fmt.Errorf("summarize page %q: %w", title, err)
	}
	return out, nil
}

const corpusSummarySystem = `You create an executive summary from the content
of several wiki pages. Synthesize the main themes, purposes, and key topics
across all pages into one comprehensive paragraph, followed by a short list
of the most important individual points. Respond with the summary only.`

// SummarizeCorpus produces one aggregate summary from the concatenated,
// already length-bounded content of multiple pages. label names the
// batch (a search term or space key) for the prompt.
func (s *GeminiSummarizer) SummarizeCorpus(ctx context.Context, label, corpus string) (string, error) {
	user := fmt.Sprintf("Pages about %q:\n\n%s", label, corpus)
	out, err := s.completer.Complete(ctx, corpusSummarySystem, user)
	if err != nil {
		return "", fmt.Errorf("summarize pages about %q: %w", label, err)
	}
	return out, nil
}
