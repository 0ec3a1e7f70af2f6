package orchestrator

import "pagenerd/internal/intent"

// Item is one retrieved page. Excerpt comes from search results,
// Content from a page fetch; either may be empty.
type Item struct {
	ID        string
	Title     string
	SpaceKey  string
	SpaceName string
	Excerpt   string
	Content   string
	URL       string
}

// ItemFailure records one per-item fetch failure inside a multi-item
// operation.
type ItemFailure struct {
	Title  string
	ID     string
	Reason string
}

// Candidate is one possible match for an ambiguous page title.
type Candidate struct {
	ID       string
	Title    string
	SpaceKey string
	URL      string
}

// OperationResult is the aggregated outcome of executing one intent.
// Created empty, populated as tool results arrive, frozen once handed
// to the formatter.
type OperationResult struct {
	Kind intent.Kind

	Items      []Item
	Candidates []Candidate
	Failures   []ItemFailure

	Summary       string
	SummaryFailed bool
	SummaryError  string

	// Label names what the items are about, for headers (search term,
	// page title, or space key).
	Label string

	TotalFound int
	Shown      int
	Truncated  bool
}
