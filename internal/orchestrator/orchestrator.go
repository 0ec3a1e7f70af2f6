// Package orchestrator maps one intent to one aggregated result,
// deciding which tool calls are needed, in what order, and how their
// outcomes combine. Partial-failure policy lives here.
package orchestrator

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"pagenerd/internal/cql"
	"pagenerd/internal/intent"
	"pagenerd/internal/llm"
	"pagenerd/internal/mcp"
)

const (
	toolSearch  = "confluence_search"
	toolGetPage = "confluence_get_page"
)

// Transport is the slice of the session client the orchestrator needs.
type Transport interface {
	Invoke(ctx context.Context, call mcp.ToolCall) mcp.ToolResult
}

// Limits are the per-operation caps, all required to be positive.
type Limits struct {
	// MaxContentLength bounds the total characters handed to aggregated
	// summarization.
	MaxContentLength int

	// MaxSearchResults caps query result limits.
	MaxSearchResults int

	// FanoutPages caps how many search hits get their page fetched in a
	// summarize-search operation.
	FanoutPages int

	// FanoutWorkers bounds concurrent in-flight page fetches.
	FanoutWorkers int

	// SpacePageCap bounds the space listing query.
	SpacePageCap int

	// SpaceSummaryPages bounds how many page excerpts feed a space
	// overview summary.
	SpaceSummaryPages int

	// DefaultSpace scopes unscoped queries when set.
	DefaultSpace string
}

// Orchestrator executes intents against one shared transport session.
type Orchestrator struct {
	transport  Transport
	summarizer llm.Summarizer
	limits     Limits
	log        *zap.Logger
}

func New(t Transport, s llm.Summarizer, limits Limits, log *zap.Logger) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Orchestrator{transport: t, summarizer: s, limits: limits, log: log}
}

// Execute runs one intent to completion and returns its aggregated
// result. Item-level failures are recorded in the result, never
// returned as errors; an error here means the operation as a whole
// could not run.
func (o *Orchestrator) Execute(ctx context.Context, in intent.Intent) (*OperationResult, error) {
	if err := in.Validate(); err != nil {
		return nil, err
	}

	o.log.Info("executing operation",
		zap.String("kind", string(in.Kind)),
		zap.String("subject", in.Subject),
		zap.String("space", in.SpaceKey))

	switch in.Kind {
	case intent.KindSearch:
		return o.doSearch(ctx, in)
	case intent.KindGet:
		return o.doGet(ctx, in)
	case intent.KindSummarizePage:
		return o.doSummarizePage(ctx, in)
	case intent.KindSummarizeSearch:
		return o.doSummarizeSearch(ctx, in)
	case intent.KindSpaceOverview:
		return o.doSpaceOverview(ctx, in)
	case intent.KindListSpace:
		return o.doListSpace(ctx, in)
	}
	return nil, fmt.Errorf("unhandled operation kind %q", in.Kind)
}

// invokeRetry sends one tool call, retrying exactly once on the
// recoverable failure kinds (timeout, protocol). All other failures
// are returned as-is.
func (o *Orchestrator) invokeRetry(ctx context.Context, tool string, args map[string]any) mcp.ToolResult {
	call := mcp.ToolCall{ID: uuid.NewString(), Tool: tool, Args: args}
	res := o.transport.Invoke(ctx, call)
	if !res.OK && res.Failure != nil && retryable(res.Failure.Kind) {
		o.log.Warn("tool call failed with a recoverable kind, retrying once",
			zap.String("tool", tool), zap.String("call_id", call.ID),
			zap.String("kind", string(res.Failure.Kind)))
		call.ID = uuid.NewString()
		res = o.transport.Invoke(ctx, call)
	}
	return res
}

func retryable(k mcp.FailureKind) bool {
	return k == mcp.FailureTimeout || k == mcp.FailureProtocol
}

// search runs one query and decodes its hits.
func (o *Orchestrator) search(ctx context.Context, q cql.Query) ([]searchHit, error) {
	res := o.invokeRetry(ctx, toolSearch, map[string]any{
		"query": q.CQL,
		"limit": q.Limit,
	})
	if !res.OK {
		return nil, res.Failure
	}
	return decodeSearchHits(res)
}

// fetchPage retrieves one page by id, falling back to title.
func (o *Orchestrator) fetchPage(ctx context.Context, id, title string) (Item, error) {
	args := map[string]any{}
	if id != "" {
		args["page_id"] = id
	} else {
		args["title"] = title
	}
	res := o.invokeRetry(ctx, toolGetPage, args)
	if !res.OK {
		return Item{}, res.Failure
	}
	item, err := decodePage(res)
	if err != nil {
		return Item{}, err
	}
	item.Content = cleanContent(item.Content)
	return item, nil
}

func (o *Orchestrator) doSearch(ctx context.Context, in intent.Intent) (*OperationResult, error) {
	out := &OperationResult{Kind: in.Kind, Label: in.Subject}

	q := cql.Build(in, cql.Options{DefaultSpace: o.limits.DefaultSpace, MaxResults: o.limits.MaxSearchResults})
	hits, err := o.search(ctx, q)
	if err != nil {
		out.Failures = append(out.Failures, ItemFailure{Reason: err.Error()})
		return out, nil
	}

	out.Items = hitsToItems(hits)
	out.TotalFound = len(hits)
	out.Shown = len(out.Items)
	return out, nil
}

func (o *Orchestrator) doListSpace(ctx context.Context, in intent.Intent) (*OperationResult, error) {
	out := &OperationResult{Kind: in.Kind, Label: in.SpaceKey}

	q := cql.Build(in, cql.Options{MaxResults: o.limits.SpacePageCap})
	hits, err := o.search(ctx, q)
	if err != nil {
		out.Failures = append(out.Failures, ItemFailure{Reason: err.Error()})
		return out, nil
	}

	out.Items = hitsToItems(hits)
	out.TotalFound = len(hits)
	out.Shown = len(out.Items)
	return out, nil
}

// doGet resolves a page by id or title. An ambiguous title yields a
// terminal candidate listing instead of an arbitrary pick; the single
// exception is exactly one case-insensitive exact title match, which is
// followed automatically.
func (o *Orchestrator) doGet(ctx context.Context, in intent.Intent) (*OperationResult, error) {
	out := &OperationResult{Kind: in.Kind, Label: in.PageTitle}

	if in.PageID != "" {
		out.Label = in.PageID
		item, err := o.fetchPage(ctx, in.PageID, "")
		if err != nil {
			out.Failures = append(out.Failures, ItemFailure{ID: in.PageID, Reason: err.Error()})
			return out, nil
		}
		out.Items = []Item{item}
		out.TotalFound, out.Shown = 1, 1
		return out, nil
	}

	hits, err := o.search(ctx, cql.Build(intent.Intent{
		Kind:      intent.KindSearch,
		Subject:   in.PageTitle,
		SpaceKey:  in.SpaceKey,
		TitleOnly: true,
	}, cql.Options{DefaultSpace: o.limits.DefaultSpace, MaxResults: o.limits.MaxSearchResults}))
	if err != nil {
		out.Failures = append(out.Failures, ItemFailure{Title: in.PageTitle, Reason: err.Error()})
		return out, nil
	}

	switch {
	case len(hits) == 0:
		out.TotalFound = 0
		return out, nil
	case len(hits) > 1:
		if exact := exactTitleMatches(hits, in.PageTitle); len(exact) == 1 {
			hits = exact
		} else {
			for _, h := range hits {
				out.Candidates = append(out.Candidates, Candidate{
					ID: h.ID, Title: h.Title, SpaceKey: h.Space.Key, URL: h.URL,
				})
			}
			out.TotalFound = len(hits)
			return out, nil
		}
	}

	item, err := o.fetchPage(ctx, hits[0].ID, hits[0].Title)
	if err != nil {
		out.Failures = append(out.Failures, ItemFailure{Title: hits[0].Title, ID: hits[0].ID, Reason: err.Error()})
		return out, nil
	}
	if item.URL == "" {
		item.URL = hits[0].URL
	}
	out.Items = []Item{item}
	out.TotalFound, out.Shown = 1, 1
	return out, nil
}

func (o *Orchestrator) doSummarizePage(ctx context.Context, in intent.Intent) (*OperationResult, error) {
	get, err := o.doGet(ctx, intent.Intent{
		Kind:      intent.KindGet,
		PageTitle: in.PageTitle,
		PageID:    in.PageID,
		SpaceKey:  in.SpaceKey,
	})
	if err != nil {
		return nil, err
	}
	get.Kind = in.Kind

	// disambiguation and fetch failures are terminal here too
	if len(get.Items) == 0 {
		return get, nil
	}

	item := get.Items[0]
	if item.Content == "" {
		get.SummaryFailed = true
		get.SummaryError = "page has no extractable content"
		return get, nil
	}

	content := item.Content
	if len(content) > o.limits.MaxContentLength {
		content = content[:o.limits.MaxContentLength] + truncationMark
	}

	summary, err := o.summarizer.SummarizePage(ctx, item.Title, content)
	if err != nil {
		// keep the fetched content, disclose the degradation
		o.log.Warn("page summarization failed", zap.String("title", item.Title), zap.Error(err))
		get.SummaryFailed = true
		get.SummaryError = err.Error()
		return get, nil
	}
	get.Summary = summary
	return get, nil
}

func (o *Orchestrator) doSummarizeSearch(ctx context.Context, in intent.Intent) (*OperationResult, error) {
	out := &OperationResult{Kind: in.Kind, Label: in.Subject}

	q := cql.Build(intent.Intent{
		Kind:      intent.KindSearch,
		Subject:   in.Subject,
		SpaceKey:  in.SpaceKey,
		TitleOnly: in.TitleOnly,
		Limit:     in.Limit,
	}, cql.Options{DefaultSpace: o.limits.DefaultSpace, MaxResults: o.limits.MaxSearchResults})

	hits, err := o.search(ctx, q)
	if err != nil {
		out.Failures = append(out.Failures, ItemFailure{Reason: err.Error()})
		return out, nil
	}
	out.TotalFound = len(hits)
	if len(hits) == 0 {
		return out, nil
	}

	fetch := hits
	if len(fetch) > o.limits.FanoutPages {
		fetch = fetch[:o.limits.FanoutPages]
		out.Truncated = true
	}

	outcomes := o.fanOutFetch(ctx, fetch, o.limits.FanoutWorkers)
	for _, oc := range outcomes {
		if oc.failure != nil {
			out.Failures = append(out.Failures, *oc.failure)
			continue
		}
		out.Items = append(out.Items, oc.item)
	}
	out.Shown = len(out.Items)

	if len(out.Items) == 0 {
		out.SummaryFailed = true
		out.SummaryError = "no page content could be retrieved"
		return out, nil
	}

	out.Summary, err = o.summarizeItems(ctx, in.Subject, out.Items)
	if err != nil {
		o.log.Warn("aggregate summarization failed", zap.Error(err))
		out.SummaryFailed = true
		out.SummaryError = err.Error()
	}
	return out, nil
}

func (o *Orchestrator) doSpaceOverview(ctx context.Context, in intent.Intent) (*OperationResult, error) {
	out := &OperationResult{Kind: in.Kind, Label: in.SpaceKey}

	q := cql.Build(in, cql.Options{MaxResults: o.limits.SpacePageCap})
	hits, err := o.search(ctx, q)
	if err != nil {
		out.Failures = append(out.Failures, ItemFailure{Reason: err.Error()})
		return out, nil
	}
	out.TotalFound = len(hits)
	if len(hits) == 0 {
		return out, nil
	}

	out.Items = hitsToItems(hits)
	out.Shown = len(out.Items)

	// excerpts of the leading pages feed the overview; no per-page
	// fetches, the space listing already carries enough context
	analyzed := out.Items
	if len(analyzed) > o.limits.SpaceSummaryPages {
		analyzed = analyzed[:o.limits.SpaceSummaryPages]
		out.Truncated = true
	}

	out.Summary, err = o.summarizeItems(ctx, in.SpaceKey, analyzed)
	if err != nil {
		o.log.Warn("space overview summarization failed",
			zap.String("space", in.SpaceKey), zap.Error(err))
		out.SummaryFailed = true
		out.SummaryError = err.Error()
	}
	return out, nil
}

// summarizeItems builds the length-bounded corpus and asks for one
// aggregate summary. The numbered title headers count against the
// same budget as the bodies, so the whole corpus stays within
// MaxContentLength.
func (o *Orchestrator) summarizeItems(ctx context.Context, label string, items []Item) (string, error) {
	headers := make([]string, len(items))
	overhead := 0
	for i, it := range items {
		headers[i] = fmt.Sprintf("%d. %s\n", i+1, it.Title)
		overhead += len(headers[i]) + len("\n\n")
	}

	contents := make([]string, len(items))
	for i, it := range items {
		body := it.Content
		if body == "" {
			body = it.Excerpt
		}
		if body == "" {
			body = "Page about " + strings.ToLower(it.Title)
		}
		contents[i] = body
	}
	budget := o.limits.MaxContentLength - overhead
	if budget < 1 {
		budget = 1
	}
	contents = truncateProportional(contents, budget)

	var b strings.Builder
	for i := range items {
		b.WriteString(headers[i])
		b.WriteString(contents[i])
		b.WriteString("\n\n")
	}
	return o.summarizer.SummarizeCorpus(ctx, label, b.String())
}

func hitsToItems(hits []searchHit) []Item {
	items := make([]Item, 0, len(hits))
	for _, h := range hits {
		items = append(items, Item{
			ID:        h.ID,
			Title:     h.Title,
			SpaceKey:  h.Space.Key,
			SpaceName: h.Space.Name,
			Excerpt:   cleanContent(h.Excerpt),
			URL:       h.URL,
		})
	}
	return items
}

func exactTitleMatches(hits []searchHit, title string) []searchHit {
	var exact []searchHit
	for _, h := range hits {
		if strings.EqualFold(strings.TrimSpace(h.Title), strings.TrimSpace(title)) {
			exact = append(exact, h)
		}
	}
	return exact
}
