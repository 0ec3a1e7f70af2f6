package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pagenerd/internal/intent"
	"pagenerd/internal/mcp"
)

type fakeTransport struct {
	mu      sync.Mutex
	calls   []mcp.ToolCall
	handler func(call mcp.ToolCall) mcp.ToolResult
}

func (f *fakeTransport) Invoke(_ context.Context, call mcp.ToolCall) mcp.ToolResult {
	f.mu.Lock()
	f.calls = append(f.calls, call)
	f.mu.Unlock()
	return f.handler(call)
}

func (f *fakeTransport) callCount(tool string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if c.Tool == tool {
			n++
		}
	}
	return n
}

type fakeSummarizer struct {
	err        error
	lastCorpus string
}

func (f *fakeSummarizer) SummarizePage(_ context.Context, title, content string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return fmt.Sprintf("summary of %s (%d chars)", title, len(content)), nil
}

func (f *fakeSummarizer) SummarizeCorpus(_ context.Context, label, corpus string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	f.lastCorpus = corpus
	return fmt.Sprintf("summary about %s (%d chars)", label, len(corpus)), nil
}

func testLimits() Limits {
	return Limits{
		MaxContentLength:  8000,
		MaxSearchResults:  50,
		FanoutPages:       5,
		FanoutWorkers:     3,
		SpacePageCap:      50,
		SpaceSummaryPages: 15,
	}
}

// envelope wraps an inner document the way tool results arrive on the
// wire: as a JSON string inside the first content block.
func envelope(t *testing.T, inner any) json.RawMessage {
	t.Helper()
	text, err := json.Marshal(inner)
	require.NoError(t, err)
	payload, err := json.Marshal(map[string]any{
		"content": []map[string]any{{"type": "text", "text": string(text)}},
	})
	require.NoError(t, err)
	return payload
}

func okResult(id string, payload json.RawMessage) mcp.ToolResult {
	return mcp.ToolResult{ID: id, OK: true, Payload: payload}
}

func hit(id, title, space, excerpt string) map[string]any {
	return map[string]any{
		"id":      id,
		"title":   title,
		"space":   map[string]any{"key": space, "name": space + " Space"},
		"excerpt": excerpt,
		"url":     "https://wiki.example.com/pages/" + id,
	}
}

func page(id, title, space, content string) map[string]any {
	return map[string]any{
		"id":      id,
		"title":   title,
		"space":   map[string]any{"key": space, "name": space + " Space"},
		"content": content,
		"url":     "https://wiki.example.com/pages/" + id,
	}
}

func TestSearchMapsHits(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		require.Equal(t, "confluence_search", call.Tool)
		assert.Equal(t, `type = page AND text ~ "Docker"`, call.Args["query"])
		return okResult(call.ID, envelope(t, []map[string]any{
			hit("1", "Docker Basics", "DOCS", "<b>Docker</b> intro"),
			hit("2", "Docker Compose", "DOCS", "compose files"),
			hit("3", "Docker in CI", "ENG", ""),
		}))
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSearch, Subject: "Docker"})
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	assert.Equal(t, 3, res.TotalFound)
	assert.Equal(t, 3, res.Shown)
	assert.Equal(t, "Docker Basics", res.Items[0].Title)
	assert.Equal(t, "Docker intro", res.Items[0].Excerpt, "excerpt markup is stripped")
	assert.Equal(t, "DOCS", res.Items[0].SpaceKey)
	assert.Equal(t, "https://wiki.example.com/pages/1", res.Items[0].URL)
	assert.Empty(t, res.Failures)
}

func TestSearchToolFailureIsRecordedNotFatal(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		return mcp.ToolResult{ID: call.ID, Failure: &mcp.Failure{Kind: mcp.FailureTool, Message: "space not found"}}
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSearch, Subject: "x"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0].Reason, "space not found")
}

func TestTimeoutRetriesExactlyOnce(t *testing.T) {
	var attempts int
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		attempts++
		if attempts == 1 {
			return mcp.ToolResult{ID: call.ID, Failure: &mcp.Failure{Kind: mcp.FailureTimeout, Message: "no response"}}
		}
		return okResult(call.ID, envelope(t, []map[string]any{hit("1", "A", "DOCS", "")}))
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSearch, Subject: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, res.Items, 1)
}

func TestProtocolErrorRetriesExactlyOnce(t *testing.T) {
	var attempts int
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		attempts++
		if attempts == 1 {
			return mcp.ToolResult{ID: call.ID, Failure: &mcp.Failure{Kind: mcp.FailureProtocol, Message: "empty response"}}
		}
		return okResult(call.ID, envelope(t, []map[string]any{hit("1", "A", "DOCS", "")}))
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSearch, Subject: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts)
	assert.Len(t, res.Items, 1)
}

func TestTransportFailureIsNotRetried(t *testing.T) {
	var attempts int
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		attempts++
		return mcp.ToolResult{ID: call.ID, Failure: &mcp.Failure{Kind: mcp.FailureTransport, Message: "pipe closed"}}
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSearch, Subject: "x"})
	require.NoError(t, err)
	assert.Equal(t, 1, attempts)
	assert.Empty(t, res.Items)
	require.Len(t, res.Failures, 1)
}

func TestTimeoutTwiceBecomesFailure(t *testing.T) {
	var attempts int
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		attempts++
		return mcp.ToolResult{ID: call.ID, Failure: &mcp.Failure{Kind: mcp.FailureTimeout, Message: "no response"}}
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSearch, Subject: "x"})
	require.NoError(t, err)
	assert.Equal(t, 2, attempts, "one retry, never more")
	assert.Empty(t, res.Items)
	require.Len(t, res.Failures, 1)
}

func TestCorpusStaysWithinContentBudget(t *testing.T) {
	sum := &fakeSummarizer{}
	limits := testLimits()
	limits.MaxContentLength = 400
	o := New(&fakeTransport{}, sum, limits, nil)

	long := strings.Repeat("body text ", 60)
	items := []Item{
		{ID: "1", Title: "A Very Long Architecture Overview Title", Content: long},
		{ID: "2", Title: "Operations Runbook For The Platform Team", Content: long},
		{ID: "3", Title: "Quarterly Planning Notes And Decisions", Content: long},
	}

	_, err := o.summarizeItems(context.Background(), "platform", items)
	require.NoError(t, err)
	assert.LessOrEqual(t, len(sum.lastCorpus), limits.MaxContentLength,
		"numbered title headers count against the same budget as the bodies")
	for _, it := range items {
		assert.Contains(t, sum.lastCorpus, it.Title)
	}
}

func TestGetDisambiguatesAmbiguousTitle(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		require.Equal(t, "confluence_search", call.Tool, "ambiguity must not trigger a page fetch")
		return okResult(call.ID, envelope(t, []map[string]any{
			hit("1", "Roadmap 2025", "DOCS", ""),
			hit("2", "Roadmap Archive", "ENG", ""),
		}))
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindGet, PageTitle: "Roadmap"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	require.Len(t, res.Candidates, 2)
	assert.Equal(t, "Roadmap 2025", res.Candidates[0].Title)
	assert.Equal(t, "Roadmap Archive", res.Candidates[1].Title)
	assert.Equal(t, 0, tr.callCount("confluence_get_page"))
}

func TestGetFollowsSingleExactTitleMatch(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		switch call.Tool {
		case "confluence_search":
			return okResult(call.ID, envelope(t, []map[string]any{
				hit("1", "roadmap", "DOCS", ""),
				hit("2", "Roadmap Archive", "ENG", ""),
			}))
		case "confluence_get_page":
			assert.Equal(t, "1", call.Args["page_id"])
			return okResult(call.ID, envelope(t, page("1", "roadmap", "DOCS", "<p>The plan</p>")))
		}
		t.Fatalf("unexpected tool %s", call.Tool)
		return mcp.ToolResult{}
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindGet, PageTitle: "Roadmap"})
	require.NoError(t, err)
	assert.Empty(t, res.Candidates)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "The plan", res.Items[0].Content)
}

func TestGetByIDSkipsSearch(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		require.Equal(t, "confluence_get_page", call.Tool)
		assert.Equal(t, "12345", call.Args["page_id"])
		return okResult(call.ID, envelope(t, page("12345", "Direct", "DOCS", "<p>hi</p>")))
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindGet, PageID: "12345"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "Direct", res.Items[0].Title)
}

func summarizeSearchFixture(t *testing.T, failIDs map[string]bool, delays map[string]time.Duration) *fakeTransport {
	t.Helper()
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		switch call.Tool {
		case "confluence_search":
			return okResult(call.ID, envelope(t, []map[string]any{
				hit("1", "Alpha", "DOCS", "a"),
				hit("2", "Beta", "DOCS", "b"),
				hit("3", "Gamma", "DOCS", "c"),
				hit("4", "Delta", "DOCS", "d"),
				hit("5", "Epsilon", "DOCS", "e"),
			}))
		case "confluence_get_page":
			id := call.Args["page_id"].(string)
			if d, ok := delays[id]; ok {
				time.Sleep(d)
			}
			if failIDs[id] {
				return mcp.ToolResult{ID: call.ID, Failure: &mcp.Failure{Kind: mcp.FailureTool, Message: "boom"}}
			}
			titles := map[string]string{"1": "Alpha", "2": "Beta", "3": "Gamma", "4": "Delta", "5": "Epsilon"}
			return okResult(call.ID, envelope(t, page(id, titles[id], "DOCS", "<p>content of "+titles[id]+"</p>")))
		}
		t.Fatalf("unexpected tool %s", call.Tool)
		return mcp.ToolResult{}
	}
	return tr
}

func TestSummarizeSearchPartialFailure(t *testing.T) {
	tr := summarizeSearchFixture(t, map[string]bool{"2": true, "4": true}, nil)
	sum := &fakeSummarizer{}
	o := New(tr, sum, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSummarizeSearch, Subject: "greek"})
	require.NoError(t, err)

	require.Len(t, res.Items, 3)
	require.Len(t, res.Failures, 2)
	assert.Equal(t, 5, res.TotalFound)
	assert.Equal(t, 3, res.Shown)
	assert.False(t, res.SummaryFailed)
	assert.NotEmpty(t, res.Summary, "three successes still produce a summary")
	assert.Contains(t, sum.lastCorpus, "content of Alpha")
	assert.NotContains(t, sum.lastCorpus, "content of Beta")
}

func TestSummarizeSearchAllFetchesFail(t *testing.T) {
	tr := summarizeSearchFixture(t, map[string]bool{"1": true, "2": true, "3": true, "4": true, "5": true}, nil)
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSummarizeSearch, Subject: "greek"})
	require.NoError(t, err)
	assert.Empty(t, res.Items)
	assert.Len(t, res.Failures, 5)
	assert.True(t, res.SummaryFailed)
	assert.Empty(t, res.Summary)
}

func TestFanOutPreservesSearchOrder(t *testing.T) {
	// early hits finish last; final order must still match search order
	tr := summarizeSearchFixture(t, nil, map[string]time.Duration{
		"1": 80 * time.Millisecond,
		"2": 60 * time.Millisecond,
		"3": 40 * time.Millisecond,
		"4": 20 * time.Millisecond,
		"5": 0,
	})
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSummarizeSearch, Subject: "greek"})
	require.NoError(t, err)

	var titles []string
	for _, it := range res.Items {
		titles = append(titles, it.Title)
	}
	assert.Equal(t, []string{"Alpha", "Beta", "Gamma", "Delta", "Epsilon"}, titles)
}

func TestSummarizeSearchIsDeterministic(t *testing.T) {
	run := func() *OperationResult {
		tr := summarizeSearchFixture(t, map[string]bool{"3": true}, nil)
		o := New(tr, &fakeSummarizer{}, testLimits(), nil)
		res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSummarizeSearch, Subject: "greek"})
		require.NoError(t, err)
		return res
	}

	first, second := run(), run()
	if diff := cmp.Diff(first, second); diff != "" {
		t.Fatalf("identical inputs produced different results (-first +second):\n%s", diff)
	}
}

func TestSummarizeSearchRespectsFanoutCap(t *testing.T) {
	tr := summarizeSearchFixture(t, nil, nil)
	limits := testLimits()
	limits.FanoutPages = 2
	o := New(tr, &fakeSummarizer{}, limits, nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSummarizeSearch, Subject: "greek"})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.Equal(t, 5, res.TotalFound)
	assert.True(t, res.Truncated)
	assert.Equal(t, 2, tr.callCount("confluence_get_page"))
}

func TestSummarizePageDegradesToRawContent(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		switch call.Tool {
		case "confluence_search":
			return okResult(call.ID, envelope(t, []map[string]any{hit("1", "Notes", "DOCS", "")}))
		default:
			return okResult(call.ID, envelope(t, page("1", "Notes", "DOCS", "<p>raw body</p>")))
		}
	}
	o := New(tr, &fakeSummarizer{err: errors.New("quota exhausted")}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSummarizePage, PageTitle: "Notes"})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "raw body", res.Items[0].Content, "fetched content survives summarization failure")
	assert.True(t, res.SummaryFailed)
	assert.Contains(t, res.SummaryError, "quota exhausted")
}

func TestSummarizePageSuccess(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		switch call.Tool {
		case "confluence_search":
			return okResult(call.ID, envelope(t, []map[string]any{hit("1", "Notes", "DOCS", "")}))
		default:
			return okResult(call.ID, envelope(t, page("1", "Notes", "DOCS", "<p>raw body</p>")))
		}
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSummarizePage, PageTitle: "Notes"})
	require.NoError(t, err)
	assert.False(t, res.SummaryFailed)
	assert.Contains(t, res.Summary, "summary of Notes")
}

func TestSpaceOverviewSummarizesExcerpts(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		require.Equal(t, "confluence_search", call.Tool, "overview works from the listing alone")
		assert.Equal(t, `space = "DOCS" AND type = page`, call.Args["query"])
		return okResult(call.ID, envelope(t, []map[string]any{
			hit("1", "Welcome", "DOCS", "intro page"),
			hit("2", "Setup", "DOCS", "how to set up"),
		}))
	}
	sum := &fakeSummarizer{}
	o := New(tr, sum, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindSpaceOverview, SpaceKey: "DOCS"})
	require.NoError(t, err)
	assert.Len(t, res.Items, 2)
	assert.NotEmpty(t, res.Summary)
	assert.Contains(t, sum.lastCorpus, "intro page")
	assert.Equal(t, 0, tr.callCount("confluence_get_page"))
}

func TestListSpaceHasNoSummary(t *testing.T) {
	tr := &fakeTransport{}
	tr.handler = func(call mcp.ToolCall) mcp.ToolResult {
		return okResult(call.ID, envelope(t, []map[string]any{
			hit("1", "Welcome", "DOCS", ""),
		}))
	}
	o := New(tr, &fakeSummarizer{}, testLimits(), nil)

	res, err := o.Execute(context.Background(), intent.Intent{Kind: intent.KindListSpace, SpaceKey: "DOCS"})
	require.NoError(t, err)
	assert.Len(t, res.Items, 1)
	assert.Empty(t, res.Summary)
	assert.False(t, res.SummaryFailed)
}

func TestExecuteRejectsInvalidIntent(t *testing.T) {
	o := New(&fakeTransport{}, &fakeSummarizer{}, testLimits(), nil)
	_, err := o.Execute(context.Background(), intent.Intent{Kind: "drop-table"})
	require.Error(t, err)
	assert.ErrorIs(t, err, intent.ErrUnparseable)
}
