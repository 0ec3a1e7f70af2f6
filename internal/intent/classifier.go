package intent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"pagenerd/internal/llm"
)

// Classifier maps raw user text to a validated Intent. ErrUnparseable
// is the only failure callers need to distinguish.
type Classifier interface {
	Classify(ctx context.Context, text string) (Intent, error)
}

// GeminiClassifier asks the model for a structured JSON verdict and
// validates it defensively. Model output is never trusted structurally.
type GeminiClassifier struct {
	completer llm.Completer
	log       *zap.Logger
}

func NewGeminiClassifier(c llm.Completer, log *zap.Logger) *GeminiClassifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &GeminiClassifier{completer: c, log: log}
}

const classifySystem = `You convert natural-language requests about a Confluence
wiki into a structured operation. Pay attention to the user's ACTION INTENT,
not just the words they use.

Operations:
- "search": find pages matching a term (find/search/look for/list pages about X)
- "get": retrieve the content of ONE specific page (show/display/read/open/view
  page X, or get page by numeric id)
- "summarize-page": summarize ONE specific page named by title or id
- "summarize-search": summarize MULTIPLE pages found by a search (overview of
  pages mentioning X, what do the pages say about X)
- "space-overview": executive summary of an entire space
- "list-space": list all pages in a space, no summarization

Fields:
- "kind": one of the operations above (required)
- "subject": the search term; multi-word concepts stay together as one phrase
  ("machine learning", "IT access"), using the user's exact words
- "space_key": only when the user names a space; pass the key exactly as given
- "page_title": for get/summarize-page, the page title as given
- "page_id": for get/summarize-page when the user gives a numeric id
- "limit": only when the user asks for a specific number of results
- "title_only": true when the user wants the term matched in page titles
  ("pages titled X", "X in the title")

Examples:
"Find pages about Docker" -> {"kind":"search","subject":"Docker"}
"Search for pages titled roadmap" -> {"kind":"search","subject":"roadmap","title_only":true}
"Show content of 'May Product Roadmap'" -> {"kind":"get","page_title":"May Product Roadmap"}
"Get page 12345" -> {"kind":"get","page_id":"12345"}
"Summarize the 'Release Notes' page" -> {"kind":"summarize-page","page_title":"Release Notes"}
"Overview of all pages mentioning server" -> {"kind":"summarize-search","subject":"server"}
"Executive summary of the DOCS space" -> {"kind":"space-overview","space_key":"DOCS"}
"List all pages in DOCS" -> {"kind":"list-space","space_key":"DOCS"}
"Find machine learning pages in DOCS, top 5" -> {"kind":"search","subject":"machine learning","space_key":"DOCS","limit":5}

If the request is not about finding, reading, listing, or summarizing wiki
content, respond with {"kind":"unsupported"}.

Respond with ONLY valid JSON, no prose, no code fences.`

// wire shape of the model's verdict
type classifierVerdict struct {
	Kind      string `json:"kind"`
	Subject   string `json:"subject"`
	SpaceKey  string `json:"space_key"`
	PageTitle string `json:"page_title"`
	PageID    string `json:"page_id"`
	Limit     int    `json:"limit"`
	TitleOnly bool   `json:"title_only"`
}

// Classify returns a validated Intent for text, or an error wrapping
// ErrUnparseable when no valid Intent can be produced.
func (c *GeminiClassifier) Classify(ctx context.Context, text string) (Intent, error) {
	if strings.TrimSpace(text) == "" {
		return Intent{}, fmt.Errorf("%w: empty request", ErrUnparseable)
	}

	raw, err := c.completer.Complete(ctx, classifySystem, fmt.Sprintf("User request: %q", text))
	if err != nil {
		return Intent{}, fmt.Errorf("%w: classifier call failed: %v", ErrUnparseable, err)
	}

	cleaned, err := stripJSON(raw)
	if err != nil {
		c.log.Warn("classifier returned non-json output", zap.String("raw", clamp(raw, 200)))
		return Intent{}, fmt.Errorf("%w: %v", ErrUnparseable, err)
	}

	var v classifierVerdict
	if err := json.Unmarshal([]byte(cleaned), &v); err != nil {
		c.log.Warn("classifier verdict failed to decode", zap.Error(err))
		return Intent{}, fmt.Errorf("%w: invalid verdict json: %v", ErrUnparseable, err)
	}

	in := Intent{
		Kind:      Kind(v.Kind),
		Subject:   strings.TrimSpace(v.Subject),
		SpaceKey:  strings.TrimSpace(v.SpaceKey),
		PageTitle: strings.TrimSpace(v.PageTitle),
		PageID:    strings.TrimSpace(v.PageID),
		Limit:     v.Limit,
		TitleOnly: v.TitleOnly,
	}
	if err := in.Validate(); err != nil {
		c.log.Warn("classifier verdict failed validation",
			zap.String("kind", v.Kind), zap.Error(err))
		return Intent{}, err
	}

	c.log.Debug("classified request",
		zap.String("kind", string(in.Kind)),
		zap.String("subject", in.Subject),
		zap.String("space", in.SpaceKey))
	return in, nil
}

// stripJSON removes markdown code fences the model sometimes wraps
// around its output and checks the remainder looks like a JSON object.
func stripJSON(text string) (string, error) {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```json") {
		text = text[len("```json"):]
	} else if strings.HasPrefix(text, "```") {
		text = text[len("```"):]
	}
	text = strings.TrimSuffix(strings.TrimSpace(text), "```")
	text = strings.TrimSpace(text)

	if !strings.HasPrefix(text, "{") || !strings.HasSuffix(text, "}") {
		return "", fmt.Errorf("output is not a json object: %s", clamp(text, 100))
	}
	return text, nil
}

func clamp(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
