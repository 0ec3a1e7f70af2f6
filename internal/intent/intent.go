// Package intent defines the structured representation of a user
// request and the classifier boundary that produces it from free text.
package intent

import (
	"errors"
	"fmt"
	"strings"
)

// Kind is the fixed set of supported operations. Anything outside this
// enumeration never becomes an Intent.
type Kind string

const (
	KindSearch          Kind = "search"
	KindGet             Kind = "get"
	KindSummarizePage   Kind = "summarize-page"
	KindSummarizeSearch Kind = "summarize-search"
	KindSpaceOverview   Kind = "space-overview"
	KindListSpace       Kind = "list-space"
)

// ErrUnparseable signals that the classifier could not produce a valid
// Intent from the user's text. Callers answer with a rephrase prompt
// instead of failing.
var ErrUnparseable = errors.New("request could not be parsed into a supported operation")

// Intent is what the user's text is asking for, after classification
// and validation. Immutable once built.
type Intent struct {
	Kind      Kind
	Subject   string
	SpaceKey  string
	PageTitle string
	PageID    string
	Limit     int
	TitleOnly bool
}

func validKind(k Kind) bool {
	switch k {
	case KindSearch, KindGet, KindSummarizePage, KindSummarizeSearch,
		KindSpaceOverview, KindListSpace:
		return true
	}
	return false
}

// Validate checks structural completeness for the intent's kind. Every
// violation wraps ErrUnparseable so callers have a single failure path.
func (in Intent) Validate() error {
	if !validKind(in.Kind) {
		return fmt.Errorf("%w: unknown operation %q", ErrUnparseable, string(in.Kind))
	}
	switch in.Kind {
	case KindSearch, KindSummarizeSearch:
		if strings.TrimSpace(in.Subject) == "" {
			return fmt.Errorf("%w: %s needs a subject", ErrUnparseable, in.Kind)
		}
	case KindGet, KindSummarizePage:
		if strings.TrimSpace(in.PageTitle) == "" && strings.TrimSpace(in.PageID) == "" {
			return fmt.Errorf("%w: %s needs a page title or id", ErrUnparseable, in.Kind)
		}
	case KindSpaceOverview, KindListSpace:
		if strings.TrimSpace(in.SpaceKey) == "" {
			return fmt.Errorf("%w: %s needs a space key", ErrUnparseable, in.Kind)
		}
	}
	if in.Limit < 0 {
		return fmt.Errorf("%w: negative result limit", ErrUnparseable)
	}
	return nil
}
