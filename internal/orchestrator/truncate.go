package orchestrator

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

var (
	multiSpace = regexp.MustCompile(`[ \t]+`)
	multiBlank = regexp.MustCompile(`\n\s*\n`)
)

// cleanContent strips markup from page storage format and normalizes
// whitespace, preserving paragraph breaks.
func cleanContent(raw string) string {
	if raw == "" {
		return ""
	}

	var b strings.Builder
	tok := html.NewTokenizer(strings.NewReader(raw))
	for {
		tt := tok.Next()
		if tt == html.ErrorToken {
			break
		}
		switch tt {
		case html.TextToken:
			b.Write(tok.Text())
		case html.StartTagToken, html.EndTagToken, html.SelfClosingTagToken:
			name, _ := tok.TagName()
			switch string(name) {
			case "p", "br", "div", "li", "tr", "h1", "h2", "h3", "h4", "h5", "h6":
				b.WriteByte('\n')
			}
		}
	}

	text := b.String()
	text = strings.ReplaceAll(text, `\n`, "\n")
	text = multiSpace.ReplaceAllString(text, " ")
	text = multiBlank.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}

const truncationMark = "\n[truncated]"

// truncateProportional compacts per-item content so the concatenation
// stays within budget no matter how many items were fetched. Each item
// gets an equal share; items already under their share keep their full
// content and do not waste the shared budget. Deterministic for
// identical input.
func truncateProportional(contents []string, budget int) []string {
	if len(contents) == 0 || budget <= 0 {
		return contents
	}

	out := make([]string, len(contents))
	share := budget / len(contents)
	if share < len(truncationMark)+1 {
		share = len(truncationMark) + 1
	}

	// first pass: short items keep everything, freeing budget
	spare := 0
	long := 0
	for _, c := range contents {
		if len(c) <= share {
			spare += share - len(c)
		} else {
			long++
		}
	}
	if long > 0 {
		share += spare / long
	}

	for i, c := range contents {
		if len(c) <= share {
			out[i] = c
			continue
		}
		cut := share - len(truncationMark)
		if cut < 1 {
			cut = 1
		}
		out[i] = c[:cut] + truncationMark
	}
	return out
}
