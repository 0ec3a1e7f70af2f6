// Package cql builds Confluence Query Language strings from intents.
// Pure functions, no I/O.
package cql

import (
	"fmt"
	"strings"

	"pagenerd/internal/intent"
)

// Query is an immutable built query.
type Query struct {
	CQL      string
	Limit    int
	SpaceKey string
}

// Options carries the process-wide defaults the builder must honor.
type Options struct {
	// DefaultSpace scopes queries when the intent names no space.
	DefaultSpace string

	// MaxResults caps the result limit. Requested limits above it are
	// silently reduced.
	MaxResults int
}

// operators that mark a subject as pre-built CQL to pass through
// untouched. Deliberate usability trade-off: power users write raw
// CQL, everyone else gets safe phrase quoting.
var cqlMarkers = []string{" ~ ", " = ", " AND ", " OR "}

func looksLikeCQL(subject string) bool {
	for _, m := range cqlMarkers {
		if strings.Contains(subject, m) {
			return true
		}
	}
	return false
}

// Build maps an intent to a Query deterministically.
func Build(in intent.Intent, opts Options) Query {
	limit := clampLimit(in.Limit, opts.MaxResults)
	space := in.SpaceKey
	if space == "" {
		space = opts.DefaultSpace
	}

	switch in.Kind {
	case intent.KindListSpace, intent.KindSpaceOverview:
		return Query{
			CQL:      fmt.Sprintf("space = %q AND type = page", in.SpaceKey),
			Limit:    limit,
			SpaceKey: in.SpaceKey,
		}
	}

	subject := strings.TrimSpace(in.Subject)
	if looksLikeCQL(subject) {
		return Query{
			CQL:      "type = page AND " + subject,
			Limit:    limit,
			SpaceKey: space,
		}
	}

	field := "text"
	if in.TitleOnly {
		field = "title"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "type = page AND %s ~ %q", field, subject)
	if space != "" {
		fmt.Fprintf(&b, " AND space = %q", space)
	}

	return Query{CQL: b.String(), Limit: limit, SpaceKey: space}
}

func clampLimit(requested, max int) int {
	if max <= 0 {
		max = 50
	}
	if requested <= 0 || requested > max {
		return max
	}
	return requested
}
