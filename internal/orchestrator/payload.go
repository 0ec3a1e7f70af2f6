package orchestrator

import (
	"encoding/json"
	"fmt"

	"pagenerd/internal/mcp"
)

// Tool results wrap their real payload as a JSON document inside the
// first content block's text field. These types peel that envelope.

type toolEnvelope struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	IsError bool `json:"isError"`
}

// spaceRef tolerates both the object form {"key":..,"name":..} and a
// bare string, which different server versions emit.
type spaceRef struct {
	Key  string
	Name string
}

func (s *spaceRef) UnmarshalJSON(data []byte) error {
	var obj struct {
		Key  string `json:"key"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(data, &obj); err == nil {
		s.Key, s.Name = obj.Key, obj.Name
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		s.Key, s.Name = str, str
		return nil
	}
	return fmt.Errorf("space is neither object nor string")
}

type searchHit struct {
	ID      string   `json:"id"`
	Title   string   `json:"title"`
	Space   spaceRef `json:"space"`
	Excerpt string   `json:"excerpt"`
	URL     string   `json:"url"`
}

type pagePayload struct {
	ID       string          `json:"id"`
	Title    string          `json:"title"`
	Space    spaceRef        `json:"space"`
	Content  json.RawMessage `json:"content"`
	URL      string          `json:"url"`
	Metadata *struct {
		ID      string   `json:"id"`
		Title   string   `json:"title"`
		Space   spaceRef `json:"space"`
		Content struct {
			Value string `json:"value"`
		} `json:"content"`
	} `json:"metadata"`
	Links struct {
		WebUI string `json:"webui"`
	} `json:"_links"`
}

// unwrapText extracts the inner JSON document from a tool result.
func unwrapText(res mcp.ToolResult) ([]byte, error) {
	var env toolEnvelope
	if err := json.Unmarshal(res.Payload, &env); err != nil {
		return nil, fmt.Errorf("decode tool envelope: %w", err)
	}
	if len(env.Content) == 0 || env.Content[0].Text == "" {
		return nil, fmt.Errorf("tool result carries no content")
	}
	if env.IsError {
		return nil, fmt.Errorf("tool reported an error: %s", clip(env.Content[0].Text, 200))
	}
	return []byte(env.Content[0].Text), nil
}

// decodeSearchHits parses a search tool result. A single page object is
// coerced to a one-item list.
func decodeSearchHits(res mcp.ToolResult) ([]searchHit, error) {
	raw, err := unwrapText(res)
	if err != nil {
		return nil, err
	}

	var hits []searchHit
	if err := json.Unmarshal(raw, &hits); err == nil {
		return hits, nil
	}

	var one searchHit
	if err := json.Unmarshal(raw, &one); err == nil && (one.ID != "" || one.Title != "") {
		return []searchHit{one}, nil
	}

	return nil, fmt.Errorf("search result is neither a list nor a page object")
}

// decodePage parses a page fetch result and resolves the nested
// metadata form the server sometimes uses.
func decodePage(res mcp.ToolResult) (Item, error) {
	raw, err := unwrapText(res)
	if err != nil {
		return Item{}, err
	}

	var p pagePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Item{}, fmt.Errorf("decode page payload: %w", err)
	}

	item := Item{
		ID:        p.ID,
		Title:     p.Title,
		SpaceKey:  p.Space.Key,
		SpaceName: p.Space.Name,
		URL:       p.URL,
	}
	if item.URL == "" {
		item.URL = p.Links.WebUI
	}

	if p.Metadata != nil {
		if item.Title == "" {
			item.Title = p.Metadata.Title
		}
		if item.ID == "" {
			item.ID = p.Metadata.ID
		}
		if item.SpaceKey == "" {
			item.SpaceKey = p.Metadata.Space.Key
			item.SpaceName = p.Metadata.Space.Name
		}
		item.Content = p.Metadata.Content.Value
	}
	if item.Content == "" && len(p.Content) > 0 {
		// top-level content is either a plain string or {"value": ...}
		var s string
		if err := json.Unmarshal(p.Content, &s); err == nil {
			item.Content = s
		} else {
			var obj struct {
				Value string `json:"value"`
			}
			if err := json.Unmarshal(p.Content, &obj); err == nil {
				item.Content = obj.Value
			}
		}
	}

	if item.Title == "" {
		item.Title = "Untitled"
	}
	return item, nil
}

func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
