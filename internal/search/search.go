// Package search filters the loaded message window by substring. It is not
// a durable index: only messages already in memory are searched.
package search

import (
	"strconv"
	"strings"

	"github.com/capitalize-ai/realtime-conversations/internal/model"
)

// Search returns the messages whose text or sender name contains query,
// ignoring case, in their original order. Deleted messages never match.
func Search(msgs []model.Message, query string) []model.Message {
	q := strings.ToLower(strings.TrimSpace(query))
	if q == "" {
		return nil
	}
	var out []model.Message
	for _, m := range msgs {
		if m.IsDeleted() {
			continue
		}
		if strings.Contains(strings.ToLower(m.PlainText), q) || strings.Contains(strings.ToLower(m.SenderName), q) {
			out = append(out, m)
		}
	}
	return out
}

// Span is a run of text that either matches the query or not.
type Span struct {
	Text  string `json:"text"`
	Match bool   `json:"match"`
}

// Highlight splits text into alternating spans around every
// case-insensitive occurrence of query. The spans concatenate to text.
func Highlight(text, query string) []Span {
	if text == "" {
		return nil
	}
	if query == "" {
		return []Span{{Text: text}}
	}

	lowerText := strings.ToLower(text)
	lowerQuery := strings.ToLower(query)
	// Lowercasing can change byte lengths for some scripts; fall back to a
	// rune-aligned scan when it does.
	if len(lowerText) != len(text) || len(lowerQuery) != len(query) {
		return highlightRunes(text, query)
	}

	var spans []Span
	pos := 0
	for {
		i := strings.Index(lowerText[pos:], lowerQuery)
		if i < 0 {
			break
		}
		start := pos + i
		end := start + len(query)
		if start > pos {
			spans = append(spans, Span{Text: text[pos:start]})
		}
		spans = append(spans, Span{Text: text[start:end], Match: true})
		pos = end
	}
	if pos < len(text) {
		spans = append(spans, Span{Text: text[pos:]})
	}
	return spans
}

func highlightRunes(text, query string) []Span {
	tr := []rune(text)
	qr := []rune(strings.ToLower(query))
	n := len(qr)

	var spans []Span
	last := 0
	for i := 0; i+n <= len(tr); {
		if strings.ToLower(string(tr[i:i+n])) == string(qr) {
			if i > last {
				spans = append(spans, Span{Text: string(tr[last:i])})
			}
			spans = append(spans, Span{Text: string(tr[i : i+n]), Match: true})
			i += n
			last = i
			continue
		}
		i++
	}
	if last < len(tr) {
		spans = append(spans, Span{Text: string(tr[last:])})
	}
	return spans
}

// Cursor walks search results, wrapping at both ends.
type Cursor struct {
	results []model.Message
	index   int
}

// NewCursor starts at the newest result, which is the last one in window
// order.
func NewCursor(results []model.Message) *Cursor {
	c := &Cursor{results: results}
	if len(results) > 0 {
		c.index = len(results) - 1
	}
	return c
}

// Len is the number of results.
func (c *Cursor) Len() int { return len(c.results) }

// Index is the zero-based position of the current result.
func (c *Cursor) Index() int { return c.index }

// Current returns the current result.
func (c *Cursor) Current() (model.Message, bool) {
	if len(c.results) == 0 {
		return model.Message{}, false
	}
	return c.results[c.index], true
}

// Next moves to the following result.
func (c *Cursor) Next() (model.Message, bool) {
	if len(c.results) == 0 {
		return model.Message{}, false
	}
	c.index = (c.index + 1) % len(c.results)
	return c.results[c.index], true
}

// Prev moves to the preceding result.
func (c *Cursor) Prev() (model.Message, bool) {
	if len(c.results) == 0 {
		return model.Message{}, false
	}
	c.index = (c.index - 1 + len(c.results)) % len(c.results)
	return c.results[c.index], true
}

// Label renders the position as "2 of 5".
func (c *Cursor) Label() string {
	if len(c.results) == 0 {
		return "No results"
	}
	return strconv.Itoa(c.index+1) + " of " + strconv.Itoa(len(c.results))
}
