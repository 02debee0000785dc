// Package codec converts rich-text message documents to and from their plain
// text projection and portable serialized form.
//
// A Document is a sequence of blocks; each block is a sequence of leaves,
// and each leaf is a run of text with independent bold, italic and underline
// marks.
package codec

import (
	"encoding/json"
	"strings"
)

// BlockParagraph is the only block type the editor produces.
const BlockParagraph = "paragraph"

// Mark is an inline formatting flag.
type Mark string

const (
	MarkBold      Mark = "bold"
	MarkItalic    Mark = "italic"
	MarkUnderline Mark = "underline"
)

// Leaf is a run of text with its marks.
type Leaf struct {
	Text      string `json:"text"`
	Bold      bool   `json:"bold,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Underline bool   `json:"underline,omitempty"`
}

// Marks returns the marks set on the leaf. Marks combine: a leaf may be bold
// and italic at once.
func (l Leaf) Marks() []Mark {
	var marks []Mark
	if l.Bold {
		marks = append(marks, MarkBold)
	}
	if l.Italic {
		marks = append(marks, MarkItalic)
	}
	if l.Underline {
		marks = append(marks, MarkUnderline)
	}
	return marks
}

// Block is a block node.
type Block struct {
	Type     string `json:"type"`
	Children []Leaf `json:"children"`
}

// Document is an editable rich-text document.
type Document []Block

// NewEmpty returns the document a fresh editor starts with: one empty paragraph.
func NewEmpty() Document {
	return Document{{Type: BlockParagraph, Children: []Leaf{{Text: ""}}}}
}

// FromPlainText builds a document with one paragraph per line.
func FromPlainText(text string) Document {
	lines := strings.Split(text, "\n")
	doc := make(Document, 0, len(lines))
	for _, line := range lines {
		doc = append(doc, Block{Type: BlockParagraph, Children: []Leaf{{Text: line}}})
	}
	return doc
}

// IsEmpty reports whether the document has no content: no blocks, or a
// single block with no text.
func IsEmpty(doc Document) bool {
	if len(doc) == 0 {
		return true
	}
	if len(doc) > 1 {
		return false
	}
	for _, leaf := range doc[0].Children {
		if leaf.Text != "" {
			return false
		}
	}
	return true
}

// ToPlainText joins each block's text, one line per block.
func ToPlainText(doc Document) string {
	lines := make([]string, len(doc))
	for i, block := range doc {
		var b strings.Builder
		for _, leaf := range block.Children {
			b.WriteString(leaf.Text)
		}
		lines[i] = b.String()
	}
	return strings.Join(lines, "\n")
}

// ToPortable serializes the document.
func ToPortable(doc Document) string {
	if doc == nil {
		doc = Document{}
	}
	b, err := json.Marshal(doc)
	if err != nil {
		return ""
	}
	return string(b)
}

// FromPortable parses a serialized document. Malformed or empty input
// yields NewEmpty; it never fails.
func FromPortable(s string) Document {
	var doc Document
	if err := json.Unmarshal([]byte(s), &doc); err != nil || len(doc) == 0 {
		return NewEmpty()
	}
	return doc
}
