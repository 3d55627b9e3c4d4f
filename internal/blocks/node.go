// Package blocks models beam content blocks and the wire codec for their values.
package blocks

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
)

// Slate element types the renderers understand. Unknown types are rendered
// through their children.
const (
	TypeParagraph    = "paragraph"
	TypeNumberedList = "numbered-list"
	TypeBulletedList = "bulleted-list"
	TypeListItem     = "list-item"
	TypeLink         = "link"
	TypeBlockQuote   = "block-quote"
	TypeHeadingOne   = "heading-one"
	TypeHeadingTwo   = "heading-two"
	TypeHeadingThree = "heading-three"
	TypeHeadingFour  = "heading-four"
	TypeHeadingFive  = "heading-five"
	TypeHeadingSix   = "heading-six"
)

// Alignment values carried on element nodes.
const (
	AlignLeft    = "left"
	AlignCenter  = "center"
	AlignRight   = "right"
	AlignJustify = "justify"
)

// Node is a slate document node. It is an element when Children is non-nil and
// a text leaf otherwise; element constructors always allocate Children.
// Attributes the renderers do not model (mention ids, code marks) are kept in
// Extra and written back unchanged.
type Node struct {
	Type     string
	Align    string
	URL      string
	Children []Node

	Text      string
	Bold      bool
	Italic    bool
	Underline bool

	Extra map[string]json.RawMessage
}

// IsElement reports whether n is an element node.
func (n Node) IsElement() bool {
	return n.Children != nil
}

// Element builds an element node of the given type.
func Element(nodeType string, children ...Node) Node {
	if children == nil {
		children = []Node{}
	}
	return Node{Type: nodeType, Children: children}
}

// Paragraph builds a paragraph element.
func Paragraph(children ...Node) Node {
	return Element(TypeParagraph, children...)
}

// Text builds a plain text leaf.
func Text(s string) Node {
	return Node{Text: s}
}

// WithAlign returns a copy of n aligned as given.
func (n Node) WithAlign(align string) Node {
	n.Align = align
	return n
}

// PlainText concatenates every leaf under n.
func (n Node) PlainText() string {
	if !n.IsElement() {
		return n.Text
	}
	var buf bytes.Buffer
	for _, child := range n.Children {
		buf.WriteString(child.PlainText())
	}
	return buf.String()
}

type elementJSON struct {
	Type     string `json:"type,omitempty"`
	Align    string `json:"align,omitempty"`
	URL      string `json:"url,omitempty"`
	Children []Node `json:"children"`
}

type leafJSON struct {
	Text      string `json:"text"`
	Bold      bool   `json:"bold,omitempty"`
	Italic    bool   `json:"italic,omitempty"`
	Underline bool   `json:"underline,omitempty"`
}

var (
	elementKeys = map[string]bool{"type": true, "align": true, "url": true, "children": true}
	leafKeys    = map[string]bool{"text": true, "bold": true, "italic": true, "underline": true}
)

func (n Node) MarshalJSON() ([]byte, error) {
	var (
		base  []byte
		known map[string]bool
		err   error
	)
	if n.IsElement() {
		base, err = marshalNoEscape(elementJSON{Type: n.Type, Align: n.Align, URL: n.URL, Children: n.Children})
		known = elementKeys
	} else {
		base, err = marshalNoEscape(leafJSON{Text: n.Text, Bold: n.Bold, Italic: n.Italic, Underline: n.Underline})
		known = leafKeys
	}
	if err != nil || len(n.Extra) == 0 {
		return base, err
	}

	keys := make([]string, 0, len(n.Extra))
	for k := range n.Extra {
		if !known[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.Write(base[:len(base)-1])
	for _, k := range keys {
		name, err := marshalNoEscape(k)
		if err != nil {
			return nil, err
		}
		buf.WriteByte(',')
		buf.Write(name)
		buf.WriteByte(':')
		buf.Write(n.Extra[k])
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

func (n *Node) UnmarshalJSON(data []byte) error {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return fmt.Errorf("slate node: %w", err)
	}
	if raw, ok := fields["children"]; ok {
		var el elementJSON
		if err := json.Unmarshal(data, &el); err != nil {
			return fmt.Errorf("slate element: %w", err)
		}
		if el.Children == nil || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
			el.Children = []Node{}
		}
		*n = Node{Type: el.Type, Align: el.Align, URL: el.URL, Children: el.Children, Extra: extraFields(fields, elementKeys)}
		return nil
	}
	var leaf leafJSON
	if err := json.Unmarshal(data, &leaf); err != nil {
		return fmt.Errorf("slate leaf: %w", err)
	}
	*n = Node{Text: leaf.Text, Bold: leaf.Bold, Italic: leaf.Italic, Underline: leaf.Underline, Extra: extraFields(fields, leafKeys)}
	return nil
}

// extraFields returns the fields outside known, or nil when there are none.
func extraFields(fields map[string]json.RawMessage, known map[string]bool) map[string]json.RawMessage {
	var extra map[string]json.RawMessage
	for k, v := range fields {
		if known[k] {
			continue
		}
		if extra == nil {
			extra = make(map[string]json.RawMessage)
		}
		extra[k] = v
	}
	return extra
}

// marshalNoEscape matches browser JSON.stringify output: no HTML escaping, no trailing newline.
func marshalNoEscape(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimSuffix(buf.Bytes(), []byte("\n")), nil
}
