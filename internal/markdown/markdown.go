// Package markdown projects a readable beam onto Markdown for previews and
// summaries. The projection is one-way.
package markdown

import (
	"fmt"
	"html"
	"sort"
	"strings"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/extract"
)

// Result is a beam rendered as a title and a Markdown body.
type Result struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// BeamToMarkdown renders blocks in order. The first text of the first
// beam-title block becomes the title; later title blocks render as body text.
// Sealed items and missing blocks contribute nothing.
func BeamToMarkdown(content []*extract.ReadableBlock) Result {
	ordered := make([]*extract.ReadableBlock, 0, len(content))
	for _, block := range content {
		if block != nil {
			ordered = append(ordered, block)
		}
	}
	sort.SliceStable(ordered, func(i, j int) bool { return ordered[i].Order < ordered[j].Order })

	var (
		res        Result
		titleTaken bool
		body       strings.Builder
	)
	for _, block := range ordered {
		for _, item := range block.Content {
			if item.Label == blocks.LabelBeamTitle && !titleTaken {
				if title, ok := firstText(item.Value); ok {
					res.Title = title
					titleTaken = true
					continue
				}
			}
			writeValue(&body, item.Value)
		}
	}
	res.Body = body.String()
	return res
}

func firstText(v blocks.Value) (string, bool) {
	switch v := v.(type) {
	case blocks.Slate:
		for _, node := range v {
			if text, ok := firstLeaf(node); ok {
				return text, true
			}
		}
	case blocks.TextValue:
		if s := strings.TrimSpace(string(v)); s != "" {
			return s, true
		}
	}
	return "", false
}

func firstLeaf(n blocks.Node) (string, bool) {
	if !n.IsElement() {
		s := strings.TrimSpace(n.Text)
		return s, s != ""
	}
	for _, child := range n.Children {
		if s, ok := firstLeaf(child); ok {
			return s, true
		}
	}
	return "", false
}

func writeValue(b *strings.Builder, v blocks.Value) {
	switch v := v.(type) {
	case blocks.Slate:
		for _, node := range v {
			writeBlockNode(b, node)
		}
	case blocks.ImageValue:
		writeImage(b, blocks.ImageBlock(v))
	case blocks.TextValue:
		b.WriteString(string(v))
		b.WriteString("\n\n")
	}
}

var headingLevels = map[string]int{
	blocks.TypeHeadingOne:   1,
	blocks.TypeHeadingTwo:   2,
	blocks.TypeHeadingThree: 3,
	blocks.TypeHeadingFour:  4,
	blocks.TypeHeadingFive:  5,
	blocks.TypeHeadingSix:   6,
}

func writeBlockNode(b *strings.Builder, n blocks.Node) {
	if !n.IsElement() {
		b.WriteString(leaf(n))
		b.WriteString("\n\n")
		return
	}
	switch n.Type {
	case blocks.TypeParagraph:
		text := inline(n.Children)
		switch n.Align {
		case blocks.AlignCenter, blocks.AlignRight:
			fmt.Fprintf(b, `<p style="text-align: %s">%s</p>`, n.Align, text)
		default:
			b.WriteString(text)
		}
		b.WriteString("\n\n")
	case blocks.TypeNumberedList:
		// Numbering restarts with every list node.
		for i, item := range n.Children {
			fmt.Fprintf(b, "%d. %s\n", i+1, inline(item.Children))
		}
		b.WriteString("\n")
	case blocks.TypeBulletedList:
		for _, item := range n.Children {
			fmt.Fprintf(b, "- %s\n", inline(item.Children))
		}
		b.WriteString("\n")
	case blocks.TypeBlockQuote:
		b.WriteString("> " + inline(n.Children) + "\n\n")
	default:
		if level, ok := headingLevels[n.Type]; ok {
			b.WriteString(strings.Repeat("#", level) + " " + inline(n.Children) + "\n\n")
			return
		}
		if inlineOnly(n.Children) {
			b.WriteString(inline(n.Children) + "\n\n")
			return
		}
		for _, child := range n.Children {
			writeBlockNode(b, child)
		}
	}
}

// inlineOnly reports whether nodes are all leaves or links.
func inlineOnly(nodes []blocks.Node) bool {
	for _, n := range nodes {
		if n.IsElement() && n.Type != blocks.TypeLink {
			return false
		}
	}
	return true
}

// inline flattens nodes into one line of marked-up text.
func inline(nodes []blocks.Node) string {
	var b strings.Builder
	for _, n := range nodes {
		switch {
		case !n.IsElement():
			b.WriteString(leaf(n))
		case n.Type == blocks.TypeLink:
			fmt.Fprintf(&b, "[%s](%s)", inline(n.Children), n.URL)
		default:
			b.WriteString(inline(n.Children))
		}
	}
	return b.String()
}

func leaf(n blocks.Node) string {
	text := n.Text
	if text == "" {
		return ""
	}
	if n.Underline {
		text = "<ins>" + text + "</ins>"
	}
	if n.Italic {
		text = "*" + text + "*"
	}
	if n.Bold {
		text = "**" + text + "**"
	}
	return text
}

func writeImage(b *strings.Builder, img blocks.ImageBlock) {
	if len(img.Images) == 0 {
		return
	}
	for _, pic := range img.Images {
		fmt.Fprintf(b, `<img src="%s" alt="%s" width="%d" height="%d" />`+"\n",
			html.EscapeString(pic.Src), html.EscapeString(pic.Name), pic.Size.Width, pic.Size.Height)
	}
	if img.Caption != "" {
		fmt.Fprintf(b, "*%s*\n", img.Caption)
	}
	b.WriteString("\n")
}
