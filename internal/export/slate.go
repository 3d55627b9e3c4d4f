package export

import (
	"fmt"
	"html"
	"strings"

	"zuzalu/api/internal/blocks"
	"zuzalu/api/internal/extract"
)

// sealedPlaceholder stands in for content the reader could not decrypt.
const sealedPlaceholder = `<p class="sealed">Encrypted content</p>` + "\n"

// BlocksToHTML renders readable blocks in order. The first text of the first
// beam-title item is returned as the title and left out of the body.
func BlocksToHTML(content []*extract.ReadableBlock) (title string, body string) {
	var b strings.Builder
	titleTaken := false
	for _, block := range content {
		if block == nil {
			continue
		}
		for _, item := range block.Content {
			if item.Label == blocks.LabelBeamTitle && !titleTaken {
				if t := titleText(item.Value); t != "" {
					title, titleTaken = t, true
					continue
				}
			}
			b.WriteString(ValueToHTML(item.Value))
		}
	}
	return title, b.String()
}

// ContentToHTML renders the inline content of a reflection.
func ContentToHTML(items []blocks.Decoded) string {
	var b strings.Builder
	for _, item := range items {
		b.WriteString(ValueToHTML(item.Value))
	}
	return b.String()
}

// ValueToHTML renders one decoded value.
func ValueToHTML(v blocks.Value) string {
	switch v := v.(type) {
	case blocks.Slate:
		return SlateToHTML(v)
	case blocks.ImageValue:
		return imageToHTML(blocks.ImageBlock(v))
	case blocks.TextValue:
		return fmt.Sprintf("<p>%s</p>\n", html.EscapeString(string(v)))
	case blocks.Sealed:
		return sealedPlaceholder
	default:
		return ""
	}
}

// SlateToHTML converts a slate document to HTML
func SlateToHTML(nodes []blocks.Node) string {
	var b strings.Builder
	for _, n := range nodes {
		writeNode(&b, n)
	}
	return b.String()
}

func writeNode(b *strings.Builder, n blocks.Node) {
	if !n.IsElement() {
		b.WriteString(leafHTML(n))
		return
	}
	switch n.Type {
	case blocks.TypeParagraph:
		fmt.Fprintf(b, "<p%s>%s</p>\n", alignAttr(n.Align), SlateToHTML(n.Children))
	case blocks.TypeNumberedList:
		fmt.Fprintf(b, "<ol>\n%s</ol>\n", SlateToHTML(n.Children))
	case blocks.TypeBulletedList:
		fmt.Fprintf(b, "<ul>\n%s</ul>\n", SlateToHTML(n.Children))
	case blocks.TypeListItem:
		fmt.Fprintf(b, "<li>%s</li>\n", SlateToHTML(n.Children))
	case blocks.TypeLink:
		fmt.Fprintf(b, `<a href="%s">%s</a>`, html.EscapeString(n.URL), SlateToHTML(n.Children))
	default:
		b.WriteString(SlateToHTML(n.Children))
	}
}

func alignAttr(align string) string {
	switch align {
	case blocks.AlignCenter, blocks.AlignRight, blocks.AlignJustify:
		return fmt.Sprintf(` style="text-align: %s"`, align)
	default:
		return ""
	}
}

func leafHTML(n blocks.Node) string {
	if n.Text == "" {
		return ""
	}
	out := html.EscapeString(n.Text)
	if n.Underline {
		out = "<u>" + out + "</u>"
	}
	if n.Italic {
		out = "<em>" + out + "</em>"
	}
	if n.Bold {
		out = "<strong>" + out + "</strong>"
	}
	return out
}

func imageToHTML(img blocks.ImageBlock) string {
	if len(img.Images) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "<figure%s>\n", alignAttr(img.Align))
	for _, pic := range img.Images {
		fmt.Fprintf(&b, `<img src="%s" alt="%s" width="%d" height="%d">`+"\n",
			html.EscapeString(pic.Src), html.EscapeString(pic.Name), pic.Size.Width, pic.Size.Height)
	}
	if img.Caption != "" {
		fmt.Fprintf(&b, "<figcaption>%s</figcaption>\n", html.EscapeString(img.Caption))
	}
	b.WriteString("</figure>\n")
	return b.String()
}

func titleText(v blocks.Value) string {
	switch v := v.(type) {
	case blocks.Slate:
		for _, n := range v {
			if s := strings.TrimSpace(n.PlainText()); s != "" {
				return s
			}
		}
	case blocks.TextValue:
		return strings.TrimSpace(string(v))
	}
	return ""
}
