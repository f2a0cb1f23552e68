// Package htmlblocks converts an HTML message body into a sequence of
// block descriptors for the remote document database, mirroring the
// coarse block taxonomy (paragraph, heading, list item, quote, code,
// image) that a typical rich-document API exposes. Images referenced by
// a cid: URL are resolved against an already-uploaded file handle map;
// unresolved references degrade to a visible placeholder callout rather
// than silently vanishing.
package htmlblocks

import (
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// maxSpanUnits is the remote store's UTF-16 code-unit limit per
// rich-text span.
const maxSpanUnits = 2000

// RichText is one span of text with a target length already enforced.
type RichText struct {
	Content string
	Link    string
}

// Block is a single block descriptor. Type selects which of the typed
// fields is populated; only one is non-zero per instance.
type Block struct {
	Type string // paragraph, heading_1..3, bulleted_list_item, numbered_list_item, quote, code, image, callout

	RichText []RichText

	// Image fields, populated when Type == "image".
	ImageFileUploadID string
	ImageExternalURL  string
	ImageCaption      string

	// Callout fields, populated when Type == "callout".
	CalloutText string
	CalloutIcon string
}

// Convert turns html body content into block descriptors. imageMap maps
// a cid (without the cid: prefix or angle brackets) or a bare filename
// to an already-uploaded file handle, looked up with the same
// substring-matching fallback as a direct key, since cid values
// sometimes embed the filename and vice versa.
func Convert(htmlContent string, imageMap map[string]string) []Block {
	if strings.TrimSpace(htmlContent) == "" {
		return nil
	}
	if !looksLikeHTML(htmlContent) {
		return textToBlocks(htmlContent)
	}

	doc, err := html.Parse(strings.NewReader(htmlContent))
	if err != nil {
		return textToBlocks(stripTags(htmlContent))
	}

	body := findBody(doc)
	if body == nil {
		body = doc
	}

	c := &converter{imageMap: imageMap}
	blocks := c.convertChildren(body)
	if len(blocks) == 0 {
		return textToBlocks(stripTags(htmlContent))
	}
	return blocks
}

type converter struct {
	imageMap map[string]string
}

func looksLikeHTML(s string) bool {
	lower := strings.ToLower(s)
	return strings.Contains(lower, "<html") || strings.Contains(lower, "<body") ||
		strings.Contains(lower, "<p") || strings.Contains(lower, "<div") ||
		strings.Contains(lower, "<table") || strings.Contains(lower, "<br") ||
		strings.Contains(lower, "<ul") || strings.Contains(lower, "<ol") ||
		strings.Contains(lower, "<img")
}

func findBody(n *html.Node) *html.Node {
	if n.Type == html.ElementNode && n.DataAtom == atom.Body {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := findBody(c); found != nil {
			return found
		}
	}
	return nil
}

func (c *converter) convertChildren(n *html.Node) []Block {
	var blocks []Block
	for child := n.FirstChild; child != nil; child = child.NextSibling {
		blocks = append(blocks, c.convertNode(child)...)
	}
	return blocks
}

func (c *converter) convertNode(n *html.Node) []Block {
	switch n.Type {
	case html.TextNode:
		text := strings.TrimSpace(n.Data)
		if text == "" {
			return nil
		}
		return []Block{paragraphBlock(text)}

	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Br:
			return nil

		case atom.P:
			var blocks []Block
			blocks = append(blocks, c.extractImages(n)...)
			if text := textContent(n); text != "" {
				blocks = append(blocks, paragraphBlock(text))
			}
			return blocks

		case atom.H1:
			return textBlockIfNonEmpty(n, "heading_1")
		case atom.H2:
			return textBlockIfNonEmpty(n, "heading_2")
		case atom.H3, atom.H4, atom.H5, atom.H6:
			return textBlockIfNonEmpty(n, "heading_3")

		case atom.Ul:
			return c.listItems(n, "bulleted_list_item")
		case atom.Ol:
			return c.listItems(n, "numbered_list_item")

		case atom.Blockquote:
			return textBlockIfNonEmpty(n, "quote")

		case atom.Pre, atom.Code:
			if text := textContent(n); text != "" {
				return []Block{{Type: "code", RichText: []RichText{{Content: TruncateUTF16(text, maxSpanUnits)}}}}
			}
			return nil

		case atom.Img:
			if b := c.imageBlock(n); b != nil {
				return []Block{*b}
			}
			return nil

		case atom.A:
			text := textContent(n)
			href := attr(n, "href")
			if text != "" && href != "" {
				return []Block{paragraphBlock(text + " (" + href + ")")}
			}
			return nil

		case atom.Div, atom.Span, atom.Table, atom.Tbody, atom.Thead, atom.Tr, atom.Td, atom.Th, atom.Body, atom.Html:
			return c.convertChildren(n)
		}
	}
	return nil
}

func (c *converter) extractImages(n *html.Node) []Block {
	var blocks []Block
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.DataAtom == atom.Img {
			if b := c.imageBlock(node); b != nil {
				blocks = append(blocks, *b)
			}
		}
		for ch := node.FirstChild; ch != nil; ch = ch.NextSibling {
			walk(ch)
		}
	}
	walk(n)
	return blocks
}

func (c *converter) listItems(n *html.Node, blockType string) []Block {
	var blocks []Block
	for li := n.FirstChild; li != nil; li = li.NextSibling {
		if li.Type != html.ElementNode || li.DataAtom != atom.Li {
			continue
		}
		if text := textContent(li); text != "" {
			blocks = append(blocks, Block{Type: blockType, RichText: []RichText{{Content: TruncateUTF16(text, maxSpanUnits)}}})
		}
	}
	return blocks
}

// imageBlock resolves an <img> tag to an image block: a cid: reference
// against the upload map, an http(s) URL as an external image, or a
// visible placeholder callout when a cid cannot be resolved (the
// attachment may have failed to upload).
func (c *converter) imageBlock(n *html.Node) *Block {
	src := attr(n, "src")
	alt := attr(n, "alt")
	if src == "" {
		return nil
	}

	switch {
	case strings.HasPrefix(src, "cid:"):
		cid := strings.TrimPrefix(src, "cid:")
		if uploadID, ok := resolveCID(c.imageMap, cid); ok {
			return &Block{Type: "image", ImageFileUploadID: uploadID, ImageCaption: TruncateUTF16(alt, maxSpanUnits)}
		}
		return &Block{
			Type:        "callout",
			CalloutText: "Image unavailable: cid:" + cid,
			CalloutIcon: "⚠️",
		}

	case strings.HasPrefix(src, "http://"), strings.HasPrefix(src, "https://"):
		return &Block{Type: "image", ImageExternalURL: src, ImageCaption: TruncateUTF16(alt, maxSpanUnits)}

	default:
		// data: URIs and other schemes are not projected as blocks; the
		// remote store has no inline-binary image type.
		return nil
	}
}

// resolveCID looks up cid directly, then falls back to a substring
// match in either direction, since a Content-ID sometimes embeds the
// original filename and vice versa.
func resolveCID(imageMap map[string]string, cid string) (string, bool) {
	if id, ok := imageMap[cid]; ok {
		return id, true
	}
	for filename, id := range imageMap {
		if strings.Contains(cid, filename) || strings.Contains(filename, cid) {
			return id, true
		}
	}
	return "", false
}

func textBlockIfNonEmpty(n *html.Node, blockType string) []Block {
	text := textContent(n)
	if text == "" {
		return nil
	}
	return []Block{{Type: blockType, RichText: []RichText{{Content: TruncateUTF16(text, maxSpanUnits)}}}}
}

func paragraphBlock(text string) Block {
	return Block{Type: "paragraph", RichText: []RichText{{Content: TruncateUTF16(text, maxSpanUnits)}}}
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.TrimSpace(sb.String())
}

func attr(n *html.Node, name string) string {
	for _, a := range n.Attr {
		if strings.EqualFold(a.Key, name) {
			return a.Val
		}
	}
	return ""
}

// textToBlocks is the plain-text fallback: split on blank lines into
// paragraphs, each independently truncated.
func textToBlocks(text string) []Block {
	paragraphs := strings.Split(text, "\n\n")
	var blocks []Block
	for _, p := range paragraphs {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		blocks = append(blocks, paragraphBlock(p))
	}
	return blocks
}

func stripTags(s string) string {
	var sb strings.Builder
	inTag := false
	for _, r := range s {
		switch {
		case r == '<':
			inTag = true
		case r == '>':
			inTag = false
		case !inTag:
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

// TruncateUTF16 truncates text on a UTF-16 code-unit boundary so it
// fits within max code units, matching the remote store's per-span rich
// text limit (surrogate pairs count as two units).
func TruncateUTF16(text string, max int) string {
	if text == "" {
		return text
	}
	units := 0
	for i, r := range text {
		w := 1
		if r > 0xFFFF {
			w = 2
		}
		if units+w > max {
			return text[:i]
		}
		units += w
	}
	return text
}
