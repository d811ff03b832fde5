package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"html"
	"html/template"
	"strings"
)

// blockTags maps container node types to their HTML element.
var blockTags = map[string]string{
	"paragraph":   "p",
	"bulletList":  "ul",
	"orderedList": "ol",
	"listItem":    "li",
	"blockquote":  "blockquote",
	"tableRow":    "tr",
	"tableCell":   "td",
	"tableHeader": "th",
	"table":       "table",
}

var markTags = map[string]string{
	"bold":      "strong",
	"italic":    "em",
	"code":      "code",
	"strike":    "s",
	"underline": "u",
}

// ContentHTML renders stored content. ProseMirror documents become markup;
// any other JSON value is shown indented inside <pre>.
func ContentHTML(content json.RawMessage) template.HTML {
	root, ok := decodeDoc(content)
	if !ok {
		trimmed := bytes.TrimSpace(content)
		if len(trimmed) == 0 || string(trimmed) == "null" {
			return ""
		}
		var pretty bytes.Buffer
		if err := json.Indent(&pretty, trimmed, "", "  "); err != nil {
			pretty.Reset()
			pretty.Write(trimmed)
		}
		return template.HTML("<pre>" + html.EscapeString(pretty.String()) + "</pre>\n")
	}

	var b strings.Builder
	renderChildren(&b, root)
	return template.HTML(b.String())
}

// PlainText extracts the text nodes of a ProseMirror document, one block per
// line. Non-ProseMirror content yields "".
func PlainText(content json.RawMessage) string {
	root, ok := decodeDoc(content)
	if !ok {
		return ""
	}
	var lines []string
	var walk func(node map[string]any) string
	walk = func(node map[string]any) string {
		if text, ok := node["text"].(string); ok {
			return text
		}
		var inner strings.Builder
		for _, child := range children(node) {
			inner.WriteString(walk(child))
		}
		if _, block := blockTags[nodeType(node)]; block || nodeType(node) == "heading" || nodeType(node) == "codeBlock" {
			if line := strings.TrimSpace(inner.String()); line != "" {
				lines = append(lines, line)
			}
			return ""
		}
		return inner.String()
	}
	if rest := strings.TrimSpace(walk(root)); rest != "" {
		lines = append(lines, rest)
	}
	return strings.Join(lines, "\n")
}

func decodeDoc(content json.RawMessage) (map[string]any, bool) {
	var root map[string]any
	if err := json.Unmarshal(content, &root); err != nil {
		return nil, false
	}
	if nodeType(root) != "doc" {
		return nil, false
	}
	return root, true
}

func nodeType(node map[string]any) string {
	t, _ := node["type"].(string)
	return t
}

func children(node map[string]any) []map[string]any {
	raw, _ := node["content"].([]any)
	out := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if child, ok := item.(map[string]any); ok {
			out = append(out, child)
		}
	}
	return out
}

func renderChildren(b *strings.Builder, node map[string]any) {
	for _, child := range children(node) {
		renderNode(b, child)
	}
}

func renderNode(b *strings.Builder, node map[string]any) {
	switch t := nodeType(node); t {
	case "text":
		b.WriteString(renderText(node))
	case "heading":
		level := 1
		if attrs, ok := node["attrs"].(map[string]any); ok {
			if lvl, ok := attrs["level"].(float64); ok && lvl >= 1 && lvl <= 6 {
				level = int(lvl)
			}
		}
		fmt.Fprintf(b, "<h%d>", level)
		renderChildren(b, node)
		fmt.Fprintf(b, "</h%d>\n", level)
	case "codeBlock":
		var code strings.Builder
		for _, child := range children(node) {
			text, _ := child["text"].(string)
			code.WriteString(text)
		}
		b.WriteString("<pre><code>" + html.EscapeString(code.String()) + "</code></pre>\n")
	case "hardBreak":
		b.WriteString("<br>")
	case "horizontalRule":
		b.WriteString("<hr>\n")
	default:
		tag, ok := blockTags[t]
		if !ok {
			renderChildren(b, node)
			return
		}
		b.WriteString("<" + tag + ">")
		renderChildren(b, node)
		b.WriteString("</" + tag + ">\n")
	}
}

func renderText(node map[string]any) string {
	text, _ := node["text"].(string)
	out := html.EscapeString(text)

	marks, _ := node["marks"].([]any)
	for i := len(marks) - 1; i >= 0; i-- {
		mark, ok := marks[i].(map[string]any)
		if !ok {
			continue
		}
		markType := nodeType(mark)
		if markType == "link" {
			href := ""
			if attrs, ok := mark["attrs"].(map[string]any); ok {
				href, _ = attrs["href"].(string)
			}
			out = `<a href="` + html.EscapeString(href) + `">` + out + "</a>"
			continue
		}
		if tag, ok := markTags[markType]; ok {
			out = "<" + tag + ">" + out + "</" + tag + ">"
		}
	}
	return out
}
