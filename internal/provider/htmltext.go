package provider

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

var (
	horizontalSpace = regexp.MustCompile(`[ \t\f\r\x{00a0}]+`)
	extraNewlines   = regexp.MustCompile(`\n{3,}`)
)

// HTMLToText renders an HTML email body as plain text. Block elements become
// line breaks and blockquotes are prefixed with "> " so quoted replies stay
// distinguishable from new content.
func HTMLToText(body string) string {
	doc, err := html.Parse(strings.NewReader(body))
	if err != nil {
		return strings.TrimSpace(body)
	}

	var sb strings.Builder
	renderNode(&sb, doc)
	return tidy(sb.String())
}

func renderNode(sb *strings.Builder, n *html.Node) {
	switch n.Type {
	case html.TextNode:
		sb.WriteString(horizontalSpace.ReplaceAllString(strings.ReplaceAll(n.Data, "\n", " "), " "))
		return
	case html.ElementNode:
		switch n.DataAtom {
		case atom.Script, atom.Style, atom.Head, atom.Title:
			return
		case atom.Br:
			sb.WriteString("\n")
			return
		case atom.Hr:
			sb.WriteString("\n---\n")
			return
		case atom.Blockquote:
			var inner strings.Builder
			renderChildren(&inner, n)
			sb.WriteString("\n")
			sb.WriteString(quote(tidy(inner.String())))
			sb.WriteString("\n")
			return
		case atom.Li:
			sb.WriteString("\n- ")
			renderChildren(sb, n)
			return
		}
		if isBlock(n.DataAtom) {
			sb.WriteString("\n")
			renderChildren(sb, n)
			sb.WriteString("\n")
			return
		}
	}
	renderChildren(sb, n)
}

func renderChildren(sb *strings.Builder, n *html.Node) {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		renderNode(sb, c)
	}
}

func isBlock(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Div, atom.Table, atom.Tr, atom.Ul, atom.Ol, atom.Pre,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6, atom.Section, atom.Article:
		return true
	}
	return false
}

func quote(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		if line == "" {
			lines[i] = ">"
			continue
		}
		lines[i] = "> " + line
	}
	return strings.Join(lines, "\n")
}

func tidy(text string) string {
	lines := strings.Split(text, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSpace(line)
	}
	text = strings.Join(lines, "\n")
	text = extraNewlines.ReplaceAllString(text, "\n\n")
	return strings.TrimSpace(text)
}
