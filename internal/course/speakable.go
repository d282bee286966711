package course

import (
	"bytes"
	"strings"

	"github.com/yuin/goldmark"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// silentElements are rendered markdown elements that are not read aloud.
var silentElements = map[atom.Atom]bool{
	atom.Img:    true,
	atom.Hr:     true,
	atom.Script: true,
	atom.Style:  true,
}

// Speakable converts markdown reading text into plain text suitable for
// speech synthesis: formatting markers disappear, link targets are
// dropped in favor of their labels, and each block or list item ends up
// on its own line. Text that fails to render is returned trimmed.
func Speakable(markdown string) string {
	if strings.TrimSpace(markdown) == "" {
		return ""
	}

	var buf bytes.Buffer
	if err := goldmark.Convert([]byte(markdown), &buf); err != nil {
		return strings.TrimSpace(markdown)
	}

	doc, err := html.Parse(&buf)
	if err != nil {
		return strings.TrimSpace(markdown)
	}

	var w strings.Builder
	walkSpeakable(doc, &w)
	return tidyLines(w.String())
}

func walkSpeakable(n *html.Node, w *strings.Builder) {
	if n.Type == html.ElementNode {
		if silentElements[n.DataAtom] {
			return
		}
		if breaksLine(n.DataAtom) {
			w.WriteString("\n")
		}
	}

	if n.Type == html.TextNode {
		w.WriteString(n.Data)
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walkSpeakable(c, w)
	}

	if n.Type == html.ElementNode && breaksLine(n.DataAtom) {
		w.WriteString("\n")
	}
}

func breaksLine(a atom.Atom) bool {
	switch a {
	case atom.P, atom.Li, atom.Br, atom.Pre, atom.Blockquote,
		atom.H1, atom.H2, atom.H3, atom.H4, atom.H5, atom.H6,
		atom.Tr, atom.Dt, atom.Dd:
		return true
	}
	return false
}

// tidyLines collapses whitespace within lines and drops blank lines.
func tidyLines(s string) string {
	var out []string
	for _, line := range strings.Split(s, "\n") {
		line = strings.Join(strings.Fields(line), " ")
		if line != "" {
			out = append(out, line)
		}
	}
	return strings.Join(out, "\n")
}
