package research

import (
	"net/url"
	"strings"
	"unicode/utf8"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Elements whose text never counts as page content.
var skippedElements = map[atom.Atom]bool{
	atom.Script:   true,
	atom.Style:    true,
	atom.Nav:      true,
	atom.Header:   true,
	atom.Footer:   true,
	atom.Aside:    true,
	atom.Noscript: true,
	atom.Template: true,
}

// CleanContent extracts readable text from HTML (plain text passes through),
// collapses whitespace and truncates to maxChars runes.
func CleanContent(raw string, maxChars int) string {
	if strings.TrimSpace(raw) == "" {
		return ""
	}

	var sb strings.Builder
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		sb.WriteString(raw)
	} else {
		collectText(doc, &sb)
	}

	text := strings.Join(strings.Fields(sb.String()), " ")
	if maxChars > 0 && utf8.RuneCountInString(text) > maxChars {
		text = string([]rune(text)[:maxChars])
	}
	return text
}

func collectText(n *html.Node, sb *strings.Builder) {
	if n.Type == html.ElementNode && skippedElements[n.DataAtom] {
		return
	}
	if n.Type == html.CommentNode {
		return
	}
	if n.Type == html.TextNode {
		sb.WriteString(n.Data)
		sb.WriteByte(' ')
		return
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		collectText(c, sb)
	}
}

// RelevanceScore is the fraction of distinct query words that also appear
// in content, compared case-insensitively on whitespace-separated words.
func RelevanceScore(query, content string) float64 {
	if query == "" || content == "" {
		return 0
	}
	queryWords := wordSet(query)
	if len(queryWords) == 0 {
		return 0
	}
	contentWords := wordSet(content)
	hits := 0
	for w := range queryWords {
		if _, ok := contentWords[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(queryWords))
}

func wordSet(s string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(s))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

// SourceType is the host part of a result URL.
func SourceType(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return rawURL
	}
	return u.Host
}
