// Package clean strips site chrome out of raw HTML and extracts the prose
// that is worth indexing.
package clean

import (
	"regexp"
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/JohannesKaufmann/html-to-markdown/v2/converter"
	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/unicode/norm"
)

// removedTags are dropped wholesale: boilerplate containers that never hold
// page content.
var removedTags = map[string]bool{
	"script":   true,
	"style":    true,
	"noscript": true,
	"nav":      true,
	"footer":   true,
	"header":   true,
	"aside":    true,
	"form":     true,
	"iframe":   true,
}

// boilerplatePattern matches class and id values of navigation, ad, and
// widget containers.
var boilerplatePattern = regexp.MustCompile(
	`(?i)\b(menu|sidebar|ad-section|navbar|modal|footer|masthead|comment|widget)\b`)

var (
	newlineRunPattern = regexp.MustCompile(`[ \t]*[\r\n][\r\n \t]*`)
	spaceRunPattern   = regexp.MustCompile(`[ \t]+`)
)

// Result holds the cleaned forms of a page.
type Result struct {
	Title    string
	Text     string
	Markdown string
}

// Page parses raw HTML (in any charset the Content-Type or meta tags
// declare), removes boilerplate, and returns the page title, the collapsed
// plain text, and a Markdown rendering of the cleaned document. The text is
// NFC-normalized so identical content hashes identically across sites that
// differ only in Unicode composition.
func Page(rawHTML, contentType, host string) (*Result, error) {
	r, err := charset.NewReader(strings.NewReader(rawHTML), contentType)
	if err != nil {
		return nil, eris.Wrap(err, "clean: detect charset")
	}
	doc, err := html.Parse(r)
	if err != nil {
		return nil, eris.Wrap(err, "clean: parse html")
	}

	title := extractTitle(doc)
	removeBoilerplate(doc)

	text := norm.NFC.String(collapseWhitespace(extractText(doc)))

	var markdown string
	if text != "" {
		var buf strings.Builder
		if err := html.Render(&buf, doc); err != nil {
			return nil, eris.Wrap(err, "clean: render cleaned html")
		}
		mdBytes, err := md.ConvertString(buf.String(), converter.WithDomain(host))
		if err != nil {
			return nil, eris.Wrap(err, "clean: convert to markdown")
		}
		markdown = norm.NFC.String(strings.TrimSpace(string(mdBytes)))
	}

	return &Result{
		Title:    title,
		Text:     text,
		Markdown: markdown,
	}, nil
}

func extractTitle(n *html.Node) string {
	if n.Type == html.ElementNode && n.Data == "title" && n.FirstChild != nil {
		return strings.TrimSpace(n.FirstChild.Data)
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if title := extractTitle(c); title != "" {
			return title
		}
	}
	return ""
}

// removeBoilerplate prunes removedTags elements and any element whose class
// or id matches boilerplatePattern.
func removeBoilerplate(n *html.Node) {
	var next *html.Node
	for c := n.FirstChild; c != nil; c = next {
		next = c.NextSibling
		if isBoilerplate(c) {
			n.RemoveChild(c)
			continue
		}
		removeBoilerplate(c)
	}
}

func isBoilerplate(n *html.Node) bool {
	if n.Type != html.ElementNode {
		return false
	}
	if removedTags[n.Data] {
		return true
	}
	for _, attr := range n.Attr {
		if attr.Key == "class" || attr.Key == "id" {
			if boilerplatePattern.MatchString(attr.Val) {
				return true
			}
		}
	}
	return false
}

func extractText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
			sb.WriteString(" ")
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// collapseWhitespace squeezes newline runs to a single newline and space
// runs to a single space. Line breaks survive so paragraph structure is
// preserved in the stored text.
func collapseWhitespace(s string) string {
	s = newlineRunPattern.ReplaceAllString(s, "\n")
	s = spaceRunPattern.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}
