// Package parser turns fetched bodies into indexable text, page metadata and
// the outbound links to crawl next.
package parser

import (
	"bytes"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/abadojack/whatlanggo"
	"golang.org/x/net/html"
	"golang.org/x/net/html/charset"

	"github.com/JakeFAU/crawl-engine/internal/crawler"
	"github.com/JakeFAU/crawl-engine/internal/hash/sha256"
)

const (
	maxTitleRunes   = 200
	maxSnippetRunes = 200
)

// removed lists elements whose content is never part of the page text.
const removed = "script,style,noscript,template,iframe,svg"

// Parser implements crawler.Parser. It holds no per-call state and is safe
// for concurrent use.
type Parser struct {
	hasher crawler.Hasher
}

// New returns a Parser. A nil hasher selects SHA-256.
func New(hasher crawler.Hasher) *Parser {
	if hasher == nil {
		hasher = sha256.New()
	}
	return &Parser{hasher: hasher}
}

// Parse extracts a Document from body. The content hash is always set, even
// when an error is returned. HTML yields text, metadata and links; other
// textual content yields text only; binary content yields an empty document.
func (p *Parser) Parse(baseURL, contentType string, body []byte) (crawler.Document, error) {
	var doc crawler.Document
	sum, err := p.hasher.Hash(body)
	if err != nil {
		return doc, fmt.Errorf("%w: hash body: %v", crawler.ErrParse, err)
	}
	doc.Hash = sum

	if contentType == "" {
		contentType = http.DetectContentType(body)
	}
	switch kind(crawler.MediaType(contentType)) {
	case kindHTML:
		return p.parseHTML(doc, baseURL, contentType, body)
	case kindText:
		text, err := decode(body, contentType)
		if err != nil {
			return doc, err
		}
		doc.Text = collapse(text)
		doc.Title = truncate(firstLine(text), maxTitleRunes)
		doc.Snippet = truncate(doc.Text, maxSnippetRunes)
		doc.Lang = detectLang(doc.Text)
		return doc, nil
	default:
		return doc, nil
	}
}

func (p *Parser) parseHTML(doc crawler.Document, baseURL, contentType string, body []byte) (crawler.Document, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return doc, fmt.Errorf("%w: decode body: %v", crawler.ErrParse, err)
	}
	root, err := goquery.NewDocumentFromReader(reader)
	if err != nil {
		return doc, fmt.Errorf("%w: parse html: %v", crawler.ErrParse, err)
	}

	base, err := url.Parse(baseURL)
	if err != nil {
		return doc, fmt.Errorf("%w: base url %q: %v", crawler.ErrParse, baseURL, err)
	}
	if href, ok := root.Find("base[href]").First().Attr("href"); ok {
		if ref, err := base.Parse(strings.TrimSpace(href)); err == nil {
			base = ref
		}
	}
	doc.Links = extractLinks(root, base)

	root.Find(removed).Remove()
	doc.Title = truncate(collapse(root.Find("title").First().Text()), maxTitleRunes)
	if doc.Title == "" {
		doc.Title = truncate(collapse(root.Find("h1").First().Text()), maxTitleRunes)
	}
	doc.Text = visibleText(root.Find("body"))
	if doc.Text == "" {
		doc.Text = visibleText(root.Selection)
	}
	doc.Snippet = description(root)
	if doc.Snippet == "" {
		doc.Snippet = truncate(doc.Text, maxSnippetRunes)
	}
	doc.Lang = detectLang(doc.Text)
	return doc, nil
}

func extractLinks(root *goquery.Document, base *url.URL) []string {
	seen := make(map[string]struct{})
	var links []string
	root.Find("a[href], area[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		if href == "" || strings.HasPrefix(href, "#") {
			return
		}
		ref, err := base.Parse(href)
		if err != nil {
			return
		}
		normalized, err := crawler.NormalizeURL(ref.String())
		if err != nil {
			return
		}
		if _, ok := seen[normalized]; ok {
			return
		}
		seen[normalized] = struct{}{}
		links = append(links, normalized)
	})
	return links
}

func description(root *goquery.Document) string {
	for _, sel := range []string{`meta[name="description"]`, `meta[name="Description"]`, `meta[property="og:description"]`} {
		if content, ok := root.Find(sel).First().Attr("content"); ok {
			if s := collapse(content); s != "" {
				return truncate(s, maxSnippetRunes)
			}
		}
	}
	return ""
}

// visibleText joins every text node under the selection, so adjacent block
// elements never run their words together.
func visibleText(sel *goquery.Selection) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		switch n.Type {
		case html.TextNode:
			parts = append(parts, n.Data)
		case html.CommentNode:
			return
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	for _, n := range sel.Nodes {
		walk(n)
	}
	return collapse(strings.Join(parts, " "))
}

type contentKind int

const (
	kindBinary contentKind = iota
	kindHTML
	kindText
)

func kind(mediaType string) contentKind {
	switch {
	case mediaType == "text/html", mediaType == "application/xhtml+xml":
		return kindHTML
	case strings.HasPrefix(mediaType, "text/"),
		mediaType == "application/json",
		mediaType == "application/xml":
		return kindText
	default:
		return kindBinary
	}
}

func decode(body []byte, contentType string) (string, error) {
	reader, err := charset.NewReader(bytes.NewReader(body), contentType)
	if err != nil {
		return "", fmt.Errorf("%w: decode body: %v", crawler.ErrParse, err)
	}
	out, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("%w: decode body: %v", crawler.ErrParse, err)
	}
	return strings.ToValidUTF8(strings.ReplaceAll(string(out), "\x00", ""), ""), nil
}

func detectLang(text string) string {
	if text == "" {
		return ""
	}
	info := whatlanggo.Detect(text)
	if !info.IsReliable() {
		return ""
	}
	return info.Lang.Iso6391()
}

func collapse(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func firstLine(s string) string {
	for _, line := range strings.Split(s, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			return collapse(line)
		}
	}
	return ""
}

// truncate cuts s to at most n runes, backing off to a word boundary when one
// is close.
func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	cut := string(runes[:n])
	if idx := strings.LastIndex(cut, " "); idx > len(cut)-20 && idx > 0 {
		cut = cut[:idx]
	}
	return strings.TrimSpace(cut) + "..."
}
