// Package parser turns fetched HTML into the title, plain text and outbound
// links the crawler needs. Text is whitespace-normalized so that it can be
// written as a single JSON field without further cleanup.
package parser

import (
	"bytes"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ErrGarbledText is returned when the extracted text contains decoding
// artifacts. The returned Document still carries the links.
var ErrGarbledText = errors.New("text contains invalid characters")

// spaceOrQuote collapses whitespace runs and double quotes into one space.
var spaceOrQuote = regexp.MustCompile(`[\s"]+`)

// Document is the extracted view of one HTML page.
type Document struct {
	Title string
	Text  string
	Links []string // Absolute, allowed-scheme links in document order
}

// linkSchemes are the schemes a crawlable link may use.
var linkSchemes = []string{"https://", "http://"}

// HTMLExtractor extracts text and links from HTML documents.
type HTMLExtractor struct{}

// NewHTMLExtractor creates an extractor that keeps http and https links.
func NewHTMLExtractor() *HTMLExtractor {
	return &HTMLExtractor{}
}

// Extract parses content fetched from pageURL. Relative links resolve against
// pageURL, or against <base href> when the document declares one.
func (e *HTMLExtractor) Extract(content []byte, pageURL string) (*Document, error) {
	baseURL, err := url.Parse(pageURL)
	if err != nil {
		return nil, fmt.Errorf("invalid page URL: %w", err)
	}

	root, err := html.Parse(bytes.NewReader(content))
	if err != nil {
		return nil, fmt.Errorf("failed to parse HTML: %w", err)
	}

	gq := goquery.NewDocumentFromNode(root)
	if href, ok := gq.Find("base[href]").First().Attr("href"); ok {
		if ref, err := url.Parse(strings.TrimSpace(href)); err == nil {
			baseURL = baseURL.ResolveReference(ref)
		}
	}

	doc := &Document{
		Title: Normalize(gq.Find("title").First().Text()),
		Links: []string{},
	}
	e.collectLinks(root, baseURL, doc)

	gq.Find("script, style, noscript, template").Remove()
	doc.Text = Normalize(gq.Find("body").Text())

	if strings.ContainsRune(doc.Text, utf8.RuneError) || strings.ContainsRune(doc.Title, utf8.RuneError) {
		return doc, ErrGarbledText
	}
	return doc, nil
}

// Normalize collapses whitespace and double quotes to single spaces and trims.
func Normalize(s string) string {
	return strings.TrimSpace(spaceOrQuote.ReplaceAllString(s, " "))
}

// collectLinks walks the tree and appends every usable anchor target.
func (e *HTMLExtractor) collectLinks(n *html.Node, base *url.URL, doc *Document) {
	if n.Type == html.ElementNode && n.Data == "a" {
		if link, ok := e.resolveAnchor(n, base); ok {
			doc.Links = append(doc.Links, link)
		}
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		e.collectLinks(c, base, doc)
	}
}

func (e *HTMLExtractor) resolveAnchor(n *html.Node, base *url.URL) (string, bool) {
	var href string
	for _, attr := range n.Attr {
		if attr.Key == "href" {
			href = strings.TrimSpace(attr.Val)
			break
		}
	}

	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(href, "javascript:") {
		return "", false
	}

	// Early scheme validation before URL resolution
	if !e.isAllowedScheme(href) {
		return "", false
	}

	ref, err := url.Parse(href)
	if err != nil {
		return "", false
	}
	resolved := base.ResolveReference(ref)
	resolved.Fragment = ""
	abs := resolved.String()

	if !e.isAllowedScheme(abs) {
		return "", false
	}
	return abs, true
}

// isAllowedScheme checks if the URL has an allowed scheme
func (e *HTMLExtractor) isAllowedScheme(href string) bool {
	lower := strings.ToLower(href)
	if strings.Contains(lower, "://") {
		for _, scheme := range linkSchemes {
			if strings.HasPrefix(lower, scheme) {
				return true
			}
		}
		return false
	}

	// Scheme-only forms such as mailto: or tel:
	if strings.Contains(lower, ":") && !strings.HasPrefix(lower, "/") && !strings.HasPrefix(lower, "?") {
		colon := strings.Index(lower, ":")
		slash := strings.IndexAny(lower, "/?")
		if slash == -1 || colon < slash {
			for _, scheme := range linkSchemes {
				if strings.HasPrefix(lower, strings.TrimSuffix(scheme, "://")+":") {
					return true
				}
			}
			return false
		}
	}

	// Relative URLs inherit the base scheme
	return true
}
