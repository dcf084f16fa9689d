package mailutil

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const blockElements = "p, div, li, tr, h1, h2, h3, h4, h5, h6, blockquote, pre, table, ul, ol, section, article, header, footer"

// HTMLToText strips markup from an email body. Block elements and <br> end
// a line, whitespace inside a line is collapsed and empty lines are dropped.
func HTMLToText(src string) string {
	if strings.TrimSpace(src) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return collapseLines(src)
	}
	doc.Find("script, style, head, noscript, title").Remove()
	doc.Find("br").ReplaceWithHtml("\n")
	doc.Find(blockElements).Each(func(_ int, s *goquery.Selection) {
		s.AppendHtml("\n")
	})
	return collapseLines(doc.Text())
}

func collapseLines(text string) string {
	lines := strings.Split(text, "\n")
	out := lines[:0]
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 0 {
			continue
		}
		out = append(out, strings.Join(fields, " "))
	}
	return strings.Join(out, "\n")
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"'()\[\]{}]+`)

// ExtractURLs returns the distinct http(s) URLs in text, in order of first
// appearance. Trailing sentence punctuation is not part of the URL.
func ExtractURLs(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, m := range urlPattern.FindAllString(text, -1) {
		m = strings.TrimRight(m, ".,;:!?")
		if _, err := url.ParseRequestURI(m); err != nil {
			continue
		}
		if _, ok := seen[m]; ok {
			continue
		}
		seen[m] = struct{}{}
		out = append(out, m)
	}
	return out
}

// ExtractHTMLLinks returns the distinct absolute http(s) hrefs of an HTML body.
func ExtractHTMLLinks(src string) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return nil
	}
	var out []string
	seen := make(map[string]struct{})
	doc.Find("a[href]").Each(func(_ int, s *goquery.Selection) {
		href, _ := s.Attr("href")
		href = strings.TrimSpace(href)
		u, err := url.Parse(href)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return
		}
		if _, ok := seen[href]; ok {
			return
		}
		seen[href] = struct{}{}
		out = append(out, href)
	})
	return out
}
