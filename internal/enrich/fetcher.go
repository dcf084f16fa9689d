// Package enrich fetches pages linked from inbound messages and turns them
// into markdown for the reply prompt.
package enrich

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
	"golang.org/x/time/rate"

	"leadmark-worker/internal/entity"
)

type Config struct {
	MaxPages       int
	MaxBytes       int64
	MaxMarkdown    int
	Timeout        time.Duration
	RequestsPerSec float64
	UserAgent      string
	MaxRedirects   int
}

func DefaultConfig() Config {
	return Config{
		MaxPages:       3,
		MaxBytes:       2 << 20,
		MaxMarkdown:    8000,
		Timeout:        10 * time.Second,
		RequestsPerSec: 2,
		UserAgent:      "leadmark-worker/1.0",
		MaxRedirects:   3,
	}
}

type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

// NewFetcher uses client when given. Without one it builds NewClient, which
// refuses loopback and private addresses; production callers pass nil.
func NewFetcher(cfg Config, client *http.Client, log *slog.Logger) *Fetcher {
	def := DefaultConfig()
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = def.MaxPages
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = def.MaxBytes
	}
	if cfg.MaxMarkdown <= 0 {
		cfg.MaxMarkdown = def.MaxMarkdown
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.RequestsPerSec <= 0 {
		cfg.RequestsPerSec = def.RequestsPerSec
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = def.MaxRedirects
	}
	if client == nil {
		client = NewClient(cfg.Timeout, cfg.MaxRedirects)
	}
	if log == nil {
		log = slog.Default()
	}
	burst := int(cfg.RequestsPerSec)
	if burst < 1 {
		burst = 1
	}
	return &Fetcher{
		cfg:     cfg,
		client:  client,
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), burst),
		log:     log,
	}
}

// Enrich fetches up to MaxPages of urls in order. Pages that fail are
// logged and skipped.
func (f *Fetcher) Enrich(ctx context.Context, urls []string) []entity.LinkContext {
	var out []entity.LinkContext
	for _, u := range urls {
		if len(out) >= f.cfg.MaxPages {
			break
		}
		if err := f.limiter.Wait(ctx); err != nil {
			break
		}
		page, err := f.Fetch(ctx, u)
		if err != nil {
			f.log.Debug("link enrichment skipped", "url", u, "error", err)
			continue
		}
		if strings.TrimSpace(page.Markdown) == "" {
			continue
		}
		out = append(out, page)
	}
	return out
}

// Fetch downloads one HTML page and converts its main content to markdown.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (entity.LinkContext, error) {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return entity.LinkContext{}, fmt.Errorf("unsupported url %q", rawURL)
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return entity.LinkContext{}, err
	}
	req.Header.Set("User-Agent", f.cfg.UserAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := f.client.Do(req)
	if err != nil {
		return entity.LinkContext{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return entity.LinkContext{}, fmt.Errorf("status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		mt, _, _ := mime.ParseMediaType(ct)
		if mt != "text/html" && mt != "application/xhtml+xml" {
			return entity.LinkContext{}, fmt.Errorf("content type %q", mt)
		}
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, f.cfg.MaxBytes))
	if err != nil {
		return entity.LinkContext{}, fmt.Errorf("parse html: %w", err)
	}

	title := strings.TrimSpace(doc.Find("title").First().Text())
	if title == "" {
		title = strings.TrimSpace(doc.Find("h1").First().Text())
	}

	doc.Find("script, style, noscript, nav, footer, header, iframe, svg, form").Remove()
	content := doc.Find("main, article").First()
	if content.Length() == 0 {
		content = doc.Find("body")
	}
	html, err := content.Html()
	if err != nil {
		return entity.LinkContext{}, fmt.Errorf("render html: %w", err)
	}

	base := u.Scheme + "://" + u.Host
	markdown, err := md.NewConverter(base, true, nil).ConvertString(html)
	if err != nil {
		return entity.LinkContext{}, fmt.Errorf("convert markdown: %w", err)
	}

	return entity.LinkContext{
		URL:      rawURL,
		Title:    title,
		Markdown: truncate(strings.TrimSpace(markdown), f.cfg.MaxMarkdown),
	}, nil
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit]) + "…"
}
