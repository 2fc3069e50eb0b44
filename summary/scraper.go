package summary

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/concrnt/resonite-gateway/timeline"
)

// maxPageSize bounds how much of a page is read when scraping.
const maxPageSize = 2 << 20

// Scraper builds previews straight from a page's OpenGraph and meta tags. It
// serves deployments without a summary microservice.
//
// Links come from untrusted messages. A nil Client fetches through
// NewPublicClient; a caller supplying its own Client takes over that check.
type Scraper struct {
	Client *http.Client
	Logger *slog.Logger

	once   sync.Once
	public *http.Client
}

// Summarize returns the preview of target, or nil if it cannot be resolved.
func (s *Scraper) Summarize(ctx context.Context, target string) *timeline.Summary {
	if target == "" {
		return nil
	}
	doc, err := s.fetch(ctx, target)
	if err != nil {
		s.Logger.Warn("Could not scrape link summary", "url", target, "error", err.Error())
		return nil
	}

	sum := &timeline.Summary{
		URL:         target,
		Title:       firstContent(doc, "meta[property='og:title']", "meta[name='twitter:title']"),
		Description: firstContent(doc, "meta[property='og:description']", "meta[name='description']"),
		Thumbnail:   firstContent(doc, "meta[property='og:image']", "meta[name='twitter:image']"),
	}
	if sum.Title == "" {
		sum.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	if sum.Thumbnail == "" {
		if href, ok := doc.Find("link[rel='icon']").Attr("href"); ok {
			sum.Thumbnail = href
		}
	}
	sum.Thumbnail = resolve(target, sum.Thumbnail)
	return sum
}

func (s *Scraper) fetch(ctx context.Context, target string) (*goquery.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, http.NoBody)
	if err != nil {
		return nil, fmt.Errorf("new request: %w", err)
	}
	if err := checkScheme(req.URL); err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; resonite-gateway/1.0)")

	resp, err := s.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch page: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxPageSize))
	if err != nil {
		return nil, fmt.Errorf("parse HTML: %w", err)
	}
	return doc, nil
}

func (s *Scraper) client() *http.Client {
	if s.Client != nil {
		return s.Client
	}
	s.once.Do(func() { s.public = NewPublicClient(defaultTimeout) })
	return s.public
}

func firstContent(doc *goquery.Document, selectors ...string) string {
	for _, sel := range selectors {
		if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
			return strings.TrimSpace(v)
		}
	}
	return ""
}

// resolve makes ref absolute against the page URL.
func resolve(base, ref string) string {
	if ref == "" {
		return ""
	}
	b, err := url.Parse(base)
	if err != nil {
		return ref
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return b.ResolveReference(r).String()
}
