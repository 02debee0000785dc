// Package preview resolves link previews for URLs found in message text.
package preview

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/capitalize-ai/realtime-conversations/internal/model"
	"github.com/capitalize-ai/realtime-conversations/pkg/logger"
	"github.com/capitalize-ai/realtime-conversations/pkg/metrics"
)

const (
	// MaxURLs caps how many links of one message are previewed.
	MaxURLs = 3

	maxBodyBytes = 1 << 20
	userAgent    = "realtime-conversations-preview/1.0"
)

var urlPattern = regexp.MustCompile(`https?://[^\s<>"]+`)

// Config tunes the fetcher.
type Config struct {
	Timeout  time.Duration
	RPS      float64
	Burst    int
	CacheTTL time.Duration
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RPS <= 0 {
		c.RPS = 5
	}
	if c.Burst <= 0 {
		c.Burst = 10
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 24 * time.Hour
	}
	return c
}

// Cache stores resolved previews by URL.
type Cache interface {
	Get(ctx context.Context, url string) (model.LinkPreview, bool, error)
	Set(ctx context.Context, url string, p model.LinkPreview, ttl time.Duration) error
}

// Fetcher resolves previews with a shared outbound rate limit.
type Fetcher struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
	cache   Cache
	logger  *logger.Logger
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(f *Fetcher) { f.client = c }
}

// NewFetcher creates a fetcher. cache may be nil.
func NewFetcher(cfg Config, cache Cache, log *logger.Logger, opts ...Option) *Fetcher {
	cfg = cfg.withDefaults()
	f := &Fetcher{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), cfg.Burst),
		cache:   cache,
		logger:  log.Named("preview"),
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// Fetch returns previews for the first MaxURLs distinct links in text. It
// never fails: links that cannot be reached are skipped.
func (f *Fetcher) Fetch(ctx context.Context, text string) []model.LinkPreview {
	var out []model.LinkPreview
	for _, u := range ExtractURLs(text, MaxURLs) {
		if p, ok := f.fetchOne(ctx, u); ok {
			out = append(out, p)
		}
	}
	return out
}

// ExtractURLs returns up to max distinct http(s) links in text, in order.
func ExtractURLs(text string, max int) []string {
	var out []string
	seen := map[string]bool{}
	for _, raw := range urlPattern.FindAllString(text, -1) {
		raw = strings.TrimRight(raw, ".,;:!?)]}'")
		u, err := url.Parse(raw)
		if err != nil || u.Host == "" {
			continue
		}
		if seen[raw] {
			continue
		}
		seen[raw] = true
		out = append(out, raw)
		if max > 0 && len(out) == max {
			break
		}
	}
	return out
}

func (f *Fetcher) fetchOne(ctx context.Context, raw string) (model.LinkPreview, bool) {
	if f.cache != nil {
		p, ok, err := f.cache.Get(ctx, raw)
		if err != nil {
			f.logger.Debug("preview cache read failed", zap.String("url", raw), zap.Error(err))
		}
		if ok {
			metrics.PreviewFetchesTotal.WithLabelValues("cache_hit").Inc()
			return p, true
		}
	}

	u, err := url.Parse(raw)
	if err != nil {
		return model.LinkPreview{}, false
	}
	if err := f.limiter.Wait(ctx); err != nil {
		metrics.PreviewFetchesTotal.WithLabelValues("throttled").Inc()
		return model.LinkPreview{}, false
	}

	p, err := f.scrape(ctx, u)
	switch {
	case err != nil:
		metrics.PreviewFetchesTotal.WithLabelValues("error").Inc()
		f.logger.Debug("preview fetch failed", zap.String("url", raw), zap.Error(err))
		return model.LinkPreview{}, false
	case p.Title == "":
		metrics.PreviewFetchesTotal.WithLabelValues("fallback").Inc()
		p = Fallback(u)
	default:
		metrics.PreviewFetchesTotal.WithLabelValues("fetched").Inc()
	}

	if f.cache != nil {
		if err := f.cache.Set(ctx, raw, p, f.cfg.CacheTTL); err != nil {
			f.logger.Debug("preview cache write failed", zap.String("url", raw), zap.Error(err))
		}
	}
	return p, true
}

// scrape fetches u and reads its metadata. A reachable page that is not
// HTML yields an empty title.
func (f *Fetcher) scrape(ctx context.Context, u *url.URL) (model.LinkPreview, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return model.LinkPreview{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return model.LinkPreview{}, err
	}
	defer resp.Body.Close()

	p := model.LinkPreview{URL: u.String()}
	if resp.StatusCode >= 400 {
		return p, nil
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return p, nil
	}

	doc, err := goquery.NewDocumentFromReader(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return p, nil
	}
	return Parse(doc, u), nil
}

// Parse extracts OpenGraph metadata, falling back to plain HTML tags.
func Parse(doc *goquery.Document, base *url.URL) model.LinkPreview {
	meta := func(selectors ...string) string {
		for _, sel := range selectors {
			if v, ok := doc.Find(sel).First().Attr("content"); ok && strings.TrimSpace(v) != "" {
				return strings.TrimSpace(v)
			}
		}
		return ""
	}

	p := model.LinkPreview{URL: base.String()}
	p.Title = meta(`meta[property="og:title"]`, `meta[name="twitter:title"]`)
	if p.Title == "" {
		p.Title = strings.TrimSpace(doc.Find("title").First().Text())
	}
	p.Description = meta(`meta[property="og:description"]`, `meta[name="description"]`)
	p.Image = resolve(base, meta(`meta[property="og:image"]`, `meta[name="twitter:image"]`))

	doc.Find("link[rel]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel := strings.ToLower(s.AttrOr("rel", ""))
		if !strings.Contains(rel, "icon") {
			return true
		}
		if href := s.AttrOr("href", ""); href != "" {
			p.Favicon = resolve(base, href)
			return false
		}
		return true
	})
	if p.Favicon == "" {
		p.Favicon = fmt.Sprintf("%s://%s/favicon.ico", base.Scheme, base.Host)
	}
	return p
}

// Fallback is the preview shown when a page has no usable metadata.
func Fallback(u *url.URL) model.LinkPreview {
	host := strings.TrimPrefix(u.Hostname(), "www.")
	return model.LinkPreview{
		URL:         u.String(),
		Title:       host,
		Description: u.String(),
		Favicon:     "https://www.google.com/s2/favicons?domain=" + url.QueryEscape(u.Hostname()) + "&sz=32",
	}
}

func resolve(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	r, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(r).String()
}
