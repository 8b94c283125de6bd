package scraper

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/xhad/ragkit/internal/models"
	"github.com/xhad/ragkit/pkg/processor"
	"golang.org/x/time/rate"
)

type ScraperConfig struct {
	BaseURL           string
	MaxDepth          int
	RateLimit         float64 // requests per second
	IgnorePatterns    []string
	AllowedExtensions []string
	Timeout           time.Duration
	Category          string
	Logger            *slog.Logger
	OnProgress        func(url string)
}

// Scraper crawls a single host depth-first, up to MaxDepth links deep,
// and turns every HTML page into a Document ready for chunking.
type Scraper struct {
	config   ScraperConfig
	client   *http.Client
	visited  map[string]bool
	limiter  *rate.Limiter
	baseHost string
	logger   *slog.Logger
}

var noisePatterns = []string{
	"Cookie Policy",
	"Accept Cookies",
	"Privacy Policy",
	"Terms of Service",
}

func NewWithConfig(config ScraperConfig) (*Scraper, error) {
	if config.Timeout == 0 {
		config.Timeout = 30 * time.Second
	}
	if config.MaxDepth == 0 {
		config.MaxDepth = 3
	}
	if config.RateLimit == 0 {
		config.RateLimit = 2
	}
	if len(config.AllowedExtensions) == 0 {
		config.AllowedExtensions = []string{".html", ".htm", "/"}
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}

	parsedURL, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if parsedURL.Host == "" {
		return nil, fmt.Errorf("invalid base url %q: missing host", config.BaseURL)
	}

	return &Scraper{
		config:   config,
		client:   &http.Client{Timeout: config.Timeout},
		visited:  make(map[string]bool),
		limiter:  rate.NewLimiter(rate.Limit(config.RateLimit), 1),
		baseHost: parsedURL.Host,
		logger:   config.Logger,
	}, nil
}

func (s *Scraper) shouldProcessURL(urlStr string) bool {
	parsedURL, err := url.Parse(urlStr)
	if err != nil {
		return false
	}

	if parsedURL.Scheme != "http" && parsedURL.Scheme != "https" {
		return false
	}
	if parsedURL.Host != s.baseHost {
		return false
	}

	path := strings.ToLower(parsedURL.Path)
	if path == "" {
		path = "/"
	}
	validExt := false
	for _, allowedExt := range s.config.AllowedExtensions {
		if strings.HasSuffix(path, allowedExt) {
			validExt = true
			break
		}
	}
	if !validExt {
		return false
	}

	for _, pattern := range s.config.IgnorePatterns {
		if strings.Contains(urlStr, pattern) {
			return false
		}
	}

	return true
}

func cleanContent(content string) string {
	for _, pattern := range noisePatterns {
		content = strings.ReplaceAll(content, pattern, "")
	}
	return strings.Join(strings.Fields(content), " ")
}

// Scrape fetches startURL and every same-host page reachable from it.
// Only a failure on startURL itself is returned; failures deeper in the
// crawl are logged and skipped. Every call starts a fresh crawl.
func (s *Scraper) Scrape(ctx context.Context, startURL string) ([]models.Document, error) {
	var documents []models.Document
	if !s.shouldProcessURL(startURL) {
		return nil, fmt.Errorf("url %s is outside the crawl scope", startURL)
	}
	s.visited = make(map[string]bool)
	if err := s.scrapeRecursive(ctx, startURL, 0, &documents); err != nil {
		return nil, err
	}
	return documents, nil
}

func (s *Scraper) scrapeRecursive(ctx context.Context, urlStr string, depth int, documents *[]models.Document) error {
	if depth > s.config.MaxDepth || s.visited[urlStr] {
		return nil
	}
	if !s.shouldProcessURL(urlStr) {
		return nil
	}

	s.visited[urlStr] = true
	if s.config.OnProgress != nil {
		s.config.OnProgress(urlStr)
	}

	if err := s.limiter.Wait(ctx); err != nil {
		return err
	}

	doc, document, err := s.fetch(ctx, urlStr, depth)
	if err != nil {
		return err
	}
	if document.Content != "" {
		*documents = append(*documents, document)
	}

	base, _ := url.Parse(urlStr)
	doc.Find("a[href]").Each(func(_ int, selection *goquery.Selection) {
		href, _ := selection.Attr("href")
		link, err := url.Parse(strings.TrimSpace(href))
		if err != nil {
			s.logger.Debug("skipping unparsable link", "href", href, "error", err)
			return
		}
		link = base.ResolveReference(link)
		link.Fragment = ""

		if err := s.scrapeRecursive(ctx, link.String(), depth+1, documents); err != nil {
			s.logger.Warn("failed to scrape page", "url", link.String(), "error", err)
		}
	})

	return ctx.Err()
}

func (s *Scraper) fetch(ctx context.Context, urlStr string, depth int) (*goquery.Document, models.Document, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, models.Document{}, err
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, models.Document{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, models.Document{}, fmt.Errorf("received status code %d for URL: %s", resp.StatusCode, urlStr)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return nil, models.Document{}, fmt.Errorf("failed to parse %s: %w", urlStr, err)
	}

	title, content := processor.ExtractPage(doc)
	s.logger.Debug("scraped page", "url", urlStr, "depth", depth, "title", title)

	return doc, models.Document{
		Filename: urlStr,
		Category: s.config.Category,
		Content:  cleanContent(content),
		Metadata: map[string]interface{}{
			"title":        title,
			"depth":        depth,
			"fetched_at":   time.Now().UTC().Format(time.RFC3339),
			"contentType":  resp.Header.Get("Content-Type"),
			"lastModified": resp.Header.Get("Last-Modified"),
		},
	}, nil
}
