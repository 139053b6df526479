package tools

import (
	"bytes"
	"compress/gzip"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	nurl "net/url"
	"strconv"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"
	"github.com/andybalholm/cascadia"
	"github.com/coder/quartz"
	readability "github.com/go-shiori/go-readability"
	"golang.org/x/net/html"
)

const (
	// rawFetchCap bounds the download before extraction.
	rawFetchCap = 5 * 1024 * 1024

	// scrapeOutputChars bounds the content returned to the chat.
	scrapeOutputChars = 5000

	defaultBraveURL = "https://api.search.brave.com/res/v1/web/search"
	userAgent       = "whatsapp-agents/1.0 (local-agent)"
)

// allowedContentTypes is the set of MIME type prefixes we process.
var allowedContentTypes = []string{
	"text/",
	"application/json",
	"application/xml",
	"application/xhtml",
	"application/ld+json",
	"application/rss+xml",
	"application/atom+xml",
}

// WebConfig configures the web tools.
type WebConfig struct {
	// BraveAPIKey enables web_search.
	BraveAPIKey string
	// BraveURL overrides the Brave endpoint (tests).
	BraveURL string
	// Client defaults to a client with a 60s timeout.
	Client *http.Client
}

// Web implements web_search, web_scrape and web_monitor.
type Web struct {
	cfg    WebConfig
	client *http.Client
	store  *Store
	clock  quartz.Clock
}

// NewWeb creates the web handlers. store holds web_monitor hashes.
func NewWeb(cfg WebConfig, store *Store, clock quartz.Clock) *Web {
	if cfg.BraveURL == "" {
		cfg.BraveURL = defaultBraveURL
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Web{cfg: cfg, client: client, store: store, clock: clock}
}

// Register adds every web tool to r.
func (w *Web) Register(r *Registry) {
	r.Register("web_search", w.Search)
	r.Register("web_scrape", w.Scrape)
	r.Register("web_monitor", w.Monitor)
}

// --- web_search ---

type webSearchItem struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// braveAPIResponse is the relevant subset of the Brave Search API response.
type braveAPIResponse struct {
	Web struct {
		Results []struct {
			Title       string `json:"title"`
			URL         string `json:"url"`
			Description string `json:"description"`
		} `json:"results"`
	} `json:"web"`
}

// Search is the Executor for web_search.
func (w *Web) Search(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		Query      string `json:"query"`
		Count      int    `json:"count"`
		NumResults int    `json:"numResults"`
		Freshness  string `json:"freshness"`
	}
	if err := parseArgs("web_search", args, &a); err != nil {
		return Result{}, err
	}
	if a.Query == "" {
		return Result{}, errors.New("web_search: query is required")
	}
	if w.cfg.BraveAPIKey == "" {
		return Result{}, errors.New("web_search is not configured. Set BRAVE_API_KEY to enable it.")
	}

	count := a.Count
	if count == 0 {
		count = a.NumResults
	}
	if count <= 0 || count > 10 {
		count = 5
	}

	params := nurl.Values{}
	params.Set("q", a.Query)
	params.Set("count", strconv.Itoa(count))
	switch a.Freshness {
	case "":
	case "day", "week", "month":
		params.Set("freshness", map[string]string{"day": "pd", "week": "pw", "month": "pm"}[a.Freshness])
	default:
		return Result{}, fmt.Errorf("web_search: freshness must be day, week or month")
	}

	reqCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, w.cfg.BraveURL+"?"+params.Encode(), nil)
	if err != nil {
		return Result{}, fmt.Errorf("web_search: building request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Accept-Encoding", "gzip")
	req.Header.Set("X-Subscription-Token", w.cfg.BraveAPIKey)

	resp, err := w.client.Do(req)
	if err != nil {
		if reqCtx.Err() != nil {
			return Result{}, errors.New("web_search request timed out after 15s")
		}
		return Result{}, fmt.Errorf("web_search: request failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusTooManyRequests:
		return Result{}, errors.New("Brave Search API rate limit exceeded (429). Try again later.")
	case http.StatusUnauthorized:
		return Result{}, errors.New("Brave Search API key is invalid or expired (401).")
	default:
		return Result{}, fmt.Errorf("Brave Search API returned unexpected status %d", resp.StatusCode)
	}

	// We asked for gzip explicitly, so the transport won't decode it for us.
	var reader io.Reader = resp.Body
	if resp.Header.Get("Content-Encoding") == "gzip" {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return Result{}, fmt.Errorf("web_search: decompressing response: %w", err)
		}
		defer gz.Close()
		reader = gz
	}

	var braveResp braveAPIResponse
	if err := json.NewDecoder(io.LimitReader(reader, 1<<20)).Decode(&braveResp); err != nil {
		return Result{}, fmt.Errorf("web_search: parsing Brave API response: %w", err)
	}

	items := make([]webSearchItem, 0, len(braveResp.Web.Results))
	for _, r := range braveResp.Web.Results {
		items = append(items, webSearchItem{Title: r.Title, URL: r.URL, Snippet: r.Description})
	}
	return jsonResult("web_search", map[string]any{
		"query":       a.Query,
		"results":     items,
		"resultCount": len(items),
	})
}

// --- fetching ---

type page struct {
	url         *nurl.URL
	status      int
	contentType string
	body        string
}

func (p page) isHTML() bool {
	ct := strings.ToLower(p.contentType)
	return strings.HasPrefix(ct, "text/html") || strings.HasPrefix(ct, "application/xhtml")
}

func (w *Web) fetch(ctx context.Context, tool, rawURL string) (page, error) {
	if !strings.HasPrefix(rawURL, "http://") && !strings.HasPrefix(rawURL, "https://") {
		return page{}, fmt.Errorf("%s: url must start with http:// or https://", tool)
	}
	u, err := nurl.Parse(rawURL)
	if err != nil {
		return page{}, fmt.Errorf("%s: invalid url: %w", tool, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return page{}, fmt.Errorf("%s: building request: %w", tool, err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")

	resp, err := w.client.Do(req)
	if err != nil {
		return page{}, fmt.Errorf("%s: request failed: %w", tool, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return page{}, fmt.Errorf("Failed to fetch: %d", resp.StatusCode)
	}
	ct := resp.Header.Get("Content-Type")
	if !isAllowedContentType(ct) {
		return page{}, fmt.Errorf("%s: content type %q is not text-based", tool, ct)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, rawFetchCap))
	if err != nil {
		return page{}, fmt.Errorf("%s: reading response body: %w", tool, err)
	}
	return page{url: u, status: resp.StatusCode, contentType: ct, body: string(data)}, nil
}

func isAllowedContentType(ct string) bool {
	ct = strings.ToLower(ct)
	if ct == "" {
		return true
	}
	for _, allowed := range allowedContentTypes {
		if strings.HasPrefix(ct, allowed) {
			return true
		}
	}
	return false
}

// --- web_scrape ---

// Scrape is the Executor for web_scrape. Without a selector the readable
// article is extracted (readability) and converted to Markdown; with a
// selector only the matching elements are converted.
func (w *Web) Scrape(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		URL      string `json:"url"`
		Selector string `json:"selector"`
	}
	if err := parseArgs("web_scrape", args, &a); err != nil {
		return Result{}, err
	}
	if a.URL == "" {
		return Result{}, errors.New("web_scrape: url is required")
	}

	p, err := w.fetch(ctx, "web_scrape", a.URL)
	if err != nil {
		return Result{}, err
	}

	out := map[string]any{"url": a.URL}
	var content string

	switch {
	case !p.isHTML():
		content = strings.TrimSpace(p.body)

	case a.Selector != "":
		sel, err := cascadia.Compile(a.Selector)
		if err != nil {
			return Result{}, fmt.Errorf("web_scrape: invalid selector %q: %w", a.Selector, err)
		}
		doc, err := html.Parse(strings.NewReader(p.body))
		if err != nil {
			return Result{}, fmt.Errorf("web_scrape: parsing html: %w", err)
		}
		out["title"] = pageTitle(doc)
		nodes := cascadia.QueryAll(doc, sel)
		out["matches"] = len(nodes)
		content = nodesMarkdown(nodes)

	default:
		title, md, note := extractArticle(p.body, p.url)
		out["title"] = title
		if note != "" {
			out["note"] = note
		}
		content = md
	}

	shown := truncateRunes(content, scrapeOutputChars)
	out["content"] = shown
	out["truncated"] = len(shown) < len(content)
	out["wordCount"] = len(strings.Fields(content))
	return jsonResult("web_scrape", out)
}

// extractArticle runs readability and converts the article to Markdown,
// falling back to the whole page when readability finds nothing.
func extractArticle(rawHTML string, pageURL *nurl.URL) (title, markdown, note string) {
	article, err := readability.FromReader(strings.NewReader(rawHTML), pageURL)
	if err != nil || strings.TrimSpace(article.TextContent) == "" {
		md, convErr := htmltomarkdown.ConvertString(rawHTML)
		if convErr != nil {
			return "", rawHTML, "Readability extraction and Markdown conversion both failed; returning raw HTML."
		}
		title := ""
		if doc, err := html.Parse(strings.NewReader(rawHTML)); err == nil {
			title = pageTitle(doc)
		}
		return title, strings.TrimSpace(md), "Readability could not extract article content; returning full page as Markdown."
	}

	md, err := htmltomarkdown.ConvertString(article.Content)
	if err != nil {
		return article.Title, strings.TrimSpace(article.TextContent), ""
	}
	return article.Title, strings.TrimSpace(md), ""
}

var titleSel = cascadia.MustCompile("title")

func pageTitle(doc *html.Node) string {
	if n := cascadia.Query(doc, titleSel); n != nil {
		return strings.TrimSpace(nodeText(n))
	}
	return ""
}

func nodesMarkdown(nodes []*html.Node) string {
	var parts []string
	for _, n := range nodes {
		var buf bytes.Buffer
		if err := html.Render(&buf, n); err != nil {
			continue
		}
		md, err := htmltomarkdown.ConvertString(buf.String())
		if err != nil {
			md = nodeText(n)
		}
		if md = strings.TrimSpace(md); md != "" {
			parts = append(parts, md)
		}
	}
	return strings.Join(parts, "\n\n")
}

// nodeText returns the concatenated text content of all descendant text
// nodes, skipping script and style.
func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

// --- web_monitor ---

var bodySel = cascadia.MustCompile("body")

// Monitor is the Executor for web_monitor. It hashes the page text (or the
// text of the selected elements) and compares against the hash stored by
// the previous check of the same URL.
//
// A re-delivered WorkItem runs a second check, which reports changed=false.
func (w *Web) Monitor(ctx context.Context, args json.RawMessage) (Result, error) {
	var a struct {
		URL      string `json:"url"`
		Selector string `json:"selector"`
	}
	if err := parseArgs("web_monitor", args, &a); err != nil {
		return Result{}, err
	}
	if a.URL == "" {
		return Result{}, errors.New("web_monitor: url is required")
	}

	p, err := w.fetch(ctx, "web_monitor", a.URL)
	if err != nil {
		return Result{}, err
	}

	text := p.body
	if p.isHTML() {
		doc, err := html.Parse(strings.NewReader(p.body))
		if err != nil {
			return Result{}, fmt.Errorf("web_monitor: parsing html: %w", err)
		}
		sel := bodySel
		if a.Selector != "" {
			if sel, err = cascadia.Compile(a.Selector); err != nil {
				return Result{}, fmt.Errorf("web_monitor: invalid selector %q: %w", a.Selector, err)
			}
		}
		var parts []string
		for _, n := range cascadia.QueryAll(doc, sel) {
			parts = append(parts, nodeText(n))
		}
		text = strings.Join(parts, "\n")
	}
	text = strings.Join(strings.Fields(text), " ")

	sum := sha256.Sum256([]byte(text))
	hash := hex.EncodeToString(sum[:])[:16]

	key := a.URL
	if a.Selector != "" {
		key += "#" + a.Selector
	}
	prev, err := w.store.SwapMonitorHash(ctx, key, hash, w.clock.Now())
	if err != nil {
		return Result{}, err
	}

	out := map[string]any{
		"url":            a.URL,
		"contentHash":    hash,
		"firstCheck":     prev == "",
		"changed":        prev != "" && prev != hash,
		"contentPreview": truncateRunes(text, 200),
	}
	if prev != "" {
		out["previousHash"] = prev
	}
	return jsonResult("web_monitor", out)
}
