// Package serpapi queries the SerpAPI Google search endpoint.
package serpapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"taskpilot/internal/fetch"
	"taskpilot/internal/taskerr"
)

const (
	defaultBaseURL          = "https://serpapi.com"
	defaultTimeout          = 30 * time.Second
	defaultMaxResponseBytes = 2 << 20
	maxResultsPerRequest    = 10
)

type Client struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	// Limiter spaces outbound requests. Nil disables spacing.
	Limiter *rate.Limiter
}

// New returns a client that sends at most one request per interval.
func New(apiKey string, interval time.Duration) *Client {
	c := &Client{APIKey: apiKey}
	if interval > 0 {
		c.Limiter = rate.NewLimiter(rate.Every(interval), 1)
	}
	return c
}

func (c *Client) resolvedBaseURL() string {
	base := strings.TrimSpace(c.BaseURL)
	if base == "" {
		return defaultBaseURL
	}
	return strings.TrimRight(base, "/")
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: defaultTimeout}
}

type item struct {
	Title         string          `json:"title"`
	Link          string          `json:"link"`
	Snippet       string          `json:"snippet"`
	DisplayedLink string          `json:"displayed_link"`
	Date          string          `json:"date"`
	Source        json.RawMessage `json:"source"`
}

type response struct {
	Error          string `json:"error"`
	OrganicResults []item `json:"organic_results"`
	NewsResults    []item `json:"news_results"`
}

func engineFor(searchType string) string {
	switch searchType {
	case "news":
		return "google_news"
	case "academic":
		return "google_scholar"
	default:
		return "google"
	}
}

// Query implements fetch.Upstream.
func (c *Client) Query(ctx context.Context, p fetch.Params) ([]fetch.RawResult, error) {
	apiKey := strings.TrimSpace(c.APIKey)
	if apiKey == "" {
		return nil, taskerr.Permanent(errors.New("serpapi api key is required (set SERPAPI_API_KEY)"))
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	num := p.MaxResults
	if num <= 0 || num > maxResultsPerRequest {
		num = maxResultsPerRequest
	}
	engine := engineFor(p.SearchType)
	q := url.Values{}
	q.Set("engine", engine)
	q.Set("q", p.Query)
	q.Set("api_key", apiKey)
	if engine != "google_news" {
		q.Set("num", strconv.Itoa(num))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.resolvedBaseURL()+"/search.json?"+q.Encode(), nil)
	if err != nil {
		return nil, taskerr.Permanent(fmt.Errorf("create request: %w", err))
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.resolvedHTTPClient().Do(req)
	if err != nil {
		return nil, &fetch.UpstreamError{Err: err}
	}
	defer resp.Body.Close()

	data, truncated, err := readLimited(resp.Body, defaultMaxResponseBytes)
	if err != nil {
		return nil, &fetch.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("read body: %w", err)}
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet := strings.TrimSpace(string(data))
		if len(snippet) > 500 {
			snippet = snippet[:500] + "…"
		}
		uerr := &fetch.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("serpapi: %s: %s", resp.Status, snippet)}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, taskerr.Permanent(uerr)
		}
		return nil, uerr
	}
	if truncated {
		return nil, &fetch.UpstreamError{StatusCode: resp.StatusCode, Err: errors.New("serpapi: response too large")}
	}

	var body response
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &fetch.UpstreamError{StatusCode: resp.StatusCode, Err: fmt.Errorf("decode response: %w", err)}
	}
	if body.Error != "" {
		return nil, &fetch.UpstreamError{StatusCode: resp.StatusCode, Err: errors.New(body.Error)}
	}

	items := body.OrganicResults
	if engine == "google_news" {
		items = body.NewsResults
	}
	out := make([]fetch.RawResult, 0, len(items))
	for _, it := range items {
		out = append(out, fetch.RawResult{
			Title:       it.Title,
			Link:        it.Link,
			Snippet:     it.Snippet,
			DisplayLink: it.DisplayedLink,
			Source:      sourceName(it.Source),
			Published:   it.Date,
		})
	}
	return out, nil
}

// sourceName accepts both "source": "name" and "source": {"name": "..."}.
func sourceName(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Name
	}
	return ""
}

func readLimited(r io.Reader, maxBytes int) ([]byte, bool, error) {
	limited := io.LimitReader(r, int64(maxBytes)+1)
	data, err := io.ReadAll(limited)
	if err != nil {
		return data, false, err
	}
	if len(data) > maxBytes {
		return data[:maxBytes], true, nil
	}
	return data, false, nil
}
