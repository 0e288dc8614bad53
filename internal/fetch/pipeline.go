package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/rs/zerolog/log"

	"taskpilot/internal/clock"
	"taskpilot/internal/metrics"
	"taskpilot/internal/taskerr"
)

const (
	DefaultMaxResults       = 10
	DefaultMinSnippetLength = 50
)

// DefaultBlockedDomains are social sites whose results are noise for monitoring.
var DefaultBlockedDomains = []string{
	"facebook.com",
	"twitter.com",
	"x.com",
	"instagram.com",
	"tiktok.com",
	"pinterest.com",
}

type Filter struct {
	MinSnippetLength int
	BlockedDomains   []string
}

func (f Filter) allow(r RawResult) bool {
	if strings.TrimSpace(r.Link) == "" || strings.TrimSpace(r.Title) == "" {
		return false
	}
	if len(strings.TrimSpace(r.Snippet)) < f.MinSnippetLength {
		return false
	}
	host := hostOf(r.Link)
	for _, d := range f.BlockedDomains {
		if host == d || strings.HasSuffix(host, "."+d) {
			return false
		}
	}
	return true
}

// Pipeline is rate limit, then upstream query, then filter and dedup, then
// truncate.
type Pipeline struct {
	upstream Upstream
	limiter  *RateLimiter
	dedup    *DedupCache
	filter   Filter
	clock    clock.Clock
	metrics  *metrics.Metrics
}

type Option func(*Pipeline)

func WithFilter(f Filter) Option             { return func(p *Pipeline) { p.filter = f } }
func WithClock(c clock.Clock) Option         { return func(p *Pipeline) { p.clock = c } }
func WithMetrics(m *metrics.Metrics) Option { return func(p *Pipeline) { p.metrics = m } }

func NewPipeline(upstream Upstream, limiter *RateLimiter, dedup *DedupCache, opts ...Option) *Pipeline {
	p := &Pipeline{
		upstream: upstream,
		limiter:  limiter,
		dedup:    dedup,
		filter:   Filter{MinSnippetLength: DefaultMinSnippetLength, BlockedDomains: DefaultBlockedDomains},
		clock:    clock.System{},
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Search returns at most p.MaxResults results never returned before.
//
// A rejected rate limit returns ErrRateLimitExceeded without calling upstream.
// A cancelled ctx returns ctx.Err() with the dedup cache untouched.
func (p *Pipeline) Search(ctx context.Context, params Params, resourceKey string) ([]Result, error) {
	if strings.TrimSpace(params.Query) == "" {
		return nil, taskerr.Permanent(errors.New("search query is required"))
	}
	if params.MaxResults <= 0 {
		params.MaxResults = DefaultMaxResults
	}

	if !p.limiter.TryAcquire(resourceKey) {
		p.metrics.RateLimited(resourceKey)
		return nil, fmt.Errorf("%s: %w", resourceKey, ErrRateLimitExceeded)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	raw, err := p.upstream.Query(ctx, params)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var ue *UpstreamError
		if errors.As(err, &ue) || taskerr.IsPermanent(err) {
			return nil, err
		}
		return nil, &UpstreamError{Err: err}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	now := p.clock.Now()
	out := make([]Result, 0, len(raw))
	dropped := 0
	// Every surviving candidate is recorded, including those past the cut.
	for _, r := range raw {
		if !p.filter.allow(r) {
			continue
		}
		fp := Fingerprint(r.Link, r.Title)
		if !p.dedup.Insert(fp) {
			dropped++
			continue
		}
		out = append(out, Result{
			Title:        r.Title,
			Link:         r.Link,
			Snippet:      r.Snippet,
			DisplayLink:  r.DisplayLink,
			Source:       r.Source,
			Published:    r.Published,
			Fingerprint:  fp,
			DiscoveredAt: now,
		})
	}
	p.metrics.DedupDropped(dropped)
	out = out[:min(len(out), params.MaxResults)]

	log.Debug().
		Str("query", params.Query).
		Int("upstream", len(raw)).
		Int("duplicates", dropped).
		Int("returned", len(out)).
		Msg("search completed")
	return out, nil
}
