// Package fetch implements the rate-limited, deduplicating search pipeline
// used by web_search tasks.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrRateLimitExceeded = errors.New("rate limit exceeded")

// UpstreamError is a network, status or decode failure from the search backend.
type UpstreamError struct {
	StatusCode int
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("upstream error (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("upstream error: %v", e.Err)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

type Params struct {
	Query      string
	MaxResults int
	SearchType string // general, news, academic
}

type RawResult struct {
	Title       string
	Link        string
	Snippet     string
	DisplayLink string
	Source      string
	Published   string
}

type Result struct {
	Title        string    `json:"title"`
	Link         string    `json:"link"`
	Snippet      string    `json:"snippet"`
	DisplayLink  string    `json:"display_link,omitempty"`
	Source       string    `json:"source,omitempty"`
	Published    string    `json:"published,omitempty"`
	Fingerprint  string    `json:"fingerprint"`
	DiscoveredAt time.Time `json:"discovered_at"`
}

// Upstream is the external search backend.
type Upstream interface {
	Query(ctx context.Context, p Params) ([]RawResult, error)
}

// UpstreamFunc adapts a function to Upstream.
type UpstreamFunc func(ctx context.Context, p Params) ([]RawResult, error)

func (f UpstreamFunc) Query(ctx context.Context, p Params) ([]RawResult, error) { return f(ctx, p) }
