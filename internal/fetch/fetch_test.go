package fetch

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"taskpilot/internal/clock"
	"taskpilot/internal/taskerr"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func snippet(i int) string {
	return fmt.Sprintf("result %d %s", i, strings.Repeat("lorem ipsum ", 6))
}

func rawN(n int) []RawResult {
	out := make([]RawResult, n)
	for i := range out {
		out[i] = RawResult{
			Title:   fmt.Sprintf("Title %d", i),
			Link:    fmt.Sprintf("https://example.com/a/%d", i),
			Snippet: snippet(i),
		}
	}
	return out
}

func newDedup(t *testing.T, capacity int) *DedupCache {
	t.Helper()
	c, err := NewDedupCache(capacity, clock.NewFake(t0))
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestFingerprintNormalizes(t *testing.T) {
	a := Fingerprint("https://www.Example.com/path/#frag", "  Hello   World ")
	b := Fingerprint("https://example.com/path", "hello world")
	if a != b {
		t.Errorf("fingerprints differ: %s vs %s", a, b)
	}
	if Fingerprint("https://example.com/path", "other") == b {
		t.Error("different titles should not collide")
	}
	if len(a) != 64 {
		t.Errorf("fingerprint length = %d, want 64", len(a))
	}
}

func TestDedupInsertIsIdempotent(t *testing.T) {
	c := newDedup(t, 4)
	if !c.Insert("a") {
		t.Fatal("first insert should be new")
	}
	if c.Insert("a") {
		t.Fatal("second insert should report existing")
	}
	if c.Len() != 1 {
		t.Errorf("len = %d, want 1", c.Len())
	}
	if ts, ok := c.FirstSeen("a"); !ok || !ts.Equal(t0) {
		t.Errorf("first seen = %v %v", ts, ok)
	}
}

func TestDedupEvictsOldestFirst(t *testing.T) {
	const k = 5
	c := newDedup(t, k)
	for i := 0; i <= k; i++ {
		c.Insert(fmt.Sprint(i))
	}
	if c.Len() != k {
		t.Fatalf("len = %d, want %d", c.Len(), k)
	}
	if c.Contains("0") {
		t.Error("oldest entry should have been evicted")
	}
	for i := 1; i <= k; i++ {
		if !c.Contains(fmt.Sprint(i)) {
			t.Errorf("entry %d missing", i)
		}
	}
}

func TestDedupContainsDoesNotRefresh(t *testing.T) {
	c := newDedup(t, 2)
	c.Insert("a")
	c.Insert("b")
	c.Contains("a")
	c.Insert("a")
	c.Insert("c")
	if c.Contains("a") {
		t.Error("reads must not change eviction order")
	}
}

func TestDedupSnapshotRestore(t *testing.T) {
	c := newDedup(t, 3)
	for _, fp := range []string{"a", "b", "c"} {
		c.Insert(fp)
	}
	snap := c.Snapshot()
	if strings.Join(snap, ",") != "a,b,c" {
		t.Fatalf("snapshot = %v", snap)
	}
	r := newDedup(t, 3)
	r.Restore(snap)
	r.Insert("d")
	if r.Contains("a") || !r.Contains("d") {
		t.Error("restored order should evict a first")
	}
}

func TestDedupConcurrentInsert(t *testing.T) {
	c := newDedup(t, 100)
	var wg sync.WaitGroup
	var wins atomic.Int32
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if c.Insert("same") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Errorf("new inserts = %d, want 1", wins.Load())
	}
}

func TestRateLimiterMinuteWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	l := NewRateLimiter(Limits{PerMinute: 2, PerDay: 100}, clk)
	if !l.TryAcquire("k") || !l.TryAcquire("k") {
		t.Fatal("first two acquisitions should succeed")
	}
	if l.TryAcquire("k") {
		t.Fatal("third acquisition within the minute should fail")
	}
	if !l.TryAcquire("other") {
		t.Error("keys are independent")
	}
	clk.Advance(61 * time.Second)
	if !l.TryAcquire("k") {
		t.Error("acquisition after rollover should succeed")
	}
	if m, d := l.Usage("k"); m != 1 || d != 3 {
		t.Errorf("usage = %d/%d, want 1/3", m, d)
	}
}

func TestRateLimiterDayWindow(t *testing.T) {
	clk := clock.NewFake(t0)
	l := NewRateLimiter(Limits{PerMinute: 10, PerDay: 3}, clk)
	for i := 0; i < 3; i++ {
		if !l.TryAcquire("k") {
			t.Fatalf("acquisition %d should succeed", i)
		}
		clk.Advance(2 * time.Minute)
	}
	if l.TryAcquire("k") {
		t.Fatal("day ceiling should reject")
	}
	if m, _ := l.Usage("k"); m != 0 {
		t.Errorf("rejected request must not count, minute usage = %d", m)
	}
	clk.Advance(24 * time.Hour)
	if !l.TryAcquire("k") {
		t.Error("acquisition after day rollover should succeed")
	}
}

func TestRateLimiterSetLimits(t *testing.T) {
	l := NewRateLimiter(Limits{PerMinute: 1}, clock.NewFake(t0))
	l.TryAcquire("k")
	if l.TryAcquire("k") {
		t.Fatal("should be limited")
	}
	l.SetLimits(Limits{PerMinute: 5})
	if !l.TryAcquire("k") {
		t.Error("raised limit should allow")
	}
}

func TestPipelineDropsDuplicatesAndTruncates(t *testing.T) {
	raw := rawN(8)
	raw[2] = raw[0]
	raw[4] = raw[1]
	raw[6] = raw[3]

	dedup := newDedup(t, 100)
	up := UpstreamFunc(func(ctx context.Context, p Params) ([]RawResult, error) { return raw, nil })
	p := NewPipeline(up, NewRateLimiter(Limits{PerMinute: 10}, clock.NewFake(t0)), dedup, WithClock(clock.NewFake(t0)))

	out, err := p.Search(context.Background(), Params{Query: "golang", MaxResults: 5}, "serpapi")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Fatalf("got %d results, want 5", len(out))
	}
	seen := map[string]bool{}
	for _, r := range out {
		if seen[r.Fingerprint] {
			t.Errorf("duplicate fingerprint in output: %s", r.Link)
		}
		seen[r.Fingerprint] = true
		if !dedup.Contains(r.Fingerprint) {
			t.Errorf("returned result %s not recorded", r.Link)
		}
		if !r.DiscoveredAt.Equal(t0) {
			t.Errorf("discovered at = %v", r.DiscoveredAt)
		}
	}

	again, err := p.Search(context.Background(), Params{Query: "golang", MaxResults: 5}, "serpapi")
	if err != nil {
		t.Fatal(err)
	}
	for _, r := range again {
		if seen[r.Fingerprint] {
			t.Errorf("result %s returned twice across searches", r.Link)
		}
	}
}

func TestPipelineRecordsCandidatesPastTheCut(t *testing.T) {
	dedup := newDedup(t, 100)
	up := UpstreamFunc(func(ctx context.Context, p Params) ([]RawResult, error) { return rawN(10), nil })
	p := NewPipeline(up, NewRateLimiter(Limits{}, nil), dedup)

	out, err := p.Search(context.Background(), Params{Query: "golang", MaxResults: 5}, "serpapi")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 5 {
		t.Fatalf("got %d results, want 5", len(out))
	}
	if dedup.Len() != 10 {
		t.Errorf("cache len = %d, want 10", dedup.Len())
	}

	again, err := p.Search(context.Background(), Params{Query: "golang", MaxResults: 5}, "serpapi")
	if err != nil {
		t.Fatal(err)
	}
	if len(again) != 0 {
		t.Errorf("second search returned %d results, want 0", len(again))
	}
}

func TestPipelineSkipsPreviouslySeen(t *testing.T) {
	raw := rawN(8)
	dedup := newDedup(t, 100)
	for _, i := range []int{1, 4, 6} {
		dedup.Insert(Fingerprint(raw[i].Link, raw[i].Title))
	}
	up := UpstreamFunc(func(ctx context.Context, p Params) ([]RawResult, error) { return raw, nil })
	p := NewPipeline(up, NewRateLimiter(Limits{}, nil), dedup)

	out, err := p.Search(context.Background(), Params{Query: "golang", MaxResults: 5}, "serpapi")
	if err != nil {
		t.Fatal(err)
	}
	want := []string{raw[0].Link, raw[2].Link, raw[3].Link, raw[5].Link, raw[7].Link}
	if len(out) != len(want) {
		t.Fatalf("got %d results, want %d", len(out), len(want))
	}
	for i, r := range out {
		if r.Link != want[i] {
			t.Errorf("out[%d] = %s, want %s", i, r.Link, want[i])
		}
	}
}

func TestPipelineFilters(t *testing.T) {
	raw := []RawResult{
		{Title: "short", Link: "https://example.com/1", Snippet: "too short"},
		{Title: "social", Link: "https://m.facebook.com/post", Snippet: snippet(1)},
		{Title: "nolink", Snippet: snippet(2)},
		{Link: "https://example.com/untitled", Snippet: snippet(4)},
		{Title: "ok", Link: "https://example.com/2", Snippet: snippet(3)},
	}
	up := UpstreamFunc(func(ctx context.Context, p Params) ([]RawResult, error) { return raw, nil })
	p := NewPipeline(up, NewRateLimiter(Limits{}, nil), newDedup(t, 10))

	out, err := p.Search(context.Background(), Params{Query: "q"}, "serpapi")
	if err != nil {
		t.Fatal(err)
	}
	if len(out) != 1 || out[0].Title != "ok" {
		t.Errorf("filtered results = %+v", out)
	}
}

func TestPipelineRateLimitedSkipsUpstream(t *testing.T) {
	var calls atomic.Int32
	up := UpstreamFunc(func(ctx context.Context, p Params) ([]RawResult, error) {
		calls.Add(1)
		return rawN(1), nil
	})
	p := NewPipeline(up, NewRateLimiter(Limits{PerMinute: 1}, clock.NewFake(t0)), newDedup(t, 10))

	if _, err := p.Search(context.Background(), Params{Query: "q"}, "serpapi"); err != nil {
		t.Fatal(err)
	}
	_, err := p.Search(context.Background(), Params{Query: "q"}, "serpapi")
	if !errors.Is(err, ErrRateLimitExceeded) {
		t.Fatalf("err = %v, want ErrRateLimitExceeded", err)
	}
	if calls.Load() != 1 {
		t.Errorf("upstream calls = %d, want 1", calls.Load())
	}
}

func TestPipelineCancelledLeavesCacheUntouched(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	up := UpstreamFunc(func(ctx context.Context, p Params) ([]RawResult, error) {
		cancel()
		return rawN(3), nil
	})
	dedup := newDedup(t, 10)
	p := NewPipeline(up, NewRateLimiter(Limits{}, nil), dedup)

	_, err := p.Search(ctx, Params{Query: "q"}, "serpapi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if dedup.Len() != 0 {
		t.Errorf("cache len = %d, want 0", dedup.Len())
	}
}

func TestPipelineUpstreamErrors(t *testing.T) {
	boom := errors.New("connection reset")
	up := UpstreamFunc(func(ctx context.Context, p Params) ([]RawResult, error) { return nil, boom })
	p := NewPipeline(up, NewRateLimiter(Limits{}, nil), newDedup(t, 10))

	_, err := p.Search(context.Background(), Params{Query: "q"}, "serpapi")
	var ue *UpstreamError
	if !errors.As(err, &ue) || !errors.Is(err, boom) {
		t.Fatalf("err = %v, want wrapped UpstreamError", err)
	}
	if taskerr.Classify(err) != taskerr.ClassTransient {
		t.Error("upstream errors should be transient")
	}

	_, err = p.Search(context.Background(), Params{Query: "  "}, "serpapi")
	if !taskerr.IsPermanent(err) {
		t.Errorf("empty query err = %v, want permanent", err)
	}
}
