package serpapi

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"taskpilot/internal/fetch"
	"taskpilot/internal/taskerr"
)

func TestQuerySendsRequestAndParsesOrganicResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("expected GET, got %s", r.Method)
		}
		if r.URL.Path != "/search.json" {
			t.Errorf("expected /search.json, got %s", r.URL.Path)
		}
		q := r.URL.Query()
		if q.Get("api_key") != "test-key" || q.Get("q") != "go scheduler" || q.Get("engine") != "google" {
			t.Errorf("unexpected query: %s", r.URL.RawQuery)
		}
		if q.Get("num") != "10" {
			t.Errorf("expected num capped at 10, got %q", q.Get("num"))
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"organic_results":[
			{"title":"A","link":"https://a.example/1","snippet":"first","displayed_link":"a.example","source":"A Site"},
			{"title":"B","link":"https://b.example/2","snippet":"second"}
		]}`))
	}))
	defer server.Close()

	c := &Client{APIKey: "test-key", BaseURL: server.URL, HTTPClient: server.Client()}
	out, err := c.Query(context.Background(), fetch.Params{Query: "go scheduler", MaxResults: 25})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 results, got %d", len(out))
	}
	if out[0].Title != "A" || out[0].DisplayLink != "a.example" || out[0].Source != "A Site" {
		t.Errorf("unexpected first result: %+v", out[0])
	}
}

func TestQueryNewsUsesNewsResults(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.URL.Query().Get("engine"); got != "google_news" {
			t.Errorf("expected google_news engine, got %q", got)
		}
		_, _ = w.Write([]byte(`{"organic_results":[{"title":"wrong"}],"news_results":[
			{"title":"N","link":"https://n.example/x","snippet":"news","date":"2 hours ago","source":{"name":"Wire"}}
		]}`))
	}))
	defer server.Close()

	c := &Client{APIKey: "k", BaseURL: server.URL, HTTPClient: server.Client()}
	out, err := c.Query(context.Background(), fetch.Params{Query: "q", SearchType: "news"})
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(out) != 1 || out[0].Source != "Wire" || out[0].Published != "2 hours ago" {
		t.Errorf("unexpected news results: %+v", out)
	}
}

func TestQueryErrorClassification(t *testing.T) {
	cases := []struct {
		name      string
		status    int
		body      string
		permanent bool
	}{
		{"unauthorized", http.StatusUnauthorized, `{"error":"Invalid API key"}`, true},
		{"throttled", http.StatusTooManyRequests, `{"error":"slow down"}`, false},
		{"server", http.StatusBadGateway, `bad gateway`, false},
		{"body error", http.StatusOK, `{"error":"quota exhausted"}`, false},
		{"bad json", http.StatusOK, `{not json`, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}))
			defer server.Close()

			c := &Client{APIKey: "k", BaseURL: server.URL, HTTPClient: server.Client()}
			_, err := c.Query(context.Background(), fetch.Params{Query: "q"})
			var ue *fetch.UpstreamError
			if !errors.As(err, &ue) {
				t.Fatalf("expected UpstreamError, got %v", err)
			}
			if got := taskerr.IsPermanent(err); got != tc.permanent {
				t.Errorf("permanent = %v, want %v (err %v)", got, tc.permanent, err)
			}
		})
	}
}

func TestQueryRequiresAPIKey(t *testing.T) {
	c := &Client{}
	_, err := c.Query(context.Background(), fetch.Params{Query: "q"})
	if !taskerr.IsPermanent(err) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestQueryLimiterHonoursContext(t *testing.T) {
	c := New("k", 1<<40)
	c.BaseURL = "http://127.0.0.1:0"
	if !c.Limiter.Allow() {
		t.Fatal("first token should be available")
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Query(ctx, fetch.Params{Query: "q"}); err == nil {
		t.Fatal("expected error from cancelled limiter wait")
	}
}
