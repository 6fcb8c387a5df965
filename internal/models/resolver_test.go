package models

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newResolver(t *testing.T) *Resolver {
	t.Helper()
	client := upstream.NewPool(config.Preferences{ModelTimeout: 2 * time.Second}, testLogger())
	t.Cleanup(client.Close)
	return NewResolver(client, testLogger())
}

func explicitProvider(entries ...config.ModelEntry) *config.Provider {
	return &config.Provider{
		Name:    "explicit",
		BaseURL: "http://unused.test",
		APIKey:  "k",
		Enabled: true,
		Models:  entries,
	}
}

func TestMatch_ExplicitList(t *testing.T) {
	r := newResolver(t)
	p := explicitProvider(
		config.ModelEntry{Pattern: "gpt-4*"},
		config.ModelEntry{Pattern: "my-claude", Upstream: "claude-3-5-sonnet"},
	)

	cases := []struct {
		model     string
		effective string
		ok        bool
	}{
		{"gpt-4o", "gpt-4o", true},
		{"gpt-4o-mini", "gpt-4o-mini", true},
		{"my-claude", "claude-3-5-sonnet", true},
		{"claude-3-5-sonnet", "", false},
		{"gpt-3.5-turbo", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		eff, ok := r.Match(p, tc.model)
		if ok != tc.ok || eff != tc.effective {
			t.Errorf("Match(%q) = (%q, %v), want (%q, %v)", tc.model, eff, ok, tc.effective, tc.ok)
		}
	}
}

func TestMatch_GeminiPrefixTolerated(t *testing.T) {
	r := newResolver(t)
	p := explicitProvider(config.ModelEntry{Pattern: "gemini-1.5-*"})
	if _, ok := r.Match(p, "models/gemini-1.5-pro"); !ok {
		t.Error("fully qualified Gemini id should match a bare pattern")
	}
}

func TestDiscovery_OpenAIPayload(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fetches.Add(1)
		if req.URL.Path != "/v1/models" {
			t.Errorf("path = %s", req.URL.Path)
		}
		if got := req.Header.Get("Authorization"); got != "Bearer up-key" {
			t.Errorf("authorization = %q", got)
		}
		fmt.Fprint(w, `{"object":"list","data":[{"id":"gpt-4o"},{"id":"gpt-4o-mini"}]}`)
	}))
	defer srv.Close()

	r := newResolver(t)
	p := &config.Provider{Name: "oa", BaseURL: srv.URL, APIKey: "up-key", Enabled: true}

	if _, ok := r.Match(p, "gpt-4o"); !ok {
		t.Error("discovered model should match")
	}
	if _, ok := r.Match(p, "gpt-5"); ok {
		t.Error("undiscovered model must not match")
	}
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetch count = %d, want 1 (cached)", got)
	}

	ids, ok := r.Discovered("oa")
	if !ok || len(ids) != 2 {
		t.Errorf("Discovered = %v, %v", ids, ok)
	}
}

func TestDiscovery_GeminiPayload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"models":[{"name":"models/gemini-1.5-pro"},{"name":"models/gemini-1.5-flash"}]}`)
	}))
	defer srv.Close()

	r := newResolver(t)
	p := &config.Provider{Name: "gem", BaseURL: srv.URL, APIKey: "k", Enabled: true, ModelsEndpoint: "/v1beta/models"}

	if _, ok := r.Match(p, "gemini-1.5-pro"); !ok {
		t.Error("stripped Gemini id should match")
	}
	if _, ok := r.Match(p, "models/gemini-1.5-flash"); !ok {
		t.Error("qualified Gemini id should match after normalization")
	}
}

func TestDiscovery_FailureIsNonFatal(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fetches.Add(1)
		http.Error(w, "nope", http.StatusInternalServerError)
	}))
	defer srv.Close()

	r := newResolver(t)
	p := &config.Provider{Name: "down", BaseURL: srv.URL, APIKey: "k", Enabled: true}

	if _, ok := r.Match(p, "gpt-4o"); ok {
		t.Error("failed discovery must not match anything")
	}
	// Failure is cached; no refetch per request.
	r.Match(p, "gpt-4o")
	if got := fetches.Load(); got != 1 {
		t.Errorf("fetch count = %d, want 1", got)
	}

	// Forget forces a refetch.
	r.Forget("down")
	r.Match(p, "gpt-4o")
	if got := fetches.Load(); got != 2 {
		t.Errorf("fetch count after Forget = %d, want 2", got)
	}
}

func TestSync_InvalidatesChangedProviders(t *testing.T) {
	var fetches atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fetches.Add(1)
		fmt.Fprint(w, `{"data":[{"id":"m1"}]}`)
	}))
	defer srv.Close()

	r := newResolver(t)
	p := &config.Provider{Name: "p", BaseURL: srv.URL, APIKey: "k", Enabled: true}
	r.Match(p, "m1")
	if fetches.Load() != 1 {
		t.Fatalf("fetch count = %d", fetches.Load())
	}

	// Same entry in the new snapshot: cache survives.
	same := *p
	r.Sync(&config.Snapshot{Doc: &config.Document{Providers: []config.Provider{same}}})
	r.Match(p, "m1")
	if fetches.Load() != 1 {
		t.Errorf("unchanged provider refetched: %d", fetches.Load())
	}

	// Changed entry: cache dropped, next match refetches.
	changed := *p
	changed.Priority = 7
	r.Sync(&config.Snapshot{Doc: &config.Document{Providers: []config.Provider{changed}}})
	r.Match(&changed, "m1")
	if fetches.Load() != 2 {
		t.Errorf("changed provider not refetched: %d", fetches.Load())
	}
}

func TestCatalog(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		fmt.Fprint(w, `{"data":[{"id":"discovered-a"},{"id":"shared"}]}`)
	}))
	defer srv.Close()

	doc := &config.Document{
		Providers: []config.Provider{
			{
				Name: "explicit", BaseURL: "http://x.test", APIKey: "k", Enabled: true,
				Models: []config.ModelEntry{
					{Pattern: "gpt-4o"},
					{Pattern: "gpt-4*"}, // wildcard: excluded
					{Pattern: "my-claude", Upstream: "claude-3-5-sonnet"},
					{Pattern: "shared"}, // duplicated by discovery below
				},
			},
			{Name: "disabled", BaseURL: "http://y.test", APIKey: "k", Enabled: false,
				Models: []config.ModelEntry{{Pattern: "hidden"}}},
			{Name: "auto", BaseURL: srv.URL, APIKey: "k", Enabled: true},
		},
	}

	r := newResolver(t)
	got := r.Catalog(&config.Snapshot{Doc: doc})

	want := map[string]string{
		"discovered-a": "discovered-a",
		"gpt-4o":       "gpt-4o",
		"my-claude":    "claude-3-5-sonnet",
		"shared":       "shared",
	}
	if len(got) != len(want) {
		t.Fatalf("catalog = %+v, want %d entries", got, len(want))
	}
	for _, e := range got {
		if want[e.ID] != e.Name {
			t.Errorf("entry %+v unexpected", e)
		}
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].ID >= got[i].ID {
			t.Errorf("catalog not sorted: %v before %v", got[i-1].ID, got[i].ID)
		}
	}
}
