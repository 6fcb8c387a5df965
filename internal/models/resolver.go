// Package models resolves which models a provider serves. Providers with
// an explicit model list are matched by wildcard pattern with optional
// alias rewriting; providers without one get their list discovered lazily
// from the upstream models endpoint and cached until their configuration
// changes.
package models

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/valyala/fasthttp"
	"golang.org/x/sync/singleflight"

	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/upstream"
)

// CatalogEntry is one row of the aggregated model catalog.
type CatalogEntry struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// discovery is a cached models-endpoint result for one provider.
type discovery struct {
	fingerprint string
	models      []string
}

// Resolver implements pool.Matcher. Safe for concurrent use.
type Resolver struct {
	client *upstream.Pool
	logger *slog.Logger

	sf    singleflight.Group
	mu    sync.RWMutex
	cache map[string]*discovery
}

func NewResolver(client *upstream.Pool, logger *slog.Logger) *Resolver {
	return &Resolver{
		client: client,
		logger: logger,
		cache:  make(map[string]*discovery),
	}
}

// Match reports whether provider p serves model, and with which
// effective model id. Explicit entries are consulted in list order;
// providers without a list match on exact discovered ids. A leading
// "models/" (Gemini's fully qualified form) is tolerated on either side.
func (r *Resolver) Match(p *config.Provider, model string) (string, bool) {
	if model == "" {
		return "", false
	}
	variants := []string{model}
	if t := strings.TrimPrefix(model, "models/"); t != model {
		variants = append(variants, t)
	}

	if len(p.Models) > 0 {
		for _, e := range p.Models {
			for _, v := range variants {
				if pool.MatchModel(e.Pattern, v) {
					if e.IsAlias() {
						return e.Upstream, true
					}
					return model, true
				}
			}
		}
		return "", false
	}

	for _, id := range r.discovered(p) {
		for _, v := range variants {
			if id == v {
				return model, true
			}
		}
	}
	return "", false
}

// Discovered returns the cached discovery result for the provider, if a
// fetch has completed. Read by the admin and health surfaces; it never
// triggers a fetch.
func (r *Resolver) Discovered(name string) ([]string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	d, ok := r.cache[name]
	if !ok {
		return nil, false
	}
	return d.models, true
}

// Catalog aggregates the caller-visible model list across all enabled
// providers: explicit non-wildcard entries plus discovered ids, with
// duplicates suppressed by caller-facing id, sorted. Cooldown does not
// filter the catalog.
func (r *Resolver) Catalog(snap *config.Snapshot) []CatalogEntry {
	seen := make(map[string]bool)
	out := []CatalogEntry{}
	add := func(id, name string) {
		if id == "" || seen[id] {
			return
		}
		seen[id] = true
		out = append(out, CatalogEntry{ID: id, Name: name})
	}

	for i := range snap.Doc.Providers {
		p := &snap.Doc.Providers[i]
		if !p.Enabled {
			continue
		}
		if len(p.Models) > 0 {
			for _, e := range p.Models {
				if e.IsWildcard() {
					continue
				}
				name := e.Pattern
				if e.IsAlias() {
					name = e.Upstream
				}
				add(e.Pattern, name)
			}
			continue
		}
		for _, id := range r.discovered(p) {
			add(id, id)
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Sync drops cache entries for providers that were removed or whose
// configuration entry changed, so the next request re-discovers.
func (r *Resolver) Sync(snap *config.Snapshot) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, d := range r.cache {
		p, ok := snap.Provider(name)
		if !ok || p.Fingerprint() != d.fingerprint {
			delete(r.cache, name)
		}
	}
}

// Forget drops one provider's cached discovery (admin reset).
func (r *Resolver) Forget(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.cache, name)
}

// discovered returns the provider's discovered model ids, fetching on
// first need. Concurrent requests for the same provider share one fetch.
// A failed fetch caches an empty list; the provider stays routable only
// through an explicit model list.
func (r *Resolver) discovered(p *config.Provider) []string {
	fp := p.Fingerprint()

	r.mu.RLock()
	d, ok := r.cache[p.Name]
	r.mu.RUnlock()
	if ok && d.fingerprint == fp {
		return d.models
	}

	v, _, _ := r.sf.Do(p.Name, func() (any, error) {
		r.mu.RLock()
		d, ok := r.cache[p.Name]
		r.mu.RUnlock()
		if ok && d.fingerprint == fp {
			return d, nil
		}

		ids, err := r.fetch(p)
		if err != nil {
			r.logger.Warn("model discovery failed", "provider", p.Name, "error", err)
			ids = nil
		} else {
			r.logger.Info("models discovered", "provider", p.Name, "count", len(ids))
		}
		d = &discovery{fingerprint: fp, models: ids}
		r.mu.Lock()
		r.cache[p.Name] = d
		r.mu.Unlock()
		return d, nil
	})
	return v.(*discovery).models
}

// fetch GETs the provider's models endpoint with its own credential and
// parses the OpenAI-shaped {data:[{id}]} or Gemini-shaped
// {models:[{name}]} payload. Gemini ids lose their "models/" prefix.
func (r *Resolver) fetch(p *config.Provider) ([]string, error) {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(p.NormalizedBaseURL() + p.NormalizedModelsEndpoint())
	req.Header.SetMethod(fasthttp.MethodGet)
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+p.APIKey)

	release, err := r.client.Do(req, resp)
	if err != nil {
		return nil, err
	}
	defer release()

	body, err := upstream.ReadBody(resp)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode() != fasthttp.StatusOK {
		return nil, fmt.Errorf("models endpoint returned status %d", resp.StatusCode())
	}

	var payload struct {
		Data []struct {
			ID string `json:"id"`
		} `json:"data"`
		Models []struct {
			Name string `json:"name"`
		} `json:"models"`
	}
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, fmt.Errorf("models endpoint returned invalid json: %w", err)
	}

	var ids []string
	for _, m := range payload.Data {
		if m.ID != "" {
			ids = append(ids, m.ID)
		}
	}
	for _, m := range payload.Models {
		if id := strings.TrimPrefix(m.Name, "models/"); id != "" {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
