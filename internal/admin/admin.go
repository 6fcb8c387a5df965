// Package admin exposes the management API: provider CRUD, routing
// preferences, manual cooldown resets, connectivity probes, and the
// recent request log. Every mutation goes through the config store's
// atomic write path, so edits survive restarts and show up in the
// running snapshot immediately.
package admin

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/logs"
	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/pkg/apierr"
)

const probeTimeout = 10 * time.Second

// Routes is the admin route set. Mount it with Register.
type Routes struct {
	store    *config.Store
	pool     *pool.Pool
	resolver *models.Resolver
	clients  *upstream.Pool
	reqlog   *logs.Logger
	logger   *slog.Logger
}

func NewRoutes(
	store *config.Store,
	providers *pool.Pool,
	resolver *models.Resolver,
	clients *upstream.Pool,
	reqlog *logs.Logger,
	logger *slog.Logger,
) *Routes {
	return &Routes{
		store:    store,
		pool:     providers,
		resolver: resolver,
		clients:  clients,
		reqlog:   reqlog,
		logger:   logger,
	}
}

// Register mounts the admin surface under /admin.
func (a *Routes) Register(r *router.Router) {
	r.GET("/admin/providers", a.guard(a.listProviders))
	r.POST("/admin/providers", a.guard(a.createProvider))
	r.PATCH("/admin/providers/{name}", a.guard(a.updateProvider))
	r.DELETE("/admin/providers/{name}", a.guard(a.deleteProvider))
	r.POST("/admin/providers/{name}/reset", a.guard(a.resetProvider))
	r.POST("/admin/providers/{name}/test", a.guard(a.testProvider))
	r.GET("/admin/preferences", a.guard(a.getPreferences))
	r.PUT("/admin/preferences", a.guard(a.putPreferences))
	r.GET("/admin/logs", a.guard(a.recentLogs))
}

func (a *Routes) guard(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		if !auth.Authorized(ctx, a.store.Snapshot().Doc.APIKey) {
			apierr.WriteInvalidKey(ctx)
			return
		}
		h(ctx)
	}
}

// ── wire shapes ──────────────────────────────────────────────────────────

// modelEntryJSON accepts the same two shapes the YAML form does: a bare
// pattern string or a single-key {alias: upstream-id} object.
type modelEntryJSON config.ModelEntry

func (e *modelEntryJSON) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		if s == "" {
			return fmt.Errorf("model entry must be a non-empty string")
		}
		e.Pattern = s
		return nil
	}
	var m map[string]string
	if err := json.Unmarshal(data, &m); err != nil {
		return fmt.Errorf("model entry must be a string or a single-key object")
	}
	if len(m) != 1 {
		return fmt.Errorf("model alias entry must have exactly one key")
	}
	for k, v := range m {
		if k == "" || v == "" {
			return fmt.Errorf("model alias entry must map a non-empty alias to a non-empty model id")
		}
		e.Pattern = k
		e.Upstream = v
	}
	return nil
}

func (e modelEntryJSON) MarshalJSON() ([]byte, error) {
	if e.Upstream == "" {
		return json.Marshal(e.Pattern)
	}
	return json.Marshal(map[string]string{e.Pattern: e.Upstream})
}

type providerBody struct {
	Provider       *string          `json:"provider"`
	BaseURL        *string          `json:"base_url"`
	APIKey         *string          `json:"api_key"`
	Priority       *int             `json:"priority"`
	Enabled        *bool            `json:"enabled"`
	ModelsEndpoint *string          `json:"models_endpoint"`
	Models         []modelEntryJSON `json:"model"`
}

type providerView struct {
	Provider       string           `json:"provider"`
	BaseURL        string           `json:"base_url"`
	APIKey         string           `json:"api_key"`
	Priority       int              `json:"priority"`
	Enabled        bool             `json:"enabled"`
	ModelsEndpoint string           `json:"models_endpoint"`
	Models         []modelEntryJSON `json:"model"`

	CoolingDown   bool   `json:"cooling_down"`
	CooldownUntil string `json:"cooldown_until,omitempty"`
	LastError     string `json:"last_error,omitempty"`
	LastTestMs    int64  `json:"last_test_ms,omitempty"`
}

type preferencesBody struct {
	ModelTimeout   *float64 `json:"model_timeout"`
	CooldownPeriod *float64 `json:"cooldown_period"`
	Proxy          *string  `json:"proxy"`
	RetryOn429     *bool    `json:"retry_on_429"`
}

// maskKey hides the credential body while leaving enough to recognize
// which key is configured.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "****" + key[len(key)-4:]
}

func (a *Routes) providerView(p *config.Provider, now time.Time) providerView {
	st := a.pool.State(p.Name)
	v := providerView{
		Provider:       p.Name,
		BaseURL:        p.BaseURL,
		APIKey:         maskKey(p.APIKey),
		Priority:       p.Priority,
		Enabled:        p.Enabled,
		ModelsEndpoint: p.NormalizedModelsEndpoint(),
		Models:         make([]modelEntryJSON, 0, len(p.Models)),
		CoolingDown:    st.CoolingDown(now),
		LastError:      st.LastError,
	}
	for _, m := range p.Models {
		v.Models = append(v.Models, modelEntryJSON(m))
	}
	if st.CoolingDown(now) {
		v.CooldownUntil = st.CooldownUntil.UTC().Format(time.RFC3339)
	}
	if st.LastTestLatency > 0 {
		v.LastTestMs = st.LastTestLatency.Milliseconds()
	}
	return v
}

// ── providers ────────────────────────────────────────────────────────────

func (a *Routes) listProviders(ctx *fasthttp.RequestCtx) {
	snap := a.store.Snapshot()
	now := time.Now()
	out := make([]providerView, 0, len(snap.Doc.Providers))
	for i := range snap.Doc.Providers {
		out = append(out, a.providerView(&snap.Doc.Providers[i], now))
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"data": out})
}

func (a *Routes) createProvider(ctx *fasthttp.RequestCtx) {
	var body providerBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}
	if body.Provider == nil || *body.Provider == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "provider name required")
		return
	}

	doc := a.store.Snapshot().Doc.Clone()
	if doc.Provider(*body.Provider) != nil {
		apierr.Write(ctx, fasthttp.StatusConflict, "provider already exists")
		return
	}

	p := config.Provider{Name: *body.Provider, Enabled: true}
	applyProviderBody(&p, &body)
	doc.Providers = append(doc.Providers, p)

	if err := a.store.Write(doc); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("provider added", "provider", p.Name)
	writeJSON(ctx, fasthttp.StatusCreated, a.providerView(doc.Provider(p.Name), time.Now()))
}

func (a *Routes) updateProvider(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	var body providerBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}

	doc := a.store.Snapshot().Doc.Clone()
	p := doc.Provider(name)
	if p == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found")
		return
	}
	applyProviderBody(p, &body)

	if err := a.store.Write(doc); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("provider updated", "provider", name)
	writeJSON(ctx, fasthttp.StatusOK, a.providerView(p, time.Now()))
}

func (a *Routes) deleteProvider(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)

	doc := a.store.Snapshot().Doc.Clone()
	if doc.Provider(name) == nil {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found")
		return
	}
	kept := doc.Providers[:0]
	for _, p := range doc.Providers {
		if p.Name != name {
			kept = append(kept, p)
		}
	}
	doc.Providers = kept

	if err := a.store.Write(doc); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("provider removed", "provider", name)
	ctx.SetStatusCode(fasthttp.StatusNoContent)
}

// resetProvider clears the provider's cooldown and discovered model
// cache so the next request tries it fresh.
func (a *Routes) resetProvider(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	snap := a.store.Snapshot()
	p, ok := snap.Provider(name)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found")
		return
	}
	a.pool.Reset(name)
	a.resolver.Forget(name)
	a.logger.Info("provider state reset", "provider", name)
	writeJSON(ctx, fasthttp.StatusOK, a.providerView(p, time.Now()))
}

// testProvider probes the provider's models endpoint with its own
// credential and records the result in the pool's runtime state.
func (a *Routes) testProvider(ctx *fasthttp.RequestCtx) {
	name := ctx.UserValue("name").(string)
	snap := a.store.Snapshot()
	p, ok := snap.Provider(name)
	if !ok {
		apierr.Write(ctx, fasthttp.StatusNotFound, "provider not found")
		return
	}

	req := fasthttp.AcquireRequest()
	defer fasthttp.ReleaseRequest(req)
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseResponse(resp)
	req.Header.SetMethod(fasthttp.MethodGet)
	req.SetRequestURI(p.NormalizedBaseURL() + p.NormalizedModelsEndpoint())
	req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+p.APIKey)

	start := time.Now()
	release, err := a.clients.DoWithDeadline(req, resp, start.Add(probeTimeout))
	latency := time.Since(start)
	if err != nil {
		a.pool.RecordProbe(name, latency, err)
		writeJSON(ctx, fasthttp.StatusOK, map[string]any{
			"ok":         false,
			"latency_ms": latency.Milliseconds(),
			"error":      "connection failed",
		})
		return
	}
	_, _ = upstream.ReadBody(resp)
	release()

	status := resp.StatusCode()
	ok = status >= 200 && status < 400
	var probeErr error
	if !ok {
		probeErr = fmt.Errorf("status %d", status)
	}
	a.pool.RecordProbe(name, latency, probeErr)
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"ok":         ok,
		"status":     status,
		"latency_ms": latency.Milliseconds(),
	})
}

// ── preferences ──────────────────────────────────────────────────────────

func (a *Routes) getPreferences(ctx *fasthttp.RequestCtx) {
	prefs := a.store.Snapshot().Doc.Preferences
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{
		"model_timeout":   prefs.ModelTimeout.Seconds(),
		"cooldown_period": prefs.CooldownPeriod.Seconds(),
		"proxy":           prefs.Proxy,
		"retry_on_429":    prefs.RetryOn429,
	})
}

func (a *Routes) putPreferences(ctx *fasthttp.RequestCtx) {
	var body preferencesBody
	if err := json.Unmarshal(ctx.PostBody(), &body); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, "invalid request body")
		return
	}

	doc := a.store.Snapshot().Doc.Clone()
	if body.ModelTimeout != nil {
		doc.Preferences.ModelTimeout = time.Duration(*body.ModelTimeout * float64(time.Second))
	}
	if body.CooldownPeriod != nil {
		doc.Preferences.CooldownPeriod = time.Duration(*body.CooldownPeriod * float64(time.Second))
	}
	if body.Proxy != nil {
		doc.Preferences.Proxy = *body.Proxy
	}
	if body.RetryOn429 != nil {
		doc.Preferences.RetryOn429 = *body.RetryOn429
	}

	if err := a.store.Write(doc); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest, err.Error())
		return
	}
	a.logger.Info("preferences updated")
	a.getPreferences(ctx)
}

// ── logs ─────────────────────────────────────────────────────────────────

func (a *Routes) recentLogs(ctx *fasthttp.RequestCtx) {
	limit := logs.RingCapacity
	if raw := ctx.QueryArgs().Peek("limit"); len(raw) > 0 {
		n, err := strconv.Atoi(string(raw))
		if err != nil || n <= 0 {
			apierr.Write(ctx, fasthttp.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = n
	}
	writeJSON(ctx, fasthttp.StatusOK, map[string]any{"data": a.reqlog.Recent(limit)})
}

func applyProviderBody(p *config.Provider, body *providerBody) {
	if body.BaseURL != nil {
		p.BaseURL = *body.BaseURL
	}
	if body.APIKey != nil {
		p.APIKey = *body.APIKey
	}
	if body.Priority != nil {
		p.Priority = *body.Priority
	}
	if body.Enabled != nil {
		p.Enabled = *body.Enabled
	}
	if body.ModelsEndpoint != nil {
		p.ModelsEndpoint = *body.ModelsEndpoint
	}
	if body.Models != nil {
		entries := make([]config.ModelEntry, 0, len(body.Models))
		for _, m := range body.Models {
			entries = append(entries, config.ModelEntry(m))
		}
		p.Models = entries
	}
}

func writeJSON(ctx *fasthttp.RequestCtx, status int, v any) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
