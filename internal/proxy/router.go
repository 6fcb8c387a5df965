package proxy

import (
	"encoding/json"
	"net"
	"time"

	"github.com/fasthttp/router"
	"github.com/valyala/fasthttp"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/pkg/apierr"
)

// Registrar mounts extra routes (the admin surface) on the router.
type Registrar interface {
	Register(r *router.Router)
}

// Server assembles the HTTP surface: reserved routes (health, metrics,
// catalog, admin) plus the universal proxy handler for everything else.
type Server struct {
	engine  *Engine
	version string
	srv     *fasthttp.Server
}

// NewServer wires the engine and optional extra routes into a fasthttp
// server. metricsHandler serves the Prometheus exposition; admin may be
// nil.
func NewServer(engine *Engine, version string, metricsHandler fasthttp.RequestHandler, admin Registrar) *Server {
	s := &Server{engine: engine, version: version}

	r := router.New()
	// Transparency: never rewrite or redirect proxied paths.
	r.RedirectTrailingSlash = false
	r.RedirectFixedPath = false
	r.HandleMethodNotAllowed = false

	r.GET("/health", s.handleHealth)
	r.GET("/v1/models", s.handleCatalog)
	if metricsHandler != nil {
		r.GET("/metrics", s.guarded(metricsHandler))
	}
	if admin != nil {
		admin.Register(r)
	}
	// Everything unmatched is a proxy candidate, any method.
	r.NotFound = engine.HandleProxy

	handler := applyMiddleware(r.Handler,
		recovery,
		requestID,
		timing,
		observe(engine.metrics),
	)

	s.srv = &fasthttp.Server{
		Handler:     handler,
		Name:        "modelrelay",
		ReadTimeout: 60 * time.Second,
		// No WriteTimeout: streamed responses are open-ended.
		IdleTimeout:        2 * time.Minute,
		StreamRequestBody:  false,
		MaxRequestBodySize: 100 << 20,
	}
	return s
}

// Handler exposes the fully wrapped handler (used by tests).
func (s *Server) Handler() fasthttp.RequestHandler {
	return s.srv.Handler
}

// ListenAndServe blocks serving on addr.
func (s *Server) ListenAndServe(addr string) error {
	return s.srv.ListenAndServe(addr)
}

// Serve blocks serving on an existing listener.
func (s *Server) Serve(ln net.Listener) error {
	return s.srv.Serve(ln)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.srv.Shutdown()
}

// guarded wraps a handler with the admission check.
func (s *Server) guarded(h fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		snap := s.engine.store.Snapshot()
		if !auth.Authorized(ctx, snap.Doc.APIKey) {
			apierr.WriteInvalidKey(ctx)
			return
		}
		h(ctx)
	}
}

// handleCatalog serves GET /v1/models: the aggregated model list across
// enabled providers, wildcard patterns excluded. Cooldown does not hide
// a provider's models here.
func (s *Server) handleCatalog(ctx *fasthttp.RequestCtx) {
	e := s.engine
	snap := e.store.Snapshot()
	if !auth.Authorized(ctx, snap.Doc.APIKey) {
		apierr.WriteInvalidKey(ctx)
		return
	}
	entries := e.resolver.Catalog(snap)
	writeJSON(ctx, map[string]any{"data": entries})
}

// handleHealth is unauthenticated: liveness plus per-provider eligibility.
func (s *Server) handleHealth(ctx *fasthttp.RequestCtx) {
	e := s.engine
	snap := e.store.Snapshot()
	now := time.Now()

	type providerHealth struct {
		Name     string `json:"name"`
		Enabled  bool   `json:"enabled"`
		Eligible bool   `json:"eligible"`
	}
	providers := make([]providerHealth, 0, len(snap.Doc.Providers))
	for i := range snap.Doc.Providers {
		p := &snap.Doc.Providers[i]
		st := e.pool.State(p.Name)
		providers = append(providers, providerHealth{
			Name:     p.Name,
			Enabled:  p.Enabled,
			Eligible: p.Enabled && !st.CoolingDown(now),
		})
	}
	writeJSON(ctx, map[string]any{
		"status":    "ok",
		"version":   s.version,
		"providers": providers,
	})
}

func writeJSON(ctx *fasthttp.RequestCtx, v any) {
	ctx.SetContentType("application/json")
	data, _ := json.Marshal(v)
	ctx.SetBody(data)
}
