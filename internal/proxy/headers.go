package proxy

import (
	"strings"

	"github.com/valyala/fasthttp"

	"github.com/modelrelay/modelrelay/internal/config"
)

// hopByHop headers are connection-scoped and never forwarded in either
// direction.
var hopByHop = map[string]bool{
	"connection":          true,
	"keep-alive":          true,
	"proxy-authenticate":  true,
	"proxy-authorization": true,
	"te":                  true,
	"trailers":            true,
	"transfer-encoding":   true,
	"upgrade":             true,
}

// credentialHeaders carry the caller's admission key; they are stripped
// and replaced with the upstream credential.
var credentialHeaders = map[string]bool{
	"authorization":  true,
	"x-api-key":      true,
	"x-goog-api-key": true,
}

// buildUpstreamRequest populates req as the outbound form of the inbound
// request: target rewritten to the provider origin, hop-by-hop and
// credential headers scrubbed, the upstream key injected with the
// caller's scheme, and the (possibly alias-rewritten) body attached.
// path is the outbound request path; it may differ from ctx.Path() when
// an alias in a Gemini-shaped path was rewritten to its effective model.
func buildUpstreamRequest(req *fasthttp.Request, ctx *fasthttp.RequestCtx, p *config.Provider, scheme, path string, body []byte) {
	req.Header.SetMethodBytes(ctx.Method())

	target := p.NormalizedBaseURL() + path
	if qs := ctx.URI().QueryString(); len(qs) > 0 {
		target += "?" + string(qs)
	}
	req.SetRequestURI(target)

	ctx.Request.Header.VisitAll(func(k, v []byte) {
		key := strings.ToLower(string(k))
		if hopByHop[key] || credentialHeaders[key] || key == "host" || key == "content-length" {
			return
		}
		req.Header.AddBytesKV(k, v)
	})

	switch scheme {
	case schemeAPIKey:
		req.Header.Set("X-API-Key", p.APIKey)
	case schemeGoogKey:
		req.Header.Set("x-goog-api-key", p.APIKey)
	default:
		req.Header.Set(fasthttp.HeaderAuthorization, "Bearer "+p.APIKey)
	}

	if len(body) > 0 {
		req.SetBody(body)
	}
}

// copyResponseHeaders forwards the upstream response status and headers
// to the caller. Hop-by-hop headers are dropped; framing headers
// (Content-Length, Transfer-Encoding) are left to the local server,
// which re-emits them based on how the body is re-sent.
func copyResponseHeaders(ctx *fasthttp.RequestCtx, resp *fasthttp.Response) {
	ctx.SetStatusCode(resp.StatusCode())
	resp.Header.VisitAll(func(k, v []byte) {
		key := strings.ToLower(string(k))
		if hopByHop[key] || key == "content-length" {
			return
		}
		ctx.Response.Header.SetBytesKV(k, v)
	})
}
