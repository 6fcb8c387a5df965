// Package apierr owns the JSON error envelope the gateway returns for
// failures it generates itself. Upstream provider errors are forwarded
// verbatim and never pass through this package.
package apierr

import (
	"encoding/json"

	"github.com/valyala/fasthttp"
)

// AttemptError describes one failed upstream attempt inside an
// exhaustion response.
type AttemptError struct {
	Provider string `json:"provider"`
	Reason   string `json:"reason"`
}

type (
	detailEnvelope struct {
		Detail string `json:"detail"`
	}
	exhaustionEnvelope struct {
		Detail string         `json:"detail"`
		Errors []AttemptError `json:"errors"`
	}
)

// Write writes {"detail": msg} with the given HTTP status.
func Write(ctx *fasthttp.RequestCtx, status int, msg string) {
	ctx.SetStatusCode(status)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(detailEnvelope{Detail: msg})
	ctx.SetBody(body)
}

// WriteInvalidKey writes the 401 admission failure body.
func WriteInvalidKey(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusUnauthorized, "invalid api key")
}

// WriteMissingModel writes the 400 for requests whose model cannot be
// determined from body, query, or path.
func WriteMissingModel(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusBadRequest, "model field required")
}

// WriteNoProvider writes the 503 for models no eligible provider serves.
func WriteNoProvider(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusServiceUnavailable, "no provider available for model")
}

// WriteExhausted writes the 502 emitted after every candidate failed,
// carrying one entry per failed attempt in order.
func WriteExhausted(ctx *fasthttp.RequestCtx, attempts []AttemptError) {
	ctx.SetStatusCode(fasthttp.StatusBadGateway)
	ctx.SetContentType("application/json")
	body, _ := json.Marshal(exhaustionEnvelope{
		Detail: "all providers failed",
		Errors: attempts,
	})
	ctx.SetBody(body)
}

// WriteInternal writes a generic 500. The message is fixed so handler
// panics never leak internals to callers.
func WriteInternal(ctx *fasthttp.RequestCtx) {
	Write(ctx, fasthttp.StatusInternalServerError, "internal server error")
}
