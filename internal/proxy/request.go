package proxy

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/valyala/fasthttp"
)

// Credential schemes a caller can present. The upstream credential is
// injected using the same scheme, so provider SDKs pointed at the gateway
// keep working unmodified.
const (
	schemeBearer  = "bearer"
	schemeAPIKey  = "x-api-key"
	schemeGoogKey = "x-goog-api-key"
)

// extractModel determines the requested model: top-level "model" in a
// JSON body, then the "model" query parameter, then (for Gemini-shaped
// paths) the path segment.
func extractModel(ctx *fasthttp.RequestCtx, body []byte) string {
	if m := modelFromJSON(body); m != "" {
		return m
	}
	if m := string(ctx.QueryArgs().Peek("model")); m != "" {
		return m
	}
	if detectProtocol(string(ctx.Path())) == protoGemini {
		return geminiModelFromPath(string(ctx.Path()))
	}
	return ""
}

func modelFromJSON(body []byte) string {
	if len(body) == 0 {
		return ""
	}
	var probe struct {
		Model string `json:"model"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}
	return probe.Model
}

// wantsStream reports whether the caller asked for a streamed response:
// an SSE Accept header, a truthy stream/streaming body field, or a truthy
// stream/streaming query parameter. The upstream response can still force
// streaming on later via its Content-Type.
func wantsStream(ctx *fasthttp.RequestCtx, body []byte) bool {
	if bytes.Contains(ctx.Request.Header.Peek(fasthttp.HeaderAccept), []byte("text/event-stream")) {
		return true
	}
	if len(body) > 0 {
		var probe struct {
			Stream    any `json:"stream"`
			Streaming any `json:"streaming"`
		}
		if err := json.Unmarshal(body, &probe); err == nil {
			if truthy(probe.Stream) || truthy(probe.Streaming) {
				return true
			}
		}
	}
	if truthyParam(ctx.QueryArgs().Peek("stream")) || truthyParam(ctx.QueryArgs().Peek("streaming")) {
		return true
	}
	return false
}

func truthy(v any) bool {
	switch t := v.(type) {
	case bool:
		return t
	case string:
		return truthyParam([]byte(t))
	case float64:
		return t != 0
	default:
		return false
	}
}

func truthyParam(v []byte) bool {
	switch strings.ToLower(string(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

// callerScheme returns the credential scheme the caller used, defaulting
// to bearer when none of the known headers are present.
func callerScheme(ctx *fasthttp.RequestCtx) string {
	h := &ctx.Request.Header
	if len(h.Peek("x-goog-api-key")) > 0 {
		return schemeGoogKey
	}
	if len(h.Peek("X-API-Key")) > 0 {
		return schemeAPIKey
	}
	return schemeBearer
}

// rewriteModel replaces the top-level "model" field of a JSON object body
// with newModel, leaving every other field's bytes untouched (keys are
// re-emitted in sorted order). Non-JSON bodies and bodies without a model
// field are returned unchanged.
func rewriteModel(body []byte, newModel string) []byte {
	if len(body) == 0 {
		return body
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return body
	}
	if _, ok := fields["model"]; !ok {
		return body
	}
	model, err := json.Marshal(newModel)
	if err != nil {
		return body
	}
	fields["model"] = model
	out, err := json.Marshal(fields)
	if err != nil {
		return body
	}
	return out
}
