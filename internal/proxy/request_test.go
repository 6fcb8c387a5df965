package proxy

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func makeCtx(method, uri string, header map[string]string, body []byte) *fasthttp.RequestCtx {
	var req fasthttp.Request
	req.Header.SetMethod(method)
	req.SetRequestURI(uri)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	req.SetBody(body)

	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func TestExtractModel(t *testing.T) {
	cases := []struct {
		name string
		uri  string
		body string
		want string
	}{
		{"json body", "/v1/chat/completions", `{"model":"gpt-4o","messages":[]}`, "gpt-4o"},
		{"body wins over query", "/v1/chat/completions?model=other", `{"model":"gpt-4o"}`, "gpt-4o"},
		{"query param", "/v1/embeddings?model=text-embedding-3-small", "", "text-embedding-3-small"},
		{"gemini path", "/v1beta/models/gemini-1.5-pro:generateContent", `{"contents":[]}`, "gemini-1.5-pro"},
		{"gemini stream path", "/v1beta/models/gemini-1.5-flash:streamGenerateContent?alt=sse", "", "gemini-1.5-flash"},
		{"no model anywhere", "/v1/chat/completions", `{"messages":[]}`, ""},
		{"non-json body", "/v1/chat/completions", "model=gpt-4o", ""},
		{"openai path never implies a model", "/v1/models/gpt-4o", "", ""},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := makeCtx("POST", tc.uri, nil, []byte(tc.body))
			if got := extractModel(ctx, ctx.Request.Body()); got != tc.want {
				t.Fatalf("extractModel = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWantsStream(t *testing.T) {
	cases := []struct {
		name   string
		uri    string
		header map[string]string
		body   string
		want   bool
	}{
		{"plain request", "/v1/chat/completions", nil, `{"model":"m"}`, false},
		{"stream bool", "/v1/chat/completions", nil, `{"model":"m","stream":true}`, true},
		{"stream false", "/v1/chat/completions", nil, `{"model":"m","stream":false}`, false},
		{"streaming string yes", "/v1/chat/completions", nil, `{"streaming":"yes"}`, true},
		{"stream numeric", "/v1/chat/completions", nil, `{"stream":1}`, true},
		{"stream numeric zero", "/v1/chat/completions", nil, `{"stream":0}`, false},
		{"accept header", "/v1/messages", map[string]string{"Accept": "text/event-stream"}, `{"model":"m"}`, true},
		{"query param", "/v1beta/models/g:streamGenerateContent?stream=true", nil, "", true},
		{"query param on", "/v1/chat/completions?streaming=on", nil, "", true},
		{"query param garbage", "/v1/chat/completions?stream=maybe", nil, "", false},
		{"non-json body", "/v1/chat/completions", nil, "stream=true", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := makeCtx("POST", tc.uri, tc.header, []byte(tc.body))
			if got := wantsStream(ctx, ctx.Request.Body()); got != tc.want {
				t.Fatalf("wantsStream = %t, want %t", got, tc.want)
			}
		})
	}
}

func TestCallerScheme(t *testing.T) {
	cases := []struct {
		name   string
		header map[string]string
		want   string
	}{
		{"default bearer", nil, schemeBearer},
		{"authorization header", map[string]string{"Authorization": "Bearer k"}, schemeBearer},
		{"x-api-key", map[string]string{"X-API-Key": "k"}, schemeAPIKey},
		{"goog key", map[string]string{"x-goog-api-key": "k"}, schemeGoogKey},
		{"goog key wins over x-api-key", map[string]string{"x-goog-api-key": "k", "X-API-Key": "k"}, schemeGoogKey},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := makeCtx("POST", "/v1/x", tc.header, nil)
			if got := callerScheme(ctx); got != tc.want {
				t.Fatalf("callerScheme = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestRewriteModel(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{
			"rewrites and preserves siblings",
			`{"model":"my-claude","max_tokens":16}`,
			`{"max_tokens":16,"model":"claude-3-5-sonnet"}`,
		},
		{
			"nested model fields untouched",
			`{"model":"my-claude","metadata":{"model":"keep-me"}}`,
			`{"metadata":{"model":"keep-me"},"model":"claude-3-5-sonnet"}`,
		},
		{
			"no model field unchanged",
			`{"messages":[]}`,
			`{"messages":[]}`,
		},
		{
			"non-json unchanged",
			`not json`,
			`not json`,
		},
		{
			"empty unchanged",
			``,
			``,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := rewriteModel([]byte(tc.body), "claude-3-5-sonnet"); string(got) != tc.want {
				t.Fatalf("rewriteModel = %s, want %s", got, tc.want)
			}
		})
	}
}
