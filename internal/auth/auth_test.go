package auth

import (
	"testing"

	"github.com/valyala/fasthttp"
)

func request(headers map[string]string) *fasthttp.RequestCtx {
	ctx := &fasthttp.RequestCtx{}
	for k, v := range headers {
		ctx.Request.Header.Set(k, v)
	}
	return ctx
}

func TestAuthorized(t *testing.T) {
	cases := []struct {
		name    string
		headers map[string]string
		want    bool
	}{
		{"x-api-key match", map[string]string{"X-API-Key": "secret"}, true},
		{"x-api-key mismatch", map[string]string{"X-API-Key": "wrong"}, false},
		{"bearer match", map[string]string{"Authorization": "Bearer secret"}, true},
		{"bearer case-insensitive scheme", map[string]string{"Authorization": "bearer secret"}, true},
		{"bearer mismatch", map[string]string{"Authorization": "Bearer wrong"}, false},
		{"basic scheme rejected", map[string]string{"Authorization": "Basic secret"}, false},
		{"bare authorization match", map[string]string{"Authorization": "secret"}, true},
		{"bare authorization mismatch", map[string]string{"Authorization": "wrong"}, false},
		{"goog-api-key match", map[string]string{"x-goog-api-key": "secret"}, true},
		{"goog-api-key mismatch", map[string]string{"x-goog-api-key": "wrong"}, false},
		{"no credential", nil, false},
		// Authorization wins when both are present; a wrong one is not
		// rescued by a valid X-API-Key.
		{"authorization takes precedence", map[string]string{"Authorization": "Bearer wrong", "X-API-Key": "secret"}, false},
		{"x-api-key ignored beside valid bearer", map[string]string{"X-API-Key": "wrong", "Authorization": "Bearer secret"}, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := Authorized(request(tc.headers), "secret"); got != tc.want {
				t.Errorf("Authorized = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestAuthorized_EmptyLocalKey(t *testing.T) {
	if Authorized(request(map[string]string{"X-API-Key": ""}), "") {
		t.Error("empty configured key must never authorize")
	}
}
