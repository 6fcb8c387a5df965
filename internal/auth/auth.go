// Package auth checks the caller's admission credential.
package auth

import (
	"crypto/subtle"
	"strings"

	"github.com/valyala/fasthttp"
)

// Authorized reports whether the request carries the local admission key
// in any of the schemes callers use: "Authorization: Bearer <key>" (a
// bare Authorization value is accepted too), "X-API-Key: <key>", or
// "x-goog-api-key: <key>". An Authorization header, when present, is
// authoritative; the other headers are consulted only without one. The
// comparison is constant-time. The admission key is never forwarded
// upstream; the proxy engine strips all three headers before forwarding.
func Authorized(ctx *fasthttp.RequestCtx, localKey string) bool {
	if localKey == "" {
		return false
	}
	if a := string(ctx.Request.Header.Peek(fasthttp.HeaderAuthorization)); a != "" {
		if token, ok := bearerToken(a); ok {
			return equal(token, localKey)
		}
		return equal(strings.TrimSpace(a), localKey)
	}
	if k := ctx.Request.Header.Peek("X-API-Key"); len(k) > 0 {
		return equal(string(k), localKey)
	}
	if k := ctx.Request.Header.Peek("x-goog-api-key"); len(k) > 0 {
		return equal(string(k), localKey)
	}
	return false
}

func bearerToken(header string) (string, bool) {
	const prefix = "Bearer "
	if len(header) <= len(prefix) || !strings.EqualFold(header[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(header[len(prefix):]), true
}

func equal(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
