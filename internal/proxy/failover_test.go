package proxy

import (
	"errors"
	"testing"

	"github.com/valyala/fasthttp"
)

func TestClassifyStatus(t *testing.T) {
	cases := []struct {
		status     int
		retryOn429 bool
		want       outcome
	}{
		{200, true, outcomeSuccess},
		{201, true, outcomeSuccess},
		{302, true, outcomeSuccess},
		{400, true, outcomeClientFault},
		{401, true, outcomeClientFault},
		{404, true, outcomeClientFault},
		{418, true, outcomeClientFault},
		{429, true, outcomeUpstreamFault},
		{429, false, outcomeClientFault},
		{500, true, outcomeUpstreamFault},
		{502, true, outcomeUpstreamFault},
		{503, false, outcomeUpstreamFault},
	}
	for _, tc := range cases {
		if got := classifyStatus(tc.status, tc.retryOn429); got != tc.want {
			t.Errorf("classifyStatus(%d, %t) = %d, want %d", tc.status, tc.retryOn429, got, tc.want)
		}
	}
}

func TestStatusReason(t *testing.T) {
	if got := statusReason(503); got != "http_503" {
		t.Fatalf("statusReason = %q", got)
	}
}

func TestErrorReason(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, "unknown"},
		{"fasthttp timeout", fasthttp.ErrTimeout, "timeout"},
		{"dial timeout", fasthttp.ErrDialTimeout, "timeout"},
		{"deadline text", errors.New("read tcp: i/o timeout"), "timeout"},
		{"refused", errors.New("dial tcp 127.0.0.1:9: connect: connection refused"), "connection_refused"},
		{"dns", errors.New("dial tcp: lookup nope.invalid: no such host"), "dns_error"},
		{"tls", errors.New("tls: failed to verify certificate"), "tls_error"},
		{"reset", errors.New("read tcp: connection reset by peer"), "connection_reset"},
		{"closed", fasthttp.ErrConnectionClosed, "connection_reset"},
		{"other", errors.New("weird failure"), "transport_error"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := errorReason(tc.err); got != tc.want {
				t.Fatalf("errorReason(%v) = %q, want %q", tc.err, got, tc.want)
			}
		})
	}
}
