package proxy

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/valyala/fasthttp"
)

// outcome classifies one upstream attempt.
type outcome int

const (
	// outcomeSuccess: 2xx/3xx; forward and stop.
	outcomeSuccess outcome = iota
	// outcomeClientFault: 4xx (except a retryable 429); forward verbatim
	// and stop, no cooldown.
	outcomeClientFault
	// outcomeUpstreamFault: 5xx or retryable 429; cool down and try the
	// next candidate.
	outcomeUpstreamFault
)

// classifyStatus maps an upstream status code to an outcome. retryOn429
// is the preferences knob: when set, a 429 counts as an upstream fault.
func classifyStatus(status int, retryOn429 bool) outcome {
	switch {
	case status >= 200 && status < 400:
		return outcomeSuccess
	case status == fasthttp.StatusTooManyRequests && retryOn429:
		return outcomeUpstreamFault
	case status >= 400 && status < 500:
		return outcomeClientFault
	default:
		return outcomeUpstreamFault
	}
}

// statusReason renders a failed status for cooldown records and the 502
// aggregation body, e.g. "http_503".
func statusReason(status int) string {
	return fmt.Sprintf("http_%d", status)
}

// errorReason renders a transport-level failure. Timeouts collapse to
// "timeout"; other failures keep a coarse class so reasons never carry
// addresses or credentials.
func errorReason(err error) string {
	if err == nil {
		return "unknown"
	}
	if errors.Is(err, fasthttp.ErrTimeout) || errors.Is(err, fasthttp.ErrDialTimeout) || errors.Is(err, os.ErrDeadlineExceeded) {
		return "timeout"
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, "timeout") || strings.Contains(msg, "deadline"):
		return "timeout"
	case strings.Contains(msg, "connection refused"):
		return "connection_refused"
	case strings.Contains(msg, "no such host"):
		return "dns_error"
	case strings.Contains(msg, "tls") || strings.Contains(msg, "certificate"):
		return "tls_error"
	case strings.Contains(msg, "connection reset") || strings.Contains(msg, "broken pipe") || errors.Is(err, fasthttp.ErrConnectionClosed):
		return "connection_reset"
	default:
		return "transport_error"
	}
}
