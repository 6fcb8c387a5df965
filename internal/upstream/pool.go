// Package upstream owns the outbound HTTP transport: pooled connections,
// per-attempt deadlines, streaming response bodies, and the optional
// global HTTP proxy. The pool is rebuilt when preferences change; requests
// already in flight finish on the client they started on.
package upstream

import (
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpproxy"

	"github.com/modelrelay/modelrelay/internal/config"
)

const (
	dialTimeout     = 10 * time.Second
	maxConnsPerHost = 512
)

// Pool hands out the current outbound client. Safe for concurrent use.
type Pool struct {
	logger *slog.Logger
	cur    atomic.Pointer[client]
}

// client pins one transport configuration. inflight counts attempts that
// started on it, including response bodies still being streamed, so a
// superseded client is only torn down after its last byte is read.
type client struct {
	fc       *fasthttp.Client
	timeout  time.Duration
	proxy    string
	inflight sync.WaitGroup
}

// NewPool builds a pool from the initial preferences.
func NewPool(prefs config.Preferences, logger *slog.Logger) *Pool {
	p := &Pool{logger: logger}
	p.cur.Store(build(prefs))
	return p
}

// Timeout returns the per-attempt deadline currently in effect.
func (p *Pool) Timeout() time.Duration {
	return p.cur.Load().timeout
}

// Apply swaps in a new client when the proxy or timeout changed. The old
// client keeps serving its in-flight attempts and is closed after the
// last one completes.
func (p *Pool) Apply(prefs config.Preferences) {
	old := p.cur.Load()
	if old.timeout == prefs.ModelTimeout && old.proxy == prefs.Proxy {
		return
	}
	next := build(prefs)
	p.cur.Store(next)
	retire(old)
	p.logger.Info("upstream client rebuilt",
		"timeout", prefs.ModelTimeout,
		"proxy_set", prefs.Proxy != "")
}

// Do issues req with the per-attempt deadline. The deadline bounds the
// time to the response head; body streaming afterwards is paced by the
// caller. The returned release function must be called once resp and its
// body stream are fully consumed.
func (p *Pool) Do(req *fasthttp.Request, resp *fasthttp.Response) (release func(), err error) {
	c := p.cur.Load()
	c.inflight.Add(1)
	rel := func() { c.inflight.Done() }
	if err := c.fc.DoDeadline(req, resp, time.Now().Add(c.timeout)); err != nil {
		rel()
		return nil, err
	}
	return rel, nil
}

// DoWithDeadline is Do with an explicit deadline, used by admin probes.
func (p *Pool) DoWithDeadline(req *fasthttp.Request, resp *fasthttp.Response, deadline time.Time) (release func(), err error) {
	c := p.cur.Load()
	c.inflight.Add(1)
	rel := func() { c.inflight.Done() }
	if err := c.fc.DoDeadline(req, resp, deadline); err != nil {
		rel()
		return nil, err
	}
	return rel, nil
}

// Close retires the current client. Call once on shutdown.
func (p *Pool) Close() {
	retire(p.cur.Load())
}

// ReadBody drains resp whether or not the body arrived in stream mode.
// The returned slice is always owned by the caller; resp.Body() aliases a
// buffer that is reused once the response is released.
func ReadBody(resp *fasthttp.Response) ([]byte, error) {
	if bs := resp.BodyStream(); bs != nil {
		return io.ReadAll(bs)
	}
	return append([]byte(nil), resp.Body()...), nil
}

func build(prefs config.Preferences) *client {
	fc := &fasthttp.Client{
		Name:                     "modelrelay",
		NoDefaultUserAgentHeader: true,
		StreamResponseBody:       true,
		MaxConnsPerHost:          maxConnsPerHost,
	}
	if prefs.Proxy != "" {
		fc.Dial = fasthttpproxy.FasthttpHTTPDialerTimeout(prefs.Proxy, dialTimeout)
	}
	return &client{
		fc:      fc,
		timeout: prefs.ModelTimeout,
		proxy:   prefs.Proxy,
	}
}

func retire(c *client) {
	go func() {
		c.inflight.Wait()
		c.fc.CloseIdleConnections()
	}()
}
