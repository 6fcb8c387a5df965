// Package proxy is the gateway's routing and forwarding engine: it
// authenticates the caller, determines the requested model, walks the
// candidate providers in order, forwards the request transparently with
// the upstream credential substituted, and streams the first successful
// response back unmodified.
package proxy

import (
	"bufio"
	"bytes"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/modelrelay/modelrelay/internal/auth"
	"github.com/modelrelay/modelrelay/internal/config"
	"github.com/modelrelay/modelrelay/internal/logs"
	"github.com/modelrelay/modelrelay/internal/metrics"
	"github.com/modelrelay/modelrelay/internal/models"
	"github.com/modelrelay/modelrelay/internal/pool"
	"github.com/modelrelay/modelrelay/internal/upstream"
	"github.com/modelrelay/modelrelay/pkg/apierr"
)

const streamCopyBuffer = 32 << 10

// Engine handles every non-admin inbound request.
type Engine struct {
	store    *config.Store
	clients  *upstream.Pool
	pool     *pool.Pool
	resolver *models.Resolver
	reqlog   *logs.Logger
	metrics  *metrics.Registry
	logger   *slog.Logger

	droppedSeen atomic.Int64
}

func NewEngine(
	store *config.Store,
	clients *upstream.Pool,
	providers *pool.Pool,
	resolver *models.Resolver,
	reqlog *logs.Logger,
	reg *metrics.Registry,
	logger *slog.Logger,
) *Engine {
	return &Engine{
		store:    store,
		clients:  clients,
		pool:     providers,
		resolver: resolver,
		reqlog:   reqlog,
		metrics:  reg,
		logger:   logger,
	}
}

// HandleProxy is the universal route: any method, any non-reserved path.
func (e *Engine) HandleProxy(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	snap := e.store.Snapshot()

	if !auth.Authorized(ctx, snap.Doc.APIKey) {
		apierr.WriteInvalidKey(ctx)
		return
	}

	path := string(ctx.Path())
	body := ctx.Request.Body()
	model := extractModel(ctx, body)

	rec := logs.Record{
		ID:       requestUUID(ctx),
		Endpoint: path,
		Model:    model,
	}

	if model == "" {
		apierr.WriteMissingModel(ctx)
		rec.Status = fasthttp.StatusBadRequest
		e.emit(rec, start)
		return
	}

	cands := e.pool.Candidates(snap, model)
	if len(cands) == 0 {
		apierr.WriteNoProvider(ctx)
		rec.Status = fasthttp.StatusServiceUnavailable
		e.emit(rec, start)
		e.logger.Info("no candidate for model",
			"request_id", rec.ID.String(),
			"model", model,
			"protocol", detectProtocol(path))
		return
	}

	prefs := snap.Doc.Preferences
	scheme := callerScheme(ctx)
	stream := wantsStream(ctx, body)

	var attempts []apierr.AttemptError
	for _, cand := range cands {
		if n := len(attempts); n > 0 {
			prev := attempts[n-1]
			e.metrics.RecordFailover(prev.Provider, cand.Provider.Name, prev.Reason)
		}
		done, reason := e.attempt(ctx, cand, prefs, scheme, body, model, stream, start, rec)
		if done {
			return
		}
		attempts = append(attempts, apierr.AttemptError{Provider: cand.Provider.Name, Reason: reason})
	}

	e.metrics.RecordFailoverExhausted(model)
	apierr.WriteExhausted(ctx, attempts)
	rec.Status = fasthttp.StatusBadGateway
	e.emit(rec, start)
	e.logger.Warn("all providers failed",
		"request_id", rec.ID.String(),
		"model", model,
		"attempts", len(attempts))
}

// attempt forwards the request to one candidate. It reports whether the
// caller request is finished; if not, the returned reason feeds the 502
// aggregation and the next candidate is tried.
func (e *Engine) attempt(
	ctx *fasthttp.RequestCtx,
	cand pool.Candidate,
	prefs config.Preferences,
	scheme string,
	body []byte,
	model string,
	wantStream bool,
	start time.Time,
	rec logs.Record,
) (bool, string) {
	name := cand.Provider.Name

	outBody := body
	outPath := string(ctx.Path())
	if cand.Effective != model {
		outBody = rewriteModel(body, cand.Effective)
		// For Gemini-shaped requests the model rides in the path, not the
		// body; rewrite the path segment so the upstream sees the
		// effective model there too.
		if modelFromJSON(body) == "" && geminiModelFromPath(outPath) == model {
			outPath = rewriteModelPath(outPath, cand.Effective)
		}
	}

	req := fasthttp.AcquireRequest()
	buildUpstreamRequest(req, ctx, cand.Provider, scheme, outPath, outBody)
	resp := fasthttp.AcquireResponse()

	attemptStart := time.Now()
	release, err := e.clients.Do(req, resp)
	fasthttp.ReleaseRequest(req)
	if err != nil {
		fasthttp.ReleaseResponse(resp)
		reason := errorReason(err)
		e.failProvider(name, reason, prefs)
		e.metrics.ObserveUpstreamAttempt(name, "error", time.Since(attemptStart))
		e.logger.Warn("upstream attempt failed",
			"request_id", rec.ID.String(),
			"provider", name,
			"reason", reason)
		return false, reason
	}

	status := resp.StatusCode()
	headLatency := time.Since(attemptStart)

	switch classifyStatus(status, prefs.RetryOn429) {
	case outcomeUpstreamFault:
		// Drain before release so the connection can be reused.
		_, _ = upstream.ReadBody(resp)
		release()
		fasthttp.ReleaseResponse(resp)
		reason := statusReason(status)
		e.failProvider(name, reason, prefs)
		e.metrics.ObserveUpstreamAttempt(name, "upstream_fault", headLatency)
		e.logger.Warn("upstream fault",
			"request_id", rec.ID.String(),
			"provider", name,
			"status", status)
		return false, reason

	case outcomeClientFault:
		respBody, readErr := upstream.ReadBody(resp)
		release()
		if readErr != nil {
			fasthttp.ReleaseResponse(resp)
			reason := errorReason(readErr)
			e.failProvider(name, reason, prefs)
			e.metrics.ObserveUpstreamAttempt(name, "error", headLatency)
			return false, reason
		}
		copyResponseHeaders(ctx, resp)
		fasthttp.ReleaseResponse(resp)
		ctx.SetBody(respBody)

		// The fault is the caller's; the provider answered fine.
		e.succeedProvider(name, headLatency)
		e.metrics.ObserveUpstreamAttempt(name, "client_fault", headLatency)
		e.metrics.RecordRequest(name, status)

		rec.Provider = name
		rec.EffectiveModel = cand.Effective
		rec.Status = status
		e.emit(rec, start)
		return true, ""
	}

	// Success: 2xx/3xx.
	streaming := wantStream || bytes.Contains(resp.Header.ContentType(), []byte("text/event-stream"))

	rec.Provider = name
	rec.EffectiveModel = cand.Effective
	rec.Status = status
	rec.Streaming = streaming

	if !streaming {
		respBody, readErr := upstream.ReadBody(resp)
		release()
		if readErr != nil {
			fasthttp.ReleaseResponse(resp)
			reason := errorReason(readErr)
			e.failProvider(name, reason, prefs)
			e.metrics.ObserveUpstreamAttempt(name, "error", headLatency)
			return false, reason
		}
		copyResponseHeaders(ctx, resp)
		fasthttp.ReleaseResponse(resp)
		ctx.SetBody(respBody)

		e.succeedProvider(name, headLatency)
		e.metrics.ObserveUpstreamAttempt(name, "success", headLatency)
		e.metrics.RecordRequest(name, status)

		usage := logs.ExtractUsage(respBody)
		rec.TokensIn = usage.Prompt
		rec.TokensOut = usage.Completion
		rec.TokensTotal = usage.Total
		e.metrics.AddTokens(name, usage.Prompt, usage.Completion)
		e.emit(rec, start)
		return true, ""
	}

	// Streaming: write the head now, then pipe body chunks to the caller
	// without accumulating them. The record is emitted when the stream
	// ends, carrying the first-byte latency.
	e.succeedProvider(name, headLatency)
	e.metrics.ObserveUpstreamAttempt(name, "success", headLatency)
	e.metrics.RecordRequest(name, status)
	e.metrics.RecordStreamedResponse()

	copyResponseHeaders(ctx, resp)
	bodyStream := resp.BodyStream()

	ctx.SetBodyStreamWriter(func(w *bufio.Writer) {
		defer func() {
			release()
			fasthttp.ReleaseResponse(resp)
			e.emit(rec, start)
		}()
		if bodyStream == nil {
			if b := resp.Body(); len(b) > 0 {
				rec.FirstTokenMs = time.Since(start).Milliseconds()
				w.Write(b) //nolint:errcheck
				w.Flush()  //nolint:errcheck
			}
			return
		}
		buf := make([]byte, streamCopyBuffer)
		sawFirst := false
		for {
			n, rerr := bodyStream.Read(buf)
			if n > 0 {
				if !sawFirst {
					sawFirst = true
					rec.FirstTokenMs = time.Since(start).Milliseconds()
				}
				if _, werr := w.Write(buf[:n]); werr != nil {
					// Caller went away; the provider is not at fault.
					return
				}
				if ferr := w.Flush(); ferr != nil {
					return
				}
			}
			if rerr != nil {
				return
			}
		}
	})
	return true, ""
}

func (e *Engine) failProvider(name, reason string, prefs config.Preferences) {
	e.pool.MarkFailure(name, reason, prefs.CooldownPeriod)
	e.metrics.RecordError(name, reason)
	if prefs.CooldownPeriod > 0 {
		e.metrics.SetProviderCooldown(name, true)
	}
}

func (e *Engine) succeedProvider(name string, latency time.Duration) {
	e.pool.MarkSuccess(name, latency)
	e.metrics.SetProviderCooldown(name, false)
}

func (e *Engine) emit(rec logs.Record, start time.Time) {
	rec.LatencyMs = time.Since(start).Milliseconds()
	rec.CreatedAt = time.Now().UTC()
	e.reqlog.Emit(rec)

	if total := e.reqlog.DroppedLogs(); total > 0 {
		prev := e.droppedSeen.Swap(total)
		if total > prev {
			e.metrics.AddDroppedLogs(float64(total - prev))
		}
	}
}

// requestUUID returns the middleware-assigned request id, or a fresh one
// when the header carried a non-UUID value.
func requestUUID(ctx *fasthttp.RequestCtx) uuid.UUID {
	if v, ok := ctx.UserValue("request_id").(string); ok {
		if id, err := uuid.Parse(v); err == nil {
			return id
		}
	}
	return uuid.New()
}
