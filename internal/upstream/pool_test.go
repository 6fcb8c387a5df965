package upstream

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/modelrelay/modelrelay/internal/config"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func prefs(timeout time.Duration) config.Preferences {
	return config.Preferences{ModelTimeout: timeout, CooldownPeriod: 0, RetryOn429: true}
}

func TestDo_RoundTrip(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		w.Header().Set("X-Upstream", "yes")
		fmt.Fprintf(w, "echo:%s", body)
	}))
	defer srv.Close()

	p := NewPool(prefs(5*time.Second), testLogger())
	defer p.Close()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(srv.URL + "/v1/chat/completions")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetBodyString("hello")

	release, err := p.Do(req, resp)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer release()

	if resp.StatusCode() != fasthttp.StatusOK {
		t.Errorf("status = %d", resp.StatusCode())
	}
	if got := string(resp.Header.Peek("X-Upstream")); got != "yes" {
		t.Errorf("X-Upstream = %q", got)
	}
	body, err := io.ReadAll(resp.BodyStream())
	if err != nil {
		t.Fatalf("read body stream: %v", err)
	}
	if string(body) != "echo:hello" {
		t.Errorf("body = %q", body)
	}
}

func TestDo_DeadlineExceeded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer srv.Close()

	p := NewPool(prefs(50*time.Millisecond), testLogger())
	defer p.Close()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI(srv.URL + "/slow")

	if _, err := p.Do(req, resp); err == nil {
		t.Fatal("expected deadline error")
	}
}

func TestDo_ConnectionRefused(t *testing.T) {
	p := NewPool(prefs(time.Second), testLogger())
	defer p.Close()

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)
	req.SetRequestURI("http://127.0.0.1:1/nothing")

	if _, err := p.Do(req, resp); err == nil {
		t.Fatal("expected transport error")
	}
}

func TestReadBody_OutlivesResponse(t *testing.T) {
	resp := fasthttp.AcquireResponse()
	resp.SetBodyString("payload")

	body, err := ReadBody(resp)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}

	// The response's internal buffer is reused after release; the slice
	// ReadBody handed out must not see the new contents.
	resp.SetBodyString("clobber")
	fasthttp.ReleaseResponse(resp)

	if string(body) != "payload" {
		t.Errorf("body = %q, want %q", body, "payload")
	}
}

func TestApply_RebuildsOnChange(t *testing.T) {
	p := NewPool(prefs(2*time.Second), testLogger())
	defer p.Close()

	// No change: timeout stays.
	p.Apply(prefs(2 * time.Second))
	if got := p.Timeout(); got != 2*time.Second {
		t.Errorf("timeout = %v", got)
	}

	p.Apply(prefs(7 * time.Second))
	if got := p.Timeout(); got != 7*time.Second {
		t.Errorf("timeout after apply = %v", got)
	}

	pr := prefs(7 * time.Second)
	pr.Proxy = "http://proxy.test:3128"
	p.Apply(pr)
	if got := p.Timeout(); got != 7*time.Second {
		t.Errorf("timeout after proxy apply = %v", got)
	}
}

func TestApply_InFlightFinishesOnOldClient(t *testing.T) {
	started := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		fmt.Fprint(w, "late")
	}))
	defer srv.Close()

	p := NewPool(prefs(5*time.Second), testLogger())
	defer p.Close()

	done := make(chan string, 1)
	go func() {
		req := fasthttp.AcquireRequest()
		resp := fasthttp.AcquireResponse()
		defer fasthttp.ReleaseRequest(req)
		defer fasthttp.ReleaseResponse(resp)
		req.SetRequestURI(srv.URL + "/")
		release, err := p.Do(req, resp)
		if err != nil {
			done <- "error: " + err.Error()
			return
		}
		defer release()
		body, _ := io.ReadAll(resp.BodyStream())
		done <- string(body)
	}()

	<-started
	p.Apply(prefs(9 * time.Second))

	select {
	case got := <-done:
		if got != "late" {
			t.Errorf("in-flight request failed after swap: %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("in-flight request did not complete")
	}
}
