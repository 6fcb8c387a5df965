// Package logs collects per-request records: a bounded in-memory ring
// for live inspection through the admin surface, plus a non-blocking
// batched pipeline to optional durable sinks. Records never contain
// request bodies or credentials.
package logs

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
)

// RingCapacity bounds the in-memory record ring.
const RingCapacity = 500

// Record is one finished caller request.
type Record struct {
	ID             uuid.UUID `json:"id"`
	Endpoint       string    `json:"endpoint"`
	Model          string    `json:"model"`
	EffectiveModel string    `json:"effective_model"`
	Provider       string    `json:"provider"`
	Streaming      bool      `json:"is_streaming"`
	Status         int       `json:"status"`
	LatencyMs      int64     `json:"latency_ms"`
	FirstTokenMs   int64     `json:"first_token_ms,omitempty"`
	TokensIn       int64     `json:"tokens_in"`
	TokensOut      int64     `json:"tokens_out"`
	TokensTotal    int64     `json:"tokens_total"`
	Translated     bool      `json:"translated"`
	CreatedAt      time.Time `json:"created_at"`
}

// Usage is the token accounting parsed from an upstream response body.
type Usage struct {
	Prompt     int64
	Completion int64
	Total      int64
}

// ExtractUsage pulls token counts from an upstream JSON response,
// understanding both the OpenAI usage object and Gemini usageMetadata.
// Non-JSON or unknown shapes yield zeros.
func ExtractUsage(body []byte) Usage {
	var p struct {
		Usage struct {
			PromptTokens     int64 `json:"prompt_tokens"`
			CompletionTokens int64 `json:"completion_tokens"`
			TotalTokens      int64 `json:"total_tokens"`
		} `json:"usage"`
		UsageMetadata struct {
			PromptTokenCount     int64 `json:"promptTokenCount"`
			CandidatesTokenCount int64 `json:"candidatesTokenCount"`
			TotalTokenCount      int64 `json:"totalTokenCount"`
		} `json:"usageMetadata"`
	}
	if err := json.Unmarshal(body, &p); err != nil {
		return Usage{}
	}
	if p.Usage.TotalTokens > 0 || p.Usage.PromptTokens > 0 || p.Usage.CompletionTokens > 0 {
		return Usage{
			Prompt:     p.Usage.PromptTokens,
			Completion: p.Usage.CompletionTokens,
			Total:      p.Usage.TotalTokens,
		}
	}
	return Usage{
		Prompt:     p.UsageMetadata.PromptTokenCount,
		Completion: p.UsageMetadata.CandidatesTokenCount,
		Total:      p.UsageMetadata.TotalTokenCount,
	}
}

// Ring is a fixed-capacity record buffer. Oldest records are overwritten.
type Ring struct {
	mu    sync.Mutex
	buf   []Record
	next  int
	count int
}

func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = RingCapacity
	}
	return &Ring{buf: make([]Record, capacity)}
}

// Push appends a record, evicting the oldest when full. O(1).
func (r *Ring) Push(rec Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = rec
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// Recent returns up to limit records, newest first. limit <= 0 means all.
func (r *Ring) Recent(limit int) []Record {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Record, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out[i] = r.buf[idx]
	}
	return out
}

// Len returns the number of stored records.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
