package logs

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
)

func testLogger(t *testing.T, sinks ...Sink) *Logger {
	t.Helper()
	l, err := New(context.Background(), slog.New(slog.NewTextHandler(io.Discard, nil)), sinks...)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	return l
}

func TestRing_PushAndRecent(t *testing.T) {
	r := NewRing(3)
	for i := 1; i <= 5; i++ {
		r.Push(Record{Status: i})
	}
	if r.Len() != 3 {
		t.Errorf("len = %d, want 3", r.Len())
	}
	got := r.Recent(0)
	want := []int{5, 4, 3} // newest first, oldest two evicted
	if len(got) != len(want) {
		t.Fatalf("recent = %d records", len(got))
	}
	for i, w := range want {
		if got[i].Status != w {
			t.Errorf("recent[%d].Status = %d, want %d", i, got[i].Status, w)
		}
	}

	limited := r.Recent(2)
	if len(limited) != 2 || limited[0].Status != 5 || limited[1].Status != 4 {
		t.Errorf("limited recent wrong: %+v", limited)
	}
}

func TestRing_Concurrent(t *testing.T) {
	r := NewRing(100)
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				r.Push(Record{Status: 200})
				r.Recent(10)
			}
		}()
	}
	wg.Wait()
	if r.Len() != 100 {
		t.Errorf("len = %d, want 100", r.Len())
	}
}

func TestExtractUsage(t *testing.T) {
	cases := []struct {
		name string
		body string
		want Usage
	}{
		{
			name: "openai",
			body: `{"id":"x","usage":{"prompt_tokens":12,"completion_tokens":34,"total_tokens":46}}`,
			want: Usage{Prompt: 12, Completion: 34, Total: 46},
		},
		{
			name: "gemini",
			body: `{"usageMetadata":{"promptTokenCount":7,"candidatesTokenCount":9,"totalTokenCount":16}}`,
			want: Usage{Prompt: 7, Completion: 9, Total: 16},
		},
		{
			name: "no usage",
			body: `{"choices":[]}`,
			want: Usage{},
		},
		{
			name: "not json",
			body: `data: [DONE]`,
			want: Usage{},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := ExtractUsage([]byte(tc.body)); got != tc.want {
				t.Errorf("ExtractUsage = %+v, want %+v", got, tc.want)
			}
		})
	}
}

type captureSink struct {
	mu      sync.Mutex
	records []Record
	closed  bool
}

func (c *captureSink) Write(_ context.Context, batch []Record) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append(c.records, batch...)
	return nil
}

func (c *captureSink) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *captureSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.records)
}

func TestLogger_EmitReachesRingImmediately(t *testing.T) {
	l := testLogger(t)
	defer l.Close()

	rec := Record{ID: uuid.New(), Endpoint: "/v1/chat/completions", Status: 200}
	l.Emit(rec)

	got := l.Recent(1)
	if len(got) != 1 || got[0].ID != rec.ID {
		t.Fatalf("ring miss: %+v", got)
	}
	if got[0].CreatedAt.IsZero() {
		t.Error("created_at must be stamped")
	}
}

func TestLogger_SinkReceivesBatches(t *testing.T) {
	sink := &captureSink{}
	l := testLogger(t, sink)

	for i := 0; i < 250; i++ {
		l.Emit(Record{ID: uuid.New(), Status: 200})
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := sink.count(); got != 250 {
		t.Errorf("sink received %d records, want 250", got)
	}
	if !sink.closed {
		t.Error("sink not closed")
	}
	if l.DroppedLogs() != 0 {
		t.Errorf("dropped = %d", l.DroppedLogs())
	}
}

func TestLogger_PeriodicFlush(t *testing.T) {
	sink := &captureSink{}
	l := testLogger(t, sink)
	defer l.Close()

	l.Emit(Record{ID: uuid.New(), Status: 200})

	deadline := time.After(3 * time.Second)
	for sink.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("sink never flushed")
		case <-time.After(50 * time.Millisecond):
		}
	}
}

func TestLogger_CloseIdempotent(t *testing.T) {
	l := testLogger(t)
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := l.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func BenchmarkRingPush(b *testing.B) {
	r := NewRing(RingCapacity)
	rec := Record{ID: uuid.New(), Endpoint: "/v1/chat/completions", Status: 200}
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.Push(rec)
	}
	_ = fmt.Sprint(r.Len())
}
