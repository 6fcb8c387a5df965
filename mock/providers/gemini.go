package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"net/http"
	"strings"
)

// newGeminiHandler returns an http.Handler simulating the Google Gemini API:
//
//	POST {base}/models/{model}:generateContent
//	POST {base}/models/{model}:streamGenerateContent[?alt=sse]
//	POST {base}/models/{model}:embedContent
//	GET  {base}/models           (list models, used for discovery)
//
// The model name comes from the path; responses echo it back in
// modelVersion so a gateway in front can be checked for transparency.
func newGeminiHandler(cfg Config) http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/v1beta/models/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeGeminiError(w, http.StatusMethodNotAllowed, "method not allowed")
			return
		}
		path := r.URL.Path // e.g. /v1beta/models/gemini-1.5-pro:generateContent
		model, op := splitGeminiPath(path)
		if model == "" {
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: no model in path %s", path))
			return
		}
		applyLatency(cfg)

		switch op {
		case "generateContent", "streamGenerateContent":
			if shouldError(cfg) {
				writeGeminiError(w, http.StatusInternalServerError, "mock internal error")
				return
			}
			sse := r.URL.Query().Get("alt") == "sse"
			serveGeminiGenerate(w, cfg, model, op == "streamGenerateContent", sse)

		case "embedContent":
			writeJSON(w, http.StatusOK, map[string]any{
				"embedding": map[string]any{"values": fakeEmbedding(768)},
			})

		case "countTokens":
			writeJSON(w, http.StatusOK, map[string]int{"totalTokens": 10})

		default:
			writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown operation %q", op))
		}
	})

	// GET /v1beta/models serves model discovery. Names carry the
	// "models/" prefix the way the real API returns them.
	mux.HandleFunc("/v1beta/models", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{
			"models": []map[string]any{
				{
					"name":        "models/gemini-1.5-pro",
					"displayName": "Gemini 1.5 Pro",
					"description": "Mock Gemini 1.5 Pro",
				},
				{
					"name":        "models/gemini-2.0-flash",
					"displayName": "Gemini 2.0 Flash",
					"description": "Mock Gemini 2.0 Flash",
				},
			},
		})
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeGeminiError(w, http.StatusNotFound, fmt.Sprintf("mock: unknown path %s", r.URL.Path))
	})

	return mux
}

func serveGeminiGenerate(w http.ResponseWriter, cfg Config, model string, stream, sse bool) {
	words := strings.Fields(fakeSentence(cfg.StreamWords))
	inTokens := 10

	frame := func(text string, outTokens int, finish bool) map[string]any {
		candidate := map[string]any{
			"content": map[string]any{
				"role":  "model",
				"parts": []map[string]string{{"text": text}},
			},
			"index": 0,
		}
		if finish {
			candidate["finishReason"] = "STOP"
		}
		return map[string]any{
			"candidates": []any{candidate},
			"usageMetadata": map[string]int{
				"promptTokenCount":     inTokens,
				"candidatesTokenCount": outTokens,
				"totalTokenCount":      inTokens + outTokens,
			},
			"responseId":   fmt.Sprintf("gemini-%x", rand.Int64()),
			"modelVersion": model,
		}
	}

	if !stream {
		writeJSON(w, http.StatusOK, frame(strings.Join(words, " "), len(words), true))
		return
	}

	if sse {
		// streamGenerateContent?alt=sse: one SSE data frame per chunk.
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, _ := w.(http.Flusher)
		for i, word := range words {
			raw, _ := json.Marshal(frame(word+" ", i+1, i == len(words)-1))
			fmt.Fprintf(w, "data: %s\n\n", raw)
			if flusher != nil {
				flusher.Flush()
			}
		}
		return
	}

	// Without alt=sse the API returns a JSON array of responses.
	chunks := make([]any, len(words))
	for i, word := range words {
		chunks[i] = frame(word+" ", i+1, i == len(words)-1)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(chunks)
}

func writeGeminiError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{
		"error": map[string]any{
			"code":    status,
			"message": msg,
			"status":  "INTERNAL",
		},
	})
}

// splitGeminiPath splits /v1beta/models/{model}:{op} into its parts.
func splitGeminiPath(path string) (model, op string) {
	const prefix = "/v1beta/models/"
	rest := strings.TrimPrefix(path, prefix)
	if rest == path {
		return "", ""
	}
	model, op, ok := strings.Cut(rest, ":")
	if !ok {
		return model, ""
	}
	return model, op
}
