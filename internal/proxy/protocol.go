package proxy

import "strings"

// Provider protocol families recognized on the inbound path. Detection
// only informs model extraction and logging; bodies are never translated
// between shapes.
const (
	protoOpenAI    = "openai"
	protoAnthropic = "anthropic"
	protoGemini    = "gemini"
)

func detectProtocol(path string) string {
	switch {
	case strings.Contains(path, "/v1beta/") ||
		strings.Contains(path, ":generateContent") ||
		strings.Contains(path, ":streamGenerateContent") ||
		strings.Contains(path, ":countTokens"):
		return protoGemini
	case strings.Contains(path, "/v1/messages") || strings.Contains(path, "/v1/complete"):
		return protoAnthropic
	default:
		return protoOpenAI
	}
}

// geminiModelFromPath extracts the model name from a Gemini-shaped path
// like /v1beta/models/gemini-1.5-pro:generateContent. Returns "" when the
// path carries no model segment.
func geminiModelFromPath(path string) string {
	i := strings.Index(path, "/models/")
	if i < 0 {
		return ""
	}
	rest := path[i+len("/models/"):]
	if j := strings.IndexByte(rest, ':'); j >= 0 {
		rest = rest[:j]
	}
	if j := strings.IndexByte(rest, '/'); j >= 0 {
		rest = rest[:j]
	}
	return rest
}

// rewriteModelPath replaces the model segment of a Gemini-shaped path
// like /v1beta/models/gemini-1.5-pro:generateContent with newModel.
// Paths without a /models/ segment are returned unchanged.
func rewriteModelPath(path, newModel string) string {
	i := strings.Index(path, "/models/")
	if i < 0 {
		return path
	}
	start := i + len("/models/")
	rest := path[start:]
	end := len(rest)
	if j := strings.IndexAny(rest, ":/"); j >= 0 {
		end = j
	}
	return path[:start] + newModel + rest[end:]
}
