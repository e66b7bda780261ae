package prompt

import (
	"encoding/json"
	"strings"
)

// answer is the JSON object both system prompts ask for. Some models answer
// with "negative" instead of "negative_prompt".
type answer struct {
	Prompt         string `json:"prompt"`
	NegativePrompt string `json:"negative_prompt"`
	Negative       string `json:"negative"`
}

// decodeAnswer reads a model answer. A JSON object may sit inside a code
// fence or between prose; an object that decodes wins even when its prompt
// is empty. Anything else is taken as the prompt text itself.
func decodeAnswer(raw string) (text, negative string) {
	body := stripFence(raw)
	start, end := strings.Index(body, "{"), strings.LastIndex(body, "}")
	if start >= 0 && end > start {
		var a answer
		if err := json.Unmarshal([]byte(body[start:end+1]), &a); err == nil {
			return strings.TrimSpace(a.Prompt), firstNonEmpty(a.NegativePrompt, a.Negative)
		}
	}
	return body, ""
}

func stripFence(text string) string {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "```") {
		return trimmed
	}
	trimmed = strings.TrimPrefix(trimmed, "```")
	if nl := strings.IndexByte(trimmed, '\n'); nl >= 0 && !strings.ContainsAny(trimmed[:nl], "{[") {
		// language tag
		trimmed = trimmed[nl+1:]
	}
	if idx := strings.LastIndex(trimmed, "```"); idx >= 0 {
		trimmed = trimmed[:idx]
	}
	return strings.TrimSpace(trimmed)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
