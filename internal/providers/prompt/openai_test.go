package prompt

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"testing"
)

func TestOpenAICompleterSendsImageParts(t *testing.T) {
	var captured map[string]any
	completer, err := NewOpenAICompleter(OpenAIOptions{
		APIKey:       "dummy",
		Organization: "org-1",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			if r.Header.Get("OpenAI-Organization") != "org-1" {
				t.Fatalf("missing organization header")
			}
			body, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(body, &captured)
			return jsonResponse(http.StatusOK, `{"choices":[{"message":{"content":"  a dog  "}}]}`), nil
		})},
	})
	if err != nil {
		t.Fatalf("NewOpenAICompleter returned error: %v", err)
	}
	out, err := completer.Complete(context.Background(), Completion{
		System: "sys",
		Text:   "Brief: dog",
		Images: []LabeledImage{{Label: "First Frame", URL: "https://cdn/dog.jpg"}},
		JSON:   true,
	})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if out != "a dog" {
		t.Fatalf("out = %q", out)
	}
	if captured["response_format"].(map[string]any)["type"] != "json_object" {
		t.Fatalf("response_format = %v", captured["response_format"])
	}
	messages := captured["messages"].([]any)
	user := messages[1].(map[string]any)["content"].([]any)
	image := user[2].(map[string]any)
	if image["type"] != "image_url" || image["image_url"].(map[string]any)["url"] != "https://cdn/dog.jpg" {
		t.Fatalf("image part = %v", image)
	}
}

func TestFallbackCompleterUsesSecondary(t *testing.T) {
	primary, err := NewOpenAICompleter(OpenAIOptions{
		APIKey: "dummy",
		HTTPClient: &http.Client{Transport: roundTripFunc(func(r *http.Request) (*http.Response, error) {
			return nil, errors.New("boom")
		})},
	})
	if err != nil {
		t.Fatalf("NewOpenAICompleter returned error: %v", err)
	}
	var capturedReason string
	fb := &FallbackCompleter{
		Primary:   primary,
		Secondary: fakeCompleter{name: "backup", complete: func(context.Context, Completion) (string, error) { return "from backup", nil }},
		OnFallback: func(reason string, err error) {
			capturedReason = reason
		},
	}
	out, err := fb.Complete(context.Background(), Completion{Text: "x"})
	if err != nil {
		t.Fatalf("Complete returned error: %v", err)
	}
	if out != "from backup" {
		t.Fatalf("out = %q", out)
	}
	if capturedReason != "http_request" {
		t.Fatalf("captured reason = %q, want %q", capturedReason, "http_request")
	}
	if fb.Name() != openAIProviderName {
		t.Fatalf("Name = %q", fb.Name())
	}
}

func TestNormalizeOpenAIModel(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		input  string
		model  string
		reason string
	}{
		{name: "exact_default", input: "gpt-4o-mini", model: "gpt-4o-mini", reason: ""},
		{name: "exact_full", input: "gpt-4o", model: "gpt-4o", reason: ""},
		{name: "alias_vision", input: "gpt-4-vision", model: "gpt-4o", reason: "alias"},
		{name: "alias_spaces", input: "GPT4o Mini", model: "gpt-4o-mini", reason: "alias"},
		{name: "unsupported", input: "gpt-3.5-turbo", model: "gpt-4o-mini", reason: "defaulted"},
		{name: "empty", input: "", model: "gpt-4o-mini", reason: ""},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			gotModel, gotReason := normalizeOpenAIModel(tc.input)
			if gotModel != tc.model {
				t.Fatalf("model = %q, want %q", gotModel, tc.model)
			}
			if gotReason != tc.reason {
				t.Fatalf("reason = %q, want %q", gotReason, tc.reason)
			}
		})
	}
}

func TestNewOpenAICompleterWarnsOnUnsupportedModel(t *testing.T) {
	t.Parallel()
	var capturedReason, capturedDetail string
	completer, err := NewOpenAICompleter(OpenAIOptions{
		APIKey: "dummy",
		Model:  "gpt-4 vision",
		OnWarning: func(reason, detail string) {
			capturedReason = reason
			capturedDetail = detail
		},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if completer == nil {
		t.Fatal("completer is nil")
	}
	if capturedReason != "model_alias" {
		t.Fatalf("warning reason = %q, want %q", capturedReason, "model_alias")
	}
	if capturedDetail == "" {
		t.Fatal("expected warning detail to be set")
	}
}
