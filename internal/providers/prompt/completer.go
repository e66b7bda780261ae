// Package prompt turns structured job inputs into a generation prompt through
// a vision/language model.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const (
	staticProviderName = "static"
	geminiProviderName = "gemini"
	openAIProviderName = "openai"
)

// LabeledImage is a reference image with its role in the composition.
type LabeledImage struct {
	Label string
	URL   string
}

// Completion is one request to the language model.
type Completion struct {
	System string
	Images []LabeledImage
	Text   string
	// JSON asks the model for a JSON object answer.
	JSON bool
}

// Completer is the vision/language collaborator.
type Completer interface {
	Name() string
	Complete(ctx context.Context, req Completion) (string, error)
}

// FallbackCompleter asks Primary first and Secondary when Primary fails.
type FallbackCompleter struct {
	Primary    Completer
	Secondary  Completer
	OnFallback func(reason string, err error)
}

func (f *FallbackCompleter) Name() string {
	if f.Primary == nil {
		return f.Secondary.Name()
	}
	return f.Primary.Name()
}

func (f *FallbackCompleter) Complete(ctx context.Context, req Completion) (string, error) {
	if f.Primary == nil {
		return f.Secondary.Complete(ctx, req)
	}
	out, err := f.Primary.Complete(ctx, req)
	if err == nil {
		return out, nil
	}
	if f.Secondary == nil || ctx.Err() != nil {
		return "", err
	}
	if f.OnFallback != nil {
		f.OnFallback(reasonOf(err), err)
	}
	return f.Secondary.Complete(ctx, req)
}

// completionError tags a failure with a short reason for fallback logging.
type completionError struct {
	provider string
	reason   string
	err      error
}

func (e *completionError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.provider, e.reason, e.err)
}

func (e *completionError) Unwrap() error { return e.err }

func fail(provider, reason string, err error) error {
	return &completionError{provider: provider, reason: reason, err: err}
}

func reasonOf(err error) string {
	var cerr *completionError
	if errors.As(err, &cerr) {
		return cerr.reason
	}
	return "error"
}

// StaticCompleter answers without any remote call by echoing the brief. It
// keeps local and CI environments working without credentials.
type StaticCompleter struct{}

func (StaticCompleter) Name() string { return staticProviderName }

func (StaticCompleter) Complete(_ context.Context, req Completion) (string, error) {
	var parts []string
	for _, line := range strings.Split(req.Text, "\n") {
		key, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		switch strings.TrimSpace(key) {
		case "Brief", "Feedback", "Previous prompt":
			if v := strings.TrimSpace(value); v != "" {
				parts = append(parts, v)
			}
		}
	}
	for _, img := range req.Images {
		parts = append(parts, "featuring the "+strings.ToLower(img.Label))
	}
	if len(parts) == 0 {
		return "", nil
	}
	return strings.Join(parts, ", "), nil
}

var (
	_ Completer = (*FallbackCompleter)(nil)
	_ Completer = StaticCompleter{}
)
