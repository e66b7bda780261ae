package prompt

import (
	"context"
	"fmt"
	"strings"
	"time"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"genstudio/internal/domain"
	"genstudio/internal/infra"
)

const stillSystem = `You write prompts for an image generation model.
Combine the brief and the labeled reference images into one vivid, concrete prompt.
Describe subject, composition, lighting and style. Keep it under 120 words.
Respond only with JSON: {"prompt": string, "negative_prompt": string}.`

const videoSystem = `You write prompts for a video generation model that animates a first frame.
Describe the motion, camera movement and pacing that fit the requested duration.
Keep the subject consistent with the labeled images. Keep it under 120 words.
Respond only with JSON: {"prompt": string, "negative_prompt": string}.`

// Request is everything the synthesizer knows about a job.
type Request struct {
	Mode           domain.Mode
	Inputs         domain.Inputs
	Assets         domain.Assets
	ReferenceKind  string
	PreviousPrompt string
}

// Prompt is the synthesized instruction for the media provider.
type Prompt struct {
	Text        string
	Negative    string
	Synthesizer string
}

type SynthesizerOptions struct {
	Timeout time.Duration
	Logger  *infra.Logger
}

// Synthesizer builds the model request and parses its answer.
type Synthesizer struct {
	completer Completer
	timeout   time.Duration
	logger    *infra.Logger
}

func NewSynthesizer(c Completer, opts SynthesizerOptions) *Synthesizer {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Synthesizer{completer: c, timeout: opts.Timeout, logger: infra.OrDiscard(opts.Logger)}
}

// Synthesize returns domain.ErrEmptyPrompt when the model produced nothing usable.
func (s *Synthesizer) Synthesize(ctx context.Context, req Request) (Prompt, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	system := stillSystem
	if req.Mode == domain.ModeVideo {
		system = videoSystem
	}
	if locale := strings.TrimSpace(req.Inputs.Locale); locale != "" {
		system += fmt.Sprintf("\nWrite the prompt in English even if the brief uses locale %s.", locale)
	}

	raw, err := s.completer.Complete(ctx, Completion{
		System: system,
		Images: labelImages(req.Assets, req.Inputs.Locale),
		Text:   buildText(req),
		JSON:   true,
	})
	if err != nil {
		return Prompt{}, fmt.Errorf("synthesize prompt: %w", err)
	}

	out := Prompt{Synthesizer: s.completer.Name()}
	out.Text, out.Negative = decodeAnswer(raw)
	if out.Text == "" {
		return Prompt{}, domain.ErrEmptyPrompt
	}
	s.logger.Debug().Str("synthesizer", out.Synthesizer).Int("chars", len(out.Text)).Msg("prompt synthesized")
	return out, nil
}

func labelImages(assets domain.Assets, locale string) []LabeledImage {
	tag := language.Und
	if locale != "" {
		if parsed, err := language.Parse(locale); err == nil {
			tag = parsed
		}
	}
	caser := cases.Title(tag)
	out := make([]LabeledImage, 0, len(assets.Images))
	for _, img := range assets.Images {
		if strings.TrimSpace(img.URL) == "" {
			continue
		}
		label := strings.ReplaceAll(strings.TrimSpace(img.Label), "_", " ")
		if label == "" {
			label = "reference"
		}
		out = append(out, LabeledImage{Label: caser.String(label), URL: img.URL})
	}
	return out
}

func buildText(req Request) string {
	in := req.Inputs
	sb := &strings.Builder{}
	fmt.Fprintf(sb, "Mode: %s\n", req.Mode)
	if in.Brief != "" {
		fmt.Fprintf(sb, "Brief: %s\n", in.Brief)
	}
	if in.Lane != "" {
		fmt.Fprintf(sb, "Lane: %s\n", in.Lane)
	}
	if req.Mode == domain.ModeVideo && in.DurationSeconds > 0 {
		fmt.Fprintf(sb, "Duration seconds: %d\n", in.DurationSeconds)
	}
	if in.AspectRatio != "" {
		fmt.Fprintf(sb, "Aspect ratio: %s\n", in.AspectRatio)
	}
	if req.ReferenceKind != "" {
		fmt.Fprintf(sb, "Reference track: %s, follow its rhythm\n", req.ReferenceKind)
	}
	if req.PreviousPrompt != "" {
		fmt.Fprintf(sb, "Previous prompt: %s\n", req.PreviousPrompt)
	}
	if in.Feedback != "" {
		fmt.Fprintf(sb, "Feedback: %s\n", in.Feedback)
	}
	if in.Locale != "" {
		fmt.Fprintf(sb, "Locale: %s\n", in.Locale)
	}
	return strings.TrimSpace(sb.String())
}
