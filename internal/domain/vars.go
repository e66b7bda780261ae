package domain

import (
	"encoding/json"
	"strings"
	"time"
)

// Reference kinds for the secondary track of a video job.
const (
	ReferenceVideo = "video"
	ReferenceAudio = "audio"
)

// Well-known asset labels.
const (
	AssetSubject    = "subject"
	AssetFirstFrame = "first_frame"
	AssetStyle      = "style"
)

// ReferenceTrack is the optional secondary audio/video asset of a video job.
type ReferenceTrack struct {
	URL           string  `json:"url"`
	Kind          string  `json:"kind,omitempty"`
	Seconds       float64 `json:"seconds"`
	BilledSeconds int     `json:"billed_seconds,omitempty"`
}

// Inputs are the caller-supplied structured fields.
type Inputs struct {
	Brief           string          `json:"brief,omitempty"`
	Lane            string          `json:"lane,omitempty"`
	DurationSeconds int             `json:"duration_seconds,omitempty"`
	AspectRatio     string          `json:"aspect_ratio,omitempty"`
	Reference       *ReferenceTrack `json:"reference,omitempty"`
	Feedback        string          `json:"feedback,omitempty"`
	SuggestOnly     bool            `json:"suggest_only,omitempty"`
	Locale          string          `json:"locale,omitempty"`
}

// LabeledAsset is a reference image with its role in the composition.
type LabeledAsset struct {
	Label string `json:"label"`
	URL   string `json:"url"`
}

// Assets holds reference asset URLs.
type Assets struct {
	Images []LabeledAsset `json:"images,omitempty"`
}

// URL returns the first asset carrying label.
func (a Assets) URL(label string) string {
	for _, img := range a.Images {
		if strings.EqualFold(img.Label, label) {
			return img.URL
		}
	}
	return ""
}

// Prompts records synthesized instructions. Previous is the parent's final
// prompt on a tweak.
type Prompts struct {
	Previous    string `json:"previous,omitempty"`
	Synthesized string `json:"synthesized,omitempty"`
	Negative    string `json:"negative,omitempty"`
	Final       string `json:"final,omitempty"`
	Synthesizer string `json:"synthesizer,omitempty"`
}

// Outputs records what the media provider produced.
type Outputs struct {
	Provider       string    `json:"provider,omitempty"`
	Model          string    `json:"model,omitempty"`
	ProviderJobID  string    `json:"provider_job_id,omitempty"`
	ProviderStatus string    `json:"provider_status,omitempty"`
	RemoteURL      string    `json:"remote_url,omitempty"`
	URL            string    `json:"url,omitempty"`
	Polls          int       `json:"polls,omitempty"`
	ElapsedMS      int64     `json:"elapsed_ms,omitempty"`
	FinishedAt     time.Time `json:"finished_at,omitempty"`
}

// Meta carries billing and bookkeeping fields.
type Meta struct {
	Cost      int64        `json:"cost"`
	Charged   bool         `json:"charged,omitempty"`
	Refunded  bool         `json:"refunded,omitempty"`
	ParentID  string       `json:"parent_id,omitempty"`
	Country   string       `json:"country,omitempty"`
	AssistUse int          `json:"assist_use,omitempty"`
	Error     *ErrorDetail `json:"error,omitempty"`
}

// Vars is the versioned structured state of a generation. Values are never
// mutated in place; every With* method returns a copy with Version bumped.
type Vars struct {
	Version int     `json:"version"`
	Inputs  Inputs  `json:"inputs"`
	Assets  Assets  `json:"assets"`
	Prompts Prompts `json:"prompts"`
	Outputs Outputs `json:"outputs"`
	Meta    Meta    `json:"meta"`
}

func (v Vars) clone() Vars {
	out := v
	if v.Inputs.Reference != nil {
		ref := *v.Inputs.Reference
		out.Inputs.Reference = &ref
	}
	if v.Assets.Images != nil {
		out.Assets.Images = append([]LabeledAsset(nil), v.Assets.Images...)
	}
	if v.Meta.Error != nil {
		detail := *v.Meta.Error
		out.Meta.Error = &detail
	}
	out.Version = v.Version + 1
	return out
}

func (v Vars) WithInputs(in Inputs) Vars {
	out := v.clone()
	out.Inputs = in
	if in.Reference != nil {
		ref := *in.Reference
		out.Inputs.Reference = &ref
	}
	return out
}

func (v Vars) WithAssets(a Assets) Vars {
	out := v.clone()
	out.Assets = Assets{Images: append([]LabeledAsset(nil), a.Images...)}
	return out
}

func (v Vars) WithPrompts(p Prompts) Vars {
	out := v.clone()
	out.Prompts = p
	return out
}

func (v Vars) WithOutputs(o Outputs) Vars {
	out := v.clone()
	out.Outputs = o
	return out
}

func (v Vars) WithMeta(m Meta) Vars {
	out := v.clone()
	out.Meta = m
	if m.Error != nil {
		detail := *m.Error
		out.Meta.Error = &detail
	}
	return out
}

// Inherit fills fields left unset in v from parent, as a tweak does. Feedback
// and billing meta are never inherited.
func (v Vars) Inherit(parent Vars) Vars {
	out := v.clone()
	in := out.Inputs
	if in.Brief == "" {
		in.Brief = parent.Inputs.Brief
	}
	if in.Lane == "" {
		in.Lane = parent.Inputs.Lane
	}
	if in.DurationSeconds == 0 {
		in.DurationSeconds = parent.Inputs.DurationSeconds
	}
	if in.AspectRatio == "" {
		in.AspectRatio = parent.Inputs.AspectRatio
	}
	if in.Reference == nil && parent.Inputs.Reference != nil {
		ref := *parent.Inputs.Reference
		ref.BilledSeconds = 0
		in.Reference = &ref
	}
	if in.Locale == "" {
		in.Locale = parent.Inputs.Locale
	}
	out.Inputs = in

	have := make(map[string]struct{}, len(out.Assets.Images))
	for _, img := range out.Assets.Images {
		have[strings.ToLower(img.Label)] = struct{}{}
	}
	for _, img := range parent.Assets.Images {
		if _, ok := have[strings.ToLower(img.Label)]; ok {
			continue
		}
		out.Assets.Images = append(out.Assets.Images, img)
	}
	return out
}

// Marshal encodes vars for storage.
func (v Vars) Marshal() ([]byte, error) {
	return json.Marshal(v)
}

// UnmarshalVars decodes stored vars; empty input yields zero vars.
func UnmarshalVars(raw []byte) (Vars, error) {
	var v Vars
	if len(raw) == 0 {
		return v, nil
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return Vars{}, err
	}
	return v, nil
}
