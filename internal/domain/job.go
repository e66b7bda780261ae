package domain

import (
	"fmt"
	"strings"
	"time"
)

// Mode is fixed at creation.
type Mode string

const (
	ModeStill Mode = "still"
	ModeVideo Mode = "video"
)

// ParseMode normalizes user input into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case ModeStill, "image":
		return ModeStill, nil
	case ModeVideo:
		return ModeVideo, nil
	}
	return "", fmt.Errorf("%w: unknown mode %q", ErrInvalidInput, raw)
}

// Status enumerates generation lifecycle states.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusPrompting  Status = "prompting"
	StatusGenerating Status = "generating"
	StatusDone       Status = "done"
	StatusError      Status = "error"
	StatusSuggested  Status = "suggested"
)

// IsTerminal reports whether the status admits no further transition.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusDone, StatusError, StatusSuggested:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is an edge of the lifecycle graph.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusPrompting || to == StatusError
	case StatusPrompting:
		return to == StatusGenerating || to == StatusSuggested || to == StatusError
	case StatusGenerating:
		return to == StatusDone || to == StatusError
	default:
		return false
	}
}

// Predecessors lists every status that may move to `to`.
func Predecessors(to Status) []Status {
	var out []Status
	for _, from := range []Status{StatusQueued, StatusPrompting, StatusGenerating} {
		if CanTransition(from, to) {
			out = append(out, from)
		}
	}
	return out
}

// ErrorDetail is the structured failure recorded on a job.
type ErrorDetail struct {
	Code          Code   `json:"code"`
	Message       string `json:"message"`
	ProviderJobID string `json:"provider_job_id,omitempty"`
	RemoteStatus  string `json:"remote_status,omitempty"`
	RemoteError   string `json:"remote_error,omitempty"`
}

// Generation is one requested unit of creative work.
type Generation struct {
	ID             string
	ParentID       string
	CustomerHandle string
	Mode           Mode
	Status         Status
	Vars           Vars
	OutputURL      string
	Prompt         string
	Error          *ErrorDetail
	Lines          []string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Step is an append-only audit record of one pipeline step.
type Step struct {
	GenerationID string
	Seq          int
	Type         string
	Payload      map[string]any
	StartedAt    time.Time
	FinishedAt   time.Time
}
