package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound          = errors.New("not found")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrMissingIdentity   = errors.New("missing identity")
	ErrMissingAsset      = errors.New("missing required asset")
	ErrInvalidInput      = errors.New("invalid input")
	ErrInvalidDelta      = errors.New("invalid delta")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStaleVars         = errors.New("stale vars version")
	ErrFeatureDisabled   = errors.New("feature disabled")
	ErrEmptyPrompt       = errors.New("empty prompt")
	ErrProviderFailure   = errors.New("provider failure")
	ErrStorageFailure    = errors.New("storage failure")
)

// Code is the symbolic boundary condition reported to callers.
type Code string

const (
	CodeInsufficientCredits     Code = "insufficient-credits"
	CodeMissingIdentity         Code = "missing-identity"
	CodeMissingAsset            Code = "missing-required-asset"
	CodeInvalidInput            Code = "invalid-input"
	CodeInvalidDelta            Code = "invalid-delta"
	CodeProviderTerminalFailure Code = "provider-terminal-failure"
	CodeProviderTimeout         Code = "provider-timeout"
	CodeProviderNoOutput        Code = "provider-no-output"
	CodeProviderSchema          Code = "provider-schema-rejection"
	CodeEmptyPrompt             Code = "empty-prompt"
	CodeFeatureDisabled         Code = "feature-disabled"
	CodeStorageFailure          Code = "storage-failure"
	CodeNotFound                Code = "not-found"
	CodeUnauthorized            Code = "unauthorized"
	CodeInternal                Code = "internal"
)

// Coded is implemented by errors that know their own symbolic code.
type Coded interface {
	Code() Code
}

// CodeOf maps err onto its symbolic code.
func CodeOf(err error) Code {
	if err == nil {
		return ""
	}
	var coded Coded
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch {
	case errors.Is(err, ErrNotFound):
		return CodeNotFound
	case errors.Is(err, ErrUnauthorized):
		return CodeUnauthorized
	case errors.Is(err, ErrMissingIdentity):
		return CodeMissingIdentity
	case errors.Is(err, ErrMissingAsset):
		return CodeMissingAsset
	case errors.Is(err, ErrInvalidInput):
		return CodeInvalidInput
	case errors.Is(err, ErrInvalidDelta):
		return CodeInvalidDelta
	case errors.Is(err, ErrFeatureDisabled):
		return CodeFeatureDisabled
	case errors.Is(err, ErrEmptyPrompt):
		return CodeEmptyPrompt
	case errors.Is(err, ErrStorageFailure):
		return CodeStorageFailure
	case errors.Is(err, ErrProviderFailure):
		return CodeProviderTerminalFailure
	}
	return CodeInternal
}

// Suggestion describes a cheaper option the customer can afford.
type Suggestion struct {
	Lane            string `json:"lane,omitempty"`
	DurationSeconds int    `json:"duration_seconds,omitempty"`
	Cost            int64  `json:"cost"`
	Note            string `json:"note"`
}

// InsufficientCreditsError is returned before anything is persisted when the
// balance does not cover the quoted cost.
type InsufficientCreditsError struct {
	Required   int64
	Available  int64
	Suggestion *Suggestion
}

func (e *InsufficientCreditsError) Error() string {
	return fmt.Sprintf("insufficient credits: need %d, have %d", e.Required, e.Available)
}

func (e *InsufficientCreditsError) Code() Code { return CodeInsufficientCredits }

// Shortfall is the number of credits missing.
func (e *InsufficientCreditsError) Shortfall() int64 {
	if e.Required <= e.Available {
		return 0
	}
	return e.Required - e.Available
}
