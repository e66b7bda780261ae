package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/events"
	"genstudio/internal/identity"
	"genstudio/internal/ledger"
	"genstudio/internal/middleware"
	"genstudio/internal/pipeline"
)

// Generations is the pipeline surface used by the handlers.
type Generations interface {
	Create(ctx context.Context, req pipeline.CreateRequest) (pipeline.Accepted, error)
	Tweak(ctx context.Context, req pipeline.TweakRequest) (pipeline.Accepted, error)
	Get(ctx context.Context, handle, jobID string) (*domain.Generation, error)
	ConfirmAssist(ctx context.Context, handle, jobID string) (pipeline.AssistResult, error)
}

// Credits is the ledger surface used by the handlers.
type Credits interface {
	GetBalance(ctx context.Context, handle string) (domain.Account, error)
	Merge(ctx context.Context, from, to string) (ledger.Result, error)
}

// Streams exposes live job events.
type Streams interface {
	Subscribe(jobID string) *events.Subscription
	Terminal(jobID string) (events.Event, bool)
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type App struct {
	Generations Generations
	Credits     Credits
	Streams     Streams
	Jobs        domain.GenerationRepository
	DB          Pinger
	Logger      zerolog.Logger
	Keepalive   time.Duration
	Now         func() time.Time
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

type errorPayload struct {
	Code       string             `json:"code"`
	Message    string             `json:"message"`
	Required   *int64             `json:"required,omitempty"`
	Available  *int64             `json:"available,omitempty"`
	Shortfall  *int64             `json:"shortfall,omitempty"`
	Suggestion *domain.Suggestion `json:"suggestion,omitempty"`
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]any{"error": errorPayload{Code: errCode, Message: message}})
}

// fail answers err with the status matching its symbolic code.
func (a *App) fail(w http.ResponseWriter, r *http.Request, err error) {
	code := domain.CodeOf(err)
	var insufficient *domain.InsufficientCreditsError
	if errors.As(err, &insufficient) {
		shortfall := insufficient.Shortfall()
		a.json(w, http.StatusPaymentRequired, map[string]any{"error": errorPayload{
			Code:       string(code),
			Message:    err.Error(),
			Required:   &insufficient.Required,
			Available:  &insufficient.Available,
			Shortfall:  &shortfall,
			Suggestion: insufficient.Suggestion,
		}})
		return
	}
	status := statusFor(code)
	msg := err.Error()
	if status >= http.StatusInternalServerError {
		a.Logger.Error().Err(err).Str("path", r.URL.Path).Str("request_id", middleware.RequestIDFromContext(r.Context())).Msg("request failed")
		msg = "internal error"
	}
	a.error(w, status, string(code), msg)
}

func statusFor(code domain.Code) int {
	switch code {
	case domain.CodeInvalidInput, domain.CodeInvalidDelta, domain.CodeMissingAsset, domain.CodeMissingIdentity:
		return http.StatusBadRequest
	case domain.CodeUnauthorized:
		return http.StatusUnauthorized
	case domain.CodeNotFound:
		return http.StatusNotFound
	case domain.CodeFeatureDisabled:
		return http.StatusForbidden
	case domain.CodeInsufficientCredits:
		return http.StatusPaymentRequired
	default:
		return http.StatusInternalServerError
	}
}

// identityFields are the identity-bearing body fields shared by requests.
type identityFields struct {
	CustomerID string `json:"customer_id"`
	Email      string `json:"email"`
	DeviceID   string `json:"device_id"`
}

// hints collects identity hints from the verified token, the body, headers
// and the query string, in that order of preference per field.
func (a *App) hints(r *http.Request, body identityFields) identity.Hints {
	pick := func(values ...string) string {
		for _, v := range values {
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		}
		return ""
	}
	q := r.URL.Query()
	return identity.Hints{
		Subject:    middleware.SubjectFromContext(r.Context()),
		CustomerID: pick(body.CustomerID, r.Header.Get("X-Customer-Id"), q.Get("customer_id")),
		Email:      pick(body.Email, q.Get("email")),
		DeviceID:   pick(body.DeviceID, r.Header.Get("X-Device-Id"), q.Get("device_id")),
	}
}

// handle resolves the caller's customer handle without a request body.
func (a *App) handle(r *http.Request) (string, error) {
	return identity.Resolve(a.hints(r, identityFields{}))
}

const maxBodyBytes = 1 << 20

func decode(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func (a *App) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now()
}
