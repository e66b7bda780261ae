package handlers

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"genstudio/internal/domain"
	"genstudio/internal/middleware"
	"genstudio/internal/pipeline"
)

type referenceDTO struct {
	URL     string  `json:"url"`
	Kind    string  `json:"kind"`
	Seconds float64 `json:"seconds"`
}

type generationRequest struct {
	identityFields
	Mode            string                `json:"mode"`
	Brief           string                `json:"brief"`
	Lane            string                `json:"lane"`
	DurationSeconds int                   `json:"duration_seconds"`
	AspectRatio     string                `json:"aspect_ratio"`
	Reference       *referenceDTO         `json:"reference"`
	Feedback        string                `json:"feedback"`
	SuggestOnly     bool                  `json:"suggest_only"`
	Locale          string                `json:"locale"`
	Assets          []domain.LabeledAsset `json:"assets"`
}

func (req generationRequest) inputs(r *http.Request) (domain.Inputs, domain.Assets) {
	in := domain.Inputs{
		Brief:           strings.TrimSpace(req.Brief),
		Lane:            req.Lane,
		DurationSeconds: req.DurationSeconds,
		AspectRatio:     req.AspectRatio,
		Feedback:        strings.TrimSpace(req.Feedback),
		SuggestOnly:     req.SuggestOnly,
		Locale:          req.Locale,
	}
	if in.Locale == "" {
		in.Locale = middleware.LocaleFromContext(r.Context())
	}
	if req.Reference != nil {
		in.Reference = &domain.ReferenceTrack{URL: strings.TrimSpace(req.Reference.URL), Kind: req.Reference.Kind, Seconds: req.Reference.Seconds}
	}
	return in, domain.Assets{Images: req.Assets}
}

// CreateGeneration accepts a new job and answers 202 with its stream path.
func (a *App) CreateGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if err := decode(w, r, &req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "invalid payload")
		return
	}
	in, assets := req.inputs(r)
	acc, err := a.Generations.Create(r.Context(), pipeline.CreateRequest{
		Hints:   a.hints(r, req.identityFields),
		Mode:    req.Mode,
		Inputs:  in,
		Assets:  assets,
		Country: middleware.CountryFromContext(r.Context()),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, acc)
}

// TweakGeneration starts a refinement of the job in the path.
func (a *App) TweakGeneration(w http.ResponseWriter, r *http.Request) {
	var req generationRequest
	if err := decode(w, r, &req); err != nil {
		a.error(w, http.StatusBadRequest, string(domain.CodeInvalidInput), "invalid payload")
		return
	}
	in, assets := req.inputs(r)
	if req.Locale == "" {
		in.Locale = ""
	}
	acc, err := a.Generations.Tweak(r.Context(), pipeline.TweakRequest{
		Hints:    a.hints(r, req.identityFields),
		ParentID: chi.URLParam(r, "id"),
		Feedback: req.Feedback,
		Inputs:   in,
		Assets:   assets,
		Country:  middleware.CountryFromContext(r.Context()),
	})
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusAccepted, acc)
}

type generationDTO struct {
	ID        string              `json:"id"`
	ParentID  string              `json:"parent_id,omitempty"`
	Mode      domain.Mode         `json:"mode"`
	Status    domain.Status       `json:"status"`
	OutputURL string              `json:"output_url,omitempty"`
	Prompt    string              `json:"prompt,omitempty"`
	Negative  string              `json:"negative_prompt,omitempty"`
	Cost      int64               `json:"cost"`
	Refunded  bool                `json:"refunded"`
	Error     *domain.ErrorDetail `json:"error,omitempty"`
	Lines     []string            `json:"lines"`
	Stream    string              `json:"stream"`
	CreatedAt time.Time           `json:"created_at"`
	UpdatedAt time.Time           `json:"updated_at"`
}

func toGenerationDTO(g *domain.Generation) generationDTO {
	prompt := g.Prompt
	if prompt == "" {
		prompt = g.Vars.Prompts.Final
	}
	lines := g.Lines
	if lines == nil {
		lines = []string{}
	}
	return generationDTO{
		ID:        g.ID,
		ParentID:  g.ParentID,
		Mode:      g.Mode,
		Status:    g.Status,
		OutputURL: g.OutputURL,
		Prompt:    prompt,
		Negative:  g.Vars.Prompts.Negative,
		Cost:      g.Vars.Meta.Cost,
		Refunded:  g.Vars.Meta.Refunded,
		Error:     g.Error,
		Lines:     lines,
		Stream:    pipeline.StreamPath(g.ID),
		CreatedAt: g.CreatedAt,
		UpdatedAt: g.UpdatedAt,
	}
}

// GetGeneration returns one job of the caller.
func (a *App) GetGeneration(w http.ResponseWriter, r *http.Request) {
	handle, err := a.handle(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	g, err := a.Generations.Get(r.Context(), handle, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, toGenerationDTO(g))
}

// ListGenerations returns the caller's most recent jobs.
func (a *App) ListGenerations(w http.ResponseWriter, r *http.Request) {
	handle, err := a.handle(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	limit := 20
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		limit = min(v, 100)
	}
	list, err := a.Jobs.ListByCustomer(r.Context(), handle, limit)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	items := make([]generationDTO, 0, len(list))
	for i := range list {
		items = append(items, toGenerationDTO(&list[i]))
	}
	a.json(w, http.StatusOK, map[string]any{"items": items})
}

// ConfirmAssist meters acceptance of a suggested prompt.
func (a *App) ConfirmAssist(w http.ResponseWriter, r *http.Request) {
	handle, err := a.handle(r)
	if err != nil {
		a.fail(w, r, err)
		return
	}
	res, err := a.Generations.ConfirmAssist(r.Context(), handle, chi.URLParam(r, "id"))
	if err != nil {
		a.fail(w, r, err)
		return
	}
	a.json(w, http.StatusOK, res)
}
