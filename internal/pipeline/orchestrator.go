// Package pipeline accepts generation requests, bills them and drives each
// job through prompting and generation in the background.
package pipeline

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"genstudio/internal/chatter"
	"genstudio/internal/domain"
	"genstudio/internal/events"
	"genstudio/internal/identity"
	"genstudio/internal/infra"
	"genstudio/internal/ledger"
	"genstudio/internal/pricing"
	"genstudio/internal/providers/media"
	"genstudio/internal/providers/prompt"
	"genstudio/internal/storage"
)

// Ledger is the subset of the credit ledger the pipeline bills through.
type Ledger interface {
	GetBalance(ctx context.Context, handle string) (domain.Account, error)
	HasEntry(ctx context.Context, refType, refID string) (bool, error)
	Entry(ctx context.Context, refType, refID string) (*domain.LedgerEntry, error)
	Adjust(ctx context.Context, adj ledger.Adjustment) (ledger.Result, error)
	CourtesyRefund(ctx context.Context, handle, jobID string, amount int64) (ledger.Result, error)
	IncrementAssistUses(ctx context.Context, handle string) (int, error)
}

// Publisher fans job events out to live observers.
type Publisher interface {
	PublishLine(jobID string, line events.Line) int
	PublishStatus(jobID string, status domain.Status)
	PublishTerminal(jobID string, status domain.Status, data map[string]any)
}

// Synthesizer turns job inputs into a provider prompt.
type Synthesizer interface {
	Synthesize(ctx context.Context, req prompt.Request) (prompt.Prompt, error)
}

// MediaRunner executes one provider flow.
type MediaRunner interface {
	Run(ctx context.Context, d media.Descriptor, input map[string]any) (media.Result, error)
}

// Chatter starts progress lines for a long step.
type Chatter interface {
	Start(ctx context.Context, jobID string) *chatter.Run
}

// Flows selects the provider flow for each kind of job.
type Flows struct {
	StillMain  media.Descriptor
	StillNiche media.Descriptor
	Video      media.Descriptor
	Reference  media.Descriptor
}

// Features gates optional flows.
type Features struct {
	Video     bool
	Reference bool
}

type Options struct {
	Ledger      Ledger
	Jobs        domain.GenerationRepository
	Hub         Publisher
	Chatter     Chatter
	Media       MediaRunner
	Synthesizer Synthesizer
	// Storage may be nil, in which case the provider URL is kept as is.
	Storage       storage.Persister
	StoragePrefix string
	Flows         Flows
	Features      Features
	Logger        *zerolog.Logger
	Now           func() time.Time
	NewID         func() string
}

// Orchestrator owns the lifecycle of every generation job.
type Orchestrator struct {
	ledger      Ledger
	jobs        domain.GenerationRepository
	hub         Publisher
	chatter     Chatter
	media       MediaRunner
	synthesizer Synthesizer
	storage     storage.Persister
	prefix      string
	flows       Flows
	features    Features
	logger      zerolog.Logger
	now         func() time.Time
	newID       func() string

	baseCtx context.Context
	wg      sync.WaitGroup
}

func New(opts Options) *Orchestrator {
	o := &Orchestrator{
		ledger:      opts.Ledger,
		jobs:        opts.Jobs,
		hub:         opts.Hub,
		chatter:     opts.Chatter,
		media:       opts.Media,
		synthesizer: opts.Synthesizer,
		storage:     opts.Storage,
		prefix:      strings.Trim(opts.StoragePrefix, "/"),
		flows:       opts.Flows,
		features:    opts.Features,
		logger:      *infra.OrDiscard(opts.Logger),
		now:         opts.Now,
		newID:       opts.NewID,
		baseCtx:     context.Background(),
	}
	if o.now == nil {
		o.now = time.Now
	}
	if o.newID == nil {
		o.newID = uuid.NewString
	}
	if o.prefix == "" {
		o.prefix = "generations"
	}
	return o
}

// CreateRequest asks for a new generation.
type CreateRequest struct {
	Hints   identity.Hints
	Mode    string
	Inputs  domain.Inputs
	Assets  domain.Assets
	Country string
}

// TweakRequest asks for a refinement of an earlier generation. Fields left
// empty are inherited from the parent.
type TweakRequest struct {
	Hints    identity.Hints
	ParentID string
	Feedback string
	Inputs   domain.Inputs
	Assets   domain.Assets
	Country  string
}

// Accepted is returned as soon as a job is persisted and billed.
type Accepted struct {
	JobID    string        `json:"job_id"`
	Status   domain.Status `json:"status"`
	Stream   string        `json:"stream"`
	Cost     int64         `json:"cost"`
	Customer string        `json:"customer"`
	ParentID string        `json:"parent_id,omitempty"`
}

// StreamPath is the event stream route of a job.
func StreamPath(jobID string) string {
	return "/v1/generations/" + jobID + "/events"
}

// Create validates, prices and bills a request, then runs it detached.
func (o *Orchestrator) Create(ctx context.Context, req CreateRequest) (Accepted, error) {
	handle, err := identity.Resolve(req.Hints)
	if err != nil {
		return Accepted{}, err
	}
	mode, err := domain.ParseMode(req.Mode)
	if err != nil {
		return Accepted{}, err
	}
	vars := domain.Vars{Inputs: req.Inputs, Assets: req.Assets}
	return o.submit(ctx, handle, mode, "", vars, req.Country)
}

// Tweak starts a child job of parentID carrying the customer's feedback.
func (o *Orchestrator) Tweak(ctx context.Context, req TweakRequest) (Accepted, error) {
	handle, err := identity.Resolve(req.Hints)
	if err != nil {
		return Accepted{}, err
	}
	feedback := strings.TrimSpace(req.Feedback)
	if feedback == "" {
		feedback = strings.TrimSpace(req.Inputs.Feedback)
	}
	if feedback == "" {
		return Accepted{}, fmt.Errorf("%w: feedback is required", domain.ErrInvalidInput)
	}
	parent, err := o.jobs.Get(ctx, req.ParentID)
	if err != nil {
		return Accepted{}, err
	}
	if parent.CustomerHandle != handle {
		return Accepted{}, domain.ErrNotFound
	}

	in := req.Inputs
	in.Feedback = feedback
	vars := domain.Vars{Inputs: in, Assets: req.Assets}.Inherit(parent.Vars)
	vars.Prompts.Previous = parent.Prompt
	if vars.Prompts.Previous == "" {
		vars.Prompts.Previous = parent.Vars.Prompts.Final
	}
	country := req.Country
	if country == "" {
		country = parent.Vars.Meta.Country
	}
	return o.submit(ctx, handle, parent.Mode, parent.ID, vars, country)
}

func (o *Orchestrator) submit(ctx context.Context, handle string, mode domain.Mode, parentID string, vars domain.Vars, country string) (Accepted, error) {
	if err := validate(mode, vars.Inputs, vars.Assets); err != nil {
		return Accepted{}, err
	}
	if vars.Inputs.Reference != nil {
		ref := *vars.Inputs.Reference
		vars.Inputs.Reference = &ref
	}
	preq := pricing.Request{
		Mode:            mode,
		Lane:            vars.Inputs.Lane,
		DurationSeconds: vars.Inputs.DurationSeconds,
		Reference:       vars.Inputs.Reference,
	}
	quote := pricing.Classify(preq)
	if mode == domain.ModeStill {
		vars.Inputs.Lane = quote.Lane
	}
	if ref := vars.Inputs.Reference; ref != nil {
		ref.Kind = quote.ReferenceKind
		ref.BilledSeconds = quote.BilledSeconds
	}

	cost := quote.Cost
	if vars.Inputs.SuggestOnly {
		cost = 0
	}
	if cost > 0 {
		acct, err := o.ledger.GetBalance(ctx, handle)
		if err != nil {
			return Accepted{}, err
		}
		if available := acct.Available(o.now()); available < cost {
			return Accepted{}, &domain.InsufficientCreditsError{
				Required:   cost,
				Available:  available,
				Suggestion: pricing.Suggest(preq, available),
			}
		}
	}

	vars.Version = 1
	vars.Meta = domain.Meta{Cost: cost, ParentID: parentID, Country: country}
	g := &domain.Generation{
		ID:             o.newID(),
		ParentID:       parentID,
		CustomerHandle: handle,
		Mode:           mode,
		Status:         domain.StatusQueued,
		Vars:           vars,
	}
	if err := o.jobs.Create(ctx, g); err != nil {
		return Accepted{}, fmt.Errorf("pipeline: create job: %w", err)
	}
	log := o.logger.With().Str("job_id", g.ID).Str("customer", handle).Logger()

	r := &run{o: o, job: g, vars: g.Vars, log: log}
	if cost > 0 {
		_, err := o.ledger.Adjust(ctx, ledger.Adjustment{
			Handle:  handle,
			Delta:   float64(-cost),
			Reason:  "generation",
			Source:  "pipeline",
			RefType: domain.ChargeRef(mode),
			RefID:   g.ID,
			Meta:    map[string]any{"mode": string(mode), "parent_id": parentID},
		})
		if err != nil {
			r.fail(context.WithoutCancel(ctx), fmt.Errorf("pipeline: charge: %w", err))
			return Accepted{}, err
		}
		meta := r.vars.Meta
		meta.Charged = true
		if err := r.saveVars(ctx, r.vars.WithMeta(meta)); err != nil {
			log.Warn().Err(err).Msg("pipeline: mark charged")
		}
	}
	log.Info().Str("mode", string(mode)).Int64("cost", cost).Msg("pipeline: job accepted")

	o.wg.Add(1)
	go o.execute(r)

	return Accepted{
		JobID:    g.ID,
		Status:   domain.StatusQueued,
		Stream:   StreamPath(g.ID),
		Cost:     cost,
		Customer: handle,
		ParentID: parentID,
	}, nil
}

// Get returns a job owned by handle. Jobs of other customers read as missing.
func (o *Orchestrator) Get(ctx context.Context, handle, jobID string) (*domain.Generation, error) {
	g, err := o.jobs.Get(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if handle != "" && g.CustomerHandle != handle {
		return nil, domain.ErrNotFound
	}
	return g, nil
}

// Wait blocks until every detached run has finished.
func (o *Orchestrator) Wait() {
	o.wg.Wait()
}

func validate(mode domain.Mode, in domain.Inputs, assets domain.Assets) error {
	for _, img := range assets.Images {
		if !isHTTPURL(img.URL) {
			return fmt.Errorf("%w: asset %q needs an http(s) url", domain.ErrInvalidInput, img.Label)
		}
	}
	if in.DurationSeconds < 0 {
		return fmt.Errorf("%w: duration must not be negative", domain.ErrInvalidInput)
	}
	switch mode {
	case domain.ModeStill:
		if assets.URL(domain.AssetSubject) == "" {
			return fmt.Errorf("%w: %s", domain.ErrMissingAsset, domain.AssetSubject)
		}
		if in.Reference != nil {
			return fmt.Errorf("%w: reference tracks need video mode", domain.ErrInvalidInput)
		}
	case domain.ModeVideo:
		if assets.URL(domain.AssetFirstFrame) == "" {
			return fmt.Errorf("%w: %s", domain.ErrMissingAsset, domain.AssetFirstFrame)
		}
		if ref := in.Reference; ref != nil {
			if !isHTTPURL(ref.URL) {
				return fmt.Errorf("%w: reference track needs an http(s) url", domain.ErrInvalidInput)
			}
			if math.IsNaN(ref.Seconds) || ref.Seconds <= 0 {
				return fmt.Errorf("%w: reference track needs a positive length", domain.ErrInvalidInput)
			}
		}
	default:
		return fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidInput, mode)
	}
	if in.SuggestOnly && mode != domain.ModeVideo {
		return fmt.Errorf("%w: suggestion-only is a video option", domain.ErrInvalidInput)
	}
	return nil
}

func isHTTPURL(raw string) bool {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || u.Host == "" {
		return false
	}
	return u.Scheme == "http" || u.Scheme == "https"
}
