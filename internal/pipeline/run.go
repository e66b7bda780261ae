package pipeline

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"

	"genstudio/internal/domain"
	"genstudio/internal/events"
	"genstudio/internal/ledger"
	"genstudio/internal/pricing"
	"genstudio/internal/providers/media"
	"genstudio/internal/providers/prompt"
)

// Progress lines published at fixed points of a run.
const (
	lineReading    = "Reading your brief..."
	linePrompted   = "Prompt ready."
	lineSending    = "Sending to the studio..."
	lineSaving     = "Saving your result..."
	lineDone       = "Done!"
	lineSuggested  = "Here is a suggested prompt."
	lineFailed     = "Something went wrong. Any credits spent were returned."
	lineFailedFree = "Something went wrong."
)

// Step types recorded in the audit trail.
const (
	stepPrompt   = "prompt"
	stepGenerate = "generate"
	stepPersist  = "persist"
	stepRefund   = "refund"
)

// run is the mutable state of one detached job run.
type run struct {
	o    *Orchestrator
	job  *domain.Generation
	vars domain.Vars
	seq  int
	log  zerolog.Logger
}

func (o *Orchestrator) execute(r *run) {
	defer o.wg.Done()
	ctx := o.baseCtx
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Bytes("stack", debug.Stack()).Msg("pipeline: run panicked")
			r.fail(ctx, fmt.Errorf("pipeline: panic: %v", rec))
		}
	}()
	if err := r.advance(ctx); err != nil {
		r.fail(ctx, err)
	}
}

func (r *run) advance(ctx context.Context) error {
	id := r.job.ID
	if err := r.transition(ctx, domain.StatusPrompting); err != nil {
		return err
	}
	r.line(ctx, lineReading)

	started := r.o.now()
	p, err := r.o.synthesizer.Synthesize(ctx, prompt.Request{
		Mode:           r.job.Mode,
		Inputs:         r.vars.Inputs,
		Assets:         r.vars.Assets,
		ReferenceKind:  referenceKind(r.vars.Inputs),
		PreviousPrompt: r.vars.Prompts.Previous,
	})
	if err != nil {
		r.step(ctx, stepPrompt, started, map[string]any{"error": err.Error()})
		return err
	}
	if err := r.saveVars(ctx, r.vars.WithPrompts(domain.Prompts{
		Previous:    r.vars.Prompts.Previous,
		Synthesized: p.Text,
		Negative:    p.Negative,
		Final:       p.Text,
		Synthesizer: p.Synthesizer,
	})); err != nil {
		return err
	}
	r.step(ctx, stepPrompt, started, map[string]any{"synthesizer": p.Synthesizer, "chars": len(p.Text)})
	r.line(ctx, linePrompted)

	if r.vars.Inputs.SuggestOnly {
		if err := r.transition(ctx, domain.StatusSuggested); err != nil {
			return err
		}
		r.line(ctx, lineSuggested)
		r.o.hub.PublishTerminal(id, domain.StatusSuggested, map[string]any{
			"prompt":          p.Text,
			"negative_prompt": p.Negative,
		})
		r.log.Info().Msg("pipeline: prompt suggested")
		return nil
	}

	if err := r.transition(ctx, domain.StatusGenerating); err != nil {
		return err
	}
	if err := r.o.checkFeatures(r.job.Mode, r.vars.Inputs); err != nil {
		return err
	}
	desc := r.o.flowFor(r.job.Mode, r.vars.Inputs)
	r.line(ctx, lineSending)

	started = r.o.now()
	res, err := r.generate(ctx, desc, buildInput(r.job.Mode, r.vars))
	outputs := domain.Outputs{
		Provider:       desc.Name,
		Model:          desc.Model,
		ProviderJobID:  res.ProviderJobID,
		ProviderStatus: res.Status,
		RemoteURL:      res.OutputURL,
		Polls:          res.Polls,
		ElapsedMS:      res.Elapsed.Milliseconds(),
	}
	r.step(ctx, stepGenerate, started, map[string]any{
		"provider":        desc.Name,
		"model":           desc.Model,
		"provider_job_id": res.ProviderJobID,
		"status":          res.Status,
		"polls":           res.Polls,
		"timed_out":       res.TimedOut,
		"stripped":        res.Stripped,
	})
	if err != nil {
		if saveErr := r.saveVars(ctx, r.vars.WithOutputs(outputs)); saveErr != nil {
			r.log.Warn().Err(saveErr).Msg("pipeline: save provider outputs")
		}
		return err
	}

	r.line(ctx, lineSaving)
	started = r.o.now()
	url := res.OutputURL
	if r.o.storage != nil {
		url, err = r.o.storage.PersistRemoteURL(ctx, res.OutputURL, r.o.prefix+"/"+id)
		r.step(ctx, stepPersist, started, map[string]any{"source": res.OutputURL, "url": url})
		if err != nil {
			return err
		}
	}
	outputs.URL = url
	outputs.FinishedAt = r.o.now()
	final := r.vars.WithOutputs(outputs)
	if err := r.o.jobs.Complete(ctx, id, url, p.Text, final); err != nil {
		return fmt.Errorf("pipeline: complete: %w", err)
	}
	r.vars = final
	r.line(ctx, lineDone)
	r.o.hub.PublishTerminal(id, domain.StatusDone, map[string]any{
		"output_url": url,
		"prompt":     p.Text,
	})
	r.log.Info().Str("output_url", url).Msg("pipeline: job done")
	return nil
}

// generate runs the provider flow with chatter active for its whole length.
func (r *run) generate(ctx context.Context, d media.Descriptor, input map[string]any) (media.Result, error) {
	if r.o.chatter != nil {
		c := r.o.chatter.Start(ctx, r.job.ID)
		defer c.Stop()
	}
	return r.o.media.Run(ctx, d, input)
}

// fail records err on the job, publishes the terminal event and returns any
// charge. Every error here is logged, never returned.
func (r *run) fail(ctx context.Context, cause error) {
	detail := media.Detail(cause)
	meta := r.vars.Meta
	meta.Error = &detail
	r.vars = r.vars.WithMeta(meta)
	r.log.Warn().Err(cause).Str("code", string(detail.Code)).Msg("pipeline: job failed")

	if err := r.o.jobs.Fail(ctx, r.job.ID, detail, r.vars); err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			r.log.Warn().Msg("pipeline: job already terminal")
			return
		}
		r.log.Error().Err(err).Msg("pipeline: record failure")
	}

	refunded := r.refund(ctx, cause)
	text := lineFailedFree
	if refunded {
		text = lineFailed
	}
	r.line(ctx, text)
	r.o.hub.PublishTerminal(r.job.ID, domain.StatusError, map[string]any{
		"code":     string(detail.Code),
		"message":  detail.Message,
		"refunded": refunded,
	})
}

// refund returns what the job's charge actually took, once. Only a settled
// charge is refunded. It reports whether credits went back.
func (r *run) refund(ctx context.Context, cause error) bool {
	if r.vars.Meta.Cost <= 0 {
		return false
	}
	charge, err := r.o.ledger.Entry(ctx, domain.ChargeRef(r.job.Mode), r.job.ID)
	if errors.Is(err, domain.ErrNotFound) {
		return false
	}
	if err != nil {
		r.log.Error().Err(err).Msg("pipeline: look up charge")
		return false
	}
	if charge.Status != domain.EntrySucceeded {
		r.log.Warn().Str("charge_status", charge.Status).Msg("pipeline: charge not settled, nothing to refund")
		return false
	}
	amount := charge.BalanceBefore - charge.BalanceAfter
	if amount <= 0 {
		return false
	}
	for _, ref := range []string{domain.RefundRef(r.job.Mode), domain.RefRefundSafety} {
		done, err := r.o.ledger.HasEntry(ctx, ref, r.job.ID)
		if err != nil {
			r.log.Error().Err(err).Msg("pipeline: look up refund")
			return false
		}
		if done {
			return true
		}
	}

	started := r.o.now()
	var res ledger.Result
	kind := domain.RefundRef(r.job.Mode)
	if media.IsSafetyRejection(cause) {
		kind = domain.RefRefundSafety
		res, err = r.o.ledger.CourtesyRefund(ctx, r.job.CustomerHandle, r.job.ID, amount)
	} else {
		res, err = r.o.ledger.Adjust(ctx, ledger.Adjustment{
			Handle:  r.job.CustomerHandle,
			Delta:   float64(amount),
			Reason:  "refund",
			Source:  "pipeline",
			RefType: kind,
			RefID:   r.job.ID,
			Meta:    map[string]any{"code": string(domain.CodeOf(cause))},
		})
	}
	if err != nil {
		r.log.Error().Err(err).Str("ref_type", kind).Msg("pipeline: refund")
		return false
	}
	r.step(ctx, stepRefund, started, map[string]any{
		"ref_type":  kind,
		"amount":    amount,
		"denied":    res.Denied,
		"duplicate": res.Duplicate,
		"balance":   res.Balance,
	})
	if res.Denied {
		r.log.Info().Msg("pipeline: courtesy refund denied")
		return false
	}
	meta := r.vars.Meta
	meta.Refunded = true
	if err := r.saveVars(ctx, r.vars.WithMeta(meta)); err != nil {
		r.log.Warn().Err(err).Msg("pipeline: mark refunded")
	}
	return true
}

func (r *run) transition(ctx context.Context, to domain.Status) error {
	if err := r.o.jobs.Transition(ctx, r.job.ID, to); err != nil {
		return fmt.Errorf("pipeline: %s: %w", to, err)
	}
	r.job.Status = to
	r.o.hub.PublishStatus(r.job.ID, to)
	return nil
}

func (r *run) saveVars(ctx context.Context, next domain.Vars) error {
	if err := r.o.jobs.SaveVars(ctx, r.job.ID, next); err != nil {
		return fmt.Errorf("pipeline: save vars: %w", err)
	}
	r.vars = next
	return nil
}

// line persists a progress line, then publishes it. Persistence failures are
// logged only.
func (r *run) line(ctx context.Context, text string) {
	if err := r.o.jobs.AppendLine(ctx, r.job.ID, text); err != nil {
		r.log.Warn().Err(err).Msg("pipeline: persist line")
	}
	r.o.hub.PublishLine(r.job.ID, events.Line{Index: -1, Text: text})
}

func (r *run) step(ctx context.Context, typ string, started time.Time, payload map[string]any) {
	r.seq++
	err := r.o.jobs.AppendStep(ctx, domain.Step{
		GenerationID: r.job.ID,
		Seq:          r.seq,
		Type:         typ,
		Payload:      payload,
		StartedAt:    started,
		FinishedAt:   r.o.now(),
	})
	if err != nil {
		r.log.Warn().Err(err).Str("step", typ).Msg("pipeline: append step")
	}
}

func (o *Orchestrator) checkFeatures(mode domain.Mode, in domain.Inputs) error {
	if mode != domain.ModeVideo {
		return nil
	}
	if !o.features.Video {
		return fmt.Errorf("%w: video", domain.ErrFeatureDisabled)
	}
	if in.Reference != nil && !o.features.Reference {
		return fmt.Errorf("%w: reference track", domain.ErrFeatureDisabled)
	}
	return nil
}

func (o *Orchestrator) flowFor(mode domain.Mode, in domain.Inputs) media.Descriptor {
	if mode == domain.ModeVideo {
		if in.Reference != nil {
			return o.flows.Reference
		}
		return o.flows.Video
	}
	if pricing.NormalizeLane(in.Lane) == pricing.LaneNiche {
		return o.flows.StillNiche
	}
	return o.flows.StillMain
}

func referenceKind(in domain.Inputs) string {
	if in.Reference == nil {
		return ""
	}
	return in.Reference.Kind
}

// buildInput maps job vars onto the provider's input schema.
func buildInput(mode domain.Mode, vars domain.Vars) map[string]any {
	in := map[string]any{"prompt": vars.Prompts.Final}
	if vars.Prompts.Negative != "" {
		in["negative_prompt"] = vars.Prompts.Negative
	}
	if vars.Inputs.AspectRatio != "" {
		in["aspect_ratio"] = vars.Inputs.AspectRatio
	}
	if mode == domain.ModeVideo {
		in["first_frame_image"] = vars.Assets.URL(domain.AssetFirstFrame)
		if vars.Inputs.DurationSeconds > 0 {
			in["duration"] = vars.Inputs.DurationSeconds
		}
		if ref := vars.Inputs.Reference; ref != nil {
			if ref.Kind == domain.ReferenceAudio {
				in["audio_url"] = ref.URL
			} else {
				in["reference_video_url"] = ref.URL
			}
			in["reference_seconds"] = ref.BilledSeconds
		}
		return in
	}
	in["image"] = vars.Assets.URL(domain.AssetSubject)
	if style := vars.Assets.URL(domain.AssetStyle); style != "" {
		in["style_image"] = style
	}
	return in
}
