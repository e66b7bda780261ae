package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"genstudio/internal/infra"
)

// Descriptor describes one provider flow.
type Descriptor struct {
	Name  string
	Model string
	// CallTimeout bounds every single remote call.
	CallTimeout time.Duration
	// PollInterval is the wait between status polls.
	PollInterval time.Duration
	// Deadline bounds the whole create-and-poll protocol.
	Deadline        time.Duration
	CancelOnTimeout bool
	// StripField is an optional input field dropped on a schema rejection.
	StripField string
}

// Result is the outcome of Run. It is filled as far as the protocol got,
// also when an error is returned.
type Result struct {
	Output        any
	OutputURL     string
	ProviderJobID string
	Status        string
	TimedOut      bool
	Stripped      bool
	CreatedAt     time.Time
	FinishedAt    time.Time
	Elapsed       time.Duration
	Polls         int
}

// Runner executes the create/poll protocol against a Client.
type Runner struct {
	client Client
	logger *infra.Logger
	now    func() time.Time
}

type RunnerOptions struct {
	Logger *infra.Logger
	Now    func() time.Time
}

func NewRunner(client Client, opts RunnerOptions) *Runner {
	r := &Runner{client: client, logger: infra.OrDiscard(opts.Logger), now: opts.Now}
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func withDefaults(d Descriptor) Descriptor {
	if d.CallTimeout <= 0 {
		d.CallTimeout = 20 * time.Second
	}
	if d.PollInterval <= 0 {
		d.PollInterval = 2 * time.Second
	}
	if d.Deadline <= 0 {
		d.Deadline = 10 * time.Minute
	}
	if d.Name == "" {
		d.Name = "media"
	}
	return d
}

// Run creates the remote job and polls it until a terminal status or the
// overall deadline. One final status fetch always follows the loop.
func (r *Runner) Run(ctx context.Context, d Descriptor, input map[string]any) (Result, error) {
	d = withDefaults(d)
	res := Result{CreatedAt: r.now()}
	deadline := res.CreatedAt.Add(d.Deadline)
	finish := func() {
		res.FinishedAt = r.now()
		res.Elapsed = res.FinishedAt.Sub(res.CreatedAt)
	}

	job, stripped, err := r.create(ctx, d, input)
	res.Stripped = stripped
	if err != nil {
		finish()
		return res, &ProviderError{Provider: d.Name, Status: "create_failed", Schema: isSchemaRejection(err, d.StripField) || isHTTPStatus(err, 422), Err: err}
	}
	job.Status = normalizeStatus(job.Status)
	res.ProviderJobID, res.Status = job.ID, job.Status
	log := r.logger.With().Str("provider", d.Name).Str("provider_job_id", job.ID).Logger()

	for !IsTerminalStatus(job.Status) {
		wait := deadline.Sub(r.now())
		if wait <= 0 {
			break
		}
		if wait > d.PollInterval {
			wait = d.PollInterval
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			finish()
			return res, fmt.Errorf("media: %s: %w", d.Name, ctx.Err())
		case <-timer.C:
		}
		if !r.now().Before(deadline) {
			break
		}
		polled, err := r.get(ctx, d, job.ID)
		res.Polls++
		if err != nil {
			log.Warn().Err(err).Int("poll", res.Polls).Msg("media: poll failed")
			continue
		}
		job = mergeJob(job, polled)
	}

	if final, err := r.get(ctx, d, job.ID); err != nil {
		log.Warn().Err(err).Msg("media: final fetch failed")
	} else {
		job = mergeJob(job, final)
	}
	finish()
	res.Status, res.Output = job.Status, job.Output

	switch {
	case !IsTerminalStatus(job.Status):
		res.TimedOut = true
		if d.CancelOnTimeout {
			cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.CallTimeout)
			if err := r.client.Cancel(cctx, job.ID); err != nil {
				log.Warn().Err(err).Msg("media: cancel after timeout failed")
			}
			cancel()
		}
		return res, &ProviderError{Provider: d.Name, JobID: job.ID, Status: job.Status, TimedOut: true, Logs: job.Logs}
	case job.Status != StatusSucceeded:
		return res, &ProviderError{Provider: d.Name, JobID: job.ID, Status: job.Status, Detail: job.ErrorText(), Logs: job.Logs}
	}

	res.OutputURL = FindOutputURL(job.Output)
	if res.OutputURL == "" {
		return res, fmt.Errorf("media: %s job %s: %w", d.Name, job.ID, ErrNoOutput)
	}
	log.Info().Int("polls", res.Polls).Dur("elapsed", res.Elapsed).Msg("media: job succeeded")
	return res, nil
}

func (r *Runner) create(ctx context.Context, d Descriptor, input map[string]any) (RemoteJob, bool, error) {
	cctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	job, err := r.client.Create(cctx, d.Model, input)
	cancel()
	if err == nil || !isSchemaRejection(err, d.StripField) {
		return job, false, err
	}
	if _, ok := input[d.StripField]; !ok {
		return job, false, err
	}
	r.logger.Warn().Err(err).Str("provider", d.Name).Str("field", d.StripField).Msg("media: retrying create without field")
	trimmed := make(map[string]any, len(input))
	for k, v := range input {
		if k != d.StripField {
			trimmed[k] = v
		}
	}
	cctx, cancel = context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()
	job, err = r.client.Create(cctx, d.Model, trimmed)
	return job, true, err
}

func (r *Runner) get(ctx context.Context, d Descriptor, id string) (RemoteJob, error) {
	cctx, cancel := context.WithTimeout(ctx, d.CallTimeout)
	defer cancel()
	return r.client.Get(cctx, id)
}

// mergeJob keeps the job id when a poll answer omits it.
func mergeJob(prev, next RemoteJob) RemoteJob {
	if next.ID == "" {
		next.ID = prev.ID
	}
	next.Status = normalizeStatus(next.Status)
	if next.Status == "" {
		next.Status = prev.Status
	}
	return next
}

// normalizeStatus lower-cases provider statuses so "Succeeded" and
// "succeeded" compare equal.
func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

func isHTTPStatus(err error, code int) bool {
	var herr *HTTPError
	return errors.As(err, &herr) && herr.StatusCode == code
}
