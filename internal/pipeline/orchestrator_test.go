package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"genstudio/internal/chatter"
	"genstudio/internal/domain"
	"genstudio/internal/events"
	"genstudio/internal/identity"
	"genstudio/internal/jobs"
	"genstudio/internal/ledger"
	"genstudio/internal/providers/media"
	"genstudio/internal/providers/prompt"
)

type fakeMedia struct {
	mu    sync.Mutex
	calls []map[string]any
	descs []media.Descriptor
	run   func(ctx context.Context, d media.Descriptor, input map[string]any) (media.Result, error)
}

func (f *fakeMedia) Run(ctx context.Context, d media.Descriptor, input map[string]any) (media.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, input)
	f.descs = append(f.descs, d)
	f.mu.Unlock()
	if f.run != nil {
		return f.run(ctx, d, input)
	}
	return media.Result{OutputURL: "https://provider.test/out.png", ProviderJobID: "p-1", Status: media.StatusSucceeded, Polls: 2}, nil
}

func (f *fakeMedia) Calls() []map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]map[string]any(nil), f.calls...)
}

type fakeSynth struct {
	mu   sync.Mutex
	reqs []prompt.Request
	err  error
}

func (f *fakeSynth) Synthesize(_ context.Context, req prompt.Request) (prompt.Prompt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return prompt.Prompt{}, f.err
	}
	return prompt.Prompt{Text: "studio shot of " + req.Inputs.Brief, Negative: "blurry", Synthesizer: "fake"}, nil
}

func (f *fakeSynth) Last() prompt.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.reqs[len(f.reqs)-1]
}

type fakePersister struct {
	err error
}

func (f fakePersister) PersistRemoteURL(_ context.Context, sourceURL, prefix string) (string, error) {
	if f.err != nil {
		return "", f.err
	}
	return "https://cdn.test/" + prefix + "/out.png", nil
}

type harness struct {
	orch    *Orchestrator
	ledger  *ledger.Service
	entries *ledger.MemoryStore
	jobs    *jobs.MemoryStore
	hub     *events.Hub
	media   *fakeMedia
	synth   *fakeSynth
	ids     int
}

func newHarness(t *testing.T, mutate func(*Options)) *harness {
	t.Helper()
	h := &harness{
		entries: ledger.NewMemoryStore(),
		jobs:    jobs.NewMemoryStore(),
		hub:     events.NewHub(events.Options{Retain: time.Minute}),
		media:   &fakeMedia{},
		synth:   &fakeSynth{},
	}
	h.ledger = ledger.NewService(h.entries, ledger.Options{GraceDays: 30})
	var mu sync.Mutex
	opts := Options{
		Ledger:      h.ledger,
		Jobs:        h.jobs,
		Hub:         h.hub,
		Chatter:     chatter.New(h.hub, h.jobs, chatter.Options{Interval: time.Millisecond, Seed: 7}),
		Media:       h.media,
		Synthesizer: h.synth,
		Storage:     fakePersister{},
		Flows: Flows{
			StillMain:  media.Descriptor{Name: "still-main", Model: "m/main"},
			StillNiche: media.Descriptor{Name: "still-niche", Model: "m/niche"},
			Video:      media.Descriptor{Name: "video", Model: "m/video"},
			Reference:  media.Descriptor{Name: "reference", Model: "m/ref"},
		},
		Features: Features{Video: true, Reference: true},
		NewID: func() string {
			mu.Lock()
			defer mu.Unlock()
			h.ids++
			return fmt.Sprintf("job-%d", h.ids)
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	h.orch = New(opts)
	return h
}

func (h *harness) topUp(t *testing.T, handle string, amount float64) {
	t.Helper()
	_, err := h.ledger.Adjust(context.Background(), ledger.Adjustment{Handle: handle, Delta: amount, Reason: "topup", Source: "test"})
	require.NoError(t, err)
}

func (h *harness) balance(t *testing.T, handle string) int64 {
	t.Helper()
	acct, err := h.ledger.GetBalance(context.Background(), handle)
	require.NoError(t, err)
	return acct.Balance
}

func (h *harness) job(t *testing.T, id string) *domain.Generation {
	t.Helper()
	g, err := h.jobs.Get(context.Background(), id)
	require.NoError(t, err)
	return g
}

func stillRequest(customer string) CreateRequest {
	return CreateRequest{
		Hints:  identity.Hints{CustomerID: customer},
		Mode:   "still",
		Inputs: domain.Inputs{Brief: "a ceramic mug", Lane: "main"},
		Assets: domain.Assets{Images: []domain.LabeledAsset{{Label: domain.AssetSubject, URL: "https://assets.test/mug.png"}}},
	}
}

func videoRequest(customer string) CreateRequest {
	return CreateRequest{
		Hints:  identity.Hints{CustomerID: customer},
		Mode:   "video",
		Inputs: domain.Inputs{Brief: "slow pan", DurationSeconds: 6},
		Assets: domain.Assets{Images: []domain.LabeledAsset{{Label: domain.AssetFirstFrame, URL: "https://assets.test/frame.png"}}},
	}
}

func TestCreateStillRunsToDone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)

	acc, err := h.orch.Create(ctx, stillRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusQueued, acc.Status)
	assert.Equal(t, "/v1/generations/"+acc.JobID+"/events", acc.Stream)
	assert.Equal(t, int64(1), acc.Cost)
	assert.Equal(t, "cust:a", acc.Customer)
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	assert.Equal(t, domain.StatusDone, g.Status)
	assert.Equal(t, "https://cdn.test/generations/"+acc.JobID+"/out.png", g.OutputURL)
	assert.Equal(t, "studio shot of a ceramic mug", g.Prompt)
	assert.Equal(t, "https://provider.test/out.png", g.Vars.Outputs.RemoteURL)
	assert.Equal(t, "p-1", g.Vars.Outputs.ProviderJobID)
	assert.True(t, g.Vars.Meta.Charged)
	assert.Contains(t, g.Lines, lineDone)
	assert.Equal(t, int64(9), h.balance(t, "cust:a"))

	steps := h.jobs.Steps(acc.JobID)
	require.Len(t, steps, 3)
	assert.Equal(t, stepPrompt, steps[0].Type)
	assert.Equal(t, stepGenerate, steps[1].Type)
	assert.Equal(t, stepPersist, steps[2].Type)

	calls := h.media.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "https://assets.test/mug.png", calls[0]["image"])
	assert.Equal(t, "blurry", calls[0]["negative_prompt"])

	term, ok := h.hub.Terminal(acc.JobID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusDone, term.Status)
	assert.Equal(t, g.OutputURL, term.Data["output_url"])
}

func TestCreateNicheLaneUsesNicheFlow(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)
	req := stillRequest("a")
	req.Inputs.Lane = "NICHE"

	acc, err := h.orch.Create(context.Background(), req)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, int64(2), acc.Cost)
	assert.Equal(t, "still-niche", h.media.descs[0].Name)
	assert.Equal(t, "niche", h.job(t, acc.JobID).Vars.Inputs.Lane)
}

func TestCreateInsufficientCreditsPersistsNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 1)
	req := stillRequest("a")
	req.Inputs.Lane = "niche"

	_, err := h.orch.Create(ctx, req)
	var insufficient *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(2), insufficient.Required)
	assert.Equal(t, int64(1), insufficient.Available)
	assert.Equal(t, int64(1), insufficient.Shortfall())
	require.NotNil(t, insufficient.Suggestion)
	assert.Equal(t, "main", insufficient.Suggestion.Lane)
	assert.Equal(t, domain.CodeInsufficientCredits, domain.CodeOf(err))

	list, err := h.jobs.ListByCustomer(ctx, "cust:a", 10)
	require.NoError(t, err)
	assert.Empty(t, list)
	assert.Equal(t, int64(1), h.balance(t, "cust:a"))
}

func TestCreateTreatsExpiredCreditsAsZero(t *testing.T) {
	h := newHarness(t, nil)
	_, err := h.ledger.Adjust(context.Background(), ledger.Adjustment{
		Handle:    "cust:a",
		Delta:     50,
		EventTime: time.Now().AddDate(0, 0, -90),
	})
	require.NoError(t, err)

	_, err = h.orch.Create(context.Background(), stillRequest("a"))
	var insufficient *domain.InsufficientCreditsError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(0), insufficient.Available)
}

func TestCreateValidatesInputs(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 100)

	noSubject := stillRequest("a")
	noSubject.Assets = domain.Assets{}
	_, err := h.orch.Create(context.Background(), noSubject)
	assert.ErrorIs(t, err, domain.ErrMissingAsset)

	noFrame := videoRequest("a")
	noFrame.Assets = domain.Assets{Images: []domain.LabeledAsset{{Label: domain.AssetSubject, URL: "https://assets.test/a.png"}}}
	_, err = h.orch.Create(context.Background(), noFrame)
	assert.ErrorIs(t, err, domain.ErrMissingAsset)

	badRef := videoRequest("a")
	badRef.Inputs.Reference = &domain.ReferenceTrack{URL: "https://assets.test/ref.mp4", Seconds: 0}
	_, err = h.orch.Create(context.Background(), badRef)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	badURL := stillRequest("a")
	badURL.Assets.Images[0].URL = "file:///etc/passwd"
	_, err = h.orch.Create(context.Background(), badURL)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.orch.Create(context.Background(), CreateRequest{Mode: "still"})
	assert.ErrorIs(t, err, domain.ErrMissingIdentity)

	_, err = h.orch.Create(context.Background(), CreateRequest{Hints: identity.Hints{CustomerID: "a"}, Mode: "audio"})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	assert.Equal(t, int64(100), h.balance(t, "cust:a"))
}

func TestReferenceTrackIsBilledPerSeconds(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 100)
	req := videoRequest("a")
	req.Inputs.Reference = &domain.ReferenceTrack{URL: "https://assets.test/voice.mp3", Seconds: 3}

	acc, err := h.orch.Create(context.Background(), req)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, int64(5), acc.Cost)
	assert.Equal(t, "reference", h.media.descs[0].Name)
	call := h.media.Calls()[0]
	assert.Equal(t, "https://assets.test/voice.mp3", call["audio_url"])
	assert.Equal(t, 5, call["reference_seconds"])
	ref := h.job(t, acc.JobID).Vars.Inputs.Reference
	require.NotNil(t, ref)
	assert.Equal(t, domain.ReferenceAudio, ref.Kind)
	assert.Zero(t, req.Inputs.Reference.BilledSeconds, "caller's request must not be mutated")
}

func TestProviderFailureRefundsCharge(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 20)
	h.media.run = func(context.Context, media.Descriptor, map[string]any) (media.Result, error) {
		return media.Result{ProviderJobID: "p-9", Status: media.StatusFailed},
			&media.ProviderError{Provider: "video", JobID: "p-9", Status: media.StatusFailed, Detail: "out of memory"}
	}

	acc, err := h.orch.Create(context.Background(), videoRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(15), h.balance(t, "cust:a"))
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	assert.Equal(t, domain.StatusError, g.Status)
	require.NotNil(t, g.Error)
	assert.Equal(t, domain.CodeProviderTerminalFailure, g.Error.Code)
	assert.Equal(t, "p-9", g.Error.ProviderJobID)
	assert.Equal(t, "out of memory", g.Error.RemoteError)
	assert.Equal(t, "p-9", g.Vars.Outputs.ProviderJobID)
	assert.True(t, g.Vars.Meta.Refunded)
	assert.Equal(t, int64(20), h.balance(t, "cust:a"))

	refunded, err := h.ledger.HasEntry(context.Background(), domain.RefRefundVideo, acc.JobID)
	require.NoError(t, err)
	assert.True(t, refunded)

	term, ok := h.hub.Terminal(acc.JobID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusError, term.Status)
	assert.Equal(t, string(domain.CodeProviderTerminalFailure), term.Data["code"])
	assert.Equal(t, true, term.Data["refunded"])
}

func TestSafetyRejectionsGetOneCourtesyRefundPerDay(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 20)
	h.media.run = func(context.Context, media.Descriptor, map[string]any) (media.Result, error) {
		return media.Result{}, &media.ProviderError{Provider: "still", Status: media.StatusFailed, Detail: "NSFW content detected"}
	}

	first, err := h.orch.Create(context.Background(), stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()
	second, err := h.orch.Create(context.Background(), stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	assert.True(t, h.job(t, first.JobID).Vars.Meta.Refunded)
	assert.False(t, h.job(t, second.JobID).Vars.Meta.Refunded)
	assert.Equal(t, int64(19), h.balance(t, "cust:a"))

	ok, err := h.ledger.HasEntry(context.Background(), domain.RefRefundSafety, first.JobID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = h.ledger.HasEntry(context.Background(), domain.RefRefundStill, first.JobID)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSuggestOnlyIsFreeAndCarriesPrompt(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 3)
	req := videoRequest("a")
	req.Inputs.SuggestOnly = true

	acc, err := h.orch.Create(context.Background(), req)
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, int64(0), acc.Cost)
	assert.Equal(t, domain.StatusSuggested, h.job(t, acc.JobID).Status)
	assert.Empty(t, h.media.Calls())
	assert.Equal(t, int64(3), h.balance(t, "cust:a"))

	term, ok := h.hub.Terminal(acc.JobID)
	require.True(t, ok)
	assert.Equal(t, "studio shot of slow pan", term.Data["prompt"])

	still := stillRequest("a")
	still.Inputs.SuggestOnly = true
	_, err = h.orch.Create(context.Background(), still)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestDisabledFeatureFailsAndRefunds(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Features.Reference = false })
	h.topUp(t, "cust:a", 40)
	req := videoRequest("a")
	req.Inputs.Reference = &domain.ReferenceTrack{URL: "https://assets.test/clip.mov", Seconds: 7}

	acc, err := h.orch.Create(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, int64(10), acc.Cost)
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	assert.Equal(t, domain.StatusError, g.Status)
	assert.Equal(t, domain.CodeFeatureDisabled, g.Error.Code)
	assert.Empty(t, h.media.Calls())
	assert.Equal(t, int64(40), h.balance(t, "cust:a"))
}

func TestStorageFailureRefunds(t *testing.T) {
	h := newHarness(t, func(o *Options) {
		o.Storage = fakePersister{err: fmt.Errorf("%w: bucket gone", domain.ErrStorageFailure)}
	})
	h.topUp(t, "cust:a", 5)

	acc, err := h.orch.Create(context.Background(), stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	assert.Equal(t, domain.CodeStorageFailure, g.Error.Code)
	assert.Equal(t, int64(5), h.balance(t, "cust:a"))
}

func TestEmptyPromptFailsBeforeGenerating(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 5)
	h.synth.err = domain.ErrEmptyPrompt

	acc, err := h.orch.Create(context.Background(), stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	assert.Equal(t, domain.CodeEmptyPrompt, g.Error.Code)
	assert.Empty(t, h.media.Calls())
	assert.Equal(t, int64(5), h.balance(t, "cust:a"))
}

func TestPanicInRunIsRecoveredAndChatterStops(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)
	h.media.run = func(context.Context, media.Descriptor, map[string]any) (media.Result, error) {
		time.Sleep(15 * time.Millisecond)
		panic("provider client exploded")
	}

	acc, err := h.orch.Create(context.Background(), videoRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	assert.Equal(t, domain.StatusError, g.Status)
	assert.Equal(t, domain.CodeInternal, g.Error.Code)
	assert.Equal(t, int64(10), h.balance(t, "cust:a"))

	lines := len(h.job(t, acc.JobID).Lines)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, lines, len(h.job(t, acc.JobID).Lines))
}

func TestChatterRunsOnlyWhileGenerating(t *testing.T) {
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)
	h.media.run = func(context.Context, media.Descriptor, map[string]any) (media.Result, error) {
		time.Sleep(20 * time.Millisecond)
		return media.Result{OutputURL: "https://provider.test/v.mp4", Status: media.StatusSucceeded}, nil
	}

	acc, err := h.orch.Create(context.Background(), videoRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	require.Equal(t, domain.StatusDone, g.Status)
	sending := indexOf(g.Lines, lineSending)
	saving := indexOf(g.Lines, lineSaving)
	require.True(t, sending >= 0 && saving > sending)
	assert.Greater(t, saving-sending, 1, "expected chatter lines while generating")
	assert.Equal(t, lineDone, g.Lines[len(g.Lines)-1])

	time.Sleep(10 * time.Millisecond)
	assert.Len(t, h.job(t, acc.JobID).Lines, len(g.Lines))
}

func indexOf(lines []string, want string) int {
	for i, l := range lines {
		if l == want {
			return i
		}
	}
	return -1
}

func TestTweakInheritsFromParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)

	parent, err := h.orch.Create(ctx, stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	child, err := h.orch.Tweak(ctx, TweakRequest{
		Hints:    identity.Hints{CustomerID: "a"},
		ParentID: parent.JobID,
		Feedback: "warmer light",
	})
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, parent.JobID, child.ParentID)
	g := h.job(t, child.JobID)
	assert.Equal(t, domain.StatusDone, g.Status)
	assert.Equal(t, parent.JobID, g.ParentID)
	assert.Equal(t, "a ceramic mug", g.Vars.Inputs.Brief)
	assert.Equal(t, "warmer light", g.Vars.Inputs.Feedback)
	assert.Equal(t, "https://assets.test/mug.png", g.Vars.Assets.URL(domain.AssetSubject))

	last := h.synth.Last()
	assert.Equal(t, "studio shot of a ceramic mug", last.PreviousPrompt)
	assert.Equal(t, "warmer light", last.Inputs.Feedback)
	assert.Equal(t, int64(8), h.balance(t, "cust:a"))
}

func TestTweakRejectsMissingFeedbackAndForeignParent(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)
	parent, err := h.orch.Create(ctx, stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	_, err = h.orch.Tweak(ctx, TweakRequest{Hints: identity.Hints{CustomerID: "a"}, ParentID: parent.JobID})
	assert.ErrorIs(t, err, domain.ErrInvalidInput)

	_, err = h.orch.Tweak(ctx, TweakRequest{Hints: identity.Hints{CustomerID: "b"}, ParentID: parent.JobID, Feedback: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)

	_, err = h.orch.Tweak(ctx, TweakRequest{Hints: identity.Hints{CustomerID: "a"}, ParentID: "nope", Feedback: "x"})
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestConfirmAssistChargesEveryTenthUse(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 5)

	var last AssistResult
	for i := 1; i <= 10; i++ {
		req := videoRequest("a")
		req.Inputs.SuggestOnly = true
		acc, err := h.orch.Create(ctx, req)
		require.NoError(t, err)
		h.orch.Wait()

		res, err := h.orch.ConfirmAssist(ctx, "cust:a", acc.JobID)
		require.NoError(t, err)
		assert.Equal(t, i, res.Use)
		assert.Equal(t, i == 10, res.Charged)
		last = res

		if i == 10 {
			again, err := h.orch.ConfirmAssist(ctx, "cust:a", acc.JobID)
			require.NoError(t, err)
			assert.Equal(t, 10, again.Use)
			assert.Equal(t, int64(4), again.Balance)
		}
	}
	assert.Equal(t, int64(4), last.Balance)
	assert.Equal(t, int64(4), h.balance(t, "cust:a"))

	charged, err := h.ledger.HasEntry(ctx, domain.RefAssist, "cust:a:1")
	require.NoError(t, err)
	assert.True(t, charged)
}

func TestConfirmAssistRequiresSuggestedJobOfCustomer(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 5)
	acc, err := h.orch.Create(ctx, stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	_, err = h.orch.ConfirmAssist(ctx, "cust:a", acc.JobID)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
	_, err = h.orch.ConfirmAssist(ctx, "cust:b", acc.JobID)
	assert.ErrorIs(t, err, domain.ErrNotFound)
	_, err = h.orch.ConfirmAssist(ctx, "", acc.JobID)
	assert.ErrorIs(t, err, domain.ErrMissingIdentity)
}

func TestReapFailsStaleJobsAndRefunds(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)
	h.jobs.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })

	stale := &domain.Generation{
		ID:             "stale-1",
		CustomerHandle: "cust:a",
		Mode:           domain.ModeStill,
		Status:         domain.StatusQueued,
		Vars:           domain.Vars{Version: 1, Meta: domain.Meta{Cost: 2}},
	}
	require.NoError(t, h.jobs.Create(ctx, stale))
	require.NoError(t, h.jobs.Transition(ctx, stale.ID, domain.StatusPrompting))
	_, err := h.ledger.Adjust(ctx, ledger.Adjustment{Handle: "cust:a", Delta: -2, RefType: domain.RefChargeStill, RefID: stale.ID})
	require.NoError(t, err)
	h.jobs.SetClock(time.Now)

	n, err := h.orch.Reap(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	g := h.job(t, stale.ID)
	assert.Equal(t, domain.StatusError, g.Status)
	assert.Equal(t, domain.CodeInternal, g.Error.Code)
	assert.Equal(t, "stale job", g.Error.Message)
	assert.Equal(t, int64(10), h.balance(t, "cust:a"))

	n, err = h.orch.Reap(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestFailureAfterTerminalLeavesJobAlone(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)
	acc, err := h.orch.Create(ctx, stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	g := h.job(t, acc.JobID)
	r := &run{o: h.orch, job: g, vars: g.Vars, seq: reapStepSeq, log: zerolog.Nop()}
	r.fail(ctx, errors.New("late failure"))

	after := h.job(t, acc.JobID)
	assert.Equal(t, domain.StatusDone, after.Status)
	assert.Nil(t, after.Error)
	assert.Equal(t, int64(9), h.balance(t, "cust:a"))
	assert.False(t, strings.Contains(strings.Join(after.Lines, "|"), "went wrong"))
}

type failFirstDebit struct {
	*ledger.MemoryStore
	mu     sync.Mutex
	failed bool
}

func (s *failFirstDebit) ApplyDelta(ctx context.Context, handle string, delta int64, floor *time.Time) (int64, int64, error) {
	s.mu.Lock()
	fail := delta < 0 && !s.failed
	if fail {
		s.failed = true
	}
	s.mu.Unlock()
	if fail {
		return 0, 0, errors.New("balance write lost")
	}
	return s.MemoryStore.ApplyDelta(ctx, handle, delta, floor)
}

func TestFailedChargeIsNotRefunded(t *testing.T) {
	ctx := context.Background()
	store := &failFirstDebit{MemoryStore: ledger.NewMemoryStore()}
	svc := ledger.NewService(store, ledger.Options{GraceDays: 30})
	h := newHarness(t, func(o *Options) { o.Ledger = svc })
	h.ledger, h.entries = svc, store.MemoryStore
	h.topUp(t, "cust:a", 5)

	_, err := h.orch.Create(ctx, stillRequest("a"))
	require.Error(t, err)
	h.orch.Wait()

	assert.Equal(t, int64(5), h.balance(t, "cust:a"))
	charge, err := h.entries.FindEntry(ctx, domain.RefChargeStill, "job-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EntryError, charge.Status)
	refunded, err := h.ledger.HasEntry(ctx, domain.RefRefundStill, "job-1")
	require.NoError(t, err)
	assert.False(t, refunded)

	g := h.job(t, "job-1")
	assert.Equal(t, domain.StatusError, g.Status)
	assert.False(t, g.Vars.Meta.Refunded)
}

// staleBalance reports a fixed balance at pre-flight while the real account
// holds less.
type staleBalance struct {
	*ledger.Service
	shown int64
}

func (s staleBalance) GetBalance(_ context.Context, handle string) (domain.Account, error) {
	return domain.Account{Handle: handle, Balance: s.shown}, nil
}

func TestRefundReturnsOnlyWhatTheChargeTook(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Ledger = staleBalance{Service: o.Ledger.(*ledger.Service), shown: 10}
	})
	h.topUp(t, "cust:a", 3)
	h.media.run = func(context.Context, media.Descriptor, map[string]any) (media.Result, error) {
		return media.Result{ProviderJobID: "p-2", Status: media.StatusFailed},
			&media.ProviderError{Provider: "video", JobID: "p-2", Status: media.StatusFailed, Detail: "boom"}
	}

	acc, err := h.orch.Create(ctx, videoRequest("a"))
	require.NoError(t, err)
	assert.Equal(t, int64(0), h.balance(t, "cust:a"))
	h.orch.Wait()

	charge, err := h.entries.FindEntry(ctx, domain.RefChargeVideo, acc.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), charge.BalanceBefore)
	assert.Equal(t, int64(0), charge.BalanceAfter)

	refund, err := h.entries.FindEntry(ctx, domain.RefRefundVideo, acc.JobID)
	require.NoError(t, err)
	assert.Equal(t, int64(3), refund.Delta)
	assert.Equal(t, int64(3), h.balance(t, "cust:a"))
}

func TestRefundSkipsChargeThatTookNothing(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, func(o *Options) {
		o.Ledger = staleBalance{Service: o.Ledger.(*ledger.Service), shown: 5}
	})
	h.media.run = func(context.Context, media.Descriptor, map[string]any) (media.Result, error) {
		return media.Result{}, &media.ProviderError{Provider: "still", Status: media.StatusFailed, Detail: "boom"}
	}

	acc, err := h.orch.Create(ctx, stillRequest("a"))
	require.NoError(t, err)
	h.orch.Wait()

	assert.Equal(t, int64(0), h.balance(t, "cust:a"))
	refunded, err := h.ledger.HasEntry(ctx, domain.RefRefundStill, acc.JobID)
	require.NoError(t, err)
	assert.False(t, refunded)
	term, ok := h.hub.Terminal(acc.JobID)
	require.True(t, ok)
	assert.Equal(t, false, term.Data["refunded"])
}

func TestReapDoesNotRefundUnsettledCharge(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t, nil)
	h.topUp(t, "cust:a", 10)
	h.jobs.SetClock(func() time.Time { return time.Now().Add(-time.Hour) })

	stale := &domain.Generation{
		ID:             "stale-2",
		CustomerHandle: "cust:a",
		Mode:           domain.ModeStill,
		Status:         domain.StatusQueued,
		Vars:           domain.Vars{Version: 1, Meta: domain.Meta{Cost: 2}},
	}
	require.NoError(t, h.jobs.Create(ctx, stale))
	_, claimed, err := h.entries.ClaimEntry(ctx, domain.LedgerEntry{
		CustomerHandle: "cust:a",
		Delta:          -2,
		RefType:        domain.RefChargeStill,
		RefID:          stale.ID,
		Status:         domain.EntryPending,
	})
	require.NoError(t, err)
	require.True(t, claimed)
	h.jobs.SetClock(time.Now)

	n, err := h.orch.Reap(ctx, time.Now().Add(-30*time.Minute), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	assert.Equal(t, domain.StatusError, h.job(t, stale.ID).Status)
	assert.Equal(t, int64(10), h.balance(t, "cust:a"))
	refunded, err := h.ledger.HasEntry(ctx, domain.RefRefundStill, stale.ID)
	require.NoError(t, err)
	assert.False(t, refunded)
}
