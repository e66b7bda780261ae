package media

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"genstudio/internal/domain"
)

type scriptedClient struct {
	mu        sync.Mutex
	createErr []error
	inputs    []map[string]any
	statuses  []RemoteJob
	getErrs   map[int]error
	gets      int
	cancels   int
	cancelErr error
}

func (c *scriptedClient) Create(_ context.Context, _ string, input map[string]any) (RemoteJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inputs = append(c.inputs, input)
	if len(c.createErr) > 0 {
		err := c.createErr[0]
		c.createErr = c.createErr[1:]
		if err != nil {
			return RemoteJob{}, err
		}
	}
	return RemoteJob{ID: "p-1", Status: StatusStarting}, nil
}

func (c *scriptedClient) Get(_ context.Context, id string) (RemoteJob, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.gets++
	if err, ok := c.getErrs[c.gets]; ok {
		return RemoteJob{}, err
	}
	if len(c.statuses) == 0 {
		return RemoteJob{ID: id, Status: StatusProcessing}, nil
	}
	job := c.statuses[0]
	if len(c.statuses) > 1 {
		c.statuses = c.statuses[1:]
	}
	return job, nil
}

func (c *scriptedClient) Cancel(context.Context, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancels++
	return c.cancelErr
}

func fastDescriptor() Descriptor {
	return Descriptor{
		Name:            "test",
		Model:           "m",
		CallTimeout:     50 * time.Millisecond,
		PollInterval:    time.Millisecond,
		Deadline:        time.Second,
		CancelOnTimeout: true,
	}
}

func TestRunSucceedsAndExtractsURL(t *testing.T) {
	client := &scriptedClient{
		statuses: []RemoteJob{
			{ID: "p-1", Status: StatusProcessing},
			{ID: "p-1", Status: StatusSucceeded, Output: []any{"https://cdn.example.com/out.mp4"}},
		},
		getErrs: map[int]error{1: errors.New("connection reset")},
	}
	res, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), fastDescriptor(), map[string]any{"prompt": "p"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.OutputURL != "https://cdn.example.com/out.mp4" {
		t.Fatalf("OutputURL = %q", res.OutputURL)
	}
	if res.ProviderJobID != "p-1" || res.Status != StatusSucceeded {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Polls < 3 {
		t.Fatalf("transient poll error should not stop the loop, polls=%d", res.Polls)
	}
	if client.gets != res.Polls+1 {
		t.Fatalf("expected one final fetch after the loop: gets=%d polls=%d", client.gets, res.Polls)
	}
}

func TestRunTerminalFailureIsStructured(t *testing.T) {
	client := &scriptedClient{statuses: []RemoteJob{{ID: "p-1", Status: StatusFailed, Error: "NSFW content detected", Logs: "safety checker"}}}
	_, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), fastDescriptor(), nil)
	var perr *ProviderError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProviderError, got %v", err)
	}
	if perr.JobID != "p-1" || perr.Status != StatusFailed || perr.Detail != "NSFW content detected" {
		t.Fatalf("unexpected provider error %+v", perr)
	}
	if domain.CodeOf(err) != domain.CodeProviderTerminalFailure {
		t.Fatalf("code = %s", domain.CodeOf(err))
	}
	if !IsSafetyRejection(err) {
		t.Fatalf("expected safety rejection")
	}
	detail := Detail(err)
	if detail.ProviderJobID != "p-1" || detail.RemoteStatus != StatusFailed {
		t.Fatalf("unexpected detail %+v", detail)
	}
}

func TestRunDeadlineCancelsRemoteJob(t *testing.T) {
	client := &scriptedClient{cancelErr: errors.New("already finished")}
	d := fastDescriptor()
	d.Deadline = 20 * time.Millisecond
	res, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), d, nil)
	if !res.TimedOut {
		t.Fatalf("expected timed out result")
	}
	if domain.CodeOf(err) != domain.CodeProviderTimeout {
		t.Fatalf("code = %s (%v)", domain.CodeOf(err), err)
	}
	if client.cancels != 1 {
		t.Fatalf("cancels = %d, want 1", client.cancels)
	}
	if IsSafetyRejection(err) {
		t.Fatalf("timeout is not a safety rejection")
	}
}

func TestRunFinalFetchCanRescueLateSuccess(t *testing.T) {
	client := &scriptedClient{statuses: []RemoteJob{{ID: "p-1", Status: StatusSucceeded, Output: map[string]any{"video": "https://cdn/x.mp4"}}}}
	d := fastDescriptor()
	d.Deadline = time.Nanosecond
	res, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), d, nil)
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.TimedOut || res.OutputURL != "https://cdn/x.mp4" {
		t.Fatalf("unexpected result %+v", res)
	}
	if client.cancels != 0 {
		t.Fatalf("should not cancel a finished job")
	}
}

func TestRunNoOutput(t *testing.T) {
	client := &scriptedClient{statuses: []RemoteJob{{ID: "p-1", Status: StatusSucceeded, Output: map[string]any{"seed": 42}}}}
	_, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), fastDescriptor(), nil)
	if !errors.Is(err, ErrNoOutput) {
		t.Fatalf("expected ErrNoOutput, got %v", err)
	}
	if domain.CodeOf(err) != domain.CodeProviderNoOutput {
		t.Fatalf("code = %s", domain.CodeOf(err))
	}
}

func TestRunStripsRejectedFieldOnce(t *testing.T) {
	client := &scriptedClient{
		createErr: []error{&HTTPError{StatusCode: 422, Body: `{"detail":"input.audio_url: Additional property not allowed"}`}},
		statuses:  []RemoteJob{{ID: "p-1", Status: StatusSucceeded, Output: "https://cdn/x.mp4"}},
	}
	d := fastDescriptor()
	d.StripField = "audio_url"
	res, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), d, map[string]any{"prompt": "p", "audio_url": "https://a/x.mp3"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if !res.Stripped || len(client.inputs) != 2 {
		t.Fatalf("expected one retry, inputs=%d", len(client.inputs))
	}
	if _, ok := client.inputs[1]["audio_url"]; ok {
		t.Fatalf("retry should drop audio_url")
	}
	if _, ok := client.inputs[0]["audio_url"]; !ok {
		t.Fatalf("caller input must not be modified")
	}
}

func TestRunSchemaRejectionWithoutStripField(t *testing.T) {
	client := &scriptedClient{createErr: []error{&HTTPError{StatusCode: 422, Body: "invalid input"}}}
	_, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), fastDescriptor(), map[string]any{"prompt": "p"})
	if domain.CodeOf(err) != domain.CodeProviderSchema {
		t.Fatalf("code = %s", domain.CodeOf(err))
	}
	if len(client.inputs) != 1 {
		t.Fatalf("no retry expected, inputs=%d", len(client.inputs))
	}
}

func TestRunHonorsContextCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	d := fastDescriptor()
	d.PollInterval = time.Hour
	_, err := NewRunner(&scriptedClient{}, RunnerOptions{}).Run(ctx, d, nil)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestRunAcceptsMixedCaseStatus(t *testing.T) {
	client := &scriptedClient{statuses: []RemoteJob{{ID: "p-1", Status: "Succeeded", Output: "https://cdn.example.com/still.png"}}}
	res, err := NewRunner(client, RunnerOptions{}).Run(context.Background(), fastDescriptor(), map[string]any{"prompt": "p"})
	if err != nil {
		t.Fatalf("Run error: %v", err)
	}
	if res.Status != StatusSucceeded || res.OutputURL != "https://cdn.example.com/still.png" {
		t.Fatalf("unexpected result %+v", res)
	}
}
